package keyring

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/lunaria-app/vault/storage"
)

const (
	// FingerprintSize is the device fingerprint length.
	FingerprintSize = 32

	fingerprintStorageKey = "device/fingerprint"
)

// Fingerprint returns a stable hash of device attributes. Session metadata
// is bound to this value; metadata restored alongside storage copied to a
// different device stops matching and is discarded rather than trusted.
func Fingerprint() []byte {
	hostname, _ := os.Hostname()
	zone, _ := time.Now().Zone()

	h := sha256.New()
	for _, attr := range []string{runtime.GOOS, runtime.GOARCH, hostname, os.Getenv("LANG"), zone} {
		h.Write([]byte(attr))
		h.Write([]byte{0})
	}
	return h.Sum(nil)
}

// LoadOrCreateFingerprint computes the current device fingerprint and keeps
// the persisted record in sync with it. A changed fingerprint is logged by
// callers through the recovery path, not treated as an error here.
func LoadOrCreateFingerprint(store storage.Adapter) ([]byte, error) {
	current := Fingerprint()

	existing, err := store.Get(fingerprintStorageKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("keyring: failed to load device fingerprint: %w", err)
	}
	if err != nil || !Equal(existing, current) {
		if err := store.Set(fingerprintStorageKey, current); err != nil {
			return nil, fmt.Errorf("keyring: failed to persist device fingerprint: %w", err)
		}
	}
	return current, nil
}
