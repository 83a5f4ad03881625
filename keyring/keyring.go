// Package keyring implements the key hierarchy for secret journal
// partitions: device-bound entropy, phrase-derived partition keys, and
// one-time entry keys. Keys are derived on demand and never persisted; the
// same (entropy, phrase, salt, iterations) inputs always re-derive the same
// key, which is what makes locked partitions recoverable without storing any
// key material.
package keyring

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"github.com/lunaria-app/vault/storage"
)

const (
	// KeySize is the symmetric key length for phrase keys and entry keys.
	KeySize = 32
	// SaltSize is the per-tag KDF salt length.
	SaltSize = 16
	// EntropySize is the device entropy length.
	EntropySize = 32

	// DefaultIterations is the default Argon2id time parameter.
	DefaultIterations = 3

	// Argon2id memory and parallelism are fixed; only the time parameter
	// is configurable per tag, persisted alongside the salt.
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
)

const (
	entropyStorageKey = "device/entropy"

	serverTagDomain = "lunaria-server-tag-v1"
)

var (
	// ErrEmptyPhrase is returned when a phrase normalizes to nothing.
	ErrEmptyPhrase = errors.New("keyring: empty phrase")
	// ErrZeroIterations is returned for a zero KDF iteration count.
	ErrZeroIterations = errors.New("keyring: iteration count must be positive")
)

// LoadOrCreateDeviceEntropy returns the persisted 32-byte device entropy,
// generating and persisting it on first call. The entropy never leaves the
// device and is destroyed only by a full storage wipe. A storage failure
// here is fatal to all key operations.
func LoadOrCreateDeviceEntropy(store storage.Adapter) ([]byte, error) {
	existing, err := store.Get(entropyStorageKey)
	if err == nil {
		if len(existing) != EntropySize {
			return nil, fmt.Errorf("keyring: persisted entropy has length %d, want %d", len(existing), EntropySize)
		}
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("keyring: failed to load device entropy: %w", err)
	}

	entropy := make([]byte, EntropySize)
	if _, err := rand.Read(entropy); err != nil {
		return nil, fmt.Errorf("keyring: failed to generate device entropy: %w", err)
	}
	if err := store.Set(entropyStorageKey, entropy); err != nil {
		return nil, fmt.Errorf("keyring: failed to persist device entropy: %w", err)
	}
	return entropy, nil
}

// NormalizePhrase lowercases, trims, and collapses internal whitespace so
// that "Work Private" and " work   private " derive the same key.
func NormalizePhrase(phrase string) string {
	return strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
}

// DerivePhraseKey derives the partition key for a phrase using Argon2id over
// the normalized phrase concatenated with the device entropy. Deterministic:
// identical inputs always yield the identical key. Callers validate user
// input before reaching this layer; this layer asserts its invariants and
// fails loudly rather than coercing.
func DerivePhraseKey(phrase string, entropy, salt []byte, iterations uint32) ([]byte, error) {
	normalized := NormalizePhrase(phrase)
	if normalized == "" {
		return nil, ErrEmptyPhrase
	}
	if iterations == 0 {
		return nil, ErrZeroIterations
	}
	if len(entropy) != EntropySize {
		return nil, fmt.Errorf("keyring: entropy has length %d, want %d", len(entropy), EntropySize)
	}
	if len(salt) == 0 {
		return nil, errors.New("keyring: missing KDF salt")
	}

	input := make([]byte, 0, len(normalized)+len(entropy))
	input = append(input, normalized...)
	input = append(input, entropy...)
	key := argon2.IDKey(input, salt, iterations, argonMemory, argonThreads, KeySize)
	Zero(input)
	return key, nil
}

// NewEntryKey returns a fresh random key for encrypting a single journal
// entry. Entry keys are never derived and never reused.
func NewEntryKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("keyring: failed to generate entry key: %w", err)
	}
	return key, nil
}

// NewSalt returns a fresh random per-tag KDF salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("keyring: failed to generate salt: %w", err)
	}
	return salt, nil
}

// PhraseMatchHash computes the fast local-detection hash for a normalized
// phrase: HMAC-SHA256 keyed by the tag's salt. This is deliberately a
// different construction from the phrase key so that the catalog record
// never holds KDF output.
func PhraseMatchHash(normalized string, salt []byte) []byte {
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(normalized))
	return mac.Sum(nil)
}

// ServerTagHash derives the hash a server may hold for a tag. It is derived
// from the tag ID, not from the phrase, so the server can filter by tag
// without ever learning phrase material.
func ServerTagHash(tagID string) []byte {
	reader := hkdf.New(sha256.New, []byte(tagID), nil, []byte(serverTagDomain))
	hash := make([]byte, 32)
	if _, err := io.ReadFull(reader, hash); err != nil {
		// HKDF over SHA-256 cannot fail for a 32-byte read.
		panic(fmt.Sprintf("keyring: hkdf read failed: %v", err))
	}
	return hash
}

// Equal performs a constant-time comparison of two hashes.
func Equal(a, b []byte) bool {
	return hmac.Equal(a, b)
}
