// Package storage defines the key-value contract the vault persists through,
// plus the in-memory and SQLite implementations. The vault never stores
// cryptographic key material through this interface; only catalog records,
// session metadata, device entropy and the device fingerprint live here.
package storage

import "errors"

// ErrNotFound is returned by Get when the key has no stored value.
var ErrNotFound = errors.New("storage: key not found")

// Adapter is the persistence contract consumed by the vault. Implementations
// must be safe for concurrent use.
type Adapter interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(key string) ([]byte, error)
	// Set stores value under key, replacing any existing value.
	Set(key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
}
