// Package envelope implements the two-layer encryption applied to journal
// entry content. Each entry is sealed under a fresh random entry key, and
// the entry key travels inside the envelope wrapped under the partition's
// phrase key. Decrypting an envelope therefore requires re-deriving the
// phrase key; nothing in the envelope is useful on its own.
package envelope

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/lunaria-app/vault/keyring"
)

// AlgorithmChaCha20Poly1305 identifies the only sealing algorithm in use.
// The field exists so stored envelopes survive a future algorithm change.
const AlgorithmChaCha20Poly1305 = "chacha20poly1305"

var (
	// ErrDecryptionFailed is returned when authentication fails during open
	// or unwrap. Deliberately uniform: callers cannot tell a wrong key from
	// tampered ciphertext.
	ErrDecryptionFailed = errors.New("envelope: decryption failed")
	// ErrUnsupportedAlgorithm is returned for envelopes sealed with an
	// algorithm this build does not implement.
	ErrUnsupportedAlgorithm = errors.New("envelope: unsupported algorithm")
)

// Envelope is the sealed form of one journal entry. It is safe to persist
// and to sync: every field is either ciphertext, a nonce, or an algorithm
// label.
type Envelope struct {
	Algorithm       string `cbor:"1,keyasint" json:"algorithm"`
	Ciphertext      []byte `cbor:"2,keyasint" json:"ciphertext"`
	ContentNonce    []byte `cbor:"3,keyasint" json:"content_nonce"`
	WrappedEntryKey []byte `cbor:"4,keyasint" json:"wrapped_entry_key"`
	WrapNonce       []byte `cbor:"5,keyasint" json:"wrap_nonce"`
}

// Seal encrypts plaintext under a fresh entry key and wraps that key under
// phraseKey. The entry key is zeroed before Seal returns; only the wrapped
// form survives.
func Seal(plaintext, phraseKey []byte) (*Envelope, error) {
	if len(phraseKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("envelope: phrase key has length %d, want %d", len(phraseKey), chacha20poly1305.KeySize)
	}

	entryKey, err := keyring.NewEntryKey()
	if err != nil {
		return nil, err
	}
	defer keyring.Zero(entryKey)

	ciphertext, contentNonce, err := seal(entryKey, plaintext)
	if err != nil {
		return nil, err
	}
	wrapped, wrapNonce, err := seal(phraseKey, entryKey)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Algorithm:       AlgorithmChaCha20Poly1305,
		Ciphertext:      ciphertext,
		ContentNonce:    contentNonce,
		WrappedEntryKey: wrapped,
		WrapNonce:       wrapNonce,
	}, nil
}

// Open unwraps the entry key under phraseKey and decrypts the content. The
// unwrapped entry key is zeroed before Open returns. Any authentication
// failure, on either layer, surfaces as ErrDecryptionFailed.
func Open(env *Envelope, phraseKey []byte) ([]byte, error) {
	if env.Algorithm != AlgorithmChaCha20Poly1305 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, env.Algorithm)
	}
	if len(phraseKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("envelope: phrase key has length %d, want %d", len(phraseKey), chacha20poly1305.KeySize)
	}

	entryKey, err := open(phraseKey, env.WrappedEntryKey, env.WrapNonce)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	defer keyring.Zero(entryKey)

	if len(entryKey) != chacha20poly1305.KeySize {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := open(entryKey, env.Ciphertext, env.ContentNonce)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Marshal encodes an envelope to its canonical CBOR wire form.
func Marshal(env *Envelope) ([]byte, error) {
	data, err := cbor.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("envelope: failed to encode: %w", err)
	}
	return data, nil
}

// Unmarshal decodes an envelope from its CBOR wire form.
func Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("envelope: failed to decode: %w", err)
	}
	return &env, nil
}

func seal(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, fmt.Errorf("envelope: failed to create cipher: %w", err)
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("envelope: failed to generate nonce: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func open(key, ciphertext, nonce []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: failed to create cipher: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrDecryptionFailed
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}
