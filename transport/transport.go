// Package transport defines the client side of the journal server API used
// for tag verification. Only tag IDs and hashes ever cross this boundary;
// phrases, keys and plaintext stay on the device.
package transport

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the server cannot be reached. Callers in
// cache-first mode treat it as "fall back to local"; server-only mode
// surfaces it.
var ErrUnavailable = errors.New("transport: server unavailable")

// ServerTag is the server's record of one tag: the ID and the tag hash it
// filters by. The server never holds phrase material.
type ServerTag struct {
	TagID         string `cbor:"1,keyasint"`
	ServerTagHash []byte `cbor:"2,keyasint"`
}

// Server is the remote API consumed by the verification layer.
type Server interface {
	// VerifyTagHash asks the server whether candidateHash matches its
	// record for tagID.
	VerifyTagHash(ctx context.Context, tagID string, candidateHash []byte) (bool, error)
	// FetchTagCatalog returns every tag the server knows for this account.
	FetchTagCatalog(ctx context.Context) ([]ServerTag, error)
	// DeleteTag removes the server's record for tagID.
	DeleteTag(ctx context.Context, tagID string) error
}
