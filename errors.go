package vault

import (
	"github.com/lunaria-app/vault/envelope"
	"github.com/lunaria-app/vault/session"
	"github.com/lunaria-app/vault/tagstore"
	"github.com/lunaria-app/vault/transport"
	"github.com/lunaria-app/vault/verify"
)

// Sentinel errors surfaced by the façade, aliased from the packages that
// produce them so callers can match with errors.Is without importing the
// internals.
var (
	// ErrNoActiveSession means the tag is not currently unlocked.
	ErrNoActiveSession = session.ErrNoSession
	// ErrSessionLocked means the session exists but is gated by the UI lock.
	ErrSessionLocked = session.ErrLocked
	// ErrReactivationRequired means a recovered session is awaiting phrase
	// re-entry.
	ErrReactivationRequired = session.ErrKeyAbsent
	// ErrMaxActiveTags means activating would exceed the session limit.
	ErrMaxActiveTags = session.ErrMaxActive
	// ErrDecryptionFailed means AEAD authentication failed.
	ErrDecryptionFailed = envelope.ErrDecryptionFailed
	// ErrNoMatch means the utterance matched no tag phrase.
	ErrNoMatch = verify.ErrNoMatch
	// ErrTagNotFound means no catalog record has the given ID.
	ErrTagNotFound = tagstore.ErrTagNotFound
	// ErrServerUnavailable means a required server round trip failed.
	ErrServerUnavailable = transport.ErrUnavailable
)
