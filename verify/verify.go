// Package verify decides how a spoken or typed phrase is checked against
// the tag catalog: locally, against the server, or both. The selection is a
// pure function of security mode, cache availability and network state, so
// the decision table stays explicit and testable.
package verify

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lunaria-app/vault/keyring"
	"github.com/lunaria-app/vault/tagstore"
	"github.com/lunaria-app/vault/transport"
)

// SecurityMode is the user-chosen privacy posture. Online mode keeps the
// device inspection-safe: verification leaves no local residue.
type SecurityMode string

const (
	SecurityModeOnline  SecurityMode = "online"
	SecurityModeOffline SecurityMode = "offline"
)

// Mode is the concrete verification path chosen for one attempt.
type Mode int

const (
	// ServerOnly verifies against the server and writes nothing locally.
	ServerOnly Mode = iota
	// CacheFirst tries the local catalog, then reconciles with the server
	// on a miss.
	CacheFirst
	// CacheOnly never touches the network.
	CacheOnly
)

func (m Mode) String() string {
	switch m {
	case ServerOnly:
		return "server-only"
	case CacheFirst:
		return "cache-first"
	case CacheOnly:
		return "cache-only"
	default:
		return "unknown"
	}
}

// ErrNoMatch is returned when the utterance matches no known tag.
var ErrNoMatch = errors.New("verify: no matching tag")

// SelectMode maps {securityMode, cacheEnabled, networkOnline} to a
// verification mode. Online security mode always forces ServerOnly; an
// offline network always forces CacheOnly.
func SelectMode(securityMode SecurityMode, cacheEnabled, networkOnline bool) Mode {
	if securityMode == SecurityModeOnline {
		return ServerOnly
	}
	if !networkOnline {
		return CacheOnly
	}
	if !cacheEnabled {
		return ServerOnly
	}
	return CacheFirst
}

// Verifier runs phrase verification in whichever mode was selected.
type Verifier struct {
	tags   *tagstore.Store
	server transport.Server
	logger zerolog.Logger
}

// NewVerifier creates a verifier. server may be nil when the build has no
// transport; server-dependent modes then report the server unavailable.
func NewVerifier(tags *tagstore.Store, server transport.Server, logger zerolog.Logger) *Verifier {
	return &Verifier{
		tags:   tags,
		server: server,
		logger: logger.With().Str("component", "verify").Logger(),
	}
}

// Verify resolves an utterance to a tag under the given mode, returning the
// tag and the matched normalized phrase (needed for key re-derivation), or
// ErrNoMatch.
func (v *Verifier) Verify(ctx context.Context, mode Mode, utterance string) (*tagstore.SecretTag, string, error) {
	switch mode {
	case CacheOnly:
		return v.verifyLocal(utterance)
	case CacheFirst:
		return v.verifyCacheFirst(ctx, utterance)
	case ServerOnly:
		return v.verifyServerOnly(ctx, utterance)
	default:
		return nil, "", fmt.Errorf("verify: unknown mode %d", mode)
	}
}

func (v *Verifier) verifyLocal(utterance string) (*tagstore.SecretTag, string, error) {
	tag, phrase, err := v.tags.FindMatching(utterance)
	if errors.Is(err, tagstore.ErrTagNotFound) {
		return nil, "", ErrNoMatch
	}
	if err != nil {
		return nil, "", err
	}
	return tag, phrase, nil
}

// verifyCacheFirst returns a definitive local match immediately. On a local
// miss it fetches the server catalog and prunes local records the server no
// longer knows, so a tag deleted from another device stops matching here.
// The order never reverses: offline-ish latency stays off the hot path.
func (v *Verifier) verifyCacheFirst(ctx context.Context, utterance string) (*tagstore.SecretTag, string, error) {
	tag, phrase, err := v.verifyLocal(utterance)
	if err == nil {
		return tag, phrase, nil
	}
	if !errors.Is(err, ErrNoMatch) {
		return nil, "", err
	}
	if v.server == nil {
		return nil, "", ErrNoMatch
	}

	serverTags, err := v.server.FetchTagCatalog(ctx)
	if err != nil {
		// Server trouble does not turn a local miss into a hard error.
		v.logger.Warn().Err(err).Msg("Catalog reconciliation skipped")
		return nil, "", ErrNoMatch
	}
	keep := make(map[string]bool, len(serverTags))
	for _, st := range serverTags {
		keep[st.TagID] = true
	}
	if _, err := v.tags.Prune(keep); err != nil {
		v.logger.Error().Err(err).Msg("Failed to prune stale tags")
	}
	return nil, "", ErrNoMatch
}

// verifyServerOnly still matches the phrase against local salts (the server
// never sees phrase material and cannot match it), but requires the server
// to confirm the tag's hash before accepting, and writes nothing locally.
func (v *Verifier) verifyServerOnly(ctx context.Context, utterance string) (*tagstore.SecretTag, string, error) {
	if v.server == nil {
		return nil, "", transport.ErrUnavailable
	}
	tag, phrase, err := v.verifyLocal(utterance)
	if err != nil {
		return nil, "", err
	}
	match, err := v.server.VerifyTagHash(ctx, tag.ID, keyring.ServerTagHash(tag.ID))
	if err != nil {
		return nil, "", err
	}
	if !match {
		v.logger.Warn().Str("tag_id", tag.ID).Msg("Server rejected tag hash")
		return nil, "", ErrNoMatch
	}
	return tag, phrase, nil
}
