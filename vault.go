// Package vault is the façade over the secret partition machinery: tag
// catalog, session registry, key derivation, envelope encryption and phrase
// verification. The journal and UI layers talk only to this package.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lunaria-app/vault/envelope"
	"github.com/lunaria-app/vault/keyring"
	"github.com/lunaria-app/vault/session"
	"github.com/lunaria-app/vault/storage"
	"github.com/lunaria-app/vault/tagstore"
	"github.com/lunaria-app/vault/transport"
	"github.com/lunaria-app/vault/verify"
)

// Action says what an utterance caused.
type Action int

const (
	// ActionNone means the utterance matched nothing.
	ActionNone Action = iota
	// ActionActivated means a tag session was created or refreshed.
	ActionActivated
	// ActionDeactivated means a live tag session was torn down.
	ActionDeactivated
	// ActionPanic means the panic phrase fired and everything was wiped.
	ActionPanic
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionActivated:
		return "activated"
	case ActionDeactivated:
		return "deactivated"
	case ActionPanic:
		return "panic"
	default:
		return "unknown"
	}
}

// Outcome is the result of HandleUtterance.
type Outcome struct {
	Action  Action
	TagID   string
	TagName string
}

// Options configure an Orchestrator.
type Options struct {
	SecurityMode verify.SecurityMode
	CacheEnabled bool
	// PanicPhrase, when spoken or typed anywhere in an utterance, wipes all
	// secret material. Empty disables the trigger.
	PanicPhrase string
	Sessions    session.Options
	Clock       session.Clock
}

// Orchestrator wires the vault components together. One instance per
// process; adapters are injected at construction.
type Orchestrator struct {
	mu            sync.Mutex
	securityMode  verify.SecurityMode
	cacheEnabled  bool
	networkOnline bool
	panicPhrase   string

	store    storage.Adapter
	server   transport.Server
	tags     *tagstore.Store
	sessions *session.Registry
	verifier *verify.Verifier
	entropy  []byte
	logger   zerolog.Logger
}

// New builds an Orchestrator over the given storage and transport adapters.
// server may be nil for builds without a backend; server-dependent modes
// then fail with ErrServerUnavailable.
func New(store storage.Adapter, server transport.Server, opts Options, logger zerolog.Logger) (*Orchestrator, error) {
	if opts.SecurityMode == "" {
		opts.SecurityMode = verify.SecurityModeOffline
	}
	if opts.Clock == nil {
		opts.Clock = session.RealClock()
	}

	entropy, err := keyring.LoadOrCreateDeviceEntropy(store)
	if err != nil {
		return nil, err
	}
	fingerprint, err := keyring.LoadOrCreateFingerprint(store)
	if err != nil {
		return nil, err
	}

	tags := tagstore.NewStore(store, logger)
	sessions := session.NewRegistry(store, fingerprint, opts.Clock, opts.Sessions, logger)
	return &Orchestrator{
		securityMode:  opts.SecurityMode,
		cacheEnabled:  opts.CacheEnabled,
		networkOnline: server != nil,
		panicPhrase:   keyring.NormalizePhrase(opts.PanicPhrase),
		store:         store,
		server:        server,
		tags:          tags,
		sessions:      sessions,
		verifier:      verify.NewVerifier(tags, server, logger),
		entropy:       entropy,
		logger:        logger.With().Str("component", "vault").Logger(),
	}, nil
}

// HandleUtterance routes one piece of voice or text input. The panic phrase
// is checked before anything else. A phrase matching an inactive tag
// activates it; matching a tag that is already unlocked deactivates it.
// Unmatched input returns ActionNone so the caller can treat it as ordinary
// journal text.
func (o *Orchestrator) HandleUtterance(ctx context.Context, text string) (Outcome, error) {
	if o.spokePanicPhrase(text) {
		if err := o.Panic(ctx); err != nil {
			return Outcome{Action: ActionPanic}, err
		}
		return Outcome{Action: ActionPanic}, nil
	}

	mode := o.currentMode()
	tag, phrase, err := o.verifier.Verify(ctx, mode, text)
	if errors.Is(err, verify.ErrNoMatch) {
		return Outcome{Action: ActionNone}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	if o.sessions.IsUnlocked(tag.ID) {
		if err := o.sessions.Deactivate(tag.ID); err != nil {
			return Outcome{}, err
		}
		return Outcome{Action: ActionDeactivated, TagID: tag.ID, TagName: tag.Name}, nil
	}

	key, err := keyring.DerivePhraseKey(phrase, o.entropy, tag.PhraseSalt, tag.Iterations)
	if err != nil {
		return Outcome{}, err
	}
	if err := o.sessions.Activate(tag.ID, tag.Name, key, "utterance"); err != nil {
		keyring.Zero(key)
		return Outcome{}, err
	}
	return Outcome{Action: ActionActivated, TagID: tag.ID, TagName: tag.Name}, nil
}

// spokePanicPhrase checks for the panic phrase as a contiguous token span.
func (o *Orchestrator) spokePanicPhrase(text string) bool {
	if o.panicPhrase == "" {
		return false
	}
	normalized := keyring.NormalizePhrase(text)
	if normalized == o.panicPhrase {
		return true
	}
	tokens := strings.Fields(normalized)
	want := strings.Fields(o.panicPhrase)
	for start := 0; start+len(want) <= len(tokens); start++ {
		if strings.Join(tokens[start:start+len(want)], " ") == o.panicPhrase {
			return true
		}
	}
	return false
}

// CreateTag adds a catalog record. The tag starts inactive; speaking its
// phrase activates it.
func (o *Orchestrator) CreateTag(name, phrase, colorCode string) (*tagstore.SecretTag, error) {
	return o.tags.Create(name, phrase, colorCode)
}

// RenameTag changes a tag's display name.
func (o *Orchestrator) RenameTag(tagID, newName string) error {
	return o.tags.Rename(tagID, newName)
}

// RecolorTag changes a tag's color code.
func (o *Orchestrator) RecolorTag(tagID, colorCode string) error {
	return o.tags.Recolor(tagID, colorCode)
}

// Tags lists all catalog records.
func (o *Orchestrator) Tags() ([]*tagstore.SecretTag, error) {
	return o.tags.List()
}

// DeleteTag removes a tag, its session and its server record. Deletion
// requires the tag to be unlocked: an attacker holding the device but not
// the phrase cannot destroy a partition's metadata. Server-side deletion is
// best effort; a failure there is logged but does not resurrect the tag.
func (o *Orchestrator) DeleteTag(ctx context.Context, tagID string) error {
	if !o.sessions.IsUnlocked(tagID) {
		return ErrNoActiveSession
	}
	if err := o.tags.Delete(tagID); err != nil {
		return err
	}
	if err := o.sessions.Deactivate(tagID); err != nil && !errors.Is(err, session.ErrNoSession) {
		return err
	}
	if o.server != nil {
		if err := o.server.DeleteTag(ctx, tagID); err != nil {
			o.logger.Warn().Err(err).Str("tag_id", tagID).Msg("Server tag delete failed")
		}
	}
	return nil
}

// EncryptForTag seals plaintext for the tag's partition. The tag must be
// unlocked; each call refreshes the session's expiry.
func (o *Orchestrator) EncryptForTag(tagID string, plaintext []byte) (*envelope.Envelope, error) {
	key, err := o.sessions.WrappingKey(tagID)
	if err != nil {
		return nil, err
	}
	defer keyring.Zero(key)

	env, err := envelope.Seal(plaintext, key)
	if err != nil {
		return nil, err
	}
	if err := o.sessions.Extend(tagID); err != nil && !errors.Is(err, session.ErrNoSession) {
		o.logger.Warn().Err(err).Str("tag_id", tagID).Msg("Failed to extend session")
	}
	return env, nil
}

// DecryptForTag opens an envelope from the tag's partition. The key
// snapshot taken here lets an in-flight decrypt finish even if the session
// is deactivated concurrently; new decrypts then fail.
func (o *Orchestrator) DecryptForTag(tagID string, env *envelope.Envelope) ([]byte, error) {
	key, err := o.sessions.WrappingKey(tagID)
	if err != nil {
		return nil, err
	}
	defer keyring.Zero(key)

	plaintext, err := envelope.Open(env, key)
	if err != nil {
		return nil, err
	}
	if err := o.sessions.Extend(tagID); err != nil && !errors.Is(err, session.ErrNoSession) {
		o.logger.Warn().Err(err).Str("tag_id", tagID).Msg("Failed to extend session")
	}
	return plaintext, nil
}

// ProvisionEntryWrappingKey hands the journal layer a copy of the tag's
// phrase key for one wrapping operation. The caller must zero it when done.
func (o *Orchestrator) ProvisionEntryWrappingKey(tagID string) ([]byte, error) {
	return o.sessions.WrappingKey(tagID)
}

// IsTagUnlocked reports whether the tag is currently usable for crypto.
func (o *Orchestrator) IsTagUnlocked(tagID string) bool {
	return o.sessions.IsUnlocked(tagID)
}

// ActiveTagForNewEntry returns the tag new entries should attach to, and
// false when zero or several tags are unlocked.
func (o *Orchestrator) ActiveTagForNewEntry() (string, bool) {
	return o.sessions.ActiveForNewEntry()
}

// LockTag gates a session at the UI level without dropping its key.
func (o *Orchestrator) LockTag(tagID string) error {
	return o.sessions.Lock(tagID)
}

// UnlockTag clears the UI gate; no phrase re-entry is needed.
func (o *Orchestrator) UnlockTag(tagID string) error {
	return o.sessions.Unlock(tagID)
}

// ExtendTag pushes a session's expiry forward from now.
func (o *Orchestrator) ExtendTag(tagID string) error {
	return o.sessions.Extend(tagID)
}

// DeactivateTag tears down a session explicitly.
func (o *Orchestrator) DeactivateTag(tagID string) error {
	return o.sessions.Deactivate(tagID)
}

// Panic wipes the tag catalog, then all sessions and keys, then the
// server's records, in that order. Best-effort-complete: every step runs
// regardless of earlier failures, and all failures are reported together.
func (o *Orchestrator) Panic(ctx context.Context) error {
	o.logger.Warn().Msg("Panic wipe triggered")

	var errs []error
	if err := o.tags.PanicWipe(); err != nil {
		o.logger.Error().Err(err).Msg("Tag catalog wipe failed")
		errs = append(errs, err)
	}
	if err := o.sessions.PanicWipe(); err != nil {
		o.logger.Error().Err(err).Msg("Session wipe failed")
		errs = append(errs, err)
	}
	if o.server != nil {
		tags, err := o.server.FetchTagCatalog(ctx)
		if err != nil {
			o.logger.Warn().Err(err).Msg("Server catalog unavailable during panic")
		} else {
			for _, tag := range tags {
				if err := o.server.DeleteTag(ctx, tag.TagID); err != nil {
					o.logger.Warn().Err(err).Str("tag_id", tag.TagID).Msg("Server tag delete failed during panic")
				}
			}
		}
	}
	return errors.Join(errs...)
}

// SetSecurityMode switches verification posture. Entering online mode wipes
// the local cache and all in-memory sessions, returning the device to an
// inspection-safe baseline; thereafter every verification needs the server.
func (o *Orchestrator) SetSecurityMode(ctx context.Context, mode verify.SecurityMode) error {
	o.mu.Lock()
	previous := o.securityMode
	o.securityMode = mode
	o.mu.Unlock()

	if mode == verify.SecurityModeOnline && previous != verify.SecurityModeOnline {
		o.logger.Info().Msg("Entering online mode, wiping local state")
		var errs []error
		if err := o.tags.PanicWipe(); err != nil {
			errs = append(errs, err)
		}
		if err := o.sessions.PanicWipe(); err != nil {
			errs = append(errs, err)
		}
		if err := errors.Join(errs...); err != nil {
			return fmt.Errorf("vault: online-mode wipe incomplete: %w", err)
		}
	}
	return nil
}

// SecurityMode returns the current verification posture.
func (o *Orchestrator) SecurityMode() verify.SecurityMode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.securityMode
}

// SetNetworkOnline records the current network state for mode selection.
func (o *Orchestrator) SetNetworkOnline(online bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.networkOnline = online
}

func (o *Orchestrator) currentMode() verify.Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return verify.SelectMode(o.securityMode, o.cacheEnabled, o.networkOnline)
}

// RecoverSessions reloads persisted session metadata after a restart.
// Recovered sessions fail closed until their phrase is spoken again.
func (o *Orchestrator) RecoverSessions() ([]string, error) {
	return o.sessions.Recover()
}

// Close stops background timers. Keys stay resident until sessions end.
func (o *Orchestrator) Close() {
	o.sessions.Close()
}
