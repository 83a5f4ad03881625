// Package session tracks which secret tags are currently unlocked and owns
// the phrase keys while they are resident. A session never outlives its key:
// deactivation, expiry and panic all drop the key and the session together.
// Session metadata (never keys) is persisted so sessions can be recovered
// after a restart, bound to the device fingerprint that wrote them.
package session

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"github.com/lunaria-app/vault/keyring"
	"github.com/lunaria-app/vault/storage"
)

const metaStorageKey = "sessions/meta"

const (
	// DefaultMaxActive is the default limit on concurrently active sessions.
	DefaultMaxActive = 3
	// DefaultTimeout is the default session lifetime between extensions.
	DefaultTimeout = 5 * time.Minute
	// DefaultMaxRecoveryAge bounds how old persisted session metadata may be
	// before recovery refuses it.
	DefaultMaxRecoveryAge = 24 * time.Hour
)

var (
	// ErrNoSession is returned when the tag has no live session.
	ErrNoSession = errors.New("session: no active session")
	// ErrMaxActive is returned when activating would exceed the session limit.
	ErrMaxActive = errors.New("session: maximum active sessions reached")
	// ErrLocked is returned when a locked session's key is requested.
	ErrLocked = errors.New("session: session is locked")
	// ErrKeyAbsent is returned for recovered sessions whose phrase has not
	// been re-entered. They fail closed until reactivation.
	ErrKeyAbsent = errors.New("session: phrase key absent, reactivation required")
	// ErrFingerprintMismatch marks session metadata written on another device.
	ErrFingerprintMismatch = errors.New("session: device fingerprint mismatch")
)

// Session is the live state for one unlocked tag. The phrase key is held
// only here and only in memory.
type Session struct {
	TagID        string
	TagName      string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastAccessed time.Time
	AccessCount  uint64
	Locked       bool
	Origin       string

	key []byte
}

// sessionMeta is the persisted form. No key field exists on purpose.
type sessionMeta struct {
	TagID        string    `cbor:"1,keyasint"`
	TagName      string    `cbor:"2,keyasint"`
	CreatedAt    time.Time `cbor:"3,keyasint"`
	ExpiresAt    time.Time `cbor:"4,keyasint"`
	LastAccessed time.Time `cbor:"5,keyasint"`
	AccessCount  uint64    `cbor:"6,keyasint"`
	Locked       bool      `cbor:"7,keyasint"`
	Origin       string    `cbor:"8,keyasint"`
	Fingerprint  []byte    `cbor:"9,keyasint"`
}

// Options configure a Registry. Zero values take the package defaults.
type Options struct {
	MaxActive      int
	Timeout        time.Duration
	MaxRecoveryAge time.Duration
}

// Registry owns all live sessions. All methods are safe for concurrent use;
// the session map is mutated only under the registry mutex.
type Registry struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	deadlines   deadlineHeap
	store       storage.Adapter
	fingerprint []byte
	clock       Clock
	logger      zerolog.Logger

	maxActive      int
	timeout        time.Duration
	maxRecoveryAge time.Duration

	timer *time.Timer
}

// NewRegistry creates a session registry bound to the given device
// fingerprint. Metadata persisted by the registry is only recoverable on a
// device presenting the same fingerprint.
func NewRegistry(store storage.Adapter, fingerprint []byte, clock Clock, opts Options, logger zerolog.Logger) *Registry {
	if opts.MaxActive <= 0 {
		opts.MaxActive = DefaultMaxActive
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRecoveryAge <= 0 {
		opts.MaxRecoveryAge = DefaultMaxRecoveryAge
	}
	return &Registry{
		sessions:       make(map[string]*Session),
		store:          store,
		fingerprint:    fingerprint,
		clock:          clock,
		logger:         logger.With().Str("component", "session").Logger(),
		maxActive:      opts.MaxActive,
		timeout:        opts.Timeout,
		maxRecoveryAge: opts.MaxRecoveryAge,
	}
}

// Activate creates (or refreshes) the session for a tag, taking ownership of
// the phrase key. Reactivating a recovered session supplies the key it was
// missing. Returns ErrMaxActive when a new session would exceed the limit;
// existing sessions are untouched in that case.
func (r *Registry) Activate(tagID, tagName string, key []byte, origin string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[tagID]; !exists && len(r.sessions) >= r.maxActive {
		return ErrMaxActive
	}

	now := r.clock.Now()
	if old := r.sessions[tagID]; old != nil {
		keyring.Zero(old.key)
	}
	sess := &Session{
		TagID:        tagID,
		TagName:      tagName,
		CreatedAt:    now,
		ExpiresAt:    now.Add(r.timeout),
		LastAccessed: now,
		Origin:       origin,
		key:          key,
	}
	r.sessions[tagID] = sess
	r.deadlines.push(tagID, sess.ExpiresAt)
	r.persistLocked()
	r.rearmLocked()
	r.logger.Info().Str("tag_id", tagID).Time("expires_at", sess.ExpiresAt).Msg("Session activated")
	return nil
}

// Extend moves the session's expiry forward from now. Repeated calls
// refresh rather than accumulate.
func (r *Registry) Extend(tagID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[tagID]
	if !ok {
		return ErrNoSession
	}
	now := r.clock.Now()
	sess.ExpiresAt = now.Add(r.timeout)
	sess.LastAccessed = now
	r.deadlines.push(tagID, sess.ExpiresAt)
	r.persistLocked()
	r.rearmLocked()
	return nil
}

// Lock gates the session at the UI level without dropping the key.
func (r *Registry) Lock(tagID string) error {
	return r.setLocked(tagID, true)
}

// Unlock clears the UI gate. The key is still resident, so no phrase
// re-entry is needed unless the session has meanwhile expired.
func (r *Registry) Unlock(tagID string) error {
	return r.setLocked(tagID, false)
}

func (r *Registry) setLocked(tagID string, locked bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[tagID]
	if !ok {
		return ErrNoSession
	}
	sess.Locked = locked
	sess.LastAccessed = r.clock.Now()
	r.persistLocked()
	return nil
}

// WrappingKey returns a copy of the session's phrase key for one crypto
// operation. Callers hold the snapshot for the duration of that operation;
// a concurrent deactivation cannot yank it mid-flight, and no new snapshot
// is handed out once the session is gone.
func (r *Registry) WrappingKey(tagID string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[tagID]
	if !ok {
		return nil, ErrNoSession
	}
	if !sess.ExpiresAt.After(r.clock.Now()) {
		return nil, ErrNoSession
	}
	if sess.Locked {
		return nil, ErrLocked
	}
	if sess.key == nil {
		return nil, ErrKeyAbsent
	}
	sess.LastAccessed = r.clock.Now()
	sess.AccessCount++

	out := make([]byte, len(sess.key))
	copy(out, sess.key)
	return out, nil
}

// Deactivate destroys the session and zeroes its key.
func (r *Registry) Deactivate(tagID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[tagID]
	if !ok {
		return ErrNoSession
	}
	keyring.Zero(sess.key)
	sess.key = nil
	delete(r.sessions, tagID)
	r.persistLocked()
	r.rearmLocked()
	r.logger.Info().Str("tag_id", tagID).Msg("Session deactivated")
	return nil
}

// SweepExpired deactivates every session whose deadline has passed and
// returns their tag IDs. This is the only automatic teardown path.
func (r *Registry) SweepExpired() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var expired []string
	for {
		next, ok := r.deadlines.peek()
		if !ok || next.at.After(now) {
			break
		}
		heap.Pop(&r.deadlines)

		sess, ok := r.sessions[next.tagID]
		if !ok || !sess.ExpiresAt.Equal(next.at) {
			// Stale entry from an extension or earlier removal.
			continue
		}
		keyring.Zero(sess.key)
		sess.key = nil
		delete(r.sessions, next.tagID)
		expired = append(expired, next.tagID)
		r.logger.Info().Str("tag_id", next.tagID).Msg("Session expired")
	}
	if len(expired) > 0 {
		r.persistLocked()
	}
	r.rearmLocked()
	return expired
}

// IsUnlocked reports whether the tag has a live, unlocked session whose key
// is resident. Recovered sessions awaiting phrase re-entry report false.
func (r *Registry) IsUnlocked(tagID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[tagID]
	if !ok {
		return false
	}
	return !sess.Locked && sess.key != nil && sess.ExpiresAt.After(r.clock.Now())
}

// HasSession reports whether any session, locked or recovered included,
// exists for the tag.
func (r *Registry) HasSession(tagID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[tagID]
	return ok
}

// ActiveForNewEntry returns the tag new entries should attach to. Only when
// exactly one tag is unlocked is the placement unambiguous.
func (r *Registry) ActiveForNewEntry() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var found string
	for tagID, sess := range r.sessions {
		if sess.Locked || sess.key == nil || !sess.ExpiresAt.After(now) {
			continue
		}
		if found != "" {
			return "", false
		}
		found = tagID
	}
	return found, found != ""
}

// Get returns a copy of the session's public state.
func (r *Registry) Get(tagID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[tagID]
	if !ok {
		return Session{}, ErrNoSession
	}
	out := *sess
	out.key = nil
	return out, nil
}

// ActiveCount returns the number of live sessions.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// PanicWipe zeroes every key, drops every session and deletes persisted
// metadata. Best effort: a storage failure is returned but the in-memory
// wipe has already happened.
func (r *Registry) PanicWipe() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for tagID, sess := range r.sessions {
		keyring.Zero(sess.key)
		sess.key = nil
		delete(r.sessions, tagID)
	}
	r.deadlines = nil
	r.rearmLocked()
	if err := r.store.Delete(metaStorageKey); err != nil {
		return fmt.Errorf("session: failed to delete persisted metadata: %w", err)
	}
	r.logger.Warn().Msg("Wiped all sessions")
	return nil
}

// Recover reloads persisted session metadata after a restart. Sessions come
// back without keys and fail closed until their phrase is re-entered.
// Entries that are too old, already expired, or bound to a different device
// fingerprint are skipped, not fatal. Returns the recovered tag IDs.
func (r *Registry) Recover() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := r.store.Get(metaStorageKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: failed to read persisted metadata: %w", err)
	}
	var metas []sessionMeta
	if err := cbor.Unmarshal(data, &metas); err != nil {
		return nil, fmt.Errorf("session: failed to decode persisted metadata: %w", err)
	}

	now := r.clock.Now()
	var recovered []string
	for _, meta := range metas {
		if !keyring.Equal(meta.Fingerprint, r.fingerprint) {
			r.logger.Warn().Str("tag_id", meta.TagID).Err(ErrFingerprintMismatch).Msg("Skipping session recovery")
			continue
		}
		if now.Sub(meta.CreatedAt) >= r.maxRecoveryAge {
			r.logger.Info().Str("tag_id", meta.TagID).Msg("Skipping recovery of aged session")
			continue
		}
		if !meta.ExpiresAt.After(now) {
			continue
		}
		if len(r.sessions) >= r.maxActive {
			break
		}
		sess := &Session{
			TagID:        meta.TagID,
			TagName:      meta.TagName,
			CreatedAt:    meta.CreatedAt,
			ExpiresAt:    meta.ExpiresAt,
			LastAccessed: meta.LastAccessed,
			AccessCount:  meta.AccessCount,
			Locked:       meta.Locked,
			Origin:       meta.Origin,
		}
		r.sessions[meta.TagID] = sess
		r.deadlines.push(meta.TagID, sess.ExpiresAt)
		recovered = append(recovered, meta.TagID)
	}
	r.persistLocked()
	r.rearmLocked()
	if len(recovered) > 0 {
		r.logger.Info().Int("count", len(recovered)).Msg("Recovered session metadata")
	}
	return recovered, nil
}

// persistLocked writes current session metadata. Failures are logged, not
// returned: persistence is an availability feature, losing it must not
// break the live session.
func (r *Registry) persistLocked() {
	metas := make([]sessionMeta, 0, len(r.sessions))
	for _, sess := range r.sessions {
		metas = append(metas, sessionMeta{
			TagID:        sess.TagID,
			TagName:      sess.TagName,
			CreatedAt:    sess.CreatedAt,
			ExpiresAt:    sess.ExpiresAt,
			LastAccessed: sess.LastAccessed,
			AccessCount:  sess.AccessCount,
			Locked:       sess.Locked,
			Origin:       sess.Origin,
			Fingerprint:  r.fingerprint,
		})
	}
	data, err := cbor.Marshal(metas)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to encode session metadata")
		return
	}
	if err := r.store.Set(metaStorageKey, data); err != nil {
		r.logger.Error().Err(err).Msg("Failed to persist session metadata")
	}
}

// rearmLocked schedules one wake-up for the nearest deadline. Only armed on
// the real clock; under a fake clock tests call SweepExpired themselves.
func (r *Registry) rearmLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if _, ok := r.clock.(realClock); !ok {
		return
	}
	next, ok := r.deadlines.peek()
	if !ok {
		return
	}
	wait := time.Until(next.at)
	if wait < 0 {
		wait = 0
	}
	r.timer = time.AfterFunc(wait, func() { r.SweepExpired() })
}

// Close stops the expiry timer. Sessions and keys stay resident; callers
// that want teardown use PanicWipe or Deactivate.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
