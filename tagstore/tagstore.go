// Package tagstore persists the catalog of secret tags: per-tag salts,
// phrase-match hashes and server hashes, but never phrases or keys. The
// catalog is one JSON blob behind the storage adapter, rewritten whole under
// a mutex so concurrent mutations cannot lose updates.
package tagstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lunaria-app/vault/keyring"
	"github.com/lunaria-app/vault/storage"
)

const (
	catalogStorageKey = "tags/catalog"

	// MinPhraseChars is the minimum normalized phrase length.
	MinPhraseChars = 3
	// MaxPhraseWords bounds phrase length, which in turn bounds the token
	// window scanned during utterance matching.
	MaxPhraseWords = 8
)

var (
	// ErrTagNotFound is returned when no tag has the given ID.
	ErrTagNotFound = errors.New("tagstore: tag not found")
	// ErrEmptyName is returned when a tag name is blank.
	ErrEmptyName = errors.New("tagstore: tag name is empty")
	// ErrDuplicateName is returned when a tag name collides case-insensitively.
	ErrDuplicateName = errors.New("tagstore: tag name already exists")
	// ErrPhraseTooShort is returned for phrases under MinPhraseChars.
	ErrPhraseTooShort = errors.New("tagstore: phrase too short")
	// ErrPhraseTooLong is returned for phrases over MaxPhraseWords words.
	ErrPhraseTooLong = errors.New("tagstore: phrase too long")
)

// SecretTag is one catalog record. Everything here is safe to persist: the
// phrase survives only as a salted match hash, and the server hash is
// derived from the tag ID rather than the phrase.
type SecretTag struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	ColorCode     string    `json:"color_code"`
	CreatedAt     time.Time `json:"created_at"`
	PhraseSalt    []byte    `json:"phrase_salt"`
	PhraseHash    []byte    `json:"phrase_hash"`
	Iterations    uint32    `json:"iterations"`
	ServerTagHash []byte    `json:"server_tag_hash"`
}

// Store is the persisted tag catalog. All mutations are read-modify-write
// over the single catalog blob and are serialized by the mutex.
type Store struct {
	mu     sync.Mutex
	store  storage.Adapter
	logger zerolog.Logger
}

// NewStore creates a catalog over the given storage adapter.
func NewStore(store storage.Adapter, logger zerolog.Logger) *Store {
	return &Store{
		store:  store,
		logger: logger.With().Str("component", "tagstore").Logger(),
	}
}

// Create validates name and phrase, derives the tag's salt and hashes, and
// persists the new record. It does not activate a session; activation is a
// separate step that proves phrase knowledge.
func (s *Store) Create(name, phrase, colorCode string) (*SecretTag, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyName
	}
	normalized := keyring.NormalizePhrase(phrase)
	if len(normalized) < MinPhraseChars {
		return nil, ErrPhraseTooShort
	}
	if len(strings.Fields(normalized)) > MaxPhraseWords {
		return nil, ErrPhraseTooLong
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	catalog, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, tag := range catalog {
		if strings.EqualFold(tag.Name, name) {
			return nil, ErrDuplicateName
		}
	}

	salt, err := keyring.NewSalt()
	if err != nil {
		return nil, err
	}
	tag := &SecretTag{
		ID:         uuid.New().String(),
		Name:       name,
		ColorCode:  colorCode,
		CreatedAt:  time.Now().UTC(),
		PhraseSalt: salt,
		PhraseHash: keyring.PhraseMatchHash(normalized, salt),
		Iterations: keyring.DefaultIterations,
	}
	tag.ServerTagHash = keyring.ServerTagHash(tag.ID)

	catalog = append(catalog, tag)
	if err := s.save(catalog); err != nil {
		return nil, err
	}
	s.logger.Info().Str("tag_id", tag.ID).Msg("Created secret tag")
	return tag, nil
}

// Get returns the tag with the given ID, or ErrTagNotFound.
func (s *Store) Get(tagID string) (*SecretTag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	catalog, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, tag := range catalog {
		if tag.ID == tagID {
			return tag, nil
		}
	}
	return nil, ErrTagNotFound
}

// List returns all catalog records.
func (s *Store) List() ([]*SecretTag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// FindMatching tests whether the utterance speaks one stored phrase exactly
// and returns the tag plus the matched normalized phrase, which callers
// need to re-derive the phrase key. Single-word phrases must match a whole
// token; multi-word phrases must match a contiguous token span. The
// utterance merely containing a phrase as a substring never matches. Hash
// comparison is constant-time.
func (s *Store) FindMatching(utterance string) (*SecretTag, string, error) {
	normalized := keyring.NormalizePhrase(utterance)
	if normalized == "" {
		return nil, "", ErrTagNotFound
	}
	tokens := strings.Fields(normalized)

	s.mu.Lock()
	defer s.mu.Unlock()

	catalog, err := s.load()
	if err != nil {
		return nil, "", err
	}
	for _, tag := range catalog {
		if phrase, ok := matchesTag(tag, normalized, tokens); ok {
			return tag, phrase, nil
		}
	}
	return nil, "", ErrTagNotFound
}

// matchesTag checks the whole utterance first, then every token window the
// phrase could occupy. The window is bounded by MaxPhraseWords, enforced at
// create time, so matching stays linear in the transcript length.
func matchesTag(tag *SecretTag, normalized string, tokens []string) (string, bool) {
	if keyring.Equal(tag.PhraseHash, keyring.PhraseMatchHash(normalized, tag.PhraseSalt)) {
		return normalized, true
	}
	for window := 1; window <= MaxPhraseWords && window <= len(tokens); window++ {
		for start := 0; start+window <= len(tokens); start++ {
			candidate := strings.Join(tokens[start:start+window], " ")
			if keyring.Equal(tag.PhraseHash, keyring.PhraseMatchHash(candidate, tag.PhraseSalt)) {
				return candidate, true
			}
		}
	}
	return "", false
}

// Rename changes a tag's display name, rejecting case-insensitive
// collisions with other tags.
func (s *Store) Rename(tagID, newName string) error {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return ErrEmptyName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	catalog, err := s.load()
	if err != nil {
		return err
	}
	var target *SecretTag
	for _, tag := range catalog {
		if tag.ID == tagID {
			target = tag
			continue
		}
		if strings.EqualFold(tag.Name, newName) {
			return ErrDuplicateName
		}
	}
	if target == nil {
		return ErrTagNotFound
	}
	target.Name = newName
	return s.save(catalog)
}

// Recolor changes a tag's color code.
func (s *Store) Recolor(tagID, colorCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	catalog, err := s.load()
	if err != nil {
		return err
	}
	for _, tag := range catalog {
		if tag.ID == tagID {
			tag.ColorCode = colorCode
			return s.save(catalog)
		}
	}
	return ErrTagNotFound
}

// Delete removes a tag record. The live-session requirement that gates
// deletion is enforced by the orchestrator, which is the layer that can see
// session state.
func (s *Store) Delete(tagID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	catalog, err := s.load()
	if err != nil {
		return err
	}
	for i, tag := range catalog {
		if tag.ID == tagID {
			catalog = append(catalog[:i], catalog[i+1:]...)
			if err := s.save(catalog); err != nil {
				return err
			}
			s.logger.Info().Str("tag_id", tagID).Msg("Deleted secret tag")
			return nil
		}
	}
	return ErrTagNotFound
}

// Prune removes every tag whose ID the keep set does not contain, returning
// the removed IDs. Used to drop local records the server no longer knows.
func (s *Store) Prune(keep map[string]bool) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	catalog, err := s.load()
	if err != nil {
		return nil, err
	}
	var kept []*SecretTag
	var removed []string
	for _, tag := range catalog {
		if keep[tag.ID] {
			kept = append(kept, tag)
		} else {
			removed = append(removed, tag.ID)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	if err := s.save(kept); err != nil {
		return nil, err
	}
	s.logger.Info().Int("removed", len(removed)).Msg("Pruned stale tags")
	return removed, nil
}

// PanicWipe deletes the whole catalog unconditionally.
func (s *Store) PanicWipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Delete(catalogStorageKey); err != nil {
		return fmt.Errorf("tagstore: failed to wipe catalog: %w", err)
	}
	s.logger.Warn().Msg("Wiped tag catalog")
	return nil
}

func (s *Store) load() ([]*SecretTag, error) {
	data, err := s.store.Get(catalogStorageKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tagstore: failed to read catalog: %w", err)
	}
	var catalog []*SecretTag
	if err := json.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("tagstore: failed to decode catalog: %w", err)
	}
	return catalog, nil
}

func (s *Store) save(catalog []*SecretTag) error {
	data, err := json.Marshal(catalog)
	if err != nil {
		return fmt.Errorf("tagstore: failed to encode catalog: %w", err)
	}
	if err := s.store.Set(catalogStorageKey, data); err != nil {
		return fmt.Errorf("tagstore: failed to write catalog: %w", err)
	}
	return nil
}
