package tagstore

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/lunaria-app/vault/storage"
)

func newTestStore() *Store {
	return NewStore(storage.NewMemory(), zerolog.Nop())
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore()

	tag, err := store.Create("Work", "blue horizon", "#3366ff")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if tag.ID == "" {
		t.Error("Tag has no ID")
	}
	if len(tag.PhraseSalt) == 0 || len(tag.PhraseHash) == 0 || len(tag.ServerTagHash) == 0 {
		t.Error("Tag is missing derived material")
	}
	if tag.Iterations == 0 {
		t.Error("Tag has zero KDF iterations")
	}

	got, err := store.Get(tag.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Name != "Work" {
		t.Errorf("Name = %q, want %q", got.Name, "Work")
	}

	if _, err := store.Get("nope"); !errors.Is(err, ErrTagNotFound) {
		t.Errorf("Get of missing tag: got %v, want ErrTagNotFound", err)
	}
}

func TestCreateValidation(t *testing.T) {
	store := newTestStore()

	if _, err := store.Create("", "blue horizon", ""); !errors.Is(err, ErrEmptyName) {
		t.Errorf("Empty name: got %v, want ErrEmptyName", err)
	}
	if _, err := store.Create("Work", "ab", ""); !errors.Is(err, ErrPhraseTooShort) {
		t.Errorf("Short phrase: got %v, want ErrPhraseTooShort", err)
	}
	if _, err := store.Create("Work", "one two three four five six seven eight nine", ""); !errors.Is(err, ErrPhraseTooLong) {
		t.Errorf("Long phrase: got %v, want ErrPhraseTooLong", err)
	}

	if _, err := store.Create("Work", "blue horizon", ""); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := store.Create("wOrK", "other phrase", ""); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("Duplicate name: got %v, want ErrDuplicateName", err)
	}
}

func TestFindMatching(t *testing.T) {
	store := newTestStore()
	tag, err := store.Create("Work", "blue horizon", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	single, err := store.Create("Diary", "nightfall", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	tests := []struct {
		name       string
		utterance  string
		wantID     string
		wantPhrase string
	}{
		{"exact match", "blue horizon", tag.ID, "blue horizon"},
		{"case and spacing", "  Blue   HORIZON ", tag.ID, "blue horizon"},
		{"embedded token span", "open blue horizon please", tag.ID, "blue horizon"},
		{"single word whole token", "show me nightfall now", single.ID, "nightfall"},
		{"substring of token", "nightfalls are long", "", ""},
		{"split phrase", "blue skies over the horizon", "", ""},
		{"no match", "hello world", "", ""},
		{"empty", "   ", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, phrase, err := store.FindMatching(tt.utterance)
			if tt.wantID == "" {
				if !errors.Is(err, ErrTagNotFound) {
					t.Fatalf("FindMatching(%q): got %v, want ErrTagNotFound", tt.utterance, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("FindMatching(%q) failed: %v", tt.utterance, err)
			}
			if got.ID != tt.wantID {
				t.Errorf("FindMatching(%q) = %s, want %s", tt.utterance, got.ID, tt.wantID)
			}
			if phrase != tt.wantPhrase {
				t.Errorf("Matched phrase = %q, want %q", phrase, tt.wantPhrase)
			}
		})
	}
}

func TestRenameAndRecolor(t *testing.T) {
	store := newTestStore()
	a, _ := store.Create("Work", "blue horizon", "#111111")
	b, _ := store.Create("Diary", "quiet evening", "#222222")

	if err := store.Rename(a.ID, "Projects"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	got, _ := store.Get(a.ID)
	if got.Name != "Projects" {
		t.Errorf("Name = %q, want %q", got.Name, "Projects")
	}

	if err := store.Rename(b.ID, "projects"); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("Rename to colliding name: got %v, want ErrDuplicateName", err)
	}
	if err := store.Rename(a.ID, "Projects"); err != nil {
		t.Errorf("Rename to own name should succeed: %v", err)
	}
	if err := store.Rename("nope", "X"); !errors.Is(err, ErrTagNotFound) {
		t.Errorf("Rename of missing tag: got %v, want ErrTagNotFound", err)
	}

	if err := store.Recolor(a.ID, "#333333"); err != nil {
		t.Fatalf("Recolor failed: %v", err)
	}
	got, _ = store.Get(a.ID)
	if got.ColorCode != "#333333" {
		t.Errorf("ColorCode = %q, want %q", got.ColorCode, "#333333")
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore()
	tag, _ := store.Create("Work", "blue horizon", "")

	if err := store.Delete(tag.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(tag.ID); !errors.Is(err, ErrTagNotFound) {
		t.Errorf("Get after delete: got %v, want ErrTagNotFound", err)
	}
	if err := store.Delete(tag.ID); !errors.Is(err, ErrTagNotFound) {
		t.Errorf("Second delete: got %v, want ErrTagNotFound", err)
	}
}

func TestPrune(t *testing.T) {
	store := newTestStore()
	a, _ := store.Create("Work", "blue horizon", "")
	b, _ := store.Create("Diary", "quiet evening", "")

	removed, err := store.Prune(map[string]bool{a.ID: true})
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if len(removed) != 1 || removed[0] != b.ID {
		t.Errorf("Prune removed %v, want [%s]", removed, b.ID)
	}
	if _, err := store.Get(a.ID); err != nil {
		t.Errorf("Kept tag missing after prune: %v", err)
	}

	// No-op prune.
	removed, err = store.Prune(map[string]bool{a.ID: true})
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if removed != nil {
		t.Errorf("No-op prune removed %v", removed)
	}
}

func TestPanicWipe(t *testing.T) {
	store := newTestStore()
	store.Create("Work", "blue horizon", "")
	store.Create("Diary", "quiet evening", "")

	if err := store.PanicWipe(); err != nil {
		t.Fatalf("PanicWipe failed: %v", err)
	}
	tags, err := store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(tags) != 0 {
		t.Errorf("Catalog still has %d tags after wipe", len(tags))
	}
}
