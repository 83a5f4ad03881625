package vault

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lunaria-app/vault/session"
	"github.com/lunaria-app/vault/storage"
	"github.com/lunaria-app/vault/transport"
	"github.com/lunaria-app/vault/verify"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type fakeServer struct {
	verifyResult bool
	verifyErr    error
	catalog      []transport.ServerTag
	deleted      []string
}

func (f *fakeServer) VerifyTagHash(ctx context.Context, tagID string, candidateHash []byte) (bool, error) {
	return f.verifyResult, f.verifyErr
}

func (f *fakeServer) FetchTagCatalog(ctx context.Context) ([]transport.ServerTag, error) {
	return f.catalog, nil
}

func (f *fakeServer) DeleteTag(ctx context.Context, tagID string) error {
	f.deleted = append(f.deleted, tagID)
	return nil
}

func newTestVault(t *testing.T, store storage.Adapter, server transport.Server, opts Options) *Orchestrator {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = newFakeClock()
	}
	if opts.SecurityMode == "" {
		opts.SecurityMode = verify.SecurityModeOffline
		opts.CacheEnabled = true
	}
	o, err := New(store, server, opts, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return o
}

func TestActivateEncryptDeactivateCycle(t *testing.T) {
	ctx := context.Background()
	o := newTestVault(t, storage.NewMemory(), nil, Options{})

	tag, err := o.CreateTag("Work", "blue horizon", "#3366ff")
	if err != nil {
		t.Fatalf("CreateTag failed: %v", err)
	}
	if o.IsTagUnlocked(tag.ID) {
		t.Fatal("Tag unlocked before activation")
	}

	out, err := o.HandleUtterance(ctx, "blue horizon")
	if err != nil {
		t.Fatalf("HandleUtterance failed: %v", err)
	}
	if out.Action != ActionActivated || out.TagID != tag.ID {
		t.Fatalf("Outcome = %+v, want activation of %s", out, tag.ID)
	}
	if !o.IsTagUnlocked(tag.ID) {
		t.Fatal("Tag not unlocked after activation")
	}

	env, err := o.EncryptForTag(tag.ID, []byte("hello"))
	if err != nil {
		t.Fatalf("EncryptForTag failed: %v", err)
	}

	if err := o.DeactivateTag(tag.ID); err != nil {
		t.Fatalf("DeactivateTag failed: %v", err)
	}
	if _, err := o.DecryptForTag(tag.ID, env); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("Decrypt after deactivation: got %v, want ErrNoActiveSession", err)
	}

	// Reactivate with the correct phrase and decrypt.
	if _, err := o.HandleUtterance(ctx, "blue horizon"); err != nil {
		t.Fatalf("Reactivation failed: %v", err)
	}
	plaintext, err := o.DecryptForTag(tag.ID, env)
	if err != nil {
		t.Fatalf("DecryptForTag failed: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("hello")) {
		t.Errorf("Decrypted %q, want %q", plaintext, "hello")
	}
}

func TestUtteranceInsideSentenceActivates(t *testing.T) {
	ctx := context.Background()
	o := newTestVault(t, storage.NewMemory(), nil, Options{})

	tag, _ := o.CreateTag("Work", "blue horizon", "")

	out, err := o.HandleUtterance(ctx, "please open Blue Horizon for me")
	if err != nil {
		t.Fatalf("HandleUtterance failed: %v", err)
	}
	if out.Action != ActionActivated {
		t.Fatalf("Outcome = %+v, want activation", out)
	}

	// The derived key must match the one from the bare phrase.
	env, err := o.EncryptForTag(tag.ID, []byte("entry"))
	if err != nil {
		t.Fatalf("EncryptForTag failed: %v", err)
	}
	o.DeactivateTag(tag.ID)
	if _, err := o.HandleUtterance(ctx, "blue horizon"); err != nil {
		t.Fatalf("Reactivation failed: %v", err)
	}
	if _, err := o.DecryptForTag(tag.ID, env); err != nil {
		t.Errorf("Decrypt across activation forms failed: %v", err)
	}
}

func TestUtteranceTogglesActiveTag(t *testing.T) {
	ctx := context.Background()
	o := newTestVault(t, storage.NewMemory(), nil, Options{})
	tag, _ := o.CreateTag("Work", "blue horizon", "")

	if out, _ := o.HandleUtterance(ctx, "blue horizon"); out.Action != ActionActivated {
		t.Fatalf("First utterance: %v", out.Action)
	}
	out, err := o.HandleUtterance(ctx, "blue horizon")
	if err != nil {
		t.Fatalf("HandleUtterance failed: %v", err)
	}
	if out.Action != ActionDeactivated {
		t.Fatalf("Second utterance: %v, want deactivation", out.Action)
	}
	if o.IsTagUnlocked(tag.ID) {
		t.Error("Tag still unlocked after toggle")
	}
}

func TestUnmatchedUtteranceIsNone(t *testing.T) {
	o := newTestVault(t, storage.NewMemory(), nil, Options{})
	o.CreateTag("Work", "blue horizon", "")

	out, err := o.HandleUtterance(context.Background(), "just an ordinary sentence")
	if err != nil {
		t.Fatalf("HandleUtterance failed: %v", err)
	}
	if out.Action != ActionNone {
		t.Errorf("Action = %v, want none", out.Action)
	}
}

func TestPanicPhraseWipesEverything(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	o := newTestVault(t, store, nil, Options{PanicPhrase: "forget everything"})

	tag, _ := o.CreateTag("Work", "blue horizon", "")
	o.HandleUtterance(ctx, "blue horizon")

	out, err := o.HandleUtterance(ctx, "please forget everything now")
	if err != nil {
		t.Fatalf("Panic utterance failed: %v", err)
	}
	if out.Action != ActionPanic {
		t.Fatalf("Action = %v, want panic", out.Action)
	}

	tags, _ := o.Tags()
	if len(tags) != 0 {
		t.Errorf("Catalog still holds %d tags after panic", len(tags))
	}
	if o.IsTagUnlocked(tag.ID) {
		t.Error("Session survived panic")
	}

	// Panic outranks activation even when the utterance also contains a
	// tag phrase.
	o2 := newTestVault(t, storage.NewMemory(), nil, Options{PanicPhrase: "forget everything"})
	o2.CreateTag("Work", "blue horizon", "")
	out, _ = o2.HandleUtterance(ctx, "blue horizon forget everything")
	if out.Action != ActionPanic {
		t.Errorf("Mixed utterance: %v, want panic", out.Action)
	}
}

func TestMaxActiveTags(t *testing.T) {
	ctx := context.Background()
	o := newTestVault(t, storage.NewMemory(), nil, Options{
		Sessions: session.Options{MaxActive: 2},
	})

	o.CreateTag("A", "alpha river", "")
	o.CreateTag("B", "beta stone", "")
	o.CreateTag("C", "gamma cloud", "")

	if _, err := o.HandleUtterance(ctx, "alpha river"); err != nil {
		t.Fatalf("Activation failed: %v", err)
	}
	if _, err := o.HandleUtterance(ctx, "beta stone"); err != nil {
		t.Fatalf("Activation failed: %v", err)
	}
	if _, err := o.HandleUtterance(ctx, "gamma cloud"); !errors.Is(err, ErrMaxActiveTags) {
		t.Fatalf("Third activation: got %v, want ErrMaxActiveTags", err)
	}
}

func TestDeleteTagRequiresLiveSession(t *testing.T) {
	ctx := context.Background()
	server := &fakeServer{}
	o := newTestVault(t, storage.NewMemory(), server, Options{})

	tag, _ := o.CreateTag("Work", "blue horizon", "")

	if err := o.DeleteTag(ctx, tag.ID); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("Delete without session: got %v, want ErrNoActiveSession", err)
	}

	o.HandleUtterance(ctx, "blue horizon")
	if err := o.DeleteTag(ctx, tag.ID); err != nil {
		t.Fatalf("DeleteTag failed: %v", err)
	}
	if _, err := o.Tags(); err != nil {
		t.Fatalf("Tags failed: %v", err)
	}
	tags, _ := o.Tags()
	if len(tags) != 0 {
		t.Errorf("Tag survived delete")
	}
	if len(server.deleted) != 1 || server.deleted[0] != tag.ID {
		t.Errorf("Server deletions = %v, want [%s]", server.deleted, tag.ID)
	}
	if o.IsTagUnlocked(tag.ID) {
		t.Error("Session survived tag delete")
	}
}

func TestSwitchToOnlineModeWipes(t *testing.T) {
	ctx := context.Background()
	server := &fakeServer{verifyResult: true}
	o := newTestVault(t, storage.NewMemory(), server, Options{})

	tag, _ := o.CreateTag("Work", "blue horizon", "")
	o.HandleUtterance(ctx, "blue horizon")

	if err := o.SetSecurityMode(ctx, verify.SecurityModeOnline); err != nil {
		t.Fatalf("SetSecurityMode failed: %v", err)
	}
	tags, _ := o.Tags()
	if len(tags) != 0 {
		t.Errorf("Local cache survived switch to online mode: %d tags", len(tags))
	}
	if o.IsTagUnlocked(tag.ID) {
		t.Error("Session survived switch to online mode")
	}

	// With the cache gone, the old phrase no longer resolves at all.
	out, err := o.HandleUtterance(ctx, "blue horizon")
	if err != nil {
		t.Fatalf("HandleUtterance failed: %v", err)
	}
	if out.Action != ActionNone {
		t.Errorf("Action = %v, want none after wipe", out.Action)
	}
}

func TestRecoveredSessionFailsClosed(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	clock := newFakeClock()

	o := newTestVault(t, store, nil, Options{Clock: clock})
	tag, _ := o.CreateTag("Work", "blue horizon", "")
	o.HandleUtterance(ctx, "blue horizon")
	env, err := o.EncryptForTag(tag.ID, []byte("hello"))
	if err != nil {
		t.Fatalf("EncryptForTag failed: %v", err)
	}

	// Simulated restart over the same store.
	restarted := newTestVault(t, store, nil, Options{Clock: clock})
	recovered, err := restarted.RecoverSessions()
	if err != nil {
		t.Fatalf("RecoverSessions failed: %v", err)
	}
	if len(recovered) != 1 || recovered[0] != tag.ID {
		t.Fatalf("Recovered %v, want [%s]", recovered, tag.ID)
	}

	// Metadata known, key absent: decrypt fails closed.
	if restarted.IsTagUnlocked(tag.ID) {
		t.Error("Recovered session reports unlocked")
	}
	if _, err := restarted.DecryptForTag(tag.ID, env); !errors.Is(err, ErrReactivationRequired) {
		t.Fatalf("Decrypt on recovered session: got %v, want ErrReactivationRequired", err)
	}

	// Speaking the phrase again restores access.
	if _, err := restarted.HandleUtterance(ctx, "blue horizon"); err != nil {
		t.Fatalf("Reactivation failed: %v", err)
	}
	plaintext, err := restarted.DecryptForTag(tag.ID, env)
	if err != nil {
		t.Fatalf("DecryptForTag failed: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("hello")) {
		t.Errorf("Decrypted %q, want %q", plaintext, "hello")
	}
}

func TestActiveTagForNewEntry(t *testing.T) {
	ctx := context.Background()
	o := newTestVault(t, storage.NewMemory(), nil, Options{})

	a, _ := o.CreateTag("A", "alpha river", "")
	o.CreateTag("B", "beta stone", "")

	if _, ok := o.ActiveTagForNewEntry(); ok {
		t.Error("No active sessions: expected no candidate")
	}

	o.HandleUtterance(ctx, "alpha river")
	tagID, ok := o.ActiveTagForNewEntry()
	if !ok || tagID != a.ID {
		t.Errorf("ActiveTagForNewEntry = (%q, %v), want (%s, true)", tagID, ok, a.ID)
	}

	o.HandleUtterance(ctx, "beta stone")
	if _, ok := o.ActiveTagForNewEntry(); ok {
		t.Error("Two active sessions: expected no candidate")
	}
}

func TestProvisionEntryWrappingKey(t *testing.T) {
	ctx := context.Background()
	o := newTestVault(t, storage.NewMemory(), nil, Options{})
	tag, _ := o.CreateTag("Work", "blue horizon", "")

	if _, err := o.ProvisionEntryWrappingKey(tag.ID); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("Provision without session: got %v, want ErrNoActiveSession", err)
	}

	o.HandleUtterance(ctx, "blue horizon")
	key, err := o.ProvisionEntryWrappingKey(tag.ID)
	if err != nil {
		t.Fatalf("ProvisionEntryWrappingKey failed: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("Key length = %d, want 32", len(key))
	}
}

func TestLockGatesCrypto(t *testing.T) {
	ctx := context.Background()
	o := newTestVault(t, storage.NewMemory(), nil, Options{})
	tag, _ := o.CreateTag("Work", "blue horizon", "")
	o.HandleUtterance(ctx, "blue horizon")

	if err := o.LockTag(tag.ID); err != nil {
		t.Fatalf("LockTag failed: %v", err)
	}
	if _, err := o.EncryptForTag(tag.ID, []byte("x")); !errors.Is(err, ErrSessionLocked) {
		t.Fatalf("Encrypt while locked: got %v, want ErrSessionLocked", err)
	}
	if err := o.UnlockTag(tag.ID); err != nil {
		t.Fatalf("UnlockTag failed: %v", err)
	}
	if _, err := o.EncryptForTag(tag.ID, []byte("x")); err != nil {
		t.Errorf("Encrypt after unlock failed: %v", err)
	}
}

func TestServerOnlyVerification(t *testing.T) {
	ctx := context.Background()
	server := &fakeServer{verifyResult: true}
	o := newTestVault(t, storage.NewMemory(), server, Options{
		SecurityMode: verify.SecurityModeOnline,
	})

	// Tag created before entering online mode would have been wiped; this
	// exercises the verification path itself with a fresh record.
	o.CreateTag("Work", "blue horizon", "")
	out, err := o.HandleUtterance(ctx, "blue horizon")
	if err != nil {
		t.Fatalf("HandleUtterance failed: %v", err)
	}
	if out.Action != ActionActivated {
		t.Errorf("Action = %v, want activation", out.Action)
	}

	server.verifyErr = transport.ErrUnavailable
	o.DeactivateTag(out.TagID)
	if _, err := o.HandleUtterance(ctx, "blue horizon"); !errors.Is(err, ErrServerUnavailable) {
		t.Errorf("Server down in online mode: got %v, want ErrServerUnavailable", err)
	}
}
