package directory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gamedo/pkg/domain"
)

func newTestDirectory(t *testing.T) *MemoryDirectory {
	t.Helper()
	sessions, err := NewSessions(SessionConfig{Secret: []byte("0123456789abcdef0123"), Revoker: NewMemoryRevoker()})
	if err != nil {
		t.Fatalf("new sessions: %v", err)
	}
	return NewMemoryDirectory(sessions)
}

// snapshotRecorder collects snapshots pushed to a subscription.
type snapshotRecorder struct {
	mu    sync.Mutex
	snaps [][]Document
}

func (r *snapshotRecorder) onChange(docs []Document) {
	r.mu.Lock()
	r.snaps = append(r.snaps, docs)
	r.mu.Unlock()
}

func (r *snapshotRecorder) last() ([]Document, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return nil, 0
	}
	return r.snaps[len(r.snaps)-1], len(r.snaps)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMemoryDirectoryCredentials(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t)

	if err := d.CreateCredential(ctx, "alice@gamedo.com", "pw1"); err != nil {
		t.Fatalf("create credential: %v", err)
	}
	if err := d.CreateCredential(ctx, "alice@gamedo.com", "other"); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	if _, err := d.VerifyCredential(ctx, "alice@gamedo.com", "wrong"); !errors.Is(err, domain.ErrInvalidCredential) {
		t.Fatalf("expected invalid credential, got %v", err)
	}
	if _, err := d.VerifyCredential(ctx, "nobody@gamedo.com", "pw1"); !errors.Is(err, domain.ErrInvalidCredential) {
		t.Fatalf("expected invalid credential for unknown identity, got %v", err)
	}
	session, err := d.VerifyCredential(ctx, "alice@gamedo.com", "pw1")
	if err != nil {
		t.Fatalf("verify credential: %v", err)
	}
	if session.Identity != "alice@gamedo.com" || session.Token == "" {
		t.Fatalf("unexpected session: %+v", session)
	}

	if err := d.UpdateSecret(ctx, Session{Token: "garbage"}, "pw2"); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	if err := d.UpdateSecret(ctx, session, "pw2"); err != nil {
		t.Fatalf("update secret: %v", err)
	}
	if _, err := d.VerifyCredential(ctx, "alice@gamedo.com", "pw1"); !errors.Is(err, domain.ErrInvalidCredential) {
		t.Fatalf("old secret should be rejected, got %v", err)
	}
	if _, err := d.VerifyCredential(ctx, "alice@gamedo.com", "pw2"); err != nil {
		t.Fatalf("new secret should verify: %v", err)
	}
}

func TestSessionsRevokeBeforeVoidsOlderSessions(t *testing.T) {
	revoker := NewMemoryRevoker()
	sessions, err := NewSessions(SessionConfig{Secret: []byte("0123456789abcdef0123"), Revoker: revoker})
	if err != nil {
		t.Fatalf("new sessions: %v", err)
	}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sessions.now = func() time.Time { return base }
	old, err := sessions.Issue("bob@gamedo.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	sessions.now = func() time.Time { return base.Add(5 * time.Second) }
	if err := sessions.RevokeBefore("bob@gamedo.com"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := sessions.Verify(old.Token); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("expected old session revoked, got %v", err)
	}
	fresh, err := sessions.Issue("bob@gamedo.com")
	if err != nil {
		t.Fatalf("issue fresh: %v", err)
	}
	identity, err := sessions.Verify(fresh.Token)
	if err != nil {
		t.Fatalf("fresh session should verify: %v", err)
	}
	if identity != "bob@gamedo.com" {
		t.Fatalf("unexpected identity %q", identity)
	}
}

func TestMemoryDirectoryDocuments(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t)

	if err := d.UpdateDocument(ctx, CollectionRooms, "SUN-MOON-100", Patch{Set("subject", "Math")}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := d.CreateDocument(ctx, CollectionRooms, "SUN-MOON-100", map[string]any{"createdBy": "t1", "tasks": []any{}}); err != nil {
		t.Fatalf("create document: %v", err)
	}
	if err := d.UpdateDocument(ctx, CollectionRooms, "SUN-MOON-100", Patch{ArrayUnion("tasks", map[string]any{"title": "Read", "completedBy": []string{}})}); err != nil {
		t.Fatalf("update document: %v", err)
	}
	doc, err := d.GetDocument(ctx, CollectionRooms, "SUN-MOON-100")
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if tasks := doc.Data["tasks"].([]any); len(tasks) != 1 {
		t.Fatalf("expected one task, got %#v", tasks)
	}

	if err := d.UpdateDocument(ctx, CollectionRooms, "SUN-MOON-100", Patch{Set("subject", "Math"), Set("createdBy.x", 1)}); err == nil {
		t.Fatalf("expected failing patch")
	}
	doc, _ = d.GetDocument(ctx, CollectionRooms, "SUN-MOON-100")
	if _, ok := doc.Data["subject"]; ok {
		t.Fatalf("failed patch must not be partially applied")
	}

	if err := d.DeleteDocument(ctx, CollectionRooms, "SUN-MOON-100"); err != nil {
		t.Fatalf("delete document: %v", err)
	}
	if err := d.DeleteDocument(ctx, CollectionRooms, "SUN-MOON-100"); err != nil {
		t.Fatalf("deleting a missing document should succeed: %v", err)
	}
	if _, err := d.GetDocument(ctx, CollectionRooms, "SUN-MOON-100"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestMemoryDirectorySubscribePushesFullSnapshots(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t)
	if err := d.CreateDocument(ctx, CollectionRooms, "A", map[string]any{"createdBy": "t1"}); err != nil {
		t.Fatalf("create A: %v", err)
	}

	rec := &snapshotRecorder{}
	unsubscribe, err := d.Subscribe(ctx, CollectionRooms, Eq("createdBy", "t1"), rec.onChange)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, "initial snapshot", func() bool {
		docs, n := rec.last()
		return n >= 1 && len(docs) == 1
	})

	if err := d.CreateDocument(ctx, CollectionRooms, "B", map[string]any{"createdBy": "t1"}); err != nil {
		t.Fatalf("create B: %v", err)
	}
	if err := d.CreateDocument(ctx, CollectionRooms, "C", map[string]any{"createdBy": "t2"}); err != nil {
		t.Fatalf("create C: %v", err)
	}
	waitFor(t, "snapshot with both t1 rooms", func() bool {
		docs, _ := rec.last()
		return len(docs) == 2 && docs[0].ID == "A" && docs[1].ID == "B"
	})

	unsubscribe()
	unsubscribe()
	if n := d.ActiveSubscriptions(); n != 0 {
		t.Fatalf("expected no active subscriptions, got %d", n)
	}
	_, before := rec.last()
	if err := d.DeleteDocument(ctx, CollectionRooms, "A"); err != nil {
		t.Fatalf("delete A: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, after := rec.last(); after != before {
		t.Fatalf("snapshot delivered after unsubscribe")
	}
}

func TestFlakyDirectoryFailsWithTransportWhileOffline(t *testing.T) {
	ctx := context.Background()
	flaky := NewFlakyDirectory(newTestDirectory(t))
	flaky.SetOffline(true)
	if err := flaky.CreateCredential(ctx, "a@gamedo.com", "pw"); !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if _, err := flaky.Subscribe(ctx, CollectionRooms, nil, func([]Document) {}); !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected transport error on subscribe, got %v", err)
	}
	flaky.SetOffline(false)
	if err := flaky.CreateCredential(ctx, "a@gamedo.com", "pw"); err != nil {
		t.Fatalf("expected success when online: %v", err)
	}
}
