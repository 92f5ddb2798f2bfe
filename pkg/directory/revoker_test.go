package directory

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestRedisRevokerStoresCutoff(t *testing.T) {
	redis := miniredis.RunT(t)
	r := NewRedisRevoker(redis.Addr(), "", time.Hour)
	defer r.Close()

	cutoff, err := r.RevokedAfter("carol@gamedo.com")
	if err != nil {
		t.Fatalf("revoked after: %v", err)
	}
	if !cutoff.IsZero() {
		t.Fatalf("expected zero cutoff, got %v", cutoff)
	}

	since := time.Date(2026, 3, 1, 10, 0, 0, 123, time.UTC)
	if err := r.RevokeUser("carol@gamedo.com", since); err != nil {
		t.Fatalf("revoke user: %v", err)
	}
	cutoff, err = r.RevokedAfter("carol@gamedo.com")
	if err != nil {
		t.Fatalf("revoked after: %v", err)
	}
	if !cutoff.Equal(since) {
		t.Fatalf("cutoff = %v, want %v", cutoff, since)
	}

	redis.FastForward(2 * time.Hour)
	cutoff, err = r.RevokedAfter("carol@gamedo.com")
	if err != nil {
		t.Fatalf("revoked after expiry: %v", err)
	}
	if !cutoff.IsZero() {
		t.Fatalf("expected cutoff to expire, got %v", cutoff)
	}
}

func TestMemoryRevokerKeepsLatestCutoff(t *testing.T) {
	r := NewMemoryRevoker()
	later := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_ = r.RevokeUser("dave", later)
	_ = r.RevokeUser("dave", later.Add(-time.Hour))
	got, _ := r.RevokedAfter("dave")
	if !got.Equal(later) {
		t.Fatalf("cutoff moved backwards: %v", got)
	}
}
