package idempotency

import (
	"context"
	"testing"
	"time"
)

func TestClaimFreshKey(t *testing.T) {
	s := NewMemoryStore()
	out, err := s.Claim(context.Background(), "k1", "POST", "/gateway/deduct", "sha1", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != Claimed {
		t.Fatalf("expected Claimed, got %v", out.Kind)
	}
}

func TestClaimLockedOnMatchingReplay(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	if _, err := s.Claim(context.Background(), "k1", "POST", "/p", "sha1", now); err != nil {
		t.Fatal(err)
	}
	out, err := s.Claim(context.Background(), "k1", "POST", "/p", "sha1", now)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != Locked {
		t.Fatalf("expected Locked, got %v", out.Kind)
	}
}

func TestClaimConflictOnDifferentPayload(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	if _, err := s.Claim(context.Background(), "k1", "POST", "/p", "sha1", now); err != nil {
		t.Fatal(err)
	}
	out, err := s.Claim(context.Background(), "k1", "POST", "/p", "sha2", now)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != Conflict {
		t.Fatalf("expected Conflict, got %v", out.Kind)
	}
	if out.ConflictReason != "key_reused_with_different_payload" {
		t.Fatalf("unexpected reason: %s", out.ConflictReason)
	}
}

func TestClaimReplayAfterCompletion(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	ctx := context.Background()
	if _, err := s.Claim(ctx, "k1", "POST", "/p", "sha1", now); err != nil {
		t.Fatal(err)
	}
	if err := s.PersistResponse(ctx, "k1", 200, []byte(`{"ok":true}`)); err != nil {
		t.Fatal(err)
	}

	out, err := s.Claim(ctx, "k1", "POST", "/p", "sha1", now)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != Replay || out.ReplayStatus != 200 {
		t.Fatalf("expected Replay(200), got %+v", out)
	}
}

func TestClaimConflictAfterCompletionWithDifferentPayload(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	ctx := context.Background()
	if _, err := s.Claim(ctx, "k1", "POST", "/p", "sha1", now); err != nil {
		t.Fatal(err)
	}
	if err := s.PersistResponse(ctx, "k1", 200, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	out, err := s.Claim(ctx, "k1", "POST", "/other", "sha1", now)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != Conflict {
		t.Fatalf("expected Conflict, got %v", out.Kind)
	}
}

func TestClaimEvictsExpiredReservation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	past := time.Now().Add(-TTL - time.Second)
	if _, err := s.Claim(ctx, "k1", "POST", "/p", "sha1", past); err != nil {
		t.Fatal(err)
	}

	out, err := s.Claim(ctx, "k1", "POST", "/p", "sha2", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != Claimed {
		t.Fatalf("expected fresh Claimed after TTL eviction, got %v", out.Kind)
	}
}

func TestReleaseAllowsRetry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	if _, err := s.Claim(ctx, "k1", "POST", "/p", "sha1", now); err != nil {
		t.Fatal(err)
	}
	if err := s.Release(ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	out, err := s.Claim(ctx, "k1", "POST", "/p", "sha1", now)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != Claimed {
		t.Fatalf("expected Claimed after release, got %v", out.Kind)
	}
}
