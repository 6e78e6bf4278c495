package channelsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSessionResolveAndInvalidate(t *testing.T) {
	store := NewInMemorySessionStore()
	ctx := context.Background()

	handle, err := store.Create(ctx, "owner-7", time.Minute)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ownerRef, err := store.Resolve(ctx, handle)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ownerRef != "owner-7" {
		t.Fatalf("got owner %q", ownerRef)
	}

	if err := store.Invalidate(ctx, handle); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := store.Resolve(ctx, handle); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("resolved invalidated session: %v", err)
	}
}

func TestSessionExpiry(t *testing.T) {
	now := time.Now()
	store := &memorySessionStore{
		sessions: map[string]sessionEntry{},
		now:      func() time.Time { return now },
	}
	ctx := context.Background()

	handle, err := store.Create(ctx, "owner-7", time.Minute)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := store.Resolve(ctx, handle); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("resolved expired session: %v", err)
	}
}

func TestSessionUnknownHandleUniformError(t *testing.T) {
	store := NewInMemorySessionStore()
	if _, err := store.Resolve(context.Background(), "never-issued"); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("got %v, want ErrSessionInvalid", err)
	}
}

func TestSessionCreateValidatesInput(t *testing.T) {
	store := NewInMemorySessionStore()
	if _, err := store.Create(context.Background(), "", time.Minute); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty owner: got %v", err)
	}
	if _, err := store.Create(context.Background(), "owner-7", 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zero ttl: got %v", err)
	}
}

func TestBuildSessionStoreFromDSN(t *testing.T) {
	if _, err := BuildSessionStoreFromDSN("memory://"); err != nil {
		t.Fatalf("memory scheme: %v", err)
	}
	if _, err := BuildSessionStoreFromDSN("bolt://nope"); err == nil {
		t.Fatal("unsupported scheme should error")
	}
}
