package channelsync

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestPublishWritesOncePerContent(t *testing.T) {
	remote := NewInMemoryRemoteStore()
	publisher := NewPublisher(remote, zerolog.Nop())
	payload := []byte(`{"entityId":"page-1","fields":{"name":"Acme"}}`)

	first, err := publisher.Publish(context.Background(), "entities/page-1/metadata.json", payload)
	if err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if !first.Written {
		t.Fatal("first publish should write")
	}

	second, err := publisher.Publish(context.Background(), "entities/page-1/metadata.json", payload)
	if err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if second.Written {
		t.Fatal("unchanged payload should be skipped")
	}
	if remote.WriteCount() != 1 {
		t.Fatalf("remote saw %d writes, want 1", remote.WriteCount())
	}
}

func TestPublishWritesWhenContentChanges(t *testing.T) {
	remote := NewInMemoryRemoteStore()
	publisher := NewPublisher(remote, zerolog.Nop())

	if _, err := publisher.Publish(context.Background(), "k", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("publish v1: %v", err)
	}
	result, err := publisher.Publish(context.Background(), "k", []byte(`{"v":2}`))
	if err != nil {
		t.Fatalf("publish v2: %v", err)
	}
	if !result.Written {
		t.Fatal("changed payload should write")
	}
	stored, ok := remote.Payload("k")
	if !ok || string(stored) != `{"v":2}` {
		t.Fatalf("remote holds %q", stored)
	}
}

type brokenRemote struct {
	lookupErr error
	writeErr  error
}

func (r *brokenRemote) GetFingerprint(ctx context.Context, key string) (string, error) {
	if r.lookupErr != nil {
		return "", r.lookupErr
	}
	return "", ErrNotFound
}

func (r *brokenRemote) WriteRecord(ctx context.Context, key string, payload []byte, fingerprint string) error {
	return r.writeErr
}

func TestPublishPropagatesLookupFailure(t *testing.T) {
	publisher := NewPublisher(&brokenRemote{lookupErr: errors.New("remote down")}, zerolog.Nop())
	if _, err := publisher.Publish(context.Background(), "k", []byte("{}")); err == nil {
		t.Fatal("ambiguous lookup failure must propagate")
	}
}

func TestPublishPropagatesWriteFailure(t *testing.T) {
	publisher := NewPublisher(&brokenRemote{writeErr: errors.New("write refused")}, zerolog.Nop())
	if _, err := publisher.Publish(context.Background(), "k", []byte("{}")); err == nil {
		t.Fatal("write failure must propagate")
	}
}
