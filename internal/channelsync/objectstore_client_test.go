package channelsync

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testObjectStore(t *testing.T, serverURL string) *HTTPObjectStore {
	t.Helper()
	return NewHTTPObjectStore(ObjectStoreOptions{
		BaseURL: serverURL,
		Bucket:  "snapshots",
		TokenProvider: func(ctx context.Context) (string, error) {
			return "store-token", nil
		},
		Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
}

func TestObjectStoreGetFingerprint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/buckets/snapshots/objects/entities/page-1/metadata.json/fingerprint" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer store-token" {
			t.Errorf("unexpected auth header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"fingerprint":"abc123"}`))
	}))
	defer server.Close()

	client := testObjectStore(t, server.URL)
	fingerprint, err := client.GetFingerprint(context.Background(), "entities/page-1/metadata.json")
	if err != nil {
		t.Fatalf("GetFingerprint: %v", err)
	}
	if fingerprint != "abc123" {
		t.Fatalf("got %q", fingerprint)
	}
}

func TestObjectStoreFingerprintNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := testObjectStore(t, server.URL)
	if _, err := client.GetFingerprint(context.Background(), "entities/new/metadata.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestObjectStoreWriteRecord(t *testing.T) {
	var gotBody []byte
	var gotFingerprint string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("unexpected method %s", r.Method)
		}
		gotBody, _ = io.ReadAll(r.Body)
		gotFingerprint = r.Header.Get("X-Content-Fingerprint")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := testObjectStore(t, server.URL)
	payload := []byte(`{"entityId":"page-1"}`)
	if err := client.WriteRecord(context.Background(), "entities/page-1/metadata.json", payload, "fp-1"); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	if string(gotBody) != string(payload) {
		t.Fatalf("server received %q", gotBody)
	}
	if gotFingerprint != "fp-1" {
		t.Fatalf("fingerprint header %q", gotFingerprint)
	}
}

func TestObjectStoreRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"fingerprint":"abc"}`))
	}))
	defer server.Close()

	client := testObjectStore(t, server.URL)
	fingerprint, err := client.GetFingerprint(context.Background(), "k")
	if err != nil {
		t.Fatalf("GetFingerprint: %v", err)
	}
	if fingerprint != "abc" || calls.Load() != 3 {
		t.Fatalf("fingerprint=%q calls=%d", fingerprint, calls.Load())
	}
}

func TestObjectStoreGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := testObjectStore(t, server.URL)
	if err := client.WriteRecord(context.Background(), "k", []byte("{}"), "fp"); err == nil {
		t.Fatal("exhausted retries should error")
	}
	if calls.Load() != 3 {
		t.Fatalf("got %d attempts, want 3", calls.Load())
	}
}
