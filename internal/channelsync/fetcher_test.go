package channelsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testGraphFetcher(serverURL string) *HTTPGraphFetcher {
	return NewHTTPGraphFetcher(GraphFetcherOptions{
		BaseURL: serverURL,
		Retry:   RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
}

func TestFetchMetadata(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v19.0/page-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("access_token"); got != "token-1" {
			t.Errorf("access_token %q", got)
		}
		_, _ = w.Write([]byte(`{"id":"page-1","name":"Acme","category":"retail"}`))
	}))
	defer server.Close()

	fields, err := testGraphFetcher(server.URL).FetchMetadata(context.Background(), "page-1", "token-1")
	if err != nil {
		t.Fatalf("FetchMetadata: %v", err)
	}
	if fields["name"] != "Acme" || fields["category"] != "retail" {
		t.Fatalf("unexpected fields: %+v", fields)
	}
}

func TestFetchConversationPartners(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v19.0/page-1/conversations" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"user-1"},{"id":"user-2"},{"id":""}]}`))
	}))
	defer server.Close()

	partners, err := testGraphFetcher(server.URL).FetchConversationPartners(context.Background(), "page-1", "token-1")
	if err != nil {
		t.Fatalf("FetchConversationPartners: %v", err)
	}
	if len(partners) != 2 || partners[0] != "user-1" || partners[1] != "user-2" {
		t.Fatalf("unexpected partners: %v", partners)
	}
}

func TestFetchConversationSnapshot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v19.0/page-1/conversations/user-1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"data":[
			{"id":"m1","from":{"id":"user-1"},"to":{"id":"page-1"},"created_time":"2026-01-01T00:00:00Z","message":"hi"},
			{"id":"m2","from":{"id":"page-1"},"to":{"id":"user-1"},"created_time":"2026-01-01T00:01:00Z","message":"hello"}
		]}`))
	}))
	defer server.Close()

	events, err := testGraphFetcher(server.URL).FetchConversationSnapshot(context.Background(), "page-1", "user-1", "token-1")
	if err != nil {
		t.Fatalf("FetchConversationSnapshot: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events", len(events))
	}
	if events[0].MessageID != "m1" || events[0].SenderID != "user-1" || events[0].Payload["text"] != "hi" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"name":"Acme"}`))
	}))
	defer server.Close()

	fields, err := testGraphFetcher(server.URL).FetchMetadata(context.Background(), "page-1", "token-1")
	if err != nil {
		t.Fatalf("FetchMetadata: %v", err)
	}
	if fields["name"] != "Acme" || calls.Load() != 2 {
		t.Fatalf("fields=%v calls=%d", fields, calls.Load())
	}
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"token expired"}}`))
	}))
	defer server.Close()

	if _, err := testGraphFetcher(server.URL).FetchMetadata(context.Background(), "page-1", "bad-token"); err == nil {
		t.Fatal("401 should surface an error")
	}
	if calls.Load() != 1 {
		t.Fatalf("401 retried %d times", calls.Load())
	}
}
