package channelsync

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
)

type staticSecrets map[string]ProviderSecrets

func (s staticSecrets) Provider(name string) (ProviderSecrets, bool) {
	secrets, ok := s[name]
	return secrets, ok
}

func newPushFixture(t *testing.T, fetcher SnapshotFetcher) (*PushHandler, *Store, CredentialStore, *InMemoryRemoteStore) {
	t.Helper()
	store := newTestStore(t, nil)
	creds := NewInMemoryCredentialStore()
	remote := NewInMemoryRemoteStore()
	secrets := staticSecrets{
		"facebook": {SharedSecret: "topsecret", VerifyToken: "verify-me"},
	}
	handler, err := NewPushHandler(secrets, creds, store, fetcher, NewPublisher(remote, zerolog.Nop()), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPushHandler: %v", err)
	}
	return handler, store, creds, remote
}

func messagingBody(entityID, senderID, mid, text string) []byte {
	return []byte(fmt.Sprintf(
		`{"object":"page","entry":[{"id":%q,"time":1,"messaging":[{"sender":{"id":%q},"recipient":{"id":%q},"timestamp":170000,"message":{"mid":%q,"text":%q}}]}]}`,
		entityID, senderID, entityID, mid, text))
}

func TestHandlePushAppendsMessage(t *testing.T) {
	handler, store, _, remote := newPushFixture(t, &fakeFetcher{})
	body := messagingBody("page-1", "user-1", "m1", "hello")

	result, err := handler.HandlePush(context.Background(), "facebook", body, SignBody(body, "topsecret"))
	if err != nil {
		t.Fatalf("HandlePush: %v", err)
	}
	if !result.Accepted || result.MessagesAppended != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	conv, err := store.GetConversation("page-1", "user-1")
	if err != nil || len(conv.Events) != 1 || conv.Events[0].MessageID != "m1" {
		t.Fatalf("merge missing: %v, %+v", err, conv)
	}
	if _, ok := remote.Payload(ConversationObjectKey("page-1", "user-1")); !ok {
		t.Fatal("conversation not published")
	}
}

func TestHandlePushDuplicateDelivery(t *testing.T) {
	handler, _, _, remote := newPushFixture(t, &fakeFetcher{})
	body := messagingBody("page-1", "user-1", "m1", "hello")
	signature := SignBody(body, "topsecret")

	if _, err := handler.HandlePush(context.Background(), "facebook", body, signature); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	writes := remote.WriteCount()

	result, err := handler.HandlePush(context.Background(), "facebook", body, signature)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if result.MessagesAppended != 0 || result.Duplicates != 1 {
		t.Fatalf("unexpected redelivery result: %+v", result)
	}
	if remote.WriteCount() != writes {
		t.Fatal("redelivery caused a remote write")
	}
}

func TestHandlePushRejectsBadSignature(t *testing.T) {
	handler, _, _, _ := newPushFixture(t, &fakeFetcher{})
	body := messagingBody("page-1", "user-1", "m1", "hello")

	if _, err := handler.HandlePush(context.Background(), "facebook", body, SignBody(body, "wrong")); !errors.Is(err, ErrNotAuthentic) {
		t.Fatalf("got %v, want ErrNotAuthentic", err)
	}
	if _, err := handler.HandlePush(context.Background(), "facebook", body, ""); !errors.Is(err, ErrNotAuthentic) {
		t.Fatalf("missing header: got %v", err)
	}
	if _, err := handler.HandlePush(context.Background(), "unknown-provider", body, SignBody(body, "topsecret")); !errors.Is(err, ErrNotAuthentic) {
		t.Fatalf("unknown provider: got %v", err)
	}
}

func TestHandlePushRejectsMalformedEnvelope(t *testing.T) {
	handler, _, _, _ := newPushFixture(t, &fakeFetcher{})
	body := []byte(`{"entry":[{"id":"page-1"}]}`)

	if _, err := handler.HandlePush(context.Background(), "facebook", body, SignBody(body, "topsecret")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("got %v, want ErrInvalidInput", err)
	}
}

func TestHandlePushSkipsEchoesAndEmptyMessages(t *testing.T) {
	handler, store, _, _ := newPushFixture(t, &fakeFetcher{})
	body := []byte(`{"object":"page","entry":[{"id":"page-1","messaging":[` +
		`{"sender":{"id":"page-1"},"recipient":{"id":"user-1"},"message":{"mid":"m-echo","text":"our reply"}},` +
		`{"sender":{"id":"user-1"},"recipient":{"id":"page-1"},"message":{"mid":"","text":"no id"}},` +
		`{"sender":{"id":"user-1"},"recipient":{"id":"page-1"},"message":{"mid":"m-att","text":""}}` +
		`]}]}`)

	result, err := handler.HandlePush(context.Background(), "facebook", body, SignBody(body, "topsecret"))
	if err != nil {
		t.Fatalf("HandlePush: %v", err)
	}
	if result.MessagesAppended != 0 || result.Skipped != 3 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if _, err := store.GetConversation("page-1", "user-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("skipped events created a conversation: %v", err)
	}
}

func TestHandlePushChangeRefetchesMetadata(t *testing.T) {
	fetcher := &fakeFetcher{
		metadata: map[string]map[string]any{
			"page-1": {"name": "Acme Updated"},
		},
	}
	handler, store, creds, remote := newPushFixture(t, fetcher)
	if err := creds.Put(context.Background(), CredentialKey("page-1"), "token", KindCredential); err != nil {
		t.Fatalf("Put: %v", err)
	}
	body := []byte(`{"object":"page","entry":[{"id":"page-1","changes":[{"field":"name","value":{}}]}]}`)

	result, err := handler.HandlePush(context.Background(), "facebook", body, SignBody(body, "topsecret"))
	if err != nil {
		t.Fatalf("HandlePush: %v", err)
	}
	if result.MetadataChanged != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	rec, err := store.GetEntity("page-1")
	if err != nil || rec.Fields["name"] != "Acme Updated" {
		t.Fatalf("metadata not merged: %v, %+v", err, rec)
	}
	if _, ok := remote.Payload(MetadataObjectKey("page-1")); !ok {
		t.Fatal("metadata not published")
	}
}

func TestHandlePushChangeForUnregisteredEntity(t *testing.T) {
	handler, _, _, _ := newPushFixture(t, &fakeFetcher{})
	body := []byte(`{"object":"page","entry":[{"id":"page-unknown","changes":[{"field":"name","value":{}}]}]}`)

	result, err := handler.HandlePush(context.Background(), "facebook", body, SignBody(body, "topsecret"))
	if err != nil {
		t.Fatalf("HandlePush: %v", err)
	}
	if !result.Accepted || result.Skipped != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestVerifyChallenge(t *testing.T) {
	handler, _, _, _ := newPushFixture(t, &fakeFetcher{})

	challenge, err := handler.VerifyChallenge("facebook", "subscribe", "verify-me", "12345")
	if err != nil || challenge != "12345" {
		t.Fatalf("got %q, %v", challenge, err)
	}
	if _, err := handler.VerifyChallenge("facebook", "subscribe", "wrong-token", "12345"); !errors.Is(err, ErrNotAuthentic) {
		t.Fatalf("wrong token: %v", err)
	}
	if _, err := handler.VerifyChallenge("facebook", "unsubscribe", "verify-me", "12345"); !errors.Is(err, ErrNotAuthentic) {
		t.Fatalf("wrong mode: %v", err)
	}
	if _, err := handler.VerifyChallenge("unknown", "subscribe", "verify-me", "12345"); !errors.Is(err, ErrNotAuthentic) {
		t.Fatalf("unknown provider: %v", err)
	}
}
