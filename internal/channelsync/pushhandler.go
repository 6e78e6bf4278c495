package channelsync

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ProviderSecrets holds the per-provider material used to authenticate
// push traffic: the shared HMAC secret for signed notifications and the
// verify token echoed back during endpoint registration.
type ProviderSecrets struct {
	SharedSecret string `yaml:"shared_secret" json:"sharedSecret"`
	VerifyToken  string `yaml:"verify_token" json:"verifyToken"`
}

// SecretSource resolves provider secrets at call time, so a hot reload
// of the config file takes effect without restarting ingestion.
type SecretSource interface {
	Provider(name string) (ProviderSecrets, bool)
}

// pushEnvelopeSchema is the structural contract for inbound push
// notifications. Validation happens after signature verification; a
// signed but malformed body is a provider bug, not an attack.
const pushEnvelopeSchema = `{
	"type": "object",
	"required": ["object", "entry"],
	"properties": {
		"object": {"type": "string", "minLength": 1},
		"entry": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"time": {"type": "number"},
					"changes": {"type": "array"},
					"messaging": {"type": "array"}
				}
			}
		}
	}
}`

type PushEnvelope struct {
	Object string      `json:"object"`
	Entry  []PushEntry `json:"entry"`
}

type PushEntry struct {
	ID        string          `json:"id"`
	Time      int64           `json:"time"`
	Changes   []PushChange    `json:"changes"`
	Messaging []PushMessaging `json:"messaging"`
}

type PushChange struct {
	Field string         `json:"field"`
	Value map[string]any `json:"value"`
}

type PushMessaging struct {
	Sender    struct{ ID string `json:"id"` } `json:"sender"`
	Recipient struct{ ID string `json:"id"` } `json:"recipient"`
	Timestamp int64                           `json:"timestamp"`
	Message   struct {
		MID    string `json:"mid"`
		Text   string `json:"text"`
		IsEcho bool   `json:"is_echo"`
	} `json:"message"`
}

type PushResult struct {
	Accepted         bool `json:"accepted"`
	EntriesProcessed int  `json:"entriesProcessed"`
	MessagesAppended int  `json:"messagesAppended"`
	MetadataChanged  int  `json:"metadataChanged"`
	Duplicates       int  `json:"duplicates"`
	Skipped          int  `json:"skipped"`
	PublishFailures  int  `json:"publishFailures"`
}

// PushHandler turns authenticated push notifications into merge-engine
// writes and downstream publishes. Authentication failures are uniform:
// the caller learns "not authentic" and nothing else.
type PushHandler struct {
	secrets   SecretSource
	creds     CredentialStore
	store     *Store
	fetcher   SnapshotFetcher
	publisher *Publisher
	schema    *jsonschema.Schema
	log       zerolog.Logger
}

func NewPushHandler(secrets SecretSource, creds CredentialStore, store *Store, fetcher SnapshotFetcher, publisher *Publisher, logger zerolog.Logger) (*PushHandler, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(pushEnvelopeSchema))
	if err != nil {
		return nil, errors.Wrap(err, "push handler: parse envelope schema")
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("push-envelope.json", doc); err != nil {
		return nil, errors.Wrap(err, "push handler: register envelope schema")
	}
	schema, err := compiler.Compile("push-envelope.json")
	if err != nil {
		return nil, errors.Wrap(err, "push handler: compile envelope schema")
	}
	return &PushHandler{
		secrets:   secrets,
		creds:     creds,
		store:     store,
		fetcher:   fetcher,
		publisher: publisher,
		schema:    schema,
		log:       logger,
	}, nil
}

// VerifyChallenge answers the provider's endpoint registration
// handshake: the challenge is echoed back only when the mode and token
// match the configured verify token.
func (h *PushHandler) VerifyChallenge(provider, mode, token, challenge string) (string, error) {
	secrets, ok := h.secrets.Provider(provider)
	if !ok || secrets.VerifyToken == "" {
		return "", ErrNotAuthentic
	}
	if mode != "subscribe" || token != secrets.VerifyToken {
		return "", ErrNotAuthentic
	}
	return challenge, nil
}

// HandlePush verifies, validates, and merges one push notification.
// The error is non-nil only when the whole request is rejected; partial
// per-entry failures are reflected in the counters and logged.
func (h *PushHandler) HandlePush(ctx context.Context, provider string, rawBody []byte, signatureHeader string) (PushResult, error) {
	secrets, ok := h.secrets.Provider(provider)
	if !ok || secrets.SharedSecret == "" {
		return PushResult{}, ErrNotAuthentic
	}
	if !VerifySignature(rawBody, signatureHeader, secrets.SharedSecret) {
		return PushResult{}, ErrNotAuthentic
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(rawBody))
	if err != nil {
		return PushResult{}, errors.Wrap(ErrInvalidInput, "push: body is not valid JSON")
	}
	if err := h.schema.Validate(instance); err != nil {
		return PushResult{}, errors.Wrap(ErrInvalidInput, err.Error())
	}
	var envelope PushEnvelope
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return PushResult{}, errors.Wrap(ErrInvalidInput, "push: envelope decode")
	}

	result := PushResult{Accepted: true}
	for _, entry := range envelope.Entry {
		result.EntriesProcessed++
		h.handleMessaging(ctx, entry, &result)
		h.handleChanges(ctx, entry, &result)
	}
	return result, nil
}

func (h *PushHandler) handleMessaging(ctx context.Context, entry PushEntry, result *PushResult) {
	for _, msg := range entry.Messaging {
		if msg.Message.MID == "" || msg.Message.Text == "" {
			result.Skipped++
			continue
		}
		// Echoes of the entity's own outbound messages come back through
		// the same subscription; merging them would double every reply.
		if msg.Message.IsEcho || msg.Sender.ID == entry.ID {
			result.Skipped++
			continue
		}
		counterpartID := msg.Sender.ID
		event := MessageEvent{
			MessageID:   msg.Message.MID,
			SenderID:    msg.Sender.ID,
			RecipientID: msg.Recipient.ID,
			Timestamp:   strconv.FormatInt(msg.Timestamp, 10),
			Payload:     map[string]any{"text": msg.Message.Text},
		}
		outcome, err := h.store.MergeConversationEvent(entry.ID, counterpartID, event)
		if err != nil {
			h.log.Error().Err(err).
				Str("entity_id", entry.ID).
				Str("message_id", msg.Message.MID).
				Msg("push: conversation merge failed")
			result.Skipped++
			continue
		}
		if !outcome.Appended {
			result.Duplicates++
			continue
		}
		result.MessagesAppended++
		h.publishConversation(ctx, entry.ID, counterpartID, result)
	}
}

func (h *PushHandler) handleChanges(ctx context.Context, entry PushEntry, result *PushResult) {
	if len(entry.Changes) == 0 {
		return
	}
	credential, err := h.creds.Get(ctx, CredentialKey(entry.ID))
	if stderrors.Is(err, ErrNotFound) {
		// Change notification for an entity nobody registered. Normal
		// during provider-side cleanup, so count it and move on.
		h.log.Debug().Str("entity_id", entry.ID).Msg("push: change for unregistered entity")
		result.Skipped += len(entry.Changes)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("entity_id", entry.ID).Msg("push: credential lookup failed")
		result.Skipped += len(entry.Changes)
		return
	}

	fields, err := h.fetcher.FetchMetadata(ctx, entry.ID, credential)
	if err != nil {
		h.log.Error().Err(err).Str("entity_id", entry.ID).Msg("push: metadata fetch failed")
		result.Skipped += len(entry.Changes)
		return
	}
	changed, err := h.store.MergeMetadata(entry.ID, fields)
	if err != nil {
		h.log.Error().Err(err).Str("entity_id", entry.ID).Msg("push: metadata merge failed")
		result.Skipped += len(entry.Changes)
		return
	}
	if !changed {
		return
	}
	result.MetadataChanged++
	h.publishMetadata(ctx, entry.ID, result)
}

func (h *PushHandler) publishMetadata(ctx context.Context, entityID string, result *PushResult) {
	payload, err := h.store.MetadataPayload(entityID)
	if err != nil {
		h.log.Error().Err(err).Str("entity_id", entityID).Msg("push: metadata payload build failed")
		result.PublishFailures++
		return
	}
	published, err := h.publisher.Publish(ctx, MetadataObjectKey(entityID), payload)
	if err != nil {
		// The change stays staged; the next merge or reconcile pass
		// reports it as changed again and retries the publish.
		h.log.Error().Err(err).Str("entity_id", entityID).Msg("push: metadata publish failed")
		result.PublishFailures++
		return
	}
	if err := h.store.MarkMetadataPublished(entityID, published.Fingerprint); err != nil {
		h.log.Error().Err(err).Str("entity_id", entityID).Msg("push: publish bookkeeping failed")
		result.PublishFailures++
	}
}

func (h *PushHandler) publishConversation(ctx context.Context, entityID, counterpartID string, result *PushResult) {
	payload, err := h.store.ConversationPayload(entityID, counterpartID)
	if err != nil {
		h.log.Error().Err(err).Str("entity_id", entityID).Msg("push: conversation payload build failed")
		result.PublishFailures++
		return
	}
	if _, err := h.publisher.Publish(ctx, ConversationObjectKey(entityID, counterpartID), payload); err != nil {
		h.log.Error().Err(err).
			Str("entity_id", entityID).
			Str("counterpart_id", counterpartID).
			Msg("push: conversation publish failed")
		result.PublishFailures++
	}
}
