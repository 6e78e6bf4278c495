package channelsync

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

type CredentialKind string

const (
	KindCredential CredentialKind = "credential"
	KindOwnerRef   CredentialKind = "owner_ref"
)

// CredentialRecord is one key-typed-value row in the credential store.
// At most one live record exists per key; Put overwrites.
type CredentialRecord struct {
	Key       string         `json:"key"`
	Value     string         `json:"value"`
	Kind      CredentialKind `json:"kind"`
	CreatedAt string         `json:"createdAt"`
	UpdatedAt string         `json:"updatedAt"`
}

func CredentialKey(entityID string) string {
	return "entity/" + entityID + "/credential"
}

func OwnerRefKey(entityID string) string {
	return "entity/" + entityID + "/owner"
}

// EntityIDFromKey extracts the entity identifier from a namespaced
// credential key, or returns "" if the key has a different shape.
func EntityIDFromKey(key string) string {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != "entity" {
		return ""
	}
	return parts[1]
}

// MessageEvent is one message observation in a conversation, carrying the
// provider-assigned message identifier used for deduplication.
type MessageEvent struct {
	MessageID   string         `json:"messageId"`
	SenderID    string         `json:"senderId,omitempty"`
	RecipientID string         `json:"recipientId,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// EntityRecord is the flattened metadata snapshot for one tracked entity.
// Fingerprint reflects the fields as last durably published; a staged
// in-memory update keeps the previous fingerprint until the publisher
// confirms the remote write.
type EntityRecord struct {
	EntityID      string         `json:"entityId"`
	OwnerRef      string         `json:"ownerRef,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
	Fingerprint   string         `json:"fingerprint,omitempty"`
	LastWrittenAt string         `json:"lastWrittenAt,omitempty"`
}

// ConversationRecord is the append-only message log for one
// (entity, counterpart) pair. Events are never reordered or removed.
type ConversationRecord struct {
	EntityID      string         `json:"entityId"`
	CounterpartID string         `json:"counterpartId"`
	Events        []MessageEvent `json:"events"`
}

type MergeOutcome struct {
	Appended        bool `json:"appended"`
	NewConversation bool `json:"newConversation"`
}

type BatchOutcome struct {
	Appended        int  `json:"appended"`
	Duplicates      int  `json:"duplicates"`
	NewConversation bool `json:"newConversation"`
}

type ReconcileOutcome struct {
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	FinishedAt string `json:"finishedAt"`
}

const (
	ReconcileSuccess = "success"
	ReconcileFailed  = "failed"
	ReconcileSkipped = "skipped"
)

type EntitySyncStatus struct {
	EntityID                   string            `json:"entityId"`
	LastMetadataChangeAt       string            `json:"lastMetadataChangeAt,omitempty"`
	LastConversationActivityAt string            `json:"lastConversationActivityAt,omitempty"`
	LastReconcileOutcome       *ReconcileOutcome `json:"lastReconcileOutcome,omitempty"`
}

// ChangeEvent is emitted to subscribers whenever a merge or publish
// actually changed state. Duplicate deliveries and fingerprint matches
// emit nothing.
type ChangeEvent struct {
	Kind            string `json:"kind"`
	EntityID        string `json:"entityId"`
	CounterpartID   string `json:"counterpartId,omitempty"`
	MessageID       string `json:"messageId,omitempty"`
	NewConversation bool   `json:"newConversation,omitempty"`
	Timestamp       string `json:"timestamp"`
}

const (
	ChangeMetadata = "metadata_changed"
	ChangeMessage  = "message_appended"
)

func MetadataObjectKey(entityID string) string {
	return "entities/" + entityID + "/metadata.json"
}

func ConversationObjectKey(entityID, counterpartID string) string {
	return "entities/" + entityID + "/conversations/" + counterpartID + ".json"
}

// Fingerprint returns the hex SHA-256 content hash used for change
// detection on published payloads.
func Fingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
