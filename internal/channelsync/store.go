package channelsync

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type StoreOptions struct {
	Backend StateBackend
	Logger  zerolog.Logger
}

// Store is the merge engine: the single place that decides whether an
// observation (push event or polled snapshot) represents new data. Both
// the webhook path and the reconciliation path call into it, so their
// interleaving converges without a distributed lock — every record's
// read-modify-write happens under one mutex, and event merges are
// dedup-idempotent.
type Store struct {
	mu            sync.RWMutex
	entities      map[string]*EntityRecord
	conversations map[string]*ConversationRecord
	statuses      map[string]*EntitySyncStatus
	backend       StateBackend
	log           zerolog.Logger
	now           func() time.Time

	subMu       sync.Mutex
	subscribers map[int]chan ChangeEvent
	nextSubID   int
}

func NewStore(opts StoreOptions) (*Store, error) {
	s := &Store{
		entities:      map[string]*EntityRecord{},
		conversations: map[string]*ConversationRecord{},
		statuses:      map[string]*EntitySyncStatus{},
		backend:       opts.Backend,
		log:           opts.Logger,
		now:           time.Now,
		subscribers:   map[int]chan ChangeEvent{},
	}
	if s.backend == nil {
		s.backend = NewInMemoryStateBackend()
	}
	snapshot, err := s.backend.Load()
	if err != nil {
		return nil, errors.Wrap(err, "store: load state")
	}
	if snapshot != nil {
		for id, rec := range snapshot.Entities {
			clone := rec
			s.entities[id] = &clone
		}
		for key, rec := range snapshot.Conversations {
			clone := rec
			s.conversations[key] = &clone
		}
		for id, st := range snapshot.Statuses {
			clone := st
			s.statuses[id] = &clone
		}
	}
	return s, nil
}

// MergeMetadata folds a fresh field snapshot into the per-entity record.
// It reports true when the snapshot differs from the last published
// fingerprint and was staged; the fingerprint itself only advances when
// MarkMetadataPublished confirms the remote write, so a failed publish
// leaves the change staged for the next attempt.
func (s *Store) MergeMetadata(entityID string, fields map[string]any) (bool, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return false, ErrInvalidInput
	}
	s.mu.Lock()
	rec, exists := s.entities[entityID]
	// Compare against the published form, so the fingerprint recorded by
	// MarkMetadataPublished lines up with what this snapshot would publish.
	ownerRef := ""
	if exists {
		ownerRef = rec.OwnerRef
	}
	candidate, err := metadataPayloadBytes(entityID, ownerRef, fields)
	if err != nil {
		s.mu.Unlock()
		return false, errors.Wrap(err, "store: fingerprint fields")
	}
	if exists && rec.Fingerprint == Fingerprint(candidate) {
		s.mu.Unlock()
		s.log.Debug().Str("entity", entityID).Msg("metadata unchanged, merge skipped")
		return false, nil
	}
	var prev *EntityRecord
	if exists {
		clone := *rec
		prev = &clone
	} else {
		rec = &EntityRecord{EntityID: entityID}
		s.entities[entityID] = rec
	}
	// Copy, so a caller mutating its map afterwards cannot bypass the merge.
	rec.Fields = cloneFields(fields)
	changedAt := s.now().UTC().Format(time.RFC3339Nano)
	status := s.ensureStatusLocked(entityID)
	prevChange := status.LastMetadataChangeAt
	status.LastMetadataChangeAt = changedAt
	if err := s.saveLocked(); err != nil {
		// Roll back so in-memory state never diverges from durable state.
		if prev != nil {
			s.entities[entityID] = prev
		} else {
			delete(s.entities, entityID)
		}
		status.LastMetadataChangeAt = prevChange
		s.mu.Unlock()
		return false, err
	}
	s.mu.Unlock()

	s.emit(ChangeEvent{Kind: ChangeMetadata, EntityID: entityID, Timestamp: changedAt})
	return true, nil
}

// MarkMetadataPublished records that the staged fields were durably
// published under the given fingerprint.
func (s *Store) MarkMetadataPublished(entityID, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.entities[entityID]
	if !ok {
		return ErrNotFound
	}
	prevFingerprint, prevWritten := rec.Fingerprint, rec.LastWrittenAt
	rec.Fingerprint = fingerprint
	rec.LastWrittenAt = s.now().UTC().Format(time.RFC3339Nano)
	if err := s.saveLocked(); err != nil {
		rec.Fingerprint, rec.LastWrittenAt = prevFingerprint, prevWritten
		return err
	}
	return nil
}

// MergeConversationEvent appends one message event to the ordered log for
// (entityID, counterpartID), deduplicating on the provider-assigned
// message identifier. Calling it twice with the same tuple has the same
// observable effect as calling it once; that idempotence is what lets the
// push and pull paths share this function. NewConversation is true only
// on the very first append for the pair.
func (s *Store) MergeConversationEvent(entityID, counterpartID string, event MessageEvent) (MergeOutcome, error) {
	entityID = strings.TrimSpace(entityID)
	counterpartID = strings.TrimSpace(counterpartID)
	if entityID == "" || counterpartID == "" || strings.TrimSpace(event.MessageID) == "" {
		return MergeOutcome{}, ErrInvalidInput
	}
	key := conversationKey(entityID, counterpartID)

	s.mu.Lock()
	rec, exists := s.conversations[key]
	if exists {
		for _, existing := range rec.Events {
			if existing.MessageID == event.MessageID {
				s.mu.Unlock()
				s.log.Debug().
					Str("entity", entityID).
					Str("counterpart", counterpartID).
					Str("message", event.MessageID).
					Msg("duplicate delivery, merge skipped")
				return MergeOutcome{Appended: false, NewConversation: false}, nil
			}
		}
	} else {
		rec = &ConversationRecord{EntityID: entityID, CounterpartID: counterpartID}
		s.conversations[key] = rec
	}
	event.Payload = cloneFields(event.Payload)
	rec.Events = append(rec.Events, event)
	activityAt := s.now().UTC().Format(time.RFC3339Nano)
	status := s.ensureStatusLocked(entityID)
	prevActivity := status.LastConversationActivityAt
	status.LastConversationActivityAt = activityAt
	if err := s.saveLocked(); err != nil {
		rec.Events = rec.Events[:len(rec.Events)-1]
		if !exists {
			delete(s.conversations, key)
		}
		status.LastConversationActivityAt = prevActivity
		s.mu.Unlock()
		return MergeOutcome{}, err
	}
	s.mu.Unlock()

	outcome := MergeOutcome{Appended: true, NewConversation: !exists}
	s.emit(ChangeEvent{
		Kind:            ChangeMessage,
		EntityID:        entityID,
		CounterpartID:   counterpartID,
		MessageID:       event.MessageID,
		NewConversation: outcome.NewConversation,
		Timestamp:       activityAt,
	})
	return outcome, nil
}

// MergeConversationBatch applies a full-history snapshot in its order,
// preserving dedup semantics. Events the store already holds are skipped;
// already-persisted order always wins, the batch never reorders it.
func (s *Store) MergeConversationBatch(entityID, counterpartID string, events []MessageEvent) (BatchOutcome, error) {
	var out BatchOutcome
	for _, event := range events {
		outcome, err := s.MergeConversationEvent(entityID, counterpartID, event)
		if err != nil {
			return out, err
		}
		if outcome.Appended {
			out.Appended++
			if outcome.NewConversation {
				out.NewConversation = true
			}
		} else {
			out.Duplicates++
		}
	}
	return out, nil
}

// SetEntityOwner links an entity record to its owning identity. Used by
// the bootstrap boundary; creates the record if this is the first
// observation of the entity.
func (s *Store) SetEntityOwner(entityID, ownerRef string) error {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" || strings.TrimSpace(ownerRef) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.entities[entityID]
	if !ok {
		rec = &EntityRecord{EntityID: entityID}
		s.entities[entityID] = rec
	}
	prev := rec.OwnerRef
	rec.OwnerRef = ownerRef
	if err := s.saveLocked(); err != nil {
		if !ok {
			delete(s.entities, entityID)
		} else {
			rec.OwnerRef = prev
		}
		return err
	}
	return nil
}

func (s *Store) GetEntity(entityID string) (EntityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.entities[entityID]
	if !ok {
		return EntityRecord{}, ErrNotFound
	}
	clone := *rec
	clone.Fields = cloneFields(rec.Fields)
	return clone, nil
}

func (s *Store) GetConversation(entityID, counterpartID string) (ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.conversations[conversationKey(entityID, counterpartID)]
	if !ok {
		return ConversationRecord{}, ErrNotFound
	}
	clone := *rec
	clone.Events = make([]MessageEvent, len(rec.Events))
	for i, event := range rec.Events {
		event.Payload = cloneFields(event.Payload)
		clone.Events[i] = event
	}
	return clone, nil
}

// MetadataPayload is the canonical published form of an entity record.
func (s *Store) MetadataPayload(entityID string) ([]byte, error) {
	rec, err := s.GetEntity(entityID)
	if err != nil {
		return nil, err
	}
	return metadataPayloadBytes(rec.EntityID, rec.OwnerRef, rec.Fields)
}

// metadataPayloadBytes builds the canonical published form. json.Marshal
// sorts map keys, so equal field maps always produce equal bytes.
func metadataPayloadBytes(entityID, ownerRef string, fields map[string]any) ([]byte, error) {
	return json.Marshal(map[string]any{
		"entityId": entityID,
		"ownerRef": ownerRef,
		"fields":   fields,
	})
}

// ConversationPayload is the canonical published form of a conversation.
func (s *Store) ConversationPayload(entityID, counterpartID string) ([]byte, error) {
	rec, err := s.GetConversation(entityID, counterpartID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rec)
}

func (s *Store) GetSyncStatus(entityID string) (EntitySyncStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.statuses[entityID]
	if !ok {
		return EntitySyncStatus{}, ErrNotFound
	}
	return *status, nil
}

// RecordReconcileOutcome stores the per-entity result of a reconciliation
// pass for the status query surface. Best effort: a failed save here must
// not fail the pass, so the error is logged rather than returned.
func (s *Store) RecordReconcileOutcome(entityID string, outcome ReconcileOutcome) {
	s.mu.Lock()
	status := s.ensureStatusLocked(entityID)
	status.LastReconcileOutcome = &outcome
	err := s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		s.log.Error().Err(err).Str("entity", entityID).Msg("failed to persist reconcile outcome")
	}
}

// Subscribe returns a channel of change events and a cancel func. Events
// are dropped, not blocked on, when a subscriber falls behind.
func (s *Store) Subscribe(buffer int) (<-chan ChangeEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan ChangeEvent, buffer)
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	s.subMu.Unlock()
	cancel := func() {
		s.subMu.Lock()
		if existing, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(existing)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *Store) emit(event ChangeEvent) {
	s.subMu.Lock()
	for _, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	s.subMu.Unlock()
}

func (s *Store) Close() error {
	s.subMu.Lock()
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
	s.subMu.Unlock()
	return s.backend.Close()
}

func (s *Store) ensureStatusLocked(entityID string) *EntitySyncStatus {
	status, ok := s.statuses[entityID]
	if !ok {
		status = &EntitySyncStatus{EntityID: entityID}
		s.statuses[entityID] = status
	}
	return status
}

func (s *Store) saveLocked() error {
	snapshot := persistedState{
		Entities:      make(map[string]EntityRecord, len(s.entities)),
		Conversations: make(map[string]ConversationRecord, len(s.conversations)),
		Statuses:      make(map[string]EntitySyncStatus, len(s.statuses)),
	}
	for id, rec := range s.entities {
		snapshot.Entities[id] = *rec
	}
	for key, rec := range s.conversations {
		snapshot.Conversations[key] = *rec
	}
	for id, status := range s.statuses {
		snapshot.Statuses[id] = *status
	}
	if err := s.backend.Save(&snapshot); err != nil {
		return errors.Wrap(err, "store: save state")
	}
	return nil
}

func conversationKey(entityID, counterpartID string) string {
	return entityID + "/" + counterpartID
}

// cloneFields deep-copies a JSON-shaped map so stored records never alias
// caller-owned memory in either direction.
func cloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	return cloneValue(fields).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, nested := range t {
			out[k] = cloneValue(nested)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, nested := range t {
			out[i] = cloneValue(nested)
		}
		return out
	default:
		return v
	}
}
