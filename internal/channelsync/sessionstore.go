package channelsync

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionStore maps an ephemeral session handle to a stable owner
// reference. Resolve on an expired, invalidated, or never-created handle
// returns ErrSessionInvalid indistinguishably; the store enforces TTL,
// single use is the caller's obligation (resolve, then invalidate).
type SessionStore interface {
	Create(ctx context.Context, ownerRef string, ttl time.Duration) (string, error)
	Resolve(ctx context.Context, handle string) (string, error)
	Invalidate(ctx context.Context, handle string) error
	Close() error
}

type sessionEntry struct {
	ownerRef  string
	expiresAt time.Time
}

type memorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]sessionEntry
	now      func() time.Time
}

func NewInMemorySessionStore() SessionStore {
	return &memorySessionStore{
		sessions: map[string]sessionEntry{},
		now:      time.Now,
	}
}

func (s *memorySessionStore) Create(ctx context.Context, ownerRef string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(ownerRef) == "" || ttl <= 0 {
		return "", ErrInvalidInput
	}
	handle := uuid.NewString()
	s.mu.Lock()
	s.sessions[handle] = sessionEntry{ownerRef: ownerRef, expiresAt: s.now().Add(ttl)}
	s.mu.Unlock()
	return handle, nil
}

func (s *memorySessionStore) Resolve(ctx context.Context, handle string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[handle]
	if !ok {
		return "", ErrSessionInvalid
	}
	if !s.now().Before(entry.expiresAt) {
		delete(s.sessions, handle)
		return "", ErrSessionInvalid
	}
	return entry.ownerRef, nil
}

func (s *memorySessionStore) Invalidate(ctx context.Context, handle string) error {
	s.mu.Lock()
	delete(s.sessions, handle)
	s.mu.Unlock()
	return nil
}

func (s *memorySessionStore) Close() error {
	return nil
}

// BuildSessionStoreFromDSN selects a session store backend by DSN scheme:
// redis://, memory://.
func BuildSessionStoreFromDSN(dsn string) (SessionStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemorySessionStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return NewInMemorySessionStore(), nil
	case "redis", "rediss":
		return NewRedisSessionStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported session store scheme: %s", scheme)
	}
}
