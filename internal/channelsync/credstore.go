package channelsync

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// CredentialStore is the durable key-typed-value store behind the
// bootstrap and reconciliation paths. Put is a last-writer-wins upsert;
// the newest credential always supersedes. Writes to distinct keys are
// independent.
type CredentialStore interface {
	Put(ctx context.Context, key, value string, kind CredentialKind) error
	Get(ctx context.Context, key string) (string, error)
	ListByKind(ctx context.Context, kind CredentialKind) ([]string, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

type memoryCredentialStore struct {
	mu      sync.Mutex
	records map[string]CredentialRecord
	now     func() time.Time
}

func NewInMemoryCredentialStore() CredentialStore {
	return &memoryCredentialStore{
		records: map[string]CredentialRecord{},
		now:     time.Now,
	}
}

func (s *memoryCredentialStore) Put(ctx context.Context, key, value string, kind CredentialKind) error {
	if strings.TrimSpace(key) == "" || kind == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC().Format(time.RFC3339Nano)
	rec, exists := s.records[key]
	if !exists {
		rec = CredentialRecord{Key: key, CreatedAt: now}
	}
	rec.Value = value
	rec.Kind = kind
	rec.UpdatedAt = now
	s.records[key] = rec
	return nil
}

func (s *memoryCredentialStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return "", ErrNotFound
	}
	return rec.Value, nil
}

func (s *memoryCredentialStore) ListByKind(ctx context.Context, kind CredentialKind) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0)
	for key, rec := range s.records {
		if rec.Kind == kind {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memoryCredentialStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func (s *memoryCredentialStore) Close() error {
	return nil
}

// BuildCredentialStoreFromDSN selects a credential store backend by DSN
// scheme: postgres://, sqlite://path, memory://.
func BuildCredentialStoreFromDSN(dsn string) (CredentialStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryCredentialStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return NewInMemoryCredentialStore(), nil
	case "postgres", "postgresql":
		return NewPostgresCredentialStore(dsn)
	case "", "file", "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteCredentialStore(path)
	default:
		return nil, fmt.Errorf("unsupported credential store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return raw, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: missing path in dsn %q", ErrInvalidInput, raw)
	}
	return path, nil
}
