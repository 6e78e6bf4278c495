package channelsync

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// persistedState is the durable snapshot behind the merge engine. The
// conversation logs are the source of truth; the remote published copy is
// a derived cache and a full rebuild from this state alone is possible.
type persistedState struct {
	Entities      map[string]EntityRecord       `json:"entities"`
	Conversations map[string]ConversationRecord `json:"conversations"`
	Statuses      map[string]EntitySyncStatus   `json:"statuses"`
}

type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
	Close() error
}

type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot *persistedState
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return cloneState(b.snapshot)
}

func (b *InMemoryStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	clone, err := cloneState(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.snapshot = clone
	b.mu.Unlock()
	return nil
}

func (b *InMemoryStateBackend) Close() error {
	return nil
}

func cloneState(state *persistedState) (*persistedState, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var clone persistedState
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

type JSONFileStateBackend struct {
	path string
	mu   sync.Mutex
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{path: path}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || b.path == "" {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || b.path == "" || state == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(b.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

func (b *JSONFileStateBackend) Close() error {
	return nil
}

// BuildStateBackendFromDSN selects a state backend by DSN scheme:
// postgres://, file://path (or a bare path), memory://.
func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryStateBackend(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileStateBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	case "mysql":
		return nil, fmt.Errorf("%w: state backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}
