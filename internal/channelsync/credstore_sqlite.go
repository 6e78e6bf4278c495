package channelsync

import (
	"context"
	"database/sql"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteCredentialStore is the single-node durable backend. WAL mode keeps
// concurrent reads from blocking the webhook path while a Put commits.
type SQLiteCredentialStore struct {
	path string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteCredentialStore(path string) (CredentialStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteCredentialStore{path: path}, nil
}

func (s *SQLiteCredentialStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		if dir := filepath.Dir(s.path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				s.initErr = err
				return
			}
		}
		db, err := sql.Open("sqlite3", s.path+"?_busy_timeout=10000")
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		query := `
			CREATE TABLE IF NOT EXISTS credentials (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				kind TEXT NOT NULL,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLiteCredentialStore) Put(ctx context.Context, key, value string, kind CredentialKind) error {
	if strings.TrimSpace(key) == "" || kind == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return errors.Wrap(err, "credential store: init")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	query := `
		INSERT INTO credentials (key, value, kind, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key)
		DO UPDATE SET value = excluded.value, kind = excluded.kind, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, key, value, string(kind), now, now); err != nil {
		return errors.Wrap(err, "credential store: put")
	}
	return nil
}

func (s *SQLiteCredentialStore) Get(ctx context.Context, key string) (string, error) {
	if err := s.ensureReady(); err != nil {
		return "", errors.Wrap(err, "credential store: init")
	}
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM credentials WHERE key = ?", key).Scan(&value)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrap(err, "credential store: get")
	}
	return value, nil
}

func (s *SQLiteCredentialStore) ListByKind(ctx context.Context, kind CredentialKind) ([]string, error) {
	if err := s.ensureReady(); err != nil {
		return nil, errors.Wrap(err, "credential store: init")
	}
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM credentials WHERE kind = ? ORDER BY key", string(kind))
	if err != nil {
		return nil, errors.Wrap(err, "credential store: list")
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if scanErr := rows.Scan(&key); scanErr != nil {
			return nil, errors.Wrap(scanErr, "credential store: list scan")
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "credential store: list rows")
	}
	return keys, nil
}

func (s *SQLiteCredentialStore) Delete(ctx context.Context, key string) error {
	if err := s.ensureReady(); err != nil {
		return errors.Wrap(err, "credential store: init")
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM credentials WHERE key = ?", key); err != nil {
		return errors.Wrap(err, "credential store: delete")
	}
	return nil
}

func (s *SQLiteCredentialStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
