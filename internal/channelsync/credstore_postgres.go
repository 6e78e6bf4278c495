package channelsync

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

const (
	postgresCredentialTable   = "channelsync_credentials"
	postgresOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresCredentialStore keeps one row per key with an ON CONFLICT
// upsert, so concurrent writers to the same key are last-writer-wins at
// the database rather than in process memory.
type PostgresCredentialStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresCredentialStore(dsn string) (CredentialStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresCredentialStore{
		dsn:       dsn,
		tableName: postgresCredentialTable,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresCredentialStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				kind TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresCredentialStore) Put(ctx context.Context, key, value string, kind CredentialKind) error {
	if strings.TrimSpace(key) == "" || kind == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return errors.Wrap(err, "credential store: init")
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (key, value, kind, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (key)
		DO UPDATE SET value = EXCLUDED.value, kind = EXCLUDED.kind, updated_at = NOW()`,
		quoteIdentifier(s.tableName))
	if _, err := s.db.ExecContext(ctx, query, key, value, string(kind)); err != nil {
		return errors.Wrap(err, "credential store: put")
	}
	return nil
}

func (s *PostgresCredentialStore) Get(ctx context.Context, key string) (string, error) {
	if err := s.ensureReady(); err != nil {
		return "", errors.Wrap(err, "credential store: init")
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT value FROM %s WHERE key = $1", quoteIdentifier(s.tableName))
	var value string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrap(err, "credential store: get")
	}
	return value, nil
}

func (s *PostgresCredentialStore) ListByKind(ctx context.Context, kind CredentialKind) ([]string, error) {
	if err := s.ensureReady(); err != nil {
		return nil, errors.Wrap(err, "credential store: init")
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT key FROM %s WHERE kind = $1 ORDER BY key", quoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query, string(kind))
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

func (s *PostgresCredentialStore) Delete(ctx context.Context, key string) error {
	if err := s.ensureReady(); err != nil {
		return errors.Wrap(err, "credential store: init")
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE key = $1", quoteIdentifier(s.tableName))
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return errors.Wrap(err, "credential store: delete")
	}
	return nil
}

func (s *PostgresCredentialStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
