// Package sqlstore keeps documents in a single SQL table with an integer
// version column. It runs on Postgres (lib/pq) and SQLite (modernc.org/sqlite).
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/aaronwang/carbon-exchange/shared/docstore"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		collection VARCHAR(64) NOT NULL,
		id VARCHAR(255) NOT NULL,
		data TEXT NOT NULL,
		version BIGINT NOT NULL,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (collection, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_created ON documents(collection, created_at DESC, id DESC)`,
}

// Store is a docstore.Store over database/sql.
type Store struct {
	db  *sql.DB
	d   Dialect
	now func() time.Time
}

// New wraps an open database handle. The schema must already exist.
func New(db *sql.DB, d Dialect) *Store {
	return &Store{db: db, d: d, now: time.Now}
}

// OpenPostgres connects to Postgres and creates the documents table.
func OpenPostgres(ctx context.Context, connStr string) (*Store, error) {
	db, err := sql.Open(Postgres.DriverName, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := New(db, Postgres)
	if err := s.InitSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (or creates) a SQLite file and creates the documents table.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := "file:" + filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open(SQLite.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := New(db, SQLite)
	if err := s.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// InitSchema creates the documents table and its index.
func (s *Store) InitSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// DB exposes the handle so other tables (the ledger) can share the pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	query := s.d.rebind(`SELECT data, version, created_at FROM documents WHERE collection = ? AND id = ?`)

	var (
		data    string
		version int64
		created int64
	)
	err := s.db.QueryRowContext(ctx, query, collection, id).Scan(&data, &version, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return docstore.Document{}, docstore.ErrNotFound
	}
	if err != nil {
		return docstore.Document{}, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return docstore.Document{
		ID:        id,
		Data:      []byte(data),
		Version:   docstore.Version(version),
		CreatedAt: time.UnixMicro(created).UTC(),
	}, nil
}

func (s *Store) Create(ctx context.Context, collection, id string, data []byte) (docstore.Version, error) {
	query := s.d.rebind(`
		INSERT INTO documents (collection, id, data, version, created_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (collection, id) DO NOTHING
	`)

	result, err := s.db.ExecContext(ctx, query, collection, id, string(data), s.now().UTC().UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("failed to insert %s/%s: %w", collection, id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return 0, docstore.ErrAlreadyExists
	}
	return 1, nil
}

func (s *Store) PutIfVersion(ctx context.Context, collection, id string, data []byte, expected docstore.Version) (docstore.Version, error) {
	query := s.d.rebind(`
		UPDATE documents
		SET data = ?, version = version + 1
		WHERE collection = ? AND id = ? AND version = ?
	`)

	result, err := s.db.ExecContext(ctx, query, string(data), collection, id, int64(expected))
	if err != nil {
		return 0, fmt.Errorf("failed to update %s/%s: %w", collection, id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 1 {
		return expected + 1, nil
	}

	var one int
	exists := s.d.rebind(`SELECT 1 FROM documents WHERE collection = ? AND id = ?`)
	err = s.db.QueryRowContext(ctx, exists, collection, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, docstore.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("check %s/%s: %w", collection, id, err)
	}
	return 0, docstore.ErrVersionConflict
}

func (s *Store) Query(ctx context.Context, collection string, q docstore.Query) ([]docstore.Document, error) {
	query, args, err := s.buildQuery(collection, q)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []docstore.Document
	for rows.Next() {
		var (
			id      string
			data    string
			version int64
			created int64
		)
		if err := rows.Scan(&id, &data, &version, &created); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", collection, err)
		}
		docs = append(docs, docstore.Document{
			ID:        id,
			Data:      []byte(data),
			Version:   docstore.Version(version),
			CreatedAt: time.UnixMicro(created).UTC(),
		})
	}
	return docs, rows.Err()
}

func (s *Store) buildQuery(collection string, q docstore.Query) (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}

	b := &binder{d: s.d}
	var sb strings.Builder
	sb.WriteString("SELECT id, data, version, created_at FROM documents WHERE collection = ")
	sb.WriteString(b.bind(collection))

	for _, c := range q.Where {
		field := s.d.jsonText(c.Field)
		switch c.Op {
		case docstore.OpEq:
			sb.WriteString(" AND " + field + " = " + b.bind(c.Str))
		case docstore.OpAtMost:
			cmp := s.d.numeric(field) + " <= " + s.d.numeric(b.bind(c.Num.String()))
			if c.OrNull {
				cmp = "(" + field + " IS NULL OR " + cmp + ")"
			}
			sb.WriteString(" AND " + cmp)
		}
	}

	sb.WriteString(" ORDER BY created_at DESC, id DESC")
	if q.Limit > 0 {
		sb.WriteString(" LIMIT " + b.bind(q.Limit))
	} else if q.Offset > 0 && s.d.offsetOnly != "" {
		sb.WriteString(" " + s.d.offsetOnly)
	}
	if q.Offset > 0 {
		sb.WriteString(" OFFSET " + b.bind(q.Offset))
	}
	return sb.String(), b.args, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
