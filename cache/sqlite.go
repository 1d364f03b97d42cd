package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	serializer "github.com/always-cache/shellcache/pkg/response-serializer"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	tables     map[string]*sqliteTable
}

// NewSQLiteStore opens a store with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStore(filename string) (*SQLiteStore, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS versions (
			version TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS resources (
			version TEXT,
			key TEXT,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (version, key)
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			name TEXT PRIMARY KEY,
			value TEXT
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("could not initialize sqlite store: %w", err)
		}
	}
	return &SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
		tables:     make(map[string]*sqliteTable),
	}, nil
}

func (s *SQLiteStore) Open(ctx context.Context, version string) (Table, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO versions (version, created_at) VALUES (?, ?)",
		version, time.Now().Unix())
	if err != nil {
		return nil, err
	}
	if t, ok := s.tables[version]; ok {
		return t, nil
	}
	t := &sqliteTable{store: s, version: version}
	s.tables[version] = t
	return t, nil
}

func (s *SQLiteStore) Versions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM versions ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	versions := make([]string, 0)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return versions, err
		}
		versions = append(versions, version)
	}
	return versions, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, version string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM resources WHERE version = ?", version); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM versions WHERE version = ?", version)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	delete(s.tables, version)
	return rows > 0, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Setting(ctx context.Context, name string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE name = ?", name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLiteStore) SetSetting(ctx context.Context, name, value string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "INSERT OR REPLACE INTO settings (name, value) VALUES (?, ?)", name, value)
	return err
}

type sqliteTable struct {
	store   *SQLiteStore
	version string
}

func (t *sqliteTable) Version() string {
	return t.version
}

func (t *sqliteTable) Get(ctx context.Context, key string) (Resource, bool, error) {
	var bytes []byte
	err := t.store.db.QueryRowContext(ctx,
		"SELECT bytes FROM resources WHERE version = ? AND key = ?", t.version, key).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Resource{}, false, nil
	} else if err != nil {
		return Resource{}, false, err
	}
	sRes, err := serializer.BytesToStoredResponse(bytes)
	if err != nil {
		return Resource{}, false, fmt.Errorf("corrupt entry %s: %w", key, err)
	}
	return Resource{
		StatusCode: sRes.StatusCode,
		Header:     sRes.Header,
		Body:       sRes.Body,
		StoredAt:   sRes.StoredAt,
	}, true, nil
}

func (t *sqliteTable) Put(ctx context.Context, key string, res Resource) error {
	bytes, err := serializer.StoredResponseToBytes(serializer.StoredResponse{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       res.Body,
		StoredAt:   res.StoredAt,
	})
	if err != nil {
		return err
	}
	t.store.writeMutex.Lock()
	defer t.store.writeMutex.Unlock()
	// the version row guards against writes racing a delete of the whole table
	result, err := t.store.db.ExecContext(ctx, `INSERT OR REPLACE INTO resources
		(version, key, stored_at, bytes)
		SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM versions WHERE version = ?)`,
		t.version, key, res.StoredAt.Unix(), bytes, t.version)
	if err != nil {
		return err
	}
	if rows, err := result.RowsAffected(); err != nil {
		return err
	} else if rows == 0 {
		return ErrTableDeleted
	}
	return nil
}

func (t *sqliteTable) Keys(ctx context.Context) ([]string, error) {
	rows, err := t.store.db.QueryContext(ctx,
		"SELECT key FROM resources WHERE version = ? ORDER BY key", t.version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
