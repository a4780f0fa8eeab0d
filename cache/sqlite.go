package cache

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// OpenSQLite opens the SQLite database with the given file name.
// If the file name is empty, a new in-memory db is opened.
func OpenSQLite(filename string) (*sql.DB, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	// a single connection serializes access, which also keeps shared
	// in-memory databases free of table locks
	db.SetMaxOpenConns(1)
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// SQLiteStorage stores named caches in a SQLite database.
type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStorage creates the cache tables in db if needed.
func NewSQLiteStorage(db *sql.DB) (*SQLiteStorage, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS caches (
		name TEXT PRIMARY KEY,
		created INTEGER
	)`)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cache TEXT NOT NULL,
		key TEXT NOT NULL,
		base TEXT NOT NULL,
		stored_at INTEGER,
		bytes BLOB,
		UNIQUE (cache, key)
	)`)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec("CREATE INDEX IF NOT EXISTS entries_base_idx ON entries (cache, base)")
	if err != nil {
		return nil, err
	}
	return &SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Cache, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO caches (name, created) VALUES (?, ?)",
		name, time.Now().UnixNano())
	if err != nil {
		return nil, err
	}
	return &SQLiteCache{name: name, db: s.db, writeMutex: s.writeMutex}, nil
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM caches WHERE name = ?", name).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE cache = ?", name); err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx, "DELETE FROM caches WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func (s *SQLiteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM caches ORDER BY created ASC, name ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// SQLiteCache is a named cache backed by the entries table.
type SQLiteCache struct {
	name       string
	db         *sql.DB
	writeMutex *sync.Mutex
}

func (s *SQLiteCache) Name() string {
	return s.name
}

func (s *SQLiteCache) Match(ctx context.Context, key string, opts MatchOptions) (Entry, bool, error) {
	query := "SELECT key, stored_at, bytes FROM entries WHERE cache = ? AND key = ?"
	arg := key
	if opts.IgnoreSearch {
		query = "SELECT key, stored_at, bytes FROM entries WHERE cache = ? AND base = ? ORDER BY id ASC LIMIT 1"
		arg = stripSearch(key)
	}
	var entry Entry
	var storedAt int64
	err := s.db.QueryRowContext(ctx, query, s.name, arg).Scan(&entry.Key, &storedAt, &entry.Bytes)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry.StoredAt = time.Unix(0, storedAt)
	return entry, true, nil
}

func (s *SQLiteCache) Put(ctx context.Context, entry Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO entries
		(cache, key, base, stored_at, bytes) VALUES (?, ?, ?, ?, ?)`,
		s.name, entry.Key, stripSearch(entry.Key), entry.StoredAt.UnixNano(), entry.Bytes)
	return err
}

func (s *SQLiteCache) Delete(ctx context.Context, key string, opts MatchOptions) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	query := "DELETE FROM entries WHERE cache = ? AND key = ?"
	arg := key
	if opts.IgnoreSearch {
		query = "DELETE FROM entries WHERE cache = ? AND base = ?"
		arg = stripSearch(key)
	}
	result, err := s.db.ExecContext(ctx, query, s.name, arg)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func (s *SQLiteCache) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM entries WHERE cache = ? ORDER BY id ASC", s.name)
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
