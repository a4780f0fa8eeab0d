package expiration

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// Record tracks when a cache entry was written and last used.
type Record struct {
	Key        string
	InsertedAt time.Time
	LastUsedAt time.Time
}

// Store persists expiration records per cache name.
// Records returns records in insertion order, oldest first.
type Store interface {
	// Inserted records a write of key, making it the newest record.
	Inserted(ctx context.Context, cacheName, key string, t time.Time) error
	// Used updates the last-used time of key, if it has a record.
	Used(ctx context.Context, cacheName, key string, t time.Time) error
	Get(ctx context.Context, cacheName, key string) (Record, bool, error)
	Records(ctx context.Context, cacheName string) ([]Record, error)
	Delete(ctx context.Context, cacheName, key string) error
	DeleteAll(ctx context.Context, cacheName string) error
}

// MemStore keeps records in memory.
type MemStore struct {
	mutex   sync.Mutex
	records map[string][]Record
}

func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string][]Record)}
}

func (m *MemStore) Inserted(ctx context.Context, cacheName, key string, t time.Time) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.remove(cacheName, key)
	m.records[cacheName] = append(m.records[cacheName], Record{Key: key, InsertedAt: t, LastUsedAt: t})
	return nil
}

func (m *MemStore) Used(ctx context.Context, cacheName, key string, t time.Time) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	records := m.records[cacheName]
	for i := range records {
		if records[i].Key == key {
			records[i].LastUsedAt = t
		}
	}
	return nil
}

func (m *MemStore) Get(ctx context.Context, cacheName, key string) (Record, bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, r := range m.records[cacheName] {
		if r.Key == key {
			return r, true, nil
		}
	}
	return Record{}, false, nil
}

func (m *MemStore) Records(ctx context.Context, cacheName string) ([]Record, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]Record(nil), m.records[cacheName]...), nil
}

func (m *MemStore) Delete(ctx context.Context, cacheName, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.remove(cacheName, key)
	return nil
}

func (m *MemStore) DeleteAll(ctx context.Context, cacheName string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.records, cacheName)
	return nil
}

func (m *MemStore) remove(cacheName, key string) {
	records := m.records[cacheName]
	for i, r := range records {
		if r.Key == key {
			m.records[cacheName] = append(records[:i:i], records[i+1:]...)
			return
		}
	}
}

// SQLiteStore keeps records in a SQLite database, usually the one holding
// the caches themselves.
type SQLiteStore struct {
	db         *sql.DB
	writeMutex sync.Mutex
}

// NewSQLiteStore creates the records table in db if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS expiration (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cache TEXT NOT NULL,
		key TEXT NOT NULL,
		inserted_at INTEGER NOT NULL,
		last_used_at INTEGER NOT NULL,
		UNIQUE (cache, key)
	)`)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Inserted(ctx context.Context, cacheName, key string, t time.Time) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	// replacing the row gives it a new id, which moves it to the end
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO expiration
		(cache, key, inserted_at, last_used_at) VALUES (?, ?, ?, ?)`,
		cacheName, key, t.UnixNano(), t.UnixNano())
	return err
}

func (s *SQLiteStore) Used(ctx context.Context, cacheName, key string, t time.Time) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"UPDATE expiration SET last_used_at = ? WHERE cache = ? AND key = ?",
		t.UnixNano(), cacheName, key)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, cacheName, key string) (Record, bool, error) {
	var insertedAt, lastUsedAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT inserted_at, last_used_at FROM expiration WHERE cache = ? AND key = ?",
		cacheName, key).Scan(&insertedAt, &lastUsedAt)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return Record{Key: key, InsertedAt: time.Unix(0, insertedAt), LastUsedAt: time.Unix(0, lastUsedAt)}, true, nil
}

func (s *SQLiteStore) Records(ctx context.Context, cacheName string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, inserted_at, last_used_at FROM expiration WHERE cache = ? ORDER BY id ASC",
		cacheName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records := make([]Record, 0)
	for rows.Next() {
		var r Record
		var insertedAt, lastUsedAt int64
		if err := rows.Scan(&r.Key, &insertedAt, &lastUsedAt); err != nil {
			return records, err
		}
		r.InsertedAt = time.Unix(0, insertedAt)
		r.LastUsedAt = time.Unix(0, lastUsedAt)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, cacheName, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM expiration WHERE cache = ? AND key = ?", cacheName, key)
	return err
}

func (s *SQLiteStore) DeleteAll(ctx context.Context, cacheName string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM expiration WHERE cache = ?", cacheName)
	return err
}
