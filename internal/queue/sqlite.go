package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the outbox across restarts. When a key is given,
// every row body is sealed before it touches disk; the id and room
// columns stay plain so ordering and room scans work server-side.
type SQLiteStore struct {
	db   *sql.DB
	key  *[keySize]byte
	path string
	mu   sync.Mutex
}

// OpenSQLite opens or creates the outbox database. key may be nil for a
// plaintext outbox.
func OpenSQLite(path string, key *[keySize]byte) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create outbox dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure outbox: %w", err)
	}

	// rowid is the arrival order and therefore the replay order.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS outbox (
			id         TEXT PRIMARY KEY,
			room_id    TEXT NOT NULL,
			body       BLOB NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create outbox table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS outbox_room ON outbox (room_id)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("index outbox table: %w", err)
	}

	return &SQLiteStore{db: db, key: key, path: path}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) encode(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if s.key != nil {
		return seal(s.key, b)
	}
	return b, nil
}

func (s *SQLiteStore) decode(b []byte) (Message, error) {
	if s.key != nil {
		var err error
		b, err = open(s.key, b)
		if err != nil {
			return Message{}, err
		}
	}
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("decode outbox row: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) Put(m Message) (bool, error) {
	body, err := s.encode(m)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`INSERT OR IGNORE INTO outbox (id, room_id, body) VALUES (?, ?, ?)`,
		m.ID, m.RoomID, body)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) Get(id string) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var body []byte
	err := s.db.QueryRow(`SELECT body FROM outbox WHERE id = ?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	m, err := s.decode(body)
	if err != nil {
		return Message{}, false, err
	}
	return m, true, nil
}

func (s *SQLiteStore) Update(m Message) error {
	body, err := s.encode(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE outbox SET body = ? WHERE id = ?`, body, m.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errNotStored(m.ID)
	}
	return nil
}

func (s *SQLiteStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM outbox WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) Room(roomID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scan(`SELECT body FROM outbox WHERE room_id = ? ORDER BY rowid`, roomID)
}

func (s *SQLiteStore) All() ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scan(`SELECT body FROM outbox ORDER BY rowid`)
}

func (s *SQLiteStore) scan(query string, args ...any) ([]Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		m, err := s.decode(body)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLiteStore) ClearRoom(roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM outbox WHERE room_id = ?`, roomID)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
