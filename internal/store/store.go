// Package store owns the sqlite state: MediaFile rows, their status machine
// columns, and the ConfigItem key-value table. All SQL lives here.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Status is the lifecycle state of a MediaFile row.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusConflict   Status = "CONFLICT"
	StatusNoMatch    Status = "NO_MATCH"
)

// AllStatuses lists every valid status.
var AllStatuses = []Status{
	StatusPending, StatusQueued, StatusProcessing,
	StatusCompleted, StatusFailed, StatusConflict, StatusNoMatch,
}

// ParseStatus maps a case-insensitive string onto a Status.
func ParseStatus(s string) (Status, error) {
	up := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range AllStatuses {
		if st == up {
			return st, nil
		}
	}
	return "", fmt.Errorf("invalid status: %q", s)
}

// Terminal reports whether no further pipeline work happens in this state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusConflict, StatusNoMatch:
		return true
	}
	return false
}

// Retryable reports whether the retry API may reset this state to PENDING.
func (s Status) Retryable() bool {
	switch s {
	case StatusFailed, StatusConflict, StatusNoMatch:
		return true
	}
	return false
}

// MediaFile is one discovered file and everything learned about it.
type MediaFile struct {
	ID               int64
	Inode            uint64
	DeviceID         uint64
	OriginalFilepath string
	OriginalFilename string
	FileSize         int64
	Status           Status
	LLMGuess         json.RawMessage
	TMDBID           *int64
	MediaType        *string
	ProcessedData    json.RawMessage
	NewFilepath      *string
	ErrorMessage     *string
	RetryCount       int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("media file not found")
	// ErrDuplicate means a row with the same (inode, device_id) exists.
	ErrDuplicate = errors.New("media file already recorded")
)

// timeLayout is RFC3339 UTC with a fixed-width fraction so that string
// comparison in SQL orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

// Store wraps the sqlite handle. claimMu serializes the Producer's batch
// claim; this process is the only writer of the database.
type Store struct {
	db      *sql.DB
	claimMu sync.Mutex
	log     zerolog.Logger
	now     func() time.Time
}

// Open opens (creating if needed) the sqlite database at path and applies
// the schema.
func Open(path string, log zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single connection: sqlite has one writer and this keeps transactions
	// from ever seeing SQLITE_BUSY from our own process.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:  db,
		log: log.With().Str("component", "store").Logger(),
		now: time.Now,
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	const schema = `
CREATE TABLE IF NOT EXISTS mediafile (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	inode INTEGER NOT NULL,
	device_id INTEGER NOT NULL,
	original_filepath TEXT NOT NULL,
	original_filename TEXT NOT NULL,
	file_size INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'PENDING',
	llm_guess TEXT,
	tmdb_id INTEGER,
	media_type TEXT,
	processed_data TEXT,
	new_filepath TEXT,
	error_message TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (inode, device_id)
);
CREATE INDEX IF NOT EXISTS idx_mediafile_status ON mediafile (status);
CREATE INDEX IF NOT EXISTS idx_media_name_ci ON mediafile (lower(original_filename));
CREATE TABLE IF NOT EXISTS configitem (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	description TEXT,
	updated_at TEXT NOT NULL
);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
