package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/TDXCORE/EmailApp/internal/bus"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned by mutations that matched no row.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("store: already exists")
)

// DB wraps the SQLite database that backs an instance.
// When a feed is attached, row changes on realtime tables are published to it.
type DB struct {
	*sql.DB
	feed *bus.Bus
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db}, nil
}

// WithFeed attaches the change feed that receives row events.
func (db *DB) WithFeed(b *bus.Bus) *DB {
	db.feed = b
	return db
}

func (db *DB) publish(table, op string, payload any) {
	if db.feed == nil {
		return
	}
	db.feed.Publish(bus.Event{
		Kind:      bus.TableKind(table, op),
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// conflict maps unique-constraint violations to ErrConflict.
func conflict(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return conflict(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
