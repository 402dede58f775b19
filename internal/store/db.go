package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/yarsha/chatsync/internal/bus"
)

// DB wraps the SQLite connection backing the local message store. It is the
// only shared mutable resource of the sync core; SQLite serializes
// conflicting writes row-by-row (last writer wins per client_msg_id).
type DB struct {
	*sql.DB
	bus *bus.Bus
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// b may be nil; when set, every mutating operation publishes a store change
// event so subscribed readers reflect state without manual refresh.
func Open(path string, b *bus.Bus) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, bus: b}, nil
}

func (db *DB) notify(op, chatID, clientMsgID string) {
	if db.bus == nil {
		return
	}
	db.bus.Publish(bus.Event{
		Kind:      bus.KindStoreMessageChanged,
		Timestamp: time.Now(),
		Payload:   Change{Op: op, ChatID: chatID, ClientMsgID: clientMsgID},
	})
}
