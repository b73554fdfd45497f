package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const journalQueueSize = 256

type journalOpKind int

const (
	opCreated journalOpKind = iota
	opAppended
	opDeleted
)

type journalOp struct {
	kind      journalOpKind
	sessionID string
	message   Message
	at        time.Time
}

// Journal is a Recorder that keeps the transcript of every session in SQLite.
// Messages are only ever appended, and the in-memory bound does not apply,
// but re-initializing a session starts its transcript over just as Create
// resets the context. It is write-only from the gateway's point of view: the
// Store is never rebuilt from it.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	ops    chan journalOp
	done   chan struct{}
}

// OpenJournal opens (or creates) the SQLite transcript at path and starts
// its writer goroutine.
func OpenJournal(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	createContextsTable := `
	CREATE TABLE IF NOT EXISTS contexts (
		id TEXT PRIMARY KEY,
		created_at DATETIME,
		deleted_at DATETIME
	);`

	createMessagesTable := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT,
		role TEXT,
		content TEXT,
		metadata TEXT,
		timestamp DATETIME,
		FOREIGN KEY(session_id) REFERENCES contexts(id)
	);`

	if _, err := db.Exec(createContextsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create contexts table: %w", err)
	}
	if _, err := db.Exec(createMessagesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create messages table: %w", err)
	}

	j := &Journal{
		db:     db,
		logger: logger,
		ops:    make(chan journalOp, journalQueueSize),
		done:   make(chan struct{}),
	}
	go j.run()

	logger.Info("opened session journal", "path", path)
	return j, nil
}

// ContextCreated implements Recorder.
func (j *Journal) ContextCreated(c Context) {
	j.enqueue(journalOp{kind: opCreated, sessionID: c.ID, at: c.CreatedAt})
}

// MessageAppended implements Recorder.
func (j *Journal) MessageAppended(sessionID string, msg Message, at time.Time) {
	j.enqueue(journalOp{kind: opAppended, sessionID: sessionID, message: msg, at: at})
}

// ContextDeleted implements Recorder.
func (j *Journal) ContextDeleted(sessionID string) {
	j.enqueue(journalOp{kind: opDeleted, sessionID: sessionID, at: time.Now()})
}

// Transcript returns every journaled message for sessionID in write order.
func (j *Journal) Transcript(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := j.db.QueryContext(ctx,
		"SELECT role, content, metadata FROM messages WHERE session_id = ? ORDER BY id",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var msg Message
		var metadata sql.NullString
		if err := rows.Scan(&msg.Role, &msg.Content, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode message metadata: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Close stops accepting entries, writes everything already queued and
// closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.ops)
	j.mu.Unlock()

	<-j.done
	return j.db.Close()
}

func (j *Journal) enqueue(op journalOp) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.ops <- op:
	default:
		j.logger.Warn("journal queue full, dropping entry", "session_id", op.sessionID)
	}
}

func (j *Journal) run() {
	defer close(j.done)
	for op := range j.ops {
		if err := j.apply(op); err != nil {
			j.logger.Error("failed to write journal entry", "session_id", op.sessionID, "error", err)
		}
	}
}

func (j *Journal) apply(op journalOp) error {
	switch op.kind {
	case opCreated:
		tx, err := j.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.Exec("DELETE FROM messages WHERE session_id = ?", op.sessionID); err != nil {
			return fmt.Errorf("failed to reset messages: %w", err)
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO contexts (id, created_at, deleted_at) VALUES (?, ?, NULL)",
			op.sessionID, op.at,
		); err != nil {
			return fmt.Errorf("failed to save context: %w", err)
		}
		return tx.Commit()

	case opAppended:
		var metadata any
		if len(op.message.Metadata) > 0 {
			raw, err := json.Marshal(op.message.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode message metadata: %w", err)
			}
			metadata = string(raw)
		}
		_, err := j.db.Exec(
			"INSERT INTO messages (session_id, role, content, metadata, timestamp) VALUES (?, ?, ?, ?, ?)",
			op.sessionID, op.message.Role, op.message.Content, metadata, op.at,
		)
		if err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
		return nil

	case opDeleted:
		_, err := j.db.Exec("UPDATE contexts SET deleted_at = ? WHERE id = ?", op.at, op.sessionID)
		if err != nil {
			return fmt.Errorf("failed to mark context deleted: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unknown journal op %d", op.kind)
}
