// Package convo implements the conversation log: a sqlite-backed store
// for a session's running (compacted) and full message histories,
// deduplicated by message id so a streaming update replaces a message
// in place rather than appending a duplicate.
package convo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/forgecode/forge/internal/core"
	"github.com/forgecode/forge/internal/storekit"
)

const migrationsKey = "convo"

const migrationV1 = `
CREATE TABLE IF NOT EXISTS conversation_messages (
	session_id TEXT NOT NULL,
	history    TEXT NOT NULL,
	message_id TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	tool_calls TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	PRIMARY KEY (session_id, history, message_id)
);
CREATE INDEX IF NOT EXISTS idx_conversation_messages_order
	ON conversation_messages (session_id, history, seq);
`

// Store is a sqlite-backed core.ConversationStore.
type Store struct {
	db *storekit.DB
}

// Open opens or creates the conversation log database at path.
func Open(path string) (*Store, error) {
	db, err := storekit.Open(path, migrationsKey, []string{migrationV1})
	if err != nil {
		return nil, fmt.Errorf("opening conversation store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

var _ core.ConversationStore = (*Store)(nil)

func encodeToolCalls(calls []core.ToolCall) (string, error) {
	if len(calls) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(calls)
	if err != nil {
		return "", fmt.Errorf("encoding tool calls: %w", err)
	}
	return string(b), nil
}

func decodeToolCalls(raw string) ([]core.ToolCall, error) {
	var calls []core.ToolCall
	if raw == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(raw), &calls); err != nil {
		return nil, fmt.Errorf("decoding tool calls: %w", err)
	}
	return calls, nil
}

// Get returns the running and full histories for session, ordered by
// insertion sequence.
func (s *Store) Get(ctx context.Context, session core.SessionID) (running, full []core.ConversationMessage, err error) {
	running, err = s.loadHistory(ctx, session, core.HistoryRunning)
	if err != nil {
		return nil, nil, err
	}
	full, err = s.loadHistory(ctx, session, core.HistoryFull)
	if err != nil {
		return nil, nil, err
	}
	return running, full, nil
}

func (s *Store) loadHistory(ctx context.Context, session core.SessionID, history string) ([]core.ConversationMessage, error) {
	rows, err := s.db.Read.QueryContext(ctx, `
		SELECT message_id, role, content, tool_calls, created_at
		FROM conversation_messages
		WHERE session_id = ? AND history = ?
		ORDER BY seq ASC
	`, string(session), history)
	if err != nil {
		return nil, fmt.Errorf("querying %s history: %w", history, err)
	}
	defer rows.Close()

	var out []core.ConversationMessage
	for rows.Next() {
		var msg core.ConversationMessage
		var role, toolCalls, createdAt string
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &toolCalls, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.Role = core.ConversationRole(role)
		msg.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		msg.ToolCalls, err = decodeToolCalls(toolCalls)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Set overwrites both histories wholesale, e.g. after a compaction pass.
func (s *Store) Set(ctx context.Context, session core.SessionID, running, full []core.ConversationMessage) error {
	return s.db.RetryWrite(ctx, "Set", func() error {
		tx, err := s.db.Write.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_messages WHERE session_id = ?`, string(session)); err != nil {
			return fmt.Errorf("clearing histories: %w", err)
		}
		if err := replaceHistory(ctx, tx, session, core.HistoryRunning, running); err != nil {
			return err
		}
		if err := replaceHistory(ctx, tx, session, core.HistoryFull, full); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func replaceHistory(ctx context.Context, tx *sql.Tx, session core.SessionID, history string, msgs []core.ConversationMessage) error {
	for i, msg := range msgs {
		toolCalls, err := encodeToolCalls(msg.ToolCalls)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_messages (session_id, history, message_id, seq, role, content, tool_calls, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, string(session), history, msg.ID, i, string(msg.Role), msg.Content, toolCalls, msg.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("inserting %s message: %w", history, err)
		}
	}
	return nil
}

// Add appends msg to the named history, deduplicated by message id: if
// a message with msg.ID already exists it is replaced in place rather
// than appended again (invariant 4), keeping its original sequence
// position.
func (s *Store) Add(ctx context.Context, session core.SessionID, history string, msg core.ConversationMessage) error {
	toolCalls, err := encodeToolCalls(msg.ToolCalls)
	if err != nil {
		return err
	}

	return s.db.RetryWrite(ctx, "Add", func() error {
		var existingSeq sql.NullInt64
		row := s.db.Write.QueryRowContext(ctx, `
			SELECT seq FROM conversation_messages WHERE session_id = ? AND history = ? AND message_id = ?
		`, string(session), history, msg.ID)
		if err := row.Scan(&existingSeq); err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("checking existing message: %w", err)
		}

		seq := existingSeq.Int64
		if !existingSeq.Valid {
			var maxSeq sql.NullInt64
			if err := s.db.Write.QueryRowContext(ctx, `
				SELECT MAX(seq) FROM conversation_messages WHERE session_id = ? AND history = ?
			`, string(session), history).Scan(&maxSeq); err != nil {
				return fmt.Errorf("computing next sequence: %w", err)
			}
			seq = maxSeq.Int64 + 1
		}

		_, err := s.db.Write.ExecContext(ctx, `
			INSERT INTO conversation_messages (session_id, history, message_id, seq, role, content, tool_calls, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, history, message_id) DO UPDATE SET
				role = excluded.role,
				content = excluded.content,
				tool_calls = excluded.tool_calls,
				created_at = excluded.created_at
		`, string(session), history, msg.ID, seq, string(msg.Role), msg.Content, toolCalls, msg.CreatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("upserting message: %w", err)
		}
		return nil
	})
}
