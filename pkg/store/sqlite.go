package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/marionette/pkg/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
    id         INTEGER PRIMARY KEY,
    title      TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
    conversation_id INTEGER NOT NULL,
    id              INTEGER NOT NULL,
    role            TEXT NOT NULL,
    content         TEXT NOT NULL DEFAULT '',
    blocks_json     TEXT,
    created_at      TEXT NOT NULL,
    position        INTEGER NOT NULL,
    PRIMARY KEY (conversation_id, id)
);
CREATE INDEX IF NOT EXISTS idx_messages_conv_pos ON messages(conversation_id, position);
`

// SQLiteBackend persists conversation logs to a SQLite database.
type SQLiteBackend struct {
	db *sql.DB
}

var (
	_ Backend             = (*SQLiteBackend)(nil)
	_ ConversationBackend = (*SQLiteBackend)(nil)
)

func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	b := &SQLiteBackend{db: db}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "init schema")
	}
	return b, nil
}

func (b *SQLiteBackend) Close() error { return b.db.Close() }

func (b *SQLiteBackend) List(ctx context.Context, convID int64) ([]model.Message, error) {
	rows, err := b.db.QueryContext(ctx,
		"SELECT id, role, content, blocks_json, created_at FROM messages WHERE conversation_id=? ORDER BY position",
		convID)
	if err != nil {
		return nil, errors.Wrap(err, "query messages")
	}
	defer func() { _ = rows.Close() }()

	var out []model.Message
	for rows.Next() {
		var (
			m         model.Message
			blocks    sql.NullString
			createdAt string
		)
		m.ConversationID = convID
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &blocks, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		if blocks.Valid && blocks.String != "" {
			if err := json.Unmarshal([]byte(blocks.String), &m.Blocks); err != nil {
				return nil, errors.Wrapf(err, "decode blocks for message %d", m.ID)
			}
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			m.CreatedAt = t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) Put(ctx context.Context, msg model.Message) error {
	blocks, err := encodeBlocks(msg.Blocks)
	if err != nil {
		return err
	}
	// Keep the existing position on replace, append otherwise.
	var pos int64
	err = b.db.QueryRowContext(ctx,
		"SELECT position FROM messages WHERE conversation_id=? AND id=?",
		msg.ConversationID, msg.ID).Scan(&pos)
	switch {
	case err == sql.ErrNoRows:
		if err := b.db.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(position)+1, 0) FROM messages WHERE conversation_id=?",
			msg.ConversationID).Scan(&pos); err != nil {
			return errors.Wrap(err, "next position")
		}
	case err != nil:
		return errors.Wrap(err, "lookup position")
	}
	_, err = b.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO messages(conversation_id, id, role, content, blocks_json, created_at, position) VALUES(?,?,?,?,?,?,?)",
		msg.ConversationID, msg.ID, string(msg.Role), msg.Content, blocks,
		msg.CreatedAt.Format(time.RFC3339Nano), pos)
	return errors.Wrap(err, "upsert message")
}

func (b *SQLiteBackend) Delete(ctx context.Context, convID, id int64) error {
	_, err := b.db.ExecContext(ctx,
		"DELETE FROM messages WHERE conversation_id=? AND id=?", convID, id)
	return errors.Wrap(err, "delete message")
}

func (b *SQLiteBackend) Replace(ctx context.Context, convID int64, msgs []model.Message) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin replace")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id=?", convID); err != nil {
		return errors.Wrap(err, "clear before replace")
	}
	for i, m := range msgs {
		blocks, err := encodeBlocks(m.Blocks)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO messages(conversation_id, id, role, content, blocks_json, created_at, position) VALUES(?,?,?,?,?,?,?)",
			convID, m.ID, string(m.Role), m.Content, blocks,
			m.CreatedAt.Format(time.RFC3339Nano), i); err != nil {
			return errors.Wrapf(err, "insert message %d", m.ID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit replace")
}

func (b *SQLiteBackend) Clear(ctx context.Context, convID int64) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id=?", convID)
	return errors.Wrap(err, "clear conversation")
}

func (b *SQLiteBackend) UpsertConversation(ctx context.Context, conv model.Conversation) error {
	if conv.ID == 0 {
		return errors.New("sqlite backend: conversation id is 0")
	}
	now := time.Now()
	created := conv.CreatedAt
	if created.IsZero() {
		created = now
	}
	updated := conv.UpdatedAt
	if updated.IsZero() {
		updated = now
	}
	_, err := b.db.ExecContext(ctx, `
INSERT INTO conversations(id, title, created_at, updated_at) VALUES(?,?,?,?)
ON CONFLICT(id) DO UPDATE SET title=excluded.title, updated_at=excluded.updated_at`,
		conv.ID, conv.Title,
		created.Format(time.RFC3339Nano), updated.Format(time.RFC3339Nano))
	return errors.Wrap(err, "upsert conversation")
}

func (b *SQLiteBackend) GetConversation(ctx context.Context, id int64) (model.Conversation, bool, error) {
	var (
		conv               model.Conversation
		createdAt, updated string
	)
	conv.ID = id
	err := b.db.QueryRowContext(ctx,
		"SELECT title, created_at, updated_at FROM conversations WHERE id=?", id).
		Scan(&conv.Title, &createdAt, &updated)
	if err == sql.ErrNoRows {
		return model.Conversation{}, false, nil
	}
	if err != nil {
		return model.Conversation{}, false, errors.Wrap(err, "query conversation")
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		conv.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		conv.UpdatedAt = t
	}
	return conv, true, nil
}

func (b *SQLiteBackend) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	rows, err := b.db.QueryContext(ctx,
		"SELECT id, title, created_at, updated_at FROM conversations ORDER BY id")
	if err != nil {
		return nil, errors.Wrap(err, "query conversations")
	}
	defer func() { _ = rows.Close() }()

	var out []model.Conversation
	for rows.Next() {
		var (
			conv               model.Conversation
			createdAt, updated string
		)
		if err := rows.Scan(&conv.ID, &conv.Title, &createdAt, &updated); err != nil {
			return nil, errors.Wrap(err, "scan conversation")
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			conv.CreatedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
			conv.UpdatedAt = t
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func encodeBlocks(blocks []model.Block) (sql.NullString, error) {
	if len(blocks) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(blocks)
	if err != nil {
		return sql.NullString{}, errors.Wrap(err, "encode blocks")
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
