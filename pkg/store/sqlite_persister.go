package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-go-golems/confab/pkg/conversation"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const sqliteConversationsSchemaV1 = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    position INTEGER NOT NULL,
    payload_json TEXT NOT NULL,
    updated_at_ms INTEGER NOT NULL DEFAULT 0
);
`

// SQLitePersister stores one JSON payload per conversation row, so the record
// shape can evolve without schema changes.
type SQLitePersister struct {
	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

func NewSQLitePersister(dsn string) (*SQLitePersister, error) {
	if dsn == "" {
		return nil, errors.New("sqlite persister: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	p := &SQLitePersister{db: db}
	if err := p.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite persister: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func (p *SQLitePersister) migrate() error {
	_, err := p.db.Exec(sqliteConversationsSchemaV1)
	return errors.Wrap(err, "sqlite persister: migrate")
}

func (p *SQLitePersister) LoadConversations(ctx context.Context) ([]*conversation.Conversation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureOpen(); err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `SELECT id, payload_json FROM conversations ORDER BY position ASC`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	out := []*conversation.Conversation{}
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		c := &conversation.Conversation{}
		if err := json.Unmarshal([]byte(payload), c); err != nil {
			return nil, errors.Wrapf(err, "conversation %s", id)
		}
		if c.ID == "" {
			c.ID = conversation.ConversationID(id)
		}
		if string(c.ID) != id {
			return nil, errors.Errorf("sqlite persister: id mismatch payload=%q row=%q", c.ID, id)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveConversations upserts every conversation and deletes rows that are no
// longer part of the list, in one transaction.
func (p *SQLitePersister) SaveConversations(ctx context.Context, convs []*conversation.Conversation) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureOpen(); err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `CREATE TEMP TABLE IF NOT EXISTS keep_ids (id TEXT PRIMARY KEY)`); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM keep_ids`); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	for i, c := range convs {
		if c == nil {
			continue
		}
		payload, mErr := json.Marshal(c)
		if mErr != nil {
			err = errors.Wrapf(mErr, "conversation %s", c.ID)
			return err
		}
		if _, err = tx.ExecContext(
			ctx,
			`INSERT INTO conversations (id, position, payload_json, updated_at_ms)
VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET position = excluded.position, payload_json = excluded.payload_json, updated_at_ms = excluded.updated_at_ms`,
			string(c.ID), i, string(payload), now,
		); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO keep_ids (id) VALUES (?)`, string(c.ID)); err != nil {
			return err
		}
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM conversations WHERE id NOT IN (SELECT id FROM keep_ids)`); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *SQLitePersister) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}

func (p *SQLitePersister) ensureOpen() error {
	if p.closed {
		return errors.New("sqlite persister closed")
	}
	return nil
}

var _ Persister = (*SQLitePersister)(nil)
