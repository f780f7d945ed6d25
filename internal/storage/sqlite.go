// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/rigrun-chat/internal/model"
)

// schema is applied on every open; all statements are idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	position   INTEGER NOT NULL,
	title      TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	position   INTEGER NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	timestamp  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, position);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Meta keys.
const (
	metaCurrentSession = "current_session_id"
	metaSearchQuery    = "search_query"
	metaSavedAt        = "saved_at"
)

// SQLiteStore keeps the chat state in a SQLite database, one row per
// session and message.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Load reads the full state. It returns nil, nil before the first Save.
func (s *SQLiteStore) Load(ctx context.Context) (*model.ChatState, error) {
	meta, err := s.loadMeta(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := meta[metaSavedAt]; !ok {
		return nil, nil
	}

	state := &model.ChatState{
		Sessions:    []model.ChatSession{},
		SearchQuery: meta[metaSearchQuery],
	}
	if id, ok := meta[metaCurrentSession]; ok && id != "" {
		state.CurrentSessionID = &id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at FROM sessions ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	index := make(map[string]int)
	for rows.Next() {
		var sess model.ChatSession
		var created, updated int64
		if err := rows.Scan(&sess.ID, &sess.Title, &created, &updated); err != nil {
			rows.Close()
			return nil, corrupt(err)
		}
		sess.CreatedAt = fromUnixNano(created)
		sess.UpdatedAt = fromUnixNano(updated)
		sess.Messages = []model.Message{}
		index[sess.ID] = len(state.Sessions)
		state.Sessions = append(state.Sessions, sess)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, timestamp FROM messages ORDER BY session_id, position`)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	for rows.Next() {
		var msg model.Message
		var sessionID, role string
		var ts int64
		if err := rows.Scan(&msg.ID, &sessionID, &role, &msg.Content, &ts); err != nil {
			rows.Close()
			return nil, corrupt(err)
		}
		i, ok := index[sessionID]
		if !ok {
			continue
		}
		msg.Role = model.Role(role)
		msg.Timestamp = fromUnixNano(ts)
		state.Sessions[i].Messages = append(state.Sessions[i].Messages, msg)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}

	return state, nil
}

// Save replaces the stored state inside a single transaction.
func (s *SQLiteStore) Save(ctx context.Context, state model.ChatState) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}

	sessStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO sessions (id, position, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare session insert: %w", err)
	}
	defer sessStmt.Close()

	msgStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (id, session_id, position, role, content, timestamp) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare message insert: %w", err)
	}
	defer msgStmt.Close()

	for pos, sess := range state.Sessions {
		if _, err = sessStmt.ExecContext(ctx, sess.ID, pos, sess.Title,
			toUnixNano(sess.CreatedAt), toUnixNano(sess.UpdatedAt)); err != nil {
			return fmt.Errorf("insert session %s: %w", sess.ID, err)
		}
		for mpos, msg := range sess.Messages {
			if _, err = msgStmt.ExecContext(ctx, msg.ID, sess.ID, mpos, string(msg.Role),
				msg.Content, toUnixNano(msg.Timestamp)); err != nil {
				return fmt.Errorf("insert message %s: %w", msg.ID, err)
			}
		}
	}

	current := ""
	if state.CurrentSessionID != nil {
		current = *state.CurrentSessionID
	}
	meta := map[string]string{
		metaCurrentSession: current,
		metaSearchQuery:    state.SearchQuery,
		metaSavedAt:        strconv.FormatInt(time.Now().UnixNano(), 10),
	}
	for key, value := range meta {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO meta (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
			return fmt.Errorf("write meta %s: %w", key, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) loadMeta(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM meta`)
	if err != nil {
		return nil, fmt.Errorf("query meta: %w", err)
	}
	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return nil, corrupt(err)
		}
		meta[k] = v
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("query meta: %w", err)
	}
	return meta, nil
}

// toUnixNano stores the zero time as 0, since UnixNano is undefined for it.
func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func closeRows(rows *sql.Rows) error {
	return errors.Join(rows.Err(), rows.Close())
}
