package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/openintentos/openintent/pkg/models"
)

// Dialect selects placeholder style and migration set.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DialectFor maps a database/sql driver name onto its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// SQLConfig holds connection settings for SQLStore.
type SQLConfig struct {
	Driver          string        `yaml:"driver" json:"driver"`
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// DefaultSQLConfig returns a file-backed SQLite configuration.
func DefaultSQLConfig() SQLConfig {
	return SQLConfig{Driver: "sqlite", DSN: "openintent.db", MaxOpenConns: 10}
}

// OpenDB opens and pings the configured database. SQLite handles are limited
// to a single connection so in-memory databases stay shared and writes never
// contend for the file lock.
func OpenDB(ctx context.Context, cfg SQLConfig) (*sql.DB, Dialect, error) {
	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, "", fmt.Errorf("database dsn is required")
	}
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, "", err
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open database: %w", err)
	}

	switch dialect {
	case DialectSQLite:
		db.SetMaxOpenConns(1)
	default:
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("failed to ping database: %w", err)
	}
	if dialect == DialectSQLite {
		if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
			db.Close()
			return nil, "", fmt.Errorf("enable foreign keys: %w", err)
		}
	}
	return db, dialect, nil
}

// OpenSQL opens the database, applies pending migrations and returns a store
// that owns the handle.
func OpenSQL(ctx context.Context, cfg SQLConfig, opts ...Option) (*SQLStore, error) {
	db, dialect, err := OpenDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	migrator, err := NewMigrator(db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := migrator.Up(ctx, 0); err != nil {
		db.Close()
		return nil, err
	}
	return NewSQLStore(db, dialect, opts...), nil
}

// SQLStore implements Store and BotState over database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	opts    options
	ids     *idGenerator

	// writeMu serialises writers; SQLite allows one at a time anyway and
	// Postgres needs it for the read-modify-write of session counters.
	writeMu sync.Mutex
}

var (
	_ Store    = (*SQLStore)(nil)
	_ BotState = (*SQLStore)(nil)
)

// NewSQLStore wraps an already migrated handle.
func NewSQLStore(db *sql.DB, dialect Dialect, opts ...Option) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, opts: buildOptions(opts), ids: newIDGenerator()}
}

// DB exposes the underlying handle for migrations and diagnostics.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect reports the SQL dialect in use.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

func (s *SQLStore) Close() error { return s.db.Close() }

const sessionColumns = `id, name, model, message_count, token_count, created_at, updated_at`

const messageColumns = `id, session_id, role, content, tool_calls, tool_call_id, is_error, created_at`

func (s *SQLStore) Create(ctx context.Context, name, model string) (*models.Session, error) {
	now := s.opts.now().UTC()
	id, err := s.ids.next(now)
	if err != nil {
		return nil, err
	}
	session := &models.Session{ID: id, Name: name, Model: model, CreatedAt: now, UpdatedAt: now}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, 0, 0, ?, ?)
	`), id, name, model, now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

func (s *SQLStore) List(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Delete removes the session and its messages. Messages are deleted
// explicitly so the result does not depend on foreign key enforcement.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM session_messages WHERE session_id = ?`), id); err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil
	})
}

func (s *SQLStore) AppendMessage(ctx context.Context, id string, msg models.Message) (models.SessionMessage, error) {
	toolCalls, err := encodeToolCalls(msg.ToolCalls)
	if err != nil {
		return models.SessionMessage{}, err
	}
	tokens := messageTokens(s.opts.counter, msg)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var stored models.SessionMessage
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		prev, err := s.lockSession(ctx, tx, id)
		if err != nil {
			return err
		}
		now := advance(s.opts.now().UTC(), prev)

		var msgID int64
		err = tx.QueryRowContext(ctx, s.q(`
			INSERT INTO session_messages (session_id, role, content, tool_calls, tool_call_id, is_error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			RETURNING id
		`), id, string(msg.Role), msg.Content, toolCalls, msg.ToolCallID, msg.IsError, now.UnixNano()).Scan(&msgID)
		if err != nil {
			return fmt.Errorf("failed to append message: %w", err)
		}

		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE sessions
			SET message_count = message_count + 1, token_count = token_count + ?, updated_at = ?
			WHERE id = ?
		`), tokens, now.UnixNano(), id)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}

		stored = models.SessionMessage{ID: msgID, SessionID: id, Message: msg.Clone(), CreatedAt: now}
		return nil
	})
	if err != nil {
		return models.SessionMessage{}, err
	}
	return stored, nil
}

func (s *SQLStore) GetMessages(ctx context.Context, id string, limit int) ([]models.SessionMessage, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, s.q(`
			SELECT `+messageColumns+` FROM (
				SELECT `+messageColumns+` FROM session_messages
				WHERE session_id = ? ORDER BY id DESC LIMIT ?
			) recent ORDER BY id ASC
		`), id, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, s.q(`
			SELECT `+messageColumns+` FROM session_messages WHERE session_id = ? ORDER BY id ASC
		`), id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLStore) CompactMessages(ctx context.Context, id, summary string, keepRecent int) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var removed int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		prev, err := s.lockSession(ctx, tx, id)
		if err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, s.q(`
			SELECT `+messageColumns+` FROM session_messages WHERE session_id = ? ORDER BY id ASC
		`), id)
		if err != nil {
			return fmt.Errorf("failed to load messages: %w", err)
		}
		stored, err := scanMessages(rows)
		rows.Close()
		if err != nil {
			return err
		}

		start, end := models.CompactionSplit(models.Messages(stored), keepRecent)
		if start == end {
			return nil
		}
		now := advance(s.opts.now().UTC(), prev)
		first, last := stored[start].ID, stored[end-1].ID

		if _, err := tx.ExecContext(ctx, s.q(`
			DELETE FROM session_messages WHERE session_id = ? AND id >= ? AND id <= ?
		`), id, first, last); err != nil {
			return fmt.Errorf("failed to delete compacted messages: %w", err)
		}
		summaryMsg := models.SystemMessage(summary)
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO session_messages (id, session_id, role, content, tool_calls, tool_call_id, is_error, created_at)
			VALUES (?, ?, ?, ?, NULL, '', ?, ?)
		`), first, id, string(summaryMsg.Role), summaryMsg.Content, false, now.UnixNano()); err != nil {
			return fmt.Errorf("failed to insert summary: %w", err)
		}

		tokens := messageTokens(s.opts.counter, summaryMsg)
		for _, sm := range stored[:start] {
			tokens += messageTokens(s.opts.counter, sm.Message)
		}
		for _, sm := range stored[end:] {
			tokens += messageTokens(s.opts.counter, sm.Message)
		}
		count := len(stored) - (end - start) + 1

		if _, err := tx.ExecContext(ctx, s.q(`
			UPDATE sessions SET message_count = ?, token_count = ?, updated_at = ? WHERE id = ?
		`), count, tokens, now.UnixNano(), id); err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		removed = end - start
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *SQLStore) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT value FROM bot_state WHERE key = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get state %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLStore) SetState(ctx context.Context, key, value string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO bot_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`), key, value, s.opts.now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to set state %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) DeleteState(ctx context.Context, key string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM bot_state WHERE key = ?`), key); err != nil {
		return fmt.Errorf("failed to delete state %s: %w", key, err)
	}
	return nil
}

// lockSession returns the session's updated_at or ErrSessionNotFound.
func (s *SQLStore) lockSession(ctx context.Context, tx *sql.Tx, id string) (time.Time, error) {
	var updated int64
	err := tx.QueryRowContext(ctx, s.q(`SELECT updated_at FROM sessions WHERE id = ?`), id).Scan(&updated)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load session: %w", err)
	}
	return time.Unix(0, updated).UTC(), nil
}

func (s *SQLStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) q(query string) string {
	return rebind(s.dialect, query)
}

// rebind rewrites ? placeholders as $1..$n for Postgres.
func rebind(d Dialect, query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		session          models.Session
		created, updated int64
	)
	err := row.Scan(&session.ID, &session.Name, &session.Model, &session.MessageCount,
		&session.TokenCount, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	session.CreatedAt = time.Unix(0, created).UTC()
	session.UpdatedAt = time.Unix(0, updated).UTC()
	return &session, nil
}

func scanMessages(rows *sql.Rows) ([]models.SessionMessage, error) {
	var out []models.SessionMessage
	for rows.Next() {
		var (
			sm        models.SessionMessage
			role      string
			toolCalls sql.NullString
			created   int64
		)
		err := rows.Scan(&sm.ID, &sm.SessionID, &role, &sm.Message.Content, &toolCalls,
			&sm.Message.ToolCallID, &sm.Message.IsError, &created)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		sm.Message.Role = models.Role(role)
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &sm.Message.ToolCalls); err != nil {
				return nil, &SerializationError{Field: "tool_calls", Cause: err}
			}
		}
		sm.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return out, nil
}

func encodeToolCalls(calls []models.ToolCall) (any, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(calls)
	if err != nil {
		return nil, &SerializationError{Field: "tool_calls", Cause: err}
	}
	return string(data), nil
}
