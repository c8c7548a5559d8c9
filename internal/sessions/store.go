// Package sessions persists agent conversations: session metadata,
// ordered transcripts, aggregate counters, and a full-text index over
// message content. The store is a single sqlite file in WAL mode —
// many readers, one writer.
package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/hermes/pkg/models"
)

// Store is the embedded relational session store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// jsonlDir, when set, mirrors transcripts as one JSONL file per
	// session alongside the database.
	jsonlDir string
}

// Options configures store construction.
type Options struct {
	// JSONLDir enables per-session transcript mirrors when non-empty.
	JSONLDir string
	Logger   *slog.Logger
}

// Open opens (creating if needed) the store at path and migrates it to
// the current schema version. Unknown future versions fail loudly.
func Open(path string, opts Options) (*Store, error) {
	db, err := sql.Open(driverName, dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One writer; WAL readers don't block it.
	db.SetMaxOpenConns(1)

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger.With("component", "session_store"), jsonlDir: opts.JSONLDir}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for sibling stores and tests.
func (s *Store) DB() *sql.DB { return s.db }

// schemaVersion is the newest migration this build understands.
const schemaVersion = 2

// migrations are applied in order; index i upgrades from version i to
// i+1. Versions are plain integers tracked in PRAGMA user_version.
var migrations = []string{
	// v0 -> v1: core tables.
	`
	CREATE TABLE IF NOT EXISTS sessions (
		id                TEXT PRIMARY KEY,
		source            TEXT NOT NULL,
		user_id           TEXT,
		model             TEXT NOT NULL DEFAULT '',
		provider          TEXT NOT NULL DEFAULT '',
		model_config      TEXT,
		system_prompt     TEXT NOT NULL DEFAULT '',
		parent_session_id TEXT REFERENCES sessions(id),
		origin            TEXT NOT NULL DEFAULT '{}',
		started_at        TIMESTAMP NOT NULL,
		ended_at          TIMESTAMP,
		end_reason        TEXT,
		message_count     INTEGER NOT NULL DEFAULT 0,
		tool_call_count   INTEGER NOT NULL DEFAULT 0,
		input_tokens      INTEGER NOT NULL DEFAULT 0,
		output_tokens     INTEGER NOT NULL DEFAULT 0,
		home_channel      INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent_session_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_source ON sessions(source);

	CREATE TABLE IF NOT EXISTS messages (
		id                    INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id            TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role                  TEXT NOT NULL,
		content               TEXT NOT NULL DEFAULT '',
		tool_call_id          TEXT,
		tool_calls            TEXT,
		tool_name             TEXT,
		reasoning_details     TEXT,
		codex_reasoning_items TEXT,
		timestamp             TIMESTAMP NOT NULL,
		token_count           INTEGER,
		finish_reason         TEXT,
		mirror                INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
	`,
	// v1 -> v2: full-text index kept in sync by triggers.
	`
	CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
		content,
		content='messages',
		content_rowid='id'
	);
	CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
		INSERT INTO messages_fts(rowid, content) VALUES (new.id, new.content);
	END;
	CREATE TRIGGER IF NOT EXISTS messages_ad AFTER DELETE ON messages BEGIN
		INSERT INTO messages_fts(messages_fts, rowid, content) VALUES ('delete', old.id, old.content);
	END;
	CREATE TRIGGER IF NOT EXISTS messages_au AFTER UPDATE OF content ON messages BEGIN
		INSERT INTO messages_fts(messages_fts, rowid, content) VALUES ('delete', old.id, old.content);
		INSERT INTO messages_fts(rowid, content) VALUES (new.id, new.content);
	END;
	`,
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than this build supports (%d)", version, schemaVersion)
	}
	for v := version; v < schemaVersion; v++ {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d -> %d: %w", v, v+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("bump schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.logger.Info("schema migrated", "from", v, "to", v+1)
	}
	return nil
}

// CreateSession inserts a new active session.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	origin, err := json.Marshal(sess.Origin)
	if err != nil {
		return fmt.Errorf("marshal origin: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, source, user_id, model, provider, model_config, system_prompt,
			parent_session_id, origin, started_at, home_channel)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Source, nullString(sess.UserID), sess.Model, sess.Provider,
		nullString(string(sess.ModelConfig)), sess.SystemPrompt,
		nullString(sess.ParentSessionID), string(origin), sess.StartedAt, boolInt(sess.HomeChannel),
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession loads one session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source, user_id, model, provider, model_config, system_prompt,
			parent_session_id, origin, started_at, ended_at, end_reason,
			message_count, tool_call_count, input_tokens, output_tokens, home_channel
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// EndSession marks the session ended and freezes its counters.
func (s *Store) EndSession(ctx context.Context, id string, reason models.EndReason) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET ended_at = ?, end_reason = ? WHERE id = ? AND ended_at IS NULL`,
		time.Now().UTC(), string(reason), id)
	if err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found or already ended", id)
	}
	return nil
}

// UpdateSessionModel changes the model for later turns of a session.
func (s *Store) UpdateSessionModel(ctx context.Context, id, model string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET model = ? WHERE id = ?`, model, id)
	return err
}

// UpdateSystemPrompt swaps the session's system-prompt snapshot
// (used by /personality).
func (s *Store) UpdateSystemPrompt(ctx context.Context, id, prompt string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET system_prompt = ? WHERE id = ?`, prompt, id)
	return err
}

// SetHomeChannel marks sess as the home channel for its platform,
// clearing the flag on any sibling session of the same source.
func (s *Store) SetHomeChannel(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET home_channel = 0
		WHERE source = (SELECT source FROM sessions WHERE id = ?)`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET home_channel = 1 WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendMessage stores one transcript row and bumps the session's
// counters atomically. Mirror messages update neither message_count
// nor tool_call_count.
func (s *Store) AppendMessage(ctx context.Context, msg *models.Message) (int64, error) {
	toolCalls, err := marshalNullable(msg.ToolCalls)
	if err != nil {
		return 0, fmt.Errorf("marshal tool_calls: %w", err)
	}
	codexItems, err := marshalNullable(msg.CodexReasoningItems)
	if err != nil {
		return 0, fmt.Errorf("marshal codex_reasoning_items: %w", err)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (session_id, role, content, tool_call_id, tool_calls, tool_name,
			reasoning_details, codex_reasoning_items, timestamp, token_count, finish_reason, mirror)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.SessionID, string(msg.Role), msg.Content, nullString(msg.ToolCallID),
		toolCalls, nullString(msg.ToolName), nullString(string(msg.ReasoningDetails)),
		codexItems, msg.Timestamp, nullInt(msg.TokenCount), nullString(string(msg.FinishReason)),
		boolInt(msg.Mirror),
	)
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if !msg.Mirror {
		toolCallDelta := len(msg.ToolCalls)
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET message_count = message_count + 1,
				tool_call_count = tool_call_count + ?
			WHERE id = ?`, toolCallDelta, msg.SessionID); err != nil {
			return 0, fmt.Errorf("bump counters: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	msg.ID = id
	s.appendJSONL(msg)
	return id, nil
}

// AddTokenUsage accumulates provider-reported token counts.
func (s *Store) AddTokenUsage(ctx context.Context, id string, input, output int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET input_tokens = input_tokens + ?, output_tokens = output_tokens + ?
		WHERE id = ?`, input, output, id)
	return err
}

// GetMessages returns the session's transcript ordered by
// (timestamp, insertion order). Corrupt rows are skipped with a
// warning rather than failing the whole read.
func (s *Store) GetMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, tool_call_id, tool_calls, tool_name,
			reasoning_details, codex_reasoning_items, timestamp, token_count, finish_reason, mirror
		FROM messages WHERE session_id = ? ORDER BY timestamp, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load messages for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			s.logger.Warn("skipping corrupt message row", "session_id", sessionID, "error", err)
			continue
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// RewriteTranscript atomically replaces the session's messages with
// msgs (used by /undo, /retry, and compression). The FTS delete and
// re-insert happen inside the same transaction via the triggers, so no
// orphan index rows can survive.
func (s *Store) RewriteTranscript(ctx context.Context, sessionID string, msgs []models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear transcript: %w", err)
	}

	var toolCallCount int
	for i := range msgs {
		msg := &msgs[i]
		toolCalls, err := marshalNullable(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool_calls: %w", err)
		}
		codexItems, err := marshalNullable(msg.CodexReasoningItems)
		if err != nil {
			return fmt.Errorf("marshal codex_reasoning_items: %w", err)
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (session_id, role, content, tool_call_id, tool_calls, tool_name,
				reasoning_details, codex_reasoning_items, timestamp, token_count, finish_reason, mirror)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, string(msg.Role), msg.Content, nullString(msg.ToolCallID),
			toolCalls, nullString(msg.ToolName), nullString(string(msg.ReasoningDetails)),
			codexItems, msg.Timestamp, nullInt(msg.TokenCount), nullString(string(msg.FinishReason)),
			boolInt(msg.Mirror),
		)
		if err != nil {
			return fmt.Errorf("re-append message %d: %w", i, err)
		}
		id, _ := res.LastInsertId()
		msg.ID = id
		if !msg.Mirror {
			toolCallCount += len(msg.ToolCalls)
		}
	}

	nonMirror := 0
	for _, m := range msgs {
		if !m.Mirror {
			nonMirror++
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET message_count = ?, tool_call_count = ? WHERE id = ?`,
		nonMirror, toolCallCount, sessionID); err != nil {
		return fmt.Errorf("reset counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.rewriteJSONL(sessionID, msgs)
	return nil
}

// ClearMessages empties the transcript but keeps the session row.
func (s *Store) ClearMessages(ctx context.Context, sessionID string) error {
	return s.RewriteTranscript(ctx, sessionID, nil)
}

// DeleteSession removes a session and, via cascade, its transcript.
func (s *Store) DeleteSession(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// PruneSessions deletes ended sessions older than the cutoff,
// optionally filtered by source. Active sessions are never touched.
func (s *Store) PruneSessions(ctx context.Context, olderThanDays int, source models.Platform) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	query := `DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?`
	args := []any{cutoff}
	if source != "" {
		query += ` AND source = ?`
		args = append(args, string(source))
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListSessions pages through sessions, optionally filtered by source,
// newest first.
func (s *Store) ListSessions(ctx context.Context, source models.Platform, limit, offset int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, source, user_id, model, provider, model_config, system_prompt,
			parent_session_id, origin, started_at, ended_at, end_reason,
			message_count, tool_call_count, input_tokens, output_tokens, home_channel
		FROM sessions`
	args := []any{}
	if source != "" {
		query += ` WHERE source = ?`
		args = append(args, string(source))
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			s.logger.Warn("skipping corrupt session row", "error", err)
			continue
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// FindActiveByConversationKey locates the live session for a
// conversation key, matching on origin platform/chat/thread.
func (s *Store) FindActiveByConversationKey(ctx context.Context, origin models.Origin) (*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, user_id, model, provider, model_config, system_prompt,
			parent_session_id, origin, started_at, ended_at, end_reason,
			message_count, tool_call_count, input_tokens, output_tokens, home_channel
		FROM sessions WHERE ended_at IS NULL AND source = ?
		ORDER BY started_at DESC`, string(origin.Platform))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	want := origin.ConversationKey()
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			continue
		}
		if sess.Origin.ConversationKey() == want {
			return sess, nil
		}
	}
	return nil, rows.Err()
}

// HomeChannelSession returns the session flagged as the platform's
// home channel, if any.
func (s *Store) HomeChannelSession(ctx context.Context, platform models.Platform) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source, user_id, model, provider, model_config, system_prompt,
			parent_session_id, origin, started_at, ended_at, end_reason,
			message_count, tool_call_count, input_tokens, output_tokens, home_channel
		FROM sessions WHERE source = ? AND home_channel = 1
		ORDER BY started_at DESC LIMIT 1`, string(platform))
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*models.Session, error) {
	var (
		sess                        models.Session
		userID, modelConfig, parent sql.NullString
		endReason                   sql.NullString
		originRaw                   string
		endedAt                     sql.NullTime
		homeChannel                 int
	)
	err := sc.Scan(&sess.ID, &sess.Source, &userID, &sess.Model, &sess.Provider, &modelConfig,
		&sess.SystemPrompt, &parent, &originRaw, &sess.StartedAt, &endedAt, &endReason,
		&sess.MessageCount, &sess.ToolCallCount, &sess.InputTokens, &sess.OutputTokens, &homeChannel)
	if err != nil {
		return nil, err
	}
	sess.UserID = userID.String
	sess.ParentSessionID = parent.String
	sess.EndReason = models.EndReason(endReason.String)
	if modelConfig.Valid {
		sess.ModelConfig = json.RawMessage(modelConfig.String)
	}
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	sess.HomeChannel = homeChannel != 0
	if err := json.Unmarshal([]byte(originRaw), &sess.Origin); err != nil {
		return nil, fmt.Errorf("corrupt origin for %s: %w", sess.ID, err)
	}
	return &sess, nil
}

func scanMessage(sc scanner) (models.Message, error) {
	var (
		msg                                  models.Message
		toolCallID, toolCalls, toolName      sql.NullString
		reasoningDetails, codexItems, finish sql.NullString
		tokenCount                           sql.NullInt64
		mirror                               int
	)
	err := sc.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &toolCallID, &toolCalls,
		&toolName, &reasoningDetails, &codexItems, &msg.Timestamp, &tokenCount, &finish, &mirror)
	if err != nil {
		return msg, err
	}
	msg.ToolCallID = toolCallID.String
	msg.ToolName = toolName.String
	msg.FinishReason = models.FinishReason(finish.String)
	msg.TokenCount = int(tokenCount.Int64)
	msg.Mirror = mirror != 0
	if reasoningDetails.Valid && reasoningDetails.String != "" {
		msg.ReasoningDetails = json.RawMessage(reasoningDetails.String)
	}
	if toolCalls.Valid && toolCalls.String != "" {
		if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
			return msg, fmt.Errorf("corrupt tool_calls: %w", err)
		}
	}
	if codexItems.Valid && codexItems.String != "" {
		if err := json.Unmarshal([]byte(codexItems.String), &msg.CodexReasoningItems); err != nil {
			return msg, fmt.Errorf("corrupt codex_reasoning_items: %w", err)
		}
	}
	return msg, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalNullable(v any) (any, error) {
	switch t := v.(type) {
	case []models.ToolCall:
		if len(t) == 0 {
			return nil, nil
		}
	case []models.ReasoningItem:
		if len(t) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
