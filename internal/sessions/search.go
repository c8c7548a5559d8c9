package sessions

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/haasonsaas/hermes/pkg/models"
)

// SearchMatch is one full-text hit: the matched message with
// >>>…<<< markers around the matched terms, plus one message of
// context before and after.
type SearchMatch struct {
	SessionID string          `json:"session_id"`
	MessageID int64           `json:"message_id"`
	Role      models.Role     `json:"role"`
	Snippet   string          `json:"snippet"`
	Before    *models.Message `json:"before,omitempty"`
	After     *models.Message `json:"after,omitempty"`
	Source    models.Platform `json:"source"`
	Mirror    bool            `json:"mirror"`
}

// SearchMessages runs a full-text query over message content. Mirrored
// messages are real FTS rows and do appear in results, tagged with
// Mirror so callers can filter to authoritative transcripts.
func (s *Store) SearchMessages(ctx context.Context, query string, source models.Platform, role models.Role, limit, offset int) ([]SearchMatch, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("empty search query")
	}
	if limit <= 0 {
		limit = 10
	}

	sqlQuery := `
		SELECT m.id, m.session_id, m.role, m.mirror, s.source,
			snippet(messages_fts, 0, '>>>', '<<<', '…', 24)
		FROM messages_fts
		JOIN messages m ON m.id = messages_fts.rowid
		JOIN sessions s ON s.id = m.session_id
		WHERE messages_fts MATCH ?`
	args := []any{ftsQuote(query)}
	if source != "" {
		sqlQuery += ` AND s.source = ?`
		args = append(args, string(source))
	}
	if role != "" {
		sqlQuery += ` AND m.role = ?`
		args = append(args, string(role))
	}
	sqlQuery += ` ORDER BY m.id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var out []SearchMatch
	for rows.Next() {
		var (
			match  SearchMatch
			mirror int
		)
		if err := rows.Scan(&match.MessageID, &match.SessionID, &match.Role, &mirror, &match.Source, &match.Snippet); err != nil {
			s.logger.Warn("skipping corrupt search row", "error", err)
			continue
		}
		match.Mirror = mirror != 0
		out = append(out, match)
	}
	if err := rows.Err(); err != nil {
		return out, err
	}
	// The store runs on a single pooled connection, so the neighbor
	// lookups wait until the result rows have released it.
	rows.Close()
	for i := range out {
		out[i].Before = s.neighborMessage(ctx, out[i].SessionID, out[i].MessageID, true)
		out[i].After = s.neighborMessage(ctx, out[i].SessionID, out[i].MessageID, false)
	}
	return out, nil
}

// ftsQuote wraps each term so user punctuation can't break the FTS5
// query grammar.
func ftsQuote(query string) string {
	terms := strings.Fields(query)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, ``) + `"`
	}
	return strings.Join(terms, " ")
}

func (s *Store) neighborMessage(ctx context.Context, sessionID string, messageID int64, before bool) *models.Message {
	op, order := ">", "ASC"
	if before {
		op, order = "<", "DESC"
	}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, session_id, role, content, tool_call_id, tool_calls, tool_name,
			reasoning_details, codex_reasoning_items, timestamp, token_count, finish_reason, mirror
		FROM messages WHERE session_id = ? AND id %s ? ORDER BY id %s LIMIT 1`, op, order),
		sessionID, messageID)
	msg, err := scanMessage(row)
	if err != nil {
		if err != sql.ErrNoRows {
			s.logger.Warn("neighbor lookup failed", "error", err)
		}
		return nil
	}
	return &msg
}
