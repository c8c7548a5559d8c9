package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/haasonsaas/hermes/pkg/models"
)

// Export is a complete serialized session: metadata plus transcript.
type Export struct {
	Session  models.Session   `json:"session"`
	Messages []models.Message `json:"messages"`
}

// ExportSession serializes one session with its full transcript.
func (s *Store) ExportSession(ctx context.Context, id string) (*Export, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", id, err)
	}
	msgs, err := s.GetMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Export{Session: *sess, Messages: msgs}, nil
}

// ExportAll serializes every session, optionally filtered by source.
func (s *Store) ExportAll(ctx context.Context, source models.Platform) ([]Export, error) {
	var out []Export
	offset := 0
	const page = 200
	for {
		sessions, err := s.ListSessions(ctx, source, page, offset)
		if err != nil {
			return nil, err
		}
		if len(sessions) == 0 {
			return out, nil
		}
		for _, sess := range sessions {
			msgs, err := s.GetMessages(ctx, sess.ID)
			if err != nil {
				return nil, err
			}
			out = append(out, Export{Session: sess, Messages: msgs})
		}
		offset += page
	}
}

// appendJSONL mirrors one message into the session's JSONL transcript
// file. Mirror failures are logged, never fatal: the database is the
// source of truth.
func (s *Store) appendJSONL(msg *models.Message) {
	if s.jsonlDir == "" {
		return
	}
	line, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("jsonl marshal failed", "error", err)
		return
	}
	path := filepath.Join(s.jsonlDir, msg.SessionID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.Warn("jsonl open failed", "path", path, "error", err)
		return
	}
	defer f.Close()
	f.Write(append(line, '\n'))
}

// rewriteJSONL replaces the session's JSONL mirror after a transcript
// rewrite.
func (s *Store) rewriteJSONL(sessionID string, msgs []models.Message) {
	if s.jsonlDir == "" {
		return
	}
	path := filepath.Join(s.jsonlDir, sessionID+".jsonl")
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		s.logger.Warn("jsonl rewrite failed", "path", path, "error", err)
		return
	}
	for _, msg := range msgs {
		line, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		f.Write(append(line, '\n'))
	}
	f.Close()
	os.Rename(tmp, path)
}
