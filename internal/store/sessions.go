package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SessionRecord is one skill session in a conversation's history.
type SessionRecord struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SkillID        string     `json:"skill_id"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	EndReason      string     `json:"end_reason,omitempty"`
}

// RecordBegin opens a session row for the skill.
func (s *Store) RecordBegin(ctx context.Context, conversationID, skillID string, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO skill_sessions (id, conversation_id, skill_id, started_at)
		VALUES ($1, $2, $3, $4)`,
		uuid.NewString(), conversationID, skillID, at,
	)
	if err != nil {
		return fmt.Errorf("record session begin: %w", err)
	}
	return nil
}

// RecordEnd closes the most recent open session of the skill. Ending a
// session that was never recorded as begun is not an error.
func (s *Store) RecordEnd(ctx context.Context, conversationID, skillID, reason string, at time.Time) error {
	var id string
	err := s.db.QueryRow(ctx, `
		UPDATE skill_sessions SET ended_at = $4, end_reason = $3
		WHERE id = (
			SELECT id FROM skill_sessions
			WHERE conversation_id = $1 AND skill_id = $2 AND ended_at IS NULL
			ORDER BY started_at DESC
			LIMIT 1
		)
		RETURNING id`,
		conversationID, skillID, reason, at,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		s.logger.Debug("no open session to end")
		return nil
	}
	if err != nil {
		return fmt.Errorf("record session end: %w", err)
	}
	return nil
}

// ListSessions returns the skill sessions of a conversation, oldest first.
func (s *Store) ListSessions(ctx context.Context, conversationID string, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, conversation_id, skill_id, started_at, ended_at, COALESCE(end_reason, '')
		FROM skill_sessions
		WHERE conversation_id = $1
		ORDER BY started_at ASC
		LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.SkillID, &r.StartedAt, &r.EndedAt, &r.EndReason); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}
