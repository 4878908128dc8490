// Package audit records structured audit events for authentication and
// authorization activity (auth_audit_log), complementing the
// protocol-specific audit trail owned by pkg/protocol.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/robehgc/hitl-pipeline/pkg/relstore"
)

// Entry is a single audit record.
type Entry struct {
	UserID    string
	Event     string
	Detail    string
	CreatedAt time.Time
}

// Log persists audit entries to the warm relational store and mirrors them
// to structured logs for out-of-band log shipping.
type Log struct {
	rel *relstore.Pool
}

// New builds a Log.
func New(rel *relstore.Pool) *Log {
	return &Log{rel: rel}
}

// Record writes an audit entry. Failures to persist are logged but not
// returned: audit logging must never block the request path it instruments.
func (l *Log) Record(ctx context.Context, e Entry) {
	slog.Info("audit event", "user_id", e.UserID, "event", e.Event, "detail", e.Detail)

	ctx, cancel := l.rel.WithTimeout(ctx)
	defer cancel()
	_, err := l.rel.Raw().Exec(ctx, `
		INSERT INTO auth_audit_log (user_id, event, detail) VALUES ($1, $2, $3)`,
		nullable(e.UserID), e.Event, nullable(e.Detail))
	if err != nil {
		slog.Error("audit: failed to persist entry", "event", e.Event, "error", relstore.Classify(err))
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Recent lists the most recent audit entries for a user, newest first.
func (l *Log) Recent(ctx context.Context, userID string, limit int) ([]Entry, error) {
	ctx, cancel := l.rel.WithTimeout(ctx)
	defer cancel()
	rows, err := l.rel.Raw().Query(ctx, `
		SELECT user_id, event, detail, created_at FROM auth_audit_log
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, relstore.Classify(err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var uid, detail *string
		if err := rows.Scan(&uid, &e.Event, &detail, &e.CreatedAt); err != nil {
			return nil, relstore.Classify(err)
		}
		if uid != nil {
			e.UserID = *uid
		}
		if detail != nil {
			e.Detail = *detail
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
