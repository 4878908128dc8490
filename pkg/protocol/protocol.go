// Package protocol implements the quarantine/silence protocol (component G):
// per-user ACTIVE/INACTIVE status, diverting incoming messages into
// quarantine while active, one-time passes, and an audit trail of every
// status transition. A background sweeper expires quarantined messages that
// outlive their retention window.
package protocol

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/robehgc/hitl-pipeline/pkg/relstore"
)

// Status is a user's protocol activation state.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
)

// Action identifies an audited protocol transition.
type Action string

const (
	ActionActivated   Action = "ACTIVATED"
	ActionDeactivated Action = "DEACTIVATED"
	ActionOneTimePass Action = "ONE_TIME_PASS"
)

// UserStatus is the full protocol state for one user.
type UserStatus struct {
	UserID              string
	Status              Status
	ActivatedBy         string
	ActivatedAt         *time.Time
	Reason              string
	MessagesQuarantined int64
	CostSaved           float64
	OneTimePassPending  bool
	LastMessageAt       *time.Time
}

// QuarantinedMessage is a message diverted while protocol is ACTIVE.
type QuarantinedMessage struct {
	ID                string
	UserID            string
	Text              string
	ExternalMessageID string
	ReceivedAt        time.Time
	ExpiresAt         time.Time
	Processed         bool
}

// Manager coordinates protocol state, quarantine storage, and the audit log.
type Manager struct {
	rel            *relstore.Pool
	retention      time.Duration
	costPerMessage float64
	stopCh         chan struct{}
}

// Config configures the quarantine retention window (default 7 days,
// matching the original quarantine_messages.expires_at default) and the
// per-diverted-message spend estimate accumulated into cost_saved.
type Config struct {
	Retention      time.Duration
	CostPerMessage float64
}

// New builds a Manager.
func New(rel *relstore.Pool, cfg Config) *Manager {
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.CostPerMessage <= 0 {
		cfg.CostPerMessage = 0.000307
	}
	return &Manager{rel: rel, retention: cfg.Retention, costPerMessage: cfg.CostPerMessage, stopCh: make(chan struct{})}
}

// GetStatus loads a user's current protocol status, defaulting to INACTIVE
// if no row exists yet.
func (m *Manager) GetStatus(ctx context.Context, userID string) (UserStatus, error) {
	ctx, cancel := m.rel.WithTimeout(ctx)
	defer cancel()
	row := m.rel.Raw().QueryRow(ctx, `
		SELECT status, activated_by, activated_at, reason, messages_quarantined,
		       cost_saved, one_time_pass_pending, last_message_at
		FROM user_protocol_status WHERE user_id = $1`, userID)

	var s UserStatus
	s.UserID = userID
	var activatedBy, reason *string
	if err := row.Scan(&s.Status, &activatedBy, &s.ActivatedAt, &reason, &s.MessagesQuarantined,
		&s.CostSaved, &s.OneTimePassPending, &s.LastMessageAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// No row yet means the user has never been placed under protocol.
			return UserStatus{UserID: userID, Status: StatusInactive}, nil
		}
		return UserStatus{}, relstore.Classify(err)
	}
	if activatedBy != nil {
		s.ActivatedBy = *activatedBy
	}
	if reason != nil {
		s.Reason = *reason
	}
	return s, nil
}

// Activate turns protocol ACTIVE for userID, recording who activated it and
// why. Only staff roles may call this; authorization is enforced by the
// HTTP layer (pkg/httpapi), not here.
func (m *Manager) Activate(ctx context.Context, userID, activatedBy, reason string) error {
	return m.transition(ctx, userID, StatusActive, activatedBy, reason, ActionActivated)
}

// Deactivate turns protocol INACTIVE, releasing the user from quarantine.
func (m *Manager) Deactivate(ctx context.Context, userID, performedBy, reason string) error {
	return m.transition(ctx, userID, StatusInactive, performedBy, reason, ActionDeactivated)
}

// GrantOneTimePass allows the next message through without deactivating
// protocol, matching the original one-shot bypass semantics.
func (m *Manager) GrantOneTimePass(ctx context.Context, userID, performedBy, reason string) error {
	return m.rel.Tx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO user_protocol_status (user_id, status, one_time_pass_pending, updated_at)
			VALUES ($1, 'ACTIVE', true, now())
			ON CONFLICT (user_id) DO UPDATE SET one_time_pass_pending = true, updated_at = now()`,
			userID); err != nil {
			return relstore.Classify(err)
		}
		return m.audit(ctx, tx, userID, ActionOneTimePass, performedBy, reason, string(StatusActive), string(StatusActive))
	})
}

func (m *Manager) transition(ctx context.Context, userID string, newStatus Status, performedBy, reason string, action Action) error {
	return m.rel.Tx(ctx, func(tx pgx.Tx) error {
		var prevStatus string
		err := tx.QueryRow(ctx, `SELECT status FROM user_protocol_status WHERE user_id = $1 FOR UPDATE`, userID).Scan(&prevStatus)
		if err != nil {
			prevStatus = string(StatusInactive)
		}

		var activatedAtClause string
		if newStatus == StatusActive {
			activatedAtClause = "now()"
		} else {
			activatedAtClause = "NULL"
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO user_protocol_status (user_id, status, activated_by, activated_at, reason, updated_at)
			VALUES ($1, $2, $3, `+activatedAtClause+`, $4, now())
			ON CONFLICT (user_id) DO UPDATE SET
				status = EXCLUDED.status, activated_by = EXCLUDED.activated_by,
				activated_at = EXCLUDED.activated_at, reason = EXCLUDED.reason, updated_at = now()`,
			userID, string(newStatus), performedBy, reason)
		if err != nil {
			return relstore.Classify(err)
		}
		return m.audit(ctx, tx, userID, action, performedBy, reason, prevStatus, string(newStatus))
	})
}

func (m *Manager) audit(ctx context.Context, tx pgx.Tx, userID string, action Action, performedBy, reason, prevStatus, newStatus string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO protocol_audit_log (user_id, action, performed_by, reason, previous_status, new_status)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		userID, string(action), performedBy, reason, prevStatus, newStatus)
	return relstore.Classify(err)
}

// Divert quarantines an incoming message for userID, consuming a pending
// one-time pass if present (in which case the caller should instead let the
// message proceed normally; Divert returns diverted=false for that case).
func (m *Manager) Divert(ctx context.Context, userID, text, externalMessageID string) (msg QuarantinedMessage, diverted bool, err error) {
	status, err := m.GetStatus(ctx, userID)
	if err != nil {
		return QuarantinedMessage{}, false, err
	}
	if status.Status != StatusActive {
		return QuarantinedMessage{}, false, nil
	}
	if status.OneTimePassPending {
		ctx2, cancel := m.rel.WithTimeout(ctx)
		defer cancel()
		_, err := m.rel.Raw().Exec(ctx2, `UPDATE user_protocol_status SET one_time_pass_pending = false WHERE user_id = $1`, userID)
		if err != nil {
			return QuarantinedMessage{}, false, relstore.Classify(err)
		}
		return QuarantinedMessage{}, false, nil
	}

	now := time.Now()
	qm := QuarantinedMessage{
		ID: uuid.NewString(), UserID: userID, Text: text,
		ExternalMessageID: externalMessageID, ReceivedAt: now,
		ExpiresAt: now.Add(m.retention),
	}
	ctx2, cancel := m.rel.WithTimeout(ctx)
	defer cancel()
	_, err = m.rel.Raw().Exec(ctx2, `
		INSERT INTO quarantine_messages (id, user_id, text, external_message_id, received_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		qm.ID, qm.UserID, qm.Text, qm.ExternalMessageID, qm.ReceivedAt, qm.ExpiresAt)
	if err != nil {
		return QuarantinedMessage{}, false, relstore.Classify(err)
	}
	_, err = m.rel.Raw().Exec(ctx2, `
		UPDATE user_protocol_status
		SET messages_quarantined = messages_quarantined + 1, cost_saved = cost_saved + $3,
		    last_message_at = $2, updated_at = now()
		WHERE user_id = $1`, userID, now, m.costPerMessage)
	if err != nil {
		return QuarantinedMessage{}, false, relstore.Classify(err)
	}
	return qm, true, nil
}

// ListQuarantined returns a user's unprocessed quarantined messages, oldest
// first, for release once protocol deactivates.
func (m *Manager) ListQuarantined(ctx context.Context, userID string) ([]QuarantinedMessage, error) {
	ctx, cancel := m.rel.WithTimeout(ctx)
	defer cancel()
	rows, err := m.rel.Raw().Query(ctx, `
		SELECT id, user_id, text, external_message_id, received_at, expires_at, processed
		FROM quarantine_messages
		WHERE user_id = $1 AND processed = false
		ORDER BY received_at ASC`, userID)
	if err != nil {
		return nil, relstore.Classify(err)
	}
	defer rows.Close()
	var out []QuarantinedMessage
	for rows.Next() {
		var q QuarantinedMessage
		var extID *string
		if err := rows.Scan(&q.ID, &q.UserID, &q.Text, &extID, &q.ReceivedAt, &q.ExpiresAt, &q.Processed); err != nil {
			return nil, relstore.Classify(err)
		}
		if extID != nil {
			q.ExternalMessageID = *extID
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// GetMessage loads one quarantined message by id.
func (m *Manager) GetMessage(ctx context.Context, messageID string) (QuarantinedMessage, error) {
	ctx, cancel := m.rel.WithTimeout(ctx)
	defer cancel()
	var q QuarantinedMessage
	var extID *string
	err := m.rel.Raw().QueryRow(ctx, `
		SELECT id, user_id, text, external_message_id, received_at, expires_at, processed
		FROM quarantine_messages WHERE id = $1`, messageID).
		Scan(&q.ID, &q.UserID, &q.Text, &extID, &q.ReceivedAt, &q.ExpiresAt, &q.Processed)
	if err != nil {
		return QuarantinedMessage{}, relstore.Classify(err)
	}
	if extID != nil {
		q.ExternalMessageID = *extID
	}
	return q, nil
}

// MarkProcessed flags a quarantined message as released/handled.
func (m *Manager) MarkProcessed(ctx context.Context, messageID, processedBy string) error {
	ctx, cancel := m.rel.WithTimeout(ctx)
	defer cancel()
	_, err := m.rel.Raw().Exec(ctx, `
		UPDATE quarantine_messages SET processed = true, processed_at = now(), processed_by = $2
		WHERE id = $1`, messageID, processedBy)
	return relstore.Classify(err)
}

// ListMessages lists quarantined messages across all users (userID == "")
// or for one user, newest first, bounded by limit. Used by
// GET /quarantine/messages.
func (m *Manager) ListMessages(ctx context.Context, userID string, limit int) ([]QuarantinedMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := m.rel.WithTimeout(ctx)
	defer cancel()

	var rows pgx.Rows
	var err error
	if userID == "" {
		rows, err = m.rel.Raw().Query(ctx, `
			SELECT id, user_id, text, external_message_id, received_at, expires_at, processed
			FROM quarantine_messages ORDER BY received_at DESC LIMIT $1`, limit)
	} else {
		rows, err = m.rel.Raw().Query(ctx, `
			SELECT id, user_id, text, external_message_id, received_at, expires_at, processed
			FROM quarantine_messages WHERE user_id = $1 ORDER BY received_at DESC LIMIT $2`, userID, limit)
	}
	if err != nil {
		return nil, relstore.Classify(err)
	}
	defer rows.Close()
	var out []QuarantinedMessage
	for rows.Next() {
		var q QuarantinedMessage
		var extID *string
		if err := rows.Scan(&q.ID, &q.UserID, &q.Text, &extID, &q.ReceivedAt, &q.ExpiresAt, &q.Processed); err != nil {
			return nil, relstore.Classify(err)
		}
		if extID != nil {
			q.ExternalMessageID = *extID
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// DeleteMessage permanently removes a quarantined message, used by
// DELETE /quarantine/{id}.
func (m *Manager) DeleteMessage(ctx context.Context, messageID string) error {
	ctx, cancel := m.rel.WithTimeout(ctx)
	defer cancel()
	_, err := m.rel.Raw().Exec(ctx, `DELETE FROM quarantine_messages WHERE id = $1`, messageID)
	return relstore.Classify(err)
}

// Stats aggregates quarantine totals for GET /quarantine/stats, matching the
// original monitor's "total_messages_quarantined" / "cost_saved" counters
// plus the 24-hour deltas the statistics endpoints derive projections from.
type Stats struct {
	TotalMessagesQuarantined int64
	PendingMessages          int64
	TotalCostSaved           float64
	UsersUnderProtocol       int64
	Quarantined24h           int64
	CostSaved24h             float64
}

// Stats computes current quarantine totals across all users. The 24-hour
// delta counts quarantine rows received in the trailing day (processed or
// not) and prices them at the configured per-message estimate.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	ctx, cancel := m.rel.WithTimeout(ctx)
	defer cancel()
	var s Stats
	err := m.rel.Raw().QueryRow(ctx, `
		SELECT
			COALESCE(SUM(messages_quarantined), 0),
			COALESCE(SUM(cost_saved), 0),
			COUNT(*) FILTER (WHERE status = 'ACTIVE')
		FROM user_protocol_status`).Scan(&s.TotalMessagesQuarantined, &s.TotalCostSaved, &s.UsersUnderProtocol)
	if err != nil {
		return Stats{}, relstore.Classify(err)
	}
	err = m.rel.Raw().QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed = false),
			COUNT(*) FILTER (WHERE received_at > now() - interval '24 hours')
		FROM quarantine_messages`).Scan(&s.PendingMessages, &s.Quarantined24h)
	if err != nil {
		return Stats{}, relstore.Classify(err)
	}
	s.CostSaved24h = float64(s.Quarantined24h) * m.costPerMessage
	return s, nil
}

// AuditEntry is one row of the protocol_audit_log, returned by AuditLog.
type AuditEntry struct {
	UserID         string
	Action         string
	PerformedBy    string
	Reason         string
	PreviousStatus string
	NewStatus      string
	CreatedAt      time.Time
}

// AuditLog lists the most recent protocol transitions, used by
// GET /quarantine/audit-log.
func (m *Manager) AuditLog(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := m.rel.WithTimeout(ctx)
	defer cancel()
	rows, err := m.rel.Raw().Query(ctx, `
		SELECT user_id, action, performed_by, reason, previous_status, new_status, created_at
		FROM protocol_audit_log ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, relstore.Classify(err)
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var performedBy, reason *string
		if err := rows.Scan(&e.UserID, &e.Action, &performedBy, &reason, &e.PreviousStatus, &e.NewStatus, &e.CreatedAt); err != nil {
			return nil, relstore.Classify(err)
		}
		if performedBy != nil {
			e.PerformedBy = *performedBy
		}
		if reason != nil {
			e.Reason = *reason
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup runs the expiry sweep once on demand, used by POST
// /quarantine/cleanup as an operator-triggered variant of RunExpirySweep.
func (m *Manager) Cleanup(ctx context.Context) (int64, error) {
	return m.expireOverdue(ctx)
}

// RunExpirySweep periodically deletes expired, unprocessed quarantine
// messages, mirroring the teacher's orphan-detection sweep loop.
func (m *Manager) RunExpirySweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			n, err := m.expireOverdue(ctx)
			if err != nil {
				slog.Error("quarantine expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("quarantine expiry sweep", "expired", n)
			}
		}
	}
}

func (m *Manager) expireOverdue(ctx context.Context) (int64, error) {
	ctx, cancel := m.rel.WithTimeout(ctx)
	defer cancel()
	tag, err := m.rel.Raw().Exec(ctx, `
		DELETE FROM quarantine_messages WHERE processed = false AND expires_at < now()`)
	if err != nil {
		return 0, relstore.Classify(err)
	}
	return tag.RowsAffected(), nil
}

// Stop halts RunExpirySweep.
func (m *Manager) Stop() { close(m.stopCh) }
