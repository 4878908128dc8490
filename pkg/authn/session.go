package authn

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/robehgc/hitl-pipeline/pkg/audit"
	"github.com/robehgc/hitl-pipeline/pkg/relstore"
)

// Session is a single refresh-token-backed login session, listed at
// GET /auth/sessions.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// SessionManager persists sessions in the warm relational store and
// enforces MAX_SESSIONS_PER_USER by evicting the oldest session on
// overflow (original_source auth/session_manager.py), a feature spec.md's
// distillation omitted.
type SessionManager struct {
	rel    *relstore.Pool
	issuer *Issuer
	audit  *audit.Log
	maxPer int
}

// NewSessionManager wires a session store over rel, with audit for
// auth_audit_log entries. Refresh tokens are stored as SHA-256 hashes
// (hashToken); issuer is held on the manager but not used for hashing.
func NewSessionManager(rel *relstore.Pool, issuer *Issuer, auditLog *audit.Log, maxSessionsPerUser int) *SessionManager {
	if maxSessionsPerUser <= 0 {
		maxSessionsPerUser = 5
	}
	return &SessionManager{rel: rel, issuer: issuer, audit: auditLog, maxPer: maxSessionsPerUser}
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Create records a new session for refreshToken, evicting the oldest
// session for userID first if the cap would be exceeded.
func (m *SessionManager) Create(ctx context.Context, userID, refreshToken string, ttl time.Duration) (Session, error) {
	if err := m.evictOldestIfAtCapacity(ctx, userID); err != nil {
		return Session{}, err
	}

	s := Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(ttl),
	}
	ctx, cancel := m.rel.WithTimeout(ctx)
	defer cancel()
	_, err := m.rel.Raw().Exec(ctx, `
		INSERT INTO user_sessions (id, user_id, refresh_token_hash, expires_at)
		VALUES ($1,$2,$3,$4)`, s.ID, s.UserID, hashToken(refreshToken), s.ExpiresAt)
	if err != nil {
		return Session{}, relstore.Classify(err)
	}
	m.audit.Record(ctx, audit.Entry{UserID: userID, Event: "session_created", Detail: s.ID})
	return s, nil
}

func (m *SessionManager) evictOldestIfAtCapacity(ctx context.Context, userID string) error {
	ctx2, cancel := m.rel.WithTimeout(ctx)
	defer cancel()
	var count int
	err := m.rel.Raw().QueryRow(ctx2, `
		SELECT count(*) FROM user_sessions WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > now()`,
		userID).Scan(&count)
	if err != nil {
		return relstore.Classify(err)
	}
	if count < m.maxPer {
		return nil
	}
	_, err = m.rel.Raw().Exec(ctx2, `
		UPDATE user_sessions SET revoked_at = now()
		WHERE id = (
			SELECT id FROM user_sessions
			WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > now()
			ORDER BY created_at ASC LIMIT 1
		)`, userID)
	if err != nil {
		return relstore.Classify(err)
	}
	m.audit.Record(ctx, audit.Entry{UserID: userID, Event: "session_evicted_over_cap"})
	return nil
}

// List returns all of a user's sessions, newest first, including revoked
// and expired ones (Revoked reports the former).
func (m *SessionManager) List(ctx context.Context, userID string) ([]Session, error) {
	ctx, cancel := m.rel.WithTimeout(ctx)
	defer cancel()
	rows, err := m.rel.Raw().Query(ctx, `
		SELECT id, user_id, created_at, expires_at, revoked_at IS NOT NULL
		FROM user_sessions WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, relstore.Classify(err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.UserID, &s.CreatedAt, &s.ExpiresAt, &s.Revoked); err != nil {
			return nil, relstore.Classify(err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Revoke marks a specific session revoked, used by DELETE /auth/sessions/{id}.
func (m *SessionManager) Revoke(ctx context.Context, userID, sessionID string) error {
	ctx, cancel := m.rel.WithTimeout(ctx)
	defer cancel()
	_, err := m.rel.Raw().Exec(ctx, `
		UPDATE user_sessions SET revoked_at = now() WHERE id = $1 AND user_id = $2`, sessionID, userID)
	if err != nil {
		return relstore.Classify(err)
	}
	m.audit.Record(ctx, audit.Entry{UserID: userID, Event: "session_revoked", Detail: sessionID})
	return nil
}
