package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/suPer8Hu/marketplace-chat/internal/identity"
	"github.com/suPer8Hu/marketplace-chat/internal/kv"
)

type Session struct {
	AccountID uint64    `json:"account_id"`
	SessionID string    `json:"session_id"`
	UserType  string    `json:"user_type"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Active    bool      `json:"active"`
}

// SessionStore keeps ephemeral (account, session) records with a TTL.
type SessionStore struct {
	kv  kv.Store
	ttl time.Duration
	now func() time.Time
}

func NewSessionStore(store kv.Store, ttl time.Duration) *SessionStore {
	return &SessionStore{kv: store, ttl: ttl, now: time.Now}
}

func sessionKey(ident identity.Identity, sessionID string) string {
	return fmt.Sprintf("user_session:%s:%s", ident.Key(), sessionID)
}

// Get returns nil, nil when no live session exists.
func (s *SessionStore) Get(ctx context.Context, ident identity.Identity, sessionID string) (*Session, error) {
	raw, err := s.kv.Get(ctx, sessionKey(ident, sessionID))
	if err != nil {
		if errors.Is(err, kv.ErrNil) {
			return nil, nil
		}
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, nil
	}
	if !sess.Active || !s.now().Before(sess.ExpiresAt) {
		return nil, nil
	}
	return &sess, nil
}

func (s *SessionStore) Create(ctx context.Context, ident identity.Identity, sessionID string) (*Session, error) {
	now := s.now()
	sess := &Session{
		AccountID: ident.ID,
		SessionID: sessionID,
		UserType:  string(ident.Kind),
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
		Active:    true,
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}
	if err := s.kv.Set(ctx, sessionKey(ident, sessionID), string(raw), s.ttl); err != nil {
		return nil, err
	}
	return sess, nil
}

// Ensure validates the session and lazily recreates it when missing or expired.
// The bool reports whether a new record was written.
func (s *SessionStore) Ensure(ctx context.Context, ident identity.Identity, sessionID string) (*Session, bool, error) {
	sess, err := s.Get(ctx, ident, sessionID)
	if err != nil {
		return nil, false, err
	}
	if sess != nil {
		return sess, false, nil
	}
	sess, err = s.Create(ctx, ident, sessionID)
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

func (s *SessionStore) Remove(ctx context.Context, ident identity.Identity, sessionID string) error {
	return s.kv.Del(ctx, sessionKey(ident, sessionID))
}
