package auth

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTokenTTL matches the original deployment's 30-day access tokens.
const DefaultTokenTTL = 30 * 24 * time.Hour

type session struct {
	userID  int64
	expires time.Time
}

// TokenStore issues and validates opaque bearer tokens binding a user id.
// Tokens are process-local; a restart invalidates outstanding sessions.
type TokenStore struct {
	mu       sync.RWMutex
	sessions map[string]session
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenStore creates a token store with the given TTL (DefaultTokenTTL
// when zero).
func NewTokenStore(ttl time.Duration) *TokenStore {
	if ttl == 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenStore{
		sessions: make(map[string]session),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Issue creates a new token for the user.
func (ts *TokenStore) Issue(userID int64) string {
	token := uuid.New().String()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.sessions[token] = session{userID: userID, expires: ts.now().Add(ts.ttl)}
	return token
}

// Lookup resolves a token to its user id; ok is false for unknown or
// expired tokens. Expired sessions are pruned on access.
func (ts *TokenStore) Lookup(token string) (int64, bool) {
	ts.mu.RLock()
	sess, ok := ts.sessions[token]
	ts.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if ts.now().After(sess.expires) {
		ts.mu.Lock()
		delete(ts.sessions, token)
		ts.mu.Unlock()
		return 0, false
	}
	return sess.userID, true
}

// Revoke invalidates every token held by the user (used by signout).
func (ts *TokenStore) Revoke(userID int64) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for token, sess := range ts.sessions {
		if sess.userID == userID {
			delete(ts.sessions, token)
		}
	}
}
