// Package auth keeps the signed-in user for the agent.
package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"example.com/scrollmeter/internal/kvstore"
)

const sessionKey = "auth/session"

// Session is the active sign-in.
type Session struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

// Sessions persists the active session in the durable store and caches it
// in memory.
type Sessions struct {
	store kvstore.Store

	mu      sync.Mutex
	loaded  bool
	current *Session
}

func NewSessions(store kvstore.Store) *Sessions {
	return &Sessions{store: store}
}

// Current returns the active session, if any.
func (s *Sessions) Current(ctx context.Context) (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		var sess Session
		ok, err := s.store.Get(ctx, sessionKey, &sess)
		if err != nil {
			return Session{}, false, fmt.Errorf("load session: %w", err)
		}
		if ok && sess.UserID != "" {
			s.current = &sess
		}
		s.loaded = true
	}
	if s.current == nil {
		return Session{}, false, nil
	}
	return *s.current, true, nil
}

// Set replaces the active session.
func (s *Sessions) Set(ctx context.Context, sess Session) error {
	if strings.TrimSpace(sess.UserID) == "" || sess.Token == "" {
		return fmt.Errorf("session needs a user id and token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Set(ctx, sessionKey, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	s.current = &sess
	s.loaded = true
	return nil
}

// Clear signs out.
func (s *Sessions) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Remove(ctx, sessionKey); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	s.current = nil
	s.loaded = true
	return nil
}

// UserID returns the active user or "".
func (s *Sessions) UserID(ctx context.Context) (string, error) {
	sess, ok, err := s.Current(ctx)
	if err != nil || !ok {
		return "", err
	}
	return sess.UserID, nil
}

// Token is a token source for the remote client.
func (s *Sessions) Token(ctx context.Context) (string, error) {
	sess, ok, err := s.Current(ctx)
	if err != nil || !ok {
		return "", err
	}
	return sess.Token, nil
}
