// Package session owns the ERI gateway session: one authenticated token per
// ERI identity, shared read-mostly by every filing, refreshed by exactly one
// login at a time.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"erigate/internal/eri"
)

// Session is the authenticated gateway session. It is owned by the manager
// and handed out by value; callers never mutate it.
type Session struct {
	EntityID  string
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Valid reports whether the token can still back a call, leaving margin so a
// request does not ride a token that expires mid-flight.
func (s Session) Valid(now time.Time, margin time.Duration) bool {
	return s.Token != "" && now.Add(margin).Before(s.ExpiresAt)
}

// LoginClient is the slice of the gateway client the manager needs.
type LoginClient interface {
	Login(ctx context.Context) (eri.LoginResult, error)
	Logout(ctx context.Context, token string) error
}

// Manager hands out a valid token, re-authenticating when the held one is
// stale. Concurrent callers hitting a stale token trigger a single login via
// singleflight; everyone shares the result.
type Manager struct {
	client   LoginClient
	entityID string
	margin   time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	current Session
	sf      singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(client LoginClient, entityID string, margin time.Duration, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		client:   client,
		entityID: entityID,
		margin:   margin,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Token returns a non-expired session token, logging in first if needed.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()
	if cur.Valid(m.now(), m.margin) {
		return cur.Token, nil
	}
	return m.refresh(ctx, cur.Token)
}

// Invalidate discards the held session if it still carries the given token.
// Called when the gateway rejects a call with an auth failure despite a
// locally-valid expiry, so the next Token() forces a fresh login.
func (m *Manager) Invalidate(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.Token == token {
		m.current = Session{}
	}
}

// refresh performs exactly one login regardless of how many callers arrive
// with the same stale token.
func (m *Manager) refresh(ctx context.Context, staleToken string) (string, error) {
	v, err, _ := m.sf.Do("login", func() (any, error) {
		// Re-check: another caller may have refreshed between our stale read
		// and entering the flight.
		m.mu.RLock()
		cur := m.current
		m.mu.RUnlock()
		if cur.Valid(m.now(), m.margin) && cur.Token != staleToken {
			return cur.Token, nil
		}

		res, err := m.client.Login(ctx)
		if err != nil {
			return "", err
		}
		now := m.now()
		sess := Session{
			EntityID:  m.entityID,
			Token:     res.Token,
			IssuedAt:  now,
			ExpiresAt: now.Add(time.Duration(res.ExpiresIn) * time.Second),
		}
		m.mu.Lock()
		m.current = sess
		m.mu.Unlock()

		m.logger.InfoContext(ctx, "eri session established",
			"entity_id", m.entityID,
			"expires_at", sess.ExpiresAt,
		)
		return sess.Token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Logout terminates the held session at the gateway. Best effort.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	token := m.current.Token
	m.current = Session{}
	m.mu.Unlock()
	if token == "" {
		return
	}
	if err := m.client.Logout(ctx, token); err != nil {
		m.logger.WarnContext(ctx, "eri logout failed", "error", err)
	}
}
