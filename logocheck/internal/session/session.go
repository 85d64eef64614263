// Package session implements C9: bearer-token admin sessions with sliding
// expiry, and CSRF nonces bound to a session for state-changing calls.
// Process memory only — not persisted across restarts (spec §4.8).
package session

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/hazyhaar/logocheck/errs"
	"golang.org/x/crypto/bcrypt"
)

// Session is an authenticated admin context.
type Session struct {
	Token     string
	Username  string
	CSRF      string
	ExpiresAt time.Time
}

// Store owns every live session, guarded by a single short-critical-section
// lock (spec §5 Shared Resources table).
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session

	adminUsername  string
	adminPassHash  []byte
	ttl            time.Duration
	clock          func() time.Time
	newToken       func() string
	newCSRF        func() string
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Store) { s.clock = fn }
}

// New creates a Store. adminPassword is hashed with bcrypt at construction
// (the teacher's `auth` package hashes admin/user passwords with bcrypt;
// reused here for the single static admin credential from config).
func New(adminUsername, adminPassword string, ttl time.Duration, newToken, newCSRF func() string, opts ...Option) (*Store, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	s := &Store{
		sessions:      make(map[string]*Session),
		adminUsername: adminUsername,
		adminPassHash: hash,
		ttl:           ttl,
		clock:         func() time.Time { return time.Now().UTC() },
		newToken:      newToken,
		newCSRF:       newCSRF,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Login performs a constant-time-equivalent credential check (bcrypt
// comparison is itself constant-time over the hash) and returns a new
// session on success.
func (s *Store) Login(username, password string) (*Session, error) {
	// Constant-time username comparison prevents timing-based username
	// enumeration before the bcrypt check even runs.
	if subtle.ConstantTimeCompare([]byte(username), []byte(s.adminUsername)) != 1 {
		// Still run bcrypt against the real hash so failure timing doesn't
		// reveal whether the username was correct.
		_ = bcrypt.CompareHashAndPassword(s.adminPassHash, []byte(password))
		return nil, &errs.Unauthorized{}
	}
	if err := bcrypt.CompareHashAndPassword(s.adminPassHash, []byte(password)); err != nil {
		return nil, &errs.Unauthorized{}
	}

	now := s.clock()
	sess := &Session{
		Token:     s.newToken(),
		Username:  username,
		CSRF:      s.newCSRF(),
		ExpiresAt: now.Add(s.ttl),
	}
	s.mu.Lock()
	s.sessions[sess.Token] = sess
	s.mu.Unlock()
	return sess, nil
}

// Validate refreshes a session's sliding expiry and returns its username.
// Implements auth.Validator.
func (s *Store) Validate(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return "", false
	}
	now := s.clock()
	if now.After(sess.ExpiresAt) {
		delete(s.sessions, token)
		return "", false
	}
	sess.ExpiresAt = now.Add(s.ttl)
	return sess.Username, true
}

// CSRFFor returns the CSRF nonce bound to token, if the session is live.
func (s *Store) CSRFFor(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return "", false
	}
	return sess.CSRF, true
}

// CheckCSRF enforces that csrf matches the nonce bound to token (spec
// §4.8 CSRF enforcement).
func (s *Store) CheckCSRF(token, csrf string) error {
	want, ok := s.CSRFFor(token)
	if !ok {
		return &errs.Unauthorized{}
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(csrf)) != 1 {
		return &errs.Forbidden{Reason: "csrf token mismatch"}
	}
	return nil
}

// Logout revokes a session.
func (s *Store) Logout(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
}

// SweepExpired drops every session past its expiry (maintenance scheduler,
// spec §4.7).
func (s *Store) SweepExpired() int {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for token, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, token)
			n++
		}
	}
	return n
}

// Count returns the number of live sessions (diagnostics).
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
