package session

import (
	"errors"
	"sync"
	"time"

	"github.com/adamscao/pkiserver/internal/auth"
)

// Authentication methods recorded on a session
const (
	MethodPassword    = "password"
	MethodCertificate = "certificate"
)

// Sentinel errors for session state
var (
	// ErrNotFound is returned for unknown or expired session IDs.
	ErrNotFound = errors.New("session not found")

	// ErrNoPendingSecret is returned when MFA setup is submitted
	// without a staged secret, or after the staged secret expired.
	// Callers surface this as "restart setup".
	ErrNoPendingSecret = errors.New("no pending MFA secret")

	// ErrPendingSecretExists enforces the write-once property of the
	// staged secret.
	ErrPendingSecretExists = errors.New("pending MFA secret already staged")
)

// Session is the ephemeral per-login state driven by the mTLS pipeline
// and the MFA state machine.
type Session struct {
	ID               string
	Principal        Principal
	AuthMethod       string
	MFASetupRequired bool
	MFAVerified      bool
	MFAVerifiedBy    string
	MFAVerifiedAt    time.Time

	pendingSecret        string
	pendingSecretExpires time.Time

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store is an in-memory session store with TTL expiry.
// A background sweeper removes expired sessions; Stop shuts it down.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	ttl        time.Duration
	pendingTTL time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewStore creates a session store. ttl bounds session lifetime;
// pendingTTL bounds how long a staged MFA secret stays submittable.
func NewStore(ttl, pendingTTL time.Duration) *Store {
	s := &Store{
		sessions:   make(map[string]*Session),
		ttl:        ttl,
		pendingTTL: pendingTTL,
		stop:       make(chan struct{}),
	}

	s.wg.Add(1)
	go s.sweepLoop()

	return s
}

// Stop shuts down the expiry sweeper.
func (s *Store) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// Create establishes a new session for a principal.
func (s *Store) Create(principal Principal, method string) (*Session, error) {
	id, err := auth.GenerateToken()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &Session{
		ID:         id,
		Principal:  principal,
		AuthMethod: method,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	snapshot := *sess
	return &snapshot, nil
}

// Get retrieves a live session by ID. The returned value is a snapshot;
// mutations go through the store methods so concurrent requests on one
// session never share written fields.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok || time.Now().After(sess.ExpiresAt) {
		return nil, ErrNotFound
	}
	snapshot := *sess
	return &snapshot, nil
}

// Delete destroys a session (logout).
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// SetSetupRequired flags that the session's principal has no second
// factor configured yet.
func (s *Store) SetSetupRequired(id string, required bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.MFASetupRequired = required
	return nil
}

// StagePendingSecret stages a generated MFA secret in the session.
// The secret is write-once: a second stage without verification or
// expiry in between is rejected.
func (s *Store) StagePendingSecret(id, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}

	now := time.Now()
	if sess.pendingSecret != "" && now.Before(sess.pendingSecretExpires) {
		return ErrPendingSecretExists
	}

	sess.pendingSecret = secret
	sess.pendingSecretExpires = now.Add(s.pendingTTL)
	return nil
}

// PendingSecret returns the staged MFA secret if it has not expired.
func (s *Store) PendingSecret(id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return "", ErrNotFound
	}
	if sess.pendingSecret == "" || time.Now().After(sess.pendingSecretExpires) {
		return "", ErrNoPendingSecret
	}
	return sess.pendingSecret, nil
}

// MarkMFAVerified records a successful second-factor check, clears any
// staged secret, and binds the verification to this session.
func (s *Store) MarkMFAVerified(id, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}

	sess.MFAVerified = true
	sess.MFAVerifiedBy = username
	sess.MFAVerifiedAt = time.Now()
	sess.MFASetupRequired = false
	sess.pendingSecret = ""
	sess.pendingSecretExpires = time.Time{}
	return nil
}

// Len reports the number of live sessions. Used by tests.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// sweepLoop periodically removes expired sessions.
func (s *Store) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for id, sess := range s.sessions {
				if now.After(sess.ExpiresAt) {
					delete(s.sessions, id)
				}
			}
			s.mu.Unlock()
		}
	}
}
