package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/tunnelboard/internal/clock"
	"grimm.is/tunnelboard/internal/logging"
)

// Session is a logged-in client. Only the hash of its refresh token is kept.
type Session struct {
	ID          string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	refreshHash string
}

// Issued is returned when a session is created or its refresh token rotated.
type Issued struct {
	SessionID    string
	RefreshToken string
	ExpiresAt    time.Time
}

// SessionOptions configures a SessionRegistry.
type SessionOptions struct {
	MaxSessions int
	RefreshTTL  time.Duration
	Clock       clock.Clock
	Logger      *logging.Logger
}

// SessionRegistry tracks active sessions in memory, indexed by ID and by
// refresh-token hash. Expiry is absolute from creation.
type SessionRegistry struct {
	mu     sync.Mutex
	byID   map[string]*Session
	byHash map[string]*Session

	max    int
	ttl    time.Duration
	clock  clock.Clock
	logger *logging.Logger
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry(opts SessionOptions) *SessionRegistry {
	if opts.MaxSessions < 1 {
		opts.MaxSessions = 100
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 7 * 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &SessionRegistry{
		byID:   make(map[string]*Session),
		byHash: make(map[string]*Session),
		max:    opts.MaxSessions,
		ttl:    opts.RefreshTTL,
		clock:  clock.OrReal(opts.Clock),
		logger: opts.Logger.WithComponent("auth"),
	}
}

// CreateSession sweeps expired sessions, then registers a new one. At
// capacity it returns ErrSessionLimit without changing anything.
func (r *SessionRegistry) CreateSession() (Issued, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepLocked()
	if len(r.byID) >= r.max {
		return Issued{}, ErrSessionLimit
	}

	token, hash, err := newRefreshToken()
	if err != nil {
		return Issued{}, err
	}

	now := r.clock.Now()
	s := &Session{
		ID:          uuid.NewString(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(r.ttl),
		refreshHash: hash,
	}
	r.byID[s.ID] = s
	r.byHash[hash] = s

	return Issued{SessionID: s.ID, RefreshToken: token, ExpiresAt: s.ExpiresAt}, nil
}

// RefreshSession rotates the refresh token. The presented token stops
// working immediately; the session keeps its original expiry.
func (r *SessionRegistry) RefreshSession(token string) (Issued, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byHash[hashToken(token)]
	if !ok {
		return Issued{}, ErrInvalidToken
	}
	if r.expired(s) {
		r.removeLocked(s)
		return Issued{}, ErrInvalidToken
	}

	next, hash, err := newRefreshToken()
	if err != nil {
		return Issued{}, err
	}
	delete(r.byHash, s.refreshHash)
	s.refreshHash = hash
	r.byHash[hash] = s

	return Issued{SessionID: s.ID, RefreshToken: next, ExpiresAt: s.ExpiresAt}, nil
}

// InvalidateSession removes a session by ID.
func (r *SessionRegistry) InvalidateSession(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	if ok {
		r.removeLocked(s)
	}
	return ok
}

// InvalidateByRefreshToken removes the session owning token, if any.
func (r *SessionRegistry) InvalidateByRefreshToken(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byHash[hashToken(token)]
	if ok {
		r.removeLocked(s)
	}
	return ok
}

// InvalidateAllExcept removes every session other than keep and returns the
// number removed. An empty keep removes all sessions.
func (r *SessionRegistry) InvalidateAllExcept(keep string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, s := range r.byID {
		if id == keep {
			continue
		}
		r.removeLocked(s)
		n++
	}
	return n
}

// IsActive reports whether id names a live session, purging it if expired.
func (r *SessionRegistry) IsActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	if !ok {
		return false
	}
	if r.expired(s) {
		r.removeLocked(s)
		return false
	}
	return true
}

// Sweep removes expired sessions and returns how many were removed.
func (r *SessionRegistry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.sweepLocked()
	if n > 0 {
		r.logger.Debug("swept expired sessions", "count", n)
	}
	return n
}

// Count returns the number of tracked sessions, expired or not.
func (r *SessionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

func (r *SessionRegistry) sweepLocked() int {
	n := 0
	for _, s := range r.byID {
		if r.expired(s) {
			r.removeLocked(s)
			n++
		}
	}
	return n
}

func (r *SessionRegistry) expired(s *Session) bool {
	return !r.clock.Now().Before(s.ExpiresAt)
}

func (r *SessionRegistry) removeLocked(s *Session) {
	delete(r.byID, s.ID)
	delete(r.byHash, s.refreshHash)
}

func newRefreshToken() (token, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate refresh token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(b)
	return token, hashToken(token), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
