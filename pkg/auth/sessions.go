package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// Session binds a principal to an opaque handle for the lifetime of a
// connection.  BoundConnection is set once the handle is presented over a
// socket; a second socket cannot steal it.
type Session struct {
	ID              string    `json:"id"`
	Principal       Principal `json:"principal"`
	CreatedAt       time.Time `json:"createdAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
	LastAccess      time.Time `json:"lastAccess"`
	BoundConnection string    `json:"boundConnection,omitempty"`
}

// RegistryConfig tunes a SessionRegistry.
type RegistryConfig struct {
	// TTL is the session lifetime from creation (SESSION_TIMEOUT)
	TTL time.Duration
	// IdleTimeout expires sessions that go unused, independent of TTL
	IdleTimeout time.Duration
	// CleanupInterval controls the background sweep
	CleanupInterval time.Duration
}

func (cfg RegistryConfig) withDefaults() RegistryConfig {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	return cfg
}

/*
SessionRegistry stores process-local sessions behind unguessable handles.
Expiry is enforced twice over: each access checks the deadline and purges on
the spot, and a background sweeper clears out whatever nobody asked for
again.  The sweeper runs until Stop and never keeps the process alive.
*/
type SessionRegistry struct {
	mu       sync.RWMutex
	cfg      RegistryConfig
	sessions map[string]*Session
	done     chan struct{}
	once     sync.Once

	// now is swapped out by tests
	now func() time.Time
}

func NewSessionRegistry(cfg RegistryConfig) *SessionRegistry {
	reg := &SessionRegistry{
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
		now:      time.Now,
	}

	go reg.sweepLoop()

	return reg
}

// CreateSession mints a session for the principal.  The handle carries 256
// bits of entropy; guessing one is not a practical attack.
func (reg *SessionRegistry) CreateSession(principal Principal) *Session {
	now := reg.now()
	session := &Session{
		ID:         newSessionID(),
		Principal:  principal,
		CreatedAt:  now,
		ExpiresAt:  now.Add(reg.cfg.TTL),
		LastAccess: now,
	}

	reg.mu.Lock()
	reg.sessions[session.ID] = session
	reg.mu.Unlock()

	return copySession(session)
}

/*
Validate resolves a handle to its session, or nil when the handle is
unknown or expired.  An expired session is purged on the spot; a live one
has its idle clock reset.  Callers cannot tell "never existed" apart from
"expired", which is the point.
*/
func (reg *SessionRegistry) Validate(id string) *Session {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	session := reg.liveSession(id)
	if session == nil {
		return nil
	}

	session.LastAccess = reg.now()
	return copySession(session)
}

// Extend slides the expiry forward by d, atomically with validation.
func (reg *SessionRegistry) Extend(id string, d time.Duration) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	session := reg.liveSession(id)
	if session == nil {
		return false
	}

	session.LastAccess = reg.now()
	session.ExpiresAt = session.ExpiresAt.Add(d)
	return true
}

// Consume is validate-then-delete, for single-use handles.
func (reg *SessionRegistry) Consume(id string) *Session {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	session := reg.liveSession(id)
	if session == nil {
		return nil
	}

	delete(reg.sessions, id)
	return copySession(session)
}

/*
Bind attaches the session to a connection.  The first connection to present
the handle wins; presenting it again on the same connection is fine, on any
other connection it fails.
*/
func (reg *SessionRegistry) Bind(id, connectionID string) *Session {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	session := reg.liveSession(id)
	if session == nil {
		return nil
	}

	if session.BoundConnection != "" && session.BoundConnection != connectionID {
		return nil
	}

	session.BoundConnection = connectionID
	session.LastAccess = reg.now()
	return copySession(session)
}

// Delete removes a session unconditionally.
func (reg *SessionRegistry) Delete(id string) {
	reg.mu.Lock()
	delete(reg.sessions, id)
	reg.mu.Unlock()
}

// ReleaseConnection clears the binding of every session attached to the
// connection, so a client that reconnects within the session's lifetime can
// present the same handle on its next socket.
func (reg *SessionRegistry) ReleaseConnection(connectionID string) {
	if connectionID == "" {
		return
	}

	reg.mu.Lock()
	for _, session := range reg.sessions {
		if session.BoundConnection == connectionID {
			session.BoundConnection = ""
		}
	}
	reg.mu.Unlock()
}

// ListForPrincipal returns the live sessions belonging to a user.
func (reg *SessionRegistry) ListForPrincipal(userID string) []Session {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var out []Session
	now := reg.now()
	for _, session := range reg.sessions {
		if session.Principal.UserID != userID || reg.expired(session, now) {
			continue
		}
		out = append(out, *copySession(session))
	}

	return out
}

// Count reports how many sessions are stored, expired stragglers included.
func (reg *SessionRegistry) Count() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.sessions)
}

// ClearAll drops every session.
func (reg *SessionRegistry) ClearAll() {
	reg.mu.Lock()
	reg.sessions = make(map[string]*Session)
	reg.mu.Unlock()
}

// Stop ends the background sweeper.  Idempotent.
func (reg *SessionRegistry) Stop() {
	reg.once.Do(func() { close(reg.done) })
}

// liveSession fetches a session, purging it if expired.  Callers hold the
// write lock.
func (reg *SessionRegistry) liveSession(id string) *Session {
	session, exists := reg.sessions[id]
	if !exists {
		return nil
	}

	if reg.expired(session, reg.now()) {
		delete(reg.sessions, id)
		return nil
	}

	return session
}

func (reg *SessionRegistry) expired(session *Session, now time.Time) bool {
	if now.After(session.ExpiresAt) {
		return true
	}
	return now.Sub(session.LastAccess) > reg.cfg.IdleTimeout
}

func (reg *SessionRegistry) sweepLoop() {
	ticker := time.NewTicker(reg.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			reg.sweep()
		case <-reg.done:
			return
		}
	}
}

// sweep collects expired IDs under a read lock first so the write lock is
// held only for the deletes.
func (reg *SessionRegistry) sweep() {
	now := reg.now()

	reg.mu.RLock()
	var stale []string
	for id, session := range reg.sessions {
		if reg.expired(session, now) {
			stale = append(stale, id)
		}
	}
	reg.mu.RUnlock()

	if len(stale) == 0 {
		return
	}

	reg.mu.Lock()
	for _, id := range stale {
		if session, exists := reg.sessions[id]; exists && reg.expired(session, now) {
			delete(reg.sessions, id)
		}
	}
	reg.mu.Unlock()
}

func newSessionID() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

func copySession(session *Session) *Session {
	clone := *session
	clone.Principal.Permissions = append([]string(nil), session.Principal.Permissions...)
	return &clone
}
