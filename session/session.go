// Package session implements the session manager:
// CreateSession/ActivateSession/CloseSession, authentication token
// binding, and a timeout sweep. One map keyed by a generated token,
// guarded by a single lock, with a background sweep closing stale
// entries.
package session

import (
	"sync"
	"time"

	"github.com/agext/uuid"

	"github.com/fenwick-automation/opcuacore/ids"
	"github.com/fenwick-automation/opcuacore/status"
)

// State is a Session's lifecycle state.
type State int

const (
	Created State = iota
	Activated
	Closed
)

// Session is one authenticated client context.
type Session struct {
	mu sync.Mutex

	ID                  ids.NodeId
	AuthenticationToken ids.NodeId

	state   State
	channelID uint32

	clientCertDER []byte
	serverNonce   []byte
	timeout       time.Duration
	lastActivity  time.Time

	subscriptions      map[uint32]bool   // owned subscription ids
	continuationPoints map[string][]byte // opaque cookie -> serialized cursor
}

// Manager owns every Session, keyed by authentication token.
type Manager struct {
	mu       sync.Mutex
	sessions map[ids.NodeId]*Session

	minTimeout, maxTimeout time.Duration
}

// NewManager returns an empty Manager with the configured clamp applied
// to every requested session timeout.
func NewManager(minTimeout, maxTimeout time.Duration) *Manager {
	return &Manager{sessions: make(map[ids.NodeId]*Session), minTimeout: minTimeout, maxTimeout: maxTimeout}
}

// randomNodeID mints an opaque-identifier NodeId from a cryptographic-quality
// v1 UUID, using agext/uuid's NewCrypto rather than a bare
// crypto/rand byte fill since the UUID's structure itself documents intent
// where a raw 16-byte blob would not.
func randomNodeID(ns uint16) ids.NodeId {
	return ids.NewOpaque(ns, []byte(uuid.NewCrypto()))
}

// CreateParams is the subset of CreateSessionRequest the manager needs.
type CreateParams struct {
	ChannelID         uint32
	ClientCertDER     []byte
	RequestedTimeout  time.Duration
}

// Create allocates a new Session in state Created and clamps the requested
// timeout.
func (m *Manager) Create(p CreateParams) *Session {
	timeout := p.RequestedTimeout
	if timeout < m.minTimeout {
		timeout = m.minTimeout
	}
	if timeout > m.maxTimeout {
		timeout = m.maxTimeout
	}

	s := &Session{
		ID:                  randomNodeID(1),
		AuthenticationToken: randomNodeID(1),
		state:               Created,
		channelID:           p.ChannelID,
		clientCertDER:       p.ClientCertDER,
		timeout:             timeout,
		lastActivity:        time.Now(),
		subscriptions:       make(map[uint32]bool),
		continuationPoints:  make(map[string][]byte),
	}

	m.mu.Lock()
	m.sessions[s.AuthenticationToken] = s
	m.mu.Unlock()
	return s
}

// Lookup finds a Session by its authentication token.
func (m *Manager) Lookup(token ids.NodeId) (*Session, status.Code) {
	m.mu.Lock()
	s, ok := m.sessions[token]
	m.mu.Unlock()
	if !ok {
		return nil, status.BadSessionIDInvalid
	}
	s.mu.Lock()
	closed := s.state == Closed
	s.mu.Unlock()
	if closed {
		return nil, status.BadSessionClosed
	}
	return s, status.Good
}

// Activate transitions a session to Activated and (re)binds it to
// channelID. Signature/identity verification is the caller's
// responsibility (it needs the PKI validator and the crypto adapter, both
// outside this package's scope); Activate only performs the state
// transition and channel rebinding once the caller has confirmed those
// checks pass.
func (s *Session) Activate(channelID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Activated
	s.channelID = channelID
	s.lastActivity = time.Now()
}

// Timeout returns the session's revised timeout.
func (s *Session) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// SetServerNonce stores the nonce most recently handed to the client; the
// next ActivateSession's client signature covers it.
func (s *Session) SetServerNonce(nonce []byte) {
	s.mu.Lock()
	s.serverNonce = nonce
	s.mu.Unlock()
}

// ServerNonce returns the nonce stored by SetServerNonce.
func (s *Session) ServerNonce() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverNonce
}

// ClientCertificate returns the certificate presented at CreateSession,
// against which ActivateSession's client signature is verified.
func (s *Session) ClientCertificate() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientCertDER
}

// OwnSubscription records that the session owns subscription id.
func (s *Session) OwnSubscription(id uint32) {
	s.mu.Lock()
	if s.subscriptions != nil {
		s.subscriptions[id] = true
	}
	s.mu.Unlock()
}

// Owns reports whether the session owns subscription id.
func (s *Session) Owns(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscriptions[id]
}

// SubscriptionIDs lists the session's owned subscriptions.
func (s *Session) SubscriptionIDs() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, 0, len(s.subscriptions))
	for id := range s.subscriptions {
		out = append(out, id)
	}
	return out
}

// Touch records activity, resetting the idle timer.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// ChannelID returns the SecureChannel this session is currently bound to.
func (s *Session) ChannelID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelID
}

// State returns the session's lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AddContinuationPoint stores cursor under a freshly generated cookie and
// returns it.
func (s *Session) AddContinuationPoint(cursor []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	cookie := []byte(uuid.NewCrypto())
	s.continuationPoints[string(cookie)] = cursor
	return cookie
}

// TakeContinuationPoint removes and returns the cursor for cookie, if any.
func (s *Session) TakeContinuationPoint(cookie []byte) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cursor, ok := s.continuationPoints[string(cookie)]
	if ok {
		delete(s.continuationPoints, string(cookie))
	}
	return cursor, ok
}

// Close terminates s; the caller is responsible for
// terminating subscriptions first when deleteSubscriptions is set, since
// subscriptions live in package subscription, not here.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Closed
	s.continuationPoints = nil
	s.subscriptions = nil
}

// Len reports the number of live sessions, enforcing the max-sessions
// configuration cap at CreateSession time.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Remove drops a session from the manager's table outright, called once
// Close has run and any owned resources are released.
func (m *Manager) Remove(token ids.NodeId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
}

// SweepExpired closes and removes every session whose last activity plus
// timeout has elapsed as of now, returning the closed sessions so the
// caller can fail their pending Publish requests with BadSessionClosed and
// release what they owned. Driven by the
// engine's idle callback.
func (m *Manager) SweepExpired(now time.Time) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*Session
	for token, s := range m.sessions {
		s.mu.Lock()
		stale := s.state != Closed && now.Sub(s.lastActivity) > s.timeout
		if stale {
			s.state = Closed
			s.continuationPoints = nil
		}
		s.mu.Unlock()
		if stale {
			expired = append(expired, s)
			delete(m.sessions, token)
		}
	}
	return expired
}
