package channel

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fenwick-automation/opcuacore/ids"
	"github.com/fenwick-automation/opcuacore/status"
)

// Manager is the engine's channel directory: a single-lock id -> Channel
// map. Beyond that it tracks which session authentication tokens are bound
// to each channel, so closing a channel can fail exactly those sessions'
// outstanding work with BadSecureChannelClosed without the session manager
// having to scan its whole table.
type Manager struct {
	mu       sync.RWMutex
	channels map[uint32]*Channel
	bound    map[uint32]map[ids.NodeId]bool

	log *zap.Logger
}

// NewManager returns an empty Manager.
func NewManager(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		channels: make(map[uint32]*Channel),
		bound:    make(map[uint32]map[ids.NodeId]bool),
		log:      log,
	}
}

// Register adds c to the directory under its channel id. Channels enter the
// directory only once Open has assigned an id.
func (m *Manager) Register(c *Channel) status.Code {
	id := c.ID()
	if id == 0 {
		return status.BadSecureChannelIDInvalid
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[id] = c
	return status.Good
}

// Get looks up a channel by id.
func (m *Manager) Get(id uint32) (*Channel, status.Code) {
	m.mu.RLock()
	c, ok := m.channels[id]
	m.mu.RUnlock()
	if !ok {
		return nil, status.BadSecureChannelIDInvalid
	}
	return c, status.Good
}

// BindSession records that the session identified by token is bound to
// channelID.
func (m *Manager) BindSession(channelID uint32, token ids.NodeId) status.Code {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[channelID]; !ok {
		return status.BadSecureChannelIDInvalid
	}
	set := m.bound[channelID]
	if set == nil {
		set = make(map[ids.NodeId]bool)
		m.bound[channelID] = set
	}
	set[token] = true
	return status.Good
}

// UnbindSession removes the token's binding from channelID, if present.
func (m *Manager) UnbindSession(channelID uint32, token ids.NodeId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.bound[channelID]; ok {
		delete(set, token)
		if len(set) == 0 {
			delete(m.bound, channelID)
		}
	}
}

// CloseChannel closes the channel and removes it from the directory,
// returning the authentication tokens of every session that was bound to it
// so the caller can fail their outstanding requests with
// BadSecureChannelClosed. The sessions themselves stay
// alive: a session outlives its channel and may be re-activated on another
// one.
func (m *Manager) CloseChannel(id uint32) []ids.NodeId {
	m.mu.Lock()
	c := m.channels[id]
	delete(m.channels, id)
	set := m.bound[id]
	delete(m.bound, id)
	m.mu.Unlock()

	if c != nil {
		c.Close()
	}
	tokens := make([]ids.NodeId, 0, len(set))
	for t := range set {
		tokens = append(tokens, t)
	}
	return tokens
}

// SweepIdle closes every channel without progress for longer than
// timeout, returning the orphaned session tokens from all of them.
func (m *Manager) SweepIdle(now time.Time, timeout time.Duration) []ids.NodeId {
	m.mu.RLock()
	var stale []uint32
	for id, c := range m.channels {
		if c.CheckIdle(now, timeout) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	var orphaned []ids.NodeId
	for _, id := range stale {
		m.log.Info("closing idle channel", zap.Uint32("channel_id", id))
		orphaned = append(orphaned, m.CloseChannel(id)...)
	}
	return orphaned
}

// Len reports the number of open channels in the directory.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}
