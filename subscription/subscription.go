// Package subscription implements the publish/subscribe engine:
// monitored items, sampling, the publish queue, keep-alive and the
// retransmission queue. The data-change filter's core loop is poll the
// current value, compare to the last reported one, emit on change.
package subscription

import (
	"reflect"
	"sort"
	"sync"

	"github.com/fenwick-automation/opcuacore/addrspace"
	"github.com/fenwick-automation/opcuacore/ids"
	"github.com/fenwick-automation/opcuacore/node"
	"github.com/fenwick-automation/opcuacore/service"
	"github.com/fenwick-automation/opcuacore/status"
	"github.com/fenwick-automation/opcuacore/ua"
)

// DeadbandKind selects a data-change filter's deadband mode.
type DeadbandKind byte

const (
	DeadbandNone DeadbandKind = iota
	DeadbandAbsolute
	DeadbandPercent
)

// TriggerMode selects when a data-change filter reports a change.
type TriggerMode byte

const (
	TriggerStatus TriggerMode = iota
	TriggerStatusValue
	TriggerStatusValueTimestamp
)

// DataChangeFilter is the monitored item's change-detection policy.
type DataChangeFilter struct {
	Trigger  TriggerMode
	Deadband DeadbandKind
	DeadbandValue float64
}

// MonitoredItem samples one (node, attribute) pair on an interval and
// enqueues changes for its owning Subscription.
type MonitoredItem struct {
	ID                uint32
	NodeID            ids.NodeId
	AttributeID       byte
	SamplingInterval  float64 // ms
	Filter            DataChangeFilter
	QueueSize         int
	DiscardOldest     bool

	lastValue   ua.DataValue
	haveLast    bool
	msSinceSample float64
	queue       []service.DataChangeNotification
}

func (mi *MonitoredItem) shouldReport(dv ua.DataValue) bool {
	if !mi.haveLast {
		return true
	}
	switch mi.Filter.Trigger {
	case TriggerStatus:
		return dv.Status != mi.lastValue.Status
	default:
		if dv.Status != mi.lastValue.Status {
			return true
		}
	}
	oldNum, oldOK := scalarFloat(mi.lastValue.Value)
	newNum, newOK := scalarFloat(dv.Value)
	if mi.Filter.Deadband != DeadbandNone && oldOK && newOK {
		diff := newNum - oldNum
		if diff < 0 {
			diff = -diff
		}
		if mi.Filter.Deadband == DeadbandAbsolute && diff <= mi.Filter.DeadbandValue {
			return false
		}
		if mi.Filter.Deadband == DeadbandPercent && oldNum != 0 {
			pct := diff / absFloat(oldNum) * 100
			if pct <= mi.Filter.DeadbandValue {
				return false
			}
		}
	}
	changed := newNum != oldNum
	if !newOK || !oldOK {
		changed = !reflect.DeepEqual(dv.Value, mi.lastValue.Value)
	}
	if mi.Filter.Trigger == TriggerStatusValueTimestamp {
		return !dv.SourceTimestamp.Equal(mi.lastValue.SourceTimestamp) || changed
	}
	return changed
}

func scalarFloat(v ua.Variant) (float64, bool) {
	el, ok := v.Scalar()
	if !ok {
		return 0, false
	}
	switch n := el.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case int32:
		return float64(n), true
	case uint32:
		return float64(n), true
	default:
		return 0, false
	}
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// sample reads the item's current value from space and, if shouldReport,
// enqueues it.
func (mi *MonitoredItem) sample(space *addrspace.Space) {
	dv := space.ReadAttribute(service.ReadValueID{NodeID: mi.NodeID, AttributeID: node.AttributeID(mi.AttributeID)})
	if !mi.shouldReport(dv) {
		return
	}
	mi.lastValue, mi.haveLast = dv, true

	note := service.DataChangeNotification{MonitoredItemID: mi.ID, Value: dv}
	if mi.QueueSize > 0 && len(mi.queue) >= mi.QueueSize {
		if mi.DiscardOldest {
			mi.queue = mi.queue[1:]
		} else {
			return
		}
	}
	mi.queue = append(mi.queue, note)
}

// Subscription is one publish queue with its monitored items.
type Subscription struct {
	mu sync.Mutex

	ID                uint32
	PublishingInterval float64 // ms
	LifetimeCount     uint32
	MaxKeepAliveCount uint32
	MaxNotifications  uint32
	PublishingEnabled bool

	items map[uint32]*MonitoredItem
	nextItemID uint32

	seqNumber       uint32
	keepAliveCounter uint32
	lifetimeRemaining uint32

	retransmit map[uint32]service.NotificationMessage
}

// New returns a Subscription in the given configuration.
func New(id uint32, publishingInterval float64, lifetimeCount, maxKeepAlive, maxNotifications uint32, enabled bool) *Subscription {
	return &Subscription{
		ID:                id,
		PublishingInterval: publishingInterval,
		LifetimeCount:     lifetimeCount,
		MaxKeepAliveCount:  maxKeepAlive,
		MaxNotifications:   maxNotifications,
		PublishingEnabled:  enabled,
		items:              make(map[uint32]*MonitoredItem),
		lifetimeRemaining:  lifetimeCount,
		retransmit:         make(map[uint32]service.NotificationMessage),
	}
}

// AddMonitoredItem creates and returns a new MonitoredItem.
func (s *Subscription) AddMonitoredItem(nodeID ids.NodeId, attr byte, interval float64, filter DataChangeFilter, queueSize int, discardOldest bool) *MonitoredItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextItemID++
	mi := &MonitoredItem{ID: s.nextItemID, NodeID: nodeID, AttributeID: attr, SamplingInterval: interval, Filter: filter, QueueSize: queueSize, DiscardOldest: discardOldest}
	s.items[mi.ID] = mi
	return mi
}

// RemoveMonitoredItem deletes an item by id.
func (s *Subscription) RemoveMonitoredItem(id uint32) status.Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return status.BadMonitoredItemIDInvalid
	}
	delete(s.items, id)
	return status.Good
}

// Tick runs one publishing-interval cycle: sample every monitored
// item whose sampling interval has elapsed, then report whether any
// notification is now pending.
func (s *Subscription) Tick(space *addrspace.Space, elapsedMs float64) (pending bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, mi := range s.items {
		mi.msSinceSample += elapsedMs
		if mi.msSinceSample < mi.SamplingInterval {
			continue
		}
		mi.msSinceSample = 0
		mi.sample(space)
		if len(mi.queue) > 0 {
			pending = true
		}
	}
	return pending
}

// DrainPublish services one Publish request: if any monitored item has
// queued notifications, drains them (bounded by MaxNotifications) into a
// NotificationMessage, files it in the retransmission queue, and resets the
// keep-alive counter; otherwise, if the keep-alive counter has reached
// MaxKeepAliveCount, returns an empty keep-alive message.
func (s *Subscription) DrainPublish() (msg service.NotificationMessage, hasMessage bool, terminated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changes []service.DataChangeNotification
	for _, mi := range s.items {
		for len(mi.queue) > 0 && (s.MaxNotifications == 0 || uint32(len(changes)) < s.MaxNotifications) {
			changes = append(changes, mi.queue[0])
			mi.queue = mi.queue[1:]
		}
	}

	if len(changes) > 0 {
		s.seqNumber++
		msg = service.NotificationMessage{SequenceNumber: s.seqNumber, DataChanges: changes}
		s.retransmit[msg.SequenceNumber] = msg
		s.keepAliveCounter = 0
		s.lifetimeRemaining = s.LifetimeCount
		return msg, true, false
	}

	s.keepAliveCounter++
	if s.keepAliveCounter >= s.MaxKeepAliveCount {
		s.keepAliveCounter = 0
		s.seqNumber++
		return service.NotificationMessage{SequenceNumber: s.seqNumber}, true, false
	}

	if s.lifetimeRemaining > 0 {
		s.lifetimeRemaining--
	}
	return service.NotificationMessage{}, false, s.lifetimeRemaining == 0
}

// Acknowledge removes acked sequence numbers from the retransmission
// queue.
func (s *Subscription) Acknowledge(seqNumbers []uint32) []status.Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := make([]status.Code, len(seqNumbers))
	for i, sn := range seqNumbers {
		if _, ok := s.retransmit[sn]; ok {
			delete(s.retransmit, sn)
			results[i] = status.Good
		} else {
			results[i] = status.BadSequenceNumberUnknown
		}
	}
	return results
}

// Available lists the sequence numbers still held in the retransmission
// queue, ascending, as reported in PublishResponse.
func (s *Subscription) Available() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, 0, len(s.retransmit))
	for sn := range s.retransmit {
		out = append(out, sn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Republish returns a specific retained message, if still present.
func (s *Subscription) Republish(seqNumber uint32) (service.NotificationMessage, status.Code) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.retransmit[seqNumber]
	if !ok {
		return service.NotificationMessage{}, status.BadMessageNotAvailable
	}
	return msg, status.Good
}

// Manager owns every Subscription of the server, whichever session owns
// it; package session records which session owns which id.
type Manager struct {
	mu            sync.Mutex
	subscriptions map[uint32]*Subscription
	nextID        uint32
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{subscriptions: make(map[uint32]*Subscription)}
}

// Create allocates a new Subscription with the next id.
func (m *Manager) Create(publishingInterval float64, lifetimeCount, maxKeepAlive, maxNotifications uint32, enabled bool) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	s := New(m.nextID, publishingInterval, lifetimeCount, maxKeepAlive, maxNotifications, enabled)
	m.subscriptions[s.ID] = s
	return s
}

// Get looks up a Subscription by id.
func (m *Manager) Get(id uint32) (*Subscription, status.Code) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscriptions[id]
	if !ok {
		return nil, status.BadSubscriptionIDInvalid
	}
	return s, status.Good
}

// Len reports the number of live subscriptions, enforcing the
// max-subscriptions configuration cap.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscriptions)
}

// Delete removes a Subscription.
func (m *Manager) Delete(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscriptions, id)
}

// TickAll runs Tick on every subscription, returning the ids with pending
// notifications. The server's periodic Tick drives it.
func (m *Manager) TickAll(space *addrspace.Space, elapsedMs float64) []uint32 {
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subscriptions))
	for _, s := range m.subscriptions {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	var pending []uint32
	for _, s := range subs {
		if s.Tick(space, elapsedMs) {
			pending = append(pending, s.ID)
		}
	}
	return pending
}
