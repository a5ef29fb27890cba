package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenwick-automation/opcuacore/addrspace"
	"github.com/fenwick-automation/opcuacore/ids"
	"github.com/fenwick-automation/opcuacore/node"
	"github.com/fenwick-automation/opcuacore/nodestore"
	"github.com/fenwick-automation/opcuacore/service"
	"github.com/fenwick-automation/opcuacore/status"
	"github.com/fenwick-automation/opcuacore/ua"
)

// newSpaceWithVariable builds a minimal address space with one folder parent
// and one variable child, returning the space and the variable's NodeId.
func newSpaceWithVariable(t *testing.T, initial int32) (*addrspace.Space, ids.NodeId) {
	t.Helper()
	sp := addrspace.New()

	folderID := ids.NewNumeric(1, 1)
	_, code := sp.Store.Insert(&node.Node{ID: folderID, Class: node.ClassObject}, nodestore.InsertOpts{Unique: true})
	require.Equal(t, status.Good, code)

	varID := ids.NewNumeric(1, 2)
	varNode := &node.Node{
		ID:    varID,
		Class: node.ClassVariable,
		Variable: &node.VariableBody{
			Value:       ua.NewValue(ua.NewScalar(ua.TypeInt32, initial)),
			ValueRank:   ua.RankScalar,
			AccessLevel: 3,
		},
	}
	code = sp.AddNode(varNode, folderID, node.OrganizesRefType, ids.NodeId{})
	require.Equal(t, status.Good, code)

	return sp, varID
}

func setValue(t *testing.T, sp *addrspace.Space, id ids.NodeId, v int32) {
	t.Helper()
	code := sp.WriteAttribute(service.WriteValue{
		NodeID:      id,
		AttributeID: node.AttrValue,
		Value:       ua.NewValue(ua.NewScalar(ua.TypeInt32, v)),
	})
	require.Equal(t, status.Good, code)
}

func TestMonitoredItemReportsFirstSampleThenChangesOnly(t *testing.T) {
	sp, varID := newSpaceWithVariable(t, 1)

	sub := New(1, 100, 10, 5, 0, true)
	mi := sub.AddMonitoredItem(varID, byte(node.AttrValue), 50, DataChangeFilter{Trigger: TriggerStatusValue}, 0, false)

	sub.Tick(sp, 50)
	assert.Len(t, mi.queue, 1, "first sample always reports")

	// resample without changing the value: no new notification
	mi.msSinceSample = 0
	sub.Tick(sp, 50)
	assert.Len(t, mi.queue, 1)

	setValue(t, sp, varID, 2)
	mi.msSinceSample = 0
	sub.Tick(sp, 50)
	assert.Len(t, mi.queue, 2)
}

func TestDeadbandAbsoluteSuppressesSmallChanges(t *testing.T) {
	sp, varID := newSpaceWithVariable(t, 100)

	sub := New(1, 100, 10, 5, 0, true)
	mi := sub.AddMonitoredItem(varID, byte(node.AttrValue), 50, DataChangeFilter{Trigger: TriggerStatusValue, Deadband: DeadbandAbsolute, DeadbandValue: 10}, 0, false)

	sub.Tick(sp, 50) // first sample reports unconditionally
	require.Len(t, mi.queue, 1)
	mi.queue = nil

	setValue(t, sp, varID, 105) // within deadband
	mi.msSinceSample = 0
	sub.Tick(sp, 50)
	assert.Empty(t, mi.queue)

	setValue(t, sp, varID, 130) // exceeds deadband
	mi.msSinceSample = 0
	sub.Tick(sp, 50)
	assert.Len(t, mi.queue, 1)
}

func TestMonitoredItemQueueDiscardsOldestWhenFull(t *testing.T) {
	sp, varID := newSpaceWithVariable(t, 0)

	sub := New(1, 100, 10, 5, 0, true)
	mi := sub.AddMonitoredItem(varID, byte(node.AttrValue), 10, DataChangeFilter{Trigger: TriggerStatusValue}, 2, true)

	for i := int32(1); i <= 4; i++ {
		setValue(t, sp, varID, i)
		mi.msSinceSample = 0
		sub.Tick(sp, 10)
	}
	assert.Len(t, mi.queue, 2)
}

func TestDrainPublishReturnsChangesThenKeepAlive(t *testing.T) {
	sp, varID := newSpaceWithVariable(t, 1)

	sub := New(1, 100, 10, 2, 0, true)
	sub.AddMonitoredItem(varID, byte(node.AttrValue), 10, DataChangeFilter{}, 0, false)

	sub.Tick(sp, 10) // first sample queues a notification

	msg, has, terminated := sub.DrainPublish()
	require.True(t, has)
	assert.False(t, terminated)
	assert.Len(t, msg.DataChanges, 1)
	assert.Equal(t, uint32(1), msg.SequenceNumber)

	// no pending changes: first DrainPublish just counts toward keep-alive
	_, has, terminated = sub.DrainPublish()
	assert.False(t, has)
	assert.False(t, terminated)

	// second call without changes reaches MaxKeepAliveCount == 2
	msg2, has, terminated := sub.DrainPublish()
	assert.True(t, has)
	assert.False(t, terminated)
	assert.Empty(t, msg2.DataChanges)
}

func TestDrainPublishTerminatesAfterLifetimeExpires(t *testing.T) {
	sp, varID := newSpaceWithVariable(t, 1)
	_ = varID

	sub := New(1, 100, 2, 1000, 0, true) // lifetimeCount=2, keep-alive effectively never fires
	for i := 0; i < 1; i++ {
		_, _, terminated := sub.DrainPublish()
		if i == 0 {
			assert.False(t, terminated)
		}
	}
	_, _, terminated := sub.DrainPublish()
	assert.True(t, terminated)
	_ = sp
}

func TestAcknowledgeRemovesFromRetransmitQueue(t *testing.T) {
	sp, varID := newSpaceWithVariable(t, 1)
	sub := New(1, 100, 10, 5, 0, true)
	sub.AddMonitoredItem(varID, byte(node.AttrValue), 10, DataChangeFilter{}, 0, false)
	sub.Tick(sp, 10)

	msg, has, _ := sub.DrainPublish()
	require.True(t, has)

	results := sub.Acknowledge([]uint32{msg.SequenceNumber, 9999})
	require.Len(t, results, 2)
	assert.Equal(t, status.Good, results[0])
	assert.Equal(t, status.BadSequenceNumberUnknown, results[1])

	_, code := sub.Republish(msg.SequenceNumber)
	assert.Equal(t, status.BadMessageNotAvailable, code)
}

func TestRepublishReturnsRetainedMessage(t *testing.T) {
	sp, varID := newSpaceWithVariable(t, 1)
	sub := New(1, 100, 10, 5, 0, true)
	sub.AddMonitoredItem(varID, byte(node.AttrValue), 10, DataChangeFilter{}, 0, false)
	sub.Tick(sp, 10)

	msg, has, _ := sub.DrainPublish()
	require.True(t, has)

	got, code := sub.Republish(msg.SequenceNumber)
	require.Equal(t, status.Good, code)
	assert.Equal(t, msg.SequenceNumber, got.SequenceNumber)
}

func TestManagerCreateGetDelete(t *testing.T) {
	m := NewManager()
	sub := m.Create(100, 10, 5, 0, true)

	got, code := m.Get(sub.ID)
	require.Equal(t, status.Good, code)
	assert.Equal(t, sub.ID, got.ID)

	m.Delete(sub.ID)
	_, code = m.Get(sub.ID)
	assert.Equal(t, status.BadSubscriptionIDInvalid, code)
}

func TestRemoveMonitoredItemUnknownID(t *testing.T) {
	sub := New(1, 100, 10, 5, 0, true)
	assert.Equal(t, status.BadMonitoredItemIDInvalid, sub.RemoveMonitoredItem(999))
}
