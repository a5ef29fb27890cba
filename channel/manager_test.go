package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenwick-automation/opcuacore/ids"
	"github.com/fenwick-automation/opcuacore/status"
)

func openChannel(t *testing.T) *Channel {
	t.Helper()
	c, err := New(Config{Mode: ModeNone})
	require.NoError(t, err)
	_, code := c.Open(OpenParams{RequestedLifetime: time.Minute}, nil)
	require.Equal(t, status.Good, code)
	return c
}

func TestManagerRejectsUnopenedChannel(t *testing.T) {
	m := NewManager(nil)
	c, err := New(Config{Mode: ModeNone})
	require.NoError(t, err)
	assert.Equal(t, status.BadSecureChannelIDInvalid, m.Register(c))
}

func TestManagerRegisterAndGet(t *testing.T) {
	m := NewManager(nil)
	c := openChannel(t)
	require.Equal(t, status.Good, m.Register(c))

	got, code := m.Get(c.ID())
	require.Equal(t, status.Good, code)
	assert.Same(t, c, got)

	_, code = m.Get(c.ID() + 1000)
	assert.Equal(t, status.BadSecureChannelIDInvalid, code)
}

func TestCloseChannelReportsBoundSessions(t *testing.T) {
	m := NewManager(nil)
	c := openChannel(t)
	require.Equal(t, status.Good, m.Register(c))

	tok1 := ids.NewString(1, "sess-1")
	tok2 := ids.NewString(1, "sess-2")
	require.Equal(t, status.Good, m.BindSession(c.ID(), tok1))
	require.Equal(t, status.Good, m.BindSession(c.ID(), tok2))

	// a session that moved to another channel must not be reported
	m.UnbindSession(c.ID(), tok2)

	orphaned := m.CloseChannel(c.ID())
	assert.ElementsMatch(t, []ids.NodeId{tok1}, orphaned)
	assert.Equal(t, Closed, c.State())
	assert.Zero(t, m.Len())

	_, code := m.Get(c.ID())
	assert.Equal(t, status.BadSecureChannelIDInvalid, code)
}

func TestBindSessionToUnknownChannel(t *testing.T) {
	m := NewManager(nil)
	assert.Equal(t, status.BadSecureChannelIDInvalid, m.BindSession(99, ids.NewString(1, "s")))
}

func TestSweepIdleClosesStaleChannels(t *testing.T) {
	m := NewManager(nil)
	c1 := openChannel(t)
	c2 := openChannel(t)
	require.Equal(t, status.Good, m.Register(c1))
	require.Equal(t, status.Good, m.Register(c2))

	tok := ids.NewString(1, "sess")
	require.Equal(t, status.Good, m.BindSession(c1.ID(), tok))

	// nothing has crossed the idle horizon yet
	assert.Empty(t, m.SweepIdle(time.Now(), 30*time.Minute))
	assert.Equal(t, 2, m.Len())

	orphaned := m.SweepIdle(time.Now().Add(time.Hour), 30*time.Minute)
	assert.ElementsMatch(t, []ids.NodeId{tok}, orphaned)
	assert.Equal(t, Closed, c1.State())
	assert.Equal(t, Closed, c2.State())
	assert.Zero(t, m.Len())
}
