package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenwick-automation/opcuacore/status"
)

func TestAcceptHelloTransitionsFreshToAckSent(t *testing.T) {
	c, err := New(Config{Mode: ModeNone})
	require.NoError(t, err)
	require.Equal(t, status.Good, c.AcceptHello())
	assert.Equal(t, AckSent, c.State())

	// a second HEL on an already-progressed channel is rejected
	assert.Equal(t, status.BadSecurityChecksFailed, c.AcceptHello())
}

func TestOpenWithModeNoneNeedsNoValidator(t *testing.T) {
	c, err := New(Config{Mode: ModeNone})
	require.NoError(t, err)

	res, code := c.Open(OpenParams{RequestedLifetime: time.Minute}, nil)
	require.Equal(t, status.Good, code)
	assert.NotZero(t, res.ChannelID)
	assert.NotZero(t, res.TokenID)
	assert.Equal(t, Open, c.State())
}

func TestOpenWithSecurityRequiresValidator(t *testing.T) {
	c, err := New(Config{Mode: ModeSign, Policy: "http://opcfoundation.org/UA/SecurityPolicy#Basic256Sha256"})
	require.NoError(t, err)

	_, code := c.Open(OpenParams{RequestedLifetime: time.Minute}, nil)
	assert.Equal(t, status.BadSecurityChecksFailed, code)
}

func TestRenewReusesChannelIDAndIssuesNewToken(t *testing.T) {
	c, err := New(Config{Mode: ModeNone})
	require.NoError(t, err)

	first, code := c.Open(OpenParams{RequestedLifetime: time.Minute}, nil)
	require.Equal(t, status.Good, code)

	second, code := c.Renew(OpenParams{RequestedLifetime: time.Minute}, nil)
	require.Equal(t, status.Good, code)

	assert.Equal(t, first.ChannelID, second.ChannelID)
	assert.NotEqual(t, first.TokenID, second.TokenID)
}

// TestTokenRolloverRetiresOnCurrentTokenUse exercises the
// two-tokens-during-renewal window: the previous token keeps validating
// messages right after renewal, and is retired the moment a message verifies
// under the current token.
func TestTokenRolloverRetiresOnCurrentTokenUse(t *testing.T) {
	c, err := New(Config{Mode: ModeNone})
	require.NoError(t, err)

	first, code := c.Open(OpenParams{RequestedLifetime: time.Hour}, nil)
	require.Equal(t, status.Good, code)

	second, code := c.Renew(OpenParams{RequestedLifetime: time.Hour}, nil)
	require.Equal(t, status.Good, code)

	// previous token (first) still accepted right after renewal
	_, acceptCode := c.AcceptSymmetric(first.TokenID, 1)
	require.Equal(t, status.Good, acceptCode)

	// using the new token retires the previous one immediately
	_, acceptCode = c.AcceptSymmetric(second.TokenID, 2)
	require.Equal(t, status.Good, acceptCode)

	_, acceptCode = c.AcceptSymmetric(first.TokenID, 3)
	assert.Equal(t, status.BadSecureChannelTokenUnknown, acceptCode)
}

func TestTokenRolloverRetiresAfterGraceElapses(t *testing.T) {
	c, err := New(Config{Mode: ModeNone})
	require.NoError(t, err)

	first, code := c.Open(OpenParams{RequestedLifetime: time.Hour}, nil)
	require.Equal(t, status.Good, code)

	_, code = c.Renew(OpenParams{RequestedLifetime: time.Hour}, nil)
	require.Equal(t, status.Good, code)

	// simulate the grace window (25% of lifetime) having elapsed
	c.mu.Lock()
	c.current.CreatedAt = time.Now().Add(-20 * time.Minute)
	c.mu.Unlock()

	_, acceptCode := c.AcceptSymmetric(first.TokenID, 1)
	assert.Equal(t, status.BadSecureChannelTokenUnknown, acceptCode)
}

func TestSequenceMustStrictlyIncrease(t *testing.T) {
	c, err := New(Config{Mode: ModeNone})
	require.NoError(t, err)
	res, code := c.Open(OpenParams{RequestedLifetime: time.Hour}, nil)
	require.Equal(t, status.Good, code)

	_, code = c.AcceptSymmetric(res.TokenID, 5)
	require.Equal(t, status.Good, code)

	_, code = c.AcceptSymmetric(res.TokenID, 5)
	assert.Equal(t, status.BadSecurityChecksFailed, code)
	assert.Equal(t, Closed, c.State())
}

func TestSequenceWrapAround(t *testing.T) {
	c, err := New(Config{Mode: ModeNone})
	require.NoError(t, err)
	res, code := c.Open(OpenParams{RequestedLifetime: time.Hour}, nil)
	require.Equal(t, status.Good, code)

	_, code = c.AcceptSymmetric(res.TokenID, seqWrap+1)
	require.Equal(t, status.Good, code)

	_, code = c.AcceptSymmetric(res.TokenID, 1)
	assert.Equal(t, status.Good, code)
}

func TestAcceptSymmetricUnknownToken(t *testing.T) {
	c, err := New(Config{Mode: ModeNone})
	require.NoError(t, err)
	_, code := c.Open(OpenParams{RequestedLifetime: time.Hour}, nil)
	require.Equal(t, status.Good, code)

	_, code = c.AcceptSymmetric(999999, 1)
	assert.Equal(t, status.BadSecureChannelTokenUnknown, code)
}

func TestAbortClosesChannelAndDropsReassemblers(t *testing.T) {
	c, err := New(Config{Mode: ModeNone})
	require.NoError(t, err)
	_, code := c.Open(OpenParams{RequestedLifetime: time.Hour}, nil)
	require.Equal(t, status.Good, code)

	c.ReassemblerFor(1)
	c.Abort(status.BadSecurityChecksFailed)
	assert.Equal(t, Closed, c.State())

	_, code = c.AcceptSymmetric(1, 1)
	assert.Equal(t, status.BadSecureChannelClosed, code)
}

func TestCloseTransitionsToClosed(t *testing.T) {
	c, err := New(Config{Mode: ModeNone})
	require.NoError(t, err)
	_, code := c.Open(OpenParams{RequestedLifetime: time.Hour}, nil)
	require.Equal(t, status.Good, code)
	c.Close()
	assert.Equal(t, Closed, c.State())
}

func TestCheckIdleReportsTimeout(t *testing.T) {
	c, err := New(Config{Mode: ModeNone})
	require.NoError(t, err)
	_, code := c.Open(OpenParams{RequestedLifetime: time.Hour}, nil)
	require.Equal(t, status.Good, code)

	assert.False(t, c.CheckIdle(time.Now(), time.Minute))
	assert.True(t, c.CheckIdle(time.Now().Add(2*time.Minute), time.Minute))
}

func TestSignAndEncryptVerifyAndDecryptRoundTrip(t *testing.T) {
	c, err := New(Config{Mode: ModeSign, Policy: "http://opcfoundation.org/UA/SecurityPolicy#Basic256Sha256"})
	require.NoError(t, err)

	tok := &Token{
		ID:               1,
		ClientSignKey:    make([]byte, 32),
		ClientEncryptKey: make([]byte, 32),
		ClientIV:         make([]byte, 16),
		ServerSignKey:    make([]byte, 32),
		ServerEncryptKey: make([]byte, 32),
		ServerIV:         make([]byte, 16),
		CreatedAt:        time.Now(),
		Lifetime:         time.Hour,
	}
	c.mu.Lock()
	c.current = tok
	c.mu.Unlock()

	body := []byte("hello opc ua")
	signed, err := c.SignAndEncrypt(body)
	require.NoError(t, err)

	got, code := c.VerifyAndDecrypt(tok, signed)
	require.Equal(t, status.Good, code)
	assert.Equal(t, body, got)
}

func TestVerifyAndDecryptRejectsTamperedBody(t *testing.T) {
	c, err := New(Config{Mode: ModeSign, Policy: "http://opcfoundation.org/UA/SecurityPolicy#Basic256Sha256"})
	require.NoError(t, err)

	tok := &Token{
		ID:            1,
		ClientSignKey: make([]byte, 32),
		ServerSignKey: make([]byte, 32),
		CreatedAt:     time.Now(),
		Lifetime:      time.Hour,
	}
	c.mu.Lock()
	c.current = tok
	c.mu.Unlock()

	signed, err := c.SignAndEncrypt([]byte("hello"))
	require.NoError(t, err)
	signed[0] ^= 0xFF

	_, code := c.VerifyAndDecrypt(tok, signed)
	assert.Equal(t, status.BadSecurityChecksFailed, code)
}
