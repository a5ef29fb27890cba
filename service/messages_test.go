package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenwick-automation/opcuacore/ids"
	"github.com/fenwick-automation/opcuacore/node"
	"github.com/fenwick-automation/opcuacore/status"
	"github.com/fenwick-automation/opcuacore/ua"
)

func encodeRequestHeader(e *ua.Encoder, h RequestHeader) {
	e.NodeId(h.AuthenticationToken)
	e.DateTime(h.Timestamp)
	e.Uint32(h.RequestHandle)
	e.Uint32(h.ReturnDiagnostics)
	e.String(h.AuditEntryID)
	e.Uint32(h.TimeoutHint)
}

func TestDecodeOpenSecureChannelRequestRoundTrip(t *testing.T) {
	e := ua.NewEncoder()
	h := RequestHeader{RequestHandle: 1}
	encodeRequestHeader(e, h)
	e.Uint32(0) // ClientProtocolVersion
	e.Uint32(0) // RequestType = Issue
	e.Uint32(2) // SecurityMode = Sign
	e.ByteString([]byte("client-nonce"))
	e.Uint32(3600000)

	d := ua.NewDecoder(e.Bytes())
	got, err := DecodeOpenSecureChannelRequest(d)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), got.SecurityMode)
	assert.Equal(t, []byte("client-nonce"), got.ClientNonce)
	assert.Equal(t, uint32(3600000), got.RequestedLifetime)
	assert.True(t, d.Done())
}

func TestDecodeCreateSessionRequestRoundTrip(t *testing.T) {
	e := ua.NewEncoder()
	encodeRequestHeader(e, RequestHeader{RequestHandle: 1})
	e.String("en")
	e.String("client app")
	e.String("urn:server")
	e.String("opc.tcp://localhost:4840")
	e.String("session-1")
	e.ByteString([]byte("nonce"))
	e.ByteString([]byte("cert-der"))
	e.Float64(60000)

	d := ua.NewDecoder(e.Bytes())
	got, err := DecodeCreateSessionRequest(d)
	require.NoError(t, err)
	assert.Equal(t, "client app", got.ClientDescription.Text)
	assert.Equal(t, "urn:server", got.ServerURI)
	assert.Equal(t, "session-1", got.SessionName)
	assert.Equal(t, []byte("cert-der"), got.ClientCertificate)
	assert.Equal(t, float64(60000), got.RequestedSessionTimeout)
	assert.True(t, d.Done())
}

func TestDecodeActivateSessionRequestUserNameIdentity(t *testing.T) {
	e := ua.NewEncoder()
	encodeRequestHeader(e, RequestHeader{RequestHandle: 1})
	e.ByteString([]byte("client-sig"))
	e.Int32(2)
	e.String("en")
	e.String("de")
	e.Byte(byte(IdentityUserName))
	e.String("alice")
	e.ByteString([]byte("secret"))
	e.ByteString([]byte("user-sig"))

	d := ua.NewDecoder(e.Bytes())
	got, err := DecodeActivateSessionRequest(d)
	require.NoError(t, err)
	assert.Equal(t, []string{"en", "de"}, got.LocaleIDs)
	assert.Equal(t, IdentityUserName, got.IdentityToken.Kind)
	assert.Equal(t, "alice", got.IdentityToken.UserName)
	assert.Equal(t, []byte("secret"), got.IdentityToken.Password)
	assert.True(t, d.Done())
}

func TestDecodeActivateSessionRequestAnonymousIdentity(t *testing.T) {
	e := ua.NewEncoder()
	encodeRequestHeader(e, RequestHeader{RequestHandle: 1})
	e.ByteString(nil)
	e.Int32(0)
	e.Byte(byte(IdentityAnonymous))
	e.ByteString(nil)

	d := ua.NewDecoder(e.Bytes())
	got, err := DecodeActivateSessionRequest(d)
	require.NoError(t, err)
	assert.Equal(t, IdentityAnonymous, got.IdentityToken.Kind)
	assert.Empty(t, got.LocaleIDs)
	assert.True(t, d.Done())
}

func TestDecodeCloseSessionRequest(t *testing.T) {
	e := ua.NewEncoder()
	encodeRequestHeader(e, RequestHeader{RequestHandle: 1})
	e.Bool(true)

	d := ua.NewDecoder(e.Bytes())
	got, err := DecodeCloseSessionRequest(d)
	require.NoError(t, err)
	assert.True(t, got.DeleteSubscriptions)
	assert.True(t, d.Done())
}

func TestDecodeReadRequestRoundTrip(t *testing.T) {
	e := ua.NewEncoder()
	encodeRequestHeader(e, RequestHeader{RequestHandle: 1})
	e.Float64(0)
	e.Uint32(0)
	e.Int32(2)
	e.NodeId(ids.NewNumeric(1, 10))
	e.Uint32(uint32(node.AttrValue))
	e.String("")
	e.NodeId(ids.NewString(1, "foo"))
	e.Uint32(uint32(node.AttrDisplayName))
	e.String("0:2")

	d := ua.NewDecoder(e.Bytes())
	got, err := DecodeReadRequest(d)
	require.NoError(t, err)
	require.Len(t, got.NodesToRead, 2)
	assert.Equal(t, ids.NewNumeric(1, 10), got.NodesToRead[0].NodeID)
	assert.Equal(t, node.AttrValue, got.NodesToRead[0].AttributeID)
	assert.Equal(t, "0:2", got.NodesToRead[1].IndexRange)
	assert.True(t, d.Done())
}

func TestDecodeWriteRequestRoundTrip(t *testing.T) {
	e := ua.NewEncoder()
	encodeRequestHeader(e, RequestHeader{RequestHandle: 1})
	e.Int32(1)
	e.NodeId(ids.NewNumeric(1, 10))
	e.Uint32(uint32(node.AttrValue))
	e.String("")
	dv := ua.NewValue(ua.NewScalar(ua.TypeInt32, int32(7)))
	require.NoError(t, dv.Encode(e))

	d := ua.NewDecoder(e.Bytes())
	got, err := DecodeWriteRequest(d)
	require.NoError(t, err)
	require.Len(t, got.NodesToWrite, 1)
	assert.Equal(t, ids.NewNumeric(1, 10), got.NodesToWrite[0].NodeID)
	assert.Equal(t, dv.Value, got.NodesToWrite[0].Value.Value)
	assert.True(t, d.Done())
}

func TestDecodeCallRequestRoundTrip(t *testing.T) {
	e := ua.NewEncoder()
	encodeRequestHeader(e, RequestHeader{RequestHandle: 1})
	e.Int32(1)
	e.NodeId(ids.NewNumeric(1, 1))
	e.NodeId(ids.NewNumeric(1, 2))
	e.Int32(1)
	arg := ua.NewScalar(ua.TypeInt32, int32(5))
	require.NoError(t, arg.Encode(e))

	d := ua.NewDecoder(e.Bytes())
	got, err := DecodeCallRequest(d)
	require.NoError(t, err)
	require.Len(t, got.MethodsToCall, 1)
	assert.Equal(t, ids.NewNumeric(1, 2), got.MethodsToCall[0].MethodID)
	require.Len(t, got.MethodsToCall[0].InputArguments, 1)
	assert.Equal(t, arg, got.MethodsToCall[0].InputArguments[0])
	assert.True(t, d.Done())
}

func TestDecodeRepublishRequestRoundTrip(t *testing.T) {
	e := ua.NewEncoder()
	encodeRequestHeader(e, RequestHeader{RequestHandle: 1})
	e.Uint32(3)
	e.Uint32(77)

	d := ua.NewDecoder(e.Bytes())
	got, err := DecodeRepublishRequest(d)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), got.SubscriptionID)
	assert.Equal(t, uint32(77), got.RetransmitSequenceNumber)
	assert.True(t, d.Done())
}

func TestReadResponseEncodeProducesDecodableHeader(t *testing.T) {
	resp := ReadResponse{
		Header:  NewResponseHeader(RequestHeader{RequestHandle: 5}, time.Now(), status.Good),
		Results: []ua.DataValue{ua.NewValue(ua.NewScalar(ua.TypeBoolean, true))},
	}
	e := ua.NewEncoder()
	require.NoError(t, resp.Encode(e))

	d := ua.NewDecoder(e.Bytes())
	h, err := DecodeResponseHeader(d)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), h.RequestHandle)

	n, err := d.Int32()
	require.NoError(t, err)
	assert.Equal(t, int32(1), n)
	dv, err := ua.DecodeDataValue(d)
	require.NoError(t, err)
	assert.Equal(t, resp.Results[0].Value, dv.Value)
	assert.True(t, d.Done())
}

func TestPublishResponseEncodeRoundTripThroughManualDecode(t *testing.T) {
	resp := PublishResponse{
		Header:                 NewResponseHeader(RequestHeader{RequestHandle: 1}, time.Now(), status.Good),
		SubscriptionID:         4,
		AvailableSequenceNumbers: []uint32{1, 2},
		MoreNotifications:     false,
		NotificationMessage: NotificationMessage{
			SequenceNumber: 2,
			DataChanges: []DataChangeNotification{
				{MonitoredItemID: 1, Value: ua.NewValue(ua.NewScalar(ua.TypeInt32, int32(10)))},
			},
		},
		Results: []status.Code{status.Good},
	}
	e := ua.NewEncoder()
	require.NoError(t, resp.Encode(e))

	d := ua.NewDecoder(e.Bytes())
	_, err := DecodeResponseHeader(d)
	require.NoError(t, err)
	subID, err := d.Uint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(4), subID)

	n, err := d.Int32()
	require.NoError(t, err)
	assert.Equal(t, int32(2), n)
	for i := int32(0); i < n; i++ {
		_, err := d.Uint32()
		require.NoError(t, err)
	}
	more, err := d.Bool()
	require.NoError(t, err)
	assert.False(t, more)

	seqNum, err := d.Uint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), seqNum)
}
