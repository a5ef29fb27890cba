package ua

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenwick-automation/opcuacore/status"
)

func TestDataValueRoundTripFullyPopulated(t *testing.T) {
	dv := DataValue{
		Value:              NewScalar(TypeInt32, int32(42)),
		HasValue:           true,
		Status:             status.Good,
		HasStatus:          true,
		SourceTimestamp:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		HasSourceTimestamp: true,
		ServerTimestamp:    time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		HasServerTimestamp: true,
		SourcePicoseconds:  12,
		HasSourcePico:      true,
		ServerPicoseconds:  34,
		HasServerPico:      true,
	}

	e := NewEncoder()
	require.NoError(t, dv.Encode(e))
	d := NewDecoder(e.Bytes())
	got, err := DecodeDataValue(d)
	require.NoError(t, err)
	assert.Equal(t, dv.Value, got.Value)
	assert.Equal(t, dv.Status, got.Status)
	assert.True(t, dv.SourceTimestamp.Equal(got.SourceTimestamp))
	assert.True(t, dv.ServerTimestamp.Equal(got.ServerTimestamp))
	assert.Equal(t, dv.SourcePicoseconds, got.SourcePicoseconds)
	assert.Equal(t, dv.ServerPicoseconds, got.ServerPicoseconds)
	assert.True(t, d.Done())
}

func TestDataValueRoundTripOnlyValue(t *testing.T) {
	dv := NewValue(NewScalar(TypeBoolean, true))
	e := NewEncoder()
	require.NoError(t, dv.Encode(e))
	d := NewDecoder(e.Bytes())
	got, err := DecodeDataValue(d)
	require.NoError(t, err)
	assert.Equal(t, dv.Value, got.Value)
	assert.False(t, got.HasSourceTimestamp)
	assert.False(t, got.HasServerTimestamp)
}

func TestDataValueEmptyRoundTrip(t *testing.T) {
	dv := DataValue{}
	e := NewEncoder()
	require.NoError(t, dv.Encode(e))
	d := NewDecoder(e.Bytes())
	got, err := DecodeDataValue(d)
	require.NoError(t, err)
	assert.False(t, got.HasValue)
	assert.False(t, got.HasStatus)
	assert.True(t, d.Done())
}
