package ua

import (
	"time"

	"github.com/fenwick-automation/opcuacore/status"
)

// DataValue presence bits for the leading byte.
const (
	hasValue             = 1 << 0
	hasStatus            = 1 << 1
	hasSourceTimestamp   = 1 << 2
	hasServerTimestamp   = 1 << 3
	hasSourcePicoseconds = 1 << 4
	hasServerPicoseconds = 1 << 5
)

// DataValue is a Variant plus optional status and timestamps. Each
// field's presence is tracked explicitly so round-tripping a DataValue that
// omits, say, the server timestamp, reproduces the omission on re-encode.
type DataValue struct {
	Value Variant

	HasValue bool

	Status    status.Code
	HasStatus bool

	SourceTimestamp    time.Time
	HasSourceTimestamp bool
	SourcePicoseconds  uint16
	HasSourcePico      bool

	ServerTimestamp    time.Time
	HasServerTimestamp bool
	ServerPicoseconds  uint16
	HasServerPico      bool
}

// NewValue wraps a Variant as a DataValue with status Good and no
// timestamps, the common case for a freshly computed Read result.
func NewValue(v Variant) DataValue {
	return DataValue{Value: v, HasValue: true, Status: status.Good, HasStatus: true}
}

func (dv DataValue) presenceMask() byte {
	var mask byte
	if dv.HasValue {
		mask |= hasValue
	}
	if dv.HasStatus {
		mask |= hasStatus
	}
	if dv.HasSourceTimestamp {
		mask |= hasSourceTimestamp
	}
	if dv.HasServerTimestamp {
		mask |= hasServerTimestamp
	}
	if dv.HasSourcePico {
		mask |= hasSourcePicoseconds
	}
	if dv.HasServerPico {
		mask |= hasServerPicoseconds
	}
	return mask
}

// Encode writes the DataValue: a presence bitmap followed by each present
// field in fixed order.
func (dv DataValue) Encode(e *Encoder) error {
	mask := dv.presenceMask()
	e.Byte(mask)

	if dv.HasValue {
		if err := dv.Value.Encode(e); err != nil {
			return err
		}
	}
	if dv.HasStatus {
		e.Uint32(uint32(dv.Status))
	}
	if dv.HasSourceTimestamp {
		e.DateTime(dv.SourceTimestamp)
	}
	if dv.HasSourcePico {
		e.Uint16(dv.SourcePicoseconds)
	}
	if dv.HasServerTimestamp {
		e.DateTime(dv.ServerTimestamp)
	}
	if dv.HasServerPico {
		e.Uint16(dv.ServerPicoseconds)
	}
	return nil
}

// DecodeDataValue reads a DataValue per the presence bitmap written by Encode.
func DecodeDataValue(d *Decoder) (DataValue, error) {
	mask, err := d.Byte()
	if err != nil {
		return DataValue{}, err
	}

	var dv DataValue
	if mask&hasValue != 0 {
		dv.Value, err = DecodeVariant(d)
		if err != nil {
			return DataValue{}, err
		}
		dv.HasValue = true
	}
	if mask&hasStatus != 0 {
		v, err := d.Uint32()
		if err != nil {
			return DataValue{}, err
		}
		dv.Status = status.Code(v)
		dv.HasStatus = true
	}
	if mask&hasSourceTimestamp != 0 {
		dv.SourceTimestamp, err = d.DateTime()
		if err != nil {
			return DataValue{}, err
		}
		dv.HasSourceTimestamp = true
	}
	if mask&hasSourcePicoseconds != 0 {
		dv.SourcePicoseconds, err = d.Uint16()
		if err != nil {
			return DataValue{}, err
		}
		dv.HasSourcePico = true
	}
	if mask&hasServerTimestamp != 0 {
		dv.ServerTimestamp, err = d.DateTime()
		if err != nil {
			return DataValue{}, err
		}
		dv.HasServerTimestamp = true
	}
	if mask&hasServerPicoseconds != 0 {
		dv.ServerPicoseconds, err = d.Uint16()
		if err != nil {
			return DataValue{}, err
		}
		dv.HasServerPico = true
	}
	return dv, nil
}
