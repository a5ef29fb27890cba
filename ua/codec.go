// Package ua implements the OPC UA binary encoding: fixed-width integers
// and floats, length-prefixed strings, DateTime, GUID, NodeId and
// ExpandedNodeId, Variant and DataValue. The wire layout is normative
// (Part 6).
package ua

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/fenwick-automation/opcuacore/ids"
	"github.com/fenwick-automation/opcuacore/status"
)

// epoch is the OPC UA DateTime origin: 1601-01-01 00:00:00 UTC.
var epoch = time.Date(1601, 1, 1, 0, 0, 0, 0, time.UTC)

// Encoder accumulates the binary encoding of one message body. It never
// fails on Write; length limits are enforced by the chunk framer, not
// here — messages encode fully, then get handed to the transport.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an empty Encoder.
func NewEncoder() *Encoder { return &Encoder{} }

// Bytes returns the accumulated encoding.
func (e *Encoder) Bytes() []byte { return e.buf }

// Len returns the number of bytes written so far.
func (e *Encoder) Len() int { return len(e.buf) }

func (e *Encoder) Byte(b byte)     { e.buf = append(e.buf, b) }
func (e *Encoder) Bool(v bool) {
	if v {
		e.Byte(1)
	} else {
		e.Byte(0)
	}
}
func (e *Encoder) Int16(v int16)   { e.Uint16(uint16(v)) }
func (e *Encoder) Uint16(v uint16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }
func (e *Encoder) Int32(v int32)   { e.Uint32(uint32(v)) }
func (e *Encoder) Uint32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *Encoder) Int64(v int64)   { e.Uint64(uint64(v)) }
func (e *Encoder) Uint64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *Encoder) Float32(v float32) { e.Uint32(math.Float32bits(v)) }
func (e *Encoder) Float64(v float64) { e.Uint64(math.Float64bits(v)) }

// Raw appends bytes verbatim, with no length prefix.
func (e *Encoder) Raw(p []byte) { e.buf = append(e.buf, p...) }

// String writes a length-prefixed UTF-8 string; an empty Go string and a
// nil one are indistinguishable, both encode as length -1 (null). The wire
// format distinguishes "no value" from "empty value"; this engine does not
// track that distinction internally, matching most Go servers.
func (e *Encoder) String(s string) {
	if s == "" {
		e.Int32(-1)
		return
	}
	e.Int32(int32(len(s)))
	e.buf = append(e.buf, s...)
}

// ByteString writes a length-prefixed opaque byte string; nil encodes as -1.
func (e *Encoder) ByteString(p []byte) {
	if p == nil {
		e.Int32(-1)
		return
	}
	e.Int32(int32(len(p)))
	e.buf = append(e.buf, p...)
}

// DateTime writes t as 100ns ticks since 1601-01-01 UTC. A zero Time
// encodes as 0, matching the "earliest representable" convention.
func (e *Encoder) DateTime(t time.Time) {
	if t.IsZero() {
		e.Int64(0)
		return
	}
	ticks := (t.Unix()-epoch.Unix())*1e7 + int64(t.Nanosecond())/100
	e.Int64(ticks)
}

// GUID writes a GUID128 in its (u32, u16, u16, 8-byte) wire layout.
func (e *Encoder) GUID(g ids.GUID128) {
	e.Uint32(g.Data1)
	e.Uint16(g.Data2)
	e.Uint16(g.Data3)
	e.Raw(g.Data4[:])
}

// NodeId writes a NodeId using the smallest sufficient encoding-type
// form: two-byte for ns=0 and id<=255, four-byte for ns<=255 and
// id<=65535, numeric otherwise, plus the string/GUID/opaque forms.
func (e *Encoder) NodeId(id ids.NodeId) {
	switch id.Type {
	case ids.Numeric:
		switch {
		case id.Namespace == 0 && id.Numeric <= 0xFF:
			e.Byte(0x00)
			e.Byte(byte(id.Numeric))
		case id.Namespace <= 0xFF && id.Numeric <= 0xFFFF:
			e.Byte(0x01)
			e.Byte(byte(id.Namespace))
			e.Uint16(uint16(id.Numeric))
		default:
			e.Byte(0x02)
			e.Uint16(id.Namespace)
			e.Uint32(id.Numeric)
		}
	case ids.String:
		e.Byte(0x03)
		e.Uint16(id.Namespace)
		e.String(id.Str)
	case ids.GUID:
		e.Byte(0x04)
		e.Uint16(id.Namespace)
		e.GUID(id.Guid)
	case ids.Opaque:
		e.Byte(0x05)
		e.Uint16(id.Namespace)
		e.ByteString([]byte(id.Bytes))
	}
}

// ExpandedNodeId writes the NodeId encoding-type byte with the two high bits
// set when a namespace URI and/or server index are present.
func (e *Encoder) ExpandedNodeId(id ids.ExpandedNodeId) {
	// Encode into a scratch Encoder so the flag bits can be OR'd into
	// the already-chosen encoding-type byte.
	scratch := NewEncoder()
	scratch.NodeId(id.NodeId)
	flagByte := scratch.buf[0]
	if id.NamespaceURI != "" {
		flagByte |= 0x80
	}
	if id.ServerIndex != 0 {
		flagByte |= 0x40
	}
	scratch.buf[0] = flagByte
	e.Raw(scratch.buf)
	if id.NamespaceURI != "" {
		e.String(id.NamespaceURI)
	}
	if id.ServerIndex != 0 {
		e.Uint32(id.ServerIndex)
	}
}

// Decoder reads sequentially from an in-memory buffer. All methods return
// a *status.Error wrapping status.BadDecodingError on underflow or
// malformed content, including any negative length other than -1.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder wraps buf for sequential decoding. The slice is not copied;
// callers must not mutate it while decoding is in progress.
func NewDecoder(buf []byte) *Decoder { return &Decoder{buf: buf} }

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.buf) - d.pos }

// Done reports whether the decoder fully consumed its buffer; the caller
// uses this to reject trailing garbage within a structure.
func (d *Decoder) Done() bool { return d.pos == len(d.buf) }

var errUnderflow = status.New("decode", status.BadDecodingError)

func (d *Decoder) need(n int) error {
	if n < 0 || d.Remaining() < n {
		return errUnderflow
	}
	return nil
}

func (d *Decoder) Byte() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *Decoder) Bool() (bool, error) {
	b, err := d.Byte()
	return b != 0, err
}

func (d *Decoder) Uint16() (uint16, error) {
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v, nil
}
func (d *Decoder) Int16() (int16, error) { v, err := d.Uint16(); return int16(v), err }

func (d *Decoder) Uint32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}
func (d *Decoder) Int32() (int32, error) { v, err := d.Uint32(); return int32(v), err }

func (d *Decoder) Uint64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}
func (d *Decoder) Int64() (int64, error) { v, err := d.Uint64(); return int64(v), err }

func (d *Decoder) Float32() (float32, error) {
	v, err := d.Uint32()
	return math.Float32frombits(v), err
}
func (d *Decoder) Float64() (float64, error) {
	v, err := d.Uint64()
	return math.Float64frombits(v), err
}

// Raw reads n bytes verbatim.
func (d *Decoder) Raw(n int) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	p := d.buf[d.pos : d.pos+n]
	d.pos += n
	return p, nil
}

var errNegativeLength = status.New("decode length", status.BadDecodingError)

// String reads a length-prefixed string. Length -1 decodes as "" (null);
// any other negative length is rejected.
func (d *Decoder) String() (string, error) {
	n, err := d.Int32()
	if err != nil {
		return "", err
	}
	if n == -1 {
		return "", nil
	}
	if n < 0 {
		return "", errNegativeLength
	}
	p, err := d.Raw(int(n))
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// ByteString reads a length-prefixed opaque byte string; -1 decodes as nil.
func (d *Decoder) ByteString() ([]byte, error) {
	n, err := d.Int32()
	if err != nil {
		return nil, err
	}
	if n == -1 {
		return nil, nil
	}
	if n < 0 {
		return nil, errNegativeLength
	}
	p, err := d.Raw(int(n))
	if err != nil {
		return nil, err
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	return cp, nil
}

// DateTime reads a 100ns-tick DateTime relative to the OPC UA epoch.
func (d *Decoder) DateTime() (time.Time, error) {
	ticks, err := d.Int64()
	if err != nil {
		return time.Time{}, err
	}
	if ticks == 0 {
		return time.Time{}, nil
	}
	return time.Unix(epoch.Unix()+ticks/1e7, (ticks%1e7)*100).UTC(), nil
}

func (d *Decoder) GUID() (ids.GUID128, error) {
	var g ids.GUID128
	var err error
	if g.Data1, err = d.Uint32(); err != nil {
		return g, err
	}
	if g.Data2, err = d.Uint16(); err != nil {
		return g, err
	}
	if g.Data3, err = d.Uint16(); err != nil {
		return g, err
	}
	tail, err := d.Raw(8)
	if err != nil {
		return g, err
	}
	copy(g.Data4[:], tail)
	return g, nil
}

var errBadNodeIDEncoding = status.New("decode NodeId", status.BadDecodingError)

// NodeId reads a NodeId, dispatching on the low six bits of the leading
// encoding-type byte; a value outside 0x00-0x05 is rejected.
func (d *Decoder) NodeId() (ids.NodeId, error) {
	b, err := d.Byte()
	if err != nil {
		return ids.NodeId{}, err
	}
	return d.nodeID(b & 0x3F)
}

func (d *Decoder) nodeID(kind byte) (ids.NodeId, error) {
	switch kind {
	case 0x00:
		n, err := d.Byte()
		if err != nil {
			return ids.NodeId{}, err
		}
		return ids.NewNumeric(0, uint32(n)), nil
	case 0x01:
		ns, err := d.Byte()
		if err != nil {
			return ids.NodeId{}, err
		}
		n, err := d.Uint16()
		if err != nil {
			return ids.NodeId{}, err
		}
		return ids.NewNumeric(uint16(ns), uint32(n)), nil
	case 0x02:
		ns, err := d.Uint16()
		if err != nil {
			return ids.NodeId{}, err
		}
		n, err := d.Uint32()
		if err != nil {
			return ids.NodeId{}, err
		}
		return ids.NewNumeric(ns, n), nil
	case 0x03:
		ns, err := d.Uint16()
		if err != nil {
			return ids.NodeId{}, err
		}
		s, err := d.String()
		if err != nil {
			return ids.NodeId{}, err
		}
		return ids.NewString(ns, s), nil
	case 0x04:
		ns, err := d.Uint16()
		if err != nil {
			return ids.NodeId{}, err
		}
		g, err := d.GUID()
		if err != nil {
			return ids.NodeId{}, err
		}
		return ids.NewGUID(ns, g), nil
	case 0x05:
		ns, err := d.Uint16()
		if err != nil {
			return ids.NodeId{}, err
		}
		b, err := d.ByteString()
		if err != nil {
			return ids.NodeId{}, err
		}
		return ids.NewOpaque(ns, b), nil
	default:
		return ids.NodeId{}, errBadNodeIDEncoding
	}
}

// ExpandedNodeId reads a NodeId followed by the optional namespace URI
// and/or server index flagged by the two high bits of the leading byte.
func (d *Decoder) ExpandedNodeId() (ids.ExpandedNodeId, error) {
	b, err := d.Byte()
	if err != nil {
		return ids.ExpandedNodeId{}, err
	}
	id, err := d.nodeID(b & 0x3F)
	if err != nil {
		return ids.ExpandedNodeId{}, err
	}
	exp := ids.ExpandedNodeId{NodeId: id}
	if b&0x80 != 0 {
		uri, err := d.String()
		if err != nil {
			return exp, err
		}
		exp.NamespaceURI = uri
	}
	if b&0x40 != 0 {
		idx, err := d.Uint32()
		if err != nil {
			return exp, err
		}
		exp.ServerIndex = idx
	}
	return exp, nil
}

// ErrTrailingData signals leftover bytes after decoding a fixed structure.
var ErrTrailingData = status.New("ua: trailing data in structure", status.BadDecodingError)

// Drain enforces "no trailing garbage" at the end of a full message body,
// returning ErrTrailingData when unread bytes remain.
func (d *Decoder) Drain() error {
	if !d.Done() {
		return ErrTrailingData
	}
	return nil
}
