// Package service defines the structured request/response types exchanged
// over an open SecureChannel, each with explicit Encode/Decode methods
// built on ua.Encoder and ua.Decoder. Structured bodies are concrete Go
// structs with hand-written codec methods; the table-driven part lives
// where it actually matters, in package dispatch's request-id routing
// table, so no runtime reflection runs on any message.
package service

import (
	"time"

	"github.com/fenwick-automation/opcuacore/ids"
	"github.com/fenwick-automation/opcuacore/status"
	"github.com/fenwick-automation/opcuacore/ua"
)

// RequestHeader is the common header prefixing every service request.
type RequestHeader struct {
	AuthenticationToken ids.NodeId
	Timestamp           time.Time
	RequestHandle       uint32
	ReturnDiagnostics   uint32
	AuditEntryID        string
	TimeoutHint         uint32
}

func (h RequestHeader) Encode(e *ua.Encoder) error {
	e.NodeId(h.AuthenticationToken)
	e.DateTime(h.Timestamp)
	e.Uint32(h.RequestHandle)
	e.Uint32(h.ReturnDiagnostics)
	e.String(h.AuditEntryID)
	e.Uint32(h.TimeoutHint)
	return nil
}

func DecodeRequestHeader(d *ua.Decoder) (RequestHeader, error) {
	var h RequestHeader
	var err error
	if h.AuthenticationToken, err = d.NodeId(); err != nil {
		return h, err
	}
	if h.Timestamp, err = d.DateTime(); err != nil {
		return h, err
	}
	if h.RequestHandle, err = d.Uint32(); err != nil {
		return h, err
	}
	if h.ReturnDiagnostics, err = d.Uint32(); err != nil {
		return h, err
	}
	if h.AuditEntryID, err = d.String(); err != nil {
		return h, err
	}
	if h.TimeoutHint, err = d.Uint32(); err != nil {
		return h, err
	}
	return h, nil
}

// ResponseHeader is the common header prefixing every service response.
type ResponseHeader struct {
	Timestamp         time.Time
	RequestHandle     uint32
	ServiceResult     status.Code
	StringTable       []string
}

func (h ResponseHeader) Encode(e *ua.Encoder) error {
	e.DateTime(h.Timestamp)
	e.Uint32(h.RequestHandle)
	e.Uint32(uint32(h.ServiceResult))
	e.Int32(int32(len(h.StringTable)))
	for _, s := range h.StringTable {
		e.String(s)
	}
	return nil
}

func DecodeResponseHeader(d *ua.Decoder) (ResponseHeader, error) {
	var h ResponseHeader
	var err error
	if h.Timestamp, err = d.DateTime(); err != nil {
		return h, err
	}
	if h.RequestHandle, err = d.Uint32(); err != nil {
		return h, err
	}
	var sr uint32
	if sr, err = d.Uint32(); err != nil {
		return h, err
	}
	h.ServiceResult = status.Code(sr)
	n, err := d.Int32()
	if err != nil {
		return h, err
	}
	if n > 0 {
		h.StringTable = make([]string, n)
		for i := range h.StringTable {
			if h.StringTable[i], err = d.String(); err != nil {
				return h, err
			}
		}
	}
	return h, nil
}

// NewResponseHeader builds a ResponseHeader echoing req's handle, stamped
// with now and the given result code.
func NewResponseHeader(req RequestHeader, now time.Time, result status.Code) ResponseHeader {
	return ResponseHeader{Timestamp: now, RequestHandle: req.RequestHandle, ServiceResult: result}
}

// ServiceFault is the response body for a request that cannot be routed or
// that fails before a typed response can be built. Package dispatch reports
// those cases as a status code; its caller builds the ServiceFault.
type ServiceFault struct {
	Header ResponseHeader
}

func (f ServiceFault) Encode(e *ua.Encoder) error {
	return f.Header.Encode(e)
}
