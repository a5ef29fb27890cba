// Package dispatch implements the request router: a static mapping from a
// request's binary-encoding NodeId to a (decode, handle, encode) triple.
// Routing is a literal table, not generated code; the structured bodies
// themselves are concrete Go types (see service/header.go's doc comment
// for why).
package dispatch

import (
	"github.com/fenwick-automation/opcuacore/ids"
	"github.com/fenwick-automation/opcuacore/status"
	"github.com/fenwick-automation/opcuacore/ua"
)

// Handler decodes a request body, runs the service operation, and returns
// the response for the caller to encode, all without touching transport,
// security or session bookkeeping; the channel and session layers do that
// around it.
type Handler func(d *ua.Decoder, ctx Context) (Response, error)

// Context carries what a handler needs to reach the rest of the engine
// without dispatch importing every service package directly.
type Context struct {
	SessionToken ids.NodeId
	ChannelID    uint32
}

// Response is anything with an Encode method, satisfied by every service
// response/request type.
type Response interface {
	Encode(e *ua.Encoder) error
}

// Table is the static request-type-NodeId -> Handler mapping.
type Table struct {
	handlers map[ids.NodeId]Handler
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{handlers: make(map[ids.NodeId]Handler)}
}

// Register binds requestTypeID (the NodeId naming that request's binary
// encoding, namespace 0) to handler.
func (t *Table) Register(requestTypeID ids.NodeId, handler Handler) {
	t.handlers[requestTypeID] = handler
}

// Dispatch decodes requestTypeID's body from d and runs its handler.
// Unknown request ids produce a nil Response and BadServiceUnsupported,
// which the caller turns into a ServiceFault, keeping
// this package free of a dependency on package service's ServiceFault type.
func (t *Table) Dispatch(requestTypeID ids.NodeId, d *ua.Decoder, ctx Context) (Response, status.Code) {
	h, ok := t.handlers[requestTypeID]
	if !ok {
		return nil, status.BadServiceUnsupported
	}
	resp, err := h(d, ctx)
	if err != nil {
		if code, ok := status.Of(err); ok {
			return nil, code
		}
		return nil, status.BadInternalError
	}
	return resp, status.Good
}
