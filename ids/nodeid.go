// Package ids implements the NodeId and ExpandedNodeId identifiers that key
// every node in the address space.
package ids

import "fmt"

// IDType selects which of the four NodeId variants is in use. The values
// are package-local tags, not the wire's encoding-type selector; the ua
// codec maps each one to its wire form.
type IDType uint8

const (
	Numeric IDType = iota
	String
	GUID
	Opaque
)

func (t IDType) String() string {
	switch t {
	case Numeric:
		return "numeric"
	case String:
		return "string"
	case GUID:
		return "guid"
	case Opaque:
		return "opaque"
	default:
		return fmt.Sprintf("IDType(%d)", t)
	}
}

// GUID128 is a 128-bit globally unique identifier in the wire's
// (u32, u16, u16, 8-byte array) layout.
type GUID128 struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

// NodeId identifies a node in the server's address space. Exactly one of the
// four payload fields is significant, selected by Type. The zero value is
// the numeric NodeId ns=0;i=0.
//
// Two NodeIds are equal iff Namespace matches and the variant selected by
// Type carries an equal payload. Comparability makes NodeId usable as a
// Go map key directly, which the nodestore relies on.
type NodeId struct {
	Namespace uint16
	Type      IDType

	Numeric uint32
	Str     string
	Guid    GUID128
	Bytes   string // opaque byte-string; stored as string for comparability
}

// NewNumeric returns a numeric NodeId in the given namespace.
func NewNumeric(ns uint16, id uint32) NodeId {
	return NodeId{Namespace: ns, Type: Numeric, Numeric: id}
}

// NewString returns a string NodeId in the given namespace.
func NewString(ns uint16, id string) NodeId {
	return NodeId{Namespace: ns, Type: String, Str: id}
}

// NewGUID returns a GUID NodeId in the given namespace.
func NewGUID(ns uint16, id GUID128) NodeId {
	return NodeId{Namespace: ns, Type: GUID, Guid: id}
}

// NewOpaque returns an opaque byte-string NodeId in the given namespace.
func NewOpaque(ns uint16, id []byte) NodeId {
	return NodeId{Namespace: ns, Type: Opaque, Bytes: string(id)}
}

// IsNull reports whether id is the reserved null NodeId (ns=0;i=0).
func (id NodeId) IsNull() bool {
	return id.Namespace == 0 && id.Type == Numeric && id.Numeric == 0
}

// String renders the common textual NodeId notation, e.g. "ns=1;s=foo".
func (id NodeId) String() string {
	switch id.Type {
	case Numeric:
		return fmt.Sprintf("ns=%d;i=%d", id.Namespace, id.Numeric)
	case String:
		return fmt.Sprintf("ns=%d;s=%s", id.Namespace, id.Str)
	case GUID:
		g := id.Guid
		return fmt.Sprintf("ns=%d;g=%08x-%04x-%04x-%x-%x", id.Namespace,
			g.Data1, g.Data2, g.Data3, g.Data4[:2], g.Data4[2:])
	case Opaque:
		return fmt.Sprintf("ns=%d;b=%x", id.Namespace, []byte(id.Bytes))
	default:
		return fmt.Sprintf("ns=%d;?(%d)", id.Namespace, id.Type)
	}
}

// ExpandedNodeId adds the cross-server addressing fields to a NodeId: an
// optional namespace URI (overriding Namespace's numeric lookup) and an
// optional server index for targets that live on another server.
type ExpandedNodeId struct {
	NodeId
	NamespaceURI string
	ServerIndex  uint32
}

// Local reports whether the target resides on the local server, i.e. no
// namespace URI override and a zero server index.
func (e ExpandedNodeId) Local() bool {
	return e.NamespaceURI == "" && e.ServerIndex == 0
}

// Expanded promotes a NodeId to a local ExpandedNodeId.
func (id NodeId) Expanded() ExpandedNodeId {
	return ExpandedNodeId{NodeId: id}
}
