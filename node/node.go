// Package node defines the address-space data model: a polymorphic Node
// record with a common header and a class-specific body, plus the
// Reference type linking nodes. Node is a tagged variant — Class selects
// which Body field is meaningful — rather than an interface hierarchy,
// keeping encode/decode and masking logic switch-based.
package node

import (
	"github.com/fenwick-automation/opcuacore/ids"
	"github.com/fenwick-automation/opcuacore/ua"
)

// Class identifies which body variant a Node carries.
type Class int32

const (
	ClassObject Class = 1 << iota
	ClassVariable
	ClassMethod
	ClassObjectType
	ClassVariableType
	ClassReferenceType
	ClassDataType
	ClassView
)

// Direction distinguishes a Reference's forward/inverse orientation.
type Direction bool

const (
	Forward Direction = true
	Inverse Direction = false
)

// Reference is a typed, directional edge to another node. Every
// Reference stored on a node has a paired counterpart on the target node
// with the opposite Direction and the reference type's inverse — maintained
// atomically by the nodestore/addrspace layer, not
// by this type itself, which is a plain value.
type Reference struct {
	ReferenceType ids.NodeId
	Target        ids.ExpandedNodeId
	Dir           Direction
}

// Node is the common header shared by every node class, plus the
// class-specific Body. Exactly one Body field is populated, selected by
// Class.
type Node struct {
	ID          ids.NodeId
	Class       Class
	BrowseName  ua.QualifiedName
	DisplayName ua.LocalizedText
	Description ua.LocalizedText
	WriteMask   uint32
	UserWriteMask uint32
	References  []Reference

	Object         *ObjectBody
	Variable       *VariableBody
	Method         *MethodBody
	ObjectType     *ObjectTypeBody
	VariableType   *VariableTypeBody
	ReferenceType  *ReferenceTypeBody
	DataType       *DataTypeBody
	View           *ViewBody
}

// ObjectBody is the Object node class's body: just an EventNotifier bit
// set beyond the common header.
type ObjectBody struct {
	EventNotifier byte
}

// ValueSource lets a Variable's Value attribute be backed by an external
// producer instead of server-local storage. Both
// callbacks are optional; a nil Read falls back to the stored DataValue, a
// nil Write makes the variable effectively read-only from the network's
// perspective even if AccessLevel allows writes.
type ValueSource struct {
	Read  func(nodeID ids.NodeId, indexRange string) (ua.DataValue, error)
	Write func(nodeID ids.NodeId, indexRange string, value ua.DataValue) error
}

// VariableBody is the Variable node class's body.
type VariableBody struct {
	Value                 ua.DataValue
	DataType              ids.NodeId
	ValueRank             ua.ValueRank
	ArrayDimensions       []uint32
	AccessLevel           byte
	UserAccessLevel       byte
	Historizing           bool
	MinimumSamplingInterval float64

	Source *ValueSource // nil => internal storage in Value
}

// MethodBody is the Method node class's body. Executable gates the
// Executable/UserExecutable attributes. Exactly one of Call and AsyncCall
// is normally set: Call runs synchronously on the dispatching goroutine;
// AsyncCall is for a method whose implementation posts to an external
// event loop and completes later. It receives a done callback instead of
// returning results directly, so the Call service can return immediately
// and let completion arrive out of band.
type MethodBody struct {
	Executable     bool
	UserExecutable bool
	InputArguments []Argument
	Call           func(objectID ids.NodeId, args []ua.Variant) ([]ua.Variant, error)
	AsyncCall      func(objectID ids.NodeId, args []ua.Variant, done func([]ua.Variant, error))
}

// Argument describes one method parameter, the in-memory form of the
// standard Argument structure a method's InputArguments property exposes.
// Call validates each supplied input against it.
type Argument struct {
	Name      string
	DataType  ids.NodeId
	ValueRank ua.ValueRank
	TypeTag   ua.TypeID // wire-level element type the Variant must carry; TypeNull accepts any
}

// ObjectTypeBody is the ObjectType node class's body.
type ObjectTypeBody struct {
	IsAbstract bool
}

// VariableTypeBody is the VariableType node class's body.
type VariableTypeBody struct {
	Value           ua.DataValue
	DataType        ids.NodeId
	ValueRank       ua.ValueRank
	ArrayDimensions []uint32
	IsAbstract      bool
}

// ReferenceTypeBody is the ReferenceType node class's body.
type ReferenceTypeBody struct {
	IsAbstract   bool
	Symmetric    bool
	InverseName  ua.LocalizedText
}

// DataTypeBody is the DataType node class's body.
type DataTypeBody struct {
	IsAbstract bool
}

// ViewBody is the View node class's body.
type ViewBody struct {
	ContainsNoLoops bool
	EventNotifier   byte
}

// AddReference appends ref to n's reference list. Callers are expected to
// call this symmetrically on both endpoints; node itself has
// no notion of "the other side".
func (n *Node) AddReference(ref Reference) {
	n.References = append(n.References, ref)
}

// RemoveReference deletes the first reference matching refType/target/dir,
// reporting whether one was found.
func (n *Node) RemoveReference(refType ids.NodeId, target ids.ExpandedNodeId, dir Direction) bool {
	for i, r := range n.References {
		if r.ReferenceType == refType && r.Target == target && r.Dir == dir {
			n.References = append(n.References[:i], n.References[i+1:]...)
			return true
		}
	}
	return false
}

// ReferencesByDirection returns the subset of n.References matching dir.
func (n *Node) ReferencesByDirection(dir Direction) []Reference {
	var out []Reference
	for _, r := range n.References {
		if r.Dir == dir {
			out = append(out, r)
		}
	}
	return out
}

// Clone returns a deep-enough copy of n suitable for nodestore's
// copy-on-write replace path: the Body pointer is duplicated (shallow body
// field copy) and References gets its own backing array, so mutating the
// clone never aliases the stored node.
func (n *Node) Clone() *Node {
	c := *n
	c.References = append([]Reference(nil), n.References...)
	if n.Object != nil {
		b := *n.Object
		c.Object = &b
	}
	if n.Variable != nil {
		b := *n.Variable
		b.ArrayDimensions = append([]uint32(nil), n.Variable.ArrayDimensions...)
		c.Variable = &b
	}
	if n.Method != nil {
		b := *n.Method
		c.Method = &b
	}
	if n.ObjectType != nil {
		b := *n.ObjectType
		c.ObjectType = &b
	}
	if n.VariableType != nil {
		b := *n.VariableType
		b.ArrayDimensions = append([]uint32(nil), n.VariableType.ArrayDimensions...)
		c.VariableType = &b
	}
	if n.ReferenceType != nil {
		b := *n.ReferenceType
		c.ReferenceType = &b
	}
	if n.DataType != nil {
		b := *n.DataType
		c.DataType = &b
	}
	if n.View != nil {
		b := *n.View
		c.View = &b
	}
	return &c
}
