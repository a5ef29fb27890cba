// Package addrspace implements the attribute service layer:
// Browse/BrowseNext, TranslateBrowsePathsToNodeIds, Read/Write,
// AddNode/DeleteNode, and Call, all built over package nodestore and
// package node. Because of nodestore's read-copy-update discipline, every
// mutation here goes borrow-clone-replace instead of mutating a borrowed
// node in place.
package addrspace

import (
	"strconv"
	"strings"

	"github.com/agext/uuid"

	"github.com/fenwick-automation/opcuacore/ids"
	"github.com/fenwick-automation/opcuacore/node"
	"github.com/fenwick-automation/opcuacore/nodestore"
	"github.com/fenwick-automation/opcuacore/service"
	"github.com/fenwick-automation/opcuacore/status"
	"github.com/fenwick-automation/opcuacore/ua"
)

// Space is the address space: a nodestore plus the services layered over it.
type Space struct {
	Store *nodestore.Store
}

// New returns an empty Space.
func New() *Space {
	return &Space{Store: nodestore.New()}
}

// AddReference links a forward reference (from, refType, to) and its
// paired inverse (to, refType, from). Both nodes must already exist.
func (sp *Space) AddReference(from ids.NodeId, refType ids.NodeId, to ids.ExpandedNodeId) status.Code {
	fromRef, code := sp.Store.Get(from)
	if code != status.Good {
		return code
	}
	defer fromRef.Release()
	fromNode := fromRef.Node().Clone()
	fromNode.AddReference(node.Reference{ReferenceType: refType, Target: to, Dir: node.Forward})
	if code := sp.Store.Replace(fromNode); code != status.Good {
		return code
	}

	if to.Local() {
		toRef, code := sp.Store.Get(to.NodeId)
		if code != status.Good {
			return code
		}
		defer toRef.Release()
		toNode := toRef.Node().Clone()
		toNode.AddReference(node.Reference{ReferenceType: refType, Target: from.Expanded(), Dir: node.Inverse})
		return sp.Store.Replace(toNode)
	}
	return status.Good
}

// RemoveReference removes both halves of a reference pair.
func (sp *Space) RemoveReference(from ids.NodeId, refType ids.NodeId, to ids.ExpandedNodeId) status.Code {
	fromRef, code := sp.Store.Get(from)
	if code != status.Good {
		return code
	}
	defer fromRef.Release()
	fromNode := fromRef.Node().Clone()
	fromNode.RemoveReference(refType, to, node.Forward)
	if code := sp.Store.Replace(fromNode); code != status.Good {
		return code
	}

	if to.Local() {
		toRef, code := sp.Store.Get(to.NodeId)
		if code != status.Good {
			return code
		}
		defer toRef.Release()
		toNode := toRef.Node().Clone()
		toNode.RemoveReference(refType, from.Expanded(), node.Inverse)
		return sp.Store.Replace(toNode)
	}
	return status.Good
}

// subtypesOf returns refType plus every reference type reachable from it by
// following forward HasSubtype references, DFS, cycle-safe.
func (sp *Space) subtypesOf(refType ids.NodeId) map[ids.NodeId]bool {
	visited := map[ids.NodeId]bool{refType: true}
	var walk func(ids.NodeId)
	walk = func(t ids.NodeId) {
		ref, code := sp.Store.Get(t)
		if code != status.Good {
			return
		}
		defer ref.Release()
		for _, r := range ref.Node().References {
			if r.Dir != node.Forward || r.ReferenceType != node.HasSubtypeRefType {
				continue
			}
			if !r.Target.Local() {
				continue
			}
			if !visited[r.Target.NodeId] {
				visited[r.Target.NodeId] = true
				walk(r.Target.NodeId)
			}
		}
	}
	walk(refType)
	return visited
}

// BrowseCursor is the opaque iteration state behind a continuation point
//. The session layer owns cookie<->cursor storage; this package only
// produces and consumes cursors.
type BrowseCursor struct {
	References []service.ReferenceDescription
	Offset     int
}

// Browse executes one BrowseDescription against start.
func (sp *Space) Browse(start ids.NodeId, desc service.BrowseDescription, maxPerNode uint32) (service.BrowseResult, *BrowseCursor) {
	ref, code := sp.Store.Get(start)
	if code != status.Good {
		return service.BrowseResult{StatusCode: code}, nil
	}
	defer ref.Release()

	var acceptedTypes map[ids.NodeId]bool
	if !desc.ReferenceTypeID.IsNull() {
		if desc.IncludeSubtypes {
			acceptedTypes = sp.subtypesOf(desc.ReferenceTypeID)
		} else {
			acceptedTypes = map[ids.NodeId]bool{desc.ReferenceTypeID: true}
		}
	}

	var out []service.ReferenceDescription
	for _, r := range ref.Node().References {
		if !desc.Both {
			if desc.Direction == node.Forward && r.Dir != node.Forward {
				continue
			}
			if desc.Direction == node.Inverse && r.Dir != node.Inverse {
				continue
			}
		}
		if acceptedTypes != nil && !acceptedTypes[r.ReferenceType] {
			continue
		}
		out = append(out, sp.describeReference(r))
	}

	if maxPerNode == 0 || uint32(len(out)) <= maxPerNode {
		return service.BrowseResult{StatusCode: status.Good, References: out}, nil
	}

	first := out[:maxPerNode]
	cursor := &BrowseCursor{References: out, Offset: int(maxPerNode)}
	return service.BrowseResult{StatusCode: status.Good, References: first}, cursor
}

// BrowseNext resumes cursor, returning up to maxPerNode more references
// and a cursor for the remainder, or nil when exhausted.
func (sp *Space) BrowseNext(cursor *BrowseCursor, maxPerNode uint32) (service.BrowseResult, *BrowseCursor) {
	remaining := cursor.References[cursor.Offset:]
	if maxPerNode == 0 || uint32(len(remaining)) <= maxPerNode {
		return service.BrowseResult{StatusCode: status.Good, References: remaining}, nil
	}
	next := remaining[:maxPerNode]
	return service.BrowseResult{StatusCode: status.Good, References: next}, &BrowseCursor{References: cursor.References, Offset: cursor.Offset + int(maxPerNode)}
}

func (sp *Space) describeReference(r node.Reference) service.ReferenceDescription {
	rd := service.ReferenceDescription{
		ReferenceTypeID: r.ReferenceType,
		IsForward:       r.Dir == node.Forward,
		NodeID:          r.Target,
	}
	if r.Target.Local() {
		if tref, code := sp.Store.Get(r.Target.NodeId); code == status.Good {
			defer tref.Release()
			tn := tref.Node()
			rd.BrowseName = tn.BrowseName
			rd.DisplayName = tn.DisplayName
			rd.NodeClass = tn.Class
			rd.TypeDefinition = sp.typeDefinitionOf(tn)
		}
	}
	return rd
}

func (sp *Space) typeDefinitionOf(n *node.Node) ids.ExpandedNodeId {
	for _, r := range n.References {
		if r.Dir == node.Forward && r.ReferenceType == node.HasTypeDefinitionRefType {
			return r.Target
		}
	}
	return ids.ExpandedNodeId{}
}

// TranslateBrowsePath resolves one BrowsePath.
func (sp *Space) TranslateBrowsePath(bp service.BrowsePath) service.BrowsePathResult {
	current := []ids.NodeId{bp.StartingNode}
	for i, elem := range bp.RelativePath {
		var next []ids.NodeId
		var acceptedTypes map[ids.NodeId]bool
		if !elem.ReferenceTypeID.IsNull() {
			if elem.IncludeSubtypes {
				acceptedTypes = sp.subtypesOf(elem.ReferenceTypeID)
			} else {
				acceptedTypes = map[ids.NodeId]bool{elem.ReferenceTypeID: true}
			}
		}
		for _, nodeID := range current {
			ref, code := sp.Store.Get(nodeID)
			if code != status.Good {
				continue
			}
			for _, r := range ref.Node().References {
				wantDir := node.Forward
				if elem.IsInverse {
					wantDir = node.Inverse
				}
				if r.Dir != wantDir {
					continue
				}
				if acceptedTypes != nil && !acceptedTypes[r.ReferenceType] {
					continue
				}
				if !r.Target.Local() {
					continue
				}
				tref, code := sp.Store.Get(r.Target.NodeId)
				if code != status.Good {
					continue
				}
				if tref.Node().BrowseName == elem.TargetName {
					next = append(next, r.Target.NodeId)
				}
				tref.Release()
			}
			ref.Release()
		}
		if len(next) == 0 {
			return service.BrowsePathResult{StatusCode: status.BadNotFound, Targets: []service.BrowsePathTarget{{RemainingPathIndex: uint32(i)}}}
		}
		current = next
	}

	targets := make([]service.BrowsePathTarget, len(current))
	for i, nid := range current {
		targets[i] = service.BrowsePathTarget{TargetID: nid.Expanded(), RemainingPathIndex: 0xFFFFFFFF}
	}
	return service.BrowsePathResult{StatusCode: status.Good, Targets: targets}
}

// applyIndexRange slices a Variant per an OPC UA index range string of the
// form "i" or "i:j". An empty range is a
// no-op.
func applyIndexRange(v ua.Variant, rangeStr string) (ua.Variant, status.Code) {
	if rangeStr == "" {
		return v, status.Good
	}
	if !v.IsArray {
		return ua.Variant{}, status.BadIndexRangeInvalid
	}
	parts := strings.SplitN(rangeStr, ":", 2)
	lo, err := strconv.Atoi(parts[0])
	if err != nil || lo < 0 {
		return ua.Variant{}, status.BadIndexRangeInvalid
	}
	hi := lo
	if len(parts) == 2 {
		hi, err = strconv.Atoi(parts[1])
		if err != nil || hi < lo {
			return ua.Variant{}, status.BadIndexRangeInvalid
		}
	}
	if lo >= len(v.Elements) {
		return ua.Variant{}, status.BadIndexRangeNoData
	}
	if hi >= len(v.Elements) {
		hi = len(v.Elements) - 1
	}
	return ua.Variant{Type: v.Type, IsArray: true, Elements: append([]any(nil), v.Elements[lo:hi+1]...)}, status.Good
}

// ReadAttribute resolves one ReadValueID.
func (sp *Space) ReadAttribute(rv service.ReadValueID) ua.DataValue {
	ref, code := sp.Store.Get(rv.NodeID)
	if code != status.Good {
		return ua.DataValue{HasStatus: true, Status: code}
	}
	defer ref.Release()
	n := ref.Node()

	switch rv.AttributeID {
	case node.AttrNodeId:
		return ua.NewValue(ua.NewScalar(ua.TypeNodeId, n.ID))
	case node.AttrNodeClass:
		return ua.NewValue(ua.NewScalar(ua.TypeInt32, int32(n.Class)))
	case node.AttrBrowseName:
		return ua.NewValue(ua.NewScalar(ua.TypeQualifiedName, n.BrowseName))
	case node.AttrDisplayName:
		return ua.NewValue(ua.NewScalar(ua.TypeLocalizedText, n.DisplayName))
	case node.AttrDescription:
		return ua.NewValue(ua.NewScalar(ua.TypeLocalizedText, n.Description))
	case node.AttrWriteMask:
		return ua.NewValue(ua.NewScalar(ua.TypeUInt32, n.WriteMask))
	case node.AttrUserWriteMask:
		return ua.NewValue(ua.NewScalar(ua.TypeUInt32, n.UserWriteMask))
	case node.AttrValue:
		return sp.readValue(n, rv.IndexRange)
	case node.AttrDataType:
		switch {
		case n.Variable != nil:
			return ua.NewValue(ua.NewScalar(ua.TypeNodeId, n.Variable.DataType))
		case n.VariableType != nil:
			return ua.NewValue(ua.NewScalar(ua.TypeNodeId, n.VariableType.DataType))
		}
		return ua.DataValue{HasStatus: true, Status: status.BadAttributeIDInvalid}
	case node.AttrValueRank:
		switch {
		case n.Variable != nil:
			return ua.NewValue(ua.NewScalar(ua.TypeInt32, int32(n.Variable.ValueRank)))
		case n.VariableType != nil:
			return ua.NewValue(ua.NewScalar(ua.TypeInt32, int32(n.VariableType.ValueRank)))
		}
		return ua.DataValue{HasStatus: true, Status: status.BadAttributeIDInvalid}
	case node.AttrAccessLevel:
		if n.Variable == nil {
			return ua.DataValue{HasStatus: true, Status: status.BadAttributeIDInvalid}
		}
		return ua.NewValue(ua.NewScalar(ua.TypeByte, n.Variable.AccessLevel))
	case node.AttrUserAccessLevel:
		if n.Variable == nil {
			return ua.DataValue{HasStatus: true, Status: status.BadAttributeIDInvalid}
		}
		return ua.NewValue(ua.NewScalar(ua.TypeByte, n.Variable.UserAccessLevel))
	case node.AttrHistorizing:
		if n.Variable == nil {
			return ua.DataValue{HasStatus: true, Status: status.BadAttributeIDInvalid}
		}
		return ua.NewValue(ua.NewScalar(ua.TypeBoolean, n.Variable.Historizing))
	case node.AttrMinimumSamplingInterval:
		if n.Variable == nil {
			return ua.DataValue{HasStatus: true, Status: status.BadAttributeIDInvalid}
		}
		return ua.NewValue(ua.NewScalar(ua.TypeDouble, n.Variable.MinimumSamplingInterval))
	case node.AttrIsAbstract:
		switch {
		case n.ObjectType != nil:
			return ua.NewValue(ua.NewScalar(ua.TypeBoolean, n.ObjectType.IsAbstract))
		case n.VariableType != nil:
			return ua.NewValue(ua.NewScalar(ua.TypeBoolean, n.VariableType.IsAbstract))
		case n.ReferenceType != nil:
			return ua.NewValue(ua.NewScalar(ua.TypeBoolean, n.ReferenceType.IsAbstract))
		case n.DataType != nil:
			return ua.NewValue(ua.NewScalar(ua.TypeBoolean, n.DataType.IsAbstract))
		}
		return ua.DataValue{HasStatus: true, Status: status.BadAttributeIDInvalid}
	case node.AttrExecutable:
		if n.Method == nil {
			return ua.DataValue{HasStatus: true, Status: status.BadAttributeIDInvalid}
		}
		return ua.NewValue(ua.NewScalar(ua.TypeBoolean, n.Method.Executable))
	case node.AttrUserExecutable:
		if n.Method == nil {
			return ua.DataValue{HasStatus: true, Status: status.BadAttributeIDInvalid}
		}
		return ua.NewValue(ua.NewScalar(ua.TypeBoolean, n.Method.UserExecutable))
	case node.AttrEventNotifier:
		switch {
		case n.Object != nil:
			return ua.NewValue(ua.NewScalar(ua.TypeByte, n.Object.EventNotifier))
		case n.View != nil:
			return ua.NewValue(ua.NewScalar(ua.TypeByte, n.View.EventNotifier))
		}
		return ua.DataValue{HasStatus: true, Status: status.BadAttributeIDInvalid}
	default:
		return ua.DataValue{HasStatus: true, Status: status.BadAttributeIDInvalid}
	}
}

func (sp *Space) readValue(n *node.Node, indexRange string) ua.DataValue {
	if n.Variable == nil {
		return ua.DataValue{HasStatus: true, Status: status.BadAttributeIDInvalid}
	}
	if n.Variable.Source != nil && n.Variable.Source.Read != nil {
		dv, err := n.Variable.Source.Read(n.ID, indexRange)
		if err != nil {
			if c, ok := status.Of(err); ok {
				return ua.DataValue{HasStatus: true, Status: c}
			}
			return ua.DataValue{HasStatus: true, Status: status.BadInternalError}
		}
		return dv
	}
	if indexRange == "" {
		return n.Variable.Value
	}
	v, code := applyIndexRange(n.Variable.Value.Value, indexRange)
	if code != status.Good {
		return ua.DataValue{HasStatus: true, Status: code}
	}
	dv := n.Variable.Value
	dv.Value = v
	return dv
}

// WriteAttribute applies one WriteValue.
func (sp *Space) WriteAttribute(wv service.WriteValue) status.Code {
	if wv.AttributeID != node.AttrValue {
		return status.BadWriteNotSupported
	}
	ref, code := sp.Store.Get(wv.NodeID)
	if code != status.Good {
		return code
	}
	defer ref.Release()
	n := ref.Node()
	if n.Variable == nil {
		return status.BadAttributeIDInvalid
	}
	if n.Variable.AccessLevel&0x02 == 0 { // bit 1 = CurrentWrite
		return status.BadNotWritable
	}

	if code := typeCheck(*n.Variable, wv.Value.Value); code != status.Good {
		return code
	}

	if n.Variable.Source != nil {
		if n.Variable.Source.Write == nil {
			return status.BadWriteNotSupported
		}
		if err := n.Variable.Source.Write(n.ID, wv.IndexRange, wv.Value); err != nil {
			if c, ok := status.Of(err); ok {
				return c
			}
			return status.BadInternalError
		}
		return status.Good
	}

	clone := n.Clone()
	if wv.IndexRange == "" {
		clone.Variable.Value = wv.Value
	} else {
		// Index-range writes replace the addressed slice in place; this
		// engine keeps array storage as a flat Elements slice, so the
		// slice bounds from applyIndexRange are reused to splice the new
		// elements in.
		_, code := applyIndexRange(clone.Variable.Value.Value, wv.IndexRange)
		if code != status.Good {
			return code
		}
		lo, _ := parseIndexRangeStart(wv.IndexRange)
		for i, el := range wv.Value.Value.Elements {
			if lo+i < len(clone.Variable.Value.Value.Elements) {
				clone.Variable.Value.Value.Elements[lo+i] = el
			}
		}
	}
	return sp.Store.Replace(clone)
}

func parseIndexRangeStart(rangeStr string) (int, error) {
	parts := strings.SplitN(rangeStr, ":", 2)
	return strconv.Atoi(parts[0])
}

// typeCheck enforces Write's shape constraints: value rank, array
// dimensions, and element type against the stored value. No check against
// the DataType hierarchy is made, here or in WriteAttribute: when a value
// is stored, the written element type must equal its type exactly, so a
// subtype of the variable's DataType is rejected unless its wire type tag
// is the same.
func typeCheck(vb node.VariableBody, v ua.Variant) status.Code {
	if v.IsArray && vb.ValueRank == ua.RankScalar {
		return status.BadTypeMismatch
	}
	if !v.IsArray && vb.ValueRank >= ua.RankOneDim {
		return status.BadTypeMismatch
	}
	if len(vb.ArrayDimensions) > 0 && v.IsArray {
		product := 1
		for _, d := range vb.ArrayDimensions {
			product *= int(d)
		}
		if len(v.Elements) != product {
			return status.BadTypeMismatch
		}
	}
	if !vb.Value.Value.IsNull() && vb.Value.Value.Type != v.Type && v.Type != ua.TypeNull {
		return status.BadTypeMismatch
	}
	return status.Good
}

// Call invokes a method node.
func (sp *Space) Call(req service.CallMethodRequest) service.CallMethodResult {
	objRef, code := sp.Store.Get(req.ObjectID)
	if code != status.Good {
		return service.CallMethodResult{StatusCode: code}
	}
	defer objRef.Release()

	methRef, code := sp.Store.Get(req.MethodID)
	if code != status.Good {
		return service.CallMethodResult{StatusCode: code}
	}
	defer methRef.Release()

	if methRef.Node().Method == nil {
		return service.CallMethodResult{StatusCode: status.BadMethodInvalid}
	}

	if !sp.isComponentOf(objRef.Node(), req.MethodID) {
		return service.CallMethodResult{StatusCode: status.BadMethodInvalid}
	}

	m := methRef.Node().Method
	if !m.Executable {
		return service.CallMethodResult{StatusCode: status.BadNotExecutable}
	}
	if m.Call == nil {
		return service.CallMethodResult{StatusCode: status.BadNotExecutable}
	}

	if argResults, code := validateArgs(m.InputArguments, req.InputArguments); code != status.Good {
		return service.CallMethodResult{StatusCode: code, InputArgumentResults: argResults}
	}

	out, err := m.Call(req.ObjectID, req.InputArguments)
	if err != nil {
		if c, ok := status.Of(err); ok {
			return service.CallMethodResult{StatusCode: c}
		}
		return service.CallMethodResult{StatusCode: status.BadInternalError}
	}

	results := make([]status.Code, len(req.InputArguments))
	for i := range results {
		results[i] = status.Good
	}
	return service.CallMethodResult{StatusCode: status.Good, InputArgumentResults: results, OutputArguments: out}
}

// CallAsync invokes a method whose implementation completes on an external
// event loop. Validation runs synchronously exactly
// as in Call; the implementation's results are delivered to done on
// whatever goroutine the implementation completes on. A method carrying
// only a synchronous Call still works here: it runs on the spot and done
// fires before CallAsync returns.
func (sp *Space) CallAsync(req service.CallMethodRequest, done func(service.CallMethodResult)) {
	objRef, code := sp.Store.Get(req.ObjectID)
	if code != status.Good {
		done(service.CallMethodResult{StatusCode: code})
		return
	}
	defer objRef.Release()

	methRef, code := sp.Store.Get(req.MethodID)
	if code != status.Good {
		done(service.CallMethodResult{StatusCode: code})
		return
	}
	defer methRef.Release()

	m := methRef.Node().Method
	if m == nil || !sp.isComponentOf(objRef.Node(), req.MethodID) {
		done(service.CallMethodResult{StatusCode: status.BadMethodInvalid})
		return
	}
	if !m.Executable {
		done(service.CallMethodResult{StatusCode: status.BadNotExecutable})
		return
	}

	if m.AsyncCall == nil {
		done(sp.Call(req))
		return
	}

	if argResults, code := validateArgs(m.InputArguments, req.InputArguments); code != status.Good {
		done(service.CallMethodResult{StatusCode: code, InputArgumentResults: argResults})
		return
	}

	argCount := len(req.InputArguments)
	m.AsyncCall(req.ObjectID, req.InputArguments, func(out []ua.Variant, err error) {
		if err != nil {
			if c, ok := status.Of(err); ok {
				done(service.CallMethodResult{StatusCode: c})
				return
			}
			done(service.CallMethodResult{StatusCode: status.BadInternalError})
			return
		}
		results := make([]status.Code, argCount)
		for i := range results {
			results[i] = status.Good
		}
		done(service.CallMethodResult{StatusCode: status.Good, InputArgumentResults: results, OutputArguments: out})
	})
}

// validateArgs checks the supplied inputs against the method's declared
// arguments: count first, then per-argument shape and element
// type. A method declaring no arguments accepts any input list, keeping
// implementations that validate internally working unchanged.
func validateArgs(decl []node.Argument, args []ua.Variant) ([]status.Code, status.Code) {
	if len(decl) == 0 {
		return nil, status.Good
	}
	if len(args) < len(decl) {
		return nil, status.BadArgumentsMissing
	}
	if len(args) > len(decl) {
		return nil, status.BadTooManyArguments
	}
	results := make([]status.Code, len(args))
	bad := false
	for i, a := range decl {
		results[i] = status.Good
		v := args[i]
		if (v.IsArray && a.ValueRank == ua.RankScalar) || (!v.IsArray && a.ValueRank >= ua.RankOneDim) {
			results[i] = status.BadTypeMismatch
			bad = true
			continue
		}
		if a.TypeTag != ua.TypeNull && v.Type != a.TypeTag {
			results[i] = status.BadTypeMismatch
			bad = true
		}
	}
	if bad {
		return results, status.BadInvalidArgument
	}
	return results, status.Good
}

func (sp *Space) isComponentOf(obj *node.Node, methodID ids.NodeId) bool {
	for _, r := range obj.References {
		if r.Dir == node.Forward && r.ReferenceType == node.HasComponentRefType && r.Target.Local() && r.Target.NodeId == methodID {
			return true
		}
	}
	return false
}

// freshInstanceID mints an opaque NodeId for a newly instantiated object or
// variable, drawing its identifier bytes from a
// cryptographic-quality v1 UUID rather than a bare random fill.
func freshInstanceID(ns uint16) ids.NodeId {
	return ids.NewOpaque(ns, []byte(uuid.NewCrypto()))
}

// typeHierarchy returns typeID followed by each successive supertype,
// walking the inverse HasSubtype reference up to (and including) a root
// type such as BaseObjectType/BaseVariableType.
func (sp *Space) typeHierarchy(typeID ids.NodeId) []ids.NodeId {
	var chain []ids.NodeId
	visited := map[ids.NodeId]bool{}
	cur := typeID
	for !cur.IsNull() && !visited[cur] {
		visited[cur] = true
		chain = append(chain, cur)
		ref, code := sp.Store.Get(cur)
		if code != status.Good {
			break
		}
		var super ids.NodeId
		found := false
		for _, r := range ref.Node().References {
			if r.Dir == node.Inverse && r.ReferenceType == node.HasSubtypeRefType && r.Target.Local() {
				super, found = r.Target.NodeId, true
				break
			}
		}
		ref.Release()
		if !found {
			break
		}
		cur = super
	}
	return chain
}

// maskedChildren collects typeID's HasComponent/HasProperty children plus
// its supertypes', most-specific (subtype) first, deduplicated by browse
// name.
func (sp *Space) maskedChildren(typeID ids.NodeId) []node.Reference {
	chain := sp.typeHierarchy(typeID)
	seen := make(map[ua.QualifiedName]bool)
	var out []node.Reference
	for _, t := range chain {
		ref, code := sp.Store.Get(t)
		if code != status.Good {
			continue
		}
		for _, r := range ref.Node().References {
			if r.Dir != node.Forward {
				continue
			}
			if r.ReferenceType != node.HasComponentRefType && r.ReferenceType != node.HasPropertyRefType {
				continue
			}
			if !r.Target.Local() {
				continue
			}
			tref, code := sp.Store.Get(r.Target.NodeId)
			if code != status.Good {
				continue
			}
			name := tref.Node().BrowseName
			tref.Release()
			if !seen[name] {
				seen[name] = true
				out = append(out, r)
			}
		}
		ref.Release()
	}
	return out
}

// instantiateChildren recursively copies typeID's masked children as new
// instance nodes under parentID.
func (sp *Space) instantiateChildren(typeID ids.NodeId, parentID ids.NodeId) status.Code {
	for _, r := range sp.maskedChildren(typeID) {
		templateRef, code := sp.Store.Get(r.Target.NodeId)
		if code != status.Good {
			continue
		}
		template := templateRef.Node()
		instanceID := freshInstanceID(template.ID.Namespace)
		instance := template.Clone()
		instance.ID = instanceID
		instance.References = nil
		templateID := template.ID
		templateRef.Release()

		if _, code := sp.Store.Insert(instance, nodestore.InsertOpts{Unique: true}); code != status.Good {
			return code
		}
		if code := sp.AddReference(parentID, r.ReferenceType, instanceID.Expanded()); code != status.Good {
			return code
		}
		if code := sp.instantiateChildren(templateID, instanceID); code != status.Good {
			return code
		}
	}
	return status.Good
}

// AddNode inserts n under parent via refTypeToParent and, if typeDefinition
// is non-null, links it and instantiates the type's masked children as new
// children of n.
func (sp *Space) AddNode(n *node.Node, parent ids.NodeId, refTypeToParent ids.NodeId, typeDefinition ids.NodeId) status.Code {
	if _, code := sp.Store.Insert(n, nodestore.InsertOpts{Unique: true}); code != status.Good {
		return code
	}
	if code := sp.AddReference(parent, refTypeToParent, n.ID.Expanded()); code != status.Good {
		return code
	}
	if !typeDefinition.IsNull() {
		if code := sp.AddReference(n.ID, node.HasTypeDefinitionRefType, typeDefinition.Expanded()); code != status.Good {
			return code
		}
		if code := sp.instantiateChildren(typeDefinition, n.ID); code != status.Good {
			return code
		}
	}
	return status.Good
}

// DeleteNode removes a node and, if deleteTargetReferences, every inverse
// reference pointing at it from elsewhere in the address space.
func (sp *Space) DeleteNode(id ids.NodeId, deleteTargetReferences bool) status.Code {
	ref, code := sp.Store.Get(id)
	if code != status.Good {
		return code
	}
	refs := append([]node.Reference(nil), ref.Node().References...)
	ref.Release()

	if deleteTargetReferences {
		for _, r := range refs {
			if !r.Target.Local() {
				continue
			}
			// The target holds the pair's other half, which runs in the
			// opposite direction.
			opposite := node.Inverse
			if r.Dir == node.Inverse {
				opposite = node.Forward
			}
			tref, code := sp.Store.Get(r.Target.NodeId)
			if code != status.Good {
				continue
			}
			tn := tref.Node().Clone()
			tref.Release()
			if tn.RemoveReference(r.ReferenceType, id.Expanded(), opposite) {
				sp.Store.Replace(tn)
			}
		}
	}
	return sp.Store.Remove(id)
}
