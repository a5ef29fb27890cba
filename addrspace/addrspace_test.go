package addrspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenwick-automation/opcuacore/ids"
	"github.com/fenwick-automation/opcuacore/node"
	"github.com/fenwick-automation/opcuacore/nodestore"
	"github.com/fenwick-automation/opcuacore/service"
	"github.com/fenwick-automation/opcuacore/status"
	"github.com/fenwick-automation/opcuacore/ua"
)

func mustInsert(t *testing.T, sp *Space, n *node.Node) {
	t.Helper()
	_, code := sp.Store.Insert(n, nodestore.InsertOpts{Unique: true})
	require.Equal(t, status.Good, code)
}

func objectNode(id ids.NodeId, name string) *node.Node {
	return &node.Node{
		ID:         id,
		Class:      node.ClassObject,
		BrowseName: ua.QualifiedName{NamespaceIndex: 1, Name: name},
		Object:     &node.ObjectBody{},
	}
}

func doubleVariable(id ids.NodeId, name string, value float64) *node.Node {
	return &node.Node{
		ID:         id,
		Class:      node.ClassVariable,
		BrowseName: ua.QualifiedName{NamespaceIndex: 1, Name: name},
		Variable: &node.VariableBody{
			Value:       ua.NewValue(ua.NewScalar(ua.TypeDouble, value)),
			ValueRank:   ua.RankScalar,
			AccessLevel: 0x03, // CurrentRead | CurrentWrite
		},
	}
}

func TestAddReferenceIsSymmetric(t *testing.T) {
	sp := New()
	a := ids.NewNumeric(1, 1)
	b := ids.NewNumeric(1, 2)
	mustInsert(t, sp, objectNode(a, "a"))
	mustInsert(t, sp, objectNode(b, "b"))

	require.Equal(t, status.Good, sp.AddReference(a, node.OrganizesRefType, b.Expanded()))

	aRef, code := sp.Store.Get(a)
	require.Equal(t, status.Good, code)
	require.Len(t, aRef.Node().References, 1)
	assert.Equal(t, node.Forward, aRef.Node().References[0].Dir)
	aRef.Release()

	bRef, code := sp.Store.Get(b)
	require.Equal(t, status.Good, code)
	require.Len(t, bRef.Node().References, 1)
	assert.Equal(t, node.Inverse, bRef.Node().References[0].Dir)
	assert.Equal(t, a, bRef.Node().References[0].Target.NodeId)
	bRef.Release()

	// removing the forward half removes the inverse half too
	require.Equal(t, status.Good, sp.RemoveReference(a, node.OrganizesRefType, b.Expanded()))
	aRef, _ = sp.Store.Get(a)
	assert.Empty(t, aRef.Node().References)
	aRef.Release()
	bRef, _ = sp.Store.Get(b)
	assert.Empty(t, bRef.Node().References)
	bRef.Release()
}

func TestBrowseIncludeSubtypes(t *testing.T) {
	sp := New()
	baseRef := ids.NewNumeric(1, 10)
	subRef := ids.NewNumeric(1, 11)
	mustInsert(t, sp, &node.Node{ID: baseRef, Class: node.ClassReferenceType, ReferenceType: &node.ReferenceTypeBody{}})
	mustInsert(t, sp, &node.Node{ID: subRef, Class: node.ClassReferenceType, ReferenceType: &node.ReferenceTypeBody{}})
	require.Equal(t, status.Good, sp.AddReference(baseRef, node.HasSubtypeRefType, subRef.Expanded()))

	start := ids.NewNumeric(1, 1)
	viaBase := ids.NewNumeric(1, 2)
	viaSub := ids.NewNumeric(1, 3)
	mustInsert(t, sp, objectNode(start, "start"))
	mustInsert(t, sp, objectNode(viaBase, "viaBase"))
	mustInsert(t, sp, objectNode(viaSub, "viaSub"))
	require.Equal(t, status.Good, sp.AddReference(start, baseRef, viaBase.Expanded()))
	require.Equal(t, status.Good, sp.AddReference(start, subRef, viaSub.Expanded()))

	res, cursor := sp.Browse(start, service.BrowseDescription{
		Direction:       node.Forward,
		ReferenceTypeID: baseRef,
		IncludeSubtypes: false,
	}, 0)
	require.Equal(t, status.Good, res.StatusCode)
	assert.Nil(t, cursor)
	require.Len(t, res.References, 1)
	assert.Equal(t, viaBase, res.References[0].NodeID.NodeId)

	res, _ = sp.Browse(start, service.BrowseDescription{
		Direction:       node.Forward,
		ReferenceTypeID: baseRef,
		IncludeSubtypes: true,
	}, 0)
	require.Equal(t, status.Good, res.StatusCode)
	assert.Len(t, res.References, 2)
}

func TestBrowseContinuation(t *testing.T) {
	sp := New()
	start := ids.NewNumeric(1, 1)
	mustInsert(t, sp, objectNode(start, "start"))
	for i := uint32(0); i < 5; i++ {
		child := ids.NewNumeric(1, 100+i)
		mustInsert(t, sp, objectNode(child, "child"))
		require.Equal(t, status.Good, sp.AddReference(start, node.OrganizesRefType, child.Expanded()))
	}

	res, cursor := sp.Browse(start, service.BrowseDescription{Direction: node.Forward}, 2)
	require.Equal(t, status.Good, res.StatusCode)
	assert.Len(t, res.References, 2)
	require.NotNil(t, cursor)

	res, cursor = sp.BrowseNext(cursor, 2)
	assert.Len(t, res.References, 2)
	require.NotNil(t, cursor)

	res, cursor = sp.BrowseNext(cursor, 2)
	assert.Len(t, res.References, 1)
	assert.Nil(t, cursor)
}

func TestTranslateBrowsePathFollowsAllBranches(t *testing.T) {
	sp := New()
	start := ids.NewNumeric(1, 1)
	a1 := ids.NewNumeric(1, 2)
	a2 := ids.NewNumeric(1, 3)
	mustInsert(t, sp, objectNode(start, "start"))
	mustInsert(t, sp, objectNode(a1, "a"))
	mustInsert(t, sp, objectNode(a2, "a"))
	require.Equal(t, status.Good, sp.AddReference(start, node.OrganizesRefType, a1.Expanded()))
	require.Equal(t, status.Good, sp.AddReference(start, node.OrganizesRefType, a2.Expanded()))

	res := sp.TranslateBrowsePath(service.BrowsePath{
		StartingNode: start,
		RelativePath: []service.RelativePathElement{{
			TargetName: ua.QualifiedName{NamespaceIndex: 1, Name: "a"},
		}},
	})
	require.Equal(t, status.Good, res.StatusCode)
	require.Len(t, res.Targets, 2)
	got := []ids.NodeId{res.Targets[0].TargetID.NodeId, res.Targets[1].TargetID.NodeId}
	assert.ElementsMatch(t, []ids.NodeId{a1, a2}, got)
}

func TestTranslateBrowsePathPartialFailure(t *testing.T) {
	sp := New()
	start := ids.NewNumeric(1, 1)
	a := ids.NewNumeric(1, 2)
	mustInsert(t, sp, objectNode(start, "start"))
	mustInsert(t, sp, objectNode(a, "a"))
	require.Equal(t, status.Good, sp.AddReference(start, node.OrganizesRefType, a.Expanded()))

	res := sp.TranslateBrowsePath(service.BrowsePath{
		StartingNode: start,
		RelativePath: []service.RelativePathElement{
			{TargetName: ua.QualifiedName{NamespaceIndex: 1, Name: "a"}},
			{TargetName: ua.QualifiedName{NamespaceIndex: 1, Name: "missing"}},
		},
	})
	require.Equal(t, status.BadNotFound, res.StatusCode)
	require.Len(t, res.Targets, 1)
	assert.Equal(t, uint32(1), res.Targets[0].RemainingPathIndex)
}

func TestReadAfterWrite(t *testing.T) {
	sp := New()
	id := ids.NewNumeric(1, 1)
	mustInsert(t, sp, doubleVariable(id, "x", 1.5))

	code := sp.WriteAttribute(service.WriteValue{
		NodeID:      id,
		AttributeID: node.AttrValue,
		Value:       ua.NewValue(ua.NewScalar(ua.TypeDouble, 2.5)),
	})
	require.Equal(t, status.Good, code)

	dv := sp.ReadAttribute(service.ReadValueID{NodeID: id, AttributeID: node.AttrValue})
	v, ok := dv.Value.Scalar()
	require.True(t, ok)
	assert.Equal(t, 2.5, v)
}

func TestWriteTypeAndShapeChecking(t *testing.T) {
	sp := New()
	id := ids.NewNumeric(1, 1)
	initial, err := ua.NewArray(ua.TypeDouble, []any{0.0, 0.0}, nil)
	require.NoError(t, err)
	mustInsert(t, sp, &node.Node{
		ID:         id,
		Class:      node.ClassVariable,
		BrowseName: ua.QualifiedName{NamespaceIndex: 1, Name: "point"},
		Variable: &node.VariableBody{
			Value:           ua.NewValue(initial),
			ValueRank:       1,
			ArrayDimensions: []uint32{2},
			AccessLevel:     0x03,
		},
	})

	// scalar string against a rank-1 Double[2]
	code := sp.WriteAttribute(service.WriteValue{
		NodeID:      id,
		AttributeID: node.AttrValue,
		Value:       ua.NewValue(ua.NewScalar(ua.TypeString, "nope")),
	})
	assert.Equal(t, status.BadTypeMismatch, code)

	// wrong element count against dims [2]
	tooLong, err := ua.NewArray(ua.TypeDouble, []any{1.0, 2.0, 3.0}, nil)
	require.NoError(t, err)
	code = sp.WriteAttribute(service.WriteValue{NodeID: id, AttributeID: node.AttrValue, Value: ua.NewValue(tooLong)})
	assert.Equal(t, status.BadTypeMismatch, code)

	good, err := ua.NewArray(ua.TypeDouble, []any{1.0, 2.0}, nil)
	require.NoError(t, err)
	code = sp.WriteAttribute(service.WriteValue{NodeID: id, AttributeID: node.AttrValue, Value: ua.NewValue(good)})
	require.Equal(t, status.Good, code)

	dv := sp.ReadAttribute(service.ReadValueID{NodeID: id, AttributeID: node.AttrValue})
	assert.Equal(t, []any{1.0, 2.0}, dv.Value.Elements)
}

func TestReadIndexRange(t *testing.T) {
	sp := New()
	id := ids.NewNumeric(1, 1)
	arr, err := ua.NewArray(ua.TypeInt32, []any{int32(10), int32(20), int32(30), int32(40)}, nil)
	require.NoError(t, err)
	mustInsert(t, sp, &node.Node{
		ID:    id,
		Class: node.ClassVariable,
		Variable: &node.VariableBody{
			Value:       ua.NewValue(arr),
			ValueRank:   1,
			AccessLevel: 0x01,
		},
	})

	dv := sp.ReadAttribute(service.ReadValueID{NodeID: id, AttributeID: node.AttrValue, IndexRange: "1:2"})
	assert.Equal(t, []any{int32(20), int32(30)}, dv.Value.Elements)

	dv = sp.ReadAttribute(service.ReadValueID{NodeID: id, AttributeID: node.AttrValue, IndexRange: "nope"})
	assert.Equal(t, status.BadIndexRangeInvalid, dv.Status)
}

func TestValueSourceCallbacks(t *testing.T) {
	sp := New()
	id := ids.NewNumeric(1, 1)
	var written ua.DataValue
	mustInsert(t, sp, &node.Node{
		ID:    id,
		Class: node.ClassVariable,
		Variable: &node.VariableBody{
			ValueRank:   ua.RankScalar,
			AccessLevel: 0x03,
			Source: &node.ValueSource{
				Read: func(ids.NodeId, string) (ua.DataValue, error) {
					return ua.NewValue(ua.NewScalar(ua.TypeInt32, int32(42))), nil
				},
				Write: func(_ ids.NodeId, _ string, dv ua.DataValue) error {
					written = dv
					return nil
				},
			},
		},
	})

	dv := sp.ReadAttribute(service.ReadValueID{NodeID: id, AttributeID: node.AttrValue})
	v, _ := dv.Value.Scalar()
	assert.Equal(t, int32(42), v)

	code := sp.WriteAttribute(service.WriteValue{
		NodeID:      id,
		AttributeID: node.AttrValue,
		Value:       ua.NewValue(ua.NewScalar(ua.TypeInt32, int32(7))),
	})
	require.Equal(t, status.Good, code)
	v, _ = written.Value.Scalar()
	assert.Equal(t, int32(7), v)
}

// TestTypeInstantiationMasking builds supertype S and subtype T both carrying
// a child named "x" and checks the instance gets exactly one "x", drawn from
// T.
func TestTypeInstantiationMasking(t *testing.T) {
	sp := New()

	superType := ids.NewNumeric(1, 10)
	subType := ids.NewNumeric(1, 11)
	mustInsert(t, sp, &node.Node{ID: superType, Class: node.ClassObjectType, ObjectType: &node.ObjectTypeBody{}})
	mustInsert(t, sp, &node.Node{ID: subType, Class: node.ClassObjectType, ObjectType: &node.ObjectTypeBody{}})
	require.Equal(t, status.Good, sp.AddReference(superType, node.HasSubtypeRefType, subType.Expanded()))

	superX := doubleVariable(ids.NewNumeric(1, 20), "x", 1.0)
	subX := doubleVariable(ids.NewNumeric(1, 21), "x", 2.0)
	subOnly := doubleVariable(ids.NewNumeric(1, 22), "y", 3.0)
	mustInsert(t, sp, superX)
	mustInsert(t, sp, subX)
	mustInsert(t, sp, subOnly)
	require.Equal(t, status.Good, sp.AddReference(superType, node.HasComponentRefType, superX.ID.Expanded()))
	require.Equal(t, status.Good, sp.AddReference(subType, node.HasComponentRefType, subX.ID.Expanded()))
	require.Equal(t, status.Good, sp.AddReference(subType, node.HasComponentRefType, subOnly.ID.Expanded()))

	parent := ids.NewNumeric(1, 1)
	mustInsert(t, sp, objectNode(parent, "parent"))

	inst := objectNode(ids.NewNumeric(1, 2), "inst")
	require.Equal(t, status.Good, sp.AddNode(inst, parent, node.OrganizesRefType, subType))

	res, _ := sp.Browse(inst.ID, service.BrowseDescription{Direction: node.Forward, ReferenceTypeID: node.HasComponentRefType}, 0)
	require.Equal(t, status.Good, res.StatusCode)

	var xs, ys int
	for _, rd := range res.References {
		switch rd.BrowseName.Name {
		case "x":
			xs++
			// masked child comes from the subtype's template
			dv := sp.ReadAttribute(service.ReadValueID{NodeID: rd.NodeID.NodeId, AttributeID: node.AttrValue})
			v, _ := dv.Value.Scalar()
			assert.Equal(t, 2.0, v)
		case "y":
			ys++
		}
	}
	assert.Equal(t, 1, xs)
	assert.Equal(t, 1, ys)
}

func TestDeleteNodeRemovesTargetReferences(t *testing.T) {
	sp := New()
	a := ids.NewNumeric(1, 1)
	b := ids.NewNumeric(1, 2)
	mustInsert(t, sp, objectNode(a, "a"))
	mustInsert(t, sp, objectNode(b, "b"))
	require.Equal(t, status.Good, sp.AddReference(a, node.OrganizesRefType, b.Expanded()))

	require.Equal(t, status.Good, sp.DeleteNode(b, true))

	_, code := sp.Store.Get(b)
	assert.Equal(t, status.BadNodeIDUnknown, code)

	aRef, code := sp.Store.Get(a)
	require.Equal(t, status.Good, code)
	assert.Empty(t, aRef.Node().References)
	aRef.Release()
}

func methodFixture(t *testing.T, sp *Space, impl func(ids.NodeId, []ua.Variant) ([]ua.Variant, error)) (obj, meth ids.NodeId) {
	t.Helper()
	obj = ids.NewNumeric(1, 1)
	meth = ids.NewNumeric(1, 2)
	mustInsert(t, sp, objectNode(obj, "obj"))
	mustInsert(t, sp, &node.Node{
		ID:    meth,
		Class: node.ClassMethod,
		Method: &node.MethodBody{
			Executable: true,
			InputArguments: []node.Argument{
				{Name: "in", ValueRank: ua.RankScalar, TypeTag: ua.TypeInt32},
			},
			Call: impl,
		},
	})
	require.Equal(t, status.Good, sp.AddReference(obj, node.HasComponentRefType, meth.Expanded()))
	return obj, meth
}

func TestCallValidatesAndInvokes(t *testing.T) {
	sp := New()
	obj, meth := methodFixture(t, sp, func(_ ids.NodeId, args []ua.Variant) ([]ua.Variant, error) {
		v, _ := args[0].Scalar()
		return []ua.Variant{ua.NewScalar(ua.TypeInt32, v.(int32)*2)}, nil
	})

	res := sp.Call(service.CallMethodRequest{
		ObjectID:       obj,
		MethodID:       meth,
		InputArguments: []ua.Variant{ua.NewScalar(ua.TypeInt32, int32(21))},
	})
	require.Equal(t, status.Good, res.StatusCode)
	require.Len(t, res.OutputArguments, 1)
	v, _ := res.OutputArguments[0].Scalar()
	assert.Equal(t, int32(42), v)

	// wrong argument type
	res = sp.Call(service.CallMethodRequest{
		ObjectID:       obj,
		MethodID:       meth,
		InputArguments: []ua.Variant{ua.NewScalar(ua.TypeString, "nope")},
	})
	assert.Equal(t, status.BadInvalidArgument, res.StatusCode)
	require.Len(t, res.InputArgumentResults, 1)
	assert.Equal(t, status.BadTypeMismatch, res.InputArgumentResults[0])

	// missing argument
	res = sp.Call(service.CallMethodRequest{ObjectID: obj, MethodID: meth})
	assert.Equal(t, status.BadArgumentsMissing, res.StatusCode)
}

func TestCallRejectsNonComponentMethod(t *testing.T) {
	sp := New()
	_, meth := methodFixture(t, sp, nil)
	stranger := ids.NewNumeric(1, 9)
	mustInsert(t, sp, objectNode(stranger, "stranger"))

	res := sp.Call(service.CallMethodRequest{ObjectID: stranger, MethodID: meth})
	assert.Equal(t, status.BadMethodInvalid, res.StatusCode)
}

func TestCallAsyncCompletesOutOfBand(t *testing.T) {
	sp := New()
	obj := ids.NewNumeric(1, 1)
	meth := ids.NewNumeric(1, 2)
	mustInsert(t, sp, objectNode(obj, "obj"))

	var pending func([]ua.Variant, error)
	mustInsert(t, sp, &node.Node{
		ID:    meth,
		Class: node.ClassMethod,
		Method: &node.MethodBody{
			Executable: true,
			AsyncCall: func(_ ids.NodeId, _ []ua.Variant, done func([]ua.Variant, error)) {
				pending = done // completes later, as if posted to an event loop
			},
		},
	})
	require.Equal(t, status.Good, sp.AddReference(obj, node.HasComponentRefType, meth.Expanded()))

	var got *service.CallMethodResult
	sp.CallAsync(service.CallMethodRequest{ObjectID: obj, MethodID: meth}, func(r service.CallMethodResult) {
		got = &r
	})
	require.Nil(t, got)
	require.NotNil(t, pending)

	pending([]ua.Variant{ua.NewScalar(ua.TypeBoolean, true)}, nil)
	require.NotNil(t, got)
	assert.Equal(t, status.Good, got.StatusCode)
	assert.Len(t, got.OutputArguments, 1)
}
