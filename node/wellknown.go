package node

import "github.com/fenwick-automation/opcuacore/ids"

// AttributeID selects one field of a node's attribute set for Read/Write.
// Numeric values match the OPC UA Attributes enumeration.
type AttributeID uint32

const (
	AttrNodeId AttributeID = iota + 1
	AttrNodeClass
	AttrBrowseName
	AttrDisplayName
	AttrDescription
	AttrWriteMask
	AttrUserWriteMask
	AttrIsAbstract
	AttrSymmetric
	AttrInverseName
	AttrContainsNoLoops
	AttrEventNotifier
	AttrValue
	AttrDataType
	AttrValueRank
	AttrArrayDimensions
	AttrAccessLevel
	AttrUserAccessLevel
	AttrMinimumSamplingInterval
	AttrHistorizing
	AttrExecutable
	AttrUserExecutable
)

// Well-known namespace-0 NodeIds used by type instantiation and browse
// filters. Values match the OPC UA Part 6
// standard numeric identifiers for these nodes/reference types.
var (
	ObjectsFolder = ids.NewNumeric(0, 85)

	ReferencesRefType   = ids.NewNumeric(0, 31)
	HasSubtypeRefType   = ids.NewNumeric(0, 45)
	HasComponentRefType = ids.NewNumeric(0, 47)
	HasPropertyRefType  = ids.NewNumeric(0, 46)
	OrganizesRefType    = ids.NewNumeric(0, 35)
	HasTypeDefinitionRefType = ids.NewNumeric(0, 40)

	BaseObjectType   = ids.NewNumeric(0, 58)
	BaseVariableType = ids.NewNumeric(0, 62)
	BaseDataType     = ids.NewNumeric(0, 24)
)
