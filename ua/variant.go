package ua

import (
	"fmt"
	"time"

	"github.com/fenwick-automation/opcuacore/ids"
	"github.com/fenwick-automation/opcuacore/status"
)

// TypeID names the built-in data types a Variant can carry. The
// numeric values match the OPC UA BuiltinId enumeration's low six bits.
type TypeID byte

const (
	TypeNull TypeID = iota
	TypeBoolean
	TypeSByte
	TypeByte
	TypeInt16
	TypeUInt16
	TypeInt32
	TypeUInt32
	TypeInt64
	TypeUInt64
	TypeFloat
	TypeDouble
	TypeString
	TypeDateTime
	TypeGUID
	TypeByteString
	TypeXMLElement
	TypeNodeId
	TypeExpandedNodeId
	TypeStatusCode
	TypeQualifiedName
	TypeLocalizedText
	TypeExtensionObject
	TypeDataValue
	TypeVariant
	TypeDiagnosticInfo
)

// QualifiedName is a namespace-scoped name.
type QualifiedName struct {
	NamespaceIndex uint16
	Name           string
}

// LocalizedText is a locale-tagged display string.
type LocalizedText struct {
	Locale string
	Text   string
}

// ValueRank classifies the array shape a Variable/VariableType may hold
//. Values match the OPC UA ValueRank convention.
type ValueRank int32

const (
	RankScalarOrOneDim ValueRank = -3
	RankAny            ValueRank = -2
	RankScalar         ValueRank = -1
	RankOneDim         ValueRank = 0 // an array of one or more dimensions
	// 1..n name an exact array rank (1 = one dimension).
)

// Variant is a dynamically typed, possibly-array value. Elements holds
// either a single scalar (len==1, Dims==nil and not IsArray) or a flat,
// row-major sequence of N elements. If Dims is non-empty its product must
// equal len(Elements).
type Variant struct {
	Type     TypeID
	IsArray  bool
	Elements []any // each entry's Go type matches Type (see encodeElement/decodeElement)
	Dims     []int32
}

// NewScalar wraps a single value of the given type.
func NewScalar(t TypeID, v any) Variant {
	return Variant{Type: t, Elements: []any{v}}
}

// NewArray wraps a flat slice of values of the given type, optionally with
// array dimensions whose product must equal len(vs).
func NewArray(t TypeID, vs []any, dims []int32) (Variant, error) {
	if len(dims) > 0 {
		product := int32(1)
		for _, d := range dims {
			product *= d
		}
		if int(product) != len(vs) {
			return Variant{}, status.New("NewArray", status.BadDecodingError)
		}
	}
	return Variant{Type: t, IsArray: true, Elements: vs, Dims: dims}, nil
}

// IsNull reports the empty Variant (no type, no elements) used for the
// Value attribute of nodes with no current value.
func (v Variant) IsNull() bool { return v.Type == TypeNull && len(v.Elements) == 0 }

// Scalar returns the sole element of a non-array Variant.
func (v Variant) Scalar() (any, bool) {
	if v.IsArray || len(v.Elements) != 1 {
		return nil, false
	}
	return v.Elements[0], true
}

// Encode writes the Variant: a leading byte with bits 0..5 the type id,
// bit 6 the array flag, bit 7 the dimensions-present flag.
func (v Variant) Encode(e *Encoder) error {
	lead := byte(v.Type) & 0x3F
	if v.IsArray {
		lead |= 0x40
	}
	if len(v.Dims) > 0 {
		lead |= 0x80
	}
	e.Byte(lead)

	if v.Type == TypeNull {
		return nil
	}

	if !v.IsArray {
		return encodeElement(e, v.Type, v.Elements[0])
	}

	if v.Elements == nil {
		e.Int32(-1) // null array
		return nil
	}
	e.Int32(int32(len(v.Elements)))
	for _, el := range v.Elements {
		if err := encodeElement(e, v.Type, el); err != nil {
			return err
		}
	}
	if len(v.Dims) > 0 {
		e.Int32(int32(len(v.Dims)))
		for _, d := range v.Dims {
			e.Int32(d)
		}
	}
	return nil
}

// DecodeVariant reads a Variant written by Encode.
func DecodeVariant(d *Decoder) (Variant, error) {
	lead, err := d.Byte()
	if err != nil {
		return Variant{}, err
	}
	t := TypeID(lead & 0x3F)
	isArray := lead&0x40 != 0
	hasDims := lead&0x80 != 0

	if t == TypeNull {
		return Variant{Type: TypeNull}, nil
	}

	if !isArray {
		el, err := decodeElement(d, t)
		if err != nil {
			return Variant{}, err
		}
		return Variant{Type: t, Elements: []any{el}}, nil
	}

	n, err := d.Int32()
	if err != nil {
		return Variant{}, err
	}
	if n < 0 {
		return Variant{Type: t, IsArray: true}, nil
	}
	elements := make([]any, n)
	for i := range elements {
		el, err := decodeElement(d, t)
		if err != nil {
			return Variant{}, err
		}
		elements[i] = el
	}

	var dims []int32
	if hasDims {
		dimCount, err := d.Int32()
		if err != nil {
			return Variant{}, err
		}
		dims = make([]int32, dimCount)
		for i := range dims {
			dv, err := d.Int32()
			if err != nil {
				return Variant{}, err
			}
			dims[i] = dv
		}
		product := int32(1)
		for _, dv := range dims {
			product *= dv
		}
		if product != int32(len(elements)) {
			return Variant{}, status.New("decode Variant dims", status.BadDecodingError)
		}
	}

	return Variant{Type: t, IsArray: true, Elements: elements, Dims: dims}, nil
}

func encodeElement(e *Encoder, t TypeID, v any) error {
	switch t {
	case TypeBoolean:
		e.Bool(v.(bool))
	case TypeSByte:
		e.Byte(byte(v.(int8)))
	case TypeByte:
		e.Byte(v.(byte))
	case TypeInt16:
		e.Int16(v.(int16))
	case TypeUInt16:
		e.Uint16(v.(uint16))
	case TypeInt32:
		e.Int32(v.(int32))
	case TypeUInt32:
		e.Uint32(v.(uint32))
	case TypeInt64:
		e.Int64(v.(int64))
	case TypeUInt64:
		e.Uint64(v.(uint64))
	case TypeFloat:
		e.Float32(v.(float32))
	case TypeDouble:
		e.Float64(v.(float64))
	case TypeString:
		e.String(v.(string))
	case TypeDateTime:
		e.DateTime(v.(time.Time))
	case TypeGUID:
		e.GUID(v.(ids.GUID128))
	case TypeByteString:
		e.ByteString(v.([]byte))
	case TypeNodeId:
		e.NodeId(v.(ids.NodeId))
	case TypeExpandedNodeId:
		e.ExpandedNodeId(v.(ids.ExpandedNodeId))
	case TypeStatusCode:
		e.Uint32(uint32(v.(status.Code)))
	case TypeQualifiedName:
		qn := v.(QualifiedName)
		e.Uint16(qn.NamespaceIndex)
		e.String(qn.Name)
	case TypeLocalizedText:
		lt := v.(LocalizedText)
		var mask byte
		if lt.Locale != "" {
			mask |= 1
		}
		if lt.Text != "" {
			mask |= 2
		}
		e.Byte(mask)
		if mask&1 != 0 {
			e.String(lt.Locale)
		}
		if mask&2 != 0 {
			e.String(lt.Text)
		}
	default:
		return status.New(fmt.Sprintf("encode Variant element type %d", t), status.BadEncodingLimitsExceeded)
	}
	return nil
}

func decodeElement(d *Decoder, t TypeID) (any, error) {
	switch t {
	case TypeBoolean:
		return d.Bool()
	case TypeSByte:
		b, err := d.Byte()
		return int8(b), err
	case TypeByte:
		return d.Byte()
	case TypeInt16:
		return d.Int16()
	case TypeUInt16:
		return d.Uint16()
	case TypeInt32:
		return d.Int32()
	case TypeUInt32:
		return d.Uint32()
	case TypeInt64:
		return d.Int64()
	case TypeUInt64:
		return d.Uint64()
	case TypeFloat:
		return d.Float32()
	case TypeDouble:
		return d.Float64()
	case TypeString:
		return d.String()
	case TypeDateTime:
		return d.DateTime()
	case TypeGUID:
		return d.GUID()
	case TypeByteString:
		return d.ByteString()
	case TypeNodeId:
		return d.NodeId()
	case TypeExpandedNodeId:
		return d.ExpandedNodeId()
	case TypeStatusCode:
		v, err := d.Uint32()
		return status.Code(v), err
	case TypeQualifiedName:
		ns, err := d.Uint16()
		if err != nil {
			return nil, err
		}
		name, err := d.String()
		if err != nil {
			return nil, err
		}
		return QualifiedName{NamespaceIndex: ns, Name: name}, nil
	case TypeLocalizedText:
		mask, err := d.Byte()
		if err != nil {
			return nil, err
		}
		var lt LocalizedText
		if mask&1 != 0 {
			if lt.Locale, err = d.String(); err != nil {
				return nil, err
			}
		}
		if mask&2 != 0 {
			if lt.Text, err = d.String(); err != nil {
				return nil, err
			}
		}
		return lt, nil
	default:
		return nil, status.New(fmt.Sprintf("decode Variant element type %d", t), status.BadDecodingError)
	}
}
