package codec

import (
	"math"
	"math/big"
)

type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindText
	KindBytes
	KindSeq
	KindStruct
	KindMap
	KindEnum
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "integer"
	case KindFloat:
		return "float"
	case KindText:
		return "string"
	case KindBytes:
		return "bytes"
	case KindSeq:
		return "sequence"
	case KindStruct:
		return "struct"
	case KindMap:
		return "map"
	case KindEnum:
		return "enum"
	default:
		return "unknown"
	}
}

// Value is a schema-less dynamic value. Only the fields matching Kind are meaningful.
type Value struct {
	Kind    ValueKind
	Bool    bool
	Int     *big.Int
	Float   float64
	Text    string
	Bytes   []byte
	Items   []Value
	Fields  []FieldValue
	Entries []MapEntry
	Variant string
	Payload *Value
}

type FieldValue struct {
	Name  string
	Value Value
}

type MapEntry struct {
	Key   Value
	Value Value
}

func Null() Value { return Value{Kind: KindNull} }

func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

func Int(i int64) Value { return Value{Kind: KindInt, Int: big.NewInt(i)} }

func Uint(u uint64) Value { return Value{Kind: KindInt, Int: new(big.Int).SetUint64(u)} }

func BigInt(i *big.Int) Value { return Value{Kind: KindInt, Int: new(big.Int).Set(i)} }

func Float(f float64) Value { return Value{Kind: KindFloat, Float: f} }

func Text(s string) Value { return Value{Kind: KindText, Text: s} }

func Bytes(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }

func Seq(items ...Value) Value { return Value{Kind: KindSeq, Items: items} }

func Struct(fields ...FieldValue) Value { return Value{Kind: KindStruct, Fields: fields} }

func Field(name string, v Value) FieldValue { return FieldValue{Name: name, Value: v} }

func Map(entries ...MapEntry) Value { return Value{Kind: KindMap, Entries: entries} }

func Entry(k, v Value) MapEntry { return MapEntry{Key: k, Value: v} }

// Enum builds a variant value. A nil payload is a unit variant.
func Enum(variant string, payload *Value) Value {
	return Value{Kind: KindEnum, Variant: variant, Payload: payload}
}

func UnitVariant(variant string) Value { return Enum(variant, nil) }

func NewtypeVariant(variant string, payload Value) Value { return Enum(variant, &payload) }

// Field looks up a struct field by name.
func (v Value) Field(name string) (Value, bool) {
	for _, f := range v.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Equal compares structurally. Struct fields match by name regardless of order and
// numbers compare by value across Int and Float.
func Equal(a, b Value) bool {
	if isNumber(a) && isNumber(b) {
		if isNaN(a) || isNaN(b) {
			return isNaN(a) && isNaN(b)
		}
		return numericCompare(a, b) == 0
	}
	if a.Kind != b.Kind {
		// bytes and a sequence of small ints are the same data
		if a.Kind == KindBytes && b.Kind == KindSeq {
			return Equal(bytesAsSeq(a.Bytes), b)
		}
		if a.Kind == KindSeq && b.Kind == KindBytes {
			return Equal(a, bytesAsSeq(b.Bytes))
		}
		return false
	}

	switch a.Kind {
	case KindNull:
		return true
	case KindBool:
		return a.Bool == b.Bool
	case KindText:
		return a.Text == b.Text
	case KindBytes:
		return string(a.Bytes) == string(b.Bytes)
	case KindSeq:
		if len(a.Items) != len(b.Items) {
			return false
		}
		for i := range a.Items {
			if !Equal(a.Items[i], b.Items[i]) {
				return false
			}
		}
		return true
	case KindStruct:
		if len(a.Fields) != len(b.Fields) {
			return false
		}
		for _, f := range a.Fields {
			other, ok := b.Field(f.Name)
			if !ok || !Equal(f.Value, other) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.Entries) != len(b.Entries) {
			return false
		}
		for _, e := range a.Entries {
			found := false
			for _, o := range b.Entries {
				if Equal(e.Key, o.Key) {
					found = Equal(e.Value, o.Value)
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	case KindEnum:
		if a.Variant != b.Variant {
			return false
		}
		return Equal(payloadOf(a), payloadOf(b))
	}
	return false
}

// payloadOf reads a missing enum payload as null, the way unit variants decode.
func payloadOf(v Value) Value {
	if v.Payload == nil {
		return Null()
	}
	return *v.Payload
}

func isNumber(v Value) bool {
	return v.Kind == KindInt || v.Kind == KindFloat
}

func isNaN(v Value) bool {
	return v.Kind == KindFloat && math.IsNaN(v.Float)
}

func numericCompare(a, b Value) int {
	if a.Kind == KindInt && b.Kind == KindInt {
		return a.Int.Cmp(b.Int)
	}
	return toBigFloat(a).Cmp(toBigFloat(b))
}

func toBigFloat(v Value) *big.Float {
	if v.Kind == KindInt {
		return new(big.Float).SetInt(v.Int)
	}
	return big.NewFloat(v.Float)
}

func bytesAsSeq(b []byte) Value {
	items := make([]Value, len(b))
	for i, c := range b {
		items[i] = Uint(uint64(c))
	}
	return Seq(items...)
}
