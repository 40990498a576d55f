package schema

import (
	"fmt"
)

// Kind identifies the shape of a Schema node.
type Kind string

const (
	KindBool   Kind = "bool"
	KindI8     Kind = "i8"
	KindI16    Kind = "i16"
	KindI32    Kind = "i32"
	KindI64    Kind = "i64"
	KindI128   Kind = "i128"
	KindIsize  Kind = "isize"
	KindU8     Kind = "u8"
	KindU16    Kind = "u16"
	KindU32    Kind = "u32"
	KindU64    Kind = "u64"
	KindU128   Kind = "u128"
	KindUsize  Kind = "usize"
	KindF32    Kind = "f32"
	KindF64    Kind = "f64"
	KindChar   Kind = "char"
	KindString Kind = "string"
	KindBytes  Kind = "bytes"

	KindOption        Kind = "option"
	KindUnit          Kind = "unit"
	KindUnitStruct    Kind = "unit_struct"
	KindNewtypeStruct Kind = "newtype_struct"
	KindSeq           Kind = "seq"
	KindArray         Kind = "array"
	KindTuple         Kind = "tuple"
	KindTupleStruct   Kind = "tuple_struct"
	KindMap           Kind = "map"
	KindStruct        Kind = "struct"
	KindEnum          Kind = "enum"
)

// VariantKind is the payload shape of an enum variant.
type VariantKind string

const (
	VariantUnit    VariantKind = "unit"
	VariantNewtype VariantKind = "newtype"
	VariantTuple   VariantKind = "tuple"
	VariantStruct  VariantKind = "struct"
)

// Schema is a recursive description of a wire type. Name is informative only and
// does not take part in the structural key.
type Schema struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	Kind Kind   `json:"kind,omitempty" yaml:"kind,omitempty"`
	// Ref names a type declared elsewhere in a descriptor file. It must be resolved
	// before the schema is registered.
	Ref      string    `json:"ref,omitempty" yaml:"ref,omitempty"`
	Elem     *Schema   `json:"elem,omitempty" yaml:"elem,omitempty"`
	Len      int       `json:"len,omitempty" yaml:"len,omitempty"`
	Key      *Schema   `json:"key,omitempty" yaml:"key,omitempty"`
	Value    *Schema   `json:"value,omitempty" yaml:"value,omitempty"`
	Elems    []*Schema `json:"elems,omitempty" yaml:"elems,omitempty"`
	Fields   []Field   `json:"fields,omitempty" yaml:"fields,omitempty"`
	Variants []Variant `json:"variants,omitempty" yaml:"variants,omitempty"`
}

type Field struct {
	Name string  `json:"name" yaml:"name"`
	Type *Schema `json:"type" yaml:"type"`
}

type Variant struct {
	Name   string      `json:"name" yaml:"name"`
	Kind   VariantKind `json:"kind" yaml:"kind"`
	Elem   *Schema     `json:"elem,omitempty" yaml:"elem,omitempty"`
	Elems  []*Schema   `json:"elems,omitempty" yaml:"elems,omitempty"`
	Fields []Field     `json:"fields,omitempty" yaml:"fields,omitempty"`
}

var primitives = map[Kind]bool{
	KindBool: true, KindI8: true, KindI16: true, KindI32: true, KindI64: true, KindI128: true,
	KindIsize: true, KindU8: true, KindU16: true, KindU32: true, KindU64: true, KindU128: true,
	KindUsize: true, KindF32: true, KindF64: true, KindChar: true, KindString: true, KindBytes: true,
	KindUnit: true,
}

// IsPrimitive reports whether the kind carries no nested schema.
func (k Kind) IsPrimitive() bool {
	return primitives[k]
}

// IntBits returns the bit width and signedness of an integer kind.
// usize and isize are treated as 64-bit, matching the devices' wire format.
func (k Kind) IntBits() (bits int, signed bool, ok bool) {
	switch k {
	case KindU8:
		return 8, false, true
	case KindU16:
		return 16, false, true
	case KindU32:
		return 32, false, true
	case KindU64, KindUsize:
		return 64, false, true
	case KindU128:
		return 128, false, true
	case KindI8:
		return 8, true, true
	case KindI16:
		return 16, true, true
	case KindI32:
		return 32, true, true
	case KindI64, KindIsize:
		return 64, true, true
	case KindI128:
		return 128, true, true
	}
	return 0, false, false
}

// Validate checks that every node carries the children its kind requires.
func (s *Schema) Validate() error {
	return s.validate("$")
}

func (s *Schema) validate(path string) error {
	if s == nil {
		return fmt.Errorf("%s: missing schema", path)
	}
	if s.Ref != "" {
		return fmt.Errorf("%s: unresolved type reference %q", path, s.Ref)
	}
	if s.Kind.IsPrimitive() || s.Kind == KindUnitStruct {
		return nil
	}

	switch s.Kind {
	case KindOption, KindNewtypeStruct, KindSeq:
		return s.Elem.validate(path + "<elem>")
	case KindArray:
		if s.Len < 0 {
			return fmt.Errorf("%s: negative array length %d", path, s.Len)
		}
		return s.Elem.validate(path + "<elem>")
	case KindMap:
		if err := s.Key.validate(path + "<key>"); err != nil {
			return err
		}
		return s.Value.validate(path + "<value>")
	case KindTuple, KindTupleStruct:
		for i, e := range s.Elems {
			if err := e.validate(fmt.Sprintf("%s.%d", path, i)); err != nil {
				return err
			}
		}
		return nil
	case KindStruct:
		return validateFields(path, s.Fields)
	case KindEnum:
		seen := make(map[string]bool, len(s.Variants))
		for _, v := range s.Variants {
			if v.Name == "" {
				return fmt.Errorf("%s: enum variant without name", path)
			}
			if seen[v.Name] {
				return fmt.Errorf("%s: duplicate variant %q", path, v.Name)
			}
			seen[v.Name] = true

			vp := path + "::" + v.Name
			switch v.Kind {
			case VariantUnit:
			case VariantNewtype:
				if err := v.Elem.validate(vp); err != nil {
					return err
				}
			case VariantTuple:
				for i, e := range v.Elems {
					if err := e.validate(fmt.Sprintf("%s.%d", vp, i)); err != nil {
						return err
					}
				}
			case VariantStruct:
				if err := validateFields(vp, v.Fields); err != nil {
					return err
				}
			default:
				return fmt.Errorf("%s: unknown variant kind %q", vp, v.Kind)
			}
		}
		return nil
	}
	return fmt.Errorf("%s: unknown kind %q", path, s.Kind)
}

func validateFields(path string, fields []Field) error {
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return fmt.Errorf("%s: field without name", path)
		}
		if seen[f.Name] {
			return fmt.Errorf("%s: duplicate field %q", path, f.Name)
		}
		seen[f.Name] = true
		if err := f.Type.validate(path + "." + f.Name); err != nil {
			return err
		}
	}
	return nil
}

// Constructors used by device descriptors and tests.

func Prim(k Kind) *Schema { return &Schema{Kind: k} }

func Unit() *Schema { return &Schema{Kind: KindUnit} }

func Option(elem *Schema) *Schema { return &Schema{Kind: KindOption, Elem: elem} }

func Seq(elem *Schema) *Schema { return &Schema{Kind: KindSeq, Elem: elem} }

func Array(elem *Schema, n int) *Schema { return &Schema{Kind: KindArray, Elem: elem, Len: n} }

func Map(key, value *Schema) *Schema { return &Schema{Kind: KindMap, Key: key, Value: value} }

func Tuple(elems ...*Schema) *Schema { return &Schema{Kind: KindTuple, Elems: elems} }

func TupleStruct(name string, elems ...*Schema) *Schema {
	return &Schema{Name: name, Kind: KindTupleStruct, Elems: elems}
}

func UnitStruct(name string) *Schema { return &Schema{Name: name, Kind: KindUnitStruct} }

func Newtype(name string, elem *Schema) *Schema {
	return &Schema{Name: name, Kind: KindNewtypeStruct, Elem: elem}
}

func Struct(name string, fields ...Field) *Schema {
	return &Schema{Name: name, Kind: KindStruct, Fields: fields}
}

func F(name string, t *Schema) Field { return Field{Name: name, Type: t} }

func Enum(name string, variants ...Variant) *Schema {
	return &Schema{Name: name, Kind: KindEnum, Variants: variants}
}

func UnitVariant(name string) Variant { return Variant{Name: name, Kind: VariantUnit} }

func NewtypeVariant(name string, elem *Schema) Variant {
	return Variant{Name: name, Kind: VariantNewtype, Elem: elem}
}

func TupleVariant(name string, elems ...*Schema) Variant {
	return Variant{Name: name, Kind: VariantTuple, Elems: elems}
}

func StructVariant(name string, fields ...Field) Variant {
	return Variant{Name: name, Kind: VariantStruct, Fields: fields}
}

// VariantIndex returns the discriminant of the named variant.
func (s *Schema) VariantIndex(name string) (int, bool) {
	for i, v := range s.Variants {
		if v.Name == name {
			return i, true
		}
	}
	return -1, false
}
