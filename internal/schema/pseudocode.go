package schema

import (
	"fmt"
	"strings"
)

// Pseudocode renders a schema as a one-line Rust-like declaration, e.g.
// "struct Rgb8 { r: u8, g: u8, b: u8 }". Nested named types render by name.
func Pseudocode(s *Schema) string {
	if s == nil {
		return "<nil>"
	}
	switch s.Kind {
	case KindStruct:
		return fmt.Sprintf("struct %s { %s }", s.Name, fieldList(s.Fields))
	case KindTupleStruct:
		return fmt.Sprintf("struct %s(%s);", s.Name, elemList(s.Elems))
	case KindNewtypeStruct:
		return fmt.Sprintf("struct %s(%s);", s.Name, TypeName(s.Elem))
	case KindUnitStruct:
		return fmt.Sprintf("struct %s;", s.Name)
	case KindEnum:
		vs := make([]string, 0, len(s.Variants))
		for _, v := range s.Variants {
			switch v.Kind {
			case VariantUnit:
				vs = append(vs, v.Name)
			case VariantNewtype:
				vs = append(vs, fmt.Sprintf("%s(%s)", v.Name, TypeName(v.Elem)))
			case VariantTuple:
				vs = append(vs, fmt.Sprintf("%s(%s)", v.Name, elemList(v.Elems)))
			case VariantStruct:
				vs = append(vs, fmt.Sprintf("%s { %s }", v.Name, fieldList(v.Fields)))
			}
		}
		return fmt.Sprintf("enum %s { %s }", s.Name, strings.Join(vs, ", "))
	}
	return TypeName(s)
}

// TypeName is the name a schema is referred by inside other declarations.
func TypeName(s *Schema) string {
	if s == nil {
		return "<nil>"
	}
	switch s.Kind {
	case KindUnit:
		return "()"
	case KindString:
		return "String"
	case KindBytes:
		return "[u8]"
	case KindOption:
		return "Option<" + TypeName(s.Elem) + ">"
	case KindSeq:
		return "[" + TypeName(s.Elem) + "]"
	case KindArray:
		return fmt.Sprintf("[%s; %d]", TypeName(s.Elem), s.Len)
	case KindMap:
		return fmt.Sprintf("Map<%s, %s>", TypeName(s.Key), TypeName(s.Value))
	case KindTuple:
		return "(" + elemList(s.Elems) + ")"
	case KindStruct, KindTupleStruct, KindNewtypeStruct, KindUnitStruct, KindEnum:
		if s.Name != "" {
			return s.Name
		}
		return string(s.Kind)
	}
	return string(s.Kind)
}

func fieldList(fields []Field) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f.Name+": "+TypeName(f.Type))
	}
	return strings.Join(parts, ", ")
}

func elemList(elems []*Schema) string {
	parts := make([]string, 0, len(elems))
	for _, e := range elems {
		parts = append(parts, TypeName(e))
	}
	return strings.Join(parts, ", ")
}
