package schema

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// TypeKey is the 8-byte structural fingerprint of a schema.
type TypeKey [8]byte

func (k TypeKey) String() string {
	return hex.EncodeToString(k[:])
}

func (k TypeKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *TypeKey) UnmarshalText(b []byte) error {
	parsed, err := ParseTypeKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func ParseTypeKey(s string) (TypeKey, error) {
	var k TypeKey
	raw, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("type key %q: %w", s, err)
	}
	if len(raw) != len(k) {
		return k, fmt.Errorf("type key %q: want %d bytes, got %d", s, len(k), len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// KeyOf derives the key of s from its canonical structural encoding.
func KeyOf(s *Schema) TypeKey {
	sum := blake2b.Sum256(Canonical(s))
	var k TypeKey
	copy(k[:], sum[:len(k)])
	return k
}

// StructurallyEqual compares two schemas ignoring type names.
func StructurallyEqual(a, b *Schema) bool {
	return bytes.Equal(Canonical(a), Canonical(b))
}

var kindTags = map[Kind]byte{
	KindBool: 0x01, KindI8: 0x02, KindI16: 0x03, KindI32: 0x04, KindI64: 0x05, KindI128: 0x06,
	KindIsize: 0x07, KindU8: 0x08, KindU16: 0x09, KindU32: 0x0a, KindU64: 0x0b, KindU128: 0x0c,
	KindUsize: 0x0d, KindF32: 0x0e, KindF64: 0x0f, KindChar: 0x10, KindString: 0x11, KindBytes: 0x12,
	KindOption: 0x20, KindUnit: 0x21, KindUnitStruct: 0x22, KindNewtypeStruct: 0x23, KindSeq: 0x24,
	KindArray: 0x25, KindTuple: 0x26, KindTupleStruct: 0x27, KindMap: 0x28, KindStruct: 0x29,
	KindEnum: 0x2a,
}

var variantTags = map[VariantKind]byte{
	VariantUnit: 0x01, VariantNewtype: 0x02, VariantTuple: 0x03, VariantStruct: 0x04,
}

// Canonical is the byte form hashed by KeyOf. Field and variant names are part of it,
// type names are not.
func Canonical(s *Schema) []byte {
	var buf bytes.Buffer
	writeCanonical(&buf, s)
	return buf.Bytes()
}

func writeCanonical(buf *bytes.Buffer, s *Schema) {
	if s == nil {
		buf.WriteByte(0x00)
		return
	}
	buf.WriteByte(kindTags[s.Kind])

	switch s.Kind {
	case KindOption, KindNewtypeStruct, KindSeq:
		writeCanonical(buf, s.Elem)
	case KindArray:
		writeUvarint(buf, uint64(s.Len))
		writeCanonical(buf, s.Elem)
	case KindMap:
		writeCanonical(buf, s.Key)
		writeCanonical(buf, s.Value)
	case KindTuple, KindTupleStruct:
		writeElems(buf, s.Elems)
	case KindStruct:
		writeFields(buf, s.Fields)
	case KindEnum:
		writeUvarint(buf, uint64(len(s.Variants)))
		for _, v := range s.Variants {
			writeString(buf, v.Name)
			buf.WriteByte(variantTags[v.Kind])
			switch v.Kind {
			case VariantNewtype:
				writeCanonical(buf, v.Elem)
			case VariantTuple:
				writeElems(buf, v.Elems)
			case VariantStruct:
				writeFields(buf, v.Fields)
			}
		}
	}
}

func writeElems(buf *bytes.Buffer, elems []*Schema) {
	writeUvarint(buf, uint64(len(elems)))
	for _, e := range elems {
		writeCanonical(buf, e)
	}
}

func writeFields(buf *bytes.Buffer, fields []Field) {
	writeUvarint(buf, uint64(len(fields)))
	for _, f := range fields {
		writeString(buf, f.Name)
		writeCanonical(buf, f.Type)
	}
}

func writeString(buf *bytes.Buffer, s string) {
	writeUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}
