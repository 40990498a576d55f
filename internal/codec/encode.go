package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"unicode/utf8"

	"github.com/KevinKickass/OpenDeviceProxy/internal/schema"
)

// Encode serializes v in the device wire format described by s.
func Encode(s *schema.Schema, v Value) ([]byte, error) {
	e := &encoder{buf: make([]byte, 0, 64)}
	if err := e.encode(s, v, "$"); err != nil {
		return nil, err
	}
	return e.buf, nil
}

type encoder struct {
	buf []byte
}

func (e *encoder) encode(s *schema.Schema, v Value, path string) error {
	if s == nil {
		return mismatch(path, "no schema")
	}

	if bits, signed, ok := s.Kind.IntBits(); ok {
		return e.encodeInt(bits, signed, v, s.Kind, path)
	}

	switch s.Kind {
	case schema.KindBool:
		if v.Kind != KindBool {
			return mismatch(path, "expected bool, got %s", v.Kind)
		}
		if v.Bool {
			e.buf = append(e.buf, 1)
		} else {
			e.buf = append(e.buf, 0)
		}
		return nil

	case schema.KindF32, schema.KindF64:
		return e.encodeFloat(s.Kind, v, path)

	case schema.KindChar:
		if v.Kind != KindText || utf8.RuneCountInString(v.Text) != 1 {
			return mismatch(path, "expected a single character")
		}
		e.putString(v.Text)
		return nil

	case schema.KindString:
		if v.Kind != KindText {
			return mismatch(path, "expected string, got %s", v.Kind)
		}
		if !utf8.ValidString(v.Text) {
			return mismatch(path, "string is not valid utf-8")
		}
		e.putString(v.Text)
		return nil

	case schema.KindBytes:
		raw, err := asBytes(v, path)
		if err != nil {
			return err
		}
		e.putUvarint(uint64(len(raw)))
		e.buf = append(e.buf, raw...)
		return nil

	case schema.KindOption:
		// None wins at every level, so Option<Option<T>> cannot express Some(None)
		if v.Kind == KindNull {
			e.buf = append(e.buf, 0)
			return nil
		}
		e.buf = append(e.buf, 1)
		return e.encode(s.Elem, v, path)

	case schema.KindUnit, schema.KindUnitStruct:
		if v.Kind != KindNull {
			return mismatch(path, "expected null for %s, got %s", s.Kind, v.Kind)
		}
		return nil

	case schema.KindNewtypeStruct:
		return e.encode(s.Elem, v, path)

	case schema.KindSeq:
		if v.Kind == KindBytes && s.Elem != nil && s.Elem.Kind == schema.KindU8 {
			e.putUvarint(uint64(len(v.Bytes)))
			e.buf = append(e.buf, v.Bytes...)
			return nil
		}
		items, err := asItems(v, path)
		if err != nil {
			return err
		}
		e.putUvarint(uint64(len(items)))
		for i, item := range items {
			if err := e.encode(s.Elem, item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil

	case schema.KindArray:
		items, err := asItems(v, path)
		if err != nil {
			return err
		}
		if len(items) != s.Len {
			return mismatch(path, "expected %d elements, got %d", s.Len, len(items))
		}
		for i, item := range items {
			if err := e.encode(s.Elem, item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil

	case schema.KindTuple, schema.KindTupleStruct:
		return e.encodeTuple(s.Elems, v, path)

	case schema.KindMap:
		if v.Kind != KindMap {
			return mismatch(path, "expected map, got %s", v.Kind)
		}
		e.putUvarint(uint64(len(v.Entries)))
		for i, entry := range v.Entries {
			if err := e.encode(s.Key, entry.Key, fmt.Sprintf("%s<key %d>", path, i)); err != nil {
				return err
			}
			if err := e.encode(s.Value, entry.Value, fmt.Sprintf("%s[%s]", path, keyLabel(entry.Key, i))); err != nil {
				return err
			}
		}
		return nil

	case schema.KindStruct:
		return e.encodeFields(s.Fields, v, path)

	case schema.KindEnum:
		return e.encodeEnum(s, v, path)
	}

	return mismatch(path, "unsupported schema kind %q", s.Kind)
}

func (e *encoder) encodeInt(bits int, signed bool, v Value, kind schema.Kind, path string) error {
	if v.Kind != KindInt || v.Int == nil {
		return mismatch(path, "expected %s, got %s", kind, v.Kind)
	}
	n := v.Int
	lo, hi := intRange(bits, signed)
	if n.Cmp(lo) < 0 || n.Cmp(hi) > 0 {
		return mismatch(path, "%s out of range for %s", n.String(), kind)
	}

	if bits == 8 {
		if signed {
			e.buf = append(e.buf, byte(int8(n.Int64())))
		} else {
			e.buf = append(e.buf, byte(n.Uint64()))
		}
		return nil
	}

	if signed {
		e.putUvarintBig(zigzag(n))
	} else {
		e.putUvarintBig(n)
	}
	return nil
}

func (e *encoder) encodeFloat(kind schema.Kind, v Value, path string) error {
	var f float64
	switch v.Kind {
	case KindFloat:
		f = v.Float
	case KindInt:
		var acc big.Accuracy
		f, acc = new(big.Float).SetInt(v.Int).Float64()
		if acc != big.Exact {
			return mismatch(path, "integer %s is not exactly representable as %s", v.Int.String(), kind)
		}
	default:
		return mismatch(path, "expected number for %s, got %s", kind, v.Kind)
	}

	if kind == schema.KindF32 {
		if !math.IsInf(f, 0) && !math.IsNaN(f) && math.Abs(f) > math.MaxFloat32 {
			return mismatch(path, "%g out of range for f32", f)
		}
		// Reject values that would not read back unchanged
		if !math.IsNaN(f) && widenFloat32(float32(f)) != f {
			return mismatch(path, "%g is not exactly representable as f32", f)
		}
		e.buf = binary.LittleEndian.AppendUint32(e.buf, math.Float32bits(float32(f)))
		return nil
	}
	e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(f))
	return nil
}

func (e *encoder) encodeTuple(elems []*schema.Schema, v Value, path string) error {
	items, err := asItems(v, path)
	if err != nil {
		return err
	}
	if len(items) != len(elems) {
		return mismatch(path, "expected %d elements, got %d", len(elems), len(items))
	}
	for i, item := range items {
		if err := e.encode(elems[i], item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
			return err
		}
	}
	return nil
}

// encodeFields writes fields in declared order whatever order v holds them in.
func (e *encoder) encodeFields(fields []schema.Field, v Value, path string) error {
	if v.Kind != KindStruct {
		return mismatch(path, "expected struct, got %s", v.Kind)
	}

	declared := make(map[string]bool, len(fields))
	for _, f := range fields {
		declared[f.Name] = true
	}
	for _, fv := range v.Fields {
		if !declared[fv.Name] {
			return mismatch(path+"."+fv.Name, "unknown field")
		}
	}

	for _, f := range fields {
		fv, ok := v.Field(f.Name)
		if !ok {
			return mismatch(path+"."+f.Name, "missing field")
		}
		if err := e.encode(f.Type, fv, path+"."+f.Name); err != nil {
			return err
		}
	}
	return nil
}

func (e *encoder) encodeEnum(s *schema.Schema, v Value, path string) error {
	if v.Kind != KindEnum {
		return mismatch(path, "expected enum variant of %s, got %s", s.Name, v.Kind)
	}
	idx, ok := s.VariantIndex(v.Variant)
	if !ok {
		return mismatch(path, "unknown variant %q of %s", v.Variant, s.Name)
	}
	variant := s.Variants[idx]
	vpath := path + "::" + variant.Name
	e.putUvarint(uint64(idx))

	switch variant.Kind {
	case schema.VariantUnit:
		if v.Payload != nil && v.Payload.Kind != KindNull {
			return mismatch(vpath, "unit variant takes no payload")
		}
		return nil
	case schema.VariantNewtype:
		if v.Payload == nil {
			return mismatch(vpath, "missing payload")
		}
		return e.encode(variant.Elem, *v.Payload, vpath)
	case schema.VariantTuple:
		if v.Payload == nil {
			return mismatch(vpath, "missing payload")
		}
		return e.encodeTuple(variant.Elems, *v.Payload, vpath)
	case schema.VariantStruct:
		if v.Payload == nil {
			return mismatch(vpath, "missing payload")
		}
		return e.encodeFields(variant.Fields, *v.Payload, vpath)
	}
	return mismatch(vpath, "unsupported variant kind %q", variant.Kind)
}

func (e *encoder) putString(s string) {
	e.putUvarint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) putUvarint(u uint64) {
	e.buf = binary.AppendUvarint(e.buf, u)
}

func (e *encoder) putUvarintBig(n *big.Int) {
	if n.IsUint64() {
		e.putUvarint(n.Uint64())
		return
	}
	v := new(big.Int).Set(n)
	low := big.NewInt(0x7f)
	part := new(big.Int)
	for v.BitLen() > 7 {
		part.And(v, low)
		e.buf = append(e.buf, byte(part.Uint64())|0x80)
		v.Rsh(v, 7)
	}
	e.buf = append(e.buf, byte(v.Uint64()))
}

func asItems(v Value, path string) ([]Value, error) {
	switch v.Kind {
	case KindSeq:
		return v.Items, nil
	case KindBytes:
		return bytesAsSeq(v.Bytes).Items, nil
	}
	return nil, mismatch(path, "expected sequence, got %s", v.Kind)
}

func asBytes(v Value, path string) ([]byte, error) {
	switch v.Kind {
	case KindBytes:
		return v.Bytes, nil
	case KindSeq:
		out := make([]byte, len(v.Items))
		for i, item := range v.Items {
			if item.Kind != KindInt || !item.Int.IsUint64() || item.Int.Uint64() > 0xff {
				return nil, mismatch(fmt.Sprintf("%s[%d]", path, i), "expected byte value")
			}
			out[i] = byte(item.Int.Uint64())
		}
		return out, nil
	}
	return nil, mismatch(path, "expected bytes, got %s", v.Kind)
}

func keyLabel(k Value, i int) string {
	switch k.Kind {
	case KindText:
		return fmt.Sprintf("%q", k.Text)
	case KindInt:
		return k.Int.String()
	}
	return fmt.Sprintf("%d", i)
}

var intRanges = map[[2]int][2]*big.Int{}

func init() {
	for _, bits := range []int{8, 16, 32, 64, 128} {
		one := big.NewInt(1)
		umax := new(big.Int).Sub(new(big.Int).Lsh(one, uint(bits)), one)
		smax := new(big.Int).Sub(new(big.Int).Lsh(one, uint(bits-1)), one)
		smin := new(big.Int).Neg(new(big.Int).Lsh(one, uint(bits-1)))
		intRanges[[2]int{bits, 0}] = [2]*big.Int{big.NewInt(0), umax}
		intRanges[[2]int{bits, 1}] = [2]*big.Int{smin, smax}
	}
}

func intRange(bits int, signed bool) (*big.Int, *big.Int) {
	s := 0
	if signed {
		s = 1
	}
	r := intRanges[[2]int{bits, s}]
	return r[0], r[1]
}

// zigzag maps signed to unsigned: 0,-1,1,-2 -> 0,1,2,3.
func zigzag(n *big.Int) *big.Int {
	out := new(big.Int).Lsh(n, 1)
	if n.Sign() < 0 {
		out.Neg(out)
		out.Sub(out, big.NewInt(1))
	}
	return out
}

func unzigzag(u *big.Int) *big.Int {
	out := new(big.Int).Rsh(u, 1)
	if u.Bit(0) == 1 {
		out.Neg(out)
		out.Sub(out, big.NewInt(1))
	}
	return out
}
