package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"unicode/utf8"

	"github.com/KevinKickass/OpenDeviceProxy/internal/schema"
)

// zero-sized sequences may not claim more elements than this
const maxZeroSizedLen = 1 << 16

// Decode parses data as a value of s. The whole input must be consumed.
func Decode(s *schema.Schema, data []byte) (Value, error) {
	d := &decoder{buf: data}
	v, err := d.decode(s, "$")
	if err != nil {
		return Value{}, err
	}
	if d.pos != len(d.buf) {
		return Value{}, &DecodeError{Path: "$", Offset: d.pos, Err: ErrTruncatedInput,
			Detail: fmt.Sprintf("%d trailing bytes", len(d.buf)-d.pos)}
	}
	return v, nil
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) truncated(path string) error {
	return &DecodeError{Path: path, Offset: d.pos, Err: ErrTruncatedInput}
}

func (d *decoder) malformed(path, format string, args ...any) error {
	return &DecodeError{Path: path, Offset: d.pos, Err: ErrMalformedInput, Detail: fmt.Sprintf(format, args...)}
}

func (d *decoder) remaining() int {
	return len(d.buf) - d.pos
}

func (d *decoder) readByte(path string) (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, d.truncated(path)
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) readN(n int, path string) ([]byte, error) {
	if n < 0 || d.remaining() < n {
		return nil, d.truncated(path)
	}
	out := d.buf[d.pos : d.pos+n]
	d.pos += n
	return out, nil
}

// readUvarint reads a LEB128 value of at most bits significant bits.
func (d *decoder) readUvarint(bits int, path string) (*big.Int, error) {
	maxBytes := (bits + 6) / 7
	v := new(big.Int)
	part := new(big.Int)
	for i := 0; ; i++ {
		if i >= maxBytes {
			return nil, d.malformed(path, "varint longer than %d bytes", maxBytes)
		}
		b, err := d.readByte(path)
		if err != nil {
			return nil, err
		}
		part.SetUint64(uint64(b & 0x7f))
		part.Lsh(part, uint(7*i))
		v.Or(v, part)
		if b&0x80 == 0 {
			break
		}
	}
	if v.BitLen() > bits {
		return nil, d.malformed(path, "varint overflows %d bits", bits)
	}
	return v, nil
}

func (d *decoder) readLen(path string) (int, error) {
	n, err := d.readUvarint(64, path)
	if err != nil {
		return 0, err
	}
	if !n.IsInt64() || n.Int64() > math.MaxInt32 {
		return 0, d.malformed(path, "length %s too large", n.String())
	}
	return int(n.Int64()), nil
}

func (d *decoder) decode(s *schema.Schema, path string) (Value, error) {
	if s == nil {
		return Value{}, d.malformed(path, "no schema")
	}

	if bits, signed, ok := s.Kind.IntBits(); ok {
		return d.decodeInt(bits, signed, path)
	}

	switch s.Kind {
	case schema.KindBool:
		b, err := d.readByte(path)
		if err != nil {
			return Value{}, err
		}
		switch b {
		case 0:
			return Bool(false), nil
		case 1:
			return Bool(true), nil
		}
		return Value{}, d.malformed(path, "invalid bool byte 0x%02x", b)

	case schema.KindF32:
		raw, err := d.readN(4, path)
		if err != nil {
			return Value{}, err
		}
		f := math.Float32frombits(binary.LittleEndian.Uint32(raw))
		return Float(widenFloat32(f)), nil

	case schema.KindF64:
		raw, err := d.readN(8, path)
		if err != nil {
			return Value{}, err
		}
		return Float(math.Float64frombits(binary.LittleEndian.Uint64(raw))), nil

	case schema.KindChar, schema.KindString:
		n, err := d.readLen(path)
		if err != nil {
			return Value{}, err
		}
		raw, err := d.readN(n, path)
		if err != nil {
			return Value{}, err
		}
		if !utf8.Valid(raw) {
			return Value{}, d.malformed(path, "invalid utf-8")
		}
		if s.Kind == schema.KindChar && utf8.RuneCount(raw) != 1 {
			return Value{}, d.malformed(path, "char holds %d characters", utf8.RuneCount(raw))
		}
		return Text(string(raw)), nil

	case schema.KindBytes:
		n, err := d.readLen(path)
		if err != nil {
			return Value{}, err
		}
		raw, err := d.readN(n, path)
		if err != nil {
			return Value{}, err
		}
		return Bytes(append([]byte(nil), raw...)), nil

	case schema.KindOption:
		tag, err := d.readByte(path)
		if err != nil {
			return Value{}, err
		}
		switch tag {
		case 0:
			return Null(), nil
		case 1:
			return d.decode(s.Elem, path)
		}
		return Value{}, d.malformed(path, "invalid option tag 0x%02x", tag)

	case schema.KindUnit, schema.KindUnitStruct:
		return Null(), nil

	case schema.KindNewtypeStruct:
		return d.decode(s.Elem, path)

	case schema.KindSeq:
		n, err := d.readLen(path)
		if err != nil {
			return Value{}, err
		}
		if err := d.checkCount(n, s.Elem, path); err != nil {
			return Value{}, err
		}
		return d.decodeItems(n, func(int) *schema.Schema { return s.Elem }, path)

	case schema.KindArray:
		return d.decodeItems(s.Len, func(int) *schema.Schema { return s.Elem }, path)

	case schema.KindTuple, schema.KindTupleStruct:
		return d.decodeItems(len(s.Elems), func(i int) *schema.Schema { return s.Elems[i] }, path)

	case schema.KindMap:
		n, err := d.readLen(path)
		if err != nil {
			return Value{}, err
		}
		if err := d.checkCount(n, schema.Tuple(s.Key, s.Value), path); err != nil {
			return Value{}, err
		}
		entries := make([]MapEntry, 0, n)
		for i := 0; i < n; i++ {
			k, err := d.decode(s.Key, fmt.Sprintf("%s<key %d>", path, i))
			if err != nil {
				return Value{}, err
			}
			v, err := d.decode(s.Value, fmt.Sprintf("%s[%s]", path, keyLabel(k, i)))
			if err != nil {
				return Value{}, err
			}
			entries = append(entries, Entry(k, v))
		}
		return Map(entries...), nil

	case schema.KindStruct:
		return d.decodeFields(s.Fields, path)

	case schema.KindEnum:
		return d.decodeEnum(s, path)
	}

	return Value{}, d.malformed(path, "unsupported schema kind %q", s.Kind)
}

func (d *decoder) decodeInt(bits int, signed bool, path string) (Value, error) {
	if bits == 8 {
		b, err := d.readByte(path)
		if err != nil {
			return Value{}, err
		}
		if signed {
			return Int(int64(int8(b))), nil
		}
		return Uint(uint64(b)), nil
	}

	u, err := d.readUvarint(bits, path)
	if err != nil {
		return Value{}, err
	}
	if signed {
		return Value{Kind: KindInt, Int: unzigzag(u)}, nil
	}
	return Value{Kind: KindInt, Int: u}, nil
}

func (d *decoder) decodeItems(n int, elem func(int) *schema.Schema, path string) (Value, error) {
	items := make([]Value, 0, min(n, d.remaining()+1))
	for i := 0; i < n; i++ {
		v, err := d.decode(elem(i), fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return Value{}, err
		}
		items = append(items, v)
	}
	return Seq(items...), nil
}

func (d *decoder) decodeFields(fields []schema.Field, path string) (Value, error) {
	out := make([]FieldValue, 0, len(fields))
	for _, f := range fields {
		v, err := d.decode(f.Type, path+"."+f.Name)
		if err != nil {
			return Value{}, err
		}
		out = append(out, Field(f.Name, v))
	}
	return Struct(out...), nil
}

func (d *decoder) decodeEnum(s *schema.Schema, path string) (Value, error) {
	disc, err := d.readUvarint(32, path)
	if err != nil {
		return Value{}, err
	}
	if !disc.IsInt64() || disc.Int64() >= int64(len(s.Variants)) {
		return Value{}, d.malformed(path, "unknown discriminant %s for %s", disc.String(), s.Name)
	}
	variant := s.Variants[disc.Int64()]
	vpath := path + "::" + variant.Name

	var payload Value
	switch variant.Kind {
	case schema.VariantUnit:
		return UnitVariant(variant.Name), nil
	case schema.VariantNewtype:
		payload, err = d.decode(variant.Elem, vpath)
	case schema.VariantTuple:
		payload, err = d.decodeItems(len(variant.Elems), func(i int) *schema.Schema { return variant.Elems[i] }, vpath)
	case schema.VariantStruct:
		payload, err = d.decodeFields(variant.Fields, vpath)
	default:
		return Value{}, d.malformed(vpath, "unsupported variant kind %q", variant.Kind)
	}
	if err != nil {
		return Value{}, err
	}
	return Enum(variant.Name, &payload), nil
}

// checkCount bounds a claimed element count by the bytes left so hostile lengths
// cannot force huge work.
func (d *decoder) checkCount(n int, elem *schema.Schema, path string) error {
	if minWireSize(elem) == 0 {
		if n > maxZeroSizedLen {
			return d.malformed(path, "%d zero-sized elements", n)
		}
		return nil
	}
	if n > d.remaining() {
		return d.truncated(path)
	}
	return nil
}

func minWireSize(s *schema.Schema) int {
	if s == nil {
		return 0
	}
	switch s.Kind {
	case schema.KindUnit, schema.KindUnitStruct:
		return 0
	case schema.KindNewtypeStruct:
		return minWireSize(s.Elem)
	case schema.KindArray:
		return s.Len * minWireSize(s.Elem)
	case schema.KindTuple, schema.KindTupleStruct:
		total := 0
		for _, e := range s.Elems {
			total += minWireSize(e)
		}
		return total
	case schema.KindStruct:
		total := 0
		for _, f := range s.Fields {
			total += minWireSize(f.Type)
		}
		return total
	case schema.KindF32:
		return 4
	case schema.KindF64:
		return 8
	}
	return 1
}

// widenFloat32 converts via the shortest decimal form so that 0.1f reads back as 0.1
// and narrows to the very same bits again. Integral values below 2^53 widen exactly.
func widenFloat32(f float32) float64 {
	w := float64(f)
	if math.IsInf(w, 0) || math.IsNaN(w) {
		return w
	}
	if w == math.Trunc(w) && math.Abs(w) < 1<<53 {
		return w
	}
	w, err := strconv.ParseFloat(strconv.FormatFloat(float64(f), 'g', -1, 32), 64)
	if err != nil {
		return float64(f)
	}
	return w
}
