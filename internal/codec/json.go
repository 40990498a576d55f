package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"

	"github.com/KevinKickass/OpenDeviceProxy/internal/schema"
)

// FromJSON lifts a JSON document into a Value shaped by s. Enums follow the serde
// convention: "Variant" for unit variants, {"Variant": payload} otherwise. An empty
// document is read as null so unit requests need no body.
func FromJSON(s *schema.Schema, raw []byte) (Value, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		raw = []byte("null")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Value{}, mismatch("$", "invalid json: %v", err)
	}
	if dec.More() {
		return Value{}, mismatch("$", "trailing data after json value")
	}
	return lift(s, doc, "$")
}

func lift(s *schema.Schema, doc any, path string) (Value, error) {
	if s == nil {
		return Value{}, mismatch(path, "no schema")
	}

	if _, _, ok := s.Kind.IntBits(); ok {
		return liftInt(doc, path)
	}

	switch s.Kind {
	case schema.KindBool:
		b, ok := doc.(bool)
		if !ok {
			return Value{}, mismatch(path, "expected bool, got %s", jsonType(doc))
		}
		return Bool(b), nil

	case schema.KindF32, schema.KindF64:
		n, ok := doc.(json.Number)
		if !ok {
			return Value{}, mismatch(path, "expected number, got %s", jsonType(doc))
		}
		f, err := strconv.ParseFloat(n.String(), 64)
		if err != nil {
			return Value{}, mismatch(path, "number %s not representable as float", n)
		}
		return Float(f), nil

	case schema.KindChar, schema.KindString:
		str, ok := doc.(string)
		if !ok {
			return Value{}, mismatch(path, "expected string, got %s", jsonType(doc))
		}
		return Text(str), nil

	case schema.KindBytes:
		arr, ok := doc.([]any)
		if !ok {
			return Value{}, mismatch(path, "expected array of bytes, got %s", jsonType(doc))
		}
		out := make([]byte, len(arr))
		for i, item := range arr {
			v, err := liftInt(item, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return Value{}, err
			}
			if !v.Int.IsUint64() || v.Int.Uint64() > 0xff {
				return Value{}, mismatch(fmt.Sprintf("%s[%d]", path, i), "%s is not a byte", v.Int)
			}
			out[i] = byte(v.Int.Uint64())
		}
		return Bytes(out), nil

	case schema.KindOption:
		if doc == nil {
			return Null(), nil
		}
		return lift(s.Elem, doc, path)

	case schema.KindUnit, schema.KindUnitStruct:
		if doc != nil {
			return Value{}, mismatch(path, "expected null, got %s", jsonType(doc))
		}
		return Null(), nil

	case schema.KindNewtypeStruct:
		return lift(s.Elem, doc, path)

	case schema.KindSeq, schema.KindArray:
		arr, ok := doc.([]any)
		if !ok {
			return Value{}, mismatch(path, "expected array, got %s", jsonType(doc))
		}
		items := make([]Value, len(arr))
		for i, item := range arr {
			v, err := lift(s.Elem, item, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return Seq(items...), nil

	case schema.KindTuple, schema.KindTupleStruct:
		return liftTuple(s.Elems, doc, path)

	case schema.KindMap:
		obj, ok := doc.(map[string]any)
		if !ok {
			return Value{}, mismatch(path, "expected object, got %s", jsonType(doc))
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		entries := make([]MapEntry, 0, len(keys))
		for _, k := range keys {
			kv, err := liftMapKey(s.Key, k, path)
			if err != nil {
				return Value{}, err
			}
			vv, err := lift(s.Value, obj[k], fmt.Sprintf("%s[%q]", path, k))
			if err != nil {
				return Value{}, err
			}
			entries = append(entries, Entry(kv, vv))
		}
		return Map(entries...), nil

	case schema.KindStruct:
		return liftFields(s.Fields, doc, path)

	case schema.KindEnum:
		return liftEnum(s, doc, path)
	}
	return Value{}, mismatch(path, "unsupported schema kind %q", s.Kind)
}

func liftInt(doc any, path string) (Value, error) {
	n, ok := doc.(json.Number)
	if !ok {
		return Value{}, mismatch(path, "expected integer, got %s", jsonType(doc))
	}
	if i, ok := new(big.Int).SetString(n.String(), 10); ok {
		return Value{Kind: KindInt, Int: i}, nil
	}
	// 1e3 and 20.0 are integers too
	f, _, err := big.ParseFloat(n.String(), 10, 256, big.ToNearestEven)
	if err != nil || !f.IsInt() {
		return Value{}, mismatch(path, "%s is not an integer", n)
	}
	i, _ := f.Int(nil)
	return Value{Kind: KindInt, Int: i}, nil
}

func liftTuple(elems []*schema.Schema, doc any, path string) (Value, error) {
	arr, ok := doc.([]any)
	if !ok {
		return Value{}, mismatch(path, "expected array, got %s", jsonType(doc))
	}
	if len(arr) != len(elems) {
		return Value{}, mismatch(path, "expected %d elements, got %d", len(elems), len(arr))
	}
	items := make([]Value, len(arr))
	for i, item := range arr {
		v, err := lift(elems[i], item, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return Value{}, err
		}
		items[i] = v
	}
	return Seq(items...), nil
}

func liftFields(fields []schema.Field, doc any, path string) (Value, error) {
	obj, ok := doc.(map[string]any)
	if !ok {
		return Value{}, mismatch(path, "expected object, got %s", jsonType(doc))
	}

	declared := make(map[string]bool, len(fields))
	for _, f := range fields {
		declared[f.Name] = true
	}
	extra := make([]string, 0)
	for name := range obj {
		if !declared[name] {
			extra = append(extra, name)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return Value{}, mismatch(path+"."+extra[0], "unknown field")
	}

	out := make([]FieldValue, 0, len(fields))
	for _, f := range fields {
		raw, ok := obj[f.Name]
		if !ok {
			// Option fields may be omitted
			if f.Type != nil && f.Type.Kind == schema.KindOption {
				out = append(out, Field(f.Name, Null()))
				continue
			}
			return Value{}, mismatch(path+"."+f.Name, "missing field")
		}
		v, err := lift(f.Type, raw, path+"."+f.Name)
		if err != nil {
			return Value{}, err
		}
		out = append(out, Field(f.Name, v))
	}
	return Struct(out...), nil
}

func liftEnum(s *schema.Schema, doc any, path string) (Value, error) {
	var (
		name    string
		payload any
		hasBody bool
	)
	switch d := doc.(type) {
	case string:
		name = d
	case map[string]any:
		if len(d) != 1 {
			return Value{}, mismatch(path, "enum object must have exactly one key, got %d", len(d))
		}
		for k, v := range d {
			name, payload, hasBody = k, v, true
		}
	default:
		return Value{}, mismatch(path, "expected enum variant of %s, got %s", s.Name, jsonType(doc))
	}

	idx, ok := s.VariantIndex(name)
	if !ok {
		return Value{}, mismatch(path, "unknown variant %q of %s", name, s.Name)
	}
	variant := s.Variants[idx]
	vpath := path + "::" + name

	if variant.Kind == schema.VariantUnit {
		if hasBody && payload != nil {
			return Value{}, mismatch(vpath, "unit variant takes no payload")
		}
		return UnitVariant(name), nil
	}
	if !hasBody {
		return Value{}, mismatch(vpath, "missing payload")
	}

	var (
		v   Value
		err error
	)
	switch variant.Kind {
	case schema.VariantNewtype:
		v, err = lift(variant.Elem, payload, vpath)
	case schema.VariantTuple:
		v, err = liftTuple(variant.Elems, payload, vpath)
	case schema.VariantStruct:
		v, err = liftFields(variant.Fields, payload, vpath)
	default:
		return Value{}, mismatch(vpath, "unsupported variant kind %q", variant.Kind)
	}
	if err != nil {
		return Value{}, err
	}
	return Enum(name, &v), nil
}

func liftMapKey(s *schema.Schema, key, path string) (Value, error) {
	kpath := fmt.Sprintf("%s<key %q>", path, key)
	for s != nil && s.Kind == schema.KindNewtypeStruct {
		s = s.Elem
	}
	if s == nil {
		return Value{}, mismatch(kpath, "no key schema")
	}
	if _, _, ok := s.Kind.IntBits(); ok {
		return liftInt(json.Number(key), kpath)
	}
	switch s.Kind {
	case schema.KindString, schema.KindChar:
		return Text(key), nil
	case schema.KindBool:
		b, err := strconv.ParseBool(key)
		if err != nil {
			return Value{}, mismatch(kpath, "expected bool key")
		}
		return Bool(b), nil
	case schema.KindEnum:
		return liftEnum(s, key, kpath)
	}
	return Value{}, mismatch(kpath, "map keys of kind %s cannot come from json objects", s.Kind)
}

func jsonType(doc any) string {
	switch doc.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case json.Number:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", doc)
}

// ToJSON renders v. Struct fields keep their order; maps with scalar keys become
// objects, any other map becomes an array of [key, value] pairs.
func ToJSON(v Value) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := writeJSON(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJSON(buf *bytes.Buffer, v Value) error {
	switch v.Kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.Bool))
	case KindInt:
		buf.WriteString(v.Int.String())
	case KindFloat:
		if math.IsInf(v.Float, 0) || math.IsNaN(v.Float) {
			buf.WriteString("null")
			return nil
		}
		buf.WriteString(strconv.FormatFloat(v.Float, 'g', -1, 64))
	case KindText:
		writeString(buf, v.Text)
	case KindBytes:
		buf.WriteByte('[')
		for i, b := range v.Bytes {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(strconv.Itoa(int(b)))
		}
		buf.WriteByte(']')
	case KindSeq:
		buf.WriteByte('[')
		for i, item := range v.Items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSON(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindStruct:
		buf.WriteByte('{')
		for i, f := range v.Fields {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, f.Name)
			buf.WriteByte(':')
			if err := writeJSON(buf, f.Value); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case KindMap:
		return writeMap(buf, v.Entries)
	case KindEnum:
		if v.Payload == nil {
			writeString(buf, v.Variant)
			return nil
		}
		buf.WriteByte('{')
		writeString(buf, v.Variant)
		buf.WriteByte(':')
		if err := writeJSON(buf, *v.Payload); err != nil {
			return err
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("cannot render value of kind %s", v.Kind)
	}
	return nil
}

func writeMap(buf *bytes.Buffer, entries []MapEntry) error {
	scalar := true
	for _, e := range entries {
		switch e.Key.Kind {
		case KindText, KindInt, KindBool:
		case KindEnum:
			scalar = scalar && e.Key.Payload == nil
		default:
			scalar = false
		}
	}

	if !scalar {
		buf.WriteByte('[')
		for i, e := range entries {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteByte('[')
			if err := writeJSON(buf, e.Key); err != nil {
				return err
			}
			buf.WriteByte(',')
			if err := writeJSON(buf, e.Value); err != nil {
				return err
			}
			buf.WriteByte(']')
		}
		buf.WriteByte(']')
		return nil
	}

	buf.WriteByte('{')
	for i, e := range entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		switch e.Key.Kind {
		case KindText:
			writeString(buf, e.Key.Text)
		case KindInt:
			writeString(buf, e.Key.Int.String())
		case KindBool:
			writeString(buf, strconv.FormatBool(e.Key.Bool))
		case KindEnum:
			writeString(buf, e.Key.Variant)
		}
		buf.WriteByte(':')
		if err := writeJSON(buf, e.Value); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}
