package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevinKickass/OpenDeviceProxy/internal/schema"
)

func TestFromJSONEncodesLikeTheDevice(t *testing.T) {
	v, err := FromJSON(rgb8(), []byte(`{"r":20,"g":30,"b":40}`))
	require.NoError(t, err)

	b, err := Encode(rgb8(), v)
	require.NoError(t, err)
	assert.Equal(t, []byte{20, 30, 40}, b)

	back, err := Decode(rgb8(), b)
	require.NoError(t, err)
	out, err := ToJSON(back)
	require.NoError(t, err)
	assert.JSONEq(t, `{"r":20,"g":30,"b":40}`, string(out))
}

func TestFromJSONEnums(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want Value
	}{
		{"unit variant", `"Stop"`, UnitVariant("Stop")},
		{"newtype variant", `{"Speed": 12}`, NewtypeVariant("Speed", Uint(12))},
		{"tuple variant", `{"Move": [-1, 2]}`, NewtypeVariant("Move", Seq(Int(-1), Int(2)))},
		{"struct variant", `{"Color": {"rgb": {"r": 1, "g": 2, "b": 3}}}`,
			NewtypeVariant("Color", Struct(Field("rgb", rgbValue(1, 2, 3))))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromJSON(command(), []byte(tt.doc))
			require.NoError(t, err)
			assert.True(t, Equal(tt.want, got))

			out, err := ToJSON(got)
			require.NoError(t, err)
			assert.JSONEq(t, tt.doc, string(out))
		})
	}
}

func TestFromJSONRejects(t *testing.T) {
	tests := []struct {
		name string
		s    *schema.Schema
		doc  string
		path string
	}{
		{"unknown field", rgb8(), `{"r":1,"g":2,"b":3,"x":4}`, "$.x"},
		{"missing field", rgb8(), `{"r":1,"g":2}`, "$.b"},
		{"fraction", schema.Prim(schema.KindU8), `1.5`, "$"},
		{"string for int", schema.Prim(schema.KindU8), `"1"`, "$"},
		{"unknown variant", command(), `"Reverse"`, "$"},
		{"unit payload", command(), `{"Stop": 1}`, "$::Stop"},
		{"tuple arity", schema.Tuple(schema.Prim(schema.KindU8), schema.Prim(schema.KindU8)), `[1]`, "$"},
		{"not json", rgb8(), `{"r":`, "$"},
		{"trailing json", rgb8(), `{} {}`, "$"},
		{"non-null unit", schema.Unit(), `5`, "$"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromJSON(tt.s, []byte(tt.doc))
			var me *MismatchError
			require.ErrorAs(t, err, &me)
			assert.Equal(t, tt.path, me.Path)
		})
	}
}

func TestFromJSONDetails(t *testing.T) {
	// empty body means unit
	v, err := FromJSON(schema.Unit(), nil)
	require.NoError(t, err)
	assert.Equal(t, KindNull, v.Kind)

	// integral floats are integers
	v, err = FromJSON(schema.Prim(schema.KindU16), []byte(`1e3`))
	require.NoError(t, err)
	assert.Equal(t, "1000", v.Int.String())

	// integers beyond 64 bits stay exact
	v, err = FromJSON(schema.Prim(schema.KindU128), []byte(`340282366920938463463374607431768211455`))
	require.NoError(t, err)
	assert.Equal(t, "340282366920938463463374607431768211455", v.Int.String())

	// option fields may be left out
	opt := schema.Struct("Cfg", schema.F("level", schema.Option(schema.Prim(schema.KindU8))))
	v, err = FromJSON(opt, []byte(`{}`))
	require.NoError(t, err)
	lvl, ok := v.Field("level")
	require.True(t, ok)
	assert.Equal(t, KindNull, lvl.Kind)

	// integer-keyed maps come from object keys
	m := schema.Map(schema.Prim(schema.KindU16), schema.Prim(schema.KindBool))
	v, err = FromJSON(m, []byte(`{"7": true, "300": false}`))
	require.NoError(t, err)
	b, err := Encode(m, v)
	require.NoError(t, err)
	back, err := Decode(m, b)
	require.NoError(t, err)
	out, err := ToJSON(back)
	require.NoError(t, err)
	assert.JSONEq(t, `{"7": true, "300": false}`, string(out))
}

func TestToJSONComplexKeys(t *testing.T) {
	v := Map(Entry(Seq(Int(1), Int(2)), Text("x")))
	out, err := ToJSON(v)
	require.NoError(t, err)
	assert.JSONEq(t, `[[[1,2],"x"]]`, string(out))
}
