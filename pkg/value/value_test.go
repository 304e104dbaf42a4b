package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalSortsMapKeys(t *testing.T) {
	v := Map(map[string]Value{
		"zeta":  Number(1),
		"alpha": Number(2),
	})
	assert.Equal(t, `{"alpha":2,"zeta":1}`, v.String())
}

func TestCanonicalScalars(t *testing.T) {
	assert.Equal(t, "null", Null().String())
	assert.Equal(t, "true", Bool(true).String())
	assert.Equal(t, "false", Bool(false).String())
	assert.Equal(t, "1.5", Number(1.5).String())
	assert.Equal(t, `"hi"`, String("hi").String())
}

func TestCanonicalBytesRoundTrip(t *testing.T) {
	b := Bytes([]byte("payload"))
	encoded := b.String()
	parsed, err := Parse(encoded)
	require.NoError(t, err)
	assert.Equal(t, KindBytes, parsed.Kind)
	assert.Equal(t, []byte("payload"), parsed.Bytes)
}

func TestCanonicalTemplateRoundTrip(t *testing.T) {
	tmpl := Template(String("a"), String("b"))
	parsed, err := Parse(tmpl.String())
	require.NoError(t, err)
	assert.Equal(t, KindTemplate, parsed.Kind)
	require.Len(t, parsed.Array, 2)
	assert.Equal(t, "a", parsed.Array[0].Str)
}

func TestCanonicalMutationRoundTrip(t *testing.T) {
	m := Mutation(map[string]Value{"set": String("x")})
	parsed, err := Parse(m.String())
	require.NoError(t, err)
	assert.Equal(t, KindMutation, parsed.Kind)
	v, ok := parsed.Field("set")
	require.True(t, ok)
	assert.Equal(t, "x", v.Str)
}

func TestCanonicalObjectConstructorRoundTrip(t *testing.T) {
	dir := Object("directory", map[string]Value{
		"entries": Map(map[string]Value{}),
	})
	parsed, err := Parse(dir.String())
	require.NoError(t, err)
	assert.Equal(t, KindObject, parsed.Kind)
	assert.Equal(t, "directory", parsed.Str)
}

func TestParseArray(t *testing.T) {
	parsed, err := Parse(`[1,2,3]`)
	require.NoError(t, err)
	require.Len(t, parsed.Array, 3)
	assert.Equal(t, float64(2), parsed.Array[1].Number)
}

func TestParseNestedMap(t *testing.T) {
	parsed, err := Parse(`{"a":{"b":1}}`)
	require.NoError(t, err)
	inner, ok := parsed.Field("a")
	require.True(t, ok)
	val, ok := inner.Field("b")
	require.True(t, ok)
	assert.Equal(t, float64(1), val.Number)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse(`not valid at all {{{`)
	assert.Error(t, err)
}

func TestDeterministicAcrossConstructionOrder(t *testing.T) {
	a := Map(map[string]Value{"x": Number(1), "y": Number(2)})
	b := Map(map[string]Value{"y": Number(2), "x": Number(1)})
	assert.Equal(t, a.String(), b.String())
}
