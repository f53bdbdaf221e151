package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfiguration_KeyNormalization(t *testing.T) {
	c := NewConfiguration()
	require.NoError(t, c.Set(" encut ", 520))
	require.NoError(t, c.Set("Ispin", 2))

	assert.Equal(t, []string{"ENCUT", "ISPIN"}, c.Keys())
	assert.True(t, c.Has("encut"))
	v, ok := c.GetInt("eNcUt")
	require.True(t, ok)
	assert.Equal(t, int64(520), v)

	assert.Error(t, c.Set("   ", 1))
}

func TestConfiguration_InsertionOrderAndOverwrite(t *testing.T) {
	c := NewConfiguration().MustSet("B", 1).MustSet("A", 2).MustSet("C", 3)
	c.MustSet("A", 20)
	assert.Equal(t, []string{"B", "A", "C"}, c.Keys())

	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	assert.Equal(t, []string{"B", "C"}, c.Keys())
	assert.Equal(t, 2, c.Len())
}

func TestConfiguration_ValueNormalization(t *testing.T) {
	c := NewConfiguration().
		MustSet("I", int32(3)).
		MustSet("F", float32(0.5)).
		MustSet("L", []string{"Li", "O"}).
		MustSet("N", map[string]any{"x": 1})

	v, _ := c.Get("I")
	assert.IsType(t, int64(0), v)
	v, _ = c.Get("F")
	assert.Equal(t, 0.5, v)
	v, _ = c.Get("L")
	assert.Equal(t, []any{"Li", "O"}, v)
	nested, ok := c.GetConfiguration("N")
	require.True(t, ok)
	assert.True(t, nested.Has("X"))

	assert.Error(t, c.Set("BAD", struct{}{}))
	assert.Error(t, c.Set("NULL", nil))
}

func TestConfiguration_EqualIsTypeStrict(t *testing.T) {
	a := NewConfiguration().MustSet("ENCUT", 780)
	b := NewConfiguration().MustSet("ENCUT", 780.0)
	assert.False(t, a.Equal(b))

	c := NewConfiguration().MustSet("ENCUT", int64(780))
	assert.True(t, a.Equal(c))

	d := NewConfiguration().MustSet("X", 1).MustSet("Y", 2)
	e := NewConfiguration().MustSet("Y", 2).MustSet("X", 1)
	assert.True(t, d.Equal(e), "key order must not affect equality")

	var nilConfig *Configuration
	assert.True(t, nilConfig.Equal(NewConfiguration()))
}

func TestConfiguration_CloneIsDeep(t *testing.T) {
	orig := NewConfiguration().
		MustSet("MAGMOM", []float64{1, 2}).
		MustSet("NESTED", NewConfiguration().MustSet("A", 1))
	clone := orig.Clone()

	list, _ := clone.Get("MAGMOM")
	list.([]any)[0] = 99.0
	nested, _ := clone.GetConfiguration("NESTED")
	nested.MustSet("A", 2)

	origList, _ := orig.Get("MAGMOM")
	assert.Equal(t, 1.0, origList.([]any)[0])
	origNested, _ := orig.GetConfiguration("NESTED")
	a, _ := origNested.GetInt("A")
	assert.Equal(t, int64(1), a)
}

func TestConfiguration_Overlay(t *testing.T) {
	base := NewConfiguration().MustSet("ENCUT", 520).MustSet("NSW", 99)
	top := NewConfiguration().MustSet("NSW", 0).MustSet("LCHARG", true)

	merged := base.Overlay(top)
	assert.Equal(t, []string{"ENCUT", "NSW", "LCHARG"}, merged.Keys())
	nsw, _ := merged.GetInt("NSW")
	assert.Equal(t, int64(0), nsw)

	baseNSW, _ := base.GetInt("NSW")
	assert.Equal(t, int64(99), baseNSW)
}

func TestConfiguration_JSONRoundTrip(t *testing.T) {
	c := NewConfiguration().
		MustSet("ENCUT", 780).
		MustSet("SIGMA", 780.0).
		MustSet("EDIFF", 1e-5).
		MustSet("LCHARG", false).
		MustSet("PREC", "Accurate").
		MustSet("MAGMOM", []any{1, 0.5}).
		MustSet("META", map[string]any{"source": "mp-1234"})

	data, err := json.Marshal(c)
	require.NoError(t, err)
	assert.Equal(t,
		`{"ENCUT":780,"SIGMA":780.0,"EDIFF":1e-05,"LCHARG":false,"PREC":"Accurate","MAGMOM":[1,0.5],"META":{"SOURCE":"mp-1234"}}`,
		string(data))

	decoded := NewConfiguration()
	require.NoError(t, json.Unmarshal(data, decoded))
	assert.True(t, c.Equal(decoded))
	assert.Equal(t, c.Keys(), decoded.Keys())

	sigma, _ := decoded.Get("SIGMA")
	assert.IsType(t, float64(0), sigma)
}

func TestConfiguration_JSONLowercaseKeysNormalized(t *testing.T) {
	decoded := NewConfiguration()
	require.NoError(t, json.Unmarshal([]byte(`{"encut": 520, "ismear": -5}`), decoded))
	assert.Equal(t, []string{"ENCUT", "ISMEAR"}, decoded.Keys())

	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), NewConfiguration()))
	assert.Error(t, json.Unmarshal([]byte(`{"A": null}`), NewConfiguration()))
}

func TestConfiguration_YAMLRoundTrip(t *testing.T) {
	src := `
encut: 520
sigma: 0.05
ediff: 1.0e-05
lcharg: false
prec: Accurate
magmom: [1, 1, 0.6]
kpoints:
  grid: [4, 4, 4]
`
	c := NewConfiguration()
	require.NoError(t, yaml.Unmarshal([]byte(src), c))
	assert.Equal(t, []string{"ENCUT", "SIGMA", "EDIFF", "LCHARG", "PREC", "MAGMOM", "KPOINTS"}, c.Keys())

	encut, _ := c.Get("ENCUT")
	assert.IsType(t, int64(0), encut)

	out, err := yaml.Marshal(c)
	require.NoError(t, err)

	again := NewConfiguration()
	require.NoError(t, yaml.Unmarshal(out, again))
	assert.True(t, c.Equal(again), "yaml:\n%s", out)
}

func TestConfiguration_YAMLFloatKeepsDecimal(t *testing.T) {
	c := NewConfiguration().MustSet("ENCUT", 780.0)
	out, err := yaml.Marshal(c)
	require.NoError(t, err)
	assert.Contains(t, string(out), "780.0")

	again := NewConfiguration()
	require.NoError(t, yaml.Unmarshal(out, again))
	v, _ := again.Get("ENCUT")
	assert.IsType(t, float64(0), v)
}

func TestFromMap_SortsKeys(t *testing.T) {
	c, err := FromMap(map[string]any{"b": 1, "a": 2, "c": "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, c.Keys())

	_, err = FromMap(map[string]any{"bad": make(chan int)})
	assert.Error(t, err)
}
