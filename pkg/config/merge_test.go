package config

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func incarBase() *Configuration {
	return NewConfiguration().
		MustSet("ISMEAR", -5).
		MustSet("ENCUT", 520).
		MustSet("ISPIN", 2)
}

func TestApply_ModifyIncarScenario(t *testing.T) {
	base := incarBase()
	ops := []MergeOperation{
		Update("ISMEAR", 1000),
		Multiply("ENCUT", 1.5),
		Increment("ISPIN", -1),
	}

	got, err := Apply(base, ops)
	require.NoError(t, err)

	want := NewConfiguration().
		MustSet("ISMEAR", 1000).
		MustSet("ENCUT", 780).
		MustSet("ISPIN", 1)
	assert.True(t, want.Equal(got), "got %s", got)
	assert.Equal(t, []string{"ISMEAR", "ENCUT", "ISPIN"}, got.Keys())

	encut, ok := got.GetInt("ENCUT")
	require.True(t, ok, "ENCUT should stay an integer")
	assert.Equal(t, int64(780), encut)
}

func TestApply_DoesNotMutateBase(t *testing.T) {
	base := incarBase()
	base.MustSet("MAGMOM", []float64{1, 1, 0.6})
	snapshot := base.Clone()

	got, err := Apply(base, []MergeOperation{
		Update("ISMEAR", 0),
		Multiply("ENCUT", 2),
		Increment("ISPIN", -1),
		Update("MAGMOM", []float64{0, 0, 0}),
	})
	require.NoError(t, err)

	assert.True(t, snapshot.Equal(base), "base mutated: %s", base)
	assert.False(t, got.Equal(base))
}

func TestApply_NilBase(t *testing.T) {
	got, err := Apply(nil, []MergeOperation{Update("encut", 400)})
	require.NoError(t, err)
	v, ok := got.GetInt("ENCUT")
	require.True(t, ok)
	assert.Equal(t, int64(400), v)
}

func TestApply_UpdateOnlyIsIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	keys := []string{"ISMEAR", "ENCUT", "ISPIN", "NSW", "SIGMA", "PREC"}

	for trial := 0; trial < 50; trial++ {
		base := NewConfiguration()
		for _, k := range keys[:rng.Intn(len(keys))] {
			base.MustSet(k, rng.Intn(1000)-500)
		}
		var ops []MergeOperation
		for i := 0; i < 1+rng.Intn(6); i++ {
			k := keys[rng.Intn(len(keys))]
			switch rng.Intn(3) {
			case 0:
				ops = append(ops, Update(k, rng.Intn(100)))
			case 1:
				ops = append(ops, Update(k, rng.Float64()))
			default:
				ops = append(ops, Update(k, "Accurate"))
			}
		}

		once, err := Apply(base, ops)
		require.NoError(t, err)
		twice, err := Apply(once, ops)
		require.NoError(t, err)
		assert.True(t, once.Equal(twice), "trial %d: %s != %s", trial, once, twice)
	}
}

func TestApply_MultiplyIsNotIdempotent(t *testing.T) {
	tests := []struct {
		name   string
		value  any
		factor float64
	}{
		{"integer exact", 520, 1.5},
		{"integer promoted", 5, 1.5},
		{"small integer", 1, 1.2},
		{"float", 0.05, 2},
		{"negative", -3, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := NewConfiguration().MustSet("X", tt.value)
			op := []MergeOperation{Multiply("X", tt.factor)}

			once, err := Apply(base, op)
			require.NoError(t, err)
			twice, err := Apply(once, op)
			require.NoError(t, err)

			a, _ := once.Get("X")
			b, _ := twice.Get("X")
			assert.NotEqual(t, a, b)
		})
	}
}

func TestApply_IncrementIsNotIdempotent(t *testing.T) {
	base := NewConfiguration().MustSet("NSW", 10)
	op := []MergeOperation{Increment("NSW", 5)}

	once, err := Apply(base, op)
	require.NoError(t, err)
	twice, err := Apply(once, op)
	require.NoError(t, err)

	v1, _ := once.GetInt("NSW")
	v2, _ := twice.GetInt("NSW")
	assert.Equal(t, int64(15), v1)
	assert.Equal(t, int64(20), v2)
}

func TestApply_NumericTyping(t *testing.T) {
	tests := []struct {
		name string
		base any
		op   func(string) MergeOperation
		want any
	}{
		{"int times exact factor stays int", 520, func(k string) MergeOperation { return Multiply(k, 1.5) }, int64(780)},
		{"int times inexact factor promotes", 5, func(k string) MergeOperation { return Multiply(k, 1.5) }, 7.5},
		{"negative int promotes", -5, func(k string) MergeOperation { return Multiply(k, 1.5) }, -7.5},
		{"int times integral factor", 3, func(k string) MergeOperation { return Multiply(k, 2) }, int64(6)},
		{"float stays float", 2.0, func(k string) MergeOperation { return Multiply(k, 2) }, 4.0},
		{"int plus int", 2, func(k string) MergeOperation { return Increment(k, -1) }, int64(1)},
		{"int plus whole float", 2, func(k string) MergeOperation { return Increment(k, 3.0) }, int64(5)},
		{"int plus fractional float", 2, func(k string) MergeOperation { return Increment(k, 0.5) }, 2.5},
		{"float plus int", 0.1, func(k string) MergeOperation { return Increment(k, 1) }, 1.1},
		{"int plus int overflow promotes", int64(math.MaxInt64 - 1), func(k string) MergeOperation { return Increment(k, 5) }, float64(math.MaxInt64)},
		{"int minus int overflow promotes", int64(math.MinInt64), func(k string) MergeOperation { return Increment(k, -1) }, float64(math.MinInt64)},
		{"int times int overflow promotes", int64(1 << 62), func(k string) MergeOperation { return Multiply(k, 4) }, float64(1<<62) * 4},
		{"min int times minus one promotes", int64(math.MinInt64), func(k string) MergeOperation { return Multiply(k, -1) }, -float64(math.MinInt64)},
		{"large int product in range", int64(1 << 31), func(k string) MergeOperation { return Multiply(k, 1<<31) }, int64(1 << 62)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := NewConfiguration().MustSet("K", tt.base)
			got, err := Apply(base, []MergeOperation{tt.op("K")})
			require.NoError(t, err)
			v, _ := got.Get("K")
			if f, ok := tt.want.(float64); ok {
				require.IsType(t, float64(0), v)
				assert.InDelta(t, f, v.(float64), 1e-12)
				return
			}
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestApply_DecodedOperationDoesNotWrap(t *testing.T) {
	var ops []MergeOperation
	require.NoError(t, json.Unmarshal([]byte(`[{"op":"multiply","key":"N","value":4}]`), &ops))

	got, err := Apply(NewConfiguration().MustSet("N", int64(1<<62)), ops)
	require.NoError(t, err)
	v, _ := got.Get("N")
	require.IsType(t, float64(0), v)
	assert.Greater(t, v.(float64), 0.0)
}

func TestApply_Errors(t *testing.T) {
	base := NewConfiguration().
		MustSet("ENCUT", 520).
		MustSet("PREC", "Accurate").
		MustSet("LCHARG", true)

	tests := []struct {
		name     string
		ops      []MergeOperation
		kind     MergeErrorKind
		sentinel error
		index    int
		key      string
	}{
		{"multiply absent", []MergeOperation{Multiply("NSW", 2)}, TypeMismatch, ErrTypeMismatch, 0, "NSW"},
		{"multiply string", []MergeOperation{Update("ENCUT", 400), Multiply("prec", 2)}, TypeMismatch, ErrTypeMismatch, 1, "PREC"},
		{"multiply bool", []MergeOperation{Multiply("LCHARG", 2)}, TypeMismatch, ErrTypeMismatch, 0, "LCHARG"},
		{"increment absent", []MergeOperation{Increment("ISPIN", -1)}, KeyNotFound, ErrKeyNotFound, 0, "ISPIN"},
		{"increment string", []MergeOperation{Increment("PREC", 1)}, TypeMismatch, ErrTypeMismatch, 0, "PREC"},
		{"increment by string", []MergeOperation{Increment("ENCUT", "10")}, TypeMismatch, ErrTypeMismatch, 0, "ENCUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(base, tt.ops)
			require.Error(t, err)
			assert.Nil(t, got)

			var mergeErr *MergeError
			require.True(t, errors.As(err, &mergeErr))
			assert.Equal(t, tt.kind, mergeErr.Kind)
			assert.Equal(t, tt.index, mergeErr.Index)
			assert.Equal(t, tt.key, mergeErr.Key)
			assert.ErrorIs(t, err, tt.sentinel)
		})
	}
}

func TestApply_OperatorOrderMatters(t *testing.T) {
	base := NewConfiguration().MustSet("ENCUT", 400)

	a, err := Apply(base, []MergeOperation{Update("ENCUT", 500), Multiply("ENCUT", 2)})
	require.NoError(t, err)
	b, err := Apply(base, []MergeOperation{Multiply("ENCUT", 2), Update("ENCUT", 500)})
	require.NoError(t, err)

	va, _ := a.GetInt("ENCUT")
	vb, _ := b.GetInt("ENCUT")
	assert.Equal(t, int64(1000), va)
	assert.Equal(t, int64(500), vb)
}

func TestMergeOperation_JSONKeepsIntegerTyping(t *testing.T) {
	ops := []MergeOperation{
		Update("ISMEAR", 1000),
		Multiply("ENCUT", 1.5),
		Increment("ISPIN", -1),
		Update("EDIFF", 1e-5),
		Update("MAGMOM", []float64{1, 1, 0}),
	}

	data, err := json.Marshal(ops)
	require.NoError(t, err)

	var decoded []MergeOperation
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, len(ops))

	assert.Equal(t, int64(1000), decoded[0].Value)
	assert.Equal(t, 1.5, decoded[1].Value)
	assert.Equal(t, int64(-1), decoded[2].Value)
	assert.Equal(t, 1e-5, decoded[3].Value)
	assert.Equal(t, []any{1.0, 1.0, 0.0}, decoded[4].Value)

	result, err := Apply(incarBase(), decoded[:3])
	require.NoError(t, err)
	assert.Equal(t, `{"ISMEAR":1000,"ENCUT":780,"ISPIN":1}`, result.String())
}

func TestMergeOperation_YAML(t *testing.T) {
	doc := `
- op: update
  key: ismear
  value: 1000
- op: multiply
  key: ENCUT
  value: 1.5
- op: increment
  key: ISPIN
  value: -1
`
	var ops []MergeOperation
	require.NoError(t, yaml.Unmarshal([]byte(doc), &ops))
	require.Len(t, ops, 3)
	assert.Equal(t, OpUpdate, ops[0].Kind)
	assert.Equal(t, int64(1000), ops[0].Value)

	result, err := Apply(incarBase(), ops)
	require.NoError(t, err)
	assert.Equal(t, `{"ISMEAR":1000,"ENCUT":780,"ISPIN":1}`, result.String())

	out, err := yaml.Marshal(ops)
	require.NoError(t, err)
	var again []MergeOperation
	require.NoError(t, yaml.Unmarshal(out, &again))
	assert.Equal(t, 1.5, again[1].Value)
}

func TestMergeOperation_RejectsUnknownKind(t *testing.T) {
	var op MergeOperation
	err := json.Unmarshal([]byte(`{"op":"divide","key":"ENCUT","value":2}`), &op)
	assert.Error(t, err)
}
