package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeKeyValue(t *testing.T) {
	incar := NewConfiguration().
		MustSet("SYSTEM", "Li Al Si O").
		MustSet("ENCUT", 520).
		MustSet("EDIFF", 1e-5).
		MustSet("SIGMA", 0.05).
		MustSet("LCHARG", true).
		MustSet("PREC", "Accurate").
		MustSet("MAGMOM", []any{1, 1, 0.6})

	data, err := EncodeKeyValue(incar)
	require.NoError(t, err)

	want := `SYSTEM = "Li Al Si O"
ENCUT = 520
EDIFF = 1e-05
SIGMA = 0.05
LCHARG = .TRUE.
PREC = Accurate
MAGMOM = 1 1 0.6
`
	assert.Equal(t, want, string(data))
}

func TestKeyValue_RoundTrip(t *testing.T) {
	c := NewConfiguration().
		MustSet("ENCUT", 780).
		MustSet("SIGMA", 780.0).
		MustSet("LWAVE", false).
		MustSet("SYSTEM", "two words").
		MustSet("SYMBOLS", []string{"Li_sv", "Al", "Si", "O"}).
		MustSet("LATTICE", []any{[]any{5.0, 0.0, 0.0}, []any{0.0, 5.0, 0.0}, []any{0.0, 0.0, 5.0}}).
		MustSet("META", NewConfiguration().MustSet("TASK", "static"))

	data, err := EncodeKeyValue(c)
	require.NoError(t, err)

	decoded, err := DecodeKeyValue(data)
	require.NoError(t, err)
	assert.True(t, c.Equal(decoded), "encoded:\n%s\ndecoded: %s", data, decoded)
	assert.Equal(t, c.Keys(), decoded.Keys())
}

func TestDecodeKeyValue_Comments(t *testing.T) {
	src := `# generated
! another comment
ismear = -5   # tetrahedron
ENCUT=520
LCHARG = .FALSE. ! no charge density

PREC = Normal
`
	c, err := DecodeKeyValue([]byte(src))
	require.NoError(t, err)
	assert.Equal(t, []string{"ISMEAR", "ENCUT", "LCHARG", "PREC"}, c.Keys())

	ismear, _ := c.GetInt("ISMEAR")
	assert.Equal(t, int64(-5), ismear)
	lcharg, ok := c.GetBool("LCHARG")
	require.True(t, ok)
	assert.False(t, lcharg)
}

func TestDecodeKeyValue_Errors(t *testing.T) {
	_, err := DecodeKeyValue([]byte("ENCUT 520\n"))
	assert.Error(t, err)

	_, err = DecodeKeyValue([]byte(`SYSTEM = "unterminated` + "\n"))
	assert.Error(t, err)
}
