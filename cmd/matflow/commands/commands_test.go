package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matflow/matflow/pkg/config"
)

const si2 = `lattice:
  - [0.0, 2.7155, 2.7155]
  - [2.7155, 0.0, 2.7155]
  - [2.7155, 2.7155, 0.0]
species: [Si, Si]
frac_coords:
  - [0.0, 0.0, 0.0]
  - [0.25, 0.25, 0.25]
`

func execute(t *testing.T, args ...string) error {
	t.Helper()
	chdir(t, t.TempDir())
	jsonOutput = false
	cmd := newRootCommand("test", "none", "unknown")
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}

func TestModifyCommand(t *testing.T) {
	dir := t.TempDir()
	incar := writeFile(t, dir, "INCAR", "ENCUT = 520\nISPIN = 2\nISMEAR = -5\n")
	mods := writeFile(t, dir, "mods.yaml", `
key_update: {ISMEAR: 0}
key_multiply: {ENCUT: 1.5}
key_dictmod:
  _inc: {ISPIN: -1}
`)

	require.NoError(t, execute(t, "modify", "--incar", incar, "--mods", mods))

	data, err := os.ReadFile(incar)
	require.NoError(t, err)
	got, err := config.DecodeKeyValue(data)
	require.NoError(t, err)

	want := config.NewConfiguration().MustSet("ENCUT", 780).MustSet("ISPIN", 1).MustSet("ISMEAR", 0)
	assert.True(t, want.Equal(got), "got %s", got)
}

func TestModifyCommand_DryRunLeavesFile(t *testing.T) {
	dir := t.TempDir()
	incar := writeFile(t, dir, "INCAR", "ENCUT = 520\n")
	mods := writeFile(t, dir, "mods.yaml", "key_update: {ENCUT: 600}\n")

	require.NoError(t, execute(t, "modify", "--incar", incar, "--mods", mods, "--dry-run"))

	data, err := os.ReadFile(incar)
	require.NoError(t, err)
	assert.Equal(t, "ENCUT = 520\n", string(data))
}

func TestModifyCommand_MultiplyNonNumeric(t *testing.T) {
	dir := t.TempDir()
	incar := writeFile(t, dir, "INCAR", "PREC = Accurate\n")
	mods := writeFile(t, dir, "mods.yaml", "key_multiply: {PREC: 2}\n")

	assert.Error(t, execute(t, "modify", "--incar", incar, "--mods", mods))
}

func TestPlanCommand_WritesDOT(t *testing.T) {
	dir := t.TempDir()
	structure := writeFile(t, dir, "Si2.yaml", si2)
	dot := filepath.Join(dir, "nmr.dot")

	require.NoError(t, execute(t, "plan", "--structure", structure, "--nmr", "--dot", dot))

	data, err := os.ReadFile(dot)
	require.NoError(t, err)
	assert.Contains(t, string(data), "digraph")
	assert.Contains(t, string(data), "cs tensor")
	assert.Contains(t, string(data), "efg tensor")
}

func TestPlanCommand_FlagErrors(t *testing.T) {
	dir := t.TempDir()
	structure := writeFile(t, dir, "Si2.yaml", si2)

	assert.Error(t, execute(t, "plan", "--nmr"))
	assert.Error(t, execute(t, "plan", "--structure", structure))
	assert.Error(t, execute(t, "plan", "--structure", structure, "--nmr", "--workflow", "wf.yaml"))
}

func TestSynthCommand_Template(t *testing.T) {
	dir := t.TempDir()
	structure := writeFile(t, dir, "Si2.yaml", si2)
	spec := writeFile(t, dir, "relax.yaml", `
label: structure optimization
mode: template
template: StructureOptimization
modifications:
  - {op: update, key: ENCUT, value: 600}
`)
	out := filepath.Join(dir, "jobs", "relax")

	require.NoError(t, execute(t, "synth", "--structure", structure, "--spec", spec, "--out", out))

	data, err := os.ReadFile(filepath.Join(out, "INCAR"))
	require.NoError(t, err)
	incar, err := config.DecodeKeyValue(data)
	require.NoError(t, err)
	encut, ok := incar.GetInt("ENCUT")
	require.True(t, ok)
	assert.Equal(t, int64(600), encut)

	for _, name := range []string{"POSCAR", "KPOINTS", "POTCAR"} {
		assert.FileExists(t, filepath.Join(out, name))
	}
}

func TestSynthCommand_InvalidSpec(t *testing.T) {
	dir := t.TempDir()
	spec := writeFile(t, dir, "bad.yaml", "label: x\nmode: template\n")
	assert.Error(t, execute(t, "synth", "--spec", spec, "--out", filepath.Join(dir, "out")))
}

func TestTemplatesCommand(t *testing.T) {
	assert.NoError(t, execute(t, "templates"))
}
