package policy

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matflow/matflow/pkg/config"
	"github.com/matflow/matflow/pkg/engine"
	"github.com/matflow/matflow/pkg/inputs"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	require.NoError(t, err)
	return eng
}

func csSpec() inputs.JobSpec {
	return inputs.JobSpec{Label: "cs tensor", Mode: inputs.ModeFromPrevious, Template: "NMRChemicalShielding"}
}

func blocks(incar *config.Configuration) map[string]*config.Configuration {
	return map[string]*config.Configuration{
		"INCAR": incar,
		"POSCAR": config.NewConfiguration().
			MustSet("SPECIES", []any{"Si", "Si"}).
			MustSet("COORDS", []any{[]any{0.0, 0.0, 0.0}, []any{0.25, 0.25, 0.25}}),
	}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	for _, p := range eng.ListPolicies() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"encut_bounds", "ispin_valid", "magmom_sites"}, names)
}

func TestEvaluate_BuiltinPolicies(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name       string
		incar      *config.Configuration
		allowed    bool
		violations int
		warnings   int
	}{
		{
			name:    "valid",
			incar:   config.NewConfiguration().MustSet("ENCUT", 520).MustSet("ISPIN", 2).MustSet("MAGMOM", []any{0.6, 0.6}),
			allowed: true,
		},
		{
			name:       "encut too low",
			incar:      config.NewConfiguration().MustSet("ENCUT", 50),
			violations: 1,
		},
		{
			name:       "encut too high",
			incar:      config.NewConfiguration().MustSet("ENCUT", 2500.0),
			violations: 1,
		},
		{
			name:       "encut not a number",
			incar:      config.NewConfiguration().MustSet("ENCUT", "auto"),
			violations: 1,
		},
		{
			name:       "bad ispin",
			incar:      config.NewConfiguration().MustSet("ENCUT", 520).MustSet("ISPIN", 3),
			violations: 1,
		},
		{
			name:       "both",
			incar:      config.NewConfiguration().MustSet("ENCUT", 10).MustSet("ISPIN", 0),
			violations: 2,
		},
		{
			name:     "magmom mismatch only warns",
			incar:    config.NewConfiguration().MustSet("MAGMOM", []any{0.6}),
			allowed:  true,
			warnings: 1,
		},
		{
			name:    "keys absent",
			incar:   config.NewConfiguration().MustSet("PREC", "Accurate"),
			allowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.Evaluate(context.Background(), NewInput("n1", csSpec(), blocks(tt.incar)))
			require.NoError(t, err)

			assert.Equal(t, tt.allowed, result.Allowed)
			assert.Len(t, result.Violations, tt.violations)
			assert.Len(t, result.Warnings, tt.warnings)
			assert.Len(t, result.EvaluatedPolicies, 3)
			for _, v := range result.Violations {
				assert.Equal(t, "cs tensor", v.Label)
				assert.Contains(t, v.Message, "cs tensor")
			}
		})
	}
}

func TestCheck(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	err := eng.Check(ctx, "n1", csSpec(), blocks(config.NewConfiguration().MustSet("ENCUT", 520)))
	assert.NoError(t, err)

	err = eng.Check(ctx, "n1", csSpec(), blocks(config.NewConfiguration().MustSet("ENCUT", 5000)))
	require.Error(t, err)
	assert.True(t, engine.IsPermanent(err))
	assert.True(t, engine.HasCode(err, engine.ErrCodePolicyDenied))
	assert.Contains(t, err.Error(), "encut_bounds")
	assert.Contains(t, err.Error(), "node=cs tensor")

	var ee *engine.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Len(t, ee.Details["violations"], 1)
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	input := NewInput("n1", csSpec(), blocks(config.NewConfiguration().MustSet("ENCUT", 5000)))

	require.NoError(t, eng.DisablePolicy("encut_bounds"))
	result, err := eng.Evaluate(context.Background(), input)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.NotContains(t, result.EvaluatedPolicies, "encut_bounds")

	require.NoError(t, eng.EnablePolicy("encut_bounds"))
	result, err = eng.Evaluate(context.Background(), input)
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	assert.Error(t, eng.DisablePolicy("missing"))
	_, err = eng.GetPolicy("missing")
	assert.Error(t, err)
}

func TestLoadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "ediff.rego"), ediffRego)

	require.NoError(t, eng.LoadPolicies(context.Background(), []string{dir}))

	p, err := eng.GetPolicy("ediff")
	require.NoError(t, err)
	assert.Equal(t, SeverityError, p.Severity)

	loose := config.NewConfiguration().MustSet("ENCUT", 520).MustSet("EDIFF", 1e-6)
	err = eng.Check(context.Background(), "n1", csSpec(), blocks(loose))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EDIFF")

	// Other labels are not affected.
	efg := inputs.JobSpec{Label: "efg tensor", Mode: inputs.ModeFromPrevious, Template: "NMRElectricFieldGradient"}
	assert.NoError(t, eng.Check(context.Background(), "n2", efg, blocks(loose)))
}

func TestLoadPolicies_CompileError(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "broken.rego"), "package broken\ndeny[msg] {")

	assert.Error(t, eng.LoadPolicies(context.Background(), []string{dir}))
}

func TestReloadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "ediff.rego")
	writeFile(t, path, ediffRego)
	require.NoError(t, eng.LoadPolicies(context.Background(), []string{dir}))
	require.NoError(t, eng.DisablePolicy("ispin_valid"))

	writeFile(t, filepath.Join(dir, "lreal.rego"), "package matflow.lreal\ndeny[msg] { false }")
	require.NoError(t, eng.ReloadPolicies(context.Background()))
	assert.Len(t, eng.ListPolicies(), 5)

	p, err := eng.GetPolicy("ispin_valid")
	require.NoError(t, err)
	assert.False(t, p.Enabled, "disabled policies stay disabled")

	// A broken file keeps the previous set.
	writeFile(t, path, "package matflow.ediff\ndeny[msg] {")
	assert.Error(t, eng.ReloadPolicies(context.Background()))
	assert.Len(t, eng.ListPolicies(), 5)
}

func TestAddPolicy_ObjectViolations(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.AddPolicy(context.Background(), Policy{
		Name:     "lwave",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package matflow.lwave

import rego.v1

deny contains {"message": "LWAVE wastes scratch space", "severity": "info"} if {
	input.configs.INCAR.LWAVE == true
}`,
	}))

	result, err := eng.Evaluate(context.Background(),
		NewInput("n1", csSpec(), blocks(config.NewConfiguration().MustSet("LWAVE", true))))
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, SeverityInfo, result.Warnings[0].Severity)
	assert.Equal(t, "lwave", result.Warnings[0].Policy)
}
