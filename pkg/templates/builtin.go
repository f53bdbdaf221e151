package templates

import (
	"context"
	"fmt"

	"github.com/matflow/matflow/pkg/config"
	"github.com/matflow/matflow/pkg/structure"
)

// Names of the built-in templates.
const (
	StructureOptimization    = "StructureOptimization"
	Static                   = "Static"
	NMRChemicalShielding     = "NMRChemicalShielding"
	NMRElectricFieldGradient = "NMRElectricFieldGradient"
	MPRelax                  = "MPRelax"
)

// setTemplate is a fixed input set: base INCAR settings plus generated
// POSCAR, KPOINTS and POTCAR blocks.
type setTemplate struct {
	name              string
	incar             *config.Configuration
	static            *config.Configuration
	reciprocalDensity int
	withQuadEFG       bool
}

func (t *setTemplate) Name() string         { return t.name }
func (t *setTemplate) PrimaryBlock() string { return BlockINCAR }

func (t *setTemplate) StaticSettings() *config.Configuration {
	return t.static.Clone()
}

func (t *setTemplate) Produce(ctx context.Context, s *structure.Structure, params map[string]any) (map[string]*config.Configuration, error) {
	if s == nil {
		return nil, fmt.Errorf("template %s: structure is required", t.name)
	}
	p, err := parseParams(params, t.reciprocalDensity)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", t.name, err)
	}

	incar := config.NewConfiguration().MustSet("SYSTEM", s.Formula()).Overlay(t.incar)
	if ispin, ok := incar.GetInt("ISPIN"); ok && ispin == 2 {
		magmom := make([]float64, s.NSites())
		for i := range magmom {
			magmom[i] = 0.6
		}
		incar.MustSet("MAGMOM", magmom)
	}
	if t.withQuadEFG {
		incar.MustSet("QUAD_EFG", quadEFG(s))
	}
	incar = incar.Overlay(p.userIncar)

	return map[string]*config.Configuration{
		BlockINCAR:   incar,
		BlockPOSCAR:  PoscarBlock(s),
		BlockKPOINTS: KpointsBlock(s, p.reciprocalDensity),
		BlockPOTCAR:  PotcarBlock(s),
	}, nil
}

// Builtins returns fresh instances of the built-in templates.
func Builtins() []Template {
	relax := config.NewConfiguration().
		MustSet("PREC", "Accurate").
		MustSet("ENCUT", 520).
		MustSet("EDIFF", 1e-6).
		MustSet("EDIFFG", -0.01).
		MustSet("ISMEAR", -5).
		MustSet("SIGMA", 0.05).
		MustSet("ISPIN", 2).
		MustSet("IBRION", 2).
		MustSet("ISIF", 3).
		MustSet("NSW", 99).
		MustSet("NELM", 100).
		MustSet("LREAL", "Auto").
		MustSet("LCHARG", true).
		MustSet("LWAVE", false)

	relaxStatic := config.NewConfiguration().
		MustSet("IBRION", 2).
		MustSet("ISIF", 3).
		MustSet("NSW", 99)

	staticSettings := config.NewConfiguration().
		MustSet("NSW", 0).
		MustSet("IBRION", -1).
		MustSet("LCHARG", true).
		MustSet("LAECHG", true).
		MustSet("LORBIT", 11)

	csSettings := config.NewConfiguration().
		MustSet("LCHIMAG", true).
		MustSet("EDIFF", -1.0e-10).
		MustSet("ISYM", 0).
		MustSet("LCHARG", false).
		MustSet("LNMR_SYM_RED", true).
		MustSet("NELMIN", 10).
		MustSet("NSLPLINE", true).
		MustSet("PREC", "Accurate").
		MustSet("SIGMA", 0.01)

	efgSettings := config.NewConfiguration().
		MustSet("ALGO", "Fast").
		MustSet("EDIFF", -1.0e-10).
		MustSet("ISYM", 0).
		MustSet("LCHARG", false).
		MustSet("LEFG", true).
		MustSet("NELMIN", 10).
		MustSet("PREC", "Accurate").
		MustSet("SIGMA", 0.01)

	singlePoint := relax.Overlay(config.NewConfiguration().
		MustSet("NSW", 0).
		MustSet("IBRION", -1))
	singlePoint.Delete("ISIF")
	singlePoint.Delete("EDIFFG")

	mpRelax := config.NewConfiguration().
		MustSet("ALGO", "Fast").
		MustSet("ENCUT", 520).
		MustSet("EDIFF", 5e-5).
		MustSet("ISMEAR", -5).
		MustSet("ISPIN", 2).
		MustSet("IBRION", 2).
		MustSet("ISIF", 3).
		MustSet("NSW", 99).
		MustSet("LREAL", "Auto").
		MustSet("LWAVE", false)

	return []Template{
		&setTemplate{
			name:              StructureOptimization,
			incar:             relax,
			static:            relaxStatic,
			reciprocalDensity: 100,
		},
		&setTemplate{
			name:              Static,
			incar:             singlePoint.Overlay(staticSettings),
			static:            staticSettings,
			reciprocalDensity: 100,
		},
		&setTemplate{
			name:              NMRChemicalShielding,
			incar:             singlePoint.Overlay(csSettings),
			static:            csSettings,
			reciprocalDensity: 100,
		},
		&setTemplate{
			name:              NMRElectricFieldGradient,
			incar:             singlePoint.Overlay(efgSettings),
			static:            efgSettings,
			reciprocalDensity: 100,
			withQuadEFG:       true,
		},
		&setTemplate{
			name:              MPRelax,
			incar:             mpRelax,
			static:            relaxStatic,
			reciprocalDensity: 64,
		},
	}
}
