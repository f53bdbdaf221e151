package templates

import (
	"fmt"
	"math"

	"github.com/matflow/matflow/pkg/config"
	"github.com/matflow/matflow/pkg/structure"
)

// PoscarBlock serializes a structure as a configuration block.
func PoscarBlock(s *structure.Structure) *config.Configuration {
	lattice := make([]any, 3)
	for i, row := range s.Lattice {
		lattice[i] = []any{row[0], row[1], row[2]}
	}
	coords := make([]any, len(s.FracCoords))
	for i, fc := range s.FracCoords {
		coords[i] = []any{fc[0], fc[1], fc[2]}
	}
	return config.NewConfiguration().
		MustSet("COMMENT", s.Formula()).
		MustSet("SCALE", 1.0).
		MustSet("LATTICE", lattice).
		MustSet("SPECIES", s.Species).
		MustSet("COORDS", coords)
}

// StructureFromPoscar is the inverse of PoscarBlock.
func StructureFromPoscar(c *config.Configuration) (*structure.Structure, error) {
	if c == nil {
		return nil, fmt.Errorf("no POSCAR block")
	}
	scale := 1.0
	if f, ok := c.GetFloat("SCALE"); ok {
		scale = f
	}

	rawLattice, _ := c.Get("LATTICE")
	rows, err := floatRows(rawLattice)
	if err != nil {
		return nil, fmt.Errorf("POSCAR LATTICE: %w", err)
	}
	if len(rows) != 3 {
		return nil, fmt.Errorf("POSCAR LATTICE: expected 3 rows, got %d", len(rows))
	}

	rawSpecies, _ := c.Get("SPECIES")
	speciesList, ok := rawSpecies.([]any)
	if !ok {
		// A single-site structure reads back as a scalar from key/value files.
		if sp, isString := rawSpecies.(string); isString {
			speciesList = []any{sp}
		} else {
			return nil, fmt.Errorf("POSCAR SPECIES: expected list, got %T", rawSpecies)
		}
	}

	rawCoords, _ := c.Get("COORDS")
	coords, err := floatRows(rawCoords)
	if err != nil {
		return nil, fmt.Errorf("POSCAR COORDS: %w", err)
	}

	s := &structure.Structure{}
	for i := range rows {
		for j := 0; j < 3; j++ {
			s.Lattice[i][j] = rows[i][j] * scale
		}
	}
	for _, sp := range speciesList {
		name, ok := sp.(string)
		if !ok {
			return nil, fmt.Errorf("POSCAR SPECIES: expected string, got %T", sp)
		}
		s.Species = append(s.Species, name)
	}
	for _, row := range coords {
		s.FracCoords = append(s.FracCoords, [3]float64{row[0], row[1], row[2]})
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("POSCAR: %w", err)
	}
	return s, nil
}

func floatRows(v any) ([][3]float64, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected list of rows, got %T", v)
	}
	out := make([][3]float64, 0, len(list))
	for i, item := range list {
		row, ok := item.([]any)
		if !ok || len(row) != 3 {
			return nil, fmt.Errorf("row %d: expected 3 numbers", i)
		}
		var r [3]float64
		for j, x := range row {
			switch n := x.(type) {
			case float64:
				r[j] = n
			case int64:
				r[j] = float64(n)
			default:
				return nil, fmt.Errorf("row %d: %v is not numeric", i, x)
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// KpointsBlock builds a Gamma-centred mesh holding roughly density k-points
// per cubic inverse Angstrom of reciprocal space.
func KpointsBlock(s *structure.Structure, density int) *config.Configuration {
	recip := reciprocalLengths(s)
	mult := math.Cbrt(float64(density))

	grid := make([]any, 3)
	for i := range grid {
		n := int64(math.Round(mult * recip[i]))
		if n < 1 {
			n = 1
		}
		grid[i] = n
	}
	return config.NewConfiguration().
		MustSet("MODE", "Gamma").
		MustSet("GRID", grid).
		MustSet("SHIFT", []float64{0, 0, 0})
}

// reciprocalLengths returns the reciprocal lattice vector lengths including
// the 2*pi factor.
func reciprocalLengths(s *structure.Structure) [3]float64 {
	a, b, c := s.Lattice[0], s.Lattice[1], s.Lattice[2]
	f := 2 * math.Pi / s.Volume()
	return [3]float64{
		f * length(cross(b, c)),
		f * length(cross(c, a)),
		f * length(cross(a, b)),
	}
}

func cross(u, v [3]float64) [3]float64 {
	return [3]float64{
		u[1]*v[2] - u[2]*v[1],
		u[2]*v[0] - u[0]*v[2],
		u[0]*v[1] - u[1]*v[0],
	}
}

func length(v [3]float64) float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

var potcarSymbols = map[string]string{
	"Li": "Li_sv",
	"Na": "Na_pv",
	"K":  "K_sv",
	"Ca": "Ca_sv",
	"Ti": "Ti_pv",
	"V":  "V_pv",
	"Cr": "Cr_pv",
	"Mn": "Mn_pv",
	"Fe": "Fe_pv",
	"Nb": "Nb_pv",
	"Mg": "Mg_pv",
}

// PotcarBlock lists the pseudopotential symbol of every element.
func PotcarBlock(s *structure.Structure) *config.Configuration {
	elements := s.Elements()
	symbols := make([]string, len(elements))
	for i, el := range elements {
		if sym, ok := potcarSymbols[el]; ok {
			symbols[i] = sym
			continue
		}
		symbols[i] = el
	}
	return config.NewConfiguration().
		MustSet("FUNCTIONAL", "PBE").
		MustSet("SYMBOLS", symbols)
}

// Nuclear quadrupole moments in millibarn of the NMR-active isotopes.
var quadrupoleMoments = map[string]float64{
	"H":  2.860,
	"Li": -40.1,
	"B":  40.59,
	"N":  20.44,
	"O":  -25.58,
	"Na": 104.0,
	"Mg": 199.4,
	"Al": 146.6,
	"Si": 0,
	"Cl": -81.65,
	"K":  58.5,
	"Ca": -40.8,
}

func quadEFG(s *structure.Structure) []float64 {
	elements := s.Elements()
	out := make([]float64, len(elements))
	for i, el := range elements {
		out[i] = quadrupoleMoments[el]
	}
	return out
}

// Params recognised by the built-in templates.
type setParams struct {
	userIncar         *config.Configuration
	reciprocalDensity int
}

func parseParams(params map[string]any, defaultDensity int) (setParams, error) {
	p := setParams{reciprocalDensity: defaultDensity}
	for key, raw := range params {
		switch key {
		case "user_incar_settings":
			switch v := raw.(type) {
			case *config.Configuration:
				p.userIncar = v
			case map[string]any:
				c, err := config.FromMap(v)
				if err != nil {
					return p, fmt.Errorf("user_incar_settings: %w", err)
				}
				p.userIncar = c
			default:
				return p, fmt.Errorf("user_incar_settings must be a mapping, got %T", raw)
			}
		case "reciprocal_density":
			switch v := raw.(type) {
			case int:
				p.reciprocalDensity = v
			case int64:
				p.reciprocalDensity = int(v)
			case float64:
				p.reciprocalDensity = int(v)
			default:
				return p, fmt.Errorf("reciprocal_density must be a number, got %T", raw)
			}
			if p.reciprocalDensity <= 0 {
				return p, fmt.Errorf("reciprocal_density must be positive")
			}
		default:
			return p, fmt.Errorf("unknown template parameter %q", key)
		}
	}
	return p, nil
}
