// Package structure holds the crystal structure that a workflow is built for.
package structure

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Lattice holds the three lattice vectors as rows, in Angstrom.
type Lattice [3][3]float64

// Structure is a periodic crystal structure. Treat values as immutable;
// use Clone before changing one.
type Structure struct {
	Lattice    Lattice        `json:"lattice" yaml:"lattice"`
	Species    []string       `json:"species" yaml:"species"`
	FracCoords [][3]float64   `json:"frac_coords" yaml:"frac_coords"`
	Properties map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// ElementAmount is one entry of a composition.
type ElementAmount struct {
	Element string
	Amount  int
}

// Validate checks that the structure is self-consistent.
func (s *Structure) Validate() error {
	if len(s.Species) == 0 {
		return fmt.Errorf("structure has no sites")
	}
	if len(s.Species) != len(s.FracCoords) {
		return fmt.Errorf("structure has %d species but %d coordinates", len(s.Species), len(s.FracCoords))
	}
	for i, sp := range s.Species {
		if strings.TrimSpace(sp) == "" {
			return fmt.Errorf("site %d has no species", i)
		}
	}
	if s.Volume() <= 1e-8 {
		return fmt.Errorf("lattice is singular (volume %.4g)", s.Volume())
	}
	return nil
}

// NSites returns the number of sites.
func (s *Structure) NSites() int {
	return len(s.Species)
}

// Composition returns element amounts in order of first appearance.
func (s *Structure) Composition() []ElementAmount {
	index := make(map[string]int)
	var comp []ElementAmount
	for _, sp := range s.Species {
		if i, ok := index[sp]; ok {
			comp[i].Amount++
			continue
		}
		index[sp] = len(comp)
		comp = append(comp, ElementAmount{Element: sp, Amount: 1})
	}
	return comp
}

// ReducedComposition divides all amounts by their greatest common divisor.
func (s *Structure) ReducedComposition() []ElementAmount {
	comp := s.Composition()
	g := 0
	for _, ea := range comp {
		g = gcd(g, ea.Amount)
	}
	if g > 1 {
		for i := range comp {
			comp[i].Amount /= g
		}
	}
	return comp
}

// Elements returns the distinct elements in order of first appearance.
func (s *Structure) Elements() []string {
	comp := s.Composition()
	out := make([]string, len(comp))
	for i, ea := range comp {
		out[i] = ea.Element
	}
	return out
}

// NElements returns the number of distinct elements.
func (s *Structure) NElements() int {
	return len(s.Composition())
}

// Formula returns the reduced formula, e.g. "LiAlSiO4".
func (s *Structure) Formula() string {
	var b strings.Builder
	for _, ea := range s.ReducedComposition() {
		b.WriteString(ea.Element)
		if ea.Amount != 1 {
			b.WriteString(strconv.Itoa(ea.Amount))
		}
	}
	return b.String()
}

// AnonymousFormula replaces elements by letters ordered by increasing
// reduced amount, e.g. LiAlSiO4 becomes "ABCD4".
func (s *Structure) AnonymousFormula() string {
	comp := s.ReducedComposition()
	sort.SliceStable(comp, func(i, j int) bool { return comp[i].Amount < comp[j].Amount })
	var b strings.Builder
	for i, ea := range comp {
		b.WriteString(anonymousLetter(i))
		if ea.Amount != 1 {
			b.WriteString(strconv.Itoa(ea.Amount))
		}
	}
	return b.String()
}

func anonymousLetter(i int) string {
	if i < 26 {
		return string(rune('A' + i))
	}
	return string(rune('A'+i/26-1)) + strings.ToLower(string(rune('A'+i%26)))
}

// Volume returns the cell volume in cubic Angstrom.
func (s *Structure) Volume() float64 {
	a, b, c := s.Lattice[0], s.Lattice[1], s.Lattice[2]
	return math.Abs(a[0]*(b[1]*c[2]-b[2]*c[1]) -
		a[1]*(b[0]*c[2]-b[2]*c[0]) +
		a[2]*(b[0]*c[1]-b[1]*c[0]))
}

// A returns the length of the first lattice vector.
func (s *Structure) A() float64 { return norm(s.Lattice[0]) }

// B returns the length of the second lattice vector.
func (s *Structure) B() float64 { return norm(s.Lattice[1]) }

// C returns the length of the third lattice vector.
func (s *Structure) C() float64 { return norm(s.Lattice[2]) }

// Clone returns a deep copy.
func (s *Structure) Clone() *Structure {
	out := &Structure{
		Lattice:    s.Lattice,
		Species:    append([]string(nil), s.Species...),
		FracCoords: append([][3]float64(nil), s.FracCoords...),
	}
	if s.Properties != nil {
		out.Properties = make(map[string]any, len(s.Properties))
		for k, v := range s.Properties {
			out.Properties[k] = v
		}
	}
	return out
}

// Parse decodes a structure from JSON or YAML data.
func Parse(data []byte, format string) (*Structure, error) {
	var s Structure
	switch strings.ToLower(format) {
	case "json":
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("failed to parse structure: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("failed to parse structure: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported structure format %q", format)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid structure: %w", err)
	}
	return &s, nil
}

// Load reads a structure file; the format follows the file extension.
func Load(path string) (*Structure, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read structure file: %w", err)
	}
	format := strings.TrimPrefix(filepath.Ext(path), ".")
	s, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

func norm(v [3]float64) float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
