package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry holds CUE schemas keyed by block name (INCAR, KPOINTS, ...).
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	// Built-in schemas are constants and always compile.
	_ = sr.RegisterSchema("INCAR", builtinIncarSchema)
	_ = sr.RegisterSchema("KPOINTS", builtinKpointsSchema)
	_ = sr.RegisterSchema("POSCAR", builtinPoscarSchema)

	return sr
}

// RegisterSchema compiles and registers a CUE schema for the given block.
// An existing schema for the block is replaced.
func (sr *SchemaRegistry) RegisterSchema(block, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", block, err)
	}

	sr.schemas[NormalizeKey(block)] = val
	return nil
}

// GetSchema retrieves a schema by block name.
func (sr *SchemaRegistry) GetSchema(block string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[NormalizeKey(block)]
	return val, ok
}

// Validate checks a configuration against the schema registered for block.
// Blocks without a schema are accepted.
func (sr *SchemaRegistry) Validate(ctx context.Context, block string, c *Configuration) error {
	schema, ok := sr.GetSchema(block)
	if !ok {
		return nil
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	dataVal := sr.ctx.Encode(c.ToMap())
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode %s: %w", block, err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%s validation failed: %w", NormalizeKey(block), err)
	}

	return nil
}

// ValidateAll validates every block that has a registered schema.
func (sr *SchemaRegistry) ValidateAll(ctx context.Context, blocks map[string]*Configuration) error {
	names := make([]string, 0, len(blocks))
	for name := range blocks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := sr.Validate(ctx, name, blocks[name]); err != nil {
			return err
		}
	}
	return nil
}

// ListSchemas returns all registered block names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Built-in schema definitions. Top-level structs are open, so keys not
// listed here pass through unchecked.

const builtinIncarSchema = `
ENCUT?:  number & >0
ISPIN?:  1 | 2
ISMEAR?: int
SIGMA?:  number & >=0
NSW?:    int & >=0
IBRION?: int & >=-1
ISIF?:   int & >=0 & <=7
EDIFF?:  number & !=0
EDIFFG?: number
NELM?:   int & >0
LCHARG?: bool
LWAVE?:  bool
LEFG?:   bool
LCHIMAG?: bool
PREC?:   string
`

const builtinKpointsSchema = `
MODE?:  "Gamma" | "Monkhorst-Pack" | "Automatic"
GRID?:  [...int & >0]
SHIFT?: [...number]
`

const builtinPoscarSchema = `
COMMENT?: string
SCALE?:   number & >0
LATTICE:  [...[...number]]
SPECIES:  [...string]
COORDS:   [...[...number]]
`
