package config

import (
	"context"
	"testing"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry()

	customSchema := `
MAGMOM?: [...number]
NBANDS?: int & >0
`

	err := sr.RegisterSchema("custom", customSchema)
	if err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	schema, ok := sr.GetSchema("CUSTOM")
	if !ok {
		t.Fatal("expected to find custom schema")
	}

	if schema.Err() != nil {
		t.Errorf("schema has errors: %v", schema.Err())
	}
}

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	for _, name := range []string{"INCAR", "KPOINTS", "POSCAR"} {
		t.Run(name, func(t *testing.T) {
			schema, ok := sr.GetSchema(name)
			if !ok {
				t.Fatalf("built-in schema %s not found", name)
			}

			if schema.Err() != nil {
				t.Errorf("built-in schema %s has errors: %v", name, schema.Err())
			}
		})
	}
}

func TestSchemaRegistry_ValidateIncar(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		incar   *Configuration
		wantErr bool
	}{
		{
			name:    "valid settings",
			incar:   NewConfiguration().MustSet("ENCUT", 520).MustSet("ISPIN", 2).MustSet("ISMEAR", -5),
			wantErr: false,
		},
		{
			name:    "unknown keys pass through",
			incar:   NewConfiguration().MustSet("LEPSILON", true).MustSet("SYSTEM", "LiAlSiO4"),
			wantErr: false,
		},
		{
			name:    "negative cutoff",
			incar:   NewConfiguration().MustSet("ENCUT", -1.0),
			wantErr: true,
		},
		{
			name:    "invalid spin",
			incar:   NewConfiguration().MustSet("ISPIN", 3),
			wantErr: true,
		},
		{
			name:    "float smearing flag",
			incar:   NewConfiguration().MustSet("ISMEAR", 0.5),
			wantErr: true,
		},
		{
			name:    "string where bool expected",
			incar:   NewConfiguration().MustSet("LCHARG", "yes"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.Validate(ctx, "incar", tt.incar)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchemaRegistry_ValidateAll(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	blocks := map[string]*Configuration{
		"INCAR":   NewConfiguration().MustSet("ENCUT", 520),
		"KPOINTS": NewConfiguration().MustSet("MODE", "Gamma").MustSet("GRID", []int{4, 4, 4}),
		"POTCAR":  NewConfiguration().MustSet("SYMBOLS", []string{"Li_sv", "Al"}),
	}
	if err := sr.ValidateAll(ctx, blocks); err != nil {
		t.Fatalf("ValidateAll() error = %v", err)
	}

	blocks["KPOINTS"] = NewConfiguration().MustSet("GRID", []int{4, 0, 4})
	if err := sr.ValidateAll(ctx, blocks); err == nil {
		t.Fatal("expected KPOINTS validation to fail for zero subdivision")
	}
}

func TestSchemaRegistry_UnregisteredBlockAccepted(t *testing.T) {
	sr := NewSchemaRegistry()
	if err := sr.Validate(context.Background(), "OUTCAR", NewConfiguration().MustSet("X", 1)); err != nil {
		t.Errorf("expected no error for block without schema, got %v", err)
	}
}

func TestSchemaRegistry_ListSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("chgcar", "NGX?: int"); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	names := sr.ListSchemas()
	want := []string{"CHGCAR", "INCAR", "KPOINTS", "POSCAR"}
	if len(names) != len(want) {
		t.Fatalf("ListSchemas() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("ListSchemas()[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}

func TestSchemaRegistry_InvalidSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	err := sr.RegisterSchema("invalid", "this is not { valid CUE")
	if err == nil {
		t.Error("expected error for invalid schema")
	}
}
