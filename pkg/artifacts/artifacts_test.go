package artifacts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/matflow/matflow/pkg/config"
)

func testBlocks() map[string]*config.Configuration {
	incar := config.NewConfiguration().
		MustSet("SYSTEM", "LiAlSiO4").
		MustSet("ENCUT", 520).
		MustSet("EDIFF", 1e-6).
		MustSet("LCHIMAG", true).
		MustSet("MAGMOM", []any{0.6})
	kpoints := config.NewConfiguration().
		MustSet("MODE", "Gamma").
		MustSet("GRID", []any{int64(4), int64(4), int64(3)})
	return map[string]*config.Configuration{"INCAR": incar, "KPOINTS": kpoints}
}

func TestLocalWriter_Write(t *testing.T) {
	root := t.TempDir()
	w := NewLocalWriter(root)

	h, err := w.Write(context.Background(), "job-1", testBlocks())
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	wantFiles := []string{"INCAR", "KPOINTS", InputsFile}
	if !reflect.DeepEqual(h.Files, wantFiles) {
		t.Errorf("Files = %v, want %v", h.Files, wantFiles)
	}
	if h.Dir != filepath.Join(root, "job-1") {
		t.Errorf("Dir = %s", h.Dir)
	}

	incar, err := os.ReadFile(filepath.Join(h.Dir, "INCAR"))
	if err != nil {
		t.Fatalf("failed to read INCAR: %v", err)
	}
	if !strings.HasPrefix(string(incar), "SYSTEM = LiAlSiO4\nENCUT = 520\n") {
		t.Errorf("unexpected INCAR:\n%s", incar)
	}
}

func TestReadDir_PrefersInputsJSON(t *testing.T) {
	w := NewLocalWriter(t.TempDir())
	blocks := testBlocks()
	h, err := w.Write(context.Background(), "job", blocks)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := ReadDir(h.Dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	for name, want := range blocks {
		if !want.Equal(got[name]) {
			t.Errorf("block %s = %s, want %s", name, got[name], want)
		}
		if !reflect.DeepEqual(want.Keys(), got[name].Keys()) {
			t.Errorf("block %s key order = %v, want %v", name, got[name].Keys(), want.Keys())
		}
	}
}

func TestReadDir_FallsBackToBlockFiles(t *testing.T) {
	w := NewLocalWriter(t.TempDir())
	h, err := w.Write(context.Background(), "job", testBlocks())
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := os.Remove(filepath.Join(h.Dir, InputsFile)); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(h.Dir, "notes.txt"), []byte("skip me"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := ReadDir(h.Dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(got))
	}
	encut, _ := got["INCAR"].GetInt("ENCUT")
	if encut != 520 {
		t.Errorf("ENCUT = %d, want 520", encut)
	}
	grid, _ := got["KPOINTS"].Get("GRID")
	if !reflect.DeepEqual(grid, []any{int64(4), int64(4), int64(3)}) {
		t.Errorf("GRID = %v", grid)
	}
}

func TestReadDir_Empty(t *testing.T) {
	if _, err := ReadDir(t.TempDir()); err == nil {
		t.Error("expected error for directory without blocks")
	}
}

func TestOutputDocument(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadOutput(dir)
	if !errors.Is(err, ErrNoOutput) {
		t.Fatalf("ReadOutput() error = %v, want ErrNoOutput", err)
	}

	doc := config.NewConfiguration().
		MustSet("task_label", "structure optimization").
		MustSet("state", "successful")
	if err := WriteOutput(dir, doc); err != nil {
		t.Fatalf("WriteOutput() error = %v", err)
	}
	got, err := ReadOutput(dir)
	if err != nil {
		t.Fatalf("ReadOutput() error = %v", err)
	}
	if !doc.Equal(got) {
		t.Errorf("ReadOutput() = %s, want %s", got, doc)
	}
}

func TestReadOutput_YAMLFallback(t *testing.T) {
	dir := t.TempDir()
	data := "task_label: cs tensor\nCS_ISOTROPIC: 412.7\n"
	if err := os.WriteFile(filepath.Join(dir, OutputFileYAML), []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := ReadOutput(dir)
	if err != nil {
		t.Fatalf("ReadOutput() error = %v", err)
	}
	if v, ok := got.GetFloat("CS_ISOTROPIC"); !ok || v != 412.7 {
		t.Errorf("CS_ISOTROPIC = %v, %v", v, ok)
	}

	// output.json wins when both exist.
	if err := WriteOutput(dir, config.NewConfiguration().MustSet("CS_ISOTROPIC", 1.0)); err != nil {
		t.Fatal(err)
	}
	got, err = ReadOutput(dir)
	if err != nil {
		t.Fatalf("ReadOutput() error = %v", err)
	}
	if v, _ := got.GetFloat("CS_ISOTROPIC"); v != 1.0 {
		t.Errorf("expected output.json to win, got %v", v)
	}
}

func TestWrite_RejectsBadNames(t *testing.T) {
	w := NewLocalWriter(t.TempDir())
	ctx := context.Background()

	for _, id := range []string{"", "..", "a/b"} {
		if _, err := w.Write(ctx, id, testBlocks()); err == nil {
			t.Errorf("Write(%q) expected error", id)
		}
	}

	bad := map[string]*config.Configuration{"../INCAR": config.NewConfiguration()}
	if _, err := w.Write(ctx, "job", bad); err == nil {
		t.Error("expected error for block name with path separator")
	}
}

type memFS struct {
	mu    sync.Mutex
	dirs  []string
	files map[string][]byte
}

func (m *memFS) MkdirAll(_ context.Context, dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs = append(m.dirs, dir)
	return nil
}

func (m *memFS) WriteFile(_ context.Context, name string, data []byte, _ uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files == nil {
		m.files = make(map[string][]byte)
	}
	m.files[name] = data
	return nil
}

func TestSFTPWriter_Write(t *testing.T) {
	fs := &memFS{}
	w := NewSFTPWriter(fs, "/scratch/matflow")

	h, err := w.Write(context.Background(), "job-7", testBlocks())
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !h.Remote || h.Dir != "/scratch/matflow/job-7" {
		t.Errorf("unexpected handle %+v", h)
	}
	if !reflect.DeepEqual(fs.dirs, []string{"/scratch/matflow/job-7"}) {
		t.Errorf("dirs = %v", fs.dirs)
	}

	data, ok := fs.files["/scratch/matflow/job-7/"+InputsFile]
	if !ok {
		t.Fatal("inputs.json not uploaded")
	}
	blocks, err := DecodeInputs(data)
	if err != nil {
		t.Fatalf("DecodeInputs() error = %v", err)
	}
	if !testBlocks()["INCAR"].Equal(blocks["INCAR"]) {
		t.Errorf("uploaded INCAR = %s", blocks["INCAR"])
	}
}
