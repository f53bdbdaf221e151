package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/matflow/matflow/pkg/artifacts"
	"github.com/matflow/matflow/pkg/config"
	"github.com/matflow/matflow/pkg/engine"
	"github.com/matflow/matflow/pkg/templates"
)

// Reference directory layout. Both subdirectories are optional; without
// outputs/ the reference directory itself holds the outputs.
const (
	RefInputsDir  = "inputs"
	RefOutputsDir = "outputs"
)

// FakeRunner stands in for the simulation. Each task label maps to a
// reference directory of a previous real run: the job's inputs are checked
// against the reference inputs and the reference outputs are copied into
// the job directory.
type FakeRunner struct {
	refDirs   map[string]string
	checkKeys []string
	logger    zerolog.Logger
}

// FakeOption configures a FakeRunner.
type FakeOption func(*FakeRunner)

// WithCheckKeys sets the primary block keys that must match the reference
// inputs. The default is ISPIN, ENCUT, ISMEAR, IBRION, NSW, LCHIMAG, LEFG.
func WithCheckKeys(keys ...string) FakeOption {
	return func(r *FakeRunner) {
		r.checkKeys = keys
	}
}

// WithFakeLogger sets the logger.
func WithFakeLogger(logger zerolog.Logger) FakeOption {
	return func(r *FakeRunner) {
		r.logger = logger
	}
}

// NewFakeRunner creates a runner replaying refDirs, keyed by task label.
func NewFakeRunner(refDirs map[string]string, opts ...FakeOption) *FakeRunner {
	r := &FakeRunner{
		refDirs:   make(map[string]string, len(refDirs)),
		checkKeys: []string{"ISPIN", "ENCUT", "ISMEAR", "IBRION", "NSW", "LCHIMAG", "LEFG"},
		logger:    zerolog.Nop(),
	}
	for label, dir := range refDirs {
		r.refDirs[label] = dir
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "fake-runner").Logger()
	return r
}

// Run implements engine.Runner.
func (r *FakeRunner) Run(ctx context.Context, job engine.RunJob) (*engine.ResultDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	label := job.Node.Label()
	ref, ok := r.refDirs[label]
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("no reference directory for %q", label), nil).
			WithCode(engine.ErrCodeRunnerFailed).WithNode(label)
	}

	if err := r.checkInputs(job, filepath.Join(ref, RefInputsDir)); err != nil {
		return nil, engine.NewPermanentError("inputs differ from reference", err).
			WithCode(engine.ErrCodeRunnerFailed).WithNode(label)
	}

	outDir := filepath.Join(ref, RefOutputsDir)
	if info, err := os.Stat(outDir); err != nil || !info.IsDir() {
		outDir = ref
	}

	if job.Handle.Dir != "" && !job.Handle.Remote {
		if err := copyOutputs(outDir, job.Handle.Dir); err != nil {
			return nil, fmt.Errorf("failed to copy reference outputs: %w", err)
		}
	}

	output, err := artifacts.ReadOutput(outDir)
	if errors.Is(err, artifacts.ErrNoOutput) {
		output = nil
	} else if err != nil {
		return nil, engine.NewPermanentError("unreadable reference output", err).
			WithCode(engine.ErrCodeRunnerFailed).WithNode(label)
	}

	r.logger.Debug().Str("label", label).Str("ref_dir", ref).Str("dir", job.Handle.Dir).Msg("replayed reference run")
	return BuildDocument(job, output), nil
}

// checkInputs compares the configured keys of the primary block with the
// reference. A reference without inputs, or without a key, is not checked.
func (r *FakeRunner) checkInputs(job engine.RunJob, dir string) error {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	ref, err := artifacts.ReadDir(dir)
	if err != nil {
		return err
	}

	refIncar, ok := ref[templates.BlockINCAR]
	if !ok {
		return nil
	}
	incar := job.Inputs[templates.BlockINCAR]
	if incar == nil {
		return fmt.Errorf("job has no %s block", templates.BlockINCAR)
	}

	for _, key := range r.checkKeys {
		want, ok := refIncar.Get(key)
		if !ok {
			continue
		}
		got, _ := incar.Get(key)
		if !sameValue(want, got) {
			return fmt.Errorf("%s %s: reference has %v, job has %v", templates.BlockINCAR, config.NormalizeKey(key), want, got)
		}
	}
	return nil
}

func sameValue(a, b any) bool {
	if b == nil {
		return false
	}
	x := config.NewConfiguration()
	y := config.NewConfiguration()
	if x.Set("V", a) != nil || y.Set("V", b) != nil {
		return false
	}
	return x.Equal(y)
}

// copyOutputs copies the regular files of src into dst.
func copyOutputs(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if err := copyFile(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
