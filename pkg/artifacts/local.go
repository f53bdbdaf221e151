package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/matflow/matflow/pkg/config"
)

// LocalWriter writes job directories below Root.
type LocalWriter struct {
	Root string
}

// NewLocalWriter creates a writer rooted at root.
func NewLocalWriter(root string) *LocalWriter {
	return &LocalWriter{Root: root}
}

// Write creates Root/jobID and writes every block file into it. Existing
// files are overwritten.
func (w *LocalWriter) Write(ctx context.Context, jobID string, blocks map[string]*config.Configuration) (Handle, error) {
	if err := checkJobID(jobID); err != nil {
		return Handle{}, err
	}
	files, order, err := Render(blocks)
	if err != nil {
		return Handle{}, err
	}

	dir := filepath.Join(w.Root, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Handle{}, fmt.Errorf("failed to create job directory: %w", err)
	}

	for _, name := range order {
		if err := ctx.Err(); err != nil {
			return Handle{}, err
		}
		if err := os.WriteFile(filepath.Join(dir, name), files[name], 0o644); err != nil {
			return Handle{}, fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	return Handle{JobID: jobID, Dir: dir, Files: order}, nil
}

func checkJobID(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	if jobID != filepath.Base(jobID) || jobID == "." || jobID == ".." {
		return fmt.Errorf("invalid job id %q", jobID)
	}
	return nil
}
