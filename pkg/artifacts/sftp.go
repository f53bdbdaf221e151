package artifacts

import (
	"context"
	"fmt"
	"path"

	"github.com/matflow/matflow/pkg/config"
)

// RemoteFS is the subset of a remote file system SFTPWriter needs.
// *ssh.Client from pkg/transports/ssh implements it.
type RemoteFS interface {
	MkdirAll(ctx context.Context, dir string) error
	WriteFile(ctx context.Context, name string, data []byte, mode uint32) error
}

// SFTPWriter stages job directories on a remote host.
type SFTPWriter struct {
	FS   RemoteFS
	Root string
}

// NewSFTPWriter creates a writer staging below root on fs.
func NewSFTPWriter(fs RemoteFS, root string) *SFTPWriter {
	return &SFTPWriter{FS: fs, Root: root}
}

// Write renders blocks and uploads them to Root/jobID.
func (w *SFTPWriter) Write(ctx context.Context, jobID string, blocks map[string]*config.Configuration) (Handle, error) {
	if err := checkJobID(jobID); err != nil {
		return Handle{}, err
	}
	files, order, err := Render(blocks)
	if err != nil {
		return Handle{}, err
	}

	dir := path.Join(w.Root, jobID)
	if err := w.FS.MkdirAll(ctx, dir); err != nil {
		return Handle{}, fmt.Errorf("failed to create remote job directory: %w", err)
	}
	for _, name := range order {
		if err := w.FS.WriteFile(ctx, path.Join(dir, name), files[name], 0o644); err != nil {
			return Handle{}, fmt.Errorf("failed to upload %s: %w", name, err)
		}
	}

	return Handle{JobID: jobID, Dir: dir, Files: order, Remote: true}, nil
}
