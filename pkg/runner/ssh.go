package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/rs/zerolog"

	"github.com/matflow/matflow/pkg/artifacts"
	"github.com/matflow/matflow/pkg/config"
	"github.com/matflow/matflow/pkg/engine"
	"github.com/matflow/matflow/pkg/transports/ssh"
)

// RemoteExec is the part of ssh.Transport the SSH runner needs.
type RemoteExec interface {
	Run(ctx context.Context, dir string, cmd string) (*ssh.ExecResult, error)
	ReadFile(ctx context.Context, name string) ([]byte, error)
}

// SSHRunner runs a command on a remote host inside a job directory staged
// by artifacts.SFTPWriter.
type SSHRunner struct {
	remote  RemoteExec
	command string
	logger  zerolog.Logger
}

// NewSSHRunner creates a runner executing command through remote.
func NewSSHRunner(remote RemoteExec, command string, logger zerolog.Logger) *SSHRunner {
	return &SSHRunner{
		remote:  remote,
		command: command,
		logger:  logger.With().Str("component", "ssh-runner").Logger(),
	}
}

// Run implements engine.Runner.
func (r *SSHRunner) Run(ctx context.Context, job engine.RunJob) (*engine.ResultDocument, error) {
	label := job.Node.Label()
	if job.Handle.Dir == "" {
		return nil, engine.NewPermanentError("ssh runner needs a job directory", nil).
			WithCode(engine.ErrCodeRunnerFailed).WithNode(label)
	}

	result, err := r.remote.Run(ctx, job.Handle.Dir, r.command)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if result != nil && result.ExitCode != 0 {
			return nil, engine.NewTransientError(fmt.Sprintf("remote command exited with code %d", result.ExitCode), err).
				WithCode(engine.ErrCodeRunnerFailed).WithNode(label)
		}
		if ssh.IsPermanent(err) {
			return nil, engine.NewPermanentError("remote command failed", err).
				WithCode(engine.ErrCodeRunnerFailed).WithNode(label)
		}
		return nil, engine.NewTransientError("remote command failed", err).
			WithCode(engine.ErrCodeRunnerFailed).WithNode(label)
	}
	r.logger.Info().Str("label", label).Str("dir", job.Handle.Dir).Dur("duration", result.Duration).Msg("remote job finished")

	data, err := r.remote.ReadFile(ctx, path.Join(job.Handle.Dir, artifacts.OutputFile))
	if errors.Is(err, os.ErrNotExist) {
		return BuildDocument(job, nil), nil
	}
	if err != nil {
		return nil, engine.NewTransientError("failed to fetch output document", err).
			WithCode(engine.ErrCodeRunnerFailed).WithNode(label)
	}

	output := config.NewConfiguration()
	if err := output.UnmarshalJSON(data); err != nil {
		return nil, engine.NewPermanentError("unreadable output document", err).
			WithCode(engine.ErrCodeRunnerFailed).WithNode(label)
	}
	return BuildDocument(job, output), nil
}
