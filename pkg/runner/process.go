package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/matflow/matflow/pkg/artifacts"
	"github.com/matflow/matflow/pkg/engine"
)

// ProcessRunner runs a shell command inside the job directory and reads the
// output document the command leaves behind.
type ProcessRunner struct {
	command   string
	waitDelay time.Duration
	logger    zerolog.Logger
}

// NewProcessRunner creates a runner executing command with /bin/sh.
func NewProcessRunner(command string, logger zerolog.Logger) *ProcessRunner {
	return &ProcessRunner{
		command:   command,
		waitDelay: 10 * time.Second,
		logger:    logger.With().Str("component", "process-runner").Logger(),
	}
}

// Run implements engine.Runner. A non-zero exit is transient; a remote or
// missing job directory is permanent.
func (r *ProcessRunner) Run(ctx context.Context, job engine.RunJob) (*engine.ResultDocument, error) {
	label := job.Node.Label()
	if job.Handle.Dir == "" || job.Handle.Remote {
		return nil, engine.NewPermanentError("process runner needs a local job directory", nil).
			WithCode(engine.ErrCodeRunnerFailed).WithNode(label)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", r.command)
	cmd.Dir = job.Handle.Dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = r.waitDelay

	start := time.Now()
	r.logger.Info().Str("label", label).Str("dir", job.Handle.Dir).Str("command", r.command).Msg("starting job")

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, engine.NewTransientError(
				fmt.Sprintf("command exited with code %d: %s", exitErr.ExitCode(), tail(stderr.String())), err).
				WithCode(engine.ErrCodeRunnerFailed).WithNode(label)
		}
		return nil, engine.NewPermanentError("failed to start command", err).
			WithCode(engine.ErrCodeRunnerFailed).WithNode(label)
	}

	r.logger.Info().Str("label", label).Dur("duration", time.Since(start)).Int("stdout_len", stdout.Len()).Msg("job finished")

	output, err := artifacts.ReadOutput(job.Handle.Dir)
	if errors.Is(err, artifacts.ErrNoOutput) {
		output = nil
	} else if err != nil {
		return nil, engine.NewPermanentError("unreadable output document", err).
			WithCode(engine.ErrCodeRunnerFailed).WithNode(label)
	}
	return BuildDocument(job, output), nil
}

// tail keeps the last line of s for error messages.
func tail(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
