// Package ssh connects to the host that runs simulation jobs. It executes
// commands inside staged job directories and moves files over SFTP.
package ssh

import (
	"context"
	"errors"
	"time"
)

// Transport is the remote host as seen by the SSH runner and the SFTP
// artifact writer.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool
	HealthCheck(ctx context.Context) error

	// Run executes cmd in dir. A non-zero exit status is returned both in
	// the result and as a permanent *TransportError.
	Run(ctx context.Context, dir string, cmd string) (*ExecResult, error)

	MkdirAll(ctx context.Context, dir string) error
	WriteFile(ctx context.Context, name string, data []byte, mode uint32) error
	ReadFile(ctx context.Context, name string) ([]byte, error)

	Info() ConnectionInfo
}

// ConnectionInfo describes the current connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// ExecResult is the outcome of one remote command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// TransportError wraps a failed remote operation. Op names the operation,
// for example "connect", "exec" or "upload".
type TransportError struct {
	Op          string
	Err         error
	IsTemporary bool
	IsAuthError bool
}

func (e *TransportError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports whether retrying the operation may succeed.
func (e *TransportError) Temporary() bool { return e.IsTemporary }

// IsPermanent reports whether err carries a *TransportError that retrying
// will not fix.
func IsPermanent(err error) bool {
	var terr *TransportError
	return errors.As(err, &terr) && !terr.IsTemporary
}
