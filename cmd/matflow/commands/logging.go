package commands

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/matflow/matflow/pkg/telemetry"
)

// newCommandLogger builds the process logger from the telemetry logging
// settings. verbose lowers the level to debug.
func newCommandLogger(cfg telemetry.LoggingConfig, verbose bool) (zerolog.Logger, error) {
	if verbose {
		cfg.Level = zerolog.DebugLevel.String()
	}
	l, err := telemetry.NewLogger(cfg)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("failed to open log output %s: %w", cfg.Output, err)
	}
	return l.Zerolog(), nil
}
