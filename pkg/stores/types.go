package stores

import (
	"fmt"
	"strings"
	"time"

	"github.com/matflow/matflow/pkg/engine"
)

// ErrNotFound is returned when a run or document does not exist.
var ErrNotFound = engine.ErrNotFound

// Config holds SQLite store configuration.
type Config struct {
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func describeQuery(q engine.DocumentQuery) string {
	var parts []string
	if q.Label != "" {
		parts = append(parts, fmt.Sprintf("task_label=%q", q.Label))
	}
	if q.RunID != "" {
		parts = append(parts, "run_id="+q.RunID)
	}
	if q.State != "" {
		parts = append(parts, "state="+string(q.State))
	}
	if len(parts) == 0 {
		return "(any)"
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
