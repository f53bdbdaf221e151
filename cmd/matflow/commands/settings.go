package commands

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/matflow/matflow/pkg/telemetry"
	"github.com/matflow/matflow/pkg/transports/ssh"
)

// DefaultSettingsFile is read from the working directory when --config is
// not given.
const DefaultSettingsFile = "matflow.yaml"

// Settings is the matflow.yaml file. Command line flags override it.
type Settings struct {
	// DB is the SQLite database path, or ":memory:".
	DB string `yaml:"db"`

	// Templates is a directory of Starlark templates.
	Templates string `yaml:"templates,omitempty"`

	// Policies lists Rego policy files, directories or bundles.
	Policies []string `yaml:"policies,omitempty"`

	// WorkDir is where job directories are created.
	WorkDir string `yaml:"work_dir"`

	// Command runs the simulation inside a job directory.
	Command string `yaml:"command,omitempty"`

	// RefDirs maps task labels to reference directories for fake runs.
	RefDirs map[string]string `yaml:"ref_dirs,omitempty"`

	MaxParallel int           `yaml:"max_parallel"`
	MaxRetries  int           `yaml:"max_retries"`
	NodeTimeout time.Duration `yaml:"node_timeout,omitempty"`

	// SSH runs jobs on a remote host when set.
	SSH *ssh.Config `yaml:"ssh,omitempty"`

	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
}

// DefaultSettings returns the settings used without a settings file.
func DefaultSettings() *Settings {
	return &Settings{
		DB:          "matflow.db",
		WorkDir:     "runs",
		MaxParallel: 4,
		MaxRetries:  2,
		Telemetry:   telemetry.DefaultConfig(),
	}
}

// LoadSettings reads path over the defaults. A missing default settings
// file is not an error; a missing explicit one is.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()

	explicit := path != ""
	if !explicit {
		path = DefaultSettingsFile
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}

	if s.SSH != nil {
		// Unset fields take the transport defaults.
		merged := ssh.DefaultConfig(s.SSH.Host, s.SSH.User)
		if err := yaml.Unmarshal(data, &struct {
			SSH *ssh.Config `yaml:"ssh"`
		}{SSH: merged}); err != nil {
			return nil, fmt.Errorf("failed to parse ssh settings: %w", err)
		}
		s.SSH = merged
		if err := s.SSH.Validate(); err != nil {
			return nil, fmt.Errorf("invalid ssh settings: %w", err)
		}
	}
	if s.Telemetry == nil {
		s.Telemetry = telemetry.DefaultConfig()
	}
	if err := s.Telemetry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry settings: %w", err)
	}
	return s, nil
}
