package commands

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestLoadSettings_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	s, err := LoadSettings("")
	require.NoError(t, err)
	assert.Equal(t, "matflow.db", s.DB)
	assert.Equal(t, "runs", s.WorkDir)
	assert.Equal(t, 4, s.MaxParallel)
	assert.Nil(t, s.SSH)
	require.NotNil(t, s.Telemetry)
}

func TestLoadSettings_MissingExplicitFile(t *testing.T) {
	_, err := LoadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadSettings_File(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "matflow.yaml", `
db: ":memory:"
work_dir: /scratch/jobs
command: mpirun vasp_std
max_parallel: 8
node_timeout: 2h
ref_dirs:
  cs tensor: ref/cs
ssh:
  host: cluster.example.org
  user: vasp
  auth: password
  password: secret
`)

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, ":memory:", s.DB)
	assert.Equal(t, "/scratch/jobs", s.WorkDir)
	assert.Equal(t, "mpirun vasp_std", s.Command)
	assert.Equal(t, 8, s.MaxParallel)
	assert.Equal(t, 2, s.MaxRetries)
	assert.Equal(t, 2*time.Hour, s.NodeTimeout)
	assert.Equal(t, map[string]string{"cs tensor": "ref/cs"}, s.RefDirs)

	require.NotNil(t, s.SSH)
	assert.Equal(t, "cluster.example.org", s.SSH.Host)
	assert.Equal(t, 22, s.SSH.Port)
}

func TestLoadSettings_UnknownField(t *testing.T) {
	path := writeFile(t, t.TempDir(), "matflow.yaml", "max_paralel: 2\n")
	_, err := LoadSettings(path)
	assert.Error(t, err)
}

func TestLoadSettings_InvalidSSH(t *testing.T) {
	path := writeFile(t, t.TempDir(), "matflow.yaml", "ssh:\n  user: vasp\n")
	_, err := LoadSettings(path)
	assert.Error(t, err)
}
