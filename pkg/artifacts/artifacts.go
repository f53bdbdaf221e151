// Package artifacts writes synthesized input blocks to job directories and
// reads them back.
//
// A job directory holds one key/value file per block (INCAR, KPOINTS, ...)
// plus inputs.json, an ordered JSON document of every block that round-trips
// value types exactly. Runners may leave an output.json document next to
// them.
package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/matflow/matflow/pkg/config"
)

const (
	// InputsFile holds every block in typed JSON form.
	InputsFile = "inputs.json"

	// OutputFile is the result document left by a runner.
	OutputFile = "output.json"

	// OutputFileYAML is read when OutputFile is absent.
	OutputFileYAML = "output.yaml"
)

// ErrNoOutput is returned by ReadOutput when a directory has no output document.
var ErrNoOutput = errors.New("no output document")

// Handle identifies the files written for one job.
type Handle struct {
	JobID string   `json:"job_id"`
	Dir   string   `json:"dir"`
	Files []string `json:"files"`

	// Remote is true when Dir lives on another host.
	Remote bool `json:"remote,omitempty"`
}

// Writer materializes input blocks for a job.
type Writer interface {
	Write(ctx context.Context, jobID string, blocks map[string]*config.Configuration) (Handle, error)
}

// Render encodes blocks into file contents keyed by file name. Names are
// returned in write order: blocks sorted by name, then InputsFile.
func Render(blocks map[string]*config.Configuration) (map[string][]byte, []string, error) {
	names := blockNames(blocks)
	files := make(map[string][]byte, len(names)+1)
	order := make([]string, 0, len(names)+1)

	for _, name := range names {
		if !validBlockName(name) {
			return nil, nil, fmt.Errorf("invalid block name %q", name)
		}
		data, err := config.EncodeKeyValue(blocks[name])
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode block %s: %w", name, err)
		}
		files[name] = data
		order = append(order, name)
	}

	doc, err := EncodeInputs(blocks)
	if err != nil {
		return nil, nil, err
	}
	files[InputsFile] = doc
	order = append(order, InputsFile)
	return files, order, nil
}

// EncodeInputs writes blocks as one JSON object with sorted block names.
func EncodeInputs(blocks map[string]*config.Configuration) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range blockNames(blocks) {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(name)
		buf.Write(key)
		buf.WriteByte(':')
		block := blocks[name]
		if block == nil {
			block = config.NewConfiguration()
		}
		data, err := block.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("failed to encode block %s: %w", name, err)
		}
		buf.Write(data)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// DecodeInputs is the inverse of EncodeInputs.
func DecodeInputs(data []byte) (map[string]*config.Configuration, error) {
	doc := config.NewConfiguration()
	if err := doc.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", InputsFile, err)
	}
	blocks := make(map[string]*config.Configuration, doc.Len())
	for _, name := range doc.Keys() {
		block, ok := doc.GetConfiguration(name)
		if !ok {
			return nil, fmt.Errorf("%s: block %s is not an object", InputsFile, name)
		}
		blocks[name] = block
	}
	return blocks, nil
}

// ReadDir loads the input blocks of a job directory. inputs.json is
// preferred; without it every upper-case file is parsed as a key/value block.
func ReadDir(dir string) (map[string]*config.Configuration, error) {
	data, err := os.ReadFile(filepath.Join(dir, InputsFile))
	if err == nil {
		return DecodeInputs(data)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read %s: %w", InputsFile, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read job directory: %w", err)
	}
	blocks := make(map[string]*config.Configuration)
	for _, entry := range entries {
		if entry.IsDir() || !validBlockName(entry.Name()) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}
		block, err := config.DecodeKeyValue(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", entry.Name(), err)
		}
		blocks[entry.Name()] = block
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("no input blocks found in %s", dir)
	}
	return blocks, nil
}

// ReadOutput loads the output document of a job directory, preferring
// OutputFile over OutputFileYAML.
func ReadOutput(dir string) (*config.Configuration, error) {
	doc := config.NewConfiguration()

	data, err := os.ReadFile(filepath.Join(dir, OutputFile))
	if err == nil {
		if err := doc.UnmarshalJSON(data); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", OutputFile, err)
		}
		return doc, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read %s: %w", OutputFile, err)
	}

	data, err = os.ReadFile(filepath.Join(dir, OutputFileYAML))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", dir, ErrNoOutput)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", OutputFileYAML, err)
	}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", OutputFileYAML, err)
	}
	return doc, nil
}

// WriteOutput stores doc as the output document of dir.
func WriteOutput(dir string, doc *config.Configuration) error {
	data, err := doc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode output document: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, OutputFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", OutputFile, err)
	}
	return nil
}

func blockNames(blocks map[string]*config.Configuration) []string {
	names := make([]string, 0, len(blocks))
	for name := range blocks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// validBlockName accepts upper-case names such as INCAR or POTCAR so block
// files never escape the job directory.
func validBlockName(name string) bool {
	if name == "" || name != strings.ToUpper(name) {
		return false
	}
	for _, r := range name {
		if !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_') {
			return false
		}
	}
	return true
}
