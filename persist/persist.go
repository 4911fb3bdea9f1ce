// Package persist stores session state (cookies and default headers)
// between process runs. Set a store as SessionDef.Persistence.
package persist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Memory keeps state in the process.
type Memory struct {
	mu    sync.Mutex
	state map[string]string
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Load(ctx context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.state), nil
}

func (m *Memory) Save(ctx context.Context, state map[string]string) error {
	m.mu.Lock()
	m.state = maps.Clone(state)
	m.mu.Unlock()
	return nil
}

// File keeps state in a YAML file, or a TOML file when Path ends with
// ".toml". Saving writes a temporary file and renames it over the old one.
type File struct {
	Path string

	mu sync.Mutex
}

func NewFile(path string) *File {
	return &File{Path: path}
}

type fileState struct {
	State map[string]string `yaml:"state" toml:"state"`
}

func (f *File) isTOML() bool {
	return strings.EqualFold(filepath.Ext(f.Path), ".toml")
}

func (f *File) decode(data []byte, v *fileState) error {
	if f.isTOML() {
		return toml.Unmarshal(data, v)
	}
	return yaml.Unmarshal(data, v)
}

func (f *File) encode(v fileState) ([]byte, error) {
	if f.isTOML() {
		return toml.Marshal(v)
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load returns an empty state when the file does not exist.
func (f *File) Load(ctx context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	var decoded fileState
	if err := f.decode(data, &decoded); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", f.Path, err)
	}
	if decoded.State == nil {
		decoded.State = map[string]string{}
	}
	return decoded.State, nil
}

func (f *File) Save(ctx context.Context, state map[string]string) error {
	data, err := f.encode(fileState{State: state})
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	dir := filepath.Dir(f.Path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.Path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.Path)
}
