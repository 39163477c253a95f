package luarules

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Manifest describes a scripted rules engine on disk.
type Manifest struct {
	// Name identifies the game, for example "tictactoe".
	Name string `yaml:"name"`
	// Script is the Lua source path, relative to the manifest file.
	Script string `yaml:"script"`
	// InstructionLimit caps the opcodes of a single engine call. Zero uses DefaultInstructionLimit.
	InstructionLimit int `yaml:"instruction_limit"`
	// PoolSize is the number of Lua states serving calls concurrently. Zero means 4.
	PoolSize int `yaml:"pool_size"`
}

// LoadManifest reads and validates a YAML engine manifest. The returned
// Script path is resolved against the manifest's directory.
//
// Precondition: path must name a readable YAML file.
// Postcondition: Returns a Manifest with an absolute or manifest-relative Script, or a non-nil error.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("luarules: reading manifest %q: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("luarules: parsing manifest %q: %w", path, err)
	}
	if m.Name == "" {
		return Manifest{}, fmt.Errorf("luarules: manifest %q: name must not be empty", path)
	}
	if m.Script == "" {
		return Manifest{}, fmt.Errorf("luarules: manifest %q: script must not be empty", path)
	}
	if m.InstructionLimit < 0 || m.PoolSize < 0 {
		return Manifest{}, fmt.Errorf("luarules: manifest %q: instruction_limit and pool_size must not be negative", path)
	}
	if !filepath.IsAbs(m.Script) {
		m.Script = filepath.Join(filepath.Dir(path), m.Script)
	}
	return m, nil
}

// Open loads the manifest at path and builds its Engine.
func Open(path string) (*Engine, error) {
	m, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}
	src, err := os.ReadFile(m.Script)
	if err != nil {
		return nil, fmt.Errorf("luarules: reading script %q: %w", m.Script, err)
	}
	return New(m.Name, string(src), Options{
		InstructionLimit: m.InstructionLimit,
		PoolSize:         m.PoolSize,
	})
}
