// Package language loads and serves immutable language descriptors.
package language

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// CompileSpec defines the optional compile stage of a language.
type CompileSpec struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Timeout int64    `json:"timeout,omitempty"` // milliseconds, 0 uses the executor default
}

// Descriptor defines how to write, optionally compile and run user source for
// one language. Args may contain the substitution tokens {file}, {dir} and
// {filename}, expanded by the executor at run time.
type Descriptor struct {
	Name        string       `json:"name"`
	DisplayName string       `json:"displayName"`
	Extension   string       `json:"extension"`
	Filename    string       `json:"filename,omitempty"`
	Command     string       `json:"command"`
	Args        []string     `json:"args"`
	Timeout     int64        `json:"timeout"` // run-phase wall-clock cap, milliseconds
	Compile     *CompileSpec `json:"compile,omitempty"`
}

// SourceFileName returns the file name the source is written to.
func (d *Descriptor) SourceFileName() string {
	if d.Filename != "" {
		return d.Filename
	}
	return "main" + d.Extension
}

// Validate checks the required descriptor fields.
func (d *Descriptor) Validate() error {
	switch {
	case d.Name == "":
		return errors.New("missing name")
	case d.Name != strings.ToLower(d.Name):
		return fmt.Errorf("name %q is not lowercase", d.Name)
	case d.DisplayName == "":
		return errors.New("missing displayName")
	case d.Extension == "":
		return errors.New("missing extension")
	case !strings.HasPrefix(d.Extension, "."):
		return fmt.Errorf("extension %q is not dot-prefixed", d.Extension)
	case d.Command == "":
		return errors.New("missing command")
	case d.Args == nil:
		return errors.New("missing args")
	case d.Timeout <= 0:
		return errors.New("missing timeout")
	}
	if c := d.Compile; c != nil {
		if c.Command == "" {
			return errors.New("compile stage missing command")
		}
		if c.Args == nil {
			return errors.New("compile stage missing args")
		}
	}
	return nil
}

// Registry holds all loaded descriptors. Immutable after Load.
type Registry struct {
	byName map[string]*Descriptor
	names  []string
}

// Load reads every *.json descriptor in dir. Files that fail to parse or
// validate are skipped with a logged error so a single bad descriptor does
// not take the service down. Duplicate names keep the first loaded file.
func Load(dir string, logger *zap.Logger) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read language config dir: %w", err)
	}

	r := &Registry{byName: make(map[string]*Descriptor)}
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		p := filepath.Join(dir, ent.Name())
		d, err := loadFile(p)
		if err != nil {
			logger.Error("Skipping language descriptor", zap.String("file", p), zap.Error(err))
			continue
		}
		if _, ok := r.byName[d.Name]; ok {
			logger.Error("Skipping duplicate language descriptor",
				zap.String("file", p), zap.String("name", d.Name))
			continue
		}
		r.byName[d.Name] = d
		r.names = append(r.names, d.Name)
		logger.Info("Loaded language", zap.String("name", d.Name), zap.String("file", p))
	}
	sort.Strings(r.names)

	if len(r.byName) == 0 {
		return nil, fmt.Errorf("no valid language descriptors in %s", dir)
	}
	return r, nil
}

func loadFile(path string) (*Descriptor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var d Descriptor
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	return &d, nil
}

// Get returns the descriptor for name, or nil if not registered.
func (r *Registry) Get(name string) *Descriptor {
	return r.byName[name]
}

// IsSupported reports whether name is a registered language.
func (r *Registry) IsSupported(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// List returns all descriptors ordered by name.
func (r *Registry) List() []*Descriptor {
	ds := make([]*Descriptor, 0, len(r.names))
	for _, n := range r.names {
		ds = append(ds, r.byName[n])
	}
	return ds
}

// Names returns the registered language names in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}
