package executor

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Descriptor is one executor definition loaded from a YAML file. Type
// selects a registered constructor; Params carry constructor-specific
// settings.
type Descriptor struct {
	Name          string                 `yaml:"name"`
	Type          string                 `yaml:"type"`
	Capabilities  []string               `yaml:"capabilities"`
	MaxConcurrent int                    `yaml:"max_concurrent"`
	Params        map[string]interface{} `yaml:"params"`
}

// Constructor builds an executor from its descriptor.
type Constructor func(d Descriptor) (Executor, error)

// Registry holds the live executor instances and the constructors used
// to build them from descriptors.
type Registry struct {
	mu           sync.RWMutex
	executors    map[string]Executor
	constructors map[string]Constructor
	logger       *zap.Logger
}

// NewRegistry creates an empty registry with the built-in executor
// types already available as constructors.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		executors:    make(map[string]Executor),
		constructors: make(map[string]Constructor),
		logger:       logger.With(zap.String("component", "executor_registry")),
	}
	registerBuiltinTypes(r)
	return r
}

// RegisterType makes a constructor available under a type name.
func (r *Registry) RegisterType(typeName string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[typeName] = c
}

// Register adds a live executor instance, replacing any previous one
// with the same name.
func (r *Registry) Register(e Executor) error {
	name := strings.TrimSpace(e.Name())
	if name == "" {
		return fmt.Errorf("executor has no name")
	}
	r.mu.Lock()
	r.executors[name] = e
	r.mu.Unlock()
	r.logger.Info("Executor registered",
		zap.String("executor", name),
		zap.Strings("capabilities", e.Capabilities()))
	return nil
}

// Remove drops an executor instance by name.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.executors, name)
	r.mu.Unlock()
}

// Get returns the executor registered under name.
func (r *Registry) Get(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[name]
	return e, ok
}

// Names lists registered executor names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the registered executors in name order.
func (r *Registry) All() []Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Executor, 0, len(names))
	for _, name := range names {
		out = append(out, r.executors[name])
	}
	return out
}

// LoadDirectory scans root recursively for *.yaml / *.yml descriptors
// and instantiates each through its type's constructor. A missing root
// is not an error; descriptor directories are optional overlays.
func (r *Registry) LoadDirectory(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat executor dir %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", root)
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if err := r.loadFile(path); err != nil {
			return fmt.Errorf("load executor descriptor %s: %w", path, err)
		}
		return nil
	})
}

func (r *Registry) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var d Descriptor
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	e, err := r.Build(d)
	if err != nil {
		return err
	}
	return r.Register(e)
}

// Build instantiates an executor from a descriptor without registering
// it.
func (r *Registry) Build(d Descriptor) (Executor, error) {
	if strings.TrimSpace(d.Name) == "" {
		return nil, fmt.Errorf("descriptor has no name")
	}
	if d.MaxConcurrent < 1 {
		d.MaxConcurrent = 1
	}
	r.mu.RLock()
	c, ok := r.constructors[d.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown executor type %q", d.Type)
	}
	return c(d)
}
