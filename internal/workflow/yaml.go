package workflow

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Definition is the YAML shape of a workflow. Durations are strings in
// Go syntax ("30s", "2m") because YAML has no native duration type.
type Definition struct {
	Name          string           `yaml:"name"`
	MaxConcurrent int              `yaml:"max_concurrent,omitempty"`
	Steps         []StepDefinition `yaml:"steps"`
}

// StepDefinition describes one step. MaxRetries is a pointer so an
// explicit 0 (no retries) is distinguishable from unset (default 3).
type StepDefinition struct {
	ID         string                 `yaml:"id,omitempty"`
	Name       string                 `yaml:"name"`
	Agent      string                 `yaml:"agent,omitempty"`
	Required   []string               `yaml:"required_capabilities,omitempty"`
	Input      map[string]interface{} `yaml:"input,omitempty"`
	DependsOn  []string               `yaml:"depends_on,omitempty"`
	Timeout    string                 `yaml:"timeout,omitempty"`
	MaxRetries *int                   `yaml:"max_retries,omitempty"`
}

// ToWorkflow materializes the definition. Step IDs default to the step
// name; structural problems beyond this (cycles, unknown dependencies)
// are left to admission validation.
func (d Definition) ToWorkflow() (*Workflow, error) {
	if d.Name == "" {
		return nil, fmt.Errorf("workflow definition requires a name")
	}
	if len(d.Steps) == 0 {
		return nil, fmt.Errorf("workflow %q defines no steps", d.Name)
	}

	steps := make([]*Step, 0, len(d.Steps))
	for i, sd := range d.Steps {
		id := sd.ID
		if id == "" {
			id = sd.Name
		}
		if id == "" {
			return nil, fmt.Errorf("workflow %q: step %d has neither id nor name", d.Name, i)
		}

		var timeout time.Duration
		if sd.Timeout != "" {
			parsed, err := time.ParseDuration(sd.Timeout)
			if err != nil {
				return nil, fmt.Errorf("workflow %q: step %q: bad timeout: %w", d.Name, id, err)
			}
			timeout = parsed
		}

		retries := DefaultMaxRetries
		if sd.MaxRetries != nil {
			if *sd.MaxRetries < 0 {
				return nil, fmt.Errorf("workflow %q: step %q: max_retries must be >= 0", d.Name, id)
			}
			retries = *sd.MaxRetries
		}

		name := sd.Name
		if name == "" {
			name = id
		}
		steps = append(steps, &Step{
			ID:         id,
			Name:       name,
			AgentRef:   sd.Agent,
			Required:   sd.Required,
			Input:      sd.Input,
			DependsOn:  sd.DependsOn,
			Timeout:    timeout,
			MaxRetries: retries,
			Status:     StatusPending,
		})
	}

	wf := New(d.Name, steps...)
	wf.MaxConcurrent = d.MaxConcurrent
	return wf, nil
}

// ParseDefinition decodes a YAML document into a runnable workflow.
func ParseDefinition(data []byte) (*Workflow, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow definition: %w", err)
	}
	return def.ToWorkflow()
}

// LoadDefinitionFile reads and parses a workflow definition from disk.
func LoadDefinitionFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow definition %s: %w", path, err)
	}
	wf, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return wf, nil
}
