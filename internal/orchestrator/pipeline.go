// Package orchestrator drives workflow runs through pipeline state
// machines. A pipeline is a named directed graph of phase states; each
// state declares its engine command and its success and failure edges.
package orchestrator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Terminal states shared by all pipelines
const (
	PhaseComplete   = "complete"
	PhaseDeadLetter = "dead_letter"
)

// StateSpec declares one phase of a pipeline
type StateSpec struct {
	Command    string `yaml:"command"`
	OnSuccess  string `yaml:"on_success"`
	OnFailure  string `yaml:"on_failure"`
	MaxRetries int    `yaml:"max_retries"` // -1 uses the global default
}

// PipelineSpec is a named phase graph
type PipelineSpec struct {
	Name   string               `yaml:"name"`
	Start  string               `yaml:"start"`
	States map[string]StateSpec `yaml:"states"`
}

// IsTerminal reports whether a state name is one of the shared terminals
func IsTerminal(state string) bool {
	return state == PhaseComplete || state == PhaseDeadLetter
}

// Validate checks that the graph is well formed: the start state exists,
// every edge resolves to a declared state or a terminal, and the
// complete terminal is reachable from the start.
func (p *PipelineSpec) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pipeline has no name")
	}
	if len(p.States) == 0 {
		return fmt.Errorf("pipeline %q has no states", p.Name)
	}
	if _, ok := p.States[p.Start]; !ok {
		return fmt.Errorf("pipeline %q start state %q is not declared", p.Name, p.Start)
	}

	for name, state := range p.States {
		if IsTerminal(name) {
			return fmt.Errorf("pipeline %q declares reserved state name %q", p.Name, name)
		}
		if state.Command == "" {
			return fmt.Errorf("pipeline %q state %q has no command", p.Name, name)
		}
		for _, edge := range []string{state.OnSuccess, state.OnFailure} {
			if edge == "" {
				return fmt.Errorf("pipeline %q state %q has a missing edge", p.Name, name)
			}
			if !IsTerminal(edge) {
				if _, ok := p.States[edge]; !ok {
					return fmt.Errorf("pipeline %q state %q references unknown state %q", p.Name, name, edge)
				}
			}
		}
	}

	if !p.reaches(PhaseComplete) {
		return fmt.Errorf("pipeline %q cannot reach %s from %q", p.Name, PhaseComplete, p.Start)
	}
	return nil
}

// reaches walks all edges from the start looking for the target state
func (p *PipelineSpec) reaches(target string) bool {
	visited := make(map[string]bool)
	queue := []string{p.Start}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if name == target {
			return true
		}
		if visited[name] || IsTerminal(name) {
			continue
		}
		visited[name] = true
		state := p.States[name]
		queue = append(queue, state.OnSuccess, state.OnFailure)
	}
	return false
}

// Builtins returns the standard pipelines. The autonomous pipeline is the
// full pipeline continuing past document into an automatic ship state
// instead of stopping for manual approval; composing pipelines is graph
// concatenation, not new orchestrator logic.
func Builtins() map[string]*PipelineSpec {
	full := &PipelineSpec{
		Name:  "full",
		Start: "classify",
		States: map[string]StateSpec{
			"classify":  {Command: "classify", OnSuccess: "plan", OnFailure: PhaseDeadLetter, MaxRetries: -1},
			"plan":      {Command: "plan", OnSuccess: "implement", OnFailure: PhaseDeadLetter, MaxRetries: -1},
			"implement": {Command: "implement", OnSuccess: "test", OnFailure: PhaseDeadLetter, MaxRetries: -1},
			"test":      {Command: "test", OnSuccess: "review", OnFailure: "implement", MaxRetries: -1},
			"review":    {Command: "review", OnSuccess: "document", OnFailure: "implement", MaxRetries: -1},
			"document":  {Command: "document", OnSuccess: PhaseComplete, OnFailure: PhaseDeadLetter, MaxRetries: -1},
		},
	}

	planOnly := &PipelineSpec{
		Name:  "plan-only",
		Start: "classify",
		States: map[string]StateSpec{
			"classify": {Command: "classify", OnSuccess: "plan", OnFailure: PhaseDeadLetter, MaxRetries: -1},
			"plan":     {Command: "plan", OnSuccess: PhaseComplete, OnFailure: PhaseDeadLetter, MaxRetries: -1},
		},
	}

	autonomous := &PipelineSpec{Name: "autonomous", Start: full.Start, States: make(map[string]StateSpec, len(full.States)+1)}
	for name, state := range full.States {
		autonomous.States[name] = state
	}
	document := autonomous.States["document"]
	document.OnSuccess = "ship"
	autonomous.States["document"] = document
	autonomous.States["ship"] = StateSpec{Command: "ship", OnSuccess: PhaseComplete, OnFailure: PhaseDeadLetter, MaxRetries: -1}

	return map[string]*PipelineSpec{
		full.Name:       full,
		planOnly.Name:   planOnly,
		autonomous.Name: autonomous,
	}
}

// pipelineFile is the YAML layout for user-defined pipelines
type pipelineFile struct {
	Pipelines []pipelineYAML `yaml:"pipelines"`
}

type pipelineYAML struct {
	Name   string               `yaml:"name"`
	Start  string               `yaml:"start"`
	States map[string]stateYAML `yaml:"states"`
}

type stateYAML struct {
	Command    string `yaml:"command"`
	OnSuccess  string `yaml:"on_success"`
	OnFailure  string `yaml:"on_failure"`
	MaxRetries *int   `yaml:"max_retries"`
}

// LoadPipelineFile reads user-defined pipelines from a YAML file and
// validates each graph
func LoadPipelineFile(path string) (map[string]*PipelineSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline file: %w", err)
	}
	return parsePipelines(data)
}

func parsePipelines(data []byte) (map[string]*PipelineSpec, error) {
	var file pipelineFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing pipeline file: %w", err)
	}

	specs := make(map[string]*PipelineSpec, len(file.Pipelines))
	for _, p := range file.Pipelines {
		spec := &PipelineSpec{Name: p.Name, Start: p.Start, States: make(map[string]StateSpec, len(p.States))}
		for name, s := range p.States {
			retries := -1
			if s.MaxRetries != nil {
				retries = *s.MaxRetries
			}
			spec.States[name] = StateSpec{
				Command:    s.Command,
				OnSuccess:  s.OnSuccess,
				OnFailure:  s.OnFailure,
				MaxRetries: retries,
			}
		}
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if _, dup := specs[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate pipeline name %q", spec.Name)
		}
		specs[spec.Name] = spec
	}
	return specs, nil
}
