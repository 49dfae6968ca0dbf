// Package plan loads task graphs described in YAML and submits them to an
// orchestrator in dependency order.
package plan

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var taskIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// TaskSpec describes one task of a plan.
type TaskSpec struct {
	ID         string            `yaml:"id"`
	Name       string            `yaml:"name,omitempty"`
	Kind       string            `yaml:"kind,omitempty"`
	Run        string            `yaml:"run,omitempty"`
	Agent      string            `yaml:"agent,omitempty"`
	Priority   int               `yaml:"priority,omitempty"`
	Timeout    *Duration         `yaml:"timeout,omitempty"`
	MaxRetries *int              `yaml:"max_retries,omitempty"`
	MemoryMB   int               `yaml:"memory_mb,omitempty"`
	Resources  []string          `yaml:"resources,omitempty"`
	DependsOn  []string          `yaml:"depends_on,omitempty"`
	Params     map[string]string `yaml:"params,omitempty"`
}

// Defaults fill unset fields of every task in a plan.
type Defaults struct {
	Kind       string    `yaml:"kind,omitempty"`
	Agent      string    `yaml:"agent,omitempty"`
	Timeout    *Duration `yaml:"timeout,omitempty"`
	MaxRetries *int      `yaml:"max_retries,omitempty"`
}

// Plan is a named set of tasks.
type Plan struct {
	Name     string     `yaml:"name"`
	Defaults Defaults   `yaml:"defaults,omitempty"`
	Tasks    []TaskSpec `yaml:"tasks"`
	Source   string     `yaml:"-"`
}

// Load reads and parses a plan file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	p.Source = path
	return p, nil
}

// Parse decodes a plan, applies its defaults and validates it. Unknown keys
// are rejected.
func Parse(data []byte) (*Plan, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Plan) applyDefaults() {
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if t.Kind == "" {
			t.Kind = p.Defaults.Kind
		}
		if t.Agent == "" {
			t.Agent = p.Defaults.Agent
		}
		if t.Timeout == nil && p.Defaults.Timeout != nil {
			d := *p.Defaults.Timeout
			t.Timeout = &d
		}
		if t.MaxRetries == nil && p.Defaults.MaxRetries != nil {
			n := *p.Defaults.MaxRetries
			t.MaxRetries = &n
		}
		if t.Name == "" {
			t.Name = t.ID
		}
	}
}

// Validate checks ids, references and cycles. All problems are reported.
func (p *Plan) Validate() error {
	if len(p.Tasks) == 0 {
		return errors.New("plan has no tasks")
	}

	var errs []error
	seen := make(map[string]bool, len(p.Tasks))
	for i, t := range p.Tasks {
		switch {
		case t.ID == "":
			errs = append(errs, fmt.Errorf("task %d: missing id", i+1))
			continue
		case !taskIDRe.MatchString(t.ID):
			errs = append(errs, fmt.Errorf("task %q: id may only contain letters, digits, '.', '_' and '-'", t.ID))
		case seen[t.ID]:
			errs = append(errs, fmt.Errorf("task %q: duplicate id", t.ID))
		}
		seen[t.ID] = true

		if t.Priority < 0 || t.MemoryMB < 0 || (t.MaxRetries != nil && *t.MaxRetries < 0) || (t.Timeout != nil && t.Timeout.Duration < 0) {
			errs = append(errs, fmt.Errorf("task %q: priority, memory_mb, max_retries and timeout must not be negative", t.ID))
		}
	}

	for _, t := range p.Tasks {
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				errs = append(errs, fmt.Errorf("task %q: unknown dependency %q", t.ID, dep))
			}
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if _, err := p.Order(); err != nil {
		return err
	}
	return nil
}

// Task returns the task with the given id.
func (p *Plan) Task(id string) (TaskSpec, bool) {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return TaskSpec{}, false
}

// IDs returns the task ids in file order.
func (p *Plan) IDs() []string {
	ids := make([]string, len(p.Tasks))
	for i, t := range p.Tasks {
		ids[i] = t.ID
	}
	return ids
}

func (t TaskSpec) String() string {
	if len(t.DependsOn) == 0 {
		return t.ID
	}
	return fmt.Sprintf("%s <- [%s]", t.ID, strings.Join(t.DependsOn, ", "))
}
