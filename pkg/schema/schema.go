// Package schema defines the YAML document model for test cases and
// reusable step modules, with strict three-phase validation.
package schema

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// TestCase is a top-level test document: named variables plus an
// ordered list of steps.
type TestCase struct {
	Name        string         `yaml:"name"        json:"name" jsonschema:"required"`
	Description string         `yaml:"description" json:"description,omitempty"`
	Vars        map[string]any `yaml:"vars"        json:"vars,omitempty"`
	Steps       []Step         `yaml:"steps"       json:"steps" jsonschema:"required"`
}

// ModuleDef is a reusable sequence of steps invoked from a test case
// via use_module. Params lists the parameter names callers must supply.
type ModuleDef struct {
	Name        string   `yaml:"name"        json:"name"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Params      []string `yaml:"params"      json:"params,omitempty"`
	Steps       []Step   `yaml:"steps"       json:"steps" jsonschema:"required"`
}

// Step is a single instruction. Exactly one of Action, If, ForEach, or
// UseModule identifies the construct; the remaining fields modify it.
// YAML keys that are not part of the step grammar become action
// arguments in Args.
type Step struct {
	Description string `yaml:"description" json:"description,omitempty"`

	// Action step.
	Action string         `yaml:"action" json:"action,omitempty"`
	Args   map[string]any `yaml:"-"      json:"args,omitempty"`

	// Conditional step.
	If   string `yaml:"if"   json:"if,omitempty"`
	Then []Step `yaml:"then" json:"then,omitempty"`
	Else []Step `yaml:"else" json:"else,omitempty"`

	// Loop step.
	ForEach any    `yaml:"for_each" json:"for_each,omitempty"`
	As      string `yaml:"as"       json:"as,omitempty"`
	IndexAs string `yaml:"index_as" json:"index_as,omitempty"`
	Flags   bool   `yaml:"flags"    json:"flags,omitempty"`
	Do      []Step `yaml:"do"       json:"do,omitempty"`

	// Module invocation step.
	UseModule string         `yaml:"use_module" json:"use_module,omitempty"`
	Params    map[string]any `yaml:"params"     json:"params,omitempty"`

	// Modifiers, valid on action steps.
	Expect            string `yaml:"expect"              json:"expect,omitempty"`
	Register          string `yaml:"register"            json:"register,omitempty"`
	Scope             string `yaml:"scope"               json:"scope,omitempty"`
	Retries           *int   `yaml:"retries"             json:"retries,omitempty"`
	RetryDelay        string `yaml:"retry_delay"         json:"retry_delay,omitempty"`
	NonRetryable      bool   `yaml:"non_retryable"       json:"non_retryable,omitempty"`
	ContinueOnFailure bool   `yaml:"continue_on_failure" json:"continue_on_failure,omitempty"`
}

// stepKeys is the step grammar: every other mapping key is an action
// argument.
var stepKeys = map[string]bool{
	"description": true,
	"action":      true,
	"if":          true, "then": true, "else": true,
	"for_each": true, "as": true, "index_as": true, "flags": true, "do": true,
	"use_module": true, "params": true,
	"expect": true, "register": true, "scope": true,
	"retries": true, "retry_delay": true, "non_retryable": true,
	"continue_on_failure": true,
}

// UnmarshalYAML decodes the known step fields, then sweeps any leftover
// keys into Args so actions can take free-form arguments inline.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("step must be a mapping, got %s", nodeKind(node))
	}

	type plain Step
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*s = Step(p)

	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valNode := node.Content[i], node.Content[i+1]
		if stepKeys[keyNode.Value] {
			continue
		}
		var v any
		if err := valNode.Decode(&v); err != nil {
			return fmt.Errorf("decode argument %q: %w", keyNode.Value, err)
		}
		if s.Args == nil {
			s.Args = make(map[string]any)
		}
		s.Args[keyNode.Value] = v
	}
	return nil
}

func nodeKind(n *yaml.Node) string {
	switch n.Kind {
	case yaml.ScalarNode:
		return "scalar"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	default:
		return "document"
	}
}

// Construct names the step's construct for error messages and traces.
func (s *Step) Construct() string {
	switch {
	case s.Action != "":
		return "action"
	case s.If != "":
		return "conditional"
	case s.ForEach != nil:
		return "loop"
	case s.UseModule != "":
		return "module"
	default:
		return "unknown"
	}
}

// Load parses a test case from a reader.
func Load(r io.Reader) (*TestCase, error) {
	dec := yaml.NewDecoder(r)

	var tc TestCase
	if err := dec.Decode(&tc); err != nil {
		return nil, fmt.Errorf("decode test case: %w", err)
	}
	return &tc, nil
}

// LoadFile reads and parses a test case YAML file.
func LoadFile(path string) (*TestCase, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open test case: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// LoadModuleReader parses a module definition from a reader.
func LoadModuleReader(r io.Reader) (*ModuleDef, error) {
	dec := yaml.NewDecoder(r)

	var m ModuleDef
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode module: %w", err)
	}
	return &m, nil
}
