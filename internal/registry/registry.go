// Package registry holds the capability catalog: every tool the
// gateway may invoke, with its argument and result contracts and its
// idempotency flag. The catalog is loaded once at startup and is
// read-only afterwards, so lookups need no locking.
package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/conveyorhq/conveyor/internal/xerr"
)

type Field struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"` // string, number, bool, object, array
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`
}

// Capability is one tool's invocation contract.
type Capability struct {
	Name        string  `yaml:"name" json:"name"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
	Endpoint    string  `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Idempotent  bool    `yaml:"idempotent" json:"idempotent"`
	Args        []Field `yaml:"args,omitempty" json:"args,omitempty"`
	Result      []Field `yaml:"result,omitempty" json:"result,omitempty"`
}

type Registry struct {
	caps map[string]Capability
}

type catalogFile struct {
	Tools []Capability `yaml:"tools"`
}

// Load reads the capability catalog from a YAML file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading capability catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a registry from raw catalog YAML.
func Parse(data []byte) (*Registry, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing capability catalog: %w", err)
	}
	r := &Registry{caps: make(map[string]Capability, len(file.Tools))}
	for _, cap := range file.Tools {
		if cap.Name == "" {
			return nil, fmt.Errorf("capability catalog: tool with empty name")
		}
		if _, dup := r.caps[cap.Name]; dup {
			return nil, fmt.Errorf("capability catalog: duplicate tool %q", cap.Name)
		}
		for _, f := range append(append([]Field{}, cap.Args...), cap.Result...) {
			if !validFieldType(f.Type) {
				return nil, fmt.Errorf("capability catalog: tool %q field %q has unknown type %q", cap.Name, f.Name, f.Type)
			}
		}
		r.caps[cap.Name] = cap
	}
	return r, nil
}

func validFieldType(t string) bool {
	switch t {
	case "string", "number", "bool", "object", "array":
		return true
	}
	return false
}

// Get returns the capability for a tool name.
func (r *Registry) Get(name string) (Capability, error) {
	cap, ok := r.caps[name]
	if !ok {
		return Capability{}, xerr.Newf(xerr.CodeUnknownTool, "tool %q is not registered", name)
	}
	return cap, nil
}

// Idempotent reports the tool's idempotency flag. Unknown tools are
// treated as non-idempotent.
func (r *Registry) Idempotent(name string) bool {
	cap, ok := r.caps[name]
	return ok && cap.Idempotent
}

// List returns all capabilities, for the API and prompt building.
func (r *Registry) List() []Capability {
	out := make([]Capability, 0, len(r.caps))
	for _, cap := range r.caps {
		out = append(out, cap)
	}
	return out
}

// ValidateArgs checks an argument payload against the tool's argument
// schema. Returns INVALID_ARGUMENTS on the first violation.
func (r *Registry) ValidateArgs(name string, args map[string]any) error {
	cap, err := r.Get(name)
	if err != nil {
		return err
	}
	return validateFields(cap.Args, args, xerr.CodeInvalidArguments, name)
}

// ValidateResult checks a parsed tool result against the tool's result
// schema. Returns INVALID_OUTPUT on the first violation.
func (r *Registry) ValidateResult(name string, result map[string]any) error {
	cap, err := r.Get(name)
	if err != nil {
		return err
	}
	return validateFields(cap.Result, result, xerr.CodeInvalidOutput, name)
}

func validateFields(schema []Field, payload map[string]any, code xerr.Code, tool string) error {
	for _, f := range schema {
		v, present := payload[f.Name]
		if !present || v == nil {
			if f.Required {
				return xerr.Newf(code, "tool %q: missing required field %q", tool, f.Name)
			}
			continue
		}
		if !typeMatches(f.Type, v) {
			return xerr.Newf(code, "tool %q: field %q is not a %s", tool, f.Name, f.Type)
		}
	}
	return nil
}

func typeMatches(fieldType string, v any) bool {
	switch fieldType {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case "bool":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	}
	return false
}
