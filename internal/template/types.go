// Package template holds the server-side job template library and the
// engine that expands a template plus parameters into a job.
package template

import (
	"github.com/winfleet/winfleet/internal/job"
)

// ParamType tags a template parameter's value type.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
)

// Valid reports whether t is a known parameter type.
func (t ParamType) Valid() bool {
	return t == ParamString || t == ParamNumber || t == ParamBoolean
}

// Parameter declares one template input.
type Parameter struct {
	Name              string    `json:"name" yaml:"name"`
	Type              ParamType `json:"type" yaml:"type"`
	Required          bool      `json:"required" yaml:"required"`
	Default           string    `json:"default,omitempty" yaml:"default,omitempty"`
	ValidationPattern string    `json:"validationPattern,omitempty" yaml:"validationPattern,omitempty"`
	Description       string    `json:"description,omitempty" yaml:"description,omitempty"`
}

// Template is a parameterized job recipe. Step targets, values, and
// descriptions may carry {name} tokens resolved at expansion time.
type Template struct {
	ID              string      `json:"id" yaml:"id"`
	Name            string      `json:"name" yaml:"name"`
	Description     string      `json:"description,omitempty" yaml:"description,omitempty"`
	ApplicationPath string      `json:"applicationPath" yaml:"applicationPath"`
	Arguments       string      `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	Parameters      []Parameter `json:"parameters" yaml:"parameters"`
	Steps           []job.Step  `json:"steps" yaml:"steps"`
}

// Clone returns a deep copy of the template.
func (t *Template) Clone() *Template {
	c := *t
	c.Parameters = append([]Parameter(nil), t.Parameters...)
	c.Steps = make([]job.Step, len(t.Steps))
	copy(c.Steps, t.Steps)
	for i := range c.Steps {
		if t.Steps[i].Parameters != nil {
			m := make(map[string]string, len(t.Steps[i].Parameters))
			for k, v := range t.Steps[i].Parameters {
				m[k] = v
			}
			c.Steps[i].Parameters = m
		}
	}
	return &c
}

// DeriveFunc computes derived parameters from the validated inputs. The
// returned map is merged over the inputs before substitution.
type DeriveFunc func(params map[string]string) (map[string]string, error)
