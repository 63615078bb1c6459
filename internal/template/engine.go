package template

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/winfleet/winfleet/internal/common/errors"
	"github.com/winfleet/winfleet/internal/common/logger"
	"github.com/winfleet/winfleet/internal/job"
)

// tokenPattern matches a {name} token left in an expanded string.
var tokenPattern = regexp.MustCompile(`\{[A-Za-z_][A-Za-z0-9_]*\}`)

// Engine holds the template library and expands templates into jobs.
type Engine struct {
	mu        sync.RWMutex
	templates map[string]*Template
	derive    map[string]DeriveFunc
	logger    *logger.Logger
}

// NewEngine creates an engine preloaded with the builtin templates.
func NewEngine(log *logger.Logger) *Engine {
	e := &Engine{
		templates: make(map[string]*Template),
		derive:    make(map[string]DeriveFunc),
		logger:    log.WithFields(zap.String("component", "template-engine")),
	}
	registerBuiltins(e)
	return e
}

// Register adds or replaces a template.
func (e *Engine) Register(t *Template) error {
	if t.ID == "" {
		return apperrors.InvalidField("id", "template id is required")
	}
	if t.ApplicationPath == "" {
		return apperrors.InvalidField("applicationPath", "template application path is required")
	}
	for _, p := range t.Parameters {
		if !p.Type.Valid() {
			return apperrors.InvalidField("parameters",
				fmt.Sprintf("parameter '%s' has unknown type '%s'", p.Name, p.Type))
		}
		if p.ValidationPattern != "" {
			if _, err := regexp.Compile(p.ValidationPattern); err != nil {
				return apperrors.InvalidField("parameters",
					fmt.Sprintf("parameter '%s' has invalid pattern: %v", p.Name, err))
			}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t.Clone()
	return nil
}

// RegisterDerive attaches a derived-parameter rule to a template id.
func (e *Engine) RegisterDerive(templateID string, fn DeriveFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.derive[templateID] = fn
}

// Get returns the template, if registered.
func (e *Engine) Get(id string) (*Template, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	t, ok := e.templates[id]
	if !ok {
		return nil, apperrors.NotFound("template", id)
	}
	return t.Clone(), nil
}

// List returns all templates ordered by id.
func (e *Engine) List() []*Template {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*Template, 0, len(e.templates))
	for _, t := range e.templates {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Expand validates params against the template, computes derived parameters,
// substitutes tokens, and returns a fresh pending job.
func (e *Engine) Expand(templateID string, params map[string]string) (*job.Job, error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	if !ok {
		e.mu.RUnlock()
		return nil, apperrors.NotFound("template", templateID)
	}
	t = t.Clone()
	deriveFn := e.derive[templateID]
	e.mu.RUnlock()

	resolved, err := validateParams(t, params)
	if err != nil {
		return nil, err
	}

	if deriveFn != nil {
		derived, err := deriveFn(resolved)
		if err != nil {
			return nil, apperrors.InvalidInput(
				fmt.Sprintf("derived parameter computation failed for template '%s': %v", templateID, err))
		}
		for k, v := range derived {
			resolved[k] = v
		}
	}

	steps := make([]job.Step, len(t.Steps))
	copy(steps, t.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	for i := range steps {
		steps[i].Target = substitute(steps[i].Target, resolved)
		steps[i].Value = substitute(steps[i].Value, resolved)
		steps[i].Description = substitute(steps[i].Description, resolved)

		if tok := firstUnresolved(steps[i].Target, steps[i].Value); tok != "" {
			return nil, apperrors.InvalidInput(fmt.Sprintf(
				"unresolved token '%s' in template '%s' step %d", tok, templateID, steps[i].Order))
		}
	}

	j := job.New(t.Name, substitute(t.ApplicationPath, resolved), steps)
	j.Arguments = substitute(t.Arguments, resolved)
	j.TemplateID = templateID
	j.TemplateParameters = resolved

	e.logger.Debug("template expanded",
		zap.String("template_id", templateID),
		zap.String("job_id", j.ID))
	return j, nil
}

// validateParams checks required/typed/pattern constraints and returns the
// stringified parameter set with defaults applied.
func validateParams(t *Template, params map[string]string) (map[string]string, error) {
	resolved := make(map[string]string, len(params))
	for k, v := range params {
		resolved[k] = v
	}

	for _, p := range t.Parameters {
		val, present := resolved[p.Name]
		if !present || val == "" {
			if p.Required && p.Default == "" {
				return nil, apperrors.InvalidField(p.Name,
					fmt.Sprintf("required parameter missing for template '%s'", t.ID))
			}
			if p.Default != "" {
				resolved[p.Name] = p.Default
				val = p.Default
				present = true
			}
		}
		if !present {
			continue
		}

		coerced, err := coerce(val, p.Type)
		if err != nil {
			return nil, apperrors.InvalidField(p.Name, err.Error())
		}
		resolved[p.Name] = coerced

		if p.ValidationPattern != "" {
			re, err := regexp.Compile(p.ValidationPattern)
			if err != nil {
				return nil, apperrors.Internal(
					fmt.Sprintf("template '%s' parameter '%s' pattern is invalid", t.ID, p.Name), err)
			}
			if !re.MatchString(coerced) {
				return nil, apperrors.InvalidField(p.Name,
					fmt.Sprintf("value '%s' does not match pattern '%s'", coerced, p.ValidationPattern))
			}
		}
	}
	return resolved, nil
}

// coerce normalizes a raw value to the declared type's canonical string
// form.
func coerce(val string, typ ParamType) (string, error) {
	switch typ {
	case ParamNumber:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return "", fmt.Errorf("value '%s' is not a number", val)
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	case ParamBoolean:
		b, err := strconv.ParseBool(strings.TrimSpace(strings.ToLower(val)))
		if err != nil {
			return "", fmt.Errorf("value '%s' is not a boolean", val)
		}
		return strconv.FormatBool(b), nil
	default:
		return val, nil
	}
}

// substitute replaces every {name} occurrence with its parameter value in a
// single pass. Longer names are applied first so {num} never partially
// matches ahead of {n}. Tokens inside substituted values are left as-is.
func substitute(s string, params map[string]string) string {
	if s == "" || !strings.Contains(s, "{") {
		return s
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})

	pairs := make([]string, 0, len(names)*2)
	for _, name := range names {
		pairs = append(pairs, "{"+name+"}", params[name])
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

// firstUnresolved returns the first leftover {token} in any of the given
// strings, or "".
func firstUnresolved(strs ...string) string {
	for _, s := range strs {
		if m := tokenPattern.FindString(s); m != "" {
			return m
		}
	}
	return ""
}
