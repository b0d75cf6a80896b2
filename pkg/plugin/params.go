package plugin

import (
	"fmt"
	"strconv"
	"time"
)

// Parameter is a declared handler setting and its default value.
type Parameter struct {
	Name        string
	Default     string
	Description string
}

// Params are resolved handler settings.
type Params map[string]string

// MergeParams lays overrides over the declared defaults. Overrides for
// undeclared names are rejected.
func MergeParams(declared []Parameter, overrides map[string]string) (Params, error) {
	p := make(Params, len(declared))
	for _, d := range declared {
		p[d.Name] = d.Default
	}
	for k, v := range overrides {
		if _, ok := p[k]; !ok {
			return nil, fmt.Errorf("unknown parameter %q", k)
		}
		p[k] = v
	}
	return p, nil
}

// String returns the value of name.
func (p Params) String(name string) string { return p[name] }

// Int parses name as an integer.
func (p Params) Int(name string) (int, error) {
	v, err := strconv.Atoi(p[name])
	if err != nil {
		return 0, fmt.Errorf("parameter %q: %w", name, err)
	}
	return v, nil
}

// Bool parses name as a boolean.
func (p Params) Bool(name string) (bool, error) {
	v, err := strconv.ParseBool(p[name])
	if err != nil {
		return false, fmt.Errorf("parameter %q: %w", name, err)
	}
	return v, nil
}

// Duration parses name as a Go duration.
func (p Params) Duration(name string) (time.Duration, error) {
	v, err := time.ParseDuration(p[name])
	if err != nil {
		return 0, fmt.Errorf("parameter %q: %w", name, err)
	}
	return v, nil
}
