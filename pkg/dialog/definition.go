package dialog

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// Definition is a dialog file: a named forest of nodes hung under the root.
type Definition struct {
	Name        string                       `yaml:"name"`
	Version     string                       `yaml:"version"`
	Description string                       `yaml:"description"`
	Handlers    map[string]map[string]string `yaml:"handlers"`
	Nodes       []NodeDef                    `yaml:"nodes"`
}

// NodeDef is the YAML form of a node and its subtree.
type NodeDef struct {
	Key       string            `yaml:"key"`
	Speaker   string            `yaml:"speaker"`
	Priority  string            `yaml:"priority"`
	Text      string            `yaml:"text"`
	Condition string            `yaml:"condition"`
	Flags     []string          `yaml:"flags"`
	Handler   string            `yaml:"handler"`
	Payload   map[string]string `yaml:"payload"`
	Disabled  bool              `yaml:"disabled"`
	Children  []NodeDef         `yaml:"children"`
}

// Validate checks the definition for consistency. known reports whether a
// handler id can be resolved; nil skips the check. All problems are
// reported together.
func (d *Definition) Validate(known func(id string) bool) error {
	if len(d.Nodes) == 0 {
		return fmt.Errorf("dialog %q: no nodes", d.Name)
	}

	var errs []error
	seen := map[string]bool{RootKey: true}
	var walk func(path string, nodes []NodeDef)
	walk = func(path string, nodes []NodeDef) {
		for i, n := range nodes {
			where := fmt.Sprintf("%s[%d]", path, i)
			if n.Key != "" {
				where = n.Key
				if seen[n.Key] {
					errs = append(errs, fmt.Errorf("dialog %q node %q: duplicate key", d.Name, n.Key))
				}
				seen[n.Key] = true
			}

			sp, err := ParseSpeaker(n.Speaker)
			switch {
			case err != nil:
				errs = append(errs, fmt.Errorf("dialog %q node %s: %w", d.Name, where, err))
			case sp == SpeakerNone:
				errs = append(errs, fmt.Errorf("dialog %q node %s: speaker is required", d.Name, where))
			case sp == SpeakerPlayer && Blank(n.Text):
				errs = append(errs, fmt.Errorf("dialog %q node %s: player node needs text", d.Name, where))
			}
			if _, err := ParsePriority(n.Priority); err != nil {
				errs = append(errs, fmt.Errorf("dialog %q node %s: %w", d.Name, where, err))
			}
			if _, err := ParseFlags(n.Flags); err != nil {
				errs = append(errs, fmt.Errorf("dialog %q node %s: %w", d.Name, where, err))
			}
			if n.Handler != "" && known != nil && !known(n.Handler) {
				errs = append(errs, fmt.Errorf("dialog %q node %s: handler %q not registered", d.Name, where, n.Handler))
			}
			walk(where, n.Children)
		}
	}
	walk("nodes", d.Nodes)

	for id := range d.Handlers {
		if known != nil && !known(id) {
			errs = append(errs, fmt.Errorf("dialog %q: handler %q not registered", d.Name, id))
		}
	}
	return errors.Join(errs...)
}

// HandlerIDs returns every handler id the definition refers to, through node
// bindings or parameter overrides, sorted.
func (d *Definition) HandlerIDs() []string {
	set := make(map[string]bool)
	for id := range d.Handlers {
		set[id] = true
	}
	var walk func(nodes []NodeDef)
	walk = func(nodes []NodeDef) {
		for _, n := range nodes {
			if n.Handler != "" {
				set[n.Handler] = true
			}
			walk(n.Children)
		}
	}
	walk(d.Nodes)
	return slices.Sorted(maps.Keys(set))
}

// Build converts the definition into a tree whose conditions read src.
func (d *Definition) Build(src StateSource) (*Tree, error) {
	forest := make([]NodeSpec, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		spec, err := n.spec(src)
		if err != nil {
			return nil, fmt.Errorf("dialog %q: %w", d.Name, err)
		}
		forest = append(forest, spec)
	}
	t, err := BuildTree(forest)
	if err != nil {
		return nil, fmt.Errorf("dialog %q: %w", d.Name, err)
	}
	return t, nil
}

func (n NodeDef) spec(src StateSource) (NodeSpec, error) {
	sp, err := ParseSpeaker(n.Speaker)
	if err != nil {
		return NodeSpec{}, err
	}
	prio, err := ParsePriority(n.Priority)
	if err != nil {
		return NodeSpec{}, err
	}
	flags, err := ParseFlags(n.Flags)
	if err != nil {
		return NodeSpec{}, err
	}

	s := NodeSpec{
		Key:       n.Key,
		Speaker:   sp,
		Priority:  prio,
		Template:  n.Text,
		Condition: CompileCondition(n.Key, n.Condition, src),
		Flags:     flags,
		HandlerID: n.Handler,
		Payload:   n.Payload,
		Disabled:  n.Disabled,
	}
	for _, c := range n.Children {
		cs, err := c.spec(src)
		if err != nil {
			return NodeSpec{}, err
		}
		s.Children = append(s.Children, cs)
	}
	return s, nil
}
