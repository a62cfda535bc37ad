package task

import (
	"strings"

	"pkt.systems/blockterm/schema"
)

// MacroDef is a named action sequence. When Parents is set the macro is only
// visible while connected to one of the listed hosts.
type MacroDef struct {
	Name    string   `mapstructure:"name" yaml:"name"`
	Parents []string `mapstructure:"parents" yaml:"parents,omitempty"`
	Action  string   `mapstructure:"action" yaml:"action"`
}

// Macros is an ordered set of macro definitions. The first definition that
// matches both name and scope wins.
type Macros struct {
	defs []MacroDef
}

// NewMacros validates defs and returns the container.
func NewMacros(defs ...MacroDef) (*Macros, error) {
	out := make([]MacroDef, 0, len(defs))
	for i, def := range defs {
		def.Name = strings.TrimSpace(def.Name)
		if def.Name == "" {
			return nil, schema.ConfigError("macros", nil, "macro %d has no name", i+1)
		}
		if strings.TrimSpace(def.Action) == "" {
			return nil, schema.ConfigError("macros", nil, "macro %q has no action", def.Name)
		}
		out = append(out, def)
	}
	return &Macros{defs: out}, nil
}

// Lookup finds the macro called name in scope for host. Names compare
// case-insensitively.
func (m *Macros) Lookup(name, host string) (MacroDef, bool) {
	if m == nil {
		return MacroDef{}, false
	}
	for _, def := range m.defs {
		if strings.EqualFold(def.Name, name) && def.inScope(host) {
			return def, true
		}
	}
	return MacroDef{}, false
}

// Visible lists the macros in scope for host, in definition order, without
// shadowed duplicates.
func (m *Macros) Visible(host string) []MacroDef {
	if m == nil {
		return nil
	}
	seen := map[string]bool{}
	var out []MacroDef
	for _, def := range m.defs {
		key := strings.ToLower(def.Name)
		if seen[key] || !def.inScope(host) {
			continue
		}
		seen[key] = true
		out = append(out, def)
	}
	return out
}

// All returns every definition in order.
func (m *Macros) All() []MacroDef {
	if m == nil {
		return nil
	}
	return append([]MacroDef(nil), m.defs...)
}

func (d MacroDef) inScope(host string) bool {
	if len(d.Parents) == 0 {
		return true
	}
	for _, parent := range d.Parents {
		if strings.EqualFold(parent, host) {
			return true
		}
	}
	return false
}
