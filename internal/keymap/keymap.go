// Package keymap binds keystrokes to action text for the interactive
// front-ends. Unbound keys pass through to the host unchanged.
package keymap

import (
	"strings"
	"unicode/utf8"

	"pkt.systems/blockterm/internal/action"
	"pkt.systems/blockterm/schema"
)

// Kind is the task kind of keymap actions.
const Kind schema.TaskKind = "keymap"

// Binding maps a key sequence to action text. Keys are separated by spaces,
// for example "Ctrl-X Ctrl-C" or "F3".
type Binding struct {
	Keys   string `mapstructure:"keys" yaml:"keys"`
	Action string `mapstructure:"action" yaml:"action"`
}

// DefaultBindings is the keymap used when the configuration names none.
func DefaultBindings() []Binding {
	return []Binding{
		{Keys: "Ctrl-]", Action: "Quit()"},
		{Keys: "Alt-a", Action: "Abort()"},
	}
}

var namedKeys = map[string]string{
	"enter": "Enter", "return": "Enter",
	"tab": "Tab", "backtab": "BackTab", "shift-tab": "BackTab",
	"backspace": "Backspace", "delete": "Delete", "del": "Delete",
	"insert": "Insert", "ins": "Insert",
	"escape": "Escape", "esc": "Escape", "space": "Space",
	"up": "Up", "down": "Down", "left": "Left", "right": "Right",
	"home": "Home", "end": "End",
	"pageup": "PageUp", "pgup": "PageUp", "pagedown": "PageDown", "pgdn": "PageDown",
}

// Canonical normalizes a key name the way the decoder spells it. Named keys and
// modifiers are case-insensitive; single characters are not.
func Canonical(name string) (string, error) {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) == 1 {
		if name == " " {
			return "Space", nil
		}
		return name, nil
	}
	lower := strings.ToLower(name)
	for _, prefix := range []string{"ctrl-", "ctrl+", "c-"} {
		if rest, ok := strings.CutPrefix(lower, prefix); ok {
			if len(rest) == 1 && (rest[0] >= 'a' && rest[0] <= 'z' || strings.ContainsRune("@[\\]^_", rune(rest[0]))) {
				return "Ctrl-" + strings.ToUpper(rest), nil
			}
			return "", badKey(name)
		}
	}
	for _, prefix := range []string{"alt-", "alt+", "meta-", "m-"} {
		if strings.HasPrefix(lower, prefix) {
			inner, err := Canonical(name[len(prefix):])
			if err != nil {
				return "", badKey(name)
			}
			return "Alt-" + inner, nil
		}
	}
	if canon, ok := namedKeys[lower]; ok {
		return canon, nil
	}
	for _, prefix := range []string{"pf", "f"} {
		if rest, ok := strings.CutPrefix(lower, prefix); ok {
			switch rest {
			case "1", "2", "3", "4", "5", "6", "7", "8", "9", "10", "11", "12":
				return "F" + rest, nil
			}
		}
	}
	return "", badKey(name)
}

func badKey(name string) error {
	return schema.ConfigError("keymap", nil, "unknown key %q", name)
}

type compiled struct {
	keys   []string
	action string
}

// Keymap is an ordered set of bindings. The first binding for a sequence wins.
type Keymap struct {
	bindings []Binding
	compiled []compiled
}

// New validates bindings: key names must be known and actions must parse.
func New(bindings ...Binding) (*Keymap, error) {
	km := &Keymap{}
	for _, b := range bindings {
		fields := strings.Fields(b.Keys)
		if len(fields) == 0 {
			return nil, schema.ConfigError("keymap", nil, "binding for %q has no keys", b.Action)
		}
		c := compiled{action: b.Action}
		for _, f := range fields {
			canon, err := Canonical(f)
			if err != nil {
				return nil, err
			}
			c.keys = append(c.keys, canon)
		}
		if _, err := action.Parse(b.Action); err != nil || strings.TrimSpace(b.Action) == "" {
			return nil, schema.ConfigError("keymap", err, "binding %q has invalid action %q", b.Keys, b.Action)
		}
		km.bindings = append(km.bindings, b)
		km.compiled = append(km.compiled, c)
	}
	return km, nil
}

// Bindings returns the configured bindings in order.
func (k *Keymap) Bindings() []Binding {
	return append([]Binding(nil), k.bindings...)
}

// Resolver matches a stream of keys against a keymap.
type Resolver struct {
	keymap  *Keymap
	pending []Key
}

// NewResolver returns a resolver over km. A nil keymap binds nothing.
func NewResolver(km *Keymap) *Resolver {
	if km == nil {
		km = &Keymap{}
	}
	return &Resolver{keymap: km}
}

// Feed consumes one key. It returns the action text of a completed binding, or
// the raw bytes to pass through when the keys so far match no binding. Both are
// empty while a multi-key sequence is still possible.
func (r *Resolver) Feed(k Key) (string, []byte) {
	r.pending = append(r.pending, k)
	prefix := false
	for _, c := range r.keymap.compiled {
		switch match(c.keys, r.pending) {
		case matchFull:
			r.pending = nil
			return c.action, nil
		case matchPrefix:
			prefix = true
		}
	}
	if prefix {
		return "", nil
	}
	var raw []byte
	for _, p := range r.pending {
		raw = append(raw, p.Raw...)
	}
	r.pending = nil
	return "", raw
}

// Pending reports whether a partial sequence is buffered.
func (r *Resolver) Pending() bool {
	return len(r.pending) > 0
}

type matchResult int

const (
	matchNone matchResult = iota
	matchPrefix
	matchFull
)

func match(keys []string, seen []Key) matchResult {
	if len(seen) > len(keys) {
		return matchNone
	}
	for i, k := range seen {
		if keys[i] != k.Name {
			return matchNone
		}
	}
	if len(seen) == len(keys) {
		return matchFull
	}
	return matchPrefix
}
