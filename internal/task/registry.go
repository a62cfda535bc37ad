package task

import (
	"sort"

	"pkt.systems/blockterm/schema"
)

// Flags select scheduler behavior for a task kind.
type Flags uint8

const (
	// FlagUI marks kinds issued from a user interface; an abort unwinds no
	// further than the first such task.
	FlagUI Flags = 1 << iota
	// FlagNeedsStart makes the scheduler call Start before running the task and
	// retry on later steps until Start reports ready.
	FlagNeedsStart
	// FlagNewQueue runs tasks of the kind on their own queue level, shared by all
	// tasks pushed with the same handle while the level exists.
	FlagNewQueue
)

// Handle is the opaque value a task kind uses to identify its own command source.
type Handle any

// Callbacks are the operations a task kind supplies to the scheduler.
type Callbacks interface {
	// Data receives action output, error text, redirected host output and
	// activated keyboard input. ok is false for error text.
	Data(handle Handle, p []byte, ok bool)
	// Done is called exactly once per task.
	Done(handle Handle, success, abort bool)
	// Start reports whether the task may begin. Only called for FlagNeedsStart.
	Start(handle Handle) bool
	// Closed is called when a queue level owned by handle is torn down by an
	// abort or a disconnect.
	Closed(handle Handle)
}

// CallbackFuncs adapts plain functions to Callbacks. Nil fields are no-ops and a
// nil OnStart is always ready.
type CallbackFuncs struct {
	OnData   func(handle Handle, p []byte, ok bool)
	OnDone   func(handle Handle, success, abort bool)
	OnStart  func(handle Handle) bool
	OnClosed func(handle Handle)
}

func (f CallbackFuncs) Data(handle Handle, p []byte, ok bool) {
	if f.OnData != nil {
		f.OnData(handle, p, ok)
	}
}

func (f CallbackFuncs) Done(handle Handle, success, abort bool) {
	if f.OnDone != nil {
		f.OnDone(handle, success, abort)
	}
}

func (f CallbackFuncs) Start(handle Handle) bool {
	if f.OnStart != nil {
		return f.OnStart(handle)
	}
	return true
}

func (f CallbackFuncs) Closed(handle Handle) {
	if f.OnClosed != nil {
		f.OnClosed(handle)
	}
}

// Descriptor describes a task kind.
type Descriptor struct {
	Name      string
	Origin    schema.Origin
	Flags     Flags
	Callbacks Callbacks
}

// Registry maps task kinds to descriptors. It is filled during startup and
// frozen before the first task runs.
type Registry struct {
	entries map[schema.TaskKind]Descriptor
	frozen  bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[schema.TaskKind]Descriptor)}
}

// Register adds a task kind.
func (r *Registry) Register(kind schema.TaskKind, desc Descriptor) error {
	const op = "task register"
	if r.frozen {
		return schema.ConfigError(op, schema.ErrRegistryFrozen, "cannot register %q after startup", kind)
	}
	if kind == "" {
		return schema.ConfigError(op, nil, "task kind is required")
	}
	if desc.Callbacks == nil {
		return schema.ConfigError(op, nil, "task kind %q has no callbacks", kind)
	}
	if _, exists := r.entries[kind]; exists {
		return schema.ConfigError(op, schema.ErrDuplicateTaskKind, "task kind %q already registered", kind)
	}
	if desc.Name == "" {
		desc.Name = string(kind)
	}
	r.entries[kind] = desc
	return nil
}

// Freeze rejects further registrations.
func (r *Registry) Freeze() {
	r.frozen = true
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	return r.frozen
}

// Lookup returns the descriptor of kind.
func (r *Registry) Lookup(kind schema.TaskKind) (Descriptor, bool) {
	desc, ok := r.entries[kind]
	return desc, ok
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []schema.TaskKind {
	kinds := make([]schema.TaskKind, 0, len(r.entries))
	for kind := range r.entries {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
