package task

import "pkt.systems/blockterm/schema"

// RegisterBuiltins registers the kinds the scheduler creates itself: nested
// macros and the lines of a sourced file. Both pass their output to the task
// that invoked them.
func RegisterBuiltins(r *Registry) error {
	if err := r.Register(KindMacro, Descriptor{
		Name:      "macro",
		Origin:    schema.OriginMacro,
		Callbacks: forwardCallbacks{},
	}); err != nil {
		return err
	}
	return r.Register(KindSource, Descriptor{
		Name:      "source",
		Origin:    schema.OriginScript,
		Flags:     FlagNewQueue,
		Callbacks: forwardCallbacks{},
	})
}

// forwardCallbacks relays data to the invoking task. The handle is the parent
// *Task for macros and a *sourceHandle for sourced lines.
type forwardCallbacks struct{}

func invoker(handle Handle) *Task {
	switch h := handle.(type) {
	case *Task:
		return h
	case *sourceHandle:
		return h.parent
	default:
		return nil
	}
}

func (forwardCallbacks) Data(handle Handle, p []byte, ok bool) {
	if parent := invoker(handle); parent != nil && parent.State != StateCompleted {
		parent.data(p, ok)
	}
}

func (forwardCallbacks) Done(Handle, bool, bool) {}

func (forwardCallbacks) Start(Handle) bool { return true }

func (forwardCallbacks) Closed(Handle) {}
