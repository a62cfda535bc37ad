package task

import (
	"fmt"
	"time"

	"pkt.systems/blockterm/internal/action"
	"pkt.systems/blockterm/schema"
)

// Kinds registered by RegisterBuiltins.
const (
	KindMacro  schema.TaskKind = "macro"
	KindSource schema.TaskKind = "source"
)

// State is the lifecycle state of a task.
type State int

const (
	StateQueued State = iota
	StateRunning
	// StateWaiting means suspended until the host session or a timer moves on.
	StateWaiting
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateWaiting:
		return "waiting"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Task is one command source on the scheduler's queue stack.
type Task struct {
	ID     uint64
	Kind   schema.TaskKind
	State  State
	Parent *Task
	Handle Handle
	Text   string
	// Input holds host output seen while the task waits for an expected string.
	Input []byte

	desc   Descriptor
	level  *level
	calls  []action.Call
	cursor int
	wait   wait
	depth  int
}

// Descriptor returns the descriptor the task was created with.
func (t *Task) Descriptor() Descriptor {
	return t.desc
}

func (t *Task) data(p []byte, ok bool) {
	t.desc.Callbacks.Data(t.Handle, p, ok)
}

type waitKind int

const (
	waitNone waitKind = iota
	waitConnected
	waitMode
	waitOutput
	waitDisconnect
	waitSeconds
	waitExpect
)

func (k waitKind) String() string {
	switch k {
	case waitConnected:
		return "connected"
	case waitMode:
		return "mode"
	case waitOutput:
		return "output"
	case waitDisconnect:
		return "disconnect"
	case waitSeconds:
		return "seconds"
	case waitExpect:
		return "expect"
	default:
		return "none"
	}
}

// needsHost reports whether only a live host can satisfy the wait.
func (k waitKind) needsHost() bool {
	switch k {
	case waitConnected, waitMode, waitOutput, waitExpect:
		return true
	}
	return false
}

type wait struct {
	kind     waitKind
	deadline time.Time
	timeout  time.Duration
	seq      uint64
	text     string
}

// level is one FIFO on the queue stack. Owned levels belong to the handle of a
// FlagNewQueue kind; the base level has no owner.
type level struct {
	tasks []*Task
	owned bool
	kind  schema.TaskKind
	owner Handle
	desc  Descriptor
}

func (l *level) append(t *Task) {
	t.level = l
	l.tasks = append(l.tasks, t)
}

// insertBefore queues t immediately ahead of next.
func (l *level) insertBefore(next, t *Task) {
	t.level = l
	for i, queued := range l.tasks {
		if queued == next {
			l.tasks = append(l.tasks[:i], append([]*Task{t}, l.tasks[i:]...)...)
			return
		}
	}
	l.tasks = append([]*Task{t}, l.tasks...)
}

func (l *level) remove(t *Task) {
	for i, queued := range l.tasks {
		if queued == t {
			l.tasks = append(l.tasks[:i], l.tasks[i+1:]...)
			return
		}
	}
}

func (l *level) front() *Task {
	if len(l.tasks) == 0 {
		return nil
	}
	return l.tasks[0]
}
