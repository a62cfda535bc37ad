// Package task runs command sources (UI actions, macros, keymap actions, script
// lines) against one host session without blocking.
//
// The scheduler keeps a stack of FIFO queue levels. The front task of the top
// level is the active one. Macros invoked from a running task are queued ahead
// of it on the same level, so nesting is depth-first; kinds flagged FlagNewQueue
// get a level of their own. Every task's Done callback fires exactly once.
//
// A Scheduler is not safe for concurrent use; the event loop owns it.
package task

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"pkt.systems/blockterm/internal/action"
	"pkt.systems/blockterm/internal/logx"
	"pkt.systems/blockterm/schema"
	"pkt.systems/pslog"
)

const (
	maxLevels     = 32
	maxMacroDepth = 64
	// maxExpectBuffer bounds Task.Input; older output is dropped first.
	maxExpectBuffer = 64 * 1024
)

// Host is the host session as seen by actions.
type Host interface {
	State() schema.HostState
	HostName() string
	// Connect starts connecting to target and returns without waiting.
	Connect(target string) error
	Disconnect() error
	Send(p []byte) error
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger pslog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.log = logger
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithQuit sets the function the Quit action calls.
func WithQuit(quit func()) Option {
	return func(s *Scheduler) {
		s.quit = quit
	}
}

// WithFileReader replaces os.ReadFile for the Source action.
func WithFileReader(read func(string) ([]byte, error)) Option {
	return func(s *Scheduler) {
		if read != nil {
			s.readFile = read
		}
	}
}

// Scheduler owns the queue stack.
type Scheduler struct {
	registry *Registry
	macros   *Macros
	host     Host
	log      pslog.Logger
	now      func() time.Time
	quit     func()
	readFile func(string) ([]byte, error)

	levels    []*level
	redirect  *Task
	activated *Task
	outputSeq uint64
	nextID    uint64
}

// NewScheduler builds a scheduler dispatching through registry.
func NewScheduler(registry *Registry, macros *Macros, host Host, opts ...Option) *Scheduler {
	s := &Scheduler{
		registry: registry,
		macros:   macros,
		host:     host,
		log:      pslog.Ctx(context.Background()),
		now:      time.Now,
		readFile: os.ReadFile,
		levels:   []*level{{}},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Push queues text as a new task of kind. Kinds with FlagNewQueue go to the
// level owned by handle, creating it on first use; other kinds join the top level.
// Handles of FlagNewQueue kinds must be comparable.
func (s *Scheduler) Push(text string, kind schema.TaskKind, handle Handle) (*Task, error) {
	desc, ok := s.registry.Lookup(kind)
	if !ok {
		return nil, schema.ConfigError("task push", schema.ErrUnknownTaskKind, "task kind %q is not registered", kind)
	}
	t := s.newTask(text, kind, desc, handle)
	if desc.Flags&FlagNewQueue != 0 {
		lvl := s.ownedLevel(kind, handle)
		if lvl == nil {
			if len(s.levels) >= maxLevels {
				return nil, schema.TaskError("task push", nil, "more than %d nested queue levels", maxLevels)
			}
			lvl = &level{owned: true, kind: kind, owner: handle, desc: desc}
			s.levels = append(s.levels, lvl)
		}
		lvl.append(t)
	} else {
		s.top().append(t)
	}
	s.taskLog(t).Debug("task queued", "levels", len(s.levels))
	return t, nil
}

// Step advances the active task by at most one step and reports whether any
// task remains pending.
func (s *Scheduler) Step() bool {
	s.step()
	return s.Pending()
}

// RunTasks steps until no further progress is possible and reports whether any
// task remains pending.
func (s *Scheduler) RunTasks() bool {
	for s.step() {
	}
	return s.Pending()
}

// Pending reports whether any task is queued, running or waiting.
func (s *Scheduler) Pending() bool {
	for _, lvl := range s.levels {
		if len(lvl.tasks) > 0 || lvl.owned {
			return true
		}
	}
	return false
}

// Active returns the task at the front of the top level.
func (s *Scheduler) Active() *Task {
	return s.top().front()
}

// Depth returns the number of queue levels, including the base level.
func (s *Scheduler) Depth() int {
	return len(s.levels)
}

// Activate routes keyboard input to the task carrying handle. A nil handle
// clears the routing. It reports whether a task was found.
func (s *Scheduler) Activate(handle Handle) bool {
	if handle == nil {
		s.activated = nil
		return true
	}
	for i := len(s.levels) - 1; i >= 0; i-- {
		for _, t := range s.levels[i].tasks {
			if t.Handle == handle {
				s.activated = t
				return true
			}
		}
	}
	return false
}

// Keyboard delivers interactive input to the activated task, if any.
func (s *Scheduler) Keyboard(p []byte) bool {
	if s.activated == nil {
		return false
	}
	s.activated.data(append([]byte(nil), p...), true)
	return true
}

// BeginRedirect diverts host output to t. Only one redirect may be active.
func (s *Scheduler) BeginRedirect(t *Task) error {
	if t == nil || t.State == StateCompleted {
		return schema.TaskError("redirect", nil, "task is not running")
	}
	if s.redirect != nil && s.redirect != t {
		return schema.TaskError("redirect", schema.ErrRedirectActive, "redirect already active (task %d)", s.redirect.ID)
	}
	s.redirect = t
	s.taskLog(t).Debug("redirect begin")
	return nil
}

// EndRedirect stops the redirect held by t.
func (s *Scheduler) EndRedirect(t *Task) {
	if t != nil && s.redirect == t {
		s.redirect = nil
		s.taskLog(t).Debug("redirect end")
	}
}

// Redirecting returns the task receiving host output, or nil.
func (s *Scheduler) Redirecting() *Task {
	return s.redirect
}

// HostOutput offers host output to the scheduler. It returns true when a
// redirect captured it; otherwise the caller hands it to the renderer.
func (s *Scheduler) HostOutput(p []byte) bool {
	s.outputSeq++
	for _, lvl := range s.levels {
		if t := lvl.front(); t != nil && t.State == StateWaiting && t.wait.kind == waitExpect {
			t.Input = append(t.Input, p...)
			if over := len(t.Input) - maxExpectBuffer; over > 0 {
				t.Input = append([]byte(nil), t.Input[over:]...)
			}
		}
	}
	if s.redirect == nil {
		return false
	}
	s.redirect.data(append([]byte(nil), p...), true)
	return true
}

// NextDeadline returns the timer of the active task, if it has one.
func (s *Scheduler) NextDeadline() (time.Time, bool) {
	t := s.Active()
	if t == nil || t.State != StateWaiting || t.wait.deadline.IsZero() {
		return time.Time{}, false
	}
	return t.wait.deadline, true
}

// AbortCurrent fails the active task and unwinds outward, innermost first, until
// a FlagUI task has been aborted or the stack is empty. Queue levels emptied on
// the way are popped and their owners notified through Closed.
func (s *Scheduler) AbortCurrent() {
	s.log.Info("task abort")
	for {
		lvl := s.top()
		t := lvl.front()
		if t == nil {
			if !lvl.owned {
				return
			}
			s.popLevel(true)
			continue
		}
		s.complete(t, false, true)
		if t.desc.Flags&FlagUI != 0 {
			return
		}
	}
}

// Disconnected handles a connection loss the host did not ask for. When the
// active task waits for the disconnect it resumes, and tasks on lower levels
// that wait on the host are aborted, innermost level first. Otherwise the whole
// stack is torn down.
func (s *Scheduler) Disconnected(err error) {
	if t := s.Active(); t != nil && t.State == StateWaiting && t.wait.kind == waitDisconnect {
		for i := len(s.levels) - 2; i >= 0; i-- {
			if w := s.levels[i].front(); w != nil && w.State == StateWaiting && w.wait.kind.needsHost() {
				s.taskLog(w).Warn("task host wait aborted", "err", err)
				s.abortOutward(w)
			}
		}
		return
	}
	s.log.Warn("task stack teardown", "err", err)
	for {
		lvl := s.top()
		t := lvl.front()
		if t == nil {
			if !lvl.owned {
				return
			}
			s.popLevel(true)
			continue
		}
		s.complete(t, false, true)
	}
}

// abortOutward aborts t and the tasks enclosing it, innermost first, stopping
// after a FlagUI task.
func (s *Scheduler) abortOutward(t *Task) {
	for ; t != nil; t = t.Parent {
		s.complete(t, false, true)
		if t.desc.Flags&FlagUI != 0 {
			return
		}
	}
}

// ConnectFailed fails the tasks waiting for a connection attempt that failed.
func (s *Scheduler) ConnectFailed(err error) {
	for _, lvl := range append([]*level(nil), s.levels...) {
		t := lvl.front()
		if t == nil || t.State != StateWaiting {
			continue
		}
		if t.wait.kind == waitConnected || t.wait.kind == waitMode {
			s.fail(t, fmt.Errorf("connect failed: %w", err))
		}
	}
}

func (s *Scheduler) step() bool {
	lvl := s.top()
	t := lvl.front()
	if t == nil {
		if lvl.owned {
			s.popLevel(false)
			return true
		}
		return false
	}
	switch t.State {
	case StateQueued:
		return s.start(t)
	case StateWaiting:
		return s.checkWait(t)
	case StateRunning:
		return s.runAction(t)
	default:
		lvl.remove(t)
		return true
	}
}

func (s *Scheduler) start(t *Task) bool {
	if t.desc.Flags&FlagNeedsStart != 0 && !t.desc.Callbacks.Start(t.Handle) {
		return false
	}
	calls, err := action.Parse(t.Text)
	if err != nil {
		s.fail(t, err)
		return true
	}
	for _, call := range calls {
		if _, ok := builtins[call.Key()]; !ok {
			s.fail(t, schema.TaskError("task start", schema.ErrUnknownAction, "unknown action %q", call.Name))
			return true
		}
	}
	t.calls = calls
	t.State = StateRunning
	s.taskLog(t).Debug("task start", "actions", len(calls))
	return true
}

func (s *Scheduler) runAction(t *Task) bool {
	if t.cursor >= len(t.calls) {
		s.complete(t, true, false)
		return true
	}
	call := t.calls[t.cursor]
	t.cursor++
	s.taskLog(t).Trace("task action", "action", call.String())
	if err := builtins[call.Key()](s, t, call.Args); err != nil && t.State != StateCompleted {
		s.fail(t, err)
	}
	return true
}

func (s *Scheduler) checkWait(t *Task) bool {
	now := s.now()
	w := t.wait
	var satisfied bool
	switch w.kind {
	case waitConnected:
		satisfied = s.host.State().Connected()
	case waitMode:
		satisfied = s.host.State() == schema.HostProtocolMode
	case waitOutput:
		satisfied = s.outputSeq > w.seq
	case waitDisconnect:
		satisfied = s.host.State() == schema.HostNotConnected
	case waitExpect:
		satisfied = bytes.Contains(t.Input, []byte(w.text))
	case waitSeconds:
		satisfied = !now.Before(w.deadline)
	default:
		satisfied = true
	}
	if satisfied {
		t.wait = wait{}
		t.Input = nil
		t.State = StateRunning
		return true
	}
	if !w.deadline.IsZero() && !now.Before(w.deadline) {
		s.fail(t, schema.TaskError("wait", schema.ErrTimeout, "wait for %s timed out after %s", w.kind, w.timeout))
		return true
	}
	return false
}

func (s *Scheduler) suspend(t *Task, w wait) {
	if w.timeout > 0 {
		w.deadline = s.now().Add(w.timeout)
	}
	w.seq = s.outputSeq
	t.wait = w
	t.Input = nil
	t.State = StateWaiting
}

// pushChild queues a nested task ahead of parent on parent's level.
func (s *Scheduler) pushChild(parent *Task, text string, kind schema.TaskKind) (*Task, error) {
	desc, ok := s.registry.Lookup(kind)
	if !ok {
		return nil, schema.ConfigError("task push", schema.ErrUnknownTaskKind, "task kind %q is not registered", kind)
	}
	child := s.newTask(text, kind, desc, parent)
	child.Parent = parent
	child.depth = parent.depth + 1
	parent.level.insertBefore(parent, child)
	s.taskLog(child).Debug("task nested", "parent", parent.ID)
	return child, nil
}

func (s *Scheduler) fail(t *Task, err error) {
	s.taskLog(t).Warn("task failed", "err", err)
	t.data([]byte(err.Error()), false)
	s.complete(t, false, false)
}

func (s *Scheduler) complete(t *Task, success, abort bool) {
	if t.State == StateCompleted {
		return
	}
	t.level.remove(t)
	t.State = StateCompleted
	if s.redirect == t {
		s.redirect = nil
	}
	if s.activated == t {
		s.activated = nil
	}
	s.taskLog(t).Debug("task done", "success", success, "abort", abort)
	t.desc.Callbacks.Done(t.Handle, success, abort)
}

func (s *Scheduler) popLevel(closed bool) {
	if len(s.levels) == 1 {
		return
	}
	lvl := s.levels[len(s.levels)-1]
	s.levels = s.levels[:len(s.levels)-1]
	s.log.Debug("task level pop", "kind", lvl.kind, "closed", closed)
	if closed {
		lvl.desc.Callbacks.Closed(lvl.owner)
	}
}

func (s *Scheduler) top() *level {
	return s.levels[len(s.levels)-1]
}

func (s *Scheduler) ownedLevel(kind schema.TaskKind, handle Handle) *level {
	for _, lvl := range s.levels {
		if lvl.owned && lvl.kind == kind && lvl.owner == handle {
			return lvl
		}
	}
	return nil
}

func (s *Scheduler) newTask(text string, kind schema.TaskKind, desc Descriptor, handle Handle) *Task {
	s.nextID++
	return &Task{ID: s.nextID, Kind: kind, State: StateQueued, Handle: handle, Text: text, desc: desc}
}

func (s *Scheduler) taskLog(t *Task) pslog.Logger {
	return logx.WithTask(s.log, t.ID, t.Kind)
}
