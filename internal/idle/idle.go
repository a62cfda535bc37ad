// Package idle runs a configured command after the keyboard has been quiet for
// a while on a connected host.
package idle

import (
	"context"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"pkt.systems/blockterm/internal/loop"
	"pkt.systems/blockterm/internal/task"
	"pkt.systems/blockterm/schema"
	"pkt.systems/pslog"
)

// Kind is the task kind of idle commands.
const Kind schema.TaskKind = "idle"

// DefaultTimeout applies when no timeout is configured.
const DefaultTimeout = "~7m"

// Config is the idle section of the configuration.
type Config struct {
	Command string `mapstructure:"command" yaml:"command"`
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Timeout string `mapstructure:"timeout" yaml:"timeout"`
}

// ParseTimeout parses [~]N[h|m|s]. A bare number is minutes. A leading ~ asks
// for up to 10% of random extra delay.
func ParseTimeout(text string) (time.Duration, bool, error) {
	const op = "idle timeout"
	value := strings.TrimSpace(text)
	fuzz := strings.HasPrefix(value, "~")
	value = strings.TrimPrefix(value, "~")
	unit := time.Minute
	if n := len(value); n > 0 {
		switch value[n-1] {
		case 'h', 'H':
			unit, value = time.Hour, value[:n-1]
		case 'm', 'M':
			unit, value = time.Minute, value[:n-1]
		case 's', 'S':
			unit, value = time.Second, value[:n-1]
		}
	}
	n, err := strconv.ParseUint(value, 10, 32)
	if err != nil || n == 0 {
		return 0, false, schema.ConfigError(op, nil, "invalid idle timeout %q", text)
	}
	return time.Duration(n) * unit, fuzz, nil
}

// Timers schedules callbacks on the event loop.
type Timers interface {
	AfterFunc(d time.Duration, fn func()) *loop.Timer
}

// Pusher queues tasks.
type Pusher interface {
	Push(text string, kind schema.TaskKind, handle task.Handle) (*task.Task, error)
}

// Option customizes a Timer.
type Option func(*Timer)

// WithLogger sets the idle timer logger.
func WithLogger(logger pslog.Logger) Option {
	return func(t *Timer) {
		if logger != nil {
			t.log = logger
		}
	}
}

// WithJitter replaces the random source for the ~ fuzz. jitter returns a value
// in [0, n).
func WithJitter(jitter func(n int64) int64) Option {
	return func(t *Timer) {
		if jitter != nil {
			t.jitter = jitter
		}
	}
}

// Timer arms while the host is in protocol mode and pushes the idle command
// when no keyboard activity resets it in time. Only one idle task runs at once.
type Timer struct {
	command string
	timeout time.Duration
	fuzz    bool
	timers  Timers
	push    Pusher
	jitter  func(n int64) int64
	log     pslog.Logger

	pending *loop.Timer
	armed   bool
	running bool
}

// New returns a Timer, or nil when the idle command is disabled.
func New(cfg Config, timers Timers, push Pusher, opts ...Option) (*Timer, error) {
	if !cfg.Enabled || strings.TrimSpace(cfg.Command) == "" {
		return nil, nil
	}
	text := cfg.Timeout
	if strings.TrimSpace(text) == "" {
		text = DefaultTimeout
	}
	timeout, fuzz, err := ParseTimeout(text)
	if err != nil {
		return nil, err
	}
	t := &Timer{
		command: cfg.Command,
		timeout: timeout,
		fuzz:    fuzz,
		timers:  timers,
		push:    push,
		jitter:  rand.Int64N,
		log:     pslog.Ctx(context.Background()),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Register adds the idle kind to r. A nil timer registers nothing.
func Register(r *task.Registry, t *Timer) error {
	if t == nil {
		return nil
	}
	return r.Register(Kind, task.Descriptor{
		Name:   "idle command",
		Origin: schema.OriginIdle,
		Callbacks: task.CallbackFuncs{
			OnData: func(_ task.Handle, p []byte, ok bool) {
				t.log.Debug("idle output", "ok", ok, "text", string(p))
			},
			OnDone: func(_ task.Handle, success, abort bool) {
				t.running = false
				t.log.Debug("idle command done", "success", success, "abort", abort)
				t.reset()
			},
		},
	})
}

// HostState is a host state listener: the timer arms in protocol mode and
// disarms when the host disconnects.
func (t *Timer) HostState(_, next schema.HostState) {
	switch {
	case next == schema.HostProtocolMode:
		t.armed = true
		t.reset()
	case !next.Connected():
		t.armed = false
		t.cancel()
	}
}

// Activity restarts the countdown after keyboard input.
func (t *Timer) Activity() {
	if t != nil && t.armed {
		t.reset()
	}
}

// Delay returns the delay of the next countdown.
func (t *Timer) Delay() time.Duration {
	d := t.timeout
	if tenth := int64(d / 10); t.fuzz && tenth > 0 {
		d += time.Duration(t.jitter(tenth))
	}
	return d
}

func (t *Timer) reset() {
	t.cancel()
	if !t.armed || t.running {
		return
	}
	t.pending = t.timers.AfterFunc(t.Delay(), t.fire)
}

func (t *Timer) cancel() {
	if t.pending != nil {
		t.pending.Cancel()
		t.pending = nil
	}
}

func (t *Timer) fire() {
	t.pending = nil
	if !t.armed || t.running {
		return
	}
	t.log.Info("idle command", "command", t.command)
	if _, err := t.push.Push(t.command, Kind, t); err != nil {
		t.log.Warn("idle command push failed", "err", err)
		t.reset()
		return
	}
	t.running = true
}
