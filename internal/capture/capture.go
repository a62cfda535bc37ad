// Package capture records host output to a writer. A capture task holds the
// output redirect from the moment the host enters protocol mode until it
// disconnects.
package capture

import (
	"context"
	"io"

	"pkt.systems/blockterm/internal/task"
	"pkt.systems/blockterm/schema"
	"pkt.systems/pslog"
)

// Kind is the task kind of capture tasks.
const Kind schema.TaskKind = "capture"

// Text is the action text a capture task runs.
const Text = "Redirect() Wait(Disconnect) EndRedirect()"

// Status is the host state the capture waits for.
type Status interface {
	State() schema.HostState
}

// Pusher queues tasks.
type Pusher interface {
	Push(text string, kind schema.TaskKind, handle task.Handle) (*task.Task, error)
}

// Capture is one capture target.
type Capture struct {
	w      io.Writer
	status Status
	log    pslog.Logger
	done   func(bytes int64, success bool)

	bytes   int64
	started bool
	werr    error
}

// New returns a capture writing to w once status reports protocol mode. done,
// if set, runs when the capture task completes.
func New(w io.Writer, status Status, logger pslog.Logger, done func(bytes int64, success bool)) *Capture {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Capture{w: w, status: status, log: logger.With("capture", true), done: done}
}

// Register adds the capture kind to r.
func Register(r *task.Registry) error {
	return r.Register(Kind, task.Descriptor{
		Name:      "capture",
		Origin:    schema.OriginInternal,
		Flags:     task.FlagNeedsStart,
		Callbacks: callbacks{},
	})
}

// Push queues the capture task.
func (c *Capture) Push(p Pusher) error {
	_, err := p.Push(Text, Kind, c)
	return err
}

// Started reports whether recording has begun.
func (c *Capture) Started() bool { return c.started }

// Bytes returns the number of bytes captured so far.
func (c *Capture) Bytes() int64 { return c.bytes }

func (c *Capture) write(p []byte) {
	if c.werr != nil {
		return
	}
	n, err := c.w.Write(p)
	c.bytes += int64(n)
	if err != nil {
		c.werr = err
		c.log.Warn("capture write failed", "err", err)
	}
}

type callbacks struct{}

func captureOf(h task.Handle) *Capture {
	c, _ := h.(*Capture)
	return c
}

func (callbacks) Start(h task.Handle) bool {
	c := captureOf(h)
	if c == nil {
		return true
	}
	if c.status.State() != schema.HostProtocolMode {
		return false
	}
	if !c.started {
		c.started = true
		c.log.Info("capture start")
	}
	return true
}

func (callbacks) Data(h task.Handle, p []byte, ok bool) {
	c := captureOf(h)
	if c == nil {
		return
	}
	if !ok {
		c.log.Warn("capture failed", "err", string(p))
		return
	}
	c.write(p)
}

func (callbacks) Done(h task.Handle, success, abort bool) {
	c := captureOf(h)
	if c == nil {
		return
	}
	success = success && c.werr == nil
	c.log.Info("capture done", "bytes", c.bytes, "success", success, "abort", abort)
	if c.done != nil {
		c.done(c.bytes, success)
	}
}

func (callbacks) Closed(task.Handle) {}
