// Package peer implements the line-oriented scripting interface of the headless
// client. Each input line is one command; the reply is zero or more "data:"
// lines, a status line and "ok" or "error".
package peer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"pkt.systems/blockterm/internal/task"
	"pkt.systems/blockterm/schema"
	"pkt.systems/pslog"
)

// Kind is the task kind of peer commands.
const Kind schema.TaskKind = "peer"

const maxLine = 64 * 1024

// Status is the host session as reported in status lines.
type Status interface {
	State() schema.HostState
	HostName() string
}

// Pusher queues tasks.
type Pusher interface {
	Push(text string, kind schema.TaskKind, handle task.Handle) (*task.Task, error)
}

// Option customizes a Peer.
type Option func(*Peer)

// WithLogger sets the peer logger.
func WithLogger(logger pslog.Logger) Option {
	return func(p *Peer) {
		if logger != nil {
			p.log = logger
		}
	}
}

// WithClock replaces time.Now for elapsed times.
func WithClock(now func() time.Time) Option {
	return func(p *Peer) {
		if now != nil {
			p.now = now
		}
	}
}

// WithTrace logs every command at info level instead of debug.
func WithTrace(trace bool) Option {
	return func(p *Peer) {
		p.trace = trace
	}
}

// Peer is one scripting connection. Its commands share a queue level of their
// own and run one after another.
type Peer struct {
	out    *bufio.Writer
	status Status
	push   Pusher
	log    pslog.Logger
	now    func() time.Time
	trace  bool

	partial     []byte
	outstanding int
	began       time.Time
}

// New returns a peer that writes replies to w.
func New(w io.Writer, status Status, push Pusher, opts ...Option) *Peer {
	p := &Peer{
		out:    bufio.NewWriter(w),
		status: status,
		push:   push,
		log:    pslog.Ctx(context.Background()),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds the peer kind to r.
func Register(r *task.Registry) error {
	return r.Register(Kind, task.Descriptor{
		Name:      "peer",
		Origin:    schema.OriginScript,
		Flags:     task.FlagNewQueue | task.FlagNeedsStart,
		Callbacks: callbacks{},
	})
}

// Feed accepts raw input and runs every complete line.
func (p *Peer) Feed(b []byte) {
	p.partial = append(p.partial, b...)
	for {
		i := bytes.IndexByte(p.partial, '\n')
		if i < 0 {
			break
		}
		line := string(p.partial[:i])
		p.partial = p.partial[i+1:]
		p.Line(line)
	}
	if len(p.partial) > maxLine {
		p.log.Warn("peer line too long", "bytes", len(p.partial))
		p.partial = nil
		p.reply(false, time.Time{}, "line too long")
	}
	if len(p.partial) == 0 {
		p.partial = nil
	}
}

// Close runs a last line that ended without a newline.
func (p *Peer) Close() {
	if len(p.partial) == 0 {
		return
	}
	line := string(p.partial)
	p.partial = nil
	p.Line(line)
}

// Line runs one command. An empty line only reports status.
func (p *Peer) Line(line string) {
	line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
	if line == "" {
		p.reply(true, time.Time{})
		return
	}
	if p.trace {
		p.log.Info("peer command", "command", line)
	} else {
		p.log.Debug("peer command", "command", line)
	}
	if _, err := p.push.Push(line, Kind, p); err != nil {
		p.reply(false, time.Time{}, err.Error())
		return
	}
	p.outstanding++
}

// Idle reports whether every command has been answered.
func (p *Peer) Idle() bool {
	return p.outstanding == 0
}

// StatusLine renders the connection, the mode and the elapsed time of the last
// command.
func (p *Peer) StatusLine(began time.Time) string {
	state := p.status.State()
	conn := "N"
	if state.Connected() {
		conn = "C(" + p.status.HostName() + ")"
	}
	elapsed := "-"
	if !began.IsZero() {
		d := p.now().Sub(began)
		elapsed = fmt.Sprintf("%d.%03d", d/time.Second, (d%time.Second)/time.Millisecond)
	}
	return conn + " " + modeLetter(state) + " " + elapsed
}

func modeLetter(state schema.HostState) string {
	switch state {
	case schema.HostProtocolMode:
		return "I"
	case schema.HostNotConnected:
		return "N"
	default:
		return "P"
	}
}

func (p *Peer) data(b []byte) {
	text := strings.TrimRight(string(b), "\r\n")
	for _, line := range strings.Split(text, "\n") {
		fmt.Fprintf(p.out, "data: %s\n", strings.TrimSuffix(line, "\r"))
	}
	p.flush()
}

func (p *Peer) reply(ok bool, began time.Time, data ...string) {
	for _, d := range data {
		p.data([]byte(d))
	}
	fmt.Fprintln(p.out, p.StatusLine(began))
	if ok {
		fmt.Fprintln(p.out, "ok")
	} else {
		fmt.Fprintln(p.out, "error")
	}
	p.flush()
}

func (p *Peer) flush() {
	if err := p.out.Flush(); err != nil {
		p.log.Warn("peer write failed", "err", err)
	}
}

type callbacks struct{}

func peerOf(h task.Handle) *Peer {
	p, _ := h.(*Peer)
	return p
}

func (callbacks) Start(h task.Handle) bool {
	if p := peerOf(h); p != nil {
		p.began = p.now()
	}
	return true
}

func (callbacks) Data(h task.Handle, b []byte, _ bool) {
	if p := peerOf(h); p != nil {
		p.data(b)
	}
}

func (callbacks) Done(h task.Handle, success, abort bool) {
	p := peerOf(h)
	if p == nil {
		return
	}
	if p.outstanding > 0 {
		p.outstanding--
	}
	if abort {
		p.log.Debug("peer command aborted")
	}
	p.reply(success, p.began)
	p.began = time.Time{}
}

func (callbacks) Closed(h task.Handle) {
	if p := peerOf(h); p != nil {
		p.log.Debug("peer queue closed")
	}
}
