package peer

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"pkt.systems/blockterm/internal/task"
	"pkt.systems/blockterm/schema"
)

type fakeHost struct {
	state schema.HostState
	name  string
}

func (h *fakeHost) State() schema.HostState { return h.state }
func (h *fakeHost) HostName() string        { return h.name }
func (h *fakeHost) Connect(string) error    { return nil }
func (h *fakeHost) Disconnect() error       { return nil }
func (h *fakeHost) Send([]byte) error       { return nil }

type harness struct {
	host  *fakeHost
	sched *task.Scheduler
	peer  *Peer
	out   *strings.Builder
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{host: &fakeHost{}, out: &strings.Builder{}, now: time.Unix(1700000000, 0)}
	reg := task.NewRegistry()
	if err := task.RegisterBuiltins(reg); err != nil {
		t.Fatalf("builtins: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.Freeze()
	macros, err := task.NewMacros()
	if err != nil {
		t.Fatalf("macros: %v", err)
	}
	clock := func() time.Time { return h.now }
	h.sched = task.NewScheduler(reg, macros, h.host, task.WithClock(clock))
	h.peer = New(h.out, h.host, h.sched, WithClock(clock))
	return h
}

func (h *harness) lines() []string {
	return strings.Split(strings.TrimSuffix(h.out.String(), "\n"), "\n")
}

func TestCommandsReplyInOrder(t *testing.T) {
	h := newHarness(t)
	h.peer.Feed([]byte("Info(\"hello world\")\nQuery(Connected)\n"))
	if h.peer.Idle() {
		t.Fatalf("expected outstanding commands")
	}
	h.sched.RunTasks()
	want := []string{
		"data: hello world", "N N 0.000", "ok",
		"data: false", "N N 0.000", "ok",
	}
	if diff := cmp.Diff(want, h.lines()); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
	if !h.peer.Idle() {
		t.Fatalf("expected all commands answered")
	}
}

func TestFailedCommandRepliesError(t *testing.T) {
	h := newHarness(t)
	h.peer.Line("Bogus()")
	h.sched.RunTasks()
	want := []string{`data: task start: unknown action "Bogus"`, "N N 0.000", "error"}
	if diff := cmp.Diff(want, h.lines()); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestEmptyLineReportsStatus(t *testing.T) {
	h := newHarness(t)
	h.host.state = schema.HostProtocolMode
	h.host.name = "mvs.example"
	h.peer.Line("  ")
	h.host.state = schema.HostNegotiating
	h.peer.Line("")
	want := []string{"C(mvs.example) I -", "ok", "N P -", "ok"}
	if diff := cmp.Diff(want, h.lines()); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestElapsedAndPartialLines(t *testing.T) {
	h := newHarness(t)
	h.peer.Feed([]byte("Wait(1.5, "))
	h.sched.RunTasks()
	if h.out.Len() != 0 || !h.peer.Idle() {
		t.Fatalf("partial line must not run")
	}
	h.peer.Feed([]byte("Seconds)\r\n"))
	h.sched.RunTasks()
	if h.out.Len() != 0 {
		t.Fatalf("expected command to wait, got %q", h.out.String())
	}
	h.now = h.now.Add(1500 * time.Millisecond)
	h.sched.RunTasks()
	if diff := cmp.Diff([]string{"N N 1.500", "ok"}, h.lines()); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestAbortAnswersQueuedCommands(t *testing.T) {
	h := newHarness(t)
	h.peer.Feed([]byte("Wait(10, Seconds)\nInfo(never)\n"))
	h.sched.RunTasks()
	h.sched.Disconnected(nil)
	want := []string{"N N 0.000", "error", "N N -", "error"}
	if diff := cmp.Diff(want, h.lines()); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
	if !h.peer.Idle() || h.sched.Pending() {
		t.Fatalf("expected everything answered and the peer level gone")
	}
}

func TestCloseRunsUnterminatedLine(t *testing.T) {
	h := newHarness(t)
	h.peer.Feed([]byte("Info(last)"))
	if !h.peer.Idle() {
		t.Fatalf("partial line must wait for a newline")
	}
	h.peer.Close()
	h.sched.RunTasks()
	want := []string{"data: last", "N N 0.000", "ok"}
	if diff := cmp.Diff(want, h.lines()); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
	h.peer.Close()
	if !h.peer.Idle() {
		t.Fatalf("second close must not run anything")
	}
}
