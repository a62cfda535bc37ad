package task

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"pkt.systems/blockterm/schema"
)

const defaultExpectTimeout = 30 * time.Second

type actionFunc func(s *Scheduler, t *Task, args []string) error

var builtins map[string]actionFunc

func init() {
	builtins = map[string]actionFunc{
		"string":      (*Scheduler).actionString,
		"hexstring":   (*Scheduler).actionHexString,
		"enter":       (*Scheduler).actionEnter,
		"connect":     (*Scheduler).actionConnect,
		"disconnect":  (*Scheduler).actionDisconnect,
		"wait":        (*Scheduler).actionWait,
		"expect":      (*Scheduler).actionExpect,
		"macro":       (*Scheduler).actionMacro,
		"source":      (*Scheduler).actionSource,
		"redirect":    (*Scheduler).actionRedirect,
		"endredirect": (*Scheduler).actionEndRedirect,
		"info":        (*Scheduler).actionInfo,
		"query":       (*Scheduler).actionQuery,
		"abort":       (*Scheduler).actionAbort,
		"quit":        (*Scheduler).actionQuit,
	}
}

// Actions lists the built-in action names.
func Actions() []string {
	return []string{
		"String", "HexString", "Enter", "Connect", "Disconnect", "Wait", "Expect",
		"Macro", "Source", "Redirect", "EndRedirect", "Info", "Query", "Abort", "Quit",
	}
}

func usage(name, form string) error {
	return schema.TaskError(strings.ToLower(name), schema.ErrActionSyntax, "usage: %s", form)
}

func (s *Scheduler) requireConnected(op string) error {
	if !s.host.State().Connected() {
		return schema.TaskError(op, schema.ErrNotConnected, "not connected")
	}
	return nil
}

func (s *Scheduler) send(op string, p []byte) error {
	if err := s.requireConnected(op); err != nil {
		return err
	}
	if err := s.host.Send(p); err != nil {
		return schema.TaskError(op, err, "send: %v", err)
	}
	return nil
}

func (s *Scheduler) actionString(_ *Task, args []string) error {
	if len(args) == 0 {
		return usage("String", "String(text...)")
	}
	return s.send("string", []byte(strings.Join(args, "")))
}

func (s *Scheduler) actionHexString(_ *Task, args []string) error {
	if len(args) == 0 {
		return usage("HexString", "HexString(hex...)")
	}
	text := strings.Join(args, "")
	text = strings.TrimPrefix(strings.TrimPrefix(text, "0x"), "0X")
	text = strings.Join(strings.Fields(text), "")
	p, err := hex.DecodeString(text)
	if err != nil {
		return schema.TaskError("hexstring", schema.ErrActionSyntax, "invalid hex %q", text)
	}
	return s.send("hexstring", p)
}

func (s *Scheduler) actionEnter(_ *Task, args []string) error {
	if len(args) != 0 {
		return usage("Enter", "Enter()")
	}
	return s.send("enter", []byte("\r\n"))
}

func (s *Scheduler) actionConnect(t *Task, args []string) error {
	if len(args) != 1 {
		return usage("Connect", "Connect(host[:port])")
	}
	if state := s.host.State(); state != schema.HostNotConnected {
		return schema.TaskError("connect", schema.ErrAlreadyConnected, "host session is %s", state)
	}
	if err := s.host.Connect(args[0]); err != nil {
		return err
	}
	s.suspend(t, wait{kind: waitConnected})
	return nil
}

func (s *Scheduler) actionDisconnect(_ *Task, args []string) error {
	if len(args) != 0 {
		return usage("Disconnect", "Disconnect()")
	}
	if s.host.State() == schema.HostNotConnected {
		return nil
	}
	if err := s.host.Disconnect(); err != nil {
		return schema.TaskError("disconnect", err, "disconnect: %v", err)
	}
	return nil
}

func (s *Scheduler) actionWait(t *Task, args []string) error {
	const form = "Wait([timeout,] Connected|Mode|Output|Disconnect|Seconds)"
	var timeout time.Duration
	if len(args) > 0 {
		if d, ok := parseSeconds(args[0]); ok {
			timeout = d
			args = args[1:]
		}
	}
	if len(args) > 1 {
		return usage("Wait", form)
	}
	cond := "output"
	if len(args) == 1 {
		cond = strings.ToLower(args[0])
	}
	w := wait{timeout: timeout}
	switch cond {
	case "connected":
		w.kind = waitConnected
	case "mode", "inputfield", "3270mode", "nvtmode":
		w.kind = waitMode
	case "output":
		w.kind = waitOutput
	case "disconnect":
		w.kind = waitDisconnect
	case "seconds":
		if timeout <= 0 {
			return usage("Wait", "Wait(seconds, Seconds)")
		}
		w.kind = waitSeconds
	default:
		return usage("Wait", form)
	}
	if (w.kind == waitConnected || w.kind == waitMode) && s.host.State() == schema.HostNotConnected {
		return schema.TaskError("wait", schema.ErrNotConnected, "not connected")
	}
	if w.kind == waitOutput {
		if err := s.requireConnected("wait"); err != nil {
			return err
		}
	}
	s.suspend(t, w)
	return nil
}

func (s *Scheduler) actionExpect(t *Task, args []string) error {
	if len(args) == 0 || len(args) > 2 || args[0] == "" {
		return usage("Expect", "Expect(text[, timeout])")
	}
	timeout := defaultExpectTimeout
	if len(args) == 2 {
		d, ok := parseSeconds(args[1])
		if !ok || d <= 0 {
			return usage("Expect", "Expect(text[, timeout])")
		}
		timeout = d
	}
	if err := s.requireConnected("expect"); err != nil {
		return err
	}
	s.suspend(t, wait{kind: waitExpect, text: args[0], timeout: timeout})
	return nil
}

func (s *Scheduler) actionMacro(t *Task, args []string) error {
	if len(args) != 1 {
		return usage("Macro", "Macro(name)")
	}
	def, ok := s.macros.Lookup(args[0], s.host.HostName())
	if !ok {
		return schema.TaskError("macro", schema.ErrUnknownMacro, "no macro %q", args[0])
	}
	if t.depth >= maxMacroDepth {
		return schema.TaskError("macro", nil, "macro %q nested deeper than %d", def.Name, maxMacroDepth)
	}
	_, err := s.pushChild(t, def.Action, KindMacro)
	return err
}

// sourceHandle ties the lines of one Source invocation to the task that ran it.
type sourceHandle struct {
	parent *Task
	path   string
}

func (s *Scheduler) actionSource(t *Task, args []string) error {
	if len(args) != 1 {
		return usage("Source", "Source(file)")
	}
	data, err := s.readFile(args[0])
	if err != nil {
		return schema.TaskError("source", err, "read %s: %v", args[0], err)
	}
	handle := &sourceHandle{parent: t, path: args[0]}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, err := s.Push(line, KindSource, handle); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) actionRedirect(t *Task, args []string) error {
	if len(args) != 0 {
		return usage("Redirect", "Redirect()")
	}
	if err := s.BeginRedirect(t); err != nil {
		return err
	}
	// Keystrokes follow the host output to the task until EndRedirect.
	if t.Handle != nil {
		s.Activate(t.Handle)
	}
	return nil
}

func (s *Scheduler) actionEndRedirect(t *Task, args []string) error {
	if len(args) != 0 {
		return usage("EndRedirect", "EndRedirect()")
	}
	s.EndRedirect(t)
	if s.activated == t {
		s.Activate(nil)
	}
	return nil
}

func (s *Scheduler) actionInfo(t *Task, args []string) error {
	t.data([]byte(strings.Join(args, " ")), true)
	return nil
}

func (s *Scheduler) actionQuery(t *Task, args []string) error {
	if len(args) > 1 {
		return usage("Query", "Query([Connected|Host|State])")
	}
	state := s.host.State()
	facts := map[string]string{
		"connected": strconv.FormatBool(state.Connected()),
		"host":      s.host.HostName(),
		"state":     state.String(),
	}
	if len(args) == 1 {
		value, ok := facts[strings.ToLower(args[0])]
		if !ok {
			return usage("Query", "Query([Connected|Host|State])")
		}
		t.data([]byte(value), true)
		return nil
	}
	for _, key := range []string{"connected", "host", "state"} {
		t.data([]byte(fmt.Sprintf("%s: %s", key, facts[key])), true)
	}
	return nil
}

func (s *Scheduler) actionAbort(_ *Task, args []string) error {
	if len(args) != 0 {
		return usage("Abort", "Abort()")
	}
	s.AbortCurrent()
	return nil
}

func (s *Scheduler) actionQuit(_ *Task, args []string) error {
	if len(args) != 0 {
		return usage("Quit", "Quit()")
	}
	if s.quit != nil {
		s.quit()
	}
	return nil
}

// parseSeconds parses a non-negative number of seconds.
func parseSeconds(text string) (time.Duration, bool) {
	value, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil || value < 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, false
	}
	return time.Duration(value * float64(time.Second)), true
}
