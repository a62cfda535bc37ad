package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"pkt.systems/blockterm/internal/keymap"
	"pkt.systems/blockterm/schema"
)

// Terminal drives a client from a raw-mode terminal. While no host is
// connected it shows a command prompt; once connected, keys go through the
// keymap and everything unbound is sent to the host.
//
// Terminal is also the client's message writer. All of its methods run on the
// client loop.
type Terminal struct {
	out    io.Writer
	prompt string

	client   *Client
	decoder  keymap.Decoder
	resolver *keymap.Resolver
	editor   keymap.Editor
}

// NewTerminal returns a terminal writing to out.
func NewTerminal(out io.Writer, prompt string) *Terminal {
	if prompt == "" {
		prompt = "> "
	}
	return &Terminal{out: out, prompt: prompt}
}

// Write shows a message above the prompt.
func (t *Terminal) Write(p []byte) (int, error) {
	text := crlf(string(p))
	if t.prompting() {
		text = "\r\x1b[K" + text
	}
	if _, err := io.WriteString(t.out, text); err != nil {
		return 0, err
	}
	if t.prompting() {
		t.redraw()
	}
	return len(p), nil
}

// Run reads keys from in and drives c until in closes, ctx ends or Quit runs.
func (t *Terminal) Run(ctx context.Context, c *Client, in io.Reader) error {
	t.client = c
	t.resolver = keymap.NewResolver(c.Keymap())
	c.Host().OnStateChange(t.stateChanged)
	c.loop.Read(in, t.input, func(err error) {
		if err != nil && !errors.Is(err, io.EOF) {
			c.log.Warn("terminal input failed", "err", err)
		}
		c.Stop()
	})
	c.Post(func() {
		if t.prompting() {
			t.redraw()
		}
	})
	return c.Run(ctx)
}

func (t *Terminal) prompting() bool {
	return t.client != nil && t.client.Host().State() == schema.HostNotConnected
}

func (t *Terminal) input(p []byte) {
	for _, k := range t.decoder.Decode(p) {
		if t.prompting() {
			t.promptKey(k)
			continue
		}
		action, raw := t.resolver.Feed(k)
		if action != "" {
			t.client.KeyAction(action)
		}
		if len(raw) > 0 {
			t.client.Type(raw)
		}
	}
}

func (t *Terminal) promptKey(k keymap.Key) {
	switch k.Name {
	case "Ctrl-C":
		t.editor.Clear()
		t.write("^C\r\n")
		t.redraw()
		return
	case "Ctrl-D":
		if t.editor.String() == "" {
			t.write("\r\n")
			t.client.quit()
			return
		}
	}
	line, done := t.editor.Apply(k)
	if !done {
		t.redraw()
		return
	}
	t.write("\r\n")
	if line = strings.TrimSpace(line); line != "" {
		if err := t.client.Command(line); err != nil {
			t.client.message("error: %v", err)
		}
	}
	t.redraw()
}

func (t *Terminal) stateChanged(prev, next schema.HostState) {
	switch {
	case next == schema.HostProtocolMode:
		t.resolver = keymap.NewResolver(t.client.Keymap())
	case next == schema.HostNotConnected && prev != schema.HostNotConnected:
		t.write("\r\n")
		t.redraw()
	}
}

func (t *Terminal) redraw() {
	var b strings.Builder
	b.WriteString("\r\x1b[K")
	b.WriteString(t.prompt)
	line := t.editor.String()
	b.WriteString(line)
	if back := utf8.RuneCountInString(line) - t.editor.Cursor(); back > 0 {
		fmt.Fprintf(&b, "\x1b[%dD", back)
	}
	t.write(b.String())
}

func (t *Terminal) write(s string) {
	if _, err := io.WriteString(t.out, s); err != nil && t.client != nil {
		t.client.log.Debug("terminal write failed", "err", err)
	}
}

func crlf(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", "\n"), "\n", "\r\n")
}
