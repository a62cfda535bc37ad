// Package client assembles one client session: event loop, host session,
// callback registry and scheduler, plus the optional idle timer, peer
// interface and capture. Front-ends drive it from the outside by posting to its
// loop.
package client

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"pkt.systems/blockterm/internal/action"
	"pkt.systems/blockterm/internal/appconfig"
	"pkt.systems/blockterm/internal/capture"
	"pkt.systems/blockterm/internal/host"
	"pkt.systems/blockterm/internal/idle"
	"pkt.systems/blockterm/internal/keymap"
	"pkt.systems/blockterm/internal/logx"
	"pkt.systems/blockterm/internal/loop"
	"pkt.systems/blockterm/internal/peer"
	"pkt.systems/blockterm/internal/proxy"
	"pkt.systems/blockterm/internal/task"
	"pkt.systems/blockterm/schema"
	"pkt.systems/pslog"
)

const (
	// KindUI is the task kind of commands typed or passed on the command line.
	KindUI schema.TaskKind = "ui"
	// KindLogin is the task kind of the login macro. It runs on its own level,
	// ahead of whatever was queued when the host came up.
	KindLogin schema.TaskKind = "login"
)

// Options configures a Client.
type Options struct {
	Config   appconfig.Config
	Logger   pslog.Logger
	Dialer   host.Dialer
	Resolver proxy.Resolver
	// Screen receives host output no redirect captured. Nil discards it.
	Screen io.Writer
	// Messages receives the output and errors of UI and keymap tasks.
	Messages io.Writer
	// Quit replaces the default Quit behavior of stopping the loop.
	Quit func()
	// Peer enables the peer scripting interface, writing replies to it.
	Peer io.Writer
	// Capture records host output until disconnect. The recording is queued by
	// RunHeadless behind the commands already queued.
	Capture io.Writer
	// ReadFile replaces os.ReadFile for the Source action.
	ReadFile func(string) ([]byte, error)
}

// Client is one host session and everything that runs against it.
type Client struct {
	loop     *loop.Loop
	host     *host.Session
	sched    *task.Scheduler
	registry *task.Registry
	idle     *idle.Timer
	keymap   *keymap.Keymap
	peer     *peer.Peer
	capture  *capture.Capture
	log      pslog.Logger

	screen     io.Writer
	messages   io.Writer
	quit       func()
	loginMacro string

	uiPending int
	failures  int
	captured  bool
	commands  commandID
}

// New builds a client from opts. The registry is frozen before New returns.
func New(opts Options) (*Client, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	spec := proxy.Spec{}
	if strings.TrimSpace(cfg.Proxy) != "" {
		parsed, err := proxy.Setup(cfg.Proxy)
		if err != nil {
			return nil, err
		}
		spec = parsed
	}
	macros, err := task.NewMacros(cfg.Macros...)
	if err != nil {
		return nil, err
	}
	bindings := cfg.Keymap
	if len(bindings) == 0 {
		bindings = keymap.DefaultBindings()
	}
	km, err := keymap.New(bindings...)
	if err != nil {
		return nil, err
	}

	c := &Client{
		keymap:     km,
		screen:     opts.Screen,
		messages:   opts.Messages,
		loginMacro: strings.TrimSpace(cfg.LoginMacro),
	}
	c.loop = loop.New(loop.WithLogger(logger))
	c.host = host.New(host.Config{
		Proxy:          spec,
		ConnectTimeout: time.Duration(cfg.ConnectTimeout) * time.Second,
		Dialer:         opts.Dialer,
		Resolver:       opts.Resolver,
		Logger:         logger,
	}, c.loop)
	c.log = c.host.Logger()
	c.quit = opts.Quit
	if c.quit == nil {
		c.quit = c.loop.Stop
	}

	c.registry = task.NewRegistry()
	c.sched = task.NewScheduler(c.registry, macros, c.host,
		task.WithLogger(c.log),
		task.WithQuit(func() { c.quit() }),
		task.WithFileReader(opts.ReadFile),
	)
	if err := c.register(); err != nil {
		return nil, err
	}
	c.idle, err = idle.New(cfg.Idle, c.loop, c.sched, idle.WithLogger(c.log))
	if err != nil {
		return nil, err
	}
	if err := idle.Register(c.registry, c.idle); err != nil {
		return nil, err
	}
	if opts.Peer != nil {
		c.peer = peer.New(opts.Peer, c.host, c.sched, peer.WithLogger(c.log), peer.WithTrace(cfg.Script.Trace))
	}
	if opts.Capture != nil {
		c.capture = capture.New(opts.Capture, c.host, c.log, c.captureDone)
	}
	c.registry.Freeze()

	c.host.SetHandlers(host.Handlers{
		Output:        c.hostOutput,
		ConnectFailed: c.sched.ConnectFailed,
		Disconnected:  c.sched.Disconnected,
	})
	c.host.OnStateChange(c.stateChanged)
	if c.idle != nil {
		c.host.OnStateChange(c.idle.HostState)
	}
	c.loop.AfterEach(func() { c.sched.RunTasks() })
	c.loop.AddDeadline(c.sched.NextDeadline)
	c.log.Debug("client ready", "kinds", c.registry.Kinds())
	return c, nil
}

func (c *Client) register() error {
	if err := task.RegisterBuiltins(c.registry); err != nil {
		return err
	}
	if err := c.registry.Register(KindUI, task.Descriptor{
		Name:      "command",
		Origin:    schema.OriginUI,
		Flags:     task.FlagUI,
		Callbacks: c.uiCallbacks(true),
	}); err != nil {
		return err
	}
	if err := c.registry.Register(keymap.Kind, task.Descriptor{
		Name:      "keymap",
		Origin:    schema.OriginKeymap,
		Flags:     task.FlagUI,
		Callbacks: c.uiCallbacks(false),
	}); err != nil {
		return err
	}
	if err := c.registry.Register(KindLogin, task.Descriptor{
		Name:   "login macro",
		Origin: schema.OriginInternal,
		Flags:  task.FlagNewQueue,
		Callbacks: task.CallbackFuncs{
			OnData: func(_ task.Handle, p []byte, ok bool) {
				if !ok {
					c.message("login macro: %s", p)
				}
			},
			OnDone: func(_ task.Handle, success, abort bool) {
				c.log.Info("login macro done", "success", success, "abort", abort)
			},
		},
	}); err != nil {
		return err
	}
	if err := peer.Register(c.registry); err != nil {
		return err
	}
	return capture.Register(c.registry)
}

// uiCallbacks reports task output to the message writer. Commands count
// towards Failed; keymap actions do not.
func (c *Client) uiCallbacks(counted bool) task.CallbackFuncs {
	return task.CallbackFuncs{
		OnData: func(_ task.Handle, p []byte, ok bool) {
			if ok {
				c.message("%s", p)
			} else {
				c.message("error: %s", p)
			}
		},
		OnDone: func(_ task.Handle, success, abort bool) {
			if !counted {
				return
			}
			c.uiPending--
			if !success {
				c.failures++
			}
			if abort {
				c.message("aborted")
			}
		},
	}
}

func (c *Client) captureDone(bytes int64, success bool) {
	c.captured = true
	if !success {
		c.failures++
		c.message("error: capture ended after %d bytes", bytes)
	}
}

func (c *Client) message(format string, args ...any) {
	if c.messages == nil {
		return
	}
	text := strings.TrimRight(fmt.Sprintf(format, args...), "\n")
	if _, err := fmt.Fprintln(c.messages, text); err != nil {
		c.log.Debug("client message write failed", "err", err)
	}
}

func (c *Client) hostOutput(p []byte) {
	if c.sched.HostOutput(p) || c.screen == nil {
		return
	}
	if _, err := c.screen.Write(p); err != nil {
		c.log.Debug("client screen write failed", "err", err)
	}
}

func (c *Client) stateChanged(_, next schema.HostState) {
	if next == schema.HostProtocolMode && c.loginMacro != "" {
		if _, err := c.sched.Push(c.loginMacro, KindLogin, c); err != nil {
			c.log.Warn("login macro push failed", "err", err)
		}
	}
}

// Run drives the loop until ctx ends or Quit runs, then drops the connection.
func (c *Client) Run(ctx context.Context) error {
	log := logx.WithSessionCtx(ctx, c.host.ID())
	ctx = logx.ContextWithSessionLogger(ctx, c.log, c.host.ID())
	err := c.loop.Run(ctx)
	// The loop goroutine is gone; nothing else touches the session now.
	_ = c.host.Disconnect()
	log.Debug("client stopped", "err", err)
	return err
}

// Post runs fn on the loop goroutine.
func (c *Client) Post(fn func()) bool {
	return c.loop.Post(fn)
}

// Stop ends Run. Safe from any goroutine.
func (c *Client) Stop() {
	c.loop.Stop()
}

// Command queues action text as a UI command. Call it on the loop goroutine or
// before Run.
func (c *Client) Command(text string) error {
	if _, err := c.sched.Push(text, KindUI, c.nextCommand()); err != nil {
		return err
	}
	c.uiPending++
	return nil
}

// Connect queues a Connect command for target.
func (c *Client) Connect(target string) error {
	return c.Command("Connect(" + action.Quote(target) + ")")
}

// KeyAction queues the action bound to a key.
func (c *Client) KeyAction(text string) {
	c.idle.Activity()
	if _, err := c.sched.Push(text, keymap.Kind, c.nextCommand()); err != nil {
		c.message("error: %v", err)
	}
}

// commandID is the handle of a ui or keymap task, so Redirect() can route
// keyboard input to it.
type commandID uint64

func (c *Client) nextCommand() commandID {
	c.commands++
	return c.commands
}

// Type forwards keyboard bytes to an activated task, or else to the host.
func (c *Client) Type(p []byte) {
	c.idle.Activity()
	if c.sched.Keyboard(p) {
		return
	}
	if err := c.host.Send(p); err != nil {
		c.log.Debug("client keyboard input dropped", "err", err)
	}
}

// Keymap returns the key bindings.
func (c *Client) Keymap() *keymap.Keymap { return c.keymap }

// Failed reports whether any UI command has failed.
func (c *Client) Failed() bool {
	return c.failures > 0
}

// Busy reports whether UI commands, peer commands or a started capture are
// still outstanding. A capture that never saw the host is not waited for.
func (c *Client) Busy() bool {
	if c.uiPending > 0 || (c.peer != nil && !c.peer.Idle()) {
		return true
	}
	if c.capture == nil || c.captured {
		return false
	}
	return c.capture.Started() || c.host.State() != schema.HostNotConnected
}

// Host returns the host session.
func (c *Client) Host() *host.Session { return c.host }

// Scheduler returns the task scheduler.
func (c *Client) Scheduler() *task.Scheduler { return c.sched }

// Registry returns the frozen callback registry.
func (c *Client) Registry() *task.Registry { return c.registry }

// Logger returns the session logger.
func (c *Client) Logger() pslog.Logger { return c.log }
