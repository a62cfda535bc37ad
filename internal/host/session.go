// Package host holds the connection to the host: its state machine, the proxy
// negotiation that precedes the terminal protocol and the listeners interested
// in state changes. Once connected the host is an opaque byte channel.
//
// A Session is owned by its event loop goroutine. The dialer and the transport
// reader run elsewhere and only post results back to the loop.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"pkt.systems/blockterm/internal/logx"
	"pkt.systems/blockterm/internal/proxy"
	"pkt.systems/blockterm/schema"
	"pkt.systems/pslog"
)

const (
	// DefaultPort is the telnet port used when a target names no port.
	DefaultPort           = 23
	defaultConnectTimeout = 30 * time.Second
)

// Loop is the part of the event loop the session needs.
type Loop interface {
	Post(fn func()) bool
	Read(r io.Reader, data func([]byte), done func(error))
}

// Dialer opens transports. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config describes how a session reaches its hosts.
type Config struct {
	// Proxy is used for every connection unless its Type is proxy.TypeNone.
	Proxy          proxy.Spec
	DefaultPort    uint16
	ConnectTimeout time.Duration
	Dialer         Dialer
	Resolver       proxy.Resolver
	Logger         pslog.Logger
}

// StateFunc observes a state change.
type StateFunc func(prev, next schema.HostState)

// Handlers receive session events on the loop goroutine.
type Handlers struct {
	// Output receives host bytes once the session is connected.
	Output func(p []byte)
	// ConnectFailed reports a connection attempt that ended before Connected.
	ConnectFailed func(err error)
	// Disconnected reports a connection loss the client did not ask for.
	Disconnected func(err error)
}

// Session is one host connection and its state machine.
type Session struct {
	id   schema.SessionID
	cfg  Config
	loop Loop
	log  pslog.Logger

	state     schema.HostState
	host      string
	port      uint16
	conn      net.Conn
	proxy     *proxy.Session
	dialCtx   context.Context
	cancel    context.CancelFunc
	gen       uint64
	connected time.Time

	handlers  Handlers
	listeners []StateFunc
}

// New returns a disconnected session bound to loop.
func New(cfg Config, loop Loop) *Session {
	if cfg.DefaultPort == 0 {
		cfg.DefaultPort = DefaultPort
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	if cfg.Resolver == nil {
		cfg.Resolver = net.DefaultResolver
	}
	id := schema.SessionID(uuid.NewString())
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	logger = logx.WithSession(logger, id)
	return &Session{
		id:    id,
		cfg:   cfg,
		loop:  loop,
		log:   logger,
		state: schema.HostNotConnected,
	}
}

// ID returns the session identifier.
func (s *Session) ID() schema.SessionID { return s.id }

// Logger returns the session logger.
func (s *Session) Logger() pslog.Logger { return s.log }

// State returns the connection state.
func (s *Session) State() schema.HostState { return s.state }

// HostName returns the host of the current or most recent connection.
func (s *Session) HostName() string { return s.host }

// ConnectedAt returns when the session reached Connected, or the zero time.
func (s *Session) ConnectedAt() time.Time { return s.connected }

// SetHandlers replaces the event handlers.
func (s *Session) SetHandlers(h Handlers) {
	s.handlers = h
}

// OnStateChange registers fn for every later state change. Listeners run in
// registration order.
func (s *Session) OnStateChange(fn StateFunc) {
	if fn != nil {
		s.listeners = append(s.listeners, fn)
	}
}

// Connect starts connecting to target (host[:port]) and returns immediately.
// Progress is reported through state changes and Handlers.
func (s *Session) Connect(target string) error {
	if s.state != schema.HostNotConnected {
		return schema.TaskError("connect", schema.ErrAlreadyConnected, "host session is %s", s.state)
	}
	host, port, err := ParseTarget(target, s.cfg.DefaultPort)
	if err != nil {
		return err
	}
	s.host, s.port = host, port
	s.gen++
	gen := s.gen
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	if s.cfg.Proxy.Type != proxy.TypeNone {
		addr = s.cfg.Proxy.Address()
	}
	log := logx.WithHost(s.log, host)
	ctx := pslog.ContextWithLogger(context.Background(), log)
	s.dialCtx, s.cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	s.setState(schema.HostPending)
	log.Info("host connect start", "addr", addr, "port", port, "via", s.cfg.Proxy.String())

	dialCtx, dialer := s.dialCtx, s.cfg.Dialer
	proxyType, resolver := s.cfg.Proxy.Type, s.cfg.Resolver
	// Name lookups for socks4/socks5 happen here so negotiation on the loop
	// only builds and parses bytes.
	go func() {
		targetIP, err := proxy.ResolveTarget(dialCtx, proxyType, resolver, host)
		var conn net.Conn
		if err == nil {
			conn, err = dialer.DialContext(dialCtx, "tcp", addr)
			if err != nil {
				err = fmt.Errorf("dial %s: %w", addr, err)
			}
		}
		if !s.loop.Post(func() { s.dialed(gen, conn, targetIP, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
	return nil
}

// Disconnect closes the connection at the client's request. Listeners see the
// change to NotConnected, Handlers.Disconnected is not called. A connection
// attempt in progress is reported to Handlers.ConnectFailed as aborted.
func (s *Session) Disconnect() error {
	prev := s.state
	if prev == schema.HostNotConnected {
		return nil
	}
	s.teardown()
	s.log.Info("host disconnect", "host", s.host)
	s.setState(schema.HostNotConnected)
	if prev.InProgress() && s.handlers.ConnectFailed != nil {
		s.handlers.ConnectFailed(schema.NewError(schema.ErrorAbort, "connect", schema.ErrAborted))
	}
	return nil
}

// Send writes p to the host.
func (s *Session) Send(p []byte) error {
	if !s.state.Connected() || s.conn == nil {
		return schema.TaskError("send", schema.ErrNotConnected, "not connected")
	}
	if _, err := s.conn.Write(p); err != nil {
		return fmt.Errorf("write host: %w", err)
	}
	s.log.Trace("host send", "bytes", len(p))
	return nil
}

func (s *Session) dialed(gen uint64, conn net.Conn, targetIP net.IP, err error) {
	if gen != s.gen {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		s.connectFailed(err)
		return
	}
	s.conn = conn
	s.loop.Read(conn, func(p []byte) { s.input(gen, p) }, func(err error) { s.readDone(gen, err) })
	if s.cfg.Proxy.Type == proxy.TypeNone {
		s.established(nil)
		return
	}
	if deadline, ok := s.dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	s.setState(schema.HostNegotiating)
	opts := []proxy.Option{proxy.WithResolver(s.cfg.Resolver), proxy.WithTargetIP(targetIP)}
	sess, res, err := proxy.Negotiate(s.dialCtx, s.cfg.Proxy.Type, conn, s.cfg.Proxy.User, s.host, s.port, opts...)
	s.proxy = sess
	s.negotiated(res, err)
}

func (s *Session) negotiated(res proxy.Result, err error) {
	switch res {
	case proxy.Success:
		_, leftover, herr := s.proxy.Handoff()
		s.proxy = nil
		if herr != nil {
			s.connectFailed(herr)
			return
		}
		_ = s.conn.SetDeadline(time.Time{})
		s.established(leftover)
	case proxy.Failure:
		s.connectFailed(err)
	}
}

func (s *Session) established(leftover []byte) {
	if s.cancel != nil {
		s.cancel()
	}
	s.connected = time.Now()
	logx.WithHost(s.log, s.host).Info("host connected", "port", s.port)
	s.setState(schema.HostConnected)
	if s.state != schema.HostConnected {
		return
	}
	// The terminal protocol layer is external; the byte channel is usable at once.
	s.setState(schema.HostProtocolMode)
	if len(leftover) > 0 && s.state.Connected() {
		s.deliver(leftover)
	}
}

func (s *Session) input(gen uint64, p []byte) {
	if gen != s.gen {
		return
	}
	if s.proxy != nil {
		res, err := s.proxy.Feed(p)
		s.negotiated(res, err)
		return
	}
	if s.state.Connected() {
		s.deliver(p)
	}
}

func (s *Session) readDone(gen uint64, err error) {
	if gen != s.gen {
		return
	}
	if s.state.InProgress() {
		if errors.Is(err, io.EOF) {
			err = schema.NegotiationError("proxy negotiate", schema.ErrProxyClosed, "%s proxy closed the connection during negotiation", s.cfg.Proxy.Type)
		} else {
			err = schema.NegotiationError("proxy negotiate", err, "read proxy reply: %v", err)
		}
		s.connectFailed(err)
		return
	}
	if errors.Is(err, io.EOF) {
		err = errors.New("host closed the connection")
	}
	s.teardown()
	s.log.Info("host disconnected", "host", s.host, "err", err)
	s.setState(schema.HostNotConnected)
	if s.handlers.Disconnected != nil {
		s.handlers.Disconnected(err)
	}
}

func (s *Session) deliver(p []byte) {
	if s.handlers.Output != nil {
		s.handlers.Output(p)
	}
}

func (s *Session) connectFailed(err error) {
	s.teardown()
	logx.WithProxy(logx.WithHost(s.log, s.host), s.cfg.Proxy.String()).Warn("host connect failed", "err", err)
	s.setState(schema.HostNotConnected)
	if s.handlers.ConnectFailed != nil {
		s.handlers.ConnectFailed(err)
	}
}

// teardown releases the transport. Bumping gen drops results still in flight
// from the dialer and the reader.
func (s *Session) teardown() {
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.proxy != nil {
		s.proxy.Close()
		s.proxy = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.connected = time.Time{}
}

func (s *Session) setState(next schema.HostState) {
	prev := s.state
	if prev == next {
		return
	}
	s.state = next
	s.log.Debug("host state", "from", prev.String(), "to", next.String())
	for _, fn := range s.listeners {
		fn(prev, next)
	}
}

// ParseTarget splits host[:port]. IPv6 literals with a port need brackets.
func ParseTarget(target string, defaultPort uint16) (string, uint16, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", 0, schema.TaskError("connect", schema.ErrActionSyntax, "empty host")
	}
	if strings.Count(target, ":") > 1 && !strings.HasPrefix(target, "[") {
		return target, defaultPort, nil
	}
	if strings.HasPrefix(target, "[") && strings.HasSuffix(target, "]") {
		return strings.Trim(target, "[]"), defaultPort, nil
	}
	host, portText, err := net.SplitHostPort(target)
	if err != nil {
		if strings.Contains(target, ":") {
			return "", 0, schema.TaskError("connect", schema.ErrActionSyntax, "invalid host %q", target)
		}
		return target, defaultPort, nil
	}
	port, err := strconv.ParseUint(portText, 10, 16)
	if err != nil || port == 0 || host == "" {
		return "", 0, schema.TaskError("connect", schema.ErrActionSyntax, "invalid host %q", target)
	}
	return host, uint16(port), nil
}
