package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"pkt.systems/blockterm/schema"
	"pkt.systems/pslog"
)

// Result is the outcome of one negotiation step.
type Result int

const (
	// Success means the tunnel is established.
	Success Result = iota
	// Failure means the proxy rejected the request or the reply was malformed.
	Failure
	// NeedMore means the reply is incomplete and more bytes must arrive.
	NeedMore
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case NeedMore:
		return "need-more"
	default:
		return "unknown"
	}
}

const (
	readChunk = 4096
	// maxReplyBytes bounds the receive buffer; no dialect reply is this large.
	maxReplyBytes = 64 * 1024
)

// Reply holds the parsed fields of the final proxy reply.
type Reply struct {
	Status    int
	Message   string
	BoundAddr string
	BoundPort uint16
}

// Resolver resolves target names for dialects that resolve locally.
// *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Option customizes a Session.
type Option func(*Session)

// WithLogger sets the session logger. The default is the logger bound to the
// Negotiate context.
func WithLogger(logger pslog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.log = logger
		}
	}
}

// WithResolver replaces the resolver used by socks4 and socks5.
func WithResolver(r Resolver) Option {
	return func(s *Session) {
		if r != nil {
			s.resolver = r
		}
	}
}

// WithTargetIP supplies the already resolved target address, so socks4 and
// socks5 never look the name up while negotiating.
func WithTargetIP(ip net.IP) Option {
	return func(s *Session) {
		s.targetIP = ip
	}
}

type dialect interface {
	start(ctx context.Context, s *Session) (Result, error)
	advance(s *Session) (Result, error)
}

// Session is one in-progress proxy handshake on a transport.
// A Session is not safe for concurrent use.
type Session struct {
	typ  Type
	user string
	host string
	port uint16

	conn     net.Conn
	state    dialect
	rbuf     []byte
	leftover []byte
	reply    Reply

	result    Result
	err       error
	done      bool
	closed    bool
	handedOff bool

	log      pslog.Logger
	resolver Resolver
	targetIP net.IP
}

// Negotiate begins a handshake of dialect typ on conn for the target host:port.
// It writes the first request and returns NeedMore, or Success for dialects
// without a reply. conn must already be connected to the proxy server.
func Negotiate(ctx context.Context, typ Type, conn net.Conn, user, host string, port uint16, opts ...Option) (*Session, Result, error) {
	s := &Session{
		typ:      typ,
		user:     user,
		host:     strings.TrimSuffix(strings.TrimPrefix(host, "["), "]"),
		port:     port,
		conn:     conn,
		result:   NeedMore,
		log:      pslog.Ctx(ctx),
		resolver: net.DefaultResolver,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("proxy", typ.String(), "target", net.JoinHostPort(s.host, itoa(port)))

	switch typ {
	case TypeNone, TypePassthru:
		s.state = &immediateState{}
	case TypeTelnet:
		s.state = &immediateState{telnet: true}
	case TypeHTTP:
		s.state = &httpState{}
	case TypeSOCKS4:
		s.state = &socks4State{}
	case TypeSOCKS4A:
		s.state = &socks4State{remoteDNS: true}
	case TypeSOCKS5:
		s.state = &socks5State{}
	case TypeSOCKS5D:
		s.state = &socks5State{remoteDNS: true}
	default:
		err := schema.ConfigError("proxy negotiate", schema.ErrUnknownProxyType, "unknown proxy type %d", int(typ))
		return nil, Failure, err
	}
	if conn == nil {
		return nil, Failure, schema.ConfigError("proxy negotiate", nil, "missing transport")
	}
	if port == 0 || s.host == "" {
		return nil, Failure, schema.ConfigError("proxy negotiate", nil, "invalid target %q port %d", host, port)
	}

	s.log.Debug("proxy negotiate start")
	res, err := s.state.start(ctx, s)
	res, err = s.finish(res, err)
	return s, res, err
}

// Type returns the dialect of the session.
func (s *Session) Type() Type { return s.typ }

// Result returns the latest result.
func (s *Session) Result() Result { return s.result }

// Err returns the failure, if any.
func (s *Session) Err() error { return s.err }

// Reply returns the parsed fields of the final reply once negotiation finished.
func (s *Session) Reply() Reply { return s.reply }

// Feed appends bytes read from the transport by the caller and advances the
// handshake as far as the buffered bytes allow.
func (s *Session) Feed(p []byte) (Result, error) {
	if s.handedOff || s.closed {
		return Failure, schema.NegotiationError("proxy feed", schema.ErrHandedOff, "session no longer owns the transport")
	}
	if s.done {
		if s.result == Success {
			s.leftover = append(s.leftover, p...)
		}
		return s.result, s.err
	}
	s.rbuf = append(s.rbuf, p...)
	if len(s.rbuf) > maxReplyBytes {
		return s.finish(Failure, schema.NegotiationError("proxy feed", nil, "%s reply exceeds %d bytes", s.typ, maxReplyBytes))
	}
	return s.finish(s.state.advance(s))
}

// Continue reads once from the transport and feeds the bytes. It blocks only
// as long as that single read does.
func (s *Session) Continue() (Result, error) {
	if s.handedOff || s.closed {
		return Failure, schema.NegotiationError("proxy continue", schema.ErrHandedOff, "session no longer owns the transport")
	}
	if s.done {
		return s.result, s.err
	}
	buf := make([]byte, readChunk)
	n, err := s.conn.Read(buf)
	if n > 0 {
		res, ferr := s.Feed(buf[:n])
		if res != NeedMore {
			return res, ferr
		}
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			return s.finish(Failure, schema.NegotiationError("proxy continue", schema.ErrProxyClosed, "%s proxy closed the connection during negotiation", s.typ))
		}
		return s.finish(Failure, schema.NegotiationError("proxy continue", err, "read %s reply: %v", s.typ, err))
	}
	return NeedMore, nil
}

// Close releases negotiation buffers. The transport stays with the caller.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.rbuf = nil
	if !s.handedOff {
		s.leftover = nil
		s.conn = nil
	}
}

// Handoff transfers the transport and the bytes that followed the proxy reply to
// the caller. It succeeds exactly once and only after Success.
func (s *Session) Handoff() (net.Conn, []byte, error) {
	const op = "proxy handoff"
	if s.handedOff || s.closed {
		return nil, nil, schema.NegotiationError(op, schema.ErrHandedOff, "transport already released")
	}
	if !s.done || s.result != Success {
		return nil, nil, schema.NegotiationError(op, s.err, "negotiation has not succeeded (%s)", s.result)
	}
	conn, leftover := s.conn, s.leftover
	s.conn, s.leftover, s.rbuf = nil, nil, nil
	s.handedOff = true
	s.log.Debug("proxy handoff", "leftover", len(leftover))
	return conn, leftover, nil
}

// HandoffConn is Handoff for blocking callers: the returned conn replays the
// leftover bytes before reading from the transport.
func (s *Session) HandoffConn() (net.Conn, error) {
	conn, leftover, err := s.Handoff()
	if err != nil {
		return nil, err
	}
	return WithLeftover(conn, leftover), nil
}

func (s *Session) send(op string, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if _, err := s.conn.Write(p); err != nil {
		return schema.NegotiationError(op, err, "write %s request: %v", s.typ, err)
	}
	s.log.Trace("proxy request sent", "bytes", len(p))
	return nil
}

// consume drops a fully parsed reply from the front of the receive buffer.
func (s *Session) consume(n int) {
	s.rbuf = append([]byte(nil), s.rbuf[n:]...)
}

// complete records the reply and moves any bytes past it into leftover.
func (s *Session) complete(n int, reply Reply) (Result, error) {
	s.reply = reply
	if rest := s.rbuf[n:]; len(rest) > 0 {
		s.leftover = append([]byte(nil), rest...)
	}
	s.rbuf = nil
	return Success, nil
}

func (s *Session) fail(op string, reply Reply, format string, args ...any) (Result, error) {
	s.reply = reply
	return Failure, schema.NegotiationError(op, nil, format, args...)
}

func (s *Session) finish(res Result, err error) (Result, error) {
	if err != nil && res != Failure {
		res = Failure
	}
	if res == NeedMore {
		return res, nil
	}
	s.result, s.err, s.done = res, err, true
	if res == Success {
		s.log.Info("proxy negotiate success", "status", s.reply.Status, "bound", s.reply.BoundAddr)
	} else {
		s.log.Warn("proxy negotiate failure", "err", err)
	}
	return res, err
}
