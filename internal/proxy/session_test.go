package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"pkt.systems/blockterm/schema"
	"pkt.systems/pslog"
)

type fakeConn struct {
	net.Conn
	written  bytes.Buffer
	reads    [][]byte
	readErr  error
	writeErr error
}

func (c *fakeConn) Write(p []byte) (int, error) {
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	return c.written.Write(p)
}

func (c *fakeConn) Read(p []byte) (int, error) {
	if len(c.reads) == 0 {
		if c.readErr != nil {
			return 0, c.readErr
		}
		return 0, io.EOF
	}
	n := copy(p, c.reads[0])
	c.reads[0] = c.reads[0][n:]
	if len(c.reads[0]) == 0 {
		c.reads = c.reads[1:]
	}
	return n, nil
}

func (c *fakeConn) Close() error { return nil }
func (c *fakeConn) SetDeadline(time.Time) error { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

type fakeResolver map[string][]net.IPAddr

func (r fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	addrs, ok := r[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return addrs, nil
}

var testResolver = fakeResolver{
	"mainframe.example": {{IP: net.ParseIP("198.51.100.7")}},
	"v6only.example":    {{IP: net.ParseIP("2001:db8::7")}},
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

type negotiation struct {
	name  string
	typ   Type
	user  string
	host  string
	port  uint16
	reply []byte
}

type outcome struct {
	Result   Result
	Reply    Reply
	Written  []byte
	Leftover []byte
	Failed   bool
}

// negotiateChunks runs a negotiation and feeds the server bytes in the given chunks.
func negotiateChunks(t *testing.T, n negotiation, chunks [][]byte) outcome {
	t.Helper()
	conn := &fakeConn{}
	sess, res, err := Negotiate(context.Background(), n.typ, conn, n.user, n.host, n.port, WithResolver(testResolver))
	if sess == nil {
		t.Fatalf("negotiate %s: %v", n.name, err)
	}
	// Chunks after the terminal result keep flowing in, as they would from the
	// transport reader; a finished session keeps them as leftover.
	for _, chunk := range chunks {
		res, err = sess.Feed(chunk)
	}
	out := outcome{Result: res, Reply: sess.Reply(), Written: conn.written.Bytes()}
	if res == Failure {
		out.Failed = schema.IsKind(err, schema.ErrorNegotiation)
		if _, _, herr := sess.Handoff(); herr == nil {
			t.Fatalf("%s: handoff after failure must not succeed", n.name)
		}
	}
	if res == Success {
		handed, leftover, herr := sess.Handoff()
		if herr != nil {
			t.Fatalf("%s: handoff: %v", n.name, herr)
		}
		if handed != conn {
			t.Fatalf("%s: handoff returned a different transport", n.name)
		}
		out.Leftover = leftover
	}
	return out
}

var negotiations = []negotiation{
	{
		name:  "socks4 granted",
		typ:   TypeSOCKS4,
		user:  "ops",
		host:  "mainframe.example",
		port:  23,
		reply: cat([]byte{0x00, 0x5a, 0, 0, 0, 0, 0, 0}, []byte("\xff\xfd\x18")),
	},
	{
		name:  "socks4 rejected",
		typ:   TypeSOCKS4,
		host:  "198.51.100.7",
		port:  23,
		reply: []byte{0x00, 0x5b, 0, 0, 0, 0, 0, 0},
	},
	{
		name:  "socks4a granted",
		typ:   TypeSOCKS4A,
		host:  "mainframe.example",
		port:  992,
		reply: []byte{0x00, 0x5a, 0x03, 0xe0, 0, 0, 0, 0},
	},
	{
		name:  "socks5 no auth ipv4",
		typ:   TypeSOCKS5,
		host:  "mainframe.example",
		port:  23,
		reply: cat([]byte{0x05, 0x00}, []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}),
	},
	{
		name:  "socks5 ipv6 bound",
		typ:   TypeSOCKS5,
		host:  "v6only.example",
		port:  23,
		reply: cat([]byte{0x05, 0x00}, []byte{0x05, 0x00, 0x00, 0x04}, net.ParseIP("2001:db8::99"), []byte{0x12, 0x34}, []byte("tn")),
	},
	{
		name:  "socks5d user password",
		typ:   TypeSOCKS5D,
		user:  "alice:pw",
		host:  "mainframe.example",
		port:  23,
		reply: cat([]byte{0x05, 0x02}, []byte{0x01, 0x00}, []byte{0x05, 0x00, 0x00, 0x03, 5}, []byte("relay"), []byte{0x04, 0x38}),
	},
	{
		name:  "socks5 connection refused",
		typ:   TypeSOCKS5,
		host:  "198.51.100.7",
		port:  23,
		reply: cat([]byte{0x05, 0x00}, []byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0}),
	},
	{
		name:  "socks5 bad reply version",
		typ:   TypeSOCKS5,
		host:  "198.51.100.7",
		port:  23,
		reply: cat([]byte{0x05, 0x00}, []byte{0x04, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0}),
	},
	{
		name:  "socks5 auth rejected",
		typ:   TypeSOCKS5,
		user:  "alice:bad",
		host:  "198.51.100.7",
		port:  23,
		reply: cat([]byte{0x05, 0x02}, []byte{0x01, 0x01}),
	},
	{
		name:  "http established",
		typ:   TypeHTTP,
		host:  "mainframe.example",
		port:  23,
		reply: []byte("HTTP/1.1 200 Connection established\r\nProxy-Agent: test\r\n\r\n\xff\xfb\x19"),
	},
	{
		name:  "http auth required",
		typ:   TypeHTTP,
		host:  "mainframe.example",
		port:  23,
		reply: []byte("HTTP/1.0 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic\r\n\r\n"),
	},
}

func TestNegotiationSplitInvariance(t *testing.T) {
	for _, n := range negotiations {
		t.Run(n.name, func(t *testing.T) {
			whole := negotiateChunks(t, n, [][]byte{n.reply})
			if whole.Result == NeedMore {
				t.Fatalf("whole reply left negotiation incomplete")
			}
			for i := 1; i < len(n.reply); i++ {
				got := negotiateChunks(t, n, [][]byte{n.reply[:i], n.reply[i:]})
				if diff := cmp.Diff(whole, got); diff != "" {
					t.Fatalf("split at %d differs (-whole +split):\n%s", i, diff)
				}
				for j := i + 1; j < len(n.reply); j++ {
					got := negotiateChunks(t, n, [][]byte{n.reply[:i], n.reply[i:j], n.reply[j:]})
					if diff := cmp.Diff(whole, got); diff != "" {
						t.Fatalf("split at %d,%d differs (-whole +split):\n%s", i, j, diff)
					}
				}
			}
			bytewise := make([][]byte, len(n.reply))
			for i := range n.reply {
				bytewise[i] = n.reply[i : i+1]
			}
			if diff := cmp.Diff(whole, negotiateChunks(t, n, bytewise)); diff != "" {
				t.Fatalf("byte-at-a-time delivery differs (-whole +split):\n%s", diff)
			}
		})
	}
}

func TestSOCKS5NoAuthScenario(t *testing.T) {
	conn := &fakeConn{}
	sess, res, err := Negotiate(context.Background(), TypeSOCKS5, conn, "", "192.0.2.10", 23)
	if err != nil || res != NeedMore {
		t.Fatalf("expected need-more, got %s (%v)", res, err)
	}
	if got, want := conn.written.Bytes(), []byte{0x05, 0x01, 0x00}; !bytes.Equal(got, want) {
		t.Fatalf("greeting: expected % x, got % x", want, got)
	}
	conn.written.Reset()

	res, err = sess.Feed([]byte{0x05, 0x00})
	if err != nil || res != NeedMore {
		t.Fatalf("expected need-more after method reply, got %s (%v)", res, err)
	}
	if got, want := conn.written.Bytes(), []byte{0x05, 0x01, 0x00, 0x01, 192, 0, 2, 10, 0x00, 0x17}; !bytes.Equal(got, want) {
		t.Fatalf("connect request: expected % x, got % x", want, got)
	}

	res, err = sess.Feed([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	if err != nil || res != Success {
		t.Fatalf("expected success, got %s (%v)", res, err)
	}
	handed, leftover, err := sess.Handoff()
	if err != nil {
		t.Fatalf("handoff: %v", err)
	}
	if handed != conn || len(leftover) != 0 {
		t.Fatalf("unexpected handoff %v leftover=%q", handed, leftover)
	}
	if _, _, err := sess.Handoff(); !errors.Is(err, schema.ErrHandedOff) {
		t.Fatalf("expected second handoff to fail with ErrHandedOff, got %v", err)
	}
	if _, err := sess.Feed([]byte{0x00}); !errors.Is(err, schema.ErrHandedOff) {
		t.Fatalf("expected feed after handoff to fail, got %v", err)
	}
}

func TestHTTPProxyAuthRequiredScenario(t *testing.T) {
	conn := &fakeConn{}
	sess, _, err := Negotiate(context.Background(), TypeHTTP, conn, "", "mainframe.example", 23)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	res, err := sess.Feed([]byte("HTTP/1.0 407 Proxy Authentication Required\r\n\r\n"))
	if res != Failure {
		t.Fatalf("expected failure, got %s", res)
	}
	if !schema.IsKind(err, schema.ErrorNegotiation) {
		t.Fatalf("expected negotiation error, got %v", err)
	}
	if !bytes.Contains([]byte(err.Error()), []byte("407 Proxy Authentication Required")) {
		t.Fatalf("expected 407 status text in %q", err.Error())
	}
	if got := sess.Reply(); got.Status != 407 {
		t.Fatalf("expected status 407, got %+v", got)
	}
	if handed, _, err := sess.Handoff(); err == nil || handed != nil {
		t.Fatalf("transport must not be handed off after failure")
	}
}

func TestRequestBytes(t *testing.T) {
	cases := []struct {
		name string
		typ  Type
		user string
		host string
		port uint16
		want []byte
	}{
		{
			name: "socks4 resolves locally",
			typ:  TypeSOCKS4,
			user: "ops",
			host: "mainframe.example",
			port: 23,
			want: cat([]byte{0x04, 0x01, 0x00, 0x17, 198, 51, 100, 7}, []byte("ops\x00")),
		},
		{
			name: "socks4 user id omits the password",
			typ:  TypeSOCKS4,
			user: "ops:secret",
			host: "mainframe.example",
			port: 23,
			want: cat([]byte{0x04, 0x01, 0x00, 0x17, 198, 51, 100, 7}, []byte("ops\x00")),
		},
		{
			name: "socks4a sends the name",
			typ:  TypeSOCKS4A,
			host: "mainframe.example",
			port: 23,
			want: cat([]byte{0x04, 0x01, 0x00, 0x17, 0, 0, 0, 1, 0x00}, []byte("mainframe.example\x00")),
		},
		{
			name: "socks4a ip literal",
			typ:  TypeSOCKS4A,
			host: "192.0.2.1",
			port: 23,
			want: []byte{0x04, 0x01, 0x00, 0x17, 192, 0, 2, 1, 0x00},
		},
		{
			name: "socks5 offers password auth",
			typ:  TypeSOCKS5,
			user: "alice:pw",
			host: "192.0.2.1",
			port: 23,
			want: []byte{0x05, 0x02, 0x00, 0x02},
		},
		{
			name: "http with basic auth",
			typ:  TypeHTTP,
			user: "alice:pw",
			host: "2001:db8::5",
			port: 992,
			want: []byte("CONNECT [2001:db8::5]:992 HTTP/1.0\r\nHost: [2001:db8::5]:992\r\nProxy-Authorization: Basic YWxpY2U6cHc=\r\n\r\n"),
		},
		{
			name: "telnet gateway",
			typ:  TypeTelnet,
			host: "mainframe.example",
			port: 23,
			want: []byte("connect mainframe.example 23\r\n"),
		},
		{
			name: "passthru sends nothing",
			typ:  TypePassthru,
			host: "mainframe.example",
			port: 23,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := &fakeConn{}
			_, _, err := Negotiate(context.Background(), tc.typ, conn, tc.user, tc.host, tc.port, WithResolver(testResolver))
			if err != nil {
				t.Fatalf("negotiate: %v", err)
			}
			if got := conn.written.Bytes(); !bytes.Equal(got, tc.want) {
				t.Fatalf("expected % x, got % x", tc.want, got)
			}
		})
	}
}

func TestImmediateDialectsSucceed(t *testing.T) {
	for _, typ := range []Type{TypeNone, TypePassthru, TypeTelnet} {
		conn := &fakeConn{}
		sess, res, err := Negotiate(context.Background(), typ, conn, "", "mainframe.example", 23)
		if err != nil || res != Success {
			t.Fatalf("%s: expected immediate success, got %s (%v)", typ, res, err)
		}
		if _, _, err := sess.Handoff(); err != nil {
			t.Fatalf("%s: handoff: %v", typ, err)
		}
	}
}

func TestSOCKS5PasswordRequiredWithoutUser(t *testing.T) {
	n := negotiation{name: "no user", typ: TypeSOCKS5, host: "192.0.2.1", port: 23, reply: []byte{0x05, 0x02}}
	got := negotiateChunks(t, n, [][]byte{n.reply})
	if got.Result != Failure || !got.Failed {
		t.Fatalf("expected negotiation failure, got %+v", got)
	}
}

func TestSOCKS4RejectsIPv6Target(t *testing.T) {
	_, res, err := Negotiate(context.Background(), TypeSOCKS4, &fakeConn{}, "", "v6only.example", 23, WithResolver(testResolver))
	if res != Failure || !schema.IsKind(err, schema.ErrorNegotiation) {
		t.Fatalf("expected negotiation failure, got %s (%v)", res, err)
	}
}

func TestSOCKS4ARejectsIPv6Literal(t *testing.T) {
	conn := &fakeConn{}
	_, res, err := Negotiate(context.Background(), TypeSOCKS4A, conn, "", "[2001:db8::5]", 23)
	if res != Failure || !schema.IsKind(err, schema.ErrorNegotiation) {
		t.Fatalf("expected negotiation failure, got %s (%v)", res, err)
	}
	if conn.written.Len() != 0 {
		t.Fatalf("nothing may be sent, got % x", conn.written.Bytes())
	}
}

type countingResolver struct {
	fakeResolver
	calls int
}

func (r *countingResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	r.calls++
	return r.fakeResolver.LookupIPAddr(ctx, host)
}

func TestTargetIPSkipsLookup(t *testing.T) {
	resolver := &countingResolver{fakeResolver: testResolver}
	conn := &fakeConn{}
	sess, _, err := Negotiate(context.Background(), TypeSOCKS5, conn, "", "mainframe.example", 23,
		WithResolver(resolver), WithTargetIP(net.ParseIP("203.0.113.9").To4()))
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	conn.written.Reset()
	if _, err := sess.Feed([]byte{0x05, 0x00}); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if got, want := conn.written.Bytes(), []byte{0x05, 0x01, 0x00, 0x01, 203, 0, 113, 9, 0x00, 0x17}; !bytes.Equal(got, want) {
		t.Fatalf("connect request: expected % x, got % x", want, got)
	}
	if resolver.calls != 0 {
		t.Fatalf("resolver called %d times", resolver.calls)
	}
}

func TestResolveTarget(t *testing.T) {
	cases := []struct {
		name    string
		typ     Type
		host    string
		want    net.IP
		wantErr bool
	}{
		{name: "socks4 ipv4", typ: TypeSOCKS4, host: "mainframe.example", want: net.ParseIP("198.51.100.7").To4()},
		{name: "socks4 ipv6 only", typ: TypeSOCKS4, host: "v6only.example", wantErr: true},
		{name: "socks5 ipv6", typ: TypeSOCKS5, host: "v6only.example", want: net.ParseIP("2001:db8::7")},
		{name: "socks5 unknown", typ: TypeSOCKS5, host: "nowhere.example", wantErr: true},
		{name: "socks5d resolves remotely", typ: TypeSOCKS5D, host: "mainframe.example"},
		{name: "socks4a resolves remotely", typ: TypeSOCKS4A, host: "mainframe.example"},
		{name: "literal", typ: TypeSOCKS5, host: "[2001:db8::1]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ResolveTarget(context.Background(), tc.typ, testResolver, tc.host)
			if tc.wantErr {
				if !schema.IsKind(err, schema.ErrorNegotiation) {
					t.Fatalf("expected negotiation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if !got.Equal(tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestMalformedHTTPStatusLine(t *testing.T) {
	n := negotiation{name: "garbage", typ: TypeHTTP, host: "mainframe.example", port: 23, reply: []byte("SSH-2.0-OpenSSH\r\n")}
	got := negotiateChunks(t, n, [][]byte{n.reply})
	if got.Result != Failure || !got.Failed {
		t.Fatalf("expected negotiation failure, got %+v", got)
	}
}

func TestContinueReadsTransport(t *testing.T) {
	conn := &fakeConn{reads: [][]byte{{0x00}, {0x5a, 0, 0}, {0, 0, 0, 0, 'h', 'i'}}}
	sess, res, err := Negotiate(context.Background(), TypeSOCKS4A, conn, "", "mainframe.example", 23)
	if err != nil || res != NeedMore {
		t.Fatalf("negotiate: %s (%v)", res, err)
	}
	for res == NeedMore {
		res, err = sess.Continue()
	}
	if res != Success {
		t.Fatalf("expected success, got %s (%v)", res, err)
	}
	handed, err := sess.HandoffConn()
	if err != nil {
		t.Fatalf("handoff: %v", err)
	}
	buf := make([]byte, 8)
	n, err := handed.Read(buf)
	if err != nil || string(buf[:n]) != "hi" {
		t.Fatalf("expected leftover replay %q, got %q (%v)", "hi", buf[:n], err)
	}
}

func TestContinueEOFFails(t *testing.T) {
	conn := &fakeConn{reads: [][]byte{{0x05}}}
	sess, _, err := Negotiate(context.Background(), TypeSOCKS5D, conn, "", "mainframe.example", 23)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	res, err := sess.Continue()
	if res != NeedMore || err != nil {
		t.Fatalf("expected need-more after partial read, got %s (%v)", res, err)
	}
	res, err = sess.Continue()
	if res != Failure || !errors.Is(err, schema.ErrProxyClosed) {
		t.Fatalf("expected proxy-closed failure, got %s (%v)", res, err)
	}
}

func TestFeedRejectsOversizedReply(t *testing.T) {
	sess, _, err := Negotiate(context.Background(), TypeHTTP, &fakeConn{}, "", "mainframe.example", 23)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	res, err := sess.Feed(bytes.Repeat([]byte("x"), maxReplyBytes+1))
	if res != Failure || !schema.IsKind(err, schema.ErrorNegotiation) {
		t.Fatalf("expected failure, got %s (%v)", res, err)
	}
}

func TestCloseReleasesSession(t *testing.T) {
	sess, _, err := Negotiate(context.Background(), TypeSOCKS5, &fakeConn{}, "", "192.0.2.1", 23)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	sess.Close()
	if _, err := sess.Feed([]byte{0x05, 0x00}); err == nil {
		t.Fatalf("expected feed after close to fail")
	}
}

func TestNegotiateLogsOutcome(t *testing.T) {
	capture := &logCapture{}
	logger := pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
	ctx := pslog.ContextWithLogger(context.Background(), logger)
	sess, _, err := Negotiate(ctx, TypeSOCKS4, &fakeConn{}, "", "192.0.2.1", 23)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if res, _ := sess.Feed([]byte{0x00, 0x5a, 0, 0, 0, 0, 0, 0}); res != Success {
		t.Fatalf("expected success, got %s", res)
	}
	entry := capture.firstEntry(t)
	if entry["proxy"] != "socks4" {
		t.Fatalf("expected proxy field, got %+v", entry)
	}
	if entry["target"] != "192.0.2.1:23" {
		t.Fatalf("expected target field, got %+v", entry)
	}
}

type logCapture struct {
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (c *logCapture) firstEntry(t *testing.T) map[string]any {
	t.Helper()
	data := c.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx == -1 {
		idx = len(data)
	}
	line := bytes.TrimSpace(data[:idx])
	entry := map[string]any{}
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("parse log entry: %v", err)
	}
	return entry
}
