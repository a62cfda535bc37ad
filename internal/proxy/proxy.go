// Package proxy negotiates a tunnel through a proxy server before the terminal
// protocol starts on a transport.
//
// Negotiation never blocks on the network: Negotiate writes the first request and
// every subsequent reply byte is handed to the Session through Feed (or read once
// through Continue when the caller knows the transport is readable). Replies may
// arrive split at any byte offset. Once a Session reports Success, Handoff
// transfers the transport and any bytes that followed the proxy reply to the caller
// exactly once.
package proxy

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"pkt.systems/blockterm/schema"
)

// Type is a proxy dialect.
type Type int

const (
	// TypeNone means a direct connection without a proxy.
	TypeNone Type = iota
	// TypePassthru is a pass-through proxy that needs no handshake.
	TypePassthru
	// TypeHTTP is an HTTP CONNECT tunnel.
	TypeHTTP
	// TypeTelnet is a telnet-style gateway that takes a "connect host port" line.
	TypeTelnet
	// TypeSOCKS4 is SOCKS version 4 with local name resolution.
	TypeSOCKS4
	// TypeSOCKS4A is SOCKS version 4A with proxy-side name resolution.
	TypeSOCKS4A
	// TypeSOCKS5 is SOCKS version 5 with local name resolution.
	TypeSOCKS5
	// TypeSOCKS5D is SOCKS version 5 with proxy-side name resolution.
	TypeSOCKS5D
)

var typeNames = []struct {
	typ  Type
	name string
	port uint16
}{
	{TypePassthru, "passthru", 3514},
	{TypeHTTP, "http", 3128},
	{TypeTelnet, "telnet", 0},
	{TypeSOCKS4, "socks4", 1080},
	{TypeSOCKS4A, "socks4a", 1080},
	{TypeSOCKS5, "socks5", 1080},
	{TypeSOCKS5D, "socks5d", 1080},
}

func (t Type) String() string {
	if t == TypeNone {
		return "none"
	}
	for _, entry := range typeNames {
		if entry.typ == t {
			return entry.name
		}
	}
	return fmt.Sprintf("proxy(%d)", int(t))
}

// DefaultPort returns the conventional port of the dialect, or 0 when the port
// must always be given.
func (t Type) DefaultPort() uint16 {
	for _, entry := range typeNames {
		if entry.typ == t {
			return entry.port
		}
	}
	return 0
}

// Names lists the dialect names accepted by Setup.
func Names() []string {
	names := make([]string, 0, len(typeNames))
	for _, entry := range typeNames {
		names = append(names, entry.name)
	}
	return names
}

// ParseType resolves a dialect name (case-insensitive).
func ParseType(name string) (Type, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, entry := range typeNames {
		if entry.name == name {
			return entry.typ, true
		}
	}
	return TypeNone, false
}

// Spec is a parsed proxy specification.
type Spec struct {
	Type Type
	User string
	Host string
	Port uint16
}

// Address returns the host:port of the proxy server.
func (s Spec) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(int(s.Port)))
}

// String renders the spec without credentials.
func (s Spec) String() string {
	if s.Type == TypeNone {
		return "none"
	}
	user := ""
	if s.User != "" {
		name, _, _ := strings.Cut(s.User, ":")
		user = name + "@"
	}
	return s.Type.String() + ":" + user + s.Address()
}

// Setup parses a proxy specification of the form type:[user@]host[:port].
// IPv6 literals must be bracketed. The port may be omitted for dialects that have
// a default port. On error the returned Spec is always the zero value.
func Setup(spec string) (Spec, error) {
	const op = "proxy setup"
	spec = strings.TrimSpace(spec)
	name, rest, ok := strings.Cut(spec, ":")
	if !ok || name == "" {
		return Spec{}, schema.ConfigError(op, schema.ErrMalformedProxySpec, "%q: expected type:[user@]host[:port]", spec)
	}
	typ, ok := ParseType(name)
	if !ok {
		return Spec{}, schema.ConfigError(op, schema.ErrUnknownProxyType, "unknown proxy type %q (expected one of %s)", name, strings.Join(Names(), ", "))
	}

	var user string
	if at := strings.LastIndexByte(rest, '@'); at >= 0 {
		user = rest[:at]
		rest = rest[at+1:]
		if user == "" {
			return Spec{}, schema.ConfigError(op, schema.ErrMalformedProxySpec, "%q: empty user", spec)
		}
	}

	host, portText, err := splitHostPort(rest)
	if err != nil {
		return Spec{}, schema.ConfigError(op, schema.ErrMalformedProxySpec, "%q: %v", spec, err)
	}
	port := typ.DefaultPort()
	if portText != "" {
		value, err := strconv.ParseUint(portText, 10, 16)
		if err != nil || value == 0 {
			return Spec{}, schema.ConfigError(op, schema.ErrMalformedProxySpec, "%q: invalid port %q", spec, portText)
		}
		port = uint16(value)
	}
	if port == 0 {
		return Spec{}, schema.ConfigError(op, schema.ErrMalformedProxySpec, "%q: %s proxy requires a port", spec, typ)
	}
	return Spec{Type: typ, User: user, Host: host, Port: port}, nil
}

func splitHostPort(value string) (host, port string, err error) {
	if strings.HasPrefix(value, "[") {
		end := strings.IndexByte(value, ']')
		if end < 0 {
			return "", "", fmt.Errorf("missing ']'")
		}
		host = value[1:end]
		tail := value[end+1:]
		switch {
		case tail == "":
		case strings.HasPrefix(tail, ":"):
			port = tail[1:]
			if port == "" {
				return "", "", fmt.Errorf("empty port")
			}
		default:
			return "", "", fmt.Errorf("unexpected %q after host", tail)
		}
	} else {
		switch strings.Count(value, ":") {
		case 0:
			host = value
		case 1:
			host, port, _ = strings.Cut(value, ":")
			if port == "" {
				return "", "", fmt.Errorf("empty port")
			}
		default:
			return "", "", fmt.Errorf("IPv6 hosts must be bracketed")
		}
	}
	if host == "" {
		return "", "", fmt.Errorf("empty host")
	}
	if strings.ContainsAny(host, " \t\r\n/@") {
		return "", "", fmt.Errorf("invalid host %q", host)
	}
	return host, port, nil
}
