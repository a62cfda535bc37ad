package proxy

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"

	"pkt.systems/blockterm/schema"
)

// SOCKS address types.
const (
	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04
)

func itoa(port uint16) string {
	return strconv.Itoa(int(port))
}

// appendSocksAddr encodes atyp, address and big-endian port.
func appendSocksAddr(b []byte, host string, ip net.IP, port uint16) ([]byte, error) {
	switch {
	case ip.To4() != nil:
		b = append(b, atypIPv4)
		b = append(b, ip.To4()...)
	case ip != nil:
		b = append(b, atypIPv6)
		b = append(b, ip.To16()...)
	default:
		if len(host) > 255 {
			return nil, fmt.Errorf("host name too long (%d bytes)", len(host))
		}
		b = append(b, atypDomain, byte(len(host)))
		b = append(b, host...)
	}
	return binary.BigEndian.AppendUint16(b, port), nil
}

// socksAddrLen returns the encoded length of the address body following atyp
// (including the port) or -1 when more bytes are needed to know.
func socksAddrLen(atyp byte, body []byte) (int, error) {
	switch atyp {
	case atypIPv4:
		return net.IPv4len + 2, nil
	case atypIPv6:
		return net.IPv6len + 2, nil
	case atypDomain:
		if len(body) < 1 {
			return -1, nil
		}
		return 1 + int(body[0]) + 2, nil
	default:
		return 0, fmt.Errorf("unknown address type 0x%02x", atyp)
	}
}

func parseSocksAddr(atyp byte, body []byte) (string, uint16) {
	var addr string
	switch atyp {
	case atypIPv4:
		addr = net.IP(body[:net.IPv4len]).String()
		body = body[net.IPv4len:]
	case atypIPv6:
		addr = net.IP(body[:net.IPv6len]).String()
		body = body[net.IPv6len:]
	case atypDomain:
		n := int(body[0])
		addr = string(body[1 : 1+n])
		body = body[1+n:]
	}
	return addr, binary.BigEndian.Uint16(body[:2])
}

// ResolveTarget looks host up the way Negotiate does for dialects that resolve
// the target locally (socks4, socks5). It returns nil without error for other
// dialects and for IP literals. Callers that must not block while negotiating
// resolve first and hand the address to Negotiate through WithTargetIP.
func ResolveTarget(ctx context.Context, typ Type, r Resolver, host string) (net.IP, error) {
	if typ != TypeSOCKS4 && typ != TypeSOCKS5 {
		return nil, nil
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if net.ParseIP(host) != nil {
		return nil, nil
	}
	if r == nil {
		r = net.DefaultResolver
	}
	return lookupTarget(ctx, r, typ, host, typ == TypeSOCKS4)
}

// resolve returns the target address. A WithTargetIP address is used as is;
// otherwise IP literals are parsed and names looked up. When want4 is set only
// IPv4 addresses are acceptable.
func (s *Session) resolve(ctx context.Context, want4 bool) (net.IP, error) {
	ip := s.targetIP
	if ip == nil {
		ip = net.ParseIP(s.host)
	}
	if ip == nil {
		return lookupTarget(ctx, s.resolver, s.typ, s.host, want4)
	}
	if want4 && ip.To4() == nil {
		return nil, schema.NegotiationError("proxy resolve", nil, "%s cannot reach IPv6 address %s", s.typ, ip)
	}
	return ip, nil
}

func lookupTarget(ctx context.Context, r Resolver, typ Type, host string, want4 bool) (net.IP, error) {
	const op = "proxy resolve"
	addrs, err := r.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, schema.NegotiationError(op, err, "resolve %s: %v", host, err)
	}
	for _, addr := range addrs {
		if addr.IP.To4() != nil {
			return addr.IP.To4(), nil
		}
	}
	if !want4 && len(addrs) > 0 {
		return addrs[0].IP, nil
	}
	return nil, schema.NegotiationError(op, nil, "%s: no usable address for %s", typ, host)
}
