package proxy

import (
	"context"
	"fmt"
	"net"
	"strings"
)

const (
	socks5Version      = 0x05
	socks5Connect      = 0x01
	socks5MethodNone   = 0x00
	socks5MethodPasswd = 0x02
	socks5NoAcceptable = 0xff
	socks5AuthVersion  = 0x01
)

type socks5Phase int

const (
	socks5AwaitMethod socks5Phase = iota
	socks5AwaitAuth
	socks5AwaitConnect
)

// socks5State covers SOCKS5 and SOCKS5 with proxy-side resolution. Each phase
// reply is consumed from the buffer before the next request is written.
type socks5State struct {
	remoteDNS bool
	phase     socks5Phase
	request   []byte
}

func (d *socks5State) start(ctx context.Context, s *Session) (Result, error) {
	const op = "socks5 request"
	var ip net.IP
	if parsed := net.ParseIP(s.host); parsed != nil {
		ip = parsed
	} else if !d.remoteDNS {
		resolved, err := s.resolve(ctx, false)
		if err != nil {
			return Failure, err
		}
		ip = resolved
	}
	req := []byte{socks5Version, socks5Connect, 0x00}
	req, err := appendSocksAddr(req, s.host, ip, s.port)
	if err != nil {
		return s.fail(op, Reply{}, "socks5: %v", err)
	}
	d.request = req

	if s.user != "" {
		name, pass, _ := strings.Cut(s.user, ":")
		if len(name) > 255 || len(pass) > 255 {
			return s.fail(op, Reply{}, "socks5: user name or password longer than 255 bytes")
		}
	}

	greeting := []byte{socks5Version, 1, socks5MethodNone}
	if s.user != "" {
		greeting = []byte{socks5Version, 2, socks5MethodNone, socks5MethodPasswd}
	}
	if err := s.send("socks5 greeting", greeting); err != nil {
		return Failure, err
	}
	d.phase = socks5AwaitMethod
	return NeedMore, nil
}

func (d *socks5State) advance(s *Session) (Result, error) {
	for {
		switch d.phase {
		case socks5AwaitMethod:
			if len(s.rbuf) < 2 {
				return NeedMore, nil
			}
			version, method := s.rbuf[0], s.rbuf[1]
			s.consume(2)
			if version != socks5Version {
				return s.fail("socks5 method", Reply{}, "bad reply version 0x%02x", version)
			}
			switch method {
			case socks5MethodNone:
				if err := s.send("socks5 connect", d.request); err != nil {
					return Failure, err
				}
				d.phase = socks5AwaitConnect
			case socks5MethodPasswd:
				if s.user == "" {
					return s.fail("socks5 method", Reply{}, "socks5 proxy requires username/password authentication")
				}
				name, pass, _ := strings.Cut(s.user, ":")
				auth := make([]byte, 0, 3+len(name)+len(pass))
				auth = append(auth, socks5AuthVersion, byte(len(name)))
				auth = append(auth, name...)
				auth = append(auth, byte(len(pass)))
				auth = append(auth, pass...)
				if err := s.send("socks5 auth", auth); err != nil {
					return Failure, err
				}
				d.phase = socks5AwaitAuth
			case socks5NoAcceptable:
				return s.fail("socks5 method", Reply{Status: int(method)}, "socks5 proxy accepted no authentication method")
			default:
				return s.fail("socks5 method", Reply{Status: int(method)}, "socks5 proxy chose unsupported method 0x%02x", method)
			}

		case socks5AwaitAuth:
			if len(s.rbuf) < 2 {
				return NeedMore, nil
			}
			status := s.rbuf[1]
			s.consume(2)
			if status != 0x00 {
				return s.fail("socks5 auth", Reply{Status: int(status)}, "socks5 authentication failed (status 0x%02x)", status)
			}
			if err := s.send("socks5 connect", d.request); err != nil {
				return Failure, err
			}
			d.phase = socks5AwaitConnect

		case socks5AwaitConnect:
			return d.connectReply(s)
		}
	}
}

func (d *socks5State) connectReply(s *Session) (Result, error) {
	const op = "socks5 reply"
	if len(s.rbuf) < 1 {
		return NeedMore, nil
	}
	if s.rbuf[0] != socks5Version {
		return s.fail(op, Reply{}, "bad reply version 0x%02x", s.rbuf[0])
	}
	if len(s.rbuf) < 4 {
		if len(s.rbuf) >= 2 && s.rbuf[1] != 0x00 {
			return s.fail(op, Reply{Status: int(s.rbuf[1]), Message: socks5Message(s.rbuf[1])}, "socks5 proxy: %s", socks5Message(s.rbuf[1]))
		}
		return NeedMore, nil
	}
	rep := s.rbuf[1]
	reply := Reply{Status: int(rep), Message: socks5Message(rep)}
	if rep != 0x00 {
		return s.fail(op, reply, "socks5 proxy: %s", reply.Message)
	}
	atyp := s.rbuf[3]
	body := s.rbuf[4:]
	n, err := socksAddrLen(atyp, body)
	if err != nil {
		return s.fail(op, reply, "socks5: %v", err)
	}
	if n < 0 || len(body) < n {
		return NeedMore, nil
	}
	reply.BoundAddr, reply.BoundPort = parseSocksAddr(atyp, body)
	return s.complete(4+n, reply)
}

func socks5Message(rep byte) string {
	switch rep {
	case 0x00:
		return "succeeded"
	case 0x01:
		return "general SOCKS server failure"
	case 0x02:
		return "connection not allowed by ruleset"
	case 0x03:
		return "network unreachable"
	case 0x04:
		return "host unreachable"
	case 0x05:
		return "connection refused"
	case 0x06:
		return "TTL expired"
	case 0x07:
		return "command not supported"
	case 0x08:
		return "address type not supported"
	default:
		return fmt.Sprintf("unknown reply 0x%02x", rep)
	}
}
