package proxy

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
)

const (
	socks4Version   = 0x04
	socks4Connect   = 0x01
	socks4Granted   = 0x5a
	socks4ReplySize = 8
)

// socks4State covers SOCKS4 and SOCKS4A. The reply is a single 8-byte record.
type socks4State struct {
	remoteDNS bool
}

func (d *socks4State) start(ctx context.Context, s *Session) (Result, error) {
	var ip net.IP
	sendName := false
	if d.remoteDNS {
		if parsed := net.ParseIP(s.host); parsed != nil {
			if parsed.To4() == nil {
				return s.fail("socks4 request", Reply{}, "%s cannot reach IPv6 address %s", s.typ, s.host)
			}
			ip = parsed.To4()
		} else {
			// 0.0.0.x with x != 0 asks the proxy to resolve the trailing name.
			ip = net.IPv4(0, 0, 0, 1).To4()
			sendName = true
		}
	} else {
		resolved, err := s.resolve(ctx, true)
		if err != nil {
			return Failure, err
		}
		ip = resolved.To4()
	}

	// The user id carries the name only; SOCKS4 has no password field.
	userID, _, _ := strings.Cut(s.user, ":")
	req := make([]byte, 0, 9+len(userID)+len(s.host)+1)
	req = append(req, socks4Version, socks4Connect)
	req = binary.BigEndian.AppendUint16(req, s.port)
	req = append(req, ip...)
	req = append(req, userID...)
	req = append(req, 0)
	if sendName {
		req = append(req, s.host...)
		req = append(req, 0)
	}
	if err := s.send("socks4 request", req); err != nil {
		return Failure, err
	}
	return NeedMore, nil
}

func (d *socks4State) advance(s *Session) (Result, error) {
	const op = "socks4 reply"
	// The version byte of the reply varies between servers and is ignored.
	if len(s.rbuf) < 2 {
		return NeedMore, nil
	}
	status := int(s.rbuf[1])
	reply := Reply{Status: status, Message: socks4Message(status)}
	if status != socks4Granted {
		return s.fail(op, reply, "socks4 proxy: %s", reply.Message)
	}
	if len(s.rbuf) < socks4ReplySize {
		return NeedMore, nil
	}
	return s.complete(socks4ReplySize, reply)
}

func socks4Message(status int) string {
	switch status {
	case socks4Granted:
		return "request granted"
	case 0x5b:
		return "request rejected or failed"
	case 0x5c:
		return "request rejected: client is not running identd"
	case 0x5d:
		return "request rejected: identd could not confirm the user id"
	default:
		return fmt.Sprintf("unknown status 0x%02x", status)
	}
}
