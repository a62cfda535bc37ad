package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// httpState parses the CONNECT reply line by line. scan is the offset of the
// first byte not yet examined.
type httpState struct {
	scan   int
	status int
	text   string
	gotTop bool
}

func (d *httpState) start(_ context.Context, s *Session) (Result, error) {
	target := net.JoinHostPort(s.host, itoa(s.port))
	var req strings.Builder
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.0\r\n", target)
	fmt.Fprintf(&req, "Host: %s\r\n", target)
	if s.user != "" {
		fmt.Fprintf(&req, "Proxy-Authorization: Basic %s\r\n", base64.StdEncoding.EncodeToString([]byte(s.user)))
	}
	req.WriteString("\r\n")
	if err := s.send("http request", []byte(req.String())); err != nil {
		return Failure, err
	}
	return NeedMore, nil
}

func (d *httpState) advance(s *Session) (Result, error) {
	const op = "http reply"
	for {
		idx := bytes.IndexByte(s.rbuf[d.scan:], '\n')
		if idx < 0 {
			return NeedMore, nil
		}
		end := d.scan + idx + 1
		line := strings.TrimRight(string(s.rbuf[d.scan:end]), "\r\n")
		d.scan = end

		if !d.gotTop {
			d.gotTop = true
			status, text, err := parseStatusLine(line)
			if err != nil {
				return s.fail(op, Reply{}, "http proxy: %v", err)
			}
			d.status, d.text = status, text
			reply := Reply{Status: status, Message: strings.TrimSpace(fmt.Sprintf("%d %s", status, text))}
			if status < 200 || status > 299 {
				return s.fail(op, reply, "http proxy: %s", reply.Message)
			}
			continue
		}
		if line == "" {
			reply := Reply{Status: d.status, Message: strings.TrimSpace(fmt.Sprintf("%d %s", d.status, d.text))}
			return s.complete(end, reply)
		}
	}
}

func parseStatusLine(line string) (int, string, error) {
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return 0, "", fmt.Errorf("malformed status line %q", line)
	}
	rest = strings.TrimLeft(rest, " ")
	codeText, text, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeText)
	if err != nil || len(codeText) != 3 {
		return 0, "", fmt.Errorf("malformed status code in %q", line)
	}
	return code, strings.TrimSpace(text), nil
}
