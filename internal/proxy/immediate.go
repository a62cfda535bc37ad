package proxy

import (
	"context"
	"fmt"
)

// immediateState serves dialects that expect no reply: direct connections,
// pass-through proxies and telnet gateways.
type immediateState struct {
	telnet bool
}

func (d *immediateState) start(_ context.Context, s *Session) (Result, error) {
	if d.telnet {
		if err := s.send("telnet request", []byte(fmt.Sprintf("connect %s %d\r\n", s.host, s.port))); err != nil {
			return Failure, err
		}
	}
	return s.complete(0, Reply{})
}

func (d *immediateState) advance(s *Session) (Result, error) {
	return s.complete(0, s.reply)
}
