package client

import (
	"context"
	"errors"
	"io"
)

// RunHeadless drives the client without a terminal. Script lines read from in
// go to the peer interface when one is configured, and a configured capture is
// queued behind the commands already queued. Run ends once in is exhausted and
// every command has been answered, or when Quit runs.
func (c *Client) RunHeadless(ctx context.Context, in io.Reader) error {
	if c.capture != nil {
		if err := c.capture.Push(c.sched); err != nil {
			return err
		}
	}
	exhausted := true
	if in != nil && c.peer != nil {
		exhausted = false
		c.loop.Read(in, c.peer.Feed, func(err error) {
			if err != nil && !errors.Is(err, io.EOF) {
				c.log.Warn("peer input failed", "err", err)
			}
			c.peer.Close()
			exhausted = true
		})
	}
	c.loop.AfterEach(func() {
		if exhausted && !c.Busy() {
			c.log.Debug("headless run complete", "failed", c.Failed())
			c.loop.Stop()
		}
	})
	return c.Run(ctx)
}
