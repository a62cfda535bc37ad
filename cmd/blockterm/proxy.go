package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/blockterm/internal/action"
	"pkt.systems/blockterm/internal/host"
	"pkt.systems/blockterm/internal/proxy"
	"pkt.systems/pslog"
)

func newProxyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Check proxy specifications and servers",
	}
	cmd.AddCommand(newProxyParseCmd())
	cmd.AddCommand(newProxyTunnelCmd())
	return cmd
}

func newProxyParseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse SPEC",
		Short: "Validate a proxy specification and print its parts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := proxy.Setup(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, err = fmt.Fprintf(out, "type: %s\nhost: %s\nport: %d\nuser: %s\n", spec.Type, spec.Host, spec.Port, userName(spec.User))
			return err
		},
	}
}

func userName(user string) string {
	if user == "" {
		return "-"
	}
	name, _, _ := strings.Cut(user, ":")
	return name
}

type tunnelOptions struct {
	timeout time.Duration
	read    time.Duration
	dialer  host.Dialer
}

func newProxyTunnelCmd() *cobra.Command {
	opts := tunnelOptions{dialer: &net.Dialer{}}
	cmd := &cobra.Command{
		Use:   "tunnel SPEC TARGET",
		Short: "Negotiate a tunnel to TARGET through the proxy and report the reply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return openTunnel(cmd.Context(), cmd.OutOrStdout(), args[0], args[1], opts)
		},
	}
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "negotiation timeout")
	cmd.Flags().DurationVar(&opts.read, "read", 0, "after success, read from the tunnel this long and print what arrives")
	return cmd
}

func openTunnel(ctx context.Context, out io.Writer, specText, target string, opts tunnelOptions) error {
	logger := pslog.Ctx(ctx)
	spec, err := proxy.Setup(specText)
	if err != nil {
		return err
	}
	name, port, err := host.ParseTarget(target, host.DefaultPort)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	logger.Info("proxy tunnel start", "proxy", spec.String(), "target", net.JoinHostPort(name, strconv.Itoa(int(port))))
	conn, err := opts.dialer.DialContext(ctx, "tcp", spec.Address())
	if err != nil {
		return fmt.Errorf("dial proxy %s: %w", spec.Address(), err)
	}
	defer func() { _ = conn.Close() }()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	sess, res, err := proxy.Negotiate(ctx, spec.Type, conn, spec.User, name, port, proxy.WithLogger(logger))
	for err == nil && res == proxy.NeedMore {
		res, err = sess.Continue()
	}
	if err != nil {
		return err
	}
	if res != proxy.Success {
		return errors.New("proxy negotiation failed")
	}
	reply := sess.Reply()
	if _, err := fmt.Fprintf(out, "%s: tunnel to %s:%d established", spec.Type, name, port); err != nil {
		return err
	}
	if reply.Message != "" || reply.Status != 0 {
		_, _ = fmt.Fprintf(out, " (%d %s)", reply.Status, reply.Message)
	}
	if reply.BoundAddr != "" {
		_, _ = fmt.Fprintf(out, " bound %s", net.JoinHostPort(reply.BoundAddr, strconv.Itoa(int(reply.BoundPort))))
	}
	_, _ = io.WriteString(out, "\n")

	tunnel, err := sess.HandoffConn()
	if err != nil {
		return err
	}
	if opts.read <= 0 {
		return nil
	}
	_ = tunnel.SetDeadline(time.Now().Add(opts.read))
	banner, err := io.ReadAll(io.LimitReader(tunnel, 4096))
	if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("read tunnel: %w", err)
	}
	_, err = fmt.Fprintf(out, "received %d bytes: %s\n", len(banner), action.Quote(string(banner)))
	return err
}
