package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"pkt.systems/blockterm/internal/appconfig"
	"pkt.systems/blockterm/internal/client"
	"pkt.systems/pslog"
)

type connectOptions struct {
	cfgPath  string
	proxy    string
	execute  []string
	script   bool
	capture  string
	echo     bool
	trace    bool
	headless bool
}

func newConnectCmd() *cobra.Command {
	var opts connectOptions
	cmd := &cobra.Command{
		Use:   "connect [host[:port]]",
		Short: "Connect to a host interactively or run commands against it",
		Long: "Connect opens the interactive terminal when stdin is a terminal and no\n" +
			"headless option is given. Otherwise it runs the -e commands, reads peer\n" +
			"script lines from stdin with --script, and exits when everything is done.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(opts.cfgPath)
			if err != nil {
				return err
			}
			if opts.proxy != "" {
				cfg.Proxy = opts.proxy
			}
			if opts.trace {
				cfg.Script.Trace = true
			}
			if err := appconfig.Validate(cfg); err != nil {
				return err
			}
			target := cfg.Host
			if len(args) == 1 {
				target = args[0]
			}
			stdin := cmd.InOrStdin()
			interactive := !opts.headless && !opts.script && opts.capture == "" && len(opts.execute) == 0 && isTerminal(stdin)
			if interactive {
				return runInteractive(cmd, cfg, target)
			}
			return runHeadless(cmd, cfg, target, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.cfgPath, "config", "c", "", "config path (default ~/.blockterm/config.yaml)")
	cmd.Flags().StringVar(&opts.proxy, "proxy", "", "proxy specification type:[user@]host[:port]")
	cmd.Flags().StringArrayVarP(&opts.execute, "execute", "e", nil, "command to run after connecting (repeatable)")
	cmd.Flags().BoolVar(&opts.script, "script", false, "read peer script commands from stdin and answer on stdout")
	cmd.Flags().StringVar(&opts.capture, "capture", "", "record host output to a file until the host disconnects")
	cmd.Flags().BoolVar(&opts.echo, "echo", false, "write host output to stdout in headless mode")
	cmd.Flags().BoolVar(&opts.trace, "trace", false, "log every peer script command")
	cmd.Flags().BoolVar(&opts.headless, "headless", false, "never open the interactive terminal")
	return cmd
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func runInteractive(cmd *cobra.Command, cfg appconfig.Config, target string) error {
	ctx := cmd.Context()
	logger := pslog.Ctx(ctx)
	stdin := cmd.InOrStdin().(*os.File)
	state, err := term.MakeRaw(int(stdin.Fd()))
	if err != nil {
		return fmt.Errorf("raw terminal: %w", err)
	}
	defer func() {
		if err := term.Restore(int(stdin.Fd()), state); err != nil {
			logger.Warn("terminal restore failed", "err", err)
		}
	}()

	out := cmd.OutOrStdout()
	ui := client.NewTerminal(out, cfg.SSH.IdlePrompt)
	c, err := client.New(client.Options{
		Config:   cfg,
		Logger:   logger,
		Screen:   out,
		Messages: ui,
	})
	if err != nil {
		return err
	}
	if strings.TrimSpace(target) != "" {
		if err := c.Connect(target); err != nil {
			return err
		}
	}
	err = ui.Run(ctx, c, stdin)
	_, _ = io.WriteString(out, "\r\n")
	return err
}

func runHeadless(cmd *cobra.Command, cfg appconfig.Config, target string, opts connectOptions) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	clientOpts := client.Options{
		Config:   cfg,
		Logger:   pslog.Ctx(ctx),
		Messages: out,
	}
	if opts.script {
		clientOpts.Peer = out
		clientOpts.Messages = cmd.ErrOrStderr()
	}
	if opts.echo {
		clientOpts.Screen = out
	}
	if opts.capture != "" {
		f, err := os.OpenFile(opts.capture, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			return fmt.Errorf("open capture: %w", err)
		}
		defer func() { _ = f.Close() }()
		clientOpts.Capture = f
	}
	c, err := client.New(clientOpts)
	if err != nil {
		return err
	}
	if strings.TrimSpace(target) != "" {
		if err := c.Connect(target); err != nil {
			return err
		}
	}
	for _, command := range opts.execute {
		if err := c.Command(command); err != nil {
			return err
		}
	}
	var in io.Reader
	if opts.script {
		in = cmd.InOrStdin()
	}
	if err := c.RunHeadless(ctx, in); err != nil {
		return err
	}
	if c.Failed() {
		return errors.New("one or more commands failed")
	}
	return nil
}
