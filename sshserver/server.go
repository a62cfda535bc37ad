// Package sshserver serves client sessions over SSH. A session with a pty gets
// the interactive terminal; a session without one speaks the peer scripting
// protocol on its channel.
package sshserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	gliderssh "github.com/gliderlabs/ssh"
	"golang.org/x/crypto/ssh"

	"pkt.systems/blockterm/internal/appconfig"
	"pkt.systems/blockterm/internal/client"
	"pkt.systems/blockterm/internal/host"
	"pkt.systems/blockterm/internal/logx"
	"pkt.systems/blockterm/internal/proxy"
	"pkt.systems/pslog"
)

// Server exposes the client over SSH.
type Server struct {
	Config   Config
	Client   appconfig.Config
	Listener net.Listener
	Dialer   host.Dialer
	Resolver proxy.Resolver
	logger   pslog.Logger
	keys     *AuthorizedKeys
}

// ListenAndServe starts the SSH server and shuts down on context cancellation.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.Config.IdlePrompt == "" {
		s.Config.IdlePrompt = "> "
	}
	if s.logger == nil {
		s.logger = logx.Ctx(ctx)
	}

	signer, err := LoadHostKey(s.Config.HostKeyPath, s.logger)
	if err != nil {
		return err
	}
	keys, err := NewAuthorizedKeys(s.Config.AuthorizedKeysPath, s.logger)
	if err != nil {
		return err
	}
	s.keys = keys

	server := &gliderssh.Server{
		Addr:             s.Config.Addr,
		Handler:          s.handleSession,
		PublicKeyHandler: s.handlePublicKey,
	}
	server.AddHostKey(signer)

	errCh := make(chan error, 1)
	go func() {
		if s.Listener != nil {
			errCh <- server.Serve(s.Listener)
			return
		}
		errCh <- server.ListenAndServe()
	}()
	s.logger.Info("ssh server start", "addr", s.Config.Addr, "authorized_keys", keys.Len())

	select {
	case <-ctx.Done():
		_ = server.Close()
		return nil
	case err := <-errCh:
		if errors.Is(err, gliderssh.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handlePublicKey(ctx gliderssh.Context, key gliderssh.PublicKey) bool {
	log := s.logger.With("user", ctx.User(), "remote", remoteAddr(ctx), "fingerprint", ssh.FingerprintSHA256(key))
	ok, err := s.keys.Has(key)
	if err != nil {
		log.Warn("ssh pubkey rejected", "err", err)
		return false
	}
	if !ok {
		log.Warn("ssh pubkey rejected", "reason", "no matching key")
		return false
	}
	log.Info("ssh pubkey accepted")
	return true
}

func remoteAddr(ctx gliderssh.Context) string {
	if ctx == nil || ctx.RemoteAddr() == nil {
		return ""
	}
	return ctx.RemoteAddr().String()
}

func (s *Server) handleSession(sess gliderssh.Session) {
	log := s.logger.With("user", sess.User(), "remote", sess.RemoteAddr().String())
	if id := sess.Context().SessionID(); id != "" {
		log = log.With("ssh_session", id)
	}
	ctx := pslog.ContextWithLogger(sess.Context(), log)

	pty, winCh, interactive := sess.Pty()
	if interactive {
		go func() {
			// Window sizes do not matter to a byte-stream terminal.
			for range winCh {
			}
		}()
		log.Info("ssh session opened", "term", pty.Term)
		err := s.runTerminal(ctx, sess, log)
		log.Info("ssh session closed", "err", err)
		return
	}

	log.Info("ssh script session opened", "command", sess.RawCommand())
	failed, err := s.runScript(ctx, sess, log)
	log.Info("ssh script session closed", "failed", failed, "err", err)
	status := 0
	if failed || err != nil {
		status = 1
	}
	_ = sess.Exit(status)
}

func (s *Server) runTerminal(ctx context.Context, sess gliderssh.Session, log pslog.Logger) error {
	term := client.NewTerminal(sess, s.Config.IdlePrompt)
	c, err := client.New(client.Options{
		Config:   s.Client,
		Logger:   log,
		Dialer:   s.Dialer,
		Resolver: s.Resolver,
		Screen:   sess,
		Messages: term,
	})
	if err != nil {
		_, _ = fmt.Fprintf(sess, "session setup failed: %v\r\n", err)
		return err
	}
	if target := strings.TrimSpace(s.Client.Host); target != "" {
		if err := c.Connect(target); err != nil {
			return err
		}
	}
	return term.Run(ctx, c, sess)
}

// runScript treats the remote command, if any, as the first command and the
// channel as a peer script.
func (s *Server) runScript(ctx context.Context, sess gliderssh.Session, log pslog.Logger) (bool, error) {
	c, err := client.New(client.Options{
		Config:   s.Client,
		Logger:   log,
		Dialer:   s.Dialer,
		Resolver: s.Resolver,
		Messages: sess.Stderr(),
		Peer:     sess,
	})
	if err != nil {
		_, _ = fmt.Fprintf(sess.Stderr(), "session setup failed: %v\n", err)
		return true, err
	}
	if command := strings.TrimSpace(sess.RawCommand()); command != "" {
		if err := c.Command(command); err != nil {
			_, _ = io.WriteString(sess.Stderr(), err.Error()+"\n")
			return true, nil
		}
	}
	err = c.RunHeadless(ctx, sess)
	return c.Failed(), err
}
