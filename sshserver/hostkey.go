package sshserver

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"pkt.systems/pslog"
)

// LoadHostKey returns the server's host key, generating an ed25519 key at path
// on first use. An existing key readable by group or others is refused.
func LoadHostKey(path string, logger pslog.Logger) (ssh.Signer, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("ssh host key path is required")
	}
	info, err := os.Stat(path)
	switch {
	case err == nil:
		if info.Mode().Perm()&0o077 != 0 {
			return nil, fmt.Errorf("host key %s has mode %04o, want 0600", path, info.Mode().Perm())
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read host key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse host key %s: %w", path, err)
		}
		logHostKey(logger, "ssh host key loaded", path, signer)
		return signer, nil
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("stat host key: %w", err)
	}

	signer, err := generateHostKey(path)
	if err != nil {
		return nil, err
	}
	logHostKey(logger, "ssh host key created", path, signer)
	return signer, nil
}

// generateHostKey writes the key to a temp file and links it into place; path
// is either absent or complete.
func generateHostKey(path string) (ssh.Signer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create host key dir: %w", err)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "blockterm host key")
	if err != nil {
		return nil, fmt.Errorf("marshal host key: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".hostkey-*")
	if err != nil {
		return nil, fmt.Errorf("write host key: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if err := pem.Encode(tmp, block); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("encode host key: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close host key: %w", err)
	}
	if err := os.Link(tmp.Name(), path); err != nil {
		return nil, fmt.Errorf("install host key: %w", err)
	}
	return ssh.NewSignerFromKey(priv)
}

func logHostKey(logger pslog.Logger, msg, path string, signer ssh.Signer) {
	if logger == nil {
		return
	}
	logger.Info(msg, "path", path, "fingerprint", ssh.FingerprintSHA256(signer.PublicKey()))
}
