package sshserver

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"pkt.systems/blockterm/internal/appconfig"
)

func newSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer
}

func startServer(t *testing.T, authorized ...ssh.Signer) string {
	t.Helper()
	dir := t.TempDir()
	var keys bytes.Buffer
	keys.WriteString("# test keys\n")
	for _, s := range authorized {
		keys.Write(ssh.MarshalAuthorizedKey(s.PublicKey()))
	}
	keysPath := filepath.Join(dir, "authorized_keys")
	if err := os.WriteFile(keysPath, keys.Bytes(), 0o600); err != nil {
		t.Fatalf("write keys: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &Server{
		Config: Config{
			HostKeyPath:        filepath.Join(dir, "ssh_host_key"),
			AuthorizedKeysPath: keysPath,
		},
		Client:   appconfig.Config{ConfigVersion: appconfig.CurrentConfigVersion, ConnectTimeout: 5},
		Listener: ln,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.ListenAndServe(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Errorf("server did not stop")
		}
	})
	return ln.Addr().String()
}

func dial(addr string, signer ssh.Signer) (*ssh.Client, error) {
	return ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "alice",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         3 * time.Second,
	})
}

func TestScriptSessionRunsCommandAndPeerLines(t *testing.T) {
	key := newSigner(t)
	addr := startServer(t, key)
	conn, err := dial(addr, key)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	sess, err := conn.NewSession()
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	defer sess.Close()
	var stdout, stderr bytes.Buffer
	sess.Stdin = strings.NewReader("Info(peer)\n")
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if err := sess.Run(`Info("from command")`); err != nil {
		t.Fatalf("run: %v (stderr %q)", err, stderr.String())
	}
	if stderr.String() != "from command\n" {
		t.Fatalf("stderr %q", stderr.String())
	}
	out := stdout.String()
	if !strings.HasPrefix(out, "data: peer\nN N ") || !strings.HasSuffix(out, "\nok\n") {
		t.Fatalf("stdout %q", out)
	}
}

func TestScriptSessionFailureSetsExitStatus(t *testing.T) {
	key := newSigner(t)
	addr := startServer(t, key)
	conn, err := dial(addr, key)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	sess, err := conn.NewSession()
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	defer sess.Close()
	err = sess.Run("Bogus()")
	var exit *ssh.ExitError
	if !errors.As(err, &exit) || exit.ExitStatus() != 1 {
		t.Fatalf("expected exit status 1, got %v", err)
	}
}

func TestUnknownKeyRejected(t *testing.T) {
	addr := startServer(t, newSigner(t))
	if conn, err := dial(addr, newSigner(t)); err == nil {
		_ = conn.Close()
		t.Fatalf("expected authentication failure")
	}
}

func TestAuthorizedKeysReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "authorized_keys")
	first, second := newSigner(t), newSigner(t)
	if err := os.WriteFile(path, ssh.MarshalAuthorizedKey(first.PublicKey()), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	keys, err := NewAuthorizedKeys(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok, _ := keys.Has(second.PublicKey()); ok {
		t.Fatalf("second key must not be authorized yet")
	}
	data := append(ssh.MarshalAuthorizedKey(first.PublicKey()), ssh.MarshalAuthorizedKey(second.PublicKey())...)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if ok, err := keys.Has(second.PublicKey()); err != nil || !ok {
		t.Fatalf("expected reloaded key, got %v %v", ok, err)
	}
	if keys.Len() != 2 {
		t.Fatalf("expected 2 keys, got %d", keys.Len())
	}
}

func TestAuthorizedKeysRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authorized_keys")
	if err := os.WriteFile(path, []byte("not a key\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewAuthorizedKeys(path, nil); err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestLoadHostKeyReusesKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "host")
	first, err := LoadHostKey(path, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := LoadHostKey(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(first.PublicKey().Marshal(), second.PublicKey().Marshal()) {
		t.Fatalf("host key changed between loads")
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the key file, found %d entries", len(entries))
	}
}

func TestLoadHostKeyRefusesOpenMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host")
	if _, err := LoadHostKey(path, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if _, err := LoadHostKey(path, nil); err == nil || !strings.Contains(err.Error(), "want 0600") {
		t.Fatalf("expected mode error, got %v", err)
	}
}
