package main

import (
	"bufio"
	"net"
	"path/filepath"
	"strings"
	"testing"
)

func missingConfig(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "absent.yaml")
}

func TestConnectHeadlessExecute(t *testing.T) {
	out, _, err := execute(t, nil, "connect", "-c", missingConfig(t), "-e", `Info("hello there")`, "-e", "Query(Connected)")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if out != "hello there\nfalse\n" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestConnectHeadlessFailureReturnsError(t *testing.T) {
	out, _, err := execute(t, nil, "connect", "-c", missingConfig(t), "-e", "Bogus()")
	if err == nil {
		t.Fatalf("expected failure")
	}
	if !strings.HasPrefix(out, "error: ") {
		t.Fatalf("expected error message, got %q", out)
	}
}

func TestConnectRejectsBadProxy(t *testing.T) {
	_, _, err := execute(t, nil, "connect", "-c", missingConfig(t), "--proxy", "socks9:host", "-e", "Info(x)")
	if err == nil || !strings.Contains(err.Error(), "proxy") {
		t.Fatalf("expected proxy error, got %v", err)
	}
}

func TestConnectScriptAgainstHost(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if line, _ := bufio.NewReader(conn).ReadString('\n'); line == "ping\r\n" {
			_, _ = conn.Write([]byte("pong\r\n"))
		}
		_, _ = bufio.NewReader(conn).ReadString('\n')
	}()

	// Peer commands run ahead of the queued Connect, so the script waits for it.
	script := "Wait(5,Connected)\nString(ping) Enter() Expect(pong,5)\n"
	out, _, err := execute(t, strings.NewReader(script), "connect", "-c", missingConfig(t), "--script", "--echo", ln.Addr().String())
	if err != nil {
		t.Fatalf("connect: %v\n%s", err, out)
	}
	if !strings.Contains(out, "pong\r\n") {
		t.Fatalf("host output missing:\n%s", out)
	}
	if strings.Count(out, "\nok\n") != 2 || !strings.HasSuffix(out, "\nok\n") {
		t.Fatalf("expected two ok replies:\n%s", out)
	}
}
