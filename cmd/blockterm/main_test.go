package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRootSubcommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	want := []string{"config", "connect", "macros", "proxy", "serve", "version"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("subcommands mismatch (-want +got):\n%s", diff)
	}
}

// execute runs the root command with HOME pointed at a temp dir so defaults
// never touch the real home directory.
func execute(t *testing.T, stdin io.Reader, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	if stdin != nil {
		root.SetIn(stdin)
	}
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestVersionPrintsModule(t *testing.T) {
	out, _, err := execute(t, nil, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "blockterm") {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestConfigInitThenShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")
	if _, _, err := execute(t, nil, "config", "init", "-c", path); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if _, _, err := execute(t, nil, "config", "init", "-c", path); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	out, _, err := execute(t, nil, "config", "show", "-c", path)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	for _, want := range []string{"config_version: 1", "connect_timeout_seconds: 30", "name: clear"} {
		if !strings.Contains(out, want) {
			t.Fatalf("show output lacks %q:\n%s", want, out)
		}
	}
}

func TestMacrosListsScopes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "config_version: 1\n" +
		"macros:\n" +
		"  - name: login\n" +
		"    parents: [mainframe]\n" +
		"    action: String(user) Enter()\n" +
		"  - name: bye\n" +
		"    action: Disconnect()\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, _, err := execute(t, nil, "macros", "-c", path)
	if err != nil {
		t.Fatalf("macros: %v", err)
	}
	if !strings.Contains(out, "login\tmainframe\tString(user) Enter()\n") || !strings.Contains(out, "bye\t*\tDisconnect()\n") {
		t.Fatalf("unexpected listing:\n%s", out)
	}
	if !strings.Contains(out, "actions: ") {
		t.Fatalf("missing action list:\n%s", out)
	}
	out, _, err = execute(t, nil, "macros", "-c", path, "--host", "elsewhere")
	if err != nil {
		t.Fatalf("macros --host: %v", err)
	}
	if strings.Contains(out, "login\t") {
		t.Fatalf("out-of-scope macro listed:\n%s", out)
	}
}
