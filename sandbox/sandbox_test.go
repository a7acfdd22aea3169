package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"
)

// skipIfNixStore skips tests that build jail arguments: on hosts with a nix
// store that path queries the store closure via nix-store.
func skipIfNixStore(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/nix/store"); err == nil {
		t.Skip("host has a nix store; jail argument construction shells out")
	}
}

// writeScript drops an executable shell script standing in for bwrap.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-bwrap")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

// --- Executor tests ---

func TestExecutorRejectsDisallowedBinary(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "spawned")
	script := writeScript(t, "#!/bin/sh\ntouch "+marker+"\n")
	executor := NewExecutor(WithBwrapPath(script))

	_, err := executor.Run(context.Background(), Request{
		AgentRoot:       t.TempDir(),
		Command:         "nmap",
		AllowedBinaries: []string{"ls"},
	})
	if err == nil {
		t.Fatal("Run executed a binary outside the allowlist")
	}
	want := "Command 'nmap' is not in the allowed binaries list."
	if err.Error() != want {
		t.Errorf("error = %q, want %q", err, want)
	}
	if _, statErr := os.Stat(marker); !os.IsNotExist(statErr) {
		t.Error("a subprocess was spawned for a rejected command")
	}
}

func TestExecutorCapturesExitAndOutput(t *testing.T) {
	skipIfNixStore(t)
	script := writeScript(t, "#!/bin/sh\necho out\necho err >&2\nexit 3\n")
	executor := NewExecutor(WithBwrapPath(script))

	result, err := executor.Run(context.Background(), Request{
		AgentRoot:       t.TempDir(),
		Command:         "ls",
		AllowedBinaries: []string{"ls"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", result.ExitCode)
	}
	if result.Stdout != "out\n" {
		t.Errorf("Stdout = %q, want out", result.Stdout)
	}
	if result.Stderr != "err\n" {
		t.Errorf("Stderr = %q, want err", result.Stderr)
	}
}

func TestExecutorTimeout(t *testing.T) {
	skipIfNixStore(t)
	script := writeScript(t, "#!/bin/sh\nexec sleep 5\n")
	executor := NewExecutor(WithBwrapPath(script))

	result, err := executor.Run(context.Background(), Request{
		AgentRoot:       t.TempDir(),
		Command:         "ls",
		AllowedBinaries: []string{"ls"},
		Timeout:         100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1", result.ExitCode)
	}
	if !strings.Contains(result.Stderr, "command timed out after") {
		t.Errorf("Stderr = %q, want timeout note", result.Stderr)
	}
}

func TestExecutorSpawnFailure(t *testing.T) {
	skipIfNixStore(t)
	executor := NewExecutor(WithBwrapPath(filepath.Join(t.TempDir(), "missing-bwrap")))

	_, err := executor.Run(context.Background(), Request{
		AgentRoot:       t.TempDir(),
		Command:         "ls",
		AllowedBinaries: []string{"ls"},
	})
	if err == nil || !strings.Contains(err.Error(), "spawning sandbox") {
		t.Errorf("err = %v, want spawn failure", err)
	}
}

func TestExecutorOutputCap(t *testing.T) {
	skipIfNixStore(t)
	script := writeScript(t, "#!/bin/sh\nprintf 'aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa'\n")
	executor := NewExecutor(WithBwrapPath(script), WithMaxOutput(10))

	result, err := executor.Run(context.Background(), Request{
		AgentRoot:       t.TempDir(),
		Command:         "ls",
		AllowedBinaries: []string{"ls"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := strings.Repeat("a", 10); result.Stdout != want {
		t.Errorf("Stdout = %q, want %q", result.Stdout, want)
	}
}

// --- bwrap argument tests ---

func hasTriple(args []string, a, b, c string) bool {
	for i := 0; i+2 < len(args); i++ {
		if args[i] == a && args[i+1] == b && args[i+2] == c {
			return true
		}
	}
	return false
}

func hasPair(args []string, a, b string) bool {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == a && args[i+1] == b {
			return true
		}
	}
	return false
}

func TestBuildBwrapArgs(t *testing.T) {
	skipIfNixStore(t)
	root := t.TempDir()
	req := Request{
		AgentRoot:       root,
		Command:         "ls",
		Args:            []string{"-la", "/workspace"},
		AllowedBinaries: []string{"ls"},
	}
	args, err := buildBwrapArgs(req, "ls")
	if err != nil {
		t.Fatalf("buildBwrapArgs: %v", err)
	}

	for _, area := range []string{"workspace", "memories", "skills"} {
		if !hasTriple(args, "--bind", filepath.Join(root, area), "/"+area) {
			t.Errorf("missing bind for %s area", area)
		}
	}
	for _, flag := range []string{"--unshare-user", "--unshare-pid", "--unshare-ipc", "--unshare-uts", "--die-with-parent", "--clearenv"} {
		found := false
		for _, arg := range args {
			if arg == flag {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("missing flag %s", flag)
		}
	}
	if !hasPair(args, "--chdir", "/workspace") {
		t.Error("missing --chdir /workspace")
	}
	if !hasPair(args, "--tmpfs", "/tmp") {
		t.Error("missing private /tmp")
	}
	if !hasTriple(args, "--setenv", "HOME", "/workspace") {
		t.Error("missing HOME")
	}
	if !hasTriple(args, "--setenv", "PATH", "/usr/local/bin:/usr/bin:/bin") {
		t.Error("missing host PATH")
	}

	n := len(args)
	if n < 3 || args[n-3] != "ls" || args[n-2] != "-la" || args[n-1] != "/workspace" {
		t.Errorf("argv tail = %v, want command then its args", args[max(0, n-3):])
	}
}

func TestBuildBwrapArgsEnvFile(t *testing.T) {
	skipIfNixStore(t)
	root := t.TempDir()
	workspace := filepath.Join(root, "workspace")
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		t.Fatalf("mkdir workspace: %v", err)
	}
	envFile := "FOO=bar\n# comment\nmalformed line\nPATH=/custom\n  SPACED = padded \n"
	if err := os.WriteFile(filepath.Join(workspace, ".env"), []byte(envFile), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	args, err := buildBwrapArgs(Request{AgentRoot: root, Command: "ls"}, "ls")
	if err != nil {
		t.Fatalf("buildBwrapArgs: %v", err)
	}

	if !hasTriple(args, "--setenv", "FOO", "bar") {
		t.Error("missing FOO from .env")
	}
	if !hasTriple(args, "--setenv", "SPACED", "padded") {
		t.Error("missing trimmed SPACED from .env")
	}
	// .env wins over the built-in value.
	if !hasTriple(args, "--setenv", "PATH", "/custom") {
		t.Error(".env PATH did not override the default")
	}
	if hasTriple(args, "--setenv", "PATH", "/usr/local/bin:/usr/bin:/bin") {
		t.Error("default PATH still present after override")
	}

	var keys []string
	for i := 0; i+2 < len(args); i++ {
		if args[i] == "--setenv" {
			keys = append(keys, args[i+1])
		}
	}
	if !sort.StringsAreSorted(keys) {
		t.Errorf("setenv keys not sorted: %v", keys)
	}
}

func TestReadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "A=1\n\n# note\nB = two \nnoequals\n=novalue\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	env := readEnvFile(path)
	if len(env) != 2 {
		t.Fatalf("got %d entries %v, want 2", len(env), env)
	}
	if env["A"] != "1" {
		t.Errorf("A = %q, want 1", env["A"])
	}
	if env["B"] != "two" {
		t.Errorf("B = %q, want two", env["B"])
	}
}

func TestReadEnvFileMissing(t *testing.T) {
	if env := readEnvFile(filepath.Join(t.TempDir(), "absent")); env != nil {
		t.Errorf("readEnvFile = %v, want nil", env)
	}
}

// --- capture tests ---

func TestCappedWriter(t *testing.T) {
	var sb strings.Builder
	cw := &cappedWriter{w: &sb, max: 10}

	n, err := cw.Write([]byte("12345678"))
	if err != nil || n != 8 {
		t.Fatalf("Write = (%d, %v), want (8, nil)", n, err)
	}
	n, err = cw.Write([]byte("90abcdef"))
	if err != nil || n != 8 {
		t.Fatalf("Write = (%d, %v), want (8, nil)", n, err)
	}
	if got := sb.String(); got != "1234567890" {
		t.Errorf("captured = %q, want first 10 bytes", got)
	}

	// Further writes drain without growing the capture.
	if n, _ := cw.Write([]byte("xyz")); n != 3 {
		t.Errorf("Write after cap = %d, want 3", n)
	}
	if sb.Len() != 10 {
		t.Errorf("capture grew to %d bytes after cap", sb.Len())
	}
}

func TestTruncated(t *testing.T) {
	if got := truncated("abc", 10); got != "abc" {
		t.Errorf("truncated = %q, want unchanged", got)
	}
	if got, want := truncated("abcdef", 3), "abc\n... (truncated)"; got != want {
		t.Errorf("truncated = %q, want %q", got, want)
	}
}
