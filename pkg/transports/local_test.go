package transports

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalRun(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	res, err := l.Run(ctx, Cmd("sh", "-c", "echo out; echo err >&2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "out" || strings.TrimSpace(res.Stderr) != "err" {
		t.Errorf("unexpected output: stdout=%q stderr=%q", res.Stdout, res.Stderr)
	}
	if !res.Success() {
		t.Errorf("expected success, got exit %d", res.ExitCode)
	}

	res, err = l.Run(ctx, Cmd("sh", "-c", "exit 3"))
	if err != nil {
		t.Fatalf("non-zero exit must not be a transport error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", res.ExitCode)
	}
	var exitErr *ExitError
	if !errors.As(res.Err(), &exitErr) {
		t.Errorf("expected ExitError, got %v", res.Err())
	}
}

func TestLocalRunDirAndEnv(t *testing.T) {
	dir := t.TempDir()
	res, err := NewLocal().Run(context.Background(), Command{
		Args: []string{"sh", "-c", "pwd; echo $CONVERGO_TEST"},
		Dir:  dir,
		Env:  map[string]string{"CONVERGO_TEST": "yes"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resolved, _ := filepath.EvalSymlinks(dir)
	if !strings.Contains(res.Stdout, resolved) || !strings.Contains(res.Stdout, "yes") {
		t.Errorf("unexpected output: %q", res.Stdout)
	}
}

func TestLocalRunMissingProgram(t *testing.T) {
	_, err := NewLocal().Run(context.Background(), Cmd("/nonexistent/convergo-binary"))
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestLocalFiles(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "etc", "cinder")
	path := filepath.Join(dir, "cinder.conf")

	if _, err := l.Stat(ctx, path); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
	if err := l.MkdirAll(ctx, dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := l.WriteFile(ctx, path, []byte("[DEFAULT]\n"), 0o640); err != nil {
		t.Fatalf("write: %v", err)
	}

	data, err := l.ReadFile(ctx, path)
	if err != nil || string(data) != "[DEFAULT]\n" {
		t.Fatalf("unexpected read: %q %v", data, err)
	}

	info, err := l.Stat(ctx, path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Perm() != 0o640 || info.IsDir || info.Size != 10 {
		t.Errorf("unexpected info: %+v", info)
	}
	if info.Owner == "" {
		t.Errorf("expected owner to be resolved")
	}

	if err := l.Chmod(ctx, path, 0o600); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	info, _ = l.Stat(ctx, path)
	if info.Perm() != 0o600 {
		t.Errorf("expected mode 0600, got %v", info.Perm())
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected temp files to be cleaned up, got %d entries", len(entries))
	}

	if err := l.Remove(ctx, path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := l.Remove(ctx, path); err != nil {
		t.Errorf("removing a missing file should succeed, got %v", err)
	}
}

func TestCommandScript(t *testing.T) {
	cmd := Command{
		Args: []string{"cinder-manage", "db", "sync"},
		Dir:  "/var/lib/cinder dir",
		Env:  map[string]string{"B": "2", "A": "x y"},
	}
	want := `cd '/var/lib/cinder dir' && env 'A=x y' B=2 cinder-manage db sync`
	if got := cmd.Script(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	parsed, err := ShellCommand(`sh -c "echo 'hi there'"`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parsed.Args) != 3 || parsed.Args[2] != "echo 'hi there'" {
		t.Errorf("unexpected args: %q", parsed.Args)
	}

	if _, err := ShellCommand("   "); err == nil {
		t.Error("expected error for empty command")
	}
	if _, err := ShellCommand(`echo "unterminated`); err == nil {
		t.Error("expected error for unterminated quote")
	}
}
