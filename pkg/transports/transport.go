// Package transports defines how providers reach the node they converge.
//
// A Transport runs commands and manipulates files on exactly one node. The
// local implementation works on the machine running the engine; the ssh
// subpackage works on a remote host over SSH and SFTP. Providers only ever
// see the interface, so the same recipe converges either way.
package transports

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/kballard/go-shellquote"
)

// Transport gives providers command and file access to one node.
type Transport interface {
	// Name identifies the node, for example "local" or "ssh://deploy@db1:22".
	Name() string

	// Run executes cmd and waits for it. A command that ran and exited with a
	// non-zero status is not an error: inspect Result.ExitCode or call
	// Result.Err. An error means the command could not be run at all.
	Run(ctx context.Context, cmd Command) (*Result, error)

	// ReadFile returns the content of path. A missing file yields an error
	// matching fs.ErrNotExist.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile replaces path with data. The write is atomic: readers see
	// either the old or the new content.
	WriteFile(ctx context.Context, path string, data []byte, mode fs.FileMode) error

	// Stat describes path. A missing path yields an error matching
	// fs.ErrNotExist.
	Stat(ctx context.Context, path string) (*FileInfo, error)

	// MkdirAll creates path and any missing parents.
	MkdirAll(ctx context.Context, path string, mode fs.FileMode) error

	// Remove deletes a file or an empty directory. Missing paths are not an
	// error.
	Remove(ctx context.Context, path string) error

	// Chmod sets the permission bits of path.
	Chmod(ctx context.Context, path string, mode fs.FileMode) error

	// Chown sets the owner and group of path by name. An empty name leaves
	// that part unchanged.
	Chown(ctx context.Context, path, owner, group string) error

	// Close releases the connection, if any.
	Close() error
}

// Command is a program invocation. Args[0] is the program; it is never
// interpreted by a shell unless the caller asks for one explicitly.
type Command struct {
	Args []string
	Dir  string
	Env  map[string]string
}

// ShellCommand parses line with POSIX shell quoting rules into a Command.
func ShellCommand(line string) (Command, error) {
	args, err := shellquote.Split(line)
	if err != nil {
		return Command{}, fmt.Errorf("parse command %q: %w", line, err)
	}
	if len(args) == 0 {
		return Command{}, fmt.Errorf("parse command %q: empty command", line)
	}
	return Command{Args: args}, nil
}

// Cmd builds a Command from program arguments.
func Cmd(args ...string) Command {
	return Command{Args: args}
}

// String renders the command as a single shell-quoted line.
func (c Command) String() string {
	return shellquote.Join(c.Args...)
}

// Script renders the command as a line for a remote shell, including the
// working directory and environment.
func (c Command) Script() string {
	var b strings.Builder
	if c.Dir != "" {
		b.WriteString("cd ")
		b.WriteString(shellquote.Join(c.Dir))
		b.WriteString(" && ")
	}
	if len(c.Env) > 0 {
		b.WriteString("env ")
		for _, k := range sortedKeys(c.Env) {
			b.WriteString(shellquote.Join(k + "=" + c.Env[k]))
			b.WriteByte(' ')
		}
	}
	b.WriteString(c.String())
	return b.String()
}

// Result is the outcome of a command that ran.
type Result struct {
	Command  Command
	Stdout   string
	Stderr   string
	ExitCode int
}

// Success reports whether the command exited with status zero.
func (r *Result) Success() bool {
	return r.ExitCode == 0
}

// Err returns an *ExitError when the command exited non-zero.
func (r *Result) Err() error {
	if r.Success() {
		return nil
	}
	return &ExitError{Result: r}
}

// ExitError reports a command that ran but failed.
type ExitError struct {
	Result *Result
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Result.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.Result.Stdout)
	}
	if msg == "" {
		return fmt.Sprintf("%s: exit status %d", e.Result.Command, e.Result.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Result.Command, e.Result.ExitCode, msg)
}

// Check runs cmd and turns a non-zero exit into an error.
func Check(ctx context.Context, t Transport, cmd Command) (*Result, error) {
	res, err := t.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return res, res.Err()
}

// FileInfo describes a path on the node.
type FileInfo struct {
	Path  string
	Mode  fs.FileMode
	IsDir bool
	Size  int64
	Owner string
	Group string
}

// Perm returns the permission bits.
func (f *FileInfo) Perm() fs.FileMode {
	return f.Mode.Perm()
}

// TransportError represents a failure of the transport itself, as opposed to
// a command that ran and failed.
type TransportError struct {
	// Op is the operation that failed, for example "connect", "run" or "write".
	Op string

	// Path is the file involved, if any.
	Path string

	// Err is the underlying error.
	Err error

	// IsTemporary indicates the operation may succeed when retried.
	IsTemporary bool

	// IsAuthError indicates an authentication failure.
	IsAuthError bool
}

func (e *TransportError) Error() string {
	if e.Path != "" {
		return e.Op + " " + e.Path + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying may help.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
