package transports

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// Local runs commands and touches files on the machine running the engine.
type Local struct{}

// NewLocal returns the local transport.
func NewLocal() *Local {
	return &Local{}
}

// Name implements Transport.
func (l *Local) Name() string {
	return "local"
}

// Run implements Transport.
func (l *Local) Run(ctx context.Context, cmd Command) (*Result, error) {
	if len(cmd.Args) == 0 {
		return nil, &TransportError{Op: "run", Err: errors.New("empty command")}
	}

	c := exec.CommandContext(ctx, cmd.Args[0], cmd.Args[1:]...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = os.Environ()
		for _, k := range sortedKeys(cmd.Env) {
			c.Env = append(c.Env, k+"="+cmd.Env[k])
		}
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	res := &Result{Command: cmd, Stdout: stdout.String(), Stderr: stderr.String()}

	log.Debug().
		Str("command", cmd.String()).
		Dur("duration", time.Since(start)).
		Err(err).
		Msg("command completed")

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &TransportError{Op: "run", Err: ctxErr}
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, &TransportError{Op: "run", Err: err}
	}
	return res, nil
}

// ReadFile implements Transport.
func (l *Local) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &TransportError{Op: "read", Path: path, Err: err}
	}
	return data, nil
}

// WriteFile implements Transport by writing a sibling temp file and renaming
// it over path.
func (l *Local) WriteFile(ctx context.Context, path string, data []byte, mode fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".convergo-*")
	if err != nil {
		return &TransportError{Op: "write", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &TransportError{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Chmod(mode.Perm()); err != nil {
		tmp.Close()
		return &TransportError{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &TransportError{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &TransportError{Op: "write", Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return &TransportError{Op: "write", Path: path, Err: err}
	}
	return nil
}

// Stat implements Transport.
func (l *Local) Stat(ctx context.Context, path string) (*FileInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, &TransportError{Op: "stat", Path: path, Err: err}
	}
	info := &FileInfo{
		Path:  path,
		Mode:  fi.Mode(),
		IsDir: fi.IsDir(),
		Size:  fi.Size(),
	}
	if uid, gid, ok := fileOwner(fi); ok {
		info.Owner = lookupUser(uid)
		info.Group = lookupGroup(gid)
	}
	return info, nil
}

// MkdirAll implements Transport.
func (l *Local) MkdirAll(ctx context.Context, path string, mode fs.FileMode) error {
	if err := os.MkdirAll(path, mode.Perm()); err != nil {
		return &TransportError{Op: "mkdir", Path: path, Err: err}
	}
	return nil
}

// Remove implements Transport.
func (l *Local) Remove(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &TransportError{Op: "remove", Path: path, Err: err}
	}
	return nil
}

// Chmod implements Transport.
func (l *Local) Chmod(ctx context.Context, path string, mode fs.FileMode) error {
	if err := os.Chmod(path, mode.Perm()); err != nil {
		return &TransportError{Op: "chmod", Path: path, Err: err}
	}
	return nil
}

// Chown implements Transport.
func (l *Local) Chown(ctx context.Context, path, owner, group string) error {
	uid, gid := -1, -1
	if owner != "" {
		u, err := user.Lookup(owner)
		if err != nil {
			return &TransportError{Op: "chown", Path: path, Err: err}
		}
		if uid, err = strconv.Atoi(u.Uid); err != nil {
			return &TransportError{Op: "chown", Path: path, Err: fmt.Errorf("user %s: %w", owner, err)}
		}
	}
	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return &TransportError{Op: "chown", Path: path, Err: err}
		}
		if gid, err = strconv.Atoi(g.Gid); err != nil {
			return &TransportError{Op: "chown", Path: path, Err: fmt.Errorf("group %s: %w", group, err)}
		}
	}
	if err := os.Chown(path, uid, gid); err != nil {
		return &TransportError{Op: "chown", Path: path, Err: err}
	}
	return nil
}

// Close implements Transport.
func (l *Local) Close() error {
	return nil
}

func lookupUser(uid int) string {
	id := strconv.Itoa(uid)
	if u, err := user.LookupId(id); err == nil {
		return u.Username
	}
	return id
}

func lookupGroup(gid int) string {
	id := strconv.Itoa(gid)
	if g, err := user.LookupGroupId(id); err == nil {
		return g.Name
	}
	return id
}

var _ Transport = (*Local)(nil)
