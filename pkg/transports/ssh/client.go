// Package ssh converges remote nodes over SSH.
//
// Commands run in SSH sessions; file content moves over SFTP on the same
// connection. With Config.Sudo set, commands run through "sudo -n" and file
// writes are staged in /tmp and moved into place by a privileged command,
// since SFTP itself runs as the login user.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/convergo/pkg/transports"
)

// Client is a transports.Transport for one remote node.
type Client struct {
	config *Config

	mu          sync.RWMutex
	client      *ssh.Client
	proxy       *ssh.Client
	sftp        *sftp.Client
	connectedAt time.Time
	done        chan struct{}
}

// NewClient validates config and returns an unconnected client.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{config: config}, nil
}

// Dial creates a client and connects it.
func Dial(ctx context.Context, config *Config) (*Client, error) {
	c, err := NewClient(config)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Name implements transports.Transport.
func (c *Client) Name() string {
	return fmt.Sprintf("ssh://%s@%s", c.config.User, c.config.Address())
}

// Connect establishes the SSH connection, through the jump host when one is
// configured. Connecting an already connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &transports.TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	var client *ssh.Client
	if c.config.IsProxyEnabled() {
		client, err = c.dialViaProxy(ctx, clientConfig)
	} else {
		client, err = dialContext(ctx, c.config.Address(), clientConfig)
	}
	if err != nil {
		return err
	}

	c.client = client
	c.connectedAt = time.Now()
	c.done = make(chan struct{})
	if c.config.KeepAliveInterval > 0 {
		go c.keepAlive(client, c.done)
	}

	log.Info().Str("address", c.config.Address()).Msg("SSH connection established")
	return nil
}

// dialContext dials addr and gives up when ctx is done.
func dialContext(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	log.Debug().Str("address", addr).Msg("establishing SSH connection")

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", addr, config)
		ch <- dialResult{client, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, &transports.TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case r := <-ch:
		if r.err != nil {
			return nil, &transports.TransportError{
				Op:          "connect",
				Err:         r.err,
				IsTemporary: !isAuthFailure(r.err),
				IsAuthError: isAuthFailure(r.err),
			}
		}
		return r.client, nil
	}
}

// dialViaProxy connects to the target through the jump host.
func (c *Client) dialViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) (*ssh.Client, error) {
	proxyCfg := c.config.proxyConfig()
	proxyClientConfig, err := proxyCfg.BuildSSHClientConfig()
	if err != nil {
		return nil, &transports.TransportError{Op: "connect-proxy", Err: err, IsAuthError: true}
	}

	proxy, err := dialContext(ctx, proxyCfg.Address(), proxyClientConfig)
	if err != nil {
		return nil, err
	}

	target := c.config.Address()
	conn, err := proxy.Dial("tcp", target)
	if err != nil {
		_ = proxy.Close()
		return nil, &transports.TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: true}
	}

	ncc, chans, reqs, err := ssh.NewClientConn(conn, target, targetConfig)
	if err != nil {
		_ = conn.Close()
		_ = proxy.Close()
		return nil, &transports.TransportError{Op: "connect-via-proxy", Err: err, IsAuthError: isAuthFailure(err)}
	}

	c.proxy = proxy
	log.Debug().Str("target", target).Str("proxy", proxyCfg.Address()).Msg("connected via proxy")
	return ssh.NewClient(ncc, chans, reqs), nil
}

func isAuthFailure(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unable to authenticate")
}

// keepAlive pings the server until done is closed or too many pings fail.
func (c *Client) keepAlive(client *ssh.Client, done <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			failures++
			log.Warn().Err(err).Int("failures", failures).Msg("keep-alive failed")
			if failures >= c.config.MaxKeepAliveRetries {
				log.Error().Str("address", c.config.Address()).Msg("keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		failures = 0
	}
}

// Close implements transports.Transport.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")

	close(c.done)
	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}
	err := c.client.Close()
	c.client = nil
	if c.proxy != nil {
		_ = c.proxy.Close()
		c.proxy = nil
	}
	if err != nil {
		return &transports.TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// ConnectedAt returns when the connection was established, or the zero time.
func (c *Client) ConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedAt
}

func (c *Client) sshClient() (*ssh.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, &transports.TransportError{Op: "session", Err: errors.New("not connected")}
	}
	return c.client, nil
}

// sftpClient returns the SFTP client, opening it on first use.
func (c *Client) sftpClient() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, &transports.TransportError{Op: "sftp-init", Err: errors.New("not connected")}
	}
	if c.sftp != nil {
		return c.sftp, nil
	}
	s, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, &transports.TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	c.sftp = s
	return s, nil
}

// Run implements transports.Transport.
func (c *Client) Run(ctx context.Context, cmd transports.Command) (*transports.Result, error) {
	if len(cmd.Args) == 0 {
		return nil, &transports.TransportError{Op: "run", Err: errors.New("empty command")}
	}
	client, err := c.sshClient()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &transports.TransportError{
			Op:          "run",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	line := cmd.Script()
	if c.config.Sudo {
		line = "sudo -n sh -c " + shellquote.Join(line)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.CommandTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(line)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return nil, &transports.TransportError{Op: "run", Err: ctx.Err(), IsTemporary: true}
	case runErr = <-done:
	}

	log.Debug().
		Str("command", cmd.String()).
		Int("stdout_len", stdout.Len()).
		Int("stderr_len", stderr.Len()).
		Dur("duration", time.Since(start)).
		Err(runErr).
		Msg("command completed")

	res := &transports.Result{Command: cmd, Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return nil, &transports.TransportError{Op: "run", Err: runErr, IsTemporary: true}
	}
	return res, nil
}

// ReadFile implements transports.Transport.
func (c *Client) ReadFile(ctx context.Context, p string) ([]byte, error) {
	if c.config.Sudo {
		if _, err := c.Stat(ctx, p); err != nil {
			return nil, err
		}
		res, err := transports.Check(ctx, c, transports.Cmd("cat", "--", p))
		if err != nil {
			return nil, &transports.TransportError{Op: "read", Path: p, Err: err}
		}
		return []byte(res.Stdout), nil
	}

	s, err := c.sftpClient()
	if err != nil {
		return nil, err
	}
	f, err := s.Open(p)
	if err != nil {
		return nil, &transports.TransportError{Op: "read", Path: p, Err: err}
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, &transports.TransportError{Op: "read", Path: p, Err: err, IsTemporary: true}
	}
	return data, nil
}

// WriteFile implements transports.Transport. The content goes to a staging
// file first and is renamed over p.
func (c *Client) WriteFile(ctx context.Context, p string, data []byte, mode fs.FileMode) error {
	s, err := c.sftpClient()
	if err != nil {
		return err
	}

	staging := path.Join(path.Dir(p), "."+path.Base(p)+".convergo-"+uuid.NewString())
	if c.config.Sudo {
		staging = path.Join("/tmp", "convergo-"+uuid.NewString())
	}

	if err := c.upload(s, staging, data, mode); err != nil {
		_ = s.Remove(staging)
		return &transports.TransportError{Op: "write", Path: p, Err: err, IsTemporary: true}
	}

	if c.config.Sudo {
		if _, err := transports.Check(ctx, c, transports.Cmd("mv", "-f", "--", staging, p)); err != nil {
			_ = s.Remove(staging)
			return &transports.TransportError{Op: "write", Path: p, Err: err}
		}
		return nil
	}

	if err := s.PosixRename(staging, p); err != nil {
		_ = s.Remove(staging)
		return &transports.TransportError{Op: "write", Path: p, Err: err}
	}
	return nil
}

func (c *Client) upload(s *sftp.Client, p string, data []byte, mode fs.FileMode) error {
	f, err := s.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Chmod(mode.Perm()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Stat implements transports.Transport using stat(1), which resolves owner
// and group names on the node itself.
func (c *Client) Stat(ctx context.Context, p string) (*transports.FileInfo, error) {
	res, err := c.Run(ctx, transports.Cmd("stat", "-L", "-c", "%f %s %U %G", "--", p))
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		if strings.Contains(res.Stderr, "No such file") {
			return nil, &transports.TransportError{Op: "stat", Path: p, Err: fs.ErrNotExist}
		}
		return nil, &transports.TransportError{Op: "stat", Path: p, Err: res.Err()}
	}
	info, err := parseStat(p, res.Stdout)
	if err != nil {
		return nil, &transports.TransportError{Op: "stat", Path: p, Err: err}
	}
	return info, nil
}

// parseStat parses "%f %s %U %G": raw mode in hex, size, owner and group.
func parseStat(p, out string) (*transports.FileInfo, error) {
	fields := strings.Fields(out)
	if len(fields) != 4 {
		return nil, fmt.Errorf("unexpected stat output %q", out)
	}
	raw, err := strconv.ParseUint(fields[0], 16, 32)
	if err != nil {
		return nil, fmt.Errorf("unexpected stat mode %q", fields[0])
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("unexpected stat size %q", fields[1])
	}

	mode := fs.FileMode(raw & 0o777)
	if raw&0o4000 != 0 {
		mode |= fs.ModeSetuid
	}
	if raw&0o2000 != 0 {
		mode |= fs.ModeSetgid
	}
	if raw&0o1000 != 0 {
		mode |= fs.ModeSticky
	}
	isDir := raw&0o170000 == 0o040000
	if isDir {
		mode |= fs.ModeDir
	}

	return &transports.FileInfo{
		Path:  p,
		Mode:  mode,
		IsDir: isDir,
		Size:  size,
		Owner: fields[2],
		Group: fields[3],
	}, nil
}

// MkdirAll implements transports.Transport.
func (c *Client) MkdirAll(ctx context.Context, p string, mode fs.FileMode) error {
	if c.config.Sudo {
		if _, err := transports.Check(ctx, c, transports.Cmd("mkdir", "-p", "-m", octal(mode), "--", p)); err != nil {
			return &transports.TransportError{Op: "mkdir", Path: p, Err: err}
		}
		return nil
	}

	s, err := c.sftpClient()
	if err != nil {
		return err
	}
	if err := s.MkdirAll(p); err != nil {
		return &transports.TransportError{Op: "mkdir", Path: p, Err: err}
	}
	if err := s.Chmod(p, mode.Perm()); err != nil {
		return &transports.TransportError{Op: "mkdir", Path: p, Err: err}
	}
	return nil
}

// Remove implements transports.Transport.
func (c *Client) Remove(ctx context.Context, p string) error {
	if c.config.Sudo {
		if _, err := transports.Check(ctx, c, transports.Cmd("rm", "-df", "--", p)); err != nil {
			return &transports.TransportError{Op: "remove", Path: p, Err: err}
		}
		return nil
	}

	s, err := c.sftpClient()
	if err != nil {
		return err
	}
	if err := s.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &transports.TransportError{Op: "remove", Path: p, Err: err}
	}
	return nil
}

// Chmod implements transports.Transport.
func (c *Client) Chmod(ctx context.Context, p string, mode fs.FileMode) error {
	if c.config.Sudo {
		if _, err := transports.Check(ctx, c, transports.Cmd("chmod", octal(mode), "--", p)); err != nil {
			return &transports.TransportError{Op: "chmod", Path: p, Err: err}
		}
		return nil
	}

	s, err := c.sftpClient()
	if err != nil {
		return err
	}
	if err := s.Chmod(p, mode.Perm()); err != nil {
		return &transports.TransportError{Op: "chmod", Path: p, Err: err}
	}
	return nil
}

// Chown implements transports.Transport. SFTP only takes numeric ids, so
// ownership always goes through chown(1).
func (c *Client) Chown(ctx context.Context, p, owner, group string) error {
	spec := owner
	if group != "" {
		spec += ":" + group
	}
	if spec == "" {
		return nil
	}
	if _, err := transports.Check(ctx, c, transports.Cmd("chown", spec, "--", p)); err != nil {
		return &transports.TransportError{Op: "chown", Path: p, Err: err}
	}
	return nil
}

func octal(mode fs.FileMode) string {
	return fmt.Sprintf("%04o", uint32(mode.Perm()))
}

var _ transports.Transport = (*Client)(nil)
