// Package ssh is the SSH/SFTP transport used by provisioners that
// manage remote hosts. It covers command execution, optional sudo
// escalation, and file transfer.
package ssh

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// TransportError is a classified transport failure. Temporary errors
// (network, timeouts) are retryable; auth errors are not.
type TransportError struct {
	// Op is the operation that failed: connect, exec, upload.
	Op string

	// Err is the underlying error.
	Err error

	// IsTemporary marks errors worth retrying.
	IsTemporary bool

	// IsAuthError marks authentication and host key failures.
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// Client is an SSH connection to a single remote host. It is safe for
// concurrent use; commands run in independent sessions over the one
// connection.
type Client struct {
	config *Config
	logger zerolog.Logger

	mu          sync.Mutex
	sshClient   *ssh.Client
	sftpClient  *sftp.Client
	connectedAt time.Time
}

// NewClient creates a client for the configured host. No connection is
// made until Connect.
func NewClient(config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	return &Client{
		config: config,
		logger: logger.With().Str("component", "ssh").Str("host", config.Host).Logger(),
	}, nil
}

// Connect establishes the SSH connection. Calling Connect on a live
// connection is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sshClient != nil {
		if err := c.healthCheckLocked(); err == nil {
			return nil
		}
		c.logger.Warn().Msg("connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, err := c.config.clientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := c.config.Address()
	c.logger.Debug().Str("address", address).Msg("establishing connection")

	connCh := make(chan *ssh.Client, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errCh <- err
			return
		}
		connCh <- conn
	}()

	select {
	case <-ctx.Done():
		return &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case err := <-errCh:
		isAuth := strings.Contains(err.Error(), "unable to authenticate") ||
			strings.Contains(err.Error(), "handshake failed")
		return &TransportError{Op: "connect", Err: err, IsTemporary: !isAuth, IsAuthError: isAuth}
	case conn := <-connCh:
		c.sshClient = conn
		c.connectedAt = time.Now()
		c.logger.Info().Str("address", address).Msg("connection established")
		return nil
	}
}

// Close shuts down the SFTP and SSH connections.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *Client) closeLocked() {
	if c.sftpClient != nil {
		_ = c.sftpClient.Close()
		c.sftpClient = nil
	}
	if c.sshClient != nil {
		_ = c.sshClient.Close()
		c.sshClient = nil
	}
}

// Connected reports whether the client has an established connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sshClient != nil
}

// HealthCheck verifies the connection still answers.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthCheckLocked()
}

func (c *Client) healthCheckLocked() error {
	if c.sshClient == nil {
		return &TransportError{Op: "healthcheck", Err: fmt.Errorf("not connected")}
	}
	_, _, err := c.sshClient.SendRequest("keepalive@surgecd.dev", true, nil)
	if err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

func (c *Client) conn() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sshClient == nil {
		return nil, &TransportError{Op: "exec", Err: fmt.Errorf("not connected")}
	}
	return c.sshClient, nil
}

// Run executes a command on the remote host and returns its trimmed
// stdout and stderr.
func (c *Client) Run(ctx context.Context, cmd string) (stdout, stderr string, err error) {
	return c.run(ctx, cmd, false)
}

// RunSudo executes a command with sudo. The configured password is fed
// over stdin when present; otherwise NOPASSWD sudo is assumed.
func (c *Client) RunSudo(ctx context.Context, cmd string) (stdout, stderr string, err error) {
	return c.run(ctx, cmd, true)
}

func (c *Client) run(ctx context.Context, cmd string, useSudo bool) (string, string, error) {
	conn, err := c.conn()
	if err != nil {
		return "", "", err
	}

	if _, ok := ctx.Deadline(); !ok && c.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	session, err := conn.NewSession()
	if err != nil {
		return "", "", &TransportError{
			Op:          "exec",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	finalCmd := cmd
	if useSudo {
		finalCmd = sudoCommand(cmd, c.config.Password)
		if c.config.Password != "" {
			session.Stdin = strings.NewReader(c.config.Password + "\n")
		}
	}

	start := time.Now()
	c.logger.Debug().Str("command", cmd).Bool("sudo", useSudo).Msg("executing command")

	done := make(chan error, 1)
	go func() {
		done <- session.Run(finalCmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		runErr = ctx.Err()
	case runErr = <-done:
	}

	stdout := strings.TrimSpace(stdoutBuf.String())
	stderr := strings.TrimSpace(stderrBuf.String())

	c.logger.Debug().
		Str("command", cmd).
		Dur("duration", time.Since(start)).
		Int("stdout_len", len(stdout)).
		Msg("command finished")

	if runErr != nil {
		if ctx.Err() != nil {
			return stdout, stderr, &TransportError{Op: "exec", Err: runErr, IsTemporary: true}
		}
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			return stdout, stderr, &TransportError{
				Op:  "exec",
				Err: fmt.Errorf("command exited %d: %s", exitErr.ExitStatus(), firstLine(stderr)),
			}
		}
		return stdout, stderr, &TransportError{Op: "exec", Err: runErr, IsTemporary: true}
	}

	return stdout, stderr, nil
}

// sudoCommand wraps cmd for sudo execution. With a password, sudo reads
// it from stdin via -S; -p '' suppresses the prompt text from stderr.
func sudoCommand(cmd, password string) string {
	if password != "" {
		return fmt.Sprintf("sudo -S -p '' %s", cmd)
	}
	return fmt.Sprintf("sudo %s", cmd)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// sftp returns the lazily created SFTP subsystem client.
func (c *Client) sftp() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sshClient == nil {
		return nil, &TransportError{Op: "sftp", Err: fmt.Errorf("not connected")}
	}
	if c.sftpClient != nil {
		return c.sftpClient, nil
	}

	client, err := sftp.NewClient(c.sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp",
			Err:         fmt.Errorf("failed to start sftp subsystem: %w", err),
			IsTemporary: true,
		}
	}
	c.sftpClient = client
	return client, nil
}

// Upload copies a local file to the remote host and sets its mode.
// Parent directories are created as needed.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	local, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: err}
	}
	defer local.Close()
	return c.upload(ctx, local, remotePath, mode)
}

// UploadBytes writes content to a remote file. Used for rendered
// configuration that never exists on local disk.
func (c *Client) UploadBytes(ctx context.Context, content []byte, remotePath string, mode os.FileMode) error {
	return c.upload(ctx, bytes.NewReader(content), remotePath, mode)
}

func (c *Client) upload(ctx context.Context, src io.Reader, remotePath string, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "upload", Err: err, IsTemporary: true}
	}

	client, err := c.sftp()
	if err != nil {
		return err
	}

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := client.MkdirAll(dir); err != nil {
			return &TransportError{
				Op:  "upload",
				Err: fmt.Errorf("failed to create %s: %w", dir, err),
			}
		}
	}

	remote, err := client.Create(remotePath)
	if err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create %s: %w", remotePath, err),
			IsTemporary: true,
		}
	}

	if _, err := io.Copy(remote, src); err != nil {
		_ = remote.Close()
		return &TransportError{Op: "upload", Err: err, IsTemporary: true}
	}
	if err := remote.Close(); err != nil {
		return &TransportError{Op: "upload", Err: err, IsTemporary: true}
	}

	if err := client.Chmod(remotePath, mode); err != nil {
		return &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to chmod %s: %w", remotePath, err),
		}
	}

	c.logger.Debug().Str("path", remotePath).Msg("uploaded file")
	return nil
}

// Download copies a remote file to the local filesystem.
func (c *Client) Download(ctx context.Context, remotePath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "download", Err: err, IsTemporary: true}
	}

	client, err := c.sftp()
	if err != nil {
		return err
	}

	remote, err := client.Open(remotePath)
	if err != nil {
		return &TransportError{
			Op:  "download",
			Err: fmt.Errorf("failed to open %s: %w", remotePath, err),
		}
	}
	defer remote.Close()

	local, err := os.Create(localPath)
	if err != nil {
		return &TransportError{Op: "download", Err: err}
	}
	defer local.Close()

	if _, err := io.Copy(local, remote); err != nil {
		return &TransportError{Op: "download", Err: err, IsTemporary: true}
	}
	return nil
}

// Remove deletes a remote file. Missing files are not an error so
// Destroy stays idempotent.
func (c *Client) Remove(ctx context.Context, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "remove", Err: err, IsTemporary: true}
	}

	client, err := c.sftp()
	if err != nil {
		return err
	}

	if err := client.Remove(remotePath); err != nil && !os.IsNotExist(err) {
		return &TransportError{
			Op:  "remove",
			Err: fmt.Errorf("failed to remove %s: %w", remotePath, err),
		}
	}
	return nil
}

// Checksum returns the SHA256 digest of a remote file, read via SFTP.
func (c *Client) Checksum(ctx context.Context, remotePath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &TransportError{Op: "checksum", Err: err, IsTemporary: true}
	}

	client, err := c.sftp()
	if err != nil {
		return "", err
	}

	remote, err := client.Open(remotePath)
	if err != nil {
		return "", &TransportError{
			Op:  "checksum",
			Err: fmt.Errorf("failed to open %s: %w", remotePath, err),
		}
	}
	defer remote.Close()

	h := sha256.New()
	if _, err := io.Copy(h, remote); err != nil {
		return "", &TransportError{Op: "checksum", Err: err, IsTemporary: true}
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
