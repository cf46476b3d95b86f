package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// TransportError represents an error from the SSH layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool

	// ExitStatus is the remote exit status for failed commands, -1 otherwise.
	ExitStatus int
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

// client is one SSH connection with an SFTP session on top.
type client struct {
	ssh    *ssh.Client
	sftp   *sftp.Client
	logger zerolog.Logger
}

// dial connects to the configured host. The handshake is bounded by ctx and
// the connection timeout.
func dial(ctx context.Context, cfg *Config, logger zerolog.Logger) (*client, error) {
	clientConfig, err := cfg.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true, ExitStatus: -1}
	}

	address := cfg.Address()
	logger.Debug().Str("address", address).Msg("Establishing SSH connection")

	dialer := net.Dialer{Timeout: cfg.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true, ExitStatus: -1}
	}

	deadline := time.Now().Add(cfg.ConnectionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		conn.Close()
		// Handshake failures after a successful dial are almost always auth
		// or host key problems.
		return nil, &TransportError{Op: "handshake", Err: err, IsAuthError: true, ExitStatus: -1}
	}
	_ = conn.SetDeadline(time.Time{})

	sshClient := ssh.NewClient(sshConn, chans, reqs)
	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, &TransportError{Op: "sftp", Err: err, IsTemporary: true, ExitStatus: -1}
	}

	logger.Info().Str("address", address).Msg("SSH connection established")
	return &client{ssh: sshClient, sftp: sftpClient, logger: logger}, nil
}

// alive sends a keepalive request over the connection.
func (c *client) alive() bool {
	_, _, err := c.ssh.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

func (c *client) close() error {
	sftpErr := c.sftp.Close()
	return errors.Join(sftpErr, c.ssh.Close())
}

// run executes cmd and returns its trimmed stdout and stderr. A cancelled
// ctx signals the remote process and returns ctx's error.
func (c *client) run(ctx context.Context, cmd string) (string, string, error) {
	start := time.Now()

	session, err := c.ssh.NewSession()
	if err != nil {
		return "", "", &TransportError{
			Op:          "exec",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
			ExitStatus:  -1,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		execErr = ctx.Err()
	case execErr = <-done:
	}

	stdout := strings.TrimSpace(stdoutBuf.String())
	stderr := strings.TrimSpace(stderrBuf.String())

	c.logger.Debug().
		Str("command", cmd).
		Int("stdout_len", len(stdout)).
		Int("stderr_len", len(stderr)).
		Dur("duration", time.Since(start)).
		Err(execErr).
		Msg("Command completed")

	if execErr == nil {
		return stdout, stderr, nil
	}
	if ctx.Err() != nil {
		return stdout, stderr, execErr
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		return stdout, stderr, &TransportError{
			Op:          "exec",
			Err:         fmt.Errorf("command exited with code %d: %s", exitErr.ExitStatus(), stderr),
			IsTemporary: exitErr.ExitStatus() == ExitTempFail,
			ExitStatus:  exitErr.ExitStatus(),
		}
	}
	return stdout, stderr, &TransportError{Op: "exec", Err: execErr, IsTemporary: true, ExitStatus: -1}
}

func (c *client) writeFile(ctx context.Context, remotePath string, data []byte) error {
	f, err := c.sftp.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create %s: %w", remotePath, err), ExitStatus: -1}
	}
	defer f.Close()

	if _, err := copyWithContext(ctx, f, bytes.NewReader(data)); err != nil {
		return &TransportError{Op: "upload", Err: err, IsTemporary: true, ExitStatus: -1}
	}
	return f.Chmod(0o600)
}

// readFile returns os.ErrNotExist (wrapped) for a missing file.
func (c *client) readFile(ctx context.Context, remotePath string) ([]byte, error) {
	f, err := c.sftp.Open(remotePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", remotePath, os.ErrNotExist)
		}
		return nil, &TransportError{Op: "download", Err: err, IsTemporary: true, ExitStatus: -1}
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := copyWithContext(ctx, &buf, f); err != nil {
		return nil, &TransportError{Op: "download", Err: err, IsTemporary: true, ExitStatus: -1}
	}
	return buf.Bytes(), nil
}

// copyWithContext copies in chunks, checking ctx between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, readErr := src.Read(buf)
		if nr > 0 {
			nw, writeErr := dst.Write(buf[:nr])
			written += int64(nw)
			if writeErr != nil {
				return written, writeErr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
