package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHClient handles SSH connections to remote GPU and CPU-mirror nodes.
type SSHClient struct {
	config *ssh.ClientConfig
}

// NewSSHClient parses a private key and builds the client config used for
// every dial. Host key verification is intentionally disabled: candidates
// are freshly provisioned instances whose host keys are never known ahead
// of time.
func NewSSHClient(privateKey []byte, user string) (*SSHClient, error) {
	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}

	return &SSHClient{config: config}, nil
}

func (sc *SSHClient) dial(ctx context.Context, host string) (*ssh.Client, error) {
	d := net.Dialer{Timeout: sc.config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", host, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, host, sc.config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake %s: %w", host, err)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// ExecuteCommand executes a command on a remote node via SSH and returns
// combined stdout/stderr.
func (sc *SSHClient) ExecuteCommand(ctx context.Context, host string, command string) (string, error) {
	client, err := sc.dial(ctx, host)
	if err != nil {
		return "", err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("new session on %s: %w", host, err)
	}
	defer session.Close()

	var output bytes.Buffer
	session.Stdout = &output
	session.Stderr = &output

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err := <-done:
		if err != nil {
			return output.String(), fmt.Errorf("command on %s: %w", host, err)
		}
		return output.String(), nil
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return output.String(), ctx.Err()
	}
}

// ExecuteCommandStream executes a command and streams its combined
// stdout/stderr to outputWriter as it arrives.
func (sc *SSHClient) ExecuteCommandStream(ctx context.Context, host string, command string, outputWriter io.Writer) error {
	client, err := sc.dial(ctx, host)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("new session on %s: %w", host, err)
	}
	defer session.Close()

	session.Stdout = outputWriter
	session.Stderr = outputWriter

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("command on %s: %w", host, err)
		}
		return nil
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return ctx.Err()
	}
}

// CopyFile copies a local file to a remote path by streaming it over a
// single SSH session's stdin into `cat > remotePath`, avoiding a separate
// SFTP/SCP subsystem dependency for what is otherwise a plain byte copy.
func (sc *SSHClient) CopyFile(ctx context.Context, host string, localPath string, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	client, err := sc.dial(ctx, host)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("new session on %s: %w", host, err)
	}
	defer session.Close()

	session.Stdin = f
	var stderr bytes.Buffer
	session.Stderr = &stderr

	cmd := fmt.Sprintf("mkdir -p $(dirname %q) && cat > %q", remotePath, remotePath)

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("copy to %s:%s: %w (%s)", host, remotePath, err, stderr.String())
		}
		return nil
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return ctx.Err()
	}
}

// FetchFile copies a remote file to a local path by streaming `cat
// remotePath`'s stdout into a local file, the download-direction
// counterpart to CopyFile. Used by SyncService to pull changed files from
// a GpuInstance onto the control node's scratch path.
func (sc *SSHClient) FetchFile(ctx context.Context, host string, remotePath string, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", localPath, err)
	}

	out, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	defer out.Close()

	client, err := sc.dial(ctx, host)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("new session on %s: %w", host, err)
	}
	defer session.Close()

	session.Stdout = out
	var stderr bytes.Buffer
	session.Stderr = &stderr

	cmd := fmt.Sprintf("cat %q", remotePath)

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("fetch %s:%s: %w (%s)", host, remotePath, err, stderr.String())
		}
		return nil
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return ctx.Err()
	}
}

// TestConnection verifies SSH connectivity to a node without running a
// command, used by StandbyManager to wait for a new CpuMirror to become
// reachable.
func (sc *SSHClient) TestConnection(ctx context.Context, host string) error {
	client, err := sc.dial(ctx, host)
	if err != nil {
		log.Printf("ssh: connection test failed for %s: %v", host, err)
		return err
	}
	client.Close()
	return nil
}
