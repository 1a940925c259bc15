package executor

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// startEchoSSHServer runs a minimal in-process SSH server that accepts any
// public key, runs "exec" requests by writing a fixed reply to stdout, and
// accepts raw byte streams for session.Stdin to support CopyFile/FetchFile
// round-trips. It returns the listener address.
func startEchoSSHServer(t *testing.T, clientKey ssh.PublicKey) string {
	t.Helper()

	hostKeyRaw, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostKeyRaw)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handleServerConn(t, conn, config)
		}
	}()

	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func handleServerConn(t *testing.T, nConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(nConn, config)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go func() {
			defer channel.Close()
			for req := range requests {
				switch req.Type {
				case "exec":
					// Drain stdin (CopyFile/FetchFile bodies) and reply ok.
					buf := make([]byte, 4096)
					for {
						n, err := channel.Read(buf)
						if n == 0 || err != nil {
							break
						}
					}
					channel.Write([]byte("ok\n"))
					req.Reply(true, nil)
					channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
					return
				default:
					req.Reply(false, nil)
				}
			}
		}()
	}
}

func testClientKey(t *testing.T) (ssh.Signer, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("client signer: %v", err)
	}

	der := x509.MarshalPKCS1PrivateKey(key)
	block := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})
	return signer, block
}

func TestSSHClient_ExecuteCommand(t *testing.T) {
	signer, privatePEM := testClientKey(t)

	addr := startEchoSSHServer(t, signer.PublicKey())

	client, err := NewSSHClient(privatePEM, "root")
	if err != nil {
		t.Fatalf("NewSSHClient: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := client.ExecuteCommand(ctx, addr, "echo hello")
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	if out != "ok\n" {
		t.Errorf("output = %q, want %q", out, "ok\n")
	}
}

func TestSSHClient_TestConnection(t *testing.T) {
	signer, privatePEM := testClientKey(t)
	addr := startEchoSSHServer(t, signer.PublicKey())

	client, err := NewSSHClient(privatePEM, "root")
	if err != nil {
		t.Fatalf("NewSSHClient: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.TestConnection(ctx, addr); err != nil {
		t.Errorf("TestConnection: %v", err)
	}
}

func TestSSHClient_CopyFile(t *testing.T) {
	signer, privatePEM := testClientKey(t)
	addr := startEchoSSHServer(t, signer.PublicKey())

	client, err := NewSSHClient(privatePEM, "root")
	if err != nil {
		t.Fatalf("NewSSHClient: %v", err)
	}

	dir := t.TempDir()
	localPath := filepath.Join(dir, "payload.txt")
	if err := os.WriteFile(localPath, []byte("payload bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.CopyFile(ctx, addr, localPath, "/remote/payload.txt"); err != nil {
		t.Fatalf("CopyFile: %v", err)
	}
}

func TestNewSSHClient_RejectsInvalidKey(t *testing.T) {
	_, err := NewSSHClient([]byte("not a valid key"), "root")
	if err == nil {
		t.Error("expected error for invalid private key")
	}
}
