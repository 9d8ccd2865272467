package executor

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/ssh"
)

type execReply struct {
	stdout, stderr string
	code           uint32
	noStatus       bool
	block          bool
}

// startSSHServer runs an in-process SSH server that accepts admin/pw and
// answers exec requests through handler. Returns host and port.
func startSSHServer(t *testing.T, handler func(cmd string) execReply) (string, int) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "admin" && string(pass) == "pw" {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	release := make(chan struct{})
	t.Cleanup(func() {
		close(release)
		ln.Close()
	})

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSH(nc, cfg, handler, release)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func serveSSH(nc net.Conn, cfg *ssh.ServerConfig, handler func(string) execReply, release <-chan struct{}) {
	conn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		nc.Close()
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for nch := range chans {
		if nch.ChannelType() != "session" {
			_ = nch.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := nch.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range chReqs {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				_ = ssh.Unmarshal(req.Payload, &payload)
				_ = req.Reply(true, nil)

				reply := handler(payload.Command)
				if reply.block {
					<-release
					return
				}
				_, _ = io.WriteString(ch, reply.stdout)
				_, _ = io.WriteString(ch.Stderr(), reply.stderr)
				if !reply.noStatus {
					_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{reply.code}))
				}
				return
			}
		}()
	}
}

func fakeShell(cmd string) execReply {
	switch {
	case cmd == "uptime":
		return execReply{stdout: "up 3 days\n"}
	case cmd == "false":
		return execReply{stderr: "failed\n", code: 1}
	case cmd == "sleep":
		return execReply{block: true}
	case cmd == "vanish":
		return execReply{noStatus: true}
	case strings.HasPrefix(cmd, "echo "):
		return execReply{stdout: strings.TrimPrefix(cmd, "echo ") + "\n"}
	default:
		return execReply{stderr: cmd + ": not found\n", code: 127}
	}
}

func newTestExecutor(t *testing.T, cfg Config) *SSHExecutor {
	t.Helper()
	e, err := New(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestSSHExecutor_Run(t *testing.T) {
	host, port := startSSHServer(t, fakeShell)
	e := newTestExecutor(t, Config{Host: host, Port: port, Username: "admin", Password: "pw"})

	tests := []struct {
		command    string
		wantStdout string
		wantStderr string
		wantCode   int
	}{
		{command: "uptime", wantStdout: "up 3 days\n"},
		{command: "echo hello", wantStdout: "hello\n"},
		{command: "false", wantStderr: "failed\n", wantCode: 1},
		{command: "nope", wantStderr: "nope: not found\n", wantCode: 127},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			res, err := e.Run(context.Background(), tt.command)
			if err != nil {
				t.Fatalf("Run(%q) error = %v", tt.command, err)
			}
			if res.Command != tt.command {
				t.Errorf("Command = %q, want %q", res.Command, tt.command)
			}
			if res.Stdout != tt.wantStdout {
				t.Errorf("Stdout = %q, want %q", res.Stdout, tt.wantStdout)
			}
			if res.Stderr != tt.wantStderr {
				t.Errorf("Stderr = %q, want %q", res.Stderr, tt.wantStderr)
			}
			if res.ExitCode != tt.wantCode {
				t.Errorf("ExitCode = %d, want %d", res.ExitCode, tt.wantCode)
			}
		})
	}
}

func TestSSHExecutor_ReusesConnection(t *testing.T) {
	host, port := startSSHServer(t, fakeShell)
	e := newTestExecutor(t, Config{Host: host, Port: port, Username: "admin", Password: "pw"})

	dials := 0
	e.dial = func(network, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
		dials++
		return ssh.Dial(network, addr, cfg)
	}
	for range 3 {
		if _, err := e.Run(context.Background(), "uptime"); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	}
	if dials != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := e.Run(context.Background(), "uptime"); err != nil {
		t.Fatalf("Run() after Close error = %v", err)
	}
	if dials != 2 {
		t.Errorf("dials after Close = %d, want 2", dials)
	}
}

func TestSSHExecutor_Timeout(t *testing.T) {
	host, port := startSSHServer(t, fakeShell)
	e := newTestExecutor(t, Config{Host: host, Port: port, Username: "admin", Password: "pw", Timeout: 50 * time.Millisecond})

	res, err := e.Run(context.Background(), "sleep")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run(sleep) error = %v, want DeadlineExceeded", err)
	}
	if res.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1", res.ExitCode)
	}
}

func TestSSHExecutor_MissingExitStatus(t *testing.T) {
	host, port := startSSHServer(t, fakeShell)
	e := newTestExecutor(t, Config{Host: host, Port: port, Username: "admin", Password: "pw"})

	var missing *ssh.ExitMissingError
	if _, err := e.Run(context.Background(), "vanish"); !errors.As(err, &missing) {
		t.Errorf("Run(vanish) error = %v, want *ssh.ExitMissingError", err)
	}
}

func TestSSHExecutor_AuthFailure(t *testing.T) {
	host, port := startSSHServer(t, fakeShell)
	e := newTestExecutor(t, Config{Host: host, Port: port, Username: "admin", Password: "wrong"})

	if _, err := e.Run(context.Background(), "uptime"); err == nil {
		t.Error("Run() with wrong password error = nil, want error")
	}
}

func TestSSHExecutor_DialError(t *testing.T) {
	e := newTestExecutor(t, Config{Host: "10.0.0.1", Port: 2222, Username: "admin", Password: "pw"})

	var dialedAddr string
	e.dial = func(_, addr string, _ *ssh.ClientConfig) (*ssh.Client, error) {
		dialedAddr = addr
		return nil, fmt.Errorf("connection refused")
	}
	if _, err := e.Run(context.Background(), "uptime"); err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("Run() error = %v, want connection refused", err)
	}
	if dialedAddr != "10.0.0.1:2222" {
		t.Errorf("dialed addr = %q, want %q", dialedAddr, "10.0.0.1:2222")
	}
}

func TestSSHExecutor_NotConfigured(t *testing.T) {
	e := newTestExecutor(t, Config{})
	if _, err := e.Run(context.Background(), "uptime"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Run() error = %v, want ErrNotConfigured", err)
	}
}

func TestNew_Validation(t *testing.T) {
	dir := t.TempDir()
	badKey := filepath.Join(dir, "bad_key")
	if err := os.WriteFile(badKey, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "no auth method", cfg: Config{Host: "fw.lan"}},
		{name: "missing key file", cfg: Config{Host: "fw.lan", PrivateKeyPath: filepath.Join(dir, "absent")}},
		{name: "unparseable key", cfg: Config{Host: "fw.lan", PrivateKeyPath: badKey}},
		{name: "missing known hosts", cfg: Config{Host: "fw.lan", Password: "pw", KnownHostsPath: filepath.Join(dir, "known_hosts")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, nil); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

func TestSSHExecutor_Address(t *testing.T) {
	e := newTestExecutor(t, Config{Host: "fe80::1", Password: "pw"})
	if got, want := e.Address(), "[fe80::1]:"+strconv.Itoa(22); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}
