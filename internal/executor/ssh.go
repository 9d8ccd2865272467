// Package executor runs commands on the managed device over SSH.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/HerbHall/switchyard/pkg/plugin"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Compile-time interface guard.
var _ plugin.Executor = (*SSHExecutor)(nil)

// ErrNotConfigured is returned by Run when no host is set.
var ErrNotConfigured = errors.New("executor: host not configured")

// Config holds SSH connection settings.
type Config struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"` //nolint:gosec // G101: config field name, not a credential
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	KnownHostsPath string        `mapstructure:"known_hosts_path"`
	Timeout        time.Duration `mapstructure:"timeout"` // per-command
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
}

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{
		Port:        22,
		Username:    "root",
		Timeout:     30 * time.Second,
		DialTimeout: 10 * time.Second,
	}
}

// SSHExecutor runs each command in a fresh session on a shared, lazily
// dialed SSH connection. A transport failure drops the connection so the
// next Run redials.
type SSHExecutor struct {
	cfg       Config
	sshConfig *ssh.ClientConfig
	logger    *zap.Logger

	// dial establishes SSH connections. Defaults to ssh.Dial; overridden in tests.
	dial func(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)

	mu     sync.Mutex
	client *ssh.Client
}

// New builds an executor. An empty host yields an executor whose Run
// returns ErrNotConfigured.
func New(cfg Config, logger *zap.Logger) (*SSHExecutor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := DefaultConfig()
	if cfg.Port == 0 {
		cfg.Port = d.Port
	}
	if cfg.Username == "" {
		cfg.Username = d.Username
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = d.DialTimeout
	}

	e := &SSHExecutor{cfg: cfg, logger: logger, dial: ssh.Dial}
	if cfg.Host == "" {
		return e, nil
	}

	var auth []ssh.AuthMethod
	if cfg.PrivateKeyPath != "" {
		key, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("executor: password or private_key_path is required")
	}

	hostKey := ssh.InsecureIgnoreHostKey() //nolint:gosec // G106: known_hosts_path opts in to verification
	if cfg.KnownHostsPath != "" {
		cb, err := knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKey = cb
	} else {
		logger.Warn("ssh host key verification disabled; set executor.known_hosts_path to enable")
	}

	e.sshConfig = &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         cfg.DialTimeout,
	}
	return e, nil
}

// Address returns host:port.
func (e *SSHExecutor) Address() string {
	return net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
}

// Run executes command and captures its output. A non-zero exit status is
// reported in the result, not as an error.
func (e *SSHExecutor) Run(ctx context.Context, command string) (plugin.ExecResult, error) {
	result := plugin.ExecResult{Command: command}
	if e.cfg.Host == "" {
		return result, ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	client, err := e.connect()
	if err != nil {
		return result, err
	}

	session, err := client.NewSession()
	if err != nil {
		e.reset(client)
		return result, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		result.Duration = time.Since(start)
		result.ExitCode = -1
		return result, fmt.Errorf("command %q: %w", command, ctx.Err())
	case err = <-done:
	}

	result.Duration = time.Since(start)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	var exitErr *ssh.ExitError
	var missingErr *ssh.ExitMissingError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
	case errors.As(err, &missingErr):
		result.ExitCode = -1
		return result, fmt.Errorf("command %q: %w", command, err)
	default:
		e.reset(client)
		result.ExitCode = -1
		return result, fmt.Errorf("command %q: %w", command, err)
	}

	e.logger.Debug("remote command finished",
		zap.String("command", command),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// Close drops the SSH connection, if any.
func (e *SSHExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}

func (e *SSHExecutor) connect() (*ssh.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return e.client, nil
	}
	client, err := e.dial("tcp", e.Address(), e.sshConfig)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", e.Address(), err)
	}
	e.logger.Info("ssh connected", zap.String("address", e.Address()), zap.String("user", e.cfg.Username))
	e.client = client
	return client, nil
}

// reset drops client if it is still the cached connection.
func (e *SSHExecutor) reset(client *ssh.Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == client {
		_ = e.client.Close()
		e.client = nil
	}
}
