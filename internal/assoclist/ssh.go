package assoclist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/nugget/wifi-exporter/internal/buildinfo"
)

// SSHConfig configures the connection to the access point.
type SSHConfig struct {
	// Address is the host:port of the SSH server.
	Address string

	// User is the login name (most stock router firmwares use "admin").
	User string

	// PrivateKey is the PEM-encoded private key used for authentication.
	PrivateKey string

	// PublicKey is the authorized_keys form of the key pair's public
	// half. When set it must match PrivateKey.
	PublicKey string

	// KnownHostsFile enables host key verification. When empty any host
	// key is accepted.
	KnownHostsFile string

	// Timeout bounds the TCP dial and the SSH handshake.
	Timeout time.Duration

	// CommandTimeout bounds each Run, from opening the session to
	// reading the last byte of output. Defaults to Timeout.
	CommandTimeout time.Duration

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// SSHExecutor runs commands over a single long-lived SSH connection.
// Each command gets its own session on that connection.
type SSHExecutor struct {
	cfg       SSHConfig
	clientCfg *ssh.ClientConfig
	logger    *slog.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// DialSSH authenticates to the access point and returns an executor
// bound to that connection. Key, host key and authentication problems
// are reported here rather than on the first poll.
func DialSSH(ctx context.Context, cfg SSHConfig) (*SSHExecutor, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = cfg.Timeout
	}

	signer, err := loadSigner(cfg.PrivateKey, cfg.PublicKey)
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := hostKeyCallback(cfg.KnownHostsFile, cfg.Logger)
	if err != nil {
		return nil, err
	}

	e := &SSHExecutor{
		cfg: cfg,
		clientCfg: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         cfg.Timeout,
			ClientVersion:   buildinfo.SSHClientVersion(),
		},
		logger: cfg.Logger,
	}

	cfg.Logger.Debug("connecting to ssh", "address", cfg.Address, "user", cfg.User)
	client, err := e.dial(ctx)
	if err != nil {
		return nil, err
	}
	e.client = client
	cfg.Logger.Info("ssh connected", "address", cfg.Address)

	return e, nil
}

func loadSigner(privateKey, publicKey string) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey([]byte(privateKey))
	if err != nil {
		return nil, fmt.Errorf("parse ssh private key: %w", err)
	}
	if publicKey == "" {
		return signer, nil
	}

	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey))
	if err != nil {
		return nil, fmt.Errorf("parse ssh public key: %w", err)
	}
	if !bytes.Equal(pub.Marshal(), signer.PublicKey().Marshal()) {
		return nil, errors.New("ssh public key does not match private key")
	}
	return signer, nil
}

func hostKeyCallback(knownHostsFile string, logger *slog.Logger) (ssh.HostKeyCallback, error) {
	if knownHostsFile == "" {
		logger.Warn("ssh host key verification disabled (no known_hosts_file configured)")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(knownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known hosts %s: %w", knownHostsFile, err)
	}
	return cb, nil
}

func (e *SSHExecutor) dial(ctx context.Context) (*ssh.Client, error) {
	d := net.Dialer{Timeout: e.cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", e.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("connect to ssh server %s: %w", e.cfg.Address, err)
	}

	// The handshake has no context support; bound it with a deadline.
	_ = conn.SetDeadline(time.Now().Add(e.cfg.Timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, e.cfg.Address, e.clientCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", e.cfg.Address, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}

// connection returns the current client, dialing a new one when there
// is none. The lock is not held while dialing.
func (e *SSHExecutor) connection(ctx context.Context) (*ssh.Client, error) {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client != nil {
		return client, nil
	}

	client, err := e.dial(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		// Another caller reconnected first.
		client.Close()
		return e.client, nil
	}
	e.client = client
	e.logger.Info("ssh reconnected", "address", e.cfg.Address)
	return client, nil
}

// drop closes client and forgets it if it is still the current one, so
// the next command re-dials.
func (e *SSHExecutor) drop(client *ssh.Client) {
	e.mu.Lock()
	if e.client == client {
		e.client = nil
	}
	e.mu.Unlock()
	client.Close()
}

// newSession opens a session on client, giving up when ctx is done.
// A server that never answers the channel open leaves the client
// unusable, so it is dropped in that case.
func (e *SSHExecutor) newSession(ctx context.Context, client *ssh.Client) (*ssh.Session, error) {
	type result struct {
		s   *ssh.Session
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := client.NewSession()
		done <- result{s, err}
	}()

	select {
	case <-ctx.Done():
		e.drop(client)
		return nil, fmt.Errorf("open ssh session: %w", ctx.Err())
	case r := <-done:
		return r.s, r.err
	}
}

// session opens a new session, re-dialing once if the existing
// connection is no longer usable.
func (e *SSHExecutor) session(ctx context.Context) (*ssh.Session, *ssh.Client, error) {
	client, err := e.connection(ctx)
	if err != nil {
		return nil, nil, err
	}
	s, err := e.newSession(ctx, client)
	if err == nil {
		return s, client, nil
	}
	if ctx.Err() != nil {
		return nil, nil, err
	}

	e.logger.Warn("ssh session failed, reconnecting", "address", e.cfg.Address, "error", err)
	e.drop(client)

	client, err = e.connection(ctx)
	if err != nil {
		return nil, nil, err
	}
	s, err = e.newSession(ctx, client)
	if err != nil {
		return nil, nil, fmt.Errorf("open ssh session: %w", err)
	}
	return s, client, nil
}

// Run executes command in a new session and returns its standard output.
// A non-zero exit status is an error that includes standard error. The
// whole call, session open included, is bounded by CommandTimeout; on
// timeout the connection is dropped and re-dialed by the next call.
func (e *SSHExecutor) Run(ctx context.Context, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout)
	defer cancel()

	s, client, err := e.session(ctx)
	if err != nil {
		return "", err
	}
	defer s.Close()

	var stdout, stderr bytes.Buffer
	s.Stdout = &stdout
	s.Stderr = &stderr

	e.logger.Debug("sending ssh command", "command", command)

	done := make(chan error, 1)
	go func() { done <- s.Run(command) }()

	select {
	case <-ctx.Done():
		s.Close()
		e.drop(client)
		return "", fmt.Errorf("run %q: %w", command, ctx.Err())
	case err := <-done:
		if err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return "", fmt.Errorf("run %q: %w: %s", command, err, msg)
			}
			return "", fmt.Errorf("run %q: %w", command, err)
		}
	}

	e.logger.Log(ctx, slog.Level(-8), "ssh command output", "output", stdout.String()) // config.LevelTrace
	return stdout.String(), nil
}

// Ping sends an OpenSSH keepalive over the current connection. A reply
// of either kind means the server is alive.
func (e *SSHExecutor) Ping(ctx context.Context) error {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client == nil {
		return errors.New("ssh not connected")
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Close terminates the SSH connection.
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
