package remote

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

// SSHConfig holds the credentials used to reach cluster nodes. Password
// and private key are both optional, but at least one must be set.
type SSHConfig struct {
	Username       string
	Password       string
	PrivateKeyPath string
	Port           int
}

// SSH implements Remote over the ssh protocol with one cached connection
// per node. Connections are dialed lazily and reused; each Exec runs in a
// fresh session.
type SSH struct {
	cfg   SSHConfig
	locks *LockRegistry

	mu    sync.Mutex
	conns map[string]*ssh.Client
}

// NewSSH builds an SSH remote from credentials.
func NewSSH(cfg SSHConfig) (*SSH, error) {
	if cfg.Username == "" {
		return nil, errors.New("ssh remote requires a username")
	}
	if cfg.Password == "" && cfg.PrivateKeyPath == "" {
		return nil, errors.New("ssh remote requires a password or a private key")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	return &SSH{
		cfg:   cfg,
		locks: NewLockRegistry(),
		conns: make(map[string]*ssh.Client),
	}, nil
}

func (s *SSH) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if s.cfg.PrivateKeyPath != "" {
		key, err := os.ReadFile(s.cfg.PrivateKeyPath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read ssh private key")
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse ssh private key")
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if s.cfg.Password != "" {
		methods = append(methods, ssh.Password(s.cfg.Password))
	}
	return methods, nil
}

// conn returns the cached connection for node, dialing on first use.
func (s *SSH) conn(node string) (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[node]; ok {
		return c, nil
	}
	methods, err := s.authMethods()
	if err != nil {
		return nil, err
	}
	client, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", node, s.cfg.Port), &ssh.ClientConfig{
		User: s.cfg.Username,
		Auth: methods,
		// Test clusters are ephemeral; host keys are not pinned.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", node)
	}
	s.conns[node] = client
	return client, nil
}

// Exec runs cmd on node in a fresh session.
func (s *SSH) Exec(ctx context.Context, node, cmd string) (ExecResult, error) {
	client, err := s.conn(node)
	if err != nil {
		return ExecResult{}, err
	}
	session, err := client.NewSession()
	if err != nil {
		return ExecResult{}, errors.Wrapf(err, "failed to open session on %s", node)
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case err := <-done:
		res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				res.Exit = exitErr.ExitStatus()
				return res, nil
			}
			return res, errors.Wrapf(err, "command failed on %s", node)
		}
		return res, nil
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return ExecResult{}, errors.Wrapf(ctx.Err(), "command cancelled on %s", node)
	}
}

// ExecExclusive runs cmd while holding the node's mutation lock.
func (s *SSH) ExecExclusive(ctx context.Context, node, cmd string) (ExecResult, error) {
	var res ExecResult
	err := s.locks.WithLock(node, func() error {
		var err error
		res, err = s.Exec(ctx, node, cmd)
		return err
	})
	return res, err
}

// Upload copies a local file to the node by streaming it through a shell.
func (s *SSH) Upload(ctx context.Context, node, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", localPath)
	}
	client, err := s.conn(node)
	if err != nil {
		return err
	}
	session, err := client.NewSession()
	if err != nil {
		return errors.Wrapf(err, "failed to open session on %s", node)
	}
	defer func() { _ = session.Close() }()
	session.Stdin = bytes.NewReader(data)
	if err := session.Run(fmt.Sprintf("cat > %q", remotePath)); err != nil {
		return errors.Wrapf(err, "failed to upload to %s:%s", node, remotePath)
	}
	return nil
}

// Download copies a remote file into localPath.
func (s *SSH) Download(ctx context.Context, node, remotePath, localPath string) error {
	res, err := s.Exec(ctx, node, fmt.Sprintf("cat %q", remotePath))
	if err != nil {
		return err
	}
	if res.Exit != 0 {
		return errors.Errorf("failed to read %s:%s: %s", node, remotePath, res.Stderr)
	}
	if err := os.WriteFile(localPath, []byte(res.Stdout), 0644); err != nil {
		return errors.Wrapf(err, "failed to write %s", localPath)
	}
	return nil
}

// Close tears down every cached connection.
func (s *SSH) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for node, c := range s.conns {
		if err := c.Close(); err != nil && first == nil {
			first = errors.Wrapf(err, "failed to close connection to %s", node)
		}
		delete(s.conns, node)
	}
	return first
}
