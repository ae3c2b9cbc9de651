package session

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/sftpvol/sftpvol/pkg/errors"
	"github.com/sftpvol/sftpvol/pkg/logging"
)

const defaultSSHPort = 22

// Params are the resolved connection parameters of one mount. They are
// supplied by the caller after host alias resolution and never change for
// the life of the mount.
type Params struct {
	Host          string
	Port          int
	User          string
	IdentityFiles []string
	Password      string
	// Jump is an optional bastion the connection is tunnelled through.
	Jump *Params
}

// Address returns host:port.
func (p Params) Address() string {
	port := p.Port
	if port == 0 {
		port = defaultSSHPort
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(port))
}

// Transport is the connection beneath an SFTP client.
type Transport interface {
	Close() error
	// Keepalive sends a transport keepalive without waiting for the reply.
	Keepalive() error
}

// Dialer opens a fresh SFTP client and its transport.
type Dialer interface {
	Dial(ctx context.Context, opts ...sftp.ClientOption) (*sftp.Client, Transport, error)
}

// SSHDialer dials TCP, runs the SSH handshake and starts the sftp
// subsystem.
type SSHDialer struct {
	Params                Params
	ConnectTimeout        time.Duration
	TCPKeepAlive          time.Duration
	KnownHostsFile        string
	InsecureIgnoreHostKey bool
	UseAgent              bool
	Runtime               *Runtime
	Logger                *zap.Logger
}

// Dial implements Dialer. A partially built connection is always torn down
// before an error is returned.
func (d *SSHDialer) Dial(ctx context.Context, opts ...sftp.ClientOption) (*sftp.Client, Transport, error) {
	logger := d.Logger
	if logger == nil {
		logger = logging.Named("dial")
	}

	config, err := d.clientConfig(d.Params)
	if err != nil {
		return nil, nil, err
	}

	var jump *ssh.Client
	if d.Params.Jump != nil {
		jumpConfig, err := d.clientConfig(*d.Params.Jump)
		if err != nil {
			return nil, nil, err
		}
		jump, err = d.dialSSH(ctx, nil, d.Params.Jump.Address(), jumpConfig)
		if err != nil {
			return nil, nil, err
		}
		logger.Debug("connected to jump host", zap.String("address", d.Params.Jump.Address()))
	}

	client, err := d.dialSSH(ctx, jump, d.Params.Address(), config)
	if err != nil {
		if jump != nil {
			_ = jump.Close()
		}
		return nil, nil, err
	}

	sftpClient, err := sftp.NewClient(client, opts...)
	if err != nil {
		_ = client.Close()
		if jump != nil {
			_ = jump.Close()
		}
		return nil, nil, errors.NewError(errors.ErrCodeConnectionFailed, "failed to start sftp subsystem").
			WithComponent("session").
			WithContext("address", d.Params.Address()).
			WithCause(err)
	}

	logger.Debug("sftp subsystem started", zap.String("address", d.Params.Address()), zap.String("user", d.Params.User))
	return sftpClient, &sshTransport{client: client, jump: jump}, nil
}

// dialSSH opens the TCP stream (directly or through a jump client) and runs
// the handshake under the connect timeout.
func (d *SSHDialer) dialSSH(ctx context.Context, via *ssh.Client, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		conn net.Conn
		err  error
	)
	if via != nil {
		conn, err = via.DialContext(ctx, "tcp", addr)
	} else {
		dialer := &net.Dialer{Timeout: timeout, KeepAlive: d.TCPKeepAlive}
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeConnectionFailed, "failed to open connection").
			WithComponent("session").
			WithContext("address", addr).
			WithCause(err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		code := errors.ErrCodeConnectionFailed
		msg := "ssh handshake failed"
		if isAuthError(err) {
			code = errors.ErrCodeAuthenticationFailed
			msg = "all authentication methods were rejected"
		}
		return nil, errors.NewError(code, msg).
			WithComponent("session").
			WithContext("address", addr).
			WithContext("user", config.User).
			WithCause(err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}

// clientConfig builds the handshake configuration. Authentication is
// attempted in order: agent keys, identity files, then the password.
func (d *SSHDialer) clientConfig(p Params) (*ssh.ClientConfig, error) {
	hostKeyCallback, err := d.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	auth := d.authMethods(p)
	if len(auth) == 0 {
		return nil, errors.NewError(errors.ErrCodeAuthenticationFailed, "no authentication methods available").
			WithComponent("session").
			WithContext("user", p.User)
	}

	return &ssh.ClientConfig{
		User:            p.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         d.ConnectTimeout,
	}, nil
}

// authMethods returns one publickey method carrying agent signers followed
// by identity file signers, then a password method when one is set. The SSH
// client tries each method kind once, so all keys share a single method.
func (d *SSHDialer) authMethods(p Params) []ssh.AuthMethod {
	logger := d.Logger
	if logger == nil {
		logger = logging.Named("dial")
	}

	var fileSigners []ssh.Signer
	for _, file := range p.IdentityFiles {
		signer, err := loadIdentity(file)
		if err != nil {
			logger.Warn("skipping identity file", zap.String("file", file), zap.Error(err))
			continue
		}
		fileSigners = append(fileSigners, signer)
	}

	var methods []ssh.AuthMethod
	rt := d.Runtime
	if (d.UseAgent && rt != nil) || len(fileSigners) > 0 {
		methods = append(methods, ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
			var signers []ssh.Signer
			if d.UseAgent && rt != nil {
				agentSigners, err := rt.AgentSigners()
				if err != nil {
					logger.Warn("ssh-agent listing failed", zap.Error(err))
				}
				signers = append(signers, agentSigners...)
			}
			return append(signers, fileSigners...), nil
		}))
	}
	if p.Password != "" {
		password := p.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	return methods
}

func (d *SSHDialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if d.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	file := expandHome(d.KnownHostsFile)
	if file == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidFormat, "no known_hosts file configured").
			WithComponent("session")
	}
	cb, err := knownhosts.New(file)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeConnectionFailed, "failed to load known_hosts").
			WithComponent("session").
			WithContext("file", file).
			WithCause(err)
	}
	return cb, nil
}

// loadIdentity parses an unencrypted private key file. Encrypted keys are
// expected to be served by ssh-agent.
func loadIdentity(file string) (ssh.Signer, error) {
	data, err := os.ReadFile(expandHome(file))
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		if _, ok := err.(*ssh.PassphraseMissingError); ok {
			return nil, fmt.Errorf("key is passphrase protected, add it to ssh-agent: %w", err)
		}
		return nil, err
	}
	return signer, nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// sshTransport closes the SSH client and the jump client it rides on.
type sshTransport struct {
	client *ssh.Client
	jump   *ssh.Client
}

func (t *sshTransport) Close() error {
	err := t.client.Close()
	if t.jump != nil {
		if jerr := t.jump.Close(); err == nil {
			err = jerr
		}
	}
	return err
}

func (t *sshTransport) Keepalive() error {
	_, _, err := t.client.SendRequest("keepalive@openssh.com", false, nil)
	return err
}
