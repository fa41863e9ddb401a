package simulator

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/httprunner/DevicePool/internal/hostlock"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrOutputTimeout is returned when a remote command prints nothing for too long.
var ErrOutputTimeout = errors.New("remote command output timed out")

// TransportError marks failures of the connection itself rather than of the
// remote command.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err came from the connection.
func IsTransport(err error) bool {
	var t *TransportError
	return errors.As(err, &t)
}

// exitError is what ssh.ExitError conforms to; it cannot be built in tests.
type exitError interface {
	error
	ExitStatus() int
}

var _ exitError = &ssh.ExitError{}

// Executor runs commands on one remote host.
type Executor interface {
	Host() string
	// Run streams combined output line by line and returns the exit status.
	// A non-nil error means no exit status was obtained.
	Run(ctx context.Context, command string, onLine func(line string)) (int, error)
	Upload(ctx context.Context, remotePath string, data []byte) error
	Close() error
}

// SSHConfig configures connections to simulator hosts.
type SSHConfig struct {
	User           string
	KeyPath        string
	KnownHostsPath string
	DialTimeout    time.Duration
	OutputTimeout  time.Duration
}

func (c SSHConfig) clientConfig(user string) (*ssh.ClientConfig, error) {
	if user == "" {
		user = c.User
	}
	if user == "" {
		return nil, errors.New("ssh user is required")
	}
	key, err := os.ReadFile(c.KeyPath)
	if err != nil {
		return nil, errors.Wrap(err, "read ssh key")
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, errors.Wrap(err, "parse ssh key")
	}
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, errors.Wrap(err, "load known hosts")
		}
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.DialTimeout,
	}, nil
}

// SSHExecutor runs commands over one shared SSH connection.
type SSHExecutor struct {
	host          string
	client        *ssh.Client
	locks         *hostlock.Registry
	outputTimeout time.Duration
}

// DialSSH connects to address (host:port) as user.
func DialSSH(ctx context.Context, address, user string, cfg SSHConfig, locks *hostlock.Registry) (*SSHExecutor, error) {
	clientConfig, err := cfg.clientConfig(user)
	if err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &TransportError{Op: "dial " + address, Err: err}
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, &TransportError{Op: "ssh handshake " + address, Err: err}
	}
	host, _, splitErr := net.SplitHostPort(address)
	if splitErr != nil {
		host = address
	}
	if locks == nil {
		locks = hostlock.New()
	}
	return &SSHExecutor{
		host:          host,
		client:        ssh.NewClient(c, chans, reqs),
		locks:         locks,
		outputTimeout: cfg.OutputTimeout,
	}, nil
}

func (e *SSHExecutor) Host() string { return e.host }

func (e *SSHExecutor) Run(ctx context.Context, command string, onLine func(line string)) (int, error) {
	session, err := e.client.NewSession()
	if err != nil {
		return -1, &TransportError{Op: "open session", Err: err}
	}
	defer session.Close()

	pr, pw := io.Pipe()
	session.Stdout = pw
	session.Stderr = pw
	if err := session.Start(command); err != nil {
		return -1, &TransportError{Op: "start command", Err: err}
	}

	waitErr := make(chan error, 1)
	go func() {
		err := session.Wait()
		_ = pw.Close()
		waitErr <- err
	}()

	stop := make(chan struct{})
	defer close(stop)
	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				_ = pr.Close()
				return
			}
		}
		_, _ = io.Copy(io.Discard, pr)
	}()

	var idle <-chan time.Time
	var idleTimer *time.Timer
	if e.outputTimeout > 0 {
		idleTimer = time.NewTimer(e.outputTimeout)
		defer idleTimer.Stop()
		idle = idleTimer.C
	}
	for lines != nil {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if onLine != nil {
				onLine(line)
			}
			if idleTimer != nil {
				if !idleTimer.Stop() {
					select {
					case <-idleTimer.C:
					default:
					}
				}
				idleTimer.Reset(e.outputTimeout)
			}
		case <-idle:
			_ = session.Signal(ssh.SIGKILL)
			return -1, &TransportError{Op: "run " + firstWord(command), Err: ErrOutputTimeout}
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGKILL)
			return -1, ctx.Err()
		}
	}

	select {
	case err := <-waitErr:
		if err == nil {
			return 0, nil
		}
		var exit exitError
		if errors.As(err, &exit) {
			return exit.ExitStatus(), nil
		}
		return -1, &TransportError{Op: "wait " + firstWord(command), Err: err}
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Upload writes data to remotePath. Transfers to the same host are serialized.
func (e *SSHExecutor) Upload(ctx context.Context, remotePath string, data []byte) error {
	return e.locks.With(e.host, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		session, err := e.client.NewSession()
		if err != nil {
			return &TransportError{Op: "open session", Err: err}
		}
		defer session.Close()
		session.Stdin = bytes.NewReader(data)
		cmd := "mkdir -p " + shellQuote(path.Dir(remotePath)) + " && cat > " + shellQuote(remotePath)
		if err := session.Run(cmd); err != nil {
			var exit exitError
			if errors.As(err, &exit) {
				return errors.Wrapf(err, "upload %s", remotePath)
			}
			return &TransportError{Op: "upload " + remotePath, Err: err}
		}
		return nil
	})
}

func (e *SSHExecutor) Close() error {
	return e.client.Close()
}

func firstWord(command string) string {
	if fields := strings.Fields(command); len(fields) > 0 {
		return fields[0]
	}
	return command
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
