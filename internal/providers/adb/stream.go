package adb

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"time"

	"github.com/pkg/errors"
)

// ErrOutputTimeout is returned when a streamed command prints nothing for too long.
var ErrOutputTimeout = errors.New("adb shell output timed out")

// Streamer runs a shell command on one device and hands its output over line
// by line while the command is still running. The returned status is the
// remote exit code; a non-nil error means no exit code was obtained.
type Streamer interface {
	Stream(ctx context.Context, serial string, args []string, onLine func(line string)) (int, error)
}

// ExecStreamer spawns `adb -s <serial> shell ...`. The adb shell protocol
// forwards the remote exit code and kills the remote process when the local
// one goes away.
type ExecStreamer struct {
	// Path of the adb binary, "adb" when empty.
	Path          string
	OutputTimeout time.Duration
}

func (s *ExecStreamer) Stream(ctx context.Context, serial string, args []string, onLine func(line string)) (int, error) {
	bin := s.Path
	if bin == "" {
		bin = "adb"
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, bin, append([]string{"-s", serial, "shell"}, args...)...)
	cmd.WaitDelay = time.Second
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		return -1, errors.Wrap(err, "start adb shell")
	}

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
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
	if s.OutputTimeout > 0 {
		idleTimer = time.NewTimer(s.OutputTimeout)
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
				idleTimer.Reset(s.OutputTimeout)
			}
		case <-idle:
			cancel()
			return -1, ErrOutputTimeout
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}

	err := <-waitErr
	if err == nil {
		return 0, nil
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	var exit *exec.ExitError
	if errors.As(err, &exit) && exit.ExitCode() >= 0 {
		return exit.ExitCode(), nil
	}
	return -1, errors.Wrap(err, "adb shell")
}
