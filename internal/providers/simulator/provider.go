package simulator

import (
	"context"
	"net"
	"regexp"
	"strings"
	"sync"

	"github.com/httprunner/DevicePool/internal/agent/device"
	"github.com/httprunner/DevicePool/internal/hostlock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const defaultSSHPort = "22"

// Target is one simulator host, optionally pinned to specific simulators.
type Target struct {
	User    string
	Address string
	UDIDs   []string
}

// ParseTarget parses `user@host[:port][/udid[,udid...]]`.
func ParseTarget(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, errors.New("empty simulator target")
	}
	var t Target
	if at := strings.Index(raw, "@"); at >= 0 {
		t.User, raw = raw[:at], raw[at+1:]
	}
	if slash := strings.Index(raw, "/"); slash >= 0 {
		for _, udid := range strings.Split(raw[slash+1:], ",") {
			if udid = strings.TrimSpace(udid); udid != "" {
				t.UDIDs = append(t.UDIDs, udid)
			}
		}
		raw = raw[:slash]
	}
	if raw == "" {
		return Target{}, errors.New("simulator target has no host")
	}
	if _, _, err := net.SplitHostPort(raw); err != nil {
		raw = net.JoinHostPort(raw, defaultSSHPort)
	}
	t.Address = raw
	return t, nil
}

// Dialer opens an executor for a target.
type Dialer func(ctx context.Context, target Target) (Executor, error)

// Provider connects to simulator hosts and exposes one driver per simulator.
type Provider struct {
	targets []Target
	opts    Options
	dial    Dialer

	mu        sync.Mutex
	executors map[string]Executor
}

// NewProvider dials hosts over SSH; all connections share the host lock registry.
func NewProvider(targets []Target, cfg SSHConfig, locks *hostlock.Registry, opts Options) *Provider {
	if locks == nil {
		locks = hostlock.New()
	}
	dial := func(ctx context.Context, t Target) (Executor, error) {
		return DialSSH(ctx, t.Address, t.User, cfg, locks)
	}
	return NewProviderWithDialer(targets, dial, opts)
}

func NewProviderWithDialer(targets []Target, dial Dialer, opts Options) *Provider {
	return &Provider{targets: targets, opts: opts, dial: dial, executors: make(map[string]Executor)}
}

func (p *Provider) Name() string { return "simulator" }

// Devices connects to every target. Unreachable hosts are logged and skipped.
func (p *Provider) Devices(ctx context.Context) ([]device.Driver, error) {
	var drivers []device.Driver
	var lastErr error
	for _, t := range p.targets {
		exec, err := p.executor(ctx, t)
		if err != nil {
			lastErr = err
			log.Error().Err(err).Str("host", t.Address).Msg("simulator host unreachable")
			continue
		}
		udids := t.UDIDs
		if len(udids) == 0 {
			udids, err = listBooted(ctx, exec)
			if err != nil {
				lastErr = err
				log.Error().Err(err).Str("host", t.Address).Msg("list simulators failed")
				continue
			}
		}
		for _, udid := range udids {
			drivers = append(drivers, NewDriver(udid, exec, p.opts))
		}
	}
	if len(drivers) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return drivers, nil
}

func (p *Provider) executor(ctx context.Context, t Target) (Executor, error) {
	key := t.User + "@" + t.Address
	p.mu.Lock()
	defer p.mu.Unlock()
	if exec, ok := p.executors[key]; ok {
		return exec, nil
	}
	exec, err := p.dial(ctx, t)
	if err != nil {
		return nil, err
	}
	p.executors[key] = exec
	return exec, nil
}

// Close closes all host connections.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for key, exec := range p.executors {
		if err := exec.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "close %s", key)
		}
		delete(p.executors, key)
	}
	return firstErr
}

// iPhone 15 (0B5E7F5C-7D0E-4E4B-9F3A-3F2D2C1B0A99) (Booted)
var bootedPattern = regexp.MustCompile(`\(([0-9A-Fa-f]{8}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{12})\) \(Booted\)`)

func listBooted(ctx context.Context, exec Executor) ([]string, error) {
	var udids []string
	status, err := exec.Run(ctx, "xcrun simctl list devices booted", func(line string) {
		if m := bootedPattern.FindStringSubmatch(line); m != nil {
			udids = append(udids, m[1])
		}
	})
	if err != nil {
		return nil, err
	}
	if status != 0 {
		return nil, errors.Errorf("simctl list exited with status %d", status)
	}
	return udids, nil
}
