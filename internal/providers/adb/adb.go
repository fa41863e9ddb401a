package adb

import (
	"context"
	"strings"

	"github.com/httprunner/DevicePool/internal/agent/device"
	"github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Provider 通过 adb server 发现 Android 设备，每台在线设备对应一个 Driver。
type Provider struct {
	client gadb.Client
	opts   Options
}

func New(client gadb.Client, opts Options) *Provider {
	return &Provider{client: client, opts: opts}
}

// NewDefault 连接本机默认端口上的 adb server。
func NewDefault(opts Options) (*Provider, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrap(err, "connect adb server")
	}
	return New(client, opts), nil
}

func (p *Provider) Name() string { return "adb" }

// Devices 只返回 state 为 device 的设备；offline/unauthorized 的设备记录日志后跳过，
// 同一序列号重复出现时只保留第一次。
func (p *Provider) Devices(ctx context.Context) ([]device.Driver, error) {
	devs, err := p.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	var (
		drivers []device.Driver
		seen    = make(map[string]struct{}, len(devs))
	)
	for _, dev := range devs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if dev == nil {
			continue
		}
		serial := strings.TrimSpace(dev.Serial())
		if serial == "" {
			continue
		}
		if _, dup := seen[serial]; dup {
			continue
		}
		seen[serial] = struct{}{}

		state, err := dev.State()
		if err != nil {
			log.Warn().Err(err).Str("serial", serial).Msg("query adb device state failed, skipped")
			continue
		}
		if state != gadb.StateOnline {
			log.Info().Str("serial", serial).Str("state", string(state)).Msg("adb device not online, skipped")
			continue
		}
		drivers = append(drivers, NewDriver(serial, dev, p.opts))
	}
	return drivers, nil
}
