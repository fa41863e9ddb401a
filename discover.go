package devicepool

import (
	"context"

	"github.com/httprunner/DevicePool/internal/agent/device"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Discover collects drivers from every provider and groups them into pools.
// With a non-empty poolName all devices share one pool, otherwise each provider forms its own.
// Devices rejected by filter are skipped.
func Discover(ctx context.Context, poolName string, filter DeviceFilter, providers ...device.Provider) (map[string][]device.Driver, error) {
	pools := make(map[string][]device.Driver)
	total := 0
	for _, p := range providers {
		if p == nil {
			continue
		}
		drivers, err := p.Devices(ctx)
		if err != nil {
			log.Error().Err(err).Str("provider", p.Name()).Msg("device discovery failed")
			continue
		}
		id := poolName
		if id == "" {
			id = p.Name()
		}
		for _, d := range drivers {
			if info := d.Info(); !filter.Allows(info) {
				log.Debug().Str("serial", info.SerialNumber).Str("host", info.Host).Msg("device filtered out")
				continue
			}
			pools[id] = append(pools[id], d)
			total++
		}
		log.Info().Str("provider", p.Name()).Str("pool", id).Int("devices", len(drivers)).Msg("devices discovered")
	}
	if total == 0 {
		return nil, errors.New("no devices discovered")
	}
	return pools, nil
}
