package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/httprunner/DevicePool/internal/env"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// lookup reads key after the .env file has been applied. Unset or blank keys
// yield fallback; values parse rejects are logged and also yield fallback.
func lookup[T any](key string, fallback T, parse func(string) (T, error)) T {
	_ = env.Ensure()
	raw, ok := os.LookupEnv(key)
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return fallback
	}
	v, err := parse(raw)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Str("value", raw).Msg("invalid env value, using default")
		return fallback
	}
	return v
}

// String returns the trimmed value of key, or fallback.
func String(key, fallback string) string {
	return lookup(key, fallback, func(s string) (string, error) { return s, nil })
}

// Duration accepts Go duration syntax ("90s", "5m") or a bare number of seconds.
func Duration(key string, fallback time.Duration) time.Duration {
	return lookup(key, fallback, func(s string) (time.Duration, error) {
		if secs, err := strconv.Atoi(s); err == nil {
			return time.Duration(secs) * time.Second, nil
		}
		d, err := time.ParseDuration(s)
		return d, errors.Wrap(err, "parse duration")
	})
}

func Int(key string, fallback int) int {
	return lookup(key, fallback, func(s string) (int, error) {
		n, err := strconv.Atoi(s)
		return n, errors.Wrap(err, "parse int")
	})
}

// Bool accepts strconv.ParseBool forms plus yes/no and on/off.
func Bool(key string, fallback bool) bool {
	return lookup(key, fallback, func(s string) (bool, error) {
		switch strings.ToLower(s) {
		case "yes", "on":
			return true, nil
		case "no", "off":
			return false, nil
		}
		b, err := strconv.ParseBool(s)
		return b, errors.Wrap(err, "parse bool")
	})
}
