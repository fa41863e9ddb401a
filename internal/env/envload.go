package env

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// EnvFile 指定 .env 文件路径，未设置时从当前目录向上查找。
const EnvFile = "DEVICEPOOL_ENV_FILE"

// dotEnvNames 为每层目录依次尝试的文件名，项目专用文件优先。
var dotEnvNames = []string{".devicepool.env", ".env"}

var (
	mu         sync.Mutex
	loaded     bool
	loadedPath string
	loadErr    error
)

// Ensure 首次调用时加载 .env，已经存在的环境变量不会被覆盖。
// go test 下默认跳过，设置 GOTEST_LOAD_DOTENV=1 可开启。
func Ensure() error {
	if testing.Testing() && os.Getenv("GOTEST_LOAD_DOTENV") != "1" {
		return nil
	}
	mu.Lock()
	defer mu.Unlock()
	if loaded {
		return loadErr
	}
	loaded = true

	path := strings.TrimSpace(os.Getenv(EnvFile))
	if path == "" {
		found, err := findDotEnv()
		if err != nil {
			log.Debug().Err(err).Msg("devicepool: search .env failed")
			loadErr = err
			return err
		}
		if found == "" {
			return nil
		}
		path = found
	}
	loadErr = apply(path)
	return loadErr
}

// Load 显式加载指定文件（CLI 的 --env-file），之后 Ensure 不再自动查找。
func Load(path string) error {
	mu.Lock()
	defer mu.Unlock()
	loaded = true
	loadErr = apply(path)
	return loadErr
}

func apply(path string) error {
	if err := godotenv.Load(path); err != nil {
		log.Warn().Err(err).Str("dotenv", path).Msg("devicepool: load .env failed")
		return errors.Wrapf(err, "load env file %s", path)
	}
	loadedPath = path
	log.Debug().Str("dotenv", path).Msg("devicepool: loaded .env")
	return nil
}

// LoadedPath 返回已加载的 .env 路径，未加载时为空。
func LoadedPath() string {
	mu.Lock()
	defer mu.Unlock()
	return loadedPath
}

func findDotEnv() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", errors.Wrap(err, "get working directory")
	}
	for {
		for _, name := range dotEnvNames {
			candidate := filepath.Join(dir, name)
			info, statErr := os.Stat(candidate)
			switch {
			case statErr == nil && !info.IsDir():
				return candidate, nil
			case statErr != nil && !os.IsNotExist(statErr):
				return "", errors.Wrapf(statErr, "stat %s", candidate)
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}
