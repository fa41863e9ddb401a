package main

import (
	"os"
	"strings"

	"github.com/httprunner/DevicePool/internal/env"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "devicepool",
	Short: "Run instrumentation and xcodebuild tests across device pools",
	Long:  `devicepool CLI 将测试列表分批调度到 adb 设备和远程 iOS 模拟器上执行，自动重试未完成的测试，并把结果落到 SQLite（可选同步到飞书多维表格）。`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogLevel(rootLogLevel); err != nil {
			return err
		}
		if strings.TrimSpace(rootEnvFile) != "" {
			return env.Load(rootEnvFile)
		}
		return env.Ensure()
	},
	SilenceUsage: true,
}

var (
	rootLogLevel string
	rootEnvFile  string
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "info", "日志级别 (debug/info/warn/error)")
	rootCmd.PersistentFlags().StringVar(&rootEnvFile, "env-file", "", "指定 .env 文件，覆盖 DEVICEPOOL_ENV_FILE")
	rootCmd.AddCommand(
		newRunCmd(),
	)
}

func setupLogLevel(level string) error {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return errors.Wrapf(err, "invalid --log-level %q", level)
	}
	zerolog.SetGlobalLevel(parsed)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("devicepool command failed")
	}
}
