package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	devicepool "github.com/httprunner/DevicePool"
	"github.com/httprunner/DevicePool/internal/agent/device"
	"github.com/httprunner/DevicePool/internal/agent/lifecycle"
	"github.com/httprunner/DevicePool/internal/agent/pool"
	"github.com/httprunner/DevicePool/internal/config"
	"github.com/httprunner/DevicePool/internal/feishu"
	"github.com/httprunner/DevicePool/internal/hostlock"
	"github.com/httprunner/DevicePool/internal/metrics"
	"github.com/httprunner/DevicePool/internal/providers/adb"
	"github.com/httprunner/DevicePool/internal/providers/simulator"
	"github.com/httprunner/DevicePool/internal/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var errRunNotSuccessful = errors.New("some tests failed or did not complete")

type runFlags struct {
	testsFile        string
	useADB           bool
	androidRunner    string
	simulators       []string
	xctestrun        string
	sshUser          string
	sshKey           string
	knownHosts       string
	pool             string
	devices          string
	batchSize        int
	maxRetries       int
	retryQuota       int
	dbPath           string
	resultBitableURL string
	deviceBitableURL string
	metricsAddr      string
}

func newRunCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a test list on every discovered device pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cmd.Flags().Changed("batch-size") {
				cfg.BatchSize = flags.batchSize
			}
			if cmd.Flags().Changed("max-retries") {
				cfg.MaxRetriesPerTest = flags.maxRetries
			}
			if cmd.Flags().Changed("retry-quota") {
				cfg.RetryQuota = flags.retryQuota
			}
			cfg.DBPath = firstNonEmpty(flags.dbPath, cfg.DBPath)
			cfg.ResultBitableURL = firstNonEmpty(flags.resultBitableURL, cfg.ResultBitableURL)
			cfg.DeviceBitableURL = firstNonEmpty(flags.deviceBitableURL, cfg.DeviceBitableURL)
			cfg.MetricsAddr = firstNonEmpty(flags.metricsAddr, cfg.MetricsAddr)
			cfg.AndroidRunner = firstNonEmpty(flags.androidRunner, cfg.AndroidRunner)
			cfg.Xctestrun = firstNonEmpty(flags.xctestrun, cfg.Xctestrun)
			cfg.SSHUser = firstNonEmpty(flags.sshUser, cfg.SSHUser)
			cfg.SSHKey = firstNonEmpty(flags.sshKey, cfg.SSHKey)
			cfg.SSHKnownHosts = firstNonEmpty(flags.knownHosts, cfg.SSHKnownHosts)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runTests(ctx, cfg, flags)
		},
	}

	cmd.Flags().StringVar(&flags.testsFile, "tests", "", "测试列表文件，每行一个 pkg.Class#method 或 target/Class/method")
	cmd.Flags().BoolVar(&flags.useADB, "adb", false, "Discover Android devices through adb")
	cmd.Flags().StringVar(&flags.androidRunner, "android-runner", "", "Instrumentation runner component (default from DEVICEPOOL_ANDROID_RUNNER)")
	cmd.Flags().StringArrayVar(&flags.simulators, "simulator", nil, "Simulator host user@host[:port][/udid,...] (repeatable)")
	cmd.Flags().StringVar(&flags.xctestrun, "xctestrun", "", "Local .xctestrun uploaded to simulator hosts (default from DEVICEPOOL_XCTESTRUN)")
	cmd.Flags().StringVar(&flags.sshUser, "ssh-user", "", "Default SSH user for simulator hosts (default from DEVICEPOOL_SSH_USER)")
	cmd.Flags().StringVar(&flags.sshKey, "ssh-key", "", "SSH private key path (default from DEVICEPOOL_SSH_KEY)")
	cmd.Flags().StringVar(&flags.knownHosts, "known-hosts", "", "known_hosts file; empty skips host key checks")
	cmd.Flags().StringVar(&flags.pool, "pool", "", "Put every discovered device in one pool with this name")
	cmd.Flags().StringVar(&flags.devices, "devices", "", "设备白名单：序列号/UDID 或 @host，逗号分隔（默认读取 DEVICEPOOL_DEVICE_ALLOWLIST）")
	cmd.Flags().IntVar(&flags.batchSize, "batch-size", 1, "Tests per batch")
	cmd.Flags().IntVar(&flags.maxRetries, "max-retries", 1, "Retries allowed per test after its first attempt")
	cmd.Flags().IntVar(&flags.retryQuota, "retry-quota", 0, "Total retries a pool may spend across all tests; 0 means unlimited")
	cmd.Flags().StringVar(&flags.dbPath, "db", "", "SQLite result database (default from DEVICEPOOL_DB_PATH)")
	cmd.Flags().StringVar(&flags.resultBitableURL, "result-bitable-url", "", "Feishu result bitable URL (default from RESULT_BITABLE_URL)")
	cmd.Flags().StringVar(&flags.deviceBitableURL, "device-bitable-url", "", "Feishu device bitable URL (default from DEVICE_BITABLE_URL)")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	_ = cmd.MarkFlagRequired("tests")

	return cmd
}

func runTests(ctx context.Context, cfg config.Config, flags runFlags) (err error) {
	tests, err := readTestList(flags.testsFile)
	if err != nil {
		return err
	}

	providers, closeProviders, err := buildProviders(cfg, flags)
	if err != nil {
		return err
	}
	defer closeProviders()

	filter := devicepool.ParseDeviceFilter(firstNonEmpty(flags.devices, os.Getenv(devicepool.EnvDeviceAllowlist)))
	pools, err := devicepool.Discover(ctx, flags.pool, filter, providers...)
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	recorders := multiRecorder{store}
	if cfg.FeishuEnabled() {
		resultReporter, deviceRecorder, setupErr := setupFeishu(store, cfg)
		if setupErr != nil {
			return setupErr
		}
		if resultReporter != nil {
			resultReporter.Start()
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if closeErr := resultReporter.Close(closeCtx); closeErr != nil {
					log.Warn().Err(closeErr).Msg("flush pending results to feishu failed")
				}
			}()
		}
		if deviceRecorder != nil {
			recorders = append(recorders, deviceRecorder)
		}
	} else if cfg.ResultBitableURL != "" || cfg.DeviceBitableURL != "" {
		log.Warn().Msg("feishu bitable url set but FEISHU_APP_ID/FEISHU_APP_SECRET missing; skip feishu sync")
	}

	var reporter lifecycle.Reporter = lifecycle.LogReporter{}
	if cfg.MetricsAddr != "" {
		reporter = lifecycle.Multi{lifecycle.LogReporter{}, metrics.Reporter{}}
		metricsCtx, cancelMetrics := context.WithCancel(context.Background())
		defer cancelMetrics()
		go func() {
			if serveErr := metrics.Serve(metricsCtx, cfg.MetricsAddr); serveErr != nil {
				log.Error().Err(serveErr).Str("addr", cfg.MetricsAddr).Msg("metrics server stopped")
			}
		}()
	}

	runner := devicepool.NewRunner(devicepool.RunnerConfig{
		BatchSize:         cfg.BatchSize,
		MaxRetriesPerTest: cfg.MaxRetriesPerTest,
		RetryQuota:        cfg.RetryQuota,
		DeviceOptions: device.Options{
			PrepareAttempts:  cfg.PrepareAttempts,
			PrepareDelay:     cfg.PrepareDelay,
			TerminateTimeout: cfg.TerminateTimeout,
		},
		Reporter: reporter,
		Listeners: []devicepool.BatchListenerFactory{
			func(runID string) pool.BatchListener { return store.Batches(runID) },
		},
		Sinks:    []devicepool.ResultSink{store},
		Recorder: recorders,
		HostUUID: devicepool.HostUUID(),
	})

	log.Info().
		Int("tests", len(tests)).
		Int("pools", len(pools)).
		Int("batch_size", cfg.BatchSize).
		Int("max_retries", cfg.MaxRetriesPerTest).
		Str("db", store.Name()).
		Msg("starting test run")

	summary, runErr := runner.Run(ctx, tests, pools)
	if summary != nil {
		printSummary(summary)
	}
	if runErr != nil {
		return runErr
	}
	if !summary.Success() {
		return errRunNotSuccessful
	}
	return nil
}

func buildProviders(cfg config.Config, flags runFlags) ([]device.Provider, func(), error) {
	var (
		providers []device.Provider
		closers   []func() error
	)
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Warn().Err(err).Msg("close device provider failed")
			}
		}
	}

	if flags.useADB {
		if strings.TrimSpace(cfg.AndroidRunner) == "" {
			return nil, closeAll, fmt.Errorf("--android-runner or %s must be provided with --adb", config.EnvAndroidRunner)
		}
		p, err := adb.NewDefault(adb.Options{
			Runner:           cfg.AndroidRunner,
			BatchTimeout:     cfg.BatchTimeout,
			OutputTimeout:    cfg.OutputTimeout,
			HideRunnerOutput: cfg.HideRunnerOutput,
		})
		if err != nil {
			return nil, closeAll, err
		}
		providers = append(providers, p)
	}

	if len(flags.simulators) > 0 {
		if strings.TrimSpace(cfg.Xctestrun) == "" {
			return nil, closeAll, fmt.Errorf("--xctestrun or %s must be provided with --simulator", config.EnvXctestrun)
		}
		targets := make([]simulator.Target, 0, len(flags.simulators))
		for _, raw := range flags.simulators {
			target, err := simulator.ParseTarget(raw)
			if err != nil {
				return nil, closeAll, errors.Wrapf(err, "parse --simulator %q", raw)
			}
			targets = append(targets, target)
		}
		p := simulator.NewProvider(targets, simulator.SSHConfig{
			User:           cfg.SSHUser,
			KeyPath:        cfg.SSHKey,
			KnownHostsPath: cfg.SSHKnownHosts,
			DialTimeout:    30 * time.Second,
			OutputTimeout:  cfg.OutputTimeout,
		}, hostlock.New(), simulator.Options{
			XctestrunPath:              cfg.Xctestrun,
			BatchTimeout:               cfg.BatchTimeout,
			HideRunnerOutput:           cfg.HideRunnerOutput,
			DetectSystemProcessCrashes: cfg.DetectSystemCrash,
		})
		providers = append(providers, p)
		closers = append(closers, p.Close)
	}

	if len(providers) == 0 {
		return nil, closeAll, errors.New("no device source; pass --adb and/or --simulator")
	}
	return providers, closeAll, nil
}

func setupFeishu(store *storage.Store, cfg config.Config) (*storage.Reporter, device.Recorder, error) {
	client, err := feishu.NewClient(cfg.FeishuAppID, cfg.FeishuAppSecret, cfg.FeishuBaseURL)
	if err != nil {
		return nil, nil, err
	}

	var reporter *storage.Reporter
	publisher, err := feishu.NewResultPublisher(client, cfg.ResultBitableURL)
	if err != nil {
		return nil, nil, err
	}
	if publisher != nil {
		reporter = storage.NewReporter(store, publisher, storage.ReporterOptions{
			PollInterval: cfg.ReportInterval,
			BatchSize:    cfg.ReportBatch,
		})
	}

	var recorder device.Recorder
	deviceRecorder, err := feishu.NewDeviceRecorder(client, cfg.DeviceBitableURL)
	if err != nil {
		return nil, nil, err
	}
	if deviceRecorder != nil {
		recorder = deviceRecorder
	}
	return reporter, recorder, nil
}

// multiRecorder 将设备状态同时写入多个存储，单个失败不影响其他存储。
type multiRecorder []device.Recorder

func (m multiRecorder) UpsertDevices(ctx context.Context, devices []device.InfoUpdate) error {
	var firstErr error
	for _, r := range m {
		if err := r.UpsertDevices(ctx, devices); err != nil {
			log.Warn().Err(err).Msg("record device info failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func printSummary(summary *devicepool.Summary) {
	for _, poolID := range summary.Pools() {
		report := summary.Reports[poolID]
		fmt.Printf("pool %-20s passed=%d failed=%d incomplete=%d exhausted=%d batches=%d retries=%d\n",
			poolID, len(report.Passed), len(report.Failed), len(report.Incomplete),
			len(report.Exhausted), report.Batches, report.Retries)
		for _, r := range report.Failed {
			fmt.Printf("  FAILED     %s on %s\n", r.Test.ID(), r.Device.SerialNumber)
		}
		for _, t := range report.Incomplete {
			fmt.Printf("  INCOMPLETE %s\n", t.ID())
		}
	}
	passed, failed, incomplete := summary.Counts()
	fmt.Printf("run %s: passed=%d failed=%d incomplete=%d\n", summary.RunID, passed, failed, incomplete)
}
