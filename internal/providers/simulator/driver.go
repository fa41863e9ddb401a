package simulator

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/httprunner/DevicePool/internal/agent/device"
	"github.com/httprunner/DevicePool/internal/logparser"
	"github.com/httprunner/DevicePool/internal/model"
	"github.com/httprunner/DevicePool/internal/timer"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const defaultRemoteDir = "/tmp/devicepool"

// Options configures simulator drivers.
type Options struct {
	// XctestrunPath is a local .xctestrun file uploaded to the host on prepare.
	XctestrunPath string
	RemoteDir     string
	Resolver      logparser.TargetResolver
	BatchTimeout  time.Duration
	Timer         timer.Timer

	HideRunnerOutput           bool
	DetectSystemProcessCrashes bool
}

func (o Options) remoteDir() string {
	if o.RemoteDir == "" {
		return defaultRemoteDir
	}
	return o.RemoteDir
}

// Driver runs xcodebuild batches against one simulator on a remote host.
type Driver struct {
	udid string
	exec Executor
	opts Options

	mu        sync.Mutex
	info      model.DeviceInfo
	xctestrun string
}

func NewDriver(udid string, exec Executor, opts Options) *Driver {
	return &Driver{
		udid: udid,
		exec: exec,
		opts: opts,
		info: model.DeviceInfo{
			SerialNumber:    udid,
			Host:            exec.Host(),
			OperatingSystem: "ios",
			Manufacturer:    "Apple",
			Model:           "simulator",
			Healthy:         true,
		},
	}
}

func (d *Driver) Info() model.DeviceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	info := d.info
	info.Features = append([]string(nil), d.info.Features...)
	return info
}

func (d *Driver) markUnhealthy(err error) {
	d.mu.Lock()
	changed := d.info.Healthy
	d.info.Healthy = false
	d.mu.Unlock()
	if changed {
		log.Warn().Err(err).Str("serial", d.udid).Str("host", d.exec.Host()).Msg("simulator marked unhealthy")
	}
}

func (d *Driver) workDir() string {
	return path.Join(d.opts.remoteDir(), d.udid)
}

// Prepare boots the simulator and uploads the xctestrun file.
func (d *Driver) Prepare(ctx context.Context) error {
	var output []string
	status, err := d.exec.Run(ctx, "xcrun simctl bootstatus "+shellQuote(d.udid)+" -b", func(line string) {
		output = append(output, line)
	})
	if err != nil {
		return errors.Wrap(err, "boot simulator")
	}
	if status != 0 {
		return errors.Errorf("simctl bootstatus exited with status %d: %s", status, strings.Join(output, "\n"))
	}

	if d.opts.XctestrunPath != "" {
		data, err := os.ReadFile(d.opts.XctestrunPath)
		if err != nil {
			return errors.Wrap(err, "read xctestrun")
		}
		remote := path.Join(d.workDir(), filepath.Base(d.opts.XctestrunPath))
		if err := d.exec.Upload(ctx, remote, data); err != nil {
			return errors.Wrap(err, "upload xctestrun")
		}
		d.mu.Lock()
		d.xctestrun = remote
		d.mu.Unlock()
	}

	d.mu.Lock()
	d.info.Healthy = true
	d.mu.Unlock()
	return nil
}

// XcodebuildCommand renders the test-without-building invocation for the batch.
func XcodebuildCommand(udid, derivedData, xctestrun string, tests []model.Test) string {
	args := []string{
		"xcodebuild", "test-without-building",
		"-disable-concurrent-destination-testing",
		"-derivedDataPath", shellQuote(derivedData),
		"-xctestrun", shellQuote(xctestrun),
	}
	for _, t := range tests {
		target := t.Pkg
		if v, ok := t.MetaValue(logparser.MetaTarget); ok && v != "" {
			target = v
		}
		args = append(args, shellQuote(fmt.Sprintf("-only-testing:%s/%s/%s", target, t.Clazz, t.Method)))
	}
	args = append(args, "-destination", shellQuote("platform=iOS Simulator,id="+udid))
	return strings.Join(args, " ")
}

// Execute streams xcodebuild output through the parser chain. A fatal line or
// a broken connection loses the device; a non-zero exit before any test ran
// returns the batch.
func (d *Driver) Execute(ctx context.Context, req device.ExecuteRequest) error {
	d.mu.Lock()
	xctestrun := d.xctestrun
	d.mu.Unlock()
	if xctestrun == "" {
		return device.BatchFailed(errors.New("no xctestrun uploaded"))
	}
	if d.opts.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.BatchTimeout)
		defer cancel()
	}
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	parser := logparser.NewXcodebuildLogParser(logparser.ChainConfig{
		PoolID:                     req.PoolID,
		Device:                     d.Info(),
		Batch:                      req.Batch,
		Result:                     req.Result,
		Reporter:                   req.Reporter,
		Timer:                      d.opts.Timer,
		Resolver:                   d.opts.Resolver,
		HideRunnerOutput:           d.opts.HideRunnerOutput,
		DetectSystemProcessCrashes: d.opts.DetectSystemProcessCrashes,
	})
	defer parser.Close()

	var failure error
	cmd := XcodebuildCommand(d.udid, path.Join(d.workDir(), "DerivedData"), xctestrun, req.Batch.Tests())
	status, err := d.exec.Run(runCtx, cmd, func(line string) {
		if failure != nil {
			return
		}
		if perr := parser.OnLine(line); perr != nil {
			failure = perr
			cancelRun()
		}
	})
	parser.Close()

	if failure != nil {
		d.markUnhealthy(failure)
		return device.Lost(failure)
	}
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ctx.Err()
		}
		d.markUnhealthy(err)
		return device.Lost(err)
	}
	if status != 0 {
		results, _ := req.Result.Value()
		if results == nil || len(results.Passed)+len(results.Failed) == 0 {
			return device.BatchFailed(errors.Errorf("xcodebuild exited with status %d before running any test", status))
		}
		log.Debug().Str("serial", d.udid).Int("status", status).Msg("xcodebuild finished with failing tests")
	}
	log.Debug().Str("serial", d.udid).Strs("xcresult", parser.DiagnosticLogPaths()).Msg("batch finished")
	return nil
}

// Dispose removes the simulator's remote work directory.
func (d *Driver) Dispose() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := d.exec.Run(ctx, "rm -rf "+shellQuote(d.workDir()), nil); err != nil {
		log.Warn().Err(err).Str("serial", d.udid).Msg("clean simulator work dir failed")
	}
	log.Info().Str("serial", d.udid).Str("host", d.exec.Host()).Msg("simulator disposed")
}
