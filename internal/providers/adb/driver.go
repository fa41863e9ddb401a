package adb

import (
	"context"
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

// Shell runs a command on a device and returns its combined output.
// *gadb.Device satisfies it.
type Shell interface {
	RunShellCommand(cmd string, args ...string) (string, error)
}

// Options configures Android drivers.
type Options struct {
	// Runner is the instrumentation component, e.g.
	// com.example.test/androidx.test.runner.AndroidJUnitRunner.
	Runner           string
	BatchTimeout     time.Duration
	OutputTimeout    time.Duration
	HideRunnerOutput bool
	Timer            timer.Timer
	// Streamer runs `am instrument`; an ExecStreamer on the adb binary when nil.
	Streamer Streamer
}

// Driver executes instrumentation batches on one adb device.
type Driver struct {
	shell    Shell
	streamer Streamer
	opts     Options

	mu   sync.Mutex
	info model.DeviceInfo
}

func NewDriver(serial string, shell Shell, opts Options) *Driver {
	streamer := opts.Streamer
	if streamer == nil {
		streamer = &ExecStreamer{OutputTimeout: opts.OutputTimeout}
	}
	return &Driver{
		shell:    shell,
		streamer: streamer,
		opts:     opts,
		info: model.DeviceInfo{
			SerialNumber:    serial,
			Host:            "localhost",
			OperatingSystem: "android",
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
	serial := d.info.SerialNumber
	d.mu.Unlock()
	if changed {
		log.Warn().Err(err).Str("serial", serial).Msg("adb device marked unhealthy")
	}
}

// run executes a shell command without blocking past ctx.
func (d *Driver) run(ctx context.Context, cmd string, args ...string) (string, error) {
	type result struct {
		out string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := d.shell.RunShellCommand(cmd, args...)
		ch <- result{out: out, err: err}
	}()
	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Prepare waits for boot completion, checks the instrumentation runner and
// collects device metadata.
func (d *Driver) Prepare(ctx context.Context) error {
	out, err := d.run(ctx, "getprop", "sys.boot_completed")
	if err != nil {
		return errors.Wrap(err, "read boot state")
	}
	if strings.TrimSpace(out) != "1" {
		return errors.New("device has not finished booting")
	}
	if d.opts.Runner != "" {
		out, err := d.run(ctx, "pm", "list", "instrumentation")
		if err != nil {
			return errors.Wrap(err, "list instrumentation")
		}
		if !strings.Contains(out, d.opts.Runner) {
			return errors.Errorf("instrumentation %s is not installed", d.opts.Runner)
		}
	}

	version, _ := d.run(ctx, "getprop", "ro.build.version.release")
	modelName, _ := d.run(ctx, "getprop", "ro.product.model")
	manufacturer, _ := d.run(ctx, "getprop", "ro.product.manufacturer")
	d.mu.Lock()
	if v := strings.TrimSpace(version); v != "" {
		d.info.OperatingSystem = "android " + v
	}
	d.info.Model = strings.TrimSpace(modelName)
	d.info.Manufacturer = strings.TrimSpace(manufacturer)
	d.info.Healthy = true
	d.mu.Unlock()
	return nil
}

// instrumentArgs renders `am instrument` arguments for the batch.
func instrumentArgs(runner string, batch *model.TestBatch) []string {
	classes := make([]string, 0, batch.Len())
	for _, t := range batch.Tests() {
		name := t.Clazz
		if t.Pkg != "" {
			name = t.Pkg + "." + t.Clazz
		}
		classes = append(classes, name+"#"+t.Method)
	}
	return []string{"instrument", "-w", "-r", "-e", "class", strings.Join(classes, ","), runner}
}

// Execute streams `am instrument` output through the instrumentation parser
// chain as it is produced. A fatal line, a broken adb connection or a timeout
// loses the device.
func (d *Driver) Execute(ctx context.Context, req device.ExecuteRequest) error {
	if d.opts.Runner == "" {
		return device.BatchFailed(errors.New("no instrumentation runner configured"))
	}
	if d.opts.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.BatchTimeout)
		defer cancel()
	}
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	parser := logparser.NewInstrumentationLogParser(logparser.ChainConfig{
		PoolID:           req.PoolID,
		Device:           d.Info(),
		Batch:            req.Batch,
		Result:           req.Result,
		Reporter:         req.Reporter,
		Timer:            d.opts.Timer,
		HideRunnerOutput: d.opts.HideRunnerOutput,
	})
	defer parser.Close()

	var failure error
	serial := d.Info().SerialNumber
	args := append([]string{"am"}, instrumentArgs(d.opts.Runner, req.Batch)...)
	status, err := d.streamer.Stream(runCtx, serial, args, func(line string) {
		if failure != nil {
			return
		}
		if perr := parser.OnLine(strings.TrimRight(line, "\r")); perr != nil {
			failure = perr
			cancelRun()
		}
	})
	parser.Close()

	if failure != nil {
		d.stopInstrumentation()
		d.markUnhealthy(failure)
		return device.Lost(failure)
	}
	if err != nil {
		d.stopInstrumentation()
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ctx.Err()
		}
		d.markUnhealthy(err)
		return device.Lost(errors.Wrap(err, "am instrument"))
	}
	if status != 0 {
		results, _ := req.Result.Value()
		if results == nil || len(results.Passed)+len(results.Failed) == 0 {
			err := errors.Errorf("adb shell exited with status %d before any test finished", status)
			d.markUnhealthy(err)
			return device.Lost(err)
		}
		log.Warn().Str("serial", serial).Int("status", status).Msg("am instrument exited abnormally")
	}
	return nil
}

// stopInstrumentation kills the instrumentation process left on the device
// after an aborted run.
func (d *Driver) stopInstrumentation() {
	pkg, _, _ := strings.Cut(d.opts.Runner, "/")
	if pkg == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := d.run(ctx, "am", "force-stop", pkg); err != nil {
		log.Warn().Err(err).Str("serial", d.Info().SerialNumber).Str("package", pkg).Msg("force-stop instrumentation failed")
	}
}

// Dispose releases nothing; the adb server owns the connection.
func (d *Driver) Dispose() {
	log.Info().Str("serial", d.Info().SerialNumber).Msg("adb device disposed")
}
