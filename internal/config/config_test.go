package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.BatchSize != 1 || cfg.MaxRetriesPerTest != 1 || cfg.RetryQuota != 0 {
		t.Fatalf("unexpected batching defaults: %+v", cfg)
	}
	if cfg.PrepareAttempts != 30 || cfg.PrepareDelay != 10*time.Second {
		t.Fatalf("unexpected prepare defaults: %d %s", cfg.PrepareAttempts, cfg.PrepareDelay)
	}
	if cfg.BatchTimeout != 30*time.Minute || cfg.TerminateTimeout != 30*time.Second {
		t.Fatalf("unexpected timeouts: %s %s", cfg.BatchTimeout, cfg.TerminateTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv(EnvBatchSize, "4")
	t.Setenv(EnvPrepareDelay, "250ms")
	t.Setenv(EnvHideRunnerOutput, "yes")
	t.Setenv(EnvRetryQuota, "not-a-number")
	t.Setenv(EnvFeishuAppID, "cli_x")
	t.Setenv(EnvFeishuAppSecret, " secret ")

	cfg := Load()
	if cfg.BatchSize != 4 {
		t.Fatalf("expected batch size 4, got %d", cfg.BatchSize)
	}
	if cfg.PrepareDelay != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %s", cfg.PrepareDelay)
	}
	if !cfg.HideRunnerOutput {
		t.Fatal("expected hide runner output")
	}
	if cfg.RetryQuota != 0 {
		t.Fatalf("invalid int should fall back, got %d", cfg.RetryQuota)
	}
	if !cfg.FeishuEnabled() || cfg.FeishuAppSecret != "secret" {
		t.Fatalf("unexpected feishu config: %+v", cfg)
	}
}

func TestDurationAndBoolForms(t *testing.T) {
	t.Setenv(EnvBatchTimeout, "90")
	t.Setenv(EnvOutputTimeout, "bogus")
	t.Setenv(EnvDetectSystemCrash, "off")
	t.Setenv(EnvHideRunnerOutput, "TRUE")

	if got := Duration(EnvBatchTimeout, time.Minute); got != 90*time.Second {
		t.Fatalf("bare seconds: got %s", got)
	}
	if got := Duration(EnvOutputTimeout, time.Minute); got != time.Minute {
		t.Fatalf("invalid duration should fall back, got %s", got)
	}
	if Bool(EnvDetectSystemCrash, true) {
		t.Fatal("off should parse as false")
	}
	if !Bool(EnvHideRunnerOutput, false) {
		t.Fatal("TRUE should parse as true")
	}
	if got := String("DEVICEPOOL_UNSET_FOR_TEST", "dflt"); got != "dflt" {
		t.Fatalf("unset key: got %q", got)
	}
}
