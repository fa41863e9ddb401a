package config

import "time"

// Environment keys.
const (
	EnvBatchSize          = "DEVICEPOOL_BATCH_SIZE"
	EnvMaxRetriesPerTest  = "DEVICEPOOL_MAX_RETRIES_PER_TEST"
	EnvRetryQuota         = "DEVICEPOOL_RETRY_QUOTA"
	EnvPrepareAttempts    = "DEVICEPOOL_PREPARE_ATTEMPTS"
	EnvPrepareDelay       = "DEVICEPOOL_PREPARE_DELAY"
	EnvBatchTimeout       = "DEVICEPOOL_BATCH_TIMEOUT"
	EnvOutputTimeout      = "DEVICEPOOL_OUTPUT_TIMEOUT"
	EnvTerminateTimeout   = "DEVICEPOOL_TERMINATE_TIMEOUT"
	EnvHideRunnerOutput   = "DEVICEPOOL_HIDE_RUNNER_OUTPUT"
	EnvDetectSystemCrash  = "DEVICEPOOL_DETECT_SYSTEM_CRASHES"
	EnvDBPath             = "DEVICEPOOL_DB_PATH"
	EnvResultBitableURL   = "RESULT_BITABLE_URL"
	EnvDeviceBitableURL   = "DEVICE_BITABLE_URL"
	EnvFeishuAppID        = "FEISHU_APP_ID"
	EnvFeishuAppSecret    = "FEISHU_APP_SECRET"
	EnvFeishuBaseURL      = "FEISHU_BASE_URL"
	EnvSSHUser            = "DEVICEPOOL_SSH_USER"
	EnvSSHKey             = "DEVICEPOOL_SSH_KEY"
	EnvSSHKnownHosts      = "DEVICEPOOL_SSH_KNOWN_HOSTS"
	EnvXctestrun          = "DEVICEPOOL_XCTESTRUN"
	EnvAndroidRunner      = "DEVICEPOOL_ANDROID_RUNNER"
	EnvMetricsAddr        = "DEVICEPOOL_METRICS_ADDR"
	EnvReportPollInterval = "RESULT_REPORT_POLL_INTERVAL"
	EnvReportBatchSize    = "RESULT_REPORT_BATCH"
)

// Config 汇总运行设备池所需的配置，CLI 参数在其之上覆盖。
type Config struct {
	BatchSize         int
	MaxRetriesPerTest int
	RetryQuota        int
	PrepareAttempts   int
	PrepareDelay      time.Duration
	BatchTimeout      time.Duration
	OutputTimeout     time.Duration
	TerminateTimeout  time.Duration
	HideRunnerOutput  bool
	DetectSystemCrash bool

	DBPath           string
	ResultBitableURL string
	DeviceBitableURL string
	FeishuAppID      string
	FeishuAppSecret  string
	FeishuBaseURL    string

	SSHUser        string
	SSHKey         string
	SSHKnownHosts  string
	Xctestrun      string
	AndroidRunner  string
	MetricsAddr    string
	ReportInterval time.Duration
	ReportBatch    int
}

// Load 从环境变量（含 .env）读取配置。
func Load() Config {
	return Config{
		BatchSize:         Int(EnvBatchSize, 1),
		MaxRetriesPerTest: Int(EnvMaxRetriesPerTest, 1),
		RetryQuota:        Int(EnvRetryQuota, 0),
		PrepareAttempts:   Int(EnvPrepareAttempts, 30),
		PrepareDelay:      Duration(EnvPrepareDelay, 10*time.Second),
		BatchTimeout:      Duration(EnvBatchTimeout, 30*time.Minute),
		OutputTimeout:     Duration(EnvOutputTimeout, 5*time.Minute),
		TerminateTimeout:  Duration(EnvTerminateTimeout, 30*time.Second),
		HideRunnerOutput:  Bool(EnvHideRunnerOutput, false),
		DetectSystemCrash: Bool(EnvDetectSystemCrash, false),

		DBPath:           String(EnvDBPath, ""),
		ResultBitableURL: String(EnvResultBitableURL, ""),
		DeviceBitableURL: String(EnvDeviceBitableURL, ""),
		FeishuAppID:      String(EnvFeishuAppID, ""),
		FeishuAppSecret:  String(EnvFeishuAppSecret, ""),
		FeishuBaseURL:    String(EnvFeishuBaseURL, ""),

		SSHUser:        String(EnvSSHUser, ""),
		SSHKey:         String(EnvSSHKey, ""),
		SSHKnownHosts:  String(EnvSSHKnownHosts, ""),
		Xctestrun:      String(EnvXctestrun, ""),
		AndroidRunner:  String(EnvAndroidRunner, ""),
		MetricsAddr:    String(EnvMetricsAddr, ""),
		ReportInterval: Duration(EnvReportPollInterval, 5*time.Second),
		ReportBatch:    Int(EnvReportBatchSize, 30),
	}
}

// FeishuEnabled 表示配置了飞书凭证。
func (c Config) FeishuEnabled() bool {
	return c.FeishuAppID != "" && c.FeishuAppSecret != ""
}
