package devicepool

// Version is reported as the agent version of every device row.
const Version = "v0.1.0"

const (
	// EnvDeviceAllowlist optionally restricts discovered devices to a subset of serials.
	// The value can be a comma/semicolon/whitespace-separated list, for example:
	//   DEVICEPOOL_DEVICE_ALLOWLIST="emulator-5554,emulator-5556"
	EnvDeviceAllowlist = "DEVICEPOOL_DEVICE_ALLOWLIST"
)
