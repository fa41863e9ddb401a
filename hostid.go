package devicepool

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// HostUUID returns a best-effort hardware UUID for the host, used as ProviderUUID of device rows.
// On macOS it uses `system_profiler`; on Linux it prefers /etc/machine-id then falls back to /sys/class/dmi/id/product_uuid.
func HostUUID() string {
	switch runtime.GOOS {
	case "darwin":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		cmd := exec.CommandContext(ctx, "bash", "-c", "system_profiler SPHardwareDataType | awk '/Hardware UUID/ {print $3}'")
		out, err := cmd.Output()
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(out))
	case "linux":
		if id := readSystemFile("/etc/machine-id"); id != "" {
			return id
		}
		return readSystemFile("/sys/class/dmi/id/product_uuid")
	default:
		return ""
	}
}

func readSystemFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
