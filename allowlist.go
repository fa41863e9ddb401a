package devicepool

import (
	"strings"

	"github.com/httprunner/DevicePool/internal/model"
)

// DeviceFilter 限定参与调度的设备。条目可以是设备序列号（adb serial / 模拟器 UDID），
// 也可以是 "@host"，表示该主机上的所有设备。空过滤器放行全部设备。
type DeviceFilter struct {
	serials map[string]struct{}
	hosts   map[string]struct{}
}

// ParseDeviceFilter 按逗号、分号、竖线或空白切分条目，重复条目只保留一次。
func ParseDeviceFilter(raw string) DeviceFilter {
	var f DeviceFilter
	for _, entry := range strings.FieldsFunc(raw, isFilterSeparator) {
		if host, ok := strings.CutPrefix(entry, "@"); ok {
			if host != "" {
				f.hosts = addEntry(f.hosts, host)
			}
			continue
		}
		f.serials = addEntry(f.serials, entry)
	}
	return f
}

func isFilterSeparator(r rune) bool {
	switch r {
	case ',', ';', '|', ' ', '\t', '\n', '\r':
		return true
	}
	return false
}

func addEntry(set map[string]struct{}, v string) map[string]struct{} {
	if set == nil {
		set = make(map[string]struct{})
	}
	set[v] = struct{}{}
	return set
}

// Empty 表示未配置任何条目。
func (f DeviceFilter) Empty() bool { return len(f.serials) == 0 && len(f.hosts) == 0 }

// Allows 判断设备是否在白名单内。
func (f DeviceFilter) Allows(info model.DeviceInfo) bool {
	if f.Empty() {
		return true
	}
	if _, ok := f.serials[info.SerialNumber]; ok {
		return true
	}
	_, ok := f.hosts[info.Host]
	return ok && info.Host != ""
}
