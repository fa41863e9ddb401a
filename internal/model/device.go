package model

// NetworkState reflects the transport health of a device.
type NetworkState string

const (
	NetworkConnected    NetworkState = "connected"
	NetworkDisconnected NetworkState = "disconnected"
)

// DeviceInfo is the static identity of an execution target plus its health flag.
type DeviceInfo struct {
	SerialNumber    string
	Host            string
	OperatingSystem string
	Model           string
	Manufacturer    string
	Features        []string
	Healthy         bool
	Label           string
}

// NetworkState derives the connection state from the health flag.
func (d DeviceInfo) NetworkState() NetworkState {
	if d.Healthy {
		return NetworkConnected
	}
	return NetworkDisconnected
}

// HasFeature reports whether the device declares feature.
func (d DeviceInfo) HasFeature(feature string) bool {
	for _, f := range d.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// DisplayName prefers the label and falls back to the serial number.
func (d DeviceInfo) DisplayName() string {
	if d.Label != "" {
		return d.Label
	}
	return d.SerialNumber
}
