package store

import "time"

// Device is the registry record of a flip mount seen on the bus. It holds
// identity only; readings are never persisted.
type Device struct {
	SerialNo        string    `json:"serial_no"`
	Model           string    `json:"model,omitempty"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	FriendlyName    string    `json:"friendly_name,omitempty"`
	Port            string    `json:"port,omitempty"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
}

// Name returns the friendly name, or the serial number when unset.
func (d Device) Name() string {
	if d.FriendlyName != "" {
		return d.FriendlyName
	}
	return d.SerialNo
}

// Session records the most recent connection to the device.
type Session struct {
	Port        string    `json:"port"`
	Driver      string    `json:"driver"`
	SerialNo    string    `json:"serial_no,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	ClosedAt    time.Time `json:"closed_at,omitempty"`
}
