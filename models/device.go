package models

import "strings"

// DeviceKind tags the platform a remote device runs on.
type DeviceKind string

const (
	DeviceKindDesktop DeviceKind = "desktop"
	DeviceKindMobile  DeviceKind = "mobile"
	DeviceKindUnknown DeviceKind = "unknown"
)

// ParseDeviceKind maps a free-form tag to a known kind, defaulting to unknown.
func ParseDeviceKind(raw string) DeviceKind {
	switch DeviceKind(strings.ToLower(strings.TrimSpace(raw))) {
	case DeviceKindDesktop:
		return DeviceKindDesktop
	case DeviceKindMobile:
		return DeviceKindMobile
	default:
		return DeviceKindUnknown
	}
}

// DeviceRecord represents a discovered or manually added remote device.
type DeviceRecord struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Address string     `json:"address"`
	Port    int        `json:"port"`
	Kind    DeviceKind `json:"device_type"`
}
