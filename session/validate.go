package session

import (
	"strings"

	"stationuli/models"
)

const (
	minPort = 1
	maxPort = 65535
)

func validateEndpoint(address string, port int) error {
	if strings.TrimSpace(address) == "" {
		return ErrInvalidAddress
	}
	if port < minPort || port > maxPort {
		return ErrInvalidPort
	}
	return nil
}

func validateDevice(device models.DeviceRecord) error {
	if strings.TrimSpace(device.ID) == "" {
		return ErrInvalidDevice
	}
	return validateEndpoint(device.Address, device.Port)
}
