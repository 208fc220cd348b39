// Package session coordinates the client-side view of discovery and file
// transfer on top of a backend reached only through Directory, Files and the
// events bus.
package session

import (
	"context"

	"stationuli/models"
)

// Directory is the backend's device directory capability.
type Directory interface {
	// StartDiscovery fails with a transport error if port is already bound.
	StartDiscovery(ctx context.Context, port int) error
	StopDiscovery(ctx context.Context) error
	LocalIdentity(ctx context.Context) (string, error)
	LocalAddress(ctx context.Context) (string, error)
	ListDevices(ctx context.Context) ([]models.DeviceRecord, error)
	AddDevice(ctx context.Context, device models.DeviceRecord) error
	RemoveDevice(ctx context.Context, id string) error
	UpdateDevice(ctx context.Context, device models.DeviceRecord) error
	TestConnection(ctx context.Context, address string, port int) (string, error)
}

// Pick is a raw file-picker result. Some platforms return only a path, others
// a path plus display name.
type Pick struct {
	Path string
	Name string
}

// Files is the backend's file capability.
type Files interface {
	// PromptSelectFile returns ok=false when the user dismissed the picker.
	PromptSelectFile(ctx context.Context) (pick Pick, ok bool, err error)
	FileName(ctx context.Context, path string) (string, error)
	FileSize(ctx context.Context, path string) (int64, error)
	// SendFile only confirms the transfer started; completion arrives on the bus.
	SendFile(ctx context.Context, path, address string, port int) (string, error)
	PersistReceivedFile(ctx context.Context, path, name string) (string, error)
}
