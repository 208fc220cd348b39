package storage

import (
	"context"
	"testing"

	"stationuli/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustAddDevice(t *testing.T, store *Store, deviceID, name string) Device {
	t.Helper()

	device := Device{
		DeviceID:   deviceID,
		DeviceName: name,
		Address:    "192.168.1.10",
		Port:       8080,
		DeviceType: models.DeviceKindDesktop,
	}
	if err := store.AddDevice(context.Background(), device); err != nil {
		t.Fatalf("add device %q: %v", deviceID, err)
	}
	return device
}
