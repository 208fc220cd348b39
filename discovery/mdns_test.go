package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"stationuli/models"
)

func TestStartBroadcasterBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		SelfDeviceID:  "device-123",
		DeviceName:    "Alice Laptop",
		DeviceType:    models.DeviceKindDesktop,
		ListeningPort: 8080,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		t.Fatalf("StartBroadcaster failed: %v", err)
	}
	if broadcaster == nil {
		t.Fatalf("expected broadcaster instance")
	}
	broadcaster.Stop()

	if gotInstance != "Alice Laptop" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 8080 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "device_id=device-123")
	assertContainsTXT(t, gotTXT, "device_type=desktop")
	assertContainsTXT(t, gotTXT, "version=1")
}

func TestStartBroadcasterValidatesConfig(t *testing.T) {
	register := func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
		t.Fatalf("register must not be called for invalid config")
		return nil, nil
	}

	invalid := []Config{
		{DeviceName: "No ID", ListeningPort: 8080},
		{SelfDeviceID: "id", ListeningPort: 8080},
		{SelfDeviceID: "id", DeviceName: "Bad port", ListeningPort: 70000},
	}
	for _, cfg := range invalid {
		cfg.registerFn = register
		if _, err := StartBroadcaster(cfg); err == nil {
			t.Fatalf("expected validation error for %+v", cfg)
		}
	}
}

func TestServiceStartStopAndDevices(t *testing.T) {
	cfg := Config{
		SelfDeviceID:    "self",
		DeviceName:      "Self",
		ListeningPort:   8080,
		RefreshInterval: time.Hour,
		ScanTimeout:     30 * time.Millisecond,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("peer-1", "Bob", 8080, "10.0.0.2", "mobile")
			<-ctx.Done()
			return nil
		},
	}

	svc, err := Start(cfg)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if svc.Broadcaster == nil || svc.Scanner == nil {
		t.Fatalf("expected broadcaster and scanner")
	}
	defer svc.Stop()

	waitForCondition(t, time.Second, func() bool { return len(svc.Devices()) == 1 })

	got := svc.Devices()[0]
	want := models.DeviceRecord{ID: "peer-1", Name: "Bob", Address: "10.0.0.2", Port: 8080, Kind: models.DeviceKindMobile}
	if got != want {
		t.Fatalf("unexpected device record: %+v", got)
	}
}

func TestConfigWithDefaultsDerivesStaleAfter(t *testing.T) {
	cfg := Config{
		RefreshInterval: 10 * time.Second,
		DeviceType:      "watch",
	}

	withDefaults := cfg.withDefaults()
	if withDefaults.TTL != DefaultTTL {
		t.Fatalf("expected default TTL %d, got %d", DefaultTTL, withDefaults.TTL)
	}
	if withDefaults.StaleAfter != 30*time.Second {
		t.Fatalf("expected stale timeout of three refresh intervals, got %s", withDefaults.StaleAfter)
	}
	if withDefaults.DeviceType != models.DeviceKindUnknown {
		t.Fatalf("expected unknown device type, got %q", withDefaults.DeviceType)
	}
	if withDefaults.Service != DefaultService || withDefaults.Domain != DefaultDomain {
		t.Fatalf("unexpected service defaults: %q %q", withDefaults.Service, withDefaults.Domain)
	}
}

func TestNilServiceIsSafe(t *testing.T) {
	var svc *Service
	if devices := svc.Devices(); devices != nil {
		t.Fatalf("expected no devices, got %v", devices)
	}
	svc.Stop()
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
