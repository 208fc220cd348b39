package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"stationuli/models"
)

const (
	// DefaultDiscoveryPort is the port handed to StartDiscovery.
	DefaultDiscoveryPort = 8080
	// DefaultDebounceWindow collapses bursts of Start/Stop calls.
	DefaultDebounceWindow = 500 * time.Millisecond
	// DefaultStopTimeout bounds one StopDiscovery call.
	DefaultStopTimeout = 5 * time.Second
	// DefaultDeviceNameFormat names manual devices added without a name.
	DefaultDeviceNameFormat = "设备 %s:%d"
	// phasePollInterval is how often StopAndWait checks for idle.
	phasePollInterval = 20 * time.Millisecond
	// manualDeviceIDPrefix marks ids generated for manually added devices.
	manualDeviceIDPrefix = "manual-"
)

// Phase is the lifecycle phase of the discovery service.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	PhaseStopping Phase = "stopping"
)

// DiscoveryState is a snapshot of the discovery session.
type DiscoveryState struct {
	Phase         Phase
	LocalIdentity string
	LocalAddress  string
	Devices       []models.DeviceRecord
	LastError     error
}

// DiscoveryOptions tunes a Discovery session. Zero values take defaults.
type DiscoveryOptions struct {
	Port           int
	DebounceWindow time.Duration
	StopTimeout    time.Duration
	Logger         *logrus.Entry
	NewID          func() string
	Now            func() time.Time
}

func (o DiscoveryOptions) withDefaults() DiscoveryOptions {
	out := o
	if out.Port <= 0 {
		out.Port = DefaultDiscoveryPort
	}
	if out.DebounceWindow <= 0 {
		out.DebounceWindow = DefaultDebounceWindow
	}
	if out.StopTimeout <= 0 {
		out.StopTimeout = DefaultStopTimeout
	}
	if out.Logger == nil {
		out.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if out.NewID == nil {
		out.NewID = uuid.NewString
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// DeviceDraft describes a device to add. Empty Name, Kind and ID take defaults.
type DeviceDraft struct {
	Address string
	Port    int
	Name    string
	Kind    models.DeviceKind
	ID      string
}

// Discovery serializes the discovery service lifecycle and caches the device
// directory. At most one start and one stop reach the backend at a time.
type Discovery struct {
	dir  Directory
	opts DiscoveryOptions
	log  *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	startDebounce *debouncer
	stopDebounce  *debouncer

	mu    sync.Mutex
	state DiscoveryState
	// epoch increments on every transition into Running so refreshes issued
	// before a stop never repopulate the cache afterwards.
	epoch uint64

	changes observers[DiscoveryState]
	notices observers[models.Notice]
}

// NewDiscovery creates an idle session over dir.
func NewDiscovery(dir Directory, opts DiscoveryOptions) *Discovery {
	cfg := opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Discovery{
		dir:           dir,
		opts:          cfg,
		log:           cfg.Logger.WithField("component", "discovery-session"),
		ctx:           ctx,
		cancel:        cancel,
		startDebounce: newDebouncer(cfg.DebounceWindow),
		stopDebounce:  newDebouncer(cfg.DebounceWindow),
		state:         DiscoveryState{Phase: PhaseIdle},
	}
}

// State returns a copy of the current session state.
func (d *Discovery) State() DiscoveryState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

// OnChange registers fn for every state change.
func (d *Discovery) OnChange(fn func(DiscoveryState)) (cancel func()) {
	return d.changes.add(fn)
}

// OnNotice registers fn for user-facing notifications.
func (d *Discovery) OnNotice(fn func(models.Notice)) (cancel func()) {
	return d.notices.add(fn)
}

// Start requests the discovery service. It is a no-op unless the session is
// idle; bursts inside the debounce window collapse into one backend call.
func (d *Discovery) Start() {
	if phase := d.phase(); phase != PhaseIdle {
		d.log.WithField("phase", phase).Debug("Ignoring start request")
		return
	}
	d.startDebounce.Trigger(d.runStart)
}

// Stop requests shutdown of the discovery service. It is a no-op unless the
// session is running; debounced like Start.
func (d *Discovery) Stop() {
	if phase := d.phase(); phase != PhaseRunning {
		d.log.WithField("phase", phase).Debug("Ignoring stop request")
		return
	}
	d.stopDebounce.Trigger(d.runStop)
}

// StopAndWait drops a pending start, lets a start in flight finish, then
// requests one stop and blocks until the session is idle or ctx ends.
func (d *Discovery) StopAndWait(ctx context.Context) error {
	d.startDebounce.Cancel()
	d.startDebounce.Wait()

	tick := time.NewTicker(phasePollInterval)
	defer tick.Stop()
	requested := false
	for {
		switch d.phase() {
		case PhaseIdle:
			return nil
		case PhaseRunning:
			// Stop restarts the debounce window, so it is requested once.
			if !requested {
				d.Stop()
				requested = true
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for discovery to stop: %w", ctx.Err())
		case <-tick.C:
		}
	}
}

// Close drops pending start/stop requests and waits for one in progress.
// It must not be called from an OnChange or OnNotice callback.
func (d *Discovery) Close() {
	d.startDebounce.Stop()
	d.stopDebounce.Stop()
	d.cancel()
	d.startDebounce.Wait()
	d.stopDebounce.Wait()
	d.changes.clear()
	d.notices.clear()
}

func (d *Discovery) runStart() {
	d.mu.Lock()
	if d.state.Phase != PhaseIdle {
		d.mu.Unlock()
		return
	}
	d.state.Phase = PhaseStarting
	snapshot := d.snapshotLocked()
	d.mu.Unlock()
	d.changes.emit(snapshot)

	logger := d.log.WithField("port", d.opts.Port)
	logger.Info("Starting discovery")

	identity, address, err := d.bringUp()

	d.mu.Lock()
	if err != nil {
		d.state.Phase = PhaseIdle
		d.state.LastError = err
	} else {
		d.state.Phase = PhaseRunning
		d.state.LocalIdentity = identity
		d.state.LocalAddress = address
		d.state.LastError = nil
		d.epoch++
	}
	snapshot = d.snapshotLocked()
	d.mu.Unlock()
	d.changes.emit(snapshot)

	if err != nil {
		logger.WithError(err).Error("Discovery start failed")
		d.notify(models.NoticeError, fmt.Sprintf("Failed to start discovery: %v", err))
		return
	}
	logger.WithFields(logrus.Fields{
		"device_id":     identity,
		"local_address": address,
	}).Info("Discovery running")
}

func (d *Discovery) bringUp() (string, string, error) {
	if err := d.dir.StartDiscovery(d.ctx, d.opts.Port); err != nil {
		return "", "", fmt.Errorf("start discovery on port %d: %w", d.opts.Port, err)
	}

	identity, err := d.dir.LocalIdentity(d.ctx)
	if err != nil {
		d.releaseAfterFailedStart()
		return "", "", fmt.Errorf("read local identity: %w", err)
	}
	address, err := d.dir.LocalAddress(d.ctx)
	if err != nil {
		d.releaseAfterFailedStart()
		return "", "", fmt.Errorf("read local address: %w", err)
	}
	return identity, address, nil
}

// releaseAfterFailedStart stops a backend that started but could not report
// its identity, so the next start does not collide with a bound port.
func (d *Discovery) releaseAfterFailedStart() {
	if err := d.stopWithTimeout(); err != nil {
		d.log.WithError(err).Warn("Releasing partially started discovery failed")
	}
}

func (d *Discovery) runStop() {
	d.mu.Lock()
	if d.state.Phase != PhaseRunning {
		d.mu.Unlock()
		return
	}
	d.state.Phase = PhaseStopping
	snapshot := d.snapshotLocked()
	d.mu.Unlock()
	d.changes.emit(snapshot)

	d.log.Info("Stopping discovery")
	err := d.stopWithTimeout()

	// The local view is forced clean even when the backend did not confirm.
	d.mu.Lock()
	d.state.Phase = PhaseIdle
	d.state.Devices = nil
	d.state.LocalIdentity = ""
	d.state.LocalAddress = ""
	d.state.LastError = err
	snapshot = d.snapshotLocked()
	d.mu.Unlock()
	d.changes.emit(snapshot)

	if err != nil {
		d.log.WithError(err).WithField("timeout", isTimeout(err)).Warn("Discovery stop failed, local state reset")
		d.notify(models.NoticeError, fmt.Sprintf("Failed to stop discovery: %v", err))
		return
	}
	d.log.Info("Discovery stopped")
}

// stopWithTimeout bounds StopDiscovery even when the backend ignores ctx.
func (d *Discovery) stopWithTimeout() error {
	ctx, cancel := context.WithTimeout(d.ctx, d.opts.StopTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- d.dir.StopDiscovery(ctx)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s: %v", ErrStopTimeout, d.opts.StopTimeout, err)
		}
		if err != nil {
			return fmt.Errorf("stop discovery: %w", err)
		}
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrStopTimeout, d.opts.StopTimeout)
		}
		return fmt.Errorf("stop discovery: %w", ctx.Err())
	}
}

// RefreshDevices replaces the cached device list with the backend's. It does
// nothing unless the session is running and is safe to call at any rate.
func (d *Discovery) RefreshDevices(ctx context.Context) error {
	d.mu.Lock()
	if d.state.Phase != PhaseRunning {
		d.mu.Unlock()
		return nil
	}
	epoch := d.epoch
	d.mu.Unlock()

	devices, err := d.dir.ListDevices(ctx)
	if err != nil {
		d.log.WithError(err).Warn("Device refresh failed")
		d.notify(models.NoticeError, fmt.Sprintf("Failed to refresh devices: %v", err))
		return fmt.Errorf("refresh devices: %w", err)
	}

	d.mu.Lock()
	if d.state.Phase != PhaseRunning || d.epoch != epoch {
		d.mu.Unlock()
		return nil
	}
	d.state.Devices = uniqueDevices(devices)
	snapshot := d.snapshotLocked()
	d.mu.Unlock()

	d.changes.emit(snapshot)
	return nil
}

// AddDevice validates draft, fills defaults and registers it with the backend.
func (d *Discovery) AddDevice(ctx context.Context, draft DeviceDraft) (models.DeviceRecord, error) {
	address := strings.TrimSpace(draft.Address)
	if err := validateEndpoint(address, draft.Port); err != nil {
		return models.DeviceRecord{}, err
	}

	device := models.DeviceRecord{
		ID:      strings.TrimSpace(draft.ID),
		Name:    strings.TrimSpace(draft.Name),
		Address: address,
		Port:    draft.Port,
		Kind:    models.ParseDeviceKind(string(draft.Kind)),
	}
	if device.ID == "" {
		device.ID = manualDeviceIDPrefix + d.opts.NewID()
	}
	if device.Name == "" {
		device.Name = fmt.Sprintf(DefaultDeviceNameFormat, address, draft.Port)
	}

	if err := d.dir.AddDevice(ctx, device); err != nil {
		d.notify(models.NoticeError, fmt.Sprintf("Failed to add device %s: %v", device.Name, err))
		return models.DeviceRecord{}, fmt.Errorf("add device %q: %w", device.ID, err)
	}
	d.log.WithFields(logrus.Fields{
		"device_id": device.ID,
		"address":   device.Address,
		"port":      device.Port,
	}).Info("Device added")

	_ = d.RefreshDevices(ctx)
	return device, nil
}

// RemoveDevice removes a device by id and refreshes the cache.
func (d *Discovery) RemoveDevice(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidDevice
	}
	if err := d.dir.RemoveDevice(ctx, id); err != nil {
		d.notify(models.NoticeError, fmt.Sprintf("Failed to remove device: %v", err))
		return fmt.Errorf("remove device %q: %w", id, err)
	}
	_ = d.RefreshDevices(ctx)
	return nil
}

// UpdateDevice replaces a device record and refreshes the cache.
func (d *Discovery) UpdateDevice(ctx context.Context, device models.DeviceRecord) error {
	device.ID = strings.TrimSpace(device.ID)
	device.Address = strings.TrimSpace(device.Address)
	device.Kind = models.ParseDeviceKind(string(device.Kind))
	if err := validateDevice(device); err != nil {
		return err
	}
	if strings.TrimSpace(device.Name) == "" {
		device.Name = fmt.Sprintf(DefaultDeviceNameFormat, device.Address, device.Port)
	}
	if err := d.dir.UpdateDevice(ctx, device); err != nil {
		d.notify(models.NoticeError, fmt.Sprintf("Failed to update device %s: %v", device.Name, err))
		return fmt.Errorf("update device %q: %w", device.ID, err)
	}
	_ = d.RefreshDevices(ctx)
	return nil
}

// TestConnection probes address:port through the backend. Failures are
// returned as *ConnectionError; session state is never touched.
func (d *Discovery) TestConnection(ctx context.Context, address string, port int) (string, error) {
	address = strings.TrimSpace(address)
	if err := validateEndpoint(address, port); err != nil {
		return "", err
	}

	result, err := d.dir.TestConnection(ctx, address, port)
	if err != nil {
		categorized := Categorize(address, port, err)
		d.log.WithError(categorized).WithFields(logrus.Fields{
			"address": address,
			"port":    port,
		}).Info("Connection test failed")
		d.notify(models.NoticeError, categorized.Error())
		return "", categorized
	}
	return result, nil
}

func (d *Discovery) phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Phase
}

func (d *Discovery) notify(level models.NoticeLevel, message string) {
	d.notices.emit(models.Notice{Level: level, Message: message, At: d.opts.Now()})
}

func (d *Discovery) snapshotLocked() DiscoveryState {
	out := d.state
	if d.state.Devices != nil {
		out.Devices = append([]models.DeviceRecord(nil), d.state.Devices...)
	}
	return out
}

func uniqueDevices(devices []models.DeviceRecord) []models.DeviceRecord {
	if len(devices) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(devices))
	out := make([]models.DeviceRecord, 0, len(devices))
	for _, device := range devices {
		if _, dup := seen[device.ID]; dup {
			continue
		}
		seen[device.ID] = struct{}{}
		out = append(out, device)
	}
	return out
}
