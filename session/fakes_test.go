package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"stationuli/models"
)

const (
	testWindow  = 20 * time.Millisecond
	testWait    = 2 * time.Second
	testTick    = 5 * time.Millisecond
	testTimeout = 60 * time.Millisecond
)

func testLogger() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	return logrus.NewEntry(logger)
}

// fakeDirectory records calls and lets tests block or fail each operation.
type fakeDirectory struct {
	mu sync.Mutex

	startCalls   int
	stopCalls    int
	listCalls    int
	startPorts   []int
	added        []models.DeviceRecord
	removed      []string
	updated      []models.DeviceRecord
	testedTarget []string

	startErr    error
	stopErr     error
	identityErr error
	addressErr  error
	listErr     error
	addErr      error
	testErr     error

	// startGate and listGate, when set, block the call until closed.
	startGate chan struct{}
	listGate  chan struct{}
	// stopGate blocks StopDiscovery until closed, ignoring ctx.
	stopGate chan struct{}

	identity   string
	address    string
	devices    []models.DeviceRecord
	testResult string

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		identity:   "device-local",
		address:    "192.168.1.2",
		testResult: "connected",
	}
}

func (f *fakeDirectory) enter() {
	n := f.inFlight.Add(1)
	for {
		prev := f.maxInFlight.Load()
		if n <= prev || f.maxInFlight.CompareAndSwap(prev, n) {
			return
		}
	}
}

func (f *fakeDirectory) leave() { f.inFlight.Add(-1) }

func (f *fakeDirectory) StartDiscovery(ctx context.Context, port int) error {
	f.enter()
	defer f.leave()

	f.mu.Lock()
	f.startCalls++
	f.startPorts = append(f.startPorts, port)
	gate := f.startGate
	err := f.startErr
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return err
}

func (f *fakeDirectory) StopDiscovery(ctx context.Context) error {
	f.enter()
	defer f.leave()

	f.mu.Lock()
	f.stopCalls++
	gate := f.stopGate
	err := f.stopErr
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return err
}

func (f *fakeDirectory) LocalIdentity(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identity, f.identityErr
}

func (f *fakeDirectory) LocalAddress(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.address, f.addressErr
}

func (f *fakeDirectory) ListDevices(context.Context) ([]models.DeviceRecord, error) {
	f.mu.Lock()
	f.listCalls++
	gate := f.listGate
	devices := append([]models.DeviceRecord(nil), f.devices...)
	err := f.listErr
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return devices, err
}

func (f *fakeDirectory) AddDevice(_ context.Context, device models.DeviceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, device)
	f.devices = append(f.devices, device)
	return nil
}

func (f *fakeDirectory) RemoveDevice(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	kept := f.devices[:0]
	for _, device := range f.devices {
		if device.ID != id {
			kept = append(kept, device)
		}
	}
	f.devices = kept
	return nil
}

func (f *fakeDirectory) UpdateDevice(_ context.Context, device models.DeviceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, device)
	for i := range f.devices {
		if f.devices[i].ID == device.ID {
			f.devices[i] = device
		}
	}
	return nil
}

func (f *fakeDirectory) TestConnection(_ context.Context, address string, port int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.testedTarget = append(f.testedTarget, address)
	if f.testErr != nil {
		return "", f.testErr
	}
	return f.testResult, nil
}

func (f *fakeDirectory) counts() (start, stop, list int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls, f.stopCalls, f.listCalls
}

func (f *fakeDirectory) set(fn func(f *fakeDirectory)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type sendCall struct {
	Path    string
	Address string
	Port    int
}

// fakeFiles is a scriptable file capability.
type fakeFiles struct {
	mu sync.Mutex

	pick    Pick
	pickOK  bool
	pickErr error

	names     map[string]string
	nameErr   error
	nameCalls int

	sizes   map[string]int64
	sizeErr error

	sendErr error
	sends   []sendCall

	persistResult string
	persistErr    error
	persisted     []string
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{
		names:         make(map[string]string),
		sizes:         make(map[string]int64),
		persistResult: "saved",
	}
}

func (f *fakeFiles) PromptSelectFile(context.Context) (Pick, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pick, f.pickOK, f.pickErr
}

func (f *fakeFiles) FileName(_ context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nameCalls++
	if f.nameErr != nil {
		return "", f.nameErr
	}
	return f.names[path], nil
}

func (f *fakeFiles) FileSize(_ context.Context, path string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sizeErr != nil {
		return 0, f.sizeErr
	}
	size, ok := f.sizes[path]
	if !ok {
		return 0, errors.New("no such file")
	}
	return size, nil
}

func (f *fakeFiles) SendFile(_ context.Context, path, address string, port int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sendCall{Path: path, Address: address, Port: port})
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return "transfer started", nil
}

func (f *fakeFiles) PersistReceivedFile(_ context.Context, path, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.persistErr != nil {
		return "", f.persistErr
	}
	f.persisted = append(f.persisted, path)
	return f.persistResult, nil
}

func (f *fakeFiles) sendCalls() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sendCall(nil), f.sends...)
}

// noticeSink collects notices emitted by a session.
type noticeSink struct {
	mu      sync.Mutex
	notices []models.Notice
}

func (s *noticeSink) add(n models.Notice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, n)
}

func (s *noticeSink) levels() []models.NoticeLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.NoticeLevel, 0, len(s.notices))
	for _, n := range s.notices {
		out = append(out, n.Level)
	}
	return out
}

func (s *noticeSink) count(level models.NoticeLevel) int {
	n := 0
	for _, l := range s.levels() {
		if l == level {
			n++
		}
	}
	return n
}

func newTestDiscovery(t *testing.T, dir *fakeDirectory) (*Discovery, *noticeSink) {
	t.Helper()
	d := NewDiscovery(dir, DiscoveryOptions{
		Port:           9000,
		DebounceWindow: testWindow,
		StopTimeout:    testTimeout,
		Logger:         testLogger(),
	})
	sink := &noticeSink{}
	d.OnNotice(sink.add)
	t.Cleanup(d.Close)
	return d, sink
}
