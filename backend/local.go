// Package backend provides a self-contained local implementation of the
// session capabilities on top of mDNS discovery, the SQLite store and the
// TCP file transfer.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"stationuli/discovery"
	"stationuli/events"
	"stationuli/models"
	"stationuli/session"
	"stationuli/storage"
	"stationuli/transfer"
)

var (
	// ErrNoPicker indicates no file picker was configured.
	ErrNoPicker = errors.New("backend: no file picker configured")
	// ErrAlreadyRunning indicates StartDiscovery was called twice.
	ErrAlreadyRunning = errors.New("backend: discovery already running")
	// ErrClosed indicates the backend was closed.
	ErrClosed = errors.New("backend: closed")
)

// PickerFunc asks the user for a file. ok=false means the picker was dismissed.
type PickerFunc func(ctx context.Context) (pick session.Pick, ok bool, err error)

// peerSource is the running discovery service as seen by Local.
type peerSource interface {
	Devices() []models.DeviceRecord
	Stop()
}

type discoveryStarter func(discovery.Config) (peerSource, error)

// Options configures a Local backend.
type Options struct {
	DeviceID        string
	DeviceName      string
	DeviceType      models.DeviceKind
	ReceiveDir      string
	ExportDir       string
	ConnectTimeout  time.Duration
	RefreshInterval time.Duration
	MaxReceiveSize  int64

	Store  *storage.Store
	Bus    *events.Bus
	Picker PickerFunc
	Logger *logrus.Entry
	Now    func() time.Time

	startDiscovery discoveryStarter
	interfaceAddrs func() ([]net.Addr, error)
}

// Local implements session.Directory and session.Files for this host.
type Local struct {
	opts   Options
	log    *logrus.Entry
	client transfer.Client

	mu       sync.Mutex
	receiver *transfer.Server
	peers    peerSource
	port     int

	ctx    context.Context
	cancel context.CancelFunc
	sends  sync.WaitGroup
}

var (
	_ session.Directory = (*Local)(nil)
	_ session.Files     = (*Local)(nil)
)

// New validates options and returns an idle backend.
func New(opts Options) (*Local, error) {
	if strings.TrimSpace(opts.DeviceID) == "" {
		return nil, errors.New("device id is required")
	}
	if strings.TrimSpace(opts.DeviceName) == "" {
		return nil, errors.New("device name is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("event bus is required")
	}
	if strings.TrimSpace(opts.ReceiveDir) == "" || strings.TrimSpace(opts.ExportDir) == "" {
		return nil, errors.New("receive and export directories are required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.startDiscovery == nil {
		opts.startDiscovery = startMDNS
	}
	if opts.interfaceAddrs == nil {
		opts.interfaceAddrs = net.InterfaceAddrs
	}
	opts.DeviceType = models.ParseDeviceKind(string(opts.DeviceType))

	ctx, cancel := context.WithCancel(context.Background())
	return &Local{
		opts: opts,
		log:  opts.Logger.WithField("component", "backend"),
		client: transfer.Client{
			DeviceID:          opts.DeviceID,
			DeviceName:        opts.DeviceName,
			ConnectionTimeout: opts.ConnectTimeout,
		},
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func startMDNS(cfg discovery.Config) (peerSource, error) {
	service, err := discovery.Start(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Logger != nil {
		go logPeerChanges(cfg.Logger, service.Scanner.Changes())
	}
	return service, nil
}

// logPeerChanges runs until the scanner stops and closes changes.
func logPeerChanges(log *logrus.Entry, changes <-chan discovery.Change) {
	for change := range changes {
		entry := log.WithFields(logrus.Fields{
			"device_id":   change.Peer.DeviceID,
			"device_name": change.Peer.DeviceName,
			"port":        change.Peer.Port,
		})
		switch change.Type {
		case discovery.ChangeAppeared:
			entry.WithField("addresses", change.Peer.Addresses).Info("Peer available")
		case discovery.ChangeVanished:
			entry.Info("Peer gone")
		}
	}
}

// StartDiscovery binds the file receiver on port and starts mDNS. mDNS
// failures are logged and leave manual devices usable.
func (l *Local) StartDiscovery(ctx context.Context, port int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.ctx.Err() != nil {
		return ErrClosed
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.receiver != nil {
		return ErrAlreadyRunning
	}

	receiver, err := transfer.Listen(fmt.Sprintf(":%d", port), transfer.ServerOptions{
		ReceiveDir:        l.opts.ReceiveDir,
		DeviceID:          l.opts.DeviceID,
		DeviceName:        l.opts.DeviceName,
		ConnectionTimeout: l.opts.ConnectTimeout,
		MaxFileSize:       l.opts.MaxReceiveSize,
		Logger:            l.opts.Logger.WithField("component", "receiver"),
		OnReceived:        l.handleReceived,
		Now:               l.opts.Now,
	})
	if err != nil {
		return fmt.Errorf("start file receiver: %w", err)
	}

	peers, err := l.opts.startDiscovery(discovery.Config{
		RefreshInterval: l.opts.RefreshInterval,
		SelfDeviceID:    l.opts.DeviceID,
		DeviceName:      l.opts.DeviceName,
		DeviceType:      l.opts.DeviceType,
		ListeningPort:   port,
		Logger:          l.opts.Logger.WithField("component", "discovery"),
		Now:             l.opts.Now,
	})
	if err != nil {
		l.log.WithError(err).Warn("mDNS discovery unavailable, continuing with manual devices")
		peers = nil
	}

	l.receiver = receiver
	l.peers = peers
	l.port = port
	l.log.WithFields(logrus.Fields{
		"port":     port,
		"listener": receiver.Addr().String(),
		"mdns":     peers != nil,
	}).Info("Backend discovery started")
	return nil
}

// StopDiscovery stops mDNS and the receiver. The receiver waits for in-flight
// sessions, so the wait is bounded by ctx.
func (l *Local) StopDiscovery(ctx context.Context) error {
	l.mu.Lock()
	receiver, peers := l.receiver, l.peers
	l.receiver, l.peers, l.port = nil, nil, 0
	l.mu.Unlock()

	if receiver == nil && peers == nil {
		return nil
	}

	var group errgroup.Group
	if peers != nil {
		group.Go(func() error {
			peers.Stop()
			return nil
		})
	}
	if receiver != nil {
		group.Go(func() error {
			if err := receiver.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("close file receiver: %w", err)
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- group.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		l.log.Info("Backend discovery stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LocalIdentity returns the local device id.
func (l *Local) LocalIdentity(context.Context) (string, error) {
	return l.opts.DeviceID, nil
}

// LocalAddress returns the first non-loopback IPv4 address with the
// listening port, or 127.0.0.1 when no interface qualifies.
func (l *Local) LocalAddress(context.Context) (string, error) {
	l.mu.Lock()
	port := l.port
	l.mu.Unlock()

	addrs, err := l.opts.interfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("list interface addresses: %w", err)
	}

	host := "127.0.0.1"
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			host = ipnet.IP.String()
			break
		}
	}
	if port == 0 {
		return host, nil
	}
	return fmt.Sprintf("%s:%d", host, port), nil
}

// ListDevices merges stored devices with mDNS peers. A stored device wins
// over a scanned peer with the same id.
func (l *Local) ListDevices(ctx context.Context) ([]models.DeviceRecord, error) {
	stored, err := l.opts.Store.ListDevices(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]models.DeviceRecord, 0, len(stored))
	seen := make(map[string]struct{}, len(stored))
	for _, device := range stored {
		out = append(out, device.Record())
		seen[device.DeviceID] = struct{}{}
	}

	l.mu.Lock()
	peers := l.peers
	l.mu.Unlock()
	if peers == nil {
		return out, nil
	}
	for _, record := range peers.Devices() {
		if _, dup := seen[record.ID]; dup {
			continue
		}
		seen[record.ID] = struct{}{}
		out = append(out, record)
	}
	return out, nil
}

// AddDevice stores a manual device.
func (l *Local) AddDevice(ctx context.Context, device models.DeviceRecord) error {
	return l.opts.Store.AddDevice(ctx, storage.DeviceFromRecord(device))
}

// RemoveDevice deletes a stored device.
func (l *Local) RemoveDevice(ctx context.Context, id string) error {
	return l.opts.Store.RemoveDevice(ctx, id)
}

// UpdateDevice rewrites a stored device. Editing a scanned peer pins it as a
// stored device.
func (l *Local) UpdateDevice(ctx context.Context, device models.DeviceRecord) error {
	row := storage.DeviceFromRecord(device)
	existing, err := l.opts.Store.GetDevice(ctx, row.DeviceID)
	if errors.Is(err, storage.ErrNotFound) {
		return l.opts.Store.AddDevice(ctx, row)
	}
	if err != nil {
		return err
	}
	if row.DeviceType == models.DeviceKindUnknown {
		row.DeviceType = existing.DeviceType
	}
	return l.opts.Store.UpdateDevice(ctx, row)
}

// TestConnection probes a receiver and describes the answer.
func (l *Local) TestConnection(ctx context.Context, address string, port int) (string, error) {
	result, err := l.client.Probe(ctx, address, port)
	if err != nil {
		return "", err
	}
	name := result.DeviceName
	if name == "" {
		name = result.DeviceID
	}
	if name == "" {
		return fmt.Sprintf("Connected to %s:%d", address, port), nil
	}
	return fmt.Sprintf("Connected to %s (%s:%d)", name, address, port), nil
}

// PromptSelectFile delegates to the injected picker.
func (l *Local) PromptSelectFile(ctx context.Context) (session.Pick, bool, error) {
	if l.opts.Picker == nil {
		return session.Pick{}, false, ErrNoPicker
	}
	return l.opts.Picker(ctx)
}

// FileName returns the base name of a local file.
func (l *Local) FileName(_ context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %q: %w", path, err)
	}
	return info.Name(), nil
}

// FileSize returns the size of a local file in bytes.
func (l *Local) FileSize(_ context.Context, path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %q: %w", path, err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%q is a directory", path)
	}
	return info.Size(), nil
}

// SendFile dials the receiver and writes the header before returning, so a
// refused or unreachable target comes back as the error. The body then
// streams on a goroutine; progress and completion are published on the bus
// and a later failure publishes a transfer-failed event.
func (l *Local) SendFile(ctx context.Context, path, address string, port int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("source %q is a directory", path)
	}
	if l.ctx.Err() != nil {
		return "", ErrClosed
	}

	transferID := uuid.NewString()
	log := l.log.WithFields(logrus.Fields{
		"transfer_id": transferID,
		"file":        info.Name(),
		"address":     address,
		"port":        port,
	})

	l.sends.Add(1)
	openCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(l.ctx, cancel)
	defer stop()
	out, err := l.client.Open(openCtx, transfer.SendRequest{
		TransferID: transferID,
		Path:       path,
		Address:    address,
		Port:       port,
	})
	if err != nil {
		l.sends.Done()
		if l.ctx.Err() != nil {
			return "", ErrClosed
		}
		log.WithError(err).Warn("File transfer could not start")
		return "", err
	}
	name := out.Name()

	go func() {
		defer l.sends.Done()
		defer out.Close()

		lastPercent := -1
		_, err := out.Stream(l.ctx, func(sent, total int64) {
			percent := transfer.Percent(sent, total)
			if percent == lastPercent {
				return
			}
			lastPercent = percent
			l.opts.Bus.Publish(events.KindTransferProgress, events.Progress{
				File:    name,
				Percent: percent,
				Sent:    sent,
				Total:   total,
			})
		})
		if err != nil {
			log.WithError(err).Error("File transfer failed")
			l.opts.Bus.Publish(events.KindTransferFailed, events.Failed{File: name, Error: err.Error()})
			return
		}

		log.Info("File transfer complete")
		l.opts.Bus.Publish(events.KindTransferComplete, events.Complete{File: name})
	}()

	return fmt.Sprintf("Sending %s to %s:%d", name, address, port), nil
}

// PersistReceivedFile copies a received file into the export directory and
// returns the destination path.
func (l *Local) PersistReceivedFile(ctx context.Context, path, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		name = filepath.Base(path)
	}

	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open received file: %w", err)
	}
	defer func() {
		_ = src.Close()
	}()

	if err := os.MkdirAll(l.opts.ExportDir, 0o700); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}
	dst, dstPath, err := transfer.CreateUnique(l.opts.ExportDir, filepath.Base(name))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(dstPath)
		return "", fmt.Errorf("copy received file: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(dstPath)
		return "", fmt.Errorf("close exported file: %w", err)
	}

	row, err := l.opts.Store.GetReceivedFileByPath(ctx, path)
	switch {
	case err == nil:
		if err := l.opts.Store.MarkExported(ctx, row.FileID, dstPath); err != nil {
			l.log.WithError(err).WithField("file_id", row.FileID).Warn("Record export failed")
		}
	case errors.Is(err, storage.ErrNotFound):
	default:
		l.log.WithError(err).WithField("path", path).Warn("Look up received file failed")
	}

	l.log.WithFields(logrus.Fields{
		"source":      path,
		"destination": dstPath,
	}).Info("Received file exported")
	return dstPath, nil
}

// ReceivedHistory returns stored inbound files, newest first.
func (l *Local) ReceivedHistory(ctx context.Context, limit int) ([]models.ReceivedFile, error) {
	rows, err := l.opts.Store.ListReceivedFiles(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.ReceivedFile, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Model())
	}
	return out, nil
}

// Close stops discovery and waits for outbound transfers to end.
func (l *Local) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), transfer.DefaultConnectionTimeout)
	defer cancel()
	err := l.StopDiscovery(ctx)
	l.cancel()
	l.sends.Wait()
	return err
}

func (l *Local) handleReceived(received transfer.Received) {
	fileID := received.TransferID
	if fileID == "" {
		fileID = uuid.NewString()
	}
	size := received.Size
	row := storage.ReceivedFile{
		FileID:            fileID,
		FileName:          filepath.Base(received.StoredPath),
		StoredPath:        received.StoredPath,
		FileSize:          &size,
		Checksum:          received.Checksum,
		ReceivedTimestamp: received.ReceivedAt.UnixMilli(),
	}
	if sender := received.Sender(); sender != "" {
		row.Sender = &sender
	}

	if err := l.opts.Store.SaveReceivedFile(l.ctx, row); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			row.FileID = uuid.NewString()
			err = l.opts.Store.SaveReceivedFile(l.ctx, row)
		}
		if err != nil {
			l.log.WithError(err).WithField("path", received.StoredPath).Warn("Record received file failed")
		}
	}

	l.opts.Bus.Publish(events.KindFileReceived, events.Received{
		Name:   row.FileName,
		Path:   received.StoredPath,
		Sender: received.Sender(),
	})
}
