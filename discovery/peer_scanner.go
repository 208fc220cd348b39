package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"stationuli/models"
)

var errScannerStopped = errors.New("peer scanner is stopped")

const (
	// ChangeAppeared is emitted when a peer appears or its metadata changes.
	ChangeAppeared ChangeType = "peer_appeared"
	// ChangeVanished is emitted when a peer has not been seen for StaleAfter.
	ChangeVanished ChangeType = "peer_vanished"
)

// ChangeType identifies peer directory updates.
type ChangeType string

// Change is one peer directory update.
type Change struct {
	Type ChangeType
	Peer DiscoveredPeer
}

// DiscoveredPeer contains a discovered LAN endpoint.
type DiscoveredPeer struct {
	DeviceID   string
	DeviceName string
	DeviceType models.DeviceKind
	Version    int
	HostName   string
	Port       int
	Addresses  []string
	LastSeen   time.Time
}

// Record converts the peer into a directory entry, preferring an IPv4
// address. ok is false when the peer advertised no usable address.
func (p DiscoveredPeer) Record() (models.DeviceRecord, bool) {
	address := ""
	for _, raw := range p.Addresses {
		ip := net.ParseIP(raw)
		if ip == nil {
			continue
		}
		if ip.To4() != nil {
			address = raw
			break
		}
		if address == "" {
			address = raw
		}
	}
	if address == "" || p.Port <= 0 {
		return models.DeviceRecord{}, false
	}
	return models.DeviceRecord{
		ID:      p.DeviceID,
		Name:    p.DeviceName,
		Address: address,
		Port:    p.Port,
		Kind:    p.DeviceType,
	}, true
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// PeerScanner discovers peers with periodic and manual mDNS browse operations.
type PeerScanner struct {
	cfg Config
	log *logrus.Entry

	browse browseFunc

	mu    sync.RWMutex
	peers map[string]DiscoveredPeer

	changes chan Change

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewPeerScanner creates a scanner with config defaults applied.
func NewPeerScanner(config Config) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &PeerScanner{
		cfg:             cfg,
		log:             cfg.Logger.WithField("component", "peer-scanner"),
		browse:          browse,
		peers:           make(map[string]DiscoveredPeer),
		changes:         make(chan Change, 128),
		ctx:             ctx,
		cancel:          cancel,
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background peer scanning.
func (s *PeerScanner) Start() error {
	if s.ctx.Err() != nil {
		return errScannerStopped
	}
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop()
	})
	return nil
}

// Stop stops background scanning and closes Changes.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		close(s.changes)
	})
}

// Changes delivers peer updates. Updates are dropped when the buffer is full.
func (s *PeerScanner) Changes() <-chan Change {
	return s.changes
}

// Refresh runs a scan now and waits for it to finish.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errScannerStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errScannerStopped
	}
}

// ListPeers returns the known peers ordered by name, then id.
func (s *PeerScanner) ListPeers() []DiscoveredPeer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredPeer, 0, len(s.peers))
	for _, peer := range s.peers {
		peer.Addresses = append([]string(nil), peer.Addresses...)
		out = append(out, peer)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	if err := s.runScan(context.Background()); err != nil {
		s.log.WithError(err).Warn("Initial peer scan failed")
	}

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.runScan(context.Background()); err != nil {
				s.log.WithError(err).Debug("Peer scan failed")
			}
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PeerScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	stopWatch := context.AfterFunc(requestCtx, cancel)
	defer stopWatch()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	seen := make(map[string]DiscoveredPeer)
	collectorDone := make(chan struct{})

	go func(in <-chan *zeroconf.ServiceEntry) {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-in:
				if !ok {
					// The resolver closes the channel when the browse ends.
					in = nil
					continue
				}
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, s.cfg.SelfDeviceID)
				if !ok {
					continue
				}
				peer.LastSeen = s.cfg.Now()
				seen[peer.DeviceID] = peer
			}
		}
	}(entries)

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		cancel()
		<-collectorDone
		return err
	}

	<-scanCtx.Done()
	<-collectorDone

	if s.ctx.Err() != nil {
		return errScannerStopped
	}
	if err := requestCtx.Err(); err != nil {
		return err
	}
	s.merge(seen)
	return nil
}

// merge folds one scan into the peer set and prunes peers not seen for
// StaleAfter.
func (s *PeerScanner) merge(seen map[string]DiscoveredPeer) {
	now := s.cfg.Now()

	s.mu.Lock()
	var changes []Change
	for id, peer := range seen {
		old, exists := s.peers[id]
		if !exists || !peersEqual(old, peer) {
			changes = append(changes, Change{Type: ChangeAppeared, Peer: peer})
		}
		s.peers[id] = peer
	}
	for id, peer := range s.peers {
		if now.Sub(peer.LastSeen) > s.cfg.StaleAfter {
			delete(s.peers, id)
			changes = append(changes, Change{Type: ChangeVanished, Peer: peer})
		}
	}
	s.mu.Unlock()

	for _, change := range changes {
		s.emit(change)
	}
}

func (s *PeerScanner) emit(change Change) {
	select {
	case s.changes <- change:
	default:
		s.log.WithField("device_id", change.Peer.DeviceID).Debug("Dropping peer change, buffer full")
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (DiscoveredPeer, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt[txtDeviceID])
	if deviceID == "" || deviceID == selfDeviceID {
		return DiscoveredPeer{}, false
	}

	version := 0
	if raw := txt[txtVersion]; raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	dedup := make(map[string]struct{})
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := dedup[raw]; exists {
			continue
		}
		dedup[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSuffix(strings.TrimSpace(entry.HostName), ".")
	}
	if name == "" {
		name = deviceID
	}

	return DiscoveredPeer{
		DeviceID:   deviceID,
		DeviceName: name,
		DeviceType: models.ParseDeviceKind(txt[txtDeviceType]),
		Version:    version,
		HostName:   entry.HostName,
		Port:       entry.Port,
		Addresses:  addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func peersEqual(a, b DiscoveredPeer) bool {
	if a.DeviceID != b.DeviceID ||
		a.DeviceName != b.DeviceName ||
		a.DeviceType != b.DeviceType ||
		a.Version != b.Version ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
