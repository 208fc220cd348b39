package session

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"stationuli/events"
	"stationuli/models"
)

const (
	// DefaultGracePeriod keeps 100% visible after completion before resetting.
	DefaultGracePeriod = 2 * time.Second

	unknownFileName = "unknown file"
)

// TransferState is a snapshot of the transfer session.
type TransferState struct {
	Selection     *models.FileSelection
	Progress      int
	Sending       bool
	ReceivedFiles []models.ReceivedFile
}

// TransferOptions tunes a Transfer session. Zero values take defaults.
type TransferOptions struct {
	GracePeriod time.Duration
	Logger      *logrus.Entry
	Now         func() time.Time
}

func (o TransferOptions) withDefaults() TransferOptions {
	out := o
	if out.GracePeriod <= 0 {
		out.GracePeriod = DefaultGracePeriod
	}
	if out.Logger == nil {
		out.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Transfer owns the outbound selection, the single outbound progress value
// and the received-file list, fed by user calls and bus events.
type Transfer struct {
	files Files
	opts  TransferOptions
	log   *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	// lookups tracks received-file size resolutions still in flight.
	lookups sync.WaitGroup

	mu         sync.Mutex
	selection  *models.FileSelection
	progress   int
	sending    bool
	received   []models.ReceivedFile
	resetTimer *time.Timer
	resetSeq   uint64
	closed     bool

	subsMu sync.Mutex
	subs   []*events.Subscription

	changes observers[TransferState]
	notices observers[models.Notice]
}

// NewTransfer creates a session and subscribes it to bus. Close releases the
// subscriptions.
func NewTransfer(files Files, bus *events.Bus, opts TransferOptions) *Transfer {
	cfg := opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transfer{
		files:  files,
		opts:   cfg,
		log:    cfg.Logger.WithField("component", "transfer-session"),
		ctx:    ctx,
		cancel: cancel,
	}
	t.bindBus(bus)
	return t
}

func (t *Transfer) bindBus(bus *events.Bus) {
	if bus == nil {
		return
	}
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	t.subs = append(t.subs,
		bus.Subscribe(events.KindTransferProgress, func(e events.Event) {
			if p, ok := e.Data.(events.Progress); ok {
				t.OnProgress(p.Percent)
			}
		}),
		bus.Subscribe(events.KindTransferComplete, func(e events.Event) {
			if c, ok := e.Data.(events.Complete); ok {
				t.OnComplete(c.File)
			}
		}),
		bus.Subscribe(events.KindTransferFailed, func(e events.Event) {
			if f, ok := e.Data.(events.Failed); ok {
				t.OnFailed(f.File, f.Error)
			}
		}),
		bus.Subscribe(events.KindFileReceived, func(e events.Event) {
			if r, ok := e.Data.(events.Received); ok {
				t.OnReceived(r.Name, r.Path, r.Sender)
			}
		}),
	)
}

func (t *Transfer) unbindBus() {
	t.subsMu.Lock()
	subs := t.subs
	t.subs = nil
	t.subsMu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// Close unsubscribes from the bus and stops pending timers and lookups. Safe
// to call more than once.
func (t *Transfer) Close() {
	t.unbindBus()

	t.mu.Lock()
	t.closed = true
	t.resetSeq++
	if t.resetTimer != nil {
		t.resetTimer.Stop()
		t.resetTimer = nil
	}
	t.mu.Unlock()

	t.cancel()
	t.lookups.Wait()
	t.changes.clear()
	t.notices.clear()
}

// State returns a copy of the current session state.
func (t *Transfer) State() TransferState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// OnChange registers fn for every state change.
func (t *Transfer) OnChange(fn func(TransferState)) (cancel func()) {
	return t.changes.add(fn)
}

// OnNotice registers fn for user-facing notifications.
func (t *Transfer) OnNotice(fn func(models.Notice)) (cancel func()) {
	return t.notices.add(fn)
}

// SelectFile prompts for a file and stores it as the selection. A dismissed
// picker leaves the current selection untouched.
func (t *Transfer) SelectFile(ctx context.Context) error {
	pick, ok, err := t.files.PromptSelectFile(ctx)
	if err != nil {
		t.notify(models.NoticeError, fmt.Sprintf("Failed to select file: %v", err))
		return fmt.Errorf("select file: %w", err)
	}
	if !ok || strings.TrimSpace(pick.Path) == "" {
		t.log.Debug("File selection cancelled")
		return nil
	}

	selection := t.normalizePick(ctx, pick)

	t.mu.Lock()
	t.selection = &selection
	snapshot := t.snapshotLocked()
	t.mu.Unlock()
	t.changes.emit(snapshot)

	t.log.WithFields(logrus.Fields{
		"path": selection.Path,
		"size": selection.Size,
	}).Info("File selected")
	return nil
}

// normalizePick turns either picker shape into one canonical selection.
func (t *Transfer) normalizePick(ctx context.Context, pick Pick) models.FileSelection {
	path := pick.Path
	if decoded, err := url.PathUnescape(path); err == nil {
		path = decoded
	}

	name := strings.TrimSpace(pick.Name)
	if name == "" {
		resolved, err := t.files.FileName(ctx, path)
		if err != nil || strings.TrimSpace(resolved) == "" {
			t.log.WithError(err).Debug("File name lookup failed, deriving from path")
			resolved = nameFromPath(path)
		}
		name = resolved
	}

	size, err := t.files.FileSize(ctx, path)
	if err != nil {
		t.log.WithError(err).Debug("File size lookup failed")
		size = 0
	}
	return models.FileSelection{Path: path, Name: name, Size: size}
}

// ClearSelection empties the selection. An in-flight send is unaffected.
func (t *Transfer) ClearSelection() {
	t.mu.Lock()
	t.selection = nil
	snapshot := t.snapshotLocked()
	t.mu.Unlock()
	t.changes.emit(snapshot)
}

// SendFile starts sending pathOverride, or the selection when it is empty, to
// address:port. A nil error means the receiver accepted the transfer;
// completion arrives as a transfer-complete event and a later break as a
// transfer-failed event.
func (t *Transfer) SendFile(ctx context.Context, address string, port int, pathOverride string) error {
	path := strings.TrimSpace(pathOverride)
	if path == "" {
		t.mu.Lock()
		if t.selection != nil {
			path = t.selection.Path
		}
		t.mu.Unlock()
	}
	if path == "" {
		t.notify(models.NoticeError, ErrNoFileSelected.Error())
		return ErrNoFileSelected
	}
	address = strings.TrimSpace(address)
	if err := validateEndpoint(address, port); err != nil {
		t.notify(models.NoticeError, err.Error())
		return err
	}

	t.mu.Lock()
	t.cancelResetLocked()
	t.progress = 0
	t.sending = true
	snapshot := t.snapshotLocked()
	t.mu.Unlock()
	t.changes.emit(snapshot)

	logger := t.log.WithFields(logrus.Fields{
		"path":    path,
		"address": address,
		"port":    port,
	})
	ack, err := t.files.SendFile(ctx, path, address, port)
	if err != nil {
		t.mu.Lock()
		t.progress = 0
		t.sending = false
		snapshot = t.snapshotLocked()
		t.mu.Unlock()
		t.changes.emit(snapshot)

		categorized := Categorize(address, port, err)
		logger.WithError(categorized).Warn("File send failed")
		t.notify(models.NoticeError, fmt.Sprintf("Failed to send file: %v", categorized))
		return fmt.Errorf("send file: %w", categorized)
	}

	logger.WithField("ack", ack).Info("File send started")
	return nil
}

// OnProgress records the latest progress percent for the outbound transfer.
func (t *Transfer) OnProgress(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.progress = percent
	snapshot := t.snapshotLocked()
	t.mu.Unlock()
	t.changes.emit(snapshot)
}

// OnComplete marks the transfer finished and schedules the progress reset.
func (t *Transfer) OnComplete(file string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.progress = 100
	t.sending = false
	t.cancelResetLocked()
	seq := t.resetSeq
	t.resetTimer = time.AfterFunc(t.opts.GracePeriod, func() { t.resetProgress(seq) })
	snapshot := t.snapshotLocked()
	t.mu.Unlock()
	t.changes.emit(snapshot)

	t.log.WithField("file", file).Info("File sent")
	t.notify(models.NoticeSuccess, fmt.Sprintf("File sent: %s", nameFromPath(file)))
}

// OnFailed resets progress after an accepted transfer broke off and tells
// the user why.
func (t *Transfer) OnFailed(file, message string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.cancelResetLocked()
	t.progress = 0
	t.sending = false
	snapshot := t.snapshotLocked()
	t.mu.Unlock()
	t.changes.emit(snapshot)

	if strings.TrimSpace(message) == "" {
		message = "transfer interrupted"
	}
	t.log.WithFields(logrus.Fields{
		"file":  file,
		"error": message,
	}).Warn("File transfer failed")
	t.notify(models.NoticeError, fmt.Sprintf("Failed to send %s: %s", nameFromPath(file), message))
}

func (t *Transfer) resetProgress(seq uint64) {
	t.mu.Lock()
	if t.closed || seq != t.resetSeq {
		t.mu.Unlock()
		return
	}
	t.resetTimer = nil
	t.progress = 0
	snapshot := t.snapshotLocked()
	t.mu.Unlock()
	t.changes.emit(snapshot)
}

func (t *Transfer) cancelResetLocked() {
	t.resetSeq++
	if t.resetTimer != nil {
		t.resetTimer.Stop()
		t.resetTimer = nil
	}
}

// OnReceived records an inbound file. The size lookup is best effort and runs
// off the caller's goroutine; the record is added whether or not it succeeds.
func (t *Transfer) OnReceived(name, path, sender string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.lookups.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.lookups.Done()

		record := models.ReceivedFile{
			Name:   name,
			Path:   path,
			Sender: sender,
		}
		if size, err := t.files.FileSize(t.ctx, path); err == nil {
			record.Size = &size
		} else {
			t.log.WithError(err).WithField("path", path).Debug("Received file size lookup failed")
		}
		record.ReceivedAt = t.opts.Now()

		t.mu.Lock()
		t.received = append([]models.ReceivedFile{record}, t.received...)
		snapshot := t.snapshotLocked()
		t.mu.Unlock()
		t.changes.emit(snapshot)

		t.log.WithFields(logrus.Fields{
			"name":   name,
			"path":   path,
			"sender": sender,
		}).Info("File received")
		t.notify(models.NoticeInfo, fmt.Sprintf("Received file: %s", name))
	}()
}

// SaveReceivedFile exports a received file through the backend. The record
// stays in the received list.
func (t *Transfer) SaveReceivedFile(ctx context.Context, record models.ReceivedFile) (string, error) {
	result, err := t.files.PersistReceivedFile(ctx, record.Path, record.Name)
	if err != nil {
		t.notify(models.NoticeError, fmt.Sprintf("Failed to save file: %v", err))
		return "", fmt.Errorf("save received file %q: %w", record.Name, err)
	}
	t.notify(models.NoticeSuccess, result)
	return result, nil
}

// RemoveReceivedFile drops every record matching record's path and name.
func (t *Transfer) RemoveReceivedFile(record models.ReceivedFile) bool {
	t.mu.Lock()
	kept := t.received[:0:0]
	for _, existing := range t.received {
		if existing.SameFile(record) {
			continue
		}
		kept = append(kept, existing)
	}
	removed := len(kept) != len(t.received)
	t.received = kept
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	if removed {
		t.changes.emit(snapshot)
	}
	return removed
}

func (t *Transfer) notify(level models.NoticeLevel, message string) {
	t.notices.emit(models.Notice{Level: level, Message: message, At: t.opts.Now()})
}

func (t *Transfer) snapshotLocked() TransferState {
	out := TransferState{
		Progress: t.progress,
		Sending:  t.sending,
	}
	if t.selection != nil {
		selection := *t.selection
		out.Selection = &selection
	}
	if len(t.received) > 0 {
		out.ReceivedFiles = append([]models.ReceivedFile(nil), t.received...)
	}
	return out
}

// nameFromPath returns the last path segment for either separator.
func nameFromPath(path string) string {
	trimmed := strings.TrimRight(path, `/\`)
	if idx := strings.LastIndexAny(trimmed, `/\`); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	if trimmed == "" {
		return unknownFileName
	}
	return trimmed
}
