package transfer

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const maxUniqueNameAttempts = 1000

// Received describes one file accepted and verified by a Server.
type Received struct {
	TransferID    string
	FileName      string
	StoredPath    string
	Size          int64
	Checksum      string
	SenderID      string
	SenderName    string
	SenderAddress string
	ReceivedAt    time.Time
}

// Sender returns the best human-readable label for the sending device.
func (r Received) Sender() string {
	if r.SenderName != "" {
		return r.SenderName
	}
	return r.SenderAddress
}

// ServerOptions configures an inbound receiver.
type ServerOptions struct {
	ReceiveDir        string
	DeviceID          string
	DeviceName        string
	ConnectionTimeout time.Duration
	IdleTimeout       time.Duration
	MaxFileSize       int64 // larger announced sizes are rejected
	Logger            *logrus.Entry
	OnReceived        func(Received)
	Now               func() time.Time
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = DefaultConnectionTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.Logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		o.Logger = logrus.NewEntry(discard)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Server accepts inbound file and probe sessions.
type Server struct {
	listener net.Listener
	options  ServerOptions

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds address and starts the accept loop.
func Listen(address string, options ServerOptions) (*Server, error) {
	opts := options.withDefaults()
	if strings.TrimSpace(opts.ReceiveDir) == "" {
		return nil, errors.New("receive directory is required")
	}
	if err := os.MkdirAll(opts.ReceiveDir, 0o700); err != nil {
		return nil, fmt.Errorf("create receive directory: %w", err)
	}

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		options:  opts,
		conns:    make(map[net.Conn]struct{}),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops accepting, aborts in-flight sessions and waits for handlers.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()

		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError(fmt.Errorf("accept connection: %w", err))
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer func() {
		_ = conn.Close()
	}()

	log := s.options.Logger.WithField("remote", conn.RemoteAddr().String())

	payload, err := ReadFrameWithTimeout(conn, s.options.ConnectionTimeout)
	if err != nil {
		s.reportError(fmt.Errorf("read header: %w", err))
		return
	}

	header, err := decodeHeader(payload)
	if err != nil {
		s.reportError(err)
		_ = s.sendResult(conn, Result{Status: StatusFailed, Message: err.Error()})
		return
	}

	switch header.Type {
	case TypeProbe:
		log.Debug("Answering probe")
		_ = s.sendResult(conn, Result{
			Status:     StatusOK,
			DeviceID:   s.options.DeviceID,
			DeviceName: s.options.DeviceName,
		})
	case TypeFile:
		s.receiveFile(conn, header, log)
	}
}

func (s *Server) receiveFile(conn net.Conn, header Header, log *logrus.Entry) {
	log = log.WithFields(logrus.Fields{
		"transfer_id": header.TransferID,
		"file_name":   header.FileName,
		"file_size":   header.FileSize,
	})

	var (
		file      *os.File
		finalPath string
	)
	discard := func() {
		if file == nil {
			return
		}
		_ = file.Close()
		_ = os.Remove(finalPath)
		file = nil
	}
	defer discard()

	fail := func(message string, err error) {
		discard()
		if err != nil {
			log.WithError(err).Warn(message)
		} else {
			log.Warn(message)
		}
		_ = s.sendResult(conn, Result{
			TransferID: header.TransferID,
			Status:     StatusFailed,
			Message:    message,
		})
	}

	if header.FileSize < 0 {
		fail("invalid file size", nil)
		return
	}
	if header.FileSize > s.options.MaxFileSize {
		fail(fmt.Sprintf("file too large: %d bytes exceeds limit of %d", header.FileSize, s.options.MaxFileSize), nil)
		return
	}
	if header.Checksum == "" {
		fail("missing checksum", nil)
		return
	}

	var err error
	file, finalPath, err = CreateUnique(s.options.ReceiveDir, sanitizeFileName(header.FileName))
	if err != nil {
		fail("create destination file failed", err)
		return
	}

	hasher, err := newHash()
	if err != nil {
		fail("init checksum failed", err)
		return
	}

	body := &idleReader{conn: conn, timeout: s.options.IdleTimeout}
	written, err := io.CopyN(io.MultiWriter(file, hasher), body, header.FileSize)
	if err != nil {
		fail("read file body failed", fmt.Errorf("after %d of %d bytes: %w", written, header.FileSize, err))
		return
	}
	if err := file.Sync(); err != nil {
		fail("flush destination file failed", err)
		return
	}

	checksum := fmt.Sprintf("%x", hasher.Sum(nil))
	if !strings.EqualFold(checksum, header.Checksum) {
		fail("checksum mismatch", nil)
		return
	}
	if err := file.Close(); err != nil {
		fail("close destination file failed", err)
		return
	}
	file = nil

	if err := s.sendResult(conn, Result{
		TransferID: header.TransferID,
		Status:     StatusComplete,
		StoredName: filepath.Base(finalPath),
	}); err != nil {
		log.WithError(err).Warn("Write transfer result failed")
		_ = os.Remove(finalPath)
		return
	}

	log.WithField("stored_path", finalPath).Info("File received")
	if s.options.OnReceived != nil {
		s.options.OnReceived(Received{
			TransferID:    header.TransferID,
			FileName:      header.FileName,
			StoredPath:    finalPath,
			Size:          written,
			Checksum:      checksum,
			SenderID:      header.FromDeviceID,
			SenderName:    header.FromDeviceName,
			SenderAddress: remoteHost(conn),
			ReceivedAt:    s.options.Now(),
		})
	}
}

func (s *Server) sendResult(conn net.Conn, result Result) error {
	result.Type = TypeResult
	result.Timestamp = s.options.Now().UnixMilli()
	return writeMessage(conn, result, s.options.ConnectionTimeout)
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return
	}
	s.options.Logger.WithError(err).Debug("Inbound session error")
}

// idleReader refreshes the read deadline before every read so a stalled
// sender fails after timeout instead of holding the connection.
type idleReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return 0, err
	}
	return r.conn.Read(p)
}

// sanitizeFileName keeps only the final path element of a remote-supplied name.
func sanitizeFileName(name string) string {
	base := filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	switch base {
	case "", ".", "..", "/":
		return "file.bin"
	}
	return base
}

// CreateUnique opens a new file in dir named name, or "stem (n).ext" when
// taken.
func CreateUnique(dir, name string) (*os.File, string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; i < maxUniqueNameAttempts; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		path := filepath.Join(dir, candidate)
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			return file, path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", fmt.Errorf("create %q: %w", path, err)
		}
	}
	return nil, "", fmt.Errorf("no free file name for %q in %q", name, dir)
}

func remoteHost(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
