package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// ProgressFunc observes outbound body progress. total is the file size.
type ProgressFunc func(sent, total int64)

// SendRequest names one outbound file and its destination.
type SendRequest struct {
	TransferID string
	Path       string
	// Name overrides the file name announced to the receiver.
	Name    string
	Address string
	Port    int
}

// Client opens outbound sessions on behalf of the local device.
type Client struct {
	DeviceID          string
	DeviceName        string
	ConnectionTimeout time.Duration
}

func (c Client) timeout() time.Duration {
	if c.ConnectionTimeout <= 0 {
		return DefaultConnectionTimeout
	}
	return c.ConnectionTimeout
}

// Send pushes req.Path to the receiver and waits for its verdict. A failed
// verdict is returned as an error wrapping ErrRejected.
func (c Client) Send(ctx context.Context, req SendRequest, progress ProgressFunc) (Result, error) {
	out, err := c.Open(ctx, req)
	if err != nil {
		return Result{}, err
	}
	defer out.Close()
	return out.Stream(ctx, progress)
}

// Outbound is an accepted session whose header has been written and whose
// body has not been sent yet.
type Outbound struct {
	client Client
	file   *os.File
	conn   net.Conn
	name   string
	size   int64
}

// Open checks the source, dials the receiver and writes the header. Errors
// in reaching the receiver are returned here, before any body bytes move.
func (c Client) Open(ctx context.Context, req SendRequest) (*Outbound, error) {
	info, err := os.Stat(req.Path)
	if err != nil {
		return nil, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("source %q is a directory", req.Path)
	}
	checksum, err := FileChecksum(req.Path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(req.Path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = info.Name()
	}

	conn, err := c.dial(ctx, req.Address, req.Port)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	header := Header{
		Type:            TypeFile,
		ProtocolVersion: ProtocolVersion,
		TransferID:      req.TransferID,
		FromDeviceID:    c.DeviceID,
		FromDeviceName:  c.DeviceName,
		FileName:        name,
		FileSize:        info.Size(),
		Checksum:        checksum,
		Timestamp:       time.Now().UnixMilli(),
	}
	if err := writeMessage(conn, header, c.timeout()); err != nil {
		_ = conn.Close()
		_ = file.Close()
		return nil, c.contextError(ctx, fmt.Errorf("write header: %w", err))
	}

	return &Outbound{client: c, file: file, conn: conn, name: name, size: info.Size()}, nil
}

// Name is the file name announced to the receiver.
func (o *Outbound) Name() string { return o.name }

// Size is the announced body length in bytes.
func (o *Outbound) Size() int64 { return o.size }

// Stream sends the body and waits for the receiver's verdict. Cancelling ctx
// aborts the stream.
func (o *Outbound) Stream(ctx context.Context, progress ProgressFunc) (Result, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = o.conn.Close()
	})
	defer stop()

	if err := copyWithProgress(o.conn, o.file, o.size, progress); err != nil {
		return Result{}, o.client.contextError(ctx, fmt.Errorf("write file body: %w", err))
	}

	result, err := o.client.readResult(o.conn)
	if err != nil {
		return Result{}, o.client.contextError(ctx, err)
	}
	if result.Status != StatusComplete {
		return result, fmt.Errorf("%w: %s", ErrRejected, result.Message)
	}
	return result, nil
}

// Close releases the connection and the source file. It is safe to call
// more than once.
func (o *Outbound) Close() {
	_ = o.conn.Close()
	_ = o.file.Close()
}

// Probe checks that a receiver answers at address:port and returns its reply.
func (c Client) Probe(ctx context.Context, address string, port int) (Result, error) {
	conn, err := c.dial(ctx, address, port)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		_ = conn.Close()
	}()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	if err := writeMessage(conn, Header{
		Type:            TypeProbe,
		ProtocolVersion: ProtocolVersion,
		FromDeviceID:    c.DeviceID,
		FromDeviceName:  c.DeviceName,
		Timestamp:       time.Now().UnixMilli(),
	}, c.timeout()); err != nil {
		return Result{}, c.contextError(ctx, fmt.Errorf("write probe: %w", err))
	}

	result, err := c.readResult(conn)
	if err != nil {
		return Result{}, c.contextError(ctx, err)
	}
	if result.Status != StatusOK {
		return result, fmt.Errorf("%w: %s", ErrRejected, result.Message)
	}
	return result, nil
}

func (c Client) dial(ctx context.Context, address string, port int) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.timeout()}
	target := net.JoinHostPort(address, strconv.Itoa(port))
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return conn, nil
}

func (c Client) readResult(conn net.Conn) (Result, error) {
	payload, err := ReadFrameWithTimeout(conn, c.timeout())
	if err != nil {
		return Result{}, fmt.Errorf("read result: %w", err)
	}
	return decodeResult(payload)
}

// contextError prefers the context's error when cancellation closed conn.
func (c Client) contextError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

func copyWithProgress(w io.Writer, r io.Reader, total int64, progress ProgressFunc) error {
	r = io.LimitReader(r, total)
	buffer := make([]byte, chunkSize)
	var sent int64
	for sent < total {
		n, err := r.Read(buffer)
		if n > 0 {
			if _, werr := w.Write(buffer[:n]); werr != nil {
				return werr
			}
			sent += int64(n)
			if progress != nil {
				progress(sent, total)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && sent >= total {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("source truncated at %d of %d bytes: %w", sent, total, io.ErrUnexpectedEOF)
			}
			return err
		}
	}
	return nil
}

// Percent converts byte counts to a 0..100 value. An empty file is 100.
func Percent(sent, total int64) int {
	if total <= 0 {
		return 100
	}
	if sent >= total {
		return 100
	}
	if sent <= 0 {
		return 0
	}
	return int(sent * 100 / total)
}
