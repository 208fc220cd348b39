// Package transfer pushes one file per TCP connection between devices.
//
// A session is a length-prefixed JSON Header frame, Header.FileSize raw bytes
// for file sessions, then a length-prefixed JSON Result frame from the
// receiver. Probe sessions carry no body.
package transfer

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/blake2b"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize bounds header and result frames.
	MaxFrameSize = 64 * 1024
	// DefaultConnectionTimeout bounds TCP dial and control-frame exchange.
	DefaultConnectionTimeout = 5 * time.Second
	// DefaultIdleTimeout bounds the gap between body reads on the receiver.
	DefaultIdleTimeout = 30 * time.Second
	// DefaultMaxFileSize is the largest inbound file a receiver accepts.
	DefaultMaxFileSize int64 = 4 << 30
	// chunkSize is the body copy granularity and progress resolution.
	chunkSize = 64 * 1024
)

const (
	TypeFile   = "file"
	TypeProbe  = "probe"
	TypeResult = "result"
)

const (
	StatusComplete = "complete"
	StatusFailed   = "failed"
	StatusOK       = "ok"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("transfer: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("transfer: unsupported protocol version")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("transfer: invalid message type")
	// ErrRejected indicates the receiver answered with a failed result.
	ErrRejected = errors.New("transfer: rejected by receiver")
)

// Header opens every session.
type Header struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
	TransferID      string `json:"transfer_id,omitempty"`
	FromDeviceID    string `json:"from_device_id,omitempty"`
	FromDeviceName  string `json:"from_device_name,omitempty"`
	FileName        string `json:"file_name,omitempty"`
	FileSize        int64  `json:"file_size"`
	Checksum        string `json:"checksum,omitempty"`
	Timestamp       int64  `json:"timestamp"`
}

// Result closes every session.
type Result struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id,omitempty"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
	StoredName string `json:"stored_name,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

func writeMessage(conn net.Conn, message any, timeout time.Duration) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
		defer func() {
			_ = conn.SetWriteDeadline(time.Time{})
		}()
	}
	return WriteFrame(conn, payload)
}

func decodeHeader(payload []byte) (Header, error) {
	var header Header
	if err := json.Unmarshal(payload, &header); err != nil {
		return Header{}, fmt.Errorf("decode header: %w", err)
	}
	switch header.Type {
	case TypeFile, TypeProbe:
	default:
		return Header{}, ErrInvalidMessageType
	}
	if header.ProtocolVersion != ProtocolVersion {
		return Header{}, ErrUnsupportedVersion
	}
	return header, nil
}

func decodeResult(payload []byte) (Result, error) {
	var result Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return Result{}, fmt.Errorf("decode result: %w", err)
	}
	if result.Type != TypeResult {
		return Result{}, ErrInvalidMessageType
	}
	return result, nil
}

func newHash() (hash.Hash, error) {
	hasher, err := blake2b.New256(nil)
	if err != nil {
		return nil, fmt.Errorf("init blake2b: %w", err)
	}
	return hasher, nil
}

// FileChecksum returns the hex BLAKE2b-256 digest of the file at path.
func FileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	hasher, err := newHash()
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
