package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

var (
	// ErrValidation is matched by every locally rejected input.
	ErrValidation = errors.New("invalid input")
	// ErrInvalidAddress rejects an empty target address.
	ErrInvalidAddress = fmt.Errorf("%w: address is required", ErrValidation)
	// ErrInvalidPort rejects ports outside 1..65535.
	ErrInvalidPort = fmt.Errorf("%w: port must be between 1 and 65535", ErrValidation)
	// ErrInvalidDevice rejects device records without an id.
	ErrInvalidDevice = fmt.Errorf("%w: device id is required", ErrValidation)

	// ErrNoFileSelected is returned by SendFile without a selection or override.
	ErrNoFileSelected = errors.New("no file selected: choose a file to send first")
	// ErrStopTimeout marks a StopDiscovery call that outlived the stop timeout.
	ErrStopTimeout = errors.New("stopping discovery timed out")

	// ErrConnectionRefused is the category for refused connections.
	ErrConnectionRefused = errors.New("connection refused")
	// ErrAddressFormat is the category for malformed socket addresses.
	ErrAddressFormat = errors.New("invalid address format")
	// ErrTransport is the category for every other transport failure.
	ErrTransport = errors.New("transport error")
)

// ConnectionReason names the category of a failed connection test.
type ConnectionReason string

const (
	ReasonRefused        ConnectionReason = "refused"
	ReasonInvalidAddress ConnectionReason = "invalid_address"
	ReasonTransport      ConnectionReason = "transport"
)

// ConnectionError is a categorized transport failure.
type ConnectionError struct {
	Reason  ConnectionReason
	Address string
	Port    int
	Err     error
}

func (e *ConnectionError) Error() string {
	var label string
	switch e.Reason {
	case ReasonRefused:
		label = "connection refused"
	case ReasonInvalidAddress:
		label = "invalid address format"
	default:
		label = "connection failed"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s:%d", label, e.Address, e.Port)
	}
	return fmt.Sprintf("%s: %s:%d: %v", label, e.Address, e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is lets errors.Is match the category sentinels.
func (e *ConnectionError) Is(target error) bool {
	switch target {
	case ErrConnectionRefused:
		return e.Reason == ReasonRefused
	case ErrAddressFormat:
		return e.Reason == ReasonInvalidAddress
	case ErrTransport:
		return e.Reason == ReasonTransport
	}
	return false
}

// Categorize wraps a backend transport error into a ConnectionError.
func Categorize(address string, port int, err error) error {
	if err == nil {
		return nil
	}
	var already *ConnectionError
	if errors.As(err, &already) {
		return err
	}
	return &ConnectionError{Reason: classify(err), Address: address, Port: port, Err: err}
}

func classify(err error) ConnectionReason {
	if errors.Is(err, ErrConnectionRefused) || errors.Is(err, syscall.ECONNREFUSED) {
		return ReasonRefused
	}
	if errors.Is(err, ErrAddressFormat) {
		return ReasonInvalidAddress
	}
	var addrErr *net.AddrError
	if errors.As(err, &addrErr) {
		return ReasonInvalidAddress
	}
	var parseErr *net.ParseError
	if errors.As(err, &parseErr) {
		return ReasonInvalidAddress
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return ReasonInvalidAddress
	}
	return ReasonTransport
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrStopTimeout)
}
