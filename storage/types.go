package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"stationuli/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrDuplicate indicates an insert collided with an existing primary key.
	ErrDuplicate = errors.New("storage: record already exists")
)

// Device is the SQLite representation of a manually added device.
type Device struct {
	DeviceID         string
	DeviceName       string
	Address          string
	Port             int
	DeviceType       models.DeviceKind
	AddedTimestamp   int64
	UpdatedTimestamp int64
}

// Record converts the row into a directory entry.
func (d Device) Record() models.DeviceRecord {
	return models.DeviceRecord{
		ID:      d.DeviceID,
		Name:    d.DeviceName,
		Address: d.Address,
		Port:    d.Port,
		Kind:    d.DeviceType,
	}
}

// DeviceFromRecord builds a row from a directory entry.
func DeviceFromRecord(record models.DeviceRecord) Device {
	return Device{
		DeviceID:   record.ID,
		DeviceName: record.Name,
		Address:    record.Address,
		Port:       record.Port,
		DeviceType: models.ParseDeviceKind(string(record.Kind)),
	}
}

// ReceivedFile is one entry of the inbound file history.
type ReceivedFile struct {
	FileID            string
	FileName          string
	StoredPath        string
	FileSize          *int64
	Checksum          string
	Sender            *string
	ReceivedTimestamp int64
	ExportedPath      *string
}

// Model converts the row into the session-facing record.
func (f ReceivedFile) Model() models.ReceivedFile {
	out := models.ReceivedFile{
		Name:       f.FileName,
		Path:       f.StoredPath,
		ReceivedAt: time.UnixMilli(f.ReceivedTimestamp),
	}
	if f.FileSize != nil {
		size := *f.FileSize
		out.Size = &size
	}
	if f.Sender != nil {
		out.Sender = *f.Sender
	}
	return out
}

type scanner interface {
	Scan(dest ...any) error
}

func validateDevice(device Device) error {
	if strings.TrimSpace(device.DeviceID) == "" {
		return errors.New("device_id is required")
	}
	if strings.TrimSpace(device.DeviceName) == "" {
		return errors.New("device_name is required")
	}
	if strings.TrimSpace(device.Address) == "" {
		return errors.New("address is required")
	}
	if device.Port <= 0 || device.Port > 65535 {
		return fmt.Errorf("port %d out of range", device.Port)
	}
	return nil
}

func isPrimaryKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
