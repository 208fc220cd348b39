package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"stationuli/models"
)

const deviceColumns = `
			device_id,
			device_name,
			address,
			port,
			device_type,
			added_timestamp,
			updated_timestamp`

// AddDevice inserts a new device row. An existing id yields ErrDuplicate.
func (s *Store) AddDevice(ctx context.Context, device Device) error {
	if err := validateDevice(device); err != nil {
		return err
	}
	device.DeviceType = models.ParseDeviceKind(string(device.DeviceType))
	if device.AddedTimestamp == 0 {
		device.AddedTimestamp = nowUnixMilli()
	}
	if device.UpdatedTimestamp == 0 {
		device.UpdatedTimestamp = device.AddedTimestamp
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (`+deviceColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		device.DeviceID,
		device.DeviceName,
		device.Address,
		device.Port,
		string(device.DeviceType),
		device.AddedTimestamp,
		device.UpdatedTimestamp,
	)
	if err != nil {
		if isPrimaryKeyViolation(err) {
			return fmt.Errorf("insert device %q: %w", device.DeviceID, ErrDuplicate)
		}
		return fmt.Errorf("insert device %q: %w", device.DeviceID, err)
	}

	return nil
}

// GetDevice fetches a device by id.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT`+deviceColumns+`
		FROM devices
		WHERE device_id = ?`,
		deviceID,
	)

	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device %q: %w", deviceID, err)
	}

	return device, nil
}

// ListDevices returns all devices sorted by name.
func (s *Store) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT`+deviceColumns+`
		FROM devices
		ORDER BY device_name, device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	devices := make([]Device, 0)
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		devices = append(devices, *device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device rows: %w", err)
	}

	return devices, nil
}

// UpdateDevice rewrites name, endpoint and type of an existing device.
func (s *Store) UpdateDevice(ctx context.Context, device Device) error {
	if err := validateDevice(device); err != nil {
		return err
	}
	device.DeviceType = models.ParseDeviceKind(string(device.DeviceType))

	res, err := s.db.ExecContext(ctx,
		`UPDATE devices
		SET device_name = ?,
		    address = ?,
		    port = ?,
		    device_type = ?,
		    updated_timestamp = ?
		WHERE device_id = ?`,
		device.DeviceName,
		device.Address,
		device.Port,
		string(device.DeviceType),
		nowUnixMilli(),
		device.DeviceID,
	)
	if err != nil {
		return fmt.Errorf("update device %q: %w", device.DeviceID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for update device %q: %w", device.DeviceID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// RemoveDevice deletes a device by id.
func (s *Store) RemoveDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("remove device %q: %w", deviceID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove device %q: %w", deviceID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func scanDevice(row scanner) (*Device, error) {
	var (
		device     Device
		deviceType string
	)
	if err := row.Scan(
		&device.DeviceID,
		&device.DeviceName,
		&device.Address,
		&device.Port,
		&deviceType,
		&device.AddedTimestamp,
		&device.UpdatedTimestamp,
	); err != nil {
		return nil, err
	}
	device.DeviceType = models.ParseDeviceKind(deviceType)
	return &device, nil
}
