package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const receivedFileColumns = `
			file_id,
			file_name,
			stored_path,
			file_size,
			checksum,
			sender,
			received_timestamp,
			exported_path`

// SetHistoryRetention configures how long received-file history is kept.
func (s *Store) SetHistoryRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultHistoryRetention
	}
	s.historyRetention = retention
}

// SaveReceivedFile inserts one history row and applies retention pruning.
func (s *Store) SaveReceivedFile(ctx context.Context, file ReceivedFile) error {
	if strings.TrimSpace(file.FileID) == "" {
		return errors.New("file_id is required")
	}
	if strings.TrimSpace(file.FileName) == "" {
		return errors.New("file_name is required")
	}
	if strings.TrimSpace(file.StoredPath) == "" {
		return errors.New("stored_path is required")
	}
	if file.Checksum == "" {
		return errors.New("checksum is required")
	}
	if file.ReceivedTimestamp == 0 {
		file.ReceivedTimestamp = nowUnixMilli()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO received_files (`+receivedFileColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		file.FileID,
		file.FileName,
		file.StoredPath,
		nullInt64(file.FileSize),
		file.Checksum,
		nullString(file.Sender),
		file.ReceivedTimestamp,
		nullString(file.ExportedPath),
	)
	if err != nil {
		if isPrimaryKeyViolation(err) {
			return fmt.Errorf("insert received file %q: %w", file.FileID, ErrDuplicate)
		}
		return fmt.Errorf("insert received file %q: %w", file.FileID, err)
	}

	if _, err := s.pruneExpiredHistory(ctx); err != nil {
		return fmt.Errorf("prune received files: %w", err)
	}
	return nil
}

// ListReceivedFiles returns history rows newest first. limit <= 0 means all.
func (s *Store) ListReceivedFiles(ctx context.Context, limit int) ([]ReceivedFile, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT`+receivedFileColumns+`
		FROM received_files
		ORDER BY received_timestamp DESC, file_id
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list received files: %w", err)
	}
	defer rows.Close()

	files := make([]ReceivedFile, 0)
	for rows.Next() {
		file, err := scanReceivedFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan received file row: %w", err)
		}
		files = append(files, *file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate received file rows: %w", err)
	}

	return files, nil
}

// GetReceivedFileByPath returns the newest row stored at path.
func (s *Store) GetReceivedFileByPath(ctx context.Context, storedPath string) (*ReceivedFile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT`+receivedFileColumns+`
		FROM received_files
		WHERE stored_path = ?
		ORDER BY received_timestamp DESC
		LIMIT 1`,
		storedPath,
	)

	file, err := scanReceivedFile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get received file at %q: %w", storedPath, err)
	}
	return file, nil
}

// MarkExported records where a received file was copied.
func (s *Store) MarkExported(ctx context.Context, fileID, exportedPath string) error {
	if fileID == "" {
		return errors.New("file_id is required")
	}
	if strings.TrimSpace(exportedPath) == "" {
		return errors.New("exported_path is required")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE received_files
		SET exported_path = ?
		WHERE file_id = ?`,
		exportedPath,
		fileID,
	)
	if err != nil {
		return fmt.Errorf("mark received file %q exported: %w", fileID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for export of %q: %w", fileID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneReceivedFiles removes history rows older than cutoffTimestamp.
func (s *Store) PruneReceivedFiles(ctx context.Context, cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM received_files WHERE received_timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune received files: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for received file prune: %w", err)
	}
	return rowsAffected, nil
}

func (s *Store) pruneExpiredHistory(ctx context.Context) (int64, error) {
	if s.historyRetention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-s.historyRetention).UnixMilli()
	return s.PruneReceivedFiles(ctx, cutoff)
}

func scanReceivedFile(row scanner) (*ReceivedFile, error) {
	var (
		file         ReceivedFile
		fileSize     sql.NullInt64
		sender       sql.NullString
		exportedPath sql.NullString
	)
	if err := row.Scan(
		&file.FileID,
		&file.FileName,
		&file.StoredPath,
		&fileSize,
		&file.Checksum,
		&sender,
		&file.ReceivedTimestamp,
		&exportedPath,
	); err != nil {
		return nil, err
	}

	file.FileSize = int64Ptr(fileSize)
	file.Sender = stringPtr(sender)
	file.ExportedPath = stringPtr(exportedPath)
	return &file, nil
}
