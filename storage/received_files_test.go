package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testReceivedFile(id, path string, receivedAt int64) ReceivedFile {
	size := int64(128)
	sender := "192.168.1.20:53211"
	return ReceivedFile{
		FileID:            id,
		FileName:          "report.pdf",
		StoredPath:        path,
		FileSize:          &size,
		Checksum:          "abc123",
		Sender:            &sender,
		ReceivedTimestamp: receivedAt,
	}
}

func TestSaveAndListReceivedFilesNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	if err := store.SaveReceivedFile(ctx, testReceivedFile("f-old", "/tmp/a", now-2000)); err != nil {
		t.Fatalf("save old: %v", err)
	}
	if err := store.SaveReceivedFile(ctx, testReceivedFile("f-new", "/tmp/b", now-1000)); err != nil {
		t.Fatalf("save new: %v", err)
	}

	files, err := store.ListReceivedFiles(ctx, 0)
	if err != nil {
		t.Fatalf("ListReceivedFiles failed: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	if files[0].FileID != "f-new" || files[1].FileID != "f-old" {
		t.Fatalf("expected newest first, got %s then %s", files[0].FileID, files[1].FileID)
	}
	if files[0].FileSize == nil || *files[0].FileSize != 128 {
		t.Fatalf("expected size 128, got %v", files[0].FileSize)
	}
	if files[0].Sender == nil || *files[0].Sender != "192.168.1.20:53211" {
		t.Fatalf("unexpected sender: %v", files[0].Sender)
	}

	limited, err := store.ListReceivedFiles(ctx, 1)
	if err != nil {
		t.Fatalf("ListReceivedFiles with limit failed: %v", err)
	}
	if len(limited) != 1 || limited[0].FileID != "f-new" {
		t.Fatalf("unexpected limited result: %+v", limited)
	}
}

func TestSaveReceivedFileNullableColumns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	file := testReceivedFile("f-1", "/tmp/a", 0)
	file.FileSize = nil
	file.Sender = nil
	if err := store.SaveReceivedFile(ctx, file); err != nil {
		t.Fatalf("SaveReceivedFile failed: %v", err)
	}

	got, err := store.GetReceivedFileByPath(ctx, "/tmp/a")
	if err != nil {
		t.Fatalf("GetReceivedFileByPath failed: %v", err)
	}
	if got.FileSize != nil || got.Sender != nil || got.ExportedPath != nil {
		t.Fatalf("expected nil optional columns, got %+v", got)
	}
	if got.ReceivedTimestamp == 0 {
		t.Fatalf("expected received timestamp to default to now")
	}

	model := got.Model()
	if model.Size != nil || model.Sender != "" || model.Name != "report.pdf" {
		t.Fatalf("unexpected model: %+v", model)
	}
}

func TestSaveReceivedFileRejectsDuplicateAndInvalid(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	if err := store.SaveReceivedFile(ctx, testReceivedFile("f-1", "/tmp/a", now)); err != nil {
		t.Fatalf("SaveReceivedFile failed: %v", err)
	}
	if err := store.SaveReceivedFile(ctx, testReceivedFile("f-1", "/tmp/b", now)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	invalid := testReceivedFile("f-2", "", now)
	if err := store.SaveReceivedFile(ctx, invalid); err == nil {
		t.Fatalf("expected error for empty stored path")
	}
}

func TestGetReceivedFileByPathNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetReceivedFileByPath(context.Background(), "/missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkExported(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveReceivedFile(ctx, testReceivedFile("f-1", "/tmp/a", time.Now().UnixMilli())); err != nil {
		t.Fatalf("SaveReceivedFile failed: %v", err)
	}
	if err := store.MarkExported(ctx, "f-1", "/exports/report.pdf"); err != nil {
		t.Fatalf("MarkExported failed: %v", err)
	}

	got, err := store.GetReceivedFileByPath(ctx, "/tmp/a")
	if err != nil {
		t.Fatalf("GetReceivedFileByPath failed: %v", err)
	}
	if got.ExportedPath == nil || *got.ExportedPath != "/exports/report.pdf" {
		t.Fatalf("unexpected exported path: %v", got.ExportedPath)
	}

	if err := store.MarkExported(ctx, "missing", "/exports/x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPruneReceivedFiles(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	if err := store.SaveReceivedFile(ctx, testReceivedFile("f-old", "/tmp/a", now-10_000)); err != nil {
		t.Fatalf("save old: %v", err)
	}
	if err := store.SaveReceivedFile(ctx, testReceivedFile("f-new", "/tmp/b", now)); err != nil {
		t.Fatalf("save new: %v", err)
	}

	removed, err := store.PruneReceivedFiles(ctx, now-5_000)
	if err != nil {
		t.Fatalf("PruneReceivedFiles failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned row, got %d", removed)
	}
	if _, err := store.PruneReceivedFiles(ctx, 0); err == nil {
		t.Fatalf("expected error for zero cutoff")
	}
}

func TestSaveReceivedFileAppliesRetention(t *testing.T) {
	store := newTestStore(t)
	store.SetHistoryRetention(time.Hour)
	ctx := context.Background()
	now := time.Now()

	expired := testReceivedFile("f-expired", "/tmp/a", now.Add(-2*time.Hour).UnixMilli())
	if err := store.SaveReceivedFile(ctx, expired); err != nil {
		t.Fatalf("save expired: %v", err)
	}

	files, err := store.ListReceivedFiles(ctx, 0)
	if err != nil {
		t.Fatalf("ListReceivedFiles failed: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("expected expired row to be pruned, got %d rows", len(files))
	}

	if err := store.SaveReceivedFile(ctx, testReceivedFile("f-fresh", "/tmp/b", now.UnixMilli())); err != nil {
		t.Fatalf("save fresh: %v", err)
	}
	files, err = store.ListReceivedFiles(ctx, 0)
	if err != nil {
		t.Fatalf("ListReceivedFiles failed: %v", err)
	}
	if len(files) != 1 || files[0].FileID != "f-fresh" {
		t.Fatalf("expected fresh row to remain, got %+v", files)
	}
}
