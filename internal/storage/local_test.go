package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newLocalStorage(t *testing.T) *LocalStorage {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewLocalStorage(LocalConfig{
		BasePath: t.TempDir(),
		BaseURL:  "http://localhost:8080/files/",
	}, logger)
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}
	return s
}

func TestLocalStorage_PutGetDelete(t *testing.T) {
	s := newLocalStorage(t)
	ctx := context.Background()
	key := "scans/user/photo.jpg"
	payload := "fake jpeg bytes"

	err := s.Put(ctx, key, strings.NewReader(payload), PutOptions{ContentType: "image/jpeg"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	rc, info, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	if string(data) != payload {
		t.Errorf("got %q, want %q", data, payload)
	}
	if info.Size != int64(len(payload)) {
		t.Errorf("size = %d", info.Size)
	}
	if info.ContentType != "image/jpeg" {
		t.Errorf("contentType = %s", info.ContentType)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	// Deleting a missing key is a no-op.
	if err := s.Delete(ctx, key); err != nil {
		t.Errorf("repeat delete: %v", err)
	}
}

func TestLocalStorage_PutReplacesExisting(t *testing.T) {
	s := newLocalStorage(t)
	ctx := context.Background()
	key := "scans/user/photo.jpg"

	if err := s.Put(ctx, key, strings.NewReader("first"), PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, key, strings.NewReader("second"), PutOptions{}); err != nil {
		t.Fatalf("Put replace: %v", err)
	}

	rc, _, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "second" {
		t.Errorf("got %q", data)
	}
}

func TestLocalStorage_PutEnforcesMaxSize(t *testing.T) {
	s := newLocalStorage(t)
	ctx := context.Background()
	key := "scans/user/big.jpg"

	err := s.Put(ctx, key, strings.NewReader("0123456789"), PutOptions{MaxSize: 5})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}

	// The partial file must not be left behind.
	if _, _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("partial file left behind: %v", err)
	}
}

func TestLocalStorage_RejectsTraversalKeys(t *testing.T) {
	s := newLocalStorage(t)
	ctx := context.Background()

	for _, key := range []string{"", "../secret", "scans/../../etc/passwd", "/etc/passwd"} {
		err := s.Put(ctx, key, strings.NewReader("x"), PutOptions{})
		if !errors.Is(err, ErrInvalidKey) {
			t.Errorf("key %q: expected ErrInvalidKey, got %v", key, err)
		}
	}
}

func TestLocalStorage_URL(t *testing.T) {
	s := newLocalStorage(t)

	url, err := s.URL(context.Background(), "scans/user/photo.jpg", time.Hour)
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	if url != "http://localhost:8080/files/scans/user/photo.jpg" {
		t.Errorf("url = %s", url)
	}
}

func TestObjectKeys(t *testing.T) {
	userID := uuid.MustParse("0e3f2a44-7b19-4a88-9a6a-6f2f6a1f0c11")
	scanID := uuid.MustParse("9a1b2c3d-4e5f-6071-8293-a4b5c6d7e8f9")

	photo := PhotoKey(userID, scanID, ".jpg")
	if photo != "scans/0e3f2a44-7b19-4a88-9a6a-6f2f6a1f0c11/9a1b2c3d-4e5f-6071-8293-a4b5c6d7e8f9.jpg" {
		t.Errorf("photo key = %s", photo)
	}

	thumb := ThumbnailKey(userID, scanID)
	if thumb != "scans/0e3f2a44-7b19-4a88-9a6a-6f2f6a1f0c11/9a1b2c3d-4e5f-6071-8293-a4b5c6d7e8f9_thumb.jpg" {
		t.Errorf("thumbnail key = %s", thumb)
	}
}
