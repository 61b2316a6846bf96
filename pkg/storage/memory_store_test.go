package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestMemoryStorePutGetDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.Put(ctx, "uploads/a.txt", strings.NewReader("hola"), 4, "text/plain"); err != nil {
		t.Fatalf("put: %v", err)
	}
	rc, err := s.Get(ctx, "uploads/a.txt")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "hola" {
		t.Fatalf("data = %q", data)
	}
	u, err := s.PresignGet(ctx, "uploads/a.txt", time.Hour, "a.txt")
	if err != nil || !strings.Contains(u, "uploads/a.txt") {
		t.Fatalf("presign: %q %v", u, err)
	}
	if err := s.Delete(ctx, "uploads/a.txt"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "uploads/a.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreRejectsSizeMismatch(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Put(context.Background(), "k", strings.NewReader("abc"), 10, "text/plain"); err == nil {
		t.Fatalf("expected size mismatch error")
	}
	if s.Len() != 0 {
		t.Fatalf("expected nothing stored")
	}
}
