package images

import (
	"encoding/base64"
	"errors"
	"os"
	"strings"
	"testing"
)

func newTestStore(t *testing.T, maxBytes int64) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), maxBytes)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestSaveAndResolve(t *testing.T) {
	s := newTestStore(t, 1<<20)

	payload := base64.StdEncoding.EncodeToString([]byte("fake-png-bytes"))
	id, err := s.Save("image/png", payload)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	path, ok := s.Path(id)
	if !ok {
		t.Fatal("Path: id not found")
	}
	if !strings.HasSuffix(path, ".png") {
		t.Errorf("path = %q, want .png suffix", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "fake-png-bytes" {
		t.Errorf("stored bytes = %q", data)
	}
}

func TestSaveRejectsBadMime(t *testing.T) {
	s := newTestStore(t, 1<<20)
	payload := base64.StdEncoding.EncodeToString([]byte("x"))
	if _, err := s.Save("application/pdf", payload); !errors.Is(err, ErrBadMime) {
		t.Errorf("err = %v, want ErrBadMime", err)
	}
	if _, err := s.Save("image/svg+xml", payload); !errors.Is(err, ErrBadMime) {
		t.Errorf("svg err = %v, want ErrBadMime", err)
	}
}

func TestSaveRejectsOversized(t *testing.T) {
	s := newTestStore(t, 16)
	payload := base64.StdEncoding.EncodeToString(make([]byte, 64))
	if _, err := s.Save("image/png", payload); !errors.Is(err, ErrTooLarge) {
		t.Errorf("err = %v, want ErrTooLarge", err)
	}
}

func TestSaveRejectsBadBase64(t *testing.T) {
	s := newTestStore(t, 1<<20)
	if _, err := s.Save("image/png", "not-base64!!!"); !errors.Is(err, ErrBadEncoding) {
		t.Errorf("err = %v, want ErrBadEncoding", err)
	}
}

func TestSaveRateLimited(t *testing.T) {
	s := newTestStore(t, 1<<20)
	payload := base64.StdEncoding.EncodeToString([]byte("x"))

	var limited bool
	for i := 0; i < 30; i++ {
		if _, err := s.Save("image/png", payload); errors.Is(err, ErrRateLimited) {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("burst of 30 uploads never rate limited")
	}
}

func TestPathsSkipsUnknownIDs(t *testing.T) {
	s := newTestStore(t, 1<<20)
	payload := base64.StdEncoding.EncodeToString([]byte("x"))
	id, err := s.Save("image/jpeg", payload)
	if err != nil {
		t.Fatal(err)
	}

	paths := s.Paths([]string{id, "missing-id"})
	if len(paths) != 1 {
		t.Errorf("Paths len = %d, want 1", len(paths))
	}
}

func TestRemove(t *testing.T) {
	s := newTestStore(t, 1<<20)
	payload := base64.StdEncoding.EncodeToString([]byte("x"))
	id, _ := s.Save("image/gif", payload)
	path, _ := s.Path(id)

	if err := s.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file still on disk after Remove")
	}
	if err := s.Remove(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove = %v, want ErrNotFound", err)
	}
}
