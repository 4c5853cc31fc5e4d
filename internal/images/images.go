// Package images stores pasted-image uploads on disk so a later input
// frame can reference them by id instead of re-sending megabytes of
// base64.
package images

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/workbench-sh/workbench/internal/logger"
)

var (
	ErrTooLarge    = errors.New("image exceeds size limit")
	ErrBadMime     = errors.New("unsupported image type")
	ErrBadEncoding = errors.New("invalid base64 image data")
	ErrRateLimited = errors.New("too many uploads")
	ErrNotFound    = errors.New("image not found")
)

var extByMime = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// Store writes uploads under one directory and tracks them by id.
type Store struct {
	dir      string
	maxBytes int64
	limiter  *rate.Limiter

	mu   sync.Mutex
	byID map[string]string // id -> absolute path
}

// NewStore creates the upload directory if needed. maxBytes bounds the
// decoded size of a single image.
func NewStore(dir string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Store{
		dir:      dir,
		maxBytes: maxBytes,
		// A paste burst is a handful of images; sustained uploads are not.
		limiter: rate.NewLimiter(rate.Limit(2), 10),
		byID:    make(map[string]string),
	}, nil
}

// Save validates and persists one upload, returning its id.
func (s *Store) Save(mimeType, data string) (string, error) {
	if !s.limiter.Allow() {
		return "", ErrRateLimited
	}
	ext, ok := extByMime[mimeType]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrBadMime, mimeType)
	}
	// Reject oversized payloads before decoding them.
	if int64(base64.StdEncoding.DecodedLen(len(data))) > s.maxBytes {
		return "", ErrTooLarge
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", ErrBadEncoding
	}
	if int64(len(raw)) > s.maxBytes {
		return "", ErrTooLarge
	}

	id := uuid.New().String()
	path := filepath.Join(s.dir, id+ext)
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}

	s.mu.Lock()
	s.byID[id] = path
	s.mu.Unlock()

	logger.Debug("image stored", "id", id, "bytes", len(raw), "mime", mimeType)
	return id, nil
}

// Path resolves an image id to its file path.
func (s *Store) Path(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	return p, ok
}

// Paths resolves a list of ids, skipping unknown ones.
func (s *Store) Paths(ids []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.byID[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Remove deletes one stored image.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	path, ok := s.byID[id]
	delete(s.byID, id)
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return os.Remove(path)
}
