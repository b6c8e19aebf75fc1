// Package cameras resolves the entities a live stream is attached to (a dog's
// camera feed) and records the playback URL a running stream exposes.
package cameras

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when a camera id does not resolve.
var ErrNotFound = errors.New("camera not found")

// Camera is the streaming view of a tracked entity.
type Camera struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	StreamURL string    `json:"streamUrl,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Directory looks cameras up and persists their current playback URL.
type Directory interface {
	Lookup(ctx context.Context, id string) (Camera, error)
	SetStreamURL(ctx context.Context, id, url string) error
}

// MemoryDirectory is a concurrency-safe in-memory Directory.
type MemoryDirectory struct {
	mu      sync.RWMutex
	cameras map[string]Camera
}

// NewMemoryDirectory returns a directory holding the given cameras.
func NewMemoryDirectory(seed ...Camera) *MemoryDirectory {
	d := &MemoryDirectory{cameras: make(map[string]Camera, len(seed))}
	for _, c := range seed {
		d.Put(c)
	}
	return d
}

// Put inserts or replaces a camera.
func (d *MemoryDirectory) Put(c Camera) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	d.cameras[c.ID] = c
}

// Lookup implements Directory.Lookup.
func (d *MemoryDirectory) Lookup(_ context.Context, id string) (Camera, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.cameras[id]
	if !ok {
		return Camera{}, ErrNotFound
	}
	return c, nil
}

// SetStreamURL implements Directory.SetStreamURL.
func (d *MemoryDirectory) SetStreamURL(_ context.Context, id, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.cameras[id]
	if !ok {
		return ErrNotFound
	}
	c.StreamURL = url
	c.UpdatedAt = time.Now().UTC()
	d.cameras[id] = c
	return nil
}
