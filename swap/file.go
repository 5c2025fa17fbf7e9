package swap

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/microtrain/tensormem/internal/extent"
	"github.com/microtrain/tensormem/model"
	"github.com/microtrain/tensormem/resource"
)

// FileDeviceConfig configures a FileDevice.
type FileDeviceConfig struct {
	// Path is the swap file. It is created (or truncated) on open; swap
	// state is process-lifetime only.
	Path string
	// Compression selects the blob codec. Defaults to CompressionNone.
	Compression Compression
	// Controller, if set, throttles swap I/O throughput.
	Controller *resource.Controller
}

// Stats is a snapshot of device counters.
type Stats struct {
	Stores       int64
	Loads        int64
	BytesWritten int64
	BytesRead    int64
}

// FileDevice stores blobs in a flat local file. Extents of released blobs
// are recycled through a coalescing free list; an extent is handed out
// again only after it has been fully reclaimed, so a reused range can
// never serve stale bytes of a different tensor.
type FileDevice struct {
	mu   sync.Mutex
	f    *os.File
	free *extent.List
	tail int64

	compression Compression
	rc          *resource.Controller

	stores       atomic.Int64
	loads        atomic.Int64
	bytesWritten atomic.Int64
	bytesRead    atomic.Int64

	closed bool
}

var _ Device = (*FileDevice)(nil)

// NewFileDevice opens (and truncates) the swap file at cfg.Path.
func NewFileDevice(cfg FileDeviceConfig) (*FileDevice, error) {
	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("swap: open %s: %w", cfg.Path, err)
	}

	return &FileDevice{
		f:           f,
		free:        extent.NewList(extent.FitBest, true),
		compression: cfg.Compression,
		rc:          cfg.Controller,
	}, nil
}

// Store encodes and writes the tensor's bytes, reusing a freed extent when
// one fits, else appending at the end of the file.
func (d *FileDevice) Store(ctx context.Context, id model.TensorID, b []byte) (Location, error) {
	blob, err := Encode(b, d.compression)
	if err != nil {
		return Location{}, err
	}
	length := int64(len(blob))

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return Location{}, ErrClosed
	}
	off, ok := d.free.Take(length, 1)
	if !ok {
		off = d.tail
		d.tail += length
	}
	d.mu.Unlock()

	if err := d.rc.AcquireIO(ctx, len(blob)); err != nil {
		d.reclaim(off, length)
		return Location{}, err
	}

	if _, err := d.f.WriteAt(blob, off); err != nil {
		d.reclaim(off, length)
		return Location{}, fmt.Errorf("swap: store tensor %d: %w", id, err)
	}

	d.stores.Add(1)
	d.bytesWritten.Add(length)
	return Location{Offset: off, Length: length}, nil
}

// Load reads back the exact bytes stored at loc.
func (d *FileDevice) Load(ctx context.Context, loc Location) ([]byte, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	d.mu.Unlock()

	if err := d.rc.AcquireIO(ctx, int(loc.Length)); err != nil {
		return nil, err
	}

	blob := make([]byte, loc.Length)
	if _, err := d.f.ReadAt(blob, loc.Offset); err != nil {
		return nil, fmt.Errorf("swap: load [%d,%d): %w", loc.Offset, loc.Offset+loc.Length, err)
	}

	out, err := Decode(blob, d.compression)
	if err != nil {
		return nil, err
	}

	d.loads.Add(1)
	d.bytesRead.Add(loc.Length)
	return out, nil
}

// Release reclaims the extent held by loc.
func (d *FileDevice) Release(_ context.Context, loc Location) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.free.Release(extent.Span{Off: loc.Offset, Size: loc.Length})
	return nil
}

func (d *FileDevice) reclaim(off, length int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.free.Release(extent.Span{Off: off, Size: length})
	}
}

// Stats returns a snapshot of device counters.
func (d *FileDevice) Stats() Stats {
	return Stats{
		Stores:       d.stores.Load(),
		Loads:        d.loads.Load(),
		BytesWritten: d.bytesWritten.Load(),
		BytesRead:    d.bytesRead.Load(),
	}
}

// Size returns the high-water byte size of the swap file.
func (d *FileDevice) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tail
}

// Close closes and removes nothing: the file is left for inspection; swap
// state is process-lifetime only and the file is truncated on next open.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.f.Close()
}
