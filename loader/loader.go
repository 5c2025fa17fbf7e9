package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/microtrain/tensormem/cache"
	"github.com/microtrain/tensormem/model"
	"github.com/microtrain/tensormem/resource"
	"github.com/microtrain/tensormem/swap"
)

// ErrRetryExhausted wraps the last device error after every attempt of a
// transfer failed.
var ErrRetryExhausted = errors.New("loader: retries exhausted")

const (
	// DefaultRetries is the number of attempts per transfer.
	DefaultRetries = 3
	// DefaultBackoff is the base of the linear backoff between attempts.
	DefaultBackoff = 10 * time.Millisecond
	// DefaultWorkers is the size of the transfer worker pool.
	DefaultWorkers = 2
)

// Config configures a Loader.
type Config struct {
	// Device is the swap tier transfers go to and from.
	Device swap.Device
	// Cache receives transfer outcomes.
	Cache *cache.Pool
	// Workers is the transfer worker pool size. Defaults to
	// DefaultWorkers.
	Workers int
	// QueueDepth bounds the pending transfer queue. Defaults to
	// 4*Workers.
	QueueDepth int
	// Retries is the number of attempts per transfer. Defaults to
	// DefaultRetries.
	Retries int
	// Backoff is the base of the linear backoff between attempts.
	// Defaults to DefaultBackoff.
	Backoff time.Duration
	// Controller, if set, bounds in-flight transfers by its swap worker
	// limit across every loader sharing it.
	Controller *resource.Controller
	// Logger, if nil, discards.
	Logger *slog.Logger
}

// Stats is a snapshot of loader counters.
type Stats struct {
	Retries       int64
	StoreFailures int64
	LoadFailures  int64
}

// Loader moves tensor bytes between the pool buffer and the swap device on
// a bounded worker pool. Transient device errors are retried with linear
// backoff; outcomes are reported to the cache pool tagged with the
// generation the transfer was dispatched under.
type Loader struct {
	exec    *Executor
	dev     swap.Device
	pool    *cache.Pool
	rc      *resource.Controller
	retries int
	backoff time.Duration
	logger  *slog.Logger

	retried       atomic.Int64
	storeFailures atomic.Int64
	loadFailures  atomic.Int64
}

var _ cache.Loader = (*Loader)(nil)

// New creates a loader and binds it to cfg.Cache.
func New(cfg Config) *Loader {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	l := &Loader{
		exec:    NewExecutor(cfg.Workers, cfg.QueueDepth),
		dev:     cfg.Device,
		pool:    cfg.Cache,
		rc:      cfg.Controller,
		retries: cfg.Retries,
		backoff: cfg.Backoff,
		logger:  cfg.Logger,
	}
	if l.pool != nil {
		l.pool.Bind(l)
	}
	return l
}

// Store writes src to the swap device and reports the outcome through
// Pool.FinishStore. If the outcome arrives stale the written blob is
// released again.
func (l *Loader) Store(ctx context.Context, id model.TensorID, gen uint64, src []byte) {
	err := l.exec.Submit(func() {
		if err := l.rc.AcquireWorker(ctx); err != nil {
			l.pool.FinishStore(id, gen, swap.Location{}, err)
			return
		}
		defer l.rc.ReleaseWorker()

		loc, err := l.storeWithRetry(ctx, id, src)
		if err != nil {
			l.storeFailures.Add(1)
		}
		if !l.pool.FinishStore(id, gen, loc, err) && err == nil {
			l.release(loc)
		}
	})
	if err != nil {
		l.pool.FinishStore(id, gen, swap.Location{}, err)
	}
}

// Load reads loc from the swap device into dst and reports the outcome
// through Pool.FinishLoad. After an accepted successful load the device
// copy is dead and its extent is released.
func (l *Loader) Load(ctx context.Context, id model.TensorID, gen uint64, loc swap.Location, dst []byte) {
	err := l.exec.Submit(func() {
		if err := l.rc.AcquireWorker(ctx); err != nil {
			l.pool.FinishLoad(id, gen, err)
			return
		}
		defer l.rc.ReleaseWorker()

		err := l.loadWithRetry(ctx, id, loc, dst)
		if err != nil {
			l.loadFailures.Add(1)
		}
		if l.pool.FinishLoad(id, gen, err) && err == nil {
			l.release(loc)
		}
	})
	if err != nil {
		l.pool.FinishLoad(id, gen, err)
	}
}

// Release disposes of a swap location nothing references anymore.
func (l *Loader) Release(loc swap.Location) {
	if err := l.exec.Submit(func() { l.release(loc) }); err != nil {
		l.release(loc)
	}
}

func (l *Loader) release(loc swap.Location) {
	if err := l.dev.Release(context.Background(), loc); err != nil && !errors.Is(err, swap.ErrClosed) {
		l.logger.Warn("releasing swap extent failed", "key", loc.Key, "offset", loc.Offset, "error", err)
	}
}

func (l *Loader) storeWithRetry(ctx context.Context, id model.TensorID, src []byte) (swap.Location, error) {
	var lastErr error
	for attempt := 1; attempt <= l.retries; attempt++ {
		loc, err := l.dev.Store(ctx, id, src)
		if err == nil {
			return loc, nil
		}
		lastErr = err
		if werr := l.wait(ctx, id, attempt, err); werr != nil {
			return swap.Location{}, werr
		}
	}
	return swap.Location{}, fmt.Errorf("loader: store tensor %d: %w: %w", id, ErrRetryExhausted, lastErr)
}

func (l *Loader) loadWithRetry(ctx context.Context, id model.TensorID, loc swap.Location, dst []byte) error {
	var lastErr error
	for attempt := 1; attempt <= l.retries; attempt++ {
		b, err := l.dev.Load(ctx, loc)
		if err == nil {
			if len(b) != len(dst) {
				return fmt.Errorf("loader: load tensor %d: got %d bytes, want %d: %w", id, len(b), len(dst), swap.ErrCorrupt)
			}
			copy(dst, b)
			return nil
		}
		lastErr = err
		if werr := l.wait(ctx, id, attempt, err); werr != nil {
			return werr
		}
	}
	return fmt.Errorf("loader: load tensor %d: %w: %w", id, ErrRetryExhausted, lastErr)
}

// wait sleeps out the linear backoff before the next attempt. The final
// attempt does not wait; it reports through the retry-exhausted path.
func (l *Loader) wait(ctx context.Context, id model.TensorID, attempt int, cause error) error {
	if attempt >= l.retries {
		return nil
	}
	l.retried.Add(1)
	l.logger.Debug("retrying swap transfer",
		"tensor", id, "attempt", attempt, "of", l.retries, "error", cause)

	select {
	case <-time.After(time.Duration(attempt) * l.backoff):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of loader counters.
func (l *Loader) Stats() Stats {
	return Stats{
		Retries:       l.retried.Load(),
		StoreFailures: l.storeFailures.Load(),
		LoadFailures:  l.loadFailures.Load(),
	}
}

// Close drains queued transfers and stops the workers. Call after the
// cache pool has no transfer in flight it still cares about.
func (l *Loader) Close() {
	l.exec.Close()
}
