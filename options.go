package tensormem

import (
	"log/slog"
	"time"

	"github.com/microtrain/tensormem/planner"
	"github.com/microtrain/tensormem/swap"
)

type options struct {
	strategy            planner.Strategy
	device              swap.Device
	ownDevice           bool // Close closes the device only if the pool created it
	swapFilePath        string
	swapFileCompression swap.Compression
	swapWorkers         int
	swapQueueDepth      int
	swapThroughput      int64
	prefetchDepth       int
	retries             int
	retryBackoff        time.Duration
	offHeap             bool
	metrics             MetricsCollector
	logger              *Logger
}

// Option configures TensorPool constructor behavior.
type Option func(*options)

// WithStrategy selects the packing strategy used by Plan.
// Defaults to StrategyCoalesce.
func WithStrategy(s planner.Strategy) Option {
	return func(o *options) {
		o.strategy = s
	}
}

// WithSwapDevice configures the secondary storage tier tensors are evicted
// to when the planned footprint exceeds the budget. The pool does not
// close a device it did not create.
func WithSwapDevice(d swap.Device) Option {
	return func(o *options) {
		o.device = d
		o.ownDevice = false
	}
}

// WithSwapFile configures a local swap file as the secondary storage tier.
// The file is created (or truncated) when the pool is built and closed
// with the pool.
func WithSwapFile(path string, compression swap.Compression) Option {
	return func(o *options) {
		o.device = nil
		o.ownDevice = true
		o.swapFilePath = path
		o.swapFileCompression = compression
	}
}

// WithSwapWorkers sets the number of concurrent swap transfer workers.
func WithSwapWorkers(n int) Option {
	return func(o *options) {
		o.swapWorkers = n
	}
}

// WithSwapQueueDepth bounds the pending swap transfer queue.
func WithSwapQueueDepth(n int) Option {
	return func(o *options) {
		o.swapQueueDepth = n
	}
}

// WithSwapThroughput caps swap I/O at bytesPerSec across the session.
// Applies to devices the pool creates; zero means unlimited.
func WithSwapThroughput(bytesPerSec int64) Option {
	return func(o *options) {
		o.swapThroughput = bytesPerSec
	}
}

// WithPrefetchDepth sets how many steps ahead accesses pull on-disk
// tensors back in. Zero disables prefetching. Defaults to 2.
func WithPrefetchDepth(depth int) Option {
	return func(o *options) {
		o.prefetchDepth = depth
	}
}

// WithRetries sets the attempts per swap transfer before it is reported
// failed.
func WithRetries(n int) Option {
	return func(o *options) {
		o.retries = n
	}
}

// WithRetryBackoff sets the base of the linear backoff between transfer
// attempts.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *options) {
		o.retryBackoff = d
	}
}

// WithOffHeap backs the tensor buffer with an anonymous memory mapping
// instead of a heap slice, keeping multi-gigabyte buffers out of GC scans.
func WithOffHeap() Option {
	return func(o *options) {
		o.offHeap = true
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &tensormem.BasicMetricsCollector{}
//	tp, _ := tensormem.New(budget, tensormem.WithMetricsCollector(metrics))
//	// ... train ...
//	stats := metrics.GetStats()
//	fmt.Printf("Accesses: %d, Avg latency: %dns\n", stats.AccessCount, stats.AccessAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metrics = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := tensormem.NewJSONLogger(slog.LevelInfo)
//	tp, _ := tensormem.New(budget, tensormem.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		strategy:      planner.StrategyCoalesce,
		prefetchDepth: 2,
		metrics:       NoopMetricsCollector{},
		logger:        NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
