// Package writer implements the write-back queue: the single owner of all
// storage I/O in the recorder.
//
// Producers (telemetry reader, video recorder) enqueue WriteOperations and
// return immediately. One worker goroutine executes them strictly in arrival
// order, so no two writes ever overlap and producers never wait on storage.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/drive-recorder/internal/types"
)

// ErrQueueClosed is returned by enqueue operations after Stop
var ErrQueueClosed = errors.New("writer: queue closed")

// ErrQueueFull is returned when MaxPending operations are already waiting
var ErrQueueFull = errors.New("writer: queue full")

// Config configures a Writer
type Config struct {
	// LogName is the telemetry log the append operations target
	LogName string
	// PollTimeout bounds how long the worker parks on an empty queue
	PollTimeout time.Duration
	// DrainTimeout bounds how long the worker keeps executing after Stop
	DrainTimeout time.Duration
	// MaxPending rejects new operations past this depth (0 = unbounded)
	MaxPending int
	// ClipMetadata writes a msgpack sidecar next to each clip
	ClipMetadata bool

	Retry RetryConfig
}

// DefaultConfig returns the at-most-once, unbounded configuration
func DefaultConfig() Config {
	return Config{
		LogName:      "output.csv",
		PollTimeout:  10 * time.Second,
		DrainTimeout: 10 * time.Second,
		ClipMetadata: true,
		Retry:        DefaultRetryConfig(),
	}
}

// Result is the outcome of executing one operation
type Result struct {
	Kind     types.OpKind
	Target   string
	Seq      uint64
	Bytes    int
	Attempts int
	Latency  time.Duration // enqueue to completion
	Err      error
}

// Stats is a snapshot of writer counters
type Stats struct {
	Enqueued     uint64
	Executed     uint64
	Failed       uint64
	Rejected     uint64
	Retried      uint64
	Abandoned    uint64
	BytesWritten uint64
	Pending      int
	Running      bool
}

// Writer is the write-back queue.
//
// Goroutine topology:
//   - 1 fixed: run (spawned by Start, exits after drain)
//   - N external producers calling AppendSample / WriteClip
//
// Thread-safety: all public methods are safe for concurrent use.
type Writer struct {
	cfg     Config
	storage Storage
	queue   *fifo

	// Lifecycle (guarded by queue.mu so "closed" and "push" are ordered)
	started bool
	closed  bool
	stopCh  chan struct{}
	done    chan struct{}

	stopOnce sync.Once
	seq      uint64

	// OnResult is called by the worker after every operation (optional).
	// Set before Start.
	OnResult func(Result)

	// Atomic counters
	enqueued     uint64
	executed     uint64
	failed       uint64
	rejected     uint64
	retried      uint64
	abandoned    uint64
	bytesWritten uint64
	running      atomic.Bool
}

// New creates a writer over storage with fail-fast validation
func New(cfg Config, storage Storage) (*Writer, error) {
	if storage == nil {
		return nil, fmt.Errorf("writer: storage is required")
	}
	if cfg.LogName == "" {
		return nil, fmt.Errorf("writer: log name is required")
	}
	if cfg.PollTimeout <= 0 {
		return nil, fmt.Errorf("writer: poll timeout must be > 0")
	}
	if cfg.DrainTimeout <= 0 {
		return nil, fmt.Errorf("writer: drain timeout must be > 0")
	}
	if cfg.MaxPending < 0 {
		return nil, fmt.Errorf("writer: max pending must be >= 0")
	}
	if cfg.Retry.MaxRetries < 0 {
		return nil, fmt.Errorf("writer: max retries must be >= 0")
	}
	if cfg.Retry.MaxRetries > 0 && cfg.Retry.RetryDelay <= 0 {
		return nil, fmt.Errorf("writer: retry delay must be > 0 when retries are enabled")
	}

	return &Writer{
		cfg:     cfg,
		storage: storage,
		queue:   newFIFO(),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Name identifies the component in lifecycle logs
func (w *Writer) Name() string {
	return "writer"
}

// AppendSample enqueues an append of the sample's raw line to the telemetry log
func (w *Writer) AppendSample(sample types.TelemetrySample) error {
	return w.Enqueue(types.NewAppendOperation(w.cfg.LogName, sample))
}

// WriteClip enqueues a clip write. The caller gives up ownership of clip.Data.
func (w *Writer) WriteClip(clip types.VideoClip) error {
	return w.Enqueue(types.NewClipOperation(clip))
}

// Enqueue appends op to the queue and returns without waiting for I/O.
//
// Every operation accepted before Stop is executed during drain (subject to
// the drain timeout). After Stop it returns ErrQueueClosed.
func (w *Writer) Enqueue(op types.WriteOperation) error {
	w.queue.mu.Lock()
	if w.closed {
		w.queue.mu.Unlock()
		atomic.AddUint64(&w.rejected, 1)
		return ErrQueueClosed
	}
	if w.cfg.MaxPending > 0 && w.queue.lenLocked() >= w.cfg.MaxPending {
		w.queue.mu.Unlock()
		atomic.AddUint64(&w.rejected, 1)
		slog.Warn("writer: queue full, rejecting operation",
			"kind", op.Kind,
			"target", op.Target,
			"max_pending", w.cfg.MaxPending,
		)
		return ErrQueueFull
	}
	w.seq++
	op.Seq = w.seq
	op.EnqueuedAt = time.Now()
	w.queue.pushLocked(op)
	w.queue.mu.Unlock()

	atomic.AddUint64(&w.enqueued, 1)
	w.queue.signal()
	return nil
}

// Start spawns the worker goroutine.
//
// Lifecycle:
//  1. Rejects a second Start or a Start after Stop
//  2. Spawns run, which executes operations in arrival order
//  3. Returns immediately
//
// Cancelling ctx has the same effect as Stop.
func (w *Writer) Start(ctx context.Context) error {
	w.queue.mu.Lock()
	defer w.queue.mu.Unlock()

	if w.started {
		return fmt.Errorf("writer: already started")
	}
	if w.closed {
		return fmt.Errorf("writer: cannot start after stop")
	}
	w.started = true
	w.running.Store(true)

	slog.Info("writer: starting",
		"log", w.cfg.LogName,
		"poll_timeout", w.cfg.PollTimeout,
		"drain_timeout", w.cfg.DrainTimeout,
		"max_pending", w.cfg.MaxPending,
		"max_retries", w.cfg.Retry.MaxRetries,
	)

	go w.run(ctx)
	return nil
}

// Stop closes the queue to new operations and asks the worker to drain.
// It does not wait; use Wait or Done. Idempotent.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() {
		w.queue.mu.Lock()
		w.closed = true
		started := w.started
		pending := w.queue.lenLocked()
		w.queue.mu.Unlock()

		slog.Info("writer: stop requested", "pending", pending)
		close(w.stopCh)

		if !started {
			close(w.done)
		}
	})
}

// Done is closed when the worker has exited
func (w *Writer) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until the worker exits or ctx expires
func (w *Writer) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the writer counters
func (w *Writer) Stats() Stats {
	return Stats{
		Enqueued:     atomic.LoadUint64(&w.enqueued),
		Executed:     atomic.LoadUint64(&w.executed),
		Failed:       atomic.LoadUint64(&w.failed),
		Rejected:     atomic.LoadUint64(&w.rejected),
		Retried:      atomic.LoadUint64(&w.retried),
		Abandoned:    atomic.LoadUint64(&w.abandoned),
		BytesWritten: atomic.LoadUint64(&w.bytesWritten),
		Pending:      w.queue.len(),
		Running:      w.running.Load(),
	}
}

func (w *Writer) stopping() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// run is the worker loop.
//
// Algorithm:
//  1. Pop the oldest operation, or park on wake/stop/ctx for at most PollTimeout
//  2. Execute it (with bounded retry) and apply the log-and-drop policy
//  3. Once stop is observed, switch to drain
//
// Drain keeps popping until the queue is empty or DrainTimeout elapses;
// anything left is counted as abandoned.
func (w *Writer) run(ctx context.Context) {
	defer close(w.done)
	defer w.running.Store(false)

	for !w.stopping() {
		if ctx.Err() != nil {
			slog.Info("writer: context cancelled, stopping")
			w.Stop()
			break
		}
		if op, ok := w.next(ctx); ok {
			w.process(op)
		}
	}

	w.drain()
	slog.Info("writer: stopped",
		"executed", atomic.LoadUint64(&w.executed),
		"failed", atomic.LoadUint64(&w.failed),
		"abandoned", atomic.LoadUint64(&w.abandoned),
	)
}

// next pops an operation, waiting at most PollTimeout for one to arrive
func (w *Writer) next(ctx context.Context) (types.WriteOperation, bool) {
	if op, ok := w.queue.pop(); ok {
		return op, true
	}
	if w.stopping() {
		return types.WriteOperation{}, false
	}

	timer := time.NewTimer(w.cfg.PollTimeout)
	defer timer.Stop()

	select {
	case <-w.queue.wake:
	case <-w.stopCh:
	case <-ctx.Done():
		slog.Info("writer: context cancelled, stopping")
		w.Stop()
	case <-timer.C:
		slog.Debug("writer: queue idle", "poll_timeout", w.cfg.PollTimeout)
	}

	return w.queue.pop()
}

// drain executes whatever is still queued once stop was observed
func (w *Writer) drain() {
	pending := w.queue.len()
	if pending == 0 {
		return
	}

	slog.Info("writer: draining", "pending", pending, "timeout", w.cfg.DrainTimeout)
	deadline := time.Now().Add(w.cfg.DrainTimeout)

	for {
		if time.Now().After(deadline) {
			left := w.queue.len()
			if left > 0 {
				atomic.AddUint64(&w.abandoned, uint64(left))
				slog.Error("writer: drain timeout, abandoning operations",
					"abandoned", left,
					"timeout", w.cfg.DrainTimeout,
				)
			}
			return
		}
		op, ok := w.queue.pop()
		if !ok {
			return
		}
		w.process(op)
	}
}

// process executes op and applies the failure policy: log and drop
func (w *Writer) process(op types.WriteOperation) {
	res := w.execute(op)

	if res.Err != nil {
		atomic.AddUint64(&w.failed, 1)
		slog.Error("writer: operation failed, dropping",
			"kind", res.Kind,
			"target", res.Target,
			"seq", res.Seq,
			"attempts", res.Attempts,
			"error", res.Err,
		)
	} else {
		atomic.AddUint64(&w.executed, 1)
		atomic.AddUint64(&w.bytesWritten, uint64(res.Bytes))
		if op.Kind == types.OpWriteClip {
			slog.Info("writer: clip written",
				"clip", res.Target,
				"bytes", res.Bytes,
				"seq", res.Seq,
				"latency", res.Latency,
			)
		}
	}

	if w.OnResult != nil {
		w.OnResult(res)
	}
}

// execute runs op against storage and reports the outcome
func (w *Writer) execute(op types.WriteOperation) Result {
	attempts, err := runWithRetry(op, w.cfg.Retry, w.apply, func() {
		atomic.AddUint64(&w.retried, 1)
	})

	res := Result{
		Kind:     op.Kind,
		Target:   op.Target,
		Seq:      op.Seq,
		Attempts: attempts,
		Latency:  time.Since(op.EnqueuedAt),
		Err:      err,
	}
	if err == nil {
		res.Bytes = len(op.Data)
	}
	return res
}

// apply performs one attempt of op
func (w *Writer) apply(op types.WriteOperation) error {
	var err error

	switch op.Kind {
	case types.OpAppendSample:
		err = w.storage.AppendBytes(op.Target, op.Data)
	case types.OpWriteClip:
		err = w.storage.WriteBytes(op.Target, op.Data)
		if err == nil && w.cfg.ClipMetadata && op.Meta != nil {
			w.writeSidecar(op)
		}
	default:
		err = fmt.Errorf("unsupported operation %s", op.Kind)
	}

	if err != nil {
		return types.WriteError("writer", op.Target, err)
	}
	return nil
}

// writeSidecar stores clip metadata; failure is logged and never fails the clip
func (w *Writer) writeSidecar(op types.WriteOperation) {
	data, err := EncodeClipMeta(*op.Meta)
	if err == nil {
		err = w.storage.WriteBytes(MetaName(op.Target), data)
	}
	if err != nil {
		slog.Warn("writer: failed to write clip metadata",
			"clip", op.Target,
			"error", err,
		)
	}
}
