// Package execlog writes execution records off the turn path.
//
// A Logger accepts records without blocking: they are queued on a buffered
// channel and a single worker hands them to every configured Sink. When the
// queue is full the record is dropped with a warning. Sink failures are logged
// and never retried.
package execlog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/NutriPipe/internal/models"
)

// DefaultBuffer is the queue length used when no WithBuffer option is given.
const DefaultBuffer = 256

// DefaultWriteTimeout bounds each sink write.
const DefaultWriteTimeout = 5 * time.Second

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("execution logger closed")

// Sink persists one execution record.
type Sink interface {
	Write(ctx context.Context, rec models.ExecutionRecord) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec models.ExecutionRecord) error

func (f SinkFunc) Write(ctx context.Context, rec models.ExecutionRecord) error { return f(ctx, rec) }

// Opts configures a Logger.
type Opts struct {
	Buffer       int
	WriteTimeout time.Duration
}

// Option defines a functional option for configuring a Logger.
type Option func(*Opts)

// WithBuffer sets the queue length. Values below 1 are ignored.
func WithBuffer(n int) Option {
	return func(o *Opts) {
		if n > 0 {
			o.Buffer = n
		}
	}
}

// WithWriteTimeout sets the per-sink write timeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.WriteTimeout = d
		}
	}
}

type flushRequest struct {
	done chan struct{}
}

// Logger is a fire-and-forget execution logger.
type Logger struct {
	sinks   []Sink
	timeout time.Duration
	queue   chan models.ExecutionRecord
	flushes chan flushRequest

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64

	stop     chan struct{}
	finished chan struct{}
}

// NewLogger starts a Logger writing to sinks. Call Close to drain and stop it.
func NewLogger(sinks []Sink, opts ...Option) *Logger {
	o := Opts{Buffer: DefaultBuffer, WriteTimeout: DefaultWriteTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	l := &Logger{
		sinks:    sinks,
		timeout:  o.WriteTimeout,
		queue:    make(chan models.ExecutionRecord, o.Buffer),
		flushes:  make(chan flushRequest),
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go l.run()
	slog.Debug("Logger.NewLogger: started", "sinks", len(sinks), "buffer", o.Buffer)
	return l
}

// LogExecution queues rec. It never blocks; a full queue drops the record.
func (l *Logger) LogExecution(ctx context.Context, rec models.ExecutionRecord) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		slog.Warn("Logger.LogExecution: logger closed, dropping record", "userID", rec.UserID, "id", rec.ID)
		return
	}
	select {
	case l.queue <- rec:
	default:
		l.dropped.Add(1)
		slog.Warn("Logger.LogExecution: queue full, dropping record", "userID", rec.UserID, "id", rec.ID)
	}
}

// Dropped reports how many records were discarded because the queue was full.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Flush blocks until every record queued before the call has been written.
func (l *Logger) Flush(ctx context.Context) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrClosed
	}
	req := flushRequest{done: make(chan struct{})}
	l.mu.RUnlock()

	select {
	case l.flushes <- req:
	case <-l.finished:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting records, writes what is queued and waits for the
// worker to exit or ctx to end.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.stop)
	l.mu.Unlock()

	select {
	case <-l.finished:
		slog.Debug("Logger.Close: drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Logger) run() {
	defer close(l.finished)
	for {
		select {
		case rec := <-l.queue:
			l.write(rec)
		case req := <-l.flushes:
			l.drain()
			close(req.done)
		case <-l.stop:
			l.drain()
			return
		}
	}
}

func (l *Logger) drain() {
	for {
		select {
		case rec := <-l.queue:
			l.write(rec)
		default:
			return
		}
	}
}

func (l *Logger) write(rec models.ExecutionRecord) {
	for _, sink := range l.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		if err := sink.Write(ctx, rec); err != nil {
			slog.Warn("Logger.write: sink failed", "userID", rec.UserID, "id", rec.ID, "error", err)
		}
		cancel()
	}
}
