package logger

import (
	"context"
	"log/slog"
	"sync"
)

// AsyncHandler buffers log records and writes them from a single
// background goroutine, so callers never block on the underlying
// handler (file, network, etc). When the buffer is full it either
// drops the record or blocks, depending on dropOnFull.
type AsyncHandler struct {
	next       slog.Handler
	records    chan asyncRecord
	dropOnFull bool

	closeOnce sync.Once
	done      chan struct{}
}

type asyncRecord struct {
	ctx context.Context
	r   slog.Record
}

// NewAsyncHandler wraps next so Handle never blocks the caller on I/O.
// bufSize bounds how many records may be queued; dropOnFull controls
// whether a full buffer drops new records (true) or blocks (false).
func NewAsyncHandler(next slog.Handler, bufSize int, dropOnFull bool) *AsyncHandler {
	if bufSize <= 0 {
		bufSize = 1024
	}
	h := &AsyncHandler{
		next:       next,
		records:    make(chan asyncRecord, bufSize),
		dropOnFull: dropOnFull,
		done:       make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *AsyncHandler) loop() {
	defer close(h.done)
	for rec := range h.records {
		_ = h.next.Handle(rec.ctx, rec.r)
	}
}

func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *AsyncHandler) Handle(ctx context.Context, r slog.Record) error {
	rec := asyncRecord{ctx: ctx, r: r}
	if h.dropOnFull {
		select {
		case h.records <- rec:
		default:
			// buffer full, drop the record rather than block the caller
		}
		return nil
	}
	h.records <- rec
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewAsyncHandler(h.next.WithAttrs(attrs), cap(h.records), h.dropOnFull)
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return NewAsyncHandler(h.next.WithGroup(name), cap(h.records), h.dropOnFull)
}

// Close stops accepting new records and waits for the buffered ones to
// drain through the underlying handler.
func (h *AsyncHandler) Close() {
	h.closeOnce.Do(func() {
		close(h.records)
	})
	<-h.done
}
