// Package logbuf keeps the most recent log records in memory so the web
// console can tail them over HTTP.
//
// A [Buffer] is filled by the [slog.Handler] returned from [Buffer.Handler],
// which wraps the process handler and forwards every record to it unchanged.
// Entries get increasing IDs starting at 1; clients poll with the last ID they
// saw and receive only newer entries.
package logbuf

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultCapacity is the number of entries kept before the oldest is evicted.
const DefaultCapacity = 2000

// Entry is one captured log record.
type Entry struct {
	ID        uint64            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Buffer is a bounded ring of log entries. It is safe for concurrent use.
type Buffer struct {
	minLevel slog.Level

	mu     sync.Mutex
	data   []Entry
	pos    int
	full   bool
	nextID uint64
}

// New creates a Buffer holding up to capacity entries of level info and
// above. A non-positive capacity means [DefaultCapacity].
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		minLevel: slog.LevelInfo,
		data:     make([]Entry, capacity),
	}
}

func (b *Buffer) add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	e.ID = b.nextID
	b.data[b.pos] = e
	b.pos++
	if b.pos >= len(b.data) {
		b.pos = 0
		b.full = true
	}
}

// Since returns the retained entries with an ID greater than id, oldest
// first. Since(0) returns everything retained.
func (b *Buffer) Since(id uint64) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, start := b.pos, 0
	if b.full {
		n, start = len(b.data), b.pos
	}
	out := make([]Entry, 0, n)
	for i := range n {
		e := b.data[(start+i)%len(b.data)]
		if e.ID > id {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of retained entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return len(b.data)
	}
	return b.pos
}

// Reset drops every entry and restarts IDs at 1.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.data)
	b.pos = 0
	b.full = false
	b.nextID = 0
}

// ─── slog.Handler ────────────────────────────────────────────────────────────

// Handler returns a handler that records into b and forwards every record to
// base. Records below info are only forwarded.
func (b *Buffer) Handler(base slog.Handler) slog.Handler {
	return &handler{buf: b, base: base}
}

type handler struct {
	buf    *Buffer
	base   slog.Handler
	prefix string
	attrs  map[string]string
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.buf.minLevel || h.base.Enabled(ctx, level)
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.buf.minLevel {
		fields := make(map[string]string, len(h.attrs)+r.NumAttrs())
		for k, v := range h.attrs {
			fields[k] = v
		}
		r.Attrs(func(a slog.Attr) bool {
			flatten(fields, h.prefix, a)
			return true
		})
		if len(fields) == 0 {
			fields = nil
		}
		h.buf.add(Entry{
			Timestamp: r.Time,
			Level:     r.Level.String(),
			Message:   r.Message,
			Fields:    fields,
		})
	}
	if !h.base.Enabled(ctx, r.Level) {
		return nil
	}
	return h.base.Handle(ctx, r)
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make(map[string]string, len(h.attrs)+len(attrs))
	for k, v := range h.attrs {
		merged[k] = v
	}
	for _, a := range attrs {
		flatten(merged, h.prefix, a)
	}
	return &handler{buf: h.buf, base: h.base.WithAttrs(attrs), prefix: h.prefix, attrs: merged}
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &handler{buf: h.buf, base: h.base.WithGroup(name), prefix: h.prefix + name + ".", attrs: h.attrs}
}

// flatten stores a under prefix+key, expanding groups into dotted keys.
func flatten(dst map[string]string, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range v.Group() {
			flatten(dst, p, ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	dst[prefix+a.Key] = v.String()
}
