package pipeline

import (
	"context"
	"sync"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
)

// HealthSink receives one record per cycle. Implementations must be safe
// for concurrent use and should not block for long.
type HealthSink interface {
	RecordHealth(ctx context.Context, rec vaod.HealthRecord) error
}

// FaultSink receives fault signals, for example the bus link.
type FaultSink interface {
	RecordFault(ctx context.Context, sig vaod.FaultSignal) error
}

// HealthSinkFunc adapts a function to HealthSink.
type HealthSinkFunc func(ctx context.Context, rec vaod.HealthRecord) error

func (f HealthSinkFunc) RecordHealth(ctx context.Context, rec vaod.HealthRecord) error {
	return f(ctx, rec)
}

// FaultSinkFunc adapts a function to FaultSink.
type FaultSinkFunc func(ctx context.Context, sig vaod.FaultSignal) error

func (f FaultSinkFunc) RecordFault(ctx context.Context, sig vaod.FaultSignal) error { return f(ctx, sig) }

// HealthRing keeps the most recent records in memory for the dashboard.
type HealthRing struct {
	mu    sync.Mutex
	buf   []vaod.HealthRecord
	next  int
	full  bool
	total uint64
}

// NewHealthRing returns a ring holding up to size records.
func NewHealthRing(size int) *HealthRing {
	if size < 1 {
		size = 1
	}
	return &HealthRing{buf: make([]vaod.HealthRecord, size)}
}

// RecordHealth implements HealthSink.
func (r *HealthRing) RecordHealth(_ context.Context, rec vaod.HealthRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.StageTimeouts = append([]string(nil), rec.StageTimeouts...)
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.total++
	return nil
}

// Records returns the held records, oldest first.
func (r *HealthRing) Records() []vaod.HealthRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]vaod.HealthRecord(nil), r.buf[:r.next]...)
	}
	out := make([]vaod.HealthRecord, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// Total returns the number of records ever written.
func (r *HealthRing) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}
