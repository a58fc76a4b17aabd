package l2features

import (
	"context"
	"time"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/timeutil"
)

// Budget bounds the time a detector may spend on one frame. Detectors poll
// Exceeded between rows and return what they have when it trips.
type Budget struct {
	ctx      context.Context
	deadline timeutil.Deadline
}

// NewBudget returns a budget of d measured on clock. A non-positive d is
// bounded by ctx alone.
func NewBudget(ctx context.Context, clock timeutil.Clock, d time.Duration) *Budget {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Budget{ctx: ctx, deadline: timeutil.NewDeadline(clock, d)}
}

// Exceeded reports whether the deadline passed or the context ended.
func (b *Budget) Exceeded() bool {
	if b == nil {
		return false
	}
	if b.ctx != nil && b.ctx.Err() != nil {
		return true
	}
	return b.deadline.Expired()
}

// Remaining returns the time left before the deadline.
func (b *Budget) Remaining() time.Duration {
	if b == nil {
		return time.Duration(1<<63 - 1)
	}
	return b.deadline.Remaining()
}
