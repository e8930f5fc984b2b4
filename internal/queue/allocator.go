package queue

import (
	"context"
	"fmt"
	"time"
)

// PositionSource reports the highest position assigned in a clinic-day.
type PositionSource interface {
	MaxPosition(ctx context.Context, clinicID string, scope Window) (int, error)
}

// Allocator hands out append-to-tail queue positions. It never reuses or
// decrements a position, so a returning patient always rejoins behind
// everyone who stayed.
type Allocator struct {
	src PositionSource
}

// NewAllocator creates an allocator reading from src.
func NewAllocator(src PositionSource) *Allocator {
	if src == nil {
		panic("queue: position source required")
	}
	return &Allocator{src: src}
}

// NextPosition returns one more than the highest position in the clinic-day,
// or 1 when the scope is empty.
func (a *Allocator) NextPosition(ctx context.Context, clinicID string, day Day, loc *time.Location) (int, error) {
	highest, err := a.src.MaxPosition(ctx, clinicID, day.Window(loc))
	if err != nil {
		return 0, fmt.Errorf("queue: next position: %w", err)
	}
	if highest < 0 {
		highest = 0
	}
	return highest + 1, nil
}
