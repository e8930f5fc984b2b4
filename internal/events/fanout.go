package events

import (
	"context"
	"errors"

	"github.com/wolfman30/clinic-queue/internal/queue"
)

// Fanout publishes each event to every non-nil publisher. One failing
// publisher does not stop the rest; the errors are joined.
type Fanout []queue.Publisher

func NewFanout(publishers ...queue.Publisher) Fanout {
	out := make(Fanout, 0, len(publishers))
	for _, p := range publishers {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

func (f Fanout) Publish(ctx context.Context, evt queue.Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
