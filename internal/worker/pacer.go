package worker

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Pacer decides when a run thread may issue its next operation.
type Pacer interface {
	Wait(ctx context.Context) error
}

type unpacedPacer struct{}

func (unpacedPacer) Wait(ctx context.Context) error {
	return ctx.Err()
}

type ratePacer struct {
	limiter *rate.Limiter
}

func (p *ratePacer) Wait(ctx context.Context) error {
	return errors.WithStack(p.limiter.Wait(ctx))
}

// NewPacer returns a pacer shared by all threads of a worker that allows ratePerSecond operations in total.
// A rate of zero or less does not pace at all.
func NewPacer(ratePerSecond float64, threads int) Pacer {
	if ratePerSecond <= 0 {
		return unpacedPacer{}
	}
	burst := threads
	if burst < 1 {
		burst = 1
	}
	return &ratePacer{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}
