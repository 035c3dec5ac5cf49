package route

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/example/pickup-dispatch/internal/models"
)

type BreakerSettings struct {
	Name             string
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// Breaker stops calling a failing provider for OpenTimeout once
// FailureThreshold consecutive lookups have failed.
type Breaker struct {
	next Oracle
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(next Oracle, s BreakerSettings, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	threshold := s.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	return &Breaker{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    s.Name,
			Timeout: s.OpenTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Info("route breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

func (b *Breaker) Route(ctx context.Context, from, to models.Coordinate, profile string) (Summary, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Route(ctx, from, to, profile)
	})
	if err != nil {
		return Summary{}, unavailable(err)
	}
	return v.(Summary), nil
}
