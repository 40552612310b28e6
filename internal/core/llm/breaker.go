package llm

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/koushole/bookrag/internal/logger"
)

// Guard wraps provider calls with a client-side rate limiter and a circuit
// breaker. Rate-limit and cancellation errors do not count toward tripping.
type Guard struct {
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewGuard builds a guard. rpm <= 0 disables the limiter.
func NewGuard(name string, rpm int, log *logger.Logger) *Guard {
	log = logger.OrNop(log)
	g := &Guard{
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 2,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < 5 {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
			},
			IsSuccessful: func(err error) bool {
				if err == nil {
					return true
				}
				k := ClassifyError(err)
				return k == KindRateLimited || k == KindCanceled
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
	if rpm > 0 {
		burst := rpm / 10
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), burst)
	}
	return g
}

// Do waits for a rate-limit token then runs fn through the breaker.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if g == nil {
		return fn(ctx)
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	_, err := g.breaker.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	return err
}
