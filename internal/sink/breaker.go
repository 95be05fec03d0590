package sink

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/you/chatrelay/internal/core"
)

// Guarded stops hammering a database that keeps failing. While the circuit
// is open batches fail fast with gobreaker.ErrOpenState; after Timeout one
// trial batch is let through.
type Guarded struct {
	base BatchWriter
	cb   *gobreaker.CircuitBreaker
}

type BreakerOptions struct {
	// ConsecutiveFailures trips the breaker. Zero means 5.
	ConsecutiveFailures uint32
	// Timeout is how long the breaker stays open. Zero means 30s.
	Timeout time.Duration
}

func NewGuarded(base BatchWriter, opts BreakerOptions) *Guarded {
	trip := opts.ConsecutiveFailures
	if trip == 0 {
		trip = 5
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sqlite-sink",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("sink: circuit state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Guarded{base: base, cb: cb}
}

func (g *Guarded) WriteBatch(ctx context.Context, msgs []core.Message) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, g.base.WriteBatch(ctx, msgs)
	})
	return err
}

// State reports closed, half-open or open.
func (g *Guarded) State() string { return g.cb.State().String() }
