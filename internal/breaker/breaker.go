// Package breaker wraps the outbound delivery HTTP call in a circuit
// breaker, per spec §4.10: a window-based failure rate of 50% or more
// opens the circuit; after 30s a single half-open probe decides whether to
// close it again.
package breaker

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrOpen is returned when the breaker is open and a call fails fast
// without ever reaching the network.
var ErrOpen = gobreaker.ErrOpenState

// Breaker wraps sony/gobreaker/v2 with the policy spec §4.10 pins.
type Breaker struct {
	cb *gobreaker.CircuitBreaker[[]byte]
}

// New constructs a Breaker named name.
func New(name string) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,               // single half-open probe
		Interval:    time.Minute,     // rolling window for counting failures while closed
		Timeout:     30 * time.Second, // open -> half-open after 30s
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 4 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.5
		},
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker[[]byte](settings)}
}

// Execute runs fn through the breaker. When the circuit is open, fn never
// runs and Execute returns ErrOpen, which the Delivery Worker classifies as
// retriable (spec §4.6).
func (b *Breaker) Execute(fn func() ([]byte, error)) ([]byte, error) {
	body, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrOpen
		}
		// fn's own body (e.g. a retriable status code's response) still
		// carries diagnostic detail the caller needs to record; only the
		// open-circuit case above has no body to preserve.
		return body, err
	}
	return body, nil
}
