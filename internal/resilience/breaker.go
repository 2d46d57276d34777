package resilience

import (
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig configures a circuit breaker around a remote dependency.
type BreakerConfig struct {
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration
}

// NewBreaker builds a gobreaker circuit that opens after FailureThreshold
// consecutive failures and probes again after ResetTimeout. Errors for which
// ignore returns true (such as a missing page) do not count as failures.
func NewBreaker(cfg BreakerConfig, ignore func(error) bool) *gobreaker.CircuitBreaker {
	threshold := uint32(5)
	if cfg.FailureThreshold > 0 {
		threshold = uint32(cfg.FailureThreshold)
	}
	reset := cfg.ResetTimeout
	if reset <= 0 {
		reset = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "breaker"), zap.String("breaker", cfg.Name))
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     reset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || (ignore != nil && ignore(err))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit state changed", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
}
