package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewBreaker(BreakerConfig{Name: "test", FailureThreshold: 2, ResetTimeout: time.Hour}, nil)
	fail := func() (any, error) { return nil, errors.New("down") }

	_, _ = cb.Execute(fail)
	assert.Equal(t, gobreaker.StateClosed, cb.State())
	_, _ = cb.Execute(fail)
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err := cb.Execute(func() (any, error) { return "ok", nil })
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestBreakerIgnoresExpectedErrors(t *testing.T) {
	ignore := func(err error) bool { return errors.Is(err, ErrNotFound) }
	cb := NewBreaker(BreakerConfig{Name: "test", FailureThreshold: 1}, ignore)

	_, err := cb.Execute(func() (any, error) { return nil, ErrNotFound })
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestBreakerDefaults(t *testing.T) {
	cb := NewBreaker(BreakerConfig{Name: "defaults"}, nil)
	for i := 0; i < 4; i++ {
		_, _ = cb.Execute(func() (any, error) { return nil, errors.New("x") })
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
	_, _ = cb.Execute(func() (any, error) { return nil, errors.New("x") })
	assert.Equal(t, gobreaker.StateOpen, cb.State())
}
