package extract

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// pacer spaces page loads. A block halves the rate down to a quarter of the
// configured one; successes recover it gradually, never past the configured rate.
type pacer struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	initial rate.Limit
	min     rate.Limit
	current rate.Limit
}

func newPacer(interval time.Duration) *pacer {
	if interval <= 0 {
		interval = time.Second
	}
	r := rate.Every(interval)
	return &pacer{
		limiter: rate.NewLimiter(r, 1),
		initial: r,
		min:     r / 4,
		current: r,
	}
}

func (p *pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

func (p *pacer) OnSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.current * 1.2
	if next > p.initial {
		next = p.initial
	}
	p.current = next
	p.limiter.SetLimit(next)
}

func (p *pacer) OnBlocked() {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.current * 0.5
	if next < p.min {
		next = p.min
	}
	p.current = next
	p.limiter.SetLimit(next)
	zap.L().Warn("extract: slowing down after block", zap.Float64("rate_per_sec", float64(next)))
}

func (p *pacer) Limit() rate.Limit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}
