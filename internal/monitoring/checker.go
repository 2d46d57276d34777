package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/hallsync/internal/config"
)

// Checker polls the collector on a fixed interval and delivers alerts,
// holding back alert types that were delivered recently.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	log       *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	lastSent map[AlertType]time.Time
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		log:       zap.L().With(zap.String("component", "monitoring")),
		now:       time.Now,
		lastSent:  make(map[AlertType]time.Time),
	}
}

// Run blocks until ctx is cancelled. Without a webhook it only waits.
func (c *Checker) Run(ctx context.Context) {
	if c.cfg.WebhookURL == "" {
		c.log.Info("alert checker disabled, no webhook configured")
		<-ctx.Done()
		return
	}

	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	c.log.Info("alert checker started",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check runs one collect/evaluate/deliver cycle and returns the alerts
// that were handed to the webhook.
func (c *Checker) Check(ctx context.Context) []Alert {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		c.log.Error("collect snapshot", zap.Error(err))
		return nil
	}

	due := c.unsuppressed(c.alerter.Evaluate(snap))
	if len(due) == 0 {
		return nil
	}

	if sent := c.alerter.SendAlerts(ctx, due); sent > 0 {
		c.markSent(due)
	}
	c.log.Info("alerts triggered",
		zap.Int("alerts", len(due)),
		zap.Int("pending_failures", snap.PendingFailures),
		zap.Int("jobs_failed", snap.JobsFailed),
	)
	return due
}

func (c *Checker) unsuppressed(alerts []Alert) []Alert {
	window := time.Duration(c.cfg.RepeatIntervalMins) * time.Minute
	if window <= 0 {
		return alerts
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var due []Alert
	for _, a := range alerts {
		if last, ok := c.lastSent[a.Type]; ok && now.Sub(last) < window {
			c.log.Debug("alert suppressed", zap.String("type", string(a.Type)))
			continue
		}
		due = append(due, a)
	}
	return due
}

func (c *Checker) markSent(alerts []Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for _, a := range alerts {
		c.lastSent[a.Type] = now
	}
}
