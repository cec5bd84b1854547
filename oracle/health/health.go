package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/GPTx-global/pricefeed/oracle/log"
)

type HealthCheck interface {
	Check(ctx context.Context) error
	Name() string
}

// HealthChecker runs named checks on an interval and keeps their latest outcome.
type HealthChecker struct {
	mu       sync.RWMutex
	checks   map[string]HealthCheck
	status   map[string]HealthStatus
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger
}

type HealthStatus struct {
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

func NewHealthChecker(interval time.Duration) *HealthChecker {
	timeout := interval / 2
	if timeout <= 0 || timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	return &HealthChecker{
		checks:   make(map[string]HealthCheck),
		status:   make(map[string]HealthStatus),
		interval: interval,
		timeout:  timeout,
		logger:   log.Component("health"),
	}
}

// AddCheck registers check. It counts as healthy until it first runs.
func (hc *HealthChecker) AddCheck(check HealthCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	name := check.Name()
	hc.checks[name] = check
	hc.status[name] = HealthStatus{Healthy: true, LastCheck: time.Now()}

	hc.logger.Debug().Str("check", name).Msg("added health check")
}

// Start runs all checks immediately and then on every interval until ctx is done.
func (hc *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	hc.RunChecks(ctx)

	for {
		select {
		case <-ticker.C:
			hc.RunChecks(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunChecks runs every registered check concurrently and waits for all of them.
func (hc *HealthChecker) RunChecks(ctx context.Context) {
	hc.mu.RLock()
	checks := make([]HealthCheck, 0, len(hc.checks))
	for _, check := range hc.checks {
		checks = append(checks, check)
	}
	hc.mu.RUnlock()

	var wg sync.WaitGroup
	for _, check := range checks {
		wg.Add(1)
		go func(check HealthCheck) {
			defer wg.Done()

			cctx, cancel := context.WithTimeout(ctx, hc.timeout)
			defer cancel()
			err := check.Check(cctx)

			status := HealthStatus{Healthy: err == nil, LastCheck: time.Now()}
			if err != nil {
				status.LastError = err.Error()
				hc.logger.Warn().Err(err).Str("check", check.Name()).Msg("health check failed")
			}

			hc.mu.Lock()
			hc.status[check.Name()] = status
			hc.mu.Unlock()
		}(check)
	}
	wg.Wait()
}

func (hc *HealthChecker) GetStatus() map[string]HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	result := make(map[string]HealthStatus, len(hc.status))
	for name, status := range hc.status {
		result[name] = status
	}
	return result
}

func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	for _, status := range hc.status {
		if !status.Healthy {
			return false
		}
	}
	return true
}

// funcCheck adapts a function to HealthCheck.
type funcCheck struct {
	name string
	fn   func(ctx context.Context) error
}

func NewCheck(name string, fn func(ctx context.Context) error) HealthCheck {
	return &funcCheck{name: name, fn: fn}
}

func (c *funcCheck) Check(ctx context.Context) error {
	return c.fn(ctx)
}

func (c *funcCheck) Name() string {
	return c.name
}
