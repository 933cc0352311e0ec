package restore

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// HealthChecker polls the application health endpoint after a restore.
// Polls are paced by a rate limiter and guarded by a circuit breaker so a
// hard-down endpoint stops being hammered before the attempt budget is
// spent.
type HealthChecker struct {
	url      string
	attempts int
	client   *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
}

// NewHealthChecker creates a checker for url polling at the given
// interval, giving up after attempts tries.
func NewHealthChecker(url string, attempts int, interval time.Duration) *HealthChecker {
	if attempts <= 0 {
		attempts = 10
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "health-endpoint",
		Timeout: 2 * interval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &HealthChecker{
		url:      url,
		attempts: attempts,
		client:   &http.Client{Timeout: 5 * time.Second},
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		breaker:  breaker,
	}
}

// Wait polls until the endpoint answers with a 2xx status or the attempt
// budget is exhausted. The wait is always bounded; there is no unbounded
// retry.
func (h *HealthChecker) Wait(ctx context.Context) error {
	var lastErr error
	for i := 0; i < h.attempts; i++ {
		if err := h.limiter.Wait(ctx); err != nil {
			return err
		}

		_, err := h.breaker.Execute(func() (interface{}, error) {
			return nil, h.probe(ctx)
		})
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("health endpoint %s not healthy after %d attempts: %w", h.url, h.attempts, lastErr)
}

func (h *HealthChecker) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
