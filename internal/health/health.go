// Package health builds the liveness and readiness endpoints shared by the
// api and worker binaries.
package health

import (
	"context"
	"time"

	"github.com/heptiolabs/healthcheck"
)

const checkTimeout = 2 * time.Second

// Check pings one dependency.
type Check func(ctx context.Context) error

// NewHandler registers every check as a readiness check. Liveness only
// reports that the process serves requests.
func NewHandler(checks map[string]Check) healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	for name, check := range checks {
		h.AddReadinessCheck(name, healthcheck.Timeout(wrap(check), checkTimeout))
	}
	return h
}

func wrap(check Check) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		return check(ctx)
	}
}
