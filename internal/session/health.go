package session

import "context"

// HealthChecker implements the observability.Checker interface for the
// visitor session store.
type HealthChecker struct {
	store Store
}

// NewHealthChecker creates a health checker backed by the given store.
func NewHealthChecker(store Store) *HealthChecker {
	return &HealthChecker{store: store}
}

// Name returns the component name.
func (h *HealthChecker) Name() string {
	return "redis"
}

// Check verifies connectivity to the session store.
func (h *HealthChecker) Check(ctx context.Context) error {
	return h.store.HealthCheck(ctx)
}
