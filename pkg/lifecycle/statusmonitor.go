package lifecycle

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/kubermatic/kernel-provisioner/pkg/backend"
	"github.com/kubermatic/kernel-provisioner/pkg/metrics"
)

const (
	// statusPollInterval is the tick at which the monitor re-examines every
	// RUNNING kernel; a given kernel is only actually polled once its own
	// backoff window (tracked per kernel id below) has elapsed, so this is
	// the ceiling, not the per-kernel poll rate.
	statusPollInterval = 3 * time.Second

	// statusPollMaxBackoff caps how long a kernel with repeated status
	// errors is left unpolled before the monitor tries it again.
	statusPollMaxBackoff = 96 * time.Second

	// sustainedFailureThreshold is how many consecutive poll errors move a
	// binding to FAILED; a single blip is retried with backoff, not
	// surfaced.
	sustainedFailureThreshold = 5
)

// pollBackoff is the per-kernel bookkeeping the monitor keeps between
// ticks: how many status-poll errors have happened in a row, and when the
// kernel is next eligible to be polled again.
type pollBackoff struct {
	consecutiveErrors int
	nextPollAt        time.Time
}

// StatusMonitor drives the steady-state status-poll loop for every RUNNING
// binding: at most once per statusPollInterval per kernel, backing off
// exponentially (capped at statusPollMaxBackoff) after consecutive adapter
// errors, same as the sustained-versus-transient distinction
// CloudproviderCache draws for validation errors, generalized here from a
// single cached verdict to a backoff counter per kernel.
type StatusMonitor struct {
	sup     *Supervisor
	backoff *gocache.Cache
}

// NewStatusMonitor builds a monitor for the given supervisor. Per-kernel
// backoff state never expires on a TTL: the cache is created with no default
// expiration, and a kernel's entry is deleted when a poll succeeds or when
// sustained errors fail the binding.
func NewStatusMonitor(sup *Supervisor) *StatusMonitor {
	return &StatusMonitor{
		sup:     sup,
		backoff: gocache.New(gocache.NoExpiration, gocache.NoExpiration),
	}
}

// Run ticks every statusPollInterval until ctx is cancelled, polling each
// RUNNING kernel whose backoff window has elapsed.
func (m *StatusMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *StatusMonitor) tick(ctx context.Context) {
	now := time.Now()
	for _, kernelID := range m.sup.Snapshot() {
		state := m.backoffState(kernelID)
		if now.Before(state.nextPollAt) {
			continue
		}
		m.pollOne(ctx, kernelID, state)
	}
}

func (m *StatusMonitor) backoffState(kernelID string) pollBackoff {
	if v, ok := m.backoff.Get(kernelID); ok {
		return v.(pollBackoff)
	}
	return pollBackoff{}
}

func (m *StatusMonitor) pollOne(ctx context.Context, kernelID string, state pollBackoff) {
	status, err := m.sup.Poll(ctx, kernelID)
	backendName := "unknown"
	if e, lookupErr := m.sup.lookup(kernelID); lookupErr == nil {
		backendName = e.binding.Adapter.Name()
	}

	if err == nil && status != backend.StatusFailed {
		m.backoff.Delete(kernelID)
		return
	}

	if err == nil {
		err = errBackendReportedFailed
	}

	metrics.StatusPollErrorsTotal.WithLabelValues(backendName).Inc()
	state.consecutiveErrors++
	state.nextPollAt = time.Now().Add(nextBackoff(state.consecutiveErrors))
	m.backoff.Set(kernelID, state, gocache.NoExpiration)

	logrus.WithFields(logrus.Fields{
		"kernel_id":          kernelID,
		"consecutive_errors": state.consecutiveErrors,
	}).WithError(err).Warn("steady-state status poll failed")

	if state.consecutiveErrors >= sustainedFailureThreshold {
		m.backoff.Delete(kernelID)
		m.sup.FailSteadyState(kernelID, err)
	}
}

// nextBackoff doubles per consecutive error starting at statusPollInterval,
// capped at statusPollMaxBackoff.
func nextBackoff(consecutiveErrors int) time.Duration {
	d := statusPollInterval
	for i := 1; i < consecutiveErrors && d < statusPollMaxBackoff; i++ {
		d *= 2
	}
	if d > statusPollMaxBackoff {
		d = statusPollMaxBackoff
	}
	return d
}

var errBackendReportedFailed = backendReportedFailedError{}

type backendReportedFailedError struct{}

func (backendReportedFailedError) Error() string {
	return "backend reported the kernel resource as failed"
}
