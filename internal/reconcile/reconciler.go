package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/broadline/channelsync/internal/channel"
	"github.com/broadline/channelsync/internal/metrics"
)

type ReconcilerOptions struct {
	Store   *channel.Store
	Client  PlatformClient
	Vault   channel.Vault
	Backoff *channel.BackoffEngine

	// FailureCooldown is the suppression window after a tenant reaches the
	// failed status. It must exceed the backoff cap or failed tenants would
	// be retried before the escalation is visible to an operator.
	FailureCooldown time.Duration
	MaxConcurrent   int
	MaxSyncsPerSec  float64
	Logger          channel.Logger
}

// Reconciler drives the periodic convergence of local tenant channel
// records toward the upstream platform state. Failures are isolated per
// tenant: one tenant's bad upstream response never aborts the pass.
type Reconciler struct {
	store    *channel.Store
	client   PlatformClient
	vault    channel.Vault
	backoff  *channel.BackoffEngine
	cooldown time.Duration
	limiter  *rate.Limiter
	sem      chan struct{}
	logger   channel.Logger
	now      func() time.Time
}

func NewReconciler(opts ReconcilerOptions) (*Reconciler, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("platform client is required")
	}
	backoff := opts.Backoff
	if backoff == nil {
		backoff = channel.NewBackoffEngine(channel.BackoffConfig{})
	}
	cooldown := opts.FailureCooldown
	if cooldown <= 0 {
		cooldown = 45 * time.Minute
	}
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	maxPerSec := opts.MaxSyncsPerSec
	if maxPerSec <= 0 {
		maxPerSec = 10
	}
	return &Reconciler{
		store:    opts.Store,
		client:   opts.Client,
		vault:    opts.Vault,
		backoff:  backoff,
		cooldown: cooldown,
		limiter:  rate.NewLimiter(rate.Limit(maxPerSec), 1),
		sem:      make(chan struct{}, maxConcurrent),
		logger:   opts.Logger,
		now:      time.Now,
	}, nil
}

// RunOnce performs a single reconciliation pass over every syncable
// tenant. Tenants inside a backoff or failure-cooldown window are skipped.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	tenantIDs := r.store.ListSyncableTenantIDs()
	var wg sync.WaitGroup
	for _, tenantID := range tenantIDs {
		if skip, reason := r.suppressed(tenantID); skip {
			metrics.ReconcileSkippedTotal.Inc()
			r.logf("reconcile skip tenant=%s reason=%s", tenantID, reason)
			continue
		}
		if err := r.limiter.Wait(ctx); err != nil {
			wg.Wait()
			return err
		}
		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}
		wg.Add(1)
		go func(tenantID string) {
			defer wg.Done()
			defer func() { <-r.sem }()
			if err := r.syncTenant(ctx, tenantID); err != nil {
				r.logf("reconcile tenant=%s error: %v", tenantID, err)
			}
		}(tenantID)
	}
	wg.Wait()
	return ctx.Err()
}

// SyncTenant is the manual trigger. It bypasses backoff and failure
// cooldown suppression, which makes it the operator path for retrying a
// tenant ahead of schedule.
func (r *Reconciler) SyncTenant(ctx context.Context, tenantID string) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return channel.ErrInvalidInput
	}
	if _, err := r.store.GetTenantChannel(tenantID); err != nil {
		return err
	}
	return r.syncTenant(ctx, tenantID)
}

func (r *Reconciler) suppressed(tenantID string) (bool, string) {
	if r.backoff.InBackoff(syncBackoffKey(tenantID)) {
		return true, "backoff"
	}
	record, err := r.store.GetTenantChannel(tenantID)
	if err != nil {
		return true, "missing"
	}
	if record.SyncStatus == channel.SyncStatusFailed && record.FailedAt != nil {
		if r.now().Before(record.FailedAt.Add(r.cooldown)) {
			return true, "failure_cooldown"
		}
	}
	return false, ""
}

func (r *Reconciler) syncTenant(ctx context.Context, tenantID string) error {
	metrics.ReconcileRunsTotal.Inc()
	credential := r.tenantSecret(ctx, tenantID)

	snap, err := r.client.FetchChannelState(ctx, tenantID, credential)
	if err != nil {
		return r.recordSyncFailure(tenantID, err)
	}

	result, err := r.store.ApplySnapshot(ctx, tenantID, snap)
	if err != nil {
		if errors.Is(err, channel.ErrAlreadyBound) {
			// Identity conflicts are terminal and already audited by the
			// store; counting them against the backoff streak would imply
			// a retry that must never happen.
			metrics.ReconcileFailuresTotal.Inc()
			r.backoff.Reset(syncBackoffKey(tenantID))
			return err
		}
		return r.recordSyncFailure(tenantID, err)
	}

	r.backoff.Reset(syncBackoffKey(tenantID))
	if result.Recovered {
		r.logf("reconcile tenant=%s recovered status=%s", tenantID, result.Status)
	}
	if result.KillSwitch.Triggered {
		r.logf("reconcile tenant=%s kill-switch reason=%q paused=%d", tenantID, result.KillSwitch.Reason, result.PausedCount)
	}
	return nil
}

func (r *Reconciler) recordSyncFailure(tenantID string, cause error) error {
	metrics.ReconcileFailuresTotal.Inc()
	policy := r.backoff.RecordFailure(syncBackoffKey(tenantID))
	terminal := !policy.ShouldRetry
	if markErr := r.store.MarkSyncFailure(tenantID, sanitizeFailure(cause), terminal); markErr != nil {
		r.logf("reconcile tenant=%s failed to record failure: %v", tenantID, markErr)
	}
	if terminal {
		// The failed status carries its own cooldown window; clearing the
		// backoff entry keeps the two suppressions from stacking.
		r.backoff.Reset(syncBackoffKey(tenantID))
		r.logf("reconcile tenant=%s escalated to failed after %d attempts", tenantID, policy.TotalFailures)
	}
	return cause
}

func (r *Reconciler) tenantSecret(ctx context.Context, tenantID string) string {
	if r.vault == nil {
		return ""
	}
	secret, err := r.vault.Retrieve(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, channel.ErrSecretNotFound) {
			r.logf("reconcile tenant=%s vault read error: %v", tenantID, err)
		}
		return ""
	}
	return secret
}

func (r *Reconciler) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}

func syncBackoffKey(tenantID string) string {
	return "sync:" + tenantID
}

func credBackoffKey(tenantID string) string {
	return "cred:" + tenantID
}

// sanitizeFailure maps an upstream error onto the short reason string a
// tenant is allowed to see. Raw upstream response bodies never pass
// through here.
func sanitizeFailure(err error) string {
	if err == nil {
		return ""
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return "upstream rate limited"
		case httpErr.StatusCode >= 500:
			return fmt.Sprintf("upstream unavailable (status %d)", httpErr.StatusCode)
		case httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden:
			return "upstream rejected credentials"
		default:
			return fmt.Sprintf("upstream request failed (status %d)", httpErr.StatusCode)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "upstream timeout"
	}
	if errors.Is(err, channel.ErrAlreadyBound) {
		return "external id conflict"
	}
	return "upstream request failed"
}
