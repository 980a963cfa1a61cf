package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/broadline/channelsync/internal/channel"
	"github.com/broadline/channelsync/internal/metrics"
)

type CredentialRefresherOptions struct {
	Store   *channel.Store
	Client  PlatformClient
	Vault   channel.Vault
	Backoff *channel.BackoffEngine

	// RefreshWindow is how far before expiry a credential becomes due.
	RefreshWindow time.Duration
	Logger        channel.Logger
	Audit         channel.AuditSink
}

// CredentialRefresher proactively rotates tenant credentials before they
// expire. Its failure budget is independent from reconciliation: the
// shared backoff engine keys credential streaks under a separate
// namespace, and an exhausted credential degrades to refresh_failed
// without ever pausing tenant message flow.
type CredentialRefresher struct {
	store   *channel.Store
	client  PlatformClient
	vault   channel.Vault
	backoff *channel.BackoffEngine
	window  time.Duration
	logger  channel.Logger
	audit   channel.AuditSink
	now     func() time.Time
}

func NewCredentialRefresher(opts CredentialRefresherOptions) (*CredentialRefresher, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("platform client is required")
	}
	if opts.Vault == nil {
		return nil, fmt.Errorf("vault is required")
	}
	backoff := opts.Backoff
	if backoff == nil {
		backoff = channel.NewBackoffEngine(channel.BackoffConfig{})
	}
	window := opts.RefreshWindow
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	return &CredentialRefresher{
		store:   opts.Store,
		client:  opts.Client,
		vault:   opts.Vault,
		backoff: backoff,
		window:  window,
		logger:  opts.Logger,
		audit:   opts.Audit,
		now:     time.Now,
	}, nil
}

// RunOnce refreshes every credential inside the expiry window. Exhausted
// credentials (refresh_failed) are excluded by the store and stay parked
// until an operator clears them.
func (c *CredentialRefresher) RunOnce(ctx context.Context) error {
	due := c.store.CredentialsDue(c.now(), c.window)
	for _, cred := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.backoff.InBackoff(credBackoffKey(cred.TenantID)) {
			continue
		}
		if err := c.refreshOne(ctx, cred); err != nil {
			c.logf("credential refresh tenant=%s error: %v", cred.TenantID, err)
		}
	}
	return nil
}

func (c *CredentialRefresher) refreshOne(ctx context.Context, cred channel.Credential) error {
	if err := c.store.MarkCredentialRefreshing(cred.TenantID); err != nil {
		return err
	}
	metrics.CredentialRefreshTotal.Inc()

	secret, err := c.vault.Retrieve(ctx, cred.TenantID)
	if err != nil {
		return c.recordFailure(cred.TenantID, fmt.Errorf("vault: %w", err))
	}
	grant, err := c.client.RefreshCredential(ctx, cred.TenantID, secret)
	if err != nil {
		return c.recordFailure(cred.TenantID, err)
	}
	if err := c.vault.Store(ctx, cred.TenantID, grant.Secret); err != nil {
		return c.recordFailure(cred.TenantID, fmt.Errorf("vault: %w", err))
	}
	if err := c.store.RecordCredentialRefreshed(cred.TenantID, grant.ExpiresAt); err != nil {
		return err
	}
	c.backoff.Reset(credBackoffKey(cred.TenantID))
	c.logf("credential refreshed tenant=%s expires=%s", cred.TenantID, grant.ExpiresAt.UTC().Format(time.RFC3339))
	return nil
}

func (c *CredentialRefresher) recordFailure(tenantID string, cause error) error {
	metrics.CredentialRefreshFailuresTotal.Inc()
	policy := c.backoff.RecordFailure(credBackoffKey(tenantID))
	terminal := !policy.ShouldRetry
	reason := sanitizeCredentialFailure(cause)
	if err := c.store.RecordCredentialRefreshFailure(tenantID, reason, terminal); err != nil {
		return err
	}
	if terminal {
		c.backoff.Reset(credBackoffKey(tenantID))
		if c.audit != nil {
			c.audit.Append(channel.AuditRecord{
				Type:     "credential_refresh_exhausted",
				TenantID: tenantID,
				Reason:   reason,
				Details:  map[string]string{"attempts": fmt.Sprintf("%d", policy.TotalFailures)},
			})
		}
		c.logf("credential refresh tenant=%s exhausted after %d attempts", tenantID, policy.TotalFailures)
	}
	return cause
}

func (c *CredentialRefresher) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

func sanitizeCredentialFailure(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, channel.ErrSecretNotFound) {
		return "credential secret missing from vault"
	}
	return sanitizeFailure(err)
}
