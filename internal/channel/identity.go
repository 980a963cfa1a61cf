package channel

import (
	"context"
	"strings"
	"sync"
)

// IdentityRegistry enforces that an external channel identifier is bound to
// at most one tenant at a time. Bind must be a single atomic check-and-set;
// a read-then-write pair would leave a race window between concurrent
// onboarding attempts.
type IdentityRegistry interface {
	Bind(ctx context.Context, tenantID, externalID string) error
	Unbind(ctx context.Context, tenantID string) error
	Holder(ctx context.Context, externalID string) (string, error)
}

type identityBinding struct {
	tenantID string
	bound    bool
}

type InMemoryIdentityRegistry struct {
	mu       sync.Mutex
	byExtID  map[string]identityBinding
	byTenant map[string]string
}

func NewInMemoryIdentityRegistry() *InMemoryIdentityRegistry {
	return &InMemoryIdentityRegistry{
		byExtID:  map[string]identityBinding{},
		byTenant: map[string]string{},
	}
}

func (r *InMemoryIdentityRegistry) Bind(_ context.Context, tenantID, externalID string) error {
	tenantID = strings.TrimSpace(tenantID)
	externalID = strings.TrimSpace(externalID)
	if tenantID == "" || externalID == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byExtID[externalID]; ok && existing.bound {
		if existing.tenantID == tenantID {
			return nil
		}
		return &BindConflictError{
			ExternalID:    externalID,
			HolderTenant:  existing.tenantID,
			ClaimerTenant: tenantID,
		}
	}
	r.byExtID[externalID] = identityBinding{tenantID: tenantID, bound: true}
	r.byTenant[tenantID] = externalID
	return nil
}

// Unbind tombstones the binding; the external id remains known but is
// claimable again.
func (r *InMemoryIdentityRegistry) Unbind(_ context.Context, tenantID string) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	externalID, ok := r.byTenant[tenantID]
	if !ok {
		return nil
	}
	if binding, exists := r.byExtID[externalID]; exists && binding.tenantID == tenantID {
		binding.bound = false
		r.byExtID[externalID] = binding
	}
	delete(r.byTenant, tenantID)
	return nil
}

func (r *InMemoryIdentityRegistry) Holder(_ context.Context, externalID string) (string, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return "", ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	binding, ok := r.byExtID[externalID]
	if !ok || !binding.bound {
		return "", ErrNotFound
	}
	return binding.tenantID, nil
}
