// Package tenant resolves an incoming tenant identifier to a municipality
// account before the response stream is opened.
package tenant

import (
	"context"
	"errors"
	"strings"

	"github.com/your-org/civic-assistant/internal/store"
	"go.uber.org/zap"
)

// ErrNotFound is returned when neither the slug nor the code lookup matches
var ErrNotFound = errors.New("tenant not found")

// Resolver resolves tenant identifiers against the tenant store
type Resolver struct {
	store  Lookup
	logger *zap.Logger
}

// Lookup is the subset of the store the resolver needs
type Lookup interface {
	GetTenantBySlug(ctx context.Context, slug string) (*store.Tenant, error)
	GetTenantByCode(ctx context.Context, code string) (*store.Tenant, error)
}

// NewResolver creates a tenant resolver
func NewResolver(lookup Lookup, logger *zap.Logger) *Resolver {
	return &Resolver{store: lookup, logger: logger}
}

// Resolve looks up a tenant by its slug and, on a miss, retries by the
// uppercased short code. Both misses return ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (*store.Tenant, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, ErrNotFound
	}

	tenant, err := r.store.GetTenantBySlug(ctx, identifier)
	if err == nil {
		return tenant, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	tenant, err = r.store.GetTenantByCode(ctx, strings.ToUpper(identifier))
	if err == nil {
		r.logger.Debug("Tenant resolved by code fallback",
			zap.String("identifier", identifier),
			zap.String("tenant_id", tenant.ID))
		return tenant, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	return nil, ErrNotFound
}
