// Package backend resolves a frontend session's tenant ID to a live
// backend connection, bridging the router's static configuration lookup
// and the pool manager's connection lifecycle.
package backend

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/pgfrontend/pgfrontend/internal/config"
	"github.com/pgfrontend/pgfrontend/internal/pool"
)

// Router is the subset of router.Router the connector depends on, kept
// narrow so it can be faked in tests without dragging in config loading.
type Router interface {
	Resolve(tenantID string) (config.TenantConfig, error)
	IsPaused(tenantID string) bool
}

// PoolManager is the subset of pool.Manager the connector depends on.
type PoolManager interface {
	GetOrCreate(tenantID string, tc config.TenantConfig) *pool.TenantPool
}

// Connector acquires backend connections on behalf of frontend sessions.
type Connector struct {
	router  Router
	poolMgr PoolManager

	// group collapses concurrent first-connections for the same
	// not-yet-created tenant pool into a single GetOrCreate call, instead
	// of every goroutine in a connection burst racing through it
	// independently.
	group singleflight.Group
}

// NewConnector builds a Connector over the given router and pool manager.
func NewConnector(r Router, pm PoolManager) *Connector {
	return &Connector{router: r, poolMgr: pm}
}

// ErrTenantPaused is returned when a tenant's pool has been administratively
// paused and new sessions must be rejected.
var ErrTenantPaused = fmt.Errorf("tenant is paused")

// Route resolves tenantID to its configuration and pool without dialing a
// backend: an unknown or administratively paused tenant is rejected here,
// before a caller has spent anything (a password round trip, a dial) on a
// session that can never succeed.
func (c *Connector) Route(ctx context.Context, tenantID string) (config.TenantConfig, *pool.TenantPool, error) {
	tc, err := c.router.Resolve(tenantID)
	if err != nil {
		return config.TenantConfig{}, nil, fmt.Errorf("resolving tenant %q: %w", tenantID, err)
	}
	if c.router.IsPaused(tenantID) {
		return config.TenantConfig{}, nil, ErrTenantPaused
	}

	v, err, _ := c.group.Do(tenantID, func() (interface{}, error) {
		return c.poolMgr.GetOrCreate(tenantID, tc), nil
	})
	if err != nil {
		return config.TenantConfig{}, nil, err
	}
	return tc, v.(*pool.TenantPool), nil
}

// Acquire routes tenantID and acquires a ready connection from its pool in
// one call, for callers that have no reason to separate the two steps.
func (c *Connector) Acquire(ctx context.Context, tenantID string) (*pool.PooledConn, config.TenantConfig, error) {
	tc, tp, err := c.Route(ctx, tenantID)
	if err != nil {
		return nil, config.TenantConfig{}, err
	}
	pc, err := tp.Acquire(ctx)
	if err != nil {
		return nil, config.TenantConfig{}, fmt.Errorf("acquiring connection for tenant %q: %w", tenantID, err)
	}
	return pc, tc, nil
}
