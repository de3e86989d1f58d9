// Package frontend orchestrates one client connection end to end: startup
// negotiation, tenant resolution, frontend authentication, cancel-registry
// bookkeeping, backend acquisition, and handing off to the byte relay.
package frontend

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pgfrontend/pgfrontend/internal/auth"
	"github.com/pgfrontend/pgfrontend/internal/backend"
	"github.com/pgfrontend/pgfrontend/internal/cancel"
	"github.com/pgfrontend/pgfrontend/internal/config"
	"github.com/pgfrontend/pgfrontend/internal/pool"
	"github.com/pgfrontend/pgfrontend/internal/relay"
	"github.com/pgfrontend/pgfrontend/internal/router"
	"github.com/pgfrontend/pgfrontend/internal/startup"
)

// Connector routes a tenant ID to its configuration and pool without
// dialing a backend, so an unknown or paused tenant can be rejected before
// a client is made to complete a password challenge for a session that was
// always going to fail.
type Connector interface {
	Route(ctx context.Context, tenantID string) (config.TenantConfig, *pool.TenantPool, error)
}

// Metrics is the subset of metrics.Collector the handler reports to.
type Metrics interface {
	CancelRequestsTotal()
	CancelRequestsUnmatchedTotal()
	StartupAuthFailuresTotal(tenantID string)
	StartupRejectionsTotal(reason string)
}

// Handler implements proxy.ConnectionHandler for PostgreSQL wire-protocol
// frontends: startup negotiation, tenant routing, authentication, cancel
// registration, and handoff to the session- or transaction-mode relay.
type Handler struct {
	Connector Connector
	Registry  *cancel.Registry
	Metrics   Metrics
	AuthMode  string // "trust" or "password"

	// FrontendPassword resolves the password a client must present for a
	// given (tenant, user) pair, independent of the tenant's backend
	// credentials.
	FrontendPassword func(tenantID, user string) (string, bool)
}

// Handle drives one client connection from the first byte to disconnect.
func (h *Handler) Handle(ctx context.Context, clientConn net.Conn) error {
	codec, req, err := startup.ReadUntilTerminal(clientConn)
	if err != nil {
		return fmt.Errorf("startup negotiation: %w", err)
	}

	if req.Kind == startup.KindCancel {
		return h.handleCancel(req)
	}

	sessionID := uuid.NewString()
	log := slog.With("session", sessionID)

	params, err := startup.ParseParameters(req.Payload)
	if err != nil {
		h.rejectf(codec, clientConn, "startup parameters: %v", err)
		return err
	}

	user, _ := params.GetString("user")
	tenantID := resolveTenantID(params, user)
	if tenantID == "" {
		h.reject(codec, clientConn, "unable to determine tenant")
		if h.Metrics != nil {
			h.Metrics.StartupRejectionsTotal("no_tenant")
		}
		return fmt.Errorf("no tenant resolved for user %q", user)
	}
	log = log.With("tenant", tenantID, "user", user)

	// Routing happens before authentication: an unknown or paused tenant
	// is rejected here, before the client is made to complete a password
	// challenge for a session that was never going to succeed.
	tc, tp, err := h.Connector.Route(ctx, tenantID)
	if err != nil {
		h.reject(codec, clientConn, "no available backend")
		if h.Metrics != nil {
			h.Metrics.StartupRejectionsTotal("backend_unavailable")
		}
		return fmt.Errorf("routing tenant %q: %w", tenantID, err)
	}

	method, err := h.authMethod(tenantID, user)
	if err != nil {
		h.reject(codec, clientConn, "authentication unavailable")
		return err
	}
	ok, err := method.Authenticate(codec, clientConn, user)
	if err != nil {
		return fmt.Errorf("authenticating user %q: %w", user, err)
	}
	if !ok {
		h.reject(codec, clientConn, fmt.Sprintf("password authentication failed for user %q", user))
		if h.Metrics != nil {
			h.Metrics.StartupAuthFailuresTotal(tenantID)
		}
		return fmt.Errorf("authentication failed for user %q", user)
	}

	backendConn, err := tp.Acquire(ctx)
	if err != nil {
		h.reject(codec, clientConn, "no available backend")
		if h.Metrics != nil {
			h.Metrics.StartupRejectionsTotal("backend_unavailable")
		}
		return fmt.Errorf("acquiring backend for tenant %q: %w", tenantID, err)
	}

	processID, secretKey := backendConn.BackendPID(), backendConn.BackendKey()
	backendAddr := backendConn.Conn().RemoteAddr().String()

	var deregister func()
	if h.Registry != nil {
		key := cancel.Key{ProcessID: int32(processID), SecretKey: int32(secretKey)}
		deregister = h.Registry.Register(key, func() {
			log.Info("cancelling session")
			cancelCtx, cancelDone := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelDone()
			if err := backend.DialCancel(cancelCtx, backendAddr, processID, secretKey); err != nil {
				log.Warn("cancel RPC failed", "err", err)
			}
		})
		defer deregister()
	}

	if err := codec.WriteResponse(clientConn, startup.Response{Kind: startup.RespAuthenticationOk}); err != nil {
		backendConn.Return()
		return err
	}
	paramStatus := serverParameterStatus(backendConn.ServerParams())
	for _, key := range sortedParameterKeys(paramStatus) {
		if err := codec.WriteResponse(clientConn, startup.Response{
			Kind: startup.RespParameterStatus, Key: key, Value: paramStatus[key],
		}); err != nil {
			backendConn.Return()
			return err
		}
	}
	if err := codec.WriteResponse(clientConn, startup.Response{Kind: startup.RespReadyForQuery}); err != nil {
		backendConn.Return()
		return err
	}

	poolMode := tp.PoolMode()
	log.Info("session established", "db_type", tc.DBType, "pool_mode", poolMode)

	if poolMode == "transaction" {
		backendConn.Return()
		var txnMetrics relay.Metrics
		if m, ok := h.Metrics.(relay.Metrics); ok {
			txnMetrics = m
		}
		return relay.TransactionMode(ctx, clientConn, tp, tenantID, txnMetrics, codec.Pending())
	}

	defer backendConn.Return()
	return relay.Pump(ctx, clientConn, backendConn.Conn(), codec.Pending(), nil)
}

func (h *Handler) handleCancel(req startup.Request) error {
	if h.Metrics != nil {
		h.Metrics.CancelRequestsTotal()
	}
	pid, secret := req.CancelKey()
	if h.Registry == nil {
		return nil
	}
	if !h.Registry.Fire(cancel.Key{ProcessID: pid, SecretKey: secret}) {
		if h.Metrics != nil {
			h.Metrics.CancelRequestsUnmatchedTotal()
		}
	}
	// PostgreSQL's CancelRequest carries no reply; the client closes its
	// end once it has sent the request.
	return nil
}

func (h *Handler) authMethod(tenantID, user string) (auth.Method, error) {
	mode := h.AuthMode
	if mode == "" {
		mode = "password"
	}
	switch mode {
	case "trust":
		return auth.Trust{}, nil
	case "password":
		return auth.Password{Lookup: func(u string) (string, bool) {
			if h.FrontendPassword == nil {
				return "", false
			}
			return h.FrontendPassword(tenantID, u)
		}}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", mode)
	}
}

func (h *Handler) reject(codec *startup.Codec, w net.Conn, message string) {
	_ = codec.WriteResponse(w, startup.Response{Kind: startup.RespErrorResponse, Message: message})
}

func (h *Handler) rejectf(codec *startup.Codec, w net.Conn, format string, args ...interface{}) {
	h.reject(codec, w, fmt.Sprintf(format, args...))
}

// resolveTenantID mirrors the teacher's fallback chain: a "-c
// tenant_id=..." options string, then a direct tenant_id parameter, then a
// tenant-prefixed username.
func resolveTenantID(params *startup.Parameters, user string) string {
	if options, ok := params.GetString("options"); ok {
		if tid := parseTenantFromOptions(options); tid != "" {
			return tid
		}
	}
	if tid, ok := params.GetString("tenant_id"); ok && tid != "" {
		return tid
	}
	if tid, _, ok := router.ExtractTenantFromUsername(user); ok {
		return tid
	}
	return ""
}

// parseTenantFromOptions extracts tenant_id from a libpq options string
// formatted as "-c tenant_id=xxx".
func parseTenantFromOptions(options string) string {
	parts := strings.Fields(options)
	for i, p := range parts {
		if p == "-c" && i+1 < len(parts) {
			kv := strings.SplitN(parts[i+1], "=", 2)
			if len(kv) == 2 && kv[0] == "tenant_id" {
				return kv[1]
			}
		}
	}
	return ""
}

// serverParameterStatus merges the ParameterStatus values the real backend
// reported during its own handshake over a baseline the client needs to see
// regardless (a stub backend in tests, or a backend that didn't report a
// given key, still gets a usable value).
func serverParameterStatus(backendParams map[string]string) map[string]string {
	merged := map[string]string{
		"server_version":  "16.0",
		"client_encoding": "UTF8",
		"DateStyle":       "ISO, MDY",
	}
	for k, v := range backendParams {
		merged[k] = v
	}
	return merged
}

// sortedParameterKeys returns params's keys in ascending order, so
// ParameterStatus replay to the client is deterministic.
func sortedParameterKeys(params map[string]string) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
