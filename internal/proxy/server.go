package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/pgfrontend/pgfrontend/internal/backend"
	"github.com/pgfrontend/pgfrontend/internal/cancel"
	"github.com/pgfrontend/pgfrontend/internal/config"
	"github.com/pgfrontend/pgfrontend/internal/frontend"
	"github.com/pgfrontend/pgfrontend/internal/health"
	"github.com/pgfrontend/pgfrontend/internal/metrics"
	"github.com/pgfrontend/pgfrontend/internal/pool"
	"github.com/pgfrontend/pgfrontend/internal/router"
)

// Server is the main TCP proxy server.
type Server struct {
	router      *router.Router
	poolMgr     *pool.Manager
	healthCheck *health.Checker
	metrics     *metrics.Collector
	tlsConfig   *tls.Config

	listenCfg config.ListenConfig
	connector *backend.Connector
	cancelReg *cancel.Registry

	pgListener net.Listener

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a new proxy server.
func NewServer(r *router.Router, pm *pool.Manager, hc *health.Checker, m *metrics.Collector, lc config.ListenConfig) *Server {
	ctx, cancelFn := context.WithCancel(context.Background())
	s := &Server{
		router:      r,
		poolMgr:     pm,
		healthCheck: hc,
		metrics:     m,
		listenCfg:   lc,
		connector:   backend.NewConnector(r, pm),
		cancelReg:   cancel.NewRegistry(),
		ctx:         ctx,
		cancel:      cancelFn,
	}

	if lc.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(lc.TLSCert, lc.TLSKey)
		if err != nil {
			log.Printf("[proxy] WARNING: failed to load TLS cert/key: %v — TLS disabled", err)
		} else {
			s.tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
			log.Printf("[proxy] TLS enabled (cert: %s)", lc.TLSCert)
		}
	}

	return s
}

// frontendPassword resolves the password a client must present for a given
// (tenant, user) pair from the tenant's configured FrontendPassword.
func (s *Server) frontendPassword(tenantID, user string) (string, bool) {
	tc, err := s.router.Resolve(tenantID)
	if err != nil || tc.FrontendPassword == "" {
		return "", false
	}
	return tc.FrontendPassword, true
}

// ListenPostgres starts the PostgreSQL proxy listener.
func (s *Server) ListenPostgres(port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s for postgres: %w", addr, err)
	}
	s.pgListener = ln
	log.Printf("[proxy] PostgreSQL proxy listening on %s", addr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln, "postgres")
	}()

	return nil
}

func (s *Server) acceptLoop(ln net.Listener, dbType string) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Printf("[proxy] accept error on %s: %v", dbType, err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn, dbType)
		}()
	}
}

func (s *Server) handleConnection(clientConn net.Conn, dbType string) {
	defer clientConn.Close()

	if dbType != "postgres" {
		log.Printf("[proxy] unknown db type: %s", dbType)
		return
	}

	var registry *cancel.Registry
	if s.listenCfg.CancelEnabledOrDefault() {
		registry = s.cancelReg
	}
	handler := &frontend.Handler{
		Connector:        s.connector,
		Registry:         registry,
		Metrics:          s.metrics,
		AuthMode:         s.listenCfg.PostgresAuthMode,
		FrontendPassword: s.frontendPassword,
	}

	if err := handler.Handle(s.ctx, clientConn); err != nil {
		log.Printf("[proxy] connection error (%s): %v", dbType, err)
	}
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	s.cancel()

	if s.pgListener != nil {
		s.pgListener.Close()
	}

	s.wg.Wait()
	log.Printf("[proxy] server stopped")
}
