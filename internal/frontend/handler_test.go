package frontend

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pgfrontend/pgfrontend/internal/cancel"
	"github.com/pgfrontend/pgfrontend/internal/config"
	"github.com/pgfrontend/pgfrontend/internal/pool"
	"github.com/pgfrontend/pgfrontend/internal/startup"
)

func encodeStartupFrame(params map[string]string) []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, 196608)
	for k, v := range params {
		body = append(body, []byte(k)...)
		body = append(body, 0)
		body = append(body, []byte(v)...)
		body = append(body, 0)
	}
	body = append(body, 0)

	frame := make([]byte, 4)
	binary.BigEndian.PutUint32(frame, uint32(4+len(body)))
	return append(frame, body...)
}

type stubConnector struct {
	tenant config.TenantConfig
	tp     *pool.TenantPool
	err    error
}

func (s *stubConnector) Route(ctx context.Context, tenantID string) (config.TenantConfig, *pool.TenantPool, error) {
	if s.err != nil {
		return config.TenantConfig{}, nil, s.err
	}
	return s.tenant, s.tp, nil
}

// newStubPool builds a single-connection tenant pool backed by conn, with
// the connection pre-marked authenticated so Acquire skips the liveness
// Ping that would otherwise read a stray byte off a test pipe.
func newStubPool(conn net.Conn, tc config.TenantConfig, backendPID, backendKey uint32) *pool.TenantPool {
	tp := pool.NewTenantPool("acme", tc, config.PoolDefaults{})
	pc := pool.NewPooledConn(conn, "acme", tc.DBType, tp)
	pc.SetAuthenticated(map[string]string{}, backendPID, backendKey)
	tp.InjectTestConn(pc)
	return tp
}

func readByte(t *testing.T, r io.Reader) byte {
	t.Helper()
	buf := make([]byte, 1)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	return buf[0]
}

func TestHandleTrustAuthEstablishesSession(t *testing.T) {
	clientSide, proxySide := net.Pipe()
	defer clientSide.Close()
	backendSide, proxyBackendSide := net.Pipe()
	defer backendSide.Close()

	tc := config.TenantConfig{DBType: "postgres", PoolMode: "session"}
	tp := newStubPool(proxyBackendSide, tc, 4242, 9898)

	h := &Handler{
		AuthMode:  "trust",
		Connector: &stubConnector{tenant: tc, tp: tp},
		Registry:  cancel.NewRegistry(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.Handle(context.Background(), proxySide)
	}()

	clientSide.SetDeadline(time.Now().Add(2 * time.Second))
	frame := encodeStartupFrame(map[string]string{"user": "alice", "tenant_id": "acme"})
	if _, err := clientSide.Write(frame); err != nil {
		t.Fatalf("write startup: %v", err)
	}

	if got := readByte(t, clientSide); got != 'R' {
		t.Fatalf("got tag %q, want AuthenticationOk tag 'R'", got)
	}

	// ParameterStatus frames must arrive in ascending key order, and no
	// BackendKeyData frame should ever reach the client.
	var lastKey string
	for {
		tag := readByte(t, clientSide)
		if tag == 'Z' {
			break
		}
		if tag == 'K' {
			t.Fatalf("unexpected BackendKeyData frame sent to client")
		}
		if tag != 'S' {
			t.Fatalf("got tag %q, want ParameterStatus 'S' or ReadyForQuery 'Z'", tag)
		}
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(clientSide, lenBuf); err != nil {
			t.Fatalf("read length: %v", err)
		}
		body := make([]byte, binary.BigEndian.Uint32(lenBuf)-4)
		if _, err := io.ReadFull(clientSide, body); err != nil {
			t.Fatalf("read body: %v", err)
		}
		parts := splitNulFields(body)
		key := parts[0]
		if lastKey != "" && key < lastKey {
			t.Fatalf("ParameterStatus out of order: %q after %q", key, lastKey)
		}
		lastKey = key
	}
	// Drain the ReadyForQuery body (status byte).
	io.ReadFull(clientSide, make([]byte, 5))

	clientSide.Close()
	backendSide.Close()
	<-errCh
}

// splitNulFields splits a NUL-terminated key\0value\0 ParameterStatus body
// into its fields.
func splitNulFields(body []byte) []string {
	var fields []string
	start := 0
	for i, b := range body {
		if b == 0 {
			fields = append(fields, string(body[start:i]))
			start = i + 1
		}
	}
	return fields
}

func TestHandleCancelFiresRegisteredSession(t *testing.T) {
	registry := cancel.NewRegistry()
	fired := make(chan struct{}, 1)
	key := cancel.Key{ProcessID: 42, SecretKey: 99}
	registry.Register(key, func() { fired <- struct{}{} })

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	h := &Handler{Registry: registry}

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.Handle(context.Background(), server)
	}()

	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[0:4], 42)
	binary.BigEndian.PutUint32(body[4:8], 99)
	frame := make([]byte, 4)
	binary.BigEndian.PutUint32(frame, uint32(4+4+len(body)))
	full := append(frame, make([]byte, 4)...)
	binary.BigEndian.PutUint32(full[4:8], 80877102)
	full = append(full, body...)

	client.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Write(full); err != nil {
		t.Fatalf("write cancel: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel was not fired")
	}

	if err := <-errCh; err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
}

func TestResolveTenantIDPriority(t *testing.T) {
	cases := []struct {
		name   string
		params map[string]string
		user   string
		want   string
	}{
		{"options wins over tenant_id", map[string]string{"options": "-c tenant_id=from-options", "tenant_id": "from-param"}, "u", "from-options"},
		{"tenant_id param when no options", map[string]string{"tenant_id": "from-param"}, "u", "from-param"},
		{"username fallback", map[string]string{}, "acme__bob", "acme"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame := encodeStartupFrame(tc.params)
			payload := frame[8:] // strip 4-byte frame length + 4-byte protocol version
			params, err := startup.ParseParameters(payload)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			got := resolveTenantID(params, tc.user)
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}
