package relay

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/pgfrontend/pgfrontend/internal/pool"
)

// Wire message types relevant to transaction-mode relay. These mirror the
// ones a full PostgreSQL message parser would need, not the complete set.
const (
	msgParse         byte = 'P'
	msgQuery         byte = 'Q'
	msgTerminate     byte = 'X'
	msgReadyForQuery byte = 'Z'
	msgErrorResponse byte = 'E'
)

// TenantPool is the subset of pool.TenantPool transaction-mode relay needs:
// acquire a backend per transaction, release it the instant one ends.
type TenantPool interface {
	Acquire(ctx context.Context) (*pool.PooledConn, error)
}

// Metrics is the subset of metrics.Collector transaction-mode relay reports
// to, kept narrow so tests can fake it without the whole collector.
type Metrics interface {
	AcquireDuration(tenantID, dbType string, d time.Duration)
	SessionPinned(tenantID, reason string)
	TransactionCompleted(tenantID, dbType string, d time.Duration)
	BackendReset(tenantID string, success bool)
	DirtyDisconnect(tenantID string)
}

// TransactionMode relays a client connection under transaction-level
// pooling: unlike Pump, which pins one backend connection for the session's
// whole lifetime, it acquires a backend from tp per transaction and returns
// it to the pool the instant the backend reports idle (ReadyForQuery 'I'),
// unless the session has pinned (a named prepared statement or LISTEN was
// issued, in which case the backend is held until disconnect). The caller
// has already completed the client-facing handshake and acquired-then-
// returned a throwaway connection to source ParameterStatus values from;
// clientPending carries any bytes read from the client past the startup
// message that still need to be processed as the first message here.
func TransactionMode(ctx context.Context, client net.Conn, tp TenantPool, tenantID string, m Metrics, clientPending []byte) error {
	cr := &prefixedReader{Reader: client, prefix: clientPending}

	var pc *pool.PooledConn
	var backend net.Conn
	pinned := false
	var txnStart time.Time

	for {
		select {
		case <-ctx.Done():
			if pc != nil {
				cleanupBackend(pc, tenantID, m)
			}
			return ctx.Err()
		default:
		}

		msgType, payload, err := readMessage(cr)
		if err != nil {
			if pc != nil {
				cleanupBackend(pc, tenantID, m)
			}
			return nil
		}

		if msgType == msgTerminate {
			if pc != nil {
				resetAndReturn(pc, tenantID, m)
			}
			return nil
		}

		if pc == nil {
			acquireStart := time.Now()
			pc, err = tp.Acquire(ctx)
			if err != nil {
				sendError(client, "FATAL", "08000", "cannot acquire backend connection")
				return fmt.Errorf("re-acquiring backend: %w", err)
			}
			if m != nil {
				m.AcquireDuration(tenantID, "postgres", time.Since(acquireStart))
			}
			txnStart = time.Now()
			backend = pc.Conn()
		}

		if !pinned {
			pinned = detectSessionPin(msgType, payload)
			if pinned {
				reason := pinReason(msgType, payload)
				slog.Info("session pinned", "tenant", tenantID, "reason", reason)
				if m != nil {
					m.SessionPinned(tenantID, reason)
				}
			}
		}

		if err := writeMessage(backend, msgType, payload); err != nil {
			pc.Close()
			pc = nil
			return fmt.Errorf("writing to backend: %w", err)
		}

		for {
			rType, rPayload, err := readMessage(backend)
			if err != nil {
				pc.Close()
				pc = nil
				return fmt.Errorf("reading from backend: %w", err)
			}
			if err := writeMessage(client, rType, rPayload); err != nil {
				cleanupBackend(pc, tenantID, m)
				pc = nil
				return nil
			}
			if rType == msgReadyForQuery {
				if len(rPayload) >= 1 && rPayload[0] == 'I' && !pinned {
					if m != nil && !txnStart.IsZero() {
						m.TransactionCompleted(tenantID, "postgres", time.Since(txnStart))
					}
					resetAndReturn(pc, tenantID, m)
					pc = nil
					backend = nil
					txnStart = time.Time{}
				}
				break
			}
		}
	}
}

// resetAndReturn sends DISCARD ALL to the backend before returning it to
// the pool. A failed reset closes the connection instead of returning it
// in an unknown state.
func resetAndReturn(pc *pool.PooledConn, tenantID string, m Metrics) {
	conn := pc.Conn()

	query := append([]byte("DISCARD ALL"), 0)
	if err := writeMessage(conn, msgQuery, query); err != nil {
		slog.Debug("reset failed, closing connection", "err", err)
		if m != nil {
			m.BackendReset(tenantID, false)
		}
		pc.Close()
		return
	}

	for {
		rType, rPayload, err := readMessage(conn)
		if err != nil {
			slog.Debug("reset read failed, closing connection", "err", err)
			if m != nil {
				m.BackendReset(tenantID, false)
			}
			pc.Close()
			return
		}
		switch rType {
		case msgReadyForQuery:
			if len(rPayload) >= 1 && rPayload[0] == 'I' {
				if m != nil {
					m.BackendReset(tenantID, true)
				}
				pc.Return()
				return
			}
			slog.Debug("unexpected state after DISCARD ALL, closing", "status", string(rPayload))
			if m != nil {
				m.BackendReset(tenantID, false)
			}
			pc.Close()
			return
		case msgErrorResponse:
			slog.Debug("DISCARD ALL returned error, closing connection")
			if m != nil {
				m.BackendReset(tenantID, false)
			}
			pc.Close()
			return
		}
	}
}

// cleanupBackend handles a dirty disconnect: ROLLBACK, then the usual
// reset-and-return (or close) path.
func cleanupBackend(pc *pool.PooledConn, tenantID string, m Metrics) {
	if m != nil {
		m.DirtyDisconnect(tenantID)
	}

	conn := pc.Conn()
	rollback := append([]byte("ROLLBACK"), 0)
	if err := writeMessage(conn, msgQuery, rollback); err != nil {
		pc.Close()
		return
	}

	for {
		rType, _, err := readMessage(conn)
		if err != nil {
			pc.Close()
			return
		}
		if rType == msgReadyForQuery {
			break
		}
	}

	resetAndReturn(pc, tenantID, m)
}

// detectSessionPin reports whether a client message forces a backend to be
// held for the rest of the session instead of returned at the next
// transaction boundary: a named prepared statement, or LISTEN/NOTIFY.
func detectSessionPin(msgType byte, payload []byte) bool {
	if msgType == msgParse && len(payload) > 0 && payload[0] != 0 {
		return true
	}
	if msgType == msgQuery && len(payload) > 0 {
		query := strings.ToUpper(strings.TrimSpace(string(payload[:len(payload)-1])))
		if strings.HasPrefix(query, "LISTEN") || strings.HasPrefix(query, "NOTIFY") {
			return true
		}
	}
	return false
}

// pinReason returns a human-readable reason for session pinning, used in
// logs and metrics labels.
func pinReason(msgType byte, payload []byte) string {
	if msgType == msgParse {
		return "named prepared statement"
	}
	if msgType == msgQuery && len(payload) > 0 {
		query := strings.TrimSpace(string(payload[:len(payload)-1]))
		words := strings.Fields(query)
		if len(words) > 0 {
			return strings.ToLower(words[0]) + " command"
		}
	}
	return "unknown"
}

// sendError writes a PostgreSQL ErrorResponse directly to conn.
func sendError(conn net.Conn, severity, code, message string) {
	var buf []byte
	buf = append(buf, 'S')
	buf = append(buf, severity...)
	buf = append(buf, 0)
	buf = append(buf, 'C')
	buf = append(buf, code...)
	buf = append(buf, 0)
	buf = append(buf, 'M')
	buf = append(buf, message...)
	buf = append(buf, 0)
	buf = append(buf, 0)
	writeMessage(conn, msgErrorResponse, buf)
}

// readMessage reads one type-tagged, length-prefixed wire message.
func readMessage(r io.Reader) (byte, []byte, error) {
	var head [5]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return 0, nil, err
	}
	msgLen := int(binary.BigEndian.Uint32(head[1:5])) - 4
	if msgLen < 0 || msgLen > 1<<24 {
		return 0, nil, fmt.Errorf("invalid message length: %d", msgLen)
	}
	payload := make([]byte, msgLen)
	if msgLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return head[0], payload, nil
}

// writeMessage writes one type-tagged, length-prefixed wire message.
func writeMessage(w io.Writer, msgType byte, payload []byte) error {
	buf := make([]byte, 1+4+len(payload))
	buf[0] = msgType
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)+4))
	copy(buf[5:], payload)
	_, err := w.Write(buf)
	return err
}

// prefixedReader serves buffered bytes before falling through to the
// wrapped reader, so bytes already pulled off a connection during startup
// parsing can be spliced back in front of the live stream.
type prefixedReader struct {
	io.Reader
	prefix []byte
}

func (p *prefixedReader) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.Reader.Read(b)
}
