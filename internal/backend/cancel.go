package backend

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// cancelRequestCode is the fixed protocol-version field PostgreSQL uses to
// distinguish a CancelRequest from a regular StartupMessage.
const cancelRequestCode = 80877102

// DialCancel opens a short-lived connection to addr and sends a
// CancelRequest carrying processID/secretKey, then closes it without
// waiting for a reply — PostgreSQL's cancel protocol is fire-and-forget,
// so a cancel that arrives after the query already finished, or never
// reaches the backend at all, is not reported as an error here.
func DialCancel(ctx context.Context, addr string, processID, secretKey uint32) error {
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dialing backend %q for cancel: %w", addr, err)
	}
	defer conn.Close()

	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], 16)
	binary.BigEndian.PutUint32(buf[4:8], cancelRequestCode)
	binary.BigEndian.PutUint32(buf[8:12], processID)
	binary.BigEndian.PutUint32(buf[12:16], secretKey)

	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("writing CancelRequest to %q: %w", addr, err)
	}
	return nil
}
