package proxy

import (
	"context"
	"net"
)

// ConnectionHandler handles a client connection for a specific DB protocol.
type ConnectionHandler interface {
	Handle(ctx context.Context, clientConn net.Conn) error
}
