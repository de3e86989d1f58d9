// Package relay implements the steady-state byte-pump that takes over a
// connection pair once the startup handshake is complete: flush whatever
// framing bytes were already read off the client and backend, then copy
// bytes bidirectionally until either side closes.
package relay

import (
	"context"
	"io"
	"net"
	"sync"
)

// Pump copies bytes bidirectionally between client and backend until one
// side closes, the context is cancelled, or a non-EOF error occurs.
// clientPending and backendPending are bytes already read from each
// connection during the startup phase (e.g. a query pipelined in the same
// TCP segment as the last startup message) and must reach the other side
// before the live copy begins, or they would be silently dropped.
func Pump(ctx context.Context, client, backend net.Conn, clientPending, backendPending []byte) error {
	if len(clientPending) > 0 {
		if _, err := backend.Write(clientPending); err != nil {
			return err
		}
	}
	if len(backendPending) > 0 {
		if _, err := client.Write(backendPending); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := io.Copy(backend, client)
		errCh <- err
		halfClose(backend)
	}()
	go func() {
		defer wg.Done()
		_, err := io.Copy(client, backend)
		errCh <- err
		halfClose(client)
	}()

	select {
	case <-ctx.Done():
		client.Close()
		backend.Close()
	case err := <-errCh:
		if err != nil && err != io.EOF {
			client.Close()
			backend.Close()
			wg.Wait()
			return err
		}
	}

	wg.Wait()
	return nil
}

// halfClose signals the far end that this side is done writing, without
// tearing down the read half — the usual PostgreSQL wire shutdown sequence
// is a FIN on one direction followed by the peer closing in response.
func halfClose(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
}
