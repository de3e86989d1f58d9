package startup

import (
	"fmt"
	"io"
)

// Codec drives a Decoder over an io.Reader, accumulating bytes until a full
// frame is available. It also exposes whatever bytes it has buffered but
// not yet delivered, so a caller handing the connection off to a byte relay
// can drain them first instead of losing already-read client input.
type Codec struct {
	r   io.Reader
	dec *Decoder
	enc *Encoder
	buf []byte
}

// NewCodec wraps r with a fresh Decoder in the pre-Startup phase.
func NewCodec(r io.Reader) *Codec {
	return &Codec{r: r, dec: NewDecoder(), enc: NewEncoder()}
}

// ReadRequest blocks until a full startup-phase frame is available, reading
// from the underlying reader as needed, and returns it.
func (c *Codec) ReadRequest() (Request, error) {
	for {
		req, n, err := c.dec.Decode(c.buf)
		if err != nil {
			return Request{}, err
		}
		if n > 0 {
			// Drop the consumed prefix by shifting the unconsumed tail to
			// the front of the existing backing array, so the buffer is
			// reused rather than reallocated.
			remaining := len(c.buf) - n
			copy(c.buf, c.buf[n:])
			c.buf = c.buf[:remaining]
			return req, nil
		}

		chunk := make([]byte, 4096)
		m, err := c.r.Read(chunk)
		if m > 0 {
			c.buf = append(c.buf, chunk[:m]...)
		}
		if err != nil {
			if m == 0 {
				if err == io.EOF {
					return Request{}, io.ErrUnexpectedEOF
				}
				return Request{}, err
			}
			// Got bytes and an error (e.g. EOF coinciding with data) — loop
			// once more to see if those bytes complete a frame before
			// surfacing the error.
		}
	}
}

// WriteResponse encodes and writes resp.
func (c *Codec) WriteResponse(w io.Writer, resp Response) error {
	return c.enc.Encode(w, resp)
}

// Pending returns bytes that have been read from the connection but not yet
// consumed into a frame. Query traffic immediately following the last
// startup-phase frame can legally be pipelined in the same TCP segment;
// callers must forward these bytes to the backend before relaying further
// reads from the client connection.
func (c *Codec) Pending() []byte {
	return c.buf
}

// Phase reports the decoder's current phase.
func (c *Codec) Phase() Phase {
	return c.dec.Phase()
}

// ReadUntilTerminal drives the startup exchange for one connection: it
// transparently rejects SSLRequest and GSSEncRequest (responding 'N' and
// looping for the client's retry), and hands back the first message that
// requires a decision from the caller — a Startup or a Cancel. A client
// that sends Password before any Startup, or anything else out of
// sequence, is a protocol violation and yields an error.
func ReadUntilTerminal(rw io.ReadWriter) (*Codec, Request, error) {
	codec := NewCodec(rw)

	for attempts := 0; ; attempts++ {
		if attempts > 16 {
			return nil, Request{}, fmt.Errorf("too many negotiation round-trips before startup: %w", errInvalidInput)
		}

		req, err := codec.ReadRequest()
		if err != nil {
			return nil, Request{}, err
		}

		switch req.Kind {
		case KindSSLRequest:
			if err := codec.WriteResponse(rw, Response{Kind: RespSSLResponse, Accepted: false}); err != nil {
				return nil, Request{}, err
			}
			continue

		case KindGSSEncRequest:
			if err := codec.WriteResponse(rw, Response{Kind: RespGSSEncResponse, Accepted: false}); err != nil {
				return nil, Request{}, err
			}
			continue

		case KindStartup, KindCancel:
			return codec, req, nil

		case KindPassword:
			return nil, Request{}, fmt.Errorf("password message before startup: %w", errInvalidInput)

		default:
			return nil, Request{}, fmt.Errorf("unexpected message kind %d before startup: %w", req.Kind, errInvalidInput)
		}
	}
}
