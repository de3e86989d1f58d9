package startup

import (
	"fmt"
	"io"

	"github.com/pgfrontend/pgfrontend/internal/wire"
)

// Phase is the codec's two-state discriminant: before the first Startup
// frame, it parses untagged frames; afterward, every frame must carry a
// leading tag byte. Modeling this as an explicit type (rather than the bare
// bool the reference implementation uses) makes the permissible messages in
// each state self-documenting.
type Phase int

const (
	PhaseAwaitingStartup Phase = iota
	PhasePostStartup
)

// Decoder is a stateful frame decoder for the startup phase. It holds no
// I/O of its own — Decode is a pure function of the current phase and the
// bytes handed to it, so it can be driven by anything that can hand it an
// append-only buffer (see Codec in reader.go).
type Decoder struct {
	phase Phase
}

// NewDecoder returns a Decoder in the initial, pre-Startup phase.
func NewDecoder() *Decoder {
	return &Decoder{phase: PhaseAwaitingStartup}
}

// Phase reports the decoder's current phase.
func (d *Decoder) Phase() Phase {
	return d.phase
}

// Decode consumes from the front of buf. It returns (req, n, nil) with n > 0
// when exactly one frame was parsed (the caller should drop buf[:n]); it
// returns (Request{}, 0, nil) when buf does not yet hold a complete frame;
// and it returns a non-nil error for any framing violation.
func (d *Decoder) Decode(buf []byte) (Request, int, error) {
	if d.phase == PhaseAwaitingStartup {
		return d.decodeUntagged(buf)
	}
	return d.decodeTagged(buf)
}

func (d *Decoder) decodeUntagged(buf []byte) (Request, int, error) {
	if len(buf) < 4 {
		return Request{}, 0, nil
	}

	b := wire.NewBuffer(buf[:4])
	length, _ := b.ReadUint32()
	frameLen := int(length)
	if frameLen < minFrameLen || frameLen > maxFrameLen {
		return Request{}, 0, fmt.Errorf("invalid startup frame length %d: %w", frameLen, errInvalidInput)
	}

	if len(buf) < frameLen {
		return Request{}, 0, nil
	}

	frame := wire.NewBuffer(buf[4:frameLen])
	code, err := frame.ReadUint32()
	if err != nil {
		return Request{}, 0, fmt.Errorf("reading startup code: %v: %w", err, errInvalidInput)
	}

	var req Request
	switch code {
	case ProtocolVersion3:
		req = Request{Kind: KindStartup, Payload: frame.ReadAll()}
		d.phase = PhasePostStartup

	case cancelCode:
		pid, err := frame.ReadInt32()
		if err != nil {
			return Request{}, 0, fmt.Errorf("reading cancel process_id: %v: %w", err, errInvalidInput)
		}
		secret, err := frame.ReadInt32()
		if err != nil {
			return Request{}, 0, fmt.Errorf("reading cancel secret_key: %v: %w", err, errInvalidInput)
		}
		req = Request{Kind: KindCancel, ProcessID: pid, SecretKey: secret}

	case sslCode:
		req = Request{Kind: KindSSLRequest}

	case gssCode:
		req = Request{Kind: KindGSSEncRequest}

	default:
		return Request{}, 0, fmt.Errorf("unknown startup code %d: %w", code, errInvalidInput)
	}

	if !frame.Empty() {
		return Request{}, 0, fmt.Errorf("expected buffer to be empty: %w", errInvalidInput)
	}

	return req, frameLen, nil
}

func (d *Decoder) decodeTagged(buf []byte) (Request, int, error) {
	if len(buf) < 5 {
		return Request{}, 0, nil
	}

	tag := buf[0]
	b := wire.NewBuffer(buf[1:5])
	length, _ := b.ReadUint32()
	frameLen := int(length)
	if frameLen < minFrameLen || frameLen > maxFrameLen {
		return Request{}, 0, fmt.Errorf("invalid frame length %d: %w", frameLen, errInvalidInput)
	}

	total := 1 + frameLen // tag byte is not counted in frameLen
	if len(buf) < total {
		return Request{}, 0, nil
	}

	body := wire.NewBuffer(buf[5:total])

	switch tag {
	case 'p':
		hash, err := body.ReadCString()
		if err != nil {
			return Request{}, 0, fmt.Errorf("reading password string: %v: %w", err, errInvalidInput)
		}
		return Request{Kind: KindPassword, PasswordHash: hash}, total, nil
	default:
		return Request{}, 0, fmt.Errorf("unexpected tag %q before authentication: %w", tag, errInvalidInput)
	}
}

// Encoder serializes Response values to the wire forms in the
// protocol reference table. All multi-byte integers are big-endian.
type Encoder struct{}

// NewEncoder returns a stateless response encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Encode writes resp to w in its exact wire form.
func (e *Encoder) Encode(w io.Writer, resp Response) error {
	switch resp.Kind {
	case RespAuthenticationOk:
		_, err := w.Write([]byte{'R', 0, 0, 0, 8, 0, 0, 0, 0})
		return err

	case RespAuthenticationMD5Password:
		// The trailing uint32(0) after the salt is a deliberate, preserved
		// quirk — see SPEC_FULL.md Open Questions. Standard PostgreSQL emits
		// only the 4 salt bytes inside an 8-byte body.
		buf := make([]byte, 0, 13)
		buf = append(buf, 'R')
		buf = append(buf, 0, 0, 0, 12)
		buf = append(buf, resp.Salt[:]...)
		buf = append(buf, 0, 0, 0, 0)
		_, err := w.Write(buf)
		return err

	case RespSSLResponse:
		if resp.Accepted {
			_, err := w.Write([]byte{'S'})
			return err
		}
		_, err := w.Write([]byte{'N'})
		return err

	case RespGSSEncResponse:
		if resp.Accepted {
			_, err := w.Write([]byte{'G'})
			return err
		}
		_, err := w.Write([]byte{'N'})
		return err

	case RespErrorResponse:
		return e.encodeError(w, resp.Message)

	case RespParameterStatus:
		body := make([]byte, 0, len(resp.Key)+len(resp.Value)+2)
		body = append(body, resp.Key...)
		body = append(body, 0)
		body = append(body, resp.Value...)
		body = append(body, 0)
		return writeTagged(w, 'S', body)

	case RespReadyForQuery:
		_, err := w.Write([]byte{'Z', 0, 0, 0, 5, 'I'})
		return err

	default:
		return fmt.Errorf("unknown response kind %d", resp.Kind)
	}
}

// encodeError writes a fatal ErrorResponse with just Severity and Message
// fields, terminated by the field-list terminator byte.
func (e *Encoder) encodeError(w io.Writer, message string) error {
	body := make([]byte, 0, len(message)+16)
	body = append(body, 'S')
	body = append(body, "FATAL"...)
	body = append(body, 0)
	body = append(body, 'M')
	body = append(body, message...)
	body = append(body, 0)
	body = append(body, 0) // terminator
	return writeTagged(w, 'E', body)
}

func writeTagged(w io.Writer, tag byte, body []byte) error {
	frameLen := len(body) + 4
	buf := make([]byte, 0, 5+len(body))
	buf = append(buf, tag)
	buf = append(buf, byte(frameLen>>24), byte(frameLen>>16), byte(frameLen>>8), byte(frameLen))
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}
