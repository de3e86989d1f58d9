package startup

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func encodeUntagged(code uint32, body []byte) []byte {
	frameLen := 4 + 4 + len(body)
	buf := make([]byte, 4, frameLen)
	binary.BigEndian.PutUint32(buf, uint32(frameLen))
	codeBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(codeBuf, code)
	buf = append(buf, codeBuf...)
	buf = append(buf, body...)
	return buf
}

func TestDecodeStartupMessage(t *testing.T) {
	payload := []byte("user\x00alice\x00\x00")
	frame := encodeUntagged(ProtocolVersion3, payload)

	d := NewDecoder()
	req, n, err := d.Decode(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(frame) {
		t.Fatalf("consumed %d, want %d", n, len(frame))
	}
	if req.Kind != KindStartup {
		t.Fatalf("got kind %v, want KindStartup", req.Kind)
	}
	if !bytes.Equal(req.Payload, payload) {
		t.Fatalf("got payload %q, want %q", req.Payload, payload)
	}
	if d.Phase() != PhasePostStartup {
		t.Fatalf("expected phase to advance to PhasePostStartup")
	}
}

func TestDecodeNeedsMoreBytes(t *testing.T) {
	frame := encodeUntagged(ProtocolVersion3, []byte("user\x00alice\x00\x00"))

	d := NewDecoder()
	_, n, err := d.Decode(frame[:6])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Fatalf("got n=%d, want 0 (incomplete frame)", n)
	}
}

func TestDecodeCancelRequest(t *testing.T) {
	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[0:4], 1234)
	binary.BigEndian.PutUint32(body[4:8], 5678)
	frame := encodeUntagged(cancelCode, body)

	d := NewDecoder()
	req, n, err := d.Decode(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(frame) {
		t.Fatalf("consumed %d, want %d", n, len(frame))
	}
	if req.Kind != KindCancel {
		t.Fatalf("got kind %v, want KindCancel", req.Kind)
	}
	pid, secret := req.CancelKey()
	if pid != 1234 || secret != 5678 {
		t.Fatalf("got (%d, %d), want (1234, 5678)", pid, secret)
	}
	if d.Phase() != PhaseAwaitingStartup {
		t.Fatalf("cancel request must not advance the phase")
	}
}

func TestDecodeSSLRequest(t *testing.T) {
	frame := encodeUntagged(sslCode, nil)

	d := NewDecoder()
	req, n, err := d.Decode(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(frame) || req.Kind != KindSSLRequest {
		t.Fatalf("got (%d, %v)", n, req.Kind)
	}
}

func TestDecodeRejectsOutOfRangeLength(t *testing.T) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, 3) // below minFrameLen

	d := NewDecoder()
	if _, _, err := d.Decode(buf); err == nil {
		t.Fatalf("expected an error for a too-short frame length")
	}
}

func TestDecodeRejectsUnknownCode(t *testing.T) {
	frame := encodeUntagged(999999, nil)

	d := NewDecoder()
	if _, _, err := d.Decode(frame); err == nil {
		t.Fatalf("expected an error for an unknown startup code")
	}
}

func TestDecodeTaggedPasswordMessage(t *testing.T) {
	body := []byte("md5abcdef0123456789\x00")
	frame := make([]byte, 0, 5+len(body))
	frame = append(frame, 'p')
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(4+len(body)))
	frame = append(frame, lenBuf...)
	frame = append(frame, body...)

	d := NewDecoder()
	d.phase = PhasePostStartup

	req, n, err := d.Decode(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(frame) {
		t.Fatalf("consumed %d, want %d", n, len(frame))
	}
	if req.Kind != KindPassword {
		t.Fatalf("got kind %v, want KindPassword", req.Kind)
	}
	if string(req.PasswordHash) != "md5abcdef0123456789" {
		t.Fatalf("got %q", req.PasswordHash)
	}
}

func TestDecodeTaggedRejectsUnknownTag(t *testing.T) {
	frame := []byte{'X', 0, 0, 0, 4}

	d := NewDecoder()
	d.phase = PhasePostStartup

	if _, _, err := d.Decode(frame); err == nil {
		t.Fatalf("expected an error for an unrecognized tagged message")
	}
}

func TestEncodeAuthenticationOk(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder()
	if err := enc.Encode(&buf, Response{Kind: RespAuthenticationOk}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []byte{'R', 0, 0, 0, 8, 0, 0, 0, 0}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("got %v, want %v", buf.Bytes(), want)
	}
}

func TestEncodeAuthenticationMD5PasswordHasTrailingQuirk(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder()
	resp := Response{Kind: RespAuthenticationMD5Password, Salt: [4]byte{1, 2, 3, 4}}
	if err := enc.Encode(&buf, resp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []byte{'R', 0, 0, 0, 12, 1, 2, 3, 4, 0, 0, 0, 0}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("got %v, want %v", buf.Bytes(), want)
	}
}

func TestEncodeSSLResponse(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder()
	if err := enc.Encode(&buf, Response{Kind: RespSSLResponse, Accepted: false}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buf.Bytes()[0] != 'N' {
		t.Fatalf("got %q, want 'N'", buf.Bytes())
	}
}

func TestEncodeErrorResponse(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder()
	if err := enc.Encode(&buf, Response{Kind: RespErrorResponse, Message: "boom"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.Bytes()
	if out[0] != 'E' {
		t.Fatalf("got tag %q, want 'E'", out[0])
	}
	if !bytes.Contains(out, []byte("boom")) {
		t.Fatalf("expected message %q embedded in %v", "boom", out)
	}
}
