// Package startup implements the PostgreSQL startup-protocol state machine:
// framing, tag/untagged dispatch, SSL/GSS rejection, and parameter parsing.
// It is the client-facing edge of the proxy, covering everything up to (but
// not including) query traffic.
package startup

import "fmt"

// Protocol version and special startup codes, per the PostgreSQL frontend/
// backend protocol.
const (
	ProtocolVersion3 = 196608 // 3<<16 | 0
	cancelCode       = 80877102
	sslCode          = 80877103
	gssCode          = 80877104

	minFrameLen = 4
	maxFrameLen = 10000
)

// Kind discriminates the tagged union of frontend startup messages.
type Kind int

const (
	KindStartup Kind = iota
	KindCancel
	KindSSLRequest
	KindGSSEncRequest
	KindPassword
)

// Request is the tagged variant observed from the client during the
// startup phase. Only the fields relevant to Kind are populated.
type Request struct {
	Kind Kind

	// Startup
	Payload []byte

	// Cancel
	ProcessID int32
	SecretKey int32

	// Password
	PasswordHash []byte
}

// CancelKey identifies a session for out-of-band cancellation.
func (r Request) CancelKey() (processID, secretKey int32) {
	return r.ProcessID, r.SecretKey
}

// ResponseKind discriminates the tagged union of backend startup responses.
type ResponseKind int

const (
	RespAuthenticationOk ResponseKind = iota
	RespAuthenticationMD5Password
	RespSSLResponse
	RespGSSEncResponse
	RespErrorResponse
	RespParameterStatus
	RespReadyForQuery
)

// Response is the tagged variant sent to the client.
type Response struct {
	Kind ResponseKind

	Salt [4]byte // AuthenticationMD5Password

	Accepted bool // SSLResponse / GSSEncResponse

	Message string // ErrorResponse

	Key   string // ParameterStatus
	Value string // ParameterStatus
}

func (r Response) String() string {
	switch r.Kind {
	case RespAuthenticationOk:
		return "AuthenticationOk"
	case RespAuthenticationMD5Password:
		return "AuthenticationMD5Password"
	case RespSSLResponse:
		return fmt.Sprintf("SSLResponse(%v)", r.Accepted)
	case RespGSSEncResponse:
		return fmt.Sprintf("GSSEncResponse(%v)", r.Accepted)
	case RespErrorResponse:
		return fmt.Sprintf("ErrorResponse(%q)", r.Message)
	case RespParameterStatus:
		return fmt.Sprintf("ParameterStatus(%s=%s)", r.Key, r.Value)
	case RespReadyForQuery:
		return "ReadyForQuery"
	default:
		return "Unknown"
	}
}
