// Package auth implements the frontend-facing authentication methods the
// proxy offers to connecting clients: Trust (no challenge) and Password
// (MD5-salted challenge-response), matching the wire forms the startup
// package encodes and decodes.
package auth

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/pgfrontend/pgfrontend/internal/startup"
)

// Method is a frontend authentication strategy. Authenticate drives the
// challenge/response exchange (if any) over codec/rw and reports whether
// the client proved its identity.
type Method interface {
	Authenticate(codec *startup.Codec, rw io.ReadWriter, user string) (ok bool, err error)
}

// Trust accepts any client without a challenge. It is grounded on listener
// configurations that deliberately skip authentication for trusted network
// paths (e.g. a sidecar proxy reachable only from its own pod).
type Trust struct{}

// Authenticate always succeeds.
func (Trust) Authenticate(codec *startup.Codec, rw io.ReadWriter, user string) (bool, error) {
	return true, nil
}

// Password implements MD5-salted password authentication. Lookup resolves
// a username to its cleartext password; a missing user is treated as an
// authentication failure rather than an error, so timing between "unknown
// user" and "wrong password" does not differ observably here (the lookup
// itself may still vary, which is a concern for Lookup's implementation,
// not this type).
type Password struct {
	Lookup func(user string) (password string, ok bool)
}

// Authenticate sends an AuthenticationMD5Password challenge with a random
// salt, reads the client's response, and compares it in constant time
// against the expected hash.
func (p Password) Authenticate(codec *startup.Codec, rw io.ReadWriter, user string) (bool, error) {
	var salt [4]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return false, fmt.Errorf("generating md5 salt: %w", err)
	}

	if err := codec.WriteResponse(rw, startup.Response{
		Kind: startup.RespAuthenticationMD5Password,
		Salt: salt,
	}); err != nil {
		return false, fmt.Errorf("writing md5 challenge: %w", err)
	}

	req, err := codec.ReadRequest()
	if err != nil {
		return false, fmt.Errorf("reading password response: %w", err)
	}
	if req.Kind != startup.KindPassword {
		return false, fmt.Errorf("expected password message, got kind %d", req.Kind)
	}

	password, ok := p.Lookup(user)
	if !ok {
		return false, nil
	}

	expected := ComputeMD5Password(user, password, salt[:])
	if subtle.ConstantTimeCompare([]byte(expected), req.PasswordHash) != 1 {
		return false, nil
	}
	return true, nil
}

// ComputeMD5Password computes the PostgreSQL MD5 password hash:
// "md5" + md5(hex(md5(password + user)) + salt)
func ComputeMD5Password(user, password string, salt []byte) string {
	h1 := md5.Sum([]byte(password + user))
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt...))
	return "md5" + hex.EncodeToString(h2[:])
}
