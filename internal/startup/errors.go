package startup

import "errors"

// errInvalidInput is wrapped by every framing violation the codec detects,
// letting callers distinguish "need more bytes" (nil error) from a
// malformed client that should be disconnected.
var errInvalidInput = errors.New("invalid startup message")
