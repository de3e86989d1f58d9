package startup

import (
	"fmt"
	"unicode/utf8"

	"github.com/pgfrontend/pgfrontend/internal/wire"
)

// Parameters holds the decoded key/value pairs from a Startup message
// payload, with Get/GetString lookups by key (the proxy inspects a handful
// directly, such as user, database and options).
type Parameters struct {
	pairs map[string][]byte
	order []string
}

// Get returns the raw bytes for key, and whether it was present.
func (p *Parameters) Get(key string) ([]byte, bool) {
	v, ok := p.pairs[key]
	return v, ok
}

// GetString returns key's value interpreted as UTF-8 text. Since
// ParseParameters only ever stores values under UTF-8 keys, and the values
// themselves pass through verbatim, this can still contain non-UTF-8 bytes
// if the client sent them — callers that need strict text should validate.
func (p *Parameters) GetString(key string) (string, bool) {
	v, ok := p.pairs[key]
	if !ok {
		return "", false
	}
	return string(v), true
}

// Keys returns parameter keys in the order the client sent them.
func (p *Parameters) Keys() []string {
	return p.order
}

// ParseParameters decodes the cstring key/value pairs that follow the
// protocol version in a Startup message payload, stopping at the empty
// key that terminates the list.
//
// A key that is not valid UTF-8 is dropped along with its value — the
// startup parameter list is meant to be a small set of well-known ASCII
// identifiers (user, database, options, application_name, ...) and a
// non-UTF-8 key almost certainly indicates a malformed or adversarial
// client rather than a legitimate parameter this proxy should act on.
// Values are kept as raw bytes regardless of encoding: some clients pass
// non-UTF-8 bytes through options or application_name, and those are
// opaque payload as far as this proxy is concerned — only the key
// controls dispatch, so only the key needs validating.
func ParseParameters(payload []byte) (*Parameters, error) {
	params := &Parameters{pairs: make(map[string][]byte)}

	buf := wire.NewBuffer(payload)
	for {
		key, err := buf.ReadCString()
		if err != nil {
			return nil, fmt.Errorf("reading parameter key: %w", err)
		}
		if len(key) == 0 {
			break
		}

		value, err := buf.ReadCString()
		if err != nil {
			return nil, fmt.Errorf("reading value for parameter %q: %w", key, err)
		}

		if !utf8.Valid(key) {
			continue
		}

		k := string(key)
		if _, seen := params.pairs[k]; !seen {
			params.order = append(params.order, k)
		}
		params.pairs[k] = value
	}

	if !buf.Empty() {
		return nil, fmt.Errorf("trailing bytes after parameter list: %w", errInvalidInput)
	}

	return params, nil
}
