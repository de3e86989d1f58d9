// Package cancel implements the out-of-band cancellation registry: a
// lookup from (process_id, secret_key) pairs handed out at session
// startup to a handle capable of interrupting that session's backend
// connection, without the cancelling client ever opening anything beyond
// a single short-lived connection carrying a CancelRequest.
//
// The teacher's router package gets away with atomic.Value snapshots
// because tenant topology changes are rare; session registration here
// happens on every single connection, so a copy-on-write snapshot would
// mean cloning the whole table on every accept. A plain RWMutex-guarded
// map fits the actual read/write ratio far better.
package cancel

import (
	"sync"
)

// Key identifies a session for cancellation purposes. Both fields are the
// real backend connection's own process ID and cancellation secret,
// collected from its BackendKeyData during the pool's dial-time handshake;
// a cancel request only succeeds if it presents the exact pair back.
type Key struct {
	ProcessID int32
	SecretKey int32
}

// CancelFunc interrupts the backend connection associated with a
// registered session. It is a plain closure rather than an interface: the
// registry doesn't need to know anything about what it's cancelling,
// only that it can be told to do so. Fire calls it once per matching
// request, so a key fired twice runs it twice.
type CancelFunc func()

// Registry maps active sessions to their cancel handles.
type Registry struct {
	mu      sync.RWMutex
	entries map[Key]CancelFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Key]CancelFunc)}
}

// Register records fn under key and returns a deregister function. The
// caller should defer the returned function immediately so the entry is
// removed no matter how the session ends:
//
//	done := registry.Register(key, cancelFn)
//	defer done()
func (r *Registry) Register(key Key, fn CancelFunc) (deregister func()) {
	r.mu.Lock()
	r.entries[key] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.entries, key)
			r.mu.Unlock()
		})
	}
}

// Fire looks up key and, if found, invokes its cancel function exactly
// once and reports true. A miss (unknown or already-completed session) is
// not an error — the caller has no session to report failure to, since
// PostgreSQL's CancelRequest carries no reply of any kind.
func (r *Registry) Fire(key Key) bool {
	r.mu.RLock()
	fn, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	fn()
	return true
}

// Len reports the number of currently registered sessions. Exposed for
// metrics and tests, not for any control-flow decision.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
