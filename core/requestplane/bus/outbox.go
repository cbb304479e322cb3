package bus

import (
	"sync"

	"github.com/agentplane/agentplane/core/requestplane"
)

// outbox is the bounded per-kind buffer for envelopes whose stream append
// failed transiently. The bus flusher retries it in the background; the
// hot path never blocks on a slow stream.
type outbox struct {
	size    int
	pending map[string][]*Envelope
	mu      sync.Mutex
}

func newOutbox(size int) *outbox {
	return &outbox{
		size:    size,
		pending: make(map[string][]*Envelope),
	}
}

// add parks an envelope for retry. Returns ErrOutboxFull when the kind's
// buffer is at capacity; the envelope is dropped and the caller counts it.
func (o *outbox) add(env *Envelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.pending[env.Kind]) >= o.size {
		return requestplane.ErrOutboxFull
	}
	o.pending[env.Kind] = append(o.pending[env.Kind], env)
	return nil
}

// take removes and returns all pending envelopes for a kind
func (o *outbox) take(kind string) []*Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()

	envs := o.pending[kind]
	if len(envs) == 0 {
		return nil
	}
	delete(o.pending, kind)
	return envs
}

// requeue puts back envelopes whose retry failed again, preserving order
// ahead of anything added meanwhile
func (o *outbox) requeue(kind string, envs []*Envelope) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	merged := append(envs, o.pending[kind]...)
	dropped := 0
	if len(merged) > o.size {
		dropped = len(merged) - o.size
		merged = merged[:o.size]
	}
	o.pending[kind] = merged
	return dropped
}

// depth returns the pending count for a kind
func (o *outbox) depth(kind string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending[kind])
}

// kinds returns the kinds with pending envelopes
func (o *outbox) kinds() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]string, 0, len(o.pending))
	for kind := range o.pending {
		out = append(out, kind)
	}
	return out
}
