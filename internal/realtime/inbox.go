package realtime

import (
	"sync"

	"github.com/nodadyoushutup/llmctl/internal/store"
)

// OrderedInbox implements the subscriber side of the sequence contract:
// an envelope is accepted only when its sequence is strictly greater than
// the last delivered on the same stream. Gaps are allowed (late joiners);
// duplicates and reordering are rejected, making redelivery a no-op.
type OrderedInbox struct {
	mu   sync.Mutex
	last map[string]int64
}

// NewOrderedInbox creates an empty inbox guard.
func NewOrderedInbox() *OrderedInbox {
	return &OrderedInbox{last: make(map[string]int64)}
}

// Accept reports whether the envelope should be delivered, and records it
// when so.
func (in *OrderedInbox) Accept(env store.Envelope) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if env.Sequence <= in.last[env.SequenceStream] {
		return false
	}
	in.last[env.SequenceStream] = env.Sequence
	return true
}
