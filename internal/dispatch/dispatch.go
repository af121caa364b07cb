// Package dispatch defines the dispatcher boundary: one ephemeral job per
// (run_node_id, attempt_index), a strict fail-closed state machine, and
// idempotent submission.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/nodadyoushutup/llmctl/internal/contract"
	"github.com/nodadyoushutup/llmctl/internal/store"
)

// RuntimeClass selects the executor image pair.
type RuntimeClass string

const (
	RuntimeFrontier RuntimeClass = "frontier"
	RuntimeVLLM     RuntimeClass = "vllm"
)

// Request is one node dispatch.
type Request struct {
	RunID             string
	RunNodeID         string
	NodeID            string
	NodeType          string
	AttemptIndex      int
	WorkspaceIdentity string
	CorrelationID     string
	RuntimeClass      RuntimeClass
	Execution         contract.ExecutionRequest
	Settings          store.ExecutorSettings
}

// Key is the dispatch idempotency key.
func (r Request) Key() string {
	return fmt.Sprintf("%s#%d", r.RunNodeID, r.AttemptIndex)
}

// Result is the terminal outcome of one dispatch.
type Result struct {
	ProviderDispatchID string
	JobName            string
	PodName            string
	TerminalReason     string
	Confirmed          bool
	// Uncertain marks fail-closed ambiguity: the executor may or may not
	// have run. Never retried automatically.
	Uncertain bool
	// Execution is the parsed executor result; nil when the dispatch never
	// produced one.
	Execution *contract.ExecutionResult
	// Error is set for every non-success outcome.
	Error *contract.ErrorEnvelope
}

// Observer receives dispatch state transitions as they happen so the
// caller can persist them in order.
type Observer interface {
	// DispatchSubmitted fires after the job submission is accepted.
	DispatchSubmitted(ctx context.Context, providerDispatchID, jobName string)
	// DispatchConfirmed fires when a valid startup marker arrives.
	DispatchConfirmed(ctx context.Context)
}

// NopObserver ignores all transitions.
type NopObserver struct{}

func (NopObserver) DispatchSubmitted(context.Context, string, string) {}
func (NopObserver) DispatchConfirmed(context.Context)                 {}

// Dispatcher submits and supervises one ephemeral job per request.
type Dispatcher interface {
	// Dispatch blocks until the dispatch reaches a terminal state. The
	// returned error covers infrastructure faults only; node-level
	// failures arrive inside Result.
	Dispatch(ctx context.Context, req Request, obs Observer) (Result, error)
	// Cancel stops a running dispatch. force overrides the grace period.
	Cancel(ctx context.Context, providerDispatchID string, force bool) error
}

// Keyed wraps a Dispatcher with submit idempotency: concurrent or repeated
// dispatches for the same (run_node_id, attempt_index) share one
// underlying submission and observe the same result.
type Keyed struct {
	inner Dispatcher

	mu       sync.Mutex
	inflight map[string]*keyedCall
}

type keyedCall struct {
	done   chan struct{}
	result Result
	err    error
}

// NewKeyed wraps inner with idempotent submission.
func NewKeyed(inner Dispatcher) *Keyed {
	return &Keyed{inner: inner, inflight: make(map[string]*keyedCall)}
}

// Dispatch runs or joins the dispatch for req's key.
func (k *Keyed) Dispatch(ctx context.Context, req Request, obs Observer) (Result, error) {
	key := req.Key()
	k.mu.Lock()
	if call, ok := k.inflight[key]; ok {
		k.mu.Unlock()
		select {
		case <-call.done:
			return call.result, call.err
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	call := &keyedCall{done: make(chan struct{})}
	k.inflight[key] = call
	k.mu.Unlock()

	call.result, call.err = k.inner.Dispatch(ctx, req, obs)
	close(call.done)
	return call.result, call.err
}

// Cancel passes through to the wrapped dispatcher.
func (k *Keyed) Cancel(ctx context.Context, providerDispatchID string, force bool) error {
	return k.inner.Cancel(ctx, providerDispatchID, force)
}
