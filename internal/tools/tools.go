// Package tools provides the deterministic, sandboxed tool domains callable
// from domain nodes and from the SDK tool loop inside the executor. Every
// invocation takes a bounded Context and returns a typed Trace envelope.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nodadyoushutup/llmctl/internal/metrics"
)

// Limits bounds one operation.
type Limits struct {
	Timeout  time.Duration
	MaxBytes int64
	MaxFiles int
}

// DefaultLimits apply when a caller passes zero values.
func DefaultLimits() Limits {
	return Limits{
		Timeout:  60 * time.Second,
		MaxBytes: 10 * 1024 * 1024,
		MaxFiles: 2000,
	}
}

// Context carries the sandbox identity of one invocation. WorkspaceRoot is
// an absolute path; every filesystem operation is confined within it.
type Context struct {
	WorkspaceRoot string
	ExecutionID   string
	RequestID     string
	CorrelationID string
	Limits        Limits
}

func (c Context) limits() Limits {
	l := c.Limits
	d := DefaultLimits()
	if l.Timeout <= 0 {
		l.Timeout = d.Timeout
	}
	if l.MaxBytes <= 0 {
		l.MaxBytes = d.MaxBytes
	}
	if l.MaxFiles <= 0 {
		l.MaxFiles = d.MaxFiles
	}
	return l
}

// TraceStatus is the outcome class of one invocation.
type TraceStatus string

const (
	TraceSuccess TraceStatus = "success"
	TraceWarning TraceStatus = "warning"
	TraceError   TraceStatus = "error"
)

// Trace is the envelope every tool domain operation returns. It is attached
// to the node's artifact and to log stages.
type Trace struct {
	Domain        string         `json:"domain"`
	Operation     string         `json:"operation"`
	Status        TraceStatus    `json:"status"`
	Counts        map[string]int `json:"counts,omitempty"`
	Warnings      []string       `json:"warnings,omitempty"`
	Errors        []string       `json:"errors,omitempty"`
	DurationMS    int64          `json:"duration_ms"`
	RequestID     string         `json:"request_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	// Output carries operation-specific results (listings, file bodies,
	// matched connector ids).
	Output map[string]any `json:"output,omitempty"`
}

func (t *Trace) count(key string, n int) {
	if t.Counts == nil {
		t.Counts = make(map[string]int)
	}
	t.Counts[key] += n
}

func (t *Trace) warn(format string, args ...any) {
	t.Warnings = append(t.Warnings, fmt.Sprintf(format, args...))
	if t.Status == TraceSuccess {
		t.Status = TraceWarning
	}
}

func (t *Trace) fail(format string, args ...any) {
	t.Errors = append(t.Errors, fmt.Sprintf(format, args...))
	t.Status = TraceError
}

// Common sentinel errors mapped onto the control plane error taxonomy.
var (
	ErrValidation    = errors.New("validation_error")
	ErrProvider      = errors.New("provider_error")
	ErrUnknownDomain = errors.New("unknown tool domain")
	ErrUnknownOp     = errors.New("unknown tool operation")
)

// Handler executes one operation. args are the decoded operation
// parameters; implementations must not touch anything outside the sandbox.
type Handler func(ctx context.Context, tc Context, args map[string]any) (*Trace, error)

// Registry maps domain/operation pairs to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]map[string]Handler
}

// NewRegistry creates an empty registry. Use Register or the Register*
// domain installers to populate it.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]map[string]Handler)}
}

// Register installs a handler.
func (r *Registry) Register(domain, operation string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops, ok := r.handlers[domain]
	if !ok {
		ops = make(map[string]Handler)
		r.handlers[domain] = ops
	}
	ops[operation] = h
}

// Invoke runs domain/operation with the per-operation timeout applied and
// stamps timing/correlation fields on the returned trace.
func (r *Registry) Invoke(ctx context.Context, tc Context, domain, operation string, args map[string]any) (*Trace, error) {
	r.mu.RLock()
	ops, ok := r.handlers[domain]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}
	h, ok := ops[operation]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownOp, domain, operation)
	}

	limits := tc.limits()
	tc.Limits = limits
	opCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	start := time.Now()
	trace, err := h(opCtx, tc, args)
	if trace == nil {
		trace = &Trace{Domain: domain, Operation: operation, Status: TraceError}
	}
	trace.Domain = domain
	trace.Operation = operation
	trace.DurationMS = time.Since(start).Milliseconds()
	trace.RequestID = tc.RequestID
	trace.CorrelationID = tc.CorrelationID
	if err != nil && trace.Status != TraceError {
		trace.fail("%v", err)
	}
	metrics.ToolOpsTotal.WithLabelValues(domain, string(trace.Status)).Inc()
	return trace, err
}

// Domains lists registered domain names, sorted.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newTrace(domain, operation string) *Trace {
	return &Trace{Domain: domain, Operation: operation, Status: TraceSuccess}
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}
