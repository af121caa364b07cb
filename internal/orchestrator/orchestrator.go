// Package orchestrator coordinates flowchart run execution: activation
// frontiers, node dispatch, edge routing, cancellation and run
// finalization. One orchestrator instance advances many runs; within a run
// activation is serialized while dispatches run in parallel.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/nodadyoushutup/llmctl/internal/dispatch"
	"github.com/nodadyoushutup/llmctl/internal/flowchart"
	"github.com/nodadyoushutup/llmctl/internal/instructions"
	"github.com/nodadyoushutup/llmctl/internal/instructions/adapters"
	"github.com/nodadyoushutup/llmctl/internal/mcpmap"
	"github.com/nodadyoushutup/llmctl/internal/realtime"
	"github.com/nodadyoushutup/llmctl/internal/settings"
	"github.com/nodadyoushutup/llmctl/internal/store"
	"github.com/nodadyoushutup/llmctl/internal/telemetry"
	"github.com/nodadyoushutup/llmctl/internal/tools"
)

var (
	ErrRunActive       = errors.New("run already active")
	ErrRunNotActive    = errors.New("run not active")
	ErrRunNotStartable = errors.New("run not in queued state")
)

// StopMode selects cancellation behavior.
type StopMode string

const (
	StopGraceful StopMode = "graceful"
	StopForce    StopMode = "force"
)

// GraphSource resolves flowchart snapshots.
type GraphSource interface {
	Graph(ctx context.Context, snapshotID string) (*flowchart.Graph, error)
}

// InstructionSource resolves the instruction inputs for a node. The default
// implementation reads role/agent bodies from node configuration.
type InstructionSource interface {
	Instructions(ctx context.Context, run *store.Run, node *flowchart.Node) (instructions.Input, error)
}

// configInstructionSource reads instruction bodies from node configuration.
type configInstructionSource struct{}

func (configInstructionSource) Instructions(_ context.Context, run *store.Run, node *flowchart.Node) (instructions.Input, error) {
	cfg := node.Configuration
	str := func(key, fallback string) string {
		if v, ok := cfg[key].(string); ok && v != "" {
			return v
		}
		return fallback
	}
	return instructions.Input{
		RoleID:     node.RoleID,
		RoleBody:   str("role_body", "You are a workflow task executor."),
		AgentID:    node.AgentID,
		AgentBody:  str("agent_body", "Execute the node request and report structured results."),
		Autorun:    run.TriggerKind == "autorun",
		ProviderID: str("provider_id", "claude"),
	}, nil
}

// Orchestrator is the per-process run coordinator.
type Orchestrator struct {
	store        *store.Store
	dispatcher   dispatch.Dispatcher
	publisher    *realtime.Publisher
	graphs       GraphSource
	adapters     *adapters.Registry
	instructions InstructionSource
	mcp          *mcpmap.Resolver
	settings     *settings.Provider
	toolRegistry *tools.Registry
	logger       *zap.Logger

	workspaceBase string
	// fairness caps concurrent dispatches across all runs.
	fairness *semaphore.Weighted

	mu   sync.Mutex
	runs map[string]*runState
}

type runState struct {
	ctx      context.Context
	cancel   context.CancelFunc
	stopping bool
	force    bool
	snapshot store.ExecutorSettings
	// dispatched maps run_node_id → provider_dispatch_id for in-flight
	// force cancellation.
	dispatched map[string]string
}

// Option customizes the orchestrator.
type Option func(*Orchestrator)

// WithInstructionSource overrides instruction resolution.
func WithInstructionSource(src InstructionSource) Option {
	return func(o *Orchestrator) {
		if src != nil {
			o.instructions = src
		}
	}
}

// WithToolRegistry wires the domain-node tool registry.
func WithToolRegistry(r *tools.Registry) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.toolRegistry = r
		}
	}
}

// WithFairnessLimit caps concurrent dispatches across all runs.
func WithFairnessLimit(n int64) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.fairness = semaphore.NewWeighted(n)
		}
	}
}

// WithMCPResolver wires the MCP→integration resolver.
func WithMCPResolver(r *mcpmap.Resolver) Option {
	return func(o *Orchestrator) { o.mcp = r }
}

// New creates an orchestrator.
func New(
	s *store.Store,
	dispatcher dispatch.Dispatcher,
	publisher *realtime.Publisher,
	graphs GraphSource,
	settingsProvider *settings.Provider,
	workspaceBase string,
	logger *zap.Logger,
	opts ...Option,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		store:         s,
		dispatcher:    dispatch.NewKeyed(dispatcher),
		publisher:     publisher,
		graphs:        graphs,
		adapters:      adapters.NewRegistry(),
		instructions:  configInstructionSource{},
		settings:      settingsProvider,
		toolRegistry:  defaultToolRegistry(),
		logger:        logger,
		workspaceBase: workspaceBase,
		fairness:      semaphore.NewWeighted(16),
		runs:          make(map[string]*runState),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func defaultToolRegistry() *tools.Registry {
	r := tools.NewRegistry()
	tools.RegisterWorkspace(r)
	tools.RegisterCommand(r)
	tools.RegisterMemory(r)
	tools.RegisterPlan(r)
	tools.RegisterMilestone(r)
	tools.RegisterDecision(r)
	// No indexer by default: rag operations fail with a typed provider
	// error until one is wired via WithToolRegistry.
	tools.RegisterRAG(r, nil)
	return r
}

// nudge asks the publisher to drain the outbox after a commit.
func (o *Orchestrator) nudge() {
	if o.publisher != nil {
		o.publisher.Nudge()
	}
}

// sandboxRoot is the per-run filesystem root confining all workspace,
// git and command operations.
func (o *Orchestrator) sandboxRoot(runID string) (string, error) {
	root := filepath.Join(o.workspaceBase, runID)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("create sandbox root: %w", err)
	}
	return root, nil
}

// Start transitions a queued run to running and activates the start
// node's successors. Rejects runs that are already active or not queued.
func (o *Orchestrator) Start(ctx context.Context, runID string) error {
	o.mu.Lock()
	if _, active := o.runs[runID]; active {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunActive, runID)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	state := &runState{ctx: runCtx, cancel: cancel, dispatched: make(map[string]string)}
	if o.settings != nil {
		state.snapshot = o.settings.Snapshot()
	} else {
		state.snapshot = store.DefaultExecutorSettings()
	}
	o.runs[runID] = state
	o.mu.Unlock()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		o.release(runID)
		return err
	}
	if run.Status != store.RunQueued {
		o.release(runID)
		return fmt.Errorf("%w: %s is %s", ErrRunNotStartable, runID, run.Status)
	}

	graph, err := o.graphs.Graph(ctx, run.FlowchartSnapshotID)
	if err != nil {
		o.release(runID)
		return fmt.Errorf("resolve flowchart snapshot: %w", err)
	}

	err = o.store.WithTx(ctx, func(sess *store.Session) error {
		updated, err := sess.TransitionRun(ctx, runID, store.RunRunning)
		if err != nil {
			return err
		}
		if _, err := sess.StageEvent(ctx, realtime.RunEnvelope(realtime.EventRunStarted, updated, map[string]any{
			"status": string(updated.Status),
		})); err != nil {
			return err
		}
		return o.activateInitial(ctx, sess, updated, graph)
	})
	if err != nil {
		o.release(runID)
		return err
	}
	o.nudge()
	return nil
}

// Stop requests run cancellation. Graceful blocks new activations and lets
// in-flight dispatches finish; force additionally cancels them.
func (o *Orchestrator) Stop(ctx context.Context, runID string, mode StopMode) error {
	o.mu.Lock()
	state, active := o.runs[runID]
	if !active {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunNotActive, runID)
	}
	state.stopping = true
	var inFlight map[string]string
	if mode == StopForce {
		state.force = true
		inFlight = make(map[string]string, len(state.dispatched))
		for nodeID, dispatchID := range state.dispatched {
			inFlight[nodeID] = dispatchID
		}
	}
	o.mu.Unlock()

	err := o.store.WithTx(ctx, func(sess *store.Session) error {
		run, err := sess.TransitionRun(ctx, runID, store.RunStopping)
		if err != nil {
			return err
		}
		_, err = sess.StageEvent(ctx, realtime.RunEnvelope(realtime.EventRunStopping, run, map[string]any{
			"mode": string(mode),
		}))
		return err
	})
	if err != nil {
		return err
	}
	o.nudge()

	if mode == StopForce {
		for _, dispatchID := range inFlight {
			if cancelErr := o.dispatcher.Cancel(ctx, dispatchID, true); cancelErr != nil {
				o.logger.Warn("force cancel failed",
					zap.String("provider_dispatch_id", dispatchID), zap.Error(cancelErr))
			}
		}
		state.cancel()
	}
	return nil
}

func (o *Orchestrator) release(runID string) {
	o.mu.Lock()
	if state, ok := o.runs[runID]; ok {
		state.cancel()
		delete(o.runs, runID)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) stateOf(runID string) *runState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[runID]
}

// runFlags reads a run's stop flags under the orchestrator lock.
func (o *Orchestrator) runFlags(state *runState) (stopping, force bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return state.stopping, state.force
}

// Execute runs a queued run to a terminal state: Start, then Tick until no
// work remains.
func (o *Orchestrator) Execute(ctx context.Context, runID string) error {
	triggerKind := ""
	if run, err := o.store.GetRun(ctx, runID); err == nil {
		triggerKind = run.TriggerKind
	}
	ctx, span := telemetry.StartRunSpan(ctx, runID, triggerKind)
	defer span.End()

	if err := o.Start(ctx, runID); err != nil {
		return err
	}
	defer o.release(runID)
	for {
		more, err := o.Tick(ctx, runID)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}
