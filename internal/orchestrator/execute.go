package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nodadyoushutup/llmctl/internal/contract"
	"github.com/nodadyoushutup/llmctl/internal/dispatch"
	"github.com/nodadyoushutup/llmctl/internal/flowchart"
	"github.com/nodadyoushutup/llmctl/internal/instructions"
	"github.com/nodadyoushutup/llmctl/internal/metrics"
	"github.com/nodadyoushutup/llmctl/internal/realtime"
	"github.com/nodadyoushutup/llmctl/internal/store"
	"github.com/nodadyoushutup/llmctl/internal/telemetry"
	"github.com/nodadyoushutup/llmctl/internal/tools"
)

// Tick pumps the activation loop once: dispatch every queued node, await
// their terminal states, expand the frontier, and finalize the run when no
// work remains. Returns false once the run has been finalized and true after
// dispatching a frontier; a further call finalizes a run with nothing queued.
func (o *Orchestrator) Tick(ctx context.Context, runID string) (bool, error) {
	state := o.stateOf(runID)
	if state == nil {
		return false, fmt.Errorf("%w: %s", ErrRunNotActive, runID)
	}
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	graph, err := o.graphs.Graph(ctx, run.FlowchartSnapshotID)
	if err != nil {
		return false, err
	}

	nodes, err := o.store.ListRunNodes(ctx, runID)
	if err != nil {
		return false, err
	}
	var queued []store.RunNode
	for _, n := range nodes {
		if n.Status == store.NodeQueued {
			queued = append(queued, n)
		}
	}

	if stopping, _ := o.runFlags(state); stopping {
		return false, o.cancelQueuedAndFinalize(ctx, runID, state, queued)
	}
	if len(queued) == 0 {
		return false, o.finalize(ctx, runID, state)
	}

	nodesByID := make(map[string]*store.RunNode, len(nodes))
	for i := range nodes {
		nodesByID[nodes[i].NodeID] = &nodes[i]
	}

	// Dispatch the frontier in parallel; activation stays serialized.
	var g errgroup.Group
	terminal := make([]string, len(queued))
	for i := range queued {
		i := i
		node := queued[i]
		g.Go(func() error {
			if err := o.fairness.Acquire(ctx, 1); err != nil {
				return err
			}
			defer o.fairness.Release(1)
			o.executeNode(ctx, state, run, graph, &node, nodesByID)
			terminal[i] = node.NodeID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}

	err = o.store.WithTx(ctx, func(sess *store.Session) error {
		return o.expandFrontier(ctx, sess, run, graph, terminal)
	})
	if err != nil {
		return false, err
	}
	o.nudge()
	return true, nil
}

// executeNode runs one activated node to a terminal state and persists the
// outcome. Failures are persisted, never returned.
func (o *Orchestrator) executeNode(ctx context.Context, state *runState, run *store.Run, graph *flowchart.Graph, node *store.RunNode, nodesByID map[string]*store.RunNode) {
	def := graph.Node(node.NodeID)
	if def == nil {
		o.failNode(ctx, node, contract.NewError(contract.CodeValidation, "node missing from flowchart snapshot"))
		return
	}
	if err := o.markRunning(ctx, node); err != nil {
		o.logger.Error("mark node running failed", zap.String("run_node_id", node.RunNodeID), zap.Error(err))
		return
	}
	start := time.Now()
	switch def.Type {
	case flowchart.NodeEnd:
		o.succeedNode(ctx, node, nil, nil, nil)
	case flowchart.NodeDecision, flowchart.NodeMemory, flowchart.NodePlan, flowchart.NodeMilestone, flowchart.NodeRAG:
		o.executeDomainNode(ctx, state, run, graph, def, node, nodesByID)
	default:
		o.executeDispatchedNode(ctx, state, run, graph, def, node, nodesByID)
	}
	metrics.NodeDuration.WithLabelValues(string(def.Type)).Observe(time.Since(start).Seconds())
}

func (o *Orchestrator) markRunning(ctx context.Context, node *store.RunNode) error {
	return o.store.WithTx(ctx, func(sess *store.Session) error {
		return sess.MarkNodeRunning(ctx, node.RunNodeID)
	})
}

// executeDomainNode runs a specialized domain node in-process through the
// tool registry.
func (o *Orchestrator) executeDomainNode(ctx context.Context, state *runState, run *store.Run, graph *flowchart.Graph, def *flowchart.Node, node *store.RunNode, nodesByID map[string]*store.RunNode) {
	sandbox, err := o.sandboxRoot(run.RunID)
	if err != nil {
		o.failNode(ctx, node, contract.NewError(contract.CodeInfra, err.Error()))
		return
	}
	tc := tools.Context{
		WorkspaceRoot: sandbox,
		ExecutionID:   node.RunNodeID,
		RequestID:     run.RequestID,
		CorrelationID: run.CorrelationID,
	}

	domain := string(def.Type)
	operation, _ := def.Configuration["operation"].(string)
	args := map[string]any{}
	for k, v := range def.Configuration {
		if k != "operation" {
			args[k] = v
		}
	}

	cutover := run.RuntimeCutoverEnabled || state.snapshot.AgentRuntimeCutoverEnabled
	if def.Type == flowchart.NodeDecision {
		domain, operation = "decision", "evaluate"
		if cutover && len(def.DecisionConditions) == 0 {
			o.failNode(ctx, node, contract.NewError(contract.CodeValidation,
				"decision node has no decision_conditions"))
			return
		}
		conds := make([]any, 0, len(def.DecisionConditions))
		for _, c := range def.DecisionConditions {
			conds = append(conds, map[string]any{
				"connector_id": c.ConnectorID,
				"field":        c.Field,
				"operator":     c.Operator,
				"value":        c.Value,
			})
		}
		args["decision_conditions"] = conds
		args["input"] = mergedPredecessorOutput(graph, def.ID, nodesByID)
	}
	if operation == "" {
		switch def.Type {
		case flowchart.NodeRAG:
			operation = "query"
		default:
			operation = "append"
		}
	}

	trace, invokeErr := o.toolRegistry.Invoke(ctx, tc, domain, operation, args)
	outcome := store.NodeOutcome{Status: store.NodeSucceeded}
	if invokeErr != nil || trace.Status == tools.TraceError {
		outcome.Status = store.NodeFailed
		outcome.Error = domainError(invokeErr)
	}
	if def.Type == flowchart.NodeDecision && outcome.Status == store.NodeSucceeded {
		matched, ok := trace.Output["matched_connector_ids"].([]string)
		if !ok && cutover {
			outcome.Status = store.NodeFailed
			outcome.Error = contract.NewError(contract.CodeExecution,
				"decision result carries no matched_connector_ids")
		} else {
			outcome.RoutingState = &contract.RoutingState{MatchedConnectorIDs: matched}
		}
	}
	if outcome.Status == store.NodeSucceeded {
		outcome.OutputState = map[string]any{
			"domain":    domain,
			"operation": operation,
			"counts":    trace.Counts,
		}
		if trace.Output != nil {
			for k, v := range trace.Output {
				outcome.OutputState[k] = v
			}
		}
	}

	o.finishNode(ctx, node, outcome, domainArtifact(def.Type, node.RunNodeID, trace))
}

func domainError(err error) *contract.ErrorEnvelope {
	code := contract.CodeExecution
	switch {
	case err == nil:
		return contract.NewError(contract.CodeExecution, "tool domain operation failed")
	case errors.Is(err, tools.ErrValidation):
		code = contract.CodeValidation
	case errors.Is(err, tools.ErrProvider):
		code = contract.CodeProvider
	}
	return contract.NewError(code, err.Error())
}

func domainArtifact(nodeType flowchart.NodeType, runNodeID string, trace *tools.Trace) *store.Artifact {
	if trace == nil {
		return nil
	}
	kind := store.ArtifactGeneric
	switch nodeType {
	case flowchart.NodePlan:
		kind = store.ArtifactPlan
	case flowchart.NodeMemory:
		kind = store.ArtifactMemory
	case flowchart.NodeMilestone:
		kind = store.ArtifactMilestone
	case flowchart.NodeDecision:
		kind = store.ArtifactDecision
	case flowchart.NodeRAG:
		if trace.Operation == "query" {
			kind = store.ArtifactRAGQuery
		} else {
			kind = store.ArtifactRAGIndex
		}
	}
	payload := map[string]any{
		"domain":      trace.Domain,
		"operation":   trace.Operation,
		"status":      string(trace.Status),
		"counts":      trace.Counts,
		"warnings":    trace.Warnings,
		"errors":      trace.Errors,
		"duration_ms": trace.DurationMS,
	}
	return &store.Artifact{RunNodeID: runNodeID, Kind: kind, Payload: payload}
}

// executeDispatchedNode compiles instructions and hands the node to the
// Kubernetes dispatcher.
func (o *Orchestrator) executeDispatchedNode(ctx context.Context, state *runState, run *store.Run, graph *flowchart.Graph, def *flowchart.Node, node *store.RunNode, nodesByID map[string]*store.RunNode) {
	sandbox, err := o.sandboxRoot(run.RunID)
	if err != nil {
		o.failNode(ctx, node, contract.NewError(contract.CodeInfra, err.Error()))
		return
	}

	input, err := o.instructions.Instructions(ctx, run, def)
	if err != nil {
		o.failNode(ctx, node, contract.NewError(contract.CodeValidation, err.Error()))
		return
	}
	_, compileSpan := telemetry.StartCompileSpan(ctx, input.ProviderID)
	pkg, err := instructions.Compile(input)
	compileSpan.End()
	if err != nil {
		o.failNode(ctx, node, contract.NewError(contract.CodeValidation, err.Error()))
		return
	}
	instructionsDir, err := instructions.Materialize(pkg, sandbox)
	if err != nil {
		o.failNode(ctx, node, contract.NewError(contract.CodeInfra, err.Error()))
		return
	}
	adapterResult, err := o.adapters.Materialize(input.ProviderID, pkg, sandbox)
	if err != nil {
		o.failNode(ctx, node, contract.NewError(contract.CodeInfra, err.Error()))
		return
	}

	adapterMode := store.AdapterNative
	if adapterResult.Mode != "native" {
		adapterMode = store.AdapterFallback
	}
	err = o.store.WithTx(ctx, func(sess *store.Session) error {
		return sess.SetNodeRuntimeMetadata(ctx, node.RunNodeID, store.RunNode{
			WorkspaceIdentity:      run.RunID,
			InstructionManifestSHA: pkg.Manifest.PackageHash,
			InstructionAdapterMode: adapterMode,
			ResolvedAgentID:        input.AgentID,
			ResolvedRoleID:         input.RoleID,
		})
	})
	if err != nil {
		o.logger.Error("persist runtime metadata failed", zap.Error(err))
	}

	inputContext, attachments := assembleInput(graph, def.ID, nodesByID)

	var bundleWarnings []string
	var serverKeys []string
	if o.mcp != nil && len(def.MCPServerKeys) > 0 {
		bundle := o.mcp.Resolve(ctx, def.MCPServerKeys)
		bundleWarnings = bundle.Warnings
		for _, ref := range bundle.Refs {
			serverKeys = append(serverKeys, ref.Provider+"/"+ref.Key)
		}
	}

	runtimeClass := dispatch.RuntimeFrontier
	if def.Type == flowchart.NodeVLLMExecutor {
		runtimeClass = dispatch.RuntimeVLLM
	}

	settingsSnap := state.snapshot
	req := dispatch.Request{
		RunID:             run.RunID,
		RunNodeID:         node.RunNodeID,
		NodeID:            def.ID,
		NodeType:          string(def.Type),
		AttemptIndex:      node.AttemptIndex,
		WorkspaceIdentity: run.RunID,
		CorrelationID:     run.CorrelationID,
		RuntimeClass:      runtimeClass,
		Settings:          settingsSnap,
		Execution: contract.ExecutionRequest{
			ContractVersion:       contract.Version,
			ResultContractVersion: contract.ResultVersion,
			Provider:              "kubernetes",
			RequestID:             uuid.NewString(),
			ExecutionID:           node.RunNodeID,
			NodeID:                def.ID,
			NodeType:              string(def.Type),
			TimeoutSeconds:        settingsSnap.ExecutionTimeoutSeconds,
			EmitStartMarkers:      true,
			NodeExecution: contract.NodeExecution{
				Configuration:   def.Configuration,
				InputContext:    inputContext,
				Attachments:     attachments,
				MCPServerKeys:   serverKeys,
				WorkspaceRoot:   sandbox,
				InstructionsDir: instructionsDir,
			},
		},
	}

	dispatchCtx := joinContexts(ctx, state.ctx)
	dispatchCtx, dispatchSpan := telemetry.StartDispatchSpan(dispatchCtx, node.RunNodeID, string(def.Type), node.AttemptIndex)
	obs := &persistingObserver{o: o, runNodeID: node.RunNodeID, state: state}
	result, err := o.dispatcher.Dispatch(dispatchCtx, req, obs)
	o.mu.Lock()
	delete(state.dispatched, node.RunNodeID)
	o.mu.Unlock()
	if err != nil {
		telemetry.EndDispatchSpan(dispatchSpan, false, false, string(contract.CodeInfra))
		o.failNode(ctx, node, contract.NewError(contract.CodeInfra, err.Error()))
		return
	}
	errorCode := ""
	if result.Error != nil {
		errorCode = string(result.Error.Code)
	}
	telemetry.EndDispatchSpan(dispatchSpan, result.Confirmed, result.Uncertain, errorCode)
	o.applyDispatchResult(ctx, node, result, bundleWarnings)
}

// persistingObserver writes dispatch transitions as they happen so the
// state machine is durable before the executor acts.
type persistingObserver struct {
	o         *Orchestrator
	state     *runState
	runNodeID string
}

func (p *persistingObserver) DispatchSubmitted(ctx context.Context, providerDispatchID, jobName string) {
	p.o.mu.Lock()
	p.state.dispatched[p.runNodeID] = providerDispatchID
	p.o.mu.Unlock()
	err := p.o.store.WithTx(ctx, func(sess *store.Session) error {
		node, err := sess.TransitionDispatch(ctx, p.runNodeID, store.DispatchSubmitted, providerDispatchID)
		if err != nil {
			return err
		}
		if err := sess.SetNodeRuntimeMetadata(ctx, p.runNodeID, store.RunNode{
			K8sJobName:             jobName,
			WorkspaceIdentity:      node.WorkspaceIdentity,
			InstructionManifestSHA: node.InstructionManifestSHA,
			InstructionAdapterMode: node.InstructionAdapterMode,
			ResolvedAgentID:        node.ResolvedAgentID,
			ResolvedRoleID:         node.ResolvedRoleID,
		}); err != nil {
			return err
		}
		_, err = sess.StageEvent(ctx, realtime.NodeEnvelope(realtime.EventNodeDispatched, node, map[string]any{
			"provider_dispatch_id": providerDispatchID,
		}))
		return err
	})
	if err != nil {
		p.o.logger.Error("persist dispatch_submitted failed",
			zap.String("run_node_id", p.runNodeID), zap.Error(err))
	}
	p.o.nudge()
}

func (p *persistingObserver) DispatchConfirmed(ctx context.Context) {
	err := p.o.store.WithTx(ctx, func(sess *store.Session) error {
		node, err := sess.TransitionDispatch(ctx, p.runNodeID, store.DispatchConfirmed, "")
		if err != nil {
			return err
		}
		_, err = sess.StageEvent(ctx, realtime.NodeEnvelope(realtime.EventNodeConfirmed, node, nil))
		return err
	})
	if err != nil {
		p.o.logger.Error("persist dispatch_confirmed failed",
			zap.String("run_node_id", p.runNodeID), zap.Error(err))
	}
	p.o.nudge()
}

// applyDispatchResult maps the dispatcher's terminal result onto the node
// record, enforcing the fail-closed ambiguity rules.
func (o *Orchestrator) applyDispatchResult(ctx context.Context, node *store.RunNode, result dispatch.Result, warnings []string) {
	metrics.DispatchesTotal.WithLabelValues(dispatchOutcome(result)).Inc()

	if result.Uncertain {
		err := o.store.WithTx(ctx, func(sess *store.Session) error {
			updated, err := sess.MarkDispatchUncertain(ctx, node.RunNodeID, result.Error)
			if err != nil {
				return err
			}
			_, err = sess.StageEvent(ctx, realtime.NodeEnvelope(realtime.EventNodeFailed, updated, map[string]any{
				"dispatch_uncertain": true,
				"error":              result.Error,
			}))
			return err
		})
		if err != nil {
			o.logger.Error("persist uncertain dispatch failed", zap.Error(err))
		}
		o.nudge()
		return
	}

	if result.Error != nil && result.Error.Code == contract.CodeCancelled {
		o.finishNode(ctx, node, store.NodeOutcome{
			Status:            store.NodeCanceled,
			Error:             result.Error,
			K8sPodName:        result.PodName,
			K8sTerminalReason: result.TerminalReason,
			FinalProvider:     "kubernetes",
		}, nil)
		return
	}

	if result.Error != nil {
		// Pre-confirmation dispatch failures land on dispatch_failed.
		if !result.Confirmed {
			err := o.store.WithTx(ctx, func(sess *store.Session) error {
				_, err := sess.TransitionDispatch(ctx, node.RunNodeID, store.DispatchFailed, "")
				return err
			})
			if err != nil {
				o.logger.Warn("dispatch_failed transition rejected", zap.Error(err))
			}
		}
		o.finishNode(ctx, node, store.NodeOutcome{
			Status:            store.NodeFailed,
			Error:             result.Error,
			K8sPodName:        result.PodName,
			K8sTerminalReason: result.TerminalReason,
			FinalProvider:     "kubernetes",
		}, nil)
		return
	}

	exec := result.Execution
	outcome := store.NodeOutcome{
		Status:            store.NodeSucceeded,
		OutputState:       exec.OutputState,
		RoutingState:      exec.RoutingState,
		K8sPodName:        result.PodName,
		K8sTerminalReason: result.TerminalReason,
		FinalProvider:     "kubernetes",
	}
	if len(warnings) > 0 {
		if outcome.OutputState == nil {
			outcome.OutputState = map[string]any{}
		}
		outcome.OutputState["integration_warnings"] = warnings
	}
	artifact := &store.Artifact{
		RunNodeID: node.RunNodeID,
		Kind:      store.ArtifactGeneric,
		Payload: map[string]any{
			"output_state": exec.OutputState,
			"exit_code":    exec.ExitCode,
		},
	}
	o.finishNode(ctx, node, outcome, artifact)
}

func dispatchOutcome(result dispatch.Result) string {
	switch {
	case result.Uncertain:
		return "uncertain"
	case result.Error != nil:
		return string(result.Error.Code)
	default:
		return "success"
	}
}


// succeedNode finishes a node successfully with optional output state.
func (o *Orchestrator) succeedNode(ctx context.Context, node *store.RunNode, output map[string]any, routing *contract.RoutingState, artifact *store.Artifact) {
	o.finishNode(ctx, node, store.NodeOutcome{
		Status:       store.NodeSucceeded,
		OutputState:  output,
		RoutingState: routing,
	}, artifact)
}

func (o *Orchestrator) failNode(ctx context.Context, node *store.RunNode, envErr *contract.ErrorEnvelope) {
	o.finishNode(ctx, node, store.NodeOutcome{Status: store.NodeFailed, Error: envErr}, nil)
}

// finishNode persists a terminal node outcome, its artifact and the
// matching event in one transaction.
func (o *Orchestrator) finishNode(ctx context.Context, node *store.RunNode, outcome store.NodeOutcome, artifact *store.Artifact) {
	eventType := realtime.EventNodeSucceeded
	switch outcome.Status {
	case store.NodeFailed:
		eventType = realtime.EventNodeFailed
	case store.NodeCanceled:
		eventType = realtime.EventNodeCanceled
	}
	err := o.store.WithTx(ctx, func(sess *store.Session) error {
		updated, err := sess.FinishRunNode(ctx, node.RunNodeID, outcome)
		if err != nil {
			return err
		}
		payload := map[string]any{"status": string(outcome.Status)}
		if outcome.Error != nil {
			payload["error"] = outcome.Error
		}
		if _, err := sess.StageEvent(ctx, realtime.NodeEnvelope(eventType, updated, payload)); err != nil {
			return err
		}
		if artifact != nil {
			saved, err := sess.AddArtifact(ctx, *artifact)
			if err != nil {
				return err
			}
			if _, err := sess.StageEvent(ctx, realtime.NodeEnvelope(realtime.EventArtifactPersisted, updated, map[string]any{
				"artifact_id": saved.ArtifactID,
				"kind":        string(saved.Kind),
			})); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		o.logger.Error("persist node outcome failed",
			zap.String("run_node_id", node.RunNodeID), zap.Error(err))
	}
	o.nudge()
}

// cancelQueuedAndFinalize marks not-yet-dispatched nodes canceled and
// finalizes the stopping run.
func (o *Orchestrator) cancelQueuedAndFinalize(ctx context.Context, runID string, state *runState, queued []store.RunNode) error {
	for i := range queued {
		node := queued[i]
		o.finishNode(ctx, &node, store.NodeOutcome{
			Status: store.NodeCanceled,
			Error:  contract.NewError(contract.CodeCancelled, "run stopped"),
		}, nil)
	}
	return o.finalize(ctx, runID, state)
}

// finalize computes and persists the terminal run status.
func (o *Orchestrator) finalize(ctx context.Context, runID string, state *runState) error {
	nodes, err := o.store.ListRunNodes(ctx, runID)
	if err != nil {
		return err
	}
	var (
		anyFailed    bool
		anyCanceled  bool
		anyUncertain bool
	)
	for _, n := range nodes {
		switch n.Status {
		case store.NodeFailed:
			anyFailed = true
		case store.NodeCanceled:
			anyCanceled = true
		}
		if n.DispatchUncertain {
			anyUncertain = true
		}
	}

	stopping, force := o.runFlags(state)
	var (
		target    store.RunStatus
		eventType string
	)
	switch {
	case force:
		target, eventType = store.RunCanceled, realtime.EventRunCanceled
	case stopping && !anyFailed && !anyUncertain:
		target, eventType = store.RunStopped, realtime.EventRunStopped
	case anyFailed || anyUncertain:
		target, eventType = store.RunFailed, realtime.EventRunFailed
	case anyCanceled:
		target, eventType = store.RunCanceled, realtime.EventRunCanceled
	default:
		target, eventType = store.RunCompleted, realtime.EventRunSucceeded
	}

	err = o.store.WithTx(ctx, func(sess *store.Session) error {
		var (
			run *store.Run
			err error
		)
		if target == store.RunCompleted {
			run, err = sess.CompleteRun(ctx, runID)
		} else {
			run, err = sess.TransitionRun(ctx, runID, target)
		}
		if err != nil {
			return err
		}
		_, err = sess.StageEvent(ctx, realtime.RunEnvelope(eventType, run, map[string]any{
			"status": string(run.Status),
		}))
		return err
	})
	if err != nil {
		return err
	}
	metrics.RunsTotal.WithLabelValues(string(target)).Inc()
	o.nudge()
	return nil
}

// mergedPredecessorOutput flattens context-carrying predecessor output for
// decision evaluation: top-level keys merge in stable predecessor order and
// each predecessor's full output also nests under its node id.
func mergedPredecessorOutput(graph *flowchart.Graph, nodeID string, nodesByID map[string]*store.RunNode) map[string]any {
	merged := make(map[string]any)
	carries := make(map[string]bool)
	for _, edge := range graph.Incoming(nodeID) {
		if edge.RoutingMode.CarriesContext() {
			carries[edge.From] = true
		}
	}
	for _, predID := range graph.Predecessors(nodeID) {
		if !carries[predID] {
			continue
		}
		pred, ok := nodesByID[predID]
		if !ok || pred.OutputState == nil {
			continue
		}
		for k, v := range pred.OutputState {
			merged[k] = v
		}
		merged[predID] = pred.OutputState
	}
	return merged
}

// joinContexts cancels when either input context cancels.
func joinContexts(a, b context.Context) context.Context {
	ctx, cancel := context.WithCancel(a)
	go func() {
		select {
		case <-b.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
