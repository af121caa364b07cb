package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nodadyoushutup/llmctl/internal/contract"
	"github.com/nodadyoushutup/llmctl/internal/dispatch"
	"github.com/nodadyoushutup/llmctl/internal/events"
	"github.com/nodadyoushutup/llmctl/internal/flowchart"
	"github.com/nodadyoushutup/llmctl/internal/realtime"
	"github.com/nodadyoushutup/llmctl/internal/store"
)

// scriptedDispatcher returns canned results per node id and records calls.
type scriptedDispatcher struct {
	mu      sync.Mutex
	results map[string]dispatch.Result // node id → result
	calls   []string
	blockCh chan struct{} // when set, dispatches block until closed
	cancels []string
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, req dispatch.Request, obs dispatch.Observer) (dispatch.Result, error) {
	d.mu.Lock()
	d.calls = append(d.calls, req.NodeID)
	result, ok := d.results[req.NodeID]
	block := d.blockCh
	d.mu.Unlock()
	if !ok {
		result = successResult(req, map[string]any{"x": 1}, nil)
	}
	if obs == nil {
		obs = dispatch.NopObserver{}
	}
	dispatchID := "kubernetes:llmctl-" + req.RunNodeID + "-a0"
	if result.ProviderDispatchID == "" {
		result.ProviderDispatchID = dispatchID
	}
	if result.Error == nil || result.Error.Code != contract.CodeDispatch {
		obs.DispatchSubmitted(ctx, result.ProviderDispatchID, "job-"+req.NodeID)
		if result.Confirmed {
			obs.DispatchConfirmed(ctx)
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return dispatch.Result{
				ProviderDispatchID: result.ProviderDispatchID,
				Confirmed:          true,
				Error:              contract.NewError(contract.CodeCancelled, "dispatch cancelled"),
			}, nil
		}
	}
	return result, nil
}

func (d *scriptedDispatcher) Cancel(_ context.Context, id string, _ bool) error {
	d.mu.Lock()
	d.cancels = append(d.cancels, id)
	d.mu.Unlock()
	return nil
}

func successResult(req dispatch.Request, output map[string]any, routing *contract.RoutingState) dispatch.Result {
	return dispatch.Result{
		Confirmed: true,
		Execution: &contract.ExecutionResult{
			ContractVersion: contract.ResultVersion,
			Status:          contract.StatusSuccess,
			OutputState:     output,
			RoutingState:    routing,
		},
	}
}

type fixture struct {
	store      *store.Store
	bus        *events.Bus
	publisher  *realtime.Publisher
	dispatcher *scriptedDispatcher
	graphs     *StaticGraphSource
	orch       *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "llmctl.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	bus := events.NewBus(256)
	publisher := realtime.NewPublisher(s, bus, time.Hour, nil)
	dispatcher := &scriptedDispatcher{results: make(map[string]dispatch.Result)}
	graphs := NewStaticGraphSource()
	orch := New(s, dispatcher, publisher, graphs, nil, t.TempDir(), nil)
	return &fixture{store: s, bus: bus, publisher: publisher, dispatcher: dispatcher, graphs: graphs, orch: orch}
}

func (f *fixture) createRun(t *testing.T, chart *flowchart.Flowchart) *store.Run {
	t.Helper()
	if err := f.graphs.Register(chart.ID, chart); err != nil {
		t.Fatalf("register chart: %v", err)
	}
	run, err := f.store.CreateRun(context.Background(), store.Run{
		FlowchartSnapshotID: chart.ID,
		TriggerKind:         "manual",
		RequestID:           "req-1",
		CorrelationID:       "corr-1",
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func (f *fixture) publishedEventTypes(t *testing.T, stream string) []string {
	t.Helper()
	ch := f.bus.Subscribe("test")
	defer f.bus.Unsubscribe("test")
	if err := f.publisher.DrainOnce(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	var types []string
	for {
		select {
		case env := <-ch:
			if env.SequenceStream == stream {
				types = append(types, env.EventType)
			}
		default:
			return types
		}
	}
}

func linearChart() *flowchart.Flowchart {
	return &flowchart.Flowchart{
		ID: "fc-linear",
		Nodes: []flowchart.Node{
			{ID: "start", Type: flowchart.NodeStart},
			{ID: "task_a", Type: flowchart.NodeTask},
			{ID: "end", Type: flowchart.NodeEnd},
		},
		Edges: []flowchart.Edge{
			{ID: "e1", From: "start", To: "task_a", RoutingMode: flowchart.RouteTriggerAndContext},
			{ID: "e2", From: "task_a", To: "end", RoutingMode: flowchart.RouteTriggerAndContext},
		},
	}
}

func TestLinearRunCompletes(t *testing.T) {
	f := newFixture(t)
	run := f.createRun(t, linearChart())

	if err := f.orch.Execute(context.Background(), run.RunID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, _ := f.store.GetRun(context.Background(), run.RunID)
	if got.Status != store.RunCompleted {
		t.Fatalf("run status = %s", got.Status)
	}
	nodes, _ := f.store.ListRunNodes(context.Background(), run.RunID)
	if len(nodes) != 2 { // task_a + end
		t.Fatalf("run nodes = %d", len(nodes))
	}
	for _, n := range nodes {
		if n.Status != store.NodeSucceeded {
			t.Fatalf("node %s = %s", n.NodeID, n.Status)
		}
	}

	types := f.publishedEventTypes(t, realtime.RunStream(run.RunID))
	assertOrdered(t, types,
		realtime.EventRunStarted,
		realtime.EventNodeStarted,
		realtime.EventNodeSucceeded,
		realtime.EventRunSucceeded,
	)
}

// assertOrdered checks that want appears in types as a subsequence.
func assertOrdered(t *testing.T, types []string, want ...string) {
	t.Helper()
	i := 0
	for _, typ := range types {
		if i < len(want) && typ == want[i] {
			i++
		}
	}
	if i != len(want) {
		t.Fatalf("event order %v missing subsequence %v", types, want)
	}
}

func TestTaskOutputStatePersisted(t *testing.T) {
	f := newFixture(t)
	run := f.createRun(t, linearChart())

	if err := f.orch.Execute(context.Background(), run.RunID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	nodes, _ := f.store.ListRunNodes(context.Background(), run.RunID)
	for _, n := range nodes {
		if n.NodeID != "task_a" {
			continue
		}
		if n.OutputState["x"] != float64(1) {
			t.Fatalf("output state = %v", n.OutputState)
		}
		if n.DispatchStatus != store.DispatchConfirmed || n.ProviderDispatchID == "" {
			t.Fatalf("dispatch columns = %+v", n)
		}
		artifacts, _ := f.store.ListArtifacts(context.Background(), n.RunNodeID)
		if len(artifacts) != 1 || artifacts[0].Kind != store.ArtifactGeneric {
			t.Fatalf("artifacts = %+v", artifacts)
		}
	}
}

func decisionChart() *flowchart.Flowchart {
	return &flowchart.Flowchart{
		ID: "fc-decision",
		Nodes: []flowchart.Node{
			{ID: "start", Type: flowchart.NodeStart},
			{ID: "task_a", Type: flowchart.NodeTask},
			{ID: "decision_d", Type: flowchart.NodeDecision, DecisionConditions: []flowchart.DecisionCondition{
				{ConnectorID: "edge_yes", Field: "x", Operator: "equals", Value: "1"},
				{ConnectorID: "edge_no", Field: "x", Operator: "equals", Value: "2"},
			}},
			{ID: "task_yes", Type: flowchart.NodeTask},
			{ID: "task_no", Type: flowchart.NodeTask},
		},
		Edges: []flowchart.Edge{
			{ID: "e1", From: "start", To: "task_a", RoutingMode: flowchart.RouteTriggerAndContext},
			{ID: "e2", From: "task_a", To: "decision_d", RoutingMode: flowchart.RouteTriggerAndContext},
			{ID: "e3", From: "decision_d", To: "task_yes", RoutingMode: flowchart.RouteTriggerAndContext, RouteKey: "edge_yes"},
			{ID: "e4", From: "decision_d", To: "task_no", RoutingMode: flowchart.RouteTriggerAndContext, RouteKey: "edge_no"},
		},
	}
}

func TestDecisionRoutesOnlyMatchedEdges(t *testing.T) {
	f := newFixture(t)
	run := f.createRun(t, decisionChart())

	if err := f.orch.Execute(context.Background(), run.RunID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	nodes, _ := f.store.ListRunNodes(context.Background(), run.RunID)
	byNode := make(map[string]store.RunNode)
	for _, n := range nodes {
		byNode[n.NodeID] = n
	}
	if _, ran := byNode["task_no"]; ran {
		t.Fatal("task_no activated despite unmatched route key")
	}
	if n, ran := byNode["task_yes"]; !ran || n.Status != store.NodeSucceeded {
		t.Fatalf("task_yes = %+v", n)
	}
	decision := byNode["decision_d"]
	if decision.RoutingState == nil || len(decision.RoutingState.MatchedConnectorIDs) != 1 ||
		decision.RoutingState.MatchedConnectorIDs[0] != "edge_yes" {
		t.Fatalf("routing state = %+v", decision.RoutingState)
	}
	artifacts, _ := f.store.ListArtifacts(context.Background(), decision.RunNodeID)
	if len(artifacts) != 1 || artifacts[0].Kind != store.ArtifactDecision {
		t.Fatalf("decision artifacts = %+v", artifacts)
	}
}

func TestDecisionWithoutConditionsUnderCutover(t *testing.T) {
	f := newFixture(t)
	chart := decisionChart()
	chart.ID = "fc-cutover"
	chart.Nodes[2].DecisionConditions = nil

	if err := f.graphs.Register(chart.ID, chart); err != nil {
		t.Fatalf("register: %v", err)
	}
	run, err := f.store.CreateRun(context.Background(), store.Run{
		FlowchartSnapshotID:   chart.ID,
		RuntimeCutoverEnabled: true,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := f.orch.Execute(context.Background(), run.RunID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	nodes, _ := f.store.ListRunNodes(context.Background(), run.RunID)
	for _, n := range nodes {
		if n.NodeID != "decision_d" {
			continue
		}
		if n.Status != store.NodeFailed || n.Error == nil || n.Error.Code != contract.CodeValidation {
			t.Fatalf("decision node = %+v", n)
		}
		// Rejected before dispatch: state machine never left pending.
		if n.DispatchStatus != store.DispatchPending {
			t.Fatalf("dispatch status = %s", n.DispatchStatus)
		}
	}
	got, _ := f.store.GetRun(context.Background(), run.RunID)
	if got.Status != store.RunFailed {
		t.Fatalf("run status = %s", got.Status)
	}
}

func TestDispatchUncertainFailsRunWithoutRetry(t *testing.T) {
	f := newFixture(t)
	chart := linearChart()
	f.dispatcher.results["task_a"] = dispatch.Result{
		Uncertain: true,
		Error:     contract.NewError(contract.CodeDispatch, "no startup marker"),
	}
	run := f.createRun(t, chart)

	if err := f.orch.Execute(context.Background(), run.RunID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	nodes, _ := f.store.ListRunNodes(context.Background(), run.RunID)
	if len(nodes) != 1 {
		t.Fatalf("nodes = %d (successors must not activate)", len(nodes))
	}
	node := nodes[0]
	if node.Status != store.NodeFailed || node.DispatchStatus != store.DispatchFailed || !node.DispatchUncertain {
		t.Fatalf("node = %+v", node)
	}
	got, _ := f.store.GetRun(context.Background(), run.RunID)
	if got.Status != store.RunFailed {
		t.Fatalf("run status = %s", got.Status)
	}
	// Exactly one dispatch attempt: no automatic retry.
	if len(f.dispatcher.calls) != 1 {
		t.Fatalf("dispatch calls = %v", f.dispatcher.calls)
	}
}

func TestOnFailureContinueActivatesSuccessors(t *testing.T) {
	f := newFixture(t)
	chart := linearChart()
	chart.ID = "fc-continue"
	chart.Nodes[1].OnFailureContinue = true
	f.dispatcher.results["task_a"] = dispatch.Result{
		Confirmed: true,
		Error:     contract.NewError(contract.CodeExecution, "tool loop exceeded"),
	}
	run := f.createRun(t, chart)

	if err := f.orch.Execute(context.Background(), run.RunID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	nodes, _ := f.store.ListRunNodes(context.Background(), run.RunID)
	byNode := make(map[string]store.RunNode)
	for _, n := range nodes {
		byNode[n.NodeID] = n
	}
	if end, ran := byNode["end"]; !ran || end.Status != store.NodeSucceeded {
		t.Fatalf("end node = %+v", byNode["end"])
	}
	// The run still aggregates failed: completion demands all-succeeded.
	got, _ := f.store.GetRun(context.Background(), run.RunID)
	if got.Status != store.RunFailed {
		t.Fatalf("run status = %s", got.Status)
	}
}

func fanOutChart() *flowchart.Flowchart {
	return &flowchart.Flowchart{
		ID: "fc-fanout",
		Nodes: []flowchart.Node{
			{ID: "start", Type: flowchart.NodeStart},
			{ID: "task_a", Type: flowchart.NodeTask},
			{ID: "task_b", Type: flowchart.NodeTask},
		},
		Edges: []flowchart.Edge{
			{ID: "e1", From: "start", To: "task_a", RoutingMode: flowchart.RouteTriggerAndContext},
			{ID: "e2", From: "start", To: "task_b", RoutingMode: flowchart.RouteTriggerAndContext},
		},
	}
}

func TestForceStopCancelsInFlight(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.blockCh = make(chan struct{})
	run := f.createRun(t, fanOutChart())

	if err := f.orch.Start(context.Background(), run.RunID); err != nil {
		t.Fatalf("start: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		for {
			more, err := f.orch.Tick(context.Background(), run.RunID)
			if err != nil || !more {
				done <- err
				return
			}
		}
	}()

	// Wait until both nodes are in flight.
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.dispatcher.mu.Lock()
		inFlight := len(f.dispatcher.calls)
		f.dispatcher.mu.Unlock()
		if inFlight == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("nodes never dispatched")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := f.orch.Stop(context.Background(), run.RunID, StopForce); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("tick loop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not settle after force stop")
	}
	f.orch.release(run.RunID)

	nodes, _ := f.store.ListRunNodes(context.Background(), run.RunID)
	for _, n := range nodes {
		if n.Status != store.NodeCanceled {
			t.Fatalf("node %s = %s", n.NodeID, n.Status)
		}
	}
	got, _ := f.store.GetRun(context.Background(), run.RunID)
	if got.Status != store.RunCanceled {
		t.Fatalf("run status = %s", got.Status)
	}
}

func TestStartRejectsActiveAndNonQueuedRuns(t *testing.T) {
	f := newFixture(t)
	run := f.createRun(t, linearChart())

	if err := f.orch.Execute(context.Background(), run.RunID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	// Completed run cannot start again.
	if err := f.orch.Start(context.Background(), run.RunID); err == nil {
		t.Fatal("restart of completed run accepted")
	}
}

func TestRAGNodeWithoutIndexerFailsWithProviderError(t *testing.T) {
	f := newFixture(t)
	chart := &flowchart.Flowchart{
		ID: "fc-rag",
		Nodes: []flowchart.Node{
			{ID: "start", Type: flowchart.NodeStart},
			{ID: "lookup", Type: flowchart.NodeRAG, Configuration: map[string]any{
				"operation":  "query",
				"collection": "docs",
				"text":       "question",
			}},
		},
		Edges: []flowchart.Edge{
			{ID: "e1", From: "start", To: "lookup", RoutingMode: flowchart.RouteTriggerAndContext},
		},
	}
	run := f.createRun(t, chart)

	if err := f.orch.Execute(context.Background(), run.RunID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	nodes, _ := f.store.ListRunNodes(context.Background(), run.RunID)
	for _, n := range nodes {
		if n.NodeID != "lookup" {
			continue
		}
		if n.Status != store.NodeFailed {
			t.Fatalf("rag node = %+v", n)
		}
		if n.Error == nil || n.Error.Code != contract.CodeProvider {
			t.Fatalf("rag error = %+v", n.Error)
		}
	}
}

func TestMemoryDomainNodeRunsInProcess(t *testing.T) {
	f := newFixture(t)
	chart := &flowchart.Flowchart{
		ID: "fc-memory",
		Nodes: []flowchart.Node{
			{ID: "start", Type: flowchart.NodeStart},
			{ID: "mem", Type: flowchart.NodeMemory, Configuration: map[string]any{
				"operation": "append",
				"entries": []any{
					map[string]any{"key": "fact", "body": "remembered"},
				},
			}},
		},
		Edges: []flowchart.Edge{
			{ID: "e1", From: "start", To: "mem", RoutingMode: flowchart.RouteTriggerAndContext},
		},
	}
	run := f.createRun(t, chart)

	if err := f.orch.Execute(context.Background(), run.RunID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	// No Kubernetes dispatch for domain nodes.
	if len(f.dispatcher.calls) != 0 {
		t.Fatalf("dispatcher calls = %v", f.dispatcher.calls)
	}
	nodes, _ := f.store.ListRunNodes(context.Background(), run.RunID)
	for _, n := range nodes {
		if n.NodeID != "mem" {
			continue
		}
		if n.Status != store.NodeSucceeded {
			t.Fatalf("memory node = %+v", n)
		}
		artifacts, _ := f.store.ListArtifacts(context.Background(), n.RunNodeID)
		if len(artifacts) != 1 || artifacts[0].Kind != store.ArtifactMemory {
			t.Fatalf("artifacts = %+v", artifacts)
		}
	}
	got, _ := f.store.GetRun(context.Background(), run.RunID)
	if got.Status != store.RunCompleted {
		t.Fatalf("run status = %s", got.Status)
	}
}
