package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nodadyoushutup/llmctl/internal/flowchart"
	"github.com/nodadyoushutup/llmctl/internal/realtime"
	"github.com/nodadyoushutup/llmctl/internal/store"
)

// activateInitial creates run-node records for the start node's successors.
// Charts without a start node activate every node that has no inbound
// trigger edges.
func (o *Orchestrator) activateInitial(ctx context.Context, sess *store.Session, run *store.Run, graph *flowchart.Graph) error {
	var initial []string
	if start := graph.Start(); start != nil {
		for _, edge := range graph.Outgoing(start.ID) {
			if edge.RoutingMode.IsTrigger() {
				initial = append(initial, edge.To)
			}
		}
	} else {
		for _, node := range graph.Nodes() {
			if node.Type == flowchart.NodeEnd {
				continue
			}
			if len(triggerEdges(graph.Incoming(node.ID))) == 0 {
				initial = append(initial, node.ID)
			}
		}
	}
	sort.Strings(initial)
	for _, nodeID := range initial {
		if err := o.activateNode(ctx, sess, run, graph, nodeID); err != nil {
			return err
		}
	}
	return nil
}

func triggerEdges(edges []*flowchart.Edge) []*flowchart.Edge {
	var out []*flowchart.Edge
	for _, e := range edges {
		if e.RoutingMode.IsTrigger() {
			out = append(out, e)
		}
	}
	return out
}

// activateNode creates a queued run-node record unless one already exists
// for the node in this run.
func (o *Orchestrator) activateNode(ctx context.Context, sess *store.Session, run *store.Run, graph *flowchart.Graph, nodeID string) error {
	node := graph.Node(nodeID)
	if node == nil {
		return fmt.Errorf("activate unknown node %s", nodeID)
	}
	if _, err := sess.FindRunNode(ctx, run.RunID, nodeID, 0); err == nil {
		return nil // already activated (fan-in convergence)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	created, err := sess.CreateRunNode(ctx, store.RunNode{
		RunID:             run.RunID,
		NodeID:            nodeID,
		NodeType:          string(node.Type),
		WorkspaceIdentity: run.RunID,
	})
	if err != nil {
		return err
	}
	_, err = sess.StageEvent(ctx, realtime.NodeEnvelope(realtime.EventNodeStarted, created, map[string]any{
		"status": string(store.NodeQueued),
	}))
	return err
}

// edgeSatisfied reports whether a trigger edge gates open: its source node
// is terminal-successful (or failed with on_failure_continue), and for
// decision sources the edge's route key matched.
func edgeSatisfied(graph *flowchart.Graph, edge *flowchart.Edge, nodesByID map[string]*store.RunNode) bool {
	source, ran := nodesByID[edge.From]
	if !ran || !source.Status.Terminal() {
		return false
	}
	sourceDef := graph.Node(edge.From)
	switch source.Status {
	case store.NodeSucceeded:
	case store.NodeFailed:
		if sourceDef == nil || !sourceDef.OnFailureContinue {
			return false
		}
	default:
		return false
	}
	if sourceDef != nil && sourceDef.Type == flowchart.NodeDecision {
		if source.RoutingState == nil {
			return false
		}
		for _, id := range source.RoutingState.MatchedConnectorIDs {
			if id == edge.RouteKey || (edge.RouteKey == "" && id == edge.ID) {
				return true
			}
		}
		return false
	}
	return true
}

// expandFrontier activates successors of newly terminal nodes: a node
// activates when every inbound trigger edge is satisfied (AND fan-in).
func (o *Orchestrator) expandFrontier(ctx context.Context, sess *store.Session, run *store.Run, graph *flowchart.Graph, terminalNodeIDs []string) error {
	nodes, err := sess.ListRunNodes(ctx, run.RunID)
	if err != nil {
		return err
	}
	nodesByID := make(map[string]*store.RunNode, len(nodes))
	for i := range nodes {
		nodesByID[nodes[i].NodeID] = &nodes[i]
	}

	candidates := make(map[string]struct{})
	for _, nodeID := range terminalNodeIDs {
		for _, edge := range graph.Outgoing(nodeID) {
			if edge.RoutingMode.IsTrigger() {
				candidates[edge.To] = struct{}{}
			}
		}
	}
	ordered := make([]string, 0, len(candidates))
	for id := range candidates {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	for _, nodeID := range ordered {
		if _, exists := nodesByID[nodeID]; exists {
			continue
		}
		inbound := triggerEdges(graph.Incoming(nodeID))
		satisfied := true
		for _, edge := range inbound {
			if !edgeSatisfied(graph, edge, nodesByID) {
				satisfied = false
				break
			}
		}
		if !satisfied {
			continue
		}
		if err := o.activateNode(ctx, sess, run, graph, nodeID); err != nil {
			return err
		}
	}
	return nil
}

// assembleInput concatenates predecessor output_state in stable predecessor
// order and gathers attachments carried on attachment edges.
func assembleInput(graph *flowchart.Graph, nodeID string, nodesByID map[string]*store.RunNode) (string, []string) {
	var (
		sections    []string
		attachments []string
	)
	carriesContext := make(map[string]bool)
	for _, edge := range graph.Incoming(nodeID) {
		if edge.RoutingMode.CarriesContext() {
			carriesContext[edge.From] = true
		}
		if edge.RoutingMode.CarriesAttachments() {
			if pred, ok := nodesByID[edge.From]; ok {
				attachments = append(attachments, outputAttachments(pred)...)
			}
		}
	}
	for _, predID := range graph.Predecessors(nodeID) {
		if !carriesContext[predID] {
			continue
		}
		pred, ok := nodesByID[predID]
		if !ok || pred.OutputState == nil {
			continue
		}
		data, err := json.Marshal(pred.OutputState)
		if err != nil {
			continue
		}
		sections = append(sections, fmt.Sprintf("## %s\n%s", predID, data))
	}
	sort.Strings(attachments)
	attachments = dedupe(attachments)
	return strings.Join(sections, "\n\n"), attachments
}

func outputAttachments(node *store.RunNode) []string {
	raw, ok := node.OutputState["attachments"].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := values[:0]
	for _, v := range values {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
