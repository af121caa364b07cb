// Package flowchart defines the workflow graph: typed nodes, typed edges
// and the adjacency index the orchestrator walks.
package flowchart

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"sigs.k8s.io/yaml"
)

// NodeType classifies flowchart nodes.
type NodeType string

const (
	NodeTask      NodeType = "task"
	NodeDecision  NodeType = "decision"
	NodePlan      NodeType = "plan"
	NodeMemory    NodeType = "memory"
	NodeMilestone NodeType = "milestone"
	NodeRAG       NodeType = "rag"
	NodeStart     NodeType = "start"
	NodeEnd       NodeType = "end"
	// NodeFrontierExecutor and NodeVLLMExecutor select the executor
	// runtime class for compute-heavy task nodes.
	NodeFrontierExecutor NodeType = "frontier_executor"
	NodeVLLMExecutor     NodeType = "vllm_executor"
)

// RoutingMode controls whether an edge gates activation, carries context,
// or carries attachments.
type RoutingMode string

const (
	RouteTriggerAndContext            RoutingMode = "trigger_and_context"
	RouteTriggerContextAndAttachments RoutingMode = "trigger_context_and_attachments"
	RouteContextOnly                  RoutingMode = "context_only"
	RouteAttachmentsOnly              RoutingMode = "attachments_only"
)

// IsTrigger reports whether the mode gates successor activation.
func (m RoutingMode) IsTrigger() bool {
	return m == RouteTriggerAndContext || m == RouteTriggerContextAndAttachments
}

// CarriesContext reports whether predecessor output_state flows along the edge.
func (m RoutingMode) CarriesContext() bool {
	return m != RouteAttachmentsOnly
}

// CarriesAttachments reports whether attachment references flow along the edge.
func (m RoutingMode) CarriesAttachments() bool {
	return m == RouteTriggerContextAndAttachments || m == RouteAttachmentsOnly
}

// DecisionCondition is one evaluable routing condition on a decision node.
type DecisionCondition struct {
	ConnectorID string `json:"connector_id"`
	Field       string `json:"field"`
	Operator    string `json:"operator"`
	Value       string `json:"value"`
}

// Node is one flowchart node.
type Node struct {
	ID                 string              `json:"id"`
	Type               NodeType            `json:"type"`
	Name               string              `json:"name,omitempty"`
	Configuration      map[string]any      `json:"configuration,omitempty"`
	DecisionConditions []DecisionCondition `json:"decision_conditions,omitempty"`
	OnFailureContinue  bool                `json:"on_failure_continue,omitempty"`
	AgentID            string              `json:"agent_id,omitempty"`
	RoleID             string              `json:"role_id,omitempty"`
	MCPServerKeys      []string            `json:"mcp_server_keys,omitempty"`
}

// Edge is one directed flowchart edge. RouteKey is only meaningful on
// edges leaving a decision node.
type Edge struct {
	ID          string      `json:"id"`
	From        string      `json:"from"`
	To          string      `json:"to"`
	RoutingMode RoutingMode `json:"routing_mode"`
	RouteKey    string      `json:"route_key,omitempty"`
}

// Flowchart is a graph definition.
type Flowchart struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

var (
	ErrDuplicateNodeID  = errors.New("duplicate node id")
	ErrUnknownEndpoint  = errors.New("edge references unknown node")
	ErrMultipleStart    = errors.New("more than one start node")
	ErrInvalidRouteMode = errors.New("invalid routing mode")
	ErrRouteKeyMisuse   = errors.New("route_key on a non-decision edge")
)

// Validate checks the structural invariants of the graph definition.
func (f *Flowchart) Validate() error {
	byID := make(map[string]*Node, len(f.Nodes))
	starts := 0
	for i := range f.Nodes {
		n := &f.Nodes[i]
		if strings.TrimSpace(n.ID) == "" {
			return fmt.Errorf("node %d: empty id", i)
		}
		if _, dup := byID[n.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateNodeID, n.ID)
		}
		byID[n.ID] = n
		if n.Type == NodeStart {
			starts++
		}
	}
	if starts > 1 {
		return ErrMultipleStart
	}
	for _, e := range f.Edges {
		from, ok := byID[e.From]
		if !ok {
			return fmt.Errorf("%w: edge %s from %s", ErrUnknownEndpoint, e.ID, e.From)
		}
		if _, ok := byID[e.To]; !ok {
			return fmt.Errorf("%w: edge %s to %s", ErrUnknownEndpoint, e.ID, e.To)
		}
		switch e.RoutingMode {
		case RouteTriggerAndContext, RouteTriggerContextAndAttachments, RouteContextOnly, RouteAttachmentsOnly:
		default:
			return fmt.Errorf("%w: edge %s mode %q", ErrInvalidRouteMode, e.ID, e.RoutingMode)
		}
		if e.RouteKey != "" && from.Type != NodeDecision {
			return fmt.Errorf("%w: edge %s", ErrRouteKeyMisuse, e.ID)
		}
	}
	return nil
}

// Graph is the adjacency-indexed view of a validated flowchart.
type Graph struct {
	chart    *Flowchart
	nodes    map[string]*Node
	outgoing map[string][]*Edge
	incoming map[string][]*Edge
}

// NewGraph validates the flowchart and builds its adjacency index.
func NewGraph(f *Flowchart) (*Graph, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	g := &Graph{
		chart:    f,
		nodes:    make(map[string]*Node, len(f.Nodes)),
		outgoing: make(map[string][]*Edge, len(f.Nodes)),
		incoming: make(map[string][]*Edge, len(f.Nodes)),
	}
	for i := range f.Nodes {
		g.nodes[f.Nodes[i].ID] = &f.Nodes[i]
	}
	for i := range f.Edges {
		e := &f.Edges[i]
		g.outgoing[e.From] = append(g.outgoing[e.From], e)
		g.incoming[e.To] = append(g.incoming[e.To], e)
	}
	return g, nil
}

// Node returns a node by id, or nil.
func (g *Graph) Node(id string) *Node { return g.nodes[id] }

// Nodes returns all nodes in definition order.
func (g *Graph) Nodes() []Node { return g.chart.Nodes }

// Outgoing returns edges leaving a node.
func (g *Graph) Outgoing(id string) []*Edge { return g.outgoing[id] }

// Incoming returns edges entering a node.
func (g *Graph) Incoming(id string) []*Edge { return g.incoming[id] }

// Start returns the start node, or nil when the chart has none.
func (g *Graph) Start() *Node {
	for i := range g.chart.Nodes {
		if g.chart.Nodes[i].Type == NodeStart {
			return &g.chart.Nodes[i]
		}
	}
	return nil
}

// Predecessors returns predecessor node ids in stable order: topological
// rank where computable, lexicographic node id to break ties and cycles.
func (g *Graph) Predecessors(id string) []string {
	seen := make(map[string]struct{})
	var preds []string
	for _, e := range g.incoming[id] {
		if _, dup := seen[e.From]; dup {
			continue
		}
		seen[e.From] = struct{}{}
		preds = append(preds, e.From)
	}
	rank := g.topoRank()
	sort.Slice(preds, func(i, j int) bool {
		ri, rj := rank[preds[i]], rank[preds[j]]
		if ri != rj {
			return ri < rj
		}
		return preds[i] < preds[j]
	})
	return preds
}

// topoRank assigns Kahn-order ranks. Nodes on cycles keep rank len(nodes)
// so the lexicographic tiebreak orders them.
func (g *Graph) topoRank() map[string]int {
	indeg := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indeg[id] = 0
	}
	for _, edges := range g.outgoing {
		for _, e := range edges {
			indeg[e.To]++
		}
	}
	var frontier []string
	for id, d := range indeg {
		if d == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)
	rank := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		rank[id] = len(g.nodes)
	}
	next := 0
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		rank[id] = next
		next++
		var unlocked []string
		for _, e := range g.outgoing[id] {
			indeg[e.To]--
			if indeg[e.To] == 0 {
				unlocked = append(unlocked, e.To)
			}
		}
		sort.Strings(unlocked)
		frontier = append(frontier, unlocked...)
	}
	return rank
}

// LoadFile reads a flowchart definition from a YAML or JSON file and
// validates it.
func LoadFile(path string) (*Flowchart, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flowchart %s: %w", path, err)
	}
	var f Flowchart
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse flowchart %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("validate flowchart %s: %w", path, err)
	}
	return &f, nil
}
