// Package mcpserver exposes llmctl run control as MCP tools over the SSE
// transport: triggering flowchart runs, inspecting their state, and
// stopping them.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/nodadyoushutup/llmctl/internal/orchestrator"
	"github.com/nodadyoushutup/llmctl/internal/store"
)

// Version is injected from the control-plane build metadata.
var Version = "dev"

// MCPServer exposes control-plane capabilities as MCP tools.
type MCPServer struct {
	server  *mcp.Server
	handler http.Handler
	store   *store.Store
	orch    *orchestrator.Orchestrator
	logger  *zap.Logger
}

// New wires the MCP server over the store and orchestrator.
func New(s *store.Store, orch *orchestrator.Orchestrator, logger *zap.Logger) *MCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	implVersion := Version
	if implVersion == "" {
		implVersion = "dev"
	}
	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "llmctl",
		Version: implVersion,
	}, nil)

	m := &MCPServer{
		server: srv,
		store:  s,
		orch:   orch,
		logger: logger.Named("mcp"),
	}
	m.registerTools()
	m.handler = mcp.NewSSEHandler(func(_ *http.Request) *mcp.Server {
		return m.server
	}, nil)
	return m
}

// Handler returns the HTTP SSE transport handler mounted at /mcp.
func (s *MCPServer) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.handler
}

func (s *MCPServer) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "llmctl_trigger_run",
		Description: "Enqueue a flowchart run for a registered snapshot",
	}, s.handleTriggerRun)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "llmctl_run_status",
		Description: "Get run status plus per-node dispatch state",
	}, s.handleRunStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "llmctl_list_runs",
		Description: "List runs filtered by status",
	}, s.handleListRuns)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "llmctl_stop_run",
		Description: "Stop a running flowchart run (graceful or force)",
	}, s.handleStopRun)
}

type triggerRunInput struct {
	FlowchartSnapshotID string `json:"flowchart_snapshot_id"`
	TriggerKind         string `json:"trigger_kind,omitempty"`
	CorrelationID       string `json:"correlation_id,omitempty"`
}

func (s *MCPServer) handleTriggerRun(ctx context.Context, _ *mcp.CallToolRequest, input triggerRunInput) (*mcp.CallToolResult, any, error) {
	if input.FlowchartSnapshotID == "" {
		return nil, nil, fmt.Errorf("flowchart_snapshot_id is required")
	}
	triggerKind := input.TriggerKind
	if triggerKind == "" {
		triggerKind = "mcp"
	}
	run, err := s.store.CreateRun(ctx, store.Run{
		FlowchartSnapshotID: input.FlowchartSnapshotID,
		TriggerKind:         triggerKind,
		CorrelationID:       input.CorrelationID,
	})
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("run triggered via mcp", zap.String("run_id", run.RunID))
	return jsonToolResult(run)
}

type runStatusInput struct {
	RunID string `json:"run_id"`
}

type runStatusPayload struct {
	Run   *store.Run      `json:"run"`
	Nodes []store.RunNode `json:"nodes"`
}

func (s *MCPServer) handleRunStatus(ctx context.Context, _ *mcp.CallToolRequest, input runStatusInput) (*mcp.CallToolResult, any, error) {
	if input.RunID == "" {
		return nil, nil, fmt.Errorf("run_id is required")
	}
	run, err := s.store.GetRun(ctx, input.RunID)
	if err != nil {
		return nil, nil, err
	}
	nodes, err := s.store.ListRunNodes(ctx, input.RunID)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(runStatusPayload{Run: run, Nodes: nodes})
}

type listRunsInput struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func (s *MCPServer) handleListRuns(ctx context.Context, _ *mcp.CallToolRequest, input listRunsInput) (*mcp.CallToolResult, any, error) {
	status := store.RunStatus(input.Status)
	if input.Status == "" {
		status = store.RunRunning
	}
	runs, err := s.store.ListRunsByStatus(ctx, status, input.Limit)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(runs)
}

type stopRunInput struct {
	RunID string `json:"run_id"`
	Force bool   `json:"force,omitempty"`
}

func (s *MCPServer) handleStopRun(ctx context.Context, _ *mcp.CallToolRequest, input stopRunInput) (*mcp.CallToolResult, any, error) {
	if input.RunID == "" {
		return nil, nil, fmt.Errorf("run_id is required")
	}
	mode := orchestrator.StopGraceful
	if input.Force {
		mode = orchestrator.StopForce
	}
	if err := s.orch.Stop(ctx, input.RunID, mode); err != nil {
		return nil, nil, err
	}
	return jsonToolResult(map[string]any{"run_id": input.RunID, "mode": string(mode)})
}

func jsonToolResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return textToolResult(string(data)), nil, nil
}

func textToolResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
