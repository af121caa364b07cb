package mcpserver

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nodadyoushutup/llmctl/internal/store"
)

func newTestServer(t *testing.T) (*MCPServer, *store.Store) {
	t.Helper()
	s, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "llmctl.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s, nil, nil), s
}

func toolText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("content type %T", res.Content[0])
	}
	return text.Text
}

func TestTriggerRunCreatesQueuedRun(t *testing.T) {
	srv, s := newTestServer(t)

	res, _, err := srv.handleTriggerRun(context.Background(), nil, triggerRunInput{
		FlowchartSnapshotID: "fc-1",
		CorrelationID:       "corr-9",
	})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	var run store.Run
	if err := json.Unmarshal([]byte(toolText(t, res)), &run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run.Status != store.RunQueued || run.TriggerKind != "mcp" {
		t.Fatalf("run = %+v", run)
	}

	stored, err := s.GetRun(context.Background(), run.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if stored.CorrelationID != "corr-9" {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestTriggerRunRequiresSnapshot(t *testing.T) {
	srv, _ := newTestServer(t)
	_, _, err := srv.handleTriggerRun(context.Background(), nil, triggerRunInput{})
	if err == nil || !strings.Contains(err.Error(), "flowchart_snapshot_id") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunStatusIncludesNodes(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()
	run, err := s.CreateRun(ctx, store.Run{FlowchartSnapshotID: "fc-1"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	err = s.WithTx(ctx, func(sess *store.Session) error {
		_, err := sess.CreateRunNode(ctx, store.RunNode{RunID: run.RunID, NodeID: "task_a", NodeType: "task"})
		return err
	})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	res, _, err := srv.handleRunStatus(ctx, nil, runStatusInput{RunID: run.RunID})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var payload runStatusPayload
	if err := json.Unmarshal([]byte(toolText(t, res)), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Run.RunID != run.RunID || len(payload.Nodes) != 1 {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestListRunsFiltersByStatus(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()
	if _, err := s.CreateRun(ctx, store.Run{FlowchartSnapshotID: "fc-1"}); err != nil {
		t.Fatalf("create run: %v", err)
	}

	res, _, err := srv.handleListRuns(ctx, nil, listRunsInput{Status: "queued"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var runs []store.Run
	if err := json.Unmarshal([]byte(toolText(t, res)), &runs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d", len(runs))
	}
}
