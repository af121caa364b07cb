package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testContext(t *testing.T) Context {
	t.Helper()
	return Context{
		WorkspaceRoot: t.TempDir(),
		ExecutionID:   "exec-1",
		RequestID:     "req-1",
		CorrelationID: "corr-1",
	}
}

func fullRegistry() *Registry {
	r := NewRegistry()
	RegisterWorkspace(r)
	RegisterCommand(r)
	RegisterMemory(r)
	RegisterPlan(r)
	RegisterMilestone(r)
	RegisterDecision(r)
	return r
}

func TestInvokeUnknownDomainAndOperation(t *testing.T) {
	r := fullRegistry()
	tc := testContext(t)
	if _, err := r.Invoke(context.Background(), tc, "nope", "x", nil); !errors.Is(err, ErrUnknownDomain) {
		t.Fatalf("expected ErrUnknownDomain, got %v", err)
	}
	if _, err := r.Invoke(context.Background(), tc, "workspace", "nope", nil); !errors.Is(err, ErrUnknownOp) {
		t.Fatalf("expected ErrUnknownOp, got %v", err)
	}
}

func TestInvokeStampsTrace(t *testing.T) {
	r := fullRegistry()
	tc := testContext(t)
	trace, err := r.Invoke(context.Background(), tc, "workspace", "write",
		map[string]any{"path": "a.txt", "content": "hello"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if trace.Domain != "workspace" || trace.Operation != "write" || trace.Status != TraceSuccess {
		t.Fatalf("trace = %+v", trace)
	}
	if trace.RequestID != "req-1" || trace.CorrelationID != "corr-1" {
		t.Fatalf("trace correlation = %+v", trace)
	}
}

func TestWorkspaceTraversalFailsClosed(t *testing.T) {
	r := fullRegistry()
	tc := testContext(t)
	for _, path := range []string{"../escape.txt", "/etc/passwd", "a/../../escape.txt"} {
		trace, err := r.Invoke(context.Background(), tc, "workspace", "write",
			map[string]any{"path": path, "content": "x"})
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("path %q: expected ErrValidation, got %v", path, err)
		}
		if trace.Status != TraceError {
			t.Fatalf("path %q: trace status = %s", path, trace.Status)
		}
	}
	// Nothing escaped the sandbox.
	parent := filepath.Dir(tc.WorkspaceRoot)
	if _, err := os.Stat(filepath.Join(parent, "escape.txt")); !os.IsNotExist(err) {
		t.Fatal("file escaped workspace root")
	}
}

func TestWorkspaceWriteReadList(t *testing.T) {
	r := fullRegistry()
	tc := testContext(t)
	ctx := context.Background()

	if _, err := r.Invoke(ctx, tc, "workspace", "write",
		map[string]any{"path": "dir/file.txt", "content": "data"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	trace, err := r.Invoke(ctx, tc, "workspace", "read", map[string]any{"path": "dir/file.txt"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if trace.Output["content"] != "data" {
		t.Fatalf("content = %v", trace.Output["content"])
	}
	trace, err = r.Invoke(ctx, tc, "workspace", "list", map[string]any{"path": "."})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if trace.Counts["entries"] != 2 {
		t.Fatalf("entries = %d", trace.Counts["entries"])
	}
}

func TestApplyPatchAllOrNothing(t *testing.T) {
	r := fullRegistry()
	tc := testContext(t)
	ctx := context.Background()

	if _, err := r.Invoke(ctx, tc, "workspace", "write",
		map[string]any{"path": "f.txt", "content": "alpha beta"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Second hunk's old text does not match: first hunk must not apply.
	_, err := r.Invoke(ctx, tc, "workspace", "apply_patch", map[string]any{
		"hunks": []any{
			map[string]any{"path": "f.txt", "old": "alpha", "new": "ALPHA"},
			map[string]any{"path": "f.txt", "old": "missing", "new": "x"},
		},
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(tc.WorkspaceRoot, "f.txt"))
	if string(data) != "alpha beta" {
		t.Fatalf("partial patch applied: %q", data)
	}
}

func TestCommandRunCapturesOutput(t *testing.T) {
	r := fullRegistry()
	tc := testContext(t)
	trace, err := r.Invoke(context.Background(), tc, "command", "run",
		map[string]any{"command": "printf hello; exit 3"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if trace.Output["stdout"] != "hello" {
		t.Fatalf("stdout = %v", trace.Output["stdout"])
	}
	if trace.Output["exit_code"] != 3 || trace.Status != TraceWarning {
		t.Fatalf("exit trace = %+v", trace)
	}
}

func TestMemoryUpdateMatchingRules(t *testing.T) {
	r := fullRegistry()
	tc := testContext(t)
	ctx := context.Background()

	if _, err := r.Invoke(ctx, tc, "memory", "append", map[string]any{
		"entries": []any{
			map[string]any{"id": "m1", "key": "build cmd", "body": "make"},
			map[string]any{"id": "m2", "key": "Deploy Target", "body": "prod"},
		},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	trace, err := r.Invoke(ctx, tc, "memory", "update", map[string]any{
		"patches": []any{
			map[string]any{"id": "m1", "body": "make all"},
			map[string]any{"key": "deploy  target", "body": "staging"}, // normalized key fallback
			map[string]any{"key": "missing", "body": "x"},
		},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if trace.Counts["updated"] != 2 || trace.Counts["skipped_missing"] != 1 {
		t.Fatalf("counts = %+v", trace.Counts)
	}
	if trace.Status != TraceWarning {
		t.Fatalf("status = %s", trace.Status)
	}
}

func TestMemoryUpdateAmbiguousFailsWholeOperation(t *testing.T) {
	r := fullRegistry()
	tc := testContext(t)
	ctx := context.Background()

	if _, err := r.Invoke(ctx, tc, "memory", "append", map[string]any{
		"entries": []any{
			map[string]any{"id": "m1", "key": "same", "body": "a"},
			map[string]any{"id": "m2", "key": "same", "body": "b"},
		},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	_, err := r.Invoke(ctx, tc, "memory", "update", map[string]any{
		"patches": []any{map[string]any{"key": "same", "body": "x"}},
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestPlanUpdateMixedMatches(t *testing.T) {
	r := fullRegistry()
	tc := testContext(t)
	ctx := context.Background()

	if _, err := r.Invoke(ctx, tc, "plan", "replace", map[string]any{
		"stages": []any{
			map[string]any{"id": "S1", "key": "design", "tasks": []any{
				map[string]any{"id": "T1", "key": "draft", "body": "write draft"},
			}},
			map[string]any{"id": "S2", "key": "dup"},
			map[string]any{"id": "S3", "key": "dup"},
		},
	}); err != nil {
		t.Fatalf("replace: %v", err)
	}

	// Ambiguous stage key match fails the whole operation; the valid S1
	// patch must not persist.
	_, err := r.Invoke(ctx, tc, "plan", "update", map[string]any{
		"patches": []any{
			map[string]any{"stage_id": "S1", "task_id": "T1", "status": "done"},
			map[string]any{"stage_key": "dup", "new_key": "renamed"},
		},
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	var doc planDoc
	if err := loadState(tc, "plan", &doc); err != nil {
		t.Fatalf("load state: %v", err)
	}
	if doc.Stages[0].Tasks[0].Status == "done" {
		t.Fatal("mutation persisted despite ambiguous patch")
	}

	// Missing targets alone are warnings, not failures.
	trace, err := r.Invoke(ctx, tc, "plan", "update", map[string]any{
		"patches": []any{
			map[string]any{"stage_id": "S1", "task_key": "missing", "status": "done"},
			map[string]any{"stage_id": "S1", "task_id": "T1", "status": "done"},
		},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if trace.Counts["skipped_missing"] != 1 || trace.Counts["updated"] != 1 {
		t.Fatalf("counts = %+v", trace.Counts)
	}
}

func TestMilestoneUpdateValidatesEnums(t *testing.T) {
	r := fullRegistry()
	tc := testContext(t)
	ctx := context.Background()

	if _, err := r.Invoke(ctx, tc, "milestone", "append", map[string]any{
		"milestones": []any{map[string]any{"id": "M1", "key": "beta", "status": "planned"}},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := r.Invoke(ctx, tc, "milestone", "update", map[string]any{
		"patches": []any{map[string]any{"id": "M1", "status": "not-a-status"}},
	}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	trace, err := r.Invoke(ctx, tc, "milestone", "update", map[string]any{
		"patches": []any{map[string]any{"id": "M1", "status": "in_progress", "health": "at_risk"}},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if trace.Counts["updated"] != 1 {
		t.Fatalf("counts = %+v", trace.Counts)
	}
}

func TestDecisionEvaluate(t *testing.T) {
	r := fullRegistry()
	tc := testContext(t)
	trace, err := r.Invoke(context.Background(), tc, "decision", "evaluate", map[string]any{
		"decision_conditions": []any{
			map[string]any{"connector_id": "edge_yes", "field": "result.ok", "operator": "equals", "value": "true"},
			map[string]any{"connector_id": "edge_no", "field": "result.ok", "operator": "equals", "value": "false"},
			map[string]any{"connector_id": "edge_big", "field": "result.score", "operator": "gt", "value": "10"},
		},
		"input": map[string]any{"result": map[string]any{"ok": true, "score": float64(42)}},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	matched := trace.Output["matched_connector_ids"].([]string)
	if len(matched) != 2 || matched[0] != "edge_big" || matched[1] != "edge_yes" {
		t.Fatalf("matched = %v", matched)
	}
}

func TestDecisionEvaluateEmptyConditionsRejected(t *testing.T) {
	r := fullRegistry()
	tc := testContext(t)
	_, err := r.Invoke(context.Background(), tc, "decision", "evaluate", map[string]any{
		"decision_conditions": []any{},
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

type fakeIndexer struct{ hits []RAGHit }

func (f fakeIndexer) FullIndex(context.Context, string) (int, error)  { return 7, nil }
func (f fakeIndexer) DeltaIndex(context.Context, string) (int, error) { return 2, nil }
func (f fakeIndexer) Query(_ context.Context, _, _ string, topK int) ([]RAGHit, error) {
	if topK < len(f.hits) {
		return f.hits[:topK], nil
	}
	return f.hits, nil
}

func TestRAGOperations(t *testing.T) {
	r := NewRegistry()
	RegisterRAG(r, fakeIndexer{hits: []RAGHit{{DocumentID: "d1", Score: 0.9}, {DocumentID: "d2", Score: 0.5}}})
	tc := testContext(t)
	ctx := context.Background()

	trace, err := r.Invoke(ctx, tc, "rag", "full_index", map[string]any{"collection": "docs"})
	if err != nil {
		t.Fatalf("full_index: %v", err)
	}
	if trace.Counts["indexed"] != 7 {
		t.Fatalf("indexed = %d", trace.Counts["indexed"])
	}

	trace, err = r.Invoke(ctx, tc, "rag", "query",
		map[string]any{"collection": "docs", "text": "q", "top_k": 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if trace.Counts["hits"] != 1 {
		t.Fatalf("hits = %d", trace.Counts["hits"])
	}

	if _, err := r.Invoke(ctx, tc, "rag", "query", map[string]any{"collection": ""}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestGitPushWithoutIntegrationIsProviderError(t *testing.T) {
	r := NewRegistry()
	RegisterGit(r, nil, nil)
	tc := testContext(t)
	_, err := r.Invoke(context.Background(), tc, "git", "push", map[string]any{})
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("expected ErrProvider, got %v", err)
	}
}
