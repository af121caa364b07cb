package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nodadyoushutup/llmctl/internal/contract"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "llmctl.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createTestRun(t *testing.T, s *Store) *Run {
	t.Helper()
	run, err := s.CreateRun(context.Background(), Run{
		FlowchartSnapshotID: "fc-snap-1",
		TriggerKind:         "manual",
		RequestID:           "req-1",
		CorrelationID:       "corr-1",
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func createTestNode(t *testing.T, s *Store, runID, nodeID string) *RunNode {
	t.Helper()
	var node *RunNode
	err := s.WithTx(context.Background(), func(sess *Session) error {
		var err error
		node, err = sess.CreateRunNode(context.Background(), RunNode{
			RunID:    runID,
			NodeID:   nodeID,
			NodeType: "task",
		})
		return err
	})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	return node
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := createTestRun(t, s)

	if run.Status != RunQueued {
		t.Fatalf("new run status = %s", run.Status)
	}

	err := s.WithTx(ctx, func(sess *Session) error {
		_, err := sess.TransitionRun(ctx, run.RunID, RunRunning)
		return err
	})
	if err != nil {
		t.Fatalf("queued → running: %v", err)
	}

	got, err := s.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != RunRunning || got.StartedAt == nil {
		t.Fatalf("run after start = %+v", got)
	}

	// running → queued is illegal.
	err = s.WithTx(ctx, func(sess *Session) error {
		_, err := sess.TransitionRun(ctx, run.RunID, RunQueued)
		return err
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestDispatchStateMachineMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := createTestRun(t, s)
	node := createTestNode(t, s, run.RunID, "task_a")

	err := s.WithTx(ctx, func(sess *Session) error {
		if _, err := sess.TransitionDispatch(ctx, node.RunNodeID, DispatchSubmitted, "kubernetes:job-1"); err != nil {
			return err
		}
		_, err := sess.TransitionDispatch(ctx, node.RunNodeID, DispatchConfirmed, "")
		return err
	})
	if err != nil {
		t.Fatalf("pending → submitted → confirmed: %v", err)
	}

	// Backwards is rejected.
	err = s.WithTx(ctx, func(sess *Session) error {
		_, err := sess.TransitionDispatch(ctx, node.RunNodeID, DispatchSubmitted, "")
		return err
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition going backwards, got %v", err)
	}

	got, err := s.GetRunNode(ctx, node.RunNodeID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if got.DispatchStatus != DispatchConfirmed || got.ProviderDispatchID != "kubernetes:job-1" {
		t.Fatalf("node after confirm = %+v", got)
	}
}

func TestDispatchSubmittedRequiresDispatchID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := createTestRun(t, s)
	node := createTestNode(t, s, run.RunID, "task_a")

	err := s.WithTx(ctx, func(sess *Session) error {
		_, err := sess.TransitionDispatch(ctx, node.RunNodeID, DispatchSubmitted, "")
		return err
	})
	if !errors.Is(err, ErrDispatchIDMissing) {
		t.Fatalf("expected ErrDispatchIDMissing, got %v", err)
	}
}

func TestDispatchIDGloballyUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := createTestRun(t, s)
	a := createTestNode(t, s, run.RunID, "task_a")
	b := createTestNode(t, s, run.RunID, "task_b")

	err := s.WithTx(ctx, func(sess *Session) error {
		_, err := sess.TransitionDispatch(ctx, a.RunNodeID, DispatchSubmitted, "kubernetes:job-1")
		return err
	})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}

	err = s.WithTx(ctx, func(sess *Session) error {
		_, err := sess.TransitionDispatch(ctx, b.RunNodeID, DispatchSubmitted, "kubernetes:job-1")
		return err
	})
	if !errors.Is(err, ErrDispatchIDConflict) {
		t.Fatalf("expected ErrDispatchIDConflict, got %v", err)
	}
}

func TestMarkDispatchUncertain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := createTestRun(t, s)
	node := createTestNode(t, s, run.RunID, "task_a")

	err := s.WithTx(ctx, func(sess *Session) error {
		_, err := sess.MarkDispatchUncertain(ctx, node.RunNodeID,
			contract.NewError(contract.CodeDispatch, "no startup marker"))
		return err
	})
	if err != nil {
		t.Fatalf("mark uncertain: %v", err)
	}

	got, err := s.GetRunNode(ctx, node.RunNodeID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if got.Status != NodeFailed || got.DispatchStatus != DispatchFailed || !got.DispatchUncertain {
		t.Fatalf("node after uncertain = %+v", got)
	}
	if got.Error == nil || got.Error.Code != contract.CodeDispatch {
		t.Fatalf("error envelope = %+v", got.Error)
	}
}

func TestFinishRunNodeRejectsDoubleTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := createTestRun(t, s)
	node := createTestNode(t, s, run.RunID, "task_a")

	finish := func() error {
		return s.WithTx(ctx, func(sess *Session) error {
			_, err := sess.FinishRunNode(ctx, node.RunNodeID, NodeOutcome{
				Status:      NodeSucceeded,
				OutputState: map[string]any{"x": 1},
			})
			return err
		})
	}
	if err := finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := finish(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on double finish, got %v", err)
	}
}

func TestCompleteRunRequiresAllNodesSucceeded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := createTestRun(t, s)
	node := createTestNode(t, s, run.RunID, "task_a")

	mustTx(t, s, func(sess *Session) error {
		_, err := sess.TransitionRun(ctx, run.RunID, RunRunning)
		return err
	})

	err := s.WithTx(ctx, func(sess *Session) error {
		_, err := sess.CompleteRun(ctx, run.RunID)
		return err
	})
	if !errors.Is(err, ErrRunNotCompletable) {
		t.Fatalf("expected ErrRunNotCompletable, got %v", err)
	}

	mustTx(t, s, func(sess *Session) error {
		_, err := sess.FinishRunNode(ctx, node.RunNodeID, NodeOutcome{Status: NodeSucceeded})
		return err
	})
	mustTx(t, s, func(sess *Session) error {
		_, err := sess.CompleteRun(ctx, run.RunID)
		return err
	})

	got, _ := s.GetRun(ctx, run.RunID)
	if got.Status != RunCompleted || got.FinishedAt == nil {
		t.Fatalf("run after complete = %+v", got)
	}
}

func TestOutboxSequencePerStream(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stage := func(stream, eventType string) Envelope {
		var staged *Envelope
		mustTx(t, s, func(sess *Session) error {
			var err error
			staged, err = sess.StageEvent(ctx, Envelope{
				SequenceStream: stream,
				EventType:      eventType,
				EntityKind:     "run",
				EntityID:       "run-1",
				RoomKeys:       []string{"room:a"},
				Payload:        map[string]any{"k": "v"},
			})
			return err
		})
		return *staged
	}

	e1 := stage("run:run-1", "flowchart:run:started")
	e2 := stage("run:run-1", "flowchart:node:started")
	other := stage("run:run-2", "flowchart:run:started")

	if e1.Sequence != 1 || e2.Sequence != 2 {
		t.Fatalf("sequences on stream = %d, %d", e1.Sequence, e2.Sequence)
	}
	if other.Sequence != 1 {
		t.Fatalf("independent stream sequence = %d", other.Sequence)
	}
	if e1.IdempotencyKey == "" || e1.IdempotencyKey == e2.IdempotencyKey {
		t.Fatal("idempotency keys must be set and distinct")
	}
	if e1.IdempotencyKey != IdempotencyKey(e1.EventType, e1.EntityID, e1.Sequence) {
		t.Fatal("idempotency key must be deterministic")
	}

	envs, err := s.FetchUnpublished(ctx, 10)
	if err != nil {
		t.Fatalf("fetch unpublished: %v", err)
	}
	if len(envs) != 3 {
		t.Fatalf("unpublished = %d", len(envs))
	}

	if err := s.MarkPublished(ctx, []string{e1.EventID}); err != nil {
		t.Fatalf("mark published: %v", err)
	}
	envs, _ = s.FetchUnpublished(ctx, 10)
	if len(envs) != 2 {
		t.Fatalf("unpublished after mark = %d", len(envs))
	}
}

func TestOutboxRollbackStagesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(sess *Session) error {
		if _, err := sess.StageEvent(ctx, Envelope{
			SequenceStream: "run:run-1",
			EventType:      "flowchart:run:started",
			EntityID:       "run-1",
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	envs, _ := s.FetchUnpublished(ctx, 10)
	if len(envs) != 0 {
		t.Fatalf("rolled-back envelope leaked: %d", len(envs))
	}
}

func TestArtifactSweepTTLAndMaxCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := createTestRun(t, s)
	node := createTestNode(t, s, run.RunID, "task_a")

	old := time.Now().UTC().Add(-2 * time.Hour)
	mustTx(t, s, func(sess *Session) error {
		_, err := sess.AddArtifact(ctx, Artifact{
			RunNodeID:     node.RunNodeID,
			Kind:          ArtifactGeneric,
			Payload:       map[string]any{"n": 1},
			RetentionMode: RetentionTTL,
			RetentionTTL:  3600,
			CreatedAt:     old,
		})
		return err
	})
	for i := 0; i < 3; i++ {
		created := time.Now().UTC().Add(time.Duration(i) * time.Minute)
		mustTx(t, s, func(sess *Session) error {
			_, err := sess.AddArtifact(ctx, Artifact{
				RunNodeID:         node.RunNodeID,
				Kind:              ArtifactPlan,
				Payload:           map[string]any{"i": i},
				RetentionMode:     RetentionMaxCount,
				RetentionMaxCount: 2,
				CreatedAt:         created,
			})
			return err
		})
	}

	deleted, err := s.SweepArtifacts(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("deleted = %d, want 2 (1 expired + 1 over max_count)", deleted)
	}
	left, _ := s.ListArtifacts(ctx, node.RunNodeID)
	if len(left) != 2 {
		t.Fatalf("artifacts left = %d", len(left))
	}
}

func TestExecutorSettingsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	loaded, err := s.LoadExecutorSettings(ctx)
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if loaded.K8sNamespace != "llmctl-executors" {
		t.Fatalf("default namespace = %s", loaded.K8sNamespace)
	}

	loaded.K8sNamespace = "custom"
	loaded.K8sFrontierImage = "registry.example.com/executor"
	loaded.K8sFrontierImageTag = "v2"
	loaded.K8sKubeconfig = []byte("opaque")
	if err := s.SaveExecutorSettings(ctx, loaded); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.LoadExecutorSettings(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.K8sNamespace != "custom" || got.K8sFrontierImageTag != "v2" {
		t.Fatalf("reloaded = %+v", got)
	}
	if string(got.K8sKubeconfig) != "opaque" {
		t.Fatal("kubeconfig did not round-trip")
	}
}

func TestIntegrationSettingRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutIntegrationSetting(ctx, "github", "default", []byte{1, 2, 3}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.PutIntegrationSetting(ctx, "github", "default", []byte{9}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.GetIntegrationSetting(ctx, "github", "default")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Blob) != 1 || got.Blob[0] != 9 {
		t.Fatalf("blob = %v", got.Blob)
	}
	if _, err := s.GetIntegrationSetting(ctx, "github", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func mustTx(t *testing.T, s *Store, fn func(sess *Session) error) {
	t.Helper()
	if err := s.WithTx(context.Background(), fn); err != nil {
		t.Fatalf("tx: %v", err)
	}
}
