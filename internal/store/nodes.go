package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nodadyoushutup/llmctl/internal/contract"
)

// CreateRunNode inserts a queued run node inside the session.
func (sess *Session) CreateRunNode(ctx context.Context, node RunNode) (*RunNode, error) {
	if node.RunNodeID == "" {
		node.RunNodeID = uuid.NewString()
	}
	if node.Status == "" {
		node.Status = NodeQueued
	}
	if node.DispatchStatus == "" {
		node.DispatchStatus = DispatchPending
	}
	if node.SelectedProvider == "" {
		node.SelectedProvider = "kubernetes"
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now().UTC()
	}
	_, err := sess.store.exec(ctx, sess.tx, `INSERT INTO flowchart_run_nodes
		(run_node_id, run_id, node_id, node_type, attempt_index, status, dispatch_status,
		 dispatch_uncertain, provider_dispatch_id, k8s_job_name, k8s_pod_name,
		 k8s_terminal_reason, workspace_identity, selected_provider, final_provider,
		 output_state, routing_state, error, instruction_manifest_hash,
		 instruction_adapter_mode, resolved_agent_id, resolved_role_id, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		node.RunNodeID, node.RunID, node.NodeID, node.NodeType, node.AttemptIndex,
		string(node.Status), string(node.DispatchStatus), boolToInt(node.DispatchUncertain),
		nullableString(node.ProviderDispatchID), node.K8sJobName, node.K8sPodName,
		node.K8sTerminalReason, node.WorkspaceIdentity, node.SelectedProvider,
		node.FinalProvider, marshalJSON(node.OutputState), marshalJSON(node.RoutingState),
		marshalJSON(node.Error), node.InstructionManifestSHA,
		string(node.InstructionAdapterMode), node.ResolvedAgentID, node.ResolvedRoleID,
		formatTime(node.CreatedAt), formatNullableTime(node.FinishedAt))
	if err != nil {
		return nil, fmt.Errorf("insert run node: %w", err)
	}
	return &node, nil
}

// GetRunNode loads a run node by id.
func (s *Store) GetRunNode(ctx context.Context, runNodeID string) (*RunNode, error) {
	return scanRunNodeFields(s.queryRow(ctx, s.db, selectRunNode+` WHERE run_node_id = ?`, runNodeID))
}

// GetRunNode loads a run node inside the session transaction.
func (sess *Session) GetRunNode(ctx context.Context, runNodeID string) (*RunNode, error) {
	return scanRunNodeFields(sess.store.queryRow(ctx, sess.tx, selectRunNode+` WHERE run_node_id = ?`, runNodeID))
}

// FindRunNode locates a run node by its dispatch idempotency key.
func (s *Store) FindRunNode(ctx context.Context, runID, nodeID string, attemptIndex int) (*RunNode, error) {
	return scanRunNodeFields(s.queryRow(ctx, s.db,
		selectRunNode+` WHERE run_id = ? AND node_id = ? AND attempt_index = ?`,
		runID, nodeID, attemptIndex))
}

// FindRunNode locates a run node inside the session transaction.
func (sess *Session) FindRunNode(ctx context.Context, runID, nodeID string, attemptIndex int) (*RunNode, error) {
	return scanRunNodeFields(sess.store.queryRow(ctx, sess.tx,
		selectRunNode+` WHERE run_id = ? AND node_id = ? AND attempt_index = ?`,
		runID, nodeID, attemptIndex))
}

// ListRunNodes returns every node record of a run in creation order.
func (s *Store) ListRunNodes(ctx context.Context, runID string) ([]RunNode, error) {
	rows, err := s.query(ctx, s.db, selectRunNode+` WHERE run_id = ? ORDER BY created_at ASC, run_node_id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run nodes: %w", err)
	}
	return collectRunNodes(rows)
}

// ListRunNodes returns a run's node records inside the session transaction.
func (sess *Session) ListRunNodes(ctx context.Context, runID string) ([]RunNode, error) {
	rows, err := sess.store.query(ctx, sess.tx, selectRunNode+` WHERE run_id = ? ORDER BY created_at ASC, run_node_id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run nodes: %w", err)
	}
	return collectRunNodes(rows)
}

func collectRunNodes(rows *sql.Rows) ([]RunNode, error) {
	defer rows.Close()
	var nodes []RunNode
	for rows.Next() {
		node, err := scanRunNodeFields(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, *node)
	}
	return nodes, rows.Err()
}

// TransitionDispatch advances the dispatch state machine for a run node.
// Transitions are monotonic; moving backwards or out of dispatch_failed
// fails with ErrInvalidTransition. Entering submitted/confirmed requires a
// dispatch id; a different id on an already-assigned node is a conflict.
func (sess *Session) TransitionDispatch(ctx context.Context, runNodeID string, to DispatchStatus, providerDispatchID string) (*RunNode, error) {
	node, err := sess.GetRunNode(ctx, runNodeID)
	if err != nil {
		return nil, err
	}
	fromRank, ok := dispatchRank[node.DispatchStatus]
	if !ok {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, node.DispatchStatus)
	}
	toRank, ok := dispatchRank[to]
	if !ok {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, to)
	}
	if node.DispatchStatus == DispatchFailed || toRank <= fromRank {
		return nil, fmt.Errorf("%w: node %s dispatch %s → %s",
			ErrInvalidTransition, runNodeID, node.DispatchStatus, to)
	}
	if to == DispatchSubmitted || to == DispatchConfirmed {
		if providerDispatchID == "" && node.ProviderDispatchID == "" {
			return nil, fmt.Errorf("%w: node %s → %s", ErrDispatchIDMissing, runNodeID, to)
		}
	}
	if providerDispatchID != "" {
		if node.ProviderDispatchID != "" && node.ProviderDispatchID != providerDispatchID {
			return nil, fmt.Errorf("%w: node %s has %s", ErrDispatchIDConflict, runNodeID, node.ProviderDispatchID)
		}
		node.ProviderDispatchID = providerDispatchID
	}
	node.DispatchStatus = to
	_, err = sess.store.exec(ctx, sess.tx, `UPDATE flowchart_run_nodes
		SET dispatch_status = ?, provider_dispatch_id = ? WHERE run_node_id = ?`,
		string(node.DispatchStatus), nullableString(node.ProviderDispatchID), runNodeID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrDispatchIDConflict, node.ProviderDispatchID)
		}
		return nil, fmt.Errorf("update dispatch state: %w", err)
	}
	return node, nil
}

// MarkDispatchUncertain records fail-closed dispatch ambiguity: the node
// fails, dispatch_status lands on dispatch_failed, and the uncertain flag
// blocks any automatic retry.
func (sess *Session) MarkDispatchUncertain(ctx context.Context, runNodeID string, envErr *contract.ErrorEnvelope) (*RunNode, error) {
	node, err := sess.GetRunNode(ctx, runNodeID)
	if err != nil {
		return nil, err
	}
	if node.Status.Terminal() {
		return nil, fmt.Errorf("%w: node %s already %s", ErrInvalidTransition, runNodeID, node.Status)
	}
	now := time.Now().UTC()
	node.Status = NodeFailed
	node.DispatchStatus = DispatchFailed
	node.DispatchUncertain = true
	node.Error = envErr
	node.FinishedAt = &now
	_, err = sess.store.exec(ctx, sess.tx, `UPDATE flowchart_run_nodes
		SET status = ?, dispatch_status = ?, dispatch_uncertain = 1, error = ?, finished_at = ?
		WHERE run_node_id = ?`,
		string(node.Status), string(node.DispatchStatus), marshalJSON(envErr),
		formatTime(now), runNodeID)
	if err != nil {
		return nil, fmt.Errorf("mark dispatch uncertain: %w", err)
	}
	return node, nil
}

// NodeOutcome carries the terminal fields persisted when a node finishes.
type NodeOutcome struct {
	Status            NodeStatus
	OutputState       map[string]any
	RoutingState      *contract.RoutingState
	Error             *contract.ErrorEnvelope
	K8sPodName        string
	K8sTerminalReason string
	FinalProvider     string
}

// FinishRunNode persists a node's terminal outcome. Already-terminal nodes
// reject further transitions.
func (sess *Session) FinishRunNode(ctx context.Context, runNodeID string, outcome NodeOutcome) (*RunNode, error) {
	node, err := sess.GetRunNode(ctx, runNodeID)
	if err != nil {
		return nil, err
	}
	if node.Status.Terminal() {
		return nil, fmt.Errorf("%w: node %s already %s", ErrInvalidTransition, runNodeID, node.Status)
	}
	if !outcome.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, outcome.Status)
	}
	now := time.Now().UTC()
	node.Status = outcome.Status
	node.OutputState = outcome.OutputState
	node.RoutingState = outcome.RoutingState
	node.Error = outcome.Error
	node.FinishedAt = &now
	if outcome.K8sPodName != "" {
		node.K8sPodName = outcome.K8sPodName
	}
	if outcome.K8sTerminalReason != "" {
		node.K8sTerminalReason = outcome.K8sTerminalReason
	}
	if outcome.FinalProvider != "" {
		node.FinalProvider = outcome.FinalProvider
	}
	_, err = sess.store.exec(ctx, sess.tx, `UPDATE flowchart_run_nodes
		SET status = ?, output_state = ?, routing_state = ?, error = ?, finished_at = ?,
		    k8s_pod_name = ?, k8s_terminal_reason = ?, final_provider = ?
		WHERE run_node_id = ?`,
		string(node.Status), marshalJSON(node.OutputState), marshalJSON(node.RoutingState),
		marshalJSON(node.Error), formatTime(now), node.K8sPodName, node.K8sTerminalReason,
		node.FinalProvider, runNodeID)
	if err != nil {
		return nil, fmt.Errorf("finish run node: %w", err)
	}
	return node, nil
}

// MarkNodeRunning flips a queued node to running.
func (sess *Session) MarkNodeRunning(ctx context.Context, runNodeID string) error {
	res, err := sess.store.exec(ctx, sess.tx, `UPDATE flowchart_run_nodes
		SET status = ? WHERE run_node_id = ? AND status = ?`,
		string(NodeRunning), runNodeID, string(NodeQueued))
	if err != nil {
		return fmt.Errorf("mark node running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: node %s not queued", ErrInvalidTransition, runNodeID)
	}
	return nil
}

// SetNodeRuntimeMetadata records job/pod naming and instruction provenance.
func (sess *Session) SetNodeRuntimeMetadata(ctx context.Context, runNodeID string, meta RunNode) error {
	_, err := sess.store.exec(ctx, sess.tx, `UPDATE flowchart_run_nodes
		SET k8s_job_name = ?, workspace_identity = ?, instruction_manifest_hash = ?,
		    instruction_adapter_mode = ?, resolved_agent_id = ?, resolved_role_id = ?
		WHERE run_node_id = ?`,
		meta.K8sJobName, meta.WorkspaceIdentity, meta.InstructionManifestSHA,
		string(meta.InstructionAdapterMode), meta.ResolvedAgentID, meta.ResolvedRoleID,
		runNodeID)
	if err != nil {
		return fmt.Errorf("set node runtime metadata: %w", err)
	}
	return nil
}

const selectRunNode = `SELECT run_node_id, run_id, node_id, node_type, attempt_index, status,
	dispatch_status, dispatch_uncertain, provider_dispatch_id, k8s_job_name, k8s_pod_name,
	k8s_terminal_reason, workspace_identity, selected_provider, final_provider, output_state,
	routing_state, error, instruction_manifest_hash, instruction_adapter_mode,
	resolved_agent_id, resolved_role_id, created_at, finished_at
	FROM flowchart_run_nodes`

func scanRunNodeFields(sc rowScanner) (*RunNode, error) {
	var (
		node                            RunNode
		status, dispatchStatus, adapter string
		uncertain                       int
		dispatchID                      sql.NullString
		outputState, routingState       string
		errJSON                         string
		createdAt                       string
		finishedAt                      sql.NullString
	)
	err := sc.Scan(&node.RunNodeID, &node.RunID, &node.NodeID, &node.NodeType,
		&node.AttemptIndex, &status, &dispatchStatus, &uncertain, &dispatchID,
		&node.K8sJobName, &node.K8sPodName, &node.K8sTerminalReason,
		&node.WorkspaceIdentity, &node.SelectedProvider, &node.FinalProvider,
		&outputState, &routingState, &errJSON, &node.InstructionManifestSHA,
		&adapter, &node.ResolvedAgentID, &node.ResolvedRoleID, &createdAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run node: %w", err)
	}
	node.Status = NodeStatus(status)
	node.DispatchStatus = DispatchStatus(dispatchStatus)
	node.DispatchUncertain = uncertain != 0
	node.ProviderDispatchID = dispatchID.String
	node.InstructionAdapterMode = AdapterMode(adapter)
	if err := unmarshalJSON(outputState, &node.OutputState); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(routingState, &node.RoutingState); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(errJSON, &node.Error); err != nil {
		return nil, err
	}
	if node.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if node.FinishedAt, err = parseNullableTime(finishedAt); err != nil {
		return nil, err
	}
	return &node, nil
}

func marshalJSON(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	if string(data) == "null" {
		return ""
	}
	return string(data)
}

func unmarshalJSON(raw string, dst any) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decode stored JSON: %w", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
