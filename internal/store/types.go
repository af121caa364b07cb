package store

import (
	"time"

	"github.com/nodadyoushutup/llmctl/internal/contract"
)

// RunStatus is the lifecycle status of a flowchart run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunStopping  RunStatus = "stopping"
	RunStopped   RunStatus = "stopped"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStopped, RunCompleted, RunFailed, RunCanceled:
		return true
	}
	return false
}

// NodeStatus is the lifecycle status of one run node.
type NodeStatus string

const (
	NodeQueued    NodeStatus = "queued"
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeCanceled  NodeStatus = "canceled"
)

// Terminal reports whether the node status is final.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeSucceeded, NodeFailed, NodeCanceled:
		return true
	}
	return false
}

// DispatchStatus tracks the dispatch state machine of one run node.
// Transitions are monotonic in declared order; dispatch_failed is terminal.
type DispatchStatus string

const (
	DispatchPending   DispatchStatus = "dispatch_pending"
	DispatchSubmitted DispatchStatus = "dispatch_submitted"
	DispatchConfirmed DispatchStatus = "dispatch_confirmed"
	DispatchFailed    DispatchStatus = "dispatch_failed"
)

// dispatchRank orders the state machine. dispatch_failed is reachable from
// every non-terminal state but never left.
var dispatchRank = map[DispatchStatus]int{
	DispatchPending:   0,
	DispatchSubmitted: 1,
	DispatchConfirmed: 2,
	DispatchFailed:    3,
}

// AdapterMode records how instructions were materialized for a node.
type AdapterMode string

const (
	AdapterNative   AdapterMode = "native"
	AdapterFallback AdapterMode = "fallback"
)

// ArtifactKind classifies persisted node outputs.
type ArtifactKind string

const (
	ArtifactPlan           ArtifactKind = "plan"
	ArtifactMemory         ArtifactKind = "memory"
	ArtifactMilestone      ArtifactKind = "milestone"
	ArtifactDecision       ArtifactKind = "decision"
	ArtifactRAGIndex       ArtifactKind = "rag_index"
	ArtifactRAGQuery       ArtifactKind = "rag_query"
	ArtifactWorkspacePatch ArtifactKind = "workspace_patch"
	ArtifactGeneric        ArtifactKind = "generic"
)

// RetentionMode controls artifact cleanup.
type RetentionMode string

const (
	RetentionForever  RetentionMode = ""
	RetentionTTL      RetentionMode = "ttl"
	RetentionMaxCount RetentionMode = "max_count"
)

// Run is one flowchart execution instance. Retained forever for audit.
type Run struct {
	RunID                 string     `json:"run_id"`
	FlowchartSnapshotID   string     `json:"flowchart_snapshot_id"`
	Status                RunStatus  `json:"status"`
	TriggerKind           string     `json:"trigger_kind"`
	RequestID             string     `json:"request_id"`
	CorrelationID         string     `json:"correlation_id"`
	RuntimeCutoverEnabled bool       `json:"runtime_cutover_enabled"`
	StartedAt             *time.Time `json:"started_at,omitempty"`
	FinishedAt            *time.Time `json:"finished_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

// RunNode is one node's execution record within a run.
type RunNode struct {
	RunNodeID              string                  `json:"run_node_id"`
	RunID                  string                  `json:"run_id"`
	NodeID                 string                  `json:"node_id"`
	NodeType               string                  `json:"node_type"`
	AttemptIndex           int                     `json:"attempt_index"`
	Status                 NodeStatus              `json:"status"`
	DispatchStatus         DispatchStatus          `json:"dispatch_status"`
	DispatchUncertain      bool                    `json:"dispatch_uncertain"`
	ProviderDispatchID     string                  `json:"provider_dispatch_id,omitempty"`
	K8sJobName             string                  `json:"k8s_job_name,omitempty"`
	K8sPodName             string                  `json:"k8s_pod_name,omitempty"`
	K8sTerminalReason      string                  `json:"k8s_terminal_reason,omitempty"`
	WorkspaceIdentity      string                  `json:"workspace_identity"`
	SelectedProvider       string                  `json:"selected_provider"`
	FinalProvider          string                  `json:"final_provider,omitempty"`
	OutputState            map[string]any          `json:"output_state,omitempty"`
	RoutingState           *contract.RoutingState  `json:"routing_state,omitempty"`
	Error                  *contract.ErrorEnvelope `json:"error,omitempty"`
	InstructionManifestSHA string                  `json:"instruction_manifest_hash,omitempty"`
	InstructionAdapterMode AdapterMode             `json:"instruction_adapter_mode,omitempty"`
	ResolvedAgentID        string                  `json:"resolved_agent_id,omitempty"`
	ResolvedRoleID         string                  `json:"resolved_role_id,omitempty"`
	CreatedAt              time.Time               `json:"created_at"`
	FinishedAt             *time.Time              `json:"finished_at,omitempty"`
}

// Artifact is a typed persisted output of a run node.
type Artifact struct {
	ArtifactID        string         `json:"artifact_id"`
	RunNodeID         string         `json:"run_node_id"`
	Kind              ArtifactKind   `json:"kind"`
	Payload           map[string]any `json:"payload"`
	ContentHash       string         `json:"content_hash"`
	RetentionMode     RetentionMode  `json:"retention_mode,omitempty"`
	RetentionTTL      int            `json:"retention_ttl_seconds,omitempty"`
	RetentionMaxCount int            `json:"retention_max_count,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Envelope is one staged realtime event. Sequence is allocated per
// SequenceStream at staging time, inside the same transaction as the state
// change the event describes.
type Envelope struct {
	EventID         string         `json:"event_id"`
	IdempotencyKey  string         `json:"idempotency_key"`
	SequenceStream  string         `json:"sequence_stream"`
	Sequence        int64          `json:"sequence"`
	EventType       string         `json:"event_type"`
	EntityKind      string         `json:"entity_kind"`
	EntityID        string         `json:"entity_id"`
	RoomKeys        []string       `json:"room_keys"`
	Payload         map[string]any `json:"payload,omitempty"`
	ContractVersion string         `json:"contract_version"`
	EmittedAt       time.Time      `json:"emitted_at"`
}

// IntegrationSetting is an opaque encrypted credential blob.
type IntegrationSetting struct {
	Provider  string    `json:"provider"`
	Key       string    `json:"key"`
	Blob      []byte    `json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExecutorSettings is the runtime configuration for node dispatch.
type ExecutorSettings struct {
	DispatchTimeoutSeconds      int    `json:"dispatch_timeout_seconds"`
	ExecutionTimeoutSeconds     int    `json:"execution_timeout_seconds"`
	LogCollectionTimeoutSeconds int    `json:"log_collection_timeout_seconds"`
	CancelGraceTimeoutSeconds   int    `json:"cancel_grace_timeout_seconds"`
	CancelForceKillEnabled      bool   `json:"cancel_force_kill_enabled"`
	WorkspaceIdentityKey        string `json:"workspace_identity_key"`
	K8sNamespace                string `json:"k8s_namespace"`
	K8sFrontierImage            string `json:"k8s_frontier_image"`
	K8sFrontierImageTag         string `json:"k8s_frontier_image_tag"`
	K8sVLLMImage                string `json:"k8s_vllm_image"`
	K8sVLLMImageTag             string `json:"k8s_vllm_image_tag"`
	K8sInCluster                bool   `json:"k8s_in_cluster"`
	K8sServiceAccount           string `json:"k8s_service_account"`
	K8sKubeconfig               []byte `json:"-"`
	K8sGPULimit                 string `json:"k8s_gpu_limit,omitempty"`
	K8sJobTTLSeconds            int    `json:"k8s_job_ttl_seconds"`
	AgentRuntimeCutoverEnabled  bool   `json:"agent_runtime_cutover_enabled"`
}

// DefaultExecutorSettings returns the settings applied before any admin
// override is saved.
func DefaultExecutorSettings() ExecutorSettings {
	return ExecutorSettings{
		DispatchTimeoutSeconds:      120,
		ExecutionTimeoutSeconds:     3600,
		LogCollectionTimeoutSeconds: 60,
		CancelGraceTimeoutSeconds:   30,
		CancelForceKillEnabled:      true,
		WorkspaceIdentityKey:        "workspace",
		K8sNamespace:                "llmctl-executors",
		K8sJobTTLSeconds:            600,
	}
}
