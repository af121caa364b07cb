// Package contract defines the wire contract between the control plane and
// the ephemeral node executor. Both sides import this package to ensure
// type safety.
package contract

import "time"

// Version is the execution contract version spoken by this control plane.
const Version = "v1"

// ResultVersion is the result contract version expected from executors.
const ResultVersion = "v1"

// PayloadEnvVar carries the serialized ExecutionRequest into the executor
// when stdin delivery is not available.
const PayloadEnvVar = "LLMCTL_EXECUTOR_PAYLOAD_JSON"

// Status is the executor-reported terminal status of one node execution.
type Status string

const (
	StatusSuccess           Status = "success"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
	StatusTimeout           Status = "timeout"
	StatusDispatchFailed    Status = "dispatch_failed"
	StatusDispatchUncertain Status = "dispatch_uncertain"
	StatusInfraError        Status = "infra_error"
)

// ErrorCode classifies failures across the control plane and executor.
type ErrorCode string

const (
	CodeValidation ErrorCode = "validation_error"
	CodeProvider   ErrorCode = "provider_error"
	CodeDispatch   ErrorCode = "dispatch_error"
	CodeTimeout    ErrorCode = "timeout"
	CodeCancelled  ErrorCode = "cancelled"
	CodeExecution  ErrorCode = "execution_error"
	CodeInfra      ErrorCode = "infra_error"
	CodeUnknown    ErrorCode = "unknown"
)

// ErrorEnvelope is the typed error carried through results, run-node rows
// and realtime payloads. Nil means no error.
type ErrorEnvelope struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
}

// NewError builds an error envelope.
func NewError(code ErrorCode, message string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: message}
}

// NodeExecution is the serialized node request handed to the executor.
type NodeExecution struct {
	Configuration    map[string]any `json:"configuration,omitempty"`
	InputContext     string         `json:"input_context,omitempty"`
	Attachments      []string       `json:"attachments,omitempty"`
	EnabledProviders []string       `json:"enabled_providers,omitempty"`
	DefaultModelID   string         `json:"default_model_id,omitempty"`
	MCPServerKeys    []string       `json:"mcp_server_keys,omitempty"`
	WorkspaceRoot    string         `json:"workspace_root"`
	InstructionsDir  string         `json:"instructions_dir,omitempty"`
}

// ExecutionRequest is the JSON payload submitted to an executor Job.
type ExecutionRequest struct {
	ContractVersion       string        `json:"contract_version"`
	ResultContractVersion string        `json:"result_contract_version"`
	Provider              string        `json:"provider"`
	RequestID             string        `json:"request_id"`
	ExecutionID           string        `json:"execution_id"`
	NodeID                string        `json:"node_id"`
	NodeType              string        `json:"node_type"`
	TimeoutSeconds        int           `json:"timeout_seconds"`
	NodeExecution         NodeExecution `json:"node_execution"`
	EmitStartMarkers      bool          `json:"emit_start_markers"`
}

// ExecutionResult is the JSON payload an executor prints after the result
// terminator marker. Error is nil iff Status is success.
type ExecutionResult struct {
	ContractVersion  string          `json:"contract_version"`
	Status           Status          `json:"status"`
	ExitCode         int             `json:"exit_code"`
	StartedAt        time.Time       `json:"started_at"`
	FinishedAt       time.Time       `json:"finished_at"`
	Stdout           string          `json:"stdout"`
	Stderr           string          `json:"stderr"`
	Error            *ErrorEnvelope  `json:"error"`
	ProviderMetadata map[string]any  `json:"provider_metadata"`
	OutputState      map[string]any  `json:"output_state,omitempty"`
	RoutingState     *RoutingState   `json:"routing_state,omitempty"`
}

// RoutingState declares which outgoing edges should activate. Decision
// nodes populate MatchedConnectorIDs; other nodes may leave it nil to
// activate every trigger edge.
type RoutingState struct {
	MatchedConnectorIDs []string `json:"matched_connector_ids"`
}

// Validate checks the result against the contract rules.
func (r *ExecutionResult) Validate() *ErrorEnvelope {
	if r.ContractVersion != ResultVersion {
		return &ErrorEnvelope{
			Code:    CodeInfra,
			Message: "result contract version mismatch: got " + r.ContractVersion + ", want " + ResultVersion,
		}
	}
	switch r.Status {
	case StatusSuccess:
		if r.Error != nil {
			return NewError(CodeInfra, "success result carries an error envelope")
		}
	case StatusFailed, StatusCancelled, StatusTimeout, StatusDispatchFailed, StatusDispatchUncertain, StatusInfraError:
		if r.Error == nil {
			return NewError(CodeInfra, "non-success result is missing its error envelope")
		}
	default:
		return NewError(CodeInfra, "unknown result status: "+string(r.Status))
	}
	return nil
}
