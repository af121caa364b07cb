// Package realtime stamps and publishes ordered event envelopes. Envelopes
// are staged to the store outbox inside the transaction that performs the
// state change; the Publisher drains the outbox to the broker only after
// commit, preserving per-stream sequence order.
package realtime

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nodadyoushutup/llmctl/internal/events"
	"github.com/nodadyoushutup/llmctl/internal/metrics"
	"github.com/nodadyoushutup/llmctl/internal/store"
)

// Stream name helpers.
func RunStream(runID string) string       { return "run:" + runID }
func NodeStream(runNodeID string) string  { return "node:" + runNodeID }
func ThreadStream(threadID string) string { return "thread:" + threadID }

// Room key helpers. Subscribers join rooms; envelopes target room keys.
func RunRoom(runID string) string { return "run:" + runID }

// Event types follow domain:entity:action.
const (
	EventRunStarted        = "flowchart:run:started"
	EventRunSucceeded      = "flowchart:run:succeeded"
	EventRunFailed         = "flowchart:run:failed"
	EventRunCanceled       = "flowchart:run:canceled"
	EventRunStopping       = "flowchart:run:stopping"
	EventRunStopped        = "flowchart:run:stopped"
	EventNodeStarted       = "flowchart:node:started"
	EventNodeSucceeded     = "flowchart:node:succeeded"
	EventNodeFailed        = "flowchart:node:failed"
	EventNodeCanceled      = "flowchart:node:canceled"
	EventNodeDispatched    = "flowchart:node:dispatched"
	EventNodeConfirmed     = "flowchart:node:dispatch_confirmed"
	EventArtifactPersisted = "flowchart:node_artifact:persisted"
)

// RunEnvelope builds a run-scoped envelope for staging.
func RunEnvelope(eventType string, run *store.Run, payload map[string]any) store.Envelope {
	return store.Envelope{
		SequenceStream: RunStream(run.RunID),
		EventType:      eventType,
		EntityKind:     "flowchart_run",
		EntityID:       run.RunID,
		RoomKeys:       []string{RunRoom(run.RunID)},
		Payload:        payload,
	}
}

// NodeEnvelope builds a node-scoped envelope on the owning run's stream so
// run subscribers observe node transitions in run order.
func NodeEnvelope(eventType string, node *store.RunNode, payload map[string]any) store.Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["run_node_id"] = node.RunNodeID
	payload["node_id"] = node.NodeID
	return store.Envelope{
		SequenceStream: RunStream(node.RunID),
		EventType:      eventType,
		EntityKind:     "flowchart_run_node",
		EntityID:       node.RunNodeID,
		RoomKeys:       []string{RunRoom(node.RunID)},
		Payload:        payload,
	}
}

// Publisher drains the committed outbox to the broker.
type Publisher struct {
	store    *store.Store
	broker   events.Broker
	logger   *zap.Logger
	interval time.Duration
	nudge    chan struct{}
}

// NewPublisher creates an outbox publisher. interval bounds how stale a
// committed envelope can get when no nudge arrives.
func NewPublisher(s *store.Store, broker events.Broker, interval time.Duration, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Publisher{
		store:    s,
		broker:   broker,
		logger:   logger,
		interval: interval,
		nudge:    make(chan struct{}, 1),
	}
}

// Nudge asks the publisher to drain soon. Called after transaction commit.
func (p *Publisher) Nudge() {
	select {
	case p.nudge <- struct{}{}:
	default:
	}
}

// Start runs the drain loop until ctx is done.
func (p *Publisher) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.nudge:
		}
		if err := p.DrainOnce(ctx); err != nil {
			p.logger.Warn("outbox drain failed", zap.Error(err))
		}
	}
}

// DrainOnce publishes all committed, unpublished envelopes in per-stream
// sequence order. An envelope is marked published only after the broker
// accepts it; a broker failure stops the drain so order is preserved.
func (p *Publisher) DrainOnce(ctx context.Context) error {
	for {
		envs, err := p.store.FetchUnpublished(ctx, 200)
		if err != nil {
			return err
		}
		metrics.OutboxLag.Set(float64(len(envs)))
		if len(envs) == 0 {
			return nil
		}
		for _, env := range envs {
			if err := p.broker.Publish(ctx, env); err != nil {
				return fmt.Errorf("publish %s seq %d: %w", env.SequenceStream, env.Sequence, err)
			}
			if err := p.store.MarkPublished(ctx, []string{env.EventID}); err != nil {
				return err
			}
		}
	}
}
