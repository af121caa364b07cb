package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nodadyoushutup/llmctl/internal/flowchart"
	"github.com/nodadyoushutup/llmctl/internal/store"
)

// Runner owns the multi-run loop: it claims queued runs from the store and
// executes each on its own goroutine. One Runner per process; runs hold
// their exclusive logical lock through the Orchestrator's active-run map.
type Runner struct {
	orch   *Orchestrator
	store  *store.Store
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	ticker *time.Ticker
	wg     sync.WaitGroup
}

// NewRunner creates a runner.
func NewRunner(orch *Orchestrator, s *store.Store, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{orch: orch, store: s, logger: logger}
}

// Start starts the claim loop. It is safe to call Start multiple times.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.ticker != nil {
		r.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.ticker = time.NewTicker(2 * time.Second)
	ticker := r.ticker
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.claimOnce(loopCtx)
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				r.claimOnce(loopCtx)
			}
		}
	}()
}

// Stop halts the claim loop and waits for in-flight runs to settle.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.ticker != nil {
		r.ticker.Stop()
		r.ticker = nil
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Runner) claimOnce(ctx context.Context) {
	runs, err := r.store.ListRunsByStatus(ctx, store.RunQueued, 20)
	if err != nil {
		r.logger.Warn("list queued runs failed", zap.Error(err))
		return
	}
	for _, run := range runs {
		runID := run.RunID
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.orch.Execute(ctx, runID); err != nil {
				// ErrRunActive means another claim got there first.
				if errors.Is(err, ErrRunActive) || errors.Is(err, context.Canceled) {
					return
				}
				r.logger.Warn("run execution failed",
					zap.String("run_id", runID), zap.Error(err))
			}
		}()
	}
}

// StaticGraphSource serves flowchart snapshots from memory. The trigger
// path registers a snapshot before enqueueing its run.
type StaticGraphSource struct {
	mu     sync.RWMutex
	graphs map[string]*flowchart.Graph
}

// NewStaticGraphSource creates an empty source.
func NewStaticGraphSource() *StaticGraphSource {
	return &StaticGraphSource{graphs: make(map[string]*flowchart.Graph)}
}

// Register validates and stores a snapshot under its id.
func (s *StaticGraphSource) Register(snapshotID string, chart *flowchart.Flowchart) error {
	graph, err := flowchart.NewGraph(chart)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.graphs[snapshotID] = graph
	s.mu.Unlock()
	return nil
}

// Graph returns a registered snapshot.
func (s *StaticGraphSource) Graph(_ context.Context, snapshotID string) (*flowchart.Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	graph, ok := s.graphs[snapshotID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return graph, nil
}
