package quota

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/guptadeepak8/archestra/pkg/config"
	"github.com/guptadeepak8/archestra/pkg/services"
)

// UsageUpdate is one queued usage increment covering every limit scope
// resolved for the completed interaction.
type UsageUpdate struct {
	AgentID   string
	TeamIDs   []string
	OrgID     string
	TokensIn  int64
	TokensOut int64
}

func (u UsageUpdate) refs() []services.EntityRef {
	scopes := Scopes{AgentID: u.AgentID, TeamIDs: u.TeamIDs, OrgID: u.OrgID}
	return scopes.EntityRefs()
}

// Updater applies usage increments off the request path. Enqueue never
// blocks: when the queue is full the update is logged and dropped, and a
// failed increment is logged and swallowed. Usage accounting must never fail
// a completed interaction.
type Updater struct {
	limits LimitStore
	config *config.QuotaConfig

	queue    chan UsageUpdate
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// NewUpdater creates an updater with a bounded queue sized from cfg.
func NewUpdater(limits LimitStore, cfg *config.QuotaConfig) *Updater {
	return &Updater{
		limits: limits,
		config: cfg,
		queue:  make(chan UsageUpdate, cfg.UpdateQueueSize),
		stopCh: make(chan struct{}),
	}
}

// Start spawns the worker goroutines. It is safe to call multiple times;
// subsequent calls are no-ops.
func (u *Updater) Start() {
	if u.started {
		slog.Warn("Quota updater already started, ignoring duplicate Start call")
		return
	}
	u.started = true

	slog.Info("Starting quota updater",
		"worker_count", u.config.UpdateWorkerCount,
		"queue_size", u.config.UpdateQueueSize)

	for i := 0; i < u.config.UpdateWorkerCount; i++ {
		u.wg.Add(1)
		go u.runWorker(i)
	}
}

// Stop signals the workers to drain the queue and waits for them, bounded by
// the configured drain timeout. Updates still queued when the timeout fires
// are lost and logged.
func (u *Updater) Stop() {
	slog.Info("Stopping quota updater", "queued", len(u.queue))
	u.stopOnce.Do(func() { close(u.stopCh) })

	done := make(chan struct{})
	go func() {
		u.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Quota updater stopped")
	case <-time.After(u.config.DrainTimeout):
		slog.Warn("Quota updater drain timed out, dropping queued updates",
			"remaining", len(u.queue))
	}
}

// Enqueue hands a usage update to the worker pool without blocking the
// caller.
func (u *Updater) Enqueue(update UsageUpdate) {
	select {
	case <-u.stopCh:
		slog.Warn("Quota updater stopped, dropping usage update",
			"agent_id", update.AgentID,
			"tokens_in", update.TokensIn,
			"tokens_out", update.TokensOut)
		return
	default:
	}

	select {
	case u.queue <- update:
	default:
		slog.Warn("Quota update queue full, dropping usage update",
			"agent_id", update.AgentID,
			"tokens_in", update.TokensIn,
			"tokens_out", update.TokensOut)
	}
}

func (u *Updater) runWorker(id int) {
	defer u.wg.Done()

	for {
		select {
		case update := <-u.queue:
			u.apply(update)
		case <-u.stopCh:
			// Flush whatever is still queued before exiting.
			for {
				select {
				case update := <-u.queue:
					u.apply(update)
				default:
					return
				}
			}
		}
	}
}

// apply increments every matching limit. A fresh bounded context keeps the
// write independent of any request lifecycle.
func (u *Updater) apply(update UsageUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := u.limits.AddUsage(ctx, update.refs(), update.TokensIn, update.TokensOut); err != nil {
		slog.Error("Failed to apply usage update",
			"agent_id", update.AgentID,
			"tokens_in", update.TokensIn,
			"tokens_out", update.TokensOut,
			"error", err)
	}
}
