// Package syncer drains the offline request queue when connectivity returns,
// replaying queued mutations against the server in capture order.
package syncer

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/olivetrack/fieldsync/internal/errors"
	"github.com/olivetrack/fieldsync/internal/events"
	"github.com/olivetrack/fieldsync/internal/models"
	"github.com/olivetrack/fieldsync/internal/queue"
	"github.com/olivetrack/fieldsync/internal/store"
)

// State of the engine; exactly one drain runs at a time.
type State string

const (
	StateIdle     State = "idle"
	StateDraining State = "draining"
)

const metaLastSync = "last_sync"

// Replayer re-issues one captured request against the server. A nil error
// means the server accepted it; ErrReplayRejected means the server refused
// it permanently.
type Replayer interface {
	Replay(ctx context.Context, req *models.QueuedRequest) error
}

// FailedRequest is a queued request a drain could not deliver. The request
// stays in the durable queue, flagged, until it is retried or discarded.
type FailedRequest struct {
	Request   *models.QueuedRequest
	Reason    string
	Permanent bool
	FailedAt  time.Time
}

// ProgressFunc observes drain progress after each replayed request.
type ProgressFunc func(processed, total int)

// Result summarizes one drain.
type Result struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Status is a point-in-time snapshot for status displays.
type Status struct {
	State       State      `json:"state"`
	QueueSize   int        `json:"queueSize"`
	FailedCount int        `json:"failedCount"`
	LastSync    *time.Time `json:"lastSync,omitempty"`
}

// Engine coordinates queue drains. It is safe for concurrent use; a drain
// requested while one is running returns ErrSyncInProgress.
type Engine struct {
	queue    *queue.Queue
	db       *store.DB
	replayer Replayer
	bus      *events.Bus
	log      zerolog.Logger

	mu    sync.Mutex
	state State

	unsubscribe func()
}

// Options configures an Engine.
type Options struct {
	Queue    *queue.Queue
	Store    *store.DB
	Replayer Replayer
	Bus      *events.Bus
	Logger   zerolog.Logger
}

// New creates an idle Engine.
func New(opts Options) *Engine {
	return &Engine{
		queue:    opts.Queue,
		db:       opts.Store,
		replayer: opts.Replayer,
		bus:      opts.Bus,
		log:      opts.Logger.With().Str("component", "syncer").Logger(),
		state:    StateIdle,
	}
}

// Start subscribes the engine to connectivity transitions so a drain begins
// automatically when the device comes back online.
func (e *Engine) Start(ctx context.Context) {
	if e.bus == nil {
		return
	}
	e.unsubscribe = e.bus.Subscribe(events.TopicConnectivity, func(evt events.Event) {
		online, _ := evt.Data["online"].(bool)
		if !online {
			return
		}
		go func() {
			if _, err := e.Drain(ctx, nil); err != nil && !errors.Is(err, errors.ErrSyncInProgress) {
				e.log.Error().Err(err).Msg("automatic sync failed")
			}
		}()
	})
}

// Stop detaches the engine from the bus. A drain already running finishes.
func (e *Engine) Stop() {
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
}

// Drain replays every pending request in capture order. Requests sharing an
// entity with a failed one, from this drain or an earlier one, are skipped so
// dependent edits never land out of order. Failed requests stay in the queue,
// flagged, for RetryFailed or DiscardFailed.
func (e *Engine) Drain(ctx context.Context, onProgress ProgressFunc) (*Result, error) {
	e.mu.Lock()
	if e.state == StateDraining {
		e.mu.Unlock()
		return nil, errors.New(errors.ErrSyncInProgress, "a synchronization is already running")
	}
	e.state = StateDraining
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.state = StateIdle
		e.mu.Unlock()
	}()

	pending, err := e.queue.PeekAll()
	if err != nil {
		e.publish(events.TopicSyncFailed, map[string]interface{}{"error": err.Error()})
		return nil, err
	}
	alreadyFailed, err := e.queue.Failed()
	if err != nil {
		e.publish(events.TopicSyncFailed, map[string]interface{}{"error": err.Error()})
		return nil, err
	}

	res := &Result{Total: len(pending)}
	if res.Total == 0 {
		e.recordLastSync()
		return res, nil
	}

	e.log.Info().Int("pending", res.Total).Msg("starting sync")
	e.publish(events.TopicSyncStarted, map[string]interface{}{"total": res.Total})

	blocked := make(map[string]bool)
	for _, f := range alreadyFailed {
		blocked[f.EntityID] = true
	}
	for _, req := range pending {
		if err := ctx.Err(); err != nil {
			e.publish(events.TopicSyncFailed, map[string]interface{}{"error": err.Error()})
			return res, err
		}

		if blocked[req.EntityID] {
			res.Skipped++
			e.log.Debug().Str("entity_id", req.EntityID).Str("request_id", req.ID).
				Msg("skipping request behind a failed one")
			continue
		}

		if err := e.replayer.Replay(ctx, req); err != nil {
			blocked[req.EntityID] = true
			res.Failed++
			e.markFailed(req, err)
			e.reportProgress(onProgress, res)
			continue
		}

		if err := e.queue.RemoveByID(req.ID); err != nil {
			e.publish(events.TopicSyncFailed, map[string]interface{}{"error": err.Error()})
			return res, err
		}
		res.Processed++
		e.reportProgress(onProgress, res)
	}

	e.recordLastSync()
	e.publish(events.TopicSyncDone, map[string]interface{}{
		"total":     res.Total,
		"processed": res.Processed,
		"skipped":   res.Skipped,
		"failed":    res.Failed,
	})
	e.log.Info().Int("processed", res.Processed).Int("skipped", res.Skipped).
		Int("failed", res.Failed).Msg("sync finished")
	return res, nil
}

// RetryFailed clears the failure flags in place, so each retried request
// keeps its original position, and drains again. Permanently rejected
// requests are not retried; discard them instead.
func (e *Engine) RetryFailed(ctx context.Context, onProgress ProgressFunc) (*Result, error) {
	e.mu.Lock()
	if e.state == StateDraining {
		e.mu.Unlock()
		return nil, errors.New(errors.ErrSyncInProgress, "a synchronization is already running")
	}
	e.mu.Unlock()

	failed, err := e.queue.Failed()
	if err != nil {
		return nil, err
	}
	for _, f := range failed {
		if f.FailPermanent {
			continue
		}
		if err := e.queue.ClearFailure(f.ID); err != nil {
			return nil, err
		}
	}
	return e.Drain(ctx, onProgress)
}

// DiscardFailed drops one failed request for good, together with every
// request queued behind it for the same entity and, for creates, the
// provisional record that will now never exist on the server.
func (e *Engine) DiscardFailed(requestID string) error {
	failed, err := e.queue.Failed()
	if err != nil {
		return err
	}
	var dropped *models.QueuedRequest
	for _, f := range failed {
		if f.ID == requestID {
			dropped = f
			break
		}
	}
	if dropped == nil {
		return errors.New(errors.ErrNotFound, "no failed request with id "+requestID)
	}

	if err := e.queue.Remove(dropped.EntityID); err != nil {
		return err
	}
	if dropped.Method == models.MethodCreate {
		if err := e.db.DeleteLocalEntity(dropped.EntityID); err != nil {
			return err
		}
	}
	e.log.Info().Str("request_id", requestID).Str("entity_id", dropped.EntityID).
		Msg("failed request discarded")
	return nil
}

// FailedRequests returns the failed requests still held in the queue.
func (e *Engine) FailedRequests() ([]*FailedRequest, error) {
	failed, err := e.queue.Failed()
	if err != nil {
		return nil, err
	}
	out := make([]*FailedRequest, 0, len(failed))
	for _, f := range failed {
		out = append(out, &FailedRequest{
			Request:   f,
			Reason:    f.FailReason,
			Permanent: f.FailPermanent,
			FailedAt:  time.Unix(f.FailedAt, 0),
		})
	}
	return out, nil
}

// Status reports the engine state, queue depth and last successful sync.
func (e *Engine) Status() (*Status, error) {
	size, err := e.queue.Size()
	if err != nil {
		return nil, err
	}

	failedCount, err := e.queue.FailedSize()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	st := &Status{State: e.state, QueueSize: size, FailedCount: failedCount}
	e.mu.Unlock()

	raw, err := e.db.GetMeta(metaLastSync)
	if err != nil {
		return nil, err
	}
	if raw != "" {
		if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
			t := time.Unix(unix, 0)
			st.LastSync = &t
		}
	}
	return st, nil
}

// markFailed flags the request in the durable queue. The row keeps its seq,
// so it blocks later same-entity requests and survives a restart; only
// success or an explicit discard removes a queued write.
func (e *Engine) markFailed(req *models.QueuedRequest, cause error) {
	permanent := errors.Is(cause, errors.ErrReplayRejected)
	if err := e.queue.MarkFailed(req.ID, cause.Error(), permanent); err != nil {
		e.log.Error().Err(err).Str("request_id", req.ID).Msg("failed to flag failed request")
	}

	e.log.Warn().Str("request_id", req.ID).Str("entity_id", req.EntityID).
		Bool("permanent", permanent).Err(cause).Msg("request replay failed")
}

func (e *Engine) reportProgress(onProgress ProgressFunc, res *Result) {
	done := res.Processed + res.Skipped + res.Failed
	if onProgress != nil {
		onProgress(done, res.Total)
	}
	e.publish(events.TopicSyncProgress, map[string]interface{}{
		"processed": done,
		"total":     res.Total,
	})
}

func (e *Engine) recordLastSync() {
	if err := e.db.SetMeta(metaLastSync, strconv.FormatInt(time.Now().Unix(), 10)); err != nil {
		e.log.Warn().Err(err).Msg("failed to record sync timestamp")
	}
}

func (e *Engine) publish(topic events.Topic, data map[string]interface{}) {
	if e.bus != nil {
		e.bus.Publish(topic, data)
	}
}
