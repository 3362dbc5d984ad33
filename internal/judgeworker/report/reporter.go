// Package report implements C8: best-effort, fire-and-forget status
// publishing with per-submission coalescing, so a slow web API never backs
// up the orchestrator's phase transitions.
package report

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FouGuai/fuzoj-judge-worker/internal/judgeworker/model"
)

// Updater is the subset of webapi.Client that Reporter needs.
type Updater interface {
	UpdateJudgeResult(ctx context.Context, uuid string, judgeResultJSON []byte, submissionID int64, message, extraStatus, extraInfo string) error
}

// Reporter is C8. Publish never blocks on the network: it records the
// latest snapshot for a submission and, if no delivery is already in
// flight for that submission, spawns one. A snapshot that arrives while a
// delivery is in flight is folded into the next delivery rather than
// queued, so only the latest state is ever sent.
type Reporter struct {
	client Updater
	uuid   string
	logger *zap.Logger

	mu       sync.Mutex
	pending  map[int64]snapshot
	inFlight map[int64]bool
}

type snapshot struct {
	result  model.JudgeResult
	message string
}

// New constructs C8.
func New(client Updater, uuid string, logger *zap.Logger) *Reporter {
	return &Reporter{
		client:   client,
		uuid:     uuid,
		logger:   logger,
		pending:  make(map[int64]snapshot),
		inFlight: make(map[int64]bool),
	}
}

// Publish implements StatusReporter. The caller keeps mutating its own
// JudgeResult tree concurrently, so the snapshot stored here is a deep copy,
// never the caller's live pointers.
func (r *Reporter) Publish(_ context.Context, submissionID int64, result model.JudgeResult, message string) {
	snap := snapshot{result: result.Clone(), message: message}

	r.mu.Lock()
	r.pending[submissionID] = snap
	if r.inFlight[submissionID] {
		r.mu.Unlock()
		return
	}
	r.inFlight[submissionID] = true
	r.mu.Unlock()

	go r.drain(submissionID)
}

// drain delivers the latest pending snapshot for submissionID, repeating
// as long as newer snapshots keep arriving while a delivery is underway.
func (r *Reporter) drain(submissionID int64) {
	for {
		r.mu.Lock()
		snap, ok := r.pending[submissionID]
		if ok {
			delete(r.pending, submissionID)
		}
		r.mu.Unlock()

		if ok {
			r.send(submissionID, snap)
		}

		r.mu.Lock()
		if _, more := r.pending[submissionID]; !more {
			r.inFlight[submissionID] = false
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
	}
}

// send is fire-and-forget by contract: any failure is logged and
// swallowed, never surfaced to the orchestrator.
func (r *Reporter) send(submissionID int64, snap snapshot) {
	body, err := json.Marshal(snap.result)
	if err != nil {
		r.logger.Warn("report: marshal judge result failed", zap.Int64("submission_id", submissionID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.client.UpdateJudgeResult(ctx, r.uuid, body, submissionID, snap.message, "", ""); err != nil {
		r.logger.Warn("report: publish status failed", zap.Int64("submission_id", submissionID), zap.Error(err))
	}
}
