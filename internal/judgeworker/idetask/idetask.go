// Package idetask handles judgers.ide_run.run tasks, reporting through
// /api/ide/update. It does not compile or run the submitted code.
package idetask

import (
	"context"

	"go.uber.org/zap"

	"github.com/FouGuai/fuzoj-judge-worker/internal/judgeworker/model"
)

// Reporter is the subset of webapi.Client the IDE handler needs.
type Reporter interface {
	UpdateIDERun(ctx context.Context, runID int64, message, status string) error
}

// Handler runs one IDE request to completion.
type Handler struct {
	reporter Reporter
	logger   *zap.Logger
}

// New constructs the IDE task handler.
func New(reporter Reporter, logger *zap.Logger) *Handler {
	return &Handler{reporter: reporter, logger: logger}
}

// Run logs the request and reports status "judge_failed" with the message
// "not implemented" through /api/ide/update. It does not compile or execute
// code; code, input and extra are not used.
func (h *Handler) Run(ctx context.Context, langID string, runID int64, code, input string, extra model.ExtraJudgeConfig) error {
	h.logger.Info("idetask: run requested",
		zap.Int64("run_id", runID), zap.String("lang_id", langID))

	// TODO(idetask): wire to sandbox.Executor once the ad-hoc compile/run
	// contract (no problem id, no testdata) is finalized.
	return h.reporter.UpdateIDERun(ctx, runID, "not implemented", "judge_failed")
}
