// Package dispatch implements C9: it subscribes to the three broker task
// topics, gates concurrency with per-kind semaphores, decodes each message,
// and routes it to the judge orchestrator or to the out-of-scope IDE/remote
// handlers.
package dispatch

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/FouGuai/fuzoj-judge-worker/internal/judgeworker/broker"
	"github.com/FouGuai/fuzoj-judge-worker/internal/judgeworker/model"
	appErr "github.com/FouGuai/fuzoj-judge-worker/pkg/errors"
)

const (
	TopicLocalRun  = "judgers.local.run"
	TopicIDERun    = "judgers.ide_run.run"
	TopicRemoteRun = "judgers.remote.run"
)

// JudgeRunner is C7's contract from the dispatcher's point of view.
type JudgeRunner interface {
	Execute(ctx context.Context, submission *model.Submission) error
}

// IDERunner handles judgers.ide_run.run tasks.
type IDERunner interface {
	Run(ctx context.Context, langID string, runID int64, code, input string, extra model.ExtraJudgeConfig) error
}

// RemoteRunner handles judgers.remote.run tasks.
type RemoteRunner interface {
	Run(ctx context.Context, config json.RawMessage) error
}

// localRunMessage is the wire shape of a judgers.local.run payload.
type localRunMessage struct {
	Submission struct {
		ID         int64  `json:"id"`
		SourceCode []byte `json:"source_code"`
		LanguageID string `json:"language_id"`
		ProblemID  int64  `json:"problem_id"`
	} `json:"submission"`
	ExtraConfig model.ExtraJudgeConfig `json:"extra_config"`
}

// ideRunMessage is the wire shape of a judgers.ide_run.run payload.
type ideRunMessage struct {
	LangID      string                 `json:"lang_id"`
	RunID       int64                  `json:"run_id"`
	Code        string                 `json:"code"`
	Input       string                 `json:"input"`
	ExtraConfig model.ExtraJudgeConfig `json:"extra_config"`
}

// Config holds C9's tunables, loaded from the worker's top-level config.
type Config struct {
	MaxTasksSametime       int
	MaxRemoteTaskSametime  int
	PrefetchCount          int
}

// Dispatcher is C9.
type Dispatcher struct {
	queue  broker.Queue
	judge  JudgeRunner
	ide    IDERunner
	remote RemoteRunner
	logger *zap.Logger

	localLimiter  *broker.TokenLimiter
	remoteLimiter *broker.TokenLimiter
	cfg           Config
}

// New constructs C9.
func New(queue broker.Queue, judge JudgeRunner, ide IDERunner, remote RemoteRunner, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.MaxTasksSametime <= 0 {
		cfg.MaxTasksSametime = 4
	}
	if cfg.MaxRemoteTaskSametime <= 0 {
		cfg.MaxRemoteTaskSametime = 2
	}
	if cfg.PrefetchCount <= 0 {
		cfg.PrefetchCount = 2
	}
	return &Dispatcher{
		queue:         queue,
		judge:         judge,
		ide:           ide,
		remote:        remote,
		logger:        logger,
		localLimiter:  broker.NewTokenLimiter(cfg.MaxTasksSametime),
		remoteLimiter: broker.NewTokenLimiter(cfg.MaxRemoteTaskSametime),
		cfg:           cfg,
	}
}

// Start subscribes to all three topics and begins consuming.
func (d *Dispatcher) Start(ctx context.Context) error {
	opts := &broker.SubscribeOptions{
		PrefetchCount: d.cfg.PrefetchCount,
		Concurrency:   d.cfg.MaxTasksSametime,
	}

	if err := d.queue.SubscribeWithOptions(ctx, TopicLocalRun, d.wrapLimited(d.localLimiter, d.handleLocalRun), opts); err != nil {
		return appErr.Wrapf(err, appErr.JudgeSystemError, "subscribe %s", TopicLocalRun)
	}
	if err := d.queue.SubscribeWithOptions(ctx, TopicIDERun, d.wrapLimited(d.localLimiter, d.handleIDERun), opts); err != nil {
		return appErr.Wrapf(err, appErr.JudgeSystemError, "subscribe %s", TopicIDERun)
	}
	remoteOpts := &broker.SubscribeOptions{
		PrefetchCount: d.cfg.PrefetchCount,
		Concurrency:   d.cfg.MaxRemoteTaskSametime,
	}
	if err := d.queue.SubscribeWithOptions(ctx, TopicRemoteRun, d.wrapLimited(d.remoteLimiter, d.handleRemoteRun), remoteOpts); err != nil {
		return appErr.Wrapf(err, appErr.JudgeSystemError, "subscribe %s", TopicRemoteRun)
	}
	return d.queue.Start()
}

// Stop stops consumption.
func (d *Dispatcher) Stop() error {
	return d.queue.Stop()
}

// wrapLimited gates handler execution behind limiter, so concurrency never
// exceeds max_tasks_sametime / max_remote_task_sametime regardless of how
// many messages the broker client has prefetched.
func (d *Dispatcher) wrapLimited(limiter *broker.TokenLimiter, handler broker.HandlerFunc) broker.HandlerFunc {
	return func(ctx context.Context, msg *broker.Message) error {
		if err := limiter.Acquire(ctx); err != nil {
			return err
		}
		defer limiter.Release()
		return handler(ctx, msg)
	}
}

func (d *Dispatcher) handleLocalRun(ctx context.Context, msg *broker.Message) error {
	var payload localRunMessage
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		d.logger.Error("dispatch: decode judgers.local.run failed", zap.Error(err))
		return appErr.Wrapf(err, appErr.JudgeSystemError, "decode local run message")
	}
	payload.ExtraConfig.SetDefaults()

	submission := &model.Submission{
		ID:         payload.Submission.ID,
		SourceCode: payload.Submission.SourceCode,
		LanguageID: payload.Submission.LanguageID,
		ProblemID:  payload.Submission.ProblemID,
		Extra:      payload.ExtraConfig,
	}

	if err := d.judge.Execute(ctx, submission); err != nil {
		d.logger.Error("dispatch: judge execute failed",
			zap.Int64("submission_id", submission.ID), zap.Error(err))
		return err
	}
	return nil
}

func (d *Dispatcher) handleIDERun(ctx context.Context, msg *broker.Message) error {
	var payload ideRunMessage
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		d.logger.Error("dispatch: decode judgers.ide_run.run failed", zap.Error(err))
		return appErr.Wrapf(err, appErr.JudgeSystemError, "decode ide run message")
	}
	if d.ide == nil {
		return appErr.Newf(appErr.JudgeSystemError, "ide runner not configured")
	}
	payload.ExtraConfig.SetDefaults()
	if err := d.ide.Run(ctx, payload.LangID, payload.RunID, payload.Code, payload.Input, payload.ExtraConfig); err != nil {
		d.logger.Error("dispatch: ide run failed", zap.Int64("run_id", payload.RunID), zap.Error(err))
		return err
	}
	return nil
}

func (d *Dispatcher) handleRemoteRun(ctx context.Context, msg *broker.Message) error {
	if d.remote == nil {
		return appErr.Newf(appErr.JudgeSystemError, "remote runner not configured")
	}
	if err := d.remote.Run(ctx, json.RawMessage(msg.Body)); err != nil {
		d.logger.Error("dispatch: remote run failed", zap.Error(err))
		return err
	}
	return nil
}
