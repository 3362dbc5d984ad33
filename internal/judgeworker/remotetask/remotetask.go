// Package remotetask handles judgers.remote.run: judging delegated to a
// remote OJ (e.g. Luogu) rather than the local sandbox. Out of scope beyond
// the routing contract; see SPEC_FULL.md.
package remotetask

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
)

var errUnimplemented = errors.New("remote judging not implemented")

// Handler is a contract-only stub: it decodes the envelope and reports an
// unimplemented failure rather than silently dropping the task.
type Handler struct {
	logger *zap.Logger
}

// New constructs the remote task handler.
func New(logger *zap.Logger) *Handler {
	return &Handler{logger: logger}
}

// Run decodes config enough to log it, then fails closed.
func (h *Handler) Run(_ context.Context, config json.RawMessage) error {
	var probe struct {
		Provider string `json:"provider"`
	}
	_ = json.Unmarshal(config, &probe)
	h.logger.Warn("remotetask: remote judging not implemented", zap.String("provider", probe.Provider))
	return errUnimplemented
}
