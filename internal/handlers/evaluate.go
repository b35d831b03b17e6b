package handlers

import (
	"go.chromium.org/luci/server/router"

	"github.com/khoantd/rule-engine-sub000/internal/engine"
)

// evaluateRequest is the body of an evaluation request.
type evaluateRequest struct {
	Data          map[string]interface{} `json:"data"`
	RulesetName   string                 `json:"rulesetName,omitempty"`
	ABTestID      string                 `json:"abTestId,omitempty"`
	AssignmentKey string                 `json:"assignmentKey,omitempty"`
	ConsumerID    string                 `json:"consumerId,omitempty"`
}

// Evaluate serves a POST request for /api/evaluate.
func (h *Handlers) Evaluate(ctx *router.Context) {
	h.evaluate(ctx, false)
}

// EvaluateDryRun serves a POST request for /api/evaluate/dryrun.
func (h *Handlers) EvaluateDryRun(ctx *router.Context) {
	h.evaluate(ctx, true)
}

func (h *Handlers) evaluate(ctx *router.Context, dryRun bool) {
	req := &evaluateRequest{}
	if err := decodeBody(ctx, req); err != nil {
		respondWithError(ctx, err)
		return
	}
	result, err := h.engine.Evaluate(ctx.Context, req.Data, engine.Options{
		RulesetName:   req.RulesetName,
		ABTestID:      req.ABTestID,
		AssignmentKey: req.AssignmentKey,
		ConsumerID:    req.ConsumerID,
		DryRun:        dryRun,
	})
	if err != nil {
		respondWithError(ctx, err)
		return
	}
	respondWithJSON(ctx, result)
}
