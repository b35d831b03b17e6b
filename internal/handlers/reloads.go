package handlers

import (
	"go.chromium.org/luci/server/router"

	"github.com/khoantd/rule-engine-sub000/internal/reload"
)

// Reload serves a POST request for /api/reload.
func (h *Handlers) Reload(ctx *router.Context) {
	req := &struct {
		RulesetID string `json:"rulesetId,omitempty"`
		RuleID    string `json:"ruleId,omitempty"`
		Force     bool   `json:"force,omitempty"`
		Validate  bool   `json:"validate,omitempty"`
	}{}
	if err := decodeBody(ctx, req); err != nil {
		respondWithError(ctx, err)
		return
	}
	result, err := h.reload.Reload(ctx.Context, reload.Options{
		RulesetID: req.RulesetID,
		RuleID:    req.RuleID,
		Force:     req.Force,
		Validate:  req.Validate,
	})
	if err != nil {
		respondWithError(ctx, err)
		return
	}
	respondWithJSON(ctx, result)
}

// ReloadStatus serves a GET request for /api/reload/status.
func (h *Handlers) ReloadStatus(ctx *router.Context) {
	respondWithJSON(ctx, h.reload.Status(ctx.Context))
}

// RegistryStats serves a GET request for /api/registry/stats.
func (h *Handlers) RegistryStats(ctx *router.Context) {
	respondWithJSON(ctx, h.registry.GetStats())
}
