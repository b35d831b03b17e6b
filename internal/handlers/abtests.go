package handlers

import (
	"go.chromium.org/luci/server/router"

	"github.com/khoantd/rule-engine-sub000/internal/rules"
)

// ListABTests serves a GET request for /api/abtests.
func (h *Handlers) ListABTests(ctx *router.Context) {
	ts, err := h.router.List(ctx.Context)
	if err != nil {
		respondWithError(ctx, err)
		return
	}
	respondWithJSON(ctx, ts)
}

// CreateABTest serves a POST request for /api/abtests.
func (h *Handlers) CreateABTest(ctx *router.Context) {
	t := &rules.ABTest{}
	if err := decodeBody(ctx, t); err != nil {
		respondWithError(ctx, err)
		return
	}
	if err := h.router.Create(ctx.Context, t); err != nil {
		respondWithError(ctx, err)
		return
	}
	respondWithJSON(ctx, t)
}

// GetABTest serves a GET request for /api/abtests/:id.
func (h *Handlers) GetABTest(ctx *router.Context) {
	t, err := h.router.Get(ctx.Context, ctx.Params.ByName("id"))
	if err != nil {
		respondWithError(ctx, err)
		return
	}
	respondWithJSON(ctx, t)
}

// StartABTest serves a POST request for /api/abtests/:id/start.
func (h *Handlers) StartABTest(ctx *router.Context) {
	t, err := h.router.Start(ctx.Context, ctx.Params.ByName("id"))
	if err != nil {
		respondWithError(ctx, err)
		return
	}
	respondWithJSON(ctx, t)
}

// StopABTest serves a POST request for /api/abtests/:id/stop.
func (h *Handlers) StopABTest(ctx *router.Context) {
	req := &struct {
		WinningVariant rules.Variant `json:"winningVariant,omitempty"`
	}{}
	if err := decodeBody(ctx, req); err != nil {
		respondWithError(ctx, err)
		return
	}
	t, err := h.router.Stop(ctx.Context, ctx.Params.ByName("id"), req.WinningVariant)
	if err != nil {
		respondWithError(ctx, err)
		return
	}
	respondWithJSON(ctx, t)
}

// DeleteABTest serves a DELETE request for /api/abtests/:id.
func (h *Handlers) DeleteABTest(ctx *router.Context) {
	if err := h.router.Delete(ctx.Context, ctx.Params.ByName("id")); err != nil {
		respondWithError(ctx, err)
		return
	}
	respondWithJSON(ctx, map[string]bool{"deleted": true})
}

// GetABTestMetrics serves a GET request for
// /api/abtests/:id/metrics.
func (h *Handlers) GetABTestMetrics(ctx *router.Context) {
	m, err := h.router.Metrics(ctx.Context, ctx.Params.ByName("id"))
	if err != nil {
		respondWithError(ctx, err)
		return
	}
	respondWithJSON(ctx, m)
}
