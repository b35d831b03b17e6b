package handlers

import (
	"net/http"

	"go.chromium.org/luci/server/router"

	"github.com/khoantd/rule-engine-sub000/internal/reload"
)

// ValidateRules serves a POST request for /api/validate. It
// compiles every rule of the configured source and reports per-rule
// results without touching the registry.
func (h *Handlers) ValidateRules(ctx *router.Context) {
	if h.source == nil {
		http.Error(ctx.Writer, "No rule source is configured.", http.StatusNotImplemented)
		return
	}
	report, err := reload.ValidateFrom(ctx.Context, h.source)
	if err != nil {
		respondWithError(ctx, err)
		return
	}
	respondWithJSON(ctx, report)
}
