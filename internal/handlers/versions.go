package handlers

import (
	"net/http"
	"strconv"

	"go.chromium.org/luci/server/router"

	"github.com/khoantd/rule-engine-sub000/internal/rules"
)

// ListRuleVersions serves a GET request for
// /api/rules/:id/versions.
func (h *Handlers) ListRuleVersions(ctx *router.Context) {
	ruleID, ok := obtainRuleID(ctx)
	if !ok {
		return
	}
	vs, err := h.versions.History(ctx.Context, ruleID)
	if err != nil {
		respondWithError(ctx, err)
		return
	}
	respondWithJSON(ctx, vs)
}

// GetCurrentRuleVersion serves a GET request for
// /api/rules/:id/versions/current.
func (h *Handlers) GetCurrentRuleVersion(ctx *router.Context) {
	ruleID, ok := obtainRuleID(ctx)
	if !ok {
		return
	}
	v, err := h.versions.CurrentVersion(ctx.Context, ruleID)
	if err != nil {
		respondWithError(ctx, err)
		return
	}
	respondWithJSON(ctx, v)
}

// RollbackRule serves a POST request for /api/rules/:id/rollback.
func (h *Handlers) RollbackRule(ctx *router.Context) {
	ruleID, ok := obtainRuleID(ctx)
	if !ok {
		return
	}
	req := &struct {
		VersionNumber int64  `json:"versionNumber"`
		Reason        string `json:"reason"`
	}{}
	if err := decodeBody(ctx, req); err != nil {
		respondWithError(ctx, err)
		return
	}
	v, err := h.versions.Rollback(ctx.Context, ruleID, req.VersionNumber, req.Reason)
	if err != nil {
		respondWithError(ctx, err)
		return
	}
	respondWithJSON(ctx, v)
}

// CompareRuleVersions serves a GET request for
// /api/rules/:id/compare?a=<n>&b=<n>.
func (h *Handlers) CompareRuleVersions(ctx *router.Context) {
	ruleID, ok := obtainRuleID(ctx)
	if !ok {
		return
	}
	a, errA := strconv.ParseInt(ctx.Request.URL.Query().Get("a"), 10, 64)
	b, errB := strconv.ParseInt(ctx.Request.URL.Query().Get("b"), 10, 64)
	if errA != nil || errB != nil {
		http.Error(ctx.Writer, "Please supply numeric a and b version parameters.", http.StatusBadRequest)
		return
	}
	cmp, err := h.versions.Compare(ctx.Context, ruleID, a, b)
	if err != nil {
		respondWithError(ctx, err)
		return
	}
	respondWithJSON(ctx, cmp)
}

func obtainRuleID(ctx *router.Context) (string, bool) {
	ruleID := ctx.Params.ByName("id")
	if !rules.RuleIDRe.MatchString(ruleID) {
		http.Error(ctx.Writer, "Please supply a valid rule ID.", http.StatusBadRequest)
		return "", false
	}
	return ruleID, true
}
