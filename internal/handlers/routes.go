package handlers

import (
	"go.chromium.org/luci/server/router"
)

// RegisterRoutes registers routes explicitly handled by the handler.
func (h *Handlers) RegisterRoutes(r *router.Router, mw router.MiddlewareChain) {
	r.POST("/api/evaluate", mw, h.Evaluate)
	r.POST("/api/evaluate/dryrun", mw, h.EvaluateDryRun)

	r.GET("/api/rules/:id/versions", mw, h.ListRuleVersions)
	r.GET("/api/rules/:id/versions/current", mw, h.GetCurrentRuleVersion)
	r.POST("/api/rules/:id/rollback", mw, h.RollbackRule)
	r.GET("/api/rules/:id/compare", mw, h.CompareRuleVersions)

	r.GET("/api/abtests", mw, h.ListABTests)
	r.POST("/api/abtests", mw, h.CreateABTest)
	r.GET("/api/abtests/:id", mw, h.GetABTest)
	r.POST("/api/abtests/:id/start", mw, h.StartABTest)
	r.POST("/api/abtests/:id/stop", mw, h.StopABTest)
	r.DELETE("/api/abtests/:id", mw, h.DeleteABTest)
	r.GET("/api/abtests/:id/metrics", mw, h.GetABTestMetrics)

	r.POST("/api/validate", mw, h.ValidateRules)

	r.POST("/api/reload", mw, h.Reload)
	r.GET("/api/reload/status", mw, h.ReloadStatus)
	r.GET("/api/registry/stats", mw, h.RegistryStats)
}
