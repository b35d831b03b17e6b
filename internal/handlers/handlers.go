// Package handlers exposes the rule platform over HTTP: evaluation,
// rule and ruleset management, version history, rollback, A/B tests
// and reload control.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/server/router"

	"github.com/khoantd/rule-engine-sub000/internal/abtest"
	"github.com/khoantd/rule-engine-sub000/internal/engine"
	"github.com/khoantd/rule-engine-sub000/internal/registry"
	"github.com/khoantd/rule-engine-sub000/internal/reload"
	"github.com/khoantd/rule-engine-sub000/internal/rules/ruleerror"
	"github.com/khoantd/rule-engine-sub000/internal/source"
	"github.com/khoantd/rule-engine-sub000/internal/store"
	"github.com/khoantd/rule-engine-sub000/internal/versioning"
)

// Handlers serves the platform's HTTP routes.
type Handlers struct {
	engine   *engine.Engine
	registry *registry.Registry
	reload   *reload.Controller
	versions *versioning.Manager
	router   *abtest.Router
	store    store.Store
	source   source.Source
}

// NewHandlers initialises the handler set. The validation source may
// be nil when none is configured.
func NewHandlers(e *engine.Engine, reg *registry.Registry, rc *reload.Controller, vm *versioning.Manager, ar *abtest.Router, s store.Store, src source.Source) *Handlers {
	return &Handlers{
		engine:   e,
		registry: reg,
		reload:   rc,
		versions: vm,
		router:   ar,
		store:    s,
		source:   src,
	}
}

func respondWithJSON(ctx *router.Context, v interface{}) {
	blob, err := json.Marshal(v)
	if err != nil {
		logging.Errorf(ctx.Context, "Encoding response: %s", err)
		http.Error(ctx.Writer, "Internal server error.", http.StatusInternalServerError)
		return
	}
	ctx.Writer.Header().Add("Content-Type", "application/json")
	if _, err := ctx.Writer.Write(blob); err != nil {
		logging.Errorf(ctx.Context, "Writing response: %s", err)
	}
}

// respondWithError maps platform errors to HTTP statuses. Validation
// errors carry their structured code in the body; everything else is
// an opaque 500.
func respondWithError(ctx *router.Context, err error) {
	if e, ok := ruleerror.AsError(err); ok {
		status := http.StatusBadRequest
		switch e.Code {
		case ruleerror.CodeRuleNotFound, ruleerror.CodeRulesetNotFound,
			ruleerror.CodeVersionNotFound, ruleerror.CodeTestNotFound:
			status = http.StatusNotFound
		case ruleerror.CodeInvalidTestState:
			status = http.StatusConflict
		case ruleerror.CodeStoreUnavailable:
			status = http.StatusServiceUnavailable
		}
		ctx.Writer.WriteHeader(status)
		respondWithJSON(ctx, map[string]interface{}{
			"error": e.Message,
			"code":  string(e.Code),
			"type":  string(e.Type),
		})
		return
	}
	logging.Errorf(ctx.Context, "Internal error: %s", err)
	http.Error(ctx.Writer, "Internal server error.", http.StatusInternalServerError)
}

func decodeBody(ctx *router.Context, v interface{}) error {
	blob, err := io.ReadAll(ctx.Request.Body)
	if err != nil {
		return errors.Annotate(err, "reading request body").Err()
	}
	if err := json.Unmarshal(blob, v); err != nil {
		return ruleerror.Newf(ruleerror.Validation, ruleerror.CodeDataInvalidType,
			"request body is not valid JSON: %s", err)
	}
	return nil
}
