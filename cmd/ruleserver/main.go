// Command ruleserver runs the rule execution platform's HTTP
// server: evaluation, rule management, versioning, A/B testing and
// hot reload.
package main

import (
	"context"
	"flag"

	"cloud.google.com/go/storage"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/server"
	"go.chromium.org/luci/server/caching"
	"go.chromium.org/luci/server/module"
	"go.chromium.org/luci/server/router"
	"go.chromium.org/luci/server/span"

	"github.com/khoantd/rule-engine-sub000/internal/abtest"
	"github.com/khoantd/rule-engine-sub000/internal/compile"
	"github.com/khoantd/rule-engine-sub000/internal/config"
	"github.com/khoantd/rule-engine-sub000/internal/engine"
	"github.com/khoantd/rule-engine-sub000/internal/handlers"
	"github.com/khoantd/rule-engine-sub000/internal/registry"
	"github.com/khoantd/rule-engine-sub000/internal/reload"
	"github.com/khoantd/rule-engine-sub000/internal/source"
	"github.com/khoantd/rule-engine-sub000/internal/store"
	"github.com/khoantd/rule-engine-sub000/internal/store/memstore"
	"github.com/khoantd/rule-engine-sub000/internal/store/spanstore"
	"github.com/khoantd/rule-engine-sub000/internal/versioning"
)

// compiledRules caches compiled rulesets by content hash across
// reloads.
var compiledRules = caching.RegisterLRUCache(64)

func main() {
	configPath := flag.String("service-config", "config.yaml", "Path to the service configuration file.")

	modules := []module.Module{
		span.NewModuleFromFlags(),
	}
	server.Main(nil, modules, func(srv *server.Server) error {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return err
		}

		var st store.Store
		if cfg.SpannerDatabase != "" {
			st = spanstore.New()
		} else {
			logging.Warningf(srv.Context, "no Spanner database configured, using the in-memory store")
			st = memstore.New()
		}

		reg := registry.New()
		logs := engine.NewLogAppender(st, cfg.Logs.BufferCapacity, cfg.Logs.BatchSize, cfg.Logs.FlushInterval())
		abRouter := abtest.NewRouter(st)
		versions := versioning.NewManager(st)
		eng := engine.New(reg, st, abRouter, logs)
		controller := reload.NewController(st, reg, cfg.Reload.Interval(), cfg.Reload.AutoReload).
			WithCache(compile.NewCache(compiledRules))

		srv.RunInBackground("rule-platform", func(ctx context.Context) {
			logs.Start(ctx)
			if _, err := controller.Reload(ctx, reload.Options{Force: true}); err != nil {
				logging.Errorf(ctx, "initial rule load: %s", err)
			}
			controller.Start(ctx)
			<-ctx.Done()
			controller.Stop(ctx)
			logs.Stop(ctx)
		})

		src, err := buildSource(srv.Context, cfg, st)
		if err != nil {
			return err
		}

		h := handlers.NewHandlers(eng, reg, controller, versions, abRouter, st, src)
		h.RegisterRoutes(srv.Routes, router.MiddlewareChain{})
		return nil
	})
}

// buildSource constructs the configured validation source.
func buildSource(ctx context.Context, cfg *config.Config, st store.Store) (source.Source, error) {
	switch cfg.Source.Type {
	case "", "database":
		return source.NewStoreSource(st), nil
	case "file":
		return source.NewFileSource(cfg.Source.Path), nil
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, err
		}
		return source.NewGCSSource(client, cfg.Source.Bucket, cfg.Source.Object), nil
	}
	// Config validation rejects unknown source types before this point.
	return nil, nil
}
