package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kgraphd/internal/bridge"
	"kgraphd/internal/config"
	"kgraphd/internal/core"
	"kgraphd/internal/logging"
	"kgraphd/internal/shapes"
	"kgraphd/internal/store"
	"kgraphd/internal/watch"
)

const shutdownGrace = 5 * time.Second

// runServe brings the daemon up: engine, seeds, watcher, HTTP and gRPC
// listeners. It returns when both listeners have drained after a
// signal, or with the error that prevented startup.
func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := logging.Init(cfg.LogLevel); err != nil {
		return err
	}
	defer logging.Sync()
	log := logging.Named("daemon")

	engine := core.NewEngine(core.Caps{
		MaxFacts:         cfg.Caps.MaxFacts,
		MaxQueryResults:  cfg.Caps.MaxQueryResults,
		MaxRadius:        cfg.Caps.MaxRadius,
		MaxSubgraphNodes: cfg.Caps.MaxSubgraphNodes,
	}, cfg.Caps.InboxDepth, logging.Named("engine"))

	// An invariant violation inside the engine means the justification
	// graph can no longer be trusted; exit hard rather than serve
	// answers from corrupt state.
	engine.SetFatalHandler(func(ferr error) {
		log.Error("engine invariant violation", zap.Error(ferr))
		logging.Sync()
		os.Exit(2)
	})

	sink := bridge.EventMetrics{}
	var audit *store.AuditLog
	if cfg.AuditDBPath != "" {
		audit, err = store.Open(cfg.AuditDBPath, logging.Named("audit"))
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer audit.Close()
		sink.Next = audit
	}
	engine.SetEventSink(sink)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go engine.Run(rootCtx)

	h := bridge.NewHandlers(engine, logging.Named("bridge")).
		WithRulePackLimit(cfg.Caps.MaxRulePackBytes)
	if audit != nil {
		h.WithAudit(audit)
	}
	if len(cfg.RendererCommand) > 0 {
		h.WithRenderer(cfg.RendererCommand)
	}

	if cfg.ShapesPath != "" {
		catalog, err := shapes.Load(cfg.ShapesPath)
		if err != nil {
			return err
		}
		h.WithShapes(catalog)
		log.Info("shape catalog loaded", zap.String("path", cfg.ShapesPath))
	}

	// Rules before facts so the seed KB settles against them.
	if cfg.SeedRulesPath != "" {
		data, err := os.ReadFile(cfg.SeedRulesPath)
		if err != nil {
			return fmt.Errorf("read seed rules: %w", err)
		}
		if _, _, err := h.LoadRulePack(rootCtx, data); err != nil {
			return fmt.Errorf("seed rules %s: %w", cfg.SeedRulesPath, err)
		}
	}
	if cfg.SeedKBPath != "" {
		n, err := seedKnowledgeBase(rootCtx, engine, cfg.SeedKBPath)
		if err != nil {
			return fmt.Errorf("seed kb %s: %w", cfg.SeedKBPath, err)
		}
		log.Info("knowledge base seeded", zap.String("path", cfg.SeedKBPath), zap.Int("facts", n))
	}

	if cfg.WatchReload {
		w, err := watch.New(logging.Named("watch"))
		if err != nil {
			return fmt.Errorf("create watcher: %w", err)
		}
		if cfg.SeedRulesPath != "" {
			wlog := logging.Named("watch")
			if err := w.Watch(cfg.SeedRulesPath, func(path string) {
				data, rerr := os.ReadFile(path)
				if rerr != nil {
					wlog.Error("reload rules", zap.String("path", path), zap.Error(rerr))
					return
				}
				if _, _, rerr := h.LoadRulePack(context.Background(), data); rerr != nil {
					wlog.Error("reload rules", zap.String("path", path), zap.Error(rerr))
				}
			}); err != nil {
				return err
			}
		}
		if cfg.ShapesPath != "" {
			wlog := logging.Named("watch")
			if err := w.Watch(cfg.ShapesPath, func(path string) {
				catalog, cerr := shapes.Load(path)
				if cerr != nil {
					wlog.Error("reload shapes", zap.String("path", path), zap.Error(cerr))
					return
				}
				h.SetCatalog(catalog)
				wlog.Info("shape catalog reloaded", zap.String("path", path))
			}); err != nil {
				return err
			}
		}
		w.Start(rootCtx)
		defer w.Stop()
	}

	router := bridge.NewRouter(h, logging.Named("http"))
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	rpcSrv := bridge.NewRPCServer(h)
	rpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.RPCPort))
	if err != nil {
		return fmt.Errorf("rpc listen: %w", err)
	}

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		log.Info("http listening", zap.Int("port", cfg.HTTPPort))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("rpc listening", zap.Int("port", cfg.RPCPort))
		if err := rpcSrv.Serve(rpcLis); err != nil {
			return fmt.Errorf("rpc serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
		rpcSrv.GracefulStop()
		return nil
	})
	return g.Wait()
}
