package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"riskgraph/internal/api"
	"riskgraph/internal/config"
	"riskgraph/internal/decision"
	"riskgraph/internal/graph"
	"riskgraph/internal/logging"
	"riskgraph/internal/mapping"
	"riskgraph/internal/metrics"
	"riskgraph/internal/normalize"
	"riskgraph/internal/pipeline"
	"riskgraph/internal/resilience"
	"riskgraph/internal/sink"
	"riskgraph/internal/source"
	"riskgraph/internal/storage"
)

const version = "0.3.0"

func findConfigFile(configArg string) string {
	if configArg != "" {
		if _, err := os.Stat(configArg); err == nil {
			return configArg
		}
		log.Printf("config file not found at %s, trying default locations", configArg)
	}

	if _, err := os.Stat("riskgraph.yml"); err == nil {
		return "riskgraph.yml"
	}

	exePath, err := os.Executable()
	if err == nil {
		path := filepath.Join(filepath.Dir(exePath), "riskgraph.yml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return "riskgraph.yml"
}

func main() {
	configArg := flag.String("config", "", "path to riskgraph config (YAML or JSON)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("riskgraph", version)
		return
	}

	configPath := findConfigFile(*configArg)
	manager, err := config.NewManager(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := manager.Get()

	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("riskgraph starting", "version", version, "config", configPath)

	specs, err := mapping.LoadDir(config.ResolvePath(cfg.Mapping.Dir))
	if err != nil {
		logger.Error("failed to load mapping documents", "dir", cfg.Mapping.Dir, "err", err)
		os.Exit(1)
	}
	registry, err := mapping.NewRegistry(specs...)
	if err != nil {
		logger.Error("invalid mapping documents", "err", err)
		os.Exit(1)
	}
	logger.Info("mapping documents loaded", "sources", registry.Sources())

	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("failed to open storage", "err", err)
		os.Exit(1)
	}
	if store != nil {
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := store.Init(initCtx); err != nil {
			cancel()
			logger.Error("failed to initialize storage", "err", err)
			os.Exit(1)
		}
		cancel()
		defer store.Close()
		logger.Info("storage enabled", "driver", cfg.Storage.Driver)
	}

	out, err := sink.New(cfg.Sink, logger)
	if err != nil {
		logger.Error("failed to create decision sink", "err", err)
		os.Exit(1)
	}
	defer out.Close()
	logger.Info("decision sink ready", "mode", cfg.Sink.Mode)

	adapters := source.NewRegistry()
	for _, src := range cfg.Sources {
		adapter, err := source.Build(src)
		if err != nil {
			logger.Error("failed to build source adapter", "source", src.Name, "err", err)
			os.Exit(1)
		}
		if err := adapters.Register(adapter); err != nil {
			logger.Error("failed to register source adapter", "source", src.Name, "err", err)
			os.Exit(1)
		}
		logger.Info("source registered", "source", src.Name, "kind", src.Kind)
	}
	defer adapters.CloseAll()

	g := graph.New()
	breakers := resilience.NewSet(cfg.Resilience)
	engine := decision.NewEngine(cfg, logger, g, out, store, m)

	pipe := pipeline.New(pipeline.Options{
		Config:     manager,
		Logger:     logger,
		Adapters:   adapters,
		Secrets:    source.EnvSecretStore{},
		Normalizer: normalize.NewEngine(registry),
		Graph:      g,
		Engine:     engine,
		Breakers:   breakers,
		Metrics:    m,
		Store:      store,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	apiServer := api.Start(ctx, manager, g, engine, breakers, store, pipe, promRegistry, logger, version)
	_ = apiServer

	stop := make(chan struct{})
	go manager.Watch(5*time.Second, func(next *config.Config) {
		engine.UpdateConfig(next)
		specs, err := mapping.LoadDir(config.ResolvePath(next.Mapping.Dir))
		if err != nil {
			logger.Error("mapping reload failed", "dir", next.Mapping.Dir, "err", err)
		} else if err := registry.Replace(specs); err != nil {
			logger.Error("mapping reload rejected", "err", err)
		} else {
			logger.Info("mapping documents reloaded", "sources", registry.Sources())
		}
		logger.Info("configuration reloaded")
	}, func(err error) {
		logger.Error("configuration reload failed", "err", err)
	}, stop)

	done := make(chan struct{})
	go func() {
		pipe.Run(ctx)
		close(done)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	close(stop)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn("pipeline did not stop cleanly")
	}

	logger.Info("riskgraph stopped")
}
