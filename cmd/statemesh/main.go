// Command statemesh runs, validates and dry-runs declarative state machine
// components.
//
// Usage:
//
//	statemesh run -config runtime.yaml
//	statemesh validate component.yaml [component.yaml...]
//	statemesh simulate -component component.yaml -machine order place pay ship
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/GoCodeAlone/statemesh/broker"
	"github.com/GoCodeAlone/statemesh/config"
	"github.com/GoCodeAlone/statemesh/engine"
	"github.com/GoCodeAlone/statemesh/metrics"
	"github.com/GoCodeAlone/statemesh/registry"
	"github.com/GoCodeAlone/statemesh/schema"
	"github.com/GoCodeAlone/statemesh/store"
	"github.com/GoCodeAlone/statemesh/timerwheel"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "validate":
		validateCmd(os.Args[2:])
	case "simulate":
		simulateCmd(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: statemesh <run|validate|simulate> [flags]")
}

func validateCmd(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	_ = fs.Parse(args)
	if fs.NArg() == 0 {
		log.Fatal("validate: at least one component file is required")
	}

	failed := false
	for _, path := range fs.Args() {
		c, err := schema.LoadComponentFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			failed = true
			continue
		}
		states := 0
		for _, m := range c.StateMachines {
			states += len(m.States)
		}
		fmt.Printf("%s: ok (component %s, %d machines, %d states)\n",
			path, c.Name, len(c.StateMachines), states)
	}
	if failed {
		os.Exit(1)
	}
}

func simulateCmd(args []string) {
	fs := flag.NewFlagSet("simulate", flag.ExitOnError)
	componentFile := fs.String("component", "", "Path to the component document")
	machine := fs.String("machine", "", "State machine to walk")
	_ = fs.Parse(args)
	if *componentFile == "" || *machine == "" {
		log.Fatal("simulate: -component and -machine are required")
	}
	events := fs.Args()
	if len(events) == 0 {
		log.Fatal("simulate: at least one event is required")
	}

	c, err := schema.LoadComponentFile(*componentFile)
	if err != nil {
		log.Fatalf("simulate: %v", err)
	}
	e, err := engine.New(c, engine.Options{})
	if err != nil {
		log.Fatalf("simulate: %v", err)
	}
	result, err := e.SimulatePath(*machine, events)
	if err != nil {
		log.Fatalf("simulate: %v", err)
	}

	for _, step := range result.Path {
		fmt.Printf("  %s: %s -> %s\n", step.Event, step.From, step.To)
	}
	if result.Completed {
		fmt.Printf("path ok, final state %s\n", result.FinalState)
		return
	}
	fmt.Printf("path fails at %q in state %s: %s\n", result.FailedEvent, result.FinalState, result.Reason)
	os.Exit(1)
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configFile := fs.String("config", "", "Path to the runtime configuration YAML file")
	verbose := fs.Bool("v", false, "Enable debug logging")
	_ = fs.Parse(args)
	if *configFile == "" {
		log.Fatal("run: -config is required")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pm, err := buildPersistence(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to set up persistence: %v", err)
	}
	msgBroker, err := buildBroker(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to set up broker: %v", err)
	}

	wheel := timerwheel.New(timerwheel.Config{TickMs: cfg.TickMs}, logger)
	if err := wheel.Start(ctx); err != nil {
		log.Fatalf("Failed to start timer wheel: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	collector := metrics.New(promRegistry)

	reg := registry.New(logger)
	var engines []*engine.Engine
	for _, path := range cfg.Components {
		c, err := schema.LoadComponentFile(path)
		if err != nil {
			log.Fatalf("Failed to load component: %v", err)
		}
		e, err := engine.New(c, engine.Options{
			Logger:      logger,
			Persistence: pm,
			Wheel:       wheel,
		})
		if err != nil {
			log.Fatalf("Failed to build engine for %s: %v", c.Name, err)
		}
		collector.Attach(e)
		if err := reg.Register(e); err != nil {
			log.Fatalf("Failed to register %s: %v", c.Name, err)
		}
		engines = append(engines, e)
	}

	if cfg.Restore && pm != nil {
		for _, e := range engines {
			stats, err := e.Restore(ctx)
			if err != nil {
				log.Fatalf("Failed to restore %s: %v", e.Component().Name, err)
			}
			logger.Info("component restored", "component", e.Component().Name,
				"instances", stats.Restored, "timersSynced", stats.TimersSynced,
				"timersExpired", stats.TimersExpired)
		}
	}
	for _, e := range engines {
		if err := e.Start(ctx); err != nil {
			log.Fatalf("Failed to start %s: %v", e.Component().Name, err)
		}
	}

	broadcaster := registry.NewBroadcaster(reg, msgBroker, registry.BroadcasterConfig{
		RuntimeID:         cfg.RuntimeID,
		HeartbeatInterval: time.Duration(cfg.HeartbeatSeconds) * time.Second,
	}, logger)
	if err := broadcaster.Start(ctx); err != nil {
		log.Fatalf("Failed to start broadcaster: %v", err)
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			logger.Info("Serving metrics", "addr", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Metrics server failed: %v", err)
			}
		}()
	}

	fmt.Printf("statemesh runtime %s started with %d components\n",
		broadcaster.RuntimeID(), len(engines))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	if err := broadcaster.Stop(ctx); err != nil {
		log.Printf("Broadcaster shutdown error: %v", err)
	}
	for _, e := range engines {
		e.Drain()
		if err := e.Stop(ctx); err != nil {
			log.Printf("Engine shutdown error: %v", err)
		}
	}
	if err := wheel.Stop(ctx); err != nil {
		log.Printf("Timer wheel shutdown error: %v", err)
	}
	if err := msgBroker.Disconnect(ctx); err != nil {
		log.Printf("Broker shutdown error: %v", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(context.Background()); err != nil {
			log.Printf("Metrics server shutdown error: %v", err)
		}
	}
	fmt.Println("Shutdown complete")
}

func buildPersistence(cfg *config.RuntimeConfig, logger *slog.Logger) (*store.PersistenceManager, error) {
	pcfg := store.PersistenceConfig{SnapshotInterval: cfg.Persistence.SnapshotInterval}
	switch cfg.Persistence.Backend {
	case "":
		return nil, nil
	case config.PersistenceMemory:
		return store.NewPersistenceManager(
			store.NewInMemoryEventStore(), store.NewInMemorySnapshotStore(), pcfg, logger), nil
	case config.PersistenceSQLite:
		events, err := store.NewSQLiteEventStore(cfg.Persistence.Path)
		if err != nil {
			return nil, err
		}
		snapshots, err := store.NewSQLiteSnapshotStore(cfg.Persistence.Path)
		if err != nil {
			return nil, err
		}
		return store.NewPersistenceManager(events, snapshots, pcfg, logger), nil
	case config.PersistenceRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Persistence.Redis.Address,
			Password: cfg.Persistence.Redis.Password,
			DB:       cfg.Persistence.Redis.DB,
		})
		prefix := cfg.Persistence.Redis.Prefix
		return store.NewPersistenceManager(
			store.NewRedisEventStore(client, prefix),
			store.NewRedisSnapshotStore(client, prefix), pcfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Persistence.Backend)
	}
}

func buildBroker(cfg *config.RuntimeConfig, logger *slog.Logger) (broker.MessageBroker, error) {
	switch cfg.Broker.Backend {
	case "", config.BrokerMemory:
		return broker.NewInMemoryBroker(logger), nil
	case config.BrokerRedis:
		return broker.NewRedisBroker(broker.RedisBrokerConfig{
			Address:  cfg.Broker.Redis.Address,
			Password: cfg.Broker.Redis.Password,
			DB:       cfg.Broker.Redis.DB,
			Prefix:   cfg.Broker.Redis.Prefix,
		}, logger), nil
	case config.BrokerNATS:
		return broker.NewNATSBroker(cfg.Broker.NATSURL, logger), nil
	default:
		return nil, fmt.Errorf("unknown broker backend %q", cfg.Broker.Backend)
	}
}
