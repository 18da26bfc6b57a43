// Command fleetd runs the fleet coordination core: one SQLite-backed
// process hosting the spawn controller, workflow engine, blackboard,
// worker registry, scheduler tick, and the HTTP/WebSocket surface.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fleetcore/fleetcore/internal/blackboard"
	"github.com/fleetcore/fleetcore/internal/config"
	"github.com/fleetcore/fleetcore/internal/eventbus"
	"github.com/fleetcore/fleetcore/internal/identity"
	"github.com/fleetcore/fleetcore/internal/mailbox"
	natslib "github.com/fleetcore/fleetcore/internal/nats"
	"github.com/fleetcore/fleetcore/internal/registry"
	"github.com/fleetcore/fleetcore/internal/scheduler"
	"github.com/fleetcore/fleetcore/internal/server"
	"github.com/fleetcore/fleetcore/internal/spawnqueue"
	"github.com/fleetcore/fleetcore/internal/tasks"
	"github.com/fleetcore/fleetcore/internal/trigger"
	"github.com/fleetcore/fleetcore/internal/workflow"
	"github.com/fleetcore/fleetcore/internal/workitems"
)

func main() {
	configPath := flag.String("config", "configs/fleet.yaml", "Configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create data directory: %v\n", err)
		os.Exit(1)
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	taskStore := tasks.NewStore(db)
	wiStore := workitems.NewStore(db)
	mailStore := mailbox.NewStore(db)
	bbStore := blackboard.NewStore(db)
	sqStore := spawnqueue.NewStore(db)
	wfStore := workflow.NewStore(db)
	trStore := trigger.NewStore(db)
	workerStore := registry.NewStore(db)

	for name, init := range map[string]func() error{
		"tasks":      taskStore.Init,
		"workitems":  wiStore.Init,
		"mailbox":    mailStore.Init,
		"blackboard": bbStore.Init,
		"spawnqueue": sqStore.Init,
		"workflow":   wfStore.Init,
		"trigger":    trStore.Init,
		"workers":    workerStore.Init,
	} {
		if err := init(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize %s store: %v\n", name, err)
			os.Exit(1)
		}
	}

	bus := eventbus.New()
	reg := registry.NewWithStore(workerStore)
	if n, err := reg.Restore(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to restore worker roster: %v\n", err)
		os.Exit(1)
	} else if n > 0 {
		log.Printf("[FLEETD] Restored %d persisted workers", n)
	}

	controller := spawnqueue.NewController(sqStore)
	controller.SoftLimit = cfg.MaxWorkers
	controller.HardLimit = cfg.HardLimit
	controller.MaxDepth = cfg.MaxDepth
	controller.ActiveFunc = func() (int, error) { return reg.CountActive(), nil }

	engine := workflow.NewEngine(wfStore, workflow.Deps{
		Tasks:      taskStore,
		SpawnQueue: controller,
		Mailbox:    mailStore,
		Bus:        bus,
	})

	matcher := trigger.NewMatcher(trStore, engine, bus, bbStore)
	matcher.Start()

	// Approved spawn requests become roster entries; the real process
	// launch is the external spawn mechanism's job, signalled over the
	// event bus (and NATS, when wired).
	spawnFn := func(r *spawnqueue.Request) error {
		mode := registry.SpawnNative
		if cfg.NativeOnly {
			mode = registry.SpawnExternal
		}
		worker := reg.Register(registry.Spec{
			Handle:       identity.Handle(r.TargetAgentType + "-" + r.ID[:8]),
			SwarmID:      identity.SwarmID(r.SwarmID),
			SpawnMode:    mode,
			DepthLevel:   r.DepthLevel,
			ParentHandle: identity.Handle(r.ParentHandle),
		})
		bus.Publish(*eventbus.NewEvent(registry.EventSpawned, "spawn-controller", "all", map[string]interface{}{
			"handle":    string(worker.Handle),
			"requestId": r.ID,
			"task":      r.Task,
		}))
		return nil
	}

	sched := scheduler.New(engine)
	sched.SpawnQueue = controller
	sched.Spawn = spawnFn
	sched.Registry = reg
	sched.Triggers = matcher
	sched.Bus = bus
	sched.TickInterval = cfg.TickInterval()

	// Cross-process wire: an external NATS server if configured, an
	// embedded one otherwise.
	var embedded *natslib.EmbeddedServer
	natsURL := cfg.NATSURL
	if !cfg.DisableNATS && natsURL == "" {
		embedded, err = natslib.NewEmbeddedServer(natslib.EmbeddedServerConfig{Port: cfg.NATSPort})
		if err == nil {
			err = embedded.Start()
		}
		if err != nil {
			log.Printf("[FLEETD] Embedded NATS unavailable, continuing in-process only: %v", err)
			embedded = nil
		} else {
			natsURL = embedded.URL()
			defer embedded.Shutdown()
		}
	}

	var natsConn *natslib.Conn
	if !cfg.DisableNATS && natsURL != "" {
		natsConn, err = natslib.Dial(natsURL)
		if err != nil {
			log.Printf("[FLEETD] NATS connect failed, continuing in-process only: %v", err)
		} else {
			defer natsConn.Close()

			handler := natslib.NewHandler(natsConn, natslib.HandlerCallbacks{
				OnHeartbeat: func(handle, state, task string) error {
					reg.Heartbeat(identity.Handle(handle))
					if state != "" {
						reg.UpdateState(identity.Handle(handle), registry.State(state))
					}
					return nil
				},
				OnExit: func(handle, reason string, exitCode int) error {
					reg.Dismiss(identity.Handle(handle))
					bus.Publish(*eventbus.NewEvent(registry.EventExit, "nats", "all", map[string]interface{}{
						"handle": handle,
						"reason": reason,
					}))
					return nil
				},
			})
			if err := handler.Start(); err != nil {
				log.Printf("[FLEETD] NATS worker handler failed to start: %v", err)
			} else {
				defer handler.Stop()
			}

			relay := eventbus.NewNATSRelay(bus, natsConn, cfg.SwarmChannel, fmt.Sprintf("fleetd-%d", os.Getpid()))
			if err := relay.Start(); err != nil {
				log.Printf("[FLEETD] Event relay failed to start: %v", err)
			}
			log.Printf("[FLEETD] NATS wired at %s (channel %s)", natsURL, cfg.SwarmChannel)
		}
	}

	srv := server.New(cfg, server.Deps{
		Tasks:      taskStore,
		WorkItems:  wiStore,
		Mailbox:    mailStore,
		Blackboard: bbStore,
		SpawnQueue: controller,
		Registry:   reg,
		Workflows:  wfStore,
		Engine:     engine,
		Triggers:   trStore,
		Matcher:    matcher,
		Bus:        bus,
	})

	stop := make(chan struct{})
	go sched.Run(stop)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("[FLEETD] Received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Printf("[FLEETD] Server error: %v", err)
		}
	}

	close(stop)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[FLEETD] Shutdown error: %v", err)
		os.Exit(1)
	}
}
