package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/playmill/playmill/internal/api"
	"github.com/playmill/playmill/internal/config"
	"github.com/playmill/playmill/internal/events"
	"github.com/playmill/playmill/internal/mqtt"
	"github.com/playmill/playmill/internal/play"
	"github.com/playmill/playmill/internal/schedule"
	"github.com/playmill/playmill/internal/storage/memory"
	"github.com/playmill/playmill/internal/storage/postgres"
	"github.com/playmill/playmill/internal/version"
)

// engineStore is the full persistence surface the engine wires together.
// Both the Postgres store and the in-memory dev store satisfy it.
type engineStore interface {
	play.SessionStore
	play.MoveStore
	play.ContentStore
	api.SessionReader
	api.MoveReader
}

func main() {
	configPath := flag.String("config", "engine.yaml", "path to engine.yaml")
	dev := flag.Bool("dev", false, "run with the in-memory store")
	flag.Parse()

	log := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", "playmill").
		Str("version", version.Version).
		Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store  engineStore
		pgPing func() error
	)
	if *dev || cfg.Dev {
		log.Info().Msg("using in-memory store")
		store = memory.New()
	} else {
		pg, err := postgres.New()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		defer pg.Close()
		store = pg
		pgPing = pg.Ping
	}

	broadcaster := events.NewBroadcaster(log)

	var bridge *mqtt.Client
	if cfg.MQTT.Enabled {
		bridge = mqtt.NewClient(cfg.MQTTURL(), cfg.ServiceID(), log)
		bridge.StartWithRetry(cfg.MQTTURL())
		broadcaster.SetBridge(bridge)
		defer bridge.Disconnect()
	}

	orch := play.NewOrchestrator(store, store, store, broadcaster, log)
	sched := schedule.New(store, orch, log)
	orch.SetScheduler(sched)

	if err := api.InitAuth(); err != nil {
		log.Fatal().Err(err).Msg("failed to load operator credentials")
	}

	server := api.NewServer(orch, store, store, broadcaster, log)
	mqttUp := func() bool { return bridge != nil && bridge.IsConnected() }
	server.SetProbes(pgPing, mqttUp, sched.Pending)

	// Reconcile in-flight deadlines from persisted state before serving
	// commands. Past-due moves advance immediately through the same
	// staleness-checked path a live firing takes.
	restored, err := sched.Recover(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("deadline recovery failed")
	}
	log.Info().Int("moves", restored).Msg("deadline recovery complete")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(ctx, cfg.APIPort(), cfg.ShutdownGrace())
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("engine exited with error")
		broadcaster.Close()
		os.Exit(1)
	}

	broadcaster.Close()
	log.Info().Msg("engine shut down")
}
