package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"mimir/internal/config"
	"mimir/internal/engine"
	"mimir/internal/journal"
	"mimir/internal/ledger"
	"mimir/internal/metrics"
	"mimir/internal/net"
	"mimir/internal/notify"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the server config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("loading config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", cfg.LogLevel).Msg("parsing log level")
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	jnl, err := journal.Open(cfg.JournalDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.JournalDir).Msg("opening journal")
	}
	defer func() {
		if err := jnl.Close(); err != nil {
			log.Error().Err(err).Msg("closing journal")
		}
	}()

	// Build the exchange and register the configured pairs before replay.
	exchange := engine.New(ledger.NewMemory(), jnl, notify.NewAudit())
	registerPairs(exchange, cfg)
	if err := exchange.Restore(); err != nil {
		log.Fatal().Err(err).Msg("restoring order books")
	}

	metrics.StartServer(cfg.MetricsAddress)

	// New pairs added to the config file get registered live.
	go func() {
		err := config.Watch(ctx, *configPath, func(newCfg config.Config) {
			registerPairs(exchange, newCfg)
		})
		if err != nil {
			log.Error().Err(err).Msg("config watcher stopped")
		}
	}()

	// Setup the TCP intake server over the exchange.
	srv := net.New(cfg.ListenAddress, cfg.ListenPort, exchange)
	go srv.Run(ctx)

	// Block on running the server.
	<-ctx.Done()
}

func registerPairs(exchange *engine.Exchange, cfg config.Config) {
	for _, pc := range cfg.Pairs {
		pair, err := pc.Pair()
		if err != nil {
			log.Error().Err(err).Str("pair", pc.Symbol).Msg("skipping pair")
			continue
		}
		if err := exchange.RegisterPair(pair); err != nil {
			log.Error().Err(err).Str("pair", pc.Symbol).Msg("registering pair")
		}
	}
}
