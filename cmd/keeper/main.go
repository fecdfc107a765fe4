package main

import (
	"PerpKeeper/internal/config"
	"PerpKeeper/internal/coord"
	"PerpKeeper/internal/crank"
	"PerpKeeper/internal/event"
	"PerpKeeper/internal/keeper"
	"PerpKeeper/internal/ledger"
	"PerpKeeper/internal/liquidation"
	"PerpKeeper/internal/observability"
	"PerpKeeper/internal/oracle"
	"PerpKeeper/internal/outbound"
	"PerpKeeper/internal/scanner"
	"PerpKeeper/internal/server"
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: PerpKeeper starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: load config: %v", err)
	}
	level := observability.ParseLogLevel(cfg.LogLevel)

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Ledger ---
	signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.ResolvedKeypairPath())
	if err != nil {
		log.Fatalf("FATAL: load keypair %s: %v", cfg.ResolvedKeypairPath(), err)
	}
	client := ledger.NewRPCClient(cfg.RPCURL, signer)
	codec := ledger.SlabCodec{}
	ix := ledger.Instructions{ProgramID: cfg.ProgramID.PublicKey}
	log.Printf("INFO: keeper identity %s, program %s", client.Identity(), cfg.ProgramID)

	// --- Observability ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)
	healthChecker := observability.NewHealthChecker(keeper.DriverScan, keeper.DriverCrank)

	// --- Event bus ---
	bus := event.NewBus(cfg.EventBuffer,
		event.WithEmitHook(func(env event.Envelope) {
			metrics.EventsEmitted.WithLabelValues(env.EventType).Inc()
		}),
		event.WithDropHook(func(event.Envelope) {
			metrics.EventDrops.Inc()
		}),
	)

	errChan := make(chan error, 10)

	// --- Price sources ---
	sourceLogger := observability.NewLoggerWithLevel("oracle", level)
	var sources []oracle.Source
	for _, name := range cfg.PriceSources {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "binance":
			sources = append(sources, oracle.NewBinanceSource(cfg.BinanceURL, cfg.SourceRatePerSec))
		case "coinbase":
			sources = append(sources, oracle.NewCoinbaseSource(cfg.CoinbaseURL, cfg.SourceRatePerSec))
		case "stream":
			stream := oracle.NewStreamSource(cfg.StreamURL, 2*cfg.PricePushInterval, sourceLogger)
			go func() {
				errChan <- stream.Run(ctx, cfg.Assets())
			}()
			sources = append(sources, stream)
		}
	}

	feed := oracle.NewFeed(sources, client, ix, bus, metrics, oracle.FeedConfig{
		CacheTTL:     cfg.PriceCacheTTL,
		PushInterval: cfg.PricePushInterval,
		HistoryCap:   cfg.PriceHistory,
	}, sourceLogger)

	// --- Cross-instance claims ---
	var claims liquidation.Claimer = coord.Noop{}
	var claimsPing server.Pinger
	if cfg.RedisAddr != "" {
		rc, err := coord.NewRedisClaims(cfg.RedisAddr, cfg.ClaimTTL)
		if err != nil {
			log.Fatalf("FATAL: redis: %v", err)
		}
		defer rc.Close()
		claims = rc
		claimsPing = rc
		log.Println("INFO: Redis connected, liquidation claims enabled")
	}

	// --- Keeper components ---
	sc := scanner.New(client, codec, cfg.MaxStaleness(), metrics, observability.NewLoggerWithLevel("scanner", level))

	execCfg := liquidation.DefaultConfig()
	execCfg.Retry = liquidation.RetryPolicy{MaxRetries: cfg.MaxRetries, Backoff: cfg.RetryBackoff}
	execCfg.SignatureCap = cfg.SignatureCap
	execCfg.SignatureTTL = cfg.SignatureTTL
	execCfg.MaxStaleness = cfg.MaxStaleness()
	executor := liquidation.NewExecutor(client, codec, ix, feed, claims, bus, metrics, execCfg,
		observability.NewLoggerWithLevel("liquidation", level))

	scheduler := crank.NewScheduler(client, codec, ix, feed, cfg.ScanConcurrency, metrics,
		observability.NewLoggerWithLevel("crank", level))

	service := keeper.NewService(cfg.Markets, sc, executor, scheduler, healthChecker, metrics, keeper.Config{
		ScanInterval:    cfg.ScanInterval,
		CrankInterval:   cfg.CrankInterval,
		ScanConcurrency: cfg.ScanConcurrency,
	}, observability.NewLoggerWithLevel("keeper", level))

	// --- Outbound events ---
	outLogger := observability.NewLoggerWithLevel("outbound", level)
	var sink interface{ Run(context.Context) error }
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("perp-keeper"), nats.MaxReconnects(-1))
		if err != nil {
			log.Fatalf("FATAL: nats connect: %v", err)
		}
		defer nc.Drain()

		js, err := jetstream.New(nc)
		if err != nil {
			log.Fatalf("FATAL: jetstream: %v", err)
		}
		if err := outbound.EnsureStream(ctx, js, outLogger); err != nil {
			log.Fatalf("FATAL: ensure outbound stream: %v", err)
		}
		sink = outbound.NewNATSPublisher(js, bus.Events(), outLogger)
		log.Println("INFO: NATS connected")
	} else {
		sink = outbound.NewLogSink(bus.Events(), outLogger)
		log.Println("INFO: PERP_NATS_URL not set, events go to the log")
	}

	// --- Admin surface ---
	admin := server.NewAdminServer(cfg.GRPCAddr, cfg.HTTPAddr, cfg.MetricsAddr, server.Deps{
		Health:   healthChecker,
		Claims:   claimsPing,
		Stats:    service,
		Prices:   feed,
		Gatherer: reg,
	}, observability.NewLoggerWithLevel("server", level))

	// --- Start goroutines ---
	// 1. Outbound sink
	sinkDone := make(chan struct{})
	go func() {
		defer close(sinkDone)
		if err := sink.Run(context.WithoutCancel(ctx)); err != nil {
			errChan <- err
		}
	}()

	// 2. Keeper drivers
	serviceDone := make(chan struct{})
	go func() {
		defer close(serviceDone)
		if err := service.Run(ctx); err != nil {
			errChan <- err
		}
	}()

	// 3. gRPC health
	go func() {
		errChan <- admin.StartGRPC(ctx)
	}()

	// 4. HTTP API
	go func() {
		errChan <- admin.StartHTTP(ctx)
	}()

	// 5. Prometheus metrics
	go func() {
		errChan <- admin.StartMetrics(ctx)
	}()

	log.Printf("INFO: PerpKeeper running (markets=%d, grpc=%s, http=%s, metrics=%s)",
		len(cfg.Markets), cfg.GRPCAddr, cfg.HTTPAddr, cfg.MetricsAddr)

	// --- Wait for shutdown signal ---
	for {
		select {
		case sig := <-sigChan:
			log.Printf("INFO: received signal %s, shutting down...", sig)
		case err := <-errChan:
			if err == nil {
				continue
			}
			log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
		}
		break
	}

	// --- Graceful shutdown ---
	// In-flight submissions finish, then the event queue drains.
	healthChecker.SetDown(true)
	cancel()

	select {
	case <-serviceDone:
	case <-time.After(45 * time.Second):
		log.Println("WARN: keeper cycles did not stop in time")
	}

	bus.Close()
	select {
	case <-sinkDone:
	case <-time.After(10 * time.Second):
		log.Println("WARN: outbound sink did not drain in time")
	}

	log.Println("INFO: PerpKeeper shutdown complete")
}
