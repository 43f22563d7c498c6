package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"oms-systemv1/config"
	"oms-systemv1/internal/execengine"
	"oms-systemv1/internal/logger"
	"oms-systemv1/internal/metrics"
	"oms-systemv1/internal/model"

	redisstore "oms-systemv1/internal/store/redis"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	logger.Init("execengine", slog.LevelInfo)
	slog.Info("starting")

	cfg := config.Load()

	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus(false, false)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("[execengine] shutdown signal received")
		cancel()
	}()

	streams, err := redisstore.NewStreams(redisstore.StreamsConfig{
		Addr:          cfg.RedisAddr,
		Password:      cfg.RedisPassword,
		ConsumerGroup: cfg.ConsumerGroup + ":exec",
		ConsumerName:  cfg.ConsumerName,
	})
	if err != nil {
		log.Fatalf("[execengine] redis init failed: %v", err)
	}
	defer streams.Close()
	health.SetRedisConnected(true)
	health.StartLivenessChecker(ctx, streams.Client(), nil, 15*time.Second)

	if err := streams.EnsureConsumerGroup(ctx, []string{cfg.TickStream}); err != nil {
		log.Fatalf("[execengine] consumer group setup failed: %v", err)
	}

	store := redisstore.NewStore(streams.Client())
	eng := execengine.New(store, streams, cfg.StateStream, cfg.PaperTrading)
	eng.OnTick = func() {
		prom.TicksTotal.Inc()
	}
	eng.OnEntryHit = func() {
		prom.EntryHits.Inc()
	}
	eng.OnExitHit = func(kind model.ExitKind) {
		prom.ExitHits.WithLabelValues(string(kind)).Inc()
	}

	handle := func(hctx context.Context, data []byte) error {
		start := time.Now()
		err := eng.HandleTickRaw(hctx, data)
		prom.HandlerDur.Observe(time.Since(start).Seconds())
		health.SetLastMessage(time.Now())
		return err
	}

	// Ticks are high volume and time-sensitive; stale pending entries
	// are still drained first so trigger evaluation never skips a print
	// after a crash.
	if err := streams.RecoverPending(ctx, cfg.TickStream, handle); err != nil {
		log.Printf("[execengine] pending recovery: %v", err)
	}
	streams.StartPELReclaimer(ctx, cfg.TickStream, time.Minute, 5*time.Minute, handle, func(count int) {
		prom.PELMessagesReclaimed.Add(float64(count))
	})

	log.Printf("[execengine] consuming %s as %s/%s", cfg.TickStream, cfg.ConsumerGroup, cfg.ConsumerName)
	if err := streams.Consume(ctx, cfg.TickStream, 256, handle); err != nil && ctx.Err() == nil {
		log.Fatalf("[execengine] consumer failed: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)
	slog.Info("stopped")
}
