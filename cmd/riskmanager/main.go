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
	"oms-systemv1/internal/logger"
	"oms-systemv1/internal/metrics"
	"oms-systemv1/internal/risk"

	redisstore "oms-systemv1/internal/store/redis"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	logger.Init("riskmanager", slog.LevelInfo)
	slog.Info("starting")

	cfg := config.Load()
	log.Printf("[riskmanager] max notional per bracket: %.2f", cfg.MaxNotional)

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
		log.Println("[riskmanager] shutdown signal received")
		cancel()
	}()

	streams, err := redisstore.NewStreams(redisstore.StreamsConfig{
		Addr:          cfg.RedisAddr,
		Password:      cfg.RedisPassword,
		ConsumerGroup: cfg.ConsumerGroup + ":risk",
		ConsumerName:  cfg.ConsumerName,
	})
	if err != nil {
		log.Fatalf("[riskmanager] redis init failed: %v", err)
	}
	defer streams.Close()
	health.SetRedisConnected(true)
	health.StartLivenessChecker(ctx, streams.Client(), nil, 15*time.Second)

	if err := streams.EnsureConsumerGroup(ctx, []string{cfg.RiskStream}); err != nil {
		log.Fatalf("[riskmanager] consumer group setup failed: %v", err)
	}

	rm := risk.New(streams, cfg.StateStream, cfg.ResponseStream, cfg.MaxNotional)
	rm.EnforceMarketHours = cfg.EnforceMarketHours
	rm.OnApproved = func() {
		prom.CommandsTotal.WithLabelValues("approved").Inc()
	}
	rm.OnRejected = func() {
		prom.CommandRejects.WithLabelValues("risk").Inc()
	}

	handle := func(hctx context.Context, data []byte) error {
		start := time.Now()
		err := rm.HandleRaw(hctx, data)
		prom.HandlerDur.Observe(time.Since(start).Seconds())
		health.SetLastMessage(time.Now())
		return err
	}

	if err := streams.RecoverPending(ctx, cfg.RiskStream, handle); err != nil {
		log.Printf("[riskmanager] pending recovery: %v", err)
	}
	streams.StartPELReclaimer(ctx, cfg.RiskStream, time.Minute, 5*time.Minute, handle, func(count int) {
		prom.PELMessagesReclaimed.Add(float64(count))
	})

	log.Printf("[riskmanager] consuming %s as %s/%s", cfg.RiskStream, cfg.ConsumerGroup, cfg.ConsumerName)
	if err := streams.Consume(ctx, cfg.RiskStream, 64, handle); err != nil && ctx.Err() == nil {
		log.Fatalf("[riskmanager] consumer failed: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)
	slog.Info("stopped")
}
