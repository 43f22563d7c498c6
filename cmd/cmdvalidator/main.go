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
	"oms-systemv1/internal/validator"

	redisstore "oms-systemv1/internal/store/redis"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	logger.Init("cmdvalidator", slog.LevelInfo)
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
		log.Println("[cmdvalidator] shutdown signal received")
		cancel()
	}()

	streams, err := redisstore.NewStreams(redisstore.StreamsConfig{
		Addr:          cfg.RedisAddr,
		Password:      cfg.RedisPassword,
		ConsumerGroup: cfg.ConsumerGroup + ":validator",
		ConsumerName:  cfg.ConsumerName,
	})
	if err != nil {
		log.Fatalf("[cmdvalidator] redis init failed: %v", err)
	}
	defer streams.Close()
	health.SetRedisConnected(true)
	health.StartLivenessChecker(ctx, streams.Client(), nil, 15*time.Second)

	if err := streams.EnsureConsumerGroup(ctx, []string{cfg.CommandStream}); err != nil {
		log.Fatalf("[cmdvalidator] consumer group setup failed: %v", err)
	}

	v := validator.New(streams, cfg.RiskStream, cfg.ResponseStream)
	v.OnForwarded = func() {
		prom.CommandsTotal.WithLabelValues("forwarded").Inc()
	}
	v.OnRejected = func() {
		prom.CommandRejects.WithLabelValues("validation").Inc()
	}

	handle := func(hctx context.Context, data []byte) error {
		start := time.Now()
		err := v.HandleRaw(hctx, data)
		prom.HandlerDur.Observe(time.Since(start).Seconds())
		health.SetLastMessage(time.Now())
		return err
	}

	if err := streams.RecoverPending(ctx, cfg.CommandStream, handle); err != nil {
		log.Printf("[cmdvalidator] pending recovery: %v", err)
	}
	streams.StartPELReclaimer(ctx, cfg.CommandStream, time.Minute, 5*time.Minute, handle, func(count int) {
		prom.PELMessagesReclaimed.Add(float64(count))
	})

	log.Printf("[cmdvalidator] consuming %s as %s/%s", cfg.CommandStream, cfg.ConsumerGroup, cfg.ConsumerName)
	if err := streams.Consume(ctx, cfg.CommandStream, 64, handle); err != nil && ctx.Err() == nil {
		log.Fatalf("[cmdvalidator] consumer failed: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)
	slog.Info("stopped")
}
