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
	"oms-systemv1/internal/broker"
	"oms-systemv1/internal/logger"
	"oms-systemv1/internal/metrics"
	"oms-systemv1/internal/model"
	"oms-systemv1/internal/notification"
	"oms-systemv1/pkg/angelone"

	redisstore "oms-systemv1/internal/store/redis"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	logger.Init("brokergw", slog.LevelInfo)
	slog.Info("starting")

	cfg := config.Load()
	if cfg.PaperTrading {
		log.Fatal("[brokergw] refusing to start in paper trading mode; the State Manager simulates fills")
	}

	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus(true, false)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("[brokergw] shutdown signal received")
		cancel()
	}()

	streams, err := redisstore.NewStreams(redisstore.StreamsConfig{
		Addr:          cfg.RedisAddr,
		Password:      cfg.RedisPassword,
		ConsumerGroup: cfg.ConsumerGroup + ":broker",
		ConsumerName:  cfg.ConsumerName,
	})
	if err != nil {
		log.Fatalf("[brokergw] redis init failed: %v", err)
	}
	defer streams.Close()
	health.SetRedisConnected(true)
	health.StartLivenessChecker(ctx, streams.Client(), nil, 15*time.Second)

	if err := streams.EnsureConsumerGroup(ctx, []string{cfg.BrokerStream}); err != nil {
		log.Fatalf("[brokergw] consumer group setup failed: %v", err)
	}

	client := angelone.NewClient(angelone.Config{
		APIKey:     cfg.AngelAPIKey,
		ClientCode: cfg.AngelClientCode,
		PIN:        cfg.AngelPIN,
		TOTPSecret: cfg.AngelTOTPSecret,
	})
	if err := client.Login(ctx); err != nil {
		log.Fatalf("[brokergw] broker login failed: %v", err)
	}
	defer client.Logout(context.Background())

	cb := broker.NewCircuitBreaker(5, 10*time.Second)
	notify := buildNotifier(cfg)
	cb.OnStateChange = func(from, to broker.BreakerState) {
		log.Printf("[brokergw] circuit breaker %s -> %s", from, to)
		prom.BrokerCircuitState.Set(float64(to))
		if to == broker.BreakerOpen {
			prom.BrokerCircuitTrips.Inc()
			notify.Send(ctx, notification.Alert{
				Level:   notification.AlertCritical,
				Title:   "Broker circuit open",
				Message: "broker API calls suspended, commands will be redelivered",
			})
		}
	}

	store := redisstore.NewStore(streams.Client())
	gw := broker.NewGateway(client, store, streams, cb, cfg.UpdateStream)
	gw.OnCall = func(kind model.BrokerCommandKind, err error) {
		result := "ok"
		if err != nil {
			result = "error"
		}
		prom.BrokerCalls.WithLabelValues(string(kind), result).Inc()
	}
	gw.OnReject = func() {
		prom.BrokerRejects.Inc()
	}

	// Order status feed: broker-side fills and rejections come in on the
	// websocket and go out as order updates for the State Manager.
	feed := angelone.NewOrderFeed(client, "", 1024)
	feed.OnDrop = func() {
		prom.FeedDrops.Inc()
	}
	feed.OnReconnect = func(attempt int) {
		health.SetFeedConnected(false)
		prom.FeedReconnects.Inc()
	}
	go feed.Run(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case upd := <-feed.Updates:
				health.SetFeedConnected(true)
				health.SetLastMessage(time.Now())
				if err := gw.PublishUpdate(ctx, upd); err != nil {
					log.Printf("[brokergw] publish update for %s failed: %v", upd.BrokerOrderID, err)
				}
			}
		}
	}()

	handle := func(hctx context.Context, data []byte) error {
		start := time.Now()
		err := gw.HandleCommandRaw(hctx, data)
		prom.HandlerDur.Observe(time.Since(start).Seconds())
		health.SetLastMessage(time.Now())
		return err
	}

	if err := streams.RecoverPending(ctx, cfg.BrokerStream, handle); err != nil {
		log.Printf("[brokergw] pending recovery: %v", err)
	}
	streams.StartPELReclaimer(ctx, cfg.BrokerStream, time.Minute, 5*time.Minute, handle, func(count int) {
		prom.PELMessagesReclaimed.Add(float64(count))
	})

	log.Printf("[brokergw] consuming %s as %s/%s", cfg.BrokerStream, cfg.ConsumerGroup, cfg.ConsumerName)
	if err := streams.Consume(ctx, cfg.BrokerStream, 32, handle); err != nil && ctx.Err() == nil {
		log.Fatalf("[brokergw] consumer failed: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)
	slog.Info("stopped")
}

// buildNotifier assembles the configured alert backends. With nothing
// configured alerts go to the process log only.
func buildNotifier(cfg *config.Config) *notification.Dispatcher {
	var backends []notification.Notifier
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		backends = append(backends, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
		log.Println("[brokergw] telegram alerts enabled")
	}
	if cfg.AlertWebhookURL != "" {
		backends = append(backends, notification.NewWebhookNotifier(cfg.AlertWebhookURL))
		log.Println("[brokergw] webhook alerts enabled")
	}
	return notification.NewDispatcher(backends...)
}
