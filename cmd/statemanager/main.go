package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"oms-systemv1/config"
	"oms-systemv1/internal/logger"
	"oms-systemv1/internal/metrics"
	"oms-systemv1/internal/model"
	"oms-systemv1/internal/notification"
	"oms-systemv1/internal/state"

	redisstore "oms-systemv1/internal/store/redis"
	sqlitestore "oms-systemv1/internal/store/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	logger.Init("statemanager", slog.LevelInfo)
	slog.Info("starting")

	cfg := config.Load()
	if cfg.PaperTrading {
		log.Println("[statemanager] paper trading: broker commands suppressed")
	}

	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus(false, true)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("[statemanager] shutdown signal received")
		cancel()
	}()

	streams, err := redisstore.NewStreams(redisstore.StreamsConfig{
		Addr:          cfg.RedisAddr,
		Password:      cfg.RedisPassword,
		ConsumerGroup: cfg.ConsumerGroup + ":state",
		ConsumerName:  cfg.ConsumerName,
	})
	if err != nil {
		log.Fatalf("[statemanager] redis init failed: %v", err)
	}
	defer streams.Close()
	health.SetRedisConnected(true)

	os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755)
	journal, err := sqlitestore.NewJournal(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[statemanager] journal init failed: %v", err)
	}
	defer journal.Close()
	log.Println("[statemanager] audit journal ready")
	health.StartLivenessChecker(ctx, streams.Client(), journal.DB(), 15*time.Second)

	if err := streams.EnsureConsumerGroup(ctx, []string{cfg.StateStream, cfg.UpdateStream}); err != nil {
		log.Fatalf("[statemanager] consumer group setup failed: %v", err)
	}

	store := redisstore.NewStore(streams.Client())
	mgr := state.New(store, streams, journal, state.Config{
		BrokerStream:   cfg.BrokerStream,
		EventStream:    cfg.EventStream,
		ResponseStream: cfg.ResponseStream,
		PaperTrading:   cfg.PaperTrading,
	})
	mgr.OnCommand = func() {
		prom.CommandsTotal.WithLabelValues("state").Inc()
	}
	mgr.OnUpdate = func() {
		prom.OrderUpdatesTotal.Inc()
	}
	notify := buildNotifier(cfg)
	mgr.OnEvent = func(typ model.EventType, bracketID string) {
		prom.EventsTotal.WithLabelValues(string(typ)).Inc()
		switch typ {
		case model.EventBracketRejected:
			notify.Send(ctx, notification.Alert{
				Level:     notification.AlertCritical,
				Title:     "Bracket rejected by broker",
				Message:   "entry order rejected, bracket closed",
				BracketID: bracketID,
			})
		case model.EventOrderRejected:
			notify.Send(ctx, notification.Alert{
				Level:     notification.AlertWarning,
				Title:     "Exit order rejected",
				Message:   "exit leg rejected, bracket state unchanged",
				BracketID: bracketID,
			})
		}
	}
	mgr.OnActiveDelta = func(delta int) {
		prom.BracketsActive.Add(float64(delta))
	}
	mgr.OnResponse = func(success bool) {
		outcome := "success"
		if !success {
			outcome = "failure"
		}
		prom.ResponsesTotal.WithLabelValues(outcome).Inc()
	}
	mgr.OnTransition = func(to model.BracketState) {
		prom.StateTransitions.WithLabelValues(string(to)).Inc()
	}
	mgr.OnJournalCommit = func(d time.Duration) {
		prom.JournalCommitDur.Observe(d.Seconds())
	}

	handleCommand := func(hctx context.Context, data []byte) error {
		start := time.Now()
		err := mgr.HandleCommandRaw(hctx, data)
		prom.HandlerDur.Observe(time.Since(start).Seconds())
		health.SetLastMessage(time.Now())
		return err
	}
	handleUpdate := func(hctx context.Context, data []byte) error {
		start := time.Now()
		err := mgr.HandleUpdateRaw(hctx, data)
		prom.HandlerDur.Observe(time.Since(start).Seconds())
		health.SetLastMessage(time.Now())
		return err
	}

	if err := streams.RecoverPending(ctx, cfg.StateStream, handleCommand); err != nil {
		log.Printf("[statemanager] pending recovery (%s): %v", cfg.StateStream, err)
	}
	if err := streams.RecoverPending(ctx, cfg.UpdateStream, handleUpdate); err != nil {
		log.Printf("[statemanager] pending recovery (%s): %v", cfg.UpdateStream, err)
	}
	onReclaim := func(count int) {
		prom.PELMessagesReclaimed.Add(float64(count))
	}
	streams.StartPELReclaimer(ctx, cfg.StateStream, time.Minute, 5*time.Minute, handleCommand, onReclaim)
	streams.StartPELReclaimer(ctx, cfg.UpdateStream, time.Minute, 5*time.Minute, handleUpdate, onReclaim)

	// Order updates consume on a separate goroutine; both loops funnel
	// into the same single-writer Manager, which serializes per message.
	errCh := make(chan error, 2)
	go func() {
		errCh <- streams.Consume(ctx, cfg.StateStream, 64, handleCommand)
	}()
	go func() {
		errCh <- streams.Consume(ctx, cfg.UpdateStream, 64, handleUpdate)
	}()

	log.Printf("[statemanager] consuming %s and %s as %s/%s",
		cfg.StateStream, cfg.UpdateStream, cfg.ConsumerGroup, cfg.ConsumerName)
	if err := <-errCh; err != nil && ctx.Err() == nil {
		log.Fatalf("[statemanager] consumer failed: %v", err)
	}
	cancel()
	<-errCh

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
		log.Println("[statemanager] telegram alerts enabled")
	}
	if cfg.AlertWebhookURL != "" {
		backends = append(backends, notification.NewWebhookNotifier(cfg.AlertWebhookURL))
		log.Println("[statemanager] webhook alerts enabled")
	}
	return notification.NewDispatcher(backends...)
}
