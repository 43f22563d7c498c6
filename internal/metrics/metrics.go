package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics of the order pipeline. Each service
// registers the full set and touches the subset it owns; untouched series
// simply stay at zero.
type Metrics struct {
	CommandsTotal  *prometheus.CounterVec // labels: kind
	CommandRejects *prometheus.CounterVec // labels: stage (validation|risk)
	ResponsesTotal *prometheus.CounterVec // labels: outcome (success|failure)

	BracketsActive   prometheus.Gauge
	StateTransitions *prometheus.CounterVec // labels: state
	EventsTotal      *prometheus.CounterVec // labels: type

	OrderUpdatesTotal  prometheus.Counter
	BrokerCalls        *prometheus.CounterVec // labels: kind, result (ok|error)
	BrokerRejects      prometheus.Counter
	BrokerCircuitState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	BrokerCircuitTrips prometheus.Counter

	TicksTotal prometheus.Counter
	EntryHits  prometheus.Counter
	ExitHits   *prometheus.CounterVec // labels: type (target|stoploss)

	FeedReconnects prometheus.Counter
	FeedDrops      prometheus.Counter

	PELMessagesReclaimed prometheus.Counter
	HandlerDur           prometheus.Histogram
	JournalCommitDur     prometheus.Histogram
}

// NewMetrics registers and returns the pipeline metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oms_commands_total",
			Help: "Commands consumed, by kind",
		}, []string{"kind"}),
		CommandRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oms_command_rejects_total",
			Help: "Commands rejected before reaching the state machine, by stage",
		}, []string{"stage"}),
		ResponsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oms_responses_total",
			Help: "Command responses published, by outcome",
		}, []string{"outcome"}),

		BracketsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oms_brackets_active",
			Help: "Brackets currently in a non-terminal state",
		}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oms_bracket_transitions_total",
			Help: "Bracket state transitions, by target state",
		}, []string{"state"}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oms_events_total",
			Help: "Lifecycle events published, by type",
		}, []string{"type"}),

		OrderUpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oms_order_updates_total",
			Help: "Broker order updates consumed",
		}),
		BrokerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oms_broker_calls_total",
			Help: "Broker API calls, by command kind and result",
		}, []string{"kind", "result"}),
		BrokerRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oms_broker_rejects_total",
			Help: "Orders rejected by the broker at placement",
		}),
		BrokerCircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oms_broker_circuit_breaker_state",
			Help: "Broker circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		BrokerCircuitTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oms_broker_circuit_breaker_trips_total",
			Help: "Times the broker circuit breaker tripped open",
		}),

		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oms_ticks_total",
			Help: "Market ticks evaluated against active brackets",
		}),
		EntryHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oms_entry_hits_total",
			Help: "Entry price crossings detected",
		}),
		ExitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oms_exit_hits_total",
			Help: "Exit price crossings detected, by leg",
		}, []string{"type"}),

		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oms_feed_reconnects_total",
			Help: "Order feed websocket reconnection attempts",
		}),
		FeedDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oms_feed_drops_total",
			Help: "Order feed updates dropped because the handoff buffer was full",
		}),

		PELMessagesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oms_pel_messages_reclaimed_total",
			Help: "Messages reclaimed from dead consumers via XCLAIM",
		}),
		HandlerDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "oms_handler_duration_seconds",
			Help:    "Stream message handling latency",
			Buckets: prometheus.DefBuckets,
		}),
		JournalCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "oms_journal_commit_duration_seconds",
			Help:    "Audit journal write latency",
			Buckets: prometheus.DefBuckets,
		}),
	}

	prometheus.MustRegister(
		m.CommandsTotal,
		m.CommandRejects,
		m.ResponsesTotal,
		m.BracketsActive,
		m.StateTransitions,
		m.EventsTotal,
		m.OrderUpdatesTotal,
		m.BrokerCalls,
		m.BrokerRejects,
		m.BrokerCircuitState,
		m.BrokerCircuitTrips,
		m.TicksTotal,
		m.EntryHits,
		m.ExitHits,
		m.FeedReconnects,
		m.FeedDrops,
		m.PELMessagesReclaimed,
		m.HandlerDur,
		m.JournalCommitDur,
	)

	return m
}

// HealthStatus represents one service's health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected  bool      `json:"feed_connected"`
	LastMessage    time.Time `json:"last_message"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`

	// Services without a websocket feed or a journal skip those probes.
	hasFeed   bool
	hasSQLite bool

	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status. hasFeed and hasSQLite
// declare which optional dependencies count toward overall health.
func NewHealthStatus(hasFeed, hasSQLite bool) *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
		hasFeed:   hasFeed,
		hasSQLite: hasSQLite,
		SQLiteOK:  !hasSQLite,
	}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastMessage(t time.Time) {
	h.mu.Lock()
	h.LastMessage = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	feedOK := !h.hasFeed || h.FeedConnected
	sqliteOK := !h.hasSQLite || h.SQLiteOK
	if !feedOK || !h.RedisConnected || !sqliteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.RedisConnected {
		// Nothing works without the streams.
		overallStatus = "unhealthy"
	}

	msgAge := ""
	if !h.LastMessage.IsZero() {
		msgAge = time.Since(h.LastMessage).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		FeedConnected   bool    `json:"feed_connected"`
		LastMessage     string  `json:"last_message"`
		MessageAge      string  `json:"message_age"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		FeedConnected:   h.FeedConnected,
		LastMessage:     h.LastMessage.Format(time.RFC3339),
		MessageAge:      msgAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
