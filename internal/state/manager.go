// Package state implements the bracket state machine. The Manager is the
// sole writer of bracket/order state: approved commands and broker order
// updates both arrive as messages on its input streams and are applied one
// at a time, which removes any race between the Execution Engine's triggers
// and the Broker Gateway's fill notifications.
//
// Every handler re-reads the persisted bracket before acting and no-ops
// (logged, not erroring) when the bracket is not in the state the handler
// expects, so duplicate or out-of-order delivery is safe without a
// deduplication table.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"oms-systemv1/internal/model"

	"github.com/google/uuid"
)

// Config wires the Manager's output streams and trading mode.
type Config struct {
	BrokerStream   string // broker placement/cancel/modify commands
	EventStream    string // lifecycle events for external observers
	ResponseStream string // command responses for the client gateway

	// PaperTrading simulates fills from live ticks instead of routing
	// orders to the real broker.
	PaperTrading bool
}

// Manager applies commands and broker updates to bracket state. It is the
// single writer of brackets and orders: the mutex serializes the command
// and update consumer loops so a trigger command and a broker fill for the
// same bracket can never interleave.
type Manager struct {
	mu      sync.Mutex
	store   model.BracketStore
	pub     model.StreamPublisher
	journal model.AuditJournal // optional; nil disables the audit journal
	cfg     Config

	// Injected for determinism in tests.
	now   func() time.Time
	newID func() string

	// Optional hooks for metrics and alerting.
	OnCommand       func()
	OnUpdate        func()
	OnEvent         func(typ model.EventType, bracketID string)
	OnActiveDelta   func(delta int)
	OnResponse      func(success bool)
	OnTransition    func(to model.BracketState)
	OnJournalCommit func(d time.Duration)
}

// New creates a Manager. journal may be nil.
func New(store model.BracketStore, pub model.StreamPublisher, journal model.AuditJournal, cfg Config) *Manager {
	return &Manager{
		store:   store,
		pub:     pub,
		journal: journal,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// HandleCommandRaw processes one payload from the state commands stream.
// A non-nil return leaves the message pending for redelivery; the guard
// discipline makes reprocessing safe.
func (m *Manager) HandleCommandRaw(ctx context.Context, data []byte) error {
	var cmd model.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		log.Printf("[state] dropping unparseable command: %v", err)
		return nil
	}

	if m.OnCommand != nil {
		m.OnCommand()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch cmd.Kind {
	case model.CmdPlaceBracket:
		return m.createBracket(ctx, &cmd)
	case model.CmdCancelBracket:
		return m.cancelBracket(ctx, cmd.RequestID, cmd.BracketID)
	case model.CmdModifySLTP:
		return m.modifySLTP(ctx, &cmd)
	case model.CmdForceExit:
		return m.forceExit(ctx, &cmd)
	case model.CmdEntryHit:
		return m.handleEntryHit(ctx, &cmd)
	case model.CmdExitHit:
		return m.executeExit(ctx, cmd.BracketID, cmd.ExitType, cmd.FilledPrice, cmd.FilledQty)
	default:
		log.Printf("[state] unknown command kind %q, dropping", cmd.Kind)
		return nil
	}
}

// HandleUpdateRaw processes one payload from the order updates stream.
func (m *Manager) HandleUpdateRaw(ctx context.Context, data []byte) error {
	var upd model.OrderUpdate
	if err := json.Unmarshal(data, &upd); err != nil {
		log.Printf("[state] dropping unparseable order update: %v", err)
		return nil
	}

	if m.OnUpdate != nil {
		m.OnUpdate()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handleOrderUpdate(ctx, &upd)
}

// publishEvent appends a lifecycle event and mirrors it into the audit
// journal. Events are fire-and-forget: a publish failure is logged but
// never fails the handler, because bracket/order records are the source
// of truth.
func (m *Manager) publishEvent(ctx context.Context, typ model.EventType, bracketID, orderID string, details map[string]any) {
	ev := &model.Event{
		EventType: typ,
		BracketID: bracketID,
		OrderID:   orderID,
		Timestamp: m.now(),
		Details:   details,
	}
	if err := m.pub.PublishEvent(ctx, m.cfg.EventStream, ev); err != nil {
		log.Printf("[state] failed to publish %s event for %s: %v", typ, bracketID, err)
	}
	if m.journal != nil {
		if err := m.journal.RecordEvent(ev); err != nil {
			log.Printf("[state] failed to journal %s event for %s: %v", typ, bracketID, err)
		}
	}
	if m.OnEvent != nil {
		m.OnEvent(typ, bracketID)
	}
}

// respond sends a command response. Commands without a request id (the
// Execution Engine's hits) get no response.
func (m *Manager) respond(ctx context.Context, requestID string, success bool, message string, data map[string]any) {
	if requestID == "" {
		return
	}
	if m.OnResponse != nil {
		m.OnResponse(success)
	}
	err := m.pub.PublishResponse(ctx, m.cfg.ResponseStream, &model.CommandResponse{
		RequestID: requestID,
		Success:   success,
		Message:   message,
		Data:      data,
		Timestamp: m.now(),
	})
	if err != nil {
		log.Printf("[state] failed to send response for %s: %v", requestID, err)
	}
}

// sendBroker emits a broker command unless paper trading is on.
func (m *Manager) sendBroker(ctx context.Context, cmd *model.BrokerCommand) {
	if m.cfg.PaperTrading {
		return
	}
	if err := m.pub.PublishBrokerCommand(ctx, m.cfg.BrokerStream, cmd); err != nil {
		log.Printf("[state] failed to publish broker command %s for order %s: %v", cmd.Kind, cmd.OrderID, err)
	}
}

// journalBracket snapshots a bracket and its orders into the audit journal.
func (m *Manager) journalBracket(ctx context.Context, b *model.Bracket) {
	if m.journal == nil {
		return
	}
	if m.OnJournalCommit != nil {
		start := time.Now()
		defer func() { m.OnJournalCommit(time.Since(start)) }()
	}
	if err := m.journal.RecordBracket(b); err != nil {
		log.Printf("[state] failed to journal bracket %s: %v", b.BracketID, err)
		return
	}
	for _, id := range []string{b.EntryOrderID, b.TargetOrderID, b.StoplossOrderID} {
		o, err := m.store.GetOrder(ctx, id)
		if err != nil || o == nil {
			continue
		}
		if err := m.journal.RecordOrder(o); err != nil {
			log.Printf("[state] failed to journal order %s: %v", id, err)
		}
	}
}

// deactivate removes the bracket from all active index sets.
func (m *Manager) deactivate(ctx context.Context, b *model.Bracket) error {
	if err := m.store.RemoveActive(ctx, b); err != nil {
		return fmt.Errorf("remove active %s: %w", b.BracketID, err)
	}
	if m.OnActiveDelta != nil {
		m.OnActiveDelta(-1)
	}
	return nil
}

func (m *Manager) logStateChange(bracketID string, from, to model.BracketState) {
	log.Printf("[state] bracket %s: %s -> %s", bracketID, from, to)
	if m.OnTransition != nil {
		m.OnTransition(to)
	}
}
