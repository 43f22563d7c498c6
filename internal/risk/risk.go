// Package risk is the business-rule gate of the OMS pipeline. It approves
// or rejects validated commands before they may mutate state. It is a pure
// function of the single proposed trade; no running position book is kept.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"oms-systemv1/internal/markethours"
	"oms-systemv1/internal/model"
)

// Manager consumes validated commands and forwards the approved ones to the
// state commands stream.
type Manager struct {
	pub            model.StreamPublisher
	stateStream    string
	responseStream string
	maxNotional    float64

	// EnforceMarketHours refuses new brackets outside the NSE session.
	// Off by default so paper trading can run around the clock.
	EnforceMarketHours bool

	// Optional hooks for metrics.
	OnApproved func()
	OnRejected func()

	now func() time.Time
}

// New creates a risk Manager with the configured notional ceiling.
func New(pub model.StreamPublisher, stateStream, responseStream string, maxNotional float64) *Manager {
	return &Manager{
		pub:            pub,
		stateStream:    stateStream,
		responseStream: responseStream,
		maxNotional:    maxNotional,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// HandleRaw processes one validated command payload. Infrastructure errors
// are returned so the message stays pending; risk rejections are terminal.
func (m *Manager) HandleRaw(ctx context.Context, data []byte) error {
	var cmd model.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		log.Printf("[risk] dropping unparseable command: %v", err)
		return nil
	}

	if reason := m.Check(&cmd); reason != "" {
		if m.OnRejected != nil {
			m.OnRejected()
		}
		log.Printf("[risk] rejected %s (request=%s): %s", cmd.Kind, cmd.RequestID, reason)
		return m.pub.PublishResponse(ctx, m.responseStream, &model.CommandResponse{
			RequestID: cmd.RequestID,
			Success:   false,
			Message:   reason,
			Timestamp: time.Now().UTC(),
		})
	}

	if err := m.pub.PublishCommand(ctx, m.stateStream, &cmd); err != nil {
		return fmt.Errorf("forward to state: %w", err)
	}
	if m.OnApproved != nil {
		m.OnApproved()
	}
	return nil
}

// Check applies risk rules to a command. Only PLACE_BRACKET is examined;
// other kinds are state-dependent and left to the State Manager's guards.
// Returns "" when approved, otherwise the rejection reason.
func (m *Manager) Check(cmd *model.Command) string {
	if cmd.Kind != model.CmdPlaceBracket {
		return ""
	}

	if m.EnforceMarketHours && !markethours.IsMarketOpen(m.now()) {
		return "Market closed: " + markethours.StatusString(m.now())
	}

	if cmd.Qty <= 0 || cmd.EntryPrice <= 0 || cmd.TargetPrice <= 0 || cmd.StoplossPrice <= 0 {
		return "Prices and qty must be > 0"
	}

	switch cmd.Side {
	case model.SideBuy:
		if !(cmd.TargetPrice > cmd.EntryPrice && cmd.EntryPrice > cmd.StoplossPrice) {
			return "Price order invalid for BUY"
		}
	case model.SideSell:
		if !(cmd.TargetPrice < cmd.EntryPrice && cmd.EntryPrice < cmd.StoplossPrice) {
			return "Price order invalid for SELL"
		}
	default:
		return "Invalid side"
	}

	notional := float64(cmd.Qty) * cmd.EntryPrice
	if notional > m.maxNotional {
		return fmt.Sprintf("Notional limit exceeded: %.2f > %.2f", notional, m.maxNotional)
	}

	return ""
}
