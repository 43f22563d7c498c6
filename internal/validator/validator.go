// Package validator is the structural gate of the OMS pipeline. It checks
// that a raw client command is well-formed (required fields, known enums,
// positive quantities) and forwards it untouched to the risk stream. Price
// ordering is deliberately not checked here; that is the Risk Manager's job.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"time"

	"oms-systemv1/internal/logger"
	"oms-systemv1/internal/model"

	"github.com/google/uuid"
)

// Validator consumes raw commands and forwards the structurally valid ones.
// Stateless; a malformed command is permanently rejected with a response and
// never retried.
type Validator struct {
	pub            model.StreamPublisher
	riskStream     string
	responseStream string

	// Optional hooks for metrics.
	OnForwarded func()
	OnRejected  func()
}

// New creates a Validator publishing to the given streams.
func New(pub model.StreamPublisher, riskStream, responseStream string) *Validator {
	return &Validator{
		pub:            pub,
		riskStream:     riskStream,
		responseStream: responseStream,
	}
}

// HandleRaw processes one raw command payload from the api commands stream.
// Returns an error only for infrastructure failures (so the message stays
// pending); validation failures are terminal and answered with a response.
func (v *Validator) HandleRaw(ctx context.Context, data []byte) error {
	var cmd model.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		// Unparseable payloads cannot be answered or retried.
		log.Printf("[validator] dropping unparseable command: %v", err)
		return nil
	}

	// Every command gets a request id so rejections are correlatable even
	// when the caller forgot to set one. The trace id derived from it
	// rides the context through the publish path.
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(cmd.RequestID, time.Now()))

	if reason := Validate(&cmd); reason != "" {
		if v.OnRejected != nil {
			v.OnRejected()
		}
		args := []any{"kind", string(cmd.Kind), "request_id", cmd.RequestID, "reason", reason}
		slog.Warn("command rejected", append(args, logger.LogWithTrace(ctx)...)...)
		return v.pub.PublishResponse(ctx, v.responseStream, &model.CommandResponse{
			RequestID: cmd.RequestID,
			Success:   false,
			Message:   reason,
			Timestamp: time.Now().UTC(),
		})
	}

	if err := v.pub.PublishCommand(ctx, v.riskStream, &cmd); err != nil {
		return fmt.Errorf("forward to risk: %w", err)
	}
	if v.OnForwarded != nil {
		v.OnForwarded()
	}
	args := []any{"kind", string(cmd.Kind), "request_id", cmd.RequestID}
	slog.Info("command forwarded", append(args, logger.LogWithTrace(ctx)...)...)
	return nil
}

// Validate applies structural checks to a command. Returns "" when valid,
// otherwise the rejection reason.
func Validate(cmd *model.Command) string {
	if cmd.Kind == "" {
		return "Missing command"
	}
	if !cmd.Kind.Valid() {
		return fmt.Sprintf("Unknown command: %s", cmd.Kind)
	}

	switch cmd.Kind {
	case model.CmdPlaceBracket:
		if cmd.StrategyID == "" {
			return "Missing field: strategy_id"
		}
		if cmd.InstrumentID == "" {
			return "Missing field: instrument_id"
		}
		if _, err := model.ParseSide(string(cmd.Side)); err != nil {
			return "side must be BUY or SELL"
		}
		if cmd.Qty <= 0 {
			return "qty must be > 0"
		}
		if cmd.EntryPrice == 0 {
			return "Missing field: entry_price"
		}
		if cmd.TargetPrice == 0 {
			return "Missing field: target_price"
		}
		if cmd.StoplossPrice == 0 {
			return "Missing field: stoploss_price"
		}

	case model.CmdCancelBracket, model.CmdForceExit:
		if cmd.BracketID == "" {
			return "Missing field: bracket_id"
		}

	case model.CmdModifySLTP:
		if cmd.BracketID == "" {
			return "Missing field: bracket_id"
		}
		if cmd.TargetPrice == 0 && cmd.StoplossPrice == 0 {
			return "Provide target_price or stoploss_price"
		}

	case model.CmdEntryHit:
		if cmd.BracketID == "" {
			return "Missing field: bracket_id"
		}

	case model.CmdExitHit:
		if cmd.BracketID == "" {
			return "Missing field: bracket_id"
		}
		if !cmd.ExitType.Valid() {
			return "exit_type must be target or stoploss"
		}
	}

	return ""
}
