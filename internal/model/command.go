package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CommandKind identifies a command on the OMS command streams.
type CommandKind string

const (
	CmdPlaceBracket  CommandKind = "PLACE_BRACKET"
	CmdCancelBracket CommandKind = "CANCEL_BRACKET"
	CmdModifySLTP    CommandKind = "MODIFY_SL_TP"
	CmdForceExit     CommandKind = "FORCE_EXIT"
	CmdEntryHit      CommandKind = "ENTRY_HIT"
	CmdExitHit       CommandKind = "EXIT_HIT"
)

// Valid reports whether k is a known command kind.
func (k CommandKind) Valid() bool {
	switch k {
	case CmdPlaceBracket, CmdCancelBracket, CmdModifySLTP, CmdForceExit, CmdEntryHit, CmdExitHit:
		return true
	}
	return false
}

// Side is the trade direction of a bracket's entry order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide normalizes and validates a side string.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", fmt.Errorf("invalid side %q", s)
}

// Opposite returns the exit direction for this entry side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// ExitKind distinguishes which exit leg a hit or fill refers to.
type ExitKind string

const (
	ExitTarget   ExitKind = "target"
	ExitStoploss ExitKind = "stoploss"
)

// Valid reports whether e is a known exit kind.
func (e ExitKind) Valid() bool {
	return e == ExitTarget || e == ExitStoploss
}

// Command is an intent message consumed by the OMS pipeline. It is the wire
// envelope for every command kind; which fields are meaningful depends on
// Kind and is checked once at the validator boundary. Immutable once emitted.
type Command struct {
	Kind      CommandKind `json:"command"`
	RequestID string      `json:"request_id,omitempty"`

	// PLACE_BRACKET
	StrategyID    string  `json:"strategy_id,omitempty"`
	InstrumentID  string  `json:"instrument_id,omitempty"`
	Symbol        string  `json:"symbol,omitempty"`
	Exchange      string  `json:"exchange,omitempty"`
	Side          Side    `json:"side,omitempty"`
	Qty           int64   `json:"qty,omitempty"`
	EntryPrice    float64 `json:"entry_price,omitempty"`
	TargetPrice   float64 `json:"target_price,omitempty"`
	StoplossPrice float64 `json:"stoploss_price,omitempty"`

	// Optional execution time windows.
	EntryStartTS  string `json:"entry_start_ts,omitempty"`
	EntryEndTS    string `json:"entry_end_ts,omitempty"`
	TargetStartTS string `json:"target_start_ts,omitempty"`
	TargetEndTS   string `json:"target_end_ts,omitempty"`
	StopStartTS   string `json:"stop_start_ts,omitempty"`
	StopEndTS     string `json:"stop_end_ts,omitempty"`

	// CANCEL_BRACKET / MODIFY_SL_TP / FORCE_EXIT / ENTRY_HIT / EXIT_HIT
	BracketID string `json:"bracket_id,omitempty"`

	// FORCE_EXIT
	ExitPrice float64 `json:"exit_price,omitempty"`

	// ENTRY_HIT / EXIT_HIT
	ExitType    ExitKind `json:"exit_type,omitempty"`
	FilledPrice float64  `json:"filled_price,omitempty"`
	FilledQty   int64    `json:"filled_qty,omitempty"`

	Timestamp string `json:"timestamp,omitempty"`
}

// JSON returns the JSON-encoded command (ignoring errors for hot-path usage).
func (c *Command) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// BrokerCommandKind identifies a command on the broker command stream.
type BrokerCommandKind string

const (
	BrokerPlaceOrder  BrokerCommandKind = "PLACE_ORDER"
	BrokerCancelOrder BrokerCommandKind = "CANCEL_ORDER"
	BrokerModifyOrder BrokerCommandKind = "MODIFY_ORDER"
)

// BrokerCommand is a placement/cancel/modify instruction from the State
// Manager to the Broker Gateway.
type BrokerCommand struct {
	Kind         BrokerCommandKind `json:"command"`
	OrderID      string            `json:"order_id"`
	InstrumentID string            `json:"instrument_id,omitempty"`
	Symbol       string            `json:"symbol,omitempty"`
	Exchange     string            `json:"exchange,omitempty"`
	Side         Side              `json:"side,omitempty"`
	Qty          int64             `json:"qty,omitempty"`
	OrderType    OrderType         `json:"order_type,omitempty"`
	Price        float64           `json:"price,omitempty"`
	TriggerPrice float64           `json:"trigger_price,omitempty"`

	// Partial-fill remainder cancellation.
	PartialCancel bool  `json:"partial_cancel,omitempty"`
	CancelQty     int64 `json:"cancel_qty,omitempty"`
}

// JSON returns the JSON-encoded broker command.
func (c *BrokerCommand) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
