package model

import (
	"encoding/json"
	"time"
)

// BracketState is the lifecycle state of a synthetic bracket.
type BracketState string

const (
	BracketCreated          BracketState = "CREATED"
	BracketEntryPlaced      BracketState = "ENTRY_PLACED"
	BracketEntryFilled      BracketState = "ENTRY_FILLED"
	BracketExitOrdersPlaced BracketState = "EXIT_ORDERS_PLACED"
	BracketTargetFilled     BracketState = "TARGET_FILLED"
	BracketStoplossFilled   BracketState = "STOPLOSS_FILLED"
	BracketCompleted        BracketState = "COMPLETED"
	BracketCancelled        BracketState = "CANCELLED"
	BracketRejected         BracketState = "REJECTED"
)

// Terminal reports whether the bracket can no longer change state.
func (s BracketState) Terminal() bool {
	switch s {
	case BracketCompleted, BracketCancelled, BracketRejected:
		return true
	}
	return false
}

// StateTransition is one entry of a bracket's append-only transition log.
type StateTransition struct {
	State     BracketState `json:"state"`
	Timestamp time.Time    `json:"timestamp"`
}

// Bracket is the aggregate root of a synthetic one-cancels-other order:
// one entry leg plus two mutually exclusive exit legs. The State Manager is
// its sole writer; every other component reads it at most.
type Bracket struct {
	BracketID    string `json:"bracket_id"`
	StrategyID   string `json:"strategy_id"`
	InstrumentID string `json:"instrument_id"`
	Symbol       string `json:"symbol,omitempty"`
	Exchange     string `json:"exchange"`
	Side         Side   `json:"side"`
	Qty          int64  `json:"qty"`

	EntryOrderID    string `json:"entry_order_id"`
	TargetOrderID   string `json:"target_order_id"`
	StoplossOrderID string `json:"stoploss_order_id"`

	EntryPrice    float64 `json:"entry_price"`
	TargetPrice   float64 `json:"target_price"`
	StoplossPrice float64 `json:"stoploss_price"`

	// Set once the entry fill is recorded. FilledQty+RemainingQty == Qty.
	FilledEntryPrice float64 `json:"filled_entry_price,omitempty"`
	FilledQty        int64   `json:"filled_qty,omitempty"`
	RemainingQty     int64   `json:"remaining_qty,omitempty"`

	// Optional execution time windows carried from the placing command.
	EntryStartTS  string `json:"entry_start_ts,omitempty"`
	EntryEndTS    string `json:"entry_end_ts,omitempty"`
	TargetStartTS string `json:"target_start_ts,omitempty"`
	TargetEndTS   string `json:"target_end_ts,omitempty"`
	StopStartTS   string `json:"stop_start_ts,omitempty"`
	StopEndTS     string `json:"stop_end_ts,omitempty"`

	State BracketState `json:"state"`

	// Append-only audit log of every state the bracket has passed through.
	StateTransitions []StateTransition `json:"state_transitions"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transition appends a state to the audit log and sets the current state.
func (b *Bracket) Transition(state BracketState, at time.Time) {
	b.State = state
	b.StateTransitions = append(b.StateTransitions, StateTransition{State: state, Timestamp: at})
	b.UpdatedAt = at
}

// ExitQty returns the quantity exit orders must be sized to: the actual
// filled entry quantity, never the originally requested one.
func (b *Bracket) ExitQty() int64 {
	if b.FilledQty > 0 {
		return b.FilledQty
	}
	return b.Qty
}

// JSON returns the JSON-encoded bracket.
func (b *Bracket) JSON() []byte {
	buf, _ := json.Marshal(b)
	return buf
}
