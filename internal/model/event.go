package model

import (
	"encoding/json"
	"time"
)

// EventType classifies a bracket/order lifecycle event.
type EventType string

const (
	EventBracketCreated   EventType = "BRACKET_CREATED"
	EventEntryPlaced      EventType = "ENTRY_PLACED"
	EventEntryFilled      EventType = "ENTRY_FILLED"
	EventExitOrdersPlaced EventType = "EXIT_ORDERS_PLACED"
	EventTargetPlaced     EventType = "TARGET_PLACED"
	EventStoplossPlaced   EventType = "STOPLOSS_PLACED"
	EventTargetFilled     EventType = "TARGET_FILLED"
	EventStoplossFilled   EventType = "STOPLOSS_FILLED"
	EventExitCancelled    EventType = "EXIT_CANCELLED"
	EventSLTPModified     EventType = "SL_TP_MODIFIED"
	EventForceExit        EventType = "FORCE_EXIT"
	EventOrderRejected    EventType = "ORDER_REJECTED"
	EventBracketCompleted EventType = "BRACKET_COMPLETED"
	EventBracketCancelled EventType = "BRACKET_CANCELLED"
	EventBracketRejected  EventType = "BRACKET_REJECTED"
)

// Event is an immutable lifecycle notification published by the State
// Manager for every side effect. Events are fire-and-forget observer
// material; bracket/order records remain the source of truth.
type Event struct {
	EventType EventType      `json:"event_type"`
	BracketID string         `json:"bracket_id"`
	OrderID   string         `json:"order_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// JSON returns the JSON-encoded event.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// CommandResponse is the synchronous outcome of a submitted command,
// correlated to the caller via RequestID.
type CommandResponse struct {
	RequestID string         `json:"request_id"`
	Success   bool           `json:"success"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// JSON returns the JSON-encoded response.
func (r *CommandResponse) JSON() []byte {
	b, _ := json.Marshal(r)
	return b
}
