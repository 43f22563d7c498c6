package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OrderType is the broker order type of a child order.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeSL     OrderType = "SL"
	OrderTypeSLM    OrderType = "SL-M"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeLimit, OrderTypeMarket, OrderTypeSL, OrderTypeSLM:
		return true
	}
	return false
}

// OrderState is the lifecycle state of a child order.
type OrderState string

const (
	OrderPending   OrderState = "PENDING"
	OrderPlaced    OrderState = "PLACED"
	OrderFilled    OrderState = "FILLED"
	OrderCancelled OrderState = "CANCELLED"
	OrderRejected  OrderState = "REJECTED"
)

// Terminal reports whether the order can no longer change state.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	}
	return false
}

// Order is a child order of a Bracket. Orders are created only by the State
// Manager; BrokerOrderID stays empty until the broker acknowledges placement.
type Order struct {
	OrderID       string     `json:"order_id"`
	BracketID     string     `json:"bracket_id"`
	InstrumentID  string     `json:"instrument_id"`
	Symbol        string     `json:"symbol,omitempty"`
	Exchange      string     `json:"exchange"`
	Side          Side       `json:"side"`
	Qty           int64      `json:"qty"`
	OrderType     OrderType  `json:"order_type"`
	Price         float64    `json:"price,omitempty"`
	TriggerPrice  float64    `json:"trigger_price,omitempty"`
	State         OrderState `json:"state"`
	FilledPrice   float64    `json:"filled_price,omitempty"`
	FilledQty     int64      `json:"filled_qty,omitempty"`
	BrokerOrderID string     `json:"broker_order_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// JSON returns the JSON-encoded order.
func (o *Order) JSON() []byte {
	b, _ := json.Marshal(o)
	return b
}

// OrderUpdate is a normalized broker-side order state change published by
// the Broker Gateway on the order-updates stream.
type OrderUpdate struct {
	OrderID       string    `json:"order_id,omitempty"`
	BrokerOrderID string    `json:"broker_order_id,omitempty"`
	Status        string    `json:"status"`
	FilledQty     int64     `json:"filled_qty,omitempty"`
	FilledPrice   float64   `json:"filled_price,omitempty"`
	PendingQty    int64     `json:"pending_qty,omitempty"`
	StatusMessage string    `json:"status_message,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// JSON returns the JSON-encoded update.
func (u *OrderUpdate) JSON() []byte {
	b, _ := json.Marshal(u)
	return b
}

// NormalizeStatus maps the broker's order status vocabulary onto OrderState.
// Returns an error for statuses the OMS does not recognize.
func NormalizeStatus(status string) (OrderState, error) {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "COMPLETE", "FILLED":
		return OrderFilled, nil
	case "CANCELLED", "CANCELED":
		return OrderCancelled, nil
	case "REJECTED":
		return OrderRejected, nil
	case "PLACED", "OPEN", "PENDING", "TRIGGER PENDING", "MODIFIED":
		return OrderPlaced, nil
	}
	return "", fmt.Errorf("unknown broker status %q", status)
}
