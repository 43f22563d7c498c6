package model

import (
	"encoding/json"
	"time"
)

// Tick is a single market data tick on the market ticks stream, produced by
// the tick ingestion service outside this core.
type Tick struct {
	InstrumentID string    `json:"instrument_id"`
	LastPrice    float64   `json:"last_price"`
	Qty          int64     `json:"qty,omitempty"`
	ExchangeTS   time.Time `json:"exchange_ts"`
}

// JSON returns the JSON-encoded tick (ignoring errors for hot-path usage).
func (t *Tick) JSON() []byte {
	b, _ := json.Marshal(t)
	return b
}
