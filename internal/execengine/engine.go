// Package execengine evaluates live market ticks against active brackets
// and converts price crossings into ENTRY_HIT / EXIT_HIT commands for the
// State Manager. In paper trading it simulates entry fills too; against a
// live broker the entry limit fills at the exchange, so only the synthetic
// OCO exits are triggered here and the State Manager's state guards absorb
// any hit that races a broker fill update.
package execengine

import (
	"context"
	"encoding/json"
	"log"

	"oms-systemv1/internal/model"
)

// Engine turns ticks into state-machine trigger commands. It only reads
// bracket state; every mutation goes through the State Manager's stream.
type Engine struct {
	store        model.BracketReader
	pub          model.StreamPublisher
	stateStream  string
	paperTrading bool

	// Metric hooks, optional.
	OnTick     func()
	OnEntryHit func()
	OnExitHit  func(model.ExitKind)
}

func New(store model.BracketReader, pub model.StreamPublisher, stateStream string, paperTrading bool) *Engine {
	return &Engine{store: store, pub: pub, stateStream: stateStream, paperTrading: paperTrading}
}

// HandleTickRaw processes one payload from the market ticks stream.
// Ticks for instruments with no active brackets are the common case and
// return immediately.
func (e *Engine) HandleTickRaw(ctx context.Context, data []byte) error {
	var tick model.Tick
	if err := json.Unmarshal(data, &tick); err != nil {
		log.Printf("[exec] dropping unparseable tick: %v", err)
		return nil
	}
	if tick.InstrumentID == "" || tick.LastPrice <= 0 {
		return nil
	}
	if e.OnTick != nil {
		e.OnTick()
	}

	ids, err := e.store.ActiveByInstrument(ctx, tick.InstrumentID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		b, err := e.store.GetBracket(ctx, id)
		if err != nil {
			return err
		}
		if b == nil {
			continue
		}
		if err := e.evaluate(ctx, b, tick.LastPrice); err != nil {
			return err
		}
	}
	return nil
}

// evaluate checks one bracket against the latest traded price and emits at
// most one trigger command.
func (e *Engine) evaluate(ctx context.Context, b *model.Bracket, price float64) error {
	switch b.State {
	case model.BracketEntryPlaced:
		// Entry fills are simulated only in paper trading. Against a live
		// broker the real limit order fills at the exchange and the fill
		// arrives on the order-updates stream.
		if !e.paperTrading {
			return nil
		}
		if entryHit(b, price) {
			log.Printf("[exec] entry hit for bracket %s at %.2f", b.BracketID, price)
			if e.OnEntryHit != nil {
				e.OnEntryHit()
			}
			return e.pub.PublishCommand(ctx, e.stateStream, &model.Command{
				Kind:        model.CmdEntryHit,
				BracketID:   b.BracketID,
				FilledPrice: price,
			})
		}

	case model.BracketExitOrdersPlaced:
		exitType, hit := exitHit(b, price)
		if hit {
			log.Printf("[exec] %s hit for bracket %s at %.2f", exitType, b.BracketID, price)
			if e.OnExitHit != nil {
				e.OnExitHit(exitType)
			}
			return e.pub.PublishCommand(ctx, e.stateStream, &model.Command{
				Kind:        model.CmdExitHit,
				BracketID:   b.BracketID,
				ExitType:    exitType,
				FilledPrice: price,
			})
		}
	}
	return nil
}

// entryHit reports whether the price crossed the entry limit favorably:
// a BUY limit fills when the market trades at or below it, a SELL limit
// at or above it.
func entryHit(b *model.Bracket, price float64) bool {
	if b.Side == model.SideBuy {
		return price <= b.EntryPrice
	}
	return price >= b.EntryPrice
}

// exitHit reports which exit leg, if any, the price crossed. For a long
// bracket the target sits above and the stoploss below; shorts mirror.
// With a tick gapping through both levels the stoploss wins.
func exitHit(b *model.Bracket, price float64) (model.ExitKind, bool) {
	long := b.Side == model.SideBuy
	if long {
		if price <= b.StoplossPrice {
			return model.ExitStoploss, true
		}
		if price >= b.TargetPrice {
			return model.ExitTarget, true
		}
	} else {
		if price >= b.StoplossPrice {
			return model.ExitStoploss, true
		}
		if price <= b.TargetPrice {
			return model.ExitTarget, true
		}
	}
	return "", false
}
