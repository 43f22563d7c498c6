package state

import (
	"context"
	"fmt"
	"log"

	"oms-systemv1/internal/model"
)

// createBracket handles PLACE_BRACKET: persists the bracket and its entry
// order, indexes it, emits the entry placement, and answers with the new
// bracket id. Store failures are returned before the response is sent so
// redelivery re-runs the whole creation with fresh ids.
func (m *Manager) createBracket(ctx context.Context, cmd *model.Command) error {
	now := m.now()

	b := &model.Bracket{
		BracketID:       m.newID(),
		StrategyID:      cmd.StrategyID,
		InstrumentID:    cmd.InstrumentID,
		Symbol:          cmd.Symbol,
		Exchange:        exchangeOrDefault(cmd.Exchange),
		Side:            cmd.Side,
		Qty:             cmd.Qty,
		EntryOrderID:    m.newID(),
		TargetOrderID:   m.newID(),
		StoplossOrderID: m.newID(),
		EntryPrice:      cmd.EntryPrice,
		TargetPrice:     cmd.TargetPrice,
		StoplossPrice:   cmd.StoplossPrice,
		EntryStartTS:    cmd.EntryStartTS,
		EntryEndTS:      cmd.EntryEndTS,
		TargetStartTS:   cmd.TargetStartTS,
		TargetEndTS:     cmd.TargetEndTS,
		StopStartTS:     cmd.StopStartTS,
		StopEndTS:       cmd.StopEndTS,
		CreatedAt:       now,
	}
	b.Transition(model.BracketCreated, now)

	if err := m.store.SaveBracket(ctx, b); err != nil {
		return err
	}
	m.logStateChange(b.BracketID, "NONE", model.BracketCreated)

	entry := &model.Order{
		OrderID:      b.EntryOrderID,
		BracketID:    b.BracketID,
		InstrumentID: b.InstrumentID,
		Symbol:       b.Symbol,
		Exchange:     b.Exchange,
		Side:         b.Side,
		Qty:          b.Qty,
		OrderType:    model.OrderTypeLimit,
		Price:        b.EntryPrice,
		State:        model.OrderPlaced,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.SaveOrder(ctx, entry); err != nil {
		return err
	}
	if err := m.store.AddActive(ctx, b); err != nil {
		return err
	}
	if m.OnActiveDelta != nil {
		m.OnActiveDelta(1)
	}

	m.publishEvent(ctx, model.EventBracketCreated, b.BracketID, "", map[string]any{
		"strategy_id":    b.StrategyID,
		"instrument_id":  b.InstrumentID,
		"side":           string(b.Side),
		"qty":            b.Qty,
		"entry_price":    b.EntryPrice,
		"target_price":   b.TargetPrice,
		"stoploss_price": b.StoplossPrice,
	})
	m.publishEvent(ctx, model.EventEntryPlaced, b.BracketID, entry.OrderID, map[string]any{
		"order_type": string(entry.OrderType),
		"price":      entry.Price,
		"qty":        entry.Qty,
	})

	m.sendBroker(ctx, &model.BrokerCommand{
		Kind:         model.BrokerPlaceOrder,
		OrderID:      entry.OrderID,
		InstrumentID: b.InstrumentID,
		Symbol:       b.Symbol,
		Exchange:     b.Exchange,
		Side:         b.Side,
		Qty:          b.Qty,
		OrderType:    model.OrderTypeLimit,
		Price:        b.EntryPrice,
	})

	b.Transition(model.BracketEntryPlaced, m.now())
	if err := m.store.SaveBracket(ctx, b); err != nil {
		return err
	}
	m.logStateChange(b.BracketID, model.BracketCreated, model.BracketEntryPlaced)

	m.respond(ctx, cmd.RequestID, true, "Bracket created", map[string]any{"bracket_id": b.BracketID})
	log.Printf("[state] created bracket %s (%s %d %s @ %.2f)",
		b.BracketID, b.Side, b.Qty, b.InstrumentID, b.EntryPrice)
	return nil
}

// cancelBracket handles CANCEL_BRACKET. Only meaningful before an
// irreversible fill; anything later is a logged no-op answered with a
// failure response.
func (m *Manager) cancelBracket(ctx context.Context, requestID, bracketID string) error {
	b, err := m.store.GetBracket(ctx, bracketID)
	if err != nil {
		return err
	}
	if b == nil {
		m.respond(ctx, requestID, false, "Bracket not found", nil)
		return nil
	}

	if b.State != model.BracketCreated && b.State != model.BracketEntryPlaced {
		log.Printf("[state] cancel no-op: bracket %s is %s", bracketID, b.State)
		m.respond(ctx, requestID, false,
			fmt.Sprintf("Bracket not cancellable in state %s", b.State), nil)
		return nil
	}

	for _, orderID := range []string{b.EntryOrderID, b.TargetOrderID, b.StoplossOrderID} {
		o, err := m.store.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o == nil || o.State.Terminal() {
			continue
		}
		wasLive := o.State == model.OrderPlaced
		o.State = model.OrderCancelled
		o.UpdatedAt = m.now()
		if err := m.store.SaveOrder(ctx, o); err != nil {
			return err
		}
		// Only the entry can be broker-live before exits are placed.
		if wasLive && b.State == model.BracketEntryPlaced && orderID == b.EntryOrderID {
			m.sendBroker(ctx, &model.BrokerCommand{Kind: model.BrokerCancelOrder, OrderID: orderID})
		}
	}

	from := b.State
	b.Transition(model.BracketCancelled, m.now())
	if err := m.store.SaveBracket(ctx, b); err != nil {
		return err
	}
	m.logStateChange(bracketID, from, model.BracketCancelled)

	if err := m.deactivate(ctx, b); err != nil {
		return err
	}
	m.journalBracket(ctx, b)

	m.publishEvent(ctx, model.EventBracketCancelled, bracketID, "", nil)
	m.respond(ctx, requestID, true, "Bracket cancelled", nil)
	return nil
}

// modifySLTP handles MODIFY_SL_TP: updates the bracket's exit prices and,
// when exit orders are already live, amends them broker-side too.
func (m *Manager) modifySLTP(ctx context.Context, cmd *model.Command) error {
	b, err := m.store.GetBracket(ctx, cmd.BracketID)
	if err != nil {
		return err
	}
	if b == nil {
		m.respond(ctx, cmd.RequestID, false, "Bracket not found", nil)
		return nil
	}
	if b.State.Terminal() {
		log.Printf("[state] modify no-op: bracket %s is %s", b.BracketID, b.State)
		m.respond(ctx, cmd.RequestID, false,
			fmt.Sprintf("Bracket not modifiable in state %s", b.State), nil)
		return nil
	}

	if cmd.TargetPrice > 0 {
		b.TargetPrice = cmd.TargetPrice
	}
	if cmd.StoplossPrice > 0 {
		b.StoplossPrice = cmd.StoplossPrice
	}
	b.UpdatedAt = m.now()
	if err := m.store.SaveBracket(ctx, b); err != nil {
		return err
	}

	if b.State == model.BracketExitOrdersPlaced {
		if cmd.TargetPrice > 0 {
			if err := m.amendExitOrder(ctx, b.TargetOrderID, cmd.TargetPrice, 0); err != nil {
				return err
			}
		}
		if cmd.StoplossPrice > 0 {
			if err := m.amendExitOrder(ctx, b.StoplossOrderID, 0, cmd.StoplossPrice); err != nil {
				return err
			}
		}
	}

	m.publishEvent(ctx, model.EventSLTPModified, b.BracketID, "", map[string]any{
		"target_price":   b.TargetPrice,
		"stoploss_price": b.StoplossPrice,
	})
	m.respond(ctx, cmd.RequestID, true, "Modified SL/TP", nil)
	return nil
}

// amendExitOrder updates a live exit order record and issues the
// broker-side amendment.
func (m *Manager) amendExitOrder(ctx context.Context, orderID string, price, triggerPrice float64) error {
	o, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o == nil || o.State != model.OrderPlaced {
		return nil
	}
	if price > 0 {
		o.Price = price
	}
	if triggerPrice > 0 {
		o.TriggerPrice = triggerPrice
	}
	o.UpdatedAt = m.now()
	if err := m.store.SaveOrder(ctx, o); err != nil {
		return err
	}
	m.sendBroker(ctx, &model.BrokerCommand{
		Kind:         model.BrokerModifyOrder,
		OrderID:      orderID,
		Qty:          o.Qty,
		Price:        price,
		TriggerPrice: triggerPrice,
	})
	return nil
}

// forceExit handles FORCE_EXIT. Pre-fill it degrades to a cancel; with the
// entry filled it places exits first if needed, then exits immediately at
// the caller-supplied price or a best-effort fallback.
func (m *Manager) forceExit(ctx context.Context, cmd *model.Command) error {
	b, err := m.store.GetBracket(ctx, cmd.BracketID)
	if err != nil {
		return err
	}
	if b == nil {
		m.respond(ctx, cmd.RequestID, false, "Bracket not found", nil)
		return nil
	}

	switch b.State {
	case model.BracketCreated, model.BracketEntryPlaced:
		if err := m.cancelBracket(ctx, cmd.RequestID, cmd.BracketID); err != nil {
			return err
		}
		m.publishEvent(ctx, model.EventForceExit, cmd.BracketID, "", nil)
		return nil

	case model.BracketEntryFilled:
		if err := m.placeExitOrders(ctx, b); err != nil {
			return err
		}

	case model.BracketExitOrdersPlaced:
		// Exits already live, fall through to the immediate exit.

	default:
		log.Printf("[state] force exit no-op: bracket %s is %s", b.BracketID, b.State)
		m.respond(ctx, cmd.RequestID, false,
			fmt.Sprintf("Bracket not exitable in state %s", b.State), nil)
		return nil
	}

	// Exit price policy: caller-supplied price wins; otherwise fall back
	// to the recorded entry fill, then to the requested entry price. The
	// fallback is best-effort and may misprice the exit.
	price := cmd.ExitPrice
	if price <= 0 {
		price = b.FilledEntryPrice
		if price <= 0 {
			price = b.EntryPrice
		}
		log.Printf("[state] force exit for %s using fallback price %.2f", b.BracketID, price)
	}

	if err := m.executeExit(ctx, b.BracketID, model.ExitStoploss, price, 0); err != nil {
		return err
	}
	m.publishEvent(ctx, model.EventForceExit, b.BracketID, "", map[string]any{"exit_price": price})
	m.respond(ctx, cmd.RequestID, true, "Force exit executed", nil)
	return nil
}

// handleEntryHit handles the paper-trading ENTRY_HIT trigger.
func (m *Manager) handleEntryHit(ctx context.Context, cmd *model.Command) error {
	b, err := m.store.GetBracket(ctx, cmd.BracketID)
	if err != nil {
		return err
	}
	if b == nil {
		log.Printf("[state] entry hit for unknown bracket %s, dropping", cmd.BracketID)
		return nil
	}
	if b.State != model.BracketCreated && b.State != model.BracketEntryPlaced {
		log.Printf("[state] entry hit no-op: bracket %s is %s", b.BracketID, b.State)
		return nil
	}

	fillPrice := cmd.FilledPrice
	if fillPrice <= 0 {
		fillPrice = b.EntryPrice
	}
	if err := m.markEntryFilled(ctx, b, fillPrice, cmd.FilledQty); err != nil {
		return err
	}
	return m.placeExitOrders(ctx, b)
}

// markEntryFilled records the entry fill, supporting partial fills: the
// bracket keeps both the actual filled quantity and the unfilled remainder,
// and FilledQty+RemainingQty == Qty from here on.
func (m *Manager) markEntryFilled(ctx context.Context, b *model.Bracket, fillPrice float64, filledQty int64) error {
	if filledQty <= 0 || filledQty > b.Qty {
		filledQty = b.Qty
	}

	entry, err := m.store.GetOrder(ctx, b.EntryOrderID)
	if err != nil {
		return err
	}
	if entry != nil {
		entry.State = model.OrderFilled
		entry.FilledPrice = fillPrice
		entry.FilledQty = filledQty
		entry.UpdatedAt = m.now()
		if err := m.store.SaveOrder(ctx, entry); err != nil {
			return err
		}
	}

	from := b.State
	b.FilledEntryPrice = fillPrice
	b.FilledQty = filledQty
	b.RemainingQty = b.Qty - filledQty
	b.Transition(model.BracketEntryFilled, m.now())
	if err := m.store.SaveBracket(ctx, b); err != nil {
		return err
	}
	m.logStateChange(b.BracketID, from, model.BracketEntryFilled)

	if b.RemainingQty > 0 {
		log.Printf("[state] WARNING: partial fill on bracket %s: filled %d/%d, remaining %d",
			b.BracketID, b.FilledQty, b.Qty, b.RemainingQty)
	}

	m.publishEvent(ctx, model.EventEntryFilled, b.BracketID, b.EntryOrderID, map[string]any{
		"filled_price":  fillPrice,
		"filled_qty":    filledQty,
		"original_qty":  b.Qty,
		"remaining_qty": b.RemainingQty,
	})
	return nil
}

// placeExitOrders persists the target and stoploss legs sized to the actual
// filled quantity and routes them to the broker. A partial-fill remainder
// triggers a cancel of the unfilled entry quantity; the exit size is never
// silently upsized.
func (m *Manager) placeExitOrders(ctx context.Context, b *model.Bracket) error {
	if b.State != model.BracketEntryFilled {
		log.Printf("[state] place exits no-op: bracket %s is %s", b.BracketID, b.State)
		return nil
	}

	exitQty := b.ExitQty()
	if exitQty <= 0 {
		log.Printf("[state] cannot place exit orders for %s: exit qty %d", b.BracketID, exitQty)
		return nil
	}
	exitSide := b.Side.Opposite()
	now := m.now()

	target := &model.Order{
		OrderID:      b.TargetOrderID,
		BracketID:    b.BracketID,
		InstrumentID: b.InstrumentID,
		Symbol:       b.Symbol,
		Exchange:     b.Exchange,
		Side:         exitSide,
		Qty:          exitQty,
		OrderType:    model.OrderTypeLimit,
		Price:        b.TargetPrice,
		State:        model.OrderPlaced,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	stoploss := &model.Order{
		OrderID:      b.StoplossOrderID,
		BracketID:    b.BracketID,
		InstrumentID: b.InstrumentID,
		Symbol:       b.Symbol,
		Exchange:     b.Exchange,
		Side:         exitSide,
		Qty:          exitQty,
		OrderType:    model.OrderTypeSLM,
		TriggerPrice: b.StoplossPrice,
		State:        model.OrderPlaced,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.SaveOrder(ctx, target); err != nil {
		return err
	}
	if err := m.store.SaveOrder(ctx, stoploss); err != nil {
		return err
	}

	if b.RemainingQty > 0 {
		log.Printf("[state] WARNING: bracket %s exits sized to %d, cancelling %d unfilled entry units",
			b.BracketID, exitQty, b.RemainingQty)
		m.sendBroker(ctx, &model.BrokerCommand{
			Kind:          model.BrokerCancelOrder,
			OrderID:       b.EntryOrderID,
			PartialCancel: true,
			CancelQty:     b.RemainingQty,
		})
	}

	from := b.State
	b.Transition(model.BracketExitOrdersPlaced, m.now())
	if err := m.store.SaveBracket(ctx, b); err != nil {
		return err
	}
	m.logStateChange(b.BracketID, from, model.BracketExitOrdersPlaced)

	m.publishEvent(ctx, model.EventExitOrdersPlaced, b.BracketID, "", map[string]any{
		"target_order_id":   b.TargetOrderID,
		"stoploss_order_id": b.StoplossOrderID,
		"exit_qty":          exitQty,
		"remaining_qty":     b.RemainingQty,
	})
	m.publishEvent(ctx, model.EventTargetPlaced, b.BracketID, target.OrderID, map[string]any{
		"price": target.Price,
		"qty":   target.Qty,
	})
	m.publishEvent(ctx, model.EventStoplossPlaced, b.BracketID, stoploss.OrderID, map[string]any{
		"trigger_price": stoploss.TriggerPrice,
		"qty":           stoploss.Qty,
	})

	m.sendBroker(ctx, &model.BrokerCommand{
		Kind:         model.BrokerPlaceOrder,
		OrderID:      target.OrderID,
		InstrumentID: b.InstrumentID,
		Symbol:       b.Symbol,
		Exchange:     b.Exchange,
		Side:         exitSide,
		Qty:          exitQty,
		OrderType:    model.OrderTypeLimit,
		Price:        b.TargetPrice,
	})
	m.sendBroker(ctx, &model.BrokerCommand{
		Kind:         model.BrokerPlaceOrder,
		OrderID:      stoploss.OrderID,
		InstrumentID: b.InstrumentID,
		Symbol:       b.Symbol,
		Exchange:     b.Exchange,
		Side:         exitSide,
		Qty:          exitQty,
		OrderType:    model.OrderTypeSLM,
		TriggerPrice: b.StoplossPrice,
	})
	return nil
}

// executeExit completes the bracket on a target or stoploss fill: the hit
// leg is filled, the sibling cancelled, and the bracket driven through its
// terminal pair of transitions. Guarded, so a duplicate EXIT_HIT against an
// already-completed bracket is a logged no-op.
func (m *Manager) executeExit(ctx context.Context, bracketID string, exitType model.ExitKind, fillPrice float64, fillQty int64) error {
	if !exitType.Valid() {
		log.Printf("[state] exit hit for %s with bad exit type %q, dropping", bracketID, exitType)
		return nil
	}

	b, err := m.store.GetBracket(ctx, bracketID)
	if err != nil {
		return err
	}
	if b == nil {
		log.Printf("[state] exit hit for unknown bracket %s, dropping", bracketID)
		return nil
	}
	if b.State != model.BracketExitOrdersPlaced {
		log.Printf("[state] exit hit no-op: bracket %s is %s", bracketID, b.State)
		return nil
	}

	filledOrderID, cancelOrderID := b.TargetOrderID, b.StoplossOrderID
	fillState, fillEvent := model.BracketTargetFilled, model.EventTargetFilled
	if exitType == model.ExitStoploss {
		filledOrderID, cancelOrderID = b.StoplossOrderID, b.TargetOrderID
		fillState, fillEvent = model.BracketStoplossFilled, model.EventStoplossFilled
	}

	if fillQty <= 0 {
		fillQty = b.ExitQty()
	}

	filled, err := m.store.GetOrder(ctx, filledOrderID)
	if err != nil {
		return err
	}
	if filled != nil {
		filled.State = model.OrderFilled
		filled.FilledQty = fillQty
		if fillPrice > 0 {
			filled.FilledPrice = fillPrice
		}
		filled.UpdatedAt = m.now()
		if err := m.store.SaveOrder(ctx, filled); err != nil {
			return err
		}
	}

	sibling, err := m.store.GetOrder(ctx, cancelOrderID)
	if err != nil {
		return err
	}
	if sibling != nil && !sibling.State.Terminal() {
		sibling.State = model.OrderCancelled
		sibling.UpdatedAt = m.now()
		if err := m.store.SaveOrder(ctx, sibling); err != nil {
			return err
		}
		if !m.cfg.PaperTrading {
			m.sendBroker(ctx, &model.BrokerCommand{Kind: model.BrokerCancelOrder, OrderID: cancelOrderID})
			m.publishEvent(ctx, model.EventExitCancelled, bracketID, cancelOrderID, nil)
		}
	}

	from := b.State
	b.Transition(fillState, m.now())
	if err := m.store.SaveBracket(ctx, b); err != nil {
		return err
	}
	m.logStateChange(bracketID, from, fillState)

	b.Transition(model.BracketCompleted, m.now())
	if err := m.store.SaveBracket(ctx, b); err != nil {
		return err
	}
	m.logStateChange(bracketID, fillState, model.BracketCompleted)

	if err := m.deactivate(ctx, b); err != nil {
		return err
	}
	m.journalBracket(ctx, b)

	m.publishEvent(ctx, fillEvent, bracketID, filledOrderID, map[string]any{
		"filled_price": fillPrice,
		"filled_qty":   fillQty,
	})
	m.publishEvent(ctx, model.EventBracketCompleted, bracketID, "", nil)
	return nil
}

// handleOrderUpdate applies an asynchronous broker-side order state change.
// This is the live-trading path of entry fills, exit fills, and rejections.
func (m *Manager) handleOrderUpdate(ctx context.Context, upd *model.OrderUpdate) error {
	orderID := upd.OrderID
	if orderID != "" && upd.BrokerOrderID != "" {
		if err := m.store.MapBrokerOrder(ctx, upd.BrokerOrderID, orderID); err != nil {
			return err
		}
	}
	if orderID == "" && upd.BrokerOrderID != "" {
		resolved, err := m.store.LookupOrderID(ctx, upd.BrokerOrderID)
		if err != nil {
			return err
		}
		orderID = resolved
	}
	if orderID == "" {
		log.Printf("[state] order update without resolvable order id (broker=%s), dropping", upd.BrokerOrderID)
		return nil
	}

	o, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o == nil {
		log.Printf("[state] order update for unknown order %s, dropping", orderID)
		return nil
	}

	status, err := model.NormalizeStatus(upd.Status)
	if err != nil {
		log.Printf("[state] %v, dropping update for order %s", err, orderID)
		return nil
	}

	if upd.BrokerOrderID != "" {
		o.BrokerOrderID = upd.BrokerOrderID
	}
	o.State = status
	if status == model.OrderFilled {
		if upd.FilledQty > 0 {
			o.FilledQty = upd.FilledQty
		}
		if upd.FilledPrice > 0 {
			o.FilledPrice = upd.FilledPrice
		}
	}
	o.UpdatedAt = m.now()
	if err := m.store.SaveOrder(ctx, o); err != nil {
		return err
	}

	b, err := m.store.GetBracket(ctx, o.BracketID)
	if err != nil {
		return err
	}
	if b == nil {
		return nil
	}

	switch orderID {
	case b.EntryOrderID:
		return m.applyEntryUpdate(ctx, b, status, upd)
	case b.TargetOrderID, b.StoplossOrderID:
		return m.applyExitUpdate(ctx, b, orderID, status, upd)
	}
	return nil
}

// applyEntryUpdate advances the bracket on entry-leg broker updates.
func (m *Manager) applyEntryUpdate(ctx context.Context, b *model.Bracket, status model.OrderState, upd *model.OrderUpdate) error {
	switch status {
	case model.OrderFilled:
		if b.State != model.BracketCreated && b.State != model.BracketEntryPlaced {
			log.Printf("[state] entry fill no-op: bracket %s is %s", b.BracketID, b.State)
			return nil
		}
		fillPrice := upd.FilledPrice
		if fillPrice <= 0 {
			fillPrice = b.EntryPrice
		}
		if err := m.markEntryFilled(ctx, b, fillPrice, upd.FilledQty); err != nil {
			return err
		}
		return m.placeExitOrders(ctx, b)

	case model.OrderRejected, model.OrderCancelled:
		if b.State != model.BracketCreated && b.State != model.BracketEntryPlaced {
			log.Printf("[state] entry %s no-op: bracket %s is %s", status, b.BracketID, b.State)
			return nil
		}
		from := b.State
		b.Transition(model.BracketRejected, m.now())
		if err := m.store.SaveBracket(ctx, b); err != nil {
			return err
		}
		m.logStateChange(b.BracketID, from, model.BracketRejected)

		if err := m.deactivate(ctx, b); err != nil {
			return err
		}
		m.journalBracket(ctx, b)

		m.publishEvent(ctx, model.EventBracketRejected, b.BracketID, b.EntryOrderID, map[string]any{
			"status": string(status),
			"reason": upd.StatusMessage,
		})
	}
	return nil
}

// applyExitUpdate completes or flags the bracket on exit-leg broker updates.
func (m *Manager) applyExitUpdate(ctx context.Context, b *model.Bracket, orderID string, status model.OrderState, upd *model.OrderUpdate) error {
	switch status {
	case model.OrderFilled:
		exitType := model.ExitTarget
		if orderID == b.StoplossOrderID {
			exitType = model.ExitStoploss
		}
		return m.executeExit(ctx, b.BracketID, exitType, upd.FilledPrice, upd.FilledQty)

	case model.OrderRejected:
		m.publishEvent(ctx, model.EventOrderRejected, b.BracketID, orderID, map[string]any{
			"status": string(status),
			"reason": upd.StatusMessage,
		})
	}
	return nil
}

func exchangeOrDefault(exchange string) string {
	if exchange == "" {
		return "NSE"
	}
	return exchange
}
