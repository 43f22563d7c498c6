// Package broker adapts the generic broker command stream to a concrete
// broker client. It is the only component that talks to the broker's order
// API, and it reports every outcome back as an order update so the State
// Manager stays the single writer of bracket state.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"oms-systemv1/internal/model"
)

// Gateway consumes broker commands, executes them against the broker API
// behind a circuit breaker, and publishes placement acks and rejections as
// order updates.
type Gateway struct {
	client model.BrokerClient
	store  model.BracketStore
	pub    model.StreamPublisher
	cb     *CircuitBreaker

	updateStream string
	now          func() time.Time

	// brokerIDs caches order_id to broker_order_id from placement acks.
	// The durable mapping in the store is the fallback after a restart.
	mu        sync.Mutex
	brokerIDs map[string]string

	// Metric hooks, optional.
	OnCall   func(kind model.BrokerCommandKind, err error)
	OnReject func()
}

func NewGateway(client model.BrokerClient, store model.BracketStore, pub model.StreamPublisher, cb *CircuitBreaker, updateStream string) *Gateway {
	return &Gateway{
		client:       client,
		store:        store,
		pub:          pub,
		cb:           cb,
		updateStream: updateStream,
		now:          func() time.Time { return time.Now().UTC() },
		brokerIDs:    make(map[string]string),
	}
}

// HandleCommandRaw processes one payload from the broker commands stream.
// Retryable failures (broker down, breaker open) return an error so the
// message stays pending; terminal rejections are acked and reported as
// REJECTED updates instead.
func (g *Gateway) HandleCommandRaw(ctx context.Context, data []byte) error {
	var cmd model.BrokerCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		log.Printf("[broker] dropping unparseable command: %v", err)
		return nil
	}

	switch cmd.Kind {
	case model.BrokerPlaceOrder:
		return g.placeOrder(ctx, &cmd)
	case model.BrokerCancelOrder:
		return g.cancelOrder(ctx, &cmd)
	case model.BrokerModifyOrder:
		return g.modifyOrder(ctx, &cmd)
	default:
		log.Printf("[broker] unknown command kind %q, dropping", cmd.Kind)
		return nil
	}
}

func (g *Gateway) placeOrder(ctx context.Context, cmd *model.BrokerCommand) error {
	var brokerOrderID string
	err := g.cb.Execute(func() error {
		var err error
		brokerOrderID, err = g.client.PlaceOrder(ctx, cmd)
		return err
	})
	if g.OnCall != nil {
		g.OnCall(cmd.Kind, err)
	}
	if errors.Is(err, ErrBrokerUnavailable) {
		log.Printf("[broker] place %s deferred: %v", cmd.OrderID, err)
		return err
	}
	if err != nil {
		// The broker refused the order. That is a terminal outcome for
		// this order, not a transient fault, so report it and ack.
		log.Printf("[broker] place %s rejected: %v", cmd.OrderID, err)
		if g.OnReject != nil {
			g.OnReject()
		}
		return g.publishUpdate(ctx, &model.OrderUpdate{
			OrderID:       cmd.OrderID,
			Status:        "REJECTED",
			StatusMessage: err.Error(),
			Timestamp:     g.now(),
		})
	}

	g.mu.Lock()
	g.brokerIDs[cmd.OrderID] = brokerOrderID
	g.mu.Unlock()
	if err := g.store.MapBrokerOrder(ctx, brokerOrderID, cmd.OrderID); err != nil {
		return fmt.Errorf("map broker order %s: %w", brokerOrderID, err)
	}

	log.Printf("[broker] placed %s as broker order %s", cmd.OrderID, brokerOrderID)
	return g.publishUpdate(ctx, &model.OrderUpdate{
		OrderID:       cmd.OrderID,
		BrokerOrderID: brokerOrderID,
		Status:        "PLACED",
		Timestamp:     g.now(),
	})
}

func (g *Gateway) cancelOrder(ctx context.Context, cmd *model.BrokerCommand) error {
	brokerOrderID, err := g.resolveBrokerID(ctx, cmd.OrderID)
	if err != nil {
		return err
	}
	if brokerOrderID == "" {
		log.Printf("[broker] cancel %s dropped: no broker order id", cmd.OrderID)
		return nil
	}
	if cmd.PartialCancel {
		// The broker only cancels the open remainder; fills stand.
		log.Printf("[broker] cancelling unfilled remainder (%d) of %s", cmd.CancelQty, cmd.OrderID)
	}

	err = g.cb.Execute(func() error {
		return g.client.CancelOrder(ctx, brokerOrderID)
	})
	if g.OnCall != nil {
		g.OnCall(cmd.Kind, err)
	}
	if errors.Is(err, ErrBrokerUnavailable) {
		return err
	}
	if err != nil {
		// Usually the order is already terminal broker-side. The real
		// terminal state arrives on the order update feed.
		log.Printf("[broker] cancel %s (broker %s) failed: %v", cmd.OrderID, brokerOrderID, err)
		return nil
	}
	log.Printf("[broker] cancelled %s (broker %s)", cmd.OrderID, brokerOrderID)
	return nil
}

func (g *Gateway) modifyOrder(ctx context.Context, cmd *model.BrokerCommand) error {
	brokerOrderID, err := g.resolveBrokerID(ctx, cmd.OrderID)
	if err != nil {
		return err
	}
	if brokerOrderID == "" {
		log.Printf("[broker] modify %s dropped: no broker order id", cmd.OrderID)
		return nil
	}

	err = g.cb.Execute(func() error {
		return g.client.ModifyOrder(ctx, brokerOrderID, cmd)
	})
	if g.OnCall != nil {
		g.OnCall(cmd.Kind, err)
	}
	if errors.Is(err, ErrBrokerUnavailable) {
		return err
	}
	if err != nil {
		log.Printf("[broker] modify %s (broker %s) failed: %v", cmd.OrderID, brokerOrderID, err)
		return nil
	}
	log.Printf("[broker] modified %s (broker %s)", cmd.OrderID, brokerOrderID)
	return nil
}

// resolveBrokerID maps an internal order id to the broker's id, preferring
// the in-process cache and falling back to the persisted order record.
func (g *Gateway) resolveBrokerID(ctx context.Context, orderID string) (string, error) {
	g.mu.Lock()
	id := g.brokerIDs[orderID]
	g.mu.Unlock()
	if id != "" {
		return id, nil
	}

	o, err := g.store.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	if o == nil {
		return "", nil
	}
	return o.BrokerOrderID, nil
}

// PublishUpdate forwards a broker-originated order update onto the update
// stream. The websocket feed calls this from its dispatch loop.
func (g *Gateway) PublishUpdate(ctx context.Context, u *model.OrderUpdate) error {
	return g.publishUpdate(ctx, u)
}

func (g *Gateway) publishUpdate(ctx context.Context, u *model.OrderUpdate) error {
	if u.Timestamp.IsZero() {
		u.Timestamp = g.now()
	}
	return g.pub.PublishOrderUpdate(ctx, g.updateStream, u)
}
