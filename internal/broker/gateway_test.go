package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"oms-systemv1/internal/model"
)

type fakeClient struct {
	placeErr  error
	cancelErr error
	modifyErr error

	placed   []*model.BrokerCommand
	cancels  []string
	modifies []string
	nextID   int
}

func (c *fakeClient) PlaceOrder(_ context.Context, cmd *model.BrokerCommand) (string, error) {
	if c.placeErr != nil {
		return "", c.placeErr
	}
	c.placed = append(c.placed, cmd)
	c.nextID++
	return fmt.Sprintf("BRK-%d", c.nextID), nil
}

func (c *fakeClient) ModifyOrder(_ context.Context, brokerOrderID string, _ *model.BrokerCommand) error {
	if c.modifyErr != nil {
		return c.modifyErr
	}
	c.modifies = append(c.modifies, brokerOrderID)
	return nil
}

func (c *fakeClient) CancelOrder(_ context.Context, brokerOrderID string) error {
	if c.cancelErr != nil {
		return c.cancelErr
	}
	c.cancels = append(c.cancels, brokerOrderID)
	return nil
}

type fakeMappings struct {
	orders  map[string]*model.Order
	mapping map[string]string
}

func newFakeMappings() *fakeMappings {
	return &fakeMappings{
		orders:  make(map[string]*model.Order),
		mapping: make(map[string]string),
	}
}

func (s *fakeMappings) GetBracket(context.Context, string) (*model.Bracket, error) { return nil, nil }
func (s *fakeMappings) GetOrder(_ context.Context, id string) (*model.Order, error) {
	return s.orders[id], nil
}
func (s *fakeMappings) ActiveByInstrument(context.Context, string) ([]string, error) {
	return nil, nil
}
func (s *fakeMappings) LookupOrderID(_ context.Context, brokerOrderID string) (string, error) {
	return s.mapping[brokerOrderID], nil
}
func (s *fakeMappings) SaveBracket(context.Context, *model.Bracket) error { return nil }
func (s *fakeMappings) SaveOrder(_ context.Context, o *model.Order) error {
	s.orders[o.OrderID] = o
	return nil
}
func (s *fakeMappings) AddActive(context.Context, *model.Bracket) error    { return nil }
func (s *fakeMappings) RemoveActive(context.Context, *model.Bracket) error { return nil }
func (s *fakeMappings) MapBrokerOrder(_ context.Context, brokerOrderID, orderID string) error {
	s.mapping[brokerOrderID] = orderID
	return nil
}

type updateRecorder struct {
	updates []*model.OrderUpdate
}

func (p *updateRecorder) PublishCommand(context.Context, string, *model.Command) error { return nil }
func (p *updateRecorder) PublishBrokerCommand(context.Context, string, *model.BrokerCommand) error {
	return nil
}
func (p *updateRecorder) PublishOrderUpdate(_ context.Context, _ string, u *model.OrderUpdate) error {
	p.updates = append(p.updates, u)
	return nil
}
func (p *updateRecorder) PublishEvent(context.Context, string, *model.Event) error { return nil }
func (p *updateRecorder) PublishResponse(context.Context, string, *model.CommandResponse) error {
	return nil
}

func newTestGateway() (*Gateway, *fakeClient, *fakeMappings, *updateRecorder) {
	client := &fakeClient{}
	store := newFakeMappings()
	pub := &updateRecorder{}
	cb := NewCircuitBreaker(3, 50*time.Millisecond)
	g := NewGateway(client, store, pub, cb, "oms:order:updates")
	return g, client, store, pub
}

func placeRaw() []byte {
	return []byte(`{
		"command": "PLACE_ORDER",
		"order_id": "ord-1",
		"instrument_id": "2885",
		"symbol": "RELIANCE-EQ",
		"exchange": "NSE",
		"side": "BUY",
		"qty": 10,
		"order_type": "LIMIT",
		"price": 100.5
	}`)
}

func TestPlaceOrderAcked(t *testing.T) {
	g, client, store, pub := newTestGateway()

	if err := g.HandleCommandRaw(context.Background(), placeRaw()); err != nil {
		t.Fatalf("HandleCommandRaw: %v", err)
	}
	if len(client.placed) != 1 {
		t.Fatalf("placed = %+v", client.placed)
	}
	if got := store.mapping["BRK-1"]; got != "ord-1" {
		t.Fatalf("mapping = %q, want ord-1", got)
	}
	if len(pub.updates) != 1 {
		t.Fatalf("updates = %+v", pub.updates)
	}
	u := pub.updates[0]
	if u.OrderID != "ord-1" || u.BrokerOrderID != "BRK-1" || u.Status != "PLACED" {
		t.Fatalf("update = %+v", u)
	}
	if u.Timestamp.IsZero() {
		t.Fatal("update missing timestamp")
	}
}

func TestPlaceOrderRejected(t *testing.T) {
	g, client, _, pub := newTestGateway()
	client.placeErr = errors.New("RMS: margin shortfall")

	// A broker rejection is terminal: the message is acked and a
	// REJECTED update carries the reason.
	if err := g.HandleCommandRaw(context.Background(), placeRaw()); err != nil {
		t.Fatalf("rejection must not requeue: %v", err)
	}
	if len(pub.updates) != 1 {
		t.Fatalf("updates = %+v", pub.updates)
	}
	u := pub.updates[0]
	if u.Status != "REJECTED" || u.StatusMessage != "RMS: margin shortfall" {
		t.Fatalf("update = %+v", u)
	}
}

func TestOpenBreakerDefersPlacement(t *testing.T) {
	g, client, _, pub := newTestGateway()
	client.placeErr = errors.New("connection refused")

	// Trip the breaker.
	for i := 0; i < 3; i++ {
		g.HandleCommandRaw(context.Background(), placeRaw())
	}

	err := g.HandleCommandRaw(context.Background(), placeRaw())
	if !errors.Is(err, ErrBrokerUnavailable) {
		t.Fatalf("err = %v, want ErrBrokerUnavailable for redelivery", err)
	}
	// No REJECTED update for the deferred attempt.
	if len(pub.updates) != 3 {
		t.Fatalf("updates = %d, want 3", len(pub.updates))
	}
}

func TestCancelResolvesCachedBrokerID(t *testing.T) {
	g, client, _, _ := newTestGateway()
	if err := g.HandleCommandRaw(context.Background(), placeRaw()); err != nil {
		t.Fatalf("place: %v", err)
	}

	raw := []byte(`{"command":"CANCEL_ORDER","order_id":"ord-1"}`)
	if err := g.HandleCommandRaw(context.Background(), raw); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(client.cancels) != 1 || client.cancels[0] != "BRK-1" {
		t.Fatalf("cancels = %+v", client.cancels)
	}
}

func TestCancelResolvesFromOrderRecord(t *testing.T) {
	g, client, store, _ := newTestGateway()
	// Simulates a restart: the cache is empty but the order record
	// carries the broker id learned from the update feed.
	store.orders["ord-9"] = &model.Order{OrderID: "ord-9", BrokerOrderID: "BRK-9"}

	raw := []byte(`{"command":"CANCEL_ORDER","order_id":"ord-9"}`)
	if err := g.HandleCommandRaw(context.Background(), raw); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(client.cancels) != 1 || client.cancels[0] != "BRK-9" {
		t.Fatalf("cancels = %+v", client.cancels)
	}
}

func TestCancelUnresolvableDropped(t *testing.T) {
	g, client, _, _ := newTestGateway()
	raw := []byte(`{"command":"CANCEL_ORDER","order_id":"ghost"}`)
	if err := g.HandleCommandRaw(context.Background(), raw); err != nil {
		t.Fatalf("unresolvable cancel must not requeue: %v", err)
	}
	if len(client.cancels) != 0 {
		t.Fatalf("cancels = %+v", client.cancels)
	}
}

func TestCancelFailureAcked(t *testing.T) {
	g, client, store, _ := newTestGateway()
	store.orders["ord-1"] = &model.Order{OrderID: "ord-1", BrokerOrderID: "BRK-1"}
	client.cancelErr = errors.New("order already complete")

	raw := []byte(`{"command":"CANCEL_ORDER","order_id":"ord-1"}`)
	if err := g.HandleCommandRaw(context.Background(), raw); err != nil {
		t.Fatalf("terminal-side cancel failure must not requeue: %v", err)
	}
}

func TestModifyOrder(t *testing.T) {
	g, client, store, _ := newTestGateway()
	store.orders["ord-1"] = &model.Order{OrderID: "ord-1", BrokerOrderID: "BRK-1"}

	raw := []byte(`{"command":"MODIFY_ORDER","order_id":"ord-1","qty":10,"price":107}`)
	if err := g.HandleCommandRaw(context.Background(), raw); err != nil {
		t.Fatalf("modify: %v", err)
	}
	if len(client.modifies) != 1 || client.modifies[0] != "BRK-1" {
		t.Fatalf("modifies = %+v", client.modifies)
	}
}

func TestUnparseableBrokerCommandDropped(t *testing.T) {
	g, client, _, _ := newTestGateway()
	if err := g.HandleCommandRaw(context.Background(), []byte("{oops")); err != nil {
		t.Fatalf("unparseable payload must not requeue: %v", err)
	}
	if len(client.placed) != 0 {
		t.Fatalf("placed = %+v", client.placed)
	}
}
