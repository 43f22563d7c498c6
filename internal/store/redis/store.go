package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"oms-systemv1/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// Key layout of the bracket state store. Only the State Manager writes
// bracket/order records; the Broker Gateway writes only the mapping hash.
const (
	keyBracketPrefix    = "oms:bracket:"
	keyOrderPrefix      = "oms:order:"
	keyBrokerMapping    = "oms:broker:mapping"
	keyActiveBrackets   = "oms:active:brackets"
	keyActiveInstrument = "oms:active:instrument:"
	keyActiveStrategy   = "oms:active:strategy:"
)

// Store persists brackets, child orders, the broker order mapping, and the
// active-index sets. Implements model.BracketStore.
type Store struct {
	client *goredis.Client
}

// NewStore wraps an existing Redis client (usually shared with Streams).
func NewStore(client *goredis.Client) *Store {
	return &Store{client: client}
}

// SaveBracket persists the full bracket record as JSON.
func (s *Store) SaveBracket(ctx context.Context, b *model.Bracket) error {
	if err := s.client.Set(ctx, keyBracketPrefix+b.BracketID, string(b.JSON()), 0).Err(); err != nil {
		return fmt.Errorf("save bracket %s: %w", b.BracketID, err)
	}
	return nil
}

// GetBracket loads a bracket by id. Returns nil, nil when absent.
func (s *Store) GetBracket(ctx context.Context, bracketID string) (*model.Bracket, error) {
	data, err := s.client.Get(ctx, keyBracketPrefix+bracketID).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("get bracket %s: %w", bracketID, err)
	}
	var b model.Bracket
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return nil, fmt.Errorf("unmarshal bracket %s: %w", bracketID, err)
	}
	return &b, nil
}

// SaveOrder persists a child order record as JSON.
func (s *Store) SaveOrder(ctx context.Context, o *model.Order) error {
	if err := s.client.Set(ctx, keyOrderPrefix+o.OrderID, string(o.JSON()), 0).Err(); err != nil {
		return fmt.Errorf("save order %s: %w", o.OrderID, err)
	}
	return nil
}

// GetOrder loads a child order by id. Returns nil, nil when absent.
func (s *Store) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	data, err := s.client.Get(ctx, keyOrderPrefix+orderID).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	var o model.Order
	if err := json.Unmarshal([]byte(data), &o); err != nil {
		return nil, fmt.Errorf("unmarshal order %s: %w", orderID, err)
	}
	return &o, nil
}

// AddActive inserts the bracket into the all/instrument/strategy index sets.
func (s *Store) AddActive(ctx context.Context, b *model.Bracket) error {
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, keyActiveBrackets, b.BracketID)
	pipe.SAdd(ctx, keyActiveInstrument+b.InstrumentID, b.BracketID)
	pipe.SAdd(ctx, keyActiveStrategy+b.StrategyID, b.BracketID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index bracket %s: %w", b.BracketID, err)
	}
	return nil
}

// RemoveActive removes the bracket from every active index set.
func (s *Store) RemoveActive(ctx context.Context, b *model.Bracket) error {
	pipe := s.client.Pipeline()
	pipe.SRem(ctx, keyActiveBrackets, b.BracketID)
	pipe.SRem(ctx, keyActiveInstrument+b.InstrumentID, b.BracketID)
	pipe.SRem(ctx, keyActiveStrategy+b.StrategyID, b.BracketID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deindex bracket %s: %w", b.BracketID, err)
	}
	return nil
}

// ActiveByInstrument returns active bracket ids for one instrument. The
// Execution Engine calls this per tick instead of scanning all brackets.
func (s *Store) ActiveByInstrument(ctx context.Context, instrumentID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, keyActiveInstrument+instrumentID).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("active by instrument %s: %w", instrumentID, err)
	}
	return ids, nil
}

// MapBrokerOrder records broker_order_id → order_id. Entries are never
// deleted; the mapping doubles as the broker correlation audit trail.
func (s *Store) MapBrokerOrder(ctx context.Context, brokerOrderID, orderID string) error {
	if err := s.client.HSet(ctx, keyBrokerMapping, brokerOrderID, orderID).Err(); err != nil {
		return fmt.Errorf("map broker order %s: %w", brokerOrderID, err)
	}
	return nil
}

// LookupOrderID resolves a broker order id to the internal order id.
// Returns "" when no mapping exists.
func (s *Store) LookupOrderID(ctx context.Context, brokerOrderID string) (string, error) {
	orderID, err := s.client.HGet(ctx, keyBrokerMapping, brokerOrderID).Result()
	if err != nil {
		if err == goredis.Nil {
			return "", nil
		}
		return "", fmt.Errorf("lookup broker order %s: %w", brokerOrderID, err)
	}
	return orderID, nil
}
