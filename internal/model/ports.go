package model

import "context"

// ---- Port interfaces ----
// These interfaces decouple the pipeline components from concrete
// infrastructure (Redis, SQLite, the broker SDK). Each component receives
// its dependencies at construction so unit tests can substitute in-memory
// fakes.

// BracketReader is the read-only view of the bracket state store used by
// the Execution Engine and read APIs.
type BracketReader interface {
	// GetBracket loads a bracket by id. Returns nil, nil when absent.
	GetBracket(ctx context.Context, bracketID string) (*Bracket, error)

	// GetOrder loads a child order by id. Returns nil, nil when absent.
	GetOrder(ctx context.Context, orderID string) (*Order, error)

	// ActiveByInstrument returns the ids of active brackets indexed
	// under the given instrument.
	ActiveByInstrument(ctx context.Context, instrumentID string) ([]string, error)

	// LookupOrderID resolves a broker-assigned order id to the internal
	// order id. Returns "" when no mapping exists.
	LookupOrderID(ctx context.Context, brokerOrderID string) (string, error)
}

// BracketStore is the full state store. Only the State Manager (and, for
// the mapping, the Broker Gateway) writes through it.
type BracketStore interface {
	BracketReader

	// SaveBracket persists the bracket record.
	SaveBracket(ctx context.Context, b *Bracket) error

	// SaveOrder persists a child order record.
	SaveOrder(ctx context.Context, o *Order) error

	// AddActive inserts the bracket into the all/instrument/strategy
	// active index sets.
	AddActive(ctx context.Context, b *Bracket) error

	// RemoveActive removes the bracket from every active index set.
	RemoveActive(ctx context.Context, b *Bracket) error

	// MapBrokerOrder records broker_order_id → order_id. Mappings are
	// never deleted; they are the audit trail for broker correlation.
	MapBrokerOrder(ctx context.Context, brokerOrderID, orderID string) error
}

// StreamPublisher appends typed payloads to durable streams.
type StreamPublisher interface {
	PublishCommand(ctx context.Context, stream string, cmd *Command) error
	PublishBrokerCommand(ctx context.Context, stream string, cmd *BrokerCommand) error
	PublishOrderUpdate(ctx context.Context, stream string, u *OrderUpdate) error
	PublishEvent(ctx context.Context, stream string, e *Event) error
	PublishResponse(ctx context.Context, stream string, r *CommandResponse) error
}

// BrokerClient is the synchronous order API of the external broker.
// Implementations must apply their own request timeout so a slow broker
// never stalls the gateway's consumer loop.
type BrokerClient interface {
	// PlaceOrder submits a new order and returns the broker order id.
	PlaceOrder(ctx context.Context, cmd *BrokerCommand) (string, error)

	// ModifyOrder amends price/trigger/qty of a live order.
	ModifyOrder(ctx context.Context, brokerOrderID string, cmd *BrokerCommand) error

	// CancelOrder cancels a live order.
	CancelOrder(ctx context.Context, brokerOrderID string) error
}

// AuditJournal records completed lifecycles durably for offline analysis.
type AuditJournal interface {
	RecordEvent(e *Event) error
	RecordBracket(b *Bracket) error
	RecordOrder(o *Order) error
	Close() error
}
