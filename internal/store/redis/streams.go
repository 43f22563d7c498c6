// Package redis implements the OMS transport and state store on Redis:
// durable command/event streams consumed via Consumer Groups, and the
// bracket/order/mapping records with their active-index sets.
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	"oms-systemv1/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	// Stream trimming caps. Order/state streams keep a deep history;
	// responses are shorter-lived.
	orderStreamMaxLen    = 100000
	responseStreamMaxLen = 50000
)

// StreamsConfig configures the stream transport.
type StreamsConfig struct {
	Addr          string
	Password      string
	DB            int
	ConsumerGroup string // consumer group name, e.g. "statemanager"
	ConsumerName  string // unique consumer name, e.g. hostname
}

// Streams reads and appends OMS messages on Redis Streams via Consumer
// Groups. A message is acknowledged only after its handler reports success,
// so a crash mid-processing leads to redelivery (at-least-once).
type Streams struct {
	client        *goredis.Client
	consumerGroup string
	consumerName  string
}

// NewStreams connects to Redis and pings the server.
func NewStreams(cfg StreamsConfig) (*Streams, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	group := cfg.ConsumerGroup
	if group == "" {
		group = "oms"
	}
	consumer := cfg.ConsumerName
	if consumer == "" {
		consumer = "worker-1"
	}

	log.Printf("[redis-streams] connected to %s (group=%s, consumer=%s)", cfg.Addr, group, consumer)
	return &Streams{
		client:        client,
		consumerGroup: group,
		consumerName:  consumer,
	}, nil
}

// Client returns the underlying Redis client for health checks and for
// sharing the connection with the state Store.
func (s *Streams) Client() *goredis.Client { return s.client }

// EnsureConsumerGroup creates the consumer group on the given streams if it
// doesn't exist. Uses "0" as start ID so a fresh group picks up messages
// appended before the consumer came up.
func (s *Streams) EnsureConsumerGroup(ctx context.Context, streams []string) error {
	for _, stream := range streams {
		err := s.client.XGroupCreateMkStream(ctx, stream, s.consumerGroup, "0").Err()
		if err != nil {
			// Ignore "BUSYGROUP", the group already exists.
			if err.Error() != "BUSYGROUP Consumer Group name already exists" {
				return fmt.Errorf("xgroup create %s: %w", stream, err)
			}
		}
	}
	return nil
}

// Handler processes one raw stream payload. A nil return acknowledges the
// message; a non-nil return leaves it pending for redelivery.
type Handler func(ctx context.Context, data []byte) error

// Consume reads one stream through the consumer group and dispatches each
// message to handle. Blocks on XREADGROUP and returns when ctx is
// cancelled. Messages without a "data" field are ACKed and skipped to
// avoid poison pills.
func (s *Streams) Consume(ctx context.Context, stream string, count int64, handle Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		results, err := s.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    s.consumerGroup,
			Consumer: s.consumerName,
			Streams:  []string{stream, ">"},
			Count:    count,
			Block:    3 * time.Second,
		}).Result()
		if err != nil {
			if err == goredis.Nil || ctx.Err() != nil {
				continue
			}
			log.Printf("[redis-streams] xreadgroup %s error: %v", stream, err)
			time.Sleep(time.Second)
			continue
		}

		for _, res := range results {
			for _, msg := range res.Messages {
				s.dispatch(ctx, res.Stream, msg, handle)
			}
		}
	}
}

// RecoverPending claims and reprocesses this consumer's unACKed messages
// from a previous crash before new consumption starts.
func (s *Streams) RecoverPending(ctx context.Context, stream string, handle Handler) error {
	for {
		pending, err := s.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
			Stream: stream,
			Group:  s.consumerGroup,
			Start:  "-",
			End:    "+",
			Count:  100,
		}).Result()
		if err != nil || len(pending) == 0 {
			return err
		}

		ids := make([]string, len(pending))
		for i, p := range pending {
			ids[i] = p.ID
		}

		claimed, err := s.client.XClaim(ctx, &goredis.XClaimArgs{
			Stream:   stream,
			Group:    s.consumerGroup,
			Consumer: s.consumerName,
			MinIdle:  0,
			Messages: ids,
		}).Result()
		if err != nil {
			return fmt.Errorf("xclaim %s: %w", stream, err)
		}

		for _, msg := range claimed {
			s.dispatch(ctx, stream, msg, handle)
		}

		if len(claimed) < len(ids) {
			return nil
		}
	}
}

// StartPELReclaimer starts a periodic background loop that steals stale
// pending entries from dead consumers in the same group and reprocesses
// them. Returns immediately; the loop runs until ctx is cancelled.
func (s *Streams) StartPELReclaimer(ctx context.Context, stream string, interval time.Duration, minIdle time.Duration, handle Handler, onReclaim func(count int)) {
	go s.reclaimLoop(ctx, stream, interval, minIdle, handle, onReclaim)
}

func (s *Streams) reclaimLoop(ctx context.Context, stream string, interval time.Duration, minIdle time.Duration, handle Handler, onReclaim func(count int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, err := s.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
				Stream: stream,
				Group:  s.consumerGroup,
				Start:  "-",
				End:    "+",
				Count:  50,
				Idle:   minIdle,
			}).Result()
			if err != nil || len(pending) == 0 {
				continue
			}

			// Only steal entries owned by other (likely dead) consumers.
			var staleIDs []string
			for _, p := range pending {
				if p.Consumer != s.consumerName {
					staleIDs = append(staleIDs, p.ID)
				}
			}
			if len(staleIDs) == 0 {
				continue
			}

			claimed, err := s.client.XClaim(ctx, &goredis.XClaimArgs{
				Stream:   stream,
				Group:    s.consumerGroup,
				Consumer: s.consumerName,
				MinIdle:  minIdle,
				Messages: staleIDs,
			}).Result()
			if err != nil {
				log.Printf("[redis-streams] PEL reclaim error on %s: %v", stream, err)
				continue
			}

			for _, msg := range claimed {
				s.dispatch(ctx, stream, msg, handle)
			}
			if len(claimed) > 0 {
				log.Printf("[redis-streams] reclaimed %d stale PEL entries from %s", len(claimed), stream)
				if onReclaim != nil {
					onReclaim(len(claimed))
				}
			}
		}
	}
}

// dispatch runs the handler for one message and ACKs on success or on an
// unparseable payload.
func (s *Streams) dispatch(ctx context.Context, stream string, msg goredis.XMessage, handle Handler) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		log.Printf("[redis-streams] %s %s: missing data field, dropping", stream, msg.ID)
		s.client.XAck(ctx, stream, s.consumerGroup, msg.ID)
		return
	}

	if err := handle(ctx, []byte(data)); err != nil {
		// Leave the message pending; redelivery retries it.
		log.Printf("[redis-streams] %s %s: handler error: %v (left pending)", stream, msg.ID, err)
		time.Sleep(500 * time.Millisecond)
		return
	}

	s.client.XAck(ctx, stream, s.consumerGroup, msg.ID)
}

// xadd appends a JSON payload under the "data" field with approximate
// MAXLEN trimming.
func (s *Streams) xadd(ctx context.Context, stream string, maxLen int64, data []byte) error {
	return s.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
}

// PublishCommand appends a pipeline command to the given stream.
func (s *Streams) PublishCommand(ctx context.Context, stream string, cmd *model.Command) error {
	return s.xadd(ctx, stream, orderStreamMaxLen, cmd.JSON())
}

// PublishBrokerCommand appends a broker placement/cancel/modify command.
func (s *Streams) PublishBrokerCommand(ctx context.Context, stream string, cmd *model.BrokerCommand) error {
	return s.xadd(ctx, stream, orderStreamMaxLen, cmd.JSON())
}

// PublishOrderUpdate appends a normalized broker order update.
func (s *Streams) PublishOrderUpdate(ctx context.Context, stream string, u *model.OrderUpdate) error {
	return s.xadd(ctx, stream, orderStreamMaxLen, u.JSON())
}

// PublishEvent appends a lifecycle event for external observers.
func (s *Streams) PublishEvent(ctx context.Context, stream string, e *model.Event) error {
	return s.xadd(ctx, stream, orderStreamMaxLen, e.JSON())
}

// PublishResponse appends a command response for the client gateway.
func (s *Streams) PublishResponse(ctx context.Context, stream string, r *model.CommandResponse) error {
	return s.xadd(ctx, stream, responseStreamMaxLen, r.JSON())
}

// Close closes the Redis client.
func (s *Streams) Close() error {
	return s.client.Close()
}
