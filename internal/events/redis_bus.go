package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vantagesec/scand/internal/scan"
)

// relayChannel is the Redis pub/sub channel scan events are mirrored to.
const relayChannel = "scand:events"

// relayFrame wraps an event with its origin so an instance can skip the
// echo of its own publications.
type relayFrame struct {
	Origin string      `json:"origin"`
	Event  *scan.Event `json:"event"`
}

// RedisBus wraps the in-process Bus and mirrors every published event to
// a Redis channel, so stream consumers attached to a different instance
// still see events for scans running here. Events arriving from Redis
// are fanned out locally; events originating locally are both fanned out
// and relayed.
type RedisBus struct {
	*Bus

	rdb      *redis.Client
	sub      *redis.PubSub
	instance string
	cancel   context.CancelFunc
	logger   *log.Logger
}

// NewRedisBus connects the relay. The returned bus is usable even if the
// subscriber loop later loses its connection; local fanout is unaffected.
func NewRedisBus(rdb *redis.Client) (*RedisBus, error) {
	ctx, cancel := context.WithCancel(context.Background())
	rb := &RedisBus{
		Bus:      NewBus(),
		rdb:      rdb,
		sub:      rdb.Subscribe(ctx, relayChannel),
		instance: uuid.NewString(),
		cancel:   cancel,
		logger:   log.New(log.Writer(), "[EventsRelay] ", log.LstdFlags),
	}

	// Confirm the subscription before relying on cross-instance delivery.
	if _, err := rb.sub.Receive(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("relay subscribe: %w", err)
	}

	go rb.receive(ctx)
	return rb, nil
}

// Publish fans out locally and mirrors the frame to Redis.
func (rb *RedisBus) Publish(e *scan.Event) {
	rb.Bus.Publish(e)

	payload, err := json.Marshal(relayFrame{Origin: rb.instance, Event: e})
	if err != nil {
		rb.logger.Printf("marshal %s: %v", e.Type, err)
		return
	}
	if err := rb.rdb.Publish(context.Background(), relayChannel, payload).Err(); err != nil {
		rb.logger.Printf("relay publish: %v", err)
	}
}

// receive pumps relayed frames from other instances into the local bus.
// Frames for scans this instance does not know are ignored by Bus.Publish.
func (rb *RedisBus) receive(ctx context.Context) {
	ch := rb.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var frame relayFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil || frame.Event == nil {
				rb.logger.Printf("relay decode: %v", err)
				continue
			}
			if frame.Origin == rb.instance {
				continue
			}
			rb.Bus.Publish(frame.Event)
		}
	}
}

// Close stops the relay loop and its subscription.
func (rb *RedisBus) Close() error {
	rb.cancel()
	return rb.sub.Close()
}
