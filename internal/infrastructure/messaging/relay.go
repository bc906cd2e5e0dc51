package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// REDIS RELAY
// ══════════════════════════════════════════════════════════════════════════════

// RedisClient defines the interface for Redis Pub/Sub operations.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channels ...string) (<-chan RedisMessage, error)
	Close() error
}

// RedisMessage represents a message received from Redis Pub/Sub.
type RedisMessage struct {
	Channel string
	Payload string
	Err     error
}

// RelayConfig contains configuration for Relay.
type RelayConfig struct {
	// Client is the Redis client to use
	Client RedisClient

	// ChannelName is the Redis channel for events (default: "trainer:events")
	ChannelName string

	// InstanceID uniquely identifies this instance (for filtering self-published events)
	InstanceID string

	// Inbound receives events published by other instances. Optional.
	Inbound shared.EventPublisher

	// Logger for structured logging
	Logger *slog.Logger
}

// Relay forwards contract events from local buses to a Redis channel and
// republishes events from other instances on an inbound publisher.
type Relay struct {
	client      RedisClient
	channelName string
	instanceID  string
	inbound     shared.EventPublisher
	logger      *slog.Logger

	seen *recentIDs

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

type relayEnvelope struct {
	InstanceID string       `json:"instance_id"`
	Event      shared.Event `json:"event"`
}

// relayedTypes are the event types forwarded to other instances.
var relayedTypes = []shared.EventType{
	shared.EventStepCompleted,
	shared.EventMilestoneReached,
	shared.EventProgressUpdated,
	shared.EventSessionEnded,
	shared.EventErrorOccurred,
}

// NewRelay creates a relay and starts its subscription loop.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.ChannelName == "" {
		cfg.ChannelName = "trainer:events"
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = "instance-" + uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		client:      cfg.Client,
		channelName: cfg.ChannelName,
		instanceID:  cfg.InstanceID,
		inbound:     cfg.Inbound,
		logger:      cfg.Logger.With("component", "event_relay", "instance_id", cfg.InstanceID),
		seen:        newRecentIDs(4096),
		ctx:         ctx,
		cancel:      cancel,
	}

	if r.inbound != nil {
		if err := r.startSubscriber(); err != nil {
			cancel()
			return nil, fmt.Errorf("start subscriber: %w", err)
		}
	}
	return r, nil
}

// InstanceID returns the id stamped on outgoing messages.
func (r *Relay) InstanceID() string {
	return r.instanceID
}

// Attach subscribes the relay to a bus. The relay runs after every other
// subscriber of the bus.
func (r *Relay) Attach(bus shared.EventSubscriber) (string, error) {
	return bus.Subscribe(relayedTypes, r.Forward, 1<<20)
}

// Forward is an event handler that publishes the event on Redis. Events that
// came from another instance are not sent back.
func (r *Relay) Forward(ctx context.Context, event shared.Event) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil
	}
	if r.seen.contains(event.ID) {
		return nil
	}

	data, err := json.Marshal(relayEnvelope{InstanceID: r.instanceID, Event: event})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channelName, string(data)); err != nil {
		// Local delivery already happened; a lost remote copy is only logged.
		r.logger.Error("failed to publish to redis", "event_id", event.ID, "event_type", event.Type, "error", err)
	}
	return nil
}

func (r *Relay) startSubscriber() error {
	messages, err := r.client.Subscribe(r.ctx, r.channelName)
	if err != nil {
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.subscriptionLoop(messages)
	}()
	return nil
}

func (r *Relay) subscriptionLoop(messages <-chan RedisMessage) {
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if msg.Err != nil {
				r.logger.Error("redis subscription error", "error", msg.Err)
				continue
			}
			r.handleMessage(msg)
		}
	}
}

func (r *Relay) handleMessage(msg RedisMessage) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		r.logger.Error("failed to unmarshal event", "error", err)
		return
	}

	// Skip events from self (already processed locally)
	if env.InstanceID == r.instanceID {
		return
	}
	if !r.seen.add(env.Event.ID) {
		return
	}

	if err := r.inbound.Publish(r.ctx, env.Event); err != nil {
		r.logger.Error("failed to process remote event", "event_id", env.Event.ID, "error", err)
	}
}

// Close stops the subscription loop and closes the client.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()

	r.logger.Info("event relay closed")
	return r.client.Close()
}

// recentIDs is a bounded set of event ids.
type recentIDs struct {
	mu    sync.Mutex
	set   map[string]struct{}
	ring  []string
	next  int
	limit int
}

func newRecentIDs(limit int) *recentIDs {
	return &recentIDs{set: make(map[string]struct{}, limit), ring: make([]string, limit), limit: limit}
}

// add inserts id and reports whether it was new.
func (r *recentIDs) add(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.set[id]; ok {
		return false
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.set, old)
	}
	r.ring[r.next] = id
	r.next = (r.next + 1) % r.limit
	r.set[id] = struct{}{}
	return true
}

func (r *recentIDs) contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.set[id]
	return ok
}
