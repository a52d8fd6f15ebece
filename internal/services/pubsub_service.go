package services

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"council/internal/models"

	"github.com/redis/go-redis/v9"
)

// PubSubService mirrors session events across instances via Redis.
// Events published by this instance go out on "session:<id>:events";
// events arriving from other instances are re-published onto the local
// bus so subscribers behind any instance see the full stream.
type PubSubService struct {
	redis      *RedisService
	bus        *EventBus
	pubsub     *redis.PubSub
	instanceID string
	ctx        context.Context
	cancel     context.CancelFunc
	mu         sync.Mutex
}

// mirroredEvent wraps a council event with its source instance
type mirroredEvent struct {
	InstanceID string              `json:"instance_id"`
	Event      models.CouncilEvent `json:"event"`
}

// NewPubSubService creates the mirror service
func NewPubSubService(redisService *RedisService, bus *EventBus, instanceID string) *PubSubService {
	ctx, cancel := context.WithCancel(context.Background())
	return &PubSubService{
		redis:      redisService,
		bus:        bus,
		instanceID: instanceID,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins listening for mirrored events from other instances
func (s *PubSubService) Start() error {
	s.pubsub = s.redis.Subscribe(s.ctx, "session:*:events")

	if _, err := s.pubsub.Receive(s.ctx); err != nil {
		return err
	}

	go s.processMessages()

	log.Printf("✅ [PUBSUB] Mirroring session events (instance: %s)", s.instanceID)
	return nil
}

// MirrorEvent publishes a locally emitted event to Redis
func (s *PubSubService) MirrorEvent(ctx context.Context, event models.CouncilEvent) {
	data, err := json.Marshal(mirroredEvent{InstanceID: s.instanceID, Event: event})
	if err != nil {
		return
	}
	channel := "session:" + event.SessionID + ":events"
	if err := s.redis.Publish(ctx, channel, data); err != nil {
		log.Printf("⚠️ [PUBSUB] Mirror publish failed for %s: %v", event.SessionID, err)
	}
}

func (s *PubSubService) processMessages() {
	ch := s.pubsub.Channel()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handleMessage(msg)
		}
	}
}

func (s *PubSubService) handleMessage(msg *redis.Message) {
	var mirrored mirroredEvent
	if err := json.Unmarshal([]byte(msg.Payload), &mirrored); err != nil {
		log.Printf("⚠️ [PUBSUB] Failed to unmarshal mirrored event: %v", err)
		return
	}

	// Skip events from this instance (avoid loops)
	if mirrored.InstanceID == s.instanceID {
		return
	}

	// Re-publish on the local bus; the local seq counter takes over
	s.bus.Publish(mirrored.Event.SessionID, mirrored.Event)
}

// Stop stops the mirror
func (s *PubSubService) Stop() error {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubsub != nil {
		return s.pubsub.Close()
	}
	return nil
}
