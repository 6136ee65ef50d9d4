package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultBridgeChannel is the Redis channel shared by all nodes.
const DefaultBridgeChannel = "healthpal:realtime:rooms"

type envelope struct {
	Node    string `json:"node"`
	Room    string `json:"room"`
	Sender  string `json:"sender"`
	Payload []byte `json:"payload"`
}

type pubSub interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// RedisBridge fans room messages out to the other nodes through Redis
// pub/sub. Delivery stays at-most-once: messages published while a node is
// not subscribed are lost.
type RedisBridge struct {
	client  pubSub
	broker  *Broker
	channel string
	nodeID  string
	logger  zerolog.Logger
}

func NewRedisBridge(client *redis.Client, broker *Broker, logger zerolog.Logger) *RedisBridge {
	nodeID := uuid.NewString()
	return &RedisBridge{
		client:  client,
		broker:  broker,
		channel: DefaultBridgeChannel,
		nodeID:  nodeID,
		logger:  logger.With().Str("node_id", nodeID).Logger(),
	}
}

func (b *RedisBridge) NodeID() string { return b.nodeID }

// Publish implements Publisher.
func (b *RedisBridge) Publish(ctx context.Context, room, senderID string, payload []byte) error {
	data, err := json.Marshal(envelope{Node: b.nodeID, Room: room, Sender: senderID, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run subscribes to the bridge channel and delivers messages from other
// nodes to local room members until ctx is done.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}
	b.logger.Info().Str("channel", b.channel).Msg("realtime bridge subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle([]byte(msg.Payload))
		}
	}
}

func (b *RedisBridge) handle(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.logger.Warn().Err(err).Msg("ignoring malformed bridge message")
		return
	}
	if env.Node == b.nodeID || env.Room == "" {
		return
	}
	b.broker.deliver(env.Room, env.Sender, env.Payload)
}
