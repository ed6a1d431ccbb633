package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sealroom/sealroom/internal/protocol"
	"github.com/sealroom/sealroom/internal/registry"
)

// DefaultChannelPrefix namespaces the pub/sub channels, one per chat.
const DefaultChannelPrefix = "sealroom:deliver"

type envelope struct {
	ChatID  string          `json:"chatId"`
	UserID  string          `json:"userId"`
	Payload json.RawMessage `json:"payload"`
}

// Redis publishes every delivery on a per-chat channel. Each node, this one included, runs Run
// and broadcasts what it receives into its own registry, so a message persisted on one node
// reaches live connections on every node.
type Redis struct {
	client *redis.Client
	reg    *registry.Registry
	prefix string
	log    *zap.Logger
}

// NewRedis builds a relay. An empty prefix means DefaultChannelPrefix.
func NewRedis(client *redis.Client, reg *registry.Registry, prefix string, logger *zap.Logger) *Redis {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, reg: reg, prefix: strings.TrimSuffix(prefix, ":"), log: logger}
}

func (r *Redis) channel(chatID string) string {
	return r.prefix + ":" + chatID
}

func (r *Redis) Deliver(ctx context.Context, chatID, userID string, payload protocol.Payload) error {
	raw, err := encodeEnvelope(chatID, userID, payload)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel(chatID), raw).Err(); err != nil {
		return fmt.Errorf("publish delivery for %s: %w", chatID, err)
	}
	return nil
}

// Ping checks the connection, for readiness probes.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Run subscribes to every chat channel and feeds deliveries into the local registry until ctx
// is done.
func (r *Redis) Run(ctx context.Context) error {
	sub := r.client.PSubscribe(ctx, r.prefix+":*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.prefix, err)
	}
	r.log.Info("relay subscribed", zap.String("pattern", r.prefix+":*"))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("relay subscription closed")
			}
			r.dispatch(msg.Payload)
		}
	}
}

func (r *Redis) dispatch(raw string) {
	env, err := decodeEnvelope([]byte(raw))
	if err != nil {
		r.log.Warn("drop relay message", zap.Error(err))
		return
	}
	sent, err := r.reg.BroadcastRaw(env.Payload, env.ChatID, env.UserID)
	if err != nil {
		r.log.Debug("relay broadcast partially failed", zap.String("chat_id", env.ChatID), zap.Error(err))
	}
	r.log.Debug("relayed", zap.String("chat_id", env.ChatID), zap.String("user_id", env.UserID), zap.Int("connections", sent))
}

func encodeEnvelope(chatID, userID string, payload protocol.Payload) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", payload.Kind(), err)
	}
	return json.Marshal(envelope{ChatID: chatID, UserID: userID, Payload: data})
}

func decodeEnvelope(raw []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, fmt.Errorf("decode relay envelope: %w", err)
	}
	if env.ChatID == "" || env.UserID == "" || len(env.Payload) == 0 {
		return envelope{}, errors.New("relay envelope missing chat, user or payload")
	}
	return env, nil
}
