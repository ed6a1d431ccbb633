// Package relay hands realtime payloads to the live connections of a (chat, user), either on
// this node directly or across nodes through Redis pub/sub.
package relay

import (
	"context"

	"go.uber.org/zap"

	"github.com/sealroom/sealroom/internal/protocol"
	"github.com/sealroom/sealroom/internal/registry"
)

// Deliverer sends payload to every live connection of (chatID, userID).
type Deliverer interface {
	Deliver(ctx context.Context, chatID, userID string, payload protocol.Payload) error
}

// Local delivers straight into this node's registry.
type Local struct {
	reg *registry.Registry
	log *zap.Logger
}

// NewLocal wraps reg.
func NewLocal(reg *registry.Registry, logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{reg: reg, log: logger}
}

func (l *Local) Deliver(ctx context.Context, chatID, userID string, payload protocol.Payload) error {
	sent, err := l.reg.Broadcast(payload, chatID, userID)
	l.log.Debug("delivered",
		zap.String("chat_id", chatID),
		zap.String("user_id", userID),
		zap.String("kind", payload.Kind()),
		zap.Int("connections", sent),
	)
	if err != nil {
		return err
	}
	return ctx.Err()
}
