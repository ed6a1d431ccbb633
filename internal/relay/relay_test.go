package relay

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/sealroom/sealroom/internal/protocol"
	"github.com/sealroom/sealroom/internal/registry"
)

type captureTransport struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *captureTransport) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *captureTransport) Open() bool   { return true }
func (c *captureTransport) Close() error { return nil }

func (c *captureTransport) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func TestLocalDeliversToRegistry(t *testing.T) {
	reg := registry.New(zaptest.NewLogger(t))
	target := &captureTransport{}
	other := &captureTransport{}
	if err := reg.Add(registry.Connection{ChatID: "chat", UserID: "bob", ClientID: "c1", Transport: target}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := reg.Add(registry.Connection{ChatID: "chat", UserID: "carol", ClientID: "c2", Transport: other}); err != nil {
		t.Fatalf("add: %v", err)
	}

	local := NewLocal(reg, zaptest.NewLogger(t))
	if err := local.Deliver(context.Background(), "chat", "bob", protocol.Confirm{Connected: true}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if target.count() != 1 || other.count() != 0 {
		t.Fatalf("unexpected fan-out: bob=%d carol=%d", target.count(), other.count())
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	raw, err := encodeEnvelope("chat", "bob", protocol.Error{Error: protocol.CodeNotFound})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := decodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.ChatID != "chat" || env.UserID != "bob" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if _, ok := protocol.DecodePayload(env.Payload).(protocol.Error); !ok {
		t.Fatalf("payload did not survive: %s", env.Payload)
	}

	if _, err := decodeEnvelope([]byte(`{"chatId":"chat"}`)); err == nil {
		t.Fatal("expected error for incomplete envelope")
	}
}

func TestDispatchIgnoresGarbage(t *testing.T) {
	reg := registry.New(zaptest.NewLogger(t))
	tr := &captureTransport{}
	if err := reg.Add(registry.Connection{ChatID: "chat", UserID: "bob", ClientID: "c1", Transport: tr}); err != nil {
		t.Fatalf("add: %v", err)
	}
	r := NewRedis(nil, reg, "", zaptest.NewLogger(t))

	r.dispatch("not json")
	if tr.count() != 0 {
		t.Fatal("garbage reached a connection")
	}

	raw, _ := encodeEnvelope("chat", "bob", protocol.Confirm{Connected: true})
	r.dispatch(string(raw))
	if tr.count() != 1 {
		t.Fatalf("expected one frame, got %d", tr.count())
	}
}

// Runs only against a real server: SEALROOM_TEST_REDIS=localhost:6379.
func TestRedisRelayAcrossNodes(t *testing.T) {
	addr := os.Getenv("SEALROOM_TEST_REDIS")
	if addr == "" {
		t.Skip("SEALROOM_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	prefix := "sealroom-test:" + time.Now().Format("150405.000000")
	nodeA := NewRedis(client, registry.New(zaptest.NewLogger(t)), prefix, zaptest.NewLogger(t))
	regB := registry.New(zaptest.NewLogger(t))
	nodeB := NewRedis(client, regB, prefix, zaptest.NewLogger(t))

	tr := &captureTransport{}
	if err := regB.Add(registry.Connection{ChatID: "chat", UserID: "bob", ClientID: "c1", Transport: tr}); err != nil {
		t.Fatalf("add: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = nodeB.Run(ctx) }()
	time.Sleep(200 * time.Millisecond)

	if err := nodeA.Deliver(ctx, "chat", "bob", protocol.Confirm{Connected: true}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for tr.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if tr.count() != 1 {
		t.Fatalf("expected delivery on node B, got %d frames", tr.count())
	}
}
