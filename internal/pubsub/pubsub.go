// Package pubsub is the cross-instance event bus. A relay on instance A
// publishes on `deliver.{identity}`; every instance holds one pattern
// subscription and filters for its locally bound identities.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/cipherlink/relay/internal/envelope"
)

const channelPrefix = "deliver."

type Kind string

const (
	KindRelay Kind = "relay"
	KindEcho  Kind = "echo"
	KindAck   Kind = "ack"
)

// Ack correlates a delivery acknowledgement back to the original sender.
type Ack struct {
	From  string `json:"from"`
	MsgID string `json:"msg_id"`
}

// Message is the bus payload. Origin lets subscribers skip events their own
// instance already handled locally. TargetInstance and TargetSession come
// from the publisher's presence lookup: only the named instance owns the
// delivery (and any re-queue on failure); everyone else is best-effort.
// ExcludeSession keeps echoes away from the originating device.
type Message struct {
	Kind           Kind               `json:"kind"`
	Origin         string             `json:"origin"`
	TargetInstance string             `json:"target_instance,omitempty"`
	TargetSession  string             `json:"target_session,omitempty"`
	ExcludeSession string             `json:"exclude_session,omitempty"`
	Envelope       *envelope.Envelope `json:"envelope,omitempty"`
	Ack            *Ack               `json:"ack,omitempty"`
}

// Handler consumes one bus message addressed to an identity. Handlers must
// be safe for concurrent use.
type Handler func(identity string, msg Message)

// Bus publishes and subscribes on the deliver.* channels.
type Bus struct {
	rdb *redis.Client
	log *slog.Logger
}

func New(rdb *redis.Client, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{rdb: rdb, log: log}
}

func (b *Bus) Publish(ctx context.Context, identity string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("pubsub encode: %w", err)
	}
	if err := b.rdb.Publish(ctx, channelPrefix+identity, data).Err(); err != nil {
		return fmt.Errorf("pubsub publish %s: %w", identity, err)
	}
	return nil
}

// Subscribe starts the pattern subscription and dispatches messages to the
// handler until ctx is cancelled. It returns after the subscription is
// established; delivery runs on a background goroutine.
func (b *Bus) Subscribe(ctx context.Context, handler Handler) (func() error, error) {
	sub := b.rdb.PSubscribe(ctx, channelPrefix+"*")

	// Force the subscription onto the wire before we report readiness.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("pubsub subscribe: %w", err)
	}

	ch := sub.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				identity := strings.TrimPrefix(m.Channel, channelPrefix)
				var msg Message
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					b.log.Warn("pubsub: dropping malformed message", "channel", m.Channel, "err", err)
					continue
				}
				handler(identity, msg)
			}
		}
	}()

	return sub.Close, nil
}
