// Package tail carries "a session has new turns" notifications between the
// process that appends a turn and every live subscriber of that session.
// Notifications are wake-up signals only; subscribers always re-read the
// store, so a lost or reordered notification never loses or reorders turns.
package tail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/zhouzirui/coachfeed/backend/internal/model/chat"
)

// Notification is the payload published after each committed append.
type Notification struct {
	SessionID string      `json:"sessionId"`
	TurnID    string      `json:"turnId"`
	CreatedAt chat.Cursor `json:"createdAt"`
}

// Bus wraps a watermill publisher/subscriber pair.
type Bus struct {
	pub    message.Publisher
	sub    message.Subscriber
	prefix string
	close  func() error
}

// NewMemoryBus returns an in-process bus backed by watermill's Go channel pub/sub.
func NewMemoryBus(logger watermill.LoggerAdapter) *Bus {
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
	return &Bus{pub: ps, sub: ps, prefix: "turns.", close: ps.Close}
}

// RedisSettings configures the Redis Streams bus.
type RedisSettings struct {
	Addr   string
	Prefix string
}

// NewRedisBus returns a bus backed by Redis Streams so appends made by one
// process wake subscribers in another. Subscribers run in fan-out mode: every
// subscriber sees every notification.
func NewRedisBus(ctx context.Context, s RedisSettings, logger watermill.LoggerAdapter) (*Bus, error) {
	if strings.TrimSpace(s.Addr) == "" {
		return nil, errors.New("redis tail bus: address is required")
	}
	prefix := s.Prefix
	if prefix == "" {
		prefix = "coachfeed:turns:"
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis tail bus: ping %s: %w", s.Addr, err)
	}

	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis tail bus: publisher: %w", err)
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:       client,
		Unmarshaller: marshaler,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("redis tail bus: subscriber: %w", err)
	}

	return &Bus{
		pub:    pub,
		sub:    sub,
		prefix: prefix,
		close: func() error {
			return errors.Join(sub.Close(), pub.Close(), client.Close())
		},
	}, nil
}

// Topic returns the topic notifications for sessionID are published on.
func (b *Bus) Topic(sessionID string) string {
	return b.prefix + sessionID
}

// Notify publishes a notification for a freshly committed turn.
func (b *Bus) Notify(turn chat.Turn) error {
	payload, err := json.Marshal(Notification{
		SessionID: turn.SessionID,
		TurnID:    turn.ID,
		CreatedAt: turn.CreatedAt,
	})
	if err != nil {
		return err
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set("session_id", turn.SessionID)
	return b.pub.Publish(b.Topic(turn.SessionID), msg)
}

// Listen subscribes to a session's notifications. The returned channel has
// a buffer of one and coalesces bursts: a pending wake-up already covers
// every turn committed before it is consumed. It closes when ctx ends.
func (b *Bus) Listen(ctx context.Context, sessionID string) (<-chan Notification, error) {
	messages, err := b.sub.Subscribe(ctx, b.Topic(sessionID))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", sessionID, err)
	}

	out := make(chan Notification, 1)
	go func() {
		defer close(out)
		for msg := range messages {
			var n Notification
			decodeErr := json.Unmarshal(msg.Payload, &n)
			msg.Ack()
			if decodeErr != nil {
				continue
			}
			select {
			case out <- n:
			default:
			}
		}
	}()
	return out, nil
}

// Close releases the underlying publisher and subscriber.
func (b *Bus) Close() error {
	if b == nil || b.close == nil {
		return nil
	}
	return b.close()
}
