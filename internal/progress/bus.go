// Package progress turns counter deltas into a listener-visible event
// stream. Events travel over a watermill pub/sub channel: in-process by
// default, a redis stream when the policy configures one.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"

	"github.com/jrpool/rallytree-sub000/internal/model"
)

type Bus struct {
	topic      string
	publisher  message.Publisher
	subscriber message.Subscriber
	shared     bool

	closeOnce sync.Once
	closeErr  error
}

// NewBus picks the transport: gochannel when redisURL is blank, a redis
// stream otherwise.
func NewBus(topic string, redisURL string) (*Bus, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, fmt.Errorf("progress bus topic is required")
	}
	if strings.TrimSpace(redisURL) == "" {
		return NewGoChannelBus(topic), nil
	}
	return NewRedisBus(topic, redisURL)
}

func NewGoChannelBus(topic string) *Bus {
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
	}, watermill.NewStdLogger(false, false))
	return &Bus{
		topic:      topic,
		publisher:  pubsub,
		subscriber: pubsub,
		shared:     true,
	}
}

func NewRedisBus(topic string, redisURL string) (*Bus, error) {
	options, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("parse progress redis url: %w", err)
	}
	client := redis.NewClient(options)
	logger := watermill.NewStdLogger(false, false)
	publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client: client,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create progress publisher: %w", err)
	}
	subscriber, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
		Client: client,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create progress subscriber: %w", err)
	}
	return &Bus{
		topic:      topic,
		publisher:  publisher,
		subscriber: subscriber,
	}, nil
}

func (b *Bus) Publish(event model.ProgressEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	return b.publisher.Publish(b.topic, message.NewMessage(watermill.NewUUID(), payload))
}

func (b *Bus) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	return b.subscriber.Subscribe(ctx, b.topic)
}

func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		err := b.publisher.Close()
		if b.shared {
			b.closeErr = err
			return
		}
		subErr := b.subscriber.Close()
		if err != nil {
			b.closeErr = err
			return
		}
		b.closeErr = subErr
	})
	return b.closeErr
}

// DecodeEvent unmarshals one bus message back into a progress event.
func DecodeEvent(msg *message.Message) (model.ProgressEvent, error) {
	var event model.ProgressEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return model.ProgressEvent{}, fmt.Errorf("decode progress event: %w", err)
	}
	return event, nil
}
