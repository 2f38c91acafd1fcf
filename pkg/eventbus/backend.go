package eventbus

import (
	"context"
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Topic is the stream name carrying one conversation's events.
func Topic(conversationID int64) string {
	return fmt.Sprintf("chat:%d", conversationID)
}

// Backend owns the publisher and knows how to build subscribers, either on an
// in-process go channel or on Redis Streams.
type Backend struct {
	settings  Settings
	logger    watermill.LoggerAdapter
	publisher message.Publisher
	// shared is the go channel pub/sub; nil when redis is used
	shared *gochannel.GoChannel
	client *redis.Client
}

func Build(settings Settings) (*Backend, error) {
	logger := NewWatermillLogger(log.Logger)
	b := &Backend{settings: settings, logger: logger}

	if !settings.Enabled {
		// Publish waits for subscriber acks so per-topic order is kept.
		b.shared = gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            256,
			BlockPublishUntilSubscriberAck: true,
		}, logger)
		b.publisher = b.shared
		return b, nil
	}

	if strings.TrimSpace(settings.Addr) == "" {
		return nil, errors.New("eventbus: redis addr is empty")
	}
	b.client = redis.NewClient(&redis.Options{Addr: settings.Addr})
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     b.client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logger)
	if err != nil {
		_ = b.client.Close()
		return nil, errors.Wrap(err, "eventbus: redis publisher")
	}
	b.publisher = pub
	log.Info().Str("component", "eventbus").Str("addr", settings.Addr).Msg("using redis streams transport")
	return b, nil
}

func (b *Backend) Publisher() message.Publisher {
	if b == nil {
		return nil
	}
	return b.publisher
}

// Subscriber returns a subscriber for one conversation. owned reports whether
// the caller must close it; the shared in-process subscriber is closed with
// the backend.
func (b *Backend) Subscriber(ctx context.Context, conversationID int64) (sub message.Subscriber, owned bool, err error) {
	if b == nil || b.publisher == nil {
		return nil, false, errors.New("eventbus: backend is not initialized")
	}
	if b.shared != nil {
		return b.shared, false, nil
	}
	if err := b.ensureGroupAtTail(ctx, Topic(conversationID)); err != nil {
		log.Warn().Err(err).Str("component", "eventbus").Int64("conv_id", conversationID).Msg("could not create consumer group")
	}
	s, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        b.client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: b.settings.Group,
		Consumer:      fmt.Sprintf("%s:%d", b.settings.Consumer, conversationID),
	}, b.logger)
	if err != nil {
		return nil, false, errors.Wrap(err, "eventbus: redis subscriber")
	}
	return s, true, nil
}

// ensureGroupAtTail creates the consumer group at "$" so a new subscriber
// does not replay the stream's history.
func (b *Backend) ensureGroupAtTail(ctx context.Context, stream string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, b.settings.Group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Debug().Str("component", "eventbus").Str("stream", stream).Str("group", b.settings.Group).Msg("created consumer group at tail")
	return nil
}

func (b *Backend) Close() error {
	if b == nil || b.publisher == nil {
		return nil
	}
	err := b.publisher.Close()
	if b.client != nil {
		if cerr := b.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
