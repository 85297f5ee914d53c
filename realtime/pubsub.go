package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/mmdatafocus/cashflow_sync/config"
	"github.com/mmdatafocus/cashflow_sync/models"
	"github.com/sirupsen/logrus"
)

const channelAttribute = "channel"

// PubSubChannel maps each realtime channel to a Pub/Sub topic and pulls
// from a per-agent subscription on it.
type PubSubChannel struct {
	client       *pubsub.Client
	topicPrefix  string
	subscriberID string
	logger       *logrus.Logger
}

func NewPubSubChannel(client *pubsub.Client, topicPrefix, subscriberID string, logger *logrus.Logger) *PubSubChannel {
	if logger == nil {
		logger = config.GetLogger()
	}
	if topicPrefix == "" {
		topicPrefix = "cashflow"
	}
	return &PubSubChannel{
		client:       client,
		topicPrefix:  topicPrefix,
		subscriberID: subscriberID,
		logger:       logger,
	}
}

// TopicName converts a channel name into a valid topic id.
func (p *PubSubChannel) TopicName(channel string) string {
	return p.topicPrefix + "-" + sanitizeResourceName(channel)
}

func (p *PubSubChannel) subscriptionName(channel string) string {
	name := p.TopicName(channel)
	if p.subscriberID != "" {
		name += "-" + sanitizeResourceName(p.subscriberID)
	}
	return name
}

func sanitizeResourceName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

type pubsubSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (s *pubsubSubscription) Unsubscribe() error {
	s.cancel()
	<-s.done
	if errors.Is(s.err, context.Canceled) {
		return nil
	}
	return s.err
}

func (p *PubSubChannel) Subscribe(ctx context.Context, name string, onEvent func(models.RealtimeEvent)) (Subscription, error) {
	if p.client == nil {
		return nil, errors.New("pubsub client is nil")
	}
	topic, err := config.CreateTopicIfNotExists(ctx, p.client, p.TopicName(name))
	if err != nil {
		return nil, err
	}
	sub, err := config.CreateSubscriptionIfNotExists(ctx, p.client, p.subscriptionName(name), topic)
	if err != nil {
		return nil, err
	}

	log := p.logger.WithFields(logrus.Fields{"module": "realtime", "channel": name, "subscription": sub.ID()})
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handle := &pubsubSubscription{cancel: cancel, done: make(chan struct{})}
	var once sync.Once
	go func() {
		defer close(handle.done)
		handle.err = sub.Receive(rctx, func(_ context.Context, msg *pubsub.Message) {
			once.Do(func() { log.Info("realtime pubsub receiving") })
			ev, err := decodeEventData(msg.Data)
			if err != nil {
				log.Warnf("dropping malformed pubsub message %s: %v", msg.ID, err)
				msg.Ack()
				return
			}
			onEvent(ev)
			msg.Ack()
		})
		if handle.err != nil && !errors.Is(handle.err, context.Canceled) {
			log.Errorf("pubsub receive stopped: %v", handle.err)
		}
	}()
	return handle, nil
}

// Publish sends ev on the channel's topic.
func (p *PubSubChannel) Publish(ctx context.Context, name string, ev models.RealtimeEvent) error {
	if p.client == nil {
		return errors.New("pubsub client is nil")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	topic := p.client.Topic(p.TopicName(name))
	defer topic.Stop()
	res := topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{channelAttribute: name},
	})
	_, err = res.Get(ctx)
	return err
}

func decodeEventData(data []byte) (models.RealtimeEvent, error) {
	var ev models.RealtimeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decode realtime event: %w", err)
	}
	if ev.Type == "" && ev.Table == "" {
		return ev, errors.New("realtime event has neither type nor table")
	}
	return ev, nil
}
