package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"

	"github.com/SahilKulkarni10/metaconnect-broker/dispatch"
	"github.com/SahilKulkarni10/metaconnect-broker/metrics"
)

const (
	kafkaMaxRetries     = 3
	kafkaInitialBackoff = 100 * time.Millisecond
	kafkaMaxBackoff     = 5 * time.Second
)

func newKafkaConfig() *sarama.Config {
	config := sarama.NewConfig()

	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = kafkaMaxRetries
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 500 * time.Millisecond

	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Group.Session.Timeout = 10 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 3 * time.Second

	config.Version = sarama.V2_8_0_0
	return config
}

// KafkaIngest consumes post-commit notifications published by the REST
// tier and hands each one to the dispatcher. The topic is partitioned on
// room id, so per-room notification order survives the trip.
type KafkaIngest struct {
	consumerGroup sarama.ConsumerGroup
	topic         string
	pub           dispatch.Publisher

	mu     sync.Mutex
	closed bool
}

func NewKafkaIngest(brokers []string, groupID, topic string, pub dispatch.Publisher) (*KafkaIngest, error) {
	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, newKafkaConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}

	return &KafkaIngest{
		consumerGroup: consumerGroup,
		topic:         topic,
		pub:           pub,
	}, nil
}

// Start begins consuming and blocks until the consumer joined its group
// or the context expires. Consumption continues in the background until
// the context is cancelled.
func (b *KafkaIngest) Start(ctx context.Context) error {
	handler := &ingestHandler{
		pub:   b.pub,
		ready: make(chan bool),
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
				// Consume must be called in a loop: it returns on every
				// group rebalance.
				if err := b.consumerGroup.Consume(ctx, []string{b.topic}, handler); err != nil {
					log.Printf("Error from commit-topic consumer: %v", err)
					return
				}
			}
		}
	}()

	go func() {
		for err := range b.consumerGroup.Errors() {
			log.Printf("Commit-topic consumer group error: %v", err)
		}
	}()

	select {
	case <-handler.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timeout waiting for commit-topic consumer to be ready")
	}
}

func (b *KafkaIngest) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.consumerGroup.Close()
}

// ingestHandler implements sarama.ConsumerGroupHandler.
type ingestHandler struct {
	pub   dispatch.Publisher
	ready chan bool
	once  sync.Once
}

func (h *ingestHandler) Setup(sarama.ConsumerGroupSession) error {
	h.once.Do(func() {
		close(h.ready)
	})
	return nil
}

func (h *ingestHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *ingestHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case kafkaMsg := <-claim.Messages():
			if kafkaMsg == nil {
				return nil
			}

			var n Notification
			if err := json.Unmarshal(kafkaMsg.Value, &n); err != nil {
				log.Printf("Notification decode error: %v", err)
				// Mark anyway: a frame that cannot decode today will not
				// decode on redelivery either.
				session.MarkMessage(kafkaMsg, "")
				continue
			}

			metrics.BridgeNotifications.WithLabelValues("kafka").Inc()
			h.pub.Publish(n.RoomID, n.Event, n.Payload)
			session.MarkMessage(kafkaMsg, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// KafkaPublisher is the producing half of the bridge, used by the REST
// tier (and its local simulator) to hand committed writes to the broker.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string

	mu     sync.Mutex
	closed bool
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	producer, err := sarama.NewSyncProducer(brokers, newKafkaConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return &KafkaPublisher{
		producer: producer,
		topic:    topic,
	}, nil
}

// NotifyAfterCommit publishes one notification with retry. The room id is
// the partition key so notifications for one room stay ordered.
func (p *KafkaPublisher) NotifyAfterCommit(ctx context.Context, n Notification) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("publisher is closed")
	}
	p.mu.Unlock()

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	kafkaMsg := &sarama.ProducerMessage{
		Topic:     p.topic,
		Key:       sarama.StringEncoder(n.RoomID),
		Value:     sarama.ByteEncoder(data),
		Timestamp: time.Now(),
	}

	operation := func() error {
		_, _, err := p.producer.SendMessage(kafkaMsg)
		return err
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(kafkaInitialBackoff),
				backoff.WithMaxInterval(kafkaMaxBackoff),
			),
			kafkaMaxRetries,
		),
		ctx,
	)

	return backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		metrics.BridgePublishRetries.Inc()
		log.Printf("Retrying bridge publish for room %s: %v (next attempt in %s)", n.RoomID, err, d)
	})
}

func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.producer.Close()
}
