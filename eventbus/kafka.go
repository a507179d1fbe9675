package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/IBM/sarama"
)

// kafkaTransport implements Transport over Apache Kafka. The shared
// exchange maps to one Kafka topic; each module queue maps to a consumer
// group on that topic, and offset commits stand in for per-message
// acknowledgement. The routing key travels as the record key and a
// record header so partitioning keeps per-event-type ordering.
type kafkaTransport struct {
	brokers  []string
	exchange string
	buffer   int
	producer sarama.SyncProducer
	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

const kafkaHeaderRoutingKey = "routing_key"

// NewKafkaTransport creates a Kafka transport. BrokerURL is a
// comma-separated broker list ("broker1:9092,broker2:9092").
func NewKafkaTransport(cfg *Config) (Transport, error) {
	brokers := strings.Split(cfg.BrokerURL, ",")
	if len(brokers) == 0 || brokers[0] == "" {
		return nil, fmt.Errorf("%w: empty Kafka broker list", ErrConnectFailed)
	}
	return &kafkaTransport{
		brokers:  brokers,
		exchange: cfg.Exchange,
		buffer:   cfg.BufferSize,
	}, nil
}

func init() {
	RegisterTransport("kafka", NewKafkaTransport)
}

func (t *kafkaTransport) saramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_6_0_0
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	return cfg
}

func (t *kafkaTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.producer != nil {
		return nil
	}
	producer, err := sarama.NewSyncProducer(t.brokers, t.saramaConfig())
	if err != nil {
		return fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	t.producer = producer
	return nil
}

// Declare is a no-op for Kafka: the topic is auto-created broker-side
// and consumer groups come into existence on first join.
func (t *kafkaTransport) Declare(ctx context.Context, queue string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.producer == nil {
		return ErrNotConnected
	}
	return nil
}

func (t *kafkaTransport) Publish(ctx context.Context, msg Message) error {
	t.mu.Lock()
	producer := t.producer
	t.mu.Unlock()
	if producer == nil {
		return ErrNotConnected
	}

	headers := make([]sarama.RecordHeader, 0, len(msg.Headers)+1)
	headers = append(headers, sarama.RecordHeader{
		Key:   []byte(kafkaHeaderRoutingKey),
		Value: []byte(msg.RoutingKey),
	})
	for k, v := range msg.Headers {
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	_, _, err := producer.SendMessage(&sarama.ProducerMessage{
		Topic:   t.exchange,
		Key:     sarama.StringEncoder(msg.RoutingKey),
		Value:   sarama.ByteEncoder(msg.Body),
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to Kafka: %w", err)
	}
	return nil
}

func (t *kafkaTransport) Consume(ctx context.Context, queue string, patterns []string) (<-chan Delivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.producer == nil {
		return nil, ErrNotConnected
	}

	group, err := sarama.NewConsumerGroup(t.brokers, queue, t.saramaConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	deliveries := make(chan Delivery, t.buffer)
	handler := &kafkaGroupHandler{deliveries: deliveries, ctx: consumeCtx}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(deliveries)
		defer func() {
			if err := group.Close(); err != nil {
				slog.Error("Error closing Kafka consumer group", "error", err, "group", queue)
			}
		}()
		for {
			if consumeCtx.Err() != nil {
				return
			}
			// Consume returns on rebalance; loop to rejoin the group.
			if err := group.Consume(consumeCtx, []string{t.exchange}, handler); err != nil {
				if consumeCtx.Err() != nil {
					return
				}
				slog.Error("Kafka consume failed", "error", err, "group", queue)
				return
			}
		}
	}()

	return deliveries, nil
}

func (t *kafkaTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	producer := t.producer
	t.producer = nil
	t.mu.Unlock()

	t.wg.Wait()
	if producer != nil {
		if err := producer.Close(); err != nil {
			return fmt.Errorf("error closing Kafka producer: %w", err)
		}
	}
	return nil
}

// kafkaGroupHandler adapts sarama's consumer-group callbacks to the
// Delivery channel. Ack and both Nack outcomes mark the message so the
// offset advances; Kafka has no per-message requeue, so a requeue
// request is honored by not marking, leaving redelivery to the next
// rebalance.
type kafkaGroupHandler struct {
	deliveries chan<- Delivery
	ctx        context.Context
}

func (h *kafkaGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *kafkaGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *kafkaGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case <-h.ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			headers := make(map[string]string, len(msg.Headers))
			routingKey := string(msg.Key)
			for _, hdr := range msg.Headers {
				if string(hdr.Key) == kafkaHeaderRoutingKey {
					routingKey = string(hdr.Value)
					continue
				}
				headers[string(hdr.Key)] = string(hdr.Value)
			}

			d := Delivery{
				RoutingKey: routingKey,
				Body:       msg.Value,
				Headers:    headers,
				Ack: func() error {
					session.MarkMessage(msg, "")
					return nil
				},
				Nack: func(requeue bool) error {
					if !requeue {
						session.MarkMessage(msg, "")
					}
					return nil
				},
			}

			select {
			case h.deliveries <- d:
			case <-session.Context().Done():
				return nil
			case <-h.ctx.Done():
				return nil
			}
		}
	}
}
