package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/safar/bookstore-fulfillment/internal/logger"
	"github.com/safar/bookstore-fulfillment/internal/models"
	"github.com/segmentio/kafka-go"
)

var (
	ErrBufferFull = errors.New("notification buffer full")
	ErrClosed     = errors.New("notifier closed")
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ProducerConfig struct {
	Brokers  []string
	Topic    string
	Buffer   int
	Producer string
}

// Producer publishes order events to Kafka from a background loop. Publish
// never blocks the caller; a full buffer is reported as ErrBufferFull.
type Producer struct {
	w        messageWriter
	inbox    chan kafka.Message
	done     chan struct{}
	log      *logger.Logger
	producer string

	mu     sync.RWMutex
	closed bool
}

func NewProducer(cfg ProducerConfig, log *logger.Logger) *Producer {
	return newProducer(&kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}, cfg, log)
}

func newProducer(w messageWriter, cfg ProducerConfig, log *logger.Logger) *Producer {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Producer{
		w:        w,
		inbox:    make(chan kafka.Message, cfg.Buffer),
		done:     make(chan struct{}),
		log:      log,
		producer: cfg.Producer,
	}
}

// Start runs the write loop until ctx is cancelled, then flushes what is
// buffered and closes the writer.
func (p *Producer) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		for {
			select {
			case <-ctx.Done():
				p.mu.Lock()
				p.closed = true
				p.mu.Unlock()
				p.drain()
				if err := p.w.Close(); err != nil {
					p.log.Warn(context.Background(), "close kafka writer", err)
				}
				return
			case m := <-p.inbox:
				p.write(m)
			}
		}
	}()
}

func (p *Producer) drain() {
	for {
		select {
		case m := <-p.inbox:
			p.write(m)
		default:
			return
		}
	}
}

func (p *Producer) write(m kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.w.WriteMessages(ctx, m); err != nil {
		p.log.Error(p.log.WithField(ctx, "key", string(m.Key)), "write order event", err)
	}
}

// WaitClosed blocks until the write loop has exited.
func (p *Producer) WaitClosed() { <-p.done }

func (p *Producer) Publish(eventType string, order *models.Order) error {
	env, err := newEnvelope(eventType, p.producer, order)
	if err != nil {
		return fmt.Errorf("build %s envelope: %w", eventType, err)
	}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", eventType, err)
	}

	msg := kafka.Message{
		Key:   []byte(order.OrderNumber),
		Value: value,
		Time:  env.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
		},
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.inbox <- msg:
		return nil
	default:
		return ErrBufferFull
	}
}

func (p *Producer) OrderConfirmed(_ context.Context, order *models.Order) error {
	return p.Publish(EventOrderConfirmed, order)
}

func (p *Producer) OrderCancelled(_ context.Context, order *models.Order) error {
	return p.Publish(EventOrderCancelled, order)
}

// Nop is used when no brokers are configured.
type Nop struct{}

func (Nop) OrderConfirmed(context.Context, *models.Order) error { return nil }
func (Nop) OrderCancelled(context.Context, *models.Order) error { return nil }
