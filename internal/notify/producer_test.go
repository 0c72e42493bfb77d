package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/safar/bookstore-fulfillment/internal/models"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func testOrder() *models.Order {
	return &models.Order{
		ID:          7,
		OrderNumber: "ORD-20250101-ABC123",
		UserID:      "u1",
		Status:      models.OrderStatusConfirmed,
		TotalAmount: decimal.RequireFromString("20"),
		Items: []models.OrderItem{
			{BookID: 3, Quantity: 2, Price: decimal.RequireFromString("10")},
		},
	}
}

func TestProducerPublishesEnvelope(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, ProducerConfig{Buffer: 4, Producer: "bookstore"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	if err := p.OrderConfirmed(ctx, testOrder()); err != nil {
		t.Fatalf("OrderConfirmed: %v", err)
	}
	cancel()
	p.WaitClosed()

	if !w.closed {
		t.Error("Writer should be closed on shutdown")
	}
	if len(w.msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(w.msgs))
	}

	msg := w.msgs[0]
	if string(msg.Key) != "ORD-20250101-ABC123" {
		t.Errorf("Expected key to be order number, got %q", msg.Key)
	}

	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		t.Fatalf("Decode envelope: %v", err)
	}
	if env.EventType != EventOrderConfirmed || env.Producer != "bookstore" || env.EventID == "" {
		t.Errorf("Unexpected envelope: %+v", env)
	}

	var payload OrderPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("Decode payload: %v", err)
	}
	if payload.TotalAmount != "20.00" || len(payload.Items) != 1 || payload.Items[0].Price != "10.00" {
		t.Errorf("Unexpected payload: %+v", payload)
	}
}

func TestProducerPublishNeverBlocks(t *testing.T) {
	p := newProducer(&fakeWriter{}, ProducerConfig{Buffer: 1}, nil)

	if err := p.Publish(EventOrderCancelled, testOrder()); err != nil {
		t.Fatalf("First publish: %v", err)
	}
	if err := p.Publish(EventOrderCancelled, testOrder()); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("Expected ErrBufferFull, got %v", err)
	}
}

func TestProducerRejectsAfterShutdown(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, ProducerConfig{Buffer: 2}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	cancel()
	p.WaitClosed()

	if err := p.OrderCancelled(context.Background(), testOrder()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}
}
