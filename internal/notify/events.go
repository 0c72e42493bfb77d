package notify

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/safar/bookstore-fulfillment/internal/models"
)

const (
	EventOrderConfirmed = "order.confirmed"
	EventOrderCancelled = "order.cancelled"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

type OrderItemPayload struct {
	BookID   int64  `json:"book_id"`
	Quantity int    `json:"quantity"`
	Price    string `json:"price"`
}

type OrderPayload struct {
	OrderID     int64              `json:"order_id"`
	OrderNumber string             `json:"order_number"`
	UserID      string             `json:"user_id"`
	Status      string             `json:"status"`
	TotalAmount string             `json:"total_amount"`
	Items       []OrderItemPayload `json:"items"`
}

func newEnvelope(eventType, producer string, order *models.Order) (Envelope, error) {
	payload := OrderPayload{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Status:      string(order.Status),
		TotalAmount: order.TotalAmount.StringFixed(2),
		Items:       make([]OrderItemPayload, 0, len(order.Items)),
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, OrderItemPayload{
			BookID:   item.BookID,
			Quantity: item.Quantity,
			Price:    item.Price.StringFixed(2),
		})
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: order.OrderNumber,
		Payload:       raw,
	}, nil
}
