package store

import "github.com/safar/bookstore-fulfillment/internal/models"

var validNext = map[models.OrderStatus]map[models.OrderStatus]bool{
	models.OrderStatusPending:   {models.OrderStatusConfirmed: true, models.OrderStatusCancelled: true},
	models.OrderStatusConfirmed: {models.OrderStatusShipped: true, models.OrderStatusCancelled: true},
	models.OrderStatusShipped:   {models.OrderStatusDelivered: true},
	models.OrderStatusDelivered: {},
	models.OrderStatusCancelled: {},
}

func CanTransition(from, to models.OrderStatus) bool {
	return validNext[from][to]
}

// IsCancellable reports whether inventory can still be returned for an
// order in this status.
func IsCancellable(status models.OrderStatus) bool {
	return CanTransition(status, models.OrderStatusCancelled)
}
