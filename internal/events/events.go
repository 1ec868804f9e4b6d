// Package events announces settled orders to the outside world.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zeebo/errs"

	"github.com/xtrntr/settlement/internal/models"
)

// Error is the class of notification failures
var Error = errs.Class("events")

// OrderEvent is the wire form of a terminal order
type OrderEvent struct {
	Event           string             `json:"event"`
	OrderID         int64              `json:"order_id"`
	Status          models.OrderStatus `json:"status"`
	WalletAddress   string             `json:"wallet_address,omitempty"`
	AssetSymbol     string             `json:"asset_symbol,omitempty"`
	Type            models.OrderType   `json:"type"`
	Amount          decimal.Decimal    `json:"amount"`
	Price           decimal.Decimal    `json:"price"`
	ExternalOrderID string             `json:"external_order_id,omitempty"`
	ErrorMessage    string             `json:"error_message,omitempty"`
	TransactionHash string             `json:"transaction_hash,omitempty"`
	SettledAt       time.Time          `json:"settled_at"`
}

// NewOrderEvent builds the event for a terminal order
func NewOrderEvent(o *models.Order) OrderEvent {
	ev := OrderEvent{
		Event:         "order_settled",
		OrderID:       o.ID,
		Status:        o.Status,
		WalletAddress: o.WalletAddress,
		AssetSymbol:   o.AssetSymbol,
		Type:          o.Type,
		Amount:        o.Amount,
		Price:         o.Price,
		SettledAt:     o.UpdatedAt,
	}
	if o.ExternalOrderID != nil {
		ev.ExternalOrderID = *o.ExternalOrderID
	}
	if o.ErrorMessage != nil {
		ev.ErrorMessage = *o.ErrorMessage
	}
	if o.TransactionHash != nil {
		ev.TransactionHash = *o.TransactionHash
	}
	if ev.SettledAt.IsZero() {
		ev.SettledAt = time.Now().UTC()
	}
	return ev
}

// Marshal encodes the event as JSON
func (ev OrderEvent) Marshal() ([]byte, error) {
	data, err := json.Marshal(ev)
	return data, Error.Wrap(err)
}

// Notifier is told about every terminal order
type Notifier interface {
	OrderSettled(ctx context.Context, order *models.Order) error
}

// Fanout notifies every member and combines their errors
type Fanout []Notifier

// OrderSettled implements Notifier
func (f Fanout) OrderSettled(ctx context.Context, order *models.Order) error {
	var list []error
	for _, n := range f {
		list = append(list, n.OrderSettled(ctx, order))
	}
	return errs.Combine(list...)
}
