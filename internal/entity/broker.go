package entity

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type BrokerName string

const (
	BrokerSimulated BrokerName = "simulated"
)

// status strings pushed or reported by a venue
const (
	BrokerOrderStatusFilled    = "filled"
	BrokerOrderStatusCancelled = "cancelled"
	BrokerOrderStatusRejected  = "rejected"
)

type SendOrderResult struct {
	BrokerOrderID string
	Filled        bool
	FilledPrice   *decimal.Decimal
}

type BrokerOrderUpdate struct {
	BrokerOrderID string           `json:"orderId"`
	Status        string           `json:"status"`
	FilledPrice   *decimal.Decimal `json:"filledPrice,omitempty"`
}

type OrderUpdateHandler func(update BrokerOrderUpdate)

type Broker interface {
	Name() BrokerName
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SendOrder(ctx context.Context, request OrderRequest) (*SendOrderResult, error)
	CancelOrder(ctx context.Context, brokerOrderID string) (bool, error)
	OrderStatus(ctx context.Context, brokerOrderID string) (*BrokerOrderUpdate, error)
	Latency(ctx context.Context) (time.Duration, error)
	// OnOrderUpdate registers the receiver of venue push updates. Venues without a push
	// channel keep the handler and never call it.
	OnOrderUpdate(handler OrderUpdateHandler)
}
