package entity

import (
	"maps"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type OrderType string
type OrderSide string
type ExecutionStatus string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"

	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP"
)

const (
	ExecutionStatusPending   ExecutionStatus = "PENDING"
	ExecutionStatusSent      ExecutionStatus = "SENT"
	ExecutionStatusFilled    ExecutionStatus = "FILLED"
	ExecutionStatusRejected  ExecutionStatus = "REJECTED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusCancelled ExecutionStatus = "CANCELLED"
)

// OrderRequest is treated as immutable once submitted.
type OrderRequest struct {
	ClientID *string          `json:"client_id,omitempty"`
	Symbol   string           `json:"symbol"`
	Side     OrderSide        `json:"side"`
	Volume   decimal.Decimal  `json:"volume"`
	Price    *decimal.Decimal `json:"price,omitempty"`
	Type     OrderType        `json:"type,omitempty"`
	Meta     map[string]any   `json:"meta,omitempty"`
}

func (r OrderRequest) ClientIDValue() string {
	if r.ClientID == nil {
		return ""
	}

	return strings.TrimSpace(*r.ClientID)
}

// Clone copies the pointer and map fields so the record owns its request.
func (r OrderRequest) Clone() OrderRequest {
	clone := r
	if r.ClientID != nil {
		clientID := *r.ClientID
		clone.ClientID = &clientID
	}
	if r.Price != nil {
		price := *r.Price
		clone.Price = &price
	}
	if r.Meta != nil {
		clone.Meta = maps.Clone(r.Meta)
	}

	return clone
}

func (r OrderRequest) OrderTypeOrDefault() OrderType {
	if r.Type == "" {
		return OrderTypeMarket
	}

	return r.Type
}

type ExecutionRecord struct {
	ID            string           `json:"id"`
	Request       OrderRequest     `json:"request"`
	Status        ExecutionStatus  `json:"status"`
	Attempts      int              `json:"attempts"`
	Error         string           `json:"error,omitempty"`
	BrokerOrderID string           `json:"broker_order_id,omitempty"`
	SubmittedAt   time.Time        `json:"submitted_at"`
	SentAt        *time.Time       `json:"sent_at,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
	LatencyMs     *int64           `json:"latency_ms,omitempty"`
	FilledPrice   *decimal.Decimal `json:"filled_price,omitempty"`
	Slippage      *decimal.Decimal `json:"slippage,omitempty"`
}

func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusFilled, ExecutionStatusRejected, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the status machine allows moving from s to next.
// SENT -> SENT is allowed so retry attempts can restamp the record.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	switch s {
	case ExecutionStatusPending:
		return next == ExecutionStatusSent || next == ExecutionStatusRejected
	case ExecutionStatusSent:
		switch next {
		case ExecutionStatusSent, ExecutionStatusFilled, ExecutionStatusFailed, ExecutionStatusCancelled, ExecutionStatusRejected:
			return true
		}
	}

	return false
}

// SlippageOf returns abs(requested - filled) when both prices are known.
func SlippageOf(requested, filled *decimal.Decimal) *decimal.Decimal {
	if requested == nil || filled == nil {
		return nil
	}

	slippage := requested.Sub(*filled).Abs()
	return &slippage
}
