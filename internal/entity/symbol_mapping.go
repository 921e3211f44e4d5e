package entity

import "time"

type SymbolMapping struct {
	ID          string    `db:"id" json:"id"`
	Exchange    string    `db:"exchange" json:"exchange"`
	Symbol      string    `db:"symbol" json:"symbol"`
	OrderSymbol string    `db:"order_symbol" json:"order_symbol"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

func (m SymbolMapping) TableName() string {
	return "symbol_mappings"
}

// [symbol] = order_symbol for a single venue
type VenueSymbolMapping map[string]string

func (m VenueSymbolMapping) Resolve(symbol string) string {
	if mapped, ok := m[symbol]; ok && mapped != "" {
		return mapped
	}

	return symbol
}
