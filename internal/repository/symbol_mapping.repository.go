package repository

import (
	"context"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/krobus00/execution-service/internal/entity"
)

type SymbolMappingRepository struct {
	db *sqlx.DB
}

func NewSymbolMappingRepository(db *sqlx.DB) *SymbolMappingRepository {
	return &SymbolMappingRepository{db: db}
}

// GetByExchange returns the internal -> venue symbol map of one venue. Rows are read oldest
// first so the most recent mapping of a symbol wins.
func (r *SymbolMappingRepository) GetByExchange(ctx context.Context, exchange string) (entity.VenueSymbolMapping, error) {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("id", "exchange", "symbol", "order_symbol", "created_at", "updated_at").
		From(entity.SymbolMapping{}.TableName()).
		Where(sq.Eq{"exchange": exchange}).
		OrderBy("created_at asc")

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return nil, err
	}

	var mappings []entity.SymbolMapping
	err = r.db.SelectContext(ctx, &mappings, query, args...)
	if err != nil {
		return nil, err
	}

	venueSymbolMapping := make(entity.VenueSymbolMapping, len(mappings))
	for _, mapping := range mappings {
		orderSymbol := strings.TrimSpace(mapping.OrderSymbol)
		if orderSymbol == "" {
			continue
		}
		venueSymbolMapping[mapping.Symbol] = orderSymbol
	}

	return venueSymbolMapping, nil
}
