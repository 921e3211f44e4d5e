package execution

import (
	"strings"

	"github.com/krobus00/execution-service/internal/config"
	"github.com/krobus00/execution-service/internal/entity"
	"github.com/shopspring/decimal"
)

const (
	defaultMaxVolumePerTrade      = 10
	defaultMaxOpenTradesPerSymbol = 3
)

// rejection reasons carried on the record error field
const (
	ReasonMissingSymbol          = "missing-symbol"
	ReasonInvalidVolume          = "invalid-volume"
	ReasonVolumeLimit            = "volume-limit"
	ReasonTooManyOpenTrades      = "too-many-open-trades-for-symbol"
	ReasonDuplicateTradeInFlight = "duplicate trade in flight"
)

type ValidationResult struct {
	OK     bool
	Reason string
}

// SafetyValidator holds no state besides its limits; Validate performs no I/O.
type SafetyValidator struct {
	MaxVolumePerTrade      decimal.Decimal
	MaxOpenTradesPerSymbol int
}

func NewSafetyValidator(cfg config.ExecutionConfig) SafetyValidator {
	validator := SafetyValidator{
		MaxVolumePerTrade:      decimal.NewFromInt(defaultMaxVolumePerTrade),
		MaxOpenTradesPerSymbol: defaultMaxOpenTradesPerSymbol,
	}

	if cfg.MaxVolumePerTrade > 0 {
		validator.MaxVolumePerTrade = decimal.NewFromFloat(cfg.MaxVolumePerTrade)
	}
	if cfg.MaxOpenTradesPerSymbol > 0 {
		validator.MaxOpenTradesPerSymbol = cfg.MaxOpenTradesPerSymbol
	}

	return validator
}

// Validate applies the rules in order and stops at the first failure.
func (v SafetyValidator) Validate(request entity.OrderRequest, openRecords []entity.ExecutionRecord) ValidationResult {
	if strings.TrimSpace(request.Symbol) == "" {
		return ValidationResult{Reason: ReasonMissingSymbol}
	}

	if !request.Volume.IsPositive() {
		return ValidationResult{Reason: ReasonInvalidVolume}
	}

	if request.Volume.GreaterThan(v.MaxVolumePerTrade) {
		return ValidationResult{Reason: ReasonVolumeLimit}
	}

	open := 0
	for _, record := range openRecords {
		if record.Request.Symbol != request.Symbol {
			continue
		}
		if record.Status == entity.ExecutionStatusFilled || record.Status == entity.ExecutionStatusSent {
			open++
		}
	}
	if open >= v.MaxOpenTradesPerSymbol {
		return ValidationResult{Reason: ReasonTooManyOpenTrades}
	}

	return ValidationResult{OK: true}
}
