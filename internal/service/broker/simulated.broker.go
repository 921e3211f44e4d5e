package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/krobus00/execution-service/internal/config"
	"github.com/krobus00/execution-service/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	defaultSimulatedMinDelay    = 50 * time.Millisecond
	defaultSimulatedMaxDelay    = 250 * time.Millisecond
	defaultSimulatedFailureRate = 0.03
)

// SimulatedBroker is a deterministic-shape venue: every accepted order fills immediately.
type SimulatedBroker struct {
	mu          sync.Mutex
	connected   bool
	rng         *rand.Rand
	minDelay    time.Duration
	maxDelay    time.Duration
	failureRate float64
	orders      map[string]decimal.Decimal
	onUpdate    entity.OrderUpdateHandler
}

type SimulatedOption func(*SimulatedBroker)

func WithSimulatedRand(rng *rand.Rand) SimulatedOption {
	return func(b *SimulatedBroker) {
		b.rng = rng
	}
}

func WithSimulatedDelay(min, max time.Duration) SimulatedOption {
	return func(b *SimulatedBroker) {
		b.minDelay = min
		b.maxDelay = max
	}
}

func WithSimulatedFailureRate(rate float64) SimulatedOption {
	return func(b *SimulatedBroker) {
		b.failureRate = rate
	}
}

func NewSimulatedBroker(cfg config.SimulatedBrokerConfig, opts ...SimulatedOption) *SimulatedBroker {
	b := &SimulatedBroker{
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		minDelay:    cfg.MinDelay,
		maxDelay:    cfg.MaxDelay,
		failureRate: defaultSimulatedFailureRate,
		orders:      make(map[string]decimal.Decimal),
	}

	if b.minDelay <= 0 {
		b.minDelay = defaultSimulatedMinDelay
	}
	if b.maxDelay <= 0 {
		b.maxDelay = defaultSimulatedMaxDelay
	}
	if cfg.FailureRate != nil && *cfg.FailureRate >= 0 && *cfg.FailureRate < 1 {
		b.failureRate = *cfg.FailureRate
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.maxDelay < b.minDelay {
		b.maxDelay = b.minDelay
	}

	return b
}

func (b *SimulatedBroker) Name() entity.BrokerName {
	return entity.BrokerSimulated
}

func (b *SimulatedBroker) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()

	logrus.WithField("broker", b.Name()).Info("broker connected")
	return nil
}

func (b *SimulatedBroker) Disconnect(_ context.Context) error {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()

	logrus.WithField("broker", b.Name()).Info("broker disconnected")
	return nil
}

func (b *SimulatedBroker) SendOrder(ctx context.Context, request entity.OrderRequest) (*entity.SendOrderResult, error) {
	b.mu.Lock()
	connected := b.connected
	delay := b.randomDelay()
	b.mu.Unlock()

	if !connected {
		return nil, ErrBrokerNotConnected
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rng.Float64() < b.failureRate {
		return nil, ErrLiquidityRejected
	}

	brokerOrderID := fmt.Sprintf("SIM-%d", b.rng.Int63n(1_000_000_000))
	for {
		if _, exists := b.orders[brokerOrderID]; !exists {
			break
		}
		brokerOrderID = fmt.Sprintf("SIM-%d", b.rng.Int63n(1_000_000_000))
	}

	var filledPrice decimal.Decimal
	if request.Price != nil {
		filledPrice = *request.Price
	} else {
		filledPrice = decimal.NewFromInt(1).Add(decimal.NewFromFloat(b.rng.Float64() * 0.001)).Round(6)
	}
	b.orders[brokerOrderID] = filledPrice

	return &entity.SendOrderResult{
		BrokerOrderID: brokerOrderID,
		Filled:        true,
		FilledPrice:   &filledPrice,
	}, nil
}

// CancelOrder always reports false: simulated orders are filled on acceptance.
func (b *SimulatedBroker) CancelOrder(_ context.Context, brokerOrderID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.orders[brokerOrderID]; !ok {
		return false, ErrUnknownBrokerOrder
	}

	return false, nil
}

func (b *SimulatedBroker) OrderStatus(_ context.Context, brokerOrderID string) (*entity.BrokerOrderUpdate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	filledPrice, ok := b.orders[brokerOrderID]
	if !ok {
		return nil, ErrUnknownBrokerOrder
	}

	return &entity.BrokerOrderUpdate{
		BrokerOrderID: brokerOrderID,
		Status:        entity.BrokerOrderStatusFilled,
		FilledPrice:   &filledPrice,
	}, nil
}

func (b *SimulatedBroker) Latency(_ context.Context) (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.randomDelay(), nil
}

func (b *SimulatedBroker) OnOrderUpdate(handler entity.OrderUpdateHandler) {
	b.mu.Lock()
	b.onUpdate = handler
	b.mu.Unlock()
}

// randomDelay must be called with mu held.
func (b *SimulatedBroker) randomDelay() time.Duration {
	window := b.maxDelay - b.minDelay
	if window <= 0 {
		return b.minDelay
	}

	return b.minDelay + time.Duration(b.rng.Int63n(int64(window)+1))
}
