package execution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/krobus00/execution-service/internal/config"
	"github.com/krobus00/execution-service/internal/entity"
	"github.com/krobus00/execution-service/internal/service/locker"
	"github.com/shopspring/decimal"
)

type fakeBroker struct {
	mu        sync.Mutex
	calls     int
	symbols   []string
	send      func(ctx context.Context, request entity.OrderRequest, call int) (*entity.SendOrderResult, error)
	cancelOK  bool
	statuses  map[string]entity.BrokerOrderUpdate
	onUpdate  entity.OrderUpdateHandler
	connected atomic.Bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		statuses: make(map[string]entity.BrokerOrderUpdate),
	}
}

func (b *fakeBroker) Name() entity.BrokerName { return "fake" }

func (b *fakeBroker) Connect(_ context.Context) error {
	b.connected.Store(true)
	return nil
}

func (b *fakeBroker) Disconnect(_ context.Context) error {
	b.connected.Store(false)
	return nil
}

func (b *fakeBroker) SendOrder(ctx context.Context, request entity.OrderRequest) (*entity.SendOrderResult, error) {
	b.mu.Lock()
	b.calls++
	call := b.calls
	b.symbols = append(b.symbols, request.Symbol)
	send := b.send
	b.mu.Unlock()

	if send != nil {
		return send(ctx, request, call)
	}

	filledPrice := decimal.RequireFromString("1.1")
	if request.Price != nil {
		filledPrice = *request.Price
	}
	return &entity.SendOrderResult{BrokerOrderID: "B-" + request.Symbol, Filled: true, FilledPrice: &filledPrice}, nil
}

func (b *fakeBroker) CancelOrder(_ context.Context, _ string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelOK, nil
}

func (b *fakeBroker) OrderStatus(_ context.Context, brokerOrderID string) (*entity.BrokerOrderUpdate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	update, ok := b.statuses[brokerOrderID]
	if !ok {
		return nil, errors.New("unknown order")
	}
	return &update, nil
}

func (b *fakeBroker) Latency(_ context.Context) (time.Duration, error) { return time.Millisecond, nil }

func (b *fakeBroker) OnOrderUpdate(handler entity.OrderUpdateHandler) {
	b.mu.Lock()
	b.onUpdate = handler
	b.mu.Unlock()
}

func (b *fakeBroker) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *fakeBroker) sentSymbols() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.symbols...)
}

func (b *fakeBroker) push(update entity.BrokerOrderUpdate) {
	b.mu.Lock()
	handler := b.onUpdate
	b.mu.Unlock()
	handler(update)
}

type countingLocker struct {
	entity.TradeLocker
	acquires   atomic.Int32
	acquireErr error
}

func newCountingLocker() *countingLocker {
	return &countingLocker{TradeLocker: locker.NewMemoryTradeLocker()}
}

func (l *countingLocker) Acquire(ctx context.Context, key string, lease time.Duration) (bool, error) {
	l.acquires.Add(1)
	if l.acquireErr != nil {
		return false, l.acquireErr
	}
	return l.TradeLocker.Acquire(ctx, key, lease)
}

func testExecutionConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		BaseRetryDelay: time.Millisecond,
		MaxRetryJitter: time.Millisecond,
	}
}

func newTestService(t *testing.T, broker entity.Broker, tradeLocker entity.TradeLocker) *ExecutionService {
	t.Helper()

	s := NewExecutionService(testExecutionConfig(), broker, tradeLocker)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start execution service: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})

	return s
}

func eurusd(volume int64) entity.OrderRequest {
	return entity.OrderRequest{
		Symbol: "EURUSD",
		Side:   entity.OrderSideBuy,
		Volume: decimal.NewFromInt(volume),
	}
}

func strPtr(s string) *string {
	return &s
}

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}
