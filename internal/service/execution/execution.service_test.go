package execution

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/krobus00/execution-service/internal/config"
	"github.com/krobus00/execution-service/internal/constant"
	"github.com/krobus00/execution-service/internal/entity"
	"github.com/krobus00/execution-service/internal/service/broker"
	"github.com/krobus00/execution-service/internal/service/locker"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func waitForStatus(t *testing.T, s *ExecutionService, id string, status entity.ExecutionStatus) entity.ExecutionRecord {
	t.Helper()

	var record *entity.ExecutionRecord
	require.Eventually(t, func() bool {
		var err error
		record, err = s.GetStatus(context.Background(), id)
		return err == nil && record.Status == status
	}, waitFor, 5*time.Millisecond, "execution %s never reached %s", id, status)

	return *record
}

func collectTopics(t *testing.T, sub *Subscription, until string) []string {
	t.Helper()

	var topics []string
	timeout := time.After(waitFor)
	for {
		select {
		case event := <-sub.Events():
			topics = append(topics, event.Topic)
			if event.Topic == until {
				return topics
			}
		case <-timeout:
			t.Fatalf("did not observe %s, got %v", until, topics)
			return nil
		}
	}
}

func TestExecutionService_SimulatedBrokerFillsOnFirstAttempt(t *testing.T) {
	simulated := broker.NewSimulatedBroker(config.SimulatedBrokerConfig{},
		broker.WithSimulatedDelay(0, 0),
		broker.WithSimulatedFailureRate(0),
		broker.WithSimulatedRand(rand.New(rand.NewSource(1))),
	)
	s := newTestService(t, simulated, locker.NewMemoryTradeLocker())

	record, err := s.Submit(context.Background(), eurusd(1))
	require.NoError(t, err)
	assert.Equal(t, entity.ExecutionStatusPending, record.Status)

	filled := waitForStatus(t, s, record.ID, entity.ExecutionStatusFilled)
	assert.Equal(t, 1, filled.Attempts)
	assert.NotEmpty(t, filled.BrokerOrderID)
	assert.NotNil(t, filled.FilledPrice)
	assert.NotNil(t, filled.LatencyMs)
	assert.NotNil(t, filled.SentAt)
	assert.Nil(t, filled.Slippage)
}

func TestExecutionService_VolumeLimitRejectsWithoutLock(t *testing.T) {
	fake := newFakeBroker()
	tradeLocker := newCountingLocker()
	s := newTestService(t, fake, tradeLocker)

	sub := s.Subscribe()
	defer s.Unsubscribe(sub)

	record, err := s.Submit(context.Background(), eurusd(20))
	require.NoError(t, err)
	assert.Equal(t, entity.ExecutionStatusRejected, record.Status)
	assert.Equal(t, ReasonVolumeLimit, record.Error)
	assert.Equal(t, 0, record.Attempts)

	event := <-sub.Events()
	assert.Equal(t, constant.TopicExecutionRejected, event.Topic)

	stored, err := s.GetStatus(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, *record, *stored)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), tradeLocker.acquires.Load())
	assert.Equal(t, 0, fake.callCount())
}

func TestExecutionService_ValidationGate(t *testing.T) {
	fake := newFakeBroker()
	tradeLocker := newCountingLocker()
	s := newTestService(t, fake, tradeLocker)

	requests := map[string]entity.OrderRequest{
		ReasonMissingSymbol: {Side: entity.OrderSideBuy, Volume: decimal.NewFromInt(1)},
		ReasonInvalidVolume: eurusd(0),
	}
	negative := eurusd(-3)

	for reason, request := range requests {
		record, err := s.Submit(context.Background(), request)
		require.NoError(t, err)
		assert.Equal(t, entity.ExecutionStatusRejected, record.Status)
		assert.Equal(t, reason, record.Error)
	}

	record, err := s.Submit(context.Background(), negative)
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidVolume, record.Error)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), tradeLocker.acquires.Load())
	assert.Equal(t, 0, fake.callCount())
}

func TestExecutionService_ExposureCap(t *testing.T) {
	fake := newFakeBroker()
	s := newTestService(t, fake, locker.NewMemoryTradeLocker())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		record, err := s.Submit(ctx, eurusd(1))
		require.NoError(t, err)
		waitForStatus(t, s, record.ID, entity.ExecutionStatusFilled)
	}

	record, err := s.Submit(ctx, eurusd(1))
	require.NoError(t, err)
	assert.Equal(t, entity.ExecutionStatusRejected, record.Status)
	assert.Equal(t, ReasonTooManyOpenTrades, record.Error)

	other, err := s.Submit(ctx, entity.OrderRequest{Symbol: "GBPUSD", Side: entity.OrderSideSell, Volume: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.Equal(t, entity.ExecutionStatusPending, other.Status)
}

func TestExecutionService_IdempotentSubmission(t *testing.T) {
	fake := newFakeBroker()
	s := newTestService(t, fake, locker.NewMemoryTradeLocker())
	ctx := context.Background()

	request := eurusd(1)
	request.ClientID = strPtr("client-7")

	first, err := s.Submit(ctx, request)
	require.NoError(t, err)
	waitForStatus(t, s, first.ID, entity.ExecutionStatusFilled)

	for i := 0; i < 3; i++ {
		repeat, err := s.Submit(ctx, request)
		require.NoError(t, err)
		assert.Equal(t, first.ID, repeat.ID)
		assert.Equal(t, entity.ExecutionStatusFilled, repeat.Status)
	}

	different := request
	different.Volume = decimal.NewFromInt(50)
	repeat, err := s.Submit(ctx, different)
	require.NoError(t, err)
	assert.Equal(t, first.ID, repeat.ID)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, fake.callCount())
}

func TestExecutionService_IdempotentRejectedSubmission(t *testing.T) {
	s := newTestService(t, newFakeBroker(), locker.NewMemoryTradeLocker())
	ctx := context.Background()

	request := eurusd(0)
	request.ClientID = strPtr("client-8")

	first, err := s.Submit(ctx, request)
	require.NoError(t, err)
	require.Equal(t, entity.ExecutionStatusRejected, first.Status)

	request.Volume = decimal.NewFromInt(1)
	repeat, err := s.Submit(ctx, request)
	require.NoError(t, err)
	assert.Equal(t, first.ID, repeat.ID)
	assert.Equal(t, entity.ExecutionStatusRejected, repeat.Status)
}

func TestExecutionService_RetrySucceedsOnLastAttempt(t *testing.T) {
	fake := newFakeBroker()
	fake.send = func(_ context.Context, request entity.OrderRequest, call int) (*entity.SendOrderResult, error) {
		if call < 5 {
			return nil, fmt.Errorf("venue busy %d", call)
		}
		return &entity.SendOrderResult{BrokerOrderID: "B-5", Filled: true, FilledPrice: decPtr("1.1")}, nil
	}
	s := newTestService(t, fake, locker.NewMemoryTradeLocker())

	sub := s.Subscribe()
	defer s.Unsubscribe(sub)

	record, err := s.Submit(context.Background(), eurusd(1))
	require.NoError(t, err)

	topics := collectTopics(t, sub, constant.TopicExecutionFilled)
	assert.Equal(t, []string{
		constant.TopicExecutionQueued,
		constant.TopicExecutionSent, constant.TopicExecutionError,
		constant.TopicExecutionSent, constant.TopicExecutionError,
		constant.TopicExecutionSent, constant.TopicExecutionError,
		constant.TopicExecutionSent, constant.TopicExecutionError,
		constant.TopicExecutionSent, constant.TopicExecutionFilled,
	}, topics)

	filled := waitForStatus(t, s, record.ID, entity.ExecutionStatusFilled)
	assert.Equal(t, 5, filled.Attempts)
	assert.Equal(t, "B-5", filled.BrokerOrderID)
	assert.Empty(t, filled.Error)
}

func TestExecutionService_RetryExhaustedFails(t *testing.T) {
	fake := newFakeBroker()
	fake.send = func(_ context.Context, _ entity.OrderRequest, call int) (*entity.SendOrderResult, error) {
		return nil, fmt.Errorf("venue busy %d", call)
	}
	tradeLocker := locker.NewMemoryTradeLocker()
	s := newTestService(t, fake, tradeLocker)

	sub := s.Subscribe()
	defer s.Unsubscribe(sub)

	record, err := s.Submit(context.Background(), eurusd(1))
	require.NoError(t, err)

	topics := collectTopics(t, sub, constant.TopicExecutionFailed)
	assert.Len(t, topics, 1+5*2+1)

	failed := waitForStatus(t, s, record.ID, entity.ExecutionStatusFailed)
	assert.Equal(t, 5, failed.Attempts)
	assert.Equal(t, "venue busy 5", failed.Error)
	assert.Empty(t, failed.BrokerOrderID)
	assert.Equal(t, 5, fake.callCount())

	locked, err := tradeLocker.IsLocked(context.Background(), LockKey(record.Request))
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestExecutionService_BrokerPanicReleasesLock(t *testing.T) {
	fake := newFakeBroker()
	fake.send = func(_ context.Context, _ entity.OrderRequest, _ int) (*entity.SendOrderResult, error) {
		panic("adapter exploded")
	}
	tradeLocker := locker.NewMemoryTradeLocker()
	s := newTestService(t, fake, tradeLocker)

	record, err := s.Submit(context.Background(), eurusd(1))
	require.NoError(t, err)

	failed := waitForStatus(t, s, record.ID, entity.ExecutionStatusFailed)
	assert.Contains(t, failed.Error, "adapter exploded")

	require.Eventually(t, func() bool {
		locked, err := tradeLocker.IsLocked(context.Background(), LockKey(record.Request))
		return err == nil && !locked
	}, waitFor, 5*time.Millisecond)
}

func TestExecutionService_LockErrorFailsClosed(t *testing.T) {
	fake := newFakeBroker()
	tradeLocker := newCountingLocker()
	tradeLocker.acquireErr = errors.New("lock store unreachable")
	s := newTestService(t, fake, tradeLocker)

	record, err := s.Submit(context.Background(), eurusd(1))
	require.NoError(t, err)

	rejected := waitForStatus(t, s, record.ID, entity.ExecutionStatusRejected)
	assert.Equal(t, ReasonDuplicateTradeInFlight, rejected.Error)
	assert.Equal(t, 0, fake.callCount())
}

func TestExecutionService_LockHeldElsewhereRejects(t *testing.T) {
	fake := newFakeBroker()
	tradeLocker := locker.NewMemoryTradeLocker()
	s := newTestService(t, fake, tradeLocker)

	ok, err := tradeLocker.Acquire(context.Background(), LockKey(eurusd(1)), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	sub := s.Subscribe()
	defer s.Unsubscribe(sub)

	record, err := s.Submit(context.Background(), eurusd(1))
	require.NoError(t, err)

	topics := collectTopics(t, sub, constant.TopicExecutionRejected)
	assert.Equal(t, []string{constant.TopicExecutionQueued, constant.TopicExecutionRejected}, topics)

	rejected := waitForStatus(t, s, record.ID, entity.ExecutionStatusRejected)
	assert.Equal(t, 0, rejected.Attempts)
	assert.Equal(t, 0, fake.callCount())
}

func TestExecutionService_ConcurrentDuplicateAcrossInstances(t *testing.T) {
	lockers := map[string]func(t *testing.T) entity.TradeLocker{
		"memory": func(t *testing.T) entity.TradeLocker {
			return locker.NewMemoryTradeLocker()
		},
		"redis": func(t *testing.T) entity.TradeLocker {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return locker.NewRedisTradeLocker(client, "")
		},
	}

	for name, newLocker := range lockers {
		t.Run(name, func(t *testing.T) {
			shared := newLocker(t)

			release := make(chan struct{})
			fake := newFakeBroker()
			fake.send = func(ctx context.Context, request entity.OrderRequest, _ int) (*entity.SendOrderResult, error) {
				select {
				case <-release:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				return &entity.SendOrderResult{BrokerOrderID: "B-1", Filled: true, FilledPrice: decPtr("1.1")}, nil
			}

			first := newTestService(t, fake, shared)
			second := newTestService(t, fake, shared)
			ctx := context.Background()

			a, err := first.Submit(ctx, eurusd(1))
			require.NoError(t, err)
			require.Eventually(t, func() bool { return fake.callCount() == 1 }, waitFor, 5*time.Millisecond)

			b, err := second.Submit(ctx, eurusd(1))
			require.NoError(t, err)

			rejected := waitForStatus(t, second, b.ID, entity.ExecutionStatusRejected)
			assert.Equal(t, ReasonDuplicateTradeInFlight, rejected.Error)

			close(release)
			waitForStatus(t, first, a.ID, entity.ExecutionStatusFilled)
			assert.Equal(t, 1, fake.callCount())
		})
	}
}

func TestExecutionService_FIFOHeadOfLine(t *testing.T) {
	fake := newFakeBroker()
	fake.send = func(_ context.Context, request entity.OrderRequest, call int) (*entity.SendOrderResult, error) {
		if request.Symbol == "EURUSD" && call < 3 {
			return nil, errors.New("venue busy")
		}
		return &entity.SendOrderResult{BrokerOrderID: "B-" + request.Symbol, Filled: true}, nil
	}
	s := newTestService(t, fake, locker.NewMemoryTradeLocker())
	ctx := context.Background()

	first, err := s.Submit(ctx, eurusd(1))
	require.NoError(t, err)
	second, err := s.Submit(ctx, entity.OrderRequest{Symbol: "GBPUSD", Side: entity.OrderSideSell, Volume: decimal.NewFromInt(1)})
	require.NoError(t, err)

	waitForStatus(t, s, first.ID, entity.ExecutionStatusFilled)
	waitForStatus(t, s, second.ID, entity.ExecutionStatusFilled)

	assert.Equal(t, []string{"EURUSD", "EURUSD", "EURUSD", "GBPUSD"}, fake.sentSymbols())
}

func TestExecutionService_ReconcileIsIdempotent(t *testing.T) {
	fake := newFakeBroker()
	fake.send = func(_ context.Context, _ entity.OrderRequest, _ int) (*entity.SendOrderResult, error) {
		return &entity.SendOrderResult{BrokerOrderID: "B-1", Filled: false}, nil
	}
	s := newTestService(t, fake, locker.NewMemoryTradeLocker())

	sub := s.Subscribe()
	defer s.Unsubscribe(sub)

	request := eurusd(1)
	request.Type = entity.OrderTypeLimit
	request.Price = decPtr("1.2")

	record, err := s.Submit(context.Background(), request)
	require.NoError(t, err)
	collectTopics(t, sub, constant.TopicExecutionFilled)

	sent, _ := s.GetStatus(context.Background(), record.ID)
	assert.Equal(t, entity.ExecutionStatusSent, sent.Status)
	assert.Equal(t, "B-1", sent.BrokerOrderID)

	update := entity.BrokerOrderUpdate{BrokerOrderID: "B-1", Status: "filled", FilledPrice: decPtr("1.25")}
	fake.push(update)

	event := <-sub.Events()
	assert.Equal(t, constant.TopicExecutionFilled, event.Topic)
	assert.Equal(t, entity.ExecutionStatusFilled, event.Payload.Status)

	first, _ := s.GetStatus(context.Background(), record.ID)
	assert.Equal(t, entity.ExecutionStatusFilled, first.Status)
	assert.True(t, decimal.RequireFromString("1.25").Equal(*first.FilledPrice))
	assert.True(t, decimal.RequireFromString("0.05").Equal(*first.Slippage))

	assert.False(t, s.Reconcile(update))

	second, _ := s.GetStatus(context.Background(), record.ID)
	assert.Equal(t, *first, *second)
	assert.Empty(t, sub.Events())
}

func TestExecutionService_ReconcileIgnoresUnknownAndNonTerminal(t *testing.T) {
	fake := newFakeBroker()
	fake.send = func(_ context.Context, _ entity.OrderRequest, _ int) (*entity.SendOrderResult, error) {
		return &entity.SendOrderResult{BrokerOrderID: "B-1"}, nil
	}
	s := newTestService(t, fake, locker.NewMemoryTradeLocker())

	record, err := s.Submit(context.Background(), eurusd(1))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		current, _ := s.GetStatus(context.Background(), record.ID)
		return current.BrokerOrderID == "B-1"
	}, waitFor, 5*time.Millisecond)

	assert.False(t, s.Reconcile(entity.BrokerOrderUpdate{BrokerOrderID: "B-404", Status: "filled"}))
	assert.False(t, s.Reconcile(entity.BrokerOrderUpdate{BrokerOrderID: "B-1", Status: "accepted"}))

	current, _ := s.GetStatus(context.Background(), record.ID)
	assert.Equal(t, entity.ExecutionStatusSent, current.Status)

	assert.True(t, s.Reconcile(entity.BrokerOrderUpdate{BrokerOrderID: "B-1", Status: "REJECTED"}))
	assert.False(t, s.Reconcile(entity.BrokerOrderUpdate{BrokerOrderID: "B-1", Status: "filled"}))

	current, _ = s.GetStatus(context.Background(), record.ID)
	assert.Equal(t, entity.ExecutionStatusRejected, current.Status)
}

func TestExecutionService_Cancel(t *testing.T) {
	fake := newFakeBroker()
	fake.send = func(_ context.Context, request entity.OrderRequest, _ int) (*entity.SendOrderResult, error) {
		return &entity.SendOrderResult{BrokerOrderID: "B-" + request.Symbol, Filled: request.Symbol == "GBPUSD"}, nil
	}
	s := newTestService(t, fake, locker.NewMemoryTradeLocker())
	ctx := context.Background()

	sub := s.Subscribe()
	defer s.Unsubscribe(sub)

	_, err := s.Cancel(ctx, "missing")
	require.ErrorIs(t, err, ErrExecutionNotFound)

	filled, err := s.Submit(ctx, entity.OrderRequest{Symbol: "GBPUSD", Side: entity.OrderSideBuy, Volume: decimal.NewFromInt(1)})
	require.NoError(t, err)
	waitForStatus(t, s, filled.ID, entity.ExecutionStatusFilled)
	_, err = s.Cancel(ctx, filled.ID)
	require.ErrorIs(t, err, ErrExecutionNotCancelable)

	open, err := s.Submit(ctx, eurusd(1))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		current, _ := s.GetStatus(ctx, open.ID)
		return current.BrokerOrderID == "B-EURUSD"
	}, waitFor, 5*time.Millisecond)

	_, err = s.Cancel(ctx, open.ID)
	require.ErrorIs(t, err, ErrCancelRejected)

	fake.mu.Lock()
	fake.cancelOK = true
	fake.mu.Unlock()

	cancelled, err := s.Cancel(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.ExecutionStatusCancelled, cancelled.Status)

	topics := collectTopics(t, sub, constant.TopicExecutionCancelled)
	assert.Equal(t, constant.TopicExecutionCancelled, topics[len(topics)-1])
}

func TestExecutionService_StopClosesSubscriptions(t *testing.T) {
	fake := newFakeBroker()
	s := NewExecutionService(testExecutionConfig(), fake, locker.NewMemoryTradeLocker())
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, fake.connected.Load())

	sub := s.Subscribe()
	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, fake.connected.Load())

	for range sub.Events() {
	}

	record, err := s.Submit(context.Background(), eurusd(1))
	require.NoError(t, err)
	assert.Equal(t, entity.ExecutionStatusPending, record.Status)
}

func TestLockKey(t *testing.T) {
	request := eurusd(1)
	assert.Equal(t, "trade:EURUSD:BUY:1:MARKET", LockKey(request))

	request.Volume = decimal.RequireFromString("1.50")
	request.Type = entity.OrderTypeLimit
	assert.Equal(t, "trade:EURUSD:BUY:1.5:LIMIT", LockKey(request))

	request.ClientID = strPtr(" abc ")
	assert.Equal(t, "client:abc", LockKey(request))
}

func TestExecutionService_RetryDelay(t *testing.T) {
	s := NewExecutionService(config.ExecutionConfig{}, newFakeBroker(), locker.NewMemoryTradeLocker())
	s.jitter = func(max time.Duration) time.Duration { return max }

	assert.Equal(t, 300*time.Millisecond, s.retryDelay(1))
	assert.Equal(t, 500*time.Millisecond, s.retryDelay(2))
	assert.Equal(t, 900*time.Millisecond, s.retryDelay(3))
	assert.Equal(t, 1700*time.Millisecond, s.retryDelay(4))
}

func TestExecutionService_IdenticalSubmitsInOneProcessRunInTurn(t *testing.T) {
	fake := newFakeBroker()
	s := newTestService(t, fake, locker.NewMemoryTradeLocker())
	ctx := context.Background()

	a, err := s.Submit(ctx, eurusd(1))
	require.NoError(t, err)
	b, err := s.Submit(ctx, eurusd(1))
	require.NoError(t, err)

	// the lane dispatches b only after a has released the trade lock
	waitForStatus(t, s, a.ID, entity.ExecutionStatusFilled)
	waitForStatus(t, s, b.ID, entity.ExecutionStatusFilled)
	assert.Equal(t, 2, fake.callCount())
}
