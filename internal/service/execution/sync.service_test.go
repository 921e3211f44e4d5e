package execution

import (
	"context"
	"testing"
	"time"

	"github.com/krobus00/execution-service/internal/entity"
	"github.com/krobus00/execution-service/internal/service/locker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionSyncService_ReconcilesSentExecutions(t *testing.T) {
	fake := newFakeBroker()
	fake.send = func(_ context.Context, request entity.OrderRequest, _ int) (*entity.SendOrderResult, error) {
		return &entity.SendOrderResult{BrokerOrderID: "B-" + request.Symbol}, nil
	}
	s := newTestService(t, fake, locker.NewMemoryTradeLocker())
	syncer := NewExecutionSyncService(fake, s, time.Hour)
	ctx := context.Background()

	record, err := s.Submit(ctx, eurusd(1))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		current, _ := s.GetStatus(ctx, record.ID)
		return current.BrokerOrderID == "B-EURUSD"
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, 0, syncer.SyncSentExecutions(ctx))

	fake.mu.Lock()
	fake.statuses["B-EURUSD"] = entity.BrokerOrderUpdate{Status: entity.BrokerOrderStatusFilled, FilledPrice: decPtr("1.3")}
	fake.mu.Unlock()

	assert.Equal(t, 1, syncer.SyncSentExecutions(ctx))
	filled := waitForStatus(t, s, record.ID, entity.ExecutionStatusFilled)
	assert.Equal(t, "1.3", filled.FilledPrice.String())

	assert.Equal(t, 0, syncer.SyncSentExecutions(ctx))
}

func TestExecutionSyncService_RunStopsWithContext(t *testing.T) {
	fake := newFakeBroker()
	s := newTestService(t, fake, locker.NewMemoryTradeLocker())
	syncer := NewExecutionSyncService(fake, s, 0)
	assert.Equal(t, defaultExecutionSyncInterval, syncer.syncInterval)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		syncer.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sync worker did not stop")
	}
}
