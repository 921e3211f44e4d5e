package execution

import (
	"context"
	"time"

	"github.com/krobus00/execution-service/internal/entity"
	"github.com/sirupsen/logrus"
)

const defaultExecutionSyncInterval = 30 * time.Second

// ExecutionSyncService polls the broker for SENT executions and feeds the answers to Reconcile.
type ExecutionSyncService struct {
	broker       entity.Broker
	gateway      *ExecutionService
	syncInterval time.Duration
}

func NewExecutionSyncService(broker entity.Broker, gateway *ExecutionService, syncInterval time.Duration) *ExecutionSyncService {
	if syncInterval <= 0 {
		syncInterval = defaultExecutionSyncInterval
	}

	return &ExecutionSyncService{
		broker:       broker,
		gateway:      gateway,
		syncInterval: syncInterval,
	}
}

func (s *ExecutionSyncService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	s.SyncSentExecutions(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncSentExecutions(ctx)
		}
	}
}

// SyncSentExecutions returns the number of executions whose status changed.
func (s *ExecutionSyncService) SyncSentExecutions(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}

	reconciled := 0
	for _, record := range s.gateway.store.listSentWithBrokerOrder() {
		if ctx.Err() != nil {
			return reconciled
		}

		update, err := s.broker.OrderStatus(ctx, record.BrokerOrderID)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"execution_id":    record.ID,
				"broker_order_id": record.BrokerOrderID,
			}).WithError(err).Warn("failed to sync execution status")
			continue
		}
		if update == nil {
			continue
		}
		if update.BrokerOrderID == "" {
			update.BrokerOrderID = record.BrokerOrderID
		}

		if s.gateway.Reconcile(*update) {
			reconciled++
		}
	}

	return reconciled
}
