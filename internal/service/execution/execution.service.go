package execution

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/krobus00/execution-service/internal/config"
	"github.com/krobus00/execution-service/internal/constant"
	"github.com/krobus00/execution-service/internal/entity"
	"github.com/sirupsen/logrus"
)

const (
	defaultMaxAttempts    = 5
	defaultBaseRetryDelay = 200 * time.Millisecond
	defaultMaxRetryJitter = 100 * time.Millisecond
	defaultLockTTL        = 10 * time.Second
)

var (
	ErrExecutionNotFound      = errors.New("execution not found")
	ErrExecutionNotCancelable = errors.New("execution is not cancelable")
	ErrCancelRejected         = errors.New("broker refused to cancel order")
)

// ExecutionService is the order submission gateway. It owns the record store, the dispatch lane and the event hub.
type ExecutionService struct {
	broker    entity.Broker
	locker    entity.TradeLocker
	validator SafetyValidator
	store     *recordStore
	hub       *EventHub
	queue     *dispatchQueue

	// serializes the dedup check, validation snapshot and insert
	submitMu sync.Mutex

	maxAttempts    int
	baseRetryDelay time.Duration
	maxRetryJitter time.Duration
	lockTTL        time.Duration

	now    func() time.Time
	newID  func() string
	jitter func(max time.Duration) time.Duration
}

func NewExecutionService(cfg config.ExecutionConfig, broker entity.Broker, locker entity.TradeLocker) *ExecutionService {
	s := &ExecutionService{
		broker:         broker,
		locker:         locker,
		validator:      NewSafetyValidator(cfg),
		store:          newRecordStore(),
		hub:            NewEventHub(cfg.SubscriberBuffer),
		maxAttempts:    cfg.MaxAttempts,
		baseRetryDelay: cfg.BaseRetryDelay,
		maxRetryJitter: cfg.MaxRetryJitter,
		lockTTL:        cfg.LockTTL,
		now:            func() time.Time { return time.Now().UTC() },
		newID:          uuid.NewString,
		jitter: func(max time.Duration) time.Duration {
			return time.Duration(rand.Int64N(int64(max) + 1))
		},
	}

	if s.maxAttempts <= 0 {
		s.maxAttempts = defaultMaxAttempts
	}
	if s.baseRetryDelay <= 0 {
		s.baseRetryDelay = defaultBaseRetryDelay
	}
	if s.maxRetryJitter <= 0 {
		s.maxRetryJitter = defaultMaxRetryJitter
	}
	if s.lockTTL <= 0 {
		s.lockTTL = defaultLockTTL
	}

	s.queue = newDispatchQueue(s.dispatch)

	return s
}

// Start wires venue push updates into Reconcile and connects the broker.
func (s *ExecutionService) Start(ctx context.Context) error {
	s.broker.OnOrderUpdate(func(update entity.BrokerOrderUpdate) {
		s.Reconcile(update)
	})

	if err := s.broker.Connect(ctx); err != nil {
		return err
	}

	logrus.WithField("broker", s.broker.Name()).Info("execution gateway started")
	return nil
}

func (s *ExecutionService) Stop(ctx context.Context) error {
	leftover := s.queue.stop()
	if len(leftover) > 0 {
		logrus.WithField("pending", len(leftover)).Warn("execution gateway stopped with undispatched records")
	}

	s.hub.Close()

	return s.broker.Disconnect(ctx)
}

// Submit always returns a record for business outcomes. Rejections are carried on the record.
func (s *ExecutionService) Submit(ctx context.Context, request entity.OrderRequest) (*entity.ExecutionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	request = request.Clone()

	s.submitMu.Lock()

	if clientID := request.ClientIDValue(); clientID != "" {
		if existing, ok := s.store.getByClientID(clientID); ok {
			s.submitMu.Unlock()
			logrus.WithFields(logrus.Fields{
				"execution_id": existing.ID,
				"client_id":    clientID,
			}).Debug("returning existing execution for client id")
			return &existing, nil
		}
	}

	now := s.now()
	record := entity.ExecutionRecord{
		ID:          s.newID(),
		Request:     request,
		Status:      entity.ExecutionStatusPending,
		SubmittedAt: now,
		UpdatedAt:   now,
	}

	result := s.validator.Validate(request, s.store.openForSymbol(request.Symbol))
	if !result.OK {
		record.Status = entity.ExecutionStatusRejected
		record.Error = result.Reason
		s.store.insert(record)
		s.submitMu.Unlock()

		logrus.WithFields(logrus.Fields{
			"execution_id": record.ID,
			"symbol":       request.Symbol,
			"reason":       result.Reason,
		}).Info("execution rejected by safety validator")
		s.hub.Broadcast(constant.TopicExecutionRejected, record)
		return &record, nil
	}

	s.store.insert(record)
	s.submitMu.Unlock()

	s.hub.Broadcast(constant.TopicExecutionQueued, record)
	if !s.queue.enqueue(record.ID) {
		logrus.WithField("execution_id", record.ID).Warn("dispatch queue stopped, execution left pending")
	}

	return &record, nil
}

func (s *ExecutionService) GetStatus(_ context.Context, id string) (*entity.ExecutionRecord, error) {
	record, ok := s.store.get(id)
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return &record, nil
}

func (s *ExecutionService) Subscribe() *Subscription {
	return s.hub.Subscribe()
}

func (s *ExecutionService) Unsubscribe(sub *Subscription) {
	s.hub.Unsubscribe(sub)
}

// Reconcile applies a venue status update to the record holding its broker order id.
// Unknown ids, non-terminal statuses and repeats are ignored. Returns whether the record changed.
func (s *ExecutionService) Reconcile(update entity.BrokerOrderUpdate) bool {
	logger := logrus.WithFields(logrus.Fields{
		"broker_order_id": update.BrokerOrderID,
		"status":          update.Status,
	})

	next, topic, ok := mapBrokerStatus(update.Status)
	if !ok {
		logger.Debug("ignoring non-terminal broker update")
		return false
	}

	record, changed, found := s.store.updateByBrokerOrderID(update.BrokerOrderID, func(r *entity.ExecutionRecord) bool {
		if r.Status == next || !r.Status.CanTransitionTo(next) {
			return false
		}

		r.Status = next
		r.UpdatedAt = s.now()
		if next == entity.ExecutionStatusFilled && update.FilledPrice != nil {
			filledPrice := *update.FilledPrice
			r.FilledPrice = &filledPrice
			if r.Request.Price != nil {
				r.Slippage = entity.SlippageOf(r.Request.Price, r.FilledPrice)
			}
		}
		return true
	})

	if !found {
		logger.Debug("no execution for broker order, ignoring update")
		return false
	}
	if !changed {
		logger.WithField("execution_id", record.ID).Debug("execution already settled, ignoring update")
		return false
	}

	logger.WithField("execution_id", record.ID).Info("execution reconciled")
	s.hub.Broadcast(topic, record)
	return true
}

// Cancel asks the broker to cancel an accepted order and applies the outcome through Reconcile.
func (s *ExecutionService) Cancel(ctx context.Context, id string) (*entity.ExecutionRecord, error) {
	record, ok := s.store.get(id)
	if !ok {
		return nil, ErrExecutionNotFound
	}

	if record.Status != entity.ExecutionStatusSent || record.BrokerOrderID == "" {
		return nil, ErrExecutionNotCancelable
	}

	cancelled, err := s.broker.CancelOrder(ctx, record.BrokerOrderID)
	if err != nil {
		return nil, err
	}
	if !cancelled {
		return nil, ErrCancelRejected
	}

	s.Reconcile(entity.BrokerOrderUpdate{
		BrokerOrderID: record.BrokerOrderID,
		Status:        entity.BrokerOrderStatusCancelled,
	})

	return s.GetStatus(ctx, id)
}

func mapBrokerStatus(status string) (entity.ExecutionStatus, string, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case entity.BrokerOrderStatusFilled:
		return entity.ExecutionStatusFilled, constant.TopicExecutionFilled, true
	case entity.BrokerOrderStatusCancelled, "canceled":
		return entity.ExecutionStatusCancelled, constant.TopicExecutionCancelled, true
	case entity.BrokerOrderStatusRejected:
		return entity.ExecutionStatusRejected, constant.TopicExecutionRejected, true
	default:
		return "", "", false
	}
}
