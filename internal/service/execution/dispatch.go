package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/krobus00/execution-service/internal/constant"
	"github.com/krobus00/execution-service/internal/entity"
	"github.com/sirupsen/logrus"
)

const lockReleaseTimeout = 3 * time.Second

// LockKey identifies "the same trade": the client id when present, otherwise symbol, side, volume and type.
func LockKey(request entity.OrderRequest) string {
	if clientID := request.ClientIDValue(); clientID != "" {
		return "client:" + clientID
	}

	return fmt.Sprintf("trade:%s:%s:%s:%s",
		request.Symbol,
		request.Side,
		request.Volume.String(),
		request.OrderTypeOrDefault(),
	)
}

func (s *ExecutionService) dispatch(ctx context.Context, id string) {
	if ctx.Err() != nil {
		return
	}

	record, ok := s.store.get(id)
	if !ok || record.Status != entity.ExecutionStatusPending {
		return
	}

	lockKey := LockKey(record.Request)
	logger := logrus.WithFields(logrus.Fields{
		"execution_id": id,
		"lock_key":     lockKey,
	})

	acquired, err := s.locker.Acquire(ctx, lockKey, s.lockTTL)
	if err != nil {
		logger.WithError(err).Error("failed to acquire trade lock")
		acquired = false
	}

	if !acquired {
		updated, changed := s.store.update(id, func(r *entity.ExecutionRecord) bool {
			if !r.Status.CanTransitionTo(entity.ExecutionStatusRejected) {
				return false
			}
			r.Status = entity.ExecutionStatusRejected
			r.Error = ReasonDuplicateTradeInFlight
			r.UpdatedAt = s.now()
			return true
		})
		if changed {
			logger.Warn("duplicate trade in flight")
			s.hub.Broadcast(constant.TopicExecutionRejected, updated)
		}
		return
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseTimeout)
		defer cancel()

		if err := s.locker.Release(releaseCtx, lockKey); err != nil {
			logger.WithError(err).Error("failed to release trade lock")
		}
	}()

	s.runAttempts(ctx, id, logger)
}

func (s *ExecutionService) runAttempts(ctx context.Context, id string, logger *logrus.Entry) {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		attemptLogger := logger.WithField("attempt", attempt)

		sent, ok := s.store.update(id, func(r *entity.ExecutionRecord) bool {
			if !r.Status.CanTransitionTo(entity.ExecutionStatusSent) {
				return false
			}
			sentAt := s.now()
			r.Status = entity.ExecutionStatusSent
			r.Attempts = attempt
			r.SentAt = &sentAt
			r.UpdatedAt = sentAt
			return true
		})
		if !ok {
			attemptLogger.Warn("record left the dispatchable states, abandoning attempts")
			return
		}
		s.hub.Broadcast(constant.TopicExecutionSent, sent)

		start := time.Now()
		result, err := s.sendOrder(ctx, sent.Request)
		latencyMs := time.Since(start).Milliseconds()

		if err == nil {
			filled, _ := s.store.update(id, func(r *entity.ExecutionRecord) bool {
				r.BrokerOrderID = result.BrokerOrderID
				r.LatencyMs = &latencyMs
				r.Error = ""
				if result.FilledPrice != nil {
					filledPrice := *result.FilledPrice
					r.FilledPrice = &filledPrice
					r.Slippage = entity.SlippageOf(r.Request.Price, r.FilledPrice)
				}
				if result.Filled {
					r.Status = entity.ExecutionStatusFilled
				}
				r.UpdatedAt = s.now()
				return true
			})

			attemptLogger.WithFields(logrus.Fields{
				"broker_order_id": result.BrokerOrderID,
				"status":          filled.Status,
				"latency_ms":      latencyMs,
			}).Info("order accepted by broker")
			s.hub.Broadcast(constant.TopicExecutionFilled, filled)
			return
		}

		failed, _ := s.store.update(id, func(r *entity.ExecutionRecord) bool {
			r.Error = err.Error()
			r.LatencyMs = &latencyMs
			r.UpdatedAt = s.now()
			return true
		})
		attemptLogger.WithError(err).Warn("broker send failed")
		s.hub.Broadcast(constant.TopicExecutionError, failed)

		if attempt == s.maxAttempts {
			final, _ := s.store.update(id, func(r *entity.ExecutionRecord) bool {
				r.Status = entity.ExecutionStatusFailed
				r.UpdatedAt = s.now()
				return true
			})
			attemptLogger.Error("attempts exhausted")
			s.hub.Broadcast(constant.TopicExecutionFailed, final)
			return
		}

		timer := time.NewTimer(s.retryDelay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			attemptLogger.Warn("dispatch stopped during backoff")
			return
		}
	}
}

// sendOrder turns a broker panic into an attempt failure.
func (s *ExecutionService) sendOrder(ctx context.Context, request entity.OrderRequest) (result *entity.SendOrderResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("broker panic: %v", r)
		}
	}()

	result, err = s.broker.SendOrder(ctx, request)
	if err == nil && result == nil {
		err = fmt.Errorf("broker returned no result")
	}
	return result, err
}

// retryDelay is base * 2^(attempt-1) plus a random jitter in [0, maxRetryJitter].
func (s *ExecutionService) retryDelay(attempt int) time.Duration {
	delay := s.baseRetryDelay << (attempt - 1)
	if s.maxRetryJitter > 0 {
		delay += s.jitter(s.maxRetryJitter)
	}
	return delay
}
