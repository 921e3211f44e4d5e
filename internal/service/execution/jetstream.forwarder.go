package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/execution-service/internal/constant"
	"github.com/krobus00/execution-service/internal/entity"
	"github.com/krobus00/execution-service/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const defaultSubmitHandlerTimeout = 5 * time.Second

// JetstreamEventForwarder publishes lifecycle events to jetstream and accepts submissions from it.
type JetstreamEventForwarder struct {
	js            nats.JetStreamContext
	gateway       *ExecutionService
	submitTimeout time.Duration
	maxRetries    int
	ack           func(msg *nats.Msg) error
}

func NewJetstreamEventForwarder(js nats.JetStreamContext, gateway *ExecutionService, submitTimeout time.Duration, maxRetries int) *JetstreamEventForwarder {
	if submitTimeout <= 0 {
		submitTimeout = defaultSubmitHandlerTimeout
	}

	return &JetstreamEventForwarder{
		js:            js,
		gateway:       gateway,
		submitTimeout: submitTimeout,
		maxRetries:    maxRetries,
		ack: func(msg *nats.Msg) error {
			return msg.Ack()
		},
	}
}

func (f *JetstreamEventForwarder) JetstreamEventInit(ctx context.Context) error {
	streamConfigs := []*nats.StreamConfig{
		{
			Name:       constant.ExecutionStreamName,
			Subjects:   []string{constant.ExecutionStreamSubjectAll},
			Storage:    nats.FileStorage,
			Retention:  nats.LimitsPolicy,
			MaxAge:     24 * time.Hour,
			Duplicates: 2 * time.Minute,
			Replicas:   1,
		},
		{
			Name:      constant.ExecutionRequestStreamName,
			Subjects:  []string{constant.ExecutionRequestStreamSubjectAll},
			Storage:   nats.FileStorage,
			Retention: nats.WorkQueuePolicy,
			MaxAge:    time.Hour,
		},
	}

	for _, streamConfig := range streamConfigs {
		stream, err := f.js.StreamInfo(streamConfig.Name, nats.Context(ctx))
		if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
			logrus.Error(err)
			return err
		}

		if stream == nil {
			logrus.Infof("creating stream: %s", streamConfig.Name)
			if _, err = f.js.AddStream(streamConfig, nats.Context(ctx)); err != nil {
				logrus.Error(err)
				return err
			}
			continue
		}

		logrus.Infof("updating stream: %s", streamConfig.Name)
		if _, err = f.js.UpdateStream(streamConfig, nats.Context(ctx)); err != nil {
			logrus.Error(err)
			return err
		}
	}

	return nil
}

// JetstreamEventSubscribe starts the submit consumer and the event fan-out. Both stop with ctx.
func (f *JetstreamEventForwarder) JetstreamEventSubscribe(ctx context.Context) error {
	err := f.JetstreamEventInit(ctx)
	if err != nil {
		logrus.Error(err)
		return err
	}

	natsSub, err := f.js.QueueSubscribe(
		constant.ExecutionRequestStreamSubjectSubmit,
		constant.ExecutionRequestQueueName,
		f.processSubmitMessage,
		nats.ManualAck(),
		nats.Durable(constant.ExecutionRequestQueueGroup),
	)
	if err != nil {
		return err
	}

	sub := f.gateway.Subscribe()
	go f.forward(ctx, sub, natsSub)

	return nil
}

func (f *JetstreamEventForwarder) forward(ctx context.Context, sub *Subscription, natsSub *nats.Subscription) {
	defer func() {
		f.gateway.Unsubscribe(sub)
		if err := natsSub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			logrus.WithError(err).Warn("failed to unsubscribe execution request consumer")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}

			msgID := fmt.Sprintf("%s:%s:%d", event.Topic, event.Payload.ID, event.Payload.UpdatedAt.UnixNano())
			err := util.PublishEvent(f.js, event.Topic, event, nats.MsgId(msgID))
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"topic":        event.Topic,
					"execution_id": event.Payload.ID,
				}).WithError(err).Error("failed to publish execution event")
			}
		}
	}
}

// processSubmitMessage acks every delivery. Failed submissions are retried by republishing, and a
// timed out Submit keeps running, so a redelivery would submit the same request twice.
func (f *JetstreamEventForwarder) processSubmitMessage(msg *nats.Msg) {
	err := util.ProcessWithTimeout(f.submitTimeout, msg, f.handleSubmitEvent)
	if err != nil {
		logrus.Errorf("error processing message: %v", err)
	}

	err = f.ack(msg)
	if err != nil {
		logrus.Errorf("failed to acknowledge message: %v", err)
	}
}

func (f *JetstreamEventForwarder) handleSubmitEvent(ctx context.Context, msg *nats.Msg) (err error) {
	logger := logrus.WithFields(logrus.Fields{
		"req": string(msg.Data),
	})

	var req *entity.ExecutionRequestEvent
	err = json.Unmarshal(msg.Data, &req)
	if err != nil {
		logger.Error(err)
		return err
	}
	if req == nil {
		return errors.New("empty execution request event")
	}

	defer func() {
		if err != nil {
			logger.Error(err)
			req.RetryCount++
			if req.RetryCount >= f.maxRetries {
				return
			}

			err := util.PublishEvent(f.js, constant.ExecutionRequestStreamSubjectSubmit, req)
			if err != nil {
				logger.Error(err)
				return
			}
		}
	}()

	record, err := f.gateway.Submit(ctx, req.Data)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"execution_id": record.ID,
		"status":       record.Status,
	}).Info("execution submitted from jetstream")

	return nil
}
