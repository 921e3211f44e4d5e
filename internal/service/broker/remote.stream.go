package broker

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/krobus00/execution-service/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type StreamState int32

const (
	StreamDisconnected StreamState = iota
	StreamConnecting
	StreamConnected
)

const (
	remoteStreamPingInterval = 30 * time.Second
	remoteStreamOrderUpdate  = "order.update"
)

func (s StreamState) String() string {
	switch s {
	case StreamConnecting:
		return "CONNECTING"
	case StreamConnected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}

type remoteStreamMessage struct {
	Type        string           `json:"type"`
	OrderID     string           `json:"orderId"`
	Status      string           `json:"status"`
	FilledPrice *decimal.Decimal `json:"filledPrice"`
}

func (b *RemoteBroker) StreamState() StreamState {
	return StreamState(b.streamState.Load())
}

func (b *RemoteBroker) setStreamState(state StreamState) {
	previous := StreamState(b.streamState.Swap(int32(state)))
	if previous != state {
		logrus.WithFields(logrus.Fields{
			"broker": b.name,
			"state":  state.String(),
		}).Debug("push stream state changed")
	}
}

// runStream keeps the push stream open until ctx is cancelled, waiting a fixed delay between attempts.
func (b *RemoteBroker) runStream(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer b.setStreamState(StreamDisconnected)

	header := http.Header{}
	header.Set("X-API-KEY", b.apiKey)

	for {
		if ctx.Err() != nil {
			return
		}

		b.setStreamState(StreamConnecting)
		conn, _, err := b.dialer.DialContext(ctx, b.wsURL, header)
		if err != nil {
			b.setStreamState(StreamDisconnected)
			logrus.WithFields(logrus.Fields{
				"broker":   b.name,
				"retry_in": b.reconnectDelay.String(),
			}).Warnf("push stream dial failed: %v", err)
		} else {
			b.setStreamState(StreamConnected)
			logrus.WithField("broker", b.name).Info("push stream connected")

			b.readStream(ctx, conn)
			b.setStreamState(StreamDisconnected)
			if ctx.Err() != nil {
				return
			}

			logrus.WithFields(logrus.Fields{
				"broker":   b.name,
				"retry_in": b.reconnectDelay.String(),
			}).Warn("push stream closed, reconnecting")
		}

		timer := time.NewTimer(b.reconnectDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (b *RemoteBroker) readStream(ctx context.Context, conn *websocket.Conn) {
	readDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(remoteStreamPingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					logrus.WithField("broker", b.name).Warnf("push stream ping failed: %v", err)
					_ = conn.Close()
					return
				}
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				_ = conn.Close()
				return
			case <-readDone:
				return
			}
		}
	}()

	defer func() {
		close(readDone)
		_ = conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logrus.WithField("broker", b.name).Warnf("push stream read failed: %v", err)
			}
			return
		}

		b.handleStreamMessage(message)
	}
}

func (b *RemoteBroker) handleStreamMessage(raw []byte) {
	var msg remoteStreamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		logrus.WithField("broker", b.name).Warnf("dropping malformed push message: %v", err)
		return
	}

	if msg.Type != remoteStreamOrderUpdate || msg.OrderID == "" {
		return
	}

	handler := b.updateHandler()
	if handler == nil {
		return
	}

	handler(entity.BrokerOrderUpdate{
		BrokerOrderID: msg.OrderID,
		Status:        msg.Status,
		FilledPrice:   msg.FilledPrice,
	})
}
