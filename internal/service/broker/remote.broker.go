package broker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/krobus00/execution-service/internal/config"
	"github.com/krobus00/execution-service/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultRemoteName           = "remote"
	defaultRemoteTimeout        = 10 * time.Second
	defaultRemoteReconnectDelay = 2 * time.Second

	remoteStatusAccepted = "accepted"
)

// RemoteBroker talks to a venue over signed REST and listens for order updates on its push stream.
type RemoteBroker struct {
	name           entity.BrokerName
	baseURL        string
	wsURL          string
	apiKey         string
	apiSecret      string
	reconnectDelay time.Duration
	httpClient     *http.Client
	dialer         *websocket.Dialer
	limiter        *rate.Limiter
	symbolMapping  entity.VenueSymbolMapping
	now            func() time.Time

	mu           sync.RWMutex
	connected    bool
	onUpdate     entity.OrderUpdateHandler
	streamCancel context.CancelFunc
	streamDone   chan struct{}
	streamState  atomic.Int32
}

type remoteOrderPayload struct {
	ClientOrderID string         `json:"clientOrderId,omitempty"`
	Symbol        string         `json:"symbol"`
	Side          string         `json:"side"`
	Qty           json.Number    `json:"qty"`
	Type          string         `json:"type"`
	Price         json.Number    `json:"price,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
}

type remoteOrderResponse struct {
	OrderID     string           `json:"orderId"`
	Status      string           `json:"status"`
	FilledPrice *decimal.Decimal `json:"filledPrice"`
	Error       string           `json:"error"`
}

func NewRemoteBroker(cfg config.RemoteBrokerConfig, symbolMapping entity.VenueSymbolMapping) *RemoteBroker {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = defaultRemoteName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = defaultRemoteReconnectDelay
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	b := &RemoteBroker{
		name:           entity.BrokerName(name),
		baseURL:        strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		wsURL:          strings.TrimSpace(cfg.WSURL),
		apiKey:         strings.TrimSpace(cfg.APIKey),
		apiSecret:      strings.TrimSpace(cfg.APISecret),
		reconnectDelay: reconnectDelay,
		httpClient:     &http.Client{Timeout: timeout},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		},
		limiter:       limiter,
		symbolMapping: symbolMapping,
		now:           time.Now,
	}
	b.streamState.Store(int32(StreamDisconnected))

	return b
}

func (b *RemoteBroker) Name() entity.BrokerName {
	return b.name
}

// Connect verifies venue liveness and starts the push stream when a stream url is configured.
func (b *RemoteBroker) Connect(ctx context.Context) error {
	status, body, err := b.do(ctx, http.MethodGet, "/v1/ping", nil)
	if err != nil {
		b.setConnected(false)
		return fmt.Errorf("%w: %v", ErrRemoteConnectFailed, err)
	}
	if status != http.StatusOK {
		b.setConnected(false)
		return fmt.Errorf("%w: status=%d body=%s", ErrRemoteConnectFailed, status, string(body))
	}

	b.mu.Lock()
	b.connected = true
	startStream := b.wsURL != "" && b.streamCancel == nil
	if startStream {
		streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		b.streamCancel = cancel
		b.streamDone = make(chan struct{})
		go b.runStream(streamCtx, b.streamDone)
	}
	b.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"broker": b.name,
		"stream": startStream,
	}).Info("broker connected")

	return nil
}

func (b *RemoteBroker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	b.connected = false
	cancel := b.streamCancel
	done := b.streamDone
	b.streamCancel = nil
	b.streamDone = nil
	b.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	logrus.WithField("broker", b.name).Info("broker disconnected")
	return nil
}

func (b *RemoteBroker) SendOrder(ctx context.Context, request entity.OrderRequest) (*entity.SendOrderResult, error) {
	if !b.isConnected() {
		if err := b.Connect(ctx); err != nil {
			return nil, err
		}
	}

	payload := remoteOrderPayload{
		ClientOrderID: request.ClientIDValue(),
		Symbol:        b.symbolMapping.Resolve(request.Symbol),
		Side:          strings.ToLower(string(request.Side)),
		Qty:           json.Number(request.Volume.String()),
		Type:          strings.ToLower(string(request.OrderTypeOrDefault())),
		Price:         numberOrEmpty(request.Price),
		Meta:          request.Meta,
	}

	status, body, err := b.do(ctx, http.MethodPost, "/v1/orders", payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteSendOrderFailed, err)
	}

	var resp remoteOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: status=%d body=%s", ErrRemoteSendOrderFailed, status, string(body))
	}

	if status >= http.StatusBadRequest || resp.Error != "" {
		errMsg := resp.Error
		if errMsg == "" {
			errMsg = "unknown error"
		}
		return nil, fmt.Errorf("%w: status=%d message=%s", ErrRemoteSendOrderFailed, status, errMsg)
	}

	if resp.OrderID == "" {
		return nil, fmt.Errorf("%w: missing order id", ErrRemoteSendOrderFailed)
	}

	filled := strings.EqualFold(resp.Status, remoteStatusAccepted) || strings.EqualFold(resp.Status, entity.BrokerOrderStatusFilled)

	return &entity.SendOrderResult{
		BrokerOrderID: resp.OrderID,
		Filled:        filled,
		FilledPrice:   resp.FilledPrice,
	}, nil
}

// CancelOrder reports false without error when the venue refuses the cancel.
func (b *RemoteBroker) CancelOrder(ctx context.Context, brokerOrderID string) (bool, error) {
	status, body, err := b.do(ctx, http.MethodPost, "/v1/orders/"+url.PathEscape(brokerOrderID)+"/cancel", nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRemoteCancelFailed, err)
	}

	if status != http.StatusOK {
		logrus.WithFields(logrus.Fields{
			"broker":          b.name,
			"broker_order_id": brokerOrderID,
			"status":          status,
			"body":            string(body),
		}).Warn("venue refused cancel")
		return false, nil
	}

	return true, nil
}

func (b *RemoteBroker) OrderStatus(ctx context.Context, brokerOrderID string) (*entity.BrokerOrderUpdate, error) {
	status, body, err := b.do(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(brokerOrderID), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteStatusFailed, err)
	}
	if status == http.StatusNotFound {
		return nil, ErrUnknownBrokerOrder
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: status=%d body=%s", ErrRemoteStatusFailed, status, string(body))
	}

	var resp remoteOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteStatusFailed, err)
	}

	orderID := resp.OrderID
	if orderID == "" {
		orderID = brokerOrderID
	}

	return &entity.BrokerOrderUpdate{
		BrokerOrderID: orderID,
		Status:        strings.ToLower(resp.Status),
		FilledPrice:   resp.FilledPrice,
	}, nil
}

// Latency measures one ping round trip.
func (b *RemoteBroker) Latency(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	status, _, err := b.do(ctx, http.MethodGet, "/v1/ping", nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRemoteConnectFailed, err)
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("%w: status=%d", ErrRemoteConnectFailed, status)
	}

	return time.Since(start), nil
}

func (b *RemoteBroker) OnOrderUpdate(handler entity.OrderUpdateHandler) {
	b.mu.Lock()
	b.onUpdate = handler
	b.mu.Unlock()
}

func (b *RemoteBroker) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
	}

	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return 0, nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, err
	}

	timestamp := strconv.FormatInt(b.now().UnixMilli(), 10)
	req.Header.Set("X-API-KEY", b.apiKey)
	req.Header.Set("X-TS", timestamp)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.apiSecret != "" {
		req.Header.Set("X-SIGNATURE", hmacSHA256Hex(b.apiSecret, signaturePayload(timestamp, method, path, raw)))
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}

	return resp.StatusCode, respBody, nil
}

func (b *RemoteBroker) setConnected(connected bool) {
	b.mu.Lock()
	b.connected = connected
	b.mu.Unlock()
}

func (b *RemoteBroker) isConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

func (b *RemoteBroker) updateHandler() entity.OrderUpdateHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.onUpdate
}

func signaturePayload(timestamp, method, path string, body []byte) string {
	return timestamp + "." + method + "." + path + "." + string(body)
}

func hmacSHA256Hex(secret, payload string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(payload))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// numberOrEmpty renders d as a json number literal, empty when d is nil so omitempty drops it.
func numberOrEmpty(d *decimal.Decimal) json.Number {
	if d == nil {
		return ""
	}

	return json.Number(d.String())
}
