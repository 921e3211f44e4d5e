package http

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/guregu/null/v6"
	"github.com/krobus00/execution-service/internal/config"
	"github.com/krobus00/execution-service/internal/entity"
	"github.com/krobus00/execution-service/internal/service/execution"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	eventsWriteTimeout = 5 * time.Second
	eventsPingInterval = 30 * time.Second
)

var (
	errAPIKeyMissing  = errors.New("api key is required")
	errAPIKeyInvalid  = errors.New("invalid api key")
	errAPIKeyInactive = errors.New("api key is inactive")
	errAPIKeyExpired  = errors.New("api key is expired")
)

type SubmitOrderRequest struct {
	ApiKey   string           `json:"api_key"`
	ClientID null.String      `json:"client_id"`
	Symbol   string           `json:"symbol"`
	Side     string           `json:"side"`
	Volume   decimal.Decimal  `json:"volume"`
	Price    *decimal.Decimal `json:"price"`
	Type     null.String      `json:"type"`
	Meta     map[string]any   `json:"meta"`
}

type Handler struct {
	executionService *execution.ExecutionService
	apiKeys          []config.APIKeyConfig
	upgrader         websocket.Upgrader
	now              func() time.Time
}

func NewExecutionHTTPHandler(executionService *execution.ExecutionService, apiKeys []config.APIKeyConfig) *Handler {
	return &Handler{
		executionService: executionService,
		apiKeys:          apiKeys,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		now: time.Now,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /execution/v1/orders", h.SubmitOrder)
	mux.HandleFunc("GET /execution/v1/orders/{id}", h.GetOrder)
	mux.HandleFunc("POST /execution/v1/orders/{id}/cancel", h.CancelOrder)
	mux.HandleFunc("GET /execution/v1/events", h.StreamEvents)
}

func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return
	}

	if err := h.validateAPIKey(resolveAPIKey(r, req.ApiKey)); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	orderReq, err := mapHTTPRequestToOrderRequest(&req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	record, err := h.executionService.Submit(r.Context(), orderReq)
	if err != nil {
		logrus.WithError(err).Error("failed to submit execution")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
		return
	}

	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	if err := h.validateAPIKey(resolveAPIKey(r, "")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	record, err := h.executionService.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, execution.ErrExecutionNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not-found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
		return
	}

	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	if err := h.validateAPIKey(resolveAPIKey(r, "")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	record, err := h.executionService.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, execution.ErrExecutionNotFound):
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not-found"})
		case errors.Is(err, execution.ErrExecutionNotCancelable):
			writeJSON(w, http.StatusConflict, map[string]any{"error": "not-cancelable"})
		case errors.Is(err, execution.ErrCancelRejected):
			writeJSON(w, http.StatusConflict, map[string]any{"error": "cancel-rejected"})
		default:
			logrus.WithError(err).Error("failed to cancel execution")
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		}
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// StreamEvents upgrades to a websocket and forwards every lifecycle event until either side goes away.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if err := h.validateAPIKey(resolveAPIKey(r, r.URL.Query().Get("api_key"))); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	// subscribe before the handshake completes so no event after the upgrade is missed
	sub := h.executionService.Subscribe()
	defer h.executionService.Unsubscribe(sub)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("failed to upgrade event stream")
		return
	}
	defer conn.Close()

	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-clientGone:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteTimeout)); err != nil {
				return
			}
		case event, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
				return
			}

			payload, err := json.Marshal(event)
			if err != nil {
				logrus.WithError(err).Error("failed to encode execution event")
				continue
			}

			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

func mapHTTPRequestToOrderRequest(req *SubmitOrderRequest) (entity.OrderRequest, error) {
	side := entity.OrderSide(strings.ToUpper(strings.TrimSpace(req.Side)))
	if side != entity.OrderSideBuy && side != entity.OrderSideSell {
		return entity.OrderRequest{}, errors.New("invalid side")
	}

	orderType := entity.OrderType(strings.ToUpper(strings.TrimSpace(req.Type.ValueOrZero())))
	switch orderType {
	case "", entity.OrderTypeMarket, entity.OrderTypeLimit, entity.OrderTypeStop:
	default:
		return entity.OrderRequest{}, errors.New("invalid type")
	}

	clientID := strings.TrimSpace(req.ClientID.ValueOrZero())

	return entity.OrderRequest{
		ClientID: null.NewString(clientID, clientID != "").Ptr(),
		Symbol:   req.Symbol,
		Side:     side,
		Volume:   req.Volume,
		Price:    req.Price,
		Type:     orderType,
		Meta:     req.Meta,
	}, nil
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func resolveAPIKey(r *http.Request, fallback string) string {
	if headerKey := strings.TrimSpace(r.Header.Get("X-API-Key")); headerKey != "" {
		return headerKey
	}

	return strings.TrimSpace(fallback)
}

func (h *Handler) validateAPIKey(rawAPIKey string) error {
	apiKey := strings.TrimSpace(rawAPIKey)
	if apiKey == "" {
		return errAPIKeyMissing
	}

	if len(h.apiKeys) == 0 {
		return errAPIKeyInvalid
	}

	now := h.now().UTC()
	for _, candidate := range h.apiKeys {
		storedKey := strings.TrimSpace(candidate.Key)
		if storedKey == "" {
			continue
		}

		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(storedKey)) != 1 {
			continue
		}

		if !candidate.Active {
			return errAPIKeyInactive
		}

		expiredAt, hasExpiry, err := parseExpiry(candidate.ExpiredAt)
		if err != nil {
			return errAPIKeyInvalid
		}
		if !hasExpiry {
			return nil
		}

		if !now.Before(expiredAt) {
			return errAPIKeyExpired
		}

		return nil
	}

	return errAPIKeyInvalid
}

// parseExpiry accepts RFC3339 or a bare date; a bare date stays valid through the end of that day.
func parseExpiry(value any) (time.Time, bool, error) {
	if value == nil {
		return time.Time{}, false, nil
	}

	switch v := value.(type) {
	case time.Time:
		if v.IsZero() {
			return time.Time{}, false, nil
		}
		return v.UTC(), true, nil
	case string:
		raw := strings.TrimSpace(v)
		if raw == "" {
			return time.Time{}, false, nil
		}

		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			return parsed.UTC(), true, nil
		}

		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return time.Time{}, false, err
		}

		return parsed.UTC().Add(24 * time.Hour), true, nil
	default:
		return time.Time{}, false, errors.New("unsupported expiry type")
	}
}
