package broker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/krobus00/execution-service/internal/config"
	"github.com/krobus00/execution-service/internal/constant"
	"github.com/krobus00/execution-service/internal/entity"
)

var (
	ErrBrokerNotConnected    = errors.New("broker-not-connected")
	ErrLiquidityRejected     = errors.New("broker-reject: liquidity")
	ErrUnknownBrokerOrder    = errors.New("broker-unknown-order")
	ErrRemoteConnectFailed   = errors.New("remote-connect-failed")
	ErrRemoteSendOrderFailed = errors.New("remote-send-order-failed")
	ErrRemoteCancelFailed    = errors.New("remote-cancel-order-failed")
	ErrRemoteStatusFailed    = errors.New("remote-order-status-failed")
)

// NewBroker selects the venue variant from config.
func NewBroker(cfg config.BrokerConfig, symbolMapping entity.VenueSymbolMapping) (entity.Broker, error) {
	switch cfg.Driver {
	case "", constant.BrokerDriverSimulated:
		return NewSimulatedBroker(cfg.Simulated), nil
	case constant.BrokerDriverRemote:
		if strings.TrimSpace(cfg.Remote.BaseURL) == "" {
			return nil, fmt.Errorf("remote broker base_url is required")
		}
		return NewRemoteBroker(cfg.Remote, symbolMapping), nil
	default:
		return nil, fmt.Errorf("unsupported broker driver: %s", cfg.Driver)
	}
}
