package alpaca

import (
	"context"
	"time"
)

// BrokerClient defines the Broker Gateway capability set consumed by the
// trading engine. Every method is a blocking I/O boundary; implementations
// must honor the context.
type BrokerClient interface {
	GetAccount(ctx context.Context) (*Account, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetBars(ctx context.Context, symbol string, start, end time.Time, timeframe string) ([]Bar, error)
	SubmitBracketOrder(ctx context.Context, params BracketOrderParams) (*Order, error)
	GetOrderStatus(ctx context.Context, orderID string) (*Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	ClosePosition(ctx context.Context, symbol string) (*Order, error)
}

// Ensure both Client and MockClient implement BrokerClient
var _ BrokerClient = (*Client)(nil)
var _ BrokerClient = (*MockClient)(nil)
