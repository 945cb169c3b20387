package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"alpaca-trading-bot/internal/alpaca"
	"alpaca-trading-bot/internal/database"
	"alpaca-trading-bot/internal/events"
)

var (
	// ErrSignalNotActionable is returned for hold signals and signals
	// without a bracket.
	ErrSignalNotActionable = errors.New("signal is not actionable")
	// ErrInvalidQuantity is returned when sizing produced no shares
	ErrInvalidQuantity = errors.New("order quantity must be positive")
)

// ExecutorRepository is the persistence surface order submission needs
type ExecutorRepository interface {
	CreateOrder(ctx context.Context, o *database.OrderRecord) error
	MarkSignalExecuted(ctx context.Context, signalID, orderID string, positionSize int, riskAmount float64) error
	LogActivity(ctx context.Context, userID, level, category, message string, metadata map[string]string) error
}

// Executor submits bracket orders and records the outcome. Broker failures
// are logged as critical activities and re-surfaced to the caller; they are
// never retried here.
type Executor struct {
	repo ExecutorRepository
	bus  *events.Bus
	log  zerolog.Logger
}

// NewExecutor creates an order executor
func NewExecutor(repo ExecutorRepository, bus *events.Bus) *Executor {
	return &Executor{
		repo: repo,
		bus:  bus,
		log:  log.With().Str("component", "executor").Logger(),
	}
}

// ExecuteSignal submits a bracket order for a sized buy signal and marks
// the signal executed exactly once, recording the submitted quantity and
// the risk amount it was sized against. The signal row is only flipped
// after a successful submission so a failed submit leaves it eligible for
// the next cycle.
func (e *Executor) ExecuteSignal(ctx context.Context, client alpaca.BrokerClient, userID string, sig *database.SignalRecord, quantity int, riskAmount float64) (*alpaca.Order, error) {
	if sig.SignalType != "buy" && sig.SignalType != "sell" {
		return nil, ErrSignalNotActionable
	}
	if sig.StopLoss == nil || sig.TakeProfit == nil {
		return nil, ErrSignalNotActionable
	}
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	params := alpaca.BracketOrderParams{
		Symbol:        sig.Symbol,
		Qty:           float64(quantity),
		Side:          sig.SignalType,
		TakeProfit:    *sig.TakeProfit,
		StopLoss:      *sig.StopLoss,
		TimeInForce:   "gtc",
		ClientOrderID: uuid.NewString(),
	}

	order, err := e.submit(ctx, client, userID, params)
	if err != nil {
		return nil, err
	}

	if err := e.repo.MarkSignalExecuted(ctx, sig.ID, order.ID, quantity, riskAmount); err != nil {
		// The order is live either way; an already-executed signal here
		// means a concurrent submission won the race.
		e.log.Error().Err(err).
			Str("user_id", userID).
			Str("signal_id", sig.ID).
			Str("order_id", order.ID).
			Msg("failed to mark signal executed")
		if !errors.Is(err, database.ErrSignalAlreadyExecuted) {
			return order, err
		}
	}

	return order, nil
}

// SubmitBracketOrder submits a manually requested bracket order with no
// signal linkage.
func (e *Executor) SubmitBracketOrder(ctx context.Context, client alpaca.BrokerClient, userID string, params alpaca.BracketOrderParams) (*alpaca.Order, error) {
	if params.Qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	if params.ClientOrderID == "" {
		params.ClientOrderID = uuid.NewString()
	}
	return e.submit(ctx, client, userID, params)
}

func (e *Executor) submit(ctx context.Context, client alpaca.BrokerClient, userID string, params alpaca.BracketOrderParams) (*alpaca.Order, error) {
	order, err := client.SubmitBracketOrder(ctx, params)
	if err != nil {
		e.log.Error().Err(err).
			Str("user_id", userID).
			Str("symbol", params.Symbol).
			Float64("qty", params.Qty).
			Msg("bracket order submission failed")
		if aerr := e.repo.LogActivity(ctx, userID, database.ActivityCritical, "orders",
			fmt.Sprintf("bracket order failed for %s: %v", params.Symbol, err),
			map[string]string{"symbol": params.Symbol}); aerr != nil {
			e.log.Error().Err(aerr).Str("user_id", userID).Msg("failed to record order failure activity")
		}
		return nil, fmt.Errorf("submitting bracket order for %s: %w", params.Symbol, err)
	}

	rec := &database.OrderRecord{
		ID:            uuid.NewString(),
		UserID:        userID,
		BrokerOrderID: order.ID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		OrderType:     order.Type,
		Quantity:      order.Qty,
		Status:        order.Status,
		FilledQty:     order.FilledQty,
		SubmittedAt:   order.SubmittedAt,
		FilledAt:      order.FilledAt,
	}
	if order.LimitPrice > 0 {
		rec.LimitPrice = &order.LimitPrice
	}
	if order.StopPrice > 0 {
		rec.StopPrice = &order.StopPrice
	}
	if order.FilledAvgPrice > 0 {
		rec.FilledAvgPrice = &order.FilledAvgPrice
	}
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = time.Now()
	}

	if err := e.repo.CreateOrder(ctx, rec); err != nil {
		// The broker accepted the order; losing the local row is a
		// reconciliation problem, not a trading one.
		e.log.Error().Err(err).
			Str("user_id", userID).
			Str("order_id", order.ID).
			Msg("failed to persist order row")
		return order, err
	}

	if err := e.repo.LogActivity(ctx, userID, database.ActivityInfo, "orders",
		fmt.Sprintf("bracket order submitted: %s %s x%.0f", params.Side, params.Symbol, params.Qty),
		map[string]string{"symbol": params.Symbol, "order_id": order.ID}); err != nil {
		e.log.Error().Err(err).Str("user_id", userID).Msg("failed to record order activity")
	}

	e.log.Info().
		Str("user_id", userID).
		Str("symbol", params.Symbol).
		Str("order_id", order.ID).
		Float64("qty", params.Qty).
		Float64("take_profit", params.TakeProfit).
		Float64("stop_loss", params.StopLoss).
		Msg("bracket order submitted")

	if e.bus != nil {
		e.bus.Publish(events.EventOrderSubmitted, userID, map[string]any{
			"symbol":   params.Symbol,
			"side":     params.Side,
			"qty":      params.Qty,
			"order_id": order.ID,
		})
	}

	return order, nil
}
