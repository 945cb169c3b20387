package orders

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"alpaca-trading-bot/internal/alpaca"
	"alpaca-trading-bot/internal/database"
	"alpaca-trading-bot/internal/events"
)

// ReconcilerRepository is the persistence surface reconciliation needs
type ReconcilerRepository interface {
	GetOrderByBrokerID(ctx context.Context, brokerOrderID string) (*database.OrderRecord, error)
	UpdateOrderFromBroker(ctx context.Context, o *database.OrderRecord) error
	GetOpenPosition(ctx context.Context, userID, symbol string) (*database.PositionRecord, error)
	GetOpenPositions(ctx context.Context, userID string) ([]*database.PositionRecord, error)
	UpsertOpenPosition(ctx context.Context, p *database.PositionRecord) error
	ClosePosition(ctx context.Context, userID, symbol string, closePrice, realizedPL float64, closedBy string) error
}

// Reconciler keeps the local order and position rows converged with the
// broker. The broker is the source of truth; local state is a cache and is
// overwritten on conflict.
type Reconciler struct {
	repo ReconcilerRepository
	bus  *events.Bus
	log  zerolog.Logger
}

// NewReconciler creates an order/position reconciler
func NewReconciler(repo ReconcilerRepository, bus *events.Bus) *Reconciler {
	return &Reconciler{
		repo: repo,
		bus:  bus,
		log:  log.With().Str("component", "reconciler").Logger(),
	}
}

// SyncOrderStatus re-fetches one order from the broker, refreshes the local
// row, and on a fill folds the execution into the open position. Repeated
// syncs of the same fill converge because the upsert is keyed on the single
// open row per (user, symbol).
func (r *Reconciler) SyncOrderStatus(ctx context.Context, client alpaca.BrokerClient, userID, brokerOrderID string) (*alpaca.Order, error) {
	order, err := client.GetOrderStatus(ctx, brokerOrderID)
	if err != nil {
		return nil, fmt.Errorf("fetching order status: %w", err)
	}

	local, err := r.repo.GetOrderByBrokerID(ctx, brokerOrderID)
	if err != nil {
		return nil, err
	}
	if local == nil {
		r.log.Warn().
			Str("user_id", userID).
			Str("order_id", brokerOrderID).
			Msg("broker order has no local row")
		return order, nil
	}

	wasFilled := local.Status == alpaca.OrderStatusFilled

	local.Status = order.Status
	local.FilledQty = order.FilledQty
	local.FilledAt = order.FilledAt
	local.CancelledAt = order.CancelledAt
	if order.FilledAvgPrice > 0 {
		price := order.FilledAvgPrice
		local.FilledAvgPrice = &price
	}
	if err := r.repo.UpdateOrderFromBroker(ctx, local); err != nil {
		return nil, err
	}

	if order.Status == alpaca.OrderStatusFilled && !wasFilled {
		if err := r.applyFill(ctx, userID, local, order); err != nil {
			return nil, err
		}
		if r.bus != nil {
			r.bus.Publish(events.EventOrderFilled, userID, map[string]any{
				"symbol":   order.Symbol,
				"side":     order.Side,
				"qty":      order.FilledQty,
				"price":    order.FilledAvgPrice,
				"order_id": order.ID,
			})
		}
	}

	return order, nil
}

// applyFill folds a filled order into the open position. New buys create
// the row with the fill price as entry; adds and reductions adjust quantity,
// with cost-weighted entry on adds. A reduction to zero closes the row.
func (r *Reconciler) applyFill(ctx context.Context, userID string, local *database.OrderRecord, order *alpaca.Order) error {
	existing, err := r.repo.GetOpenPosition(ctx, userID, order.Symbol)
	if err != nil {
		return err
	}

	signedQty := order.FilledQty
	if order.Side == "sell" {
		signedQty = -signedQty
	}

	if existing == nil {
		if signedQty <= 0 {
			// a sell with no open row; nothing local to reduce
			r.log.Warn().
				Str("user_id", userID).
				Str("symbol", order.Symbol).
				Msg("sell fill without open position")
			return nil
		}
		pos := &database.PositionRecord{
			UserID:       userID,
			Symbol:       order.Symbol,
			Quantity:     signedQty,
			EntryPrice:   order.FilledAvgPrice,
			CurrentPrice: order.FilledAvgPrice,
			MarketValue:  signedQty * order.FilledAvgPrice,
			CostBasis:    signedQty * order.FilledAvgPrice,
			Side:         "long",
		}
		if local.StopPrice != nil {
			pos.StopLoss = local.StopPrice
		}
		if local.LimitPrice != nil && order.Type == "limit" {
			pos.TakeProfit = local.LimitPrice
		}
		if err := r.repo.UpsertOpenPosition(ctx, pos); err != nil {
			return err
		}
		r.log.Info().
			Str("user_id", userID).
			Str("symbol", order.Symbol).
			Float64("qty", signedQty).
			Float64("entry", order.FilledAvgPrice).
			Msg("position opened")
		return nil
	}

	newQty := existing.Quantity + signedQty
	if newQty <= 0 {
		realized := (order.FilledAvgPrice - existing.EntryPrice) * existing.Quantity
		if err := r.repo.ClosePosition(ctx, userID, order.Symbol, order.FilledAvgPrice, realized, "order_fill"); err != nil {
			return err
		}
		if r.bus != nil {
			r.bus.Publish(events.EventPositionClosed, userID, map[string]any{
				"symbol":      order.Symbol,
				"close_price": order.FilledAvgPrice,
				"realized_pl": realized,
			})
		}
		r.log.Info().
			Str("user_id", userID).
			Str("symbol", order.Symbol).
			Float64("realized_pl", realized).
			Msg("position closed by fill")
		return nil
	}

	if signedQty > 0 {
		// cost-weighted average entry on adds
		totalCost := existing.EntryPrice*existing.Quantity + order.FilledAvgPrice*signedQty
		existing.EntryPrice = totalCost / newQty
	}
	existing.Quantity = newQty
	existing.CurrentPrice = order.FilledAvgPrice
	existing.MarketValue = newQty * order.FilledAvgPrice
	existing.CostBasis = existing.EntryPrice * newQty
	existing.UnrealizedPL = (existing.CurrentPrice - existing.EntryPrice) * newQty
	if existing.CostBasis > 0 {
		existing.UnrealizedPLPercent = existing.UnrealizedPL / existing.CostBasis * 100
	}
	return r.repo.UpsertOpenPosition(ctx, existing)
}

// SyncPositions reconciles all local open rows against the broker's view.
// Broker positions are upserted with fresh prices; local rows the broker no
// longer reports (bracket legs filled out-of-band, manual closes) are
// marked closed at their last known price.
func (r *Reconciler) SyncPositions(ctx context.Context, client alpaca.BrokerClient, userID string) error {
	brokerPositions, err := client.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetching broker positions: %w", err)
	}
	localPositions, err := r.repo.GetOpenPositions(ctx, userID)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(brokerPositions))
	for _, bp := range brokerPositions {
		seen[bp.Symbol] = true

		pos := &database.PositionRecord{
			UserID:              userID,
			Symbol:              bp.Symbol,
			Quantity:            bp.Qty,
			EntryPrice:          bp.AvgEntryPrice,
			CurrentPrice:        bp.CurrentPrice,
			MarketValue:         bp.MarketValue,
			CostBasis:           bp.CostBasis,
			UnrealizedPL:        bp.UnrealizedPL,
			UnrealizedPLPercent: bp.UnrealizedPLPct,
			Side:                bp.Side,
		}
		if err := r.repo.UpsertOpenPosition(ctx, pos); err != nil {
			return err
		}
	}

	for _, lp := range localPositions {
		if seen[lp.Symbol] {
			continue
		}
		realized := (lp.CurrentPrice - lp.EntryPrice) * lp.Quantity
		if err := r.repo.ClosePosition(ctx, userID, lp.Symbol, lp.CurrentPrice, realized, "reconciliation"); err != nil {
			return err
		}
		r.log.Info().
			Str("user_id", userID).
			Str("symbol", lp.Symbol).
			Msg("position closed during reconciliation")
		if r.bus != nil {
			r.bus.Publish(events.EventPositionClosed, userID, map[string]any{
				"symbol":      lp.Symbol,
				"close_price": lp.CurrentPrice,
				"realized_pl": realized,
			})
		}
	}

	return nil
}
