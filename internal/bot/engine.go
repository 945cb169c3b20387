package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"alpaca-trading-bot/internal/alpaca"
	"alpaca-trading-bot/internal/cache"
	"alpaca-trading-bot/internal/database"
	"alpaca-trading-bot/internal/events"
	"alpaca-trading-bot/internal/logging"
	"alpaca-trading-bot/internal/orders"
	"alpaca-trading-bot/internal/risk"
	"alpaca-trading-bot/internal/strategy"
)

// barLookbackDays of daily bars gives the slow EMA and ATR plenty of
// warmup while staying one page per symbol.
const barLookbackDays = 120

// signalMaxAge guards against executing stale unexecuted signals whose
// prices no longer reflect the market.
const signalMaxAge = 24 * time.Hour

// Store is the persistence surface the engine needs. *database.DB
// satisfies it.
type Store interface {
	GetAutoTradingUserIDs(ctx context.Context) ([]string, error)
	GetTradingPreferences(ctx context.Context, userID string) (*database.TradingPreferences, error)
	SetAutoTradingEnabled(ctx context.Context, userID string, enabled bool) error
	SetTradingStatus(ctx context.Context, userID, status string) error
	GetStrategyConfig(ctx context.Context, userID string) (*strategy.Config, error)
	GetOpenPositions(ctx context.Context, userID string) ([]*database.PositionRecord, error)
	ClosePosition(ctx context.Context, userID, symbol string, closePrice, realizedPL float64, closedBy string) error
	CreateSignal(ctx context.Context, s *database.SignalRecord) error
	GetUnexecutedSignals(ctx context.Context, userID string) ([]*database.SignalRecord, error)
	GetRecentSignals(ctx context.Context, userID string, limit int) ([]*database.SignalRecord, error)
	GetPendingOrders(ctx context.Context, userID string) ([]*database.OrderRecord, error)
	GetRiskLimits(ctx context.Context, userID string) (*database.RiskLimits, error)
	GetLatestRiskMetrics(ctx context.Context, userID string) (*database.RiskMetrics, error)
	UpsertBrokerAccount(ctx context.Context, acct *database.BrokerAccount) error
	LogActivity(ctx context.Context, userID, level, category, message string, metadata map[string]string) error
}

// ClientProvider hands out per-user broker clients. The alpaca client
// factory satisfies it.
type ClientProvider interface {
	GetClientForUser(ctx context.Context, userID string) (alpaca.BrokerClient, error)
	InvalidateUser(userID string)
}

var (
	_ Store          = (*database.DB)(nil)
	_ ClientProvider = (*alpaca.ClientFactory)(nil)
)

// Engine wires the strategy, risk gate, and order execution into the
// per-user trading cycle.
type Engine struct {
	store      Store
	clients    ClientProvider
	gate       *risk.Gate
	executor   *orders.Executor
	reconciler *orders.Reconciler
	metrics    *cache.MetricsCache
	bus        *events.Bus
	log        *logging.Logger

	orderPacing time.Duration
}

// New creates the trading engine
func New(store Store, clients ClientProvider, gate *risk.Gate, executor *orders.Executor, reconciler *orders.Reconciler, metrics *cache.MetricsCache, bus *events.Bus, orderPacing time.Duration) *Engine {
	return &Engine{
		store:       store,
		clients:     clients,
		gate:        gate,
		executor:    executor,
		reconciler:  reconciler,
		metrics:     metrics,
		bus:         bus,
		log:         logging.WithComponent("bot"),
		orderPacing: orderPacing,
	}
}

// EligibleUsers returns the users enrolled in auto trading
func (e *Engine) EligibleUsers(ctx context.Context) ([]string, error) {
	return e.store.GetAutoTradingUserIDs(ctx)
}

// RunUserCycle executes one user's full trading pass: fresh risk gate,
// position sync, exit checks, universe scan, then sized bracket
// submissions. A halted gate skips everything downstream.
func (e *Engine) RunUserCycle(ctx context.Context, userID string) error {
	client, err := e.clients.GetClientForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("getting broker client: %w", err)
	}

	// The gate always computes fresh metrics at cycle start; the UI cache
	// is refreshed as a side effect but never read here.
	eval, err := e.gate.Evaluate(ctx, userID, client)
	if err != nil {
		return fmt.Errorf("risk gate: %w", err)
	}
	e.metrics.SetRiskMetrics(ctx, userID, eval.Metrics)

	if eval.Breach.Breached && e.bus != nil {
		e.bus.Publish(events.EventRiskBreach, userID, map[string]any{
			"breaches": eval.Breach.Breaches,
			"halted":   eval.Breach.ShouldHaltTrading,
		})
	}
	if eval.TradingStatus != database.TradingStatusActive {
		e.log.Info("user skipped by risk gate", "user_id", userID, "trading_status", eval.TradingStatus)
		return nil
	}

	if err := e.syncPendingOrders(ctx, client, userID); err != nil {
		return fmt.Errorf("order sync: %w", err)
	}
	if err := e.reconciler.SyncPositions(ctx, client, userID); err != nil {
		return fmt.Errorf("position sync: %w", err)
	}

	cfg, err := e.store.GetStrategyConfig(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading strategy config: %w", err)
	}

	if err := e.runExitChecks(ctx, client, userID, cfg); err != nil {
		return fmt.Errorf("exit checks: %w", err)
	}

	if err := e.scanUniverse(ctx, client, userID, cfg); err != nil {
		return fmt.Errorf("universe scan: %w", err)
	}

	if err := e.executeSignals(ctx, client, userID, cfg); err != nil {
		return fmt.Errorf("signal execution: %w", err)
	}

	return nil
}

// syncPendingOrders refreshes every local order row still awaiting a
// terminal broker status, folding fills into positions as they land. A
// single failed lookup is logged and skipped; the sweep keeps going.
func (e *Engine) syncPendingOrders(ctx context.Context, client alpaca.BrokerClient, userID string) error {
	pending, err := e.store.GetPendingOrders(ctx, userID)
	if err != nil {
		return err
	}
	for _, o := range pending {
		if _, err := e.reconciler.SyncOrderStatus(ctx, client, userID, o.BrokerOrderID); err != nil {
			e.log.Warn("pending order sync failed", "user_id", userID, "order_id", o.BrokerOrderID, "error", err)
		}
	}
	return nil
}

// runExitChecks closes open positions that moved through the configured
// percent stop or target. Broker bracket legs usually fire first; this is
// the engine-side safety net.
func (e *Engine) runExitChecks(ctx context.Context, client alpaca.BrokerClient, userID string, cfg *strategy.Config) error {
	positions, err := e.store.GetOpenPositions(ctx, userID)
	if err != nil {
		return err
	}

	for _, pos := range positions {
		shouldClose, reason := strategy.EvaluateExit(
			pos.EntryPrice, pos.CurrentPrice, cfg.StopLossPercent, cfg.TakeProfitPercent)
		if !shouldClose {
			continue
		}

		if _, err := client.ClosePosition(ctx, pos.Symbol); err != nil {
			e.log.Error("exit close failed", "user_id", userID, "symbol", pos.Symbol, "error", err)
			continue
		}
		realized := (pos.CurrentPrice - pos.EntryPrice) * pos.Quantity
		if err := e.store.ClosePosition(ctx, userID, pos.Symbol, pos.CurrentPrice, realized, string(reason)); err != nil {
			e.log.Error("failed to close local position", "user_id", userID, "symbol", pos.Symbol, "error", err)
			continue
		}

		e.log.Info("position exited", "user_id", userID, "symbol", pos.Symbol, "reason", string(reason), "realized_pl", realized)
		if err := e.store.LogActivity(ctx, userID, database.ActivityInfo, "positions",
			fmt.Sprintf("closed %s on %s, realized P/L %.2f", pos.Symbol, reason, realized), nil); err != nil {
			e.log.Error("failed to record exit activity", "user_id", userID, "error", err)
		}
		if e.bus != nil {
			e.bus.Publish(events.EventPositionClosed, userID, map[string]any{
				"symbol":      pos.Symbol,
				"close_price": pos.CurrentPrice,
				"realized_pl": realized,
				"reason":      string(reason),
			})
		}

		e.pace(ctx)
	}
	return nil
}

// scanUniverse evaluates the strategy on every symbol in the user's
// universe and persists actionable signals. A bad symbol is logged and
// skipped; it never aborts the scan.
func (e *Engine) scanUniverse(ctx context.Context, client alpaca.BrokerClient, userID string, cfg *strategy.Config) error {
	end := time.Now()
	start := end.AddDate(0, 0, -barLookbackDays)

	for _, symbol := range cfg.TradingUniverse {
		bars, err := client.GetBars(ctx, symbol, start, end, "1Day")
		if err != nil {
			e.log.Warn("bar fetch failed", "user_id", userID, "symbol", symbol, "error", err)
			continue
		}

		if ok, reason := strategy.PassesScreen(bars, cfg); !ok {
			e.log.Debug("symbol screened out", "user_id", userID, "symbol", symbol, "reason", reason)
			continue
		}

		sig := strategy.Evaluate(symbol, bars, cfg)
		if sig.Type != strategy.SignalBuy {
			e.log.Debug("no entry signal", "user_id", userID, "symbol", symbol, "reason", sig.Reason)
			continue
		}

		rec := signalToRecord(userID, sig)
		if err := e.store.CreateSignal(ctx, rec); err != nil {
			e.log.Error("failed to persist signal", "user_id", userID, "symbol", symbol, "error", err)
			continue
		}

		e.log.Info("buy signal generated",
			"user_id", userID, "symbol", symbol,
			"price", sig.Price, "stop_loss", sig.StopLoss, "take_profit", sig.TakeProfit)
		if e.bus != nil {
			e.bus.Publish(events.EventSignalCreated, userID, map[string]any{
				"symbol": symbol,
				"type":   string(sig.Type),
				"price":  sig.Price,
			})
		}
	}
	return nil
}

// executeSignals sizes and submits the pending buy signals, honoring the
// concurrent-position cap and the portfolio risk budget.
func (e *Engine) executeSignals(ctx context.Context, client alpaca.BrokerClient, userID string, cfg *strategy.Config) error {
	signals, err := e.store.GetUnexecutedSignals(ctx, userID)
	if err != nil {
		return err
	}
	if len(signals) == 0 {
		return nil
	}

	account, err := client.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("fetching account: %w", err)
	}
	open, err := e.store.GetOpenPositions(ctx, userID)
	if err != nil {
		return err
	}

	openBySymbol := make(map[string]bool, len(open))
	for _, p := range open {
		openBySymbol[p.Symbol] = true
	}
	openCount := len(open)

	submitted := 0
	for _, sig := range signals {
		if sig.SignalType != "buy" {
			continue
		}
		if time.Since(sig.CreatedAt) > signalMaxAge {
			e.log.Debug("skipping stale signal", "user_id", userID, "symbol", sig.Symbol, "created_at", sig.CreatedAt)
			continue
		}
		if openBySymbol[sig.Symbol] {
			continue
		}
		if cfg.MaxConcurrentPositions > 0 && openCount >= cfg.MaxConcurrentPositions {
			e.log.Info("concurrent position cap reached", "user_id", userID, "open", openCount)
			break
		}
		if sig.StopLoss == nil {
			continue
		}

		res := risk.CalculatePositionSize(risk.SizeRequest{
			Equity:                  account.Equity,
			BuyingPower:             account.BuyingPower,
			EntryPrice:              sig.Price,
			StopLoss:                *sig.StopLoss,
			SizingVariant:           cfg.SizingVariant,
			RiskPerTradePercent:     cfg.RiskPerTradePercent,
			MaxPortfolioRiskPercent: cfg.MaxPortfolioRiskPercent,
			MaxPositionSizePercent:  cfg.MaxPositionSizePercent,
			OpenPositions:           open,
		})
		if res.Rejected {
			e.log.Info("entry rejected by sizer", "user_id", userID, "symbol", sig.Symbol, "reason", res.RejectReason)
			if err := e.store.LogActivity(ctx, userID, database.ActivityWarning, "risk",
				fmt.Sprintf("entry rejected for %s: %s", sig.Symbol, res.RejectReason), nil); err != nil {
				e.log.Error("failed to record sizer activity", "user_id", userID, "error", err)
			}
			continue
		}

		if submitted > 0 {
			e.pace(ctx)
		}
		if _, err := e.executor.ExecuteSignal(ctx, client, userID, sig, res.Quantity, res.RiskAmount); err != nil {
			// per-signal error boundary: log and move to the next signal
			e.log.Error("signal execution failed", "user_id", userID, "symbol", sig.Symbol, "error", err)
			continue
		}
		submitted++
		openBySymbol[sig.Symbol] = true
		openCount++
	}

	if submitted > 0 {
		e.log.Info("cycle submissions complete", "user_id", userID, "orders", submitted)
	}
	return nil
}

func (e *Engine) pace(ctx context.Context) {
	if e.orderPacing <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(e.orderPacing):
	}
}

func signalToRecord(userID string, sig *strategy.Signal) *database.SignalRecord {
	rec := &database.SignalRecord{
		ID:         uuid.NewString(),
		UserID:     userID,
		Symbol:     sig.Symbol,
		SignalType: string(sig.Type),
		Price:      sig.Price,
		Reason:     sig.Reason,
		CreatedAt:  sig.CreatedAt,
	}
	if sig.StopLoss > 0 {
		v := sig.StopLoss
		rec.StopLoss = &v
	}
	if sig.TakeProfit > 0 {
		v := sig.TakeProfit
		rec.TakeProfit = &v
	}
	if sig.ATR > 0 {
		v := sig.ATR
		rec.ATR = &v
	}
	if sig.EMAFast != 0 {
		v := sig.EMAFast
		rec.EMAFast = &v
	}
	if sig.EMASlow != 0 {
		v := sig.EMASlow
		rec.EMASlow = &v
	}
	return rec
}

// RunStrategyAnalysis evaluates the user's universe on demand without
// submitting orders. Buy signals are persisted for the next cycle.
func (e *Engine) RunStrategyAnalysis(ctx context.Context, userID string) ([]*strategy.Signal, error) {
	client, err := e.clients.GetClientForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	cfg, err := e.store.GetStrategyConfig(ctx, userID)
	if err != nil {
		return nil, err
	}

	end := time.Now()
	start := end.AddDate(0, 0, -barLookbackDays)

	var out []*strategy.Signal
	for _, symbol := range cfg.TradingUniverse {
		bars, err := client.GetBars(ctx, symbol, start, end, "1Day")
		if err != nil {
			e.log.Warn("bar fetch failed", "user_id", userID, "symbol", symbol, "error", err)
			continue
		}
		sig := strategy.Evaluate(symbol, bars, cfg)
		out = append(out, sig)

		if sig.Type == strategy.SignalBuy {
			if err := e.store.CreateSignal(ctx, signalToRecord(userID, sig)); err != nil {
				e.log.Error("failed to persist signal", "user_id", userID, "symbol", symbol, "error", err)
			}
		}
	}
	return out, nil
}

// GetRiskMetrics serves dashboard reads. Cached snapshots are good enough
// for polling; fresh forces a broker round trip and refreshes the cache.
func (e *Engine) GetRiskMetrics(ctx context.Context, userID string, fresh bool) (*database.RiskMetrics, error) {
	if !fresh {
		if m, err := e.metrics.GetRiskMetrics(ctx, userID); err == nil {
			return m, nil
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			e.log.Warn("metrics cache read failed", "user_id", userID, "error", err)
		}
	}

	client, err := e.clients.GetClientForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	m, err := e.gate.CalculateRiskMetrics(ctx, userID, client)
	if err != nil {
		return nil, err
	}
	e.metrics.SetRiskMetrics(ctx, userID, m)
	return m, nil
}

// CheckRiskBreaches compares the user's latest metrics snapshot against
// their limits without touching trading status. When no history exists yet
// a fresh snapshot is computed from the broker first.
func (e *Engine) CheckRiskBreaches(ctx context.Context, userID string) (*risk.BreachResult, error) {
	m, err := e.store.GetLatestRiskMetrics(ctx, userID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		client, err := e.clients.GetClientForUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		if m, err = e.gate.CalculateRiskMetrics(ctx, userID, client); err != nil {
			return nil, err
		}
		e.metrics.SetRiskMetrics(ctx, userID, m)
	}

	limits, err := e.store.GetRiskLimits(ctx, userID)
	if err != nil {
		return nil, err
	}
	return e.gate.CheckRiskLimitBreaches(m, limits), nil
}

// LinkBrokerAccount stores or replaces the user's brokerage credentials
// and drops any cached client so the next cycle authenticates with the
// new key pair.
func (e *Engine) LinkBrokerAccount(ctx context.Context, userID, apiKey, secretKey string, paper bool) error {
	acct := &database.BrokerAccount{
		ID:        uuid.NewString(),
		UserID:    userID,
		APIKey:    apiKey,
		SecretKey: secretKey,
		Paper:     paper,
	}
	if err := e.store.UpsertBrokerAccount(ctx, acct); err != nil {
		return fmt.Errorf("storing broker account: %w", err)
	}
	e.clients.InvalidateUser(userID)

	if err := e.store.LogActivity(ctx, userID, database.ActivityInfo, "account",
		"brokerage account linked", nil); err != nil {
		e.log.Error("failed to record account link activity", "user_id", userID, "error", err)
	}
	return nil
}

// EmergencyStop closes everything for the user immediately, out-of-band
// from the cycle cadence.
func (e *Engine) EmergencyStop(ctx context.Context, userID string) (int, error) {
	client, err := e.clients.GetClientForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	closed, err := e.gate.EmergencyStop(ctx, userID, client)
	if err != nil {
		return closed, err
	}
	e.metrics.Invalidate(ctx, userID)
	if e.bus != nil {
		e.bus.Publish(events.EventEmergencyStop, userID, map[string]any{
			"positions_closed": closed,
		})
	}
	return closed, nil
}

// SetAutoTrading toggles the user's cycle eligibility. Re-enabling also
// resets a stopped halt state back to active.
func (e *Engine) SetAutoTrading(ctx context.Context, userID string, enabled bool) error {
	if err := e.store.SetAutoTradingEnabled(ctx, userID, enabled); err != nil {
		return err
	}
	if enabled {
		if err := e.store.SetTradingStatus(ctx, userID, database.TradingStatusActive); err != nil {
			return err
		}
	}
	action := "disabled"
	if enabled {
		action = "enabled"
	}
	if err := e.store.LogActivity(ctx, userID, database.ActivityInfo, "preferences",
		"auto trading "+action, nil); err != nil {
		e.log.Error("failed to record toggle activity", "user_id", userID, "error", err)
	}
	return nil
}

// SubmitManualOrder places a user-requested bracket order outside the cycle
func (e *Engine) SubmitManualOrder(ctx context.Context, userID string, params alpaca.BracketOrderParams) (*alpaca.Order, error) {
	client, err := e.clients.GetClientForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return e.executor.SubmitBracketOrder(ctx, client, userID, params)
}

// CancelOrder cancels a broker order and refreshes the local row
func (e *Engine) CancelOrder(ctx context.Context, userID, brokerOrderID string) error {
	client, err := e.clients.GetClientForUser(ctx, userID)
	if err != nil {
		return err
	}
	if err := client.CancelOrder(ctx, brokerOrderID); err != nil {
		return fmt.Errorf("cancelling order: %w", err)
	}
	if _, err := e.reconciler.SyncOrderStatus(ctx, client, userID, brokerOrderID); err != nil {
		e.log.Warn("post-cancel sync failed", "user_id", userID, "order_id", brokerOrderID, "error", err)
	}
	return nil
}

// SyncOrder re-fetches one order's status and folds fills into positions
func (e *Engine) SyncOrder(ctx context.Context, userID, brokerOrderID string) (*alpaca.Order, error) {
	client, err := e.clients.GetClientForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return e.reconciler.SyncOrderStatus(ctx, client, userID, brokerOrderID)
}
