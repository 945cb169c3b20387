package risk

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"alpaca-trading-bot/internal/alpaca"
	"alpaca-trading-bot/internal/database"
	"alpaca-trading-bot/internal/logging"
)

// Store is the persistence surface the gate needs. *database.DB satisfies it.
type Store interface {
	GetRiskLimits(ctx context.Context, userID string) (*database.RiskLimits, error)
	InsertRiskMetrics(ctx context.Context, m *database.RiskMetrics) error
	GetHistoricalPeaks(ctx context.Context, userID string) (peakValue, maxDrawdown float64, err error)
	GetOpenPositions(ctx context.Context, userID string) ([]*database.PositionRecord, error)
	ClosePosition(ctx context.Context, userID, symbol string, closePrice, realizedPL float64, closedBy string) error
	GetTradingPreferences(ctx context.Context, userID string) (*database.TradingPreferences, error)
	SetAutoTradingEnabled(ctx context.Context, userID string, enabled bool) error
	SetTradingStatus(ctx context.Context, userID, status string) error
	LogActivity(ctx context.Context, userID, level, category, message string, metadata map[string]string) error
}

var _ Store = (*database.DB)(nil)

// BreachResult is the outcome of comparing metrics against limits
type BreachResult struct {
	Breached          bool     `json:"breached"`
	Breaches          []string `json:"breaches,omitempty"`
	ShouldHaltTrading bool     `json:"should_halt_trading"`
}

// Evaluation bundles one full gate pass for a user
type Evaluation struct {
	Metrics       *database.RiskMetrics `json:"metrics"`
	Breach        *BreachResult         `json:"breach"`
	TradingStatus string                `json:"trading_status"`
}

// Gate computes risk metrics, evaluates limit breaches, and drives the
// per-user halt state machine.
type Gate struct {
	store Store
	log   *logging.Logger
}

// NewGate creates a risk gate backed by the given store
func NewGate(store Store) *Gate {
	return &Gate{
		store: store,
		log:   logging.WithComponent("risk"),
	}
}

// CalculateRiskMetrics pulls a fresh account snapshot from the broker,
// computes the point-in-time metrics, and appends them to the user's
// history. It never mutates RiskLimits.
func (g *Gate) CalculateRiskMetrics(ctx context.Context, userID string, client alpaca.BrokerClient) (*database.RiskMetrics, error) {
	account, err := client.GetAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching account: %w", err)
	}
	positions, err := client.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}

	histPeak, histMaxDD, err := g.store.GetHistoricalPeaks(ctx, userID)
	if err != nil {
		return nil, err
	}

	// Peak and max drawdown only ever increase across the history
	peak := math.Max(histPeak, account.Equity)
	var drawdown float64
	if peak > 0 {
		drawdown = (peak - account.Equity) / peak
	}
	maxDrawdown := math.Max(histMaxDD, drawdown)

	dailyPnL := account.Equity - account.LastEquity
	var dailyPnLPercent float64
	if account.LastEquity > 0 {
		dailyPnLPercent = dailyPnL / account.LastEquity * 100
	}

	sector, position := concentrations(positions)

	m := &database.RiskMetrics{
		ID:                    uuid.NewString(),
		UserID:                userID,
		PortfolioValue:        account.Equity,
		CashAvailable:         account.Cash,
		DailyPnL:              dailyPnL,
		DailyPnLPercent:       dailyPnLPercent,
		PeakPortfolioValue:    peak,
		CurrentDrawdown:       drawdown,
		MaxDrawdown:           maxDrawdown,
		SectorConcentration:   sector,
		PositionConcentration: position,
		VolatilityIndex:       herfindahl(position),
		CalculatedAt:          time.Now(),
	}

	if err := g.store.InsertRiskMetrics(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// CheckRiskLimitBreaches compares a metrics snapshot against the user's
// limits. Limit values are positive magnitudes: a daily-loss breach means
// the PnL percent fell below the negated limit. ShouldHaltTrading is true
// only when a breached limit also has its halt flag enabled.
func (g *Gate) CheckRiskLimitBreaches(m *database.RiskMetrics, limits *database.RiskLimits) *BreachResult {
	res := &BreachResult{}

	if limits.DailyLossEnabled && m.DailyPnLPercent < -limits.DailyLossPercent {
		res.Breached = true
		res.Breaches = append(res.Breaches,
			fmt.Sprintf("daily loss %.2f%% exceeds limit %.2f%%", -m.DailyPnLPercent, limits.DailyLossPercent))
		if limits.HaltOnDailyLoss {
			res.ShouldHaltTrading = true
		}
	}

	if limits.DrawdownEnabled && m.CurrentDrawdown*100 > limits.DrawdownPercent {
		res.Breached = true
		res.Breaches = append(res.Breaches,
			fmt.Sprintf("drawdown %.2f%% exceeds limit %.2f%%", m.CurrentDrawdown*100, limits.DrawdownPercent))
		if limits.HaltOnDrawdown {
			res.ShouldHaltTrading = true
		}
	}

	return res
}

// Evaluate runs one full gate pass: fresh metrics, breach check, and the
// active/paused/stopped transition. Stopped is terminal until a human
// re-enables auto trading; a clean pass recovers paused back to active.
func (g *Gate) Evaluate(ctx context.Context, userID string, client alpaca.BrokerClient) (*Evaluation, error) {
	metrics, err := g.CalculateRiskMetrics(ctx, userID, client)
	if err != nil {
		return nil, err
	}

	limits, err := g.store.GetRiskLimits(ctx, userID)
	if err != nil {
		return nil, err
	}
	breach := g.CheckRiskLimitBreaches(metrics, limits)

	prefs, err := g.store.GetTradingPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}
	status := prefs.TradingStatus

	switch {
	case status == database.TradingStatusStopped:
		// stays stopped regardless of current metrics

	case breach.ShouldHaltTrading:
		status = database.TradingStatusStopped
		if err := g.store.SetTradingStatus(ctx, userID, status); err != nil {
			return nil, err
		}
		if err := g.store.SetAutoTradingEnabled(ctx, userID, false); err != nil {
			return nil, err
		}
		g.log.Warn("trading halted on risk breach", "user_id", userID, "breaches", breach.Breaches)
		if err := g.store.LogActivity(ctx, userID, database.ActivityCritical, "risk",
			"trading halted: "+joinBreaches(breach.Breaches), nil); err != nil {
			g.log.Error("failed to record halt activity", "user_id", userID, "error", err)
		}

	case breach.Breached:
		if status == database.TradingStatusActive {
			status = database.TradingStatusPaused
			if err := g.store.SetTradingStatus(ctx, userID, status); err != nil {
				return nil, err
			}
			g.log.Warn("trading paused on soft risk breach", "user_id", userID, "breaches", breach.Breaches)
		}

	default:
		if status == database.TradingStatusPaused {
			status = database.TradingStatusActive
			if err := g.store.SetTradingStatus(ctx, userID, status); err != nil {
				return nil, err
			}
			g.log.Info("trading resumed after breach cleared", "user_id", userID)
		}
	}

	return &Evaluation{Metrics: metrics, Breach: breach, TradingStatus: status}, nil
}

// EmergencyStop closes every open broker position best-effort, marks the
// local rows closed, and force-disables auto trading. It returns the number
// of positions successfully closed. Individual close failures are logged
// and skipped so one stuck symbol cannot block the rest.
func (g *Gate) EmergencyStop(ctx context.Context, userID string, client alpaca.BrokerClient) (int, error) {
	positions, err := client.GetPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetching positions for emergency stop: %w", err)
	}

	closed := 0
	for _, p := range positions {
		if _, err := client.ClosePosition(ctx, p.Symbol); err != nil {
			g.log.Error("emergency close failed", "user_id", userID, "symbol", p.Symbol, "error", err)
			continue
		}
		realized := (p.CurrentPrice - p.AvgEntryPrice) * p.Qty
		if err := g.store.ClosePosition(ctx, userID, p.Symbol, p.CurrentPrice, realized, "emergency_stop"); err != nil {
			g.log.Error("failed to close local position row", "user_id", userID, "symbol", p.Symbol, "error", err)
		}
		closed++
	}

	if err := g.store.SetAutoTradingEnabled(ctx, userID, false); err != nil {
		return closed, err
	}
	if err := g.store.SetTradingStatus(ctx, userID, database.TradingStatusStopped); err != nil {
		return closed, err
	}

	g.log.Warn("emergency stop executed", "user_id", userID, "positions_closed", closed, "positions_total", len(positions))
	if err := g.store.LogActivity(ctx, userID, database.ActivityCritical, "risk",
		fmt.Sprintf("emergency stop: closed %d of %d positions", closed, len(positions)), nil); err != nil {
		g.log.Error("failed to record emergency stop activity", "user_id", userID, "error", err)
	}

	return closed, nil
}

func concentrations(positions []alpaca.Position) (sector, position []database.ConcentrationEntry) {
	var total float64
	for _, p := range positions {
		total += math.Abs(p.MarketValue)
	}
	if total == 0 {
		return nil, nil
	}

	bySector := make(map[string]float64)
	for _, p := range positions {
		mv := math.Abs(p.MarketValue)
		bySector[SectorFor(p.Symbol)] += mv
		position = append(position, database.ConcentrationEntry{
			Name:    p.Symbol,
			Value:   mv,
			Percent: mv / total * 100,
		})
	}
	for name, mv := range bySector {
		sector = append(sector, database.ConcentrationEntry{
			Name:    name,
			Value:   mv,
			Percent: mv / total * 100,
		})
	}

	sort.Slice(sector, func(i, j int) bool { return sector[i].Value > sector[j].Value })
	sort.Slice(position, func(i, j int) bool { return position[i].Value > position[j].Value })
	return sector, position
}

// herfindahl measures portfolio concentration on a 0-100 scale; a single
// position scores 100, an evenly split book approaches 100/n.
func herfindahl(position []database.ConcentrationEntry) float64 {
	var h float64
	for _, e := range position {
		share := e.Percent / 100
		h += share * share
	}
	return h * 100
}

func joinBreaches(breaches []string) string {
	out := ""
	for i, b := range breaches {
		if i > 0 {
			out += "; "
		}
		out += b
	}
	return out
}
