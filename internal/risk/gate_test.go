package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"alpaca-trading-bot/internal/alpaca"
	"alpaca-trading-bot/internal/database"
)

// fakeStore is an in-memory Store for gate tests
type fakeStore struct {
	limits        *database.RiskLimits
	prefs         *database.TradingPreferences
	openPositions []*database.PositionRecord
	histPeak      float64
	histMaxDD     float64

	metrics       []*database.RiskMetrics
	closedSymbols []string
	closedBy      []string
	statusChanges []string
	autoDisabled  bool
	activities    []string
}

func (s *fakeStore) GetRiskLimits(ctx context.Context, userID string) (*database.RiskLimits, error) {
	if s.limits == nil {
		return database.DefaultRiskLimits(userID), nil
	}
	return s.limits, nil
}

func (s *fakeStore) InsertRiskMetrics(ctx context.Context, m *database.RiskMetrics) error {
	s.metrics = append(s.metrics, m)
	return nil
}

func (s *fakeStore) GetHistoricalPeaks(ctx context.Context, userID string) (float64, float64, error) {
	return s.histPeak, s.histMaxDD, nil
}

func (s *fakeStore) GetOpenPositions(ctx context.Context, userID string) ([]*database.PositionRecord, error) {
	return s.openPositions, nil
}

func (s *fakeStore) ClosePosition(ctx context.Context, userID, symbol string, closePrice, realizedPL float64, closedBy string) error {
	s.closedSymbols = append(s.closedSymbols, symbol)
	s.closedBy = append(s.closedBy, closedBy)
	return nil
}

func (s *fakeStore) GetTradingPreferences(ctx context.Context, userID string) (*database.TradingPreferences, error) {
	if s.prefs == nil {
		return &database.TradingPreferences{UserID: userID, TradingStatus: database.TradingStatusActive}, nil
	}
	return s.prefs, nil
}

func (s *fakeStore) SetAutoTradingEnabled(ctx context.Context, userID string, enabled bool) error {
	s.autoDisabled = !enabled
	return nil
}

func (s *fakeStore) SetTradingStatus(ctx context.Context, userID, status string) error {
	s.statusChanges = append(s.statusChanges, status)
	if s.prefs != nil {
		s.prefs.TradingStatus = status
	}
	return nil
}

func (s *fakeStore) LogActivity(ctx context.Context, userID, level, category, message string, metadata map[string]string) error {
	s.activities = append(s.activities, level+": "+message)
	return nil
}

// fakeBroker is a canned alpaca.BrokerClient for gate tests
type fakeBroker struct {
	account   *alpaca.Account
	positions []alpaca.Position
	closeErr  map[string]error
}

func (b *fakeBroker) GetAccount(ctx context.Context) (*alpaca.Account, error) {
	return b.account, nil
}

func (b *fakeBroker) GetPositions(ctx context.Context) ([]alpaca.Position, error) {
	return b.positions, nil
}

func (b *fakeBroker) GetBars(ctx context.Context, symbol string, start, end time.Time, timeframe string) ([]alpaca.Bar, error) {
	return nil, nil
}

func (b *fakeBroker) SubmitBracketOrder(ctx context.Context, params alpaca.BracketOrderParams) (*alpaca.Order, error) {
	return nil, errors.New("not implemented")
}

func (b *fakeBroker) GetOrderStatus(ctx context.Context, orderID string) (*alpaca.Order, error) {
	return nil, errors.New("not implemented")
}

func (b *fakeBroker) CancelOrder(ctx context.Context, orderID string) error {
	return errors.New("not implemented")
}

func (b *fakeBroker) ClosePosition(ctx context.Context, symbol string) (*alpaca.Order, error) {
	if err := b.closeErr[symbol]; err != nil {
		return nil, err
	}
	return &alpaca.Order{Symbol: symbol, Status: alpaca.OrderStatusFilled}, nil
}

var _ alpaca.BrokerClient = (*fakeBroker)(nil)

func TestCalculateRiskMetrics(t *testing.T) {
	store := &fakeStore{histPeak: 12_000, histMaxDD: 0.05}
	broker := &fakeBroker{
		account: &alpaca.Account{Equity: 10_000, Cash: 4_000, LastEquity: 10_500},
		positions: []alpaca.Position{
			{Symbol: "AAPL", Qty: 10, MarketValue: 3_000, CurrentPrice: 300},
			{Symbol: "XOM", Qty: 20, MarketValue: 1_000, CurrentPrice: 50},
		},
	}

	gate := NewGate(store)
	m, err := gate.CalculateRiskMetrics(context.Background(), "u1", broker)
	if err != nil {
		t.Fatalf("CalculateRiskMetrics: %v", err)
	}

	if m.DailyPnL != -500 {
		t.Errorf("expected daily PnL -500, got %v", m.DailyPnL)
	}
	if m.PeakPortfolioValue != 12_000 {
		t.Errorf("peak must stay at historical high, got %v", m.PeakPortfolioValue)
	}
	wantDD := (12_000.0 - 10_000.0) / 12_000.0
	if m.CurrentDrawdown != wantDD {
		t.Errorf("expected drawdown %v, got %v", wantDD, m.CurrentDrawdown)
	}
	if m.MaxDrawdown != wantDD {
		t.Errorf("max drawdown must ratchet up to %v, got %v", wantDD, m.MaxDrawdown)
	}

	if len(store.metrics) != 1 {
		t.Fatalf("expected one persisted snapshot, got %d", len(store.metrics))
	}
	if len(m.SectorConcentration) != 2 {
		t.Errorf("expected 2 sector buckets, got %d", len(m.SectorConcentration))
	}
	if m.SectorConcentration[0].Name != "Technology" || m.SectorConcentration[0].Percent != 75 {
		t.Errorf("expected Technology at 75%%, got %+v", m.SectorConcentration[0])
	}
}

func TestCalculateRiskMetricsNewPeak(t *testing.T) {
	store := &fakeStore{histPeak: 9_000}
	broker := &fakeBroker{account: &alpaca.Account{Equity: 10_000, LastEquity: 9_500}}

	gate := NewGate(store)
	m, err := gate.CalculateRiskMetrics(context.Background(), "u1", broker)
	if err != nil {
		t.Fatalf("CalculateRiskMetrics: %v", err)
	}
	if m.PeakPortfolioValue != 10_000 {
		t.Errorf("current equity above history must become the peak, got %v", m.PeakPortfolioValue)
	}
	if m.CurrentDrawdown != 0 {
		t.Errorf("at the peak drawdown is zero, got %v", m.CurrentDrawdown)
	}
}

func TestCheckRiskLimitBreaches(t *testing.T) {
	gate := NewGate(&fakeStore{})

	limits := &database.RiskLimits{
		DailyLossEnabled: true, DailyLossPercent: 3,
		DrawdownEnabled: true, DrawdownPercent: 10,
		HaltOnDailyLoss: true, HaltOnDrawdown: false,
	}

	tests := []struct {
		name        string
		pnlPct      float64
		drawdown    float64
		wantBreach  bool
		wantHalt    bool
		wantReasons int
	}{
		{"clean", 1.0, 0.02, false, false, 0},
		{"daily loss breach halts", -3.5, 0.02, true, true, 1},
		{"daily loss at limit is not a breach", -3.0, 0.02, false, false, 0},
		{"drawdown breach without halt flag", 1.0, 0.12, true, false, 1},
		{"both breached", -4.0, 0.15, true, true, 2},
	}

	for _, tt := range tests {
		m := &database.RiskMetrics{DailyPnLPercent: tt.pnlPct, CurrentDrawdown: tt.drawdown}
		res := gate.CheckRiskLimitBreaches(m, limits)
		if res.Breached != tt.wantBreach || res.ShouldHaltTrading != tt.wantHalt || len(res.Breaches) != tt.wantReasons {
			t.Errorf("%s: got breached=%v halt=%v reasons=%d, want %v/%v/%d",
				tt.name, res.Breached, res.ShouldHaltTrading, len(res.Breaches),
				tt.wantBreach, tt.wantHalt, tt.wantReasons)
		}
	}
}

func TestCheckRiskLimitBreachesDisabled(t *testing.T) {
	gate := NewGate(&fakeStore{})
	limits := &database.RiskLimits{DailyLossEnabled: false, DrawdownEnabled: false}
	m := &database.RiskMetrics{DailyPnLPercent: -50, CurrentDrawdown: 0.9}

	res := gate.CheckRiskLimitBreaches(m, limits)
	if res.Breached || res.ShouldHaltTrading {
		t.Error("disabled limits must never breach")
	}
}

func TestEvaluateHaltsOnHardBreach(t *testing.T) {
	store := &fakeStore{
		prefs: &database.TradingPreferences{UserID: "u1", AutoTradingEnabled: true, TradingStatus: database.TradingStatusActive},
	}
	// down 5% on the day against a 3% halt-enabled limit
	broker := &fakeBroker{account: &alpaca.Account{Equity: 9_500, LastEquity: 10_000}}

	gate := NewGate(store)
	eval, err := gate.Evaluate(context.Background(), "u1", broker)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if eval.TradingStatus != database.TradingStatusStopped {
		t.Errorf("expected stopped, got %s", eval.TradingStatus)
	}
	if !store.autoDisabled {
		t.Error("hard breach must disable auto trading")
	}
	if len(store.activities) == 0 {
		t.Error("expected a critical activity record")
	}
}

func TestEvaluateStoppedIsTerminal(t *testing.T) {
	store := &fakeStore{
		prefs: &database.TradingPreferences{UserID: "u1", TradingStatus: database.TradingStatusStopped},
	}
	// metrics are clean, but stopped stays stopped until a human toggles
	broker := &fakeBroker{account: &alpaca.Account{Equity: 10_000, LastEquity: 10_000}}

	gate := NewGate(store)
	eval, err := gate.Evaluate(context.Background(), "u1", broker)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if eval.TradingStatus != database.TradingStatusStopped {
		t.Errorf("stopped must be terminal, got %s", eval.TradingStatus)
	}
	if len(store.statusChanges) != 0 {
		t.Errorf("no status writes expected, got %v", store.statusChanges)
	}
}

func TestEvaluatePausedRecovers(t *testing.T) {
	store := &fakeStore{
		prefs: &database.TradingPreferences{UserID: "u1", TradingStatus: database.TradingStatusPaused},
	}
	broker := &fakeBroker{account: &alpaca.Account{Equity: 10_100, LastEquity: 10_000}}

	gate := NewGate(store)
	eval, err := gate.Evaluate(context.Background(), "u1", broker)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if eval.TradingStatus != database.TradingStatusActive {
		t.Errorf("clean pass must recover paused to active, got %s", eval.TradingStatus)
	}
}

func TestEmergencyStop(t *testing.T) {
	store := &fakeStore{}
	broker := &fakeBroker{
		account: &alpaca.Account{Equity: 10_000, LastEquity: 10_000},
		positions: []alpaca.Position{
			{Symbol: "AAPL", Qty: 10, AvgEntryPrice: 200, CurrentPrice: 210},
			{Symbol: "MSFT", Qty: 5, AvgEntryPrice: 400, CurrentPrice: 390},
			{Symbol: "NVDA", Qty: 3, AvgEntryPrice: 100, CurrentPrice: 120},
		},
		closeErr: map[string]error{"MSFT": errors.New("order rejected")},
	}

	gate := NewGate(store)
	closed, err := gate.EmergencyStop(context.Background(), "u1", broker)
	if err != nil {
		t.Fatalf("EmergencyStop: %v", err)
	}

	// one close failed; the rest still go through
	if closed != 2 {
		t.Errorf("expected 2 closes, got %d", closed)
	}
	if len(store.closedSymbols) != 2 {
		t.Errorf("expected 2 local rows closed, got %v", store.closedSymbols)
	}
	for _, by := range store.closedBy {
		if by != "emergency_stop" {
			t.Errorf("expected closed_by=emergency_stop, got %s", by)
		}
	}
	if !store.autoDisabled {
		t.Error("emergency stop must disable auto trading")
	}
}
