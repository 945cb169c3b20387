package bot

import (
	"context"
	"testing"
	"time"

	"alpaca-trading-bot/internal/alpaca"
	"alpaca-trading-bot/internal/database"
	"alpaca-trading-bot/internal/orders"
	"alpaca-trading-bot/internal/risk"
	"alpaca-trading-bot/internal/strategy"
)

// memStore is one in-memory fake backing the engine, gate, executor, and
// reconciler in tests.
type memStore struct {
	prefs      map[string]*database.TradingPreferences
	limits     map[string]*database.RiskLimits
	configs    map[string]*strategy.Config
	signals    []*database.SignalRecord
	orders     []*database.OrderRecord
	positions  map[string]*database.PositionRecord // key symbol
	closedBy   map[string]string
	activities []string
	metrics    []*database.RiskMetrics
	accounts   map[string]*database.BrokerAccount
}

func newMemStore() *memStore {
	return &memStore{
		prefs:     make(map[string]*database.TradingPreferences),
		limits:    make(map[string]*database.RiskLimits),
		configs:   make(map[string]*strategy.Config),
		positions: make(map[string]*database.PositionRecord),
		closedBy:  make(map[string]string),
		accounts:  make(map[string]*database.BrokerAccount),
	}
}

func (m *memStore) GetAutoTradingUserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	for id, p := range m.prefs {
		if p.AutoTradingEnabled {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memStore) GetTradingPreferences(ctx context.Context, userID string) (*database.TradingPreferences, error) {
	if p, ok := m.prefs[userID]; ok {
		return p, nil
	}
	return &database.TradingPreferences{UserID: userID, TradingStatus: database.TradingStatusActive}, nil
}

func (m *memStore) SetAutoTradingEnabled(ctx context.Context, userID string, enabled bool) error {
	p, _ := m.GetTradingPreferences(ctx, userID)
	p.AutoTradingEnabled = enabled
	m.prefs[userID] = p
	return nil
}

func (m *memStore) SetTradingStatus(ctx context.Context, userID, status string) error {
	p, _ := m.GetTradingPreferences(ctx, userID)
	p.TradingStatus = status
	m.prefs[userID] = p
	return nil
}

func (m *memStore) GetStrategyConfig(ctx context.Context, userID string) (*strategy.Config, error) {
	if c, ok := m.configs[userID]; ok {
		return c, nil
	}
	return strategy.DefaultConfig(), nil
}

func (m *memStore) GetOpenPositions(ctx context.Context, userID string) ([]*database.PositionRecord, error) {
	var out []*database.PositionRecord
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out, nil
}

func (m *memStore) GetOpenPosition(ctx context.Context, userID, symbol string) (*database.PositionRecord, error) {
	return m.positions[symbol], nil
}

func (m *memStore) UpsertOpenPosition(ctx context.Context, p *database.PositionRecord) error {
	m.positions[p.Symbol] = p
	return nil
}

func (m *memStore) ClosePosition(ctx context.Context, userID, symbol string, closePrice, realizedPL float64, closedBy string) error {
	delete(m.positions, symbol)
	m.closedBy[symbol] = closedBy
	return nil
}

func (m *memStore) CreateSignal(ctx context.Context, s *database.SignalRecord) error {
	m.signals = append(m.signals, s)
	return nil
}

func (m *memStore) GetUnexecutedSignals(ctx context.Context, userID string) ([]*database.SignalRecord, error) {
	var out []*database.SignalRecord
	for _, s := range m.signals {
		if s.UserID == userID && !s.Executed && (s.SignalType == "buy" || s.SignalType == "sell") {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) GetRecentSignals(ctx context.Context, userID string, limit int) ([]*database.SignalRecord, error) {
	return m.signals, nil
}

func (m *memStore) MarkSignalExecuted(ctx context.Context, signalID, orderID string, positionSize int, riskAmount float64) error {
	for _, s := range m.signals {
		if s.ID == signalID {
			if s.Executed {
				return database.ErrSignalAlreadyExecuted
			}
			s.Executed = true
			s.OrderID = &orderID
			s.PositionSize = &positionSize
			s.RiskAmount = &riskAmount
			return nil
		}
	}
	return nil
}

func (m *memStore) CreateOrder(ctx context.Context, o *database.OrderRecord) error {
	m.orders = append(m.orders, o)
	return nil
}

func (m *memStore) GetOrderByBrokerID(ctx context.Context, brokerOrderID string) (*database.OrderRecord, error) {
	for _, o := range m.orders {
		if o.BrokerOrderID == brokerOrderID {
			return o, nil
		}
	}
	return nil, nil
}

func (m *memStore) UpdateOrderFromBroker(ctx context.Context, o *database.OrderRecord) error {
	return nil
}

func (m *memStore) GetPendingOrders(ctx context.Context, userID string) ([]*database.OrderRecord, error) {
	var out []*database.OrderRecord
	for _, o := range m.orders {
		switch o.Status {
		case alpaca.OrderStatusNew, alpaca.OrderStatusAccepted, alpaca.OrderStatusPartiallyFilled:
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memStore) GetLatestRiskMetrics(ctx context.Context, userID string) (*database.RiskMetrics, error) {
	if len(m.metrics) == 0 {
		return nil, nil
	}
	return m.metrics[len(m.metrics)-1], nil
}

func (m *memStore) UpsertBrokerAccount(ctx context.Context, acct *database.BrokerAccount) error {
	m.accounts[acct.UserID] = acct
	return nil
}

func (m *memStore) GetRiskLimits(ctx context.Context, userID string) (*database.RiskLimits, error) {
	if l, ok := m.limits[userID]; ok {
		return l, nil
	}
	return database.DefaultRiskLimits(userID), nil
}

func (m *memStore) InsertRiskMetrics(ctx context.Context, rm *database.RiskMetrics) error {
	m.metrics = append(m.metrics, rm)
	return nil
}

func (m *memStore) GetHistoricalPeaks(ctx context.Context, userID string) (float64, float64, error) {
	var peak, maxDD float64
	for _, rm := range m.metrics {
		if rm.PeakPortfolioValue > peak {
			peak = rm.PeakPortfolioValue
		}
		if rm.MaxDrawdown > maxDD {
			maxDD = rm.MaxDrawdown
		}
	}
	return peak, maxDD, nil
}

func (m *memStore) LogActivity(ctx context.Context, userID, level, category, message string, metadata map[string]string) error {
	m.activities = append(m.activities, level+": "+message)
	return nil
}

// cycleBroker serves canned bars and accepts bracket orders
type cycleBroker struct {
	account       *alpaca.Account
	bars          map[string][]alpaca.Bar
	positions     []alpaca.Position
	submitted     []alpaca.BracketOrderParams
	orderStatuses map[string]*alpaca.Order
}

func (b *cycleBroker) GetAccount(ctx context.Context) (*alpaca.Account, error) {
	return b.account, nil
}

func (b *cycleBroker) GetPositions(ctx context.Context) ([]alpaca.Position, error) {
	return b.positions, nil
}

func (b *cycleBroker) GetBars(ctx context.Context, symbol string, start, end time.Time, timeframe string) ([]alpaca.Bar, error) {
	return b.bars[symbol], nil
}

func (b *cycleBroker) SubmitBracketOrder(ctx context.Context, params alpaca.BracketOrderParams) (*alpaca.Order, error) {
	b.submitted = append(b.submitted, params)
	return &alpaca.Order{
		ID:          "broker-" + params.Symbol,
		Symbol:      params.Symbol,
		Side:        params.Side,
		Type:        "market",
		Qty:         params.Qty,
		Status:      alpaca.OrderStatusAccepted,
		SubmittedAt: time.Now(),
	}, nil
}

func (b *cycleBroker) GetOrderStatus(ctx context.Context, orderID string) (*alpaca.Order, error) {
	if o, ok := b.orderStatuses[orderID]; ok {
		return o, nil
	}
	return &alpaca.Order{ID: orderID, Status: alpaca.OrderStatusAccepted}, nil
}

func (b *cycleBroker) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (b *cycleBroker) ClosePosition(ctx context.Context, symbol string) (*alpaca.Order, error) {
	return &alpaca.Order{Symbol: symbol, Status: alpaca.OrderStatusFilled}, nil
}

var _ alpaca.BrokerClient = (*cycleBroker)(nil)

type staticProvider struct {
	client      alpaca.BrokerClient
	invalidated []string
}

func (p *staticProvider) GetClientForUser(ctx context.Context, userID string) (alpaca.BrokerClient, error) {
	return p.client, nil
}

func (p *staticProvider) InvalidateUser(userID string) {
	p.invalidated = append(p.invalidated, userID)
}

func testStrategyConfig() *strategy.Config {
	cfg := strategy.DefaultConfig()
	cfg.EMAFastPeriod = 5
	cfg.EMASlowPeriod = 10
	cfg.ATRPeriod = 5
	cfg.TradingUniverse = []string{"AAPL"}
	cfg.MinStockPrice = 1
	cfg.MinDailyVolume = 1
	return cfg
}

// crossoverBars finds the shortest prefix of a decline-then-rally series
// where the strategy fires a buy, so the engine sees the cross on its
// final bar.
func crossoverBars(t *testing.T, cfg *strategy.Config) []alpaca.Bar {
	t.Helper()

	var closes []float64
	price := 100.0
	for i := 0; i < 30; i++ {
		closes = append(closes, price)
		price -= 0.5
	}
	for i := 0; i < 15; i++ {
		price += 2.0
		closes = append(closes, price)
	}

	bars := make([]alpaca.Bar, len(closes))
	for i, c := range closes {
		bars[i] = alpaca.Bar{Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 1_000_000}
	}

	for end := 30; end <= len(bars); end++ {
		if strategy.Evaluate("AAPL", bars[:end], cfg).Type == strategy.SignalBuy {
			return bars[:end]
		}
	}
	t.Fatal("no crossover prefix found")
	return nil
}

func newTestEngine(store *memStore, broker alpaca.BrokerClient) *Engine {
	gate := risk.NewGate(store)
	executor := orders.NewExecutor(store, nil)
	reconciler := orders.NewReconciler(store, nil)
	return New(store, &staticProvider{client: broker}, gate, executor, reconciler, nil, nil, 0)
}

func TestRunUserCycleSubmitsBuy(t *testing.T) {
	store := newMemStore()
	cfg := testStrategyConfig()
	store.configs["u1"] = cfg
	store.prefs["u1"] = &database.TradingPreferences{
		UserID: "u1", AutoTradingEnabled: true, TradingStatus: database.TradingStatusActive,
	}

	broker := &cycleBroker{
		account: &alpaca.Account{Equity: 100_000, Cash: 100_000, BuyingPower: 100_000, LastEquity: 100_000},
		bars:    map[string][]alpaca.Bar{"AAPL": crossoverBars(t, cfg)},
	}

	engine := newTestEngine(store, broker)
	if err := engine.RunUserCycle(context.Background(), "u1"); err != nil {
		t.Fatalf("RunUserCycle: %v", err)
	}

	if len(store.signals) != 1 {
		t.Fatalf("expected one persisted signal, got %d", len(store.signals))
	}
	sig := store.signals[0]
	if sig.SignalType != "buy" || !sig.Executed {
		t.Errorf("signal must be a buy marked executed, got %+v", sig)
	}

	if len(broker.submitted) != 1 {
		t.Fatalf("expected one bracket submission, got %d", len(broker.submitted))
	}
	params := broker.submitted[0]
	if params.Symbol != "AAPL" || params.Side != "buy" || params.Qty < 1 {
		t.Errorf("unexpected bracket params %+v", params)
	}
	if params.StopLoss <= 0 || params.TakeProfit <= params.StopLoss {
		t.Errorf("bracket legs out of order: %+v", params)
	}

	// fresh metrics were computed and persisted at cycle start
	if len(store.metrics) != 1 {
		t.Errorf("expected one risk metrics snapshot, got %d", len(store.metrics))
	}

	// the submitted sizing lands on the signal row
	if sig.PositionSize == nil || *sig.PositionSize < 1 {
		t.Error("executed signal must record its position size")
	}
	if sig.RiskAmount == nil || *sig.RiskAmount <= 0 {
		t.Error("executed signal must record its risk amount")
	}
}

func TestRunUserCycleSkipsHaltedUser(t *testing.T) {
	store := newMemStore()
	cfg := testStrategyConfig()
	store.configs["u1"] = cfg
	store.prefs["u1"] = &database.TradingPreferences{
		UserID: "u1", AutoTradingEnabled: true, TradingStatus: database.TradingStatusStopped,
	}

	broker := &cycleBroker{
		account: &alpaca.Account{Equity: 100_000, LastEquity: 100_000},
		bars:    map[string][]alpaca.Bar{"AAPL": crossoverBars(t, cfg)},
	}

	engine := newTestEngine(store, broker)
	if err := engine.RunUserCycle(context.Background(), "u1"); err != nil {
		t.Fatalf("RunUserCycle: %v", err)
	}

	if len(broker.submitted) != 0 {
		t.Error("halted user must not trade")
	}
	if len(store.signals) != 0 {
		t.Error("halted user must not even be scanned")
	}
}

func TestRunUserCycleHaltsOnBreach(t *testing.T) {
	store := newMemStore()
	store.configs["u1"] = testStrategyConfig()
	store.prefs["u1"] = &database.TradingPreferences{
		UserID: "u1", AutoTradingEnabled: true, TradingStatus: database.TradingStatusActive,
	}

	// down 5% against the default 3% halt-enabled daily loss limit
	broker := &cycleBroker{
		account: &alpaca.Account{Equity: 95_000, LastEquity: 100_000},
		bars:    map[string][]alpaca.Bar{"AAPL": crossoverBars(t, testStrategyConfig())},
	}

	engine := newTestEngine(store, broker)
	if err := engine.RunUserCycle(context.Background(), "u1"); err != nil {
		t.Fatalf("RunUserCycle: %v", err)
	}

	if len(broker.submitted) != 0 {
		t.Error("breached user must not trade")
	}
	if store.prefs["u1"].TradingStatus != database.TradingStatusStopped {
		t.Errorf("expected stopped, got %s", store.prefs["u1"].TradingStatus)
	}
	if store.prefs["u1"].AutoTradingEnabled {
		t.Error("hard breach must disable auto trading")
	}
}

func TestRunUserCycleRespectsBudgetReject(t *testing.T) {
	store := newMemStore()
	cfg := testStrategyConfig()
	cfg.MaxPortfolioRiskPercent = 0.001 // effectively no budget
	store.configs["u1"] = cfg
	store.prefs["u1"] = &database.TradingPreferences{
		UserID: "u1", AutoTradingEnabled: true, TradingStatus: database.TradingStatusActive,
	}

	broker := &cycleBroker{
		account: &alpaca.Account{Equity: 100_000, BuyingPower: 100_000, LastEquity: 100_000},
		bars:    map[string][]alpaca.Bar{"AAPL": crossoverBars(t, cfg)},
	}

	engine := newTestEngine(store, broker)
	if err := engine.RunUserCycle(context.Background(), "u1"); err != nil {
		t.Fatalf("RunUserCycle: %v", err)
	}

	if len(broker.submitted) != 0 {
		t.Error("sizer reject must block submission")
	}
	if len(store.signals) != 1 || store.signals[0].Executed {
		t.Error("rejected signal must stay unexecuted")
	}
}

func TestRunUserCycleSkipsExistingPosition(t *testing.T) {
	store := newMemStore()
	cfg := testStrategyConfig()
	store.configs["u1"] = cfg
	store.prefs["u1"] = &database.TradingPreferences{
		UserID: "u1", AutoTradingEnabled: true, TradingStatus: database.TradingStatusActive,
	}

	bars := crossoverBars(t, cfg)
	lastClose := bars[len(bars)-1].Close
	broker := &cycleBroker{
		account: &alpaca.Account{Equity: 100_000, BuyingPower: 100_000, LastEquity: 100_000},
		bars:    map[string][]alpaca.Bar{"AAPL": bars},
		positions: []alpaca.Position{
			{Symbol: "AAPL", Qty: 10, AvgEntryPrice: lastClose, CurrentPrice: lastClose, MarketValue: 10 * lastClose, Side: "long"},
		},
	}

	engine := newTestEngine(store, broker)
	if err := engine.RunUserCycle(context.Background(), "u1"); err != nil {
		t.Fatalf("RunUserCycle: %v", err)
	}

	if len(broker.submitted) != 0 {
		t.Error("must not add to an already open position")
	}
}

func TestRunExitChecksClosesThroughStop(t *testing.T) {
	store := newMemStore()
	cfg := testStrategyConfig()
	cfg.StopLossPercent = 5
	store.configs["u1"] = cfg
	store.prefs["u1"] = &database.TradingPreferences{
		UserID: "u1", AutoTradingEnabled: true, TradingStatus: database.TradingStatusActive,
	}

	broker := &cycleBroker{
		account: &alpaca.Account{Equity: 100_000, LastEquity: 100_000},
		// broker still reports the losing position; sync keeps it open
		positions: []alpaca.Position{
			{Symbol: "NVDA", Qty: 10, AvgEntryPrice: 100, CurrentPrice: 94, MarketValue: 940, Side: "long"},
		},
		bars: map[string][]alpaca.Bar{},
	}

	engine := newTestEngine(store, broker)
	if err := engine.RunUserCycle(context.Background(), "u1"); err != nil {
		t.Fatalf("RunUserCycle: %v", err)
	}

	if _, open := store.positions["NVDA"]; open {
		t.Error("position through the stop must be closed")
	}
	if store.closedBy["NVDA"] != "stop_loss" {
		t.Errorf("expected closed_by=stop_loss, got %q", store.closedBy["NVDA"])
	}
}

func TestRunUserCycleSyncsPendingOrders(t *testing.T) {
	store := newMemStore()
	cfg := testStrategyConfig()
	cfg.TradingUniverse = nil
	store.configs["u1"] = cfg
	store.prefs["u1"] = &database.TradingPreferences{
		UserID: "u1", AutoTradingEnabled: true, TradingStatus: database.TradingStatusActive,
	}
	store.orders = append(store.orders, &database.OrderRecord{
		ID: "o-1", UserID: "u1", BrokerOrderID: "bo-1", Symbol: "MSFT",
		Side: "buy", OrderType: "market", Quantity: 5,
		Status: alpaca.OrderStatusAccepted, SubmittedAt: time.Now(),
	})

	broker := &cycleBroker{
		account: &alpaca.Account{Equity: 100_000, LastEquity: 100_000},
		orderStatuses: map[string]*alpaca.Order{
			"bo-1": {
				ID: "bo-1", Symbol: "MSFT", Side: "buy", Type: "market",
				Qty: 5, Status: alpaca.OrderStatusFilled,
				FilledQty: 5, FilledAvgPrice: 310,
			},
		},
		positions: []alpaca.Position{
			{Symbol: "MSFT", Qty: 5, AvgEntryPrice: 310, CurrentPrice: 310, MarketValue: 1550, Side: "long"},
		},
	}

	engine := newTestEngine(store, broker)
	if err := engine.RunUserCycle(context.Background(), "u1"); err != nil {
		t.Fatalf("RunUserCycle: %v", err)
	}

	if store.orders[0].Status != alpaca.OrderStatusFilled {
		t.Errorf("pending order not refreshed, status %q", store.orders[0].Status)
	}
	pos := store.positions["MSFT"]
	if pos == nil {
		t.Fatal("fill must open the local position")
	}
	if pos.EntryPrice != 310 || pos.Quantity != 5 {
		t.Errorf("unexpected position from fill: %+v", pos)
	}
}

func TestCheckRiskBreaches(t *testing.T) {
	store := newMemStore()
	broker := &cycleBroker{
		account: &alpaca.Account{Equity: 95_000, LastEquity: 100_000},
	}
	engine := newTestEngine(store, broker)

	// no history yet: a fresh snapshot is computed and persisted
	breach, err := engine.CheckRiskBreaches(context.Background(), "u1")
	if err != nil {
		t.Fatalf("CheckRiskBreaches: %v", err)
	}
	if !breach.Breached || !breach.ShouldHaltTrading {
		t.Errorf("5%% daily loss must breach the default limits: %+v", breach)
	}
	if len(store.metrics) != 1 {
		t.Fatalf("expected one computed snapshot, got %d", len(store.metrics))
	}

	// the check is read-only: no halt, no auto-trading change
	if _, exists := store.prefs["u1"]; exists {
		t.Error("breach check must not touch trading preferences")
	}

	// with history present the stored snapshot is reused
	if _, err := engine.CheckRiskBreaches(context.Background(), "u1"); err != nil {
		t.Fatalf("second CheckRiskBreaches: %v", err)
	}
	if len(store.metrics) != 1 {
		t.Errorf("existing snapshot must be reused, got %d rows", len(store.metrics))
	}
}

func TestLinkBrokerAccount(t *testing.T) {
	store := newMemStore()
	provider := &staticProvider{client: &cycleBroker{}}
	engine := New(store, provider, risk.NewGate(store),
		orders.NewExecutor(store, nil), orders.NewReconciler(store, nil), nil, nil, 0)

	if err := engine.LinkBrokerAccount(context.Background(), "u1", "key-1", "secret-1", true); err != nil {
		t.Fatalf("LinkBrokerAccount: %v", err)
	}

	acct := store.accounts["u1"]
	if acct == nil {
		t.Fatal("credentials not stored")
	}
	if acct.APIKey != "key-1" || acct.SecretKey != "secret-1" || !acct.Paper {
		t.Errorf("unexpected stored account %+v", acct)
	}
	if len(provider.invalidated) != 1 || provider.invalidated[0] != "u1" {
		t.Errorf("cached client must be invalidated on rotation: %v", provider.invalidated)
	}
}

func TestSetAutoTradingResetsHalt(t *testing.T) {
	store := newMemStore()
	store.prefs["u1"] = &database.TradingPreferences{
		UserID: "u1", TradingStatus: database.TradingStatusStopped,
	}

	engine := newTestEngine(store, &cycleBroker{})
	if err := engine.SetAutoTrading(context.Background(), "u1", true); err != nil {
		t.Fatalf("SetAutoTrading: %v", err)
	}

	p := store.prefs["u1"]
	if !p.AutoTradingEnabled || p.TradingStatus != database.TradingStatusActive {
		t.Errorf("re-enable must reset the halt: %+v", p)
	}
}
