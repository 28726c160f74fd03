package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MockAdapter is the paper-trading venue: fills against an in-memory price
// feed with configurable slippage, tracks positions and equity, and supports
// failure injection for gateway and pipeline tests.
type MockAdapter struct {
	mu          sync.Mutex
	prices      map[string]float64
	positions   map[string]*Position
	orders      map[string]*OrderStatus
	equity      float64
	slippagePct float64
	orderSeq    int

	// failure injection
	failNext     int
	failWith     error
	rejectOrders bool

	fundingRates map[string]float64

	subs      map[string]map[int]TradeHandler
	depthSubs map[string]map[int]DepthHandler
	liqSubs   map[string]map[int]LiquidationHandler
	subSeq    int
	log       zerolog.Logger
}

// NewMockAdapter creates a paper venue with the given starting equity.
func NewMockAdapter(startingEquity float64) *MockAdapter {
	return &MockAdapter{
		prices:       make(map[string]float64),
		positions:    make(map[string]*Position),
		orders:       make(map[string]*OrderStatus),
		equity:       startingEquity,
		fundingRates: make(map[string]float64),
		subs:         make(map[string]map[int]TradeHandler),
		depthSubs:    make(map[string]map[int]DepthHandler),
		liqSubs:      make(map[string]map[int]LiquidationHandler),
		log:          log.With().Str("component", "mock_adapter").Logger(),
	}
}

func (m *MockAdapter) Name() string { return "paper" }

// SetPrice sets the mark price for a symbol and pushes a synthetic trade to
// stream subscribers.
func (m *MockAdapter) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	m.prices[symbol] = price
	handlers := make([]TradeHandler, 0, len(m.subs[symbol]))
	for _, fn := range m.subs[symbol] {
		handlers = append(handlers, fn)
	}
	m.mu.Unlock()

	trade := Trade{Symbol: symbol, Price: price, Qty: 1, Timestamp: time.Now()}
	for _, fn := range handlers {
		fn(trade)
	}
}

// SetSlippage sets the simulated fill slippage percentage.
func (m *MockAdapter) SetSlippage(pct float64) {
	m.mu.Lock()
	m.slippagePct = pct
	m.mu.Unlock()
}

// FailNext makes the next n calls fail with err.
func (m *MockAdapter) FailNext(n int, err error) {
	m.mu.Lock()
	m.failNext = n
	m.failWith = err
	m.mu.Unlock()
}

// SetRejectOrders makes SendOrder return unfilled rejections.
func (m *MockAdapter) SetRejectOrders(reject bool) {
	m.mu.Lock()
	m.rejectOrders = reject
	m.mu.Unlock()
}

// SetFundingRate sets the simulated 8-hour funding rate for a symbol.
func (m *MockAdapter) SetFundingRate(symbol string, rate float64) {
	m.mu.Lock()
	m.fundingRates[symbol] = rate
	m.mu.Unlock()
}

// FundingRate returns the simulated 8-hour funding rate for a symbol.
func (m *MockAdapter) FundingRate(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedFailure(); err != nil {
		return 0, err
	}
	return m.fundingRates[symbol], nil
}

// SetEquity overrides the simulated account equity.
func (m *MockAdapter) SetEquity(equity float64) {
	m.mu.Lock()
	m.equity = equity
	m.mu.Unlock()
}

func (m *MockAdapter) injectedFailure() error {
	if m.failNext > 0 {
		m.failNext--
		return m.failWith
	}
	return nil
}

// SendOrder fills immediately at the mark price adjusted for slippage.
func (m *MockAdapter) SendOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injectedFailure(); err != nil {
		return OrderResult{}, err
	}
	if m.rejectOrders {
		m.orderSeq++
		orderID := fmt.Sprintf("mock-%d", m.orderSeq)
		m.orders[orderID] = &OrderStatus{OrderID: orderID, Status: "NEW"}
		return OrderResult{Success: true, Filled: false, OrderID: orderID, ClientOrderID: req.ClientOrderID, Error: "rejected by venue"}, nil
	}

	price, ok := m.prices[req.Symbol]
	if !ok {
		return OrderResult{}, &BrokerError{Code: "NO_PRICE", Message: fmt.Sprintf("no mark price for %s", req.Symbol)}
	}
	if req.Type == TypeLimit && req.Price > 0 {
		price = req.Price
	} else {
		slip := price * m.slippagePct / 100
		if req.Side == SideBuy {
			price += slip
		} else {
			price -= slip
		}
	}

	m.orderSeq++
	orderID := fmt.Sprintf("mock-%d", m.orderSeq)
	m.orders[orderID] = &OrderStatus{OrderID: orderID, Status: "FILLED", FilledQty: req.Qty, AvgPrice: price}

	m.applyFillLocked(req, price)

	return OrderResult{
		Success:       true,
		Filled:        true,
		OrderID:       orderID,
		ClientOrderID: req.ClientOrderID,
		FillPrice:     price,
		FilledQty:     req.Qty,
	}, nil
}

func (m *MockAdapter) applyFillLocked(req OrderRequest, price float64) {
	side := "LONG"
	if req.Side == SideSell {
		side = "SHORT"
	}

	pos, exists := m.positions[req.Symbol]
	if req.ReduceOnly && exists {
		pos.Size -= req.Qty
		if pos.Size <= 0 {
			delete(m.positions, req.Symbol)
		}
		return
	}
	if exists && pos.Side == side {
		total := pos.Size + req.Qty
		pos.EntryPrice = (pos.EntryPrice*pos.Size + price*req.Qty) / total
		pos.Size = total
		return
	}
	if exists {
		// Opposite side reduces and possibly flips nothing in paper mode.
		pos.Size -= req.Qty
		if pos.Size <= 0 {
			delete(m.positions, req.Symbol)
		}
		return
	}
	m.positions[req.Symbol] = &Position{Symbol: req.Symbol, Side: side, Size: req.Qty, EntryPrice: price}
}

func (m *MockAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedFailure(); err != nil {
		return err
	}
	if st, ok := m.orders[orderID]; ok && !st.Executed() {
		st.Status = "CANCELED"
	}
	return nil
}

// GetOrder returns the recorded state of an order placed on the paper venue.
func (m *MockAdapter) GetOrder(ctx context.Context, symbol, orderID string) (OrderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedFailure(); err != nil {
		return OrderStatus{}, err
	}
	st, ok := m.orders[orderID]
	if !ok {
		return OrderStatus{}, &BrokerError{Code: "NOT_FOUND", Message: fmt.Sprintf("unknown order %s", orderID)}
	}
	return *st, nil
}

// FillRestingOrder marks a resting order as filled, simulating a maker fill
// that lands during a chase window.
func (m *MockAdapter) FillRestingOrder(orderID string, qty, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.orders[orderID]; ok {
		st.Status = "FILLED"
		st.FilledQty = qty
		st.AvgPrice = price
	}
}

func (m *MockAdapter) GetPositions(ctx context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedFailure(); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out, nil
}

func (m *MockAdapter) GetAccount(ctx context.Context) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedFailure(); err != nil {
		return Account{}, err
	}
	return Account{Equity: m.equity, AvailableBalance: m.equity}, nil
}

func (m *MockAdapter) ClosePosition(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedFailure(); err != nil {
		return err
	}
	delete(m.positions, symbol)
	return nil
}

func (m *MockAdapter) CloseAllPositions(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedFailure(); err != nil {
		return err
	}
	m.positions = make(map[string]*Position)
	return nil
}

func (m *MockAdapter) SetStopLoss(ctx context.Context, symbol string, price float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.injectedFailure()
}

func (m *MockAdapter) SetTakeProfit(ctx context.Context, symbol string, price float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.injectedFailure()
}

func (m *MockAdapter) TestConnection(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.injectedFailure()
}

// SetDepth pushes a synthetic depth snapshot to depth stream subscribers.
func (m *MockAdapter) SetDepth(symbol string, bids, asks []BookLevel) {
	m.mu.Lock()
	handlers := make([]DepthHandler, 0, len(m.depthSubs[symbol]))
	for _, fn := range m.depthSubs[symbol] {
		handlers = append(handlers, fn)
	}
	m.mu.Unlock()

	upd := DepthUpdate{Symbol: symbol, Bids: bids, Asks: asks, Timestamp: time.Now()}
	for _, fn := range handlers {
		fn(upd)
	}
}

// SubscribeDepth registers a handler for synthetic depth from SetDepth.
func (m *MockAdapter) SubscribeDepth(symbol string, fn DepthHandler) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.depthSubs[symbol] == nil {
		m.depthSubs[symbol] = make(map[int]DepthHandler)
	}
	m.subSeq++
	id := m.subSeq
	m.depthSubs[symbol][id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.depthSubs[symbol], id)
	}, nil
}

// SetLiquidation pushes a synthetic forced liquidation to stream subscribers.
func (m *MockAdapter) SetLiquidation(symbol, side string, price, qty float64) {
	m.mu.Lock()
	handlers := make([]LiquidationHandler, 0, len(m.liqSubs[symbol]))
	for _, fn := range m.liqSubs[symbol] {
		handlers = append(handlers, fn)
	}
	m.mu.Unlock()

	liq := Liquidation{Symbol: symbol, Side: side, Price: price, Qty: qty, Timestamp: time.Now()}
	for _, fn := range handlers {
		fn(liq)
	}
}

// SubscribeLiquidations registers a handler for synthetic liquidations from
// SetLiquidation.
func (m *MockAdapter) SubscribeLiquidations(symbol string, fn LiquidationHandler) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.liqSubs[symbol] == nil {
		m.liqSubs[symbol] = make(map[int]LiquidationHandler)
	}
	m.subSeq++
	id := m.subSeq
	m.liqSubs[symbol][id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.liqSubs[symbol], id)
	}, nil
}

// SubscribeTrades registers a handler for synthetic trades from SetPrice.
func (m *MockAdapter) SubscribeTrades(symbol string, fn TradeHandler) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subs[symbol] == nil {
		m.subs[symbol] = make(map[int]TradeHandler)
	}
	m.subSeq++
	id := m.subSeq
	m.subs[symbol][id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[symbol], id)
	}, nil
}
