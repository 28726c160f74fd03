package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// BinanceAdapter is the live venue implementation on Binance USD-M futures.
type BinanceAdapter struct {
	client *futures.Client
	log    zerolog.Logger
}

// BinanceConfig holds the venue credentials.
type BinanceConfig struct {
	APIKey    string
	APISecret string
	Testnet   bool
}

// NewBinanceAdapter creates the live adapter.
func NewBinanceAdapter(cfg BinanceConfig) *BinanceAdapter {
	if cfg.Testnet {
		futures.UseTestnet = true
	}
	return &BinanceAdapter{
		client: futures.NewClient(cfg.APIKey, cfg.APISecret),
		log:    log.With().Str("component", "binance_adapter").Logger(),
	}
}

func (b *BinanceAdapter) Name() string { return "binance" }

// SendOrder places one futures order. Post-only maps to GTX time-in-force.
func (b *BinanceAdapter) SendOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	side := futures.SideTypeBuy
	if req.Side == SideSell {
		side = futures.SideTypeSell
	}

	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Quantity(formatFloat(req.Qty)).
		NewClientOrderID(req.ClientOrderID)

	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	switch req.Type {
	case TypeMarket:
		svc = svc.Type(futures.OrderTypeMarket)
	default:
		tif := futures.TimeInForceTypeGTC
		if req.PostOnly {
			tif = futures.TimeInForceTypeGTX
		}
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(tif).
			Price(formatFloat(req.Price))
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return OrderResult{}, classifyBinanceError(err)
	}

	res := OrderResult{
		Success:       true,
		OrderID:       strconv.FormatInt(order.OrderID, 10),
		ClientOrderID: order.ClientOrderID,
	}
	if order.Status == futures.OrderStatusTypeFilled {
		res.Filled = true
		res.FillPrice = parseFloat(order.AvgPrice)
		res.FilledQty = parseFloat(order.ExecutedQuantity)
	}
	return res, nil
}

// CancelOrder cancels an open order.
func (b *BinanceAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %q: %w", orderID, err)
	}
	_, err = b.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return classifyBinanceError(err)
	}
	return nil
}

// GetOrder fetches the venue-side state of one order.
func (b *BinanceAdapter) GetOrder(ctx context.Context, symbol, orderID string) (OrderStatus, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return OrderStatus{}, fmt.Errorf("invalid order id %q: %w", orderID, err)
	}
	order, err := b.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return OrderStatus{}, classifyBinanceError(err)
	}
	return OrderStatus{
		OrderID:   strconv.FormatInt(order.OrderID, 10),
		Status:    string(order.Status),
		FilledQty: parseFloat(order.ExecutedQuantity),
		AvgPrice:  parseFloat(order.AvgPrice),
	}, nil
}

// GetPositions returns the non-zero futures positions.
func (b *BinanceAdapter) GetPositions(ctx context.Context) ([]Position, error) {
	risks, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, classifyBinanceError(err)
	}

	out := make([]Position, 0, len(risks))
	for _, r := range risks {
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		side := "LONG"
		size := amt
		if amt < 0 {
			side = "SHORT"
			size = -amt
		}
		out = append(out, Position{
			Symbol:     r.Symbol,
			Side:       side,
			Size:       size,
			EntryPrice: parseFloat(r.EntryPrice),
		})
	}
	return out, nil
}

// GetAccount returns the futures account snapshot.
func (b *BinanceAdapter) GetAccount(ctx context.Context) (Account, error) {
	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return Account{}, classifyBinanceError(err)
	}
	return Account{
		Equity:           parseFloat(acct.TotalMarginBalance),
		AvailableBalance: parseFloat(acct.AvailableBalance),
	}, nil
}

// ClosePosition market-closes one symbol with a reduce-only order.
func (b *BinanceAdapter) ClosePosition(ctx context.Context, symbol string) error {
	positions, err := b.GetPositions(ctx)
	if err != nil {
		return err
	}
	for _, pos := range positions {
		if pos.Symbol != symbol {
			continue
		}
		side := futures.SideTypeSell
		if pos.Side == "SHORT" {
			side = futures.SideTypeBuy
		}
		_, err := b.client.NewCreateOrderService().
			Symbol(symbol).
			Side(side).
			Type(futures.OrderTypeMarket).
			Quantity(formatFloat(pos.Size)).
			ReduceOnly(true).
			Do(ctx)
		if err != nil {
			return classifyBinanceError(err)
		}
		return nil
	}
	return nil
}

// CloseAllPositions market-closes every open position, continuing past
// per-symbol failures and returning the first error.
func (b *BinanceAdapter) CloseAllPositions(ctx context.Context) error {
	positions, err := b.GetPositions(ctx)
	if err != nil {
		return err
	}

	var firstErr error
	for _, pos := range positions {
		if err := b.ClosePosition(ctx, pos.Symbol); err != nil {
			b.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("Failed to close position")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// SetStopLoss places a close-position stop-market order.
func (b *BinanceAdapter) SetStopLoss(ctx context.Context, symbol string, price float64) error {
	return b.placeTrigger(ctx, symbol, futures.OrderTypeStopMarket, price)
}

// SetTakeProfit places a close-position take-profit-market order.
func (b *BinanceAdapter) SetTakeProfit(ctx context.Context, symbol string, price float64) error {
	return b.placeTrigger(ctx, symbol, futures.OrderTypeTakeProfitMarket, price)
}

func (b *BinanceAdapter) placeTrigger(ctx context.Context, symbol string, orderType futures.OrderType, price float64) error {
	positions, err := b.GetPositions(ctx)
	if err != nil {
		return err
	}
	for _, pos := range positions {
		if pos.Symbol != symbol {
			continue
		}
		side := futures.SideTypeSell
		if pos.Side == "SHORT" {
			side = futures.SideTypeBuy
		}
		_, err := b.client.NewCreateOrderService().
			Symbol(symbol).
			Side(side).
			Type(orderType).
			StopPrice(formatFloat(price)).
			ClosePosition(true).
			Do(ctx)
		if err != nil {
			return classifyBinanceError(err)
		}
		return nil
	}
	return fmt.Errorf("no open position for %s", symbol)
}

// FundingRate returns the current 8-hour funding rate from the premium index.
func (b *BinanceAdapter) FundingRate(ctx context.Context, symbol string) (float64, error) {
	premiums, err := b.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, classifyBinanceError(err)
	}
	if len(premiums) == 0 {
		return 0, fmt.Errorf("no premium index for %s", symbol)
	}
	return parseFloat(premiums[0].LastFundingRate), nil
}

// TestConnection pings the venue and verifies credentials with an account
// read.
func (b *BinanceAdapter) TestConnection(ctx context.Context) error {
	if err := b.client.NewPingService().Do(ctx); err != nil {
		return classifyBinanceError(err)
	}
	if _, err := b.client.NewGetAccountService().Do(ctx); err != nil {
		return classifyBinanceError(err)
	}
	return nil
}

// SubscribeTrades subscribes to the public aggregate trade stream.
func (b *BinanceAdapter) SubscribeTrades(symbol string, fn TradeHandler) (func(), error) {
	handler := func(ev *futures.WsAggTradeEvent) {
		fn(Trade{
			Symbol:    ev.Symbol,
			Price:     parseFloat(ev.Price),
			Qty:       parseFloat(ev.Quantity),
			Timestamp: time.UnixMilli(ev.Time),
		})
	}
	errHandler := func(err error) {
		b.log.Warn().Err(err).Str("symbol", symbol).Msg("Trade stream error")
	}

	_, stopC, err := futures.WsAggTradeServe(symbol, handler, errHandler)
	if err != nil {
		return nil, classifyBinanceError(err)
	}
	return func() { close(stopC) }, nil
}

// SubscribeDepth subscribes to the 20-level partial depth stream.
func (b *BinanceAdapter) SubscribeDepth(symbol string, fn DepthHandler) (func(), error) {
	handler := func(ev *futures.WsDepthEvent) {
		upd := DepthUpdate{
			Symbol:    ev.Symbol,
			Bids:      make([]BookLevel, 0, len(ev.Bids)),
			Asks:      make([]BookLevel, 0, len(ev.Asks)),
			Timestamp: time.UnixMilli(ev.Time),
		}
		for _, lvl := range ev.Bids {
			upd.Bids = append(upd.Bids, BookLevel{Price: parseFloat(lvl.Price), Qty: parseFloat(lvl.Quantity)})
		}
		for _, lvl := range ev.Asks {
			upd.Asks = append(upd.Asks, BookLevel{Price: parseFloat(lvl.Price), Qty: parseFloat(lvl.Quantity)})
		}
		fn(upd)
	}
	errHandler := func(err error) {
		b.log.Warn().Err(err).Str("symbol", symbol).Msg("Depth stream error")
	}

	_, stopC, err := futures.WsPartialDepthServe(symbol, 20, handler, errHandler)
	if err != nil {
		return nil, classifyBinanceError(err)
	}
	return func() { close(stopC) }, nil
}

// SubscribeLiquidations subscribes to the forced liquidation order stream. A
// forced SELL closes a LONG position, a forced BUY closes a SHORT.
func (b *BinanceAdapter) SubscribeLiquidations(symbol string, fn LiquidationHandler) (func(), error) {
	handler := func(ev *futures.WsLiquidationOrderEvent) {
		o := ev.LiquidationOrder
		side := "LONG"
		if o.Side == futures.SideTypeBuy {
			side = "SHORT"
		}
		qty := parseFloat(o.AccumulatedFilledQty)
		if qty == 0 {
			qty = parseFloat(o.OrigQuantity)
		}
		price := parseFloat(o.AvgPrice)
		if price == 0 {
			price = parseFloat(o.Price)
		}
		fn(Liquidation{
			Symbol:    o.Symbol,
			Side:      side,
			Price:     price,
			Qty:       qty,
			Timestamp: time.UnixMilli(o.TradeTime),
		})
	}
	errHandler := func(err error) {
		b.log.Warn().Err(err).Str("symbol", symbol).Msg("Liquidation stream error")
	}

	_, stopC, err := futures.WsLiquidationOrderServe(symbol, handler, errHandler)
	if err != nil {
		return nil, classifyBinanceError(err)
	}
	return func() { close(stopC) }, nil
}

// TestCredentials checks a candidate key pair without touching the live
// adapter. Used by the config manager before committing an API key update.
func TestCredentials(ctx context.Context, apiKey, apiSecret string) error {
	client := futures.NewClient(apiKey, apiSecret)
	if err := client.NewPingService().Do(ctx); err != nil {
		return classifyBinanceError(err)
	}
	if _, err := client.NewGetAccountService().Do(ctx); err != nil {
		return classifyBinanceError(err)
	}
	return nil
}

// classifyBinanceError maps venue errors onto BrokerError with retryability.
func classifyBinanceError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003, -1015: // too many requests
			return &BrokerError{Code: "RATE_LIMIT", Message: apiErr.Message, Retryable: true}
		case -1001, -1021: // internal error, recvWindow
			return &BrokerError{Code: "TIMEOUT", Message: apiErr.Message, Retryable: true}
		}
		return &BrokerError{Code: strconv.FormatInt(apiErr.Code, 10), Message: apiErr.Message}
	}
	return err
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
