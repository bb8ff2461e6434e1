package binance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"ctos/internal/config"
	"ctos/internal/driver"
	"ctos/internal/market"
)

const (
	venueName          = "binance"
	fundingPeriodHours = 8.0
)

// Driver 为 Binance USDⓈ-M 驱动，纯请求/应答轮询实现。
// 交易所原生字段在此边界内全部归一化，上层只见统一契约。
type Driver struct {
	cfg      config.VenueConfig
	account  string
	logger   *zap.Logger
	exchange *ccxt.Binanceusdm

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// New 构造 Binance USDⓈ-M 驱动。
func New(cfg config.VenueConfig, account string, logger *zap.Logger) (*Driver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	creds, err := cfg.Account(account)
	if err != nil {
		return nil, err
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		},
	}
	if creds.APIKey != "" {
		userConfig["apiKey"] = creds.APIKey
	}
	if creds.APISecret != "" {
		userConfig["secret"] = creds.APISecret
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &Driver{
		cfg:      cfg,
		account:  account,
		logger:   logger.With(zap.String("venue", venueName), zap.String("account", account)),
		exchange: ex,
	}, nil
}

// Venue 返回交易所标识。
func (d *Driver) Venue() string { return venueName }

// Close 实现 driver.Driver，ccxt 客户端无需显式释放。
func (d *Driver) Close() error { return nil }

// NormalizeSymbol 把 'eth'、'ETHUSDT'、'eth-usdt' 等写法统一为 ccxt 的 'ETH/USDT:USDT'。
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return ""
	}
	s = strings.NewReplacer("-", "/", "_", "/").Replace(s)
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}

	var base, quote string
	switch {
	case strings.Contains(s, "/"):
		parts := strings.SplitN(s, "/", 2)
		base, quote = parts[0], parts[1]
	case strings.HasSuffix(s, "USDT"):
		base, quote = strings.TrimSuffix(s, "USDT"), "USDT"
	case strings.HasSuffix(s, "USDC"):
		base, quote = strings.TrimSuffix(s, "USDC"), "USDC"
	default:
		base, quote = s, "USDT"
	}
	return fmt.Sprintf("%s/%s:%s", base, quote, quote)
}

// MarketSpec 从 ccxt 市场元数据提取合约规格。
func (d *Driver) MarketSpec(ctx context.Context, symbol string) (market.Spec, error) {
	full := NormalizeSymbol(symbol)

	if err := d.ensureMarketsLoaded(ctx); err != nil {
		return market.Spec{}, err
	}

	raw := d.exchange.Market(full)
	m, ok := raw.(map[string]interface{})
	if !ok {
		return market.Spec{}, &driver.VenueError{
			Venue:   venueName,
			Message: fmt.Sprintf("未找到交易对 %s", full),
		}
	}

	spec := market.Spec{
		Venue:              venueName,
		Symbol:             full,
		PriceStep:          nestedFloat(m, "precision", "price"),
		SizeStep:           nestedFloat(m, "precision", "amount"),
		MinOrderSize:       nestedFloat(m, "limits", "amount", "min"),
		ContractMultiplier: 1.0,
		MaxLeverage:        nestedFloat(m, "limits", "leverage", "max"),
		State:              "live",
	}
	if active, ok := m["active"].(bool); ok && !active {
		spec.State = "inactive"
	}
	if spec.MinOrderSize == 0 {
		spec.MinOrderSize = spec.SizeStep
	}
	if spec.MaxLeverage == 0 {
		spec.MaxLeverage = 125
	}
	if cs := nestedFloat(m, "contractSize"); cs > 0 {
		spec.ContractMultiplier = cs
	}
	return spec, nil
}

// Quote 返回最新成交价。
func (d *Driver) Quote(ctx context.Context, symbol string) (float64, error) {
	full := NormalizeSymbol(symbol)

	var price float64
	err := d.callWithRetry(ctx, "fetch_ticker", func() error {
		ticker, err := d.exchange.FetchTicker(full)
		if err != nil {
			return err
		}
		switch {
		case ticker.Last != nil:
			price = *ticker.Last
		case ticker.Close != nil:
			price = *ticker.Close
		default:
			return &driver.VenueError{Venue: venueName, Message: "行情应答缺少成交价"}
		}
		return nil
	})
	return price, err
}

// Book 返回订单簿快照。
func (d *Driver) Book(ctx context.Context, symbol string, depth int) (driver.OrderBook, error) {
	full := NormalizeSymbol(symbol)
	if depth <= 0 {
		depth = 50
	}

	var raw ccxt.OrderBook
	err := d.callWithRetry(ctx, "fetch_order_book", func() error {
		book, err := d.exchange.FetchOrderBook(full, ccxt.WithFetchOrderBookLimit(int64(depth)))
		if err != nil {
			return err
		}
		raw = book
		return nil
	})
	if err != nil {
		return driver.OrderBook{}, err
	}
	return convertOrderBook(full, raw), nil
}

// Klines 返回时间升序的K线序列。
func (d *Driver) Klines(ctx context.Context, symbol, timeframe string, limit int) ([]driver.Candle, error) {
	full := NormalizeSymbol(symbol)
	if limit <= 0 {
		limit = 1
	}
	if _, err := ParseTimeframe(timeframe); err != nil {
		return nil, err
	}

	var raw []ccxt.OHLCV
	err := d.callWithRetry(ctx, fmt.Sprintf("fetch_ohlcv_%s", timeframe), func() error {
		rows, err := d.exchange.FetchOHLCV(
			full,
			ccxt.WithFetchOHLCVTimeframe(timeframe),
			ccxt.WithFetchOHLCVLimit(int64(limit)),
		)
		if err != nil {
			return err
		}
		raw = rows
		return nil
	})
	if err != nil {
		return nil, err
	}

	candles := make([]driver.Candle, 0, len(raw))
	for _, item := range raw {
		candles = append(candles, driver.Candle{
			Timestamp: time.UnixMilli(item.Timestamp).UTC(),
			Open:      item.Open,
			High:      item.High,
			Low:       item.Low,
			Close:     item.Close,
			Volume:    item.Volume,
		})
	}
	return candles, nil
}

// Place 下单。
func (d *Driver) Place(ctx context.Context, req driver.PlaceRequest) (driver.OrderTicket, error) {
	full := NormalizeSymbol(req.Symbol)

	var order ccxt.Order
	err := d.callWithRetry(ctx, "create_order", func() error {
		params := map[string]interface{}{}
		if req.ClientRef != "" {
			params["clientOrderId"] = req.ClientRef
		}

		var err error
		switch req.Type {
		case driver.OrderTypeLimit:
			var opts []ccxt.CreateLimitOrderOptions
			if len(params) > 0 {
				opts = append(opts, ccxt.WithCreateLimitOrderParams(params))
			}
			order, err = d.exchange.CreateLimitOrder(full, string(req.Side), req.Size, req.Price, opts...)
		default:
			var opts []ccxt.CreateMarketOrderOptions
			if len(params) > 0 {
				opts = append(opts, ccxt.WithCreateMarketOrderParams(params))
			}
			order, err = d.exchange.CreateMarketOrder(full, string(req.Side), req.Size, opts...)
		}
		return err
	})
	if err != nil {
		return driver.OrderTicket{}, err
	}

	ticket := convertOrder(full, order)
	ticket.ClientRef = req.ClientRef
	if ticket.RequestedSize == 0 {
		ticket.RequestedSize = req.Size
	}
	if ticket.RequestedPrice == 0 {
		ticket.RequestedPrice = req.Price
	}
	if ticket.Side == "" {
		ticket.Side = req.Side
	}
	if ticket.Type == "" {
		ticket.Type = req.Type
	}
	return ticket, nil
}

// Amend 通过 查单→撤单→下单 组合实现改单。
// 未提供的新参数继承原订单；原单已不存在时返回 ErrStaleOrder，绝不重复下单。
func (d *Driver) Amend(ctx context.Context, orderID, symbol string, req driver.AmendRequest) (driver.OrderTicket, error) {
	full := NormalizeSymbol(symbol)

	existing, err := d.Status(ctx, orderID, full)
	if err != nil {
		return driver.OrderTicket{}, err
	}
	if existing.Status.Terminal() {
		return driver.OrderTicket{}, fmt.Errorf("%w: %s", driver.ErrStaleOrder, orderID)
	}

	if ok, err := d.Cancel(ctx, orderID, full); err != nil || !ok {
		// 撤单失败通常意味着原单刚刚成交，确认后按陈旧订单处理，防止重复执行。
		latest, statusErr := d.Status(ctx, orderID, full)
		if statusErr == nil && latest.Status.Terminal() {
			return driver.OrderTicket{}, fmt.Errorf("%w: %s", driver.ErrStaleOrder, orderID)
		}
		if err == nil {
			err = errors.New("cancel returned false")
		}
		return driver.OrderTicket{}, fmt.Errorf("改单撤销原单失败: %w", err)
	}

	place := driver.PlaceRequest{
		Symbol: full,
		Side:   existing.Side,
		Type:   existing.Type,
		Size:   existing.RequestedSize - existing.FilledSize,
		Price:  existing.RequestedPrice,
	}
	if req.Size != nil {
		place.Size = *req.Size
	}
	if req.Price != nil {
		place.Price = *req.Price
	}
	return d.Place(ctx, place)
}

// Cancel 撤单。
func (d *Driver) Cancel(ctx context.Context, orderID, symbol string) (bool, error) {
	full := NormalizeSymbol(symbol)

	err := d.callWithRetry(ctx, "cancel_order", func() error {
		_, err := d.exchange.CancelOrder(orderID, ccxt.WithCancelOrderSymbol(full))
		return err
	})
	if err != nil {
		if isOrderGone(err) {
			return false, fmt.Errorf("%w: %s", driver.ErrStaleOrder, orderID)
		}
		return false, err
	}
	return true, nil
}

// Status 查询订单状态。
func (d *Driver) Status(ctx context.Context, orderID, symbol string) (driver.OrderTicket, error) {
	full := NormalizeSymbol(symbol)

	var order ccxt.Order
	err := d.callWithRetry(ctx, "fetch_order", func() error {
		o, err := d.exchange.FetchOrder(orderID, ccxt.WithFetchOrderSymbol(full))
		if err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		if isOrderGone(err) {
			return driver.OrderTicket{}, fmt.Errorf("%w: %s", driver.ErrStaleOrder, orderID)
		}
		return driver.OrderTicket{}, err
	}
	return convertOrder(full, order), nil
}

// OpenOrders 返回未完成订单。
func (d *Driver) OpenOrders(ctx context.Context, symbol string) ([]driver.OrderTicket, error) {
	var raw []ccxt.Order
	err := d.callWithRetry(ctx, "fetch_open_orders", func() error {
		var opts []ccxt.FetchOpenOrdersOptions
		if symbol != "" {
			opts = append(opts, ccxt.WithFetchOpenOrdersSymbol(NormalizeSymbol(symbol)))
		}
		orders, err := d.exchange.FetchOpenOrders(opts...)
		if err != nil {
			return err
		}
		raw = orders
		return nil
	})
	if err != nil {
		return nil, err
	}

	tickets := make([]driver.OrderTicket, 0, len(raw))
	for _, o := range raw {
		tickets = append(tickets, convertOrder(derefString(o.Symbol), o))
	}
	return tickets, nil
}

// CancelAll 逐单撤销未完成订单，单笔失败不阻断其余。
func (d *Driver) CancelAll(ctx context.Context, symbol string) (driver.CancelAllResult, error) {
	result := driver.CancelAllResult{Failed: make(map[string]error)}

	open, err := d.OpenOrders(ctx, symbol)
	if err != nil {
		return result, err
	}
	for _, ticket := range open {
		if _, err := d.Cancel(ctx, ticket.VenueOrderID, ticket.Symbol); err != nil {
			result.Failed[ticket.VenueOrderID] = err
			continue
		}
		result.Canceled = append(result.Canceled, ticket.VenueOrderID)
	}
	return result, nil
}

// Balance 返回指定币种总余额。
func (d *Driver) Balance(ctx context.Context, currency string) (float64, error) {
	cur := strings.ToUpper(currency)
	if cur == "" {
		cur = "USDT"
	}

	var amount float64
	err := d.callWithRetry(ctx, "fetch_balance", func() error {
		balances, err := d.exchange.FetchBalance()
		if err != nil {
			return err
		}
		if balances.Total != nil {
			if total, ok := balances.Total[cur]; ok && total != nil {
				amount = *total
			}
		}
		return nil
	})
	return amount, err
}

// Positions 返回持仓快照。
func (d *Driver) Positions(ctx context.Context, symbol string) ([]driver.PositionSnapshot, error) {
	var raw []ccxt.Position
	err := d.callWithRetry(ctx, "fetch_positions", func() error {
		positions, err := d.exchange.FetchPositions()
		if err != nil {
			return err
		}
		raw = positions
		return nil
	})
	if err != nil {
		return nil, err
	}

	full := ""
	if symbol != "" {
		full = NormalizeSymbol(symbol)
	}

	out := make([]driver.PositionSnapshot, 0, len(raw))
	for _, p := range raw {
		qty := derefFloat(p.Contracts)
		if qty == 0 {
			continue
		}
		sym := derefString(p.Symbol)
		if full != "" && !strings.EqualFold(sym, full) {
			continue
		}
		side := strings.ToLower(derefString(p.Side))
		if side == "" {
			if qty > 0 {
				side = "long"
			} else {
				side = "short"
			}
		}
		out = append(out, driver.PositionSnapshot{
			Symbol:        sym,
			Side:          side,
			Quantity:      absFloat(qty),
			EntryPrice:    derefFloat(p.EntryPrice),
			MarkPrice:     derefFloat(p.MarkPrice),
			UnrealizedPnl: derefFloat(p.UnrealizedPnl),
			Leverage:      derefFloat(p.Leverage),
		})
	}
	return out, nil
}

// FundingRate 返回资金费率，Binance 默认8小时结算周期。
func (d *Driver) FundingRate(ctx context.Context, symbol string) (driver.FundingRate, error) {
	full := NormalizeSymbol(symbol)

	var raw ccxt.FundingRate
	err := d.callWithRetry(ctx, "fetch_funding_rate", func() error {
		rate, err := d.exchange.FetchFundingRate(full)
		if err != nil {
			return err
		}
		raw = rate
		return nil
	})
	if err != nil {
		return driver.FundingRate{}, err
	}

	period := derefFloat(raw.FundingRate)
	result := driver.FundingRate{
		Symbol:      full,
		PeriodRate:  period,
		PeriodHours: fundingPeriodHours,
		HourlyRate:  period / fundingPeriodHours,
	}
	if raw.FundingTimestamp != nil {
		result.NextFunding = time.UnixMilli(int64(*raw.FundingTimestamp)).UTC()
	}
	return result, nil
}

// ParseTimeframe 把 '1m'、'1h'、'4h'、'1d'、'1w' 解析为时长。
func ParseTimeframe(timeframe string) (time.Duration, error) {
	tf := strings.ToLower(strings.TrimSpace(timeframe))
	if len(tf) < 2 {
		return 0, fmt.Errorf("不支持的K线周期: %q", timeframe)
	}

	var unit time.Duration
	switch tf[len(tf)-1] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("不支持的K线周期: %q", timeframe)
	}

	var n int
	if _, err := fmt.Sscanf(tf[:len(tf)-1], "%d", &n); err != nil || n <= 0 {
		return 0, fmt.Errorf("不支持的K线周期: %q", timeframe)
	}
	return time.Duration(n) * unit, nil
}

func (d *Driver) ensureMarketsLoaded(ctx context.Context) error {
	if d.marketsLoaded {
		return nil
	}

	d.marketsMu.Lock()
	defer d.marketsMu.Unlock()

	if d.marketsLoaded {
		return nil
	}

	err := d.callWithRetry(ctx, "load_markets", func() error {
		_, err := d.exchange.LoadMarkets()
		return err
	})
	if err != nil {
		return err
	}

	d.marketsLoaded = true
	d.logger.Info("市场元数据加载完成")
	return nil
}

// callWithRetry 在驱动边界内对瞬时错误做有限重试，业务拒绝直接返回。
func (d *Driver) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	maxAttempts := d.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 2
	}
	delay := d.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := d.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	attempt := 0
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		if err == nil {
			if attempt > 1 {
				d.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", time.Since(start)),
				)
			}
			return nil
		}

		normalized := classifyError(err)
		if !driver.IsRetryable(normalized) || attempt >= maxAttempts {
			return normalized
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}
		d.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalized),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// classifyError 把 ccxt 错误归一化到统一错误分类。
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", driver.ErrTimeout, err)
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.InsufficientFundsErrType,
			ccxt.InvalidOrderErrType,
			ccxt.BadSymbolErrType,
			ccxt.BadRequestErrType,
			ccxt.ArgumentsRequiredErrType,
			ccxt.PermissionDeniedErrType,
			ccxt.AccountSuspendedErrType:
			return &driver.VenueError{
				Venue:   venueName,
				Code:    string(ccxtErr.Type),
				Message: ccxtErr.Message,
			}
		case ccxt.OrderNotFoundErrType:
			return fmt.Errorf("%w: %s", driver.ErrStaleOrder, ccxtErr.Message)
		case ccxt.RequestTimeoutErrType:
			return fmt.Errorf("%w: %s", driver.ErrTimeout, ccxtErr.Message)
		}
	}
	return err
}

func isOrderGone(err error) bool {
	if errors.Is(err, driver.ErrStaleOrder) {
		return true
	}
	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		return ccxtErr.Type == ccxt.OrderNotFoundErrType
	}
	return false
}

func convertOrderBook(symbol string, ob ccxt.OrderBook) driver.OrderBook {
	bids := make([]driver.BookLevel, 0, len(ob.Bids))
	for _, level := range ob.Bids {
		if len(level) < 2 {
			continue
		}
		bids = append(bids, driver.BookLevel{Price: level[0], Amount: level[1]})
	}
	asks := make([]driver.BookLevel, 0, len(ob.Asks))
	for _, level := range ob.Asks {
		if len(level) < 2 {
			continue
		}
		asks = append(asks, driver.BookLevel{Price: level[0], Amount: level[1]})
	}

	ts := time.Now().UTC()
	if ob.Timestamp != nil {
		ts = time.UnixMilli(*ob.Timestamp).UTC()
	}
	return driver.OrderBook{Symbol: symbol, Bids: bids, Asks: asks, Timestamp: ts}
}

func convertOrder(symbol string, o ccxt.Order) driver.OrderTicket {
	ticket := driver.OrderTicket{
		VenueOrderID:   derefString(o.Id),
		ClientRef:      derefString(o.ClientOrderId),
		Venue:          venueName,
		Symbol:         symbol,
		Side:           driver.Side(strings.ToLower(derefString(o.Side))),
		Type:           driver.OrderType(strings.ToLower(derefString(o.Type))),
		RequestedSize:  derefFloat(o.Amount),
		RequestedPrice: derefFloat(o.Price),
		Status:         mapStatus(derefString(o.Status)),
		FilledSize:     derefFloat(o.Filled),
	}
	if o.Timestamp != nil {
		ticket.CreatedAt = time.UnixMilli(int64(*o.Timestamp)).UTC()
	}
	if o.LastUpdateTimestamp != nil {
		ticket.UpdatedAt = time.UnixMilli(int64(*o.LastUpdateTimestamp)).UTC()
	}
	return ticket
}

// statusTable 为 ccxt 状态到统一状态的静态映射表。
var statusTable = map[string]driver.OrderStatus{
	"open":     driver.StatusOpen,
	"new":      driver.StatusOpen,
	"closed":   driver.StatusFilled,
	"filled":   driver.StatusFilled,
	"canceled": driver.StatusCanceled,
	"rejected": driver.StatusRejected,
	"expired":  driver.StatusExpired,
}

func mapStatus(raw string) driver.OrderStatus {
	if status, ok := statusTable[strings.ToLower(raw)]; ok {
		return status
	}
	// ccxt 未覆盖的状态按进行中处理，等终态事件修正。
	return driver.StatusOpen
}

// nestedFloat 沿键路径读取 ccxt market 映射中的数值，缺失返回 0。
func nestedFloat(m map[string]interface{}, keys ...string) float64 {
	var cur interface{} = m
	for _, key := range keys {
		node, ok := cur.(map[string]interface{})
		if !ok {
			return 0
		}
		cur = node[key]
	}
	switch v := cur.(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
