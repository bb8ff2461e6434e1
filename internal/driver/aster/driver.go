package aster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"ctos/internal/config"
	"ctos/internal/driver"
	"ctos/internal/market"
	"ctos/internal/stream"
)

const (
	venueName          = "aster"
	fundingPeriodHours = 8.0

	defaultBaseURL   = "https://fapi.asterdex.com"
	defaultStreamURL = "wss://fstream.asterdex.com"

	apiKeyHeader = "X-MBX-APIKEY"
)

var (
	_ driver.Driver  = (*Driver)(nil)
	_ stream.Session = (*Driver)(nil)
)

// Driver 为 Aster 永续合约驱动，直接走交易所原生 REST 协议。
// 同时实现 stream.Session，推送通道的会话凭证派生与消息解码都在这里完成。
type Driver struct {
	cfg       config.VenueConfig
	account   string
	creds     config.AccountConfig
	logger    *zap.Logger
	client    *http.Client
	baseURL   string
	streamURL string
}

// New 构造 Aster 驱动。
func New(cfg config.VenueConfig, account string, logger *zap.Logger) (*Driver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	creds, err := cfg.Account(account)
	if err != nil {
		return nil, err
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	streamURL := cfg.StreamURL
	if streamURL == "" {
		streamURL = defaultStreamURL
	}

	return &Driver{
		cfg:       cfg,
		account:   account,
		creds:     creds,
		logger:    logger.With(zap.String("venue", venueName), zap.String("account", account)),
		client:    &http.Client{Timeout: 15 * time.Second},
		baseURL:   strings.TrimRight(baseURL, "/"),
		streamURL: strings.TrimRight(streamURL, "/"),
	}, nil
}

// Venue 返回交易所标识。
func (d *Driver) Venue() string { return venueName }

// Close 实现 driver.Driver。
func (d *Driver) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

// NormalizeSymbol 把 'eth'、'ETH/USDT:USDT'、'eth-usdt' 等写法统一为原生 'ETHUSDT'。
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return ""
	}
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	s = strings.NewReplacer("/", "", "-", "", "_", "").Replace(s)
	if !strings.HasSuffix(s, "USDT") && !strings.HasSuffix(s, "USDC") {
		s += "USDT"
	}
	return s
}

// MarketSpec 从交易规则接口提取合约规格。
func (d *Driver) MarketSpec(ctx context.Context, symbol string) (market.Spec, error) {
	native := NormalizeSymbol(symbol)

	var info exchangeInfoResponse
	params := url.Values{}
	params.Set("symbol", native)
	if err := d.doPublic(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", params, &info); err != nil {
		return market.Spec{}, err
	}

	for _, s := range info.Symbols {
		if s.Symbol != native {
			continue
		}
		spec := market.Spec{
			Venue:              venueName,
			Symbol:             native,
			ContractMultiplier: 1.0,
			MaxLeverage:        125,
			State:              "live",
		}
		if s.Status != "TRADING" {
			spec.State = "inactive"
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				spec.PriceStep = parseFloat(f.TickSize)
			case "LOT_SIZE":
				spec.SizeStep = parseFloat(f.StepSize)
				spec.MinOrderSize = parseFloat(f.MinQty)
			}
		}
		if spec.MinOrderSize == 0 {
			spec.MinOrderSize = spec.SizeStep
		}
		return spec, nil
	}

	return market.Spec{}, &driver.VenueError{
		Venue:   venueName,
		Message: fmt.Sprintf("未找到交易对 %s", native),
	}
}

// Quote 返回最新成交价。
func (d *Driver) Quote(ctx context.Context, symbol string) (float64, error) {
	native := NormalizeSymbol(symbol)

	var resp tickerPriceResponse
	err := d.callWithRetry(ctx, "ticker_price", func() error {
		params := url.Values{}
		params.Set("symbol", native)
		return d.doPublic(ctx, http.MethodGet, "/fapi/v1/ticker/price", params, &resp)
	})
	if err != nil {
		return 0, err
	}

	price := parseFloat(resp.Price)
	if price <= 0 {
		return 0, &driver.VenueError{Venue: venueName, Message: "行情应答缺少成交价"}
	}
	return price, nil
}

// Book 返回订单簿快照。
func (d *Driver) Book(ctx context.Context, symbol string, depth int) (driver.OrderBook, error) {
	native := NormalizeSymbol(symbol)
	if depth <= 0 {
		depth = 50
	}

	var resp depthResponse
	err := d.callWithRetry(ctx, "depth", func() error {
		params := url.Values{}
		params.Set("symbol", native)
		params.Set("limit", strconv.Itoa(depth))
		return d.doPublic(ctx, http.MethodGet, "/fapi/v1/depth", params, &resp)
	})
	if err != nil {
		return driver.OrderBook{}, err
	}

	book := driver.OrderBook{Symbol: native, Timestamp: time.Now().UTC()}
	if resp.EventTime > 0 {
		book.Timestamp = time.UnixMilli(resp.EventTime).UTC()
	}
	for _, level := range resp.Bids {
		book.Bids = append(book.Bids, driver.BookLevel{Price: parseFloat(level[0]), Amount: parseFloat(level[1])})
	}
	for _, level := range resp.Asks {
		book.Asks = append(book.Asks, driver.BookLevel{Price: parseFloat(level[0]), Amount: parseFloat(level[1])})
	}
	return book, nil
}

// Klines 返回时间升序的K线序列。
// 应答为 [开盘时间, 开, 高, 低, 收, 量, ...] 的混合数组。
func (d *Driver) Klines(ctx context.Context, symbol, timeframe string, limit int) ([]driver.Candle, error) {
	native := NormalizeSymbol(symbol)
	if limit <= 0 {
		limit = 1
	}

	var rows []json.RawMessage
	err := d.callWithRetry(ctx, fmt.Sprintf("klines_%s", timeframe), func() error {
		params := url.Values{}
		params.Set("symbol", native)
		params.Set("interval", strings.ToLower(timeframe))
		params.Set("limit", strconv.Itoa(limit))
		return d.doPublic(ctx, http.MethodGet, "/fapi/v1/klines", params, &rows)
	})
	if err != nil {
		return nil, err
	}

	candles := make([]driver.Candle, 0, len(rows))
	for _, row := range rows {
		var cols []interface{}
		if err := json.Unmarshal(row, &cols); err != nil || len(cols) < 6 {
			continue
		}
		openTime, ok := cols[0].(float64)
		if !ok {
			continue
		}
		candles = append(candles, driver.Candle{
			Timestamp: time.UnixMilli(int64(openTime)).UTC(),
			Open:      columnFloat(cols[1]),
			High:      columnFloat(cols[2]),
			Low:       columnFloat(cols[3]),
			Close:     columnFloat(cols[4]),
			Volume:    columnFloat(cols[5]),
		})
	}
	return candles, nil
}

// Place 下单。
func (d *Driver) Place(ctx context.Context, req driver.PlaceRequest) (driver.OrderTicket, error) {
	native := NormalizeSymbol(req.Symbol)

	var resp orderResponse
	err := d.callWithRetry(ctx, "create_order", func() error {
		params := url.Values{}
		params.Set("symbol", native)
		params.Set("side", strings.ToUpper(string(req.Side)))
		params.Set("quantity", formatFloat(req.Size))
		if req.ClientRef != "" {
			params.Set("newClientOrderId", req.ClientRef)
		}
		switch req.Type {
		case driver.OrderTypeLimit:
			params.Set("type", "LIMIT")
			params.Set("timeInForce", "GTC")
			params.Set("price", formatFloat(req.Price))
		default:
			params.Set("type", "MARKET")
		}
		return d.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params, &resp)
	})
	if err != nil {
		return driver.OrderTicket{}, err
	}

	ticket := d.convertOrder(resp)
	if ticket.ClientRef == "" {
		ticket.ClientRef = req.ClientRef
	}
	if ticket.RequestedSize == 0 {
		ticket.RequestedSize = req.Size
	}
	if ticket.RequestedPrice == 0 {
		ticket.RequestedPrice = req.Price
	}
	return ticket, nil
}

// Amend 通过 查单→撤单→下单 组合实现改单。
// 未提供的新参数继承原订单；原单已不存在时返回 ErrStaleOrder，绝不重复下单。
func (d *Driver) Amend(ctx context.Context, orderID, symbol string, req driver.AmendRequest) (driver.OrderTicket, error) {
	native := NormalizeSymbol(symbol)

	existing, err := d.Status(ctx, orderID, native)
	if err != nil {
		return driver.OrderTicket{}, err
	}
	if existing.Status.Terminal() {
		return driver.OrderTicket{}, fmt.Errorf("%w: %s", driver.ErrStaleOrder, orderID)
	}

	if ok, err := d.Cancel(ctx, orderID, native); err != nil || !ok {
		// 撤单失败通常意味着原单刚刚成交，确认后按陈旧订单处理，防止重复执行。
		latest, statusErr := d.Status(ctx, orderID, native)
		if statusErr == nil && latest.Status.Terminal() {
			return driver.OrderTicket{}, fmt.Errorf("%w: %s", driver.ErrStaleOrder, orderID)
		}
		if err == nil {
			err = errors.New("cancel returned false")
		}
		return driver.OrderTicket{}, fmt.Errorf("改单撤销原单失败: %w", err)
	}

	place := driver.PlaceRequest{
		Symbol: native,
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
	native := NormalizeSymbol(symbol)

	err := d.callWithRetry(ctx, "cancel_order", func() error {
		params := url.Values{}
		params.Set("symbol", native)
		params.Set("orderId", orderID)
		var resp orderResponse
		return d.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", params, &resp)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Status 查询订单状态。
func (d *Driver) Status(ctx context.Context, orderID, symbol string) (driver.OrderTicket, error) {
	native := NormalizeSymbol(symbol)

	var resp orderResponse
	err := d.callWithRetry(ctx, "query_order", func() error {
		params := url.Values{}
		params.Set("symbol", native)
		params.Set("orderId", orderID)
		return d.doSigned(ctx, http.MethodGet, "/fapi/v1/order", params, &resp)
	})
	if err != nil {
		return driver.OrderTicket{}, err
	}
	return d.convertOrder(resp), nil
}

// OpenOrders 返回未完成订单。
func (d *Driver) OpenOrders(ctx context.Context, symbol string) ([]driver.OrderTicket, error) {
	var raw []orderResponse
	err := d.callWithRetry(ctx, "open_orders", func() error {
		params := url.Values{}
		if symbol != "" {
			params.Set("symbol", NormalizeSymbol(symbol))
		}
		return d.doSigned(ctx, http.MethodGet, "/fapi/v1/openOrders", params, &raw)
	})
	if err != nil {
		return nil, err
	}

	tickets := make([]driver.OrderTicket, 0, len(raw))
	for _, o := range raw {
		tickets = append(tickets, d.convertOrder(o))
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

	var entries []balanceEntry
	err := d.callWithRetry(ctx, "balance", func() error {
		return d.doSigned(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{}, &entries)
	})
	if err != nil {
		return 0, err
	}

	for _, e := range entries {
		if strings.EqualFold(e.Asset, cur) {
			return parseFloat(e.Balance), nil
		}
	}
	return 0, nil
}

// Positions 返回持仓快照。
func (d *Driver) Positions(ctx context.Context, symbol string) ([]driver.PositionSnapshot, error) {
	var raw []positionEntry
	err := d.callWithRetry(ctx, "position_risk", func() error {
		params := url.Values{}
		if symbol != "" {
			params.Set("symbol", NormalizeSymbol(symbol))
		}
		return d.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, &raw)
	})
	if err != nil {
		return nil, err
	}

	out := make([]driver.PositionSnapshot, 0, len(raw))
	for _, p := range raw {
		qty := parseFloat(p.PositionAmt)
		if qty == 0 {
			continue
		}
		side := "long"
		if qty < 0 {
			side = "short"
			qty = -qty
		}
		out = append(out, driver.PositionSnapshot{
			Symbol:        p.Symbol,
			Side:          side,
			Quantity:      qty,
			EntryPrice:    parseFloat(p.EntryPrice),
			MarkPrice:     parseFloat(p.MarkPrice),
			UnrealizedPnl: parseFloat(p.UnrealizedProfit),
			Leverage:      parseFloat(p.Leverage),
		})
	}
	return out, nil
}

// FundingRate 返回资金费率，Aster 默认8小时结算周期。
func (d *Driver) FundingRate(ctx context.Context, symbol string) (driver.FundingRate, error) {
	native := NormalizeSymbol(symbol)

	var resp premiumIndexResponse
	err := d.callWithRetry(ctx, "premium_index", func() error {
		params := url.Values{}
		params.Set("symbol", native)
		return d.doPublic(ctx, http.MethodGet, "/fapi/v1/premiumIndex", params, &resp)
	})
	if err != nil {
		return driver.FundingRate{}, err
	}

	period := parseFloat(resp.LastFundingRate)
	result := driver.FundingRate{
		Symbol:      native,
		PeriodRate:  period,
		PeriodHours: fundingPeriodHours,
		HourlyRate:  period / fundingPeriodHours,
	}
	if resp.NextFundingTime > 0 {
		result.NextFunding = time.UnixMilli(resp.NextFundingTime).UTC()
	}
	return result, nil
}

// CreateListenKey 用长期凭证派生短期会话凭证，实现 stream.Session。
func (d *Driver) CreateListenKey(ctx context.Context) (string, error) {
	var resp listenKeyResponse
	err := d.callWithRetry(ctx, "create_listen_key", func() error {
		return d.doKeyed(ctx, http.MethodPost, "/fapi/v1/listenKey", &resp)
	})
	if err != nil {
		return "", err
	}
	if resp.ListenKey == "" {
		return "", &driver.VenueError{Venue: venueName, Message: "会话凭证应答为空"}
	}
	return resp.ListenKey, nil
}

// KeepaliveListenKey 续期会话凭证，实现 stream.Session。
func (d *Driver) KeepaliveListenKey(ctx context.Context, key string) error {
	return d.doKeyed(ctx, http.MethodPut, "/fapi/v1/listenKey", nil)
}

// StreamURL 返回携带会话凭证的推送地址，实现 stream.Session。
func (d *Driver) StreamURL(key string) string {
	return d.streamURL + "/ws/" + key
}

// DecodeMessage 分类入站推送消息，实现 stream.Session。
func (d *Driver) DecodeMessage(raw []byte) (driver.OrderUpdateEvent, stream.MessageKind) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return driver.OrderUpdateEvent{}, stream.KindIgnore
	}

	switch env.Event {
	case eventListenKeyExpired:
		return driver.OrderUpdateEvent{}, stream.KindSessionExpired
	case eventOrderUpdate:
		if env.Order == nil {
			return driver.OrderUpdateEvent{}, stream.KindIgnore
		}
		o := env.Order
		price := parseFloat(o.LastPrice)
		if price == 0 {
			price = parseFloat(o.Price)
		}
		ev := driver.OrderUpdateEvent{
			VenueOrderID: strconv.FormatInt(o.OrderID, 10),
			Symbol:       o.Symbol,
			Side:         driver.Side(strings.ToLower(o.Side)),
			Status:       mapWireStatus(o.Status),
			FilledSize:   parseFloat(o.FilledQty),
			Price:        price,
		}
		if env.Time > 0 {
			ev.Timestamp = time.UnixMilli(env.Time).UTC()
		}
		return ev, stream.KindOrderUpdate
	default:
		return driver.OrderUpdateEvent{}, stream.KindIgnore
	}
}

// doPublic 发起无凭证请求。
func (d *Driver) doPublic(ctx context.Context, method, path string, params url.Values, out interface{}) error {
	query := ""
	if len(params) > 0 {
		query = params.Encode()
	}
	return d.execute(ctx, method, path, query, false, out)
}

// doKeyed 发起仅携带 API Key 的请求，会话凭证接口使用。
func (d *Driver) doKeyed(ctx context.Context, method, path string, out interface{}) error {
	return d.execute(ctx, method, path, "", true, out)
}

// doSigned 发起签名请求。
func (d *Driver) doSigned(ctx context.Context, method, path string, params url.Values, out interface{}) error {
	return d.execute(ctx, method, path, signParams(d.creds.APISecret, params), true, out)
}

func (d *Driver) execute(ctx context.Context, method, path, query string, keyed bool, out interface{}) error {
	endpoint := d.baseURL + path
	if query != "" {
		endpoint += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	if keyed {
		req.Header.Set(apiKeyHeader, d.creds.APIKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", driver.ErrTransient, err)
	}

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp.StatusCode, body)
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: 应答解析失败: %v", driver.ErrTransient, err)
	}
	return nil
}

// classifyStatus 把非 200 应答归一化到统一错误分类。
func classifyStatus(status int, body []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)

	switch {
	case apiErr.Code == codeUnknownOrder || apiErr.Code == codeOrderDoesNotExist:
		return fmt.Errorf("%w: %s", driver.ErrStaleOrder, apiErr.Msg)
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return fmt.Errorf("%w: 触发限频 (%d)", driver.ErrTransient, status)
	case status >= http.StatusInternalServerError:
		return fmt.Errorf("%w: 服务端错误 (%d)", driver.ErrTransient, status)
	default:
		msg := apiErr.Msg
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return &driver.VenueError{
			Venue:   venueName,
			Code:    strconv.Itoa(apiErr.Code),
			Message: msg,
		}
	}
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", driver.ErrTimeout, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", driver.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", driver.ErrTransient, err)
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

		if !driver.IsRetryable(err) || attempt >= maxAttempts {
			return err
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}
		d.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
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

func (d *Driver) convertOrder(o orderResponse) driver.OrderTicket {
	ticket := driver.OrderTicket{
		VenueOrderID:   strconv.FormatInt(o.OrderID, 10),
		ClientRef:      o.ClientOrderID,
		Venue:          venueName,
		Symbol:         o.Symbol,
		Side:           driver.Side(strings.ToLower(o.Side)),
		Type:           driver.OrderType(strings.ToLower(o.Type)),
		RequestedSize:  parseFloat(o.OrigQty),
		RequestedPrice: parseFloat(o.Price),
		Status:         mapWireStatus(o.Status),
		FilledSize:     parseFloat(o.ExecutedQty),
	}
	if o.Time > 0 {
		ticket.CreatedAt = time.UnixMilli(o.Time).UTC()
	}
	if o.UpdateTime > 0 {
		ticket.UpdatedAt = time.UnixMilli(o.UpdateTime).UTC()
	}
	return ticket
}

// columnFloat 解析K线数组列，数值与字符串两种形态都会出现。
func columnFloat(v interface{}) float64 {
	switch x := v.(type) {
	case string:
		return parseFloat(x)
	case float64:
		return x
	}
	return 0
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
