// Package alpacav implements the Venue interface on the Alpaca brokerage
// API. Alpaca supports bracket orders natively, so an entry with stop and
// target legs goes to the venue as one linked submission and the stop/target
// supervisor stays out of the way.
package alpacav

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"catalyst/internal/domain"
	"catalyst/internal/util"
	"catalyst/internal/venue"
)

// Compile-time interface check.
var _ venue.Venue = (*Client)(nil)

// Config holds Alpaca API settings.
type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string // paper or live trading endpoint
	DataURL   string // market-data endpoint, default when empty

	// QuotePollInterval is how often subscribed symbols are polled for a
	// latest trade. The data API allows 200 requests/min on the free tier.
	QuotePollInterval time.Duration
	RequestsPerMinute int
}

// Client adapts the Alpaca trading and market-data APIs to the Venue
// interface.
type Client struct {
	cfg     Config
	trading *alpaca.Client
	data    *marketdata.Client
	limiter *util.RateLimiter
	log     *slog.Logger

	mu        sync.Mutex
	connected bool
	symbols   map[string]struct{} // subscribed canonical symbols
	cancel    context.CancelFunc

	quotes  chan domain.Quote
	updates chan venue.OrderUpdate
}

// New creates an Alpaca venue client.
func New(cfg Config, log *slog.Logger) *Client {
	if cfg.QuotePollInterval <= 0 {
		cfg.QuotePollInterval = 2 * time.Second
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 200
	}
	dataOpts := marketdata.ClientOpts{APIKey: cfg.APIKey, APISecret: cfg.APISecret}
	if cfg.DataURL != "" {
		dataOpts.BaseURL = cfg.DataURL
	}
	return &Client{
		cfg: cfg,
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
		}),
		data:    marketdata.NewClient(dataOpts),
		limiter: util.NewRateLimiter(cfg.RequestsPerMinute),
		log:     log.With("component", "venue", "venue", "alpaca"),
		symbols: make(map[string]struct{}),
		quotes:  make(chan domain.Quote, 256),
		updates: make(chan venue.OrderUpdate, 64),
	}
}

// Name returns "alpaca".
func (c *Client) Name() string { return "alpaca" }

// SupportsLinkedOrders returns true: bracket orders carry entry, stop, and
// target in one venue-enforced submission.
func (c *Client) SupportsLinkedOrders() bool { return true }

// Connect verifies the credentials with an account read and starts the
// quote poll and trade-update stream.
func (c *Client) Connect(ctx context.Context) error {
	if _, err := c.trading.GetAccount(); err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) {
			return &domain.AuthenticationError{Venue: c.Name(), Reason: apiErr.Message}
		}
		return &domain.ConnectivityError{Op: "get account", Err: err}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	c.connected = true
	c.mu.Unlock()

	go c.pollQuotes(loopCtx)
	go c.streamTradeUpdates(loopCtx)
	c.log.Info("alpaca session established", "base_url", c.cfg.BaseURL)
	return nil
}

// Ping checks API reachability via the trading clock.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.requireSession(); err != nil {
		return err
	}
	if _, err := c.trading.GetClock(); err != nil {
		return &domain.ConnectivityError{Op: "get clock", Err: err}
	}
	return nil
}

// Close stops the background loops.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.connected = false
	return nil
}

// FormatSymbol uppercases the canonical symbol; Alpaca tickers need no
// further decoration.
func (c *Client) FormatSymbol(canonical string) string {
	return strings.ToUpper(canonical)
}

// PlaceOrder submits an order. When stop or target legs are present the
// order goes out as a bracket so the venue enforces the linkage.
func (c *Client) PlaceOrder(ctx context.Context, req venue.PlaceOrderRequest) (*venue.Ack, error) {
	if err := c.requireSession(); err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	side := alpaca.Buy
	if req.Side == domain.SideSell {
		side = alpaca.Sell
	}
	kind := alpaca.Market
	if req.Kind == domain.KindLimit {
		kind = alpaca.Limit
	}

	areq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           dec(float64(req.Qty)),
		Side:          side,
		Type:          kind,
		TimeInForce:   alpaca.Day,
		ClientOrderID: req.ClientOrderID,
	}
	if req.Kind == domain.KindLimit {
		areq.LimitPrice = dec(req.LimitPrice)
	}
	if req.StopPrice > 0 || req.TargetPrice > 0 {
		areq.OrderClass = alpaca.Bracket
		if req.StopPrice > 0 {
			areq.StopLoss = &alpaca.StopLoss{StopPrice: dec(req.StopPrice)}
		}
		if req.TargetPrice > 0 {
			areq.TakeProfit = &alpaca.TakeProfit{LimitPrice: dec(req.TargetPrice)}
		}
	}

	order, err := c.trading.PlaceOrder(areq)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) {
			return nil, &domain.BrokerRejection{Venue: c.Name(), Reason: apiErr.Message}
		}
		return nil, &domain.ConnectivityError{Op: "place order", Err: err}
	}
	return &venue.Ack{VenueID: order.ID, Status: mapOrderStatus(string(order.Status))}, nil
}

// CancelOrder cancels an open order by its venue id.
func (c *Client) CancelOrder(ctx context.Context, venueID string) error {
	if err := c.requireSession(); err != nil {
		return err
	}
	if err := c.trading.CancelOrder(venueID); err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) {
			// 422 means the order is no longer cancelable.
			if apiErr.StatusCode == 422 {
				return venue.ErrAlreadyTerminal
			}
			return &domain.BrokerRejection{Venue: c.Name(), Reason: apiErr.Message}
		}
		return &domain.ConnectivityError{Op: "cancel order", Err: err}
	}
	return nil
}

// GetPositions returns the account's holdings.
func (c *Client) GetPositions(ctx context.Context) ([]domain.VenuePosition, error) {
	if err := c.requireSession(); err != nil {
		return nil, err
	}
	positions, err := c.trading.GetPositions()
	if err != nil {
		return nil, &domain.ConnectivityError{Op: "get positions", Err: err}
	}
	out := make([]domain.VenuePosition, 0, len(positions))
	for _, p := range positions {
		qty := p.Qty.IntPart()
		if qty == 0 {
			continue
		}
		out = append(out, domain.VenuePosition{
			Symbol:  strings.ToUpper(p.Symbol),
			Qty:     qty,
			AvgCost: p.AvgEntryPrice.InexactFloat64(),
		})
	}
	return out, nil
}

// GetOpenOrders returns all orders still working at the venue.
func (c *Client) GetOpenOrders(ctx context.Context) ([]domain.VenueOrder, error) {
	if err := c.requireSession(); err != nil {
		return nil, err
	}
	orders, err := c.trading.GetOrders(alpaca.GetOrdersRequest{Status: "open", Limit: 500})
	if err != nil {
		return nil, &domain.ConnectivityError{Op: "get orders", Err: err}
	}
	out := make([]domain.VenueOrder, 0, len(orders))
	for i := range orders {
		out = append(out, toVenueOrder(&orders[i]))
	}
	return out, nil
}

// GetOrder looks up an order by venue id, falling back to client order id.
func (c *Client) GetOrder(ctx context.Context, id string) (*domain.VenueOrder, error) {
	if err := c.requireSession(); err != nil {
		return nil, err
	}
	order, err := c.trading.GetOrder(id)
	if err != nil {
		order, err = c.trading.GetOrderByClientOrderID(id)
	}
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("order %s not found: %s", id, apiErr.Message)
		}
		return nil, &domain.ConnectivityError{Op: "get order", Err: err}
	}
	vo := toVenueOrder(order)
	return &vo, nil
}

// GetAccount returns the account's financial metrics. Daily PnL is derived
// from equity against the previous close equity.
func (c *Client) GetAccount(ctx context.Context) (*domain.AccountInfo, error) {
	if err := c.requireSession(); err != nil {
		return nil, err
	}
	acct, err := c.trading.GetAccount()
	if err != nil {
		return nil, &domain.ConnectivityError{Op: "get account", Err: err}
	}
	info := &domain.AccountInfo{
		Equity:      acct.Equity.InexactFloat64(),
		Cash:        acct.Cash.InexactFloat64(),
		BuyingPower: acct.BuyingPower.InexactFloat64(),
		Currency:    acct.Currency,
	}
	lastEquity := acct.LastEquity.InexactFloat64()
	info.DailyPnL = info.Equity - lastEquity
	if lastEquity > 0 {
		info.DailyPnLPct = info.DailyPnL / lastEquity
	}
	return info, nil
}

// SubscribeQuotes adds symbols to the latest-trade poll set.
func (c *Client) SubscribeQuotes(ctx context.Context, symbols []string) error {
	if err := c.requireSession(); err != nil {
		return err
	}
	c.mu.Lock()
	for _, s := range symbols {
		c.symbols[strings.ToUpper(s)] = struct{}{}
	}
	c.mu.Unlock()
	return nil
}

// Quotes returns the polled price feed.
func (c *Client) Quotes() <-chan domain.Quote { return c.quotes }

// OrderUpdates returns the trade-update stream feed.
func (c *Client) OrderUpdates() <-chan venue.OrderUpdate { return c.updates }

// ---- background loops ----

// pollQuotes polls the latest trade for every subscribed symbol. Bracket
// exits are venue-enforced, so this feed only drives dashboards and the
// mark prices used for risk arithmetic.
func (c *Client) pollQuotes(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.QuotePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		symbols := make([]string, 0, len(c.symbols))
		for s := range c.symbols {
			symbols = append(symbols, s)
		}
		c.mu.Unlock()

		for _, symbol := range symbols {
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
			trade, err := c.data.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
			if err != nil {
				c.log.Warn("latest trade poll failed", "symbol", symbol, "error", err)
				continue
			}
			q := domain.Quote{Symbol: symbol, Price: trade.Price, Timestamp: trade.Timestamp}
			select {
			case c.quotes <- q:
			default: // drop when the consumer is behind
			}
		}
	}
}

// streamTradeUpdates consumes the order update stream, reconnecting with
// bounded backoff until ctx is cancelled.
func (c *Client) streamTradeUpdates(ctx context.Context) {
	for attempt := 0; ; attempt++ {
		err := c.trading.StreamTradeUpdates(ctx, c.handleTradeUpdate, alpaca.StreamTradeUpdatesRequest{})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.log.Warn("trade update stream dropped", "error", err, "attempt", attempt)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(util.Backoff(attempt, time.Second, 30*time.Second)):
		}
	}
}

func (c *Client) handleTradeUpdate(u alpaca.TradeUpdate) {
	upd := venue.OrderUpdate{
		VenueID:        u.Order.ID,
		ClientOrderID:  u.Order.ClientOrderID,
		Status:         mapOrderStatus(string(u.Order.Status)),
		FilledQty:      u.Order.FilledQty.IntPart(),
		FilledAvgPrice: decOrZero(u.Order.FilledAvgPrice),
	}
	select {
	case c.updates <- upd:
	default:
	}
}

func (c *Client) requireSession() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return domain.ErrNotAuthenticated
	}
	return nil
}

// ---- mapping helpers ----

func toVenueOrder(o *alpaca.Order) domain.VenueOrder {
	var qty int64
	if o.Qty != nil {
		qty = o.Qty.IntPart()
	}
	vo := domain.VenueOrder{
		VenueID:        o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         strings.ToUpper(o.Symbol),
		Qty:            qty,
		FilledQty:      o.FilledQty.IntPart(),
		FilledAvgPrice: decOrZero(o.FilledAvgPrice),
		Price:          decOrZero(o.LimitPrice),
		Status:         mapOrderStatus(string(o.Status)),
	}
	if o.Side == alpaca.Sell {
		vo.Side = domain.SideSell
	} else {
		vo.Side = domain.SideBuy
	}
	return vo
}

// mapOrderStatus converts Alpaca order statuses to the domain lifecycle.
func mapOrderStatus(s string) domain.OrderStatus {
	switch s {
	case "new", "accepted", "pending_new", "accepted_for_bidding", "held":
		return domain.OrderStatusAcknowledged
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "filled":
		return domain.OrderStatusFilled
	case "canceled", "pending_cancel", "done_for_day", "stopped", "replaced":
		return domain.OrderStatusCancelled
	case "rejected", "suspended":
		return domain.OrderStatusRejected
	case "expired":
		return domain.OrderStatusExpired
	default:
		return domain.OrderStatusAcknowledged
	}
}

func dec(f float64) *decimal.Decimal {
	d := decimal.NewFromFloat(f)
	return &d
}

func decOrZero(d *decimal.Decimal) float64 {
	if d == nil {
		return 0
	}
	return d.InexactFloat64()
}
