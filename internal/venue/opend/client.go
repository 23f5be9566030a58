// Package opend implements the Venue interface against an OpenD-style
// trading gateway speaking JSON frames over a websocket. The gateway has no
// native linked orders, so stop and target legs are declined here and
// emulated upstream by the stop/target supervisor.
package opend

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"catalyst/internal/domain"
	"catalyst/internal/norm"
	"catalyst/internal/util"
	"catalyst/internal/venue"
)

// Compile-time interface check.
var _ venue.Venue = (*Client)(nil)

const (
	protocolVersion = 1
	symbolWidth     = 5
	marketPrefix    = "HK."
	remarkMaxLen    = 64
	defaultTimeout  = 10 * time.Second
)

// Config holds OpenD gateway connection settings.
type Config struct {
	Host            string
	Port            int
	AuthKey         string // websocket auth key, hashed before it hits the wire
	UnlockPwd       string // trade unlock password, hashed likewise
	Paper           bool   // true routes orders to the simulate environment
	CallTimeout     time.Duration
	OrdersPerMinute int
}

// Client is a websocket client for an OpenD gateway. Request/response
// correlation uses the SerialNo field; pushes arrive with SerialNo 0 and are
// fanned out to the Quotes and OrderUpdates channels.
type Client struct {
	cfg     Config
	log     *slog.Logger
	limiter *util.RateLimiter

	mu      sync.Mutex
	conn    *websocket.Conn
	authed  bool
	serial  uint64
	pending map[uint64]chan envelope

	writeMu sync.Mutex

	quotes  chan domain.Quote
	updates chan venue.OrderUpdate
}

// New creates an OpenD client. Connect must be called before any trading
// operation.
func New(cfg Config, log *slog.Logger) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultTimeout
	}
	if cfg.OrdersPerMinute <= 0 {
		cfg.OrdersPerMinute = 60
	}
	return &Client{
		cfg:     cfg,
		log:     log.With("component", "venue", "venue", "opend"),
		limiter: util.NewRateLimiter(cfg.OrdersPerMinute),
		pending: make(map[uint64]chan envelope),
		quotes:  make(chan domain.Quote, 256),
		updates: make(chan venue.OrderUpdate, 64),
	}
}

// Name returns "opend".
func (c *Client) Name() string { return "opend" }

// SupportsLinkedOrders returns false. The gateway accepts single orders
// only; protective exits are emulated by the caller.
func (c *Client) SupportsLinkedOrders() bool { return false }

// Connect dials the gateway, authenticates the websocket, and unlocks the
// trade interface. It replaces any existing connection.
func (c *Client) Connect(ctx context.Context) error {
	url := fmt.Sprintf("ws://%s:%d", c.cfg.Host, c.cfg.Port)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return &domain.ConnectivityError{Op: "dial", Err: err}
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.authed = false
	c.mu.Unlock()

	go c.readLoop(conn)

	if _, err := c.call(ctx, protoInitConnect, initConnectC2S{AuthKey: md5hex(c.cfg.AuthKey)}); err != nil {
		conn.Close()
		return &domain.AuthenticationError{Venue: c.Name(), Reason: err.Error()}
	}
	if !c.cfg.Paper {
		// The simulate environment needs no unlock.
		c2s := unlockTradeC2S{PwdMD5: md5hex(c.cfg.UnlockPwd), Unlock: true}
		if _, err := c.call(ctx, protoUnlockTrade, c2s); err != nil {
			conn.Close()
			return &domain.AuthenticationError{Venue: c.Name(), Reason: err.Error()}
		}
	}

	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
	c.log.Info("gateway session established", "host", c.cfg.Host, "port", c.cfg.Port, "paper", c.cfg.Paper)
	return nil
}

// Ping sends a KeepAlive frame and waits for the echo.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.requireSession(); err != nil {
		return err
	}
	_, err := c.call(ctx, protoKeepAlive, struct{}{})
	return err
}

// Close tears the websocket down. Pending calls fail with a connectivity
// error.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.authed = false
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// FormatSymbol renders a canonical symbol as a market-prefixed, zero-padded
// gateway code: "700" becomes "HK.00700".
func (c *Client) FormatSymbol(canonical string) string {
	return marketPrefix + norm.PadSymbol(canonical, symbolWidth)
}

// PlaceOrder submits a single order. Stop and target legs in the request are
// rejected: this venue cannot link orders and silently dropping a protective
// leg would leave the position unguarded.
func (c *Client) PlaceOrder(ctx context.Context, req venue.PlaceOrderRequest) (*venue.Ack, error) {
	if err := c.requireSession(); err != nil {
		return nil, err
	}
	if req.StopPrice > 0 || req.TargetPrice > 0 {
		return nil, &domain.BrokerRejection{Venue: c.Name(), Reason: "gateway does not support linked stop/target legs"}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	kind := wireOrderNormal
	if req.Kind == domain.KindMarket {
		kind = wireOrderMarket
	}
	side := wireSideBuy
	if req.Side == domain.SideSell {
		side = wireSideSell
	}
	c2s := placeOrderC2S{
		TrdEnv:    c.trdEnv(),
		Code:      req.Symbol,
		TrdSide:   side,
		OrderType: kind,
		Qty:       req.Qty,
		Price:     req.LimitPrice,
		ClientID:  req.ClientOrderID,
		Remark:    truncate(req.Remark, remarkMaxLen),
	}
	raw, err := c.call(ctx, protoPlaceOrder, c2s)
	if err != nil {
		return nil, err
	}
	var s2c placeOrderS2C
	if err := json.Unmarshal(raw, &s2c); err != nil {
		return nil, fmt.Errorf("decode place order response: %w", err)
	}
	return &venue.Ack{VenueID: s2c.OrderID, Status: domain.OrderStatusAcknowledged}, nil
}

// CancelOrder asks the gateway to cancel an open order. A cancel that races
// a fill comes back as venue.ErrAlreadyTerminal.
func (c *Client) CancelOrder(ctx context.Context, venueID string) error {
	if err := c.requireSession(); err != nil {
		return err
	}
	c2s := modifyOrderC2S{TrdEnv: c.trdEnv(), OrderID: venueID, ModifyOp: wireModifyCancel}
	_, err := c.call(ctx, protoModifyOrder, c2s)
	var rej *gatewayError
	if asGatewayError(err, &rej) && rej.Code == errCodeOrderFinished {
		return venue.ErrAlreadyTerminal
	}
	return err
}

// GetPositions fetches the gateway's holdings, symbols canonicalized.
func (c *Client) GetPositions(ctx context.Context) ([]domain.VenuePosition, error) {
	if err := c.requireSession(); err != nil {
		return nil, err
	}
	raw, err := c.call(ctx, protoGetPositionList, positionListC2S{TrdEnv: c.trdEnv()})
	if err != nil {
		return nil, err
	}
	var s2c positionListS2C
	if err := json.Unmarshal(raw, &s2c); err != nil {
		return nil, fmt.Errorf("decode position list: %w", err)
	}
	out := make([]domain.VenuePosition, 0, len(s2c.PositionList))
	for _, p := range s2c.PositionList {
		if p.Qty == 0 {
			continue
		}
		out = append(out, domain.VenuePosition{
			Symbol:  canonicalFromWire(p.Code),
			Qty:     p.Qty,
			AvgCost: p.CostPrice,
		})
	}
	return out, nil
}

// GetOpenOrders fetches all orders still working at the gateway.
func (c *Client) GetOpenOrders(ctx context.Context) ([]domain.VenueOrder, error) {
	return c.orderList(ctx, true)
}

// GetOrder looks up a single order by venue id or client order id. The
// gateway has no point lookup, so this scans the full order list.
func (c *Client) GetOrder(ctx context.Context, id string) (*domain.VenueOrder, error) {
	orders, err := c.orderList(ctx, false)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if orders[i].VenueID == id || orders[i].ClientOrderID == id {
			return &orders[i], nil
		}
	}
	return nil, fmt.Errorf("order %s not found at gateway", id)
}

// GetAccount fetches account funds.
func (c *Client) GetAccount(ctx context.Context) (*domain.AccountInfo, error) {
	if err := c.requireSession(); err != nil {
		return nil, err
	}
	raw, err := c.call(ctx, protoGetFunds, fundsC2S{TrdEnv: c.trdEnv()})
	if err != nil {
		return nil, err
	}
	var s2c fundsS2C
	if err := json.Unmarshal(raw, &s2c); err != nil {
		return nil, fmt.Errorf("decode funds: %w", err)
	}
	info := &domain.AccountInfo{
		Equity:      s2c.TotalAssets,
		Cash:        s2c.Cash,
		BuyingPower: s2c.Power,
		DailyPnL:    s2c.DailyPnL,
		Currency:    "HKD",
	}
	if base := s2c.TotalAssets - s2c.DailyPnL; base > 0 {
		info.DailyPnLPct = s2c.DailyPnL / base
	}
	return info, nil
}

// SubscribeQuotes registers symbols for basic quote pushes.
func (c *Client) SubscribeQuotes(ctx context.Context, symbols []string) error {
	if err := c.requireSession(); err != nil {
		return err
	}
	codes := make([]string, len(symbols))
	for i, s := range symbols {
		codes[i] = c.FormatSymbol(s)
	}
	c2s := qotSubC2S{
		CodeList:     codes,
		SubTypeList:  []int{1}, // basic quote
		IsSub:        true,
		RegisterPush: true,
	}
	_, err := c.call(ctx, protoQotSub, c2s)
	return err
}

// Quotes returns the pushed price feed.
func (c *Client) Quotes() <-chan domain.Quote { return c.quotes }

// OrderUpdates returns the pushed order update feed.
func (c *Client) OrderUpdates() <-chan venue.OrderUpdate { return c.updates }

// ---- wire plumbing ----

// gatewayError is a non-zero ErrCode response from the gateway.
type gatewayError struct {
	Protocol string
	Code     int
	Msg      string
}

func (e *gatewayError) Error() string {
	return fmt.Sprintf("%s failed: %s (code %d)", e.Protocol, e.Msg, e.Code)
}

func asGatewayError(err error, target **gatewayError) bool {
	if err == nil {
		return false
	}
	ge, ok := err.(*gatewayError)
	if ok {
		*target = ge
	}
	return ok
}

func (c *Client) trdEnv() int {
	if c.cfg.Paper {
		return wireEnvSimulate
	}
	return wireEnvReal
}

func (c *Client) requireSession() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.authed {
		return domain.ErrNotAuthenticated
	}
	return nil
}

// call sends one request frame and waits for the matching response. A
// non-zero ErrCode becomes a *gatewayError, wrapped as a BrokerRejection for
// trading protocols so callers see a synchronous decline.
func (c *Client) call(ctx context.Context, protocol string, c2s any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, domain.ErrNotAuthenticated
	}
	c.serial++
	serial := c.serial
	ch := make(chan envelope, 1)
	c.pending[serial] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, serial)
		c.mu.Unlock()
	}()

	req := request{
		Protocol: protocol,
		Version:  protocolVersion,
		SerialNo: serial,
		ReqParam: reqParam{C2S: c2s},
	}
	c.writeMu.Lock()
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return nil, &domain.ConnectivityError{Op: protocol, Err: err}
	}

	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, &domain.ConnectivityError{Op: protocol, Err: fmt.Errorf("response timeout after %s", c.cfg.CallTimeout)}
	case env, ok := <-ch:
		if !ok {
			return nil, &domain.ConnectivityError{Op: protocol, Err: fmt.Errorf("connection lost")}
		}
		if env.ErrCode != errCodeOK {
			// Auth failures map the same way on every protocol.
			if env.ErrCode == errCodeAuthFailed || env.ErrCode == errCodeNotUnlocked {
				return nil, &domain.AuthenticationError{Venue: c.Name(), Reason: env.ErrMsg}
			}
			switch protocol {
			case protoPlaceOrder:
				return nil, &domain.BrokerRejection{Venue: c.Name(), Reason: env.ErrMsg}
			case protoInitConnect, protoUnlockTrade:
				return nil, &domain.AuthenticationError{Venue: c.Name(), Reason: env.ErrMsg}
			}
			return nil, &gatewayError{Protocol: protocol, Code: env.ErrCode, Msg: env.ErrMsg}
		}
		return env.S2C, nil
	}
}

// readLoop owns conn reads: it routes responses to pending callers and
// pushes to the feed channels. It exits when the connection dies, failing
// every in-flight call.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.failPending(conn, err)
			return
		}
		if env.SerialNo == 0 {
			c.handlePush(env)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[env.SerialNo]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- env:
			default:
			}
		}
	}
}

func (c *Client) handlePush(env envelope) {
	switch env.Protocol {
	case protoQotPush:
		var s2c qotPushS2C
		if err := json.Unmarshal(env.S2C, &s2c); err != nil {
			c.log.Warn("bad quote push", "error", err)
			return
		}
		q := domain.Quote{
			Symbol:    canonicalFromWire(s2c.Code),
			Price:     s2c.LastPrice,
			Timestamp: time.UnixMilli(s2c.TimestampMS),
		}
		select {
		case c.quotes <- q:
		default: // drop when the consumer is behind; quotes supersede
		}
	case protoOrderPush:
		var s2c wireOrder
		if err := json.Unmarshal(env.S2C, &s2c); err != nil {
			c.log.Warn("bad order push", "error", err)
			return
		}
		upd := venue.OrderUpdate{
			VenueID:        s2c.OrderID,
			ClientOrderID:  s2c.ClientID,
			Status:         mapOrderStatus(s2c.OrderStatus),
			FilledQty:      s2c.DealtQty,
			FilledAvgPrice: s2c.DealtAvgPx,
		}
		select {
		case c.updates <- upd:
		default:
		}
	}
}

// failPending errors out every in-flight call after a read failure and
// drops the dead connection, leaving the client for the session manager to
// reconnect.
func (c *Client) failPending(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.authed = false
	}
	for serial, ch := range c.pending {
		close(ch)
		delete(c.pending, serial)
	}
	c.mu.Unlock()
	c.log.Warn("gateway connection lost", "error", err)
}

func (c *Client) orderList(ctx context.Context, activeOnly bool) ([]domain.VenueOrder, error) {
	if err := c.requireSession(); err != nil {
		return nil, err
	}
	raw, err := c.call(ctx, protoGetOrderList, getOrderListC2S{TrdEnv: c.trdEnv(), ActiveOnly: activeOnly})
	if err != nil {
		return nil, err
	}
	var s2c orderListS2C
	if err := json.Unmarshal(raw, &s2c); err != nil {
		return nil, fmt.Errorf("decode order list: %w", err)
	}
	out := make([]domain.VenueOrder, 0, len(s2c.OrderList))
	for _, o := range s2c.OrderList {
		out = append(out, domain.VenueOrder{
			VenueID:        o.OrderID,
			ClientOrderID:  o.ClientID,
			Symbol:         canonicalFromWire(o.Code),
			Side:           mapSide(o.TrdSide),
			Qty:            o.Qty,
			FilledQty:      o.DealtQty,
			FilledAvgPrice: o.DealtAvgPx,
			Price:          o.Price,
			Status:         mapOrderStatus(o.OrderStatus),
		})
	}
	return out, nil
}

func canonicalFromWire(code string) string {
	code = strings.TrimPrefix(code, marketPrefix)
	canonical, err := norm.Canonical(code)
	if err != nil {
		return code
	}
	return canonical
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
