package opend

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"catalyst/internal/domain"
	"catalyst/internal/venue"
)

// fakeGateway is a minimal in-process OpenD gateway for protocol tests.
type fakeGateway struct {
	t        *testing.T
	upgrader websocket.Upgrader

	authKeyMD5 string
	failOrders atomic.Bool
	expireAuth atomic.Bool
	conns      chan *websocket.Conn
}

func newFakeGateway(t *testing.T) (*fakeGateway, Config) {
	g := &fakeGateway{t: t, authKeyMD5: md5hex("secret-key"), conns: make(chan *websocket.Conn, 4)}
	srv := httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(srv.Close)

	hostPort := strings.TrimPrefix(srv.URL, "http://")
	host, portStr, _ := strings.Cut(hostPort, ":")
	port, _ := strconv.Atoi(portStr)
	cfg := Config{
		Host:        host,
		Port:        port,
		AuthKey:     "secret-key",
		UnlockPwd:   "trade-pwd",
		Paper:       false,
		CallTimeout: 2 * time.Second,
	}
	return g, cfg
}

func (g *fakeGateway) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	g.conns <- conn
	for {
		var req struct {
			Protocol string          `json:"Protocol"`
			SerialNo uint64          `json:"SerialNo"`
			ReqParam json.RawMessage `json:"ReqParam"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		resp := map[string]any{"Protocol": req.Protocol, "SerialNo": req.SerialNo, "ErrCode": 0, "ErrMsg": ""}

		switch req.Protocol {
		case protoInitConnect:
			var p struct {
				C2S initConnectC2S `json:"c2s"`
			}
			json.Unmarshal(req.ReqParam, &p)
			if p.C2S.AuthKey != g.authKeyMD5 {
				resp["ErrCode"] = errCodeAuthFailed
				resp["ErrMsg"] = "auth key mismatch"
			}
		case protoUnlockTrade, protoKeepAlive, protoQotSub:
			// acknowledged with ErrCode 0
		case protoPlaceOrder:
			switch {
			case g.expireAuth.Load():
				resp["ErrCode"] = errCodeAuthFailed
				resp["ErrMsg"] = "session expired"
			case g.failOrders.Load():
				resp["ErrCode"] = 40311
				resp["ErrMsg"] = "insufficient buying power"
			default:
				resp["S2C"] = placeOrderS2C{OrderID: "GW-1001"}
			}
		case protoModifyOrder:
			resp["ErrCode"] = errCodeOrderFinished
			resp["ErrMsg"] = "order already finished"
		case protoGetPositionList:
			resp["S2C"] = positionListS2C{PositionList: []wirePosition{
				{Code: "HK.00700", Qty: 400, CostPrice: 375.5},
			}}
		case protoGetFunds:
			resp["S2C"] = fundsS2C{TotalAssets: 1_010_000, Cash: 600_000, Power: 900_000, DailyPnL: 10_000}
		case protoGetOrderList:
			resp["S2C"] = orderListS2C{OrderList: []wireOrder{
				{OrderID: "GW-1001", ClientID: "cli-1", Code: "HK.00700", TrdSide: wireSideBuy,
					Qty: 400, DealtQty: 400, DealtAvgPx: 378.1, Price: 378.1, OrderStatus: statusFilledAll},
			}}
		}
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

// push sends an unsolicited frame on the most recent connection.
func (g *fakeGateway) push(protocol string, s2c any) {
	select {
	case conn := <-g.conns:
		g.conns <- conn
		conn.WriteJSON(map[string]any{"Protocol": protocol, "SerialNo": 0, "ErrCode": 0, "S2C": s2c})
	case <-time.After(time.Second):
		g.t.Fatal("no gateway connection to push on")
	}
}

func connectedClient(t *testing.T) (*Client, *fakeGateway) {
	g, cfg := newFakeGateway(t)
	c := New(cfg, slog.Default())
	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, g
}

func TestConnectRejectsBadAuthKey(t *testing.T) {
	g, cfg := newFakeGateway(t)
	g.authKeyMD5 = md5hex("different-key")
	c := New(cfg, slog.Default())

	err := c.Connect(t.Context())
	var authErr *domain.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
}

func TestFormatSymbol(t *testing.T) {
	c := New(Config{}, slog.Default())
	cases := map[string]string{
		"700":   "HK.00700",
		"5":     "HK.00005",
		"12345": "HK.12345",
	}
	for in, want := range cases {
		if got := c.FormatSymbol(in); got != want {
			t.Errorf("FormatSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPlaceOrderRoundTrip(t *testing.T) {
	c, _ := connectedClient(t)

	ack, err := c.PlaceOrder(t.Context(), venue.PlaceOrderRequest{
		ClientOrderID: "cli-1",
		Symbol:        c.FormatSymbol("700"),
		Side:          domain.SideBuy,
		Qty:           400,
		Kind:          domain.KindLimit,
		LimitPrice:    378.10,
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if ack.VenueID != "GW-1001" {
		t.Errorf("venue id = %q, want GW-1001", ack.VenueID)
	}
	if ack.Status != domain.OrderStatusAcknowledged {
		t.Errorf("ack status = %q", ack.Status)
	}
}

func TestPlaceOrderRejectsLinkedLegs(t *testing.T) {
	c, _ := connectedClient(t)

	_, err := c.PlaceOrder(t.Context(), venue.PlaceOrderRequest{
		ClientOrderID: "cli-2",
		Symbol:        "HK.00700",
		Side:          domain.SideBuy,
		Qty:           400,
		Kind:          domain.KindLimit,
		LimitPrice:    378.10,
		StopPrice:     370.00,
	})
	var rej *domain.BrokerRejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected BrokerRejection for linked legs, got %v", err)
	}
}

func TestPlaceOrderGatewayDecline(t *testing.T) {
	c, g := connectedClient(t)
	g.failOrders.Store(true)

	_, err := c.PlaceOrder(t.Context(), venue.PlaceOrderRequest{
		ClientOrderID: "cli-3",
		Symbol:        "HK.00700",
		Side:          domain.SideBuy,
		Qty:           400,
		Kind:          domain.KindMarket,
	})
	var rej *domain.BrokerRejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected BrokerRejection, got %v", err)
	}
	if rej.Reason != "insufficient buying power" {
		t.Errorf("unexpected reason %q", rej.Reason)
	}
}

func TestPlaceOrderAuthExpired(t *testing.T) {
	c, g := connectedClient(t)
	g.expireAuth.Store(true)

	_, err := c.PlaceOrder(t.Context(), venue.PlaceOrderRequest{
		ClientOrderID: "cli-4",
		Symbol:        "HK.00700",
		Side:          domain.SideBuy,
		Qty:           400,
		Kind:          domain.KindMarket,
	})
	var authErr *domain.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthenticationError for expired session, got %v", err)
	}
}

func TestCancelFinishedOrder(t *testing.T) {
	c, _ := connectedClient(t)

	if err := c.CancelOrder(t.Context(), "GW-1001"); !errors.Is(err, venue.ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
}

func TestGetPositionsCanonicalizesSymbols(t *testing.T) {
	c, _ := connectedClient(t)

	positions, err := c.GetPositions(t.Context())
	if err != nil {
		t.Fatalf("get positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("got %d positions, want 1", len(positions))
	}
	if positions[0].Symbol != "700" {
		t.Errorf("symbol = %q, want canonical 700", positions[0].Symbol)
	}
	if positions[0].Qty != 400 || positions[0].AvgCost != 375.5 {
		t.Errorf("unexpected position %+v", positions[0])
	}
}

func TestGetAccountDailyPnLPct(t *testing.T) {
	c, _ := connectedClient(t)

	acct, err := c.GetAccount(t.Context())
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acct.Equity != 1_010_000 {
		t.Errorf("equity = %v", acct.Equity)
	}
	if got, want := acct.DailyPnLPct, 0.01; got < want-1e-9 || got > want+1e-9 {
		t.Errorf("daily pnl pct = %v, want %v", got, want)
	}
}

func TestQuotePushReachesFeed(t *testing.T) {
	c, g := connectedClient(t)

	if err := c.SubscribeQuotes(t.Context(), []string{"700"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	g.push(protoQotPush, qotPushS2C{Code: "HK.00700", LastPrice: 380.2, TimestampMS: time.Now().UnixMilli()})

	select {
	case q := <-c.Quotes():
		if q.Symbol != "700" {
			t.Errorf("quote symbol = %q, want 700", q.Symbol)
		}
		if q.Price != 380.2 {
			t.Errorf("quote price = %v", q.Price)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("quote push never arrived")
	}
}

func TestOrderPushReachesFeed(t *testing.T) {
	c, g := connectedClient(t)

	g.push(protoOrderPush, wireOrder{
		OrderID: "GW-1001", ClientID: "cli-1", Code: "HK.00700",
		TrdSide: wireSideBuy, Qty: 400, DealtQty: 200, DealtAvgPx: 378.0,
		OrderStatus: statusFilledPart,
	})

	select {
	case upd := <-c.OrderUpdates():
		if upd.Status != domain.OrderStatusPartiallyFilled {
			t.Errorf("status = %q", upd.Status)
		}
		if upd.FilledQty != 200 {
			t.Errorf("filled qty = %d", upd.FilledQty)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("order push never arrived")
	}
}

func TestMapOrderStatus(t *testing.T) {
	cases := map[string]domain.OrderStatus{
		statusSubmitted:     domain.OrderStatusAcknowledged,
		statusFilledPart:    domain.OrderStatusPartiallyFilled,
		statusFilledAll:     domain.OrderStatusFilled,
		statusCancelledAll:  domain.OrderStatusCancelled,
		statusCancelledPart: domain.OrderStatusCancelled,
		statusFailed:        domain.OrderStatusRejected,
		statusTimeout:       domain.OrderStatusExpired,
	}
	for wire, want := range cases {
		if got := mapOrderStatus(wire); got != want {
			t.Errorf("mapOrderStatus(%q) = %q, want %q", wire, got, want)
		}
	}
}
