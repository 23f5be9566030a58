package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"catalyst/internal/domain"
)

// Compile-time interface check.
var _ Venue = (*Simulator)(nil)

// Simulator implements the Venue interface for paper trading without a
// gateway. It tracks positions and orders in memory, fills market orders at
// the last observed price, and rests limit orders until a quote crosses
// them. Like the OpenD gateway it emulates, it has no native linked orders,
// so the stop/target supervisor path stays exercised in paper mode.
type Simulator struct {
	startingCash float64

	mu        sync.Mutex
	connected bool
	nextID    int
	orders    map[string]*domain.VenueOrder // venue id -> order
	byClient  map[string]string             // client order id -> venue id
	positions map[string]*domain.VenuePosition
	lastPrice map[string]float64
	cash      float64

	quotes  chan domain.Quote
	updates chan OrderUpdate
}

// NewSimulator creates a Simulator with the given starting cash balance.
func NewSimulator(startingCash float64) *Simulator {
	return &Simulator{
		startingCash: startingCash,
		cash:         startingCash,
		orders:       make(map[string]*domain.VenueOrder),
		byClient:     make(map[string]string),
		positions:    make(map[string]*domain.VenuePosition),
		lastPrice:    make(map[string]float64),
		quotes:       make(chan domain.Quote, 64),
		updates:      make(chan OrderUpdate, 64),
	}
}

// Name returns "simulator".
func (s *Simulator) Name() string { return "simulator" }

// SupportsLinkedOrders returns false: exits are emulated.
func (s *Simulator) SupportsLinkedOrders() bool { return false }

// Connect marks the session live.
func (s *Simulator) Connect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

// Ping reports session liveness.
func (s *Simulator) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return domain.ErrNotAuthenticated
	}
	return nil
}

// Close tears the session down.
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

// FormatSymbol returns the canonical symbol unchanged.
func (s *Simulator) FormatSymbol(canonical string) string { return canonical }

// PlaceOrder records the order and simulates execution: market orders fill
// at the last observed price, limit orders rest until a quote crosses.
func (s *Simulator) PlaceOrder(_ context.Context, req PlaceOrderRequest) (*Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, domain.ErrNotAuthenticated
	}
	if req.Qty <= 0 {
		return nil, &domain.BrokerRejection{Venue: s.Name(), Reason: "quantity must be positive"}
	}
	if req.Kind == domain.KindLimit && req.LimitPrice <= 0 {
		return nil, &domain.BrokerRejection{Venue: s.Name(), Reason: "limit price required for limit orders"}
	}

	s.nextID++
	order := &domain.VenueOrder{
		VenueID:       fmt.Sprintf("SIM-%d", s.nextID),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Qty:           req.Qty,
		Price:         req.LimitPrice,
		Status:        domain.OrderStatusAcknowledged,
	}
	s.orders[order.VenueID] = order
	s.byClient[req.ClientOrderID] = order.VenueID

	if req.Kind == domain.KindMarket {
		if px, ok := s.lastPrice[req.Symbol]; ok {
			s.fillLocked(order, px)
		}
		// A market order with no observed price rests until the first quote.
	} else if px, ok := s.lastPrice[req.Symbol]; ok && crosses(order, px) {
		s.fillLocked(order, order.Price)
	}

	return &Ack{VenueID: order.VenueID, Status: domain.OrderStatusAcknowledged}, nil
}

// CancelOrder cancels an open order.
func (s *Simulator) CancelOrder(_ context.Context, venueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return domain.ErrNotAuthenticated
	}
	order, ok := s.orders[venueID]
	if !ok {
		return fmt.Errorf("unknown order %s", venueID)
	}
	if order.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	order.Status = domain.OrderStatusCancelled
	s.pushUpdate(order)
	return nil
}

// GetPositions returns all non-zero simulated positions.
func (s *Simulator) GetPositions(_ context.Context) ([]domain.VenuePosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, domain.ErrNotAuthenticated
	}
	out := make([]domain.VenuePosition, 0, len(s.positions))
	for _, p := range s.positions {
		if p.Qty != 0 {
			out = append(out, *p)
		}
	}
	return out, nil
}

// GetOpenOrders returns all orders still working at the venue.
func (s *Simulator) GetOpenOrders(_ context.Context) ([]domain.VenueOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, domain.ErrNotAuthenticated
	}
	var out []domain.VenueOrder
	for _, o := range s.orders {
		if !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	return out, nil
}

// GetOrder looks up an order by venue id or client order id.
func (s *Simulator) GetOrder(_ context.Context, id string) (*domain.VenueOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, domain.ErrNotAuthenticated
	}
	if vid, ok := s.byClient[id]; ok {
		id = vid
	}
	order, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("unknown order %s", id)
	}
	cp := *order
	return &cp, nil
}

// GetAccount returns the simulated account metrics.
func (s *Simulator) GetAccount(_ context.Context) (*domain.AccountInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, domain.ErrNotAuthenticated
	}
	equity := s.cash
	for sym, p := range s.positions {
		px := s.lastPrice[sym]
		if px == 0 {
			px = p.AvgCost
		}
		equity += float64(p.Qty) * px
	}
	return &domain.AccountInfo{
		Equity:      equity,
		Cash:        s.cash,
		BuyingPower: s.cash,
		DailyPnLPct: pctChange(s.startingCash, equity),
		Currency:    "HKD",
	}, nil
}

// SubscribeQuotes is a no-op: the simulator pushes whatever SetQuote feeds.
func (s *Simulator) SubscribeQuotes(_ context.Context, _ []string) error { return nil }

// Quotes returns the simulated price feed.
func (s *Simulator) Quotes() <-chan domain.Quote { return s.quotes }

// OrderUpdates returns the simulated fill feed.
func (s *Simulator) OrderUpdates() <-chan OrderUpdate { return s.updates }

// SetQuote feeds a price observation: it updates the last price, fills any
// crossing open orders, and pushes the quote to subscribers.
func (s *Simulator) SetQuote(symbol string, price float64) {
	s.mu.Lock()
	s.lastPrice[symbol] = price
	for _, o := range s.orders {
		if o.Status.Terminal() || o.Symbol != symbol {
			continue
		}
		if o.Price == 0 { // resting market order
			s.fillLocked(o, price)
		} else if crosses(o, price) {
			s.fillLocked(o, o.Price)
		}
	}
	s.mu.Unlock()

	select {
	case s.quotes <- domain.Quote{Symbol: symbol, Price: price, Timestamp: time.Now()}:
	default: // drop when the consumer is behind
	}
}

// fillLocked fills the order completely at px. Caller holds s.mu.
func (s *Simulator) fillLocked(o *domain.VenueOrder, px float64) {
	o.Status = domain.OrderStatusFilled
	o.FilledQty = o.Qty
	o.FilledAvgPrice = px

	signed := o.Qty
	if o.Side == domain.SideSell {
		signed = -signed
	}
	pos, ok := s.positions[o.Symbol]
	if !ok {
		pos = &domain.VenuePosition{Symbol: o.Symbol}
		s.positions[o.Symbol] = pos
	}
	newQty := pos.Qty + signed
	if (pos.Qty >= 0) == (signed >= 0) && pos.Qty != 0 {
		total := float64(abs(pos.Qty))*pos.AvgCost + float64(abs(signed))*px
		pos.AvgCost = total / float64(abs(newQty))
	} else if pos.Qty == 0 || newQty == 0 {
		pos.AvgCost = px
	}
	pos.Qty = newQty
	s.cash -= float64(signed) * px

	s.pushUpdate(o)
}

// ForcePosition injects a venue-side position directly, bypassing order
// flow. Reconciliation exercises use this to fabricate divergence.
func (s *Simulator) ForcePosition(symbol string, qty int64, avgCost float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[symbol] = &domain.VenuePosition{Symbol: symbol, Qty: qty, AvgCost: avgCost}
}

func (s *Simulator) pushUpdate(o *domain.VenueOrder) {
	select {
	case s.updates <- OrderUpdate{
		VenueID:        o.VenueID,
		ClientOrderID:  o.ClientOrderID,
		Status:         o.Status,
		FilledQty:      o.FilledQty,
		FilledAvgPrice: o.FilledAvgPrice,
	}:
	default:
	}
}

func crosses(o *domain.VenueOrder, px float64) bool {
	if o.Side == domain.SideBuy {
		return px <= o.Price
	}
	return px >= o.Price
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func pctChange(from, to float64) float64 {
	if from == 0 {
		return 0
	}
	return (to - from) / from
}
