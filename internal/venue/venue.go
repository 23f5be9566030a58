// Package venue defines the Venue interface that hides per-broker
// differences (native linked orders vs. not, authentication model, symbol
// format) and provides implementations for concrete brokerages.
package venue

import (
	"context"
	"errors"
	"time"

	"catalyst/internal/domain"
)

// ErrAlreadyTerminal is returned by CancelOrder when the venue reports the
// order already reached a terminal state, typically a race with a fill.
var ErrAlreadyTerminal = errors.New("order already in a terminal state at the venue")

// PlaceOrderRequest is a venue-ready order submission. Symbol is in venue
// format and all prices have been tick-rounded by the caller.
type PlaceOrderRequest struct {
	ClientOrderID string // idempotency token
	Symbol        string
	Side          domain.Side
	Qty           int64
	Kind          domain.OrderKind
	LimitPrice    float64 // 0 for market orders

	// StopPrice/TargetPrice are linked exit legs. Venues without native
	// linked orders ignore them; callers emulate exits instead.
	StopPrice   float64
	TargetPrice float64

	Remark string // free text carried to the venue's audit trail
}

// Ack is the venue's synchronous acknowledgment of a placed order.
type Ack struct {
	VenueID string
	Status  domain.OrderStatus
}

// OrderUpdate is a venue-pushed change to an order's fill state.
type OrderUpdate struct {
	VenueID        string
	ClientOrderID  string
	Status         domain.OrderStatus
	FilledQty      int64
	FilledAvgPrice float64
}

// Venue abstracts brokerage operations for order execution, account state,
// and market data. Session establishment is owned by the session manager;
// adapters assume a valid session and fail fast with
// domain.ErrNotAuthenticated when none is available.
type Venue interface {
	// Name returns the venue identifier (e.g. "opend", "alpaca").
	Name() string

	// SupportsLinkedOrders reports whether PlaceOrder accepts entry, stop,
	// and target together with venue-enforced linkage. When false, exits
	// are emulated by the stop/target supervisor.
	SupportsLinkedOrders() bool

	// Connect authenticates and establishes the venue session.
	Connect(ctx context.Context) error

	// Ping verifies the session is still alive.
	Ping(ctx context.Context) error

	// Close tears down the session.
	Close() error

	// FormatSymbol renders a canonical symbol in venue wire format.
	FormatSymbol(canonical string) string

	// PlaceOrder submits an order. A synchronous decline is returned as
	// *domain.BrokerRejection; network failures as *domain.ConnectivityError.
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Ack, error)

	// CancelOrder requests cancellation of an open order by its venue id.
	CancelOrder(ctx context.Context, venueID string) error

	// GetPositions returns all venue-reported holdings, symbols canonical.
	GetPositions(ctx context.Context) ([]domain.VenuePosition, error)

	// GetOpenOrders returns all venue-reported open orders.
	GetOpenOrders(ctx context.Context) ([]domain.VenueOrder, error)

	// GetOrder looks up a single order by venue id or client order id.
	GetOrder(ctx context.Context, id string) (*domain.VenueOrder, error)

	// GetAccount returns a snapshot of the account's financial metrics.
	GetAccount(ctx context.Context) (*domain.AccountInfo, error)

	// SubscribeQuotes registers canonical symbols for price updates.
	SubscribeQuotes(ctx context.Context, symbols []string) error

	// Quotes is the price feed for subscribed symbols.
	Quotes() <-chan domain.Quote

	// OrderUpdates is the venue's push feed of fill updates. Venues that
	// cannot push return a channel that never fires; fills are then
	// resolved by reconciliation.
	OrderUpdates() <-chan OrderUpdate
}

// Snapshot composes a fresh BrokerSnapshot from the venue's position and
// open-order queries.
func Snapshot(ctx context.Context, v Venue) (*domain.BrokerSnapshot, error) {
	positions, err := v.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	orders, err := v.GetOpenOrders(ctx)
	if err != nil {
		return nil, err
	}
	return &domain.BrokerSnapshot{TakenAt: time.Now(), Positions: positions, OpenOrders: orders}, nil
}
