// Package domain defines the core data model shared across the execution
// core: trade intents, orders and their lifecycle, positions, venue
// snapshots, and reconciliation discrepancies.
package domain

import "time"

// Side is the direction of an order or intent.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderKind is the execution style of an order.
type OrderKind string

const (
	KindMarket OrderKind = "market"
	KindLimit  OrderKind = "limit"
)

// OrderStatus is a state in the order lifecycle.
type OrderStatus string

const (
	OrderStatusCreated         OrderStatus = "created"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusAcknowledged    OrderStatus = "acknowledged"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusExpired         OrderStatus = "expired"
)

// Terminal reports whether the status is final. Terminal orders are retained
// read-only for audit.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusRejected, OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired:
		return true
	}
	return false
}

// transitions is the legal order state machine. Submitted orders may jump
// straight to a terminal state because a reconciliation pass can discover the
// outcome of a submit whose acknowledgment was lost.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusCreated:   {OrderStatusSubmitted},
	OrderStatusSubmitted: {OrderStatusAcknowledged, OrderStatusRejected, OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired},
	OrderStatusAcknowledged: {
		OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired,
	},
	OrderStatusPartiallyFilled: {OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired},
}

// CanTransition reports whether moving from to next is a legal lifecycle
// step. Staying in the same state (e.g. a partial fill growing) is allowed.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s == next {
		return !s.Terminal()
	}
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// TradeIntent is a caller-supplied trade proposal. It is ephemeral: it
// exists only until the safety gate accepts or rejects it.
type TradeIntent struct {
	Symbol      string // canonical form
	Side        Side
	Qty         int64
	Kind        OrderKind
	LimitPrice  float64 // required for limit orders
	StopPrice   float64 // required for entries
	TargetPrice float64 // optional
	MarkPrice   float64 // reference price for risk arithmetic on market orders
	Reason      string  // free-text justification for the audit trail

	// Exit marks a risk-reducing intent (closing or shrinking an existing
	// position). The safety gate treats exits permissively but never
	// exempts them entirely.
	Exit bool
}

// Order is one submission to a venue.
type Order struct {
	ID             string // internal id, assigned at creation
	VenueID        string // assigned at acknowledgment; write-once
	Symbol         string // canonical form
	Side           Side
	Qty            int64
	Kind           OrderKind
	LimitPrice     float64
	StopPrice      float64
	TargetPrice    float64
	Status         OrderStatus
	FilledQty      int64
	FilledAvgPrice float64
	Reason         string // caller justification
	Message        string // venue message, e.g. rejection reason
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Position is a current holding. Quantity is signed: positive long,
// negative short. Every ledger position carries a protective stop.
type Position struct {
	Symbol      string
	Qty         int64
	AvgCost     float64
	StopPrice   float64
	TargetPrice float64
	OrderIDs    []string // originating order ids
	UpdatedAt   time.Time
}

// Long reports whether the position is long.
func (p Position) Long() bool { return p.Qty > 0 }

// VenuePosition is a venue-reported holding.
type VenuePosition struct {
	Symbol  string // canonical form
	Qty     int64
	AvgCost float64
}

// VenueOrder is a venue-reported order.
type VenueOrder struct {
	VenueID        string
	ClientOrderID  string
	Symbol         string // canonical form
	Side           Side
	Qty            int64
	FilledQty      int64
	FilledAvgPrice float64
	Price          float64
	Status         OrderStatus
}

// BrokerSnapshot is a point-in-time read of venue-reported positions and
// open orders. It is never persisted as authoritative state but is always
// treated as ground truth when diffing against the ledger.
type BrokerSnapshot struct {
	TakenAt    time.Time
	Positions  []VenuePosition
	OpenOrders []VenueOrder
}

// DiscrepancyKind classifies a ledger-vs-venue mismatch.
type DiscrepancyKind string

const (
	DiscrepancyPhantomPosition  DiscrepancyKind = "phantom_position"
	DiscrepancyMissingPosition  DiscrepancyKind = "missing_position"
	DiscrepancyQuantityMismatch DiscrepancyKind = "quantity_mismatch"
	DiscrepancyStaleOrder       DiscrepancyKind = "stale_order"
)

// Discrepancy is a detected mismatch between the ledger and a
// BrokerSnapshot. Records are kept for audit even after correction.
type Discrepancy struct {
	ID         int64
	Kind       DiscrepancyKind
	Symbol     string
	OrderID    string
	Detail     string
	DetectedAt time.Time
	Resolved   bool
	ResolvedAt time.Time
}

// Quote is a price observation for a symbol in canonical form.
type Quote struct {
	Symbol    string
	Price     float64
	Timestamp time.Time
}

// AccountInfo is a snapshot of the account's financial metrics.
type AccountInfo struct {
	Equity      float64
	Cash        float64
	BuyingPower float64
	DailyPnL    float64
	DailyPnLPct float64 // fraction, e.g. -0.01 for -1%
	Currency    string
}
