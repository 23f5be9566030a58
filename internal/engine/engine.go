// Package engine is the order lifecycle manager: it carries a trade intent
// through the safety gate, normalization, venue submission, and fill
// processing, and keeps the ledger's orders and positions consistent along
// the way.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"catalyst/internal/domain"
	"catalyst/internal/ledger"
	"catalyst/internal/metrics"
	"catalyst/internal/norm"
	"catalyst/internal/safety"
	"catalyst/internal/venue"
)

// ErrDraining is returned for new entries while the engine drains for
// shutdown. Risk-reducing exits are still accepted.
var ErrDraining = errors.New("engine: draining, new entries refused")

// Watcher is the stop/target supervisor surface the engine talks to. On
// venues with native linked orders the engine still forgets retired
// positions but never tracks new ones.
type Watcher interface {
	Track(pos domain.Position)
	Forget(symbol string)
}

// Session reports venue session health.
type Session interface {
	Alive() bool
}

// Engine drives the order lifecycle for one venue.
type Engine struct {
	venue   venue.Venue
	store   ledger.Store
	gate    *safety.Gate
	session Session
	watcher Watcher
	ticks   norm.TickTable
	log     *slog.Logger
	newID   func() string
	now     func() time.Time

	mu         sync.Mutex
	cond       *sync.Cond
	halted     bool
	haltWhy    string
	draining   bool
	flattening bool
	inflight   int
	symLocks   map[string]*sync.Mutex
}

// New creates an Engine wired with the given dependencies.
func New(v venue.Venue, store ledger.Store, gate *safety.Gate, session Session, watcher Watcher, ticks norm.TickTable, log *slog.Logger) *Engine {
	e := &Engine{
		venue:    v,
		store:    store,
		gate:     gate,
		session:  session,
		watcher:  watcher,
		ticks:    ticks,
		log:      log.With("component", "engine"),
		newID:    uuid.NewString,
		now:      time.Now,
		symLocks: make(map[string]*sync.Mutex),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Submit carries an intent through gate, normalization, and venue
// submission. It returns the persisted order, which on success is
// Acknowledged. A venue decline leaves the order Rejected; a connectivity
// failure leaves it Submitted for reconciliation to resolve, with no
// automatic retry.
func (e *Engine) Submit(ctx context.Context, intent domain.TradeIntent) (*domain.Order, error) {
	if err := e.admissible(intent); err != nil {
		return nil, err
	}
	defer e.endSubmit()

	symbol, err := norm.Canonical(intent.Symbol)
	if err != nil {
		return nil, &domain.ValidationError{Reason: fmt.Sprintf("invalid symbol %q: %v", intent.Symbol, err)}
	}
	intent.Symbol = symbol

	// One in-flight submission per symbol. Reconciliation skips symbols it
	// cannot lock, so a mid-submit order is never double-corrected.
	lock := e.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	if !e.session.Alive() {
		return nil, domain.ErrNotAuthenticated
	}

	if err := e.roundIntent(&intent); err != nil {
		return nil, err
	}

	acct, err := e.accountState(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading account state: %w", err)
	}
	if err := e.gate.Check(intent, *acct); err != nil {
		metrics.IncGateRejection()
		return nil, err
	}

	now := e.now()
	order := &domain.Order{
		ID:          e.newID(),
		Symbol:      symbol,
		Side:        intent.Side,
		Qty:         intent.Qty,
		Kind:        intent.Kind,
		LimitPrice:  intent.LimitPrice,
		StopPrice:   intent.StopPrice,
		TargetPrice: intent.TargetPrice,
		Status:      domain.OrderStatusCreated,
		Reason:      intent.Reason,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.SaveOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("persisting order: %w", err)
	}

	order.Status = domain.OrderStatusSubmitted
	order.UpdatedAt = e.now()
	if err := e.store.UpdateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("marking order submitted: %w", err)
	}

	req := venue.PlaceOrderRequest{
		ClientOrderID: order.ID,
		Symbol:        e.venue.FormatSymbol(symbol),
		Side:          order.Side,
		Qty:           order.Qty,
		Kind:          order.Kind,
		LimitPrice:    order.LimitPrice,
		Remark:        order.Reason,
	}
	if e.venue.SupportsLinkedOrders() {
		req.StopPrice = order.StopPrice
		req.TargetPrice = order.TargetPrice
	}

	ack, err := e.venue.PlaceOrder(ctx, req)
	if err != nil {
		var rejection *domain.BrokerRejection
		if errors.As(err, &rejection) {
			order.Status = domain.OrderStatusRejected
			order.Message = rejection.Reason
			order.UpdatedAt = e.now()
			if uerr := e.store.UpdateOrder(ctx, order); uerr != nil {
				e.log.Error("recording rejection failed", "order", order.ID, "error", uerr)
			}
			metrics.IncOrderRejection(e.venue.Name())
			return order, err
		}
		// Ambiguous outcome: the venue may or may not have the order. Leave
		// it Submitted; reconciliation will settle it against venue state.
		e.log.Warn("submission outcome unknown", "order", order.ID, "error", err)
		return order, err
	}

	order.VenueID = ack.VenueID
	order.Status = domain.OrderStatusAcknowledged
	order.UpdatedAt = e.now()
	if err := e.store.UpdateOrder(ctx, order); err != nil {
		return order, fmt.Errorf("recording acknowledgment: %w", err)
	}
	e.gate.RecordTrade()
	metrics.IncOrder(e.venue.Name(), string(order.Side))
	e.log.Info("order acknowledged",
		"order", order.ID, "venue_id", order.VenueID,
		"symbol", symbol, "side", order.Side, "qty", order.Qty)
	return order, nil
}

// Cancel requests cancellation of an open order. It reports false with a
// nil error when the order already reached a terminal state at the venue,
// which usually means the cancel raced a fill.
func (e *Engine) Cancel(ctx context.Context, orderID string) (bool, error) {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	switch order.Status {
	case domain.OrderStatusAcknowledged, domain.OrderStatusPartiallyFilled:
	default:
		return false, fmt.Errorf("order %s is %s, not cancelable", orderID, order.Status)
	}

	if err := e.venue.CancelOrder(ctx, order.VenueID); err != nil {
		if errors.Is(err, venue.ErrAlreadyTerminal) {
			e.log.Info("cancel raced a terminal state", "order", orderID)
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ApplyFill processes a venue order update: it advances the order's
// lifecycle and folds fill deltas into the ledger position. Stale or
// out-of-order updates are ignored.
func (e *Engine) ApplyFill(ctx context.Context, upd venue.OrderUpdate) error {
	id := upd.ClientOrderID
	if id == "" {
		id = upd.VenueID
	}
	order, err := e.store.FindOrder(ctx, id)
	if err != nil {
		return fmt.Errorf("update for unknown order %s: %w", id, err)
	}

	lock := e.symbolLock(order.Symbol)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; a concurrent update may have advanced it.
	order, err = e.store.FindOrder(ctx, id)
	if err != nil {
		return err
	}

	if !order.Status.CanTransition(upd.Status) {
		e.log.Debug("ignoring stale order update",
			"order", order.ID, "have", order.Status, "got", upd.Status)
		return nil
	}
	if upd.FilledQty < order.FilledQty {
		e.log.Debug("ignoring regressive fill update", "order", order.ID)
		return nil
	}

	fillDelta := upd.FilledQty - order.FilledQty

	if order.VenueID == "" && upd.VenueID != "" {
		order.VenueID = upd.VenueID
	}
	order.Status = upd.Status
	order.FilledQty = upd.FilledQty
	if upd.FilledAvgPrice > 0 {
		order.FilledAvgPrice = upd.FilledAvgPrice
	}
	order.UpdatedAt = e.now()
	if err := e.store.UpdateOrder(ctx, order); err != nil {
		return fmt.Errorf("recording fill for %s: %w", order.ID, err)
	}

	if fillDelta > 0 {
		if err := e.applyPositionDelta(ctx, order, fillDelta); err != nil {
			return err
		}
	}

	// An order that dies at the venue short of its quantity can leave an
	// open position whose watch is parked on an in-flight exit that will
	// never fill. Hand the position back so the stop re-arms.
	if order.Status.Terminal() && order.FilledQty < order.Qty && !e.venue.SupportsLinkedOrders() {
		if pos, perr := e.store.GetPosition(ctx, order.Symbol); perr == nil && pos.Qty != 0 {
			e.watcher.Track(*pos)
			e.log.Warn("order ended unfilled with an open position, watch re-armed",
				"order", order.ID, "symbol", order.Symbol, "status", order.Status)
		}
	}
	return nil
}

// applyPositionDelta folds a fill delta into the symbol's position. Caller
// holds the symbol lock.
func (e *Engine) applyPositionDelta(ctx context.Context, order *domain.Order, delta int64) error {
	signed := delta
	if order.Side == domain.SideSell {
		signed = -signed
	}

	pos, err := e.store.GetPosition(ctx, order.Symbol)
	if errors.Is(err, ledger.ErrNotFound) {
		pos = &domain.Position{Symbol: order.Symbol}
	} else if err != nil {
		return err
	}

	price := order.FilledAvgPrice
	newQty := pos.Qty + signed
	switch {
	case pos.Qty == 0 || (newQty != 0 && (pos.Qty > 0) != (newQty > 0)):
		// Fresh position, or a fill that flipped the side.
		pos.AvgCost = price
		pos.StopPrice = order.StopPrice
		pos.TargetPrice = order.TargetPrice
	case (signed > 0) == (pos.Qty > 0):
		// Adding to the position: weighted average cost.
		total := float64(abs64(pos.Qty))*pos.AvgCost + float64(abs64(signed))*price
		pos.AvgCost = total / float64(abs64(newQty))
		if order.StopPrice > 0 {
			pos.StopPrice = order.StopPrice
		}
		if order.TargetPrice > 0 {
			pos.TargetPrice = order.TargetPrice
		}
	}
	pos.Qty = newQty
	pos.OrderIDs = appendUnique(pos.OrderIDs, order.ID)
	pos.UpdatedAt = e.now()

	if newQty == 0 {
		if err := e.store.DeletePosition(ctx, order.Symbol); err != nil {
			return err
		}
		e.watcher.Forget(order.Symbol)
		e.log.Info("position closed", "symbol", order.Symbol, "order", order.ID)
	} else {
		if err := e.store.SavePosition(ctx, pos); err != nil {
			return err
		}
		if !e.venue.SupportsLinkedOrders() {
			e.watcher.Track(*pos)
		}
		e.log.Info("position updated",
			"symbol", order.Symbol, "qty", newQty, "avg_cost", pos.AvgCost)
	}

	if positions, err := e.store.ListPositions(ctx); err == nil {
		metrics.SetOpenPositions(len(positions))
	}
	return nil
}

// Run consumes the venue's order update feed until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	updates := e.venue.OrderUpdates()
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			if err := e.ApplyFill(ctx, upd); err != nil {
				e.log.Error("applying order update failed",
					"venue_id", upd.VenueID, "error", err)
			}
		}
	}
}

// Halt stops new entries. Exits stay admissible so a halted book can still
// be flattened.
func (e *Engine) Halt(reason string) {
	e.mu.Lock()
	e.halted = true
	e.haltWhy = reason
	e.mu.Unlock()
	e.log.Error("trading halted", "reason", reason)
}

// Resume lifts a halt and re-arms the emergency close.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.halted = false
	e.haltWhy = ""
	e.flattening = false
	e.mu.Unlock()
	e.log.Info("trading resumed")
}

// Halted reports whether trading is halted, and why.
func (e *Engine) Halted() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted, e.haltWhy
}

// Drain refuses new entries ahead of shutdown and waits for in-flight
// submissions to finish their venue calls, up to ctx's deadline.
func (e *Engine) Drain(ctx context.Context) error {
	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()
	e.log.Info("engine draining")

	done := make(chan struct{})
	go func() {
		e.mu.Lock()
		for e.inflight > 0 {
			e.cond.Wait()
		}
		e.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.log.Warn("drain gave up with submissions still in flight")
		return ctx.Err()
	}
}

// EmergencyClose flattens the book when the account's daily loss breaches
// the limit: it halts trading and submits a market exit for every open
// position. The flatten fires once per halt; Resume re-arms it.
func (e *Engine) EmergencyClose(ctx context.Context) error {
	info, err := e.venue.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("reading account state: %w", err)
	}
	if !e.gate.ShouldEmergencyClose(info.DailyPnLPct) {
		return nil
	}

	e.mu.Lock()
	if e.flattening {
		e.mu.Unlock()
		return nil
	}
	e.flattening = true
	e.mu.Unlock()

	e.Halt(fmt.Sprintf("daily loss limit breached (%.2f%%)", -info.DailyPnLPct*100))

	positions, err := e.store.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("listing positions: %w", err)
	}
	for _, pos := range positions {
		side := domain.SideSell
		if pos.Qty < 0 {
			side = domain.SideBuy
		}
		intent := domain.TradeIntent{
			Symbol: pos.Symbol,
			Side:   side,
			Qty:    abs64(pos.Qty),
			Kind:   domain.KindMarket,
			Exit:   true,
			Reason: "emergency close: daily loss limit",
		}
		if _, err := e.Submit(ctx, intent); err != nil {
			e.log.Error("emergency close submission failed",
				"symbol", pos.Symbol, "error", err)
		}
	}
	return nil
}

// TryLockSymbol attempts to take the symbol's submission lock without
// blocking. Reconciliation uses it to skip symbols with an in-flight
// submission. The caller must release with UnlockSymbol.
func (e *Engine) TryLockSymbol(symbol string) bool {
	return e.symbolLock(symbol).TryLock()
}

// UnlockSymbol releases a lock taken with TryLockSymbol.
func (e *Engine) UnlockSymbol(symbol string) {
	e.symbolLock(symbol).Unlock()
}

// ---- internals ----

// admissible also registers the submission as in flight; the caller must
// pair a successful return with endSubmit.
func (e *Engine) admissible(intent domain.TradeIntent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted && !intent.Exit {
		return fmt.Errorf("%w: %s", domain.ErrTradingHalted, e.haltWhy)
	}
	if e.draining && !intent.Exit {
		return ErrDraining
	}
	e.inflight++
	return nil
}

func (e *Engine) endSubmit() {
	e.mu.Lock()
	e.inflight--
	e.mu.Unlock()
	e.cond.Broadcast()
}

// roundIntent snaps all prices to the venue tick grid before any risk
// arithmetic so the gate sees the prices that will actually be sent.
func (e *Engine) roundIntent(intent *domain.TradeIntent) error {
	round := func(p *float64) error {
		if *p <= 0 {
			return nil
		}
		r, err := norm.RoundToTick(*p, e.ticks)
		if err != nil {
			return &domain.ValidationError{Reason: err.Error()}
		}
		*p = r
		return nil
	}
	if err := round(&intent.LimitPrice); err != nil {
		return err
	}
	if err := round(&intent.StopPrice); err != nil {
		return err
	}
	return round(&intent.TargetPrice)
}

func (e *Engine) accountState(ctx context.Context) (*safety.AccountState, error) {
	info, err := e.venue.GetAccount(ctx)
	if err != nil {
		return nil, err
	}
	positions, err := e.store.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	return &safety.AccountState{
		Equity:      info.Equity,
		Cash:        info.Cash,
		DailyPnLPct: info.DailyPnLPct,
		Positions:   positions,
	}, nil
}

func (e *Engine) symbolLock(symbol string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.symLocks[symbol]
	if !ok {
		lock = &sync.Mutex{}
		e.symLocks[symbol] = lock
	}
	return lock
}

func appendUnique(ids []string, id string) []string {
	for _, have := range ids {
		if have == id {
			return ids
		}
	}
	return append(ids, id)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
