// Package recon periodically diffs the ledger against venue-reported state
// and corrects divergence. The venue is ground truth: the ledger is
// rewritten to match it, never the other way around. Every finding is
// recorded in the ledger and the audit journal; a finding that survives two
// consecutive passes halts trading and pages the operator.
package recon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"catalyst/internal/alert"
	"catalyst/internal/audit"
	"catalyst/internal/domain"
	"catalyst/internal/ledger"
	"catalyst/internal/metrics"
	"catalyst/internal/util"
	"catalyst/internal/venue"
)

// OrderEngine is the engine surface reconciliation drives.
type OrderEngine interface {
	ApplyFill(ctx context.Context, upd venue.OrderUpdate) error
	Halt(reason string)
	TryLockSymbol(symbol string) bool
	UnlockSymbol(symbol string)
}

// Watcher mirrors the stop/target supervisor so corrections keep watches in
// step with corrected positions.
type Watcher interface {
	Track(pos domain.Position)
	Forget(symbol string)
}

// Session reports venue session health.
type Session interface {
	Alive() bool
}

// Config tunes the reconciler.
type Config struct {
	Interval        time.Duration
	SnapshotRetries int
	RetryDelay      time.Duration
	// MaxStopLossPct sizes the synthetic stop given to a position the venue
	// knows about but the ledger does not.
	MaxStopLossPct float64
}

// DefaultConfig returns the standard reconciliation tuning.
func DefaultConfig() Config {
	return Config{
		Interval:        30 * time.Second,
		SnapshotRetries: 3,
		RetryDelay:      time.Second,
		MaxStopLossPct:  0.05,
	}
}

// Reconciler diffs ledger state against venue snapshots.
type Reconciler struct {
	cfg     Config
	venue   venue.Venue
	store   ledger.Store
	journal *audit.Journal
	engine  OrderEngine
	watcher Watcher
	session Session
	alerter alert.Alerter
	log     *slog.Logger
	now     func() time.Time

	// strikes counts consecutive passes a finding has been present.
	strikes map[string]int
}

// New creates a Reconciler.
func New(cfg Config, v venue.Venue, store ledger.Store, journal *audit.Journal, eng OrderEngine, watcher Watcher, session Session, alerter alert.Alerter, log *slog.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.SnapshotRetries <= 0 {
		cfg.SnapshotRetries = DefaultConfig().SnapshotRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}
	if cfg.MaxStopLossPct <= 0 {
		cfg.MaxStopLossPct = DefaultConfig().MaxStopLossPct
	}
	return &Reconciler{
		cfg:     cfg,
		venue:   v,
		store:   store,
		journal: journal,
		engine:  eng,
		watcher: watcher,
		session: session,
		alerter: alerter,
		log:     log.With("component", "recon"),
		now:     time.Now,
		strikes: make(map[string]int),
	}
}

// Run reconciles on the configured interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := r.ReconcileOnce(ctx); err != nil {
			metrics.IncReconRun("error")
			r.log.Error("reconciliation pass failed", "error", err)
		} else {
			metrics.IncReconRun("ok")
		}
	}
}

// ReconcileOnce runs a single reconciliation pass: snapshot, diff, correct,
// record, escalate. A pass with no session is skipped rather than failed so
// a reconnecting venue does not accumulate strikes.
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	if !r.session.Alive() {
		r.log.Info("skipping reconciliation: no venue session")
		return nil
	}

	var snap *domain.BrokerSnapshot
	err := util.Retry(ctx, r.cfg.SnapshotRetries, r.cfg.RetryDelay, func() error {
		var serr error
		snap, serr = venue.Snapshot(ctx, r.venue)
		return serr
	})
	if err != nil {
		return fmt.Errorf("taking venue snapshot: %w", err)
	}

	var findings []domain.Discrepancy
	findings = append(findings, r.reconcilePositions(ctx, snap)...)
	findings = append(findings, r.reconcileOrders(ctx, snap)...)

	if len(findings) > 0 {
		if err := r.journal.Append(ctx, findings); err != nil {
			r.log.Error("journaling discrepancies failed", "error", err)
		}
	}
	r.escalate(ctx, findings)
	return nil
}

// reconcilePositions diffs ledger positions against the snapshot and
// rewrites the ledger to match. Symbols with an in-flight submission are
// skipped this pass.
func (r *Reconciler) reconcilePositions(ctx context.Context, snap *domain.BrokerSnapshot) []domain.Discrepancy {
	ledgerPositions, err := r.store.ListPositions(ctx)
	if err != nil {
		r.log.Error("listing ledger positions failed", "error", err)
		return nil
	}

	venueBySymbol := make(map[string]domain.VenuePosition, len(snap.Positions))
	for _, p := range snap.Positions {
		venueBySymbol[p.Symbol] = p
	}

	var findings []domain.Discrepancy

	for _, lp := range ledgerPositions {
		vp, atVenue := venueBySymbol[lp.Symbol]
		delete(venueBySymbol, lp.Symbol)

		if atVenue && vp.Qty == lp.Qty {
			continue
		}
		if !r.engine.TryLockSymbol(lp.Symbol) {
			r.log.Info("skipping symbol with in-flight submission", "symbol", lp.Symbol)
			continue
		}

		var d domain.Discrepancy
		if !atVenue {
			d = r.newFinding(ctx, domain.DiscrepancyPhantomPosition, lp.Symbol, "",
				fmt.Sprintf("ledger has %d shares, venue has none", lp.Qty))
			if err := r.store.DeletePosition(ctx, lp.Symbol); err != nil {
				r.log.Error("removing phantom position failed", "symbol", lp.Symbol, "error", err)
			} else {
				r.watcher.Forget(lp.Symbol)
				r.resolve(ctx, &d)
			}
		} else {
			d = r.newFinding(ctx, domain.DiscrepancyQuantityMismatch, lp.Symbol, "",
				fmt.Sprintf("ledger has %d shares, venue has %d", lp.Qty, vp.Qty))
			corrected := lp
			corrected.Qty = vp.Qty
			corrected.AvgCost = vp.AvgCost
			corrected.UpdatedAt = r.now()
			if err := r.store.SavePosition(ctx, &corrected); err != nil {
				r.log.Error("correcting position quantity failed", "symbol", lp.Symbol, "error", err)
			} else {
				r.watcher.Track(corrected)
				r.resolve(ctx, &d)
			}
		}
		r.engine.UnlockSymbol(lp.Symbol)
		findings = append(findings, d)
	}

	// Whatever is left at the venue has no ledger counterpart.
	for symbol, vp := range venueBySymbol {
		if !r.engine.TryLockSymbol(symbol) {
			r.log.Info("skipping symbol with in-flight submission", "symbol", symbol)
			continue
		}
		d := r.newFinding(ctx, domain.DiscrepancyMissingPosition, symbol, "",
			fmt.Sprintf("venue has %d shares, ledger has none", vp.Qty))

		// Adopt the venue position. It arrives with no protective stop, so
		// synthesize one at the maximum allowed distance from cost; the
		// operator can tighten it.
		adopted := domain.Position{
			Symbol:    symbol,
			Qty:       vp.Qty,
			AvgCost:   vp.AvgCost,
			StopPrice: syntheticStop(vp, r.cfg.MaxStopLossPct),
			UpdatedAt: r.now(),
		}
		if err := r.store.SavePosition(ctx, &adopted); err != nil {
			r.log.Error("adopting venue position failed", "symbol", symbol, "error", err)
		} else {
			r.watcher.Track(adopted)
			r.resolve(ctx, &d)
		}
		r.engine.UnlockSymbol(symbol)
		findings = append(findings, d)
	}
	return findings
}

// reconcileOrders settles ledger orders whose venue state has moved on,
// including submits whose acknowledgment was lost.
func (r *Reconciler) reconcileOrders(ctx context.Context, snap *domain.BrokerSnapshot) []domain.Discrepancy {
	open, err := r.store.OpenOrders(ctx)
	if err != nil {
		r.log.Error("listing open orders failed", "error", err)
		return nil
	}

	venueOrders := make(map[string]domain.VenueOrder, len(snap.OpenOrders))
	for _, vo := range snap.OpenOrders {
		if vo.ClientOrderID != "" {
			venueOrders[vo.ClientOrderID] = vo
		}
		if vo.VenueID != "" {
			venueOrders[vo.VenueID] = vo
		}
	}

	var findings []domain.Discrepancy
	for _, o := range open {
		if vo, ok := lookupVenueOrder(venueOrders, o); ok {
			// Still open at the venue; fold in any fill progress.
			if vo.Status != o.Status || vo.FilledQty != o.FilledQty {
				r.applyVenueState(ctx, o, vo)
			}
			continue
		}

		// Not among open venue orders: it finished, or it never arrived.
		vo, err := r.lookupOrder(ctx, o)
		if err != nil {
			if o.Status == domain.OrderStatusSubmitted {
				// The venue never saw the submit. Expire it.
				d := r.newFinding(ctx, domain.DiscrepancyStaleOrder, o.Symbol, o.ID,
					"submitted order unknown to venue")
				r.applyVenueState(ctx, o, domain.VenueOrder{
					VenueID:       o.VenueID,
					ClientOrderID: o.ID,
					Status:        domain.OrderStatusExpired,
				})
				r.resolve(ctx, &d)
				findings = append(findings, d)
			} else {
				r.log.Warn("order lookup failed", "order", o.ID, "error", err)
			}
			continue
		}

		d := r.newFinding(ctx, domain.DiscrepancyStaleOrder, o.Symbol, o.ID,
			fmt.Sprintf("ledger has %s, venue reports %s", o.Status, vo.Status))
		r.applyVenueState(ctx, o, *vo)
		r.resolve(ctx, &d)
		findings = append(findings, d)
	}
	return findings
}

// applyVenueState pushes a venue-reported order state through the engine so
// fills update positions exactly as a live update would.
func (r *Reconciler) applyVenueState(ctx context.Context, o domain.Order, vo domain.VenueOrder) {
	upd := venue.OrderUpdate{
		VenueID:        vo.VenueID,
		ClientOrderID:  o.ID,
		Status:         vo.Status,
		FilledQty:      vo.FilledQty,
		FilledAvgPrice: vo.FilledAvgPrice,
	}
	if err := r.engine.ApplyFill(ctx, upd); err != nil {
		r.log.Error("applying venue order state failed", "order", o.ID, "error", err)
	}
}

// lookupOrder asks the venue for a point read of the order.
func (r *Reconciler) lookupOrder(ctx context.Context, o domain.Order) (*domain.VenueOrder, error) {
	id := o.VenueID
	if id == "" {
		id = o.ID
	}
	return r.venue.GetOrder(ctx, id)
}

// newFinding persists a new discrepancy and bumps the metric.
func (r *Reconciler) newFinding(ctx context.Context, kind domain.DiscrepancyKind, symbol, orderID, detail string) domain.Discrepancy {
	d := domain.Discrepancy{
		Kind:       kind,
		Symbol:     symbol,
		OrderID:    orderID,
		Detail:     detail,
		DetectedAt: r.now(),
	}
	if err := r.store.SaveDiscrepancy(ctx, &d); err != nil {
		r.log.Error("recording discrepancy failed", "error", err)
	}
	metrics.IncDiscrepancy(string(kind))
	r.log.Warn("discrepancy detected",
		"kind", kind, "symbol", symbol, "order", orderID, "detail", detail)
	return d
}

// resolve marks a corrected finding resolved in the ledger.
func (r *Reconciler) resolve(ctx context.Context, d *domain.Discrepancy) {
	d.Resolved = true
	d.ResolvedAt = r.now()
	if d.ID != 0 {
		if err := r.store.ResolveDiscrepancy(ctx, d.ID); err != nil {
			r.log.Error("resolving discrepancy failed", "id", d.ID, "error", err)
		}
	}
}

// escalate tracks findings across passes. A finding whose key shows up in
// two consecutive passes means corrections are not sticking; that is a
// fatal condition.
func (r *Reconciler) escalate(ctx context.Context, findings []domain.Discrepancy) {
	current := make(map[string]struct{}, len(findings))
	for _, d := range findings {
		key := fmt.Sprintf("%s|%s|%s", d.Kind, d.Symbol, d.OrderID)
		current[key] = struct{}{}
		r.strikes[key]++
		if r.strikes[key] >= 2 {
			reason := fmt.Sprintf("discrepancy persists across passes: %s %s", d.Kind, d.Symbol)
			r.alerter.Notify(ctx, alert.SeverityFatal, "reconciliation escalation", reason)
			r.engine.Halt(reason)
		}
	}
	// Findings that cleared this pass drop their strikes.
	for key := range r.strikes {
		if _, still := current[key]; !still {
			delete(r.strikes, key)
		}
	}
}

func lookupVenueOrder(m map[string]domain.VenueOrder, o domain.Order) (domain.VenueOrder, bool) {
	if o.VenueID != "" {
		if vo, ok := m[o.VenueID]; ok {
			return vo, true
		}
	}
	vo, ok := m[o.ID]
	return vo, ok
}

// syntheticStop places an adopted position's stop at the maximum allowed
// distance from its average cost.
func syntheticStop(vp domain.VenuePosition, maxStopPct float64) float64 {
	if vp.Qty > 0 {
		return vp.AvgCost * (1 - maxStopPct)
	}
	return vp.AvgCost * (1 + maxStopPct)
}
