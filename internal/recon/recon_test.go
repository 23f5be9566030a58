package recon

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"catalyst/internal/alert"
	"catalyst/internal/audit"
	"catalyst/internal/domain"
	"catalyst/internal/ledger"
	"catalyst/internal/venue"
)

// engineSpy records the engine calls the reconciler makes.
type engineSpy struct {
	mu      sync.Mutex
	fills   []venue.OrderUpdate
	halted  bool
	haltWhy string
	busy    map[string]bool // symbols refusing the lock
}

func newEngineSpy() *engineSpy { return &engineSpy{busy: make(map[string]bool)} }

func (e *engineSpy) ApplyFill(_ context.Context, upd venue.OrderUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fills = append(e.fills, upd)
	return nil
}

func (e *engineSpy) Halt(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.halted = true
	e.haltWhy = reason
}

func (e *engineSpy) TryLockSymbol(symbol string) bool { return !e.busy[symbol] }
func (e *engineSpy) UnlockSymbol(string)              {}

type watcherSpy struct {
	mu      sync.Mutex
	tracked map[string]domain.Position
}

func newWatcherSpy() *watcherSpy { return &watcherSpy{tracked: make(map[string]domain.Position)} }

func (w *watcherSpy) Track(pos domain.Position) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tracked[pos.Symbol] = pos
}

func (w *watcherSpy) Forget(symbol string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.tracked, symbol)
}

type aliveStub struct{ alive bool }

func (s *aliveStub) Alive() bool { return s.alive }

type alertSpy struct {
	mu    sync.Mutex
	fatal int
}

func (a *alertSpy) Notify(_ context.Context, sev alert.Severity, _, _ string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if sev == alert.SeverityFatal {
		a.fatal++
	}
}

type reconRig struct {
	recon   *Reconciler
	sim     *venue.Simulator
	store   ledger.Store
	engine  *engineSpy
	watcher *watcherSpy
	alerts  *alertSpy
	session *aliveStub
}

func newReconRig(t *testing.T, store ledger.Store) *reconRig {
	t.Helper()
	sim := venue.NewSimulator(1_000_000)
	if err := sim.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if store == nil {
		s, err := ledger.NewSQLiteLedger(filepath.Join(t.TempDir(), "ledger.db"))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { s.Close() })
		store = s
	}

	eng := newEngineSpy()
	watcher := newWatcherSpy()
	alerts := &alertSpy{}
	session := &aliveStub{alive: true}
	journal := audit.NewJournal(t.TempDir())

	r := New(DefaultConfig(), sim, store, journal, eng, watcher, session, alerts, slog.Default())
	return &reconRig{recon: r, sim: sim, store: store, engine: eng, watcher: watcher, alerts: alerts, session: session}
}

func ledgerPosition(symbol string, qty int64) *domain.Position {
	return &domain.Position{
		Symbol:    symbol,
		Qty:       qty,
		AvgCost:   8.00,
		StopPrice: 7.60,
		UpdatedAt: time.Now(),
	}
}

func TestPhantomPositionRemoved(t *testing.T) {
	r := newReconRig(t, nil)
	ctx := context.Background()

	if err := r.store.SavePosition(ctx, ledgerPosition("700", 400)); err != nil {
		t.Fatal(err)
	}
	r.watcher.Track(*ledgerPosition("700", 400))

	if err := r.recon.ReconcileOnce(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if _, err := r.store.GetPosition(ctx, "700"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("phantom position survived: %v", err)
	}
	if _, ok := r.watcher.tracked["700"]; ok {
		t.Error("watch not retired with the phantom position")
	}

	all, _ := r.store.ListDiscrepancies(ctx, false)
	if len(all) != 1 || all[0].Kind != domain.DiscrepancyPhantomPosition || !all[0].Resolved {
		t.Errorf("discrepancies = %+v", all)
	}
}

func TestMissingPositionAdoptedWithSyntheticStop(t *testing.T) {
	r := newReconRig(t, nil)
	ctx := context.Background()

	r.sim.ForcePosition("5", 500, 50.00)

	if err := r.recon.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}

	pos, err := r.store.GetPosition(ctx, "5")
	if err != nil {
		t.Fatalf("venue position not adopted: %v", err)
	}
	if pos.Qty != 500 || pos.AvgCost != 50.00 {
		t.Errorf("adopted position = %+v", pos)
	}
	// Every ledger position carries a stop; the adopted one sits at the
	// maximum allowed distance from cost.
	if pos.StopPrice != 47.5 {
		t.Errorf("synthetic stop = %v, want 47.5", pos.StopPrice)
	}
	if _, ok := r.watcher.tracked["5"]; !ok {
		t.Error("adopted position not watched")
	}
}

func TestQuantityMismatchCorrectedToVenue(t *testing.T) {
	r := newReconRig(t, nil)
	ctx := context.Background()

	if err := r.store.SavePosition(ctx, ledgerPosition("700", 400)); err != nil {
		t.Fatal(err)
	}
	r.sim.ForcePosition("700", 200, 8.00)

	if err := r.recon.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}

	pos, _ := r.store.GetPosition(ctx, "700")
	if pos.Qty != 200 {
		t.Errorf("qty = %d, want venue's 200", pos.Qty)
	}
	if pos.StopPrice != 7.60 {
		t.Errorf("correction lost the stop: %v", pos.StopPrice)
	}
}

func TestBusySymbolSkipped(t *testing.T) {
	r := newReconRig(t, nil)
	ctx := context.Background()

	if err := r.store.SavePosition(ctx, ledgerPosition("700", 400)); err != nil {
		t.Fatal(err)
	}
	r.engine.busy["700"] = true

	if err := r.recon.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}

	// The divergence is real but the symbol has an in-flight submission,
	// so this pass must leave it alone.
	if _, err := r.store.GetPosition(ctx, "700"); err != nil {
		t.Errorf("busy symbol was corrected anyway: %v", err)
	}
	all, _ := r.store.ListDiscrepancies(ctx, false)
	if len(all) != 0 {
		t.Errorf("busy symbol produced findings: %+v", all)
	}
}

func TestStaleOrderSettledFromVenue(t *testing.T) {
	r := newReconRig(t, nil)
	ctx := context.Background()

	// The venue filled the order but the push was lost: the ledger still
	// says acknowledged.
	r.sim.SetQuote("700", 8.00)
	ack, err := r.sim.PlaceOrder(ctx, venue.PlaceOrderRequest{
		ClientOrderID: "ord-1", Symbol: "700", Side: domain.SideBuy,
		Qty: 400, Kind: domain.KindMarket,
	})
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	o := &domain.Order{
		ID: "ord-1", Symbol: "700", Side: domain.SideBuy, Qty: 400,
		Kind: domain.KindMarket, Status: domain.OrderStatusCreated,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := r.store.SaveOrder(ctx, o); err != nil {
		t.Fatal(err)
	}
	o.Status = domain.OrderStatusSubmitted
	if err := r.store.UpdateOrder(ctx, o); err != nil {
		t.Fatal(err)
	}
	o.VenueID = ack.VenueID
	o.Status = domain.OrderStatusAcknowledged
	if err := r.store.UpdateOrder(ctx, o); err != nil {
		t.Fatal(err)
	}

	if err := r.recon.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}

	r.engine.mu.Lock()
	defer r.engine.mu.Unlock()
	if len(r.engine.fills) != 1 {
		t.Fatalf("fills applied = %d, want 1", len(r.engine.fills))
	}
	if r.engine.fills[0].Status != domain.OrderStatusFilled {
		t.Errorf("settled status = %q", r.engine.fills[0].Status)
	}
}

func TestLostSubmitExpired(t *testing.T) {
	r := newReconRig(t, nil)
	ctx := context.Background()

	now := time.Now()
	o := &domain.Order{
		ID: "ord-lost", Symbol: "700", Side: domain.SideBuy, Qty: 400,
		Kind: domain.KindLimit, LimitPrice: 8.00,
		Status: domain.OrderStatusCreated, CreatedAt: now, UpdatedAt: now,
	}
	if err := r.store.SaveOrder(ctx, o); err != nil {
		t.Fatal(err)
	}
	o.Status = domain.OrderStatusSubmitted
	if err := r.store.UpdateOrder(ctx, o); err != nil {
		t.Fatal(err)
	}

	if err := r.recon.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}

	r.engine.mu.Lock()
	defer r.engine.mu.Unlock()
	if len(r.engine.fills) != 1 || r.engine.fills[0].Status != domain.OrderStatusExpired {
		t.Fatalf("lost submit not expired: %+v", r.engine.fills)
	}
}

// stubbornStore makes phantom corrections fail so the finding recurs.
type stubbornStore struct {
	ledger.Store
}

func (s *stubbornStore) DeletePosition(context.Context, string) error {
	return errors.New("disk full")
}

func TestPersistentDiscrepancyHaltsTrading(t *testing.T) {
	base, err := ledger.NewSQLiteLedger(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { base.Close() })
	r := newReconRig(t, &stubbornStore{Store: base})
	ctx := context.Background()

	if err := r.store.SavePosition(ctx, ledgerPosition("700", 400)); err != nil {
		t.Fatal(err)
	}

	if err := r.recon.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}
	r.engine.mu.Lock()
	halted := r.engine.halted
	r.engine.mu.Unlock()
	if halted {
		t.Fatal("single finding must not halt trading")
	}

	if err := r.recon.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}
	r.engine.mu.Lock()
	halted = r.engine.halted
	r.engine.mu.Unlock()
	if !halted {
		t.Fatal("finding surviving two passes must halt trading")
	}
	r.alerts.mu.Lock()
	defer r.alerts.mu.Unlock()
	if r.alerts.fatal == 0 {
		t.Error("no fatal alert on escalation")
	}
}

func TestNoSessionSkipsPass(t *testing.T) {
	r := newReconRig(t, nil)
	ctx := context.Background()

	if err := r.store.SavePosition(ctx, ledgerPosition("700", 400)); err != nil {
		t.Fatal(err)
	}
	r.session.alive = false

	if err := r.recon.ReconcileOnce(ctx); err != nil {
		t.Fatalf("pass without session should be a no-op, got %v", err)
	}
	if _, err := r.store.GetPosition(ctx, "700"); err != nil {
		t.Errorf("pass without session touched the ledger: %v", err)
	}
}

func TestCleanLedgerProducesNoFindings(t *testing.T) {
	r := newReconRig(t, nil)
	ctx := context.Background()

	r.sim.ForcePosition("700", 400, 8.00)
	if err := r.store.SavePosition(ctx, ledgerPosition("700", 400)); err != nil {
		t.Fatal(err)
	}

	if err := r.recon.ReconcileOnce(ctx); err != nil {
		t.Fatal(err)
	}
	all, _ := r.store.ListDiscrepancies(ctx, false)
	if len(all) != 0 {
		t.Errorf("clean state produced findings: %+v", all)
	}
}
