package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"catalyst/internal/domain"
	"catalyst/internal/ledger"
)

type engineStub struct {
	halted bool
	reason string
}

func (e *engineStub) Halt(reason string)     { e.halted, e.reason = true, reason }
func (e *engineStub) Resume()                { e.halted, e.reason = false, "" }
func (e *engineStub) Halted() (bool, string) { return e.halted, e.reason }

type sessionStub struct {
	alive        bool
	reconnectErr error
}

func (s *sessionStub) Alive() bool { return s.alive }
func (s *sessionStub) Dead() bool  { return !s.alive }

func (s *sessionStub) Reconnect(context.Context) error {
	if s.reconnectErr != nil {
		return s.reconnectErr
	}
	s.alive = true
	return nil
}

func newTestServer(t *testing.T) (*Server, *engineStub, ledger.Store) {
	t.Helper()
	store, err := ledger.NewSQLiteLedger(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	eng := &engineStub{}
	return NewServer(eng, &sessionStub{alive: true}, store, slog.Default()), eng, store
}

func TestStatusReportsLedgerCounts(t *testing.T) {
	srv, _, store := newTestServer(t)
	if err := store.SavePosition(context.Background(), &domain.Position{
		Symbol: "700", Qty: 400, AvgCost: 8.0, StopPrice: 7.6, UpdatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var st StatusJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if !st.SessionAlive || st.Halted || st.OpenPositions != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestHaltRequiresReason(t *testing.T) {
	srv, eng, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/api/halt", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty reason accepted: %d", rec.Code)
	}
	if eng.halted {
		t.Error("engine halted without a reason")
	}
}

func TestHaltAndResumeRoundTrip(t *testing.T) {
	srv, eng, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/api/halt",
		strings.NewReader(`{"reason":"fat finger"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("halt status = %d", rec.Code)
	}
	if !eng.halted || !strings.Contains(eng.reason, "fat finger") {
		t.Errorf("engine = %+v", eng)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/api/resume", nil))
	if rec.Code != http.StatusOK || eng.halted {
		t.Errorf("resume failed: status %d, halted %v", rec.Code, eng.halted)
	}
}

func TestReconnectRestoresDeadSession(t *testing.T) {
	store, err := ledger.NewSQLiteLedger(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	sess := &sessionStub{alive: false}
	srv := NewServer(&engineStub{}, sess, store, slog.Default())
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/api/reconnect", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("reconnect status = %d", rec.Code)
	}
	if !sess.alive {
		t.Error("reconnect did not restore the session")
	}

	sess.alive = false
	sess.reconnectErr = errors.New("gateway unreachable")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/api/reconnect", nil))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("failed reconnect status = %d, want 502", rec.Code)
	}
}

func TestFindingsFiltersResolved(t *testing.T) {
	srv, _, store := newTestServer(t)
	ctx := context.Background()

	open := domain.Discrepancy{Kind: domain.DiscrepancyPhantomPosition, Symbol: "700", DetectedAt: time.Now()}
	if err := store.SaveDiscrepancy(ctx, &open); err != nil {
		t.Fatal(err)
	}
	closed := domain.Discrepancy{Kind: domain.DiscrepancyStaleOrder, Symbol: "5", DetectedAt: time.Now()}
	if err := store.SaveDiscrepancy(ctx, &closed); err != nil {
		t.Fatal(err)
	}
	if err := store.ResolveDiscrepancy(ctx, closed.ID); err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/api/findings", nil))
	var got []domain.Discrepancy
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Symbol != "700" {
		t.Errorf("open findings = %+v", got)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/api/findings?all=1", nil))
	got = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("all findings = %d, want 2", len(got))
	}
}
