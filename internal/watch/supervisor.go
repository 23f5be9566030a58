// Package watch emulates protective stop and target orders for venues that
// cannot link exits natively. The supervisor tracks every open position's
// stop and target and fires a market exit through the engine when a quote
// crosses either level.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"catalyst/internal/domain"
	"catalyst/internal/metrics"
)

// Submitter accepts exit intents. The engine implements it.
type Submitter interface {
	Submit(ctx context.Context, intent domain.TradeIntent) (*domain.Order, error)
}

const (
	exitStopLoss   = "stop_loss"
	exitTakeProfit = "take_profit"
)

type watchState struct {
	pos domain.Position
	// exitPending guards against firing a second exit for the same
	// position while the first is in flight. It is cleared if the submit
	// fails so the next quote can retry.
	exitPending bool
}

// Supervisor watches positions and fires exits on stop or target breaches.
type Supervisor struct {
	submitter Submitter
	log       *slog.Logger

	mu      sync.Mutex
	watches map[string]*watchState
}

// NewSupervisor creates a Supervisor submitting exits through s.
func NewSupervisor(s Submitter, log *slog.Logger) *Supervisor {
	return &Supervisor{
		submitter: s,
		log:       log.With("component", "watch"),
		watches:   make(map[string]*watchState),
	}
}

// Track starts or refreshes the watch for a position. A refresh after a
// partial exit re-arms the watch for the remaining quantity.
func (s *Supervisor) Track(pos domain.Position) {
	if pos.Qty == 0 {
		s.Forget(pos.Symbol)
		return
	}
	s.mu.Lock()
	s.watches[pos.Symbol] = &watchState{pos: pos}
	s.mu.Unlock()
	s.log.Info("watching position",
		"symbol", pos.Symbol, "qty", pos.Qty,
		"stop", pos.StopPrice, "target", pos.TargetPrice)
}

// Forget stops watching a symbol.
func (s *Supervisor) Forget(symbol string) {
	s.mu.Lock()
	_, had := s.watches[symbol]
	delete(s.watches, symbol)
	s.mu.Unlock()
	if had {
		s.log.Info("watch retired", "symbol", symbol)
	}
}

// Watching reports whether a symbol is under watch.
func (s *Supervisor) Watching(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.watches[symbol]
	return ok
}

// OnQuote evaluates one price observation. A quote that gapped past a stop
// or target still triggers: the comparison is at-or-beyond, not equality.
func (s *Supervisor) OnQuote(ctx context.Context, q domain.Quote) {
	s.mu.Lock()
	w, ok := s.watches[q.Symbol]
	if !ok || w.exitPending {
		s.mu.Unlock()
		return
	}
	kind, triggered := trigger(w.pos, q.Price)
	if !triggered {
		s.mu.Unlock()
		return
	}
	w.exitPending = true
	pos := w.pos
	s.mu.Unlock()

	side := domain.SideSell
	if !pos.Long() {
		side = domain.SideBuy
	}
	intent := domain.TradeIntent{
		Symbol:    pos.Symbol,
		Side:      side,
		Qty:       abs64(pos.Qty),
		Kind:      domain.KindMarket,
		MarkPrice: q.Price,
		Reason:    fmt.Sprintf("%s triggered at %v", kind, q.Price),
		Exit:      true,
	}

	s.log.Warn("exit triggered",
		"symbol", pos.Symbol, "kind", kind, "price", q.Price,
		"stop", pos.StopPrice, "target", pos.TargetPrice)

	if _, err := s.submitter.Submit(ctx, intent); err != nil {
		// Clear the guard so the next quote retries the exit.
		s.mu.Lock()
		if cur, ok := s.watches[pos.Symbol]; ok {
			cur.exitPending = false
		}
		s.mu.Unlock()
		s.log.Error("exit submission failed", "symbol", pos.Symbol, "error", err)
		return
	}
	metrics.IncExit(kind, string(side))
}

// Run consumes the quote feed until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context, quotes <-chan domain.Quote) {
	for {
		select {
		case <-ctx.Done():
			return
		case q, ok := <-quotes:
			if !ok {
				return
			}
			metrics.IncQuote()
			s.OnQuote(ctx, q)
		}
	}
}

// trigger reports which exit, if any, the price crosses.
func trigger(pos domain.Position, price float64) (string, bool) {
	if pos.Long() {
		if pos.StopPrice > 0 && price <= pos.StopPrice {
			return exitStopLoss, true
		}
		if pos.TargetPrice > 0 && price >= pos.TargetPrice {
			return exitTakeProfit, true
		}
		return "", false
	}
	if pos.StopPrice > 0 && price >= pos.StopPrice {
		return exitStopLoss, true
	}
	if pos.TargetPrice > 0 && price <= pos.TargetPrice {
		return exitTakeProfit, true
	}
	return "", false
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
