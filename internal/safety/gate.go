// Package safety validates proposed trades against the risk policy before
// any venue call is made. It is the last line of defense in front of the
// order lifecycle manager: an intent that fails here never creates an Order.
package safety

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"catalyst/internal/domain"
	"catalyst/internal/norm"
	"catalyst/internal/util"
)

// Limits is the risk limit configuration.
type Limits struct {
	MaxPositions     int     `yaml:"max_positions"`
	MaxPositionPct   float64 `yaml:"max_position_pct"`
	MinPositionValue float64 `yaml:"min_position_value"`
	MaxDailyLossPct  float64 `yaml:"max_daily_loss_pct"`
	WarningLossPct   float64 `yaml:"warning_loss_pct"`
	MaxTradeRiskPct  float64 `yaml:"max_trade_risk_pct"`
	MaxDailyTrades   int     `yaml:"max_daily_trades"`
	MinRiskReward    float64 `yaml:"min_risk_reward"`
	MaxStopLossPct   float64 `yaml:"max_stop_loss_pct"`
	LotSize          int64   `yaml:"lot_size"`
}

// DefaultLimits returns the standard HKD risk limits.
func DefaultLimits() Limits {
	return Limits{
		MaxPositions:     5,
		MaxPositionPct:   0.20,
		MinPositionValue: 10000,
		MaxDailyLossPct:  0.02,
		WarningLossPct:   0.015,
		MaxTradeRiskPct:  0.01,
		MaxDailyTrades:   10,
		MinRiskReward:    2.0,
		MaxStopLossPct:   0.05,
		LotSize:          100,
	}
}

// AccountState is the ledger/account view a check runs against.
type AccountState struct {
	Equity      float64
	Cash        float64
	DailyPnLPct float64 // fraction, negative when losing
	Positions   []domain.Position
}

// Gate validates trade intents against the configured limits. It also
// tracks the daily trade count, which resets on the HK calendar date.
type Gate struct {
	limits Limits
	cal    *util.TradingCalendar
	now    func() time.Time
	log    *slog.Logger

	mu          sync.Mutex
	dailyTrades int
	tradeDate   string
}

// NewGate creates a Gate with the given limits.
func NewGate(limits Limits, log *slog.Logger) *Gate {
	return &Gate{
		limits: limits,
		cal:    util.NewTradingCalendar(),
		now:    time.Now,
		log:    log.With("component", "safety"),
	}
}

// SetClock overrides the gate's clock; tests use this to pin market hours.
func (g *Gate) SetClock(now func() time.Time) { g.now = now }

// Check validates intent against the risk policy. It returns nil on
// approval or a *domain.ValidationError describing the first violated rule.
// Risk-reducing exits skip the position-count, sizing, cash, and
// risk/reward checks but are never exempt from market-hours or lot checks.
func (g *Gate) Check(intent domain.TradeIntent, acct AccountState) error {
	g.resetDailyCounters()

	var warnings []string

	// Market hours.
	if open, status := g.cal.IsMarketOpen(g.now()); !open {
		return &domain.ValidationError{Reason: status}
	}

	// Lot size.
	if !norm.ValidLot(intent.Qty, g.limits.LotSize) {
		return &domain.ValidationError{
			Reason: fmt.Sprintf("quantity must be a positive multiple of %d (board lot)", g.limits.LotSize),
		}
	}

	// Daily loss limit. Exits are allowed through so a losing day can still
	// be flattened.
	if !intent.Exit && acct.DailyPnLPct <= -g.limits.MaxDailyLossPct {
		return &domain.ValidationError{
			Reason: fmt.Sprintf("daily loss limit reached (%.2f%% >= %.2f%%)",
				-acct.DailyPnLPct*100, g.limits.MaxDailyLossPct*100),
		}
	}
	if acct.DailyPnLPct <= -g.limits.WarningLossPct {
		warnings = append(warnings, fmt.Sprintf("approaching daily loss limit (%.2f%%)", acct.DailyPnLPct*100))
	}

	// Daily trade limit.
	g.mu.Lock()
	trades := g.dailyTrades
	g.mu.Unlock()
	if trades >= g.limits.MaxDailyTrades {
		return &domain.ValidationError{
			Reason: fmt.Sprintf("daily trade limit reached (%d/%d)", trades, g.limits.MaxDailyTrades),
		}
	}

	if intent.Exit {
		return g.checkExit(intent, acct, warnings)
	}
	return g.checkEntry(intent, acct, warnings)
}

// checkExit validates a risk-reducing intent: there must be a position to
// reduce, on the opposite side, at least as large as the exit.
func (g *Gate) checkExit(intent domain.TradeIntent, acct AccountState, warnings []string) error {
	pos, ok := findPosition(acct.Positions, intent.Symbol)
	if !ok || pos.Qty == 0 {
		return &domain.ValidationError{Reason: fmt.Sprintf("no open position for %s", intent.Symbol), Warnings: warnings}
	}
	if (pos.Qty > 0) != (intent.Side == domain.SideSell) {
		return &domain.ValidationError{Reason: "exit side does not reduce the position", Warnings: warnings}
	}
	if intent.Qty > abs64(pos.Qty) {
		return &domain.ValidationError{
			Reason:   fmt.Sprintf("exit quantity %d exceeds position %d", intent.Qty, abs64(pos.Qty)),
			Warnings: warnings,
		}
	}
	return nil
}

// checkEntry runs the full entry rule set from the risk policy.
func (g *Gate) checkEntry(intent domain.TradeIntent, acct AccountState, warnings []string) error {
	// A protective stop is mandatory for every entry.
	if intent.StopPrice <= 0 {
		return &domain.ValidationError{Reason: "entry intent missing stop-loss price", Warnings: warnings}
	}

	entryPrice := intent.LimitPrice
	if entryPrice <= 0 {
		entryPrice = intent.MarkPrice
	}
	if entryPrice <= 0 {
		return &domain.ValidationError{Reason: "entry intent missing a reference price", Warnings: warnings}
	}

	// Max positions.
	open := 0
	for _, p := range acct.Positions {
		if p.Qty != 0 {
			open++
		}
	}
	if open >= g.limits.MaxPositions {
		return &domain.ValidationError{
			Reason:   fmt.Sprintf("maximum positions reached (%d/%d)", open, g.limits.MaxPositions),
			Warnings: warnings,
		}
	}

	positionValue := float64(intent.Qty) * entryPrice
	if acct.Equity > 0 {
		if pct := positionValue / acct.Equity; pct > g.limits.MaxPositionPct {
			return &domain.ValidationError{
				Reason:   fmt.Sprintf("position too large (%.1f%% > %.1f%%)", pct*100, g.limits.MaxPositionPct*100),
				Warnings: warnings,
			}
		}
	}
	if positionValue < g.limits.MinPositionValue {
		return &domain.ValidationError{
			Reason:   fmt.Sprintf("position too small (%.0f < %.0f)", positionValue, g.limits.MinPositionValue),
			Warnings: warnings,
		}
	}
	if intent.Side == domain.SideBuy && positionValue > acct.Cash {
		return &domain.ValidationError{
			Reason:   fmt.Sprintf("insufficient cash (need %.0f, have %.0f)", positionValue, acct.Cash),
			Warnings: warnings,
		}
	}

	// Stop must protect: below entry for longs, above for shorts.
	if intent.Side == domain.SideBuy && intent.StopPrice >= entryPrice {
		return &domain.ValidationError{Reason: "stop loss must be below entry price for long positions", Warnings: warnings}
	}
	if intent.Side == domain.SideSell && intent.StopPrice <= entryPrice {
		return &domain.ValidationError{Reason: "stop loss must be above entry price for short positions", Warnings: warnings}
	}

	riskPerShare := math.Abs(entryPrice - intent.StopPrice)
	if stopPct := riskPerShare / entryPrice; stopPct > g.limits.MaxStopLossPct {
		return &domain.ValidationError{
			Reason:   fmt.Sprintf("stop loss too wide (%.1f%% > %.1f%%)", stopPct*100, g.limits.MaxStopLossPct*100),
			Warnings: warnings,
		}
	}

	if acct.Equity > 0 {
		riskPct := riskPerShare * float64(intent.Qty) / acct.Equity
		if riskPct > g.limits.MaxTradeRiskPct {
			return &domain.ValidationError{
				Reason:   fmt.Sprintf("trade risk too high (%.2f%% > %.2f%%)", riskPct*100, g.limits.MaxTradeRiskPct*100),
				Warnings: warnings,
			}
		}
	}

	// Target, when present, must be on the profitable side and clear the
	// minimum risk/reward ratio.
	if intent.TargetPrice > 0 {
		if intent.Side == domain.SideBuy && intent.TargetPrice <= entryPrice {
			return &domain.ValidationError{Reason: "take profit must be above entry price for long positions", Warnings: warnings}
		}
		if intent.Side == domain.SideSell && intent.TargetPrice >= entryPrice {
			return &domain.ValidationError{Reason: "take profit must be below entry price for short positions", Warnings: warnings}
		}
		if riskPerShare > 0 {
			rr := math.Abs(intent.TargetPrice-entryPrice) / riskPerShare
			if rr < g.limits.MinRiskReward {
				return &domain.ValidationError{
					Reason:   fmt.Sprintf("risk/reward too low (%.1f:1 < %.1f:1)", rr, g.limits.MinRiskReward),
					Warnings: warnings,
				}
			}
		}
	}

	if len(warnings) > 0 {
		g.log.Warn("trade approved with warnings", "symbol", intent.Symbol, "warnings", warnings)
	}
	return nil
}

// RecordTrade counts an executed trade against the daily limit.
func (g *Gate) RecordTrade() {
	g.resetDailyCounters()
	g.mu.Lock()
	g.dailyTrades++
	g.mu.Unlock()
}

// ShouldEmergencyClose reports whether the daily loss limit has been
// breached and all positions should be flattened.
func (g *Gate) ShouldEmergencyClose(dailyPnLPct float64) bool {
	return dailyPnLPct <= -g.limits.MaxDailyLossPct
}

// Limits returns the configured limits.
func (g *Gate) Limits() Limits { return g.limits }

func (g *Gate) resetDailyCounters() {
	today := g.cal.TradingDate(g.now())
	g.mu.Lock()
	if g.tradeDate != today {
		g.tradeDate = today
		g.dailyTrades = 0
	}
	g.mu.Unlock()
}

func findPosition(positions []domain.Position, symbol string) (domain.Position, bool) {
	for _, p := range positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return domain.Position{}, false
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
