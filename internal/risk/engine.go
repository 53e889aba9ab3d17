// Package risk implements the pre-trade risk assessment engine. Each
// assessment runs a fixed set of independent checks, averages their
// sub-scores, and applies the decision policy: any violation rejects, then
// warnings escalate by overall score.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/quantfabric/execgate/internal/domain"
)

// Config holds the tunable parameters for pre-trade risk checks.
type Config struct {
	// MaxPositionPct caps a single post-trade position as a fraction of
	// total portfolio value, e.g. 0.15.
	MaxPositionPct float64
	// ConcentrationThreshold is the Herfindahl index above which the
	// portfolio is flagged as concentrated, e.g. 0.25.
	ConcentrationThreshold float64
	// MaxTradeValue is the largest single-trade notional allowed.
	MaxTradeValue float64
	// MaxLeverage caps trade value relative to available cash, e.g. 1.0
	// for cash-only accounts.
	MaxLeverage float64
	// ConfirmationThreshold is the notional above which a trade needs
	// operator confirmation.
	ConfirmationThreshold float64
	// MaxTradesPerDay caps the number of trades placed in one session.
	MaxTradesPerDay int
}

// DefaultConfig returns conservative limits suitable for a small account.
func DefaultConfig() Config {
	return Config{
		MaxPositionPct:         0.15,
		ConcentrationThreshold: 0.25,
		MaxTradeValue:          50_000,
		MaxLeverage:            1.0,
		ConfirmationThreshold:  10_000,
		MaxTradesPerDay:        50,
	}
}

// VolatilityFunc supplies a market-volatility sub-score in [0,1] for a
// symbol. It is a hook; the engine ships with a neutral default.
type VolatilityFunc func(ctx context.Context, symbol string) (float64, error)

// Engine runs the fixed check set against a trade request and a portfolio
// snapshot. It holds no mutable state between assessments, so a single
// instance is safe for concurrent use.
type Engine struct {
	cfg        Config
	volatility VolatilityFunc
	logger     *slog.Logger
	now        func() time.Time
}

// NewEngine creates a risk engine. volatility may be nil, in which case the
// volatility check contributes a neutral zero score.
func NewEngine(cfg Config, volatility VolatilityFunc, logger *slog.Logger) *Engine {
	if volatility == nil {
		volatility = func(context.Context, string) (float64, error) { return 0, nil }
	}
	return &Engine{
		cfg:        cfg,
		volatility: volatility,
		logger:     logger.With(slog.String("component", "risk_engine")),
		now:        time.Now,
	}
}

type checkOutcome struct {
	name       string
	score      float64
	violations []string
	warnings   []string
	// maxQuantity is a suggestion from a violated constraint; zero when
	// the check is not binding.
	maxQuantity float64
}

// Assess evaluates the request against the snapshot at the given reference
// price. A non-positive reference price fails the whole assessment closed:
// CRITICAL level, REJECTED result. Any internal check failure is classified
// the same way rather than ignored.
func (e *Engine) Assess(ctx context.Context, req domain.OrderRequest, snapshot domain.PortfolioSnapshot, refPrice float64) domain.RiskAssessment {
	if refPrice <= 0 {
		return e.failClosed(req, fmt.Sprintf("no reference price available for %s", req.Symbol))
	}
	if req.Quantity <= 0 {
		return e.failClosed(req, "quantity must be positive at assessment time")
	}

	tradeValue := req.Quantity * refPrice

	outcomes := []checkOutcome{
		e.checkPositionSize(req, snapshot, refPrice, tradeValue),
		e.checkConcentration(req, snapshot, tradeValue),
		e.checkDailyNotional(refPrice, tradeValue),
		e.checkLeverage(req, snapshot, refPrice, tradeValue),
		e.checkUserLimits(snapshot, tradeValue),
	}

	volOutcome, err := e.checkVolatility(ctx, req.Symbol)
	if err != nil {
		e.logger.ErrorContext(ctx, "risk check failed",
			slog.String("check", "volatility"),
			slog.String("symbol", req.Symbol),
			slog.String("error", err.Error()),
		)
		return e.failClosed(req, fmt.Sprintf("volatility check failed: %v", err))
	}
	outcomes = append(outcomes, volOutcome)

	var (
		total       float64
		violations  []string
		warnings    []string
		maxQuantity float64
		scores      = make(map[string]float64, len(outcomes))
	)
	for _, o := range outcomes {
		total += o.score
		scores[o.name] = o.score
		violations = append(violations, o.violations...)
		warnings = append(warnings, o.warnings...)
		if len(o.violations) > 0 && (maxQuantity == 0 || o.maxQuantity < maxQuantity) {
			maxQuantity = o.maxQuantity
		}
	}
	overall := total / float64(len(outcomes))

	assessment := domain.RiskAssessment{
		Score:       overall,
		Level:       bucketLevel(overall),
		Violations:  violations,
		Warnings:    warnings,
		CheckScores: scores,
		AssessedAt:  e.now(),
	}

	switch {
	case len(violations) > 0:
		assessment.Result = domain.RiskResultRejected
		assessment.MaxQuantity = maxQuantity
	case len(warnings) > 0 && overall > 0.7:
		assessment.Result = domain.RiskResultRequiresConfirmation
	case len(warnings) > 0:
		assessment.Result = domain.RiskResultWarning
	default:
		assessment.Result = domain.RiskResultApproved
	}

	return assessment
}

// failClosed builds the REJECTED/CRITICAL assessment used when the engine
// cannot evaluate the trade at all.
func (e *Engine) failClosed(req domain.OrderRequest, reason string) domain.RiskAssessment {
	e.logger.Warn("risk assessment failed closed",
		slog.String("symbol", req.Symbol),
		slog.String("reason", reason),
	)
	return domain.RiskAssessment{
		Score:      1,
		Level:      domain.RiskLevelCritical,
		Result:     domain.RiskResultRejected,
		Violations: []string{reason},
		AssessedAt: e.now(),
	}
}

// checkPositionSize compares the projected post-trade position value with
// the max-percent-of-portfolio cap.
func (e *Engine) checkPositionSize(req domain.OrderRequest, snapshot domain.PortfolioSnapshot, refPrice, tradeValue float64) checkOutcome {
	out := checkOutcome{name: "position_size"}

	if snapshot.TotalValue <= 0 || req.Side == domain.OrderSideSell {
		return out
	}

	current := snapshot.Holdings[req.Symbol].MarketValue
	projected := current + tradeValue
	limit := e.cfg.MaxPositionPct * snapshot.TotalValue
	if limit <= 0 {
		return out
	}

	out.score = clamp01(projected / limit / 2)

	if projected > limit {
		out.violations = append(out.violations, fmt.Sprintf(
			"position in %s would be %.1f%% of portfolio, cap is %.1f%%",
			req.Symbol, 100*projected/snapshot.TotalValue, 100*e.cfg.MaxPositionPct,
		))
		out.score = 1
		if headroom := limit - current; headroom > 0 {
			out.maxQuantity = math.Floor(headroom / refPrice)
		}
	} else if projected > 0.8*limit {
		out.warnings = append(out.warnings, fmt.Sprintf(
			"position in %s is above 80%% of the size cap", req.Symbol,
		))
	}
	return out
}

// checkConcentration computes the Herfindahl index of post-trade holdings.
func (e *Engine) checkConcentration(req domain.OrderRequest, snapshot domain.PortfolioSnapshot, tradeValue float64) checkOutcome {
	out := checkOutcome{name: "concentration"}

	// A buy converts cash into a holding; total value is unchanged, only
	// the holding weights shift.
	postTotal := snapshot.TotalValue
	if postTotal <= 0 {
		return out
	}

	values := make(map[string]float64, len(snapshot.Holdings)+1)
	for symbol, h := range snapshot.Holdings {
		values[symbol] = h.MarketValue
	}
	switch req.Side {
	case domain.OrderSideBuy:
		values[req.Symbol] += tradeValue
	case domain.OrderSideSell:
		values[req.Symbol] = math.Max(0, values[req.Symbol]-tradeValue)
	}

	var herfindahl float64
	for _, v := range values {
		w := v / postTotal
		herfindahl += w * w
	}

	out.score = clamp01(herfindahl)
	if e.cfg.ConcentrationThreshold > 0 && herfindahl > e.cfg.ConcentrationThreshold {
		out.warnings = append(out.warnings, fmt.Sprintf(
			"post-trade concentration index %.2f exceeds threshold %.2f",
			herfindahl, e.cfg.ConcentrationThreshold,
		))
	}
	return out
}

// checkDailyNotional compares the trade value with the per-trade maximum.
func (e *Engine) checkDailyNotional(refPrice, tradeValue float64) checkOutcome {
	out := checkOutcome{name: "daily_notional"}
	if e.cfg.MaxTradeValue <= 0 {
		return out
	}

	out.score = clamp01(tradeValue / e.cfg.MaxTradeValue)
	if tradeValue > e.cfg.MaxTradeValue {
		out.violations = append(out.violations, fmt.Sprintf(
			"trade value %.2f exceeds maximum %.2f", tradeValue, e.cfg.MaxTradeValue,
		))
		out.score = 1
		out.maxQuantity = math.Floor(e.cfg.MaxTradeValue / refPrice)
	}
	return out
}

// checkLeverage compares trade value with available cash under the leverage
// cap. Sells free cash and are not leverage-constrained.
func (e *Engine) checkLeverage(req domain.OrderRequest, snapshot domain.PortfolioSnapshot, refPrice, tradeValue float64) checkOutcome {
	out := checkOutcome{name: "leverage"}
	if req.Side == domain.OrderSideSell || e.cfg.MaxLeverage <= 0 {
		return out
	}

	allowed := snapshot.Cash * e.cfg.MaxLeverage
	if allowed <= 0 {
		out.score = 1
		out.violations = append(out.violations, "no cash available for a buy")
		return out
	}

	out.score = clamp01(tradeValue / allowed)
	if tradeValue > allowed {
		out.violations = append(out.violations, fmt.Sprintf(
			"trade value %.2f exceeds %.2fx leverage on cash %.2f",
			tradeValue, e.cfg.MaxLeverage, snapshot.Cash,
		))
		out.score = 1
		out.maxQuantity = math.Floor(allowed / refPrice)
	}
	return out
}

// checkUserLimits applies the confirmation threshold and the daily trade cap.
func (e *Engine) checkUserLimits(snapshot domain.PortfolioSnapshot, tradeValue float64) checkOutcome {
	out := checkOutcome{name: "user_limits"}

	if e.cfg.ConfirmationThreshold > 0 {
		out.score = clamp01(tradeValue / (2 * e.cfg.ConfirmationThreshold))
		if tradeValue > e.cfg.ConfirmationThreshold {
			out.warnings = append(out.warnings, fmt.Sprintf(
				"trade value %.2f is above the confirmation threshold %.2f",
				tradeValue, e.cfg.ConfirmationThreshold,
			))
		}
	}

	if e.cfg.MaxTradesPerDay > 0 && snapshot.TradesToday >= e.cfg.MaxTradesPerDay {
		out.violations = append(out.violations, fmt.Sprintf(
			"daily trade cap reached (%d/%d)", snapshot.TradesToday, e.cfg.MaxTradesPerDay,
		))
		out.score = 1
	}
	return out
}

// checkVolatility consults the volatility hook.
func (e *Engine) checkVolatility(ctx context.Context, symbol string) (checkOutcome, error) {
	out := checkOutcome{name: "volatility"}

	score, err := e.volatility(ctx, symbol)
	if err != nil {
		return out, err
	}
	out.score = clamp01(score)
	if out.score >= 0.8 {
		out.warnings = append(out.warnings, fmt.Sprintf("elevated volatility signal for %s", symbol))
	}
	return out, nil
}

func bucketLevel(score float64) domain.RiskLevel {
	switch {
	case score >= 0.8:
		return domain.RiskLevelCritical
	case score >= 0.6:
		return domain.RiskLevelHigh
	case score >= 0.3:
		return domain.RiskLevelMedium
	default:
		return domain.RiskLevelLow
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
