package detector

import (
	"log/slog"
	"math"

	"github.com/polyinsider/shadowflow/internal/store"
)

// validateTrade returns an *InputError when a trade cannot be analysed.
func validateTrade(t store.Trade) error {
	var reason string
	switch {
	case t.Wallet == "":
		reason = "missing wallet"
	case t.Timestamp.IsZero():
		reason = "missing timestamp"
	case t.MarketID == "":
		reason = "missing market"
	case !t.Side.Valid():
		reason = "invalid side " + string(t.Side)
	case math.IsNaN(t.Price) || t.Price < 0 || t.Price > 1:
		reason = "price outside [0,1]"
	case !t.Amount.IsPositive():
		reason = "non-positive amount"
	default:
		return nil
	}
	return &InputError{TradeID: t.ID, Reason: reason}
}

// Sanitize drops malformed, duplicate and out-of-order trades from a
// time-ordered feed. Every dropped trade is logged and returned as an
// *InputError; the cycle always continues with the remaining trades.
func Sanitize(trades []store.Trade) ([]store.Trade, []error) {
	clean := make([]store.Trade, 0, len(trades))
	seen := make(map[string]struct{}, len(trades))
	var errs []error

	skip := func(err error) {
		slog.Warn("trade_skipped", "error", err)
		errs = append(errs, err)
	}

	for _, t := range trades {
		if err := validateTrade(t); err != nil {
			skip(err)
			continue
		}
		if t.ID != "" {
			if _, dup := seen[t.ID]; dup {
				skip(&InputError{TradeID: t.ID, Reason: "duplicate trade"})
				continue
			}
			seen[t.ID] = struct{}{}
		}
		if n := len(clean); n > 0 && t.Timestamp.Before(clean[n-1].Timestamp) {
			skip(&InputError{TradeID: t.ID, Reason: "out of order"})
			continue
		}
		clean = append(clean, t)
	}

	return clean, errs
}
