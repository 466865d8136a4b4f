package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/signaltrader/internal/domain"
)

const quoteAsset = "USDT"

var symbolSeparators = strings.NewReplacer("/", "", "-", "", "_", "", " ", "")

// NormalizeSymbol strips separators and upper-cases s ("eth/usdt" -> "ETHUSDT").
// Normalizing an already normalized symbol returns it unchanged.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(symbolSeparators.Replace(strings.TrimSpace(s)))
}

// matchableStatuses are the signal states an update can be routed to.
var matchableStatuses = []domain.SignalStatus{domain.SignalStatusActive, domain.SignalStatusNew}

// SignalMatcher routes an update to the signal it most likely refers to.
//
// Candidates are signals in {active, new}, newest first (created_at DESC,
// id DESC). With a symbol, the first exact match on the normalized symbol
// wins; failing that, the first candidate whose normalized symbol contains
// the base asset (the symbol with a trailing USDT removed). Without a symbol
// the newest candidate wins. The lookup is best effort: two live signals
// sharing a base substring are both candidates and the newest is chosen,
// with a warning listing every candidate.
type SignalMatcher struct {
	signals domain.SignalStore
	logger  *slog.Logger
}

// NewSignalMatcher creates a SignalMatcher.
func NewSignalMatcher(signals domain.SignalStore, logger *slog.Logger) *SignalMatcher {
	return &SignalMatcher{
		signals: signals,
		logger:  logger.With(slog.String("component", "signal_matcher")),
	}
}

// Match returns the signal an update for symbol belongs to, or an error
// wrapping domain.ErrNoMatch.
func (m *SignalMatcher) Match(ctx context.Context, symbol string) (domain.Signal, error) {
	candidates, err := m.signals.ListByStatus(ctx, matchableStatuses, domain.ListOpts{})
	if err != nil {
		return domain.Signal{}, fmt.Errorf("match signal: %w", err)
	}
	sig, ok := m.pick(ctx, candidates, symbol)
	if !ok {
		return domain.Signal{}, fmt.Errorf("%w: symbol %q", domain.ErrNoMatch, symbol)
	}
	return sig, nil
}

func (m *SignalMatcher) pick(ctx context.Context, candidates []domain.Signal, symbol string) (domain.Signal, bool) {
	if len(candidates) == 0 {
		return domain.Signal{}, false
	}
	norm := NormalizeSymbol(symbol)
	if norm == "" {
		return candidates[0], true
	}
	for _, c := range candidates {
		if NormalizeSymbol(c.Symbol) == norm {
			return c, true
		}
	}

	base := strings.TrimSuffix(norm, quoteAsset)
	if base == "" {
		return domain.Signal{}, false
	}
	var fuzzy []domain.Signal
	for _, c := range candidates {
		if strings.Contains(NormalizeSymbol(c.Symbol), base) {
			fuzzy = append(fuzzy, c)
		}
	}
	if len(fuzzy) == 0 {
		return domain.Signal{}, false
	}
	if len(fuzzy) > 1 {
		ids := make([]string, len(fuzzy))
		for i, c := range fuzzy {
			ids[i] = c.ID
		}
		m.logger.WarnContext(ctx, "ambiguous symbol match, using newest signal",
			slog.String("symbol", symbol),
			slog.String("chosen", fuzzy[0].ID),
			slog.Any("candidates", ids),
		)
	}
	return fuzzy[0], true
}
