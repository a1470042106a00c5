package market

import (
	"regexp"
	"strings"
)

var (
	// longest first so FDUSD is not read as ...USD
	quoteAssets = []string{"FDUSD", "USDT", "USDC", "BUSD", "TUSD", "USD", "BTC", "ETH"}

	contractSuffixes = []string{"-SWAP", "_SWAP", "_PERP", "-PERP", "PERP", "-FUTURES", "_FUTURES"}

	stablecoins = map[string]struct{}{
		"USDT": {}, "USDC": {}, "DAI": {}, "BUSD": {}, "UST": {}, "TUSD": {},
		"USDP": {}, "USDK": {}, "PAX": {}, "FDUSD": {}, "USDE": {},
	}

	deliverySuffix = regexp.MustCompile(`[_-]\d{6,8}$`)
)

// Asset is a normalised base/quote pair, e.g. BTC/USDT.
type Asset struct {
	Base  string
	Quote string
}

// String renders BASE/QUOTE, or BASE when the quote could not be derived.
func (a Asset) String() string {
	if a.Quote == "" {
		return a.Base
	}
	return a.Base + "/" + a.Quote
}

// IsZero reports whether normalisation failed.
func (a Asset) IsZero() bool {
	return a.Base == ""
}

// NormalizeSymbol strips venue-specific contract markers so the same instrument
// on different venues and market types maps to one Asset.
func NormalizeSymbol(symbol string) Asset {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return Asset{}
	}

	// ccxt style settle currency: BTC/USDT:USDT
	if idx := strings.Index(s, ":"); idx > 0 {
		s = s[:idx]
	}

	s = deliverySuffix.ReplaceAllString(s, "")
	for _, suffix := range contractSuffixes {
		if strings.HasSuffix(s, suffix) {
			s = strings.TrimSuffix(s, suffix)
			break
		}
	}
	s = strings.Trim(s, "_-/")

	for _, sep := range []string{"/", "-", "_"} {
		if parts := strings.Split(s, sep); len(parts) >= 2 && parts[0] != "" {
			return Asset{Base: parts[0], Quote: parts[1]}
		}
	}

	for _, quote := range quoteAssets {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Asset{Base: strings.TrimSuffix(s, quote), Quote: quote}
		}
	}
	return Asset{Base: s}
}

// IsStablecoinPair reports whether both legs are stablecoins, e.g. USDC/USDT.
func IsStablecoinPair(a Asset) bool {
	if a.Quote == "" {
		return false
	}
	_, baseStable := stablecoins[a.Base]
	_, quoteStable := stablecoins[a.Quote]
	return baseStable && quoteStable
}
