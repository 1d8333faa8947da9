// Package market provides the canonical market pair type and the pure
// symbol/interval conversion helpers shared by all venue adapters.
package market

import (
	"fmt"
	"strings"
)

// Market is an immutable (base, quote) currency pair. The canonical
// textual form is "BASE/QUOTE" with both codes uppercase.
type Market struct {
	Base  string
	Quote string
}

// New builds a Market from raw base and quote codes.
func New(base, quote string) Market {
	return Market{
		Base:  strings.ToUpper(strings.TrimSpace(base)),
		Quote: strings.ToUpper(strings.TrimSpace(quote)),
	}
}

// Parse parses the canonical "BASE/QUOTE" form. Any other shape is an
// argument error: there must be exactly one slash and two non-empty codes.
func Parse(s string) (Market, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Market{}, fmt.Errorf("invalid market %q: want BASE/QUOTE", s)
	}
	return New(parts[0], parts[1]), nil
}

// String returns the canonical BASE/QUOTE form.
func (m Market) String() string {
	return m.Base + "/" + m.Quote
}

// IsZero reports whether the market is the empty value.
func (m Market) IsZero() bool {
	return m.Base == "" && m.Quote == ""
}

// recognizedQuotes are the quote currencies used to split joined symbol
// forms like BTCUSDT. Ordered longest-first so USDT wins over USD.
var recognizedQuotes = []string{
	"USDT", "USDC", "BUSD", "BTC", "ETH", "KRW", "USD", "EUR", "GBP", "MX",
}

// Normalize converts any supported venue rendering to the canonical
// BASE/QUOTE uppercase form. Handled shapes: "btc/usdt", "BTC-USDT",
// "BTCUSDT" and Upbit's quote-first "KRW-BTC". A joined form whose
// quote is not recognized is returned uppercase unmodified; empty or
// whitespace input is returned unchanged.
func Normalize(symbol string) string {
	if strings.TrimSpace(symbol) == "" {
		return symbol
	}
	s := strings.ToUpper(strings.TrimSpace(symbol))

	if strings.Contains(s, "/") {
		return s
	}

	if i := strings.Index(s, "-"); i > 0 {
		first, second := s[:i], s[i+1:]
		// Upbit renders fiat-quoted pairs quote-first (KRW-BTC).
		if first == "KRW" {
			return second + "/" + first
		}
		return first + "/" + second
	}

	for _, quote := range recognizedQuotes {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return strings.TrimSuffix(s, quote) + "/" + quote
		}
	}
	return s
}

// ParseAny normalizes then parses, accepting any supported rendering.
func ParseAny(symbol string) (Market, error) {
	return Parse(Normalize(symbol))
}
