// Package tier ranks paid highlights by their yen-equivalent value.
package tier

import (
	"strconv"
	"strings"
	"time"
)

// jpyRates is a fixed conversion table. Unknown currencies convert 1:1.
var jpyRates = map[string]float64{
	"JPY": 1,
	"USD": 150,
	"CAD": 110,
	"AUD": 100,
	"EUR": 160,
	"GBP": 190,
	"KRW": 0.11,
	"TWD": 4.7,
}

var thresholds = []struct {
	jpy  int64
	tier int
}{
	{10_000, 7},
	{5_000, 6},
	{2_000, 5},
	{1_000, 4},
	{500, 3},
	{200, 2},
}

var displayDurations = map[int]time.Duration{
	7: 300 * time.Second,
	6: 180 * time.Second,
	5: 120 * time.Second,
	4: 60 * time.Second,
	3: 30 * time.Second,
	2: 20 * time.Second,
	1: 10 * time.Second,
}

// DefaultDisplay applies to unknown tiers and non-monetary highlights.
const DefaultDisplay = 10 * time.Second

// ToJPY converts an amount in micros of currency to whole yen.
func ToJPY(amountMicros int64, currency string) int64 {
	rate, ok := jpyRates[strings.ToUpper(currency)]
	if !ok {
		rate = 1
	}
	return int64(float64(amountMicros) / 1_000_000 * rate)
}

// FromJPY maps a yen amount onto tiers 1 through 7.
func FromJPY(jpy int64) int {
	for _, t := range thresholds {
		if jpy >= t.jpy {
			return t.tier
		}
	}
	return 1
}

// Of is FromJPY(ToJPY(...)).
func Of(amountMicros int64, currency string) int {
	return FromJPY(ToJPY(amountMicros, currency))
}

// DisplayDuration is how long a highlight of the given tier stays on screen.
func DisplayDuration(tier int) time.Duration {
	if d, ok := displayDurations[tier]; ok {
		return d
	}
	return DefaultDisplay
}

// ParseAmount extracts micros and an ISO currency code from a display string
// such as "¥1,000", "$5.00", "€5,00" or "A$100.00". Unparseable input yields
// zero micros, which ranks as tier 1.
func ParseAmount(display string) (micros int64, currency string) {
	currency = currencyOf(display)

	var digits strings.Builder
	for _, r := range display {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' {
			digits.WriteRune(r)
		}
	}
	cleaned := digits.String()
	if i := strings.LastIndexByte(cleaned, ','); i >= 0 && isDecimalTail(cleaned[i+1:]) {
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.Replace(cleaned, ",", ".", 1)
	} else {
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	}
	amount, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, currency
	}
	return int64(amount * 1_000_000), currency
}

// isDecimalTail reports whether s looks like a one or two digit fraction,
// which marks a comma decimal separator ("5,00", "1.000,50").
func isDecimalTail(s string) bool {
	if len(s) == 0 || len(s) > 2 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func currencyOf(display string) string {
	s := strings.TrimSpace(display)
	switch {
	case strings.HasPrefix(s, "CA$"):
		return "CAD"
	case strings.HasPrefix(s, "A$"):
		return "AUD"
	case strings.HasPrefix(s, "NT$"):
		return "TWD"
	case strings.ContainsAny(s, "¥￥"):
		return "JPY"
	case strings.Contains(s, "€"):
		return "EUR"
	case strings.Contains(s, "£"):
		return "GBP"
	case strings.Contains(s, "₩"):
		return "KRW"
	}
	if len(s) >= 3 {
		code := strings.ToUpper(s[:3])
		if _, ok := jpyRates[code]; ok {
			return code
		}
	}
	return "USD"
}
