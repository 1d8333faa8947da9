package market

import (
	"strconv"
	"strings"
)

// Canonical candle intervals are a lowercase number plus unit, where the
// unit is one of m, h, d, w, plus "1M" for the calendar month.
const (
	Interval1m  = "1m"
	Interval5m  = "5m"
	Interval15m = "15m"
	Interval1h  = "1h"
	Interval4h  = "4h"
	Interval1d  = "1d"
	Interval1w  = "1w"
	Interval1M  = "1M"
)

const (
	msMinute = 60_000
	msHour   = 3_600_000
	msDay    = 86_400_000
	msWeek   = 604_800_000
	msMonth  = 2_592_000_000 // 30-day approximation
)

// IntervalToMs converts a canonical interval to milliseconds. Unknown
// inputs default to one hour.
func IntervalToMs(interval string) int64 {
	if interval == Interval1M {
		return msMonth
	}
	if len(interval) < 2 {
		return msHour
	}
	n, err := strconv.ParseInt(interval[:len(interval)-1], 10, 64)
	if err != nil || n <= 0 {
		return msHour
	}
	switch interval[len(interval)-1] {
	case 'm':
		return n * msMinute
	case 'h':
		return n * msHour
	case 'd':
		return n * msDay
	case 'w':
		return n * msWeek
	default:
		return msHour
	}
}

// NormalizeInterval lowercases the number+unit form while preserving the
// calendar-month marker "1M".
func NormalizeInterval(interval string) string {
	s := strings.TrimSpace(interval)
	if s == "" {
		return Interval1h
	}
	if strings.HasSuffix(s, "M") && !strings.HasSuffix(strings.ToLower(s), "min") {
		return strings.TrimSuffix(s, "M") + "M"
	}
	return strings.ToLower(s)
}

// IntervalToUpbit renders a canonical interval for Upbit (and Bybit,
// which uses the identical scheme): minutes as a bare number, then
// "D", "W", "M".
func IntervalToUpbit(interval string) string {
	switch interval {
	case Interval1d:
		return "D"
	case Interval1w:
		return "W"
	case Interval1M:
		return "M"
	}
	ms := IntervalToMs(interval)
	return strconv.FormatInt(ms/msMinute, 10)
}

// IntervalToHuobi renders a canonical interval for Huobi/HTX:
// "1min", "60min", "4hour", "1day", "1week", "1mon".
func IntervalToHuobi(interval string) string {
	if interval == Interval1M {
		return "1mon"
	}
	if len(interval) < 2 {
		return "60min"
	}
	n := interval[:len(interval)-1]
	switch interval[len(interval)-1] {
	case 'm':
		return n + "min"
	case 'h':
		return n + "hour"
	case 'd':
		return n + "day"
	case 'w':
		return n + "week"
	}
	return "60min"
}

// IntervalToBittrex renders a canonical interval for Bittrex:
// "MINUTE_1", "HOUR_1", "DAY_1".
func IntervalToBittrex(interval string) string {
	if len(interval) < 2 {
		return "HOUR_1"
	}
	n := interval[:len(interval)-1]
	switch interval[len(interval)-1] {
	case 'm':
		return "MINUTE_" + n
	case 'h':
		return "HOUR_" + n
	case 'd':
		return "DAY_" + n
	}
	return "HOUR_1"
}

// IntervalToCryptoCom renders a canonical interval for Crypto.com,
// which uses uppercase units: "1M" means one minute there, "1H" one
// hour, "1D" one day, "7D" one week.
func IntervalToCryptoCom(interval string) string {
	switch interval {
	case Interval1w:
		return "7D"
	case Interval1M:
		return "1MONTH"
	}
	if len(interval) < 2 {
		return "1H"
	}
	n := interval[:len(interval)-1]
	switch interval[len(interval)-1] {
	case 'm':
		return n + "M"
	case 'h':
		return n + "H"
	case 'd':
		return n + "D"
	}
	return "1H"
}
