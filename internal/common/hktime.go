package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTradingTZ is the exchange timezone for the HK market.
const DefaultTradingTZ = "Asia/Hong_Kong"

// mislabelOffset is the UTC-labelled-as-HKT skew some upstream feeds
// exhibit: the wall-clock time is HKT but the timestamp claims UTC,
// landing exactly 8 hours in the future.
const (
	mislabelOffset    = 8 * time.Hour
	mislabelMinFuture = 2 * time.Hour
	mislabelTolerance = 30 * time.Minute
)

// LoadTradingLocation resolves tz, falling back to a fixed +08:00 zone
// when the tzdata lookup fails. The collector must not refuse to start
// on a host with a stripped zoneinfo.
func LoadTradingLocation(tz string) *time.Location {
	if tz == "" {
		tz = DefaultTradingTZ
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.FixedZone("HKT", 8*3600)
	}
	return loc
}

// TradingDayFromTS formats an epoch-ms timestamp as a YYYYMMDD trading
// day in the exchange timezone.
func TradingDayFromTS(tsMs int64, loc *time.Location) string {
	return time.UnixMilli(tsMs).In(loc).Format("20060102")
}

// CorrectMislabeledTS detects a tick timestamp that is HKT wall-clock
// mislabelled as UTC and shifts it back 8 hours. The correction only
// applies when the raw value sits more than two hours in the future and
// the shifted value lands within 30 minutes of now. Returns the
// corrected value and whether a correction was made.
func CorrectMislabeledTS(tsMs, nowMs int64) (int64, bool) {
	future := time.Duration(tsMs-nowMs) * time.Millisecond
	if future <= mislabelMinFuture {
		return tsMs, false
	}
	shifted := tsMs - mislabelOffset.Milliseconds()
	drift := time.Duration(shifted-nowMs) * time.Millisecond
	if drift < 0 {
		drift = -drift
	}
	if drift <= mislabelTolerance {
		return shifted, true
	}
	return tsMs, false
}

// SessionWindow is one intraday trading window in exchange-local
// minutes since midnight, [Start, End).
type SessionWindow struct {
	StartMin int
	EndMin   int
}

// Contains reports whether the local minute-of-day falls in the window.
func (w SessionWindow) Contains(minOfDay int) bool {
	return minOfDay >= w.StartMin && minOfDay < w.EndMin
}

// ParseTradingSessions parses a comma-separated list of HH:MM-HH:MM
// windows, e.g. "09:30-12:00,13:00-16:00". Windows must be well formed
// and non-empty.
func ParseTradingSessions(spec string) ([]SessionWindow, error) {
	var windows []SessionWindow
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		bounds := strings.SplitN(part, "-", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("malformed trading session %q", part)
		}
		start, err := parseMinuteOfDay(bounds[0])
		if err != nil {
			return nil, fmt.Errorf("malformed trading session %q: %w", part, err)
		}
		end, err := parseMinuteOfDay(bounds[1])
		if err != nil {
			return nil, fmt.Errorf("malformed trading session %q: %w", part, err)
		}
		if end <= start {
			return nil, fmt.Errorf("trading session %q ends before it starts", part)
		}
		windows = append(windows, SessionWindow{StartMin: start, EndMin: end})
	}
	if len(windows) == 0 {
		return nil, fmt.Errorf("no trading sessions in %q", spec)
	}
	return windows, nil
}

func parseMinuteOfDay(s string) (int, error) {
	fields := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(fields) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	hh, err := strconv.Atoi(fields[0])
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	mm, err := strconv.Atoi(fields[1])
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	return hh*60 + mm, nil
}

// MinuteOfDay returns minutes since local midnight for t in loc.
func MinuteOfDay(t time.Time, loc *time.Location) int {
	lt := t.In(loc)
	return lt.Hour()*60 + lt.Minute()
}

// SessionIndexAt returns the index of the window containing t, or -1.
func SessionIndexAt(t time.Time, loc *time.Location, windows []SessionWindow) int {
	min := MinuteOfDay(t, loc)
	for i, w := range windows {
		if w.Contains(min) {
			return i
		}
	}
	return -1
}
