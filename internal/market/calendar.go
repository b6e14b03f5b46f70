// Package market resolves HK exchange calendar state: trading day,
// session phase and holiday closures.
package market

import (
	"bufio"
	"os"
	"strings"
	"time"

	"github.com/bobmcallan/hktick/internal/common"
)

// Market phase labels. The notifier keys cadence and suppression off
// these, so the strings are part of the snapshot contract.
const (
	ModePreOpen       = "pre-open"
	ModeOpen          = "open"
	ModeLunchBreak    = "lunch-break"
	ModeAfterHours    = "after-hours"
	ModeHolidayClosed = "holiday-closed"
)

// State describes the market at one instant in exchange time.
type State struct {
	TradingDay       string
	Mode             string
	IsTradingDay     bool
	IsTradingSession bool
}

// Calendar knows the exchange timezone, the intraday session windows
// and the closure set (weekends are implicit, holidays configured).
type Calendar struct {
	loc      *time.Location
	sessions []common.SessionWindow
	holidays map[string]struct{}
	logger   *common.Logger
}

// NewCalendar builds a calendar from the quality config group. Holiday
// entries come from the inline list and the optional holiday file;
// a missing file logs a warning and is otherwise ignored.
func NewCalendar(cfg common.QualityConfig, logger *common.Logger) (*Calendar, error) {
	sessions, err := common.ParseTradingSessions(cfg.TradingSessions)
	if err != nil {
		return nil, err
	}

	cal := &Calendar{
		loc:      common.LoadTradingLocation(cfg.TradingTZ),
		sessions: sessions,
		holidays: make(map[string]struct{}),
		logger:   logger,
	}

	for _, entry := range cfg.Holidays {
		if day, ok := normalizeDay(entry); ok {
			cal.holidays[day] = struct{}{}
		}
	}
	cal.loadHolidayFile(cfg.HolidayFile)

	return cal, nil
}

func (c *Calendar) loadHolidayFile(path string) {
	path = strings.TrimSpace(path)
	if path == "" {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn().Str("path", path).Err(err).Msg("Holiday file not found")
		}
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// first CSV column carries the date; the rest is a label
		first, _, _ := strings.Cut(line, ",")
		if day, ok := normalizeDay(first); ok {
			c.holidays[day] = struct{}{}
		}
	}
}

// normalizeDay accepts YYYYMMDD, YYYY-MM-DD and YYYY/MM/DD.
func normalizeDay(value string) (string, bool) {
	text := strings.TrimSpace(value)
	text = strings.ReplaceAll(text, "-", "")
	text = strings.ReplaceAll(text, "/", "")
	if len(text) != 8 {
		return "", false
	}
	for _, r := range text {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return text, true
}

// IsHoliday reports whether the YYYYMMDD day is a configured closure.
func (c *Calendar) IsHoliday(tradingDay string) bool {
	_, ok := c.holidays[tradingDay]
	return ok
}

// Location returns the exchange timezone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// Sessions returns the configured intraday windows.
func (c *Calendar) Sessions() []common.SessionWindow {
	return c.sessions
}

// StateAt resolves the market state for an instant. Weekends resolve
// to after-hours on a non-trading day, holidays to holiday-closed.
func (c *Calendar) StateAt(t time.Time) State {
	local := t.In(c.loc)
	day := local.Format("20060102")

	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return State{TradingDay: day, Mode: ModeAfterHours}
	}
	if c.IsHoliday(day) {
		return State{TradingDay: day, Mode: ModeHolidayClosed}
	}

	min := local.Hour()*60 + local.Minute()
	if idx := c.sessionIndex(min); idx >= 0 {
		return State{TradingDay: day, Mode: ModeOpen, IsTradingDay: true, IsTradingSession: true}
	}

	first := c.sessions[0]
	last := c.sessions[len(c.sessions)-1]
	switch {
	case min >= first.StartMin-30 && min < first.StartMin:
		return State{TradingDay: day, Mode: ModePreOpen, IsTradingDay: true}
	case min >= first.EndMin && min < last.StartMin && len(c.sessions) > 1:
		return State{TradingDay: day, Mode: ModeLunchBreak, IsTradingDay: true}
	default:
		return State{TradingDay: day, Mode: ModeAfterHours, IsTradingDay: true}
	}
}

// Now resolves the current market state.
func (c *Calendar) Now() State {
	return c.StateAt(time.Now())
}

func (c *Calendar) sessionIndex(minOfDay int) int {
	for i, w := range c.sessions {
		if w.Contains(minOfDay) {
			return i
		}
	}
	return -1
}

// InSessionTS reports whether an epoch-ms timestamp falls inside a
// trading window, and which window. Weekend/holiday days are never in
// session.
func (c *Calendar) InSessionTS(tsMs int64) (int, bool) {
	t := time.UnixMilli(tsMs).In(c.loc)
	day := t.Format("20060102")
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return -1, false
	}
	if c.IsHoliday(day) {
		return -1, false
	}
	idx := c.sessionIndex(t.Hour()*60 + t.Minute())
	return idx, idx >= 0
}
