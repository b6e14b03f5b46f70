package futu

import (
	"fmt"
	"strings"
	"time"

	"github.com/bobmcallan/hktick/internal/common"
	"github.com/bobmcallan/hktick/internal/models"
)

// Mapper normalizes raw gateway records into TickRows. A bad record is
// dropped and logged; it never poisons the rest of the batch.
type Mapper struct {
	loc    *time.Location
	logger *common.Logger
	nowFn  func() time.Time
}

// NewMapper builds a mapper in the exchange timezone.
func NewMapper(loc *time.Location, logger *common.Logger) *Mapper {
	return &Mapper{loc: loc, logger: logger, nowFn: time.Now}
}

// NormalizeTradingDay strips separators from YYYY-MM-DD / YYYY/MM/DD
// day strings, leaving YYYYMMDD.
func NormalizeTradingDay(value string) string {
	text := strings.TrimSpace(value)
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "-", "")
	return strings.ReplaceAll(text, "/", "")
}

// ParseMarketSymbol splits "HK.00700" into market and full symbol.
// Codes without a prefix default to the HK market.
func ParseMarketSymbol(code string) (string, string) {
	if idx := strings.Index(code, "."); idx > 0 {
		return code[:idx], code
	}
	return "HK", code
}

// Rows maps one batch of raw records. The push type labels the ingress
// path; defaultSymbol fills records the gateway sends without a code.
func (m *Mapper) Rows(raw []RawTick, pushType, defaultSymbol string) []models.TickRow {
	if len(raw) == 0 {
		return nil
	}

	now := m.nowFn()
	nowMs := now.UnixMilli()
	rows := make([]models.TickRow, 0, len(raw))

	for _, item := range raw {
		code := strings.TrimSpace(item.Code)
		if code == "" {
			code = defaultSymbol
		}
		if code == "" {
			m.logger.Warn().Str("push_type", pushType).Msg("ticker row missing code, dropped")
			continue
		}
		market, symbol := ParseMarketSymbol(code)

		day := NormalizeTradingDay(item.TradingDay)
		tsMs, err := m.parseTS(item, day)
		if err != nil {
			m.logger.Warn().
				Err(err).
				Str("symbol", symbol).
				Str("push_type", pushType).
				Msg("unparseable tick time, row dropped")
			continue
		}

		if corrected, applied := common.CorrectMislabeledTS(tsMs, nowMs); applied {
			m.logger.Warn().
				Str("symbol", symbol).
				Int64("raw_ts_ms", tsMs).
				Int64("corrected_ts_ms", corrected).
				Msg("mislabeled timestamp corrected")
			tsMs = corrected
		}
		if day == "" {
			day = common.TradingDayFromTS(tsMs, m.loc)
		}

		rows = append(rows, models.TickRow{
			Market:       market,
			Symbol:       symbol,
			TSMs:         tsMs,
			Price:        item.Price,
			Volume:       item.Volume,
			Turnover:     item.Turnover,
			Direction:    trimPtr(item.Direction),
			Seq:          item.Sequence,
			TickType:     trimPtr(item.TickType),
			PushType:     pushType,
			Provider:     models.StringPtr("futu"),
			TradingDay:   day,
			RecvTSMs:     nowMs,
			InsertedAtMs: nowMs,
		})
	}

	return rows
}

// parseTS resolves the record's timestamp. Numeric values use
// magnitude heuristics (epoch ms above 1e12, epoch seconds above 1e9);
// strings are either full datetimes in exchange local time or a bare
// HH:MM:SS combined with the trading day.
func (m *Mapper) parseTS(item RawTick, tradingDay string) (int64, error) {
	if item.TSMs != 0 {
		return numericTS(float64(item.TSMs)), nil
	}

	text := strings.TrimSpace(item.Time)
	if text == "" {
		return 0, fmt.Errorf("missing time value")
	}

	if isDigits(text) {
		var numeric float64
		if _, err := fmt.Sscanf(text, "%f", &numeric); err != nil {
			return 0, fmt.Errorf("numeric time %q: %w", text, err)
		}
		return numericTS(numeric), nil
	}

	text = strings.ReplaceAll(text, "T", " ")
	if strings.ContainsAny(text, "-/ ") {
		return m.parseDatetime(text)
	}
	return m.parseTimeOfDay(text, tradingDay)
}

func numericTS(v float64) int64 {
	if v > 1e12 {
		return int64(v)
	}
	if v > 1e9 {
		return int64(v * 1000)
	}
	return int64(v)
}

var datetimeLayouts = []string{
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05.999999",
	"2006/01/02 15:04:05",
}

func (m *Mapper) parseDatetime(text string) (int64, error) {
	for _, layout := range datetimeLayouts {
		if t, err := time.ParseInLocation(layout, text, m.loc); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("unrecognized datetime %q", text)
}

func (m *Mapper) parseTimeOfDay(text, tradingDay string) (int64, error) {
	day := tradingDay
	if day == "" {
		day = m.nowFn().In(m.loc).Format("20060102")
	}
	for _, layout := range []string{"20060102 15:04:05.999999", "20060102 15:04:05"} {
		if t, err := time.ParseInLocation(layout, day+" "+text, m.loc); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("unrecognized time of day %q", text)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func trimPtr(value *string) *string {
	if value == nil {
		return nil
	}
	text := strings.TrimSpace(*value)
	if text == "" {
		return nil
	}
	return &text
}
