package telegram

import (
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/bobmcallan/hktick/internal/market"
)

// Stale-symbol thresholds differ in and out of session: a ten second
// silence matters at 10:00, not at 20:00.
const (
	openStaleSymbolAgeSec     = 10.0
	offhoursStaleSymbolAgeSec = 120.0
)

var (
	openStaleBuckets     = []float64{10, 30, 60}
	offhoursStaleBuckets = []float64{120, 300, 900}
)

// Renderer formats messages as Telegram HTML: primary lines first,
// then an expandable blockquote with the raw detail. Truncation always
// clips the blockquote, never the primary lines.
type Renderer struct {
	parseMode string
}

// NewRenderer returns an HTML renderer.
func NewRenderer() *Renderer {
	return &Renderer{parseMode: "HTML"}
}

func (r *Renderer) hostText(hostname, instanceID string) string {
	if instanceID == "" {
		return hostname
	}
	return hostname + " / " + instanceID
}

// RenderHealth formats one health summary.
func (r *Renderer) RenderHealth(snapshot HealthSnapshot, assessment HealthAssessment,
	hostname, instanceID string, includeSystemMetrics bool) RenderedMessage {

	icon := "\U0001F7E2" // green circle
	status := "healthy"
	if assessment.Severity != SeverityOK {
		icon = "\U0001F7E1" // yellow circle
		status = "attention"
	}

	staleThreshold := offhoursStaleSymbolAgeSec
	buckets := offhoursStaleBuckets
	if assessment.MarketMode == market.ModeOpen {
		staleThreshold = openStaleSymbolAgeSec
		buckets = openStaleBuckets
	}

	ages := symbolAges(snapshot)
	p95, _ := percentileFloat(ages, 0.95)
	staleCount := 0
	for _, age := range ages {
		if age >= staleThreshold {
			staleCount++
		}
	}
	bucketCounts := make([]string, len(buckets))
	for i, threshold := range buckets {
		n := 0
		for _, age := range ages {
			if age >= threshold {
				n++
			}
		}
		bucketCounts[i] = fmt.Sprintf("%d", n)
	}

	ingest := ingestRowsPerMin(snapshot)
	persisted := snapshot.PersistedRowsPerMin
	if persisted < 0 {
		persisted = 0
	}

	metrics := fmt.Sprintf(
		"mode=%s | drift=%s | persisted=%d/min | queue=%d/%d | symbols=%d | stale=%d | p95_age=%s",
		assessment.MarketMode, formatFloatPtr(snapshot.DriftSec, 1), persisted,
		snapshot.QueueSize, snapshot.QueueMax, len(snapshot.Symbols), staleCount,
		formatFloat(p95, 1, len(ages) > 0))
	progress := fmt.Sprintf(
		"ingest/min=%d | dropped_dup=%d | stale_buckets(%s)=%s | last_update=%s",
		ingest, snapshot.DroppedDuplicate, bucketLabel(buckets),
		strings.Join(bucketCounts, "/"), snapshot.DBMaxTSUTC)

	lines := []string{
		fmt.Sprintf("<b>%s HK Tick Collector %s</b>", icon, status),
		"Conclusion: " + html.EscapeString(assessment.Conclusion),
		html.EscapeString(metrics),
		html.EscapeString(progress),
	}
	if assessment.Severity != SeverityOK {
		lines = append(lines, "Impact: "+html.EscapeString(assessment.Impact))
	}
	lines = append(lines, "Host: "+html.EscapeString(r.hostText(hostname, instanceID))+
		" | day="+html.EscapeString(snapshot.TradingDay))
	if includeSystemMetrics {
		lines = append(lines, html.EscapeString(fmt.Sprintf(
			"System: load1=%s rss=%sMB disk_free=%sGB",
			formatFloatPtr(snapshot.SystemLoad1, 2),
			formatFloatPtr(snapshot.SystemRSSMB, 1),
			formatFloatPtr(snapshot.SystemDiskFreeGB, 2))))
	}
	lines = append(lines, "sid="+html.EscapeString(snapshot.SID))

	detail := []string{
		fmt.Sprintf("pid=%d uptime=%s db=%s rows=%d", snapshot.PID,
			formatUptime(snapshot.UptimeSec), snapshot.DBPath, snapshot.DBRows),
		fmt.Sprintf("poll_fetched=%d poll_accepted=%d push/min=%d",
			snapshot.PollFetched, snapshot.PollAccepted, snapshot.PushRowsPerMin),
	}
	for _, pair := range topStaleSymbols(snapshot, 5) {
		detail = append(detail, fmt.Sprintf("%s age=%.1fs", pair.symbol, pair.age))
	}

	return r.compose(lines, detail)
}

// RenderAlert formats a WARN or ALERT event.
func (r *Renderer) RenderAlert(event AlertEvent, hostname, instanceID, marketMode string) RenderedMessage {
	severity := event.Severity
	headline := event.Headline
	if headline == "" {
		headline = defaultAlertHeadline(event.Code, severity)
	}
	impact := event.Impact
	if impact == "" {
		impact = defaultAlertImpact(severity)
	}
	summary := "n/a"
	if len(event.SummaryLines) > 0 {
		limit := len(event.SummaryLines)
		if limit > 3 {
			limit = 3
		}
		summary = strings.Join(event.SummaryLines[:limit], " | ")
	}

	icon, label := "\U0001F7E1", "Warning" // yellow circle
	if severity == SeverityAlert {
		icon, label = "\U0001F534", "Alert" // red circle
	}

	duration := "n/a"
	if event.DurationSec != nil && event.ThresholdSec != nil {
		duration = fmt.Sprintf("%ds/%ds", *event.DurationSec, *event.ThresholdSec)
	}

	lines := []string{
		fmt.Sprintf("<b>%s %s</b>", icon, label),
		"Conclusion: " + html.EscapeString(headline),
		html.EscapeString(fmt.Sprintf("event=%s | mode=%s | duration=%s | impact=%s | %s",
			strings.ToUpper(event.Code), marketMode, duration, impact, summary)),
	}
	suggestLimit := 1
	if severity == SeverityAlert {
		suggestLimit = 2
	}
	for idx, suggestion := range event.Suggestions {
		if idx >= suggestLimit || suggestion == "" {
			break
		}
		lines = append(lines, fmt.Sprintf("Suggestion %d: %s", idx+1, html.EscapeString(suggestion)))
	}
	lines = append(lines,
		"Host: "+html.EscapeString(r.hostText(hostname, instanceID))+
			" | day="+html.EscapeString(event.TradingDay),
		"eid="+html.EscapeString(event.EID)+" sid="+html.EscapeString(orNA(event.SID)))

	detail := append([]string{"fingerprint=" + event.Fingerprint}, event.SummaryLines...)
	detail = append(detail, event.Suggestions...)
	return r.compose(lines, detail)
}

// RenderRecovered formats a recovery notice for a resolved alert.
func (r *Renderer) RenderRecovered(event AlertEvent, hostname, instanceID string) RenderedMessage {
	summary := "n/a"
	if len(event.SummaryLines) > 0 {
		limit := len(event.SummaryLines)
		if limit > 2 {
			limit = 2
		}
		summary = strings.Join(event.SummaryLines[:limit], " | ")
	}
	lines := []string{
		"<b>✅ Recovered</b>", // check mark
		"Conclusion: " + html.EscapeString(strings.ToUpper(event.Code)) + " is back to normal",
		html.EscapeString(summary),
		"Host: " + html.EscapeString(r.hostText(hostname, instanceID)) +
			" | day=" + html.EscapeString(event.TradingDay),
		"eid=" + html.EscapeString(event.EID) + " sid=" + html.EscapeString(orNA(event.SID)),
	}
	return r.compose(lines, []string{"fingerprint=" + event.Fingerprint})
}

func (r *Renderer) renderDailyDigest(snapshot HealthSnapshot, digest *dailyDigestState,
	hostname, instanceID string) RenderedMessage {

	growth := "n/a"
	if digest.haveStartRows {
		growth = fmt.Sprintf("%+d rows", digest.dbRows-digest.startDBRows)
	}
	lines := []string{
		"<b>\U0001F4CA Daily digest</b>", // bar chart
		"Conclusion: close summary for " + html.EscapeString(digest.tradingDay),
		html.EscapeString(fmt.Sprintf(
			"total=%d | peak=%d/min | max_lag=%.1fs | alerts=%d | recovered=%d | db_growth=%s",
			digest.totalRows, digest.peakRowsPerMin, digest.maxLagSec,
			digest.alertCount, digest.recoveredCount, growth)),
		html.EscapeString(fmt.Sprintf("db=%s rows=%d", digest.dbPath, digest.dbRows)),
		"Host: " + html.EscapeString(r.hostText(hostname, instanceID)),
		"sid=" + html.EscapeString(snapshot.SID),
	}
	return r.compose(lines, nil)
}

func (r *Renderer) compose(primary, detail []string) RenderedMessage {
	text := strings.Join(primary, "\n")
	if len(detail) > 0 {
		escaped := make([]string, len(detail))
		for i, line := range detail {
			escaped[i] = html.EscapeString(line)
		}
		text += "\n<blockquote expandable>" + strings.Join(escaped, "\n") + "</blockquote>"
	}
	return RenderedMessage{Text: text, ParseMode: r.parseMode}
}

// TruncateRenderedMessage enforces the Telegram size cap. When the
// message carries an expandable blockquote the cut lands inside it so
// the primary lines survive intact.
func TruncateRenderedMessage(message RenderedMessage, maxChars int) RenderedMessage {
	if maxChars < 1 {
		maxChars = 1
	}
	text := message.Text
	if len(text) <= maxChars {
		return message
	}

	const suffix = "\n... [truncated]"
	if strings.EqualFold(message.ParseMode, "HTML") {
		const startTag = "<blockquote expandable>"
		const endTag = "</blockquote>"
		startIdx := strings.Index(text, startTag)
		endIdx := strings.LastIndex(text, endTag)
		if startIdx >= 0 && endIdx > startIdx {
			head := text[:startIdx]
			detail := text[startIdx+len(startTag) : endIdx]
			tail := text[endIdx+len(endTag):]
			keep := maxChars - len(head) - len(startTag) - len(endTag) - len(tail) - len(suffix)
			if keep > 0 {
				if keep > len(detail) {
					keep = len(detail)
				}
				return RenderedMessage{
					Text:      head + startTag + detail[:keep] + suffix + endTag + tail,
					ParseMode: message.ParseMode,
				}
			}
		}
	}

	keep := maxChars - len(suffix)
	if keep < 0 {
		keep = 0
	}
	out := text[:keep] + suffix
	if len(out) > maxChars {
		out = out[:maxChars]
	}
	return RenderedMessage{Text: out, ParseMode: message.ParseMode}
}

func defaultAlertHeadline(code string, severity NotifySeverity) string {
	if severity == SeverityAlert {
		return strings.ToUpper(code) + " requires attention now"
	}
	return strings.ToUpper(code) + " degradation observed"
}

func defaultAlertImpact(severity NotifySeverity) string {
	if severity == SeverityAlert {
		return "data collection is at risk until resolved"
	}
	return "service still operating, degradation possible"
}

type stalePair struct {
	symbol string
	age    float64
}

func topStaleSymbols(snapshot HealthSnapshot, limit int) []stalePair {
	pairs := make([]stalePair, 0, len(snapshot.Symbols))
	for _, item := range snapshot.Symbols {
		if item.LastTickAgeSec == nil {
			continue
		}
		age := *item.LastTickAgeSec
		if age < 0 {
			age = 0
		}
		pairs = append(pairs, stalePair{symbol: item.Symbol, age: age})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].age > pairs[j].age })
	if limit < 1 {
		limit = 1
	}
	if len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}

func bucketLabel(thresholds []float64) string {
	parts := make([]string, len(thresholds))
	for i, v := range thresholds {
		parts[i] = fmt.Sprintf(">=%ds", int(v))
	}
	return strings.Join(parts, "/")
}

func formatFloat(value float64, digits int, ok bool) string {
	if !ok {
		return "n/a"
	}
	return fmt.Sprintf("%.*f", digits, value)
}

func formatFloatPtr(value *float64, digits int) string {
	if value == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.*f", digits, *value)
}

func formatUptime(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}

func orNA(value string) string {
	if value == "" {
		return "n/a"
	}
	return value
}
