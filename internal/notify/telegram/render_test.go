package telegram

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderHealthPrimaryLines(t *testing.T) {
	r := NewRenderer()
	snapshot := HealthSnapshot{
		CreatedAt:           time.Now(),
		TradingDay:          "20260105",
		DBPath:              "data/sqlite/HK/20260105.db",
		DBRows:              12345,
		DriftSec:            floatPtr(1.2),
		QueueSize:           10,
		QueueMax:            20000,
		PersistedRowsPerMin: 480,
		Symbols: []SymbolSnapshot{
			{Symbol: "HK.00700", LastTickAgeSec: floatPtr(0.8)},
		},
		SID: "sid-abc",
	}
	assessment := HealthAssessment{
		Severity:   SeverityOK,
		Conclusion: "in-session collection and persistence are stable",
		MarketMode: "open",
	}

	msg := r.RenderHealth(snapshot, assessment, "host1", "inst1", true)
	assert.Equal(t, "HTML", msg.ParseMode)
	assert.Contains(t, msg.Text, "HK Tick Collector healthy")
	assert.Contains(t, msg.Text, "persisted=480/min")
	assert.Contains(t, msg.Text, "host1 / inst1")
	assert.Contains(t, msg.Text, "day=20260105")
	assert.Contains(t, msg.Text, "sid=sid-abc")
	assert.Contains(t, msg.Text, "<blockquote expandable>")
	assert.Contains(t, msg.Text, "HK.00700 age=0.8s")
}

func TestRenderAlertEscapesHTML(t *testing.T) {
	r := NewRenderer()
	event := AlertEvent{
		Code:         "persist_stall",
		Fingerprint:  "PERSIST_STALL:20260105:HK.00700",
		TradingDay:   "20260105",
		Severity:     SeverityAlert,
		SummaryLines: []string{"queue=500 <full>", "commit_age=130s"},
		Suggestions:  []string{"journalctl -u hktick-collector"},
		EID:          "eid-1",
	}
	msg := r.RenderAlert(event, "host1", "", "open")
	assert.Contains(t, msg.Text, "PERSIST_STALL")
	assert.Contains(t, msg.Text, "queue=500 &lt;full&gt;")
	assert.NotContains(t, msg.Text, "<full>")
	assert.Contains(t, msg.Text, "eid=eid-1")
	assert.Contains(t, msg.Text, "fingerprint=PERSIST_STALL:20260105:HK.00700")
}

func TestRenderRecovered(t *testing.T) {
	r := NewRenderer()
	event := AlertEvent{
		Code:         "disconnect",
		Fingerprint:  "DISCONNECT:gw",
		TradingDay:   "20260105",
		Severity:     SeverityOK,
		SummaryLines: []string{"reconnected after 42s"},
		EID:          "eid-2",
	}
	msg := r.RenderRecovered(event, "host1", "")
	assert.Contains(t, msg.Text, "Recovered")
	assert.Contains(t, msg.Text, "DISCONNECT is back to normal")
	assert.Contains(t, msg.Text, "reconnected after 42s")
}

func TestTruncationClipsDetailNotPrimary(t *testing.T) {
	r := NewRenderer()
	primary := []string{"<b>headline</b>", "Conclusion: fine", "Host: host1"}
	detail := make([]string, 0, 400)
	for i := 0; i < 400; i++ {
		detail = append(detail, strings.Repeat("x", 20))
	}
	msg := r.compose(primary, detail)
	require.Greater(t, len(msg.Text), MaxMessageChars)

	clipped := TruncateRenderedMessage(msg, MaxMessageChars)
	assert.LessOrEqual(t, len(clipped.Text), MaxMessageChars)
	assert.Contains(t, clipped.Text, "<b>headline</b>")
	assert.Contains(t, clipped.Text, "Conclusion: fine")
	assert.Contains(t, clipped.Text, "Host: host1")
	assert.Contains(t, clipped.Text, "... [truncated]")
	assert.Contains(t, clipped.Text, "</blockquote>")
}

func TestTruncationNoopWhenSmall(t *testing.T) {
	msg := RenderedMessage{Text: "short", ParseMode: "HTML"}
	assert.Equal(t, msg, TruncateRenderedMessage(msg, MaxMessageChars))
}

func TestTruncationWithoutBlockquote(t *testing.T) {
	msg := RenderedMessage{Text: strings.Repeat("a", 5000), ParseMode: "HTML"}
	clipped := TruncateRenderedMessage(msg, MaxMessageChars)
	assert.LessOrEqual(t, len(clipped.Text), MaxMessageChars)
	assert.True(t, strings.HasSuffix(clipped.Text, "... [truncated]"))
}

func TestShortIDShape(t *testing.T) {
	id := NewShortID("sid")
	assert.True(t, strings.HasPrefix(id, "sid-"))
	assert.Len(t, id, len("sid-")+8)
	assert.NotEqual(t, id, NewShortID("sid"))
}
