package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/hktick/internal/models"
)

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func testConfigBody(t *testing.T) string {
	return `
[upstream]
host = "127.0.0.1"
port = 11111
symbols = ["HK.00700", "HK.00005"]

[store]
data_root = "` + t.TempDir() + `"

[notifier]
enabled = false

[health]
enabled = false

[archive]
enabled = true
dir = "` + t.TempDir() + `"
keep_days = 7

[logging]
level = "disabled"
`
}

func TestNewAppWiresComponents(t *testing.T) {
	a, err := NewApp(writeTestConfig(t, testConfigBody(t)))
	require.NoError(t, err)

	assert.NotNil(t, a.Store)
	assert.NotNil(t, a.Collector)
	assert.NotNil(t, a.Client)
	assert.NotNil(t, a.Notifier)
	assert.NotNil(t, a.Reporter)
	assert.NotNil(t, a.Detector, "gap detection on by default")
	assert.NotNil(t, a.Archiver)
	assert.Nil(t, a.Health, "health endpoint disabled in config")
	assert.False(t, a.Notifier.Active(), "no bot token configured")
	assert.Equal(t, []string{"HK.00700", "HK.00005"}, a.Config.Upstream.Symbols)
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	// no symbols: the subscription set is required
	_, err := NewApp(writeTestConfig(t, `
[upstream]
host = "127.0.0.1"
port = 11111

[store]
data_root = "`+t.TempDir()+`"
`))
	assert.Error(t, err)
}

func TestHealthStatusBeforeFirstTick(t *testing.T) {
	a, err := NewApp(writeTestConfig(t, testConfigBody(t)))
	require.NoError(t, err)

	status := a.healthStatus()
	assert.Equal(t, "ok", status.Status)
	assert.Nil(t, status.LastTickTS)
	assert.Equal(t, 0, status.QueueSize)
	assert.False(t, status.Connected)
}

func TestRunExitsTwoOnPipelineFatal(t *testing.T) {
	a, err := NewApp(writeTestConfig(t, testConfigBody(t)))
	require.NoError(t, err)

	// a worker panic is the one unrecoverable pipeline failure
	a.Collector.SetPersistObserver(func([]models.TickRow, models.PersistResult) {
		panic("observer down")
	})
	a.Collector.Start()

	require.True(t, a.Collector.Enqueue([]models.TickRow{{
		Market:     "HK",
		Symbol:     "HK.00700",
		TSMs:       1000,
		Price:      models.Float64Ptr(345.5),
		Seq:        models.Int64Ptr(1),
		PushType:   models.PushTypePush,
		TradingDay: "20260105",
		RecvTSMs:   1000,
	}}))

	assert.Equal(t, 2, a.Run(), "worker death exits like an unrecoverable stall")
	assert.Error(t, a.Collector.FatalError())
}

func TestEndOfDaySafeWithoutShard(t *testing.T) {
	a, err := NewApp(writeTestConfig(t, testConfigBody(t)))
	require.NoError(t, err)

	// runs without a shard present: report + archive both log and move
	// on, nothing panics
	a.runEndOfDay()
}
