package app

import (
	"time"

	"github.com/robfig/cron/v3"
)

// defaultEODSchedule fires half an hour after the HK close, weekdays.
const defaultEODSchedule = "30 17 * * MON-FRI"

// startScheduler registers the end-of-day job in exchange-local time.
func (a *App) startScheduler() {
	spec := a.Config.Archive.Schedule
	if spec == "" {
		spec = defaultEODSchedule
	}

	a.cron = cron.New(cron.WithLocation(a.Calendar.Location()))
	if _, err := a.cron.AddFunc(spec, a.runEndOfDay); err != nil {
		a.Logger.Error().Err(err).Str("schedule", spec).Msg("end-of-day schedule rejected")
		a.cron = nil
		return
	}
	a.cron.Start()
	a.Logger.Info().Str("schedule", spec).Msg("end-of-day job scheduled")
}

// runEndOfDay generates the quality report and archives the shard for
// the current trading day. Weekends and holidays are skipped; the cron
// spec already excludes weekends but holidays need the calendar.
func (a *App) runEndOfDay() {
	now := time.Now()
	state := a.Calendar.StateAt(now)
	if !state.IsTradingDay {
		a.Logger.Info().Str("trading_day", state.TradingDay).Msg("end-of-day skipped, market closed")
		return
	}
	day := state.TradingDay
	start := now

	if report, err := a.Reporter.Generate(day); err != nil {
		a.Logger.Error().Err(err).Str("trading_day", day).Msg("quality report failed")
	} else {
		a.Logger.Info().
			Str("trading_day", day).
			Str("path", a.Reporter.ReportPath(day)).
			Int64("rows", report.Volume.TotalRows).
			Msg("quality report written")
	}

	if a.Archiver != nil {
		if _, err := a.Archiver.ArchiveDay(day); err != nil {
			a.Logger.Error().Err(err).Str("trading_day", day).Msg("shard archive failed")
		} else {
			a.Archiver.Prune()
		}
	}

	a.Logger.Info().
		Str("trading_day", day).
		Dur("elapsed", time.Since(start)).
		Msg("end-of-day complete")
}
