package backup

import (
	"fmt"
	"time"
)

// retentionWindow is one of the four grouping windows. Backups whose
// creation time falls inside [from, to) are bucketed by key; only the
// most recent backup per bucket survives.
type retentionWindow struct {
	name string
	from time.Time // exclusive lower bound of the window (older edge)
	to   time.Time // upper bound (newer edge)
	key  func(time.Time) string
}

func (w retentionWindow) contains(t time.Time) bool {
	return !t.Before(w.from) && t.Before(w.to)
}

// retentionWindows builds the five sequential windows walking backward
// from now. The keep-all window is implicit: anything newer than the
// first window's upper bound is untouched.
func retentionWindows(now time.Time, cfg RetentionConfig) []retentionWindow {
	allEnd := now.AddDate(0, 0, -cfg.KeepAllDays)
	dailyEnd := allEnd.AddDate(0, 0, -cfg.KeepDailyDays)
	weeklyEnd := dailyEnd.AddDate(0, 0, -cfg.KeepWeeklyWeeks*7)
	monthlyEnd := weeklyEnd.AddDate(0, -cfg.KeepMonthlyMonths, 0)
	yearlyEnd := monthlyEnd.AddDate(-cfg.KeepYearlyYears, 0, 0)

	return []retentionWindow{
		{name: "daily", from: dailyEnd, to: allEnd, key: dayKey},
		{name: "weekly", from: weeklyEnd, to: dailyEnd, key: weekKey},
		{name: "monthly", from: monthlyEnd, to: weeklyEnd, key: monthKey},
		{name: "yearly", from: yearlyEnd, to: monthlyEnd, key: yearKey},
	}
}

// Calendar bucket keys. Grouping is by calendar boundary, not by rolling
// window, so two backups 23 hours apart on different calendar days land
// in different buckets and are both kept.
func dayKey(t time.Time) string   { return t.Format("2006-01-02") }
func monthKey(t time.Time) string { return t.Format("2006-01") }
func yearKey(t time.Time) string  { return t.Format("2006") }

func weekKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// planRetention classifies retention candidates into keep and remove
// sets. Candidates must be ordered newest first and must already exclude
// locked records. The single newest backup is unconditionally exempt and
// is pulled out of the candidate set before classification.
func planRetention(now time.Time, cfg RetentionConfig, candidates []*Record) (keep, remove []*Record) {
	if len(candidates) == 0 {
		return nil, nil
	}

	// Newest survives regardless of tier.
	keep = append(keep, candidates[0])
	rest := candidates[1:]

	windows := retentionWindows(now, cfg)
	oldest := windows[len(windows)-1].from
	allEnd := windows[0].to

	// bucketWinner tracks the most recent backup seen per window bucket.
	// Candidates arrive newest first, so the first backup in each bucket
	// is the winner.
	bucketWinner := make(map[string]bool)

	for _, record := range rest {
		at := record.StartedAt

		// Inside the keep-all window: untouched.
		if !at.Before(allEnd) {
			keep = append(keep, record)
			continue
		}

		// Older than every window: unconditionally deleted.
		if at.Before(oldest) {
			remove = append(remove, record)
			continue
		}

		for _, w := range windows {
			if !w.contains(at) {
				continue
			}
			bucket := w.name + ":" + w.key(at)
			if bucketWinner[bucket] {
				remove = append(remove, record)
			} else {
				bucketWinner[bucket] = true
				keep = append(keep, record)
			}
			break
		}
	}

	return keep, remove
}
