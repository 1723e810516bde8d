// Package planner decides which days a worker run visits and whether each day
// must be downloaded again even if its products are already stored.
package planner

import (
	"sort"
	"time"
)

const day = 24 * time.Hour

// Params ...
type Params struct {
	// RedownloadWindowDays places the redownload anchor at today minus this many days.
	RedownloadWindowDays int
	// RecentDays is the size of the always forced window ending today.
	RecentDays int
	// ThresholdWindow widens the redownload interval on each side of the anchor.
	ThresholdWindow int
	// RecatalogizeOnly turns every force flag off.
	RecatalogizeOnly bool
}

// Entry is one planned day.
type Entry struct {
	Day   time.Time
	Force bool
}

type interval struct {
	from, to time.Time
	force    bool
}

// Truncate drops the time of day, keeping the date in UTC.
func Truncate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Plan returns the ascending, duplicate free list of days to process.
// A nil last is treated as today.
func Plan(last *time.Time, today time.Time, p Params) []Entry {
	today = Truncate(today)
	lastDay := today
	if last != nil {
		lastDay = Truncate(*last)
	}

	gap := int(today.Sub(lastDay) / day)
	if gap < 0 {
		gap = 0
	}
	anchor := today.AddDate(0, 0, -p.RedownloadWindowDays)

	intervals := []interval{
		{
			from:  anchor.AddDate(0, 0, -p.ThresholdWindow-gap),
			to:    anchor.AddDate(0, 0, p.ThresholdWindow),
			force: true,
		},
		{
			from:  lastDay,
			to:    today.AddDate(0, 0, -p.RecentDays-1),
			force: false,
		},
		{
			from:  today.AddDate(0, 0, -p.RecentDays),
			to:    today,
			force: true,
		},
	}

	merged := make(map[time.Time]bool)
	for _, iv := range intervals {
		for d := iv.from; !d.After(iv.to); d = d.AddDate(0, 0, 1) {
			if d.After(today) {
				break
			}
			merged[d] = merged[d] || iv.force
		}
	}

	entries := make([]Entry, 0, len(merged))
	for d, force := range merged {
		if p.RecatalogizeOnly {
			force = false
		}
		entries = append(entries, Entry{Day: d, Force: force})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Day.Before(entries[j].Day)
	})
	return entries
}
