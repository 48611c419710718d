package analytics

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/playwatch/playwatch/internal/storage"
)

const dateKeyLayout = "2006-01-02"

// DayTotal is total tracked time across all programs on one local date.
type DayTotal struct {
	Date         string `json:"date"`
	TotalSeconds int64  `json:"total_seconds"`
}

// TotalPayload is a single-day sum across all programs.
type TotalPayload struct {
	Date         string `json:"date"`
	TotalSeconds int64  `json:"total_seconds"`
}

// ProgramWeek is one program's per-date totals over a week window.
type ProgramWeek struct {
	ProgramID    string           `json:"program_id"`
	Name         string           `json:"name"`
	Days         map[string]int64 `json:"days"`
	TotalSeconds int64            `json:"total_seconds"`
}

// WeeklyPayload lists per-program daily totals for the trailing 7 days.
type WeeklyPayload struct {
	Start    string        `json:"start"`
	End      string        `json:"end"`
	Programs []ProgramWeek `json:"programs"`
}

// TrendPayload lists per-date totals for a trailing window, zero days
// included.
type TrendPayload struct {
	Start string     `json:"start"`
	End   string     `json:"end"`
	Days  []DayTotal `json:"days"`
}

// ProgramShare is one program's slice of a distribution. Days carries the
// per-date breakdown for windowed distributions; the lifetime distribution
// has no date dimension and leaves it empty.
type ProgramShare struct {
	ProgramID    string           `json:"program_id"`
	Name         string           `json:"name"`
	TotalSeconds int64            `json:"total_seconds"`
	Percent      float64          `json:"percent"`
	Days         map[string]int64 `json:"days,omitempty"`
}

// DistributionPayload is a per-program share breakdown.
type DistributionPayload struct {
	RangeDays    int            `json:"range_days,omitempty"`
	TotalSeconds int64          `json:"total_seconds"`
	Programs     []ProgramShare `json:"programs"`
}

// Aggregator computes analytics payloads from the store's read queries.
// All date bucketing happens in the configured location; the store's cutoff
// filter is coarse and sessions are re-bucketed precisely here.
type Aggregator struct {
	store *storage.Store
	loc   *time.Location
}

func NewAggregator(store *storage.Store, loc *time.Location) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{store: store, loc: loc}
}

func (a *Aggregator) startOfDay(t time.Time) time.Time {
	local := t.In(a.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, a.loc)
}

func (a *Aggregator) dateKey(t time.Time) string {
	return t.In(a.loc).Format(dateKeyLayout)
}

// sessionsSince loads closed sessions starting on or after the given local
// day start.
func (a *Aggregator) sessionsSince(dayStart time.Time) ([]storage.SessionSum, error) {
	sums, err := a.store.ListClosedSessionsSince(dayStart)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	filtered := sums[:0]
	for _, s := range sums {
		if !s.StartTime.In(a.loc).Before(dayStart) {
			filtered = append(filtered, s)
		}
	}
	return filtered, nil
}

// DayTotalFor sums all closed sessions that started on the given local date.
func (a *Aggregator) DayTotalFor(day time.Time) (TotalPayload, error) {
	dayStart := a.startOfDay(day)
	key := a.dateKey(dayStart)

	sums, err := a.sessionsSince(dayStart)
	if err != nil {
		return TotalPayload{}, err
	}

	var total int64
	for _, s := range sums {
		if a.dateKey(s.StartTime) == key {
			total += s.DurationSeconds
		}
	}

	return TotalPayload{Date: key, TotalSeconds: total}, nil
}

// WeeklyByProgram buckets the trailing 7 days (ending on the given day) per
// program per date.
func (a *Aggregator) WeeklyByProgram(day time.Time) (WeeklyPayload, error) {
	end := a.startOfDay(day)
	start := end.AddDate(0, 0, -6)

	sums, err := a.sessionsSince(start)
	if err != nil {
		return WeeklyPayload{}, err
	}

	byProgram := make(map[string]*ProgramWeek)
	for _, s := range sums {
		week, ok := byProgram[s.ProgramID]
		if !ok {
			week = &ProgramWeek{
				ProgramID: s.ProgramID,
				Name:      s.ProgramName,
				Days:      make(map[string]int64),
			}
			byProgram[s.ProgramID] = week
		}
		key := a.dateKey(s.StartTime)
		week.Days[key] += s.DurationSeconds
		week.TotalSeconds += s.DurationSeconds
	}

	programs := make([]ProgramWeek, 0, len(byProgram))
	for _, week := range byProgram {
		programs = append(programs, *week)
	}
	sort.Slice(programs, func(i, j int) bool {
		if programs[i].TotalSeconds != programs[j].TotalSeconds {
			return programs[i].TotalSeconds > programs[j].TotalSeconds
		}
		return programs[i].Name < programs[j].Name
	})

	return WeeklyPayload{
		Start:    a.dateKey(start),
		End:      a.dateKey(end),
		Programs: programs,
	}, nil
}

// Trend sums per-date totals over a trailing window of the given length,
// emitting an entry for every date including zero days.
func (a *Aggregator) Trend(day time.Time, windowDays int) (TrendPayload, error) {
	end := a.startOfDay(day)
	start := end.AddDate(0, 0, -(windowDays - 1))

	sums, err := a.sessionsSince(start)
	if err != nil {
		return TrendPayload{}, err
	}

	byDate := make(map[string]int64)
	for _, s := range sums {
		byDate[a.dateKey(s.StartTime)] += s.DurationSeconds
	}

	days := make([]DayTotal, 0, windowDays)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		key := a.dateKey(d)
		days = append(days, DayTotal{Date: key, TotalSeconds: byDate[key]})
	}

	return TrendPayload{
		Start: a.dateKey(start),
		End:   a.dateKey(end),
		Days:  days,
	}, nil
}

// RangeDistribution computes per-program per-date totals over a trailing
// window, with each program's share of the window's grand total alongside.
func (a *Aggregator) RangeDistribution(day time.Time, rangeDays int) (DistributionPayload, error) {
	end := a.startOfDay(day)
	start := end.AddDate(0, 0, -(rangeDays - 1))

	sums, err := a.sessionsSince(start)
	if err != nil {
		return DistributionPayload{}, err
	}

	totals := make(map[string]*ProgramShare)
	var grand int64
	for _, s := range sums {
		share, ok := totals[s.ProgramID]
		if !ok {
			share = &ProgramShare{
				ProgramID: s.ProgramID,
				Name:      s.ProgramName,
				Days:      make(map[string]int64),
			}
			totals[s.ProgramID] = share
		}
		share.Days[a.dateKey(s.StartTime)] += s.DurationSeconds
		share.TotalSeconds += s.DurationSeconds
		grand += s.DurationSeconds
	}

	return DistributionPayload{
		RangeDays:    rangeDays,
		TotalSeconds: grand,
		Programs:     shareSlice(totals, grand),
	}, nil
}

// TotalDistribution computes lifetime per-program shares from the cumulative
// totals, independent of session rows.
func (a *Aggregator) TotalDistribution() (DistributionPayload, error) {
	totals, err := a.store.ProgramTotals()
	if err != nil {
		return DistributionPayload{}, fmt.Errorf("load program totals: %w", err)
	}

	var grand int64
	for _, t := range totals {
		grand += t.TotalSeconds
	}

	programs := make([]ProgramShare, 0, len(totals))
	for _, t := range totals {
		programs = append(programs, ProgramShare{
			ProgramID:    t.ProgramID,
			Name:         t.Name,
			TotalSeconds: t.TotalSeconds,
			Percent:      percentOf(t.TotalSeconds, grand),
		})
	}

	return DistributionPayload{TotalSeconds: grand, Programs: programs}, nil
}

func shareSlice(totals map[string]*ProgramShare, grand int64) []ProgramShare {
	programs := make([]ProgramShare, 0, len(totals))
	for _, share := range totals {
		share.Percent = percentOf(share.TotalSeconds, grand)
		programs = append(programs, *share)
	}
	sort.Slice(programs, func(i, j int) bool {
		if programs[i].TotalSeconds != programs[j].TotalSeconds {
			return programs[i].TotalSeconds > programs[j].TotalSeconds
		}
		return programs[i].Name < programs[j].Name
	})
	return programs
}

func percentOf(part, whole int64) float64 {
	if whole == 0 {
		return 0
	}
	return math.Round(float64(part)/float64(whole)*1000) / 10
}
