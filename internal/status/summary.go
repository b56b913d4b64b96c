package status

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/collectord/internal/collector"
)

// DateLayout formats summary dates.
const DateLayout = "2006-01-02"

// Summary aggregates one collector's terminal events for one day.
// UptimePercentage is nil when the day has no terminal events.
type Summary struct {
	CollectorID      string           `json:"collector_id"`
	Date             string           `json:"date"`
	Total            int              `json:"total"`
	Successes        int              `json:"successes"`
	Errors           int              `json:"errors"`
	Warnings         int              `json:"warnings"`
	UptimePercentage *float64         `json:"uptime_percentage"`
	LastStatus       collector.Status `json:"last_status,omitempty"`
	LastError        string           `json:"last_error,omitempty"`
	LastTimestamp    *time.Time       `json:"last_timestamp,omitempty"`
}

// HasData reports whether uptime is defined.
func (s Summary) HasData() bool { return s.UptimePercentage != nil }

// DayStart returns midnight of t's calendar day in the store's zone.
func (s *Store) DayStart(t time.Time) time.Time {
	t = t.In(s.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.loc)
}

// ParseDate parses a YYYY-MM-DD date in the store's zone.
func (s *Store) ParseDate(value string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, value, s.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", value, err)
	}
	return t, nil
}

// DailySummary summarizes the calendar day containing date.
func (s *Store) DailySummary(ctx context.Context, collectorID string, date time.Time) (Summary, error) {
	start := s.DayStart(date)
	events, err := s.repo.Range(ctx, collectorID, start, start.AddDate(0, 0, 1))
	if err != nil {
		return Summary{}, fmt.Errorf("summary for %s on %s: %w", collectorID, start.Format(DateLayout), err)
	}
	return summarize(collectorID, start.Format(DateLayout), events), nil
}

// DailySummaries returns one summary per day with events since the day of
// since, newest day first.
func (s *Store) DailySummaries(ctx context.Context, collectorID string, since time.Time) ([]Summary, error) {
	events, err := s.repo.Range(ctx, collectorID, s.DayStart(since), farFuture)
	if err != nil {
		return nil, fmt.Errorf("summaries for %s: %w", collectorID, err)
	}
	var (
		out  []Summary
		day  string
		from int
	)
	for i, ev := range events {
		d := ev.Timestamp.In(s.loc).Format(DateLayout)
		if i > 0 && d != day {
			out = append(out, summarize(collectorID, day, events[from:i]))
			from = i
		}
		day = d
	}
	if len(events) > 0 {
		out = append(out, summarize(collectorID, day, events[from:]))
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func summarize(collectorID, date string, events []Event) Summary {
	sum := Summary{CollectorID: collectorID, Date: date}
	for _, ev := range events {
		sum.LastStatus = ev.Status
		ts := ev.Timestamp
		sum.LastTimestamp = &ts
		switch ev.Status {
		case collector.StatusRunning:
			continue
		case collector.StatusOK:
			sum.Successes++
		case collector.StatusError:
			sum.Errors++
			sum.LastError = ev.Message
		case collector.StatusWarning:
			sum.Warnings++
		}
		sum.Total++
	}
	if sum.Total > 0 {
		uptime := 100 * float64(sum.Successes) / float64(sum.Total)
		sum.UptimePercentage = &uptime
	}
	return sum
}

// Aggregate derives a parent collector's displayed status from its own
// status and its specialized children.
func Aggregate(parent collector.Status, children []collector.Status) collector.Status {
	if len(children) == 0 {
		return parent
	}
	errs := 0
	for _, c := range children {
		if c == collector.StatusRunning {
			return collector.StatusRunning
		}
		if c == collector.StatusError {
			errs++
		}
	}
	switch {
	case errs == len(children):
		return collector.StatusError
	case errs > 0 && parent == collector.StatusOK:
		return collector.StatusWarning
	default:
		return parent
	}
}
