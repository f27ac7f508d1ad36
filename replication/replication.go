// Package replication models transfer cadence: the Mode window a run reads,
// the Schedule it is derived from, and run-gap detection between consecutive
// incremental runs.
package replication

import (
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Replication types.
const (
	FullRefresh = "FULL_REFRESH"
	Incremental = "INCREMENTAL"
)

// Replication periods.
const (
	Weekly    = "WEEKLY"
	Daily     = "DAILY"
	SixHourly = "SIXHOURLY"
	Hourly    = "HOURLY"
)

// periodDelta is the read-window span per period. Each carries deliberate
// overlap beyond its nominal cadence so consecutive half-open windows cannot
// leave gaps under clock skew or worker lag.
var periodDelta = map[string]time.Duration{
	Weekly:    7*24*time.Hour + 12*time.Hour,
	Daily:     24*time.Hour + 3*time.Hour,
	SixHourly: 6*time.Hour + 30*time.Minute,
	Hourly:    time.Hour + 15*time.Minute,
}

// driftTolerance is how far off-schedule a run may start before a warning.
var driftTolerance = map[string]time.Duration{
	Weekly:    3 * time.Hour,
	Daily:     3 * time.Hour,
	SixHourly: time.Hour,
	Hourly:    15 * time.Minute,
}

// Mode is the replication window for one run. For INCREMENTAL, [Start, End)
// is the half-open cursor interval; FULL_REFRESH carries no window.
type Mode struct {
	Type   string     `json:"type"`
	Period string     `json:"period,omitempty"`
	Start  *time.Time `json:"start,omitempty"`
	End    *time.Time `json:"end,omitempty"`
}

// ParseMode decodes a Mode from its JSON wire form, defaulting the type to
// FULL_REFRESH and validating the discriminators.
func ParseMode(raw []byte) (*Mode, error) {
	var m = Mode{Type: FullRefresh}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parsing replication mode: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Mode) Validate() error {
	switch m.Type {
	case FullRefresh, Incremental:
	default:
		return fmt.Errorf("invalid replication type %q", m.Type)
	}
	if m.Period != "" {
		if _, ok := periodDelta[m.Period]; !ok {
			return fmt.Errorf("invalid replication period %q", m.Period)
		}
	}
	if m.Type == Incremental && m.Start != nil && m.End != nil && !m.Start.Before(*m.End) {
		return fmt.Errorf("replication window start %s is not before end %s", m.Start, m.End)
	}
	return nil
}

func (m *Mode) IsFullRefresh() bool { return m.Type == FullRefresh }

// Schedule is the control-plane cadence record a Mode is resolved from.
type Schedule struct {
	Type      string `json:"type,omitempty"` // FULL_REFRESH or INCREMENTAL
	Frequency string `json:"frequency"`
	Day       int    `json:"day,omitempty"` // 0=Sunday, WEEKLY only
	Hour      int    `json:"hour,omitempty"`
	Minute    int    `json:"minute,omitempty"`
}

// Cron renders the schedule as a five-field cron expression with
// Sunday-indexed weekdays.
func (s Schedule) Cron() (string, error) {
	switch s.Frequency {
	case Weekly:
		return fmt.Sprintf("%d %d * * %d", s.Minute, s.Hour, s.Day), nil
	case Daily:
		return fmt.Sprintf("%d %d * * *", s.Minute, s.Hour), nil
	case SixHourly:
		return fmt.Sprintf("%d */6 * * *", s.Minute), nil
	case Hourly:
		return fmt.Sprintf("%d * * * *", s.Minute), nil
	default:
		return "", fmt.Errorf("invalid schedule frequency %q", s.Frequency)
	}
}

// Resolve derives the Mode for a run starting at now (UTC). FULL_REFRESH
// schedules skip all drift checks. For INCREMENTAL the window end snaps to
// the scheduled hour and minute of the current day and the start reaches
// back one period delta.
func Resolve(s Schedule, now time.Time) (*Mode, error) {
	if s.Type == FullRefresh {
		return &Mode{Type: FullRefresh}, nil
	}
	var delta, ok = periodDelta[s.Frequency]
	if !ok {
		return nil, fmt.Errorf("invalid schedule frequency %q", s.Frequency)
	}

	now = now.UTC()
	var end = time.Date(now.Year(), now.Month(), now.Day(), s.Hour, s.Minute, 0, 0, time.UTC)
	var start = end.Add(-delta)

	var drift = end.Sub(now)
	if drift < 0 {
		drift = -drift
	}
	if drift >= driftTolerance[s.Frequency] {
		log.WithFields(log.Fields{
			"frequency": s.Frequency,
			"end":       end,
			"now":       now,
			"drift":     drift,
		}).Warn("execution time is off schedule")
	}
	if s.Frequency == Weekly && s.Day != int(now.Weekday()) {
		log.WithFields(log.Fields{
			"scheduled_day": s.Day,
			"current_day":   int(now.Weekday()),
		}).Warn("weekly schedule day does not match current day")
	}

	return &Mode{Type: Incremental, Period: s.Frequency, Start: &start, End: &end}, nil
}

// RunGapError marks an incremental run whose prior successful run predates
// the current window, meaning rows between the two windows would be skipped.
type RunGapError struct {
	LastRunAt time.Time
	Start     time.Time
}

func (e *RunGapError) Error() string {
	return fmt.Sprintf("last run at %s predates current window start %s",
		e.LastRunAt.Format(time.RFC3339), e.Start.Format(time.RFC3339))
}

func (e *RunGapError) Code() string { return "RUN_GAP_DETECTED" }

// DetectRunGap flags a gap iff the mode is INCREMENTAL, the run was not
// started with explicit overrides, and the prior run's created_at falls
// before the current window start. A nil lastRunAt means no prior run.
func DetectRunGap(lastRunAt *time.Time, mode *Mode, override bool) error {
	if override || mode.IsFullRefresh() || mode.Start == nil || lastRunAt == nil {
		return nil
	}
	if lastRunAt.Before(*mode.Start) {
		return &RunGapError{LastRunAt: *lastRunAt, Start: *mode.Start}
	}
	return nil
}
