// Package schedule computes the next occurrence of a cron expression in a named timezone.
//
// Local wall-clock time is authoritative: expressions are evaluated in the
// task's IANA location and the UTC instant is derived from the local result.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// InvalidScheduleError reports a malformed cron expression or timezone.
// Callers must leave the previous schedule untouched when they receive it.
type InvalidScheduleError struct {
	Expr     string
	Timezone string
	Reason   string
	Err      error
}

func (e *InvalidScheduleError) Error() string {
	msg := "invalid schedule"
	if e.Expr != "" {
		msg += fmt.Sprintf(" %q", e.Expr)
	}
	if e.Timezone != "" {
		msg += " in " + e.Timezone
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvalidScheduleError) Unwrap() error { return e.Err }

// Remediation tells the caller what to supply instead.
func (e *InvalidScheduleError) Remediation() string {
	return "use a 5-field cron expression such as \"0 3 * * *\" (minute hour day-of-month month day-of-week) and an IANA timezone such as \"Europe/Zurich\""
}

// IsInvalid reports whether err is an InvalidScheduleError.
func IsInvalid(err error) bool {
	var ise *InvalidScheduleError
	return errors.As(err, &ise)
}

// Calculator parses expressions with the classic 5-field grammar plus descriptors (@daily, @hourly).
// Day-of-month and day-of-week combine with OR when both are restricted.
type Calculator struct {
	parser cron.Parser
	locs   sync.Map // tz name -> *time.Location
}

func NewCalculator() *Calculator {
	return &Calculator{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

var std = NewCalculator()

// Next is NewCalculator().Next with a shared calculator.
func Next(expr, tz string, from time.Time) (local, utc time.Time, err error) {
	return std.Next(expr, tz, from)
}

// Location resolves an IANA name. Empty means UTC.
func (c *Calculator) Location(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		tz = "UTC"
	}
	if v, ok := c.locs.Load(tz); ok {
		return v.(*time.Location), nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, &InvalidScheduleError{Timezone: tz, Reason: "unknown timezone", Err: err}
	}
	c.locs.Store(tz, loc)
	return loc, nil
}

func (c *Calculator) parse(expr string) (cron.Schedule, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, &InvalidScheduleError{Reason: "cron expression required"}
	}
	up := strings.ToUpper(s)
	if strings.HasPrefix(up, "TZ=") || strings.HasPrefix(up, "CRON_TZ=") {
		return nil, &InvalidScheduleError{Expr: expr, Reason: "timezone belongs in the timezone field, not the expression"}
	}
	sched, err := c.parser.Parse(s)
	if err != nil {
		return nil, &InvalidScheduleError{Expr: expr, Err: err}
	}
	return sched, nil
}

// Validate checks expr and tz without computing anything.
func (c *Calculator) Validate(expr, tz string) error {
	if _, err := c.Location(tz); err != nil {
		return err
	}
	_, err := c.parse(expr)
	return err
}

// Next returns the first occurrence strictly after from, as local wall-clock
// time in tz and as the same instant in UTC.
func (c *Calculator) Next(expr, tz string, from time.Time) (local, utc time.Time, err error) {
	loc, err := c.Location(tz)
	if err != nil {
		if ise, ok := err.(*InvalidScheduleError); ok {
			ise.Expr = expr
		}
		return time.Time{}, time.Time{}, err
	}
	sched, err := c.parse(expr)
	if err != nil {
		if ise, ok := err.(*InvalidScheduleError); ok {
			ise.Timezone = tz
		}
		return time.Time{}, time.Time{}, err
	}
	if from.IsZero() {
		from = time.Now()
	}
	local = sched.Next(from.In(loc))
	if local.IsZero() {
		return time.Time{}, time.Time{}, &InvalidScheduleError{Expr: expr, Timezone: tz, Reason: "expression never fires"}
	}
	return local, local.UTC(), nil
}

// Upcoming lists the next n occurrences after from, in tz.
func (c *Calculator) Upcoming(expr, tz string, from time.Time, n int) ([]time.Time, error) {
	out := make([]time.Time, 0, max(n, 0))
	cur := from
	for range n {
		local, _, err := c.Next(expr, tz, cur)
		if err != nil {
			return nil, err
		}
		out = append(out, local)
		cur = local
	}
	return out, nil
}

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseLocal reads an explicit instant. RFC3339 input keeps its offset;
// offset-less input is interpreted as wall-clock time in tz.
func (c *Calculator) ParseLocal(value, tz string) (local, utc time.Time, err error) {
	loc, err := c.Location(tz)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, time.Time{}, &InvalidScheduleError{Timezone: tz, Reason: "execution time required"}
	}
	if t, perr := time.Parse(time.RFC3339, v); perr == nil {
		t = t.In(loc)
		return t, t.UTC(), nil
	}
	for _, layout := range localLayouts {
		if t, perr := time.ParseInLocation(layout, v, loc); perr == nil {
			return t, t.UTC(), nil
		}
	}
	return time.Time{}, time.Time{}, &InvalidScheduleError{
		Timezone: tz,
		Reason:   fmt.Sprintf("cannot parse execution time %q (use RFC3339 or YYYY-MM-DDTHH:MM)", value),
	}
}
