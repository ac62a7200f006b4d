// Package recurrence resolves reminder rules into concrete trigger instants.
//
// All searches are bounded. When a bound is exhausted the resolver returns an
// error wrapping domain.ErrUnschedulable instead of guessing a fallback date.
// Hour and minute are evaluated as local civil time in the supplied location;
// every candidate is rebuilt from its calendar date so a DST transition never
// drifts later occurrences.
package recurrence

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/domain"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/logging"
)

const (
	// maxFilterAttempts bounds the weekday/weekend search of daily rules.
	// Any filter recurs within 7 days, so exhausting it is a logic error.
	maxFilterAttempts = 14

	// maxDaySetAttempts bounds the forward scan of specific_days rules.
	maxDaySetAttempts = 7

	// DefaultMonthLookahead is how many months after the reference month a
	// monthly rule may search. It replaces the narrower bound of two
	// successive month look-aheads: three consecutive months without a 5th
	// Monday do occur (Feb-Apr 2022), and two would report such a rule
	// unschedulable. Twelve stays inside the 13-month ceiling.
	DefaultMonthLookahead = 12

	// MaxAdvanceIterations is the global ceiling for repeated resolution
	// when absorbing a backlog.
	MaxAdvanceIterations = 400
)

// Resolver computes the next trigger instant for a rule.
// It holds no mutable state and is safe for concurrent use.
type Resolver struct {
	monthLookahead int
	log            logrus.FieldLogger
}

func New() *Resolver {
	return &Resolver{
		monthLookahead: DefaultMonthLookahead,
		log:            logging.Component(logrus.StandardLogger(), "recurrence"),
	}
}

// WithMonthLookahead overrides how many months past the reference month a
// monthly rule may search. Values below 1 are ignored.
func (r *Resolver) WithMonthLookahead(n int) *Resolver {
	if n >= 1 {
		r.monthLookahead = n
	}
	return r
}

// WithLogger sets the logger used to report exhausted search bounds.
func (r *Resolver) WithLogger(l logrus.FieldLogger) *Resolver {
	r.log = logging.Component(l, "recurrence")
	return r
}

// Resolve loads timezone and returns the next instant strictly after ref.
func (r *Resolver) Resolve(rule domain.Rule, timezone string, ref time.Time) (time.Time, error) {
	loc, err := domain.Reminder{Timezone: timezone}.Location()
	if err != nil {
		return time.Time{}, err
	}
	return r.Next(rule, loc, ref)
}

// Next returns the first trigger instant strictly after ref, evaluated in loc.
// Errors wrap domain.ErrRuleInvalid or domain.ErrUnschedulable.
func (r *Resolver) Next(rule domain.Rule, loc *time.Location, ref time.Time) (time.Time, error) {
	if err := rule.Validate(); err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	local := ref.In(loc)

	switch rule.Kind {
	case domain.RuleDaily:
		return r.nextDaily(rule, local, ref)
	case domain.RuleInterval:
		return nextInterval(rule, local, ref), nil
	case domain.RuleWeekly:
		return nextWeekly(rule, local, ref), nil
	case domain.RuleSpecificDays:
		return r.nextSpecificDays(rule, local, ref)
	case domain.RuleMonthly:
		return r.nextMonthly(rule, local, ref)
	}
	// Validate rejects unknown kinds.
	return time.Time{}, fmt.Errorf("%w: unknown rule type %q", domain.ErrRuleInvalid, rule.Kind)
}

// Advance resolves from ref and keeps resolving while the result is not after
// now, absorbing any backlog of missed occurrences. If the backlog exceeds
// MaxAdvanceIterations the rule is resolved directly from now instead.
func (r *Resolver) Advance(rule domain.Rule, loc *time.Location, ref, now time.Time) (time.Time, error) {
	next, err := r.Next(rule, loc, ref)
	if err != nil {
		return time.Time{}, err
	}
	for i := 0; i < MaxAdvanceIterations; i++ {
		if next.After(now) {
			return next, nil
		}
		if next, err = r.Next(rule, loc, next); err != nil {
			return time.Time{}, err
		}
	}
	if next.After(now) {
		return next, nil
	}

	r.log.WithFields(logrus.Fields{
		"rule": rule.Kind,
		"ref":  ref.UTC().Format(time.RFC3339),
	}).Warn("backlog exceeds advance ceiling, resolving from now")
	return r.Next(rule, loc, now)
}

func (r *Resolver) nextDaily(rule domain.Rule, local, ref time.Time) (time.Time, error) {
	cand := onDay(local, 0, rule)
	if !cand.After(ref) {
		cand = onDay(local, rule.Interval, rule)
	}

	for i := 0; i < maxFilterAttempts; i++ {
		if matchesFilter(cand.Weekday(), rule.DateFilter) {
			return cand, nil
		}
		cand = onDay(cand, 1, rule)
	}

	return time.Time{}, r.exhausted(rule, ref, "date filter %q not satisfied within %d days", rule.DateFilter, maxFilterAttempts)
}

func nextInterval(rule domain.Rule, local, ref time.Time) time.Time {
	cand := onDay(local, 0, rule)
	if !cand.After(ref) {
		cand = onDay(local, rule.Interval, rule)
	}
	return cand
}

func nextWeekly(rule domain.Rule, local, ref time.Time) time.Time {
	diff := (*rule.DayOfWeek - int(local.Weekday()) + 7) % 7
	cand := onDay(local, diff, rule)
	if !cand.After(ref) {
		cand = onDay(local, diff+7*rule.Interval, rule)
	}
	return cand
}

func (r *Resolver) nextSpecificDays(rule domain.Rule, local, ref time.Time) (time.Time, error) {
	var selected [7]bool
	first := 7
	for _, d := range rule.SelectedDays {
		selected[d] = true
		if d < first {
			first = d
		}
	}

	for i := 0; i < maxDaySetAttempts; i++ {
		cand := onDay(local, i, rule)
		if selected[cand.Weekday()] && cand.After(ref) {
			return cand, nil
		}
	}

	// Wrap to the earliest selected weekday of next week (weeks start Sunday).
	cand := onDay(local, 7-int(local.Weekday())+first, rule)
	if cand.After(ref) {
		return cand, nil
	}
	return time.Time{}, r.exhausted(rule, ref, "no selected day within %d days", maxDaySetAttempts)
}

func (r *Resolver) nextMonthly(rule domain.Rule, local, ref time.Time) (time.Time, error) {
	loc := local.Location()
	for i := 0; i <= r.monthLookahead; i++ {
		// Noon avoids DST edges when reading the weekday of the 1st.
		firstOfMonth := time.Date(local.Year(), local.Month()+time.Month(i), 1, 12, 0, 0, 0, loc)
		day, ok := nthWeekday(firstOfMonth, *rule.DayOfWeek, *rule.WeekOfMonth)
		if !ok {
			continue
		}
		cand := time.Date(firstOfMonth.Year(), firstOfMonth.Month(), day, rule.Hour, rule.Minute, 0, 0, loc)
		if cand.After(ref) {
			return cand, nil
		}
	}
	return time.Time{}, r.exhausted(rule, ref, "no week %d weekday %d within %d months", *rule.WeekOfMonth, *rule.DayOfWeek, r.monthLookahead+1)
}

func (r *Resolver) exhausted(rule domain.Rule, ref time.Time, format string, args ...any) error {
	err := fmt.Errorf("%w: %s rule: %s", domain.ErrUnschedulable, rule.Kind, fmt.Sprintf(format, args...))
	r.log.WithFields(logrus.Fields{
		"rule": rule.Kind,
		"ref":  ref.UTC().Format(time.RFC3339),
	}).Error(err.Error())
	return err
}

// nthWeekday returns the day of month of the nth occurrence of weekday in the
// month of firstOfMonth, or false if the month has fewer occurrences.
func nthWeekday(firstOfMonth time.Time, weekday, n int) (int, bool) {
	offset := (weekday - int(firstOfMonth.Weekday()) + 7) % 7
	day := 1 + offset + 7*(n-1)
	if day > daysIn(firstOfMonth.Year(), firstOfMonth.Month(), firstOfMonth.Location()) {
		return 0, false
	}
	return day, true
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 12, 0, 0, 0, loc).Day()
}

// onDay returns the rule's clock time on the calendar date days after t's date.
func onDay(t time.Time, days int, rule domain.Rule) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+days, rule.Hour, rule.Minute, 0, 0, t.Location())
}

func matchesFilter(wd time.Weekday, f domain.DateFilter) bool {
	weekend := wd == time.Saturday || wd == time.Sunday
	switch f {
	case domain.FilterWeekdays:
		return !weekend
	case domain.FilterWeekends:
		return weekend
	default:
		return true
	}
}
