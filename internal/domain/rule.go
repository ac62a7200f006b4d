package domain

import "fmt"

type RuleKind string

const (
	RuleDaily        RuleKind = "daily"
	RuleWeekly       RuleKind = "weekly"
	RuleMonthly      RuleKind = "monthly"
	RuleInterval     RuleKind = "interval"
	RuleSpecificDays RuleKind = "specific_days"
)

type DateFilter string

const (
	FilterAll      DateFilter = "all"
	FilterWeekdays DateFilter = "weekdays"
	FilterWeekends DateFilter = "weekends"
)

// Rule describes when a reminder fires. Hour and Minute are local civil time
// in the owning reminder's timezone. Weekdays use 0=Sunday..6=Saturday.
type Rule struct {
	Kind         RuleKind   `json:"type"`
	Interval     int        `json:"interval"`
	Hour         int        `json:"hour"`
	Minute       int        `json:"minute"`
	DateFilter   DateFilter `json:"dateFilter,omitempty"`
	DayOfWeek    *int       `json:"dayOfWeek,omitempty"`
	WeekOfMonth  *int       `json:"weekOfMonth,omitempty"`
	SelectedDays []int      `json:"selectedDays,omitempty"`
}

// Validate reports structural problems. All returned errors wrap ErrRuleInvalid.
func (r Rule) Validate() error {
	if r.Hour < 0 || r.Hour > 23 {
		return invalid("hour %d out of range 0-23", r.Hour)
	}
	if r.Minute < 0 || r.Minute > 59 {
		return invalid("minute %d out of range 0-59", r.Minute)
	}

	switch r.DateFilter {
	case "", FilterAll:
	case FilterWeekdays, FilterWeekends:
		// Only daily rules step day by day; other kinds would ignore it.
		if r.Kind != RuleDaily {
			return invalid("dateFilter %q only applies to daily rules", r.DateFilter)
		}
	default:
		return invalid("unknown date filter %q", r.DateFilter)
	}

	switch r.Kind {
	case RuleDaily, RuleInterval:
		if r.Interval < 1 {
			return invalid("%s rule requires interval >= 1, got %d", r.Kind, r.Interval)
		}
	case RuleWeekly:
		if r.Interval < 1 {
			return invalid("weekly rule requires interval >= 1, got %d", r.Interval)
		}
		if err := validWeekday("dayOfWeek", r.DayOfWeek); err != nil {
			return err
		}
	case RuleMonthly:
		if err := validWeekday("dayOfWeek", r.DayOfWeek); err != nil {
			return err
		}
		if r.WeekOfMonth == nil {
			return invalid("monthly rule requires weekOfMonth")
		}
		if *r.WeekOfMonth < 1 || *r.WeekOfMonth > 5 {
			return invalid("weekOfMonth %d out of range 1-5", *r.WeekOfMonth)
		}
	case RuleSpecificDays:
		if len(r.SelectedDays) == 0 {
			return invalid("specific_days rule requires selectedDays")
		}
		for _, d := range r.SelectedDays {
			if d < 0 || d > 6 {
				return invalid("selectedDays entry %d out of range 0-6", d)
			}
		}
	default:
		return invalid("unknown rule type %q", r.Kind)
	}
	return nil
}

func validWeekday(field string, v *int) error {
	if v == nil {
		return invalid("%s is required", field)
	}
	if *v < 0 || *v > 6 {
		return invalid("%s %d out of range 0-6", field, *v)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrRuleInvalid}, args...)...)
}

// IntPtr is a convenience for building rules with optional fields.
func IntPtr(v int) *int { return &v }
