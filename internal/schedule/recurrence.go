package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts the standard 5-field cron format
// (minute hour day-of-month month day-of-week).
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ValidateRule checks a recurrence rule: one of the keyword rules or a
// 5-field cron expression.
func ValidateRule(rule string) error {
	switch rule {
	case "daily", "weekdays", "weekly", "monthly":
		return nil
	}
	if _, err := cronParser.Parse(rule); err != nil {
		return fmt.Errorf("invalid recurrence rule %q: %w", rule, err)
	}
	return nil
}

// ComputeNext returns the occurrence after due for the rule. Keyword rules
// use calendar math so DST boundaries and month lengths behave naturally;
// cron rules are evaluated with the cron parser's full semantics.
func ComputeNext(due time.Time, rule string) (time.Time, error) {
	switch rule {
	case "daily":
		return due.AddDate(0, 0, 1), nil
	case "weekdays":
		next := due.AddDate(0, 0, 1)
		for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil
	case "weekly":
		return due.AddDate(0, 0, 7), nil
	case "monthly":
		return due.AddDate(0, 1, 0), nil
	}

	sched, err := cronParser.Parse(rule)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid recurrence rule %q: %w", rule, err)
	}
	next := sched.Next(due)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("rule %q has no next occurrence after %s", rule, due)
	}
	return next, nil
}
