package triggers

import (
	"fmt"
	"time"

	"github.com/sosodev/duration"

	"github.com/product-os/jellyfish-worker-sub001/pkg/contracts"
)

// StartDate returns the rule's declared start date, or the zero time
// when no parseable start date is declared: such rules are always
// active. A rule is only eligible to fire once wall-clock time has
// reached its start date.
func StartDate(rule *contracts.TriggeredAction) time.Time {
	if rule.StartDate == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339, rule.StartDate)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// NextExecutionDate computes when a time-driven rule should fire next.
// The second return value is false for filter-driven rules, which have
// no interval. An unparseable interval is a fatal configuration error.
//
// Without a prior execution the next fire is the start date itself.
// Given one, the next fire lands on the first interval boundary after
// the last execution, counted from the start date, so irregular tick
// timing never drifts the schedule off its boundaries.
func NextExecutionDate(rule *contracts.TriggeredAction, lastExecution time.Time) (time.Time, bool, error) {
	if rule.Interval == "" {
		return time.Time{}, false, nil
	}
	parsed, err := duration.Parse(rule.Interval)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: bad interval %q in %s: %v",
			contracts.ErrInvalidTrigger, rule.Interval, rule.ID, err)
	}
	interval := parsed.ToTimeDuration()
	if interval <= 0 {
		return time.Time{}, false, fmt.Errorf("%w: non-positive interval %q in %s",
			contracts.ErrInvalidTrigger, rule.Interval, rule.ID)
	}

	start := StartDate(rule)
	if lastExecution.IsZero() {
		return start, true, nil
	}

	distance := lastExecution.Sub(start)
	if distance < 0 {
		distance = -distance
	}
	elapsed := int64(distance / interval)
	return start.Add(time.Duration(elapsed+1) * interval), true, nil
}
