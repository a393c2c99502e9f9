package clock

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aatumaykin/nexq/internal/job"
)

// Evaluator computes cron trigger times. It holds no state besides the parser.
type Evaluator struct {
	parser cron.Parser
}

// NewEvaluator accepts standard five field expressions, an optional leading
// seconds field, descriptors such as @hourly or @every 5m, and CRON_TZ= prefixes.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate checks that expr parses.
func (e *Evaluator) Validate(expr string) error {
	if _, err := e.parser.Parse(expr); err != nil {
		return &job.ScheduleParseError{Expression: expr, Err: err}
	}
	return nil
}

// Next returns the first trigger time strictly after from.
func (e *Evaluator) Next(expr string, from time.Time) (time.Time, error) {
	sched, err := e.parser.Parse(expr)
	if err != nil {
		return time.Time{}, &job.ScheduleParseError{Expression: expr, Err: err}
	}
	next := sched.Next(from)
	if next.IsZero() {
		return time.Time{}, &job.ScheduleParseError{Expression: expr, Err: errNoFutureTrigger}
	}
	return next.UTC(), nil
}

type constError string

func (e constError) Error() string { return string(e) }

const errNoFutureTrigger = constError("expression never triggers")
