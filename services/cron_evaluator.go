package services

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// CronEvaluator computes fire times for standard five field cron expressions.
// Descriptors such as @hourly are accepted too. Safe for concurrent use.
type CronEvaluator struct {
	parser cron.Parser
}

func NewCronEvaluator() *CronEvaluator {
	return &CronEvaluator{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Next returns the first fire time strictly after from, in UTC.
func (e *CronEvaluator) Next(expr string, from time.Time) (time.Time, error) {
	sched, err := e.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q: %v", ErrInvalidScheduleExpression, expr, err)
	}
	next := sched.Next(from.UTC())
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w %q: never fires", ErrInvalidScheduleExpression, expr)
	}
	return next, nil
}

