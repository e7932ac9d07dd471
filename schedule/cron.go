package schedule

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	cronv3 "github.com/robfig/cron/v3"
)

var cronParser = cronv3.NewParser(
	cronv3.SecondOptional | cronv3.Minute | cronv3.Hour | cronv3.Dom | cronv3.Month | cronv3.Dow | cronv3.Descriptor,
)

// ParseCron 解析 cron 表达式与时区，时区为空时使用 UTC
func ParseCron(expr, timezone string) (cronv3.Schedule, *time.Location, error) {
	raw := strings.TrimSpace(expr)
	if raw == "" {
		return nil, nil, fmt.Errorf("%w: empty expression", ErrInvalidCron)
	}

	loc := time.UTC
	if tz := strings.TrimSpace(timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: timezone %q", ErrInvalidCron, timezone)
		}
		loc = l
	}

	sched, err := cronParser.Parse(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	return sched, loc, nil
}

// NextRun 返回 after 之后的下一次触发时间
func NextRun(expr, timezone string, after time.Time) (time.Time, error) {
	sched, loc, err := ParseCron(expr, timezone)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q never fires", ErrInvalidCron, expr)
	}
	return next.UTC(), nil
}
