package scheduler

import (
	"strings"
	"time"

	"outreach/internal/model"

	"github.com/cockroachdb/errors"
)

// catchUpSlack 超过该时长仍落后于当前时间则改为 now + catchUpDelay。
const (
	catchUpSlack = 60 * time.Second
	catchUpDelay = time.Minute
)

// NextRun 是一次执行后的调度结果。
type NextRun struct {
	At      time.Time
	Enabled bool
}

// ComputeNextRun 在上一次 next_run_at 上累加频率×间隔，保持节奏对齐。
// ONCE 调度返回 Enabled=false，时间不变。
func ComputeNextRun(sched model.JobSchedule, now time.Time) (NextRun, error) {
	now = now.UTC()
	prev := sched.NextRunAt.UTC()
	interval := sched.IntervalValue
	if interval <= 0 {
		interval = 1
	}

	var next time.Time
	switch strings.ToUpper(strings.TrimSpace(sched.Frequency)) {
	case model.FrequencyOnce:
		return NextRun{At: prev, Enabled: false}, nil
	case model.FrequencyMinutely:
		next = prev.Add(time.Duration(interval) * time.Minute)
	case model.FrequencyHourly:
		next = prev.Add(time.Duration(interval) * time.Hour)
	case model.FrequencyDaily:
		next = prev.AddDate(0, 0, interval)
	case model.FrequencyWeekly:
		next = prev.AddDate(0, 0, 7*interval)
	case model.FrequencyMonthly:
		next = prev.AddDate(0, 0, 30*interval)
	default:
		return NextRun{}, errors.Wrapf(ErrInvalidFrequency, "%q", sched.Frequency)
	}

	if now.Sub(next) > catchUpSlack {
		next = now.Add(catchUpDelay)
	}
	return NextRun{At: next, Enabled: sched.Enabled}, nil
}
