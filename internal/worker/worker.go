// Package worker 周期性轮询到期调度并完成投递。
package worker

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"outreach/internal/dispatcher"
	"outreach/internal/metrics"
	"outreach/internal/model"
	"outreach/internal/notifier"
	"outreach/internal/scheduler"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultInterval 是默认轮询间隔。
const DefaultInterval = 5 * time.Second

// Config 用于轮询配置。Interval 可以是时长或 5 段 cron 表达式。
type Config struct {
	Interval        string `yaml:"interval" json:"interval"`
	Timeout         string `yaml:"timeout" json:"timeout"`
	StuckRunTimeout string `yaml:"stuck_run_timeout" json:"stuck_run_timeout"`
}

// JobScheduler 是 worker 使用的调度操作。
type JobScheduler interface {
	GetDueSchedules(ctx context.Context) ([]model.JobSchedule, error)
	Claim(ctx context.Context, scheduleID uint, owner string) (scheduler.ClaimResult, error)
	Release(ctx context.Context, scheduleID uint, owner string) error
	PrepareJobExecution(ctx context.Context, sched *model.JobSchedule) (*scheduler.Prepared, error)
	UpdateJobRunResult(ctx context.Context, runID uint, res dispatcher.Result) error
	UpdateScheduleLastRun(ctx context.Context, scheduleID uint, owner string) error
}

// Dispatcher 将批次交给发信服务。
type Dispatcher interface {
	Dispatch(ctx context.Context, payload dispatcher.Payload) (dispatcher.Result, error)
}

// Maintenance 是每轮开始时的维护步骤。
type Maintenance interface {
	ActivateApprovedRequests(ctx context.Context, now time.Time) (int, error)
	ReconcileStuckRuns(ctx context.Context, cutoff, now time.Time) (int64, error)
}

// Notifier 在执行失败时告警。
type Notifier interface {
	NotifyFailure(ctx context.Context, f notifier.RunFailure) error
}

// TickStats 汇总一轮轮询。
type TickStats struct {
	Due        int
	Dispatched int
	Failed     int
	Skipped    int
	Errors     int
}

// Worker 串行处理每轮到期的调度，多个进程通过调度租约互斥。
type Worker struct {
	id         string
	sched      JobScheduler
	dispatch   Dispatcher
	maint      Maintenance
	notif      Notifier
	metrics    *metrics.Collector
	logger     *zap.SugaredLogger
	interval   time.Duration
	cronSpec   string
	cron       cron.Schedule
	timeout    time.Duration
	stuckAfter time.Duration
	running    atomic.Bool
	newTicker  func(time.Duration) ticker
	now        func() time.Time
}

type ticker interface {
	C() <-chan time.Time
	Stop()
}

// Deps 汇总 Worker 的依赖。Maintenance、Notifier、Metrics 可为空。
type Deps struct {
	Scheduler   JobScheduler
	Dispatcher  Dispatcher
	Maintenance Maintenance
	Notifier    Notifier
	Metrics     *metrics.Collector
	Logger      *zap.SugaredLogger
}

// New 创建 Worker，解析配置的间隔与超时。
func New(deps Deps, cfg Config) *Worker {
	interval, spec, schedule := parseSchedule(cfg.Interval)
	timeout := 10 * time.Minute
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}
	var stuck time.Duration
	if cfg.StuckRunTimeout != "" {
		if d, err := time.ParseDuration(cfg.StuckRunTimeout); err == nil && d > 0 {
			stuck = d
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	id := "worker:" + uuid.NewString()
	return &Worker{
		id:         id,
		sched:      deps.Scheduler,
		dispatch:   deps.Dispatcher,
		maint:      deps.Maintenance,
		notif:      deps.Notifier,
		metrics:    deps.Metrics,
		logger:     logger.With("worker_id", id),
		interval:   interval,
		cronSpec:   spec,
		cron:       schedule,
		timeout:    timeout,
		stuckAfter: stuck,
		newTicker:  defaultTicker,
		now:        time.Now,
	}
}

// ID 返回租约使用的 owner 标识。
func (w *Worker) ID() string { return w.id }

// Run 启动轮询循环，直到上下文取消。取消时返回 nil。
func (w *Worker) Run(ctx context.Context) error {
	if w.sched == nil || w.dispatch == nil {
		return errors.New("worker missing dependencies")
	}

	g, ctx := errgroup.WithContext(ctx)

	if w.cron != nil {
		w.logger.Infow("worker started", "cron", w.cronSpec)
		g.Go(func() error {
			return w.startCron(ctx)
		})
	} else {
		w.logger.Infow("worker started", "interval", w.interval)
		tick := w.newTicker(w.interval)
		ch := tick.C()

		g.Go(func() error {
			defer tick.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ch:
					w.tick(ctx)
				drain:
					for {
						select {
						case <-ch:
							continue
						default:
							break drain
						}
					}
				}
			}
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		w.logger.Infow("worker stopped")
		return nil
	}
	return err
}

// RunOnce 执行一轮轮询，供 CLI 与测试使用。
func (w *Worker) RunOnce(ctx context.Context) (TickStats, error) {
	return w.runOnce(ctx)
}

// tick 的错误只记录，不中断循环。
func (w *Worker) tick(ctx context.Context) {
	stats, err := w.runOnce(ctx)
	if err != nil {
		w.logger.Errorw("tick failed", "kind", scheduler.KindOf(err).String(), "error", err)
		return
	}
	if stats.Due > 0 {
		w.logger.Infow("tick done",
			"due", stats.Due,
			"dispatched", stats.Dispatched,
			"failed", stats.Failed,
			"skipped", stats.Skipped,
			"errors", stats.Errors,
		)
	}
}

func (w *Worker) runOnce(ctx context.Context) (TickStats, error) {
	var stats TickStats
	if w.running.Swap(true) {
		return stats, nil
	}
	defer w.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	started := w.now()
	defer func() {
		w.metrics.TickDone(started, w.now())
	}()

	w.maintain(ctx, started)

	due, err := w.sched.GetDueSchedules(ctx)
	if err != nil {
		return stats, err
	}
	stats.Due = len(due)

	for i := range due {
		if ctx.Err() != nil {
			break
		}
		w.process(ctx, &due[i], &stats)
	}
	return stats, nil
}

func (w *Worker) maintain(ctx context.Context, now time.Time) {
	if w.maint == nil {
		return
	}
	n, err := w.maint.ActivateApprovedRequests(ctx, now)
	if err != nil {
		w.logger.Errorw("activate approved requests failed", "error", err)
	} else if n > 0 {
		w.logger.Infow("activated approved requests", "count", n)
	}

	if w.stuckAfter <= 0 {
		return
	}
	fixed, err := w.maint.ReconcileStuckRuns(ctx, now.Add(-w.stuckAfter), now)
	if err != nil {
		w.logger.Errorw("reconcile stuck runs failed", "error", err)
	} else if fixed > 0 {
		w.logger.Warnw("closed stuck runs", "count", fixed, "older_than", w.stuckAfter)
	}
}

// process 处理单个调度：租约、准备、投递、关闭执行、重新排期。
func (w *Worker) process(ctx context.Context, sched *model.JobSchedule, stats *TickStats) {
	log := w.logger.With("schedule_id", sched.ID)

	claim, err := w.sched.Claim(ctx, sched.ID, w.id)
	if err != nil {
		stats.Errors++
		w.logError(log, "claim", err)
		return
	}
	if claim != scheduler.ClaimAcquired {
		stats.Skipped++
		log.Debugw("schedule claimed elsewhere")
		return
	}

	prepared, err := w.sched.PrepareJobExecution(ctx, sched)
	if err != nil {
		w.logError(log, "prepare", err)
		// 没有收件人：周期调度照常排期，ONCE 调度只释放租约，保留到有收件人时执行。
		if errors.Is(err, scheduler.ErrNoRecipients) {
			stats.Skipped++
			if !strings.EqualFold(sched.Frequency, model.FrequencyOnce) {
				w.advance(context.WithoutCancel(ctx), log, sched.ID, stats)
				return
			}
			if rerr := w.sched.Release(context.WithoutCancel(ctx), sched.ID, w.id); rerr != nil {
				w.logError(log, "release", rerr)
			}
			return
		}
		stats.Errors++
		if rerr := w.sched.Release(context.WithoutCancel(ctx), sched.ID, w.id); rerr != nil {
			w.logError(log, "release", rerr)
		}
		return
	}

	res, derr := w.dispatch.Dispatch(ctx, prepared.Payload)
	// 投递之后的记账不受本轮超时影响，避免执行记录停在 RUNNING。
	bg := context.WithoutCancel(ctx)
	if derr != nil {
		log.Warnw("dispatch failed", "job_run_id", prepared.Run.ID, "error", derr)
		res = dispatcher.FailedResult(derr)
	}
	if strings.EqualFold(res.RunStatus, model.RunStatusFailed) {
		stats.Failed++
		w.notifyFailure(bg, log, prepared, res)
	} else {
		stats.Dispatched++
	}

	if err := w.sched.UpdateJobRunResult(bg, prepared.Run.ID, res); err != nil {
		stats.Errors++
		w.logError(log, "close run", err)
	}
	w.advance(bg, log, sched.ID, stats)
}

func (w *Worker) advance(ctx context.Context, log *zap.SugaredLogger, scheduleID uint, stats *TickStats) {
	if err := w.sched.UpdateScheduleLastRun(ctx, scheduleID, w.id); err != nil {
		stats.Errors++
		w.logError(log, "reschedule", err)
	}
}

func (w *Worker) notifyFailure(ctx context.Context, log *zap.SugaredLogger, p *scheduler.Prepared, res dispatcher.Result) {
	if w.notif == nil {
		return
	}
	reason := ""
	if res.ErrorMessage != nil {
		reason = *res.ErrorMessage
	}
	err := w.notif.NotifyFailure(ctx, notifier.RunFailure{
		ScheduleID: p.Schedule.ID,
		JobRunID:   p.Run.ID,
		JobType:    p.Payload.JobType,
		Recipients: len(p.Payload.Recipients),
		Reason:     reason,
		At:         w.now(),
	})
	if err != nil {
		log.Warnw("failure alert not sent", "job_run_id", p.Run.ID, "error", err)
	}
}

// logError 按错误类型分级记录。
func (w *Worker) logError(log *zap.SugaredLogger, step string, err error) {
	kind := scheduler.KindOf(err)
	switch kind {
	case scheduler.KindPrecondition:
		log.Warnw("schedule skipped", "step", step, "kind", kind.String(), "error", err)
	case scheduler.KindPermanent:
		log.Errorw("schedule failed permanently", "step", step, "kind", kind.String(), "error", err)
	default:
		log.Errorw("schedule failed, will retry", "step", step, "kind", kind.String(), "error", err)
	}
}

func defaultTicker(d time.Duration) ticker {
	t := time.NewTicker(d)
	return tickerWrapper{t}
}

type tickerWrapper struct {
	*time.Ticker
}

func (t tickerWrapper) C() <-chan time.Time { return t.Ticker.C }
func (t tickerWrapper) Stop()               { t.Ticker.Stop() }

func (w *Worker) startCron(ctx context.Context) error {
	for {
		next := w.cron.Next(w.now())
		if next.IsZero() {
			return errors.Newf("cron spec %q has no next time", w.cronSpec)
		}
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			w.tick(ctx)
		}
	}
}

// parseSchedule 先按时长解析，再按标准 cron 表达式解析，都失败时使用默认间隔。
func parseSchedule(value string) (time.Duration, string, cron.Schedule) {
	trimmed := strings.TrimSpace(value)
	if trimmed != "" {
		if d, err := time.ParseDuration(trimmed); err == nil && d > 0 {
			return d, "", nil
		}
		if schedule, err := cron.ParseStandard(trimmed); err == nil {
			return 0, trimmed, schedule
		}
	}
	return DefaultInterval, "", nil
}
