// Package scheduler 负责到期调度的发现、租约、批次准备、执行记录的关闭与重新排期。
package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"outreach/internal/dispatcher"
	"outreach/internal/jobconfig"
	"outreach/internal/metrics"
	"outreach/internal/model"
	"outreach/internal/recipients"
	"outreach/internal/storage"
	"outreach/internal/suppression"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// DefaultClaimTTL 是调度租约的默认时长，需覆盖一次投递的超时。
const DefaultClaimTTL = 5 * time.Minute

// DefaultRemoteClaimTTL 是远程上下文的租约时长，远程 worker 需在此之内回报结果。
const DefaultRemoteClaimTTL = time.Hour

// 每次向屏蔽名单查询的收件人窗口。
const suppressionWindow = 500

// Store 抽象调度所需的持久化接口，便于测试替换。
type Store interface {
	ListDueSchedules(ctx context.Context, now time.Time) ([]model.JobSchedule, error)
	GetSchedule(ctx context.Context, id uint) (*model.JobSchedule, error)
	ClaimSchedule(ctx context.Context, id uint, owner string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseSchedule(ctx context.Context, id uint, owner string) error
	AdvanceSchedule(ctx context.Context, id uint, owner string, adv storage.ScheduleAdvance) error
	SetScheduleOffset(ctx context.Context, id uint, offset int) error
	GetJobDefinition(ctx context.Context, id uint) (*model.JobDefinition, error)
	GetCandidateMarketing(ctx context.Context, id uint) (*model.CandidateMarketing, error)
	CreateRun(ctx context.Context, run *model.JobRun, batch storage.RunBatch) error
	GetJobRun(ctx context.Context, id uint) (*model.JobRun, error)
	CloseJobRun(ctx context.Context, id uint, res storage.RunClose) (bool, error)
}

// EngineResolver 选择发信引擎。
type EngineResolver interface {
	Resolve(ctx context.Context, def *model.JobDefinition, cfg jobconfig.Config) (*model.EmailSenderEngine, error)
}

// RecipientLoader 加载收件人列表。
type RecipientLoader interface {
	Load(ctx context.Context, jobType string, cfg jobconfig.Config, now time.Time) ([]recipients.Recipient, error)
	OutreachBatch(ctx context.Context, cfg jobconfig.Config, now time.Time) ([]string, error)
}

// SuppressionChecker 查询全局屏蔽名单。
type SuppressionChecker interface {
	Suppressed(ctx context.Context, emails []string) (map[string]struct{}, error)
}

// ClaimResult 是租约获取结果。
type ClaimResult int

const (
	// ClaimAlreadyClaimed 表示调度被其他 worker 持有或已不再到期。
	ClaimAlreadyClaimed ClaimResult = iota
	// ClaimAcquired 表示当前 owner 获得租约。
	ClaimAcquired
)

func (r ClaimResult) String() string {
	if r == ClaimAcquired {
		return "acquired"
	}
	return "already_claimed"
}

// Config 调度器配置。
type Config struct {
	ClaimTTL       string `yaml:"claim_ttl" json:"claim_ttl"`
	RemoteClaimTTL string `yaml:"remote_claim_ttl" json:"remote_claim_ttl"`
}

// Prepared 是一次准备好的投递。
type Prepared struct {
	Payload  dispatcher.Payload
	Run      *model.JobRun
	Schedule *model.JobSchedule
}

// RemoteContext 供远程 worker 自行加载收件人并发送。
type RemoteContext struct {
	ScheduleID      uint              `json:"schedule_id"`
	JobRunID        uint              `json:"job_run_id"`
	JobType         string            `json:"job_type"`
	CandidateInfo   map[string]string `json:"candidate_info"`
	Engine          dispatcher.Engine `json:"engine"`
	ConfigJSON      map[string]any    `json:"config_json"`
	RecipientSource string            `json:"recipient_source"`
	BatchSize       int               `json:"batch_size"`
	Offset          int               `json:"offset"`
	Recipients      []string          `json:"recipients"`
	Owner           string            `json:"owner"`
}

// JobScheduler 协调调度、批次与执行记录。
type JobScheduler struct {
	store      Store
	engines    EngineResolver
	recipients RecipientLoader
	suppress   SuppressionChecker
	metrics    *metrics.Collector
	logger     *zap.SugaredLogger
	claimTTL   time.Duration
	remoteTTL  time.Duration
	now        func() time.Time
}

// Deps 汇总 JobScheduler 的依赖。
type Deps struct {
	Store       Store
	Engines     EngineResolver
	Recipients  RecipientLoader
	Suppression SuppressionChecker
	Metrics     *metrics.Collector
	Logger      *zap.SugaredLogger
}

// New 创建 JobScheduler。
func New(deps Deps, cfg Config) *JobScheduler {
	ttl := parseTTL(cfg.ClaimTTL, DefaultClaimTTL)
	remoteTTL := parseTTL(cfg.RemoteClaimTTL, DefaultRemoteClaimTTL)
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &JobScheduler{
		store:      deps.Store,
		engines:    deps.Engines,
		recipients: deps.Recipients,
		suppress:   deps.Suppression,
		metrics:    deps.Metrics,
		logger:     logger,
		claimTTL:   ttl,
		remoteTTL:  remoteTTL,
		now:        time.Now,
	}
}

func parseTTL(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return def
}

// GetDueSchedules 返回手动触发或已到期的调度。不加锁，执行前必须 Claim。
func (s *JobScheduler) GetDueSchedules(ctx context.Context) ([]model.JobSchedule, error) {
	out, err := s.store.ListDueSchedules(ctx, s.now())
	if err != nil {
		return nil, transient("get due schedules", 0, err)
	}
	return out, nil
}

// Claim 以条件更新获取调度租约。
func (s *JobScheduler) Claim(ctx context.Context, scheduleID uint, owner string) (ClaimResult, error) {
	return s.claim(ctx, scheduleID, owner, s.claimTTL)
}

func (s *JobScheduler) claim(ctx context.Context, scheduleID uint, owner string, ttl time.Duration) (ClaimResult, error) {
	ok, err := s.store.ClaimSchedule(ctx, scheduleID, owner, s.now(), ttl)
	if err != nil {
		return ClaimAlreadyClaimed, transient("claim", scheduleID, err)
	}
	if !ok {
		s.metrics.ClaimConflict()
		return ClaimAlreadyClaimed, nil
	}
	return ClaimAcquired, nil
}

// Release 释放租约，调度保持到期。
func (s *JobScheduler) Release(ctx context.Context, scheduleID uint, owner string) error {
	if err := s.store.ReleaseSchedule(ctx, scheduleID, owner); err != nil {
		return transient("release", scheduleID, err)
	}
	return nil
}

// basis 是准备步骤 1-5 的结果。
type basis struct {
	def       *model.JobDefinition
	candidate map[string]string
	cfg       jobconfig.Config
	engine    *model.EmailSenderEngine
}

func (s *JobScheduler) loadBasis(ctx context.Context, op string, sched *model.JobSchedule) (*basis, error) {
	def, err := s.store.GetJobDefinition(ctx, sched.JobDefinitionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, precondition(op, sched.ID, errors.Wrapf(ErrDefinitionNotFound, "definition %d", sched.JobDefinitionID))
	}
	if err != nil {
		return nil, transient(op, sched.ID, err)
	}

	info := map[string]string{}
	if def.JobType == model.JobTypeMassEmail || def.JobType == model.JobTypeVendorOutreach {
		if def.CandidateMarketingID == nil {
			return nil, precondition(op, sched.ID, errors.Wrap(ErrMarketingNotFound, "definition has no candidate_marketing_id"))
		}
		m, err := s.store.GetCandidateMarketing(ctx, *def.CandidateMarketingID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, precondition(op, sched.ID, errors.Wrapf(ErrMarketingNotFound, "marketing %d", *def.CandidateMarketingID))
		}
		if err != nil {
			return nil, transient(op, sched.ID, err)
		}
		info = candidateInfo(m)
	}

	cfg, perr := jobconfig.Parse(def.Config)
	if perr != nil {
		s.logger.Warnw("job config degraded to defaults", "schedule_id", sched.ID, "job_definition_id", def.ID, "error", perr)
	}

	eng, err := s.engines.Resolve(ctx, def, cfg)
	if errors.Is(err, ErrNoActiveEngine) {
		return nil, precondition(op, sched.ID, err)
	}
	if err != nil {
		return nil, transient(op, sched.ID, err)
	}

	return &basis{def: def, candidate: info, cfg: cfg, engine: eng}, nil
}

// PrepareJobExecution 组装一次投递：加载收件人、过滤屏蔽、创建 RUNNING 执行记录。
// 没有收件人时只写回扫描位置并返回 ErrNoRecipients。
func (s *JobScheduler) PrepareJobExecution(ctx context.Context, sched *model.JobSchedule) (*Prepared, error) {
	const op = "prepare job execution"
	now := s.now().UTC()

	b, err := s.loadBasis(ctx, op, sched)
	if err != nil {
		s.metrics.PrepareFailed(KindOf(err).String())
		return nil, err
	}

	list, err := s.recipients.Load(ctx, b.def.JobType, b.cfg, now)
	if err != nil {
		if errors.Is(err, ErrRecipientFileMissing) {
			err = precondition(op, sched.ID, err)
		} else {
			err = transient(op, sched.ID, err)
		}
		s.metrics.PrepareFailed(KindOf(err).String())
		return nil, err
	}

	start := 0
	if !b.cfg.ResendSameBatch {
		start = sched.RecipientOffset
		if start < 0 || start >= len(list) {
			start = 0
		}
	}

	picked, scanEnd, err := s.buildBatch(ctx, list, start, b.cfg.Limit())
	if err != nil {
		s.metrics.PrepareFailed(KindTransient.String())
		return nil, transient(op, sched.ID, err)
	}
	if scanEnd >= len(list) {
		scanEnd = 0
	}

	if len(picked) == 0 {
		if err := s.store.SetScheduleOffset(ctx, sched.ID, scanEnd); err != nil {
			s.logger.Warnw("persist scan offset failed", "schedule_id", sched.ID, "error", err)
		}
		s.metrics.PrepareFailed(KindPrecondition.String())
		return nil, precondition(op, sched.ID, ErrNoRecipients)
	}

	var leadIDs []uint
	out := make([]dispatcher.Recipient, 0, len(picked))
	for _, r := range picked {
		if r.LeadID != 0 {
			leadIDs = append(leadIDs, r.LeadID)
		}
		out = append(out, dispatcher.Recipient{
			Email:           r.Email,
			UnsubscribeLink: suppression.UnsubscribeLink(b.cfg.UnsubscribeBaseURL, r.Email),
		})
	}

	run := &model.JobRun{
		JobDefinitionID: b.def.ID,
		JobScheduleID:   sched.ID,
		RunStatus:       model.RunStatusRunning,
		StartedAt:       now,
		ItemsTotal:      len(out),
	}
	batch := storage.RunBatch{ScheduleID: sched.ID, Offset: &scanEnd, SentAt: now}
	if b.cfg.RecipientSource == jobconfig.SourceLeadsDB {
		batch.LeadIDs = leadIDs
	}
	if err := s.store.CreateRun(ctx, run, batch); err != nil {
		s.metrics.PrepareFailed(KindTransient.String())
		return nil, transient(op, sched.ID, err)
	}
	sched.RecipientOffset = scanEnd
	s.metrics.RunCreated(len(out))

	s.logger.Infow("prepared job run",
		"schedule_id", sched.ID,
		"job_run_id", run.ID,
		"job_type", b.def.JobType,
		"recipients", len(out),
		"source", b.cfg.RecipientSource,
		"offset", start,
	)

	return &Prepared{
		Payload: dispatcher.Payload{
			JobRunID:      run.ID,
			JobType:       b.def.JobType,
			CandidateInfo: b.candidate,
			Recipients:    out,
			Engine:        engineOf(b.engine),
			ConfigJSON:    b.cfg.Raw,
		},
		Run:      run,
		Schedule: sched,
	}, nil
}

// buildBatch 从 start 开始按窗口查询屏蔽名单，跳过空、重复与被屏蔽的邮箱，直到凑满 limit。
// 返回选中的收件人与下一次扫描位置。
func (s *JobScheduler) buildBatch(ctx context.Context, list []recipients.Recipient, start, limit int) ([]recipients.Recipient, int, error) {
	picked := make([]recipients.Recipient, 0, min(limit, len(list)-start))
	seen := make(map[string]struct{})
	pos := start
	for pos < len(list) && len(picked) < limit {
		end := min(pos+suppressionWindow, len(list))
		window := list[pos:end]
		emails := make([]string, 0, len(window))
		for _, r := range window {
			emails = append(emails, r.Email)
		}
		blocked, err := s.suppress.Suppressed(ctx, emails)
		if err != nil {
			return nil, pos, err
		}
		for _, r := range window {
			pos++
			key := model.NormalizeEmail(r.Email)
			if key == "" {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			if _, bad := blocked[key]; bad {
				continue
			}
			picked = append(picked, r)
			if len(picked) >= limit {
				break
			}
		}
	}
	return picked, pos, nil
}

// GetRemoteJobContext 为远程 worker 获取租约、创建执行记录并返回上下文。
// OUTREACH_DB 来源直接在数据库中取出收件人，其余来源由远程 worker 自行加载。
// 远程租约使用更长的时长，到期前本地 worker 不会再次领取该调度。
func (s *JobScheduler) GetRemoteJobContext(ctx context.Context, scheduleID uint, owner string) (*RemoteContext, error) {
	const op = "get remote job context"
	now := s.now().UTC()

	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, precondition(op, scheduleID, ErrScheduleNotFound)
	}
	if err != nil {
		return nil, transient(op, scheduleID, err)
	}

	if !isDue(sched, now) {
		return nil, precondition(op, scheduleID, ErrNotDue)
	}

	claim, err := s.claim(ctx, scheduleID, owner, s.remoteTTL)
	if err != nil {
		return nil, err
	}
	if claim != ClaimAcquired {
		return nil, precondition(op, scheduleID, ErrAlreadyClaimed)
	}

	rc, err := s.buildRemoteContext(ctx, op, sched, now)
	if err != nil {
		if rerr := s.Release(ctx, scheduleID, owner); rerr != nil {
			s.logger.Warnw("release claim failed", "schedule_id", scheduleID, "error", rerr)
		}
		s.metrics.PrepareFailed(KindOf(err).String())
		return nil, err
	}
	rc.Owner = owner
	return rc, nil
}

func (s *JobScheduler) buildRemoteContext(ctx context.Context, op string, sched *model.JobSchedule, now time.Time) (*RemoteContext, error) {
	b, err := s.loadBasis(ctx, op, sched)
	if err != nil {
		return nil, err
	}

	var emails []string
	if b.cfg.RecipientSource == jobconfig.SourceOutreachDB {
		emails, err = s.recipients.OutreachBatch(ctx, b.cfg, now)
		if err != nil {
			return nil, transient(op, sched.ID, err)
		}
	}

	offset := sched.RecipientOffset
	if b.cfg.ResendSameBatch {
		offset = 0
	}

	run := &model.JobRun{
		JobDefinitionID: b.def.ID,
		JobScheduleID:   sched.ID,
		RunStatus:       model.RunStatusRunning,
		StartedAt:       now,
		ItemsTotal:      len(emails),
	}
	if err := s.store.CreateRun(ctx, run, storage.RunBatch{}); err != nil {
		return nil, transient(op, sched.ID, err)
	}
	s.metrics.RunCreated(len(emails))

	if emails == nil {
		emails = []string{}
	}
	return &RemoteContext{
		ScheduleID:      sched.ID,
		JobRunID:        run.ID,
		JobType:         b.def.JobType,
		CandidateInfo:   b.candidate,
		Engine:          engineOf(b.engine),
		ConfigJSON:      b.cfg.Raw,
		RecipientSource: b.cfg.RecipientSource,
		BatchSize:       b.cfg.Limit(),
		Offset:          offset,
		Recipients:      emails,
	}, nil
}

// isDue 与存储层的到期条件一致。
func isDue(sched *model.JobSchedule, now time.Time) bool {
	return sched.ManuallyTriggered || (sched.Enabled && !sched.NextRunAt.After(now))
}

// UpdateJobRunResult 关闭执行记录。已关闭的记录不再修改，重复调用记录日志后返回 nil。
func (s *JobScheduler) UpdateJobRunResult(ctx context.Context, runID uint, res dispatcher.Result) error {
	_, err := s.closeRun(ctx, "update job run result", runID, res)
	return err
}

// CompleteRemoteRun 处理远程 worker 的回报：校验执行记录属于该调度，关闭记录，
// 写入扫描位置并重新排期。记录已关闭时返回 ErrRunAlreadyClosed，调度保持不变。
func (s *JobScheduler) CompleteRemoteRun(ctx context.Context, scheduleID, runID uint, owner string, res dispatcher.Result, newOffset *int) error {
	const op = "complete remote run"

	run, err := s.store.GetJobRun(ctx, runID)
	if errors.Is(err, storage.ErrNotFound) {
		return precondition(op, scheduleID, errors.Wrapf(ErrRunNotFound, "run %d", runID))
	}
	if err != nil {
		return transient(op, scheduleID, err)
	}
	if run.JobScheduleID != scheduleID {
		return precondition(op, scheduleID, errors.Wrapf(ErrRunScheduleMismatch, "run %d belongs to schedule %d", run.ID, run.JobScheduleID))
	}
	if run.Terminal() {
		return precondition(op, scheduleID, errors.Wrapf(ErrRunAlreadyClosed, "run %d is %s", run.ID, run.RunStatus))
	}

	closed, err := s.closeRun(ctx, op, run.ID, res)
	if err != nil {
		return err
	}
	if !closed {
		return precondition(op, scheduleID, errors.Wrapf(ErrRunAlreadyClosed, "run %d", run.ID))
	}

	if newOffset != nil {
		if err := s.SetOffset(ctx, scheduleID, *newOffset); err != nil {
			return err
		}
	}
	return s.UpdateScheduleLastRun(ctx, scheduleID, owner)
}

func (s *JobScheduler) closeRun(ctx context.Context, op string, runID uint, res dispatcher.Result) (bool, error) {
	status := normalizeStatus(res)
	closed, err := s.store.CloseJobRun(ctx, runID, storage.RunClose{
		Status:         status,
		ItemsTotal:     res.ItemsTotal,
		ItemsSucceeded: res.ItemsSucceeded,
		ItemsFailed:    res.ItemsFailed,
		ErrorMessage:   res.ErrorMessage,
		FinishedAt:     s.now().UTC(),
	})
	if errors.Is(err, storage.ErrNotFound) {
		return false, precondition(op, 0, errors.Wrapf(ErrRunNotFound, "run %d", runID))
	}
	if err != nil {
		return false, transient(op, 0, errors.Wrapf(err, "run %d", runID))
	}
	if !closed {
		s.logger.Infow("job run already closed", "job_run_id", runID, "status", status)
		return false, nil
	}
	s.metrics.RunClosed(status)
	return true, nil
}

// normalizeStatus 缺省为 SUCCESS，未知状态按计数推断。
func normalizeStatus(res dispatcher.Result) string {
	switch res.RunStatus {
	case "":
		return model.RunStatusSuccess
	case model.RunStatusSuccess, model.RunStatusFailed, model.RunStatusPartial:
		return res.RunStatus
	}
	switch {
	case res.ItemsFailed == 0:
		return model.RunStatusSuccess
	case res.ItemsSucceeded == 0:
		return model.RunStatusFailed
	default:
		return model.RunStatusPartial
	}
}

// UpdateScheduleLastRun 写入 last_run_at、计算下一次执行时间并释放租约。
// owner 为空时不校验租约。
func (s *JobScheduler) UpdateScheduleLastRun(ctx context.Context, scheduleID uint, owner string) error {
	const op = "update schedule last run"
	now := s.now().UTC()

	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if errors.Is(err, storage.ErrNotFound) {
		return precondition(op, scheduleID, ErrScheduleNotFound)
	}
	if err != nil {
		return transient(op, scheduleID, err)
	}

	next, nerr := ComputeNextRun(*sched, now)
	if nerr != nil {
		// 无法识别的频率：停用调度，避免每轮重复执行。
		next = NextRun{At: sched.NextRunAt, Enabled: false}
	}
	err = s.store.AdvanceSchedule(ctx, scheduleID, owner, storage.ScheduleAdvance{
		LastRunAt: now,
		NextRunAt: next.At,
		Enabled:   next.Enabled,
	})
	switch {
	case errors.Is(err, storage.ErrClaimLost):
		return permanent(op, scheduleID, err)
	case errors.Is(err, storage.ErrNotFound):
		return precondition(op, scheduleID, ErrScheduleNotFound)
	case err != nil:
		return transient(op, scheduleID, err)
	}
	if nerr != nil {
		return permanent(op, scheduleID, nerr)
	}

	s.logger.Infow("schedule advanced",
		"schedule_id", scheduleID,
		"next_run_at", next.At,
		"enabled", next.Enabled,
	)
	return nil
}

// SetOffset 记录远程 worker 回报的扫描位置。
func (s *JobScheduler) SetOffset(ctx context.Context, scheduleID uint, offset int) error {
	if offset < 0 {
		offset = 0
	}
	if err := s.store.SetScheduleOffset(ctx, scheduleID, offset); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return precondition("set offset", scheduleID, ErrScheduleNotFound)
		}
		return transient("set offset", scheduleID, err)
	}
	return nil
}

func engineOf(e *model.EmailSenderEngine) dispatcher.Engine {
	if e == nil {
		return dispatcher.Engine{}
	}
	creds := json.RawMessage(e.Credentials)
	if len(creds) == 0 {
		creds = json.RawMessage(`{}`)
	}
	return dispatcher.Engine{Provider: e.Provider, CredentialsJSON: creds}
}
