// Package api 暴露健康检查、指标、远程 worker 与屏蔽名单接口。
package api

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"outreach/internal/dispatcher"
	"outreach/internal/metrics"
	"outreach/internal/model"
	"outreach/internal/scheduler"
	"outreach/internal/storage"
	"outreach/internal/suppression"

	"github.com/cockroachdb/errors"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Scheduler 抽象远程 worker 使用的调度操作。
type Scheduler interface {
	GetDueSchedules(ctx context.Context) ([]model.JobSchedule, error)
	GetRemoteJobContext(ctx context.Context, scheduleID uint, owner string) (*scheduler.RemoteContext, error)
	CompleteRemoteRun(ctx context.Context, scheduleID, runID uint, owner string, res dispatcher.Result, newOffset *int) error
}

// Store 抽象存储接口。
type Store interface {
	ArmSchedule(ctx context.Context, id uint, now time.Time) error
	ListRuns(ctx context.Context, scheduleID uint, limit int) ([]model.JobRun, error)
	GetContact(ctx context.Context, email string) (*model.OutreachContact, error)
}

// Suppressions 处理屏蔽上报。
type Suppressions interface {
	Record(ctx context.Context, req suppression.Request) (*model.OutreachContact, error)
}

// Deps 汇总路由依赖。Metrics、Logger 可为空。
type Deps struct {
	Scheduler    Scheduler
	Store        Store
	Suppressions Suppressions
	Metrics      *metrics.Collector
	Logger       *zap.SugaredLogger
}

// DueSchedule 是到期调度的摘要。
type DueSchedule struct {
	ID        uint      `json:"id"`
	NextRunAt time.Time `json:"next_run_at"`
}

// CompleteRequest 是远程 worker 回报的执行结果。
type CompleteRequest struct {
	JobRunID       uint    `json:"job_run_id"`
	Status         string  `json:"status"`
	ItemsTotal     int     `json:"items_total"`
	ItemsSucceeded int     `json:"items_succeeded"`
	ItemsFailed    int     `json:"items_failed"`
	ErrorMessage   *string `json:"error_message"`
	NewOffset      *int    `json:"new_offset"`
	// Owner 为上下文接口返回的租约标识，为空时不校验租约。
	Owner string `json:"owner"`
}

type handler struct {
	sched  Scheduler
	store  Store
	subs   Suppressions
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewApp 构造 fiber 应用并注册路由。
func NewApp(deps Deps) *fiber.App {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	h := &handler{
		sched:  deps.Scheduler,
		store:  deps.Store,
		subs:   deps.Suppressions,
		logger: logger,
		now:    time.Now,
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				code = fe.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})
	app.Use(recover.New())
	app.Use(h.accessLog)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(deps.Metrics.Handler()))

	remote := app.Group("/remote/schedules")
	remote.Get("/due", h.due)
	remote.Get("/:id/context", h.context)
	remote.Post("/:id/complete", h.complete)

	app.Post("/job-schedule/:id/run-now", h.runNow)
	app.Get("/job-schedule/:id/runs", h.runs)
	app.Post("/suppressions", h.suppress)
	app.Get("/contacts/:email", h.contact)

	return app
}

func (h *handler) accessLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	h.logger.Debugw("request",
		"method", c.Method(),
		"path", c.Path(),
		"status", c.Response().StatusCode(),
		"latency", time.Since(start),
	)
	return err
}

func (h *handler) due(c *fiber.Ctx) error {
	list, err := h.sched.GetDueSchedules(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	out := make([]DueSchedule, 0, len(list))
	for _, s := range list {
		out = append(out, DueSchedule{ID: s.ID, NextRunAt: s.NextRunAt})
	}
	return c.JSON(out)
}

func (h *handler) context(c *fiber.Ctx) error {
	id, err := scheduleID(c)
	if err != nil {
		return err
	}
	owner := "remote:" + uuid.NewString()
	rc, err := h.sched.GetRemoteJobContext(c.UserContext(), id, owner)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(rc)
}

func (h *handler) complete(c *fiber.Ctx) error {
	id, err := scheduleID(c)
	if err != nil {
		return err
	}
	var req CompleteRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid payload")
	}
	if req.JobRunID == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "job_run_id required")
	}

	total := req.ItemsTotal
	if total == 0 {
		total = req.ItemsSucceeded + req.ItemsFailed
	}
	err = h.sched.CompleteRemoteRun(c.UserContext(), id, req.JobRunID, req.Owner, dispatcher.Result{
		RunStatus:      req.Status,
		ItemsTotal:     total,
		ItemsSucceeded: req.ItemsSucceeded,
		ItemsFailed:    req.ItemsFailed,
		ErrorMessage:   req.ErrorMessage,
	}, req.NewOffset)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *handler) runNow(c *fiber.Ctx) error {
	id, err := scheduleID(c)
	if err != nil {
		return err
	}
	now := h.now().UTC()
	if err := h.store.ArmSchedule(c.UserContext(), id, now); err != nil {
		return h.fail(c, err)
	}
	h.logger.Infow("schedule triggered manually", "schedule_id", id)
	return c.JSON(fiber.Map{"id": id, "next_run_at": now})
}

func (h *handler) runs(c *fiber.Ctx) error {
	id, err := scheduleID(c)
	if err != nil {
		return err
	}
	limit := 20
	if l := c.Query("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			if v > 100 {
				v = 100
			}
			limit = v
		}
	}
	runs, err := h.store.ListRuns(c.UserContext(), id, limit)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(runs)
}

func (h *handler) suppress(c *fiber.Ctx) error {
	if h.subs == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "suppression disabled")
	}
	var req suppression.Request
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid payload")
	}
	contact, err := h.subs.Record(c.UserContext(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(contact)
}

func (h *handler) contact(c *fiber.Ctx) error {
	email, err := url.PathUnescape(c.Params("email"))
	if err != nil || strings.TrimSpace(email) == "" {
		return fiber.NewError(fiber.StatusBadRequest, "invalid email")
	}
	contact, err := h.store.GetContact(c.UserContext(), email)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(contact)
}

// fail 将领域错误映射为 HTTP 状态码。
func (h *handler) fail(c *fiber.Ctx, err error) error {
	code := statusOf(err)
	if code >= fiber.StatusInternalServerError {
		h.logger.Errorw("request failed", "path", c.Path(), "kind", scheduler.KindOf(err).String(), "error", err)
	} else {
		h.logger.Warnw("request rejected", "path", c.Path(), "status", code, "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, suppression.ErrInvalid):
		return fiber.StatusBadRequest
	case errors.Is(err, scheduler.ErrScheduleNotFound),
		errors.Is(err, scheduler.ErrRunNotFound),
		errors.Is(err, storage.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, scheduler.ErrAlreadyClaimed),
		errors.Is(err, scheduler.ErrRunAlreadyClosed),
		errors.Is(err, storage.ErrClaimLost):
		return fiber.StatusConflict
	}
	var se *scheduler.Error
	if errors.As(err, &se) && se.Kind != scheduler.KindTransient {
		return fiber.StatusBadRequest
	}
	return fiber.StatusInternalServerError
}

func scheduleID(c *fiber.Ctx) (uint, error) {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid schedule id")
	}
	return uint(id), nil
}
