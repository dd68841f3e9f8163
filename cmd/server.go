package main

import (
	"context"
	"net/http"
	"time"

	"outreach/internal/api"
	"outreach/internal/config"
	"outreach/internal/dispatcher"
	"outreach/internal/engine"
	"outreach/internal/metrics"
	"outreach/internal/notifier"
	"outreach/internal/recipients"
	"outreach/internal/scheduler"
	"outreach/internal/storage"
	"outreach/internal/suppression"
	"outreach/internal/worker"

	"github.com/cockroachdb/errors"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// loop 是 worker 的运行接口。
type loop interface {
	Run(ctx context.Context) error
	RunOnce(ctx context.Context) (worker.TickStats, error)
}

// scheduleArmer 用于手动触发调度。
type scheduleArmer interface {
	ArmSchedule(ctx context.Context, id uint, now time.Time) error
}

// httpServer 抽象 HTTP 服务，便于测试优雅关闭。
type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

type appDeps struct {
	worker loop
	store  scheduleArmer
	server httpServer
}

type builder func(config.AppConfig) (appDeps, func(), error)

// newBuilder 按配置组装存储、调度器、发信客户端、worker 与 API。
func newBuilder(logger *zap.SugaredLogger) builder {
	return func(cfg config.AppConfig) (appDeps, func(), error) {
		store, err := storage.Open(cfg.Database)
		if err != nil {
			return appDeps{}, func() {}, errors.Wrap(err, "init store")
		}
		cleanup := func() {
			if err := store.Close(); err != nil {
				logger.Warnw("close store failed", "error", err)
			}
		}

		collector := metrics.NewCollector(nil)
		supp := suppression.NewService(store)
		js := scheduler.New(scheduler.Deps{
			Store:       store,
			Engines:     engine.DefaultChain(store, logger.Named("engine")),
			Recipients:  recipients.NewLoader(store, cfg.Recipients),
			Suppression: supp,
			Metrics:     collector,
			Logger:      logger.Named("scheduler"),
		}, cfg.Scheduler)
		disp := dispatcher.New(cfg.Dispatcher,
			dispatcher.WithMetrics(collector),
			dispatcher.WithLogger(logger.Named("dispatcher")),
		)
		if cfg.Dispatcher.ServiceURL == "" {
			logger.Warnw("EMAIL_SERVICE_URL not set, every dispatch will fail")
		}

		w := worker.New(worker.Deps{
			Scheduler:   js,
			Dispatcher:  disp,
			Maintenance: store,
			Notifier:    buildNotifier(cfg.Alerts, logger),
			Metrics:     collector,
			Logger:      logger.Named("worker"),
		}, cfg.Worker)

		app := api.NewApp(api.Deps{
			Scheduler:    js,
			Store:        store,
			Suppressions: supp,
			Metrics:      collector,
			Logger:       logger.Named("api"),
		})

		return appDeps{
			worker: w,
			store:  store,
			server: &fiberServer{app: app, addr: cfg.Server.Addr},
		}, cleanup, nil
	}
}

// buildNotifier 告警邮箱配置不完整时退化为日志告警。
func buildNotifier(cfg notifier.EmailConfig, logger *zap.SugaredLogger) worker.Notifier {
	if cfg.Host == "" || cfg.Port == 0 || cfg.From == "" || len(cfg.To) == 0 {
		logger.Infow("email alerts disabled: missing host/port/from/to")
		return notifier.NewLogNotifier(logger.Named("alerts"))
	}
	return notifier.NewEmailNotifier(cfg, nil)
}

type fiberServer struct {
	app  *fiber.App
	addr string
}

func (s *fiberServer) ListenAndServe() error {
	return s.app.Listen(s.addr)
}

func (s *fiberServer) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// runServer 同时运行 HTTP 服务与 worker，ctx 取消后优雅关闭。
func runServer(ctx context.Context, srv httpServer, w loop, timeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := w.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return errors.Wrap(err, "worker")
		}
		return nil
	})

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// runOnceManual 执行一轮轮询，供 tick 命令使用。
func runOnceManual(ctx context.Context, cfg config.AppConfig, build builder) (worker.TickStats, error) {
	deps, cleanup, err := build(cfg)
	if err != nil {
		return worker.TickStats{}, err
	}
	defer cleanup()
	return deps.worker.RunOnce(ctx)
}

// runNowManual 将调度设为立即到期。
func runNowManual(ctx context.Context, cfg config.AppConfig, build builder, id uint) error {
	deps, cleanup, err := build(cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	return deps.store.ArmSchedule(ctx, id, time.Now().UTC())
}
