package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"outreach/internal/config"
	"outreach/internal/logging"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	appCfg     config.AppConfig
	logger     *zap.SugaredLogger
)

var rootCmd = &cobra.Command{
	Use:   "outreach",
	Short: "Outreach job orchestrator",
	Long: `outreach 轮询到期的邮件任务调度，准备收件人批次并交给发信服务。

Commands:
  serve    启动 HTTP 接口与 worker
  tick     执行一轮轮询后退出
  run-now  将调度设为立即执行`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env 不存在时忽略
		_ = godotenv.Load()

		cfg, err := config.Load(config.Path(configPath))
		if err != nil {
			return err
		}
		l, err := logging.New(cfg.Log)
		if err != nil {
			return err
		}
		appCfg = cfg
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server and the polling worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		deps, cleanup, err := newBuilder(logger)(appCfg)
		if err != nil {
			return err
		}
		defer cleanup()

		logger.Infow("listening", "addr", appCfg.Server.Addr)
		return runServer(ctx, deps.server, deps.worker, shutdownTimeout)
	},
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run a single polling pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := runOnceManual(cmd.Context(), appCfg, newBuilder(logger))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "due=%d dispatched=%d failed=%d skipped=%d errors=%d\n",
			stats.Due, stats.Dispatched, stats.Failed, stats.Skipped, stats.Errors)
		return nil
	},
}

var runNowCmd = &cobra.Command{
	Use:   "run-now <schedule-id>",
	Short: "Mark a schedule due immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil || id == 0 {
			return errors.Newf("invalid schedule id %q", args[0])
		}
		if err := runNowManual(cmd.Context(), appCfg, newBuilder(logger), uint(id)); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schedule %d armed\n", id)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $OUTREACH_CONFIG or config.yaml)")
	rootCmd.AddCommand(serveCmd, tickCmd, runNowCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
