package notifier

import (
	"context"

	"go.uber.org/zap"
)

// LogNotifier 只记录失败执行，未配置告警邮箱时使用。
type LogNotifier struct {
	logger *zap.SugaredLogger
}

// NewLogNotifier 创建日志通知器。
func NewLogNotifier(logger *zap.SugaredLogger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LogNotifier{logger: logger}
}

// NotifyFailure 输出一条错误日志。
func (n LogNotifier) NotifyFailure(_ context.Context, f RunFailure) error {
	n.logger.Errorw("job run failed",
		"schedule_id", f.ScheduleID,
		"job_run_id", f.JobRunID,
		"job_type", f.JobType,
		"recipients", f.Recipients,
		"reason", f.Reason,
	)
	return nil
}
