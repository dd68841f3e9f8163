package storage

import (
	"context"
	"time"

	"outreach/internal/model"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"
)

// RunBatch 是创建执行记录时一并提交的副作用。
type RunBatch struct {
	ScheduleID uint
	// Offset 非空时写回调度的扫描位置。
	Offset  *int
	LeadIDs []uint
	SentAt  time.Time
}

// RunClose 是执行结束时写入的结果。
type RunClose struct {
	Status         string
	ItemsTotal     int
	ItemsSucceeded int
	ItemsFailed    int
	ErrorMessage   *string
	FinishedAt     time.Time
}

// CreateRun 在同一事务内标记已发送线索、更新扫描位置并创建执行记录。
func (s *Store) CreateRun(ctx context.Context, run *model.JobRun, batch RunBatch) error {
	err := s.session(ctx).Transaction(func(tx *gorm.DB) error {
		for _, ids := range chunks(batch.LeadIDs, inChunk) {
			if err := tx.Model(&model.Lead{}).
				Where("id IN ?", ids).
				Updates(map[string]any{
					"mass_email_sent":    true,
					"mass_email_sent_at": utc(batch.SentAt),
				}).Error; err != nil {
				return errors.Wrap(err, "mark leads sent")
			}
		}
		if batch.Offset != nil && batch.ScheduleID != 0 {
			if err := tx.Model(&model.JobSchedule{}).
				Where("id = ?", batch.ScheduleID).
				Update("recipient_offset", *batch.Offset).Error; err != nil {
				return errors.Wrap(err, "update schedule offset")
			}
		}
		if run.RunStatus == "" {
			run.RunStatus = model.RunStatusRunning
		}
		run.StartedAt = utc(run.StartedAt)
		if err := tx.Create(run).Error; err != nil {
			return errors.Wrap(err, "insert job run")
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "create run")
	}
	return nil
}

// GetJobRun 根据 ID 获取执行记录。
func (s *Store) GetJobRun(ctx context.Context, id uint) (*model.JobRun, error) {
	var run model.JobRun
	if err := s.session(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "get job run")
	}
	return &run, nil
}

// CloseJobRun 仅在记录仍为 RUNNING 时写入结果。返回 false 表示已被关闭过。
func (s *Store) CloseJobRun(ctx context.Context, id uint, res RunClose) (bool, error) {
	values := map[string]any{
		"run_status":      res.Status,
		"items_total":     res.ItemsTotal,
		"items_succeeded": res.ItemsSucceeded,
		"items_failed":    res.ItemsFailed,
		"finished_at":     utc(res.FinishedAt),
	}
	if res.ErrorMessage != nil {
		values["error_message"] = *res.ErrorMessage
	}
	tx := s.session(ctx).Model(&model.JobRun{}).
		Where("id = ? AND run_status = ?", id, model.RunStatusRunning).
		Updates(values)
	if tx.Error != nil {
		return false, errors.Wrap(tx.Error, "close job run")
	}
	if tx.RowsAffected == 1 {
		return true, nil
	}
	if _, err := s.GetJobRun(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// ReconcileStuckRuns 将启动早于 cutoff 仍为 RUNNING 的记录标记为 FAILED。
func (s *Store) ReconcileStuckRuns(ctx context.Context, cutoff, now time.Time) (int64, error) {
	tx := s.session(ctx).Model(&model.JobRun{}).
		Where("run_status = ? AND started_at < ?", model.RunStatusRunning, utc(cutoff)).
		Updates(map[string]any{
			"run_status":    model.RunStatusFailed,
			"finished_at":   utc(now),
			"error_message": "run exceeded stuck timeout without a result",
		})
	if tx.Error != nil {
		return 0, errors.Wrap(tx.Error, "reconcile stuck runs")
	}
	return tx.RowsAffected, nil
}

// ListRuns 返回某调度最近的执行记录，最新在前。
func (s *Store) ListRuns(ctx context.Context, scheduleID uint, limit int) ([]model.JobRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []model.JobRun
	if err := s.session(ctx).
		Where("job_schedule_id = ?", scheduleID).
		Order("id DESC").
		Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	return runs, nil
}
