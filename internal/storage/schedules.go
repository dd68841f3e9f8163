package storage

import (
	"context"
	"time"

	"outreach/internal/model"

	"github.com/cockroachdb/errors"
)

// dueCondition 与 ListDueSchedules 使用同一判定。
const dueCondition = "(manually_triggered = ? OR (enabled = ? AND next_run_at <= ?))"

// ScheduleAdvance 描述一次执行后的调度更新。
type ScheduleAdvance struct {
	LastRunAt time.Time
	NextRunAt time.Time
	Enabled   bool
}

// ListDueSchedules 返回手动触发或已到期且启用的调度，按 next_run_at 升序。
func (s *Store) ListDueSchedules(ctx context.Context, now time.Time) ([]model.JobSchedule, error) {
	var out []model.JobSchedule
	if err := s.session(ctx).
		Where(dueCondition, true, true, utc(now)).
		Order("next_run_at ASC").
		Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "list due schedules")
	}
	return out, nil
}

// GetSchedule 根据 ID 获取调度。
func (s *Store) GetSchedule(ctx context.Context, id uint) (*model.JobSchedule, error) {
	var sched model.JobSchedule
	if err := s.session(ctx).First(&sched, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "get schedule")
	}
	return &sched, nil
}

// CreateSchedule 新增调度。
func (s *Store) CreateSchedule(ctx context.Context, sched *model.JobSchedule) error {
	if err := s.session(ctx).Create(sched).Error; err != nil {
		return errors.Wrap(err, "create schedule")
	}
	return nil
}

// ClaimSchedule 以条件更新获取调度租约：只有未被占用（或租约过期）且仍到期的记录会被更新。
// 返回 true 表示当前 owner 获得租约。
func (s *Store) ClaimSchedule(ctx context.Context, id uint, owner string, now time.Time, ttl time.Duration) (bool, error) {
	now = utc(now)
	until := now.Add(ttl)
	tx := s.session(ctx).Model(&model.JobSchedule{}).
		Where("id = ?", id).
		Where("(claimed_by IS NULL OR claimed_by = '' OR claimed_until IS NULL OR claimed_until < ?)", now).
		Where(dueCondition, true, true, now).
		Updates(map[string]any{
			"claimed_by":    owner,
			"claimed_until": until,
		})
	if tx.Error != nil {
		return false, errors.Wrap(tx.Error, "claim schedule")
	}
	return tx.RowsAffected == 1, nil
}

// ReleaseSchedule 释放 owner 持有的租约，不改变调度时间。
func (s *Store) ReleaseSchedule(ctx context.Context, id uint, owner string) error {
	tx := s.session(ctx).Model(&model.JobSchedule{}).
		Where("id = ? AND claimed_by = ?", id, owner).
		Updates(map[string]any{
			"claimed_by":    "",
			"claimed_until": nil,
		})
	if tx.Error != nil {
		return errors.Wrap(tx.Error, "release schedule")
	}
	return nil
}

// AdvanceSchedule 写入执行结果后的调度时间，清除手动触发并释放租约。
// owner 为空时不校验租约（远程完成回调）。
func (s *Store) AdvanceSchedule(ctx context.Context, id uint, owner string, adv ScheduleAdvance) error {
	q := s.session(ctx).Model(&model.JobSchedule{}).Where("id = ?", id)
	if owner != "" {
		q = q.Where("claimed_by = ?", owner)
	}
	tx := q.Updates(map[string]any{
		"last_run_at":        utc(adv.LastRunAt),
		"next_run_at":        utc(adv.NextRunAt),
		"enabled":            adv.Enabled,
		"manually_triggered": false,
		"claimed_by":         "",
		"claimed_until":      nil,
	})
	if tx.Error != nil {
		return errors.Wrap(tx.Error, "advance schedule")
	}
	if tx.RowsAffected == 0 {
		if owner != "" {
			return errors.Wrapf(ErrClaimLost, "advance schedule %d", id)
		}
		return errors.Wrapf(ErrNotFound, "advance schedule %d", id)
	}
	return nil
}

// ArmSchedule 标记手动触发并把 next_run_at 设为 now，下一次轮询即执行。
func (s *Store) ArmSchedule(ctx context.Context, id uint, now time.Time) error {
	tx := s.session(ctx).Model(&model.JobSchedule{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"manually_triggered": true,
			"next_run_at":        utc(now),
		})
	if tx.Error != nil {
		return errors.Wrap(tx.Error, "arm schedule")
	}
	if tx.RowsAffected == 0 {
		return errors.Wrapf(ErrNotFound, "arm schedule %d", id)
	}
	return nil
}

// SetScheduleOffset 记录收件人扫描位置。
func (s *Store) SetScheduleOffset(ctx context.Context, id uint, offset int) error {
	tx := s.session(ctx).Model(&model.JobSchedule{}).
		Where("id = ?", id).
		Update("recipient_offset", offset)
	if tx.Error != nil {
		return errors.Wrap(tx.Error, "set schedule offset")
	}
	if tx.RowsAffected == 0 {
		return errors.Wrapf(ErrNotFound, "set schedule offset %d", id)
	}
	return nil
}
