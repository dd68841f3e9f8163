package storage

import (
	"context"
	"strings"
	"time"

	"outreach/internal/model"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"
)

// CreateJobRequest 新增审批请求。
func (s *Store) CreateJobRequest(ctx context.Context, req *model.JobRequest) error {
	if err := s.session(ctx).Create(req).Error; err != nil {
		return errors.Wrap(err, "create job request")
	}
	return nil
}

// ActivateApprovedRequests 把 APPROVED 请求转换为任务定义与调度。
// 状态先以条件更新切换为 PROCESSED，多个 worker 同时执行时每个请求只会激活一次。
func (s *Store) ActivateApprovedRequests(ctx context.Context, now time.Time) (int, error) {
	var pending []model.JobRequest
	if err := s.session(ctx).
		Where("status = ?", model.RequestApproved).
		Order("id ASC").
		Find(&pending).Error; err != nil {
		return 0, errors.Wrap(err, "list approved requests")
	}

	activated := 0
	for _, req := range pending {
		ok, err := s.activateRequest(ctx, req, utc(now))
		if err != nil {
			return activated, errors.Wrapf(err, "activate request %d", req.ID)
		}
		if ok {
			activated++
		}
	}
	return activated, nil
}

func (s *Store) activateRequest(ctx context.Context, req model.JobRequest, now time.Time) (bool, error) {
	activated := false
	err := s.session(ctx).Transaction(func(tx *gorm.DB) error {
		flip := tx.Model(&model.JobRequest{}).
			Where("id = ? AND status = ?", req.ID, model.RequestApproved).
			Update("status", model.RequestProcessed)
		if flip.Error != nil {
			return errors.Wrap(flip.Error, "mark request processed")
		}
		if flip.RowsAffected == 0 {
			return nil
		}

		def := model.JobDefinition{
			JobType:              req.JobType,
			Status:               model.DefinitionActive,
			CandidateMarketingID: req.CandidateMarketingID,
			EmailEngineID:        req.EmailEngineID,
			Config:               req.Config,
		}
		if err := tx.Create(&def).Error; err != nil {
			return errors.Wrap(err, "create definition")
		}

		freq := strings.ToUpper(strings.TrimSpace(req.Frequency))
		if freq == "" {
			freq = model.FrequencyOnce
		}
		interval := req.IntervalValue
		if interval <= 0 {
			interval = 1
		}
		tz := req.Timezone
		if tz == "" {
			tz = "UTC"
		}
		next := now
		if req.StartAt != nil {
			next = utc(*req.StartAt)
		}
		sched := model.JobSchedule{
			JobDefinitionID: def.ID,
			Timezone:        tz,
			Frequency:       freq,
			IntervalValue:   interval,
			NextRunAt:       next,
			Enabled:         true,
		}
		if err := tx.Create(&sched).Error; err != nil {
			return errors.Wrap(err, "create schedule")
		}

		if err := tx.Model(&model.JobRequest{}).
			Where("id = ?", req.ID).
			Update("job_definition_id", def.ID).Error; err != nil {
			return errors.Wrap(err, "link definition")
		}
		activated = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return activated, nil
}
