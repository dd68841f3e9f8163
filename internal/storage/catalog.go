package storage

import (
	"context"
	"strings"

	"outreach/internal/model"

	"github.com/cockroachdb/errors"
)

// GetJobDefinition 根据 ID 获取任务定义。
func (s *Store) GetJobDefinition(ctx context.Context, id uint) (*model.JobDefinition, error) {
	var def model.JobDefinition
	if err := s.session(ctx).First(&def, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "get job definition")
	}
	return &def, nil
}

// CreateJobDefinition 新增任务定义。
func (s *Store) CreateJobDefinition(ctx context.Context, def *model.JobDefinition) error {
	if err := s.session(ctx).Create(def).Error; err != nil {
		return errors.Wrap(err, "create job definition")
	}
	return nil
}

// GetCandidateMarketing 根据 ID 获取候选人营销资料。
func (s *Store) GetCandidateMarketing(ctx context.Context, id uint) (*model.CandidateMarketing, error) {
	var m model.CandidateMarketing
	if err := s.session(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "get candidate marketing")
	}
	return &m, nil
}

// GetEngine 根据 ID 获取发信引擎，不区分是否启用。
func (s *Store) GetEngine(ctx context.Context, id uint) (*model.EmailSenderEngine, error) {
	var e model.EmailSenderEngine
	if err := s.session(ctx).First(&e, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "get engine")
	}
	return &e, nil
}

// FindActiveEngine 按名称或 provider（忽略大小写）查找启用的引擎，优先级最高者胜出。
func (s *Store) FindActiveEngine(ctx context.Context, name string) (*model.EmailSenderEngine, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	var e model.EmailSenderEngine
	if err := s.session(ctx).
		Where("is_active = ?", true).
		Where("(LOWER(name) = ? OR LOWER(provider) = ?)", key, key).
		Order("priority ASC, id ASC").
		First(&e).Error; err != nil {
		return nil, notFound(err, "find active engine")
	}
	return &e, nil
}

// LowestPriorityActiveEngine 返回 priority 最小的启用引擎。
func (s *Store) LowestPriorityActiveEngine(ctx context.Context) (*model.EmailSenderEngine, error) {
	var e model.EmailSenderEngine
	if err := s.session(ctx).
		Where("is_active = ?", true).
		Order("priority ASC, id ASC").
		First(&e).Error; err != nil {
		return nil, notFound(err, "lowest priority engine")
	}
	return &e, nil
}

// ListLeads 按 ID 升序返回全部线索。
func (s *Store) ListLeads(ctx context.Context) ([]model.Lead, error) {
	var leads []model.Lead
	if err := s.session(ctx).Order("id ASC").Find(&leads).Error; err != nil {
		return nil, errors.Wrap(err, "list leads")
	}
	return leads, nil
}
