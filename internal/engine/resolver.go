// Package engine 按顺序解析任务使用的发信引擎。
package engine

import (
	"context"

	"outreach/internal/jobconfig"
	"outreach/internal/model"
	"outreach/internal/storage"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// ErrNoActiveEngine 表示链上没有任何解析器给出可用引擎。
var ErrNoActiveEngine = errors.New("no active email engine")

// Resolver 尝试为任务选择引擎。返回 nil, nil 表示交给下一个解析器。
type Resolver interface {
	Resolve(ctx context.Context, def *model.JobDefinition, cfg jobconfig.Config) (*model.EmailSenderEngine, error)
}

// Store 是解析所需的引擎查询。
type Store interface {
	GetEngine(ctx context.Context, id uint) (*model.EmailSenderEngine, error)
	FindActiveEngine(ctx context.Context, name string) (*model.EmailSenderEngine, error)
	LowestPriorityActiveEngine(ctx context.Context) (*model.EmailSenderEngine, error)
}

// Chain 依次调用解析器，第一个给出结果者胜出。
type Chain struct {
	resolvers []Resolver
}

// NewChain 组装解析链。
func NewChain(resolvers ...Resolver) *Chain {
	return &Chain{resolvers: resolvers}
}

// DefaultChain 返回标准顺序：定义上的引擎、配置 engine_id、配置 email_engine、优先级最高的启用引擎。
func DefaultChain(store Store, logger *zap.SugaredLogger) *Chain {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return NewChain(
		DefinitionEngine{store: store, logger: logger},
		ConfigEngineID{store: store, logger: logger},
		ConfigEngineName{store: store, logger: logger},
		LowestPriority{store: store},
	)
}

// Resolve 返回第一个可用引擎，全部落空时返回 ErrNoActiveEngine。
func (c *Chain) Resolve(ctx context.Context, def *model.JobDefinition, cfg jobconfig.Config) (*model.EmailSenderEngine, error) {
	for _, r := range c.resolvers {
		e, err := r.Resolve(ctx, def, cfg)
		if err != nil {
			return nil, err
		}
		if e != nil {
			return e, nil
		}
	}
	return nil, ErrNoActiveEngine
}

// DefinitionEngine 使用任务定义上的 email_engine_id。
type DefinitionEngine struct {
	store  Store
	logger *zap.SugaredLogger
}

func (r DefinitionEngine) Resolve(ctx context.Context, def *model.JobDefinition, _ jobconfig.Config) (*model.EmailSenderEngine, error) {
	if def == nil || def.EmailEngineID == nil {
		return nil, nil
	}
	return byID(ctx, r.store, r.logger, *def.EmailEngineID, "definition")
}

// ConfigEngineID 使用配置中的 engine_id。
type ConfigEngineID struct {
	store  Store
	logger *zap.SugaredLogger
}

func (r ConfigEngineID) Resolve(ctx context.Context, _ *model.JobDefinition, cfg jobconfig.Config) (*model.EmailSenderEngine, error) {
	if cfg.EngineID == nil {
		return nil, nil
	}
	return byID(ctx, r.store, r.logger, *cfg.EngineID, "config engine_id")
}

// ConfigEngineName 按配置中的 email_engine 匹配名称或 provider。
type ConfigEngineName struct {
	store  Store
	logger *zap.SugaredLogger
}

func (r ConfigEngineName) Resolve(ctx context.Context, _ *model.JobDefinition, cfg jobconfig.Config) (*model.EmailSenderEngine, error) {
	if cfg.EmailEngine == "" {
		return nil, nil
	}
	e, err := r.store.FindActiveEngine(ctx, cfg.EmailEngine)
	if errors.Is(err, storage.ErrNotFound) {
		r.logger.Warnw("configured email_engine not active", "email_engine", cfg.EmailEngine)
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "resolve engine by name")
	}
	return e, nil
}

// LowestPriority 兜底选择 priority 最小的启用引擎。
type LowestPriority struct {
	store Store
}

func (r LowestPriority) Resolve(ctx context.Context, _ *model.JobDefinition, _ jobconfig.Config) (*model.EmailSenderEngine, error) {
	e, err := r.store.LowestPriorityActiveEngine(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "resolve fallback engine")
	}
	return e, nil
}

func byID(ctx context.Context, store Store, logger *zap.SugaredLogger, id uint, source string) (*model.EmailSenderEngine, error) {
	e, err := store.GetEngine(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Warnw("engine not found, falling back", "engine_id", id, "source", source)
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "resolve engine %d", id)
	}
	if !e.IsActive {
		logger.Warnw("engine inactive, falling back", "engine_id", id, "source", source)
		return nil, nil
	}
	return e, nil
}
