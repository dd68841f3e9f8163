// Package recipients 按任务配置加载收件人列表：CSV 文件、线索表或 outreach 联系人表。
package recipients

import (
	"context"
	"time"

	"outreach/internal/jobconfig"
	"outreach/internal/model"
	"outreach/internal/storage"

	"github.com/cockroachdb/errors"
)

// Recipient 是候选收件人。LeadID 仅在 LEADS_DB 来源时非零。
type Recipient struct {
	Email  string
	LeadID uint
}

// Store 是加载数据库来源所需的读取接口。
type Store interface {
	ListLeads(ctx context.Context) ([]model.Lead, error)
	ActiveContactEmails(ctx context.Context, q storage.ContactQuery) ([]string, error)
}

// Files 配置 CSV 来源的文件路径。
type Files struct {
	Marketing string `yaml:"marketing_csv" json:"marketing_csv"`
	Leads     string `yaml:"leads_csv" json:"leads_csv"`
}

// Loader 根据 recipient_source 选择来源。
type Loader struct {
	store Store
	files Files
}

// NewLoader 创建收件人加载器。
func NewLoader(store Store, files Files) *Loader {
	return &Loader{store: store, files: files}
}

// FileFor 返回任务类型对应的 CSV 路径。
func (l *Loader) FileFor(jobType string) string {
	switch jobType {
	case model.JobTypeMassEmail, model.JobTypeVendorOutreach:
		return l.files.Marketing
	default:
		return l.files.Leads
	}
}

// Load 返回有序的完整收件人列表，行级屏蔽已过滤，全局屏蔽由调用方处理。
func (l *Loader) Load(ctx context.Context, jobType string, cfg jobconfig.Config, now time.Time) ([]Recipient, error) {
	switch cfg.RecipientSource {
	case jobconfig.SourceLeadsDB:
		return l.leads(ctx)
	case jobconfig.SourceOutreachDB:
		emails, err := l.store.ActiveContactEmails(ctx, storage.ContactQuery{Since: Since(cfg, now)})
		if err != nil {
			return nil, errors.Wrap(err, "load outreach contacts")
		}
		out := make([]Recipient, 0, len(emails))
		for _, e := range emails {
			out = append(out, Recipient{Email: e})
		}
		return out, nil
	default:
		path := l.FileFor(jobType)
		if path == "" {
			return nil, errors.Wrapf(ErrFileMissing, "no csv configured for %s", jobType)
		}
		return LoadCSV(path)
	}
}

// OutreachBatch 直接在数据库里按日期过滤与上限取出未屏蔽的联系人邮箱。
func (l *Loader) OutreachBatch(ctx context.Context, cfg jobconfig.Config, now time.Time) ([]string, error) {
	emails, err := l.store.ActiveContactEmails(ctx, storage.ContactQuery{
		Since: Since(cfg, now),
		Limit: cfg.Limit(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "query outreach batch")
	}
	return emails, nil
}

// 线索表来源只返回尚未群发过的线索。
func (l *Loader) leads(ctx context.Context) ([]Recipient, error) {
	leads, err := l.store.ListLeads(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load leads")
	}
	out := make([]Recipient, 0, len(leads))
	for _, lead := range leads {
		if lead.MassEmailSent {
			continue
		}
		out = append(out, Recipient{Email: lead.Email, LeadID: lead.ID})
	}
	return out, nil
}

// Since 将日期过滤转换为创建时间下界，ALL_ACTIVE 返回 nil。
func Since(cfg jobconfig.Config, now time.Time) *time.Time {
	now = now.UTC()
	switch cfg.DateFilter {
	case jobconfig.FilterToday:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return &start
	case jobconfig.FilterLastNDays:
		days := cfg.LookbackDays
		if days <= 0 {
			days = jobconfig.DefaultLookbackDays
		}
		start := now.AddDate(0, 0, -days)
		return &start
	default:
		return nil
	}
}
