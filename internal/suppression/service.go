// Package suppression 维护退订/退信/投诉名单，并在投递前过滤收件人。
package suppression

import (
	"context"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"outreach/internal/model"
	"outreach/internal/storage"

	"github.com/cockroachdb/errors"
)

// ErrInvalid 表示请求校验失败。
var ErrInvalid = errors.New("invalid suppression request")

// Store 定义持久化接口。
type Store interface {
	ApplySuppression(ctx context.Context, email string, mark storage.SuppressionMark) (*model.OutreachContact, error)
	SuppressedEmails(ctx context.Context, emails []string) (map[string]struct{}, error)
}

// Request 表示一次屏蔽上报，来自退订链接或发信服务的回调。
type Request struct {
	Email      string `json:"email"`
	Kind       string `json:"kind"`
	Reason     string `json:"reason"`
	BounceType string `json:"bounce_type"`
	Code       string `json:"code"`
}

// Service 负责校验与写入屏蔽记录。
type Service struct {
	store Store
	now   func() time.Time
}

// NewService 创建屏蔽名单服务。
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Record 校验请求并写入标记。同一邮箱大小写不同的写入落在同一条记录上。
func (s *Service) Record(ctx context.Context, req Request) (*model.OutreachContact, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" {
		return nil, errors.Wrap(ErrInvalid, "email required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalid, "invalid email: %v", err)
	}

	kind := strings.ToLower(strings.TrimSpace(req.Kind))
	switch kind {
	case model.SuppressUnsubscribe, model.SuppressBounce, model.SuppressComplaint:
	case "":
		kind = model.SuppressUnsubscribe
	default:
		return nil, errors.Wrapf(ErrInvalid, "unsupported kind %s", req.Kind)
	}

	return s.store.ApplySuppression(ctx, addr.Address, storage.SuppressionMark{
		Kind:       kind,
		Reason:     strings.TrimSpace(req.Reason),
		BounceType: strings.TrimSpace(req.BounceType),
		BounceCode: strings.TrimSpace(req.Code),
		At:         s.now().UTC(),
	})
}

// Suppressed 返回给定邮箱中被屏蔽的小写邮箱集合。
func (s *Service) Suppressed(ctx context.Context, emails []string) (map[string]struct{}, error) {
	set, err := s.store.SuppressedEmails(ctx, emails)
	if err != nil {
		return nil, errors.Wrap(err, "lookup suppressed")
	}
	return set, nil
}

// UnsubscribeLink 拼接退订链接，base 为空时返回空串。
func UnsubscribeLink(base, email string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("email", model.NormalizeEmail(email))
	u.RawQuery = q.Encode()
	return u.String()
}
