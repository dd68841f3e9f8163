package storage

import (
	"context"
	"time"

	"outreach/internal/model"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SuppressionMark 描述一次退订/退信/投诉。
type SuppressionMark struct {
	Kind       string
	Reason     string
	BounceType string
	BounceCode string
	At         time.Time
}

// ContactQuery 是 OUTREACH_DB 收件人查询条件。
type ContactQuery struct {
	Since  *time.Time
	Offset int
	Limit  int
}

// UpsertContact 按 email_lc 查找或创建联系人，大小写与空白不同的同一邮箱只对应一行。
func (s *Store) UpsertContact(ctx context.Context, email string) (*model.OutreachContact, error) {
	lc := model.NormalizeEmail(email)
	if lc == "" {
		return nil, errors.New("upsert contact: empty email")
	}
	db := s.session(ctx)
	c := model.OutreachContact{Email: email, Status: model.ContactActive}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email_lc"}},
		DoNothing: true,
	}).Create(&c).Error; err != nil {
		return nil, errors.Wrap(err, "upsert contact")
	}
	var out model.OutreachContact
	if err := db.First(&out, "email_lc = ?", lc).Error; err != nil {
		return nil, notFound(err, "reload contact")
	}
	return &out, nil
}

// GetContact 根据邮箱获取联系人。
func (s *Store) GetContact(ctx context.Context, email string) (*model.OutreachContact, error) {
	var c model.OutreachContact
	if err := s.session(ctx).First(&c, "email_lc = ?", model.NormalizeEmail(email)).Error; err != nil {
		return nil, notFound(err, "get contact")
	}
	return &c, nil
}

// ApplySuppression 在事务内写入屏蔽标记，联系人不存在时创建。已有的其他标记保持不变。
func (s *Store) ApplySuppression(ctx context.Context, email string, mark SuppressionMark) (*model.OutreachContact, error) {
	lc := model.NormalizeEmail(email)
	if lc == "" {
		return nil, errors.New("apply suppression: empty email")
	}
	at := utc(mark.At)

	var out model.OutreachContact
	err := s.session(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&out, "email_lc = ?", lc).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			out = model.OutreachContact{Email: email, Status: model.ContactActive}
		case err != nil:
			return errors.Wrap(err, "load contact")
		}

		switch mark.Kind {
		case model.SuppressUnsubscribe:
			out.UnsubscribeFlag = true
			out.UnsubscribeAt = &at
			out.UnsubscribeReason = mark.Reason
		case model.SuppressBounce:
			out.BounceFlag = true
			out.BounceAt = &at
			out.BounceReason = mark.Reason
			out.BounceType = mark.BounceType
			out.BounceCode = mark.BounceCode
		case model.SuppressComplaint:
			out.ComplaintFlag = true
			out.ComplaintAt = &at
		default:
			return errors.Newf("unknown suppression kind %q", mark.Kind)
		}
		return tx.Save(&out).Error
	})
	if err != nil {
		return nil, errors.Wrap(err, "apply suppression")
	}
	return &out, nil
}

// SuppressedEmails 返回给定邮箱中已被屏蔽的 email_lc 集合。
func (s *Store) SuppressedEmails(ctx context.Context, emails []string) (map[string]struct{}, error) {
	seen := make(map[string]struct{}, len(emails))
	keys := make([]string, 0, len(emails))
	for _, e := range emails {
		lc := model.NormalizeEmail(e)
		if lc == "" {
			continue
		}
		if _, ok := seen[lc]; ok {
			continue
		}
		seen[lc] = struct{}{}
		keys = append(keys, lc)
	}

	out := make(map[string]struct{})
	for _, chunk := range chunks(keys, inChunk) {
		var rows []string
		if err := s.session(ctx).Model(&model.OutreachContact{}).
			Where("email_lc IN ?", chunk).
			Where("(unsubscribe_flag = ? OR bounce_flag = ? OR complaint_flag = ?)", true, true, true).
			Pluck("email_lc", &rows).Error; err != nil {
			return nil, errors.Wrap(err, "query suppressed emails")
		}
		for _, r := range rows {
			out[r] = struct{}{}
		}
	}
	return out, nil
}

// ActiveContactEmails 返回未被屏蔽的 ACTIVE 联系人邮箱，按 ID 升序。
func (s *Store) ActiveContactEmails(ctx context.Context, q ContactQuery) ([]string, error) {
	db := s.session(ctx).Model(&model.OutreachContact{}).
		Where("status = ?", model.ContactActive).
		Where("unsubscribe_flag = ? AND bounce_flag = ? AND complaint_flag = ?", false, false, false)
	if q.Since != nil {
		db = db.Where("created_at >= ?", utc(*q.Since))
	}
	db = db.Order("id ASC")
	if q.Offset > 0 {
		db = db.Offset(q.Offset)
	}
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}
	var emails []string
	if err := db.Pluck("email", &emails).Error; err != nil {
		return nil, errors.Wrap(err, "active contact emails")
	}
	return emails, nil
}
