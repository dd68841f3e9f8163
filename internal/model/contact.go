package model

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// 联系人状态。
const (
	ContactActive   = "ACTIVE"
	ContactInactive = "INACTIVE"
)

// OutreachContact 是单个邮箱的退订/退信/投诉记录。
// EmailLC 为唯一键，每次保存时由 Email 推导。
type OutreachContact struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	Email             string     `gorm:"size:320;not null" json:"email"`
	EmailLC           string     `gorm:"column:email_lc;size:320;not null;uniqueIndex" json:"email_lc"`
	Status            string     `gorm:"size:16;not null;default:ACTIVE;index" json:"status"`
	UnsubscribeFlag   bool       `gorm:"not null" json:"unsubscribe_flag"`
	UnsubscribeAt     *time.Time `json:"unsubscribe_at"`
	UnsubscribeReason string     `json:"unsubscribe_reason"`
	BounceFlag        bool       `gorm:"not null" json:"bounce_flag"`
	BounceType        string     `gorm:"size:32" json:"bounce_type"`
	BounceReason      string     `json:"bounce_reason"`
	BounceCode        string     `gorm:"size:32" json:"bounce_code"`
	BounceAt          *time.Time `json:"bounce_at"`
	ComplaintFlag     bool       `gorm:"not null" json:"complaint_flag"`
	ComplaintAt       *time.Time `json:"complaint_at"`
	CreatedAt         time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (OutreachContact) TableName() string { return "outreach_contact" }

// BeforeSave 保证 email_lc 与 email 一致。
func (c *OutreachContact) BeforeSave(tx *gorm.DB) error {
	c.Email = strings.TrimSpace(c.Email)
	c.EmailLC = NormalizeEmail(c.Email)
	return nil
}

// Suppressed 任一屏蔽标记为真即视为屏蔽。
func (c OutreachContact) Suppressed() bool {
	return c.UnsubscribeFlag || c.BounceFlag || c.ComplaintFlag
}

// NormalizeEmail 返回忽略大小写的邮箱标识。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// 屏蔽类型。
const (
	SuppressUnsubscribe = "unsubscribe"
	SuppressBounce      = "bounce"
	SuppressComplaint   = "complaint"
)
