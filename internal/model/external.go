package model

import (
	"time"

	"gorm.io/datatypes"
)

// EmailSenderEngine 发信引擎配置，Priority 越小越优先。
type EmailSenderEngine struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	Name        string         `gorm:"size:64;index" json:"name"`
	Provider    string         `gorm:"size:64;not null" json:"provider"`
	Credentials datatypes.JSON `json:"credentials"`
	IsActive    bool           `gorm:"not null" json:"is_active"`
	Priority    int            `json:"priority"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (EmailSenderEngine) TableName() string { return "email_sender_engine" }

// CandidateMarketing 由后台维护，这里只读取，用于填充 candidate_info。
type CandidateMarketing struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	CandidateName  string    `json:"candidate_name"`
	MarketingEmail string    `json:"marketing_email"`
	ReplyToEmail   string    `json:"reply_to_email"`
	Intro          string    `json:"intro"`
	LinkedInURL    string    `gorm:"column:linkedin_url" json:"linkedin_url"`
	Status         string    `gorm:"size:16" json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (CandidateMarketing) TableName() string { return "candidate_marketing" }

// Lead 潜在客户，进入投递批次后标记 MassEmailSent。
type Lead struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Email           string     `gorm:"size:320;not null" json:"email"`
	FullName        string     `json:"full_name"`
	Company         string     `json:"company"`
	MassEmailSent   bool       `gorm:"not null" json:"mass_email_sent"`
	MassEmailSentAt *time.Time `json:"mass_email_sent_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (Lead) TableName() string { return "lead" }

// 审批流状态。
const (
	RequestPending   = "PENDING"
	RequestApproved  = "APPROVED"
	RequestRejected  = "REJECTED"
	RequestProcessed = "PROCESSED"
)

// JobRequest 审批流输入，APPROVED 记录由 worker 转换为任务定义与调度。
type JobRequest struct {
	ID                   uint           `gorm:"primaryKey" json:"id"`
	JobType              string         `gorm:"size:32;not null" json:"job_type"`
	CandidateMarketingID *uint          `json:"candidate_marketing_id"`
	EmailEngineID        *uint          `json:"email_engine_id"`
	Config               datatypes.JSON `json:"config"`
	Frequency            string         `gorm:"size:16" json:"frequency"`
	IntervalValue        int            `json:"interval_value"`
	Timezone             string         `gorm:"size:64" json:"timezone"`
	StartAt              *time.Time     `json:"start_at"`
	Status               string         `gorm:"size:16;not null;default:PENDING;index" json:"status"`
	JobDefinitionID      *uint          `json:"job_definition_id"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

func (JobRequest) TableName() string { return "job_request" }
