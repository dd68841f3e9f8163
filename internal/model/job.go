package model

import (
	"time"

	"gorm.io/datatypes"
)

// 任务类型。其他类型按 LEADS 处理（不查询营销资料）。
const (
	JobTypeMassEmail      = "MASS_EMAIL"
	JobTypeVendorOutreach = "VENDOR_OUTREACH"
	JobTypeLeads          = "LEADS"
)

// 任务定义状态。
const (
	DefinitionActive   = "ACTIVE"
	DefinitionPaused   = "PAUSED"
	DefinitionArchived = "ARCHIVED"
)

// 调度频率。
const (
	FrequencyOnce     = "ONCE"
	FrequencyMinutely = "MINUTELY"
	FrequencyHourly   = "HOURLY"
	FrequencyDaily    = "DAILY"
	FrequencyWeekly   = "WEEKLY"
	FrequencyMonthly  = "MONTHLY"
)

// 执行状态，仅 RUNNING 为非终态。
const (
	RunStatusRunning = "RUNNING"
	RunStatusSuccess = "SUCCESS"
	RunStatusFailed  = "FAILED"
	RunStatusPartial = "PARTIAL"
)

// JobDefinition 描述发送内容与对象。
// Config 为原始 JSON，由 jobconfig 解析。
type JobDefinition struct {
	ID                   uint           `gorm:"primaryKey" json:"id"`
	JobType              string         `gorm:"size:32;not null;index" json:"job_type"`
	Status               string         `gorm:"size:16;not null;default:ACTIVE" json:"status"`
	CandidateMarketingID *uint          `json:"candidate_marketing_id"`
	EmailEngineID        *uint          `json:"email_engine_id"`
	Config               datatypes.JSON `json:"config"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

func (JobDefinition) TableName() string { return "job_definition" }

// JobSchedule 决定任务下一次执行时间。
// ClaimedBy/ClaimedUntil 是 worker 准备执行前获取的租约。
type JobSchedule struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	JobDefinitionID   uint       `gorm:"not null;index" json:"job_definition_id"`
	Timezone          string     `gorm:"size:64;default:UTC" json:"timezone"`
	Frequency         string     `gorm:"size:16;not null" json:"frequency"`
	IntervalValue     int        `gorm:"not null;default:1" json:"interval_value"`
	NextRunAt         time.Time  `gorm:"index" json:"next_run_at"`
	LastRunAt         *time.Time `json:"last_run_at"`
	Enabled           bool       `gorm:"not null" json:"enabled"`
	ManuallyTriggered bool       `gorm:"not null" json:"manually_triggered"`
	RecipientOffset   int        `gorm:"not null;default:0" json:"recipient_offset"`
	ClaimedBy         string     `gorm:"size:128" json:"claimed_by,omitempty"`
	ClaimedUntil      *time.Time `json:"claimed_until,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (JobSchedule) TableName() string { return "job_schedule" }

// JobRun 记录一次投递，离开 RUNNING 后不再修改。
type JobRun struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	JobDefinitionID uint       `gorm:"not null;index" json:"job_definition_id"`
	JobScheduleID   uint       `gorm:"not null;index" json:"job_schedule_id"`
	RunStatus       string     `gorm:"size:16;not null;index" json:"run_status"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at"`
	ItemsTotal      int        `json:"items_total"`
	ItemsSucceeded  int        `json:"items_succeeded"`
	ItemsFailed     int        `json:"items_failed"`
	ErrorMessage    *string    `json:"error_message"`
}

func (JobRun) TableName() string { return "job_run" }

// Terminal 判断是否已结束。
func (r JobRun) Terminal() bool {
	return r.RunStatus != "" && r.RunStatus != RunStatusRunning
}
