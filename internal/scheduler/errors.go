package scheduler

import (
	"fmt"

	"outreach/internal/engine"
	"outreach/internal/recipients"

	"github.com/cockroachdb/errors"
)

// 准备阶段的失败原因。
var (
	ErrScheduleNotFound     = errors.New("schedule not found")
	ErrDefinitionNotFound   = errors.New("job definition not found")
	ErrMarketingNotFound    = errors.New("candidate marketing not found")
	ErrNoActiveEngine       = engine.ErrNoActiveEngine
	ErrRecipientFileMissing = recipients.ErrFileMissing
	ErrNoRecipients         = errors.New("no recipients after filtering")
	ErrAlreadyClaimed       = errors.New("schedule already claimed")
	ErrNotDue               = errors.New("schedule not due")
	ErrRunNotFound          = errors.New("job run not found")
	ErrRunAlreadyClosed     = errors.New("job run already closed")
	ErrRunScheduleMismatch  = errors.New("job run belongs to another schedule")
	ErrInvalidFrequency     = errors.New("invalid schedule frequency")
)

// Kind 区分失败类型，worker 按类型记录日志。
type Kind int

const (
	// KindPrecondition 缺少数据，调度保持到期，租约释放。
	KindPrecondition Kind = iota + 1
	// KindTransient 持久化或网络问题，下一轮重试。
	KindTransient
	// KindPermanent 数据本身错误，重试无意义。
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindPrecondition:
		return "precondition"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error 是调度器返回的带类型错误。
type Error struct {
	Kind       Kind
	Op         string
	ScheduleID uint
	Err        error
}

func (e *Error) Error() string {
	if e.ScheduleID != 0 {
		return fmt.Sprintf("%s schedule %d (%s): %v", e.Op, e.ScheduleID, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf 返回错误类型，非 *Error 视为 transient。
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

func precondition(op string, id uint, err error) error {
	return &Error{Kind: KindPrecondition, Op: op, ScheduleID: id, Err: err}
}

func transient(op string, id uint, err error) error {
	return &Error{Kind: KindTransient, Op: op, ScheduleID: id, Err: err}
}

func permanent(op string, id uint, err error) error {
	return &Error{Kind: KindPermanent, Op: op, ScheduleID: id, Err: err}
}
