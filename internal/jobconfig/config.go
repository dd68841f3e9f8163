// Package jobconfig 将任务定义上的 JSON 配置解析为带默认值的结构体。
package jobconfig

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// 收件人来源。
const (
	SourceCSV        = "CSV"
	SourceLeadsDB    = "LEADS_DB"
	SourceOutreachDB = "OUTREACH_DB"
)

// OUTREACH_DB 模式下的日期过滤。
const (
	FilterAllActive = "ALL_ACTIVE"
	FilterToday     = "TODAY"
	FilterLastNDays = "LAST_N_DAYS"
)

const (
	DefaultBatchSize    = 200
	DefaultLookbackDays = 7
	// UnboundedBatch 是 batch_size=0 时使用的上限。
	UnboundedBatch = 1_000_000
)

// Config 是解析后的任务配置。Raw 原样保留，随投递请求下发。
type Config struct {
	BatchSize          int
	RecipientSource    string
	DateFilter         string
	LookbackDays       int
	EngineID           *uint
	EmailEngine        string
	ResendSameBatch    bool
	UnsubscribeBaseURL string
	Raw                map[string]any
}

// Default 返回空配置对应的默认值。
func Default() Config {
	return Config{
		BatchSize:       DefaultBatchSize,
		RecipientSource: SourceCSV,
		DateFilter:      FilterAllActive,
		LookbackDays:    DefaultLookbackDays,
		ResendSameBatch: true,
		Raw:             map[string]any{},
	}
}

// Limit 返回本次批次的实际上限，0 表示不限。
func (c Config) Limit() int {
	if c.BatchSize == 0 {
		return UnboundedBatch
	}
	return c.BatchSize
}

// Parse 宽松解析配置：整体格式错误时返回默认值与错误，单个字段错误只回退该字段。
// 调用方记录错误后继续使用返回的配置。
func Parse(data []byte) (Config, error) {
	cfg := Default()
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return cfg, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return cfg, errors.Wrap(err, "decode job config")
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(trimmed), &raw); err == nil {
		cfg.Raw = raw
	}

	var problems []string
	if v, ok := fields["batch_size"]; ok {
		n, err := flexInt(v)
		switch {
		case err != nil:
			problems = append(problems, "batch_size: "+err.Error())
		case n < 0:
			problems = append(problems, "batch_size: negative")
		default:
			cfg.BatchSize = n
		}
	}
	if v, ok := fields["recipient_source"]; ok {
		switch s := strings.ToUpper(flexString(v)); s {
		case SourceCSV, SourceLeadsDB, SourceOutreachDB:
			cfg.RecipientSource = s
		case "", "FILE":
		default:
			problems = append(problems, "recipient_source: unknown "+s)
		}
	}
	if v, ok := fields["date_filter"]; ok {
		switch s := strings.ToUpper(flexString(v)); s {
		case FilterAllActive, FilterToday, FilterLastNDays:
			cfg.DateFilter = s
		case "":
		default:
			problems = append(problems, "date_filter: unknown "+s)
		}
	}
	if v, ok := fields["lookback_days"]; ok {
		n, err := flexInt(v)
		if err != nil || n <= 0 {
			problems = append(problems, "lookback_days: invalid")
		} else {
			cfg.LookbackDays = n
		}
	}
	if v, ok := fields["engine_id"]; ok && !isNull(v) {
		n, err := flexInt(v)
		if err != nil || n <= 0 {
			problems = append(problems, "engine_id: invalid")
		} else {
			id := uint(n)
			cfg.EngineID = &id
		}
	}
	if v, ok := fields["email_engine"]; ok {
		cfg.EmailEngine = strings.TrimSpace(flexString(v))
	}
	if v, ok := fields["resend_same_batch"]; ok {
		var b bool
		if err := json.Unmarshal(v, &b); err != nil {
			problems = append(problems, "resend_same_batch: not a bool")
		} else {
			cfg.ResendSameBatch = b
		}
	}
	if v, ok := fields["unsubscribe_base_url"]; ok {
		cfg.UnsubscribeBaseURL = strings.TrimSpace(flexString(v))
	}

	if len(problems) > 0 {
		return cfg, errors.Newf("job config: %s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

func isNull(v json.RawMessage) bool {
	return strings.TrimSpace(string(v)) == "null"
}

// flexInt 接受数字或数字字符串。
func flexInt(v json.RawMessage) (int, error) {
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		i, err := strconv.Atoi(n.String())
		if err != nil {
			return 0, errors.Newf("not an integer: %s", n)
		}
		return i, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return 0, errors.New("not a number")
	}
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.Newf("not an integer: %q", s)
	}
	return i, nil
}

func flexString(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return strings.Trim(strings.TrimSpace(string(v)), `"`)
}
