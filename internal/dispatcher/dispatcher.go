// Package dispatcher 将准备好的批次交给外部发信服务。
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"outreach/internal/metrics"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrDisabled 表示没有配置发信服务地址。
var ErrDisabled = errors.New("email service url not configured")

// DefaultTimeout 是单次投递的超时。
const DefaultTimeout = 60 * time.Second

// Config 定义发信服务配置。
type Config struct {
	ServiceURL string `yaml:"service_url" json:"service_url"`
	Timeout    string `yaml:"timeout" json:"timeout"`
	// RatePerMinute 限制每分钟投递次数，0 表示不限。
	RatePerMinute int `yaml:"rate_per_minute" json:"rate_per_minute"`
}

// Recipient 是投递请求中的单个收件人。
type Recipient struct {
	Email           string `json:"email"`
	UnsubscribeLink string `json:"unsubscribe_link,omitempty"`
}

// Engine 是投递请求中的发信引擎。
type Engine struct {
	Provider        string          `json:"provider"`
	CredentialsJSON json.RawMessage `json:"credentials_json"`
}

// Payload 是 POST {service_url}/send 的请求体。
type Payload struct {
	JobRunID      uint              `json:"job_run_id"`
	JobType       string            `json:"job_type"`
	CandidateInfo map[string]string `json:"candidate_info"`
	Recipients    []Recipient       `json:"recipients"`
	Engine        Engine            `json:"engine"`
	ConfigJSON    map[string]any    `json:"config_json"`
}

// Result 是发信服务返回的统计，也是执行记录的关闭数据。
type Result struct {
	RunStatus      string  `json:"run_status,omitempty"`
	ItemsTotal     int     `json:"items_total"`
	ItemsSucceeded int     `json:"items_succeeded"`
	ItemsFailed    int     `json:"items_failed"`
	ErrorMessage   *string `json:"error_message,omitempty"`
}

// FailedResult 是投递失败时写入执行记录的结果。
func FailedResult(err error) Result {
	res := Result{RunStatus: "FAILED"}
	if err != nil {
		msg := err.Error()
		res.ErrorMessage = &msg
	}
	return res
}

// Dispatcher 无状态，可在多个调度间共享。
type Dispatcher struct {
	serviceURL string
	client     *http.Client
	limiter    *rate.Limiter
	metrics    *metrics.Collector
	logger     *zap.SugaredLogger
}

// Option 配置 Dispatcher。
type Option func(*Dispatcher)

// WithHTTPClient 替换默认客户端。
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.client = c
		}
	}
}

// WithMetrics 记录投递耗时。
func WithMetrics(m *metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger 设置日志。
func WithLogger(l *zap.SugaredLogger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// New 创建 Dispatcher。
func New(cfg Config, opts ...Option) *Dispatcher {
	timeout := DefaultTimeout
	if cfg.Timeout != "" {
		if v, err := time.ParseDuration(cfg.Timeout); err == nil && v > 0 {
			timeout = v
		}
	}
	d := &Dispatcher{
		serviceURL: strings.TrimSuffix(strings.TrimSpace(cfg.ServiceURL), "/"),
		client:     &http.Client{Timeout: timeout},
		logger:     zap.NewNop().Sugar(),
	}
	if cfg.RatePerMinute > 0 {
		d.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), 1)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch 只尝试一次。非 2xx、网络错误或未配置地址都返回错误，调用方以 FailedResult 关闭执行。
func (d *Dispatcher) Dispatch(ctx context.Context, payload Payload) (Result, error) {
	if d.serviceURL == "" {
		return Result{}, ErrDisabled
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return Result{}, errors.Wrap(err, "wait for dispatch slot")
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, errors.Wrap(err, "encode payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.serviceURL+"/send", bytes.NewReader(body))
	if err != nil {
		return Result{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := d.client.Do(req)
	d.metrics.ObserveDispatch(time.Since(started))
	if err != nil {
		return Result{}, errors.Wrap(err, "post send")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, errors.Wrap(err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, errors.Newf("send service status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var res Result
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &res); err != nil {
			return Result{}, errors.Wrap(err, "decode response")
		}
	}
	d.logger.Infow("dispatched batch",
		"job_run_id", payload.JobRunID,
		"recipients", len(payload.Recipients),
		"items_succeeded", res.ItemsSucceeded,
		"items_failed", res.ItemsFailed,
	)
	return res, nil
}
