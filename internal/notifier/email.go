// Package notifier 在执行失败时通知运维。
package notifier

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"
)

// RunFailure 描述一次失败的执行。
type RunFailure struct {
	ScheduleID uint
	JobRunID   uint
	JobType    string
	Recipients int
	Reason     string
	At         time.Time
}

// EmailConfig 告警邮件配置，Host 为空时不发送邮件。
type EmailConfig struct {
	Host     string   `yaml:"host" json:"host"`
	Port     int      `yaml:"port" json:"port"`
	Username string   `yaml:"username" json:"username"`
	Password string   `yaml:"password" json:"password"`
	From     string   `yaml:"from" json:"from"`
	To       []string `yaml:"to" json:"to"`
	Subject  string   `yaml:"subject" json:"subject"`
}

// EmailMessage 表示一封邮件。
type EmailMessage struct {
	From    string
	To      []string
	Subject string
	Body    string
}

// EmailSender 抽象发送接口，便于测试替换。
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// SMTPClient 封装 SMTP 发送。
type SMTPClient struct {
	addr string
	auth smtp.Auth
}

func NewSMTPClient(cfg EmailConfig) *SMTPClient {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	var auth smtp.Auth
	if cfg.Username != "" && cfg.Password != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &SMTPClient{addr: addr, auth: auth}
}

func (c *SMTPClient) Send(ctx context.Context, msg EmailMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return smtp.SendMail(c.addr, c.auth, msg.From, msg.To, []byte(buildEmailData(msg)))
}

// EmailNotifier 将失败执行发送给运维邮箱。
type EmailNotifier struct {
	cfg    EmailConfig
	sender EmailSender
}

// NewEmailNotifier 创建 EmailNotifier。
func NewEmailNotifier(cfg EmailConfig, sender EmailSender) *EmailNotifier {
	if sender == nil {
		sender = NewSMTPClient(cfg)
	}
	if cfg.Subject == "" {
		cfg.Subject = "Outreach run failed"
	}
	return &EmailNotifier{cfg: cfg, sender: sender}
}

// NotifyFailure 发送告警，没有收件人时跳过。
func (n EmailNotifier) NotifyFailure(ctx context.Context, f RunFailure) error {
	if len(n.cfg.To) == 0 {
		return nil
	}
	msg := EmailMessage{
		From:    n.cfg.From,
		To:      n.cfg.To,
		Subject: fmt.Sprintf("%s: schedule %d", n.cfg.Subject, f.ScheduleID),
		Body:    buildBody(f),
	}
	return n.sender.Send(ctx, msg)
}

func buildBody(f RunFailure) string {
	var b strings.Builder
	b.WriteString("An outreach run failed.\n")
	b.WriteString(fmt.Sprintf("schedule: %d\n", f.ScheduleID))
	b.WriteString(fmt.Sprintf("job run: %d\n", f.JobRunID))
	if f.JobType != "" {
		b.WriteString(fmt.Sprintf("job type: %s\n", f.JobType))
	}
	b.WriteString(fmt.Sprintf("recipients: %d\n", f.Recipients))
	if !f.At.IsZero() {
		b.WriteString(fmt.Sprintf("at: %s\n", f.At.UTC().Format(time.RFC3339)))
	}
	if f.Reason != "" {
		b.WriteString(fmt.Sprintf("reason: %s\n", f.Reason))
	}
	return b.String()
}

func buildEmailData(msg EmailMessage) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("From: %s\r\n", msg.From))
	b.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(msg.To, ",")))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(msg.Body)
	return b.String()
}
