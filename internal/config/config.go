// Package config 读取 outreach 的 YAML 配置并应用环境变量覆盖。
package config

import (
	"os"
	"strings"

	"outreach/internal/dispatcher"
	"outreach/internal/logging"
	"outreach/internal/notifier"
	"outreach/internal/recipients"
	"outreach/internal/scheduler"
	"outreach/internal/storage"
	"outreach/internal/worker"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// DefaultPath 是未指定时读取的配置文件。
const DefaultPath = "config.yaml"

// AppConfig 应用配置。
type AppConfig struct {
	Database   storage.Config       `yaml:"database"`
	Worker     worker.Config        `yaml:"worker"`
	Scheduler  scheduler.Config     `yaml:"scheduler"`
	Dispatcher dispatcher.Config    `yaml:"dispatcher"`
	Recipients recipients.Files     `yaml:"recipients"`
	Alerts     notifier.EmailConfig `yaml:"alerts"`
	Server     ServerConfig         `yaml:"server"`
	Log        logging.Config       `yaml:"log"`
}

// ServerConfig HTTP 服务配置。
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default 返回默认配置。
func Default() AppConfig {
	return AppConfig{
		Database: storage.Config{Driver: "sqlite", Path: "outreach.db"},
		Worker: worker.Config{
			Interval: "5s",
			Timeout:  "10m",
		},
		Scheduler:  scheduler.Config{ClaimTTL: "5m", RemoteClaimTTL: "1h"},
		Dispatcher: dispatcher.Config{Timeout: "60s"},
		Recipients: recipients.Files{
			Marketing: "data/marketing.csv",
			Leads:     "data/leads.csv",
		},
		Server: ServerConfig{Addr: ":8080"},
		Log:    logging.Config{Level: "info"},
	}
}

// Path 返回配置文件路径：显式参数优先，其次 OUTREACH_CONFIG。
func Path(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv("OUTREACH_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Load 读取配置文件，文件不存在时使用默认值，最后应用环境变量。
func Load(path string) (AppConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return AppConfig{}, errors.Wrapf(err, "parse config %s", path)
		}
	case os.IsNotExist(err):
	default:
		return AppConfig{}, errors.Wrapf(err, "read config %s", path)
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *AppConfig) {
	if v := os.Getenv("EMAIL_SERVICE_URL"); v != "" {
		cfg.Dispatcher.ServiceURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
		if os.Getenv("DATABASE_DRIVER") == "" {
			cfg.Database.Driver = "postgres"
		}
	}
	if v := os.Getenv("OUTREACH_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
