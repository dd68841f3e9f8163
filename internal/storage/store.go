package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"outreach/internal/model"

	"github.com/cockroachdb/errors"
	_ "github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound 表示记录不存在。
var ErrNotFound = errors.New("record not found")

// ErrClaimLost 表示调度租约已不属于当前持有者。
var ErrClaimLost = errors.New("schedule claim lost")

// 支持的数据库驱动。
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config 数据库配置，postgres 使用 DSN，sqlite 使用 Path。
type Config struct {
	Driver string `yaml:"driver" json:"driver"`
	Path   string `yaml:"path" json:"path"`
	DSN    string `yaml:"dsn" json:"dsn"`
}

// Store 封装 outreach 相关表的访问：任务定义、调度、执行记录、屏蔽名单。
type Store struct {
	db *gorm.DB
}

// NewStore 打开 sqlite 数据库并自动迁移。
func NewStore(dbPath string) (*Store, error) {
	return Open(Config{Driver: DriverSQLite, Path: dbPath})
}

// Open 根据驱动打开数据库并自动迁移数据表。
func Open(cfg Config) (*Store, error) {
	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	var (
		db  *gorm.DB
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverSQLite:
		path := cfg.Path
		if path == "" {
			path = "outreach.db"
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create db dir")
		}
		db, err = gorm.Open(sqlite.Open(path), gcfg)
		if err != nil {
			return nil, errors.Wrap(err, "open sqlite")
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errors.Wrap(err, "get sql DB")
		}
		// sqlite 只允许单个写连接
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, errors.New("postgres driver requires dsn")
		}
		db, err = gorm.Open(postgres.New(postgres.Config{DriverName: "postgres", DSN: cfg.DSN}), gcfg)
		if err != nil {
			return nil, errors.Wrap(err, "open postgres")
		}
	default:
		return nil, errors.Newf("unsupported database driver %q", cfg.Driver)
	}

	if err := db.AutoMigrate(
		&model.JobDefinition{},
		&model.JobSchedule{},
		&model.JobRun{},
		&model.EmailSenderEngine{},
		&model.OutreachContact{},
		&model.CandidateMarketing{},
		&model.Lead{},
		&model.JobRequest{},
	); err != nil {
		return nil, errors.Wrap(err, "auto migrate models")
	}

	return &Store{db: db}, nil
}

// Close 关闭底层数据库连接。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "get sql DB")
	}
	if err := sqlDB.Close(); err != nil {
		return errors.Wrap(err, "close db")
	}
	return nil
}

// DB 暴露底层连接，供测试与外部协作表的写入使用。
func (s *Store) DB() *gorm.DB {
	return s.db
}

// session 为每次调用创建独立会话。
func (s *Store) session(ctx context.Context) *gorm.DB {
	return s.db.Session(&gorm.Session{NewDB: true}).WithContext(ctx)
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrap(ErrNotFound, what)
	}
	return errors.Wrap(err, what)
}

// chunks 将 IN 查询拆分，避免参数过多。
func chunks[T any](items []T, size int) [][]T {
	var out [][]T
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

const inChunk = 500

func utc(t time.Time) time.Time {
	return t.UTC()
}
