package storage

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"gufta-im/internal/config"
	"gufta-im/internal/logger"
	"gufta-im/internal/models"
)

// Repositories 聚合核心需要的两个仓储，Close 释放底层连接。
type Repositories struct {
	Conversations ConversationRepository
	Messages      MessageRepository
	Close         func() error
}

// Open 根据 DATABASE.TYPE 选择 PostgreSQL 或内存实现，PostgreSQL 会先执行迁移。
func Open(cfg config.DatabaseConfig, log *zap.Logger) (*Repositories, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch cfg.Type {
	case "memory":
		log.Warn("使用内存存储，进程退出后数据丢失")
		store := NewMemoryStore()
		return &Repositories{Conversations: store, Messages: store, Close: func() error { return nil }}, nil
	case "postgres":
		db, err := InitDB(cfg, log)
		if err != nil {
			return nil, err
		}
		if err := AutoMigrateTables(db, log); err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("获取底层数据库连接失败: %w", err)
		}
		return &Repositories{
			Conversations: NewGormConversationRepository(db),
			Messages:      NewGormMessageRepository(db),
			Close:         sqlDB.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}

// DSN 构造 PostgreSQL 连接串。
func DSN(cfg config.DatabaseConfig) string {
	var dsnParts []string
	dsnParts = append(dsnParts, fmt.Sprintf("host=%s", cfg.Host))
	dsnParts = append(dsnParts, fmt.Sprintf("port=%d", cfg.Port))
	dsnParts = append(dsnParts, fmt.Sprintf("user=%s", cfg.User))
	dsnParts = append(dsnParts, fmt.Sprintf("dbname=%s", cfg.DBName))
	if cfg.Password != "" {
		dsnParts = append(dsnParts, fmt.Sprintf("password=%s", cfg.Password))
	}
	dsnParts = append(dsnParts, fmt.Sprintf("sslmode=%s", cfg.SSLMode))
	return strings.Join(dsnParts, " ")
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch strings.ToLower(level) {
	case "silent":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "info":
		return gormlogger.Info
	default:
		return gormlogger.Warn
	}
}

// InitDB initializes the database connection using the provided configuration.
// TranslateError 打开后，唯一索引冲突会以 gorm.ErrDuplicatedKey 返回。
func InitDB(cfg config.DatabaseConfig, log *zap.Logger) (*gorm.DB, error) {
	if cfg.Type != "postgres" {
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
	if log == nil {
		log = zap.NewNop()
	}

	newLogger := gormlogger.New(
		logger.StdLogger(log, "gorm"),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogLevel(cfg.LogLevel),
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(DSN(cfg)), gormConfig(newLogger))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info("数据库连接成功", zap.String("host", cfg.Host), zap.String("db", cfg.DBName))
	return db, nil
}

// gormConfig 是仓库依赖的 GORM 设置，ErrDuplicateConversation 依赖 TranslateError。
func gormConfig(l gormlogger.Interface) *gorm.Config {
	return &gorm.Config{
		Logger:         l,
		TranslateError: true,
	}
}

// AutoMigrateTables runs GORM's auto-migration feature for all defined models.
func AutoMigrateTables(db *gorm.DB, log *zap.Logger) error {
	log.Info("开始数据库表结构迁移...")
	err := db.AutoMigrate(
		&models.Conversation{},
		&models.ConversationParticipant{},
		&models.Message{},
	)
	if err != nil {
		return fmt.Errorf("数据库迁移失败: %w", err)
	}
	log.Info("数据库迁移完成")
	return nil
}
