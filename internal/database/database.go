// Package database 负责建立 gorm 连接和执行表迁移
// 生产使用 MySQL，单机部署和测试使用纯 Go 的 SQLite
package database

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"ia-chat-server/internal/config"
	"ia-chat-server/internal/logger"
	"ia-chat-server/internal/model"
)

// 支持的驱动
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// Open 按配置打开数据库连接
// 参数:
//   - cfg: 应用配置
//
// 返回:
//   - *gorm.DB: 数据库实例
//   - error: 连接错误
func Open(cfg *config.Config) (*gorm.DB, error) {
	gormLogger := gormlogger.Default.LogMode(gormlogger.Info)
	if cfg.Server.Mode == "release" {
		gormLogger = gormlogger.Default.LogMode(gormlogger.Warn)
	}

	var dialector gorm.Dialector
	switch cfg.Database.Driver {
	case "", DriverMySQL:
		dialector = mysql.Open(MySQLDSN(cfg.MySQL))
	case DriverSQLite:
		dialector = sqlite.Open(cfg.Database.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	if cfg.Database.Driver == DriverSQLite {
		// SQLite 只允许单写者，内存库在最后一个连接关闭时消失
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
	} else {
		sqlDB.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
		sqlDB.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.MySQL.MaxLifetime) * time.Second)
	}

	logger.L.Info("database connected", "driver", dialector.Name())
	return db, nil
}

// MySQLDSN 构建 MySQL DSN (Data Source Name)
func MySQLDSN(c config.MySQLConfig) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
		c.Username,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
		c.Charset,
	)
}

// AutoMigrate 自动迁移数据库表
func AutoMigrate(db *gorm.DB) error {
	logger.L.Info("running database migrations")

	if err := db.AutoMigrate(
		&model.Conversation{},
		&model.Message{},
		&model.Preference{},
	); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}

	logger.L.Info("database migrations completed")
	return nil
}

// Close 关闭底层连接池
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
