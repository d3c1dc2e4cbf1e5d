// Package database 负责初始化关系数据库和 Redis 连接。
package database

import (
	"fmt"
	"time"

	"skydump-go/internal/config"
	"skydump-go/internal/model"
	"skydump-go/pkg/log"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// dialector 根据配置选择 GORM 方言。
func dialector(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "", "mysql":
		return mysql.Open(cfg.MySQL.DSN), nil
	case "postgres":
		return postgres.Open(cfg.Postgres.DSN), nil
	default:
		return nil, fmt.Errorf("不支持的数据库驱动: %s", cfg.Driver)
	}
}

// InitDB 初始化数据库连接并迁移 uploads 表
func InitDB(cfg config.DatabaseConfig) {
	d, err := dialector(cfg)
	if err != nil {
		log.Fatal("invalid database config", err)
	}
	DB, err = gorm.Open(d, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		log.Fatal("failed to connect database", err)
	}

	// 配置连接池
	sqlDB, err := DB.DB()
	if err != nil {
		log.Fatal("failed to get sql.DB", err)
	}
	sqlDB.SetMaxIdleConns(10)           // 设置空闲连接池中连接的最大数量
	sqlDB.SetMaxOpenConns(100)          // 设置打开数据库连接的最大数量
	sqlDB.SetConnMaxLifetime(time.Hour) // 设置了连接可复用的最大时间

	if err := DB.AutoMigrate(&model.FinalizedUpload{}); err != nil {
		log.Fatal("failed to migrate database", err)
	}

	log.Infof("%s database connected successfully", d.Name())
}
