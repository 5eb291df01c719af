/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package db opens the run history database.
// db 包负责打开运行历史数据库。
package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"github.com/pipekeeper/pipekeeper/internal/config"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

// 数据库类型常量
const (
	DatabaseTypeSQLite   = "sqlite"
	DatabaseTypeMySQL    = "mysql"
	DatabaseTypePostgres = "postgres"
)

// ErrDisabled 表示历史数据库未启用
var ErrDisabled = errors.New("history database is disabled")

// Open 根据配置打开数据库连接
// 支持 SQLite、MySQL、PostgreSQL 三种数据库类型，默认使用 SQLite
func Open(cfg config.HistoryConfig, log *zap.Logger) (*gorm.DB, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if log == nil {
		log = zap.NewNop()
	}

	dbType := cfg.Type
	if dbType == "" {
		dbType = DatabaseTypeSQLite
	}

	var (
		dialector gorm.Dialector
		err       error
	)
	switch dbType {
	case DatabaseTypeSQLite:
		dialector, err = sqliteDialector(cfg.SQLitePath)
	case DatabaseTypeMySQL:
		dialector = mysql.Open(mysqlDSN(cfg))
	case DatabaseTypePostgres:
		dialector = postgres.Open(postgresDSN(cfg))
	default:
		return nil, fmt.Errorf("unsupported database type: %s (supported: sqlite, mysql, postgres)", dbType)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s dialector: %w", dbType, err)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLogger(cfg.LogLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s database: %w", dbType, err)
	}

	// 注入 OpenTelemetry 追踪
	if err := gdb.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		log.Warn("[Database] tracing plugin not installed", zap.Error(err))
	}

	log.Info("[Database] connected", zap.String("type", dbType), zap.String("target", target(dbType, cfg)))
	return gdb, nil
}

// sqliteDialector 初始化 SQLite 驱动，并确保目录存在
func sqliteDialector(path string) (gorm.Dialector, error) {
	if path == "" {
		path = filepath.Join(config.DefaultDataDir, config.DefaultHistoryDBName)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	return sqlite.Open(path), nil
}

func mysqlDSN(cfg config.HistoryConfig) string {
	return fmt.Sprintf(
		"%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.Username,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)
}

func postgresDSN(cfg config.HistoryConfig) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host,
		cfg.Port,
		cfg.Username,
		cfg.Password,
		cfg.Database,
	)
}

// target 返回不含密码的连接描述，用于日志
func target(dbType string, cfg config.HistoryConfig) string {
	if dbType == DatabaseTypeSQLite {
		return cfg.SQLitePath
	}
	return fmt.Sprintf("%s:%d/%s", cfg.Host, cfg.Port, cfg.Database)
}

// gormLogger 根据配置获取 GORM 日志记录器
func gormLogger(level string) logger.Interface {
	var logLevel logger.LogLevel
	switch level {
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	default:
		logLevel = logger.Silent
	}
	return logger.Default.LogMode(logLevel)
}

// Close 关闭数据库连接
func Close(gdb *gorm.DB) error {
	if gdb == nil {
		return nil
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return fmt.Errorf("get underlying connection: %w", err)
	}
	return sqlDB.Close()
}
