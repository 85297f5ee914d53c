package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/mmdatafocus/cashflow_sync/utils"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DialectSQLite = "sqlite"
	DialectMySQL  = "mysql"
)

// OpenCacheDatabase opens the database backing the SQL cache storage.
// For sqlite, target is a file path (":memory:" allowed); for mysql it is a DSN,
// or empty to build one from DB_USER/DB_PASSWORD/DB_HOST/DB_PORT/DB_NAME.
func OpenCacheDatabase(dialect, target string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(dialect)) {
	case DialectSQLite, "":
		if target == "" {
			target = "cashflow-cache.db"
		}
		if target != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, fmt.Errorf("create cache dir: %w", err)
			}
		}
		dialector = sqlite.Open(target + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	case DialectMySQL:
		if target == "" {
			target = mysqlDSNFromEnv()
		}
		dialector = mysql.Open(target)
	default:
		return nil, fmt.Errorf("unsupported cache dialect %q", dialect)
	}

	db, err := gorm.Open(dialector, initConfig())
	if err != nil {
		return nil, err
	}

	if sqlDB, derr := db.DB(); derr == nil && sqlDB != nil {
		maxOpen := utils.IntFromEnv("DB_MAX_OPEN_CONNS", 4)
		connMaxLife := time.Duration(utils.IntFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second
		if maxOpen > 0 {
			sqlDB.SetMaxOpenConns(maxOpen)
		}
		if connMaxLife > 0 {
			sqlDB.SetConnMaxLifetime(connMaxLife)
		}
	}

	if pluginErr := db.Use(otelgorm.NewPlugin()); pluginErr != nil {
		log.Printf("cache db opened but failed to install otelgorm plugin: %v", pluginErr)
	}
	return db, nil
}

func mysqlDSNFromEnv() string {
	dbHost := os.Getenv("DB_HOST")
	network := "tcp"
	address := fmt.Sprintf("%s:%s", dbHost, os.Getenv("DB_PORT"))
	if strings.HasPrefix(dbHost, "/cloudsql/") {
		network = "unix"
		address = dbHost
	}
	return fmt.Sprintf("%s:%s@%s(%s)/%s?parseTime=true",
		os.Getenv("DB_USER"),
		os.Getenv("DB_PASSWORD"),
		network,
		address,
		os.Getenv("DB_NAME"),
	)
}

func initConfig() *gorm.Config {
	return &gorm.Config{
		Logger: initLog(),
	}
}

func initLog() logger.Interface {
	var out io.Writer = io.Discard
	level := logger.Silent
	if utils.EnvBoolDefault("DEBUG_CACHE_SQL", false) {
		out = os.Stdout
		level = logger.Info
	}
	return logger.New(log.New(out, "\r\n", log.LstdFlags), logger.Config{
		SlowThreshold: 200 * time.Millisecond,
		LogLevel:      level,
		Colorful:      false,
	})
}
