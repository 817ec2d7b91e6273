package app

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/bjo163/zapflow/config"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// getDatabase opens the configured database and panics when it cannot,
// there is nothing useful to run without one.
func getDatabase(cfg config.DBConfig, dataDir string) *gorm.DB {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Type) {
	case "postgres", "postgresql":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Passwd, cfg.Name, time.Local.String())
		dialector = postgres.Open(dsn)
	case "sqlite", "sqlite3", "":
		dbfile := cfg.Name
		if !path.IsAbs(dbfile) {
			dbfile = path.Join(dataDir, dbfile)
		}
		dialector = sqlite.Open(dbfile + "?_foreign_keys=on&_busy_timeout=5000")
	default:
		panic(fmt.Sprintf("unsupported database type %q", cfg.Type))
	}

	gormConfig := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if cfg.Debug {
		gormConfig.Logger = logger.Default.LogMode(logger.Info)
	}
	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		zap.S().Errorf("open database %s failed: %v", cfg.Type, err)
		panic(err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		panic(err)
	}
	if cfg.MaxConn > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxConn)
	}
	if cfg.IdleConn > 0 {
		sqlDB.SetMaxIdleConns(cfg.IdleConn)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	return db
}
