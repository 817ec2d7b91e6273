package app

import (
	"github.com/bjo163/zapflow/config"
	"github.com/bjo163/zapflow/internal/metrics"
	"github.com/bjo163/zapflow/internal/notify"
	"github.com/bjo163/zapflow/internal/outbound"
	"github.com/bjo163/zapflow/internal/repository"
	"github.com/bjo163/zapflow/internal/session"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// DBProvider provides database access
type DBProvider interface {
	DB() *gorm.DB
}

// ConfigProvider provides application configuration
type ConfigProvider interface {
	Config() *config.AppConfig
}

// SchedulerProvider provides task scheduling capability
type SchedulerProvider interface {
	Scheduler() *cron.Cron
}

// MetricsProvider provides the prometheus collectors
type MetricsProvider interface {
	Metrics() *metrics.Metrics
}

// ServiceProvider exposes the messaging components built by Start
type ServiceProvider interface {
	Sessions() *session.Manager
	Repositories() *repository.Repositories
	Sender() *outbound.Sender
	Bus() *notify.Bus
}

// AppContext combines all provider interfaces for full application context
// Services should depend on specific providers or this combined interface
type AppContext interface {
	DBProvider
	ConfigProvider
	SchedulerProvider
	MetricsProvider
	ServiceProvider

	MigrateDB(track bool) error
	InitDb()
	DropAll()
}
