package app

import (
	"context"
	"os"
	"runtime/debug"
	"time"
	_ "time/tzdata"

	"github.com/bjo163/zapflow/config"
	"github.com/bjo163/zapflow/internal/ai"
	"github.com/bjo163/zapflow/internal/crm"
	"github.com/bjo163/zapflow/internal/domain"
	"github.com/bjo163/zapflow/internal/flow"
	"github.com/bjo163/zapflow/internal/inbound"
	"github.com/bjo163/zapflow/internal/metrics"
	"github.com/bjo163/zapflow/internal/notify"
	"github.com/bjo163/zapflow/internal/outbound"
	"github.com/bjo163/zapflow/internal/repository"
	"github.com/bjo163/zapflow/internal/session"
	"github.com/bjo163/zapflow/internal/transport"
	"github.com/bjo163/zapflow/internal/webhook"
	"github.com/bjo163/zapflow/internal/whatsapp"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"
)

type Application struct {
	appConfig *config.AppConfig
	gormDB    *gorm.DB
	sched     *cron.Cron
	metrics   *metrics.Metrics
	bus       *notify.Bus

	dialer     transport.Dialer
	repos      *repository.Repositories
	registry   *session.Registry
	sender     *outbound.Sender
	dispatcher *flow.Dispatcher
	sessions   *session.Manager
}

// Ensure Application implements all interfaces
var (
	_ DBProvider        = (*Application)(nil)
	_ ConfigProvider    = (*Application)(nil)
	_ SchedulerProvider = (*Application)(nil)
	_ MetricsProvider   = (*Application)(nil)
	_ ServiceProvider   = (*Application)(nil)
	_ AppContext        = (*Application)(nil)
)

func NewApplication(appConfig *config.AppConfig) *Application {
	return &Application{
		appConfig: appConfig,
		metrics:   metrics.New(),
		bus:       notify.NewBus(),
	}
}

func (a *Application) Config() *config.AppConfig {
	return a.appConfig
}

func (a *Application) DB() *gorm.DB {
	return a.gormDB
}

// OverrideDB replaces the application's database handle (used in tests).
func (a *Application) OverrideDB(db *gorm.DB) {
	a.gormDB = db
}

// OverrideDialer replaces the WhatsApp transport (used in tests).
func (a *Application) OverrideDialer(d transport.Dialer) {
	a.dialer = d
}

func (a *Application) Init(cfg *config.AppConfig) {
	loc, err := time.LoadLocation(cfg.System.Location)
	if err != nil {
		zap.S().Error("timezone config error")
	} else {
		time.Local = loc
	}

	// Initialize zap logger
	var zapConfig zap.Config
	if cfg.Logger.Mode == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	zapConfig.OutputPaths = []string{"stdout"}
	if cfg.Logger.FileEnable {
		zapConfig.OutputPaths = append(zapConfig.OutputPaths, cfg.Logger.Filename)
	}

	var logger *zap.Logger
	if cfg.Logger.FileEnable {
		lumberJackLogger := &lumberjack.Logger{
			Filename:   cfg.Logger.Filename,
			MaxSize:    64,
			MaxBackups: 7,
			MaxAge:     7,
			Compress:   false,
		}

		core := zapcore.NewTee(
			zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(lumberJackLogger),
				zapConfig.Level,
			),
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
				zapcore.AddSync(os.Stdout),
				zapConfig.Level,
			),
		)
		logger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	} else {
		logger, err = zapConfig.Build(zap.AddCaller(), zap.AddCallerSkip(1))
		if err != nil {
			panic(err)
		}
	}

	zap.ReplaceGlobals(logger)

	if a.gormDB == nil {
		if cfg.Database.Type == "" {
			cfg.Database.Type = "sqlite"
		}
		a.gormDB = getDatabase(cfg.Database, cfg.GetDataDir())
		zap.S().Infof("Database connection successful, type: %s", cfg.Database.Type)
	}

	if err := a.MigrateDB(false); err != nil {
		zap.S().Errorf("database migration failed: %v", err)
	}
}

// Start builds the messaging stack on top of the database, restores paired
// connections and starts the background jobs.
func (a *Application) Start(ctx context.Context) error {
	cfg := a.appConfig
	if a.dialer == nil {
		sqlDB, err := a.gormDB.DB()
		if err != nil {
			return errors.Wrap(err, "get sql db")
		}
		d, err := whatsapp.NewDialer(ctx, sqlDB, cfg.Database.Type, cfg.WhatsApp.EventBuffer)
		if err != nil {
			return errors.Wrap(err, "init whatsapp dialer")
		}
		a.dialer = d
	}

	a.repos = repository.NewGormRepositories(a.gormDB)
	a.registry = session.NewRegistry()
	a.sender = outbound.NewSender(a.registry, a.repos.Messages, a.repos.Conversations, a.metrics, outbound.Options{
		Rate:  cfg.WhatsApp.SendRate,
		Burst: cfg.WhatsApp.SendBurst,
	})

	deps := flow.Deps{
		Sender:   a.sender,
		Webhooks: webhook.NewClient(cfg.Flow.WebhookTimeout, a.metrics),
		Tags:     a.repos.Tags,
		Metrics:  a.metrics,
	}
	if gen := ai.NewOpenAI(ai.Config{
		BaseURL:      cfg.AI.BaseURL,
		APIKey:       cfg.AI.APIKey,
		Model:        cfg.AI.Model,
		SystemPrompt: cfg.AI.SystemPrompt,
		Timeout:      cfg.AI.Timeout,
	}); gen != nil {
		deps.AI = gen
	} else {
		zap.L().Info("ai: no api key configured, ai nodes answer with the processing text")
	}

	engine := flow.NewEngine(deps, cfg.Flow.MaxSteps)
	dispatcher, err := flow.NewDispatcher(a.repos.Flows, a.repos.Messages, engine, a.sender, cfg.Flow.Workers, a.metrics)
	if err != nil {
		return err
	}
	a.dispatcher = dispatcher

	pipeline := inbound.NewPipeline(
		crm.NewResolver(a.repos.Contacts, a.repos.Conversations),
		a.repos.Messages, a.repos.Conversations, dispatcher, a.sender, a.metrics)

	a.sessions = session.NewManager(a.repos.Connections, a.dialer, a.registry, a.bus, pipeline, a.metrics, session.Options{
		ReconnectDelay:       cfg.WhatsApp.ReconnectDelay,
		MaxReconnectAttempts: cfg.WhatsApp.MaxReconnectAttempts,
		RestoreParallel:      cfg.WhatsApp.RestoreParallel,
	})

	if err := a.sessions.Restore(ctx); err != nil {
		zap.L().Error("session restore failed", zap.Error(err))
	}

	a.initJob()
	return nil
}

func (a *Application) MigrateDB(track bool) (err error) {
	defer func() {
		if err1 := recover(); err1 != nil {
			if os.Getenv("GO_DEGUB_TRACE") != "" {
				debug.PrintStack()
			}
			err2, ok := err1.(error)
			if ok {
				err = err2
				zap.S().Error(err2.Error())
			}
		}
	}()
	if track {
		if err := a.gormDB.Debug().Migrator().AutoMigrate(domain.Tables...); err != nil {
			zap.S().Error(err)
		}
	} else {
		if err := a.gormDB.Migrator().AutoMigrate(domain.Tables...); err != nil {
			zap.S().Error(err)
		}
	}
	return nil
}

// DropAll drops every table the application owns.
func (a *Application) DropAll() {
	if err := a.gormDB.Migrator().DropTable(domain.Tables...); err != nil {
		zap.S().Error(err)
	}
}

// InitDb recreates the schema empty.
func (a *Application) InitDb() {
	a.DropAll()
	err := a.gormDB.Migrator().AutoMigrate(domain.Tables...)
	if err != nil {
		zap.S().Error(err)
	}
}

// Scheduler returns the cron scheduler
func (a *Application) Scheduler() *cron.Cron {
	return a.sched
}

func (a *Application) Metrics() *metrics.Metrics {
	return a.metrics
}

func (a *Application) Bus() *notify.Bus {
	return a.bus
}

func (a *Application) Sessions() *session.Manager {
	return a.sessions
}

func (a *Application) Repositories() *repository.Repositories {
	return a.repos
}

func (a *Application) Sender() *outbound.Sender {
	return a.sender
}

// Release stops the scheduler, closes the flow dispatcher and then closes live
// sessions without logging them out. Sessions stay up while the dispatcher
// drains so in-progress runs can still reply; messages arriving meanwhile
// are stored and left unanswered.
func (a *Application) Release(ctx context.Context) {
	if a.sched != nil {
		<-a.sched.Stop().Done()
	}

	if a.dispatcher != nil {
		if err := a.dispatcher.Shutdown(ctx); err != nil {
			zap.L().Warn("flow dispatcher shutdown incomplete", zap.Error(err))
		}
	}

	if a.sessions != nil {
		if err := a.sessions.Shutdown(ctx); err != nil {
			zap.L().Warn("session shutdown incomplete", zap.Error(err))
		}
	}

	a.bus.Wait()
	_ = zap.L().Sync()
}
