package config

import (
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// DBConfig Database config
type DBConfig struct {
	Type     string `yaml:"type"` // postgres or sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Passwd   string `yaml:"passwd"`
	MaxConn  int    `yaml:"max_conn"`
	IdleConn int    `yaml:"idle_conn"`
	Debug    bool   `yaml:"debug"`
}

// SysConfig System config
type SysConfig struct {
	Appid    string `yaml:"appid"`
	Location string `yaml:"location"`
	Workdir  string `yaml:"workdir"`
	Debug    bool   `yaml:"debug"`
}

// WebConfig admin api listener
type WebConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LogConfig struct {
	Mode       string `yaml:"mode"`
	FileEnable bool   `yaml:"file_enable"`
	Filename   string `yaml:"filename"`
}

// WhatsAppConfig session lifecycle tuning
type WhatsAppConfig struct {
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	QRTimeout            time.Duration `yaml:"qr_timeout"`
	RestoreParallel      int           `yaml:"restore_parallel"`
	EventBuffer          int           `yaml:"event_buffer"`
	SendRate             float64       `yaml:"send_rate"`
	SendBurst            int           `yaml:"send_burst"`
}

// FlowConfig flow engine tuning
type FlowConfig struct {
	MaxSteps       int           `yaml:"max_steps"`
	Workers        int           `yaml:"workers"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
}

// AIConfig optional model backend for ai nodes. Disabled when APIKey is empty.
type AIConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	Model        string        `yaml:"model"`
	SystemPrompt string        `yaml:"system_prompt"`
	Timeout      time.Duration `yaml:"timeout"`
}

type AppConfig struct {
	System   SysConfig      `yaml:"system"`
	Web      WebConfig      `yaml:"web"`
	Database DBConfig       `yaml:"database"`
	Logger   LogConfig      `yaml:"logger"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Flow     FlowConfig     `yaml:"flow"`
	AI       AIConfig       `yaml:"ai"`
}

func (c *AppConfig) GetLogDir() string {
	return path.Join(c.System.Workdir, "logs")
}

func (c *AppConfig) GetDataDir() string {
	return path.Join(c.System.Workdir, "data")
}

func (c *AppConfig) initDirs() {
	_ = os.MkdirAll(c.GetLogDir(), 0o755)
	_ = os.MkdirAll(c.GetDataDir(), 0o755)
}

var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "ZapFlow",
		Location: "America/Sao_Paulo",
		Workdir:  "/var/zapflow",
		Debug:    true,
	},
	Web: WebConfig{
		Host: "0.0.0.0",
		Port: 1816,
	},
	Database: DBConfig{
		Type:     "sqlite",
		Host:     "127.0.0.1",
		Port:     5432,
		Name:     "zapflow.db",
		User:     "postgres",
		Passwd:   "",
		MaxConn:  100,
		IdleConn: 10,
		Debug:    false,
	},
	Logger: LogConfig{
		Mode:       "development",
		FileEnable: true,
		Filename:   "/var/zapflow/logs/zapflow.log",
	},
	WhatsApp: WhatsAppConfig{
		ReconnectDelay:       5 * time.Second,
		MaxReconnectAttempts: 5,
		QRTimeout:            3 * time.Minute,
		RestoreParallel:      8,
		EventBuffer:          1024,
		SendRate:             5,
		SendBurst:            5,
	},
	Flow: FlowConfig{
		MaxSteps:       100,
		Workers:        1000,
		WebhookTimeout: 10 * time.Second,
	},
	AI: AIConfig{
		Model:   "gpt-4o-mini",
		Timeout: 30 * time.Second,
	},
}

// LoadConfig reads the yaml file (if any) over the defaults, then applies
// ZAPFLOW_* environment overrides.
func LoadConfig(cfile string) *AppConfig {
	cfg := *DefaultAppConfig
	if cfile == "" {
		cfile = "zapflow.yml"
	}
	if data, err := os.ReadFile(cfile); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			panic(err)
		}
	}
	cfg.applyEnv()
	cfg.initDirs()
	return &cfg
}

func setEnvValue(name string, val *string) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		*val = v
	}
}

func setEnvBoolValue(name string, val *bool) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		*val = cast.ToBool(v)
	}
}

func setEnvIntValue(name string, val *int) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		*val = cast.ToInt(v)
	}
}

func setEnvDurationValue(name string, val *time.Duration) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		*val = cast.ToDuration(v)
	}
}

func (c *AppConfig) applyEnv() {
	setEnvValue("ZAPFLOW_SYSTEM_WORKER_DIR", &c.System.Workdir)
	setEnvBoolValue("ZAPFLOW_SYSTEM_DEBUG", &c.System.Debug)

	setEnvValue("ZAPFLOW_WEB_HOST", &c.Web.Host)
	setEnvIntValue("ZAPFLOW_WEB_PORT", &c.Web.Port)

	setEnvValue("ZAPFLOW_DB_TYPE", &c.Database.Type)
	setEnvValue("ZAPFLOW_DB_HOST", &c.Database.Host)
	setEnvIntValue("ZAPFLOW_DB_PORT", &c.Database.Port)
	setEnvValue("ZAPFLOW_DB_NAME", &c.Database.Name)
	setEnvValue("ZAPFLOW_DB_USER", &c.Database.User)
	setEnvValue("ZAPFLOW_DB_PWD", &c.Database.Passwd)
	setEnvBoolValue("ZAPFLOW_DB_DEBUG", &c.Database.Debug)

	setEnvValue("ZAPFLOW_LOGGER_MODE", &c.Logger.Mode)
	setEnvBoolValue("ZAPFLOW_LOGGER_FILE_ENABLE", &c.Logger.FileEnable)

	setEnvDurationValue("ZAPFLOW_WA_RECONNECT_DELAY", &c.WhatsApp.ReconnectDelay)
	setEnvIntValue("ZAPFLOW_WA_MAX_RECONNECT", &c.WhatsApp.MaxReconnectAttempts)
	setEnvDurationValue("ZAPFLOW_WA_QR_TIMEOUT", &c.WhatsApp.QRTimeout)
	if v := strings.TrimSpace(os.Getenv("ZAPFLOW_WA_SEND_RATE")); v != "" {
		c.WhatsApp.SendRate = cast.ToFloat64(v)
	}

	setEnvIntValue("ZAPFLOW_FLOW_MAX_STEPS", &c.Flow.MaxSteps)
	setEnvIntValue("ZAPFLOW_FLOW_WORKERS", &c.Flow.Workers)

	setEnvValue("ZAPFLOW_AI_BASE_URL", &c.AI.BaseURL)
	setEnvValue("ZAPFLOW_AI_API_KEY", &c.AI.APIKey)
	setEnvValue("ZAPFLOW_AI_MODEL", &c.AI.Model)
}
