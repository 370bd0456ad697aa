package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Config holds application configuration
type Config struct {
	Server       ServerConfig
	Orchestrator OrchestratorConfig
	WhatsApp     WhatsAppConfig
	Relay        RelayConfig
	Database     DatabaseConfig
	Logging      LoggingConfig
	Alert        AlertConfig
}

// ServerConfig covers the local HTTP surface. Bind is the listen interface,
// empty for all of them; Host is only used to print the dashboard URL.
type ServerConfig struct {
	Bind     string
	Host     string
	Port     int
	Username string
	Password string
	WebDir   string
	// MaxBodyBytes caps the raw body accepted by the response endpoint.
	MaxBodyBytes int64
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Bind, s.Port)
}

// URL returns the dashboard address as shown to the operator.
func (s ServerConfig) URL() string {
	return fmt.Sprintf("http://%s:%d", s.Host, s.Port)
}

type OrchestratorConfig struct {
	BaseURL      string
	WebhookPath  string
	TextTimeout  time.Duration
	MediaTimeout time.Duration
	// RateLimit is webhook POSTs per second; zero disables throttling.
	RateLimit float64
	Burst     int
}

// WebhookURL joins base URL and webhook path.
func (o OrchestratorConfig) WebhookURL() string {
	return strings.TrimRight(o.BaseURL, "/") + "/" + strings.TrimLeft(o.WebhookPath, "/")
}

type WhatsAppConfig struct {
	StorePath       string
	MaxRetries      int
	RetryDelay      time.Duration
	RefreshMedia    bool
	RefreshTimeout  time.Duration
	RefreshRetries  int
	DownloadTimeout time.Duration
	QueueSize       int
	PrintQR         bool
}

// RelayConfig carries the fixed values exchanged with the orchestrator.
type RelayConfig struct {
	CaptionLimit       int
	DefaultButtonReply string
	DefaultFileName    string
	ImageCaption       string
	ActivityCapacity   int
	DedupWindow        int
}

type DatabaseConfig struct {
	JournalPath string

	// MSSQL archive, disabled when MSSQLServer is empty
	MSSQLServer   string
	MSSQLDatabase string
	MSSQLUsername string
	MSSQLPassword string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// AlertConfig configures the exhaustion notice. Disabled when SMTPHost is empty.
type AlertConfig struct {
	SMTPHost string
	SMTPPort int
	Username string
	Password string
	From     string
	To       []string
}

// Enabled reports whether alert mail can be sent.
func (a AlertConfig) Enabled() bool {
	return a.SMTPHost != "" && len(a.To) > 0
}

// LoadConfig loads configuration from environment variables and then overlays
// the ini file at path when it exists.
func LoadConfig(path string) (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Bind:         getEnv("WEB_BIND", ""),
			Host:         getEnv("WEB_HOST", "localhost"),
			Port:         getEnvInt("WEB_PORT", 3000),
			Username:     getEnv("WEB_USER", "admin"),
			Password:     getEnv("WEB_PASS", "admin123"),
			WebDir:       getEnv("WEB_DIR", "web"),
			MaxBodyBytes: 25 << 20,
		},
		Orchestrator: OrchestratorConfig{
			BaseURL:      getEnv("ORQUESTADOR_HTTP", "http://localhost:4000"),
			WebhookPath:  "/webhook/orquestador",
			TextTimeout:  30 * time.Second,
			MediaTimeout: 60 * time.Second,
			Burst:        1,
		},
		WhatsApp: WhatsAppConfig{
			StorePath:       getEnv("AUTH_STORE", "auth/session.db"),
			MaxRetries:      5,
			RetryDelay:      5 * time.Second,
			RefreshMedia:    true,
			RefreshTimeout:  30 * time.Second,
			RefreshRetries:  1,
			DownloadTimeout: 60 * time.Second,
			QueueSize:       256,
			PrintQR:         true,
		},
		Relay: RelayConfig{
			CaptionLimit:       1500,
			DefaultButtonReply: "CONFIRMAR",
			DefaultFileName:    "archivo",
			ImageCaption:       "Procesado",
			ActivityCapacity:   20,
			DedupWindow:        1024,
		},
		Database: DatabaseConfig{
			JournalPath:   getEnv("JOURNAL_PATH", "data/relay.db"),
			MSSQLServer:   getEnv("MSSQL_SERVER", ""),
			MSSQLDatabase: getEnv("MSSQL_DATABASE", "whatsapp_relay"),
			MSSQLUsername: getEnv("MSSQL_USERNAME", "sa"),
			MSSQLPassword: getEnv("MSSQL_PASSWORD", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("RELAY_LOG_LEVEL", "info"),
			Format: getEnv("RELAY_LOG_FORMAT", "text"),
		},
		Alert: AlertConfig{
			SMTPHost: getEnv("ALERT_SMTP_HOST", ""),
			SMTPPort: getEnvInt("ALERT_SMTP_PORT", 587),
			Username: getEnv("ALERT_SMTP_USER", ""),
			Password: getEnv("ALERT_SMTP_PASS", ""),
			From:     getEnv("ALERT_FROM", ""),
			To:       splitList(getEnv("ALERT_TO", "")),
		},
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := loadFromINI(config, path); err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects values the relay cannot run with.
func (c *Config) Validate() error {
	if c.Orchestrator.BaseURL == "" {
		return fmt.Errorf("orchestrator url is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid web port %d", c.Server.Port)
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body size must be positive")
	}

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"text_timeout", c.Orchestrator.TextTimeout},
		{"media_timeout", c.Orchestrator.MediaTimeout},
		{"retry_delay", c.WhatsApp.RetryDelay},
		{"refresh_timeout", c.WhatsApp.RefreshTimeout},
		{"download_timeout", c.WhatsApp.DownloadTimeout},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", p.name, p.d)
		}
	}

	if c.Orchestrator.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	if c.Orchestrator.RateLimit > 0 && c.Orchestrator.Burst < 1 {
		return fmt.Errorf("burst must be at least 1 when rate_limit is set")
	}
	if c.WhatsApp.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.WhatsApp.RefreshRetries < 0 {
		return fmt.Errorf("refresh_retries must not be negative")
	}
	if c.WhatsApp.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive")
	}
	if c.Relay.CaptionLimit <= 0 {
		return fmt.Errorf("caption_limit must be positive")
	}
	if c.Relay.ActivityCapacity <= 0 {
		return fmt.Errorf("activity capacity must be positive")
	}
	return nil
}

// loadFromINI loads configuration from an ini file
func loadFromINI(config *Config, path string) error {
	cfg, err := ini.Load(path)
	if err != nil {
		return err
	}

	// Server section
	srv := cfg.Section("server")
	config.Server.Bind = srv.Key("bind").MustString(config.Server.Bind)
	config.Server.Host = srv.Key("host").MustString(config.Server.Host)
	config.Server.Port = srv.Key("port").MustInt(config.Server.Port)
	config.Server.Username = srv.Key("user").MustString(config.Server.Username)
	config.Server.Password = srv.Key("pass").MustString(config.Server.Password)
	config.Server.WebDir = srv.Key("web_dir").MustString(config.Server.WebDir)
	if mb := srv.Key("max_body_mb").MustInt64(0); mb > 0 {
		config.Server.MaxBodyBytes = mb << 20
	}

	// Orchestrator section
	orc := cfg.Section("orchestrator")
	config.Orchestrator.BaseURL = orc.Key("url").MustString(config.Orchestrator.BaseURL)
	config.Orchestrator.WebhookPath = orc.Key("webhook_path").MustString(config.Orchestrator.WebhookPath)
	config.Orchestrator.TextTimeout = orc.Key("text_timeout").MustDuration(config.Orchestrator.TextTimeout)
	config.Orchestrator.MediaTimeout = orc.Key("media_timeout").MustDuration(config.Orchestrator.MediaTimeout)
	config.Orchestrator.RateLimit = orc.Key("rate_limit").MustFloat64(config.Orchestrator.RateLimit)
	config.Orchestrator.Burst = orc.Key("burst").MustInt(config.Orchestrator.Burst)

	// WhatsApp section
	wa := cfg.Section("whatsapp")
	config.WhatsApp.StorePath = wa.Key("store_path").MustString(config.WhatsApp.StorePath)
	config.WhatsApp.MaxRetries = wa.Key("max_retries").MustInt(config.WhatsApp.MaxRetries)
	config.WhatsApp.RetryDelay = wa.Key("retry_delay").MustDuration(config.WhatsApp.RetryDelay)
	config.WhatsApp.RefreshMedia = wa.Key("refresh_media").MustBool(config.WhatsApp.RefreshMedia)
	config.WhatsApp.RefreshTimeout = wa.Key("refresh_timeout").MustDuration(config.WhatsApp.RefreshTimeout)
	config.WhatsApp.RefreshRetries = wa.Key("refresh_retries").MustInt(config.WhatsApp.RefreshRetries)
	config.WhatsApp.DownloadTimeout = wa.Key("download_timeout").MustDuration(config.WhatsApp.DownloadTimeout)
	config.WhatsApp.QueueSize = wa.Key("queue_size").MustInt(config.WhatsApp.QueueSize)
	config.WhatsApp.PrintQR = wa.Key("print_qr").MustBool(config.WhatsApp.PrintQR)

	// Relay section
	rel := cfg.Section("relay")
	config.Relay.CaptionLimit = rel.Key("caption_limit").MustInt(config.Relay.CaptionLimit)
	config.Relay.DefaultButtonReply = rel.Key("default_button_reply").MustString(config.Relay.DefaultButtonReply)
	config.Relay.DefaultFileName = rel.Key("default_filename").MustString(config.Relay.DefaultFileName)
	config.Relay.ImageCaption = rel.Key("image_caption").MustString(config.Relay.ImageCaption)
	config.Relay.ActivityCapacity = rel.Key("activity_capacity").MustInt(config.Relay.ActivityCapacity)
	config.Relay.DedupWindow = rel.Key("dedup_window").MustInt(config.Relay.DedupWindow)

	// Database section
	db := cfg.Section("database")
	config.Database.JournalPath = db.Key("journal_path").MustString(config.Database.JournalPath)
	config.Database.MSSQLServer = db.Key("mssql_server").MustString(config.Database.MSSQLServer)
	config.Database.MSSQLDatabase = db.Key("mssql_database").MustString(config.Database.MSSQLDatabase)
	config.Database.MSSQLUsername = db.Key("mssql_username").MustString(config.Database.MSSQLUsername)
	config.Database.MSSQLPassword = db.Key("mssql_password").MustString(config.Database.MSSQLPassword)

	// Logging section
	lg := cfg.Section("logging")
	config.Logging.Level = lg.Key("level").MustString(config.Logging.Level)
	config.Logging.Format = lg.Key("format").MustString(config.Logging.Format)

	// Alert section
	al := cfg.Section("alert")
	config.Alert.SMTPHost = al.Key("smtp_host").MustString(config.Alert.SMTPHost)
	config.Alert.SMTPPort = al.Key("smtp_port").MustInt(config.Alert.SMTPPort)
	config.Alert.Username = al.Key("username").MustString(config.Alert.Username)
	config.Alert.Password = al.Key("password").MustString(config.Alert.Password)
	config.Alert.From = al.Key("from").MustString(config.Alert.From)
	if to := al.Key("to").String(); to != "" {
		config.Alert.To = splitList(to)
	}

	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if val, err := strconv.Atoi(value); err == nil {
			return val
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
