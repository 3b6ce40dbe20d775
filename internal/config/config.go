package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration. Values come from the YAML file
// first, then environment variables override field by field.
type Config struct {
	Database    DatabaseConfig
	Application map[string]any
	Telemetry   TelemetryConfig
	Executor    ExecutorConfig
	Admin       AdminConfig
}

// DatabaseConfig holds PostgreSQL connection configuration for both the
// application database and the system database.
type DatabaseConfig struct {
	Hostname  string   `yaml:"hostname" envconfig:"PGHOST" default:"localhost"`
	Port      int      `yaml:"port" envconfig:"PGPORT" default:"5432"`
	Username  string   `yaml:"username" envconfig:"PGUSER" default:"postgres"`
	Password  string   `yaml:"password" envconfig:"PGPASSWORD"`
	AppDBName string   `yaml:"app_db_name" envconfig:"EVERFLOW_APP_DB_NAME"`
	SysDBName string   `yaml:"sys_db_name" envconfig:"EVERFLOW_SYS_DB_NAME"`
	SSLMode   string   `yaml:"ssl_mode" envconfig:"PGSSLMODE" default:"prefer"`
	Migrate   []string `yaml:"migrate" ignored:"true"`
	Rollback  []string `yaml:"rollback" ignored:"true"`

	MaxConns        int32         `yaml:"max_conns" envconfig:"EVERFLOW_DB_MAX_CONNS" default:"25"`
	MinConns        int32         `yaml:"min_conns" envconfig:"EVERFLOW_DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" envconfig:"EVERFLOW_DB_MAX_CONN_LIFETIME" default:"1h"`
}

// TelemetryConfig is parsed for completeness of the persisted configuration
// format; the runtime exposes a prometheus endpoint and nothing more.
type TelemetryConfig struct {
	Logs map[string]any `yaml:"logs"`
}

// ExecutorConfig tunes the executor's background machinery.
type ExecutorConfig struct {
	FlushInterval     time.Duration `yaml:"flush_interval" envconfig:"EVERFLOW_FLUSH_INTERVAL" default:"1s"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" envconfig:"EVERFLOW_HEARTBEAT_INTERVAL" default:"10s"`
	HeartbeatTTL      time.Duration `yaml:"heartbeat_ttl" envconfig:"EVERFLOW_HEARTBEAT_TTL" default:"60s"`
	QueuePumpInterval time.Duration `yaml:"queue_pump_interval" envconfig:"EVERFLOW_QUEUE_PUMP_INTERVAL" default:"1s"`
	CatchupHorizon    int           `yaml:"catchup_horizon" envconfig:"EVERFLOW_CATCHUP_HORIZON" default:"100"`
}

// AdminConfig configures the admin HTTP surface.
type AdminConfig struct {
	Host string `yaml:"host" envconfig:"EVERFLOW_ADMIN_HOST" default:"0.0.0.0"`
	Port int    `yaml:"port" envconfig:"EVERFLOW_ADMIN_PORT" default:"3001"`
}

// Address returns the admin listen address in host:port form.
func (a AdminConfig) Address() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// yamlFile mirrors the persisted configuration document.
type yamlFile struct {
	Database    DatabaseConfig `yaml:"database"`
	Application map[string]any `yaml:"application"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Executor    ExecutorConfig `yaml:"runtime"`
	Admin       AdminConfig    `yaml:"admin"`
}

// Load reads configuration from the YAML file at path (optional, "" skips it)
// and then overrides from environment variables.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %s: %w", path, err)
		}
		var doc yamlFile
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("config.Load: parse %s: %w", path, err)
		}
		cfg = Config{
			Database:    doc.Database,
			Application: doc.Application,
			Telemetry:   doc.Telemetry,
			Executor:    doc.Executor,
			Admin:       doc.Admin,
		}
	}

	if err := overlayEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// overlayEnv applies envconfig on top of file values. envconfig fills
// defaults into zero fields and honors explicit environment variables, so a
// file value is only replaced when its variable is actually set.
func overlayEnv(cfg *Config) error {
	var env Config
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("process environment: %w", err)
	}

	overlayDatabase(&cfg.Database, &env.Database)
	overlayExecutor(&cfg.Executor, &env.Executor)
	overlayAdmin(&cfg.Admin, &env.Admin)
	return nil
}

func overlayDatabase(dst, env *DatabaseConfig) {
	if v, ok := os.LookupEnv("PGHOST"); ok && v != "" {
		dst.Hostname = v
	} else if dst.Hostname == "" {
		dst.Hostname = env.Hostname
	}
	if _, ok := os.LookupEnv("PGPORT"); ok {
		dst.Port = env.Port
	} else if dst.Port == 0 {
		dst.Port = env.Port
	}
	if v, ok := os.LookupEnv("PGUSER"); ok && v != "" {
		dst.Username = v
	} else if dst.Username == "" {
		dst.Username = env.Username
	}
	if v, ok := os.LookupEnv("PGPASSWORD"); ok {
		dst.Password = v
	}
	if v, ok := os.LookupEnv("EVERFLOW_APP_DB_NAME"); ok && v != "" {
		dst.AppDBName = v
	}
	if v, ok := os.LookupEnv("EVERFLOW_SYS_DB_NAME"); ok && v != "" {
		dst.SysDBName = v
	}
	if v, ok := os.LookupEnv("PGSSLMODE"); ok && v != "" {
		dst.SSLMode = v
	} else if dst.SSLMode == "" {
		dst.SSLMode = env.SSLMode
	}
	if _, ok := os.LookupEnv("EVERFLOW_DB_MAX_CONNS"); ok || dst.MaxConns == 0 {
		dst.MaxConns = env.MaxConns
	}
	if _, ok := os.LookupEnv("EVERFLOW_DB_MIN_CONNS"); ok || dst.MinConns == 0 {
		dst.MinConns = env.MinConns
	}
	if _, ok := os.LookupEnv("EVERFLOW_DB_MAX_CONN_LIFETIME"); ok || dst.MaxConnLifetime == 0 {
		dst.MaxConnLifetime = env.MaxConnLifetime
	}
}

func overlayExecutor(dst, env *ExecutorConfig) {
	if _, ok := os.LookupEnv("EVERFLOW_FLUSH_INTERVAL"); ok || dst.FlushInterval == 0 {
		dst.FlushInterval = env.FlushInterval
	}
	if _, ok := os.LookupEnv("EVERFLOW_HEARTBEAT_INTERVAL"); ok || dst.HeartbeatInterval == 0 {
		dst.HeartbeatInterval = env.HeartbeatInterval
	}
	if _, ok := os.LookupEnv("EVERFLOW_HEARTBEAT_TTL"); ok || dst.HeartbeatTTL == 0 {
		dst.HeartbeatTTL = env.HeartbeatTTL
	}
	if _, ok := os.LookupEnv("EVERFLOW_QUEUE_PUMP_INTERVAL"); ok || dst.QueuePumpInterval == 0 {
		dst.QueuePumpInterval = env.QueuePumpInterval
	}
	if _, ok := os.LookupEnv("EVERFLOW_CATCHUP_HORIZON"); ok || dst.CatchupHorizon == 0 {
		dst.CatchupHorizon = env.CatchupHorizon
	}
}

func overlayAdmin(dst, env *AdminConfig) {
	if _, ok := os.LookupEnv("EVERFLOW_ADMIN_HOST"); ok || dst.Host == "" {
		dst.Host = env.Host
	}
	if _, ok := os.LookupEnv("EVERFLOW_ADMIN_PORT"); ok || dst.Port == 0 {
		dst.Port = env.Port
	}
}

func (c *Config) validate() error {
	if c.Database.AppDBName == "" {
		return fmt.Errorf("application database name is required (app_db_name or EVERFLOW_APP_DB_NAME)")
	}
	return nil
}

// SystemDBName returns the configured system database name, defaulting to
// "<app>_dbos_sys".
func (c *DatabaseConfig) SystemDBName() string {
	if c.SysDBName != "" {
		return c.SysDBName
	}
	return c.AppDBName + "_dbos_sys"
}

// AppDatabaseURL builds the application database connection string.
func (c *DatabaseConfig) AppDatabaseURL() string {
	return c.databaseURL(c.AppDBName)
}

// SystemDatabaseURL builds the system database connection string.
func (c *DatabaseConfig) SystemDatabaseURL() string {
	return c.databaseURL(c.SystemDBName())
}

func (c *DatabaseConfig) databaseURL(dbName string) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", c.Hostname, c.Port),
		Path:   "/" + dbName,
	}
	if c.Password != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	} else {
		u.User = url.User(c.Username)
	}
	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
