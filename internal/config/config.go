package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	DB         DBConfig         `mapstructure:"db"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Verifier   VerifierConfig   `mapstructure:"verifier"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Auth       AuthConfig       `mapstructure:"auth"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
	Mode     string `mapstructure:"mode"`
}

type LogConfig struct {
	Verbose    bool   `mapstructure:"verbose"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxDays    int    `mapstructure:"max_days"`
	Compress   bool   `mapstructure:"compress"`
}

type DBConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type SettlementConfig struct {
	MaxTicketsPerTx  int64         `mapstructure:"max_tickets_per_tx"`
	DefaultUserLimit int64         `mapstructure:"default_user_limit"`
	TxTimeout        time.Duration `mapstructure:"tx_timeout"`
	TxRetries        int           `mapstructure:"tx_retries"`
	IdemLockTTL      time.Duration `mapstructure:"idem_lock_ttl"`
	IdemResultTTL    time.Duration `mapstructure:"idem_result_ttl"`
}

type VerifierConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

type OutboxConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	BatchSize  int           `mapstructure:"batch_size"`
	MaxRetries int           `mapstructure:"max_retries"`
	Stream     string        `mapstructure:"stream"`
}

type ReconcilerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Spec         string        `mapstructure:"spec"`
	AuditSpec    string        `mapstructure:"audit_spec"`
	PendingGrace time.Duration `mapstructure:"pending_grace"`
	BatchSize    int           `mapstructure:"batch_size"`
	AutoDraw     bool          `mapstructure:"auto_draw"` // draw sold-out and expired competitions without an operator
	DrawSpec     string        `mapstructure:"draw_spec"`
}

type AuthConfig struct {
	OperatorSecret string        `mapstructure:"operator_secret"`
	Issuer         string        `mapstructure:"issuer"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
}

// Verifier call bounds. Timeouts outside this range are clamped.
const (
	MinVerifierTimeout = 15 * time.Second
	MaxVerifierTimeout = 30 * time.Second
)

// Load reads the YAML file at path (unless envOnly) and applies RAFFLE_*
// environment overrides, e.g. RAFFLE_DB_DSN for db.dsn.
func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RAFFLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if !envOnly && path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.verbose", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_days", 14)
	v.SetDefault("log.compress", true)
	v.SetDefault("db.driver", "mysql")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.migrate", true)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("settlement.max_tickets_per_tx", 100)
	v.SetDefault("settlement.default_user_limit", 0)
	v.SetDefault("settlement.tx_timeout", "3s")
	v.SetDefault("settlement.tx_retries", 3)
	v.SetDefault("settlement.idem_lock_ttl", "45s")
	v.SetDefault("settlement.idem_result_ttl", "10m")
	v.SetDefault("verifier.base_url", "")
	v.SetDefault("verifier.timeout", "20s")
	v.SetDefault("verifier.max_retries", 3)
	v.SetDefault("verifier.initial_backoff", "200ms")
	v.SetDefault("verifier.max_backoff", "3s")
	v.SetDefault("outbox.interval", "1s")
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.max_retries", 10)
	v.SetDefault("outbox.stream", "raffle:events")
	v.SetDefault("reconciler.enabled", true)
	v.SetDefault("reconciler.spec", "0 */5 * * * *")
	v.SetDefault("reconciler.audit_spec", "0 0 * * * *")
	v.SetDefault("reconciler.pending_grace", "30m")
	v.SetDefault("reconciler.batch_size", 100)
	v.SetDefault("reconciler.auto_draw", false)
	v.SetDefault("reconciler.draw_spec", "30 * * * * *")
	v.SetDefault("auth.issuer", "raffle")
	v.SetDefault("auth.token_ttl", "12h")
}

func (c *Config) normalize() error {
	c.DB.Driver = strings.ToLower(strings.TrimSpace(c.DB.Driver))
	if c.DB.Driver != "mysql" && c.DB.Driver != "sqlite" {
		return fmt.Errorf("config: unsupported db.driver %q", c.DB.Driver)
	}
	if c.Settlement.MaxTicketsPerTx <= 0 {
		return fmt.Errorf("config: settlement.max_tickets_per_tx must be positive")
	}
	if c.Settlement.DefaultUserLimit < 0 {
		return fmt.Errorf("config: settlement.default_user_limit cannot be negative")
	}
	if c.Verifier.Timeout < MinVerifierTimeout {
		c.Verifier.Timeout = MinVerifierTimeout
	}
	if c.Verifier.Timeout > MaxVerifierTimeout {
		c.Verifier.Timeout = MaxVerifierTimeout
	}
	if c.Verifier.MaxRetries < 1 {
		c.Verifier.MaxRetries = 1
	}
	if c.Settlement.TxRetries < 1 {
		c.Settlement.TxRetries = 1
	}
	if c.Outbox.MaxRetries < 1 {
		c.Outbox.MaxRetries = 1
	}
	return nil
}
