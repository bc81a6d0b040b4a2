package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Game     GameConfig     `yaml:"game"`
	Lobby    LobbyConfig    `yaml:"lobby"`
	Session  SessionConfig  `yaml:"session"`
	Storage  StorageConfig  `yaml:"storage"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds the game listener and admin HTTP server configuration
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	TCPPort         int           `yaml:"tcp_port"`
	HTTPPort        int           `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TCPAddr returns the host:port the game listener binds to
func (c *ServerConfig) TCPAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenAddr, c.TCPPort)
}

// HTTPAddr returns the host:port the admin HTTP server binds to
func (c *ServerConfig) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenAddr, c.HTTPPort)
}

// GameConfig holds the rules every match is played under
type GameConfig struct {
	BoardSize int           `yaml:"board_size"`
	ThinkTime time.Duration `yaml:"think_time"`
}

// LobbyConfig holds login and invite settings
type LobbyConfig struct {
	MaxNameLength int           `yaml:"max_name_length"`
	InviteTTL     time.Duration `yaml:"invite_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// SessionConfig holds per-connection transport settings
type SessionConfig struct {
	SendBuffer     int           `yaml:"send_buffer"`
	MaxFrameBytes  int           `yaml:"max_frame_bytes"`
	WriteWait      time.Duration `yaml:"write_wait"`
	PongWait       time.Duration `yaml:"pong_wait"`
	OverflowPolicy string        `yaml:"overflow_policy"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
}

// StorageConfig selects the match history backends
type StorageConfig struct {
	Backends      []string      `yaml:"backends"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	MaxPending    int           `yaml:"max_pending"`
}

// SQLiteConfig holds SQLite settings
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RecentLimit  int           `yaml:"recent_limit"`
	MatchTTL     time.Duration `yaml:"match_ttl"`
}

// KafkaConfig holds Kafka connection configuration
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic"`
	GroupID       string        `yaml:"group_id"`
	BatchSize     int           `yaml:"batch_size"`
	BatchTimeout  time.Duration `yaml:"batch_timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadOrDefault reads path like Load, but returns DefaultConfig when the file
// does not exist. The bool reports whether defaults were used. Any other
// failure, including a rejected setting, is returned.
func LoadOrDefault(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, false, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), true, nil
	}
	return nil, false, err
}

// Validate rejects settings the server cannot run with
func (c *Config) Validate() error {
	if c.Game.BoardSize < 5 {
		return fmt.Errorf("game.board_size must be at least 5, got %d", c.Game.BoardSize)
	}
	if c.Game.BoardSize > 64 {
		return fmt.Errorf("game.board_size must be at most 64, got %d", c.Game.BoardSize)
	}
	if c.Game.ThinkTime <= 0 {
		return fmt.Errorf("game.think_time must be positive, got %s", c.Game.ThinkTime)
	}
	switch c.Session.OverflowPolicy {
	case "disconnect", "drop":
	default:
		return fmt.Errorf("session.overflow_policy must be disconnect or drop, got %q", c.Session.OverflowPolicy)
	}
	for _, b := range c.Storage.Backends {
		switch b {
		case "sqlite", "postgres", "redis", "kafka":
		default:
			return fmt.Errorf("unknown storage backend %q", b)
		}
	}
	return nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = "0.0.0.0"
	}
	if c.Server.TCPPort == 0 {
		c.Server.TCPPort = 7777
	}
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	// Game defaults
	if c.Game.BoardSize == 0 {
		c.Game.BoardSize = 15
	}
	if c.Game.ThinkTime == 0 {
		c.Game.ThinkTime = 15 * time.Second
	}

	// Lobby defaults
	if c.Lobby.MaxNameLength == 0 {
		c.Lobby.MaxNameLength = 32
	}
	if c.Lobby.SweepInterval == 0 {
		c.Lobby.SweepInterval = time.Minute
	}

	// Session defaults
	if c.Session.SendBuffer == 0 {
		c.Session.SendBuffer = 64
	}
	if c.Session.MaxFrameBytes == 0 {
		c.Session.MaxFrameBytes = 4096
	}
	if c.Session.WriteWait == 0 {
		c.Session.WriteWait = 10 * time.Second
	}
	if c.Session.PongWait == 0 {
		c.Session.PongWait = 60 * time.Second
	}
	if c.Session.OverflowPolicy == "" {
		c.Session.OverflowPolicy = "disconnect"
	}
	if c.Session.RateLimit != 0 && c.Session.RateBurst == 0 {
		c.Session.RateBurst = int(c.Session.RateLimit * 2)
	}

	// Storage defaults
	if len(c.Storage.Backends) == 0 {
		c.Storage.Backends = []string{"sqlite"}
	}
	if c.Storage.WriteTimeout == 0 {
		c.Storage.WriteTimeout = 5 * time.Second
	}
	if c.Storage.RetryInterval == 0 {
		c.Storage.RetryInterval = 30 * time.Second
	}
	if c.Storage.MaxPending == 0 {
		c.Storage.MaxPending = 1000
	}
	if c.SQLite.Path == "" {
		c.SQLite.Path = "game_history.db"
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 10
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 1
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.RecentLimit == 0 {
		c.Redis.RecentLimit = 500
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "caro-matches"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "caro-archiver"
	}
	if c.Kafka.BatchSize == 0 {
		c.Kafka.BatchSize = 100
	}
	if c.Kafka.BatchTimeout == 0 {
		c.Kafka.BatchTimeout = 1 * time.Second
	}
	if c.Kafka.RetryAttempts == 0 {
		c.Kafka.RetryAttempts = 3
	}
	if c.Kafka.RetryDelay == 0 {
		c.Kafka.RetryDelay = 1 * time.Second
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
