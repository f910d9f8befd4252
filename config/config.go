package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration of the service.
// Values come from an optional config file merged with IM_* environment
// variables (dots replaced by underscores, e.g. IM_WS_HEARTBEATINTERVALMS).
type Config struct {
	Server    Server    `mapstructure:"server"`
	Log       Log       `mapstructure:"log"`
	WS        WS        `mapstructure:"ws"`
	RateLimit RateLimit `mapstructure:"ratelimit"`
	Queue     Queue     `mapstructure:"queue"`
	DB        DB        `mapstructure:"db"`
	Redis     Redis     `mapstructure:"redis"`
	Auth      Auth      `mapstructure:"auth"`
	Ratchet   Ratchet   `mapstructure:"ratchet"`
	Outbox    Outbox    `mapstructure:"outbox"`
}

type Server struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	ShutdownTimeoutMs int    `mapstructure:"shutdownTimeoutMs"`
}

func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (s Server) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutMs) * time.Millisecond
}

type Log struct {
	Level string `mapstructure:"level"`
}

type WS struct {
	HeartbeatIntervalMs int    `mapstructure:"heartbeatIntervalMs"`
	ResumeTtlMs         int    `mapstructure:"resumeTtlMs"`
	MaxBufferedBytes    int64  `mapstructure:"maxBufferedBytes"`
	MessageMaxBytes     int64  `mapstructure:"messageMaxBytes"`
	SendQueueSize       int    `mapstructure:"sendQueueSize"`
	DropPolicy          string `mapstructure:"dropPolicy"` // drop_old | drop_new
	CheckpointEveryN    int    `mapstructure:"checkpointEveryN"`
	CryptoFailThreshold int    `mapstructure:"cryptoFailThreshold"`
}

func (w WS) HeartbeatInterval() time.Duration {
	return time.Duration(w.HeartbeatIntervalMs) * time.Millisecond
}

func (w WS) ResumeTTL() time.Duration {
	return time.Duration(w.ResumeTtlMs) * time.Millisecond
}

type RateLimit struct {
	ConnectionsPerMin int `mapstructure:"connectionsPerMin"`
	MessagesPerMin    int `mapstructure:"messagesPerMin"`
	WindowSec         int `mapstructure:"windowSec"`
}

func (r RateLimit) Window() time.Duration {
	return time.Duration(r.WindowSec) * time.Second
}

type Queue struct {
	Enabled          bool    `mapstructure:"enabled"`
	StreamKey        string  `mapstructure:"streamKey"`
	Group            string  `mapstructure:"group"`
	ConsumerName     string  `mapstructure:"consumerName"`
	BatchSize        int     `mapstructure:"batchSize"`
	BlockMs          int     `mapstructure:"blockMs"`
	ClaimIdleMs      int     `mapstructure:"claimIdleMs"`
	MaxAttempts      int     `mapstructure:"maxAttempts"`
	ReorderTimeoutMs int     `mapstructure:"reorderTimeoutMs"`
	ReorderBuffer    int     `mapstructure:"reorderBuffer"`
	PauseFraction    float64 `mapstructure:"pauseFraction"`
}

func (q Queue) Block() time.Duration     { return time.Duration(q.BlockMs) * time.Millisecond }
func (q Queue) ClaimIdle() time.Duration { return time.Duration(q.ClaimIdleMs) * time.Millisecond }
func (q Queue) ReorderTimeout() time.Duration {
	return time.Duration(q.ReorderTimeoutMs) * time.Millisecond
}

type DB struct {
	URL                string `mapstructure:"url"`
	PoolMax            int32  `mapstructure:"poolMax"`
	PoolMin            int32  `mapstructure:"poolMin"`
	AcquireTimeoutMs   int    `mapstructure:"acquireTimeoutMs"`
	StatementTimeoutMs int    `mapstructure:"statementTimeoutMs"`
}

func (d DB) AcquireTimeout() time.Duration {
	return time.Duration(d.AcquireTimeoutMs) * time.Millisecond
}

func (d DB) StatementTimeout() time.Duration {
	return time.Duration(d.StatementTimeoutMs) * time.Millisecond
}

type Redis struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"keyPrefix"`
}

type Auth struct {
	JWTPublicKeyPem string   `mapstructure:"jwtPublicKeyPem"`
	JWTAlgorithms   []string `mapstructure:"jwtAlgorithms"`
	Issuer          string   `mapstructure:"issuer"`
	Audience        string   `mapstructure:"audience"`
	ClockSkewSec    int      `mapstructure:"clockSkewSec"`
	JTITtlSec       int      `mapstructure:"jtiTtlSec"`
}

func (a Auth) ClockSkew() time.Duration { return time.Duration(a.ClockSkewSec) * time.Second }
func (a Auth) JTITTL() time.Duration    { return time.Duration(a.JTITtlSec) * time.Second }

type Ratchet struct {
	MaxSkipped int `mapstructure:"maxSkipped"`
}

type Outbox struct {
	TickMs       int `mapstructure:"tickMs"`
	BatchSize    int `mapstructure:"batchSize"`
	MaxAttempts  int `mapstructure:"maxAttempts"`
	RetentionHrs int `mapstructure:"retentionHrs"`
	PruneEveryMs int `mapstructure:"pruneEveryMs"`
}

func (o Outbox) Tick() time.Duration      { return time.Duration(o.TickMs) * time.Millisecond }
func (o Outbox) Retention() time.Duration { return time.Duration(o.RetentionHrs) * time.Hour }
func (o Outbox) PruneEvery() time.Duration {
	return time.Duration(o.PruneEveryMs) * time.Millisecond
}

// LoadConfig reads the configuration from the given file (optional) and the
// environment, applying defaults for every recognized option.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("IM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdownTimeoutMs", 10000)

	v.SetDefault("log.level", "info")

	v.SetDefault("ws.heartbeatIntervalMs", 60000)
	v.SetDefault("ws.resumeTtlMs", 900000)
	v.SetDefault("ws.maxBufferedBytes", 5*1024*1024)
	v.SetDefault("ws.messageMaxBytes", 65536)
	v.SetDefault("ws.sendQueueSize", 1024)
	v.SetDefault("ws.dropPolicy", "drop_old")
	v.SetDefault("ws.checkpointEveryN", 32)
	v.SetDefault("ws.cryptoFailThreshold", 8)

	v.SetDefault("ratelimit.connectionsPerMin", 60)
	v.SetDefault("ratelimit.messagesPerMin", 600)
	v.SetDefault("ratelimit.windowSec", 60)

	v.SetDefault("queue.enabled", true)
	v.SetDefault("queue.streamKey", "im:events")
	v.SetDefault("queue.group", "im-delivery")
	v.SetDefault("queue.consumerName", "")
	v.SetDefault("queue.batchSize", 64)
	v.SetDefault("queue.blockMs", 2000)
	v.SetDefault("queue.claimIdleMs", 30000)
	v.SetDefault("queue.maxAttempts", 5)
	v.SetDefault("queue.reorderTimeoutMs", 1500)
	v.SetDefault("queue.reorderBuffer", 256)
	v.SetDefault("queue.pauseFraction", 0.5)

	v.SetDefault("db.url", "postgres://localhost:5432/im?sslmode=disable")
	v.SetDefault("db.poolMax", 16)
	v.SetDefault("db.poolMin", 2)
	v.SetDefault("db.acquireTimeoutMs", 2000)
	v.SetDefault("db.statementTimeoutMs", 3000)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.keyPrefix", "im")

	v.SetDefault("auth.jwtPublicKeyPem", "")
	v.SetDefault("auth.jwtAlgorithms", []string{"RS256"})
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.clockSkewSec", 30)
	v.SetDefault("auth.jtiTtlSec", 300)

	v.SetDefault("ratchet.maxSkipped", 2000)

	v.SetDefault("outbox.tickMs", 100)
	v.SetDefault("outbox.batchSize", 128)
	v.SetDefault("outbox.maxAttempts", 5)
	v.SetDefault("outbox.retentionHrs", 72)
	v.SetDefault("outbox.pruneEveryMs", 600000)
}

// Validate rejects configurations that cannot produce a working service.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server.port %d", c.Server.Port)
	}
	if c.WS.MessageMaxBytes <= 0 {
		return fmt.Errorf("config: ws.messageMaxBytes must be positive")
	}
	switch c.WS.DropPolicy {
	case "drop_old", "drop_new":
	default:
		return fmt.Errorf("config: unknown ws.dropPolicy %q", c.WS.DropPolicy)
	}
	if c.Queue.Enabled {
		if c.Queue.StreamKey == "" {
			return fmt.Errorf("config: queue.streamKey is required when queue.enabled")
		}
		if c.Queue.Group == "" {
			return fmt.Errorf("config: queue.group is required when queue.enabled")
		}
	}
	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("config: outbox.batchSize must be positive")
	}
	if c.Ratchet.MaxSkipped < 0 {
		return fmt.Errorf("config: ratchet.maxSkipped cannot be negative")
	}
	return nil
}
