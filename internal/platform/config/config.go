package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. QUORUM_SERVER_ADDR.
const EnvPrefix = "quorum"

// MinProofSecretLength matches the proof generator's minimum key size.
const MinProofSecretLength = 32

const devJWTSigningKey = "dev-secret-key-change-in-production"

// Config is the full service configuration.
type Config struct {
	Server    Server          `yaml:"server"    envconfig:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"  envconfig:"postgres"`
	Redis     RedisConfig     `yaml:"redis"     envconfig:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"     envconfig:"kafka"`
	Election  Election        `yaml:"election"  envconfig:"election"`
	RateLimit RateLimitConfig `yaml:"rateLimit" envconfig:"rate_limit"`
	Tracing   Tracing         `yaml:"tracing"   envconfig:"tracing"`
	Log       Log             `yaml:"log"       envconfig:"log"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr              string        `yaml:"addr"                envconfig:"addr"`
	Environment       string        `yaml:"environment"         envconfig:"environment"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"   envconfig:"read_header_timeout"`
	RequestTimeout    time.Duration `yaml:"requestTimeout"      envconfig:"request_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"     envconfig:"shutdown_timeout"`
	JWTSigningKey     string        `yaml:"jwtSigningKey"       envconfig:"jwt_signing_key"`
	JWTIssuer         string        `yaml:"jwtIssuer"           envconfig:"jwt_issuer"`
	JWTAudience       string        `yaml:"jwtAudience"         envconfig:"jwt_audience"`
	TokenTTL          time.Duration `yaml:"tokenTTL"            envconfig:"token_ttl"`
	TrustProxyHeaders bool          `yaml:"trustProxyHeaders"   envconfig:"trust_proxy_headers"`
}

// IsProduction reports whether development shortcuts must be refused.
func (s Server) IsProduction() bool {
	return strings.EqualFold(s.Environment, "production")
}

// PostgresConfig selects the election store. An empty URL means the in-memory store.
type PostgresConfig struct {
	URL             string        `yaml:"url"             envconfig:"url"`
	Driver          string        `yaml:"driver"          envconfig:"driver"`
	MaxOpenConns    int           `yaml:"maxOpenConns"    envconfig:"max_open_conns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"    envconfig:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime" envconfig:"conn_max_lifetime"`
}

// RedisConfig configures the display cache. An empty URL disables Redis.
type RedisConfig struct {
	URL          string        `yaml:"url"          envconfig:"url"`
	PoolSize     int           `yaml:"poolSize"     envconfig:"pool_size"`
	MinIdleConns int           `yaml:"minIdleConns" envconfig:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dialTimeout"  envconfig:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"  envconfig:"read_timeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout" envconfig:"write_timeout"`
	DisplayTTL   time.Duration `yaml:"displayTTL"   envconfig:"display_ttl"`
}

// KafkaConfig configures lifecycle notifications. No brokers means log-only notifications.
type KafkaConfig struct {
	Brokers           []string      `yaml:"brokers"           envconfig:"brokers"`
	Topic             string        `yaml:"topic"             envconfig:"topic"`
	Partitions        int32         `yaml:"partitions"        envconfig:"partitions"`
	ReplicationFactor int16         `yaml:"replicationFactor" envconfig:"replication_factor"`
	ProduceTimeout    time.Duration `yaml:"produceTimeout"    envconfig:"produce_timeout"`
}

// Election holds the engine's own settings.
type Election struct {
	ProofSecret         string        `yaml:"proofSecret"         envconfig:"proof_secret"`
	ExternalCallTimeout time.Duration `yaml:"externalCallTimeout" envconfig:"external_call_timeout"`
	ReadRetryAttempts   int           `yaml:"readRetryAttempts"   envconfig:"read_retry_attempts"`
	ReadRetryBase       time.Duration `yaml:"readRetryBase"       envconfig:"read_retry_base"`
	ReadRetryMax        time.Duration `yaml:"readRetryMax"        envconfig:"read_retry_max"`
	PersistTimeout      time.Duration `yaml:"persistTimeout"      envconfig:"persist_timeout"`
	SchedulerInterval   time.Duration `yaml:"schedulerInterval"   envconfig:"scheduler_interval"`
	DirectorySeed       string        `yaml:"directorySeed"       envconfig:"directory_seed"`
	CircuitThreshold    int           `yaml:"circuitThreshold"    envconfig:"circuit_threshold"`
	CircuitCooldown     time.Duration `yaml:"circuitCooldown"     envconfig:"circuit_cooldown"`
	SecurityFeedSize    int           `yaml:"securityFeedSize"    envconfig:"security_feed_size"`
}

// RateLimitConfig bounds requests per authenticated actor. Zero disables a class.
type RateLimitConfig struct {
	ReadsPerWindow  int           `yaml:"readsPerWindow"  envconfig:"reads_per_window"`
	WritesPerWindow int           `yaml:"writesPerWindow" envconfig:"writes_per_window"`
	Window          time.Duration `yaml:"window"          envconfig:"window"`
}

// Tracing selects the span exporter. An empty exporter keeps the no-op
// global provider. The otlp exporter also honors OTEL_EXPORTER_OTLP_*.
type Tracing struct {
	Exporter    string  `yaml:"exporter"    envconfig:"exporter"`
	Endpoint    string  `yaml:"endpoint"    envconfig:"endpoint"`
	ServiceName string  `yaml:"serviceName" envconfig:"service_name"`
	SampleRatio float64 `yaml:"sampleRatio" envconfig:"sample_ratio"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level"  envconfig:"level"`
	Format string `yaml:"format" envconfig:"format"`
}

// Default returns the development defaults every other source overlays.
func Default() Config {
	return Config{
		Server: Server{
			Addr:              ":8080",
			Environment:       "development",
			ReadHeaderTimeout: 5 * time.Second,
			RequestTimeout:    15 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			JWTSigningKey:     devJWTSigningKey,
			JWTIssuer:         "quorum",
			JWTAudience:       "quorum-api",
			TokenTTL:          time.Hour,
		},
		Postgres: PostgresConfig{
			Driver:          "pgx",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
			DisplayTTL:   5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Topic:             "quorum.lifecycle",
			Partitions:        3,
			ReplicationFactor: 1,
			ProduceTimeout:    5 * time.Second,
		},
		Election: Election{
			ExternalCallTimeout: 2 * time.Second,
			ReadRetryAttempts:   3,
			ReadRetryBase:       50 * time.Millisecond,
			ReadRetryMax:        500 * time.Millisecond,
			PersistTimeout:      5 * time.Second,
			SchedulerInterval:   30 * time.Second,
			CircuitThreshold:    5,
			CircuitCooldown:     10 * time.Second,
			SecurityFeedSize:    256,
		},
		RateLimit: RateLimitConfig{
			ReadsPerWindow:  600,
			WritesPerWindow: 60,
			Window:          time.Minute,
		},
		Tracing: Tracing{
			ServiceName: "quorum",
			SampleRatio: 1,
		},
		Log: Log{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load starts from Default, overlays the YAML file at path when one is
// given, then the QUORUM_* environment, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server must not start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.JWTSigningKey == "" {
		errs = append(errs, errors.New("server.jwtSigningKey is required"))
	}
	if c.Server.IsProduction() && c.Server.JWTSigningKey == devJWTSigningKey {
		errs = append(errs, errors.New("server.jwtSigningKey must be set in production"))
	}
	if c.Server.IsProduction() && c.Election.ProofSecret == "" {
		errs = append(errs, errors.New("election.proofSecret must be set in production"))
	}
	if c.Election.ProofSecret != "" && len(c.Election.ProofSecret) < MinProofSecretLength {
		errs = append(errs, fmt.Errorf("election.proofSecret must be at least %d bytes", MinProofSecretLength))
	}
	switch c.Postgres.Driver {
	case "pgx", "postgres":
	default:
		errs = append(errs, fmt.Errorf("postgres.driver %q is not supported (pgx or postgres)", c.Postgres.Driver))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required when brokers are set"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not supported (json or text)", c.Log.Format))
	}
	switch c.Tracing.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		errs = append(errs, fmt.Errorf("tracing.exporter %q is not supported (none, stdout or otlp)", c.Tracing.Exporter))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sampleRatio must be between 0 and 1"))
	}
	if c.Election.ReadRetryAttempts < 1 {
		errs = append(errs, errors.New("election.readRetryAttempts must be at least 1"))
	}
	return errors.Join(errs...)
}

type contextKey struct{}

// WithContext stores cfg for command handlers.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext returns the configuration stored by WithContext, or nil.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}
