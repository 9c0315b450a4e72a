package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/turbolytics/pricewatch/pkg/ingest"
	"github.com/turbolytics/pricewatch/pkg/transport"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// ConfigurationError reports an invalid or inconsistent setting.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

type Logger struct {
	Level string `yaml:"level"`
}

type Global struct {
	Logger Logger `yaml:"logger"`
}

type Breaker struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// Transport.RateLimit is attempts per second per destination; zero disables
// limiting.
type Transport struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	BackoffBase float64       `yaml:"backoff_base"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	Jitter      float64       `yaml:"jitter"`
	RateLimit   float64       `yaml:"rate_limit"`
	RateBurst   int           `yaml:"rate_burst"`
	Breaker     Breaker       `yaml:"breaker"`
}

func (t Transport) RetryPolicy() transport.RetryPolicy {
	return transport.RetryPolicy{
		MaxRetries: t.MaxRetries,
		Base:       t.BackoffBase,
		MaxBackoff: t.MaxBackoff,
		Jitter:     t.Jitter,
	}
}

type Ingest struct {
	Policy           string        `yaml:"policy"`
	SourcePause      time.Duration `yaml:"source_pause"`
	Limit            int           `yaml:"limit"`
	PopularQueries   []string      `yaml:"popular_queries"`
	ScheduleInterval time.Duration `yaml:"schedule_interval"`
	KeepReports      int           `yaml:"keep_reports"`
	DropThreshold    float64       `yaml:"drop_threshold"`
	DropDaysBack     int           `yaml:"drop_days_back"`
}

type Postgres struct {
	ConnectionString string `yaml:"connection_string"`
	Schema           string `yaml:"schema"`
}

// Mongo.Database, when set, overrides the database named in the URI path.
type Mongo struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type Storage struct {
	Type     string   `yaml:"type"`
	Postgres Postgres `yaml:"postgres"`
	Mongo    Mongo    `yaml:"mongo"`
}

type Redis struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type Lock struct {
	Type  string `yaml:"type"`
	Redis Redis  `yaml:"redis"`
}

type Kafka struct {
	URL string `yaml:"url"`
}

type Local struct {
	Path string `yaml:"path"`
}

type S3 struct {
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Prefix         string `yaml:"prefix"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// Repository selects where report archives and exports are written.
type Repository struct {
	Type  string `yaml:"type"`
	Local Local  `yaml:"local"`
	S3    S3     `yaml:"s3"`
}

type Sinks struct {
	Kafka   Kafka      `yaml:"kafka"`
	Archive Repository `yaml:"archive"`
}

type Source struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	BaseURL   string `yaml:"base_url"`
	UserAgent string `yaml:"user_agent"`
}

type Server struct {
	Addr string `yaml:"addr"`
}

type Pricewatch struct {
	Global    Global    `yaml:"global"`
	Transport Transport `yaml:"transport"`
	Ingest    Ingest    `yaml:"ingest"`
	Storage   Storage   `yaml:"storage"`
	Lock      Lock      `yaml:"lock"`
	Sinks     Sinks     `yaml:"sinks"`
	Sources   []Source  `yaml:"sources"`
	Server    Server    `yaml:"server"`
}

// Default returns the configuration used for any key a file leaves out.
func Default() Pricewatch {
	return Pricewatch{
		Global: Global{Logger: Logger{Level: "info"}},
		Transport: Transport{
			Timeout:     transport.DefaultTimeout,
			MaxRetries:  transport.DefaultMaxRetries,
			BackoffBase: transport.DefaultBackoffBase,
			MaxBackoff:  transport.DefaultMaxBackoff,
			Jitter:      0.2,
			RateBurst:   1,
			Breaker: Breaker{
				FailureThreshold: transport.DefaultBreakerThreshold,
				Cooldown:         transport.DefaultBreakerCooldown,
			},
		},
		Ingest: Ingest{
			Policy:           string(ingest.PolicyAll),
			SourcePause:      ingest.DefaultSourcePause,
			Limit:            ingest.DefaultLimit,
			ScheduleInterval: time.Hour,
			KeepReports:      ingest.DefaultKeepReports,
			DropThreshold:    10,
			DropDaysBack:     7,
		},
		Storage: Storage{
			Type:     "memory",
			Postgres: Postgres{Schema: "public"},
		},
		Lock: Lock{
			Type:  "memory",
			Redis: Redis{TTL: 30 * time.Second},
		},
		Server: Server{Addr: ":8080"},
	}
}

func NewPricewatchFromFile(fpath string) (*Pricewatch, error) {
	bs, err := os.ReadFile(fpath)
	if err != nil {
		return nil, err
	}
	return NewPricewatch(bs)
}

func NewPricewatch(bs []byte) (*Pricewatch, error) {
	pw := Default()
	if err := yaml.Unmarshal(bs, &pw); err != nil {
		return nil, err
	}
	return &pw, nil
}

// Load reads fpath, or starts from Default when fpath is empty, then
// applies environment overrides.
func Load(fpath string) (*Pricewatch, error) {
	pw := Default()
	p := &pw
	if fpath != "" {
		var err error
		if p, err = NewPricewatchFromFile(fpath); err != nil {
			return nil, err
		}
	}
	p.ApplyEnv(viper.New())
	return p, nil
}

// NewLogger builds the process logger. "debug" selects the development
// encoder; any other level uses the production JSON encoder.
func NewLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, &ConfigurationError{Field: "global.logger.level", Reason: err.Error()}
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// ApplyEnv overlays connection strings and secrets from the environment,
// read through v as PRICEWATCH_<KEY> with dots replaced by underscores.
func (p *Pricewatch) ApplyEnv(v *viper.Viper) {
	v.SetEnvPrefix("PRICEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	targets := map[string]*string{
		"global.logger.level":                &p.Global.Logger.Level,
		"storage.type":                       &p.Storage.Type,
		"storage.postgres.connection_string": &p.Storage.Postgres.ConnectionString,
		"storage.mongo.uri":                  &p.Storage.Mongo.URI,
		"storage.mongo.database":             &p.Storage.Mongo.Database,
		"lock.type":                          &p.Lock.Type,
		"lock.redis.addr":                    &p.Lock.Redis.Addr,
		"lock.redis.password":                &p.Lock.Redis.Password,
		"sinks.kafka.url":                    &p.Sinks.Kafka.URL,
		"sinks.archive.s3.bucket":            &p.Sinks.Archive.S3.Bucket,
		"sinks.archive.s3.endpoint":          &p.Sinks.Archive.S3.Endpoint,
		"server.addr":                        &p.Server.Addr,
	}
	for key, target := range targets {
		if val := v.GetString(key); val != "" {
			*target = val
		}
	}
}

// Validate checks every section and returns all problems found, each as a
// *ConfigurationError.
func (p *Pricewatch) Validate() error {
	var errs []error
	bad := func(field, reason string, args ...any) {
		errs = append(errs, &ConfigurationError{Field: field, Reason: fmt.Sprintf(reason, args...)})
	}

	t := p.Transport
	if t.Timeout <= 0 {
		bad("transport.timeout", "must be positive")
	}
	if t.MaxRetries < 0 {
		bad("transport.max_retries", "must not be negative")
	}
	if t.BackoffBase <= 0 {
		bad("transport.backoff_base", "must be positive")
	}
	if t.Jitter < 0 || t.Jitter > 1 {
		bad("transport.jitter", "must be between 0 and 1")
	}
	if t.RateLimit < 0 {
		bad("transport.rate_limit", "must not be negative")
	}
	if t.RateBurst < 1 {
		bad("transport.rate_burst", "must be at least 1")
	}
	if t.Breaker.FailureThreshold <= 0 {
		bad("transport.breaker.failure_threshold", "must be positive")
	}
	if t.Breaker.Cooldown <= 0 {
		bad("transport.breaker.cooldown", "must be positive")
	}

	in := p.Ingest
	switch ingest.Policy(in.Policy) {
	case ingest.PolicyAll, ingest.PolicyHealthy:
	default:
		bad("ingest.policy", "unknown policy %q", in.Policy)
	}
	if in.SourcePause < 0 {
		bad("ingest.source_pause", "must not be negative")
	}
	if in.Limit <= 0 {
		bad("ingest.limit", "must be positive")
	}
	if in.ScheduleInterval <= 0 {
		bad("ingest.schedule_interval", "must be positive")
	}

	switch p.Storage.Type {
	case "memory":
	case "postgres":
		if p.Storage.Postgres.ConnectionString == "" {
			bad("storage.postgres.connection_string", "required for postgres storage")
		}
	case "mongo":
		if p.Storage.Mongo.URI == "" {
			bad("storage.mongo.uri", "required for mongo storage")
		}
	default:
		bad("storage.type", "unknown storage %q", p.Storage.Type)
	}

	switch p.Lock.Type {
	case "memory":
	case "postgres":
		if p.Storage.Type != "postgres" {
			bad("lock.type", "postgres locks require postgres storage")
		}
	case "redis":
		if p.Lock.Redis.Addr == "" {
			bad("lock.redis.addr", "required for redis locks")
		}
	default:
		bad("lock.type", "unknown lock %q", p.Lock.Type)
	}

	switch p.Sinks.Archive.Type {
	case "":
	case "local":
		if p.Sinks.Archive.Local.Path == "" {
			bad("sinks.archive.local.path", "required for local archive")
		}
	case "s3":
		if p.Sinks.Archive.S3.Bucket == "" {
			bad("sinks.archive.s3.bucket", "required for s3 archive")
		}
	default:
		bad("sinks.archive.type", "unknown repository %q", p.Sinks.Archive.Type)
	}

	seen := make(map[string]bool)
	for i, s := range p.Sources {
		field := fmt.Sprintf("sources[%d]", i)
		name := strings.ToLower(strings.TrimSpace(s.Name))
		switch {
		case name == "":
			bad(field+".name", "must not be empty")
		case seen[name]:
			bad(field+".name", "duplicate source %q", s.Name)
		}
		seen[name] = true
		if s.Type != "http-json" {
			bad(field+".type", "unknown source type %q", s.Type)
		}
		if s.BaseURL == "" {
			bad(field+".base_url", "required")
		}
	}

	return errors.Join(errs...)
}
