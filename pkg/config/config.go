package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	Gateway      GatewayConfig
	Checkout     CheckoutConfig
	Chat         ChatConfig
	Bus          BusConfig
	FeatureFlags FeatureFlagsConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	Reaper       ReaperConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Chat.validate(); err != nil {
		return nil, err
	}
	cfg.App.PublicBaseURL = strings.TrimRight(cfg.App.PublicBaseURL, "/")
	return &cfg, nil
}

type AppConfig struct {
	Env           string   `envconfig:"SPPIX_APP_ENV" required:"true"`
	Port          string   `envconfig:"SPPIX_APP_PORT" default:"8080"`
	LogLevel      string   `envconfig:"SPPIX_LOG_LEVEL" default:"info"`
	LogWarnStack  bool     `envconfig:"SPPIX_LOG_WARN_STACK" default:"false"`
	LogFormat     string   `envconfig:"SPPIX_LOG_FORMAT" default:"json"`
	PublicBaseURL string   `envconfig:"SPPIX_PUBLIC_BASE_URL" required:"true"`
	CORSOrigins   []string `envconfig:"SPPIX_CORS_ORIGINS" default:"*"`
}

// ConsoleLogs reports whether logs should be rendered for a terminal.
func (a AppConfig) ConsoleLogs() bool {
	return strings.EqualFold(strings.TrimSpace(a.LogFormat), "console")
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN string `envconfig:"SPPIX_DB_DSN"`

	LegacyHost     string `envconfig:"SPPIX_DB_HOST"`
	LegacyPort     int    `envconfig:"SPPIX_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"SPPIX_DB_USER"`
	LegacyPassword string `envconfig:"SPPIX_DB_PASSWORD"`
	LegacyName     string `envconfig:"SPPIX_DB_NAME"`
	LegacySSLMode  string `envconfig:"SPPIX_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"SPPIX_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"SPPIX_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"SPPIX_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"SPPIX_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"SPPIX_REDIS_URL" required:"true"`
	Address      string        `envconfig:"SPPIX_REDIS_ADDR"`
	Password     string        `envconfig:"SPPIX_REDIS_PASSWORD"`
	DB           int           `envconfig:"SPPIX_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"SPPIX_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"SPPIX_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"SPPIX_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"SPPIX_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"SPPIX_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// JWTConfig holds verification material for bearer tokens. Tokens are minted
// by the identity service; this process only decodes them.
type JWTConfig struct {
	Secret            string `envconfig:"SPPIX_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"SPPIX_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"SPPIX_JWT_EXPIRATION_MINUTES" default:"60"`
}

// GatewayConfig configures the hosted checkout provider.
type GatewayConfig struct {
	SecretKey     string        `envconfig:"SPPIX_GATEWAY_SECRET_KEY"`
	SigningSecret string        `envconfig:"SPPIX_GATEWAY_SIGNING_SECRET"`
	Env           string        `envconfig:"SPPIX_GATEWAY_ENV" default:"test"`
	Currency      string        `envconfig:"SPPIX_GATEWAY_CURRENCY" default:"gbp"`
	CallTimeout   time.Duration `envconfig:"SPPIX_GATEWAY_CALL_TIMEOUT" default:"10s"`
}

// Environment returns the normalized provider environment (test/live).
func (g GatewayConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(g.Env))
	if env == "" {
		return "test"
	}
	return env
}

// NormalizedCurrency returns the lower-case ISO currency code.
func (g GatewayConfig) NormalizedCurrency() string {
	cur := strings.TrimSpace(strings.ToLower(g.Currency))
	if cur == "" {
		return "gbp"
	}
	return cur
}

type CheckoutConfig struct {
	PhoneRegion     string        `envconfig:"SPPIX_CHECKOUT_PHONE_REGION" default:"GB"`
	RateLimitWindow time.Duration `envconfig:"SPPIX_CHECKOUT_RATE_LIMIT_WINDOW" default:"1m"`
	RateLimitPerIP  int           `envconfig:"SPPIX_CHECKOUT_RATE_LIMIT_PER_IP" default:"20"`
	IdempotencyTTL  time.Duration `envconfig:"SPPIX_CHECKOUT_IDEMPOTENCY_TTL" default:"24h"`
}

// ChatConfig holds the chat cipher material and socket tuning. Previous
// passphrases are keyed by the key version they were used under so older
// rows stay readable after a rotation.
type ChatConfig struct {
	Passphrase          string            `envconfig:"SPPIX_CHAT_PASSPHRASE" required:"true"`
	KeyVersion          int               `envconfig:"SPPIX_CHAT_KEY_VERSION" default:"1"`
	PreviousPassphrases map[string]string `envconfig:"SPPIX_CHAT_PREVIOUS_PASSPHRASES"`
	HeartbeatInterval   time.Duration     `envconfig:"SPPIX_CHAT_HEARTBEAT_INTERVAL" default:"30s"`
	SubscriberBacklog   int               `envconfig:"SPPIX_CHAT_SUBSCRIBER_BACKLOG" default:"64"`
	MaxMessageBytes     int64             `envconfig:"SPPIX_CHAT_MAX_MESSAGE_BYTES" default:"8192"`
}

// PreviousKeys parses PreviousPassphrases into version -> passphrase.
func (c ChatConfig) PreviousKeys() (map[int]string, error) {
	out := make(map[int]string, len(c.PreviousPassphrases))
	for raw, passphrase := range c.PreviousPassphrases {
		version, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || version <= 0 || version > 255 {
			return nil, fmt.Errorf("invalid chat key version %q", raw)
		}
		out[version] = passphrase
	}
	return out, nil
}

func (c ChatConfig) validate() error {
	if c.KeyVersion <= 0 || c.KeyVersion > 255 {
		return fmt.Errorf("chat key version must be between 1 and 255, got %d", c.KeyVersion)
	}
	if _, err := c.PreviousKeys(); err != nil {
		return err
	}
	return nil
}

// BusConfig selects the message bus backbone. An empty URL keeps fan-out
// in-process.
type BusConfig struct {
	URL           string `envconfig:"SPPIX_BUS_URL"`
	ChannelPrefix string `envconfig:"SPPIX_BUS_CHANNEL_PREFIX" default:"sppix:bus"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"SPPIX_AUTO_MIGRATE" default:"false"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"SPPIX_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	LifecycleTopic string `envconfig:"SPPIX_PUBSUB_LIFECYCLE_TOPIC" default:"sppix-order-lifecycle"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"SPPIX_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"SPPIX_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"SPPIX_OUTBOX_MAX_ATTEMPTS" default:"10"`
	RetentionDays  int `envconfig:"SPPIX_OUTBOX_RETENTION_DAYS" default:"30"`
}

// ReaperConfig drives the abandoned-order cron job.
type ReaperConfig struct {
	OrderTTL time.Duration `envconfig:"SPPIX_REAPER_ORDER_TTL" default:"25h"`
	Interval time.Duration `envconfig:"SPPIX_REAPER_INTERVAL" default:"15m"`
	Batch    int           `envconfig:"SPPIX_REAPER_BATCH" default:"100"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}
	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
