package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = ""

	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	JWT       JWTConfig
	GCP       GCPConfig
	GCS       GCSConfig
	PubSub    PubSubConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Transform TransformConfig
	Notify    NotifyConfig
	Realtime  RealtimeConfig
	Upload    UploadConfig
	Features  FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"MEMELINE_APP_ENV" required:"true"`
	Port         string `envconfig:"MEMELINE_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"MEMELINE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"MEMELINE_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN string `envconfig:"MEMELINE_DB_DSN"`

	Host     string `envconfig:"MEMELINE_DB_HOST"`
	Port     int    `envconfig:"MEMELINE_DB_PORT" default:"5432"`
	User     string `envconfig:"MEMELINE_DB_USER"`
	Password string `envconfig:"MEMELINE_DB_PASSWORD"`
	Name     string `envconfig:"MEMELINE_DB_NAME"`
	SSLMode  string `envconfig:"MEMELINE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"MEMELINE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"MEMELINE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"MEMELINE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"MEMELINE_DB_CONN_MAX_IDLE_TIME" default:"10m"`

	AutoMigrate bool `envconfig:"MEMELINE_DB_AUTO_MIGRATE" default:"false"`
}

type RedisConfig struct {
	URL          string        `envconfig:"MEMELINE_REDIS_URL"`
	Address      string        `envconfig:"MEMELINE_REDIS_ADDR"`
	Password     string        `envconfig:"MEMELINE_REDIS_PASSWORD"`
	DB           int           `envconfig:"MEMELINE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"MEMELINE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"MEMELINE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"MEMELINE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"MEMELINE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"MEMELINE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"MEMELINE_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"MEMELINE_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"MEMELINE_JWT_EXPIRATION_MINUTES" default:"60"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"MEMELINE_GCP_PROJECT_ID" required:"true"`
	CredentialsJSON        string `envconfig:"MEMELINE_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"MEMELINE_GOOGLE_APPLICATION_CREDENTIALS"`
}

type GCSConfig struct {
	BucketName        string        `envconfig:"MEMELINE_GCS_BUCKET_NAME" required:"true"`
	UploadURLExpiry   time.Duration `envconfig:"MEMELINE_GCS_UPLOAD_URL_EXPIRY" default:"15m"`
	DownloadURLExpiry time.Duration `envconfig:"MEMELINE_GCS_DOWNLOAD_URL_EXPIRY" default:"1h"`
}

type PubSubConfig struct {
	UploadSubscription string `envconfig:"MEMELINE_PUBSUB_UPLOAD_SUBSCRIPTION" required:"true"`
}

// QueueConfig tunes the durable task queue shared by producers and workers.
type QueueConfig struct {
	VisibilityWindow time.Duration `envconfig:"MEMELINE_QUEUE_VISIBILITY_WINDOW" default:"60s"`
	MaxAttempts      int           `envconfig:"MEMELINE_QUEUE_MAX_ATTEMPTS" default:"3"`
}

type WorkerConfig struct {
	Concurrency  int           `envconfig:"MEMELINE_WORKER_CONCURRENCY" default:"4"`
	PollInterval time.Duration `envconfig:"MEMELINE_WORKER_POLL_INTERVAL" default:"500ms"`
}

type TransformConfig struct {
	BaseURL string        `envconfig:"MEMELINE_TRANSFORM_BASE_URL" required:"true"`
	APIKey  string        `envconfig:"MEMELINE_TRANSFORM_API_KEY"`
	Timeout time.Duration `envconfig:"MEMELINE_TRANSFORM_TIMEOUT" default:"45s"`
}

type NotifyConfig struct {
	UnreadCountTTL time.Duration `envconfig:"MEMELINE_NOTIFY_UNREAD_TTL" default:"300s"`
}

type RealtimeConfig struct {
	WriteWait      time.Duration `envconfig:"MEMELINE_REALTIME_WRITE_WAIT" default:"10s"`
	PongWait       time.Duration `envconfig:"MEMELINE_REALTIME_PONG_WAIT" default:"60s"`
	MaxMessageSize int64         `envconfig:"MEMELINE_REALTIME_MAX_MESSAGE_SIZE" default:"4096"`
}

type UploadConfig struct {
	MaxUploadMB int `envconfig:"MEMELINE_MAX_UPLOAD_MB" default:"200"`
}

type FeatureFlagsConfig struct {
	PublicThumbnails bool `envconfig:"MEMELINE_FEATURE_PUBLIC_THUMBNAILS" default:"true"`
}

func (j JWTConfig) Expiration() time.Duration {
	if j.ExpirationMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(j.ExpirationMinutes) * time.Minute
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	for envName, value := range map[string]string{
		"MEMELINE_DB_HOST": db.Host,
		"MEMELINE_DB_USER": db.User,
		"MEMELINE_DB_NAME": db.Name,
	} {
		if value == "" {
			missing = append(missing, envName)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("either MEMELINE_DB_DSN or %s are required", strings.Join(missing, ", "))
	}

	userInfo := url.User(db.User)
	if db.Password != "" {
		userInfo = url.UserPassword(db.User, db.Password)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   db.Name,
	}
	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
