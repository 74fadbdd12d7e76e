package config

import (
	"os"
	"strconv"
	"time"

	commoncfg "github.com/kuaigeyun/kuaigeyun-sub011/pkg/config"
)

// Config riveredge-platform（HTTP API + 任务调度）配置
type Config struct {
	HTTP struct {
		Addr string
	}
	DBEnabled bool
	Database  commoncfg.DatabaseConfig
	Redis     commoncfg.RedisConfig
	// RedisEnabled 为 false 时任务队列与缓存使用进程内实现
	RedisEnabled bool
	Log          struct {
		Level  string
		Format string
	}
	JWT      JWTConfig
	Time     TimeConfig
	Jobs     JobsConfig
	Quota    QuotaConfig
	CodeRule CodeRuleConfig
	Auth     AuthConfig
	MQTT     MQTTConfig
	SMS      SMSConfig
	SMTP     SMTPConfig
}

// JWTConfig Token 配置
type JWTConfig struct {
	Secret         string        // JWT_SECRET，无默认值
	Expires        time.Duration // access token 有效期
	RefreshExpires time.Duration // refresh token 有效期
}

// TimeConfig 时区配置（编码规则按自然日/月/年重置时使用）
type TimeConfig struct {
	Timezone string
	UseTZ    bool
}

// Location 返回计算"今天"所用的时区
func (c TimeConfig) Location() *time.Location {
	if !c.UseTZ || c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// JobsConfig 后台任务调度配置
type JobsConfig struct {
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Workers        int
	ConsumerGroup  string
}

// QuotaConfig 配额配置
type QuotaConfig struct {
	WarningRatio float64
}

// CodeRuleConfig 编码规则配置
type CodeRuleConfig struct {
	AllocRetries int
}

// AuthConfig 登录相关配置
type AuthConfig struct {
	LoginRatePerMinute    int
	SeedPlatformAdmin     bool
	PlatformAdminUsername string
	PlatformAdminPassword string
}

// MQTTConfig 推送通道配置
type MQTTConfig struct {
	Enabled bool
	commoncfg.MQTTConfig
	TopicPrefix string
}

// SMSConfig 短信网关配置
type SMSConfig struct {
	GatewayURL string
	APIKey     string
}

// SMTPConfig 邮件配置
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

func Load() *Config {
	cfg := &Config{}
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	cfg.DBEnabled = getEnv("DB_ENABLED", "true") == "true"
	cfg.Database = commoncfg.DatabaseConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "postgres",
		Database:        "riveredge",
		SSLMode:         "disable",
		MinConns:        5,
		MaxConns:        20,
		ConnMaxLifetime: 5 * time.Minute,
	}
	cfg.Database.LoadFromEnv("DB")

	cfg.RedisEnabled = getEnv("REDIS_ENABLED", "true") == "true"
	cfg.Redis = commoncfg.RedisConfig{Addr: "localhost:6379", DialTimeout: 5 * time.Second, ReadTimeout: 3 * time.Second}
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	cfg.JWT.Secret = os.Getenv("JWT_SECRET")
	cfg.JWT.Expires = time.Duration(parseInt(getEnv("JWT_EXPIRES_IN", "1440"), 1440)) * time.Minute
	cfg.JWT.RefreshExpires = time.Duration(parseInt(getEnv("JWT_REFRESH_EXPIRES_IN", "10080"), 10080)) * time.Minute

	cfg.Time.Timezone = getEnv("TIMEZONE", "Asia/Shanghai")
	cfg.Time.UseTZ = getEnv("USE_TZ", "true") == "true"

	cfg.Jobs.MaxRetries = parseInt(getEnv("JOBS_MAX_RETRIES", "3"), 3)
	cfg.Jobs.BackoffInitial = time.Duration(parseInt(getEnv("JOBS_BACKOFF_INITIAL_MS", "500"), 500)) * time.Millisecond
	cfg.Jobs.BackoffMax = time.Duration(parseInt(getEnv("JOBS_BACKOFF_MAX_MS", "30000"), 30000)) * time.Millisecond
	cfg.Jobs.Workers = parseInt(getEnv("JOBS_WORKERS", "4"), 4)
	cfg.Jobs.ConsumerGroup = getEnv("JOBS_CONSUMER_GROUP", "riveredge-jobs")

	cfg.Quota.WarningRatio = parseFloat(getEnv("QUOTA_WARNING_RATIO", "0.9"), 0.9)
	cfg.CodeRule.AllocRetries = parseInt(getEnv("CODE_ALLOC_RETRIES", "5"), 5)

	cfg.Auth.LoginRatePerMinute = parseInt(getEnv("LOGIN_RATE_PER_MIN", "60"), 60)
	cfg.Auth.SeedPlatformAdmin = getEnv("SEED_PLATFORM_ADMIN", "true") == "true"
	cfg.Auth.PlatformAdminUsername = getEnv("PLATFORM_ADMIN_USERNAME", "superadmin")
	cfg.Auth.PlatformAdminPassword = os.Getenv("PLATFORM_ADMIN_PASSWORD")

	cfg.MQTT.Enabled = getEnv("MQTT_ENABLED", "false") == "true"
	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "riveredge-platform"
	cfg.MQTT.QoS = 1
	cfg.MQTT.MQTTConfig.LoadFromEnv("MQTT")
	cfg.MQTT.TopicPrefix = getEnv("MQTT_TOPIC_PREFIX", "riveredge/push")

	cfg.SMS.GatewayURL = getEnv("SMS_GATEWAY_URL", "")
	cfg.SMS.APIKey = getEnv("SMS_GATEWAY_KEY", "")

	cfg.SMTP.Host = getEnv("SMTP_HOST", "")
	cfg.SMTP.Port = parseInt(getEnv("SMTP_PORT", "587"), 587)
	cfg.SMTP.User = getEnv("SMTP_USER", "")
	cfg.SMTP.Password = getEnv("SMTP_PASSWORD", "")
	cfg.SMTP.From = getEnv("SMTP_FROM", "noreply@riveredge.local")

	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func parseFloat(s string, def float64) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return f
}
