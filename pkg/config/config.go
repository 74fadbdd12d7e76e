package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MinConns int // 保持的空闲连接数
	MaxConns int
	// ConnMaxLifetime 单个连接的最长存活时间（0 = 不限制）
	ConnMaxLifetime time.Duration
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int // 0 = go-redis 默认（10 * GOMAXPROCS）
	// DialTimeout / ReadTimeout 为 0 时使用 go-redis 默认值
	DialTimeout time.Duration
	ReadTimeout time.Duration
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// LoadFromEnv 从环境变量加载配置
// prefix 为 "DB" 时读取 DB_HOST / DB_PORT / DB_USER / DB_PASSWORD / DB_NAME / DB_SSLMODE
func (c *DatabaseConfig) LoadFromEnv(prefix string) {
	if host := os.Getenv(prefix + "_HOST"); host != "" {
		c.Host = host
	}
	if port := os.Getenv(prefix + "_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Port = p
		}
	}
	if user := os.Getenv(prefix + "_USER"); user != "" {
		c.User = user
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if database := os.Getenv(prefix + "_NAME"); database != "" {
		c.Database = database
	}
	if sslMode := os.Getenv(prefix + "_SSLMODE"); sslMode != "" {
		c.SSLMode = sslMode
	}
	if v := os.Getenv(prefix + "_MIN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MinConns = n
		}
	}
	if v := os.Getenv(prefix + "_MAX_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConns = n
		}
	}
}

// LoadFromEnv 从环境变量加载Redis配置
// 地址由 <prefix>_HOST + <prefix>_PORT 组成
func (c *RedisConfig) LoadFromEnv(prefix string) {
	host := os.Getenv(prefix + "_HOST")
	port := os.Getenv(prefix + "_PORT")
	if host != "" || port != "" {
		if host == "" {
			host = "localhost"
		}
		if port == "" {
			port = "6379"
		}
		c.Addr = host + ":" + port
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if db := os.Getenv(prefix + "_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			c.DB = n
		}
	}
	if v := os.Getenv(prefix + "_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PoolSize = n
		}
	}
}

// LoadFromEnv 从环境变量加载MQTT配置
func (c *MQTTConfig) LoadFromEnv(prefix string) {
	if broker := os.Getenv(prefix + "_BROKER"); broker != "" {
		c.Broker = broker
	}
	if clientID := os.Getenv(prefix + "_CLIENT_ID"); clientID != "" {
		c.ClientID = clientID
	}
	if username := os.Getenv(prefix + "_USERNAME"); username != "" {
		c.Username = username
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
}
