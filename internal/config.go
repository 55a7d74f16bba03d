package internal

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultSubjectPrefix = "tictactoe.rooms"

// Config 服務配置
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Room      RoomConfig      `yaml:"room"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig HTTP 服務配置
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// WebSocketConfig 連接配置
//
// PingPeriod 必須小於 PongWait，否則健康的連接也會逾時。
type WebSocketConfig struct {
	AllowedOrigins    []string      `yaml:"allowed_origins"` // 空表示不檢查
	ReadBufferSize    int           `yaml:"read_buffer_size"`
	WriteBufferSize   int           `yaml:"write_buffer_size"`
	SendBufferSize    int           `yaml:"send_buffer_size"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
	WriteWait         time.Duration `yaml:"write_wait"`
	PongWait          time.Duration `yaml:"pong_wait"`
	PingPeriod        time.Duration `yaml:"ping_period"`
	MessagesPerSecond int64         `yaml:"messages_per_second"`
	MessageBurst      int64         `yaml:"message_burst"`
}

// RoomConfig 房間回收配置
type RoomConfig struct {
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
}

// RateLimitConfig 連接建立限流（每個 IP）
type RateLimitConfig struct {
	Enabled    bool  `yaml:"enabled"`
	Capacity   int64 `yaml:"capacity"`
	RefillRate int64 `yaml:"refill_rate"`
}

// RedisConfig Redis 配置，Addr 為空時使用本地限流
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NATSConfig NATS 配置，URL 為空時不發布事件
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// LogConfig 日誌配置
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig 預設配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            3000,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:    1024,
			WriteBufferSize:   1024,
			SendBufferSize:    256,
			MaxMessageSize:    4096,
			WriteWait:         10 * time.Second,
			PongWait:          60 * time.Second,
			PingPeriod:        54 * time.Second,
			MessagesPerSecond: 20,
			MessageBurst:      40,
		},
		Room: RoomConfig{
			CleanupInterval: time.Minute,
			IdleTimeout:     5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:    true,
			Capacity:   30,
			RefillRate: 10,
		},
		NATS: NATSConfig{
			SubjectPrefix: defaultSubjectPrefix,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig 載入配置
//
// 順序：預設值 → YAML 檔案 → 環境變數。
// 檔案不存在時只使用預設值與環境變數。
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// 使用預設值
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv 環境變數覆蓋
func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate 驗證配置
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.WebSocket.SendBufferSize <= 0 {
		return fmt.Errorf("send_buffer_size must be positive")
	}
	if c.WebSocket.PongWait <= 0 || c.WebSocket.PingPeriod <= 0 {
		return fmt.Errorf("pong_wait and ping_period must be positive")
	}
	if c.WebSocket.PingPeriod >= c.WebSocket.PongWait {
		return fmt.Errorf("ping_period (%s) must be less than pong_wait (%s)",
			c.WebSocket.PingPeriod, c.WebSocket.PongWait)
	}
	if c.WebSocket.MessagesPerSecond <= 0 || c.WebSocket.MessageBurst <= 0 {
		return fmt.Errorf("messages_per_second and message_burst must be positive")
	}
	if c.RateLimit.Enabled && (c.RateLimit.Capacity <= 0 || c.RateLimit.RefillRate <= 0) {
		return fmt.Errorf("rate_limit capacity and refill_rate must be positive")
	}
	return nil
}
