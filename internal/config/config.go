package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"gopkg.in/yaml.v3"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Tail   TailConfig   `yaml:"tail"`
	Feed   FeedConfig   `yaml:"feed"`
	AI     AIConfig     `yaml:"ai"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// StoreConfig 选择消息存储后端。
type StoreConfig struct {
	Driver     string `yaml:"driver"` // memory | sqlite
	SQLitePath string `yaml:"sqlitePath"`
}

// TailConfig 描述实时消息通知总线。
type TailConfig struct {
	Bus          string        `yaml:"bus"` // memory | redis
	RedisAddr    string        `yaml:"redisAddr"`
	RedisPrefix  string        `yaml:"redisPrefix"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

// FeedConfig 描述会话视图的分页与回复超时。
type FeedConfig struct {
	PageSize     int           `yaml:"pageSize"`
	ReplyTimeout time.Duration `yaml:"replyTimeout"`
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey       string   `yaml:"apiKey"`
	AccessKey    string   `yaml:"accessKey"`
	SecretKey    string   `yaml:"secretKey"`
	Model        string   `yaml:"model"`
	BaseURL      string   `yaml:"baseUrl"`
	Region       string   `yaml:"region"`
	Temperature  *float64 `yaml:"temperature"`
	TopP         *float64 `yaml:"topP"`
	MaxTokens    *int     `yaml:"maxTokens"`
	HistoryLimit int      `yaml:"historyLimit"`
	RatePerMin   int      `yaml:"ratePerMinute"`
}

// LogConfig 描述日志级别与输出格式。
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

// Defaults returns the configuration used when neither a file nor the
// environment says otherwise.
func Defaults() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Store:  StoreConfig{Driver: "memory", SQLitePath: "coachfeed.db"},
		Tail:   TailConfig{Bus: "memory", RedisPrefix: "coachfeed:turns:", PollInterval: 2 * time.Second},
		Feed:   FeedConfig{PageSize: 10, ReplyTimeout: 60 * time.Second},
		AI: AIConfig{
			BaseURL:      "https://ark.cn-beijing.volces.com/api/v3",
			Region:       "cn-beijing",
			HistoryLimit: 10,
			RatePerMin:   60,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Load 读取可选的 YAML 文件（path 为空时跳过），再用环境变量覆盖。
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite store")
		}
	default:
		return fmt.Errorf("invalid STORE_DRIVER value %q", c.Store.Driver)
	}

	switch c.Tail.Bus {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Tail.RedisAddr) == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis tail bus")
		}
	default:
		return fmt.Errorf("invalid TAIL_BUS value %q", c.Tail.Bus)
	}

	if c.Feed.PageSize < 1 {
		return fmt.Errorf("FEED_PAGE_SIZE must be positive, got %d", c.Feed.PageSize)
	}
	if c.Feed.ReplyTimeout <= 0 {
		return fmt.Errorf("REPLY_TIMEOUT must be positive, got %s", c.Feed.ReplyTimeout)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	addr, err := serverAddr(cfg.Server.Addr)
	if err != nil {
		return err
	}
	cfg.Server.Addr = addr

	cfg.Store.Driver = getEnvOrDefault("STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.SQLitePath = getEnvOrDefault("SQLITE_PATH", cfg.Store.SQLitePath)

	cfg.Tail.Bus = getEnvOrDefault("TAIL_BUS", cfg.Tail.Bus)
	cfg.Tail.RedisAddr = getEnvOrDefault("REDIS_ADDR", cfg.Tail.RedisAddr)
	cfg.Tail.RedisPrefix = getEnvOrDefault("REDIS_PREFIX", cfg.Tail.RedisPrefix)
	if cfg.Tail.PollInterval, err = parseDurationEnv("TAIL_POLL_INTERVAL", cfg.Tail.PollInterval); err != nil {
		return err
	}

	if cfg.Feed.PageSize, err = parseIntEnv("FEED_PAGE_SIZE", cfg.Feed.PageSize); err != nil {
		return err
	}
	if cfg.Feed.ReplyTimeout, err = parseDurationEnv("REPLY_TIMEOUT", cfg.Feed.ReplyTimeout); err != nil {
		return err
	}

	if err := applyAIEnv(&cfg.AI); err != nil {
		return err
	}

	cfg.Log.Level = getEnvOrDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnvOrDefault("LOG_FORMAT", cfg.Log.Format)
	return nil
}

// serverAddr 解析服务器监听地址。
func serverAddr(fallback string) (string, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		return fallback, nil
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	return ":" + port, nil
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + ARK_MODEL 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func applyAIEnv(ai *AIConfig) error {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return err
	}
	if temperature != nil {
		ai.Temperature = temperature
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return err
	}
	if topP != nil {
		ai.TopP = topP
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return err
	}
	if maxTokens != nil {
		ai.MaxTokens = maxTokens
	}

	if ai.HistoryLimit, err = parseIntEnv("AI_HISTORY_LIMIT", ai.HistoryLimit); err != nil {
		return err
	}
	if ai.HistoryLimit < 1 {
		ai.HistoryLimit = 1
	}
	if ai.RatePerMin, err = parseIntEnv("AI_RATE_PER_MINUTE", ai.RatePerMin); err != nil {
		return err
	}

	ai.APIKey = getEnvOrDefault("ARK_API_KEY", ai.APIKey)
	ai.AccessKey = getEnvOrDefault("ARK_ACCESS_KEY", ai.AccessKey)
	ai.SecretKey = getEnvOrDefault("ARK_SECRET_KEY", ai.SecretKey)
	ai.Model = getEnvOrDefault("ARK_MODEL", ai.Model)
	ai.BaseURL = getEnvOrDefault("ARK_BASE_URL", ai.BaseURL)
	ai.Region = getEnvOrDefault("ARK_REGION", ai.Region)
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil || val == nil {
		return defaultValue, err
	}
	return *val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
