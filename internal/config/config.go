package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App       AppConfig       `json:"app"`
	Database  DatabaseConfig  `json:"database"`
	Redis     RedisConfig     `json:"redis"`
	Catalog   CatalogConfig   `json:"catalog"`
	Reconcile ReconcileConfig `json:"reconcile"`
	Schedule  ScheduleConfig  `json:"schedule"`
	Monitor   MonitorConfig   `json:"monitor"`
	Email     EmailConfig     `json:"email"`
	Push      PushConfig      `json:"push"`
	Security  SecurityConfig  `json:"security"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env      string `json:"env"`       // 运行环境: local / prod
	LogLevel string `json:"log_level"` // 日志级别: debug / info / warn / error
	HTTPAddr string `json:"http_addr"` // API 服务监听地址
}

// DatabaseConfig 数据库配置。
type DatabaseConfig struct {
	Driver string `json:"driver"` // mysql / postgres / sqlite
	DSN    string `json:"dsn"`    // 数据库连接字符串
}

// RedisConfig Redis 配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// CatalogConfig 上游商品目录抓取配置。
type CatalogConfig struct {
	BaseURL        string        `json:"base_url"`        // 上游 API 根地址
	Locale         string        `json:"locale"`          // 站点区域，如 "cn/zh_CN"
	UserAgent      string        `json:"user_agent"`      // 请求 UA
	Workers        int           `json:"workers"`         // 单次抓取的并发请求数
	JitterMax      time.Duration `json:"jitter_max"`      // 每个请求前的随机延迟上限
	RequestTimeout time.Duration `json:"request_timeout"` // 单请求超时（0 表示不设置）
	RateLimit      float64       `json:"rate_limit"`      // 全局限流速率（token/s，0 关闭）
	RateBurst      float64       `json:"rate_burst"`      // 限流桶容量
}

// ReconcileConfig 对账引擎配置。
type ReconcileConfig struct {
	BatchSize int `json:"batch_size"` // 每批写入的行数
	PageSize  int `json:"page_size"`  // 分页读取的页大小
}

// ScheduleConfig 定时抓取配置。
type ScheduleConfig struct {
	StartupDelay time.Duration `json:"startup_delay"` // 启动后延迟加载定时任务
	Workers      int           `json:"workers"`       // 执行抓取的 worker 数
	Capacity     int           `json:"capacity"`      // 待执行队列容量
	SkipOverlap  bool          `json:"skip_overlap"`  // 同类目上一次未完成时跳过本次触发
}

// MonitorConfig 单品监控配置。
type MonitorConfig struct {
	DefaultPushFrequency time.Duration `json:"default_push_frequency"` // 默认推送间隔
	MinInterval          time.Duration `json:"min_interval"`           // 轮询最小间隔
	LogCapacity          int           `json:"log_capacity"`           // 内存中保留的日志条数
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
}

// PushConfig 推送网关配置（微信等渠道由网关负责）。
type PushConfig struct {
	WebhookURL   string `json:"webhook_url"`
	WebhookToken string `json:"webhook_token"`
	LinkBaseURL  string `json:"link_base_url"` // 商品详情链接前缀
}

// SecurityConfig 安全相关配置。
type SecurityConfig struct {
	JWTSecret string `json:"jwt_secret"` // JWT 签名密钥
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json")
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载失败返回错误
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadOrDefault 加载配置，如果失败则返回默认配置（不报错）。
func LoadOrDefault(configPath ...string) *Config {
	cfg, err := Load(configPath...)
	if err != nil {
		fallback := getDefaultConfig()
		applyEnvOverrides(fallback)
		return fallback
	}
	return cfg
}

// Save 保存配置到 JSON 文件。
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Default 返回一份默认配置的副本。
func Default() *Config {
	return getDefaultConfig()
}

func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:      "local",
			LogLevel: "info",
			HTTPAddr: ":8081",
		},
		Database: DatabaseConfig{
			Driver: "mysql",
			DSN:    "root:password@tcp(localhost:3306)/stockwatch?parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
		},
		Catalog: CatalogConfig{
			BaseURL:   "https://www.uniqlo.cn",
			Locale:    "cn/zh_CN",
			UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
			Workers:   20,
			JitterMax: 50 * time.Millisecond,
			RateLimit: 0,
			RateBurst: 0,
		},
		Reconcile: ReconcileConfig{
			BatchSize: 50,
			PageSize:  1000,
		},
		Schedule: ScheduleConfig{
			StartupDelay: 5 * time.Second,
			Workers:      4,
			Capacity:     32,
			SkipOverlap:  false,
		},
		Monitor: MonitorConfig{
			DefaultPushFrequency: 60 * time.Minute,
			MinInterval:          2 * time.Second,
			LogCapacity:          8,
		},
		Email: EmailConfig{
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
		},
		Security: SecurityConfig{
			JWTSecret: "dev_secret_change_me",
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = defaults.Database.Driver
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = defaults.Database.DSN
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.Catalog.BaseURL == "" {
		cfg.Catalog.BaseURL = defaults.Catalog.BaseURL
	}
	if cfg.Catalog.Locale == "" {
		cfg.Catalog.Locale = defaults.Catalog.Locale
	}
	if cfg.Catalog.UserAgent == "" {
		cfg.Catalog.UserAgent = defaults.Catalog.UserAgent
	}
	if cfg.Catalog.Workers <= 0 {
		cfg.Catalog.Workers = defaults.Catalog.Workers
	}
	if cfg.Catalog.JitterMax == 0 {
		cfg.Catalog.JitterMax = defaults.Catalog.JitterMax
	}
	if cfg.Reconcile.BatchSize <= 0 {
		cfg.Reconcile.BatchSize = defaults.Reconcile.BatchSize
	}
	if cfg.Reconcile.PageSize <= 0 {
		cfg.Reconcile.PageSize = defaults.Reconcile.PageSize
	}
	if cfg.Schedule.StartupDelay == 0 {
		cfg.Schedule.StartupDelay = defaults.Schedule.StartupDelay
	}
	if cfg.Schedule.Workers <= 0 {
		cfg.Schedule.Workers = defaults.Schedule.Workers
	}
	if cfg.Schedule.Capacity <= 0 {
		cfg.Schedule.Capacity = defaults.Schedule.Capacity
	}
	if cfg.Monitor.DefaultPushFrequency <= 0 {
		cfg.Monitor.DefaultPushFrequency = defaults.Monitor.DefaultPushFrequency
	}
	if cfg.Monitor.MinInterval < defaults.Monitor.MinInterval {
		cfg.Monitor.MinInterval = defaults.Monitor.MinInterval
	}
	if cfg.Monitor.LogCapacity <= 0 {
		cfg.Monitor.LogCapacity = defaults.Monitor.LogCapacity
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = defaults.Security.JWTSecret
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("push_webhook_token", "PUSH_WEBHOOK_TOKEN")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}

	if v := os.Getenv("CATALOG_BASE_URL"); v != "" {
		cfg.Catalog.BaseURL = v
	}
	if v := os.Getenv("CATALOG_LOCALE"); v != "" {
		cfg.Catalog.Locale = v
	}
	if v := os.Getenv("CATALOG_WORKERS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			cfg.Catalog.Workers = i
		}
	}
	if v := os.Getenv("CATALOG_JITTER_MAX"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Catalog.JitterMax = d
		}
	}
	if v := os.Getenv("CATALOG_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Catalog.RequestTimeout = d
		}
	}
	if v := os.Getenv("CATALOG_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Catalog.RateLimit = f
		}
	}
	if v := os.Getenv("CATALOG_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Catalog.RateBurst = f
		}
	}

	if v := os.Getenv("RECONCILE_BATCH_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			cfg.Reconcile.BatchSize = i
		}
	}
	if v := os.Getenv("RECONCILE_PAGE_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			cfg.Reconcile.PageSize = i
		}
	}

	if v := os.Getenv("SCHEDULE_STARTUP_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Schedule.StartupDelay = d
		}
	}
	if v := os.Getenv("SCHEDULE_WORKERS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			cfg.Schedule.Workers = i
		}
	}
	if v := os.Getenv("SCHEDULE_SKIP_OVERLAP"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Schedule.SkipOverlap = b
		}
	}

	if v := os.Getenv("MONITOR_DEFAULT_PUSH_FREQUENCY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Monitor.DefaultPushFrequency = d
		}
	}

	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.Database.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.Database.DSN = v
	} else if cfg.Database.Driver == "mysql" && (hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "") {
		parsed := parseMySQLDSN(cfg.Database.DSN)
		if v := viper.GetString("db_host"); v != "" {
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = v + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.Database.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}

	if v := os.Getenv("PUSH_WEBHOOK_URL"); v != "" {
		cfg.Push.WebhookURL = v
	}
	if v := viper.GetString("push_webhook_token"); v != "" {
		cfg.Push.WebhookToken = v
	}
	if v := os.Getenv("PUSH_LINK_BASE_URL"); v != "" {
		cfg.Push.LinkBaseURL = v
	}

	if v := viper.GetString("jwt_secret"); v != "" {
		cfg.Security.JWTSecret = v
	}
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	fallback := &mysql.Config{
		User:   "root",
		Net:    "tcp",
		Addr:   "localhost:3306",
		DBName: "stockwatch",
		Params: map[string]string{
			"parseTime": "true",
			"loc":       "Local",
		},
	}
	if dsn == "" {
		return fallback
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseDurationField(name, raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s format: %w", name, err)
	}
	*dst = d
	return nil
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (c *CatalogConfig) UnmarshalJSON(data []byte) error {
	type Alias CatalogConfig
	aux := &struct {
		JitterMax      string `json:"jitter_max"`
		RequestTimeout string `json:"request_timeout"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if err := parseDurationField("jitter_max", aux.JitterMax, &c.JitterMax); err != nil {
		return err
	}
	return parseDurationField("request_timeout", aux.RequestTimeout, &c.RequestTimeout)
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (c CatalogConfig) MarshalJSON() ([]byte, error) {
	type Alias CatalogConfig
	return json.Marshal(&struct {
		JitterMax      string `json:"jitter_max"`
		RequestTimeout string `json:"request_timeout"`
		*Alias
	}{
		JitterMax:      c.JitterMax.String(),
		RequestTimeout: c.RequestTimeout.String(),
		Alias:          (*Alias)(&c),
	})
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (s *ScheduleConfig) UnmarshalJSON(data []byte) error {
	type Alias ScheduleConfig
	aux := &struct {
		StartupDelay string `json:"startup_delay"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDurationField("startup_delay", aux.StartupDelay, &s.StartupDelay)
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (s ScheduleConfig) MarshalJSON() ([]byte, error) {
	type Alias ScheduleConfig
	return json.Marshal(&struct {
		StartupDelay string `json:"startup_delay"`
		*Alias
	}{
		StartupDelay: s.StartupDelay.String(),
		Alias:        (*Alias)(&s),
	})
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (m *MonitorConfig) UnmarshalJSON(data []byte) error {
	type Alias MonitorConfig
	aux := &struct {
		DefaultPushFrequency string `json:"default_push_frequency"`
		MinInterval          string `json:"min_interval"`
		*Alias
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if err := parseDurationField("default_push_frequency", aux.DefaultPushFrequency, &m.DefaultPushFrequency); err != nil {
		return err
	}
	return parseDurationField("min_interval", aux.MinInterval, &m.MinInterval)
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (m MonitorConfig) MarshalJSON() ([]byte, error) {
	type Alias MonitorConfig
	return json.Marshal(&struct {
		DefaultPushFrequency string `json:"default_push_frequency"`
		MinInterval          string `json:"min_interval"`
		*Alias
	}{
		DefaultPushFrequency: m.DefaultPushFrequency.String(),
		MinInterval:          m.MinInterval.String(),
		Alias:                (*Alias)(&m),
	})
}
