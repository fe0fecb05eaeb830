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
	App      AppConfig      `json:"app"`
	Engine   EngineConfig   `json:"engine"`
	Rules    RulesConfig    `json:"rules"`
	MySQL    MySQLConfig    `json:"mysql"`
	Redis    RedisConfig    `json:"redis"`
	Email    EmailConfig    `json:"email"`
	Security SecurityConfig `json:"security"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env      string `json:"env"`       // 运行环境: local / prod
	LogLevel string `json:"log_level"` // 日志级别: debug / info / warn / error
	HTTPAddr string `json:"http_addr"` // 查询 API 监听地址
}

// EngineConfig 指标引擎配置。
//
// 每次批处理调用都显式传入该对象，引擎内部不持有任何
// 进程级可变状态（日志/监控输出除外）。
type EngineConfig struct {
	TopN             int           `json:"top_n"`              // 聚合排名截断（默认 20）
	LookbackDays     int           `json:"lookback_days"`      // 趋势回看窗口天数（默认 90）
	MinLookbackDays  int           `json:"min_lookback_days"`  // 低于该填充天数则标记 low confidence（默认 7）
	OwnASINs         []string      `json:"own_asins"`          // 自有 ASIN 集合（为空则不计算可见度份额）
	WorkerPoolSize   int           `json:"worker_pool_size"`   // 并发处理的关键词数
	QueueCapacity    int           `json:"queue_capacity"`     // 批处理队列容量
	RetryMaxAttempts int           `json:"retry_max_attempts"` // 存储 I/O 最大重试次数
	RetryBaseBackoff time.Duration `json:"retry_base_backoff"` // 重试退避基础时长（指数增长）
	PublishLockTTL   time.Duration `json:"publish_lock_ttl"`   // 发布互斥锁的过期时间
	NotifyMinScore   int           `json:"notify_min_score"`   // 达到该分数的机会标记触发邮件提醒
}

// RulesConfig 机会检测规则阈值。
type RulesConfig struct {
	PriceGapMultiple     float64 `json:"price_gap_multiple"`     // 价差超过中位价的该倍数才考虑触发
	PriceGapBand         float64 `json:"price_gap_band"`         // 中位价上下该比例内无竞品才触发
	QualityRatingMax     float64 `json:"quality_rating_max"`     // 平均评分低于该值才考虑触发
	QualityReviewFloor   int     `json:"quality_review_floor"`   // 评论数达到该值算"有口碑的在位者"
	QualityMaxIncumbents int     `json:"quality_max_incumbents"` // 有口碑在位者不超过该数量才触发
	EntrantSurgeFraction float64 `json:"entrant_surge_fraction"` // 新进入者超过 top_n 的该比例触发
	LowCompSponsoredMax  float64 `json:"low_comp_sponsored_max"` // 广告占比低于该值才考虑触发
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 配置（发布互斥锁）。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// EmailConfig 邮件提醒配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
}

// SecurityConfig 安全相关配置。
type SecurityConfig struct {
	JWTSecret string `json:"jwt_secret"` // 查询 API 的 JWT 签名密钥
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
// 环境变量始终优先覆盖文件内容。
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	// 如果配置文件不存在，使用默认配置
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

// Validate 检查配置是否会导致指标被静默污染。
//
// 任何一处不合法都视为致命错误：带着坏阈值跑完一轮批处理，
// 产出的每一行指标都是错的，比直接拒绝启动代价更高。
func (c *Config) Validate() error {
	e := c.Engine
	if e.TopN <= 0 {
		return fmt.Errorf("config: top_n must be positive, got %d", e.TopN)
	}
	if e.LookbackDays <= 0 {
		return fmt.Errorf("config: lookback_days must be positive, got %d", e.LookbackDays)
	}
	if e.MinLookbackDays < 0 || e.MinLookbackDays > e.LookbackDays {
		return fmt.Errorf("config: min_lookback_days must be within [0, lookback_days], got %d", e.MinLookbackDays)
	}
	if e.RetryMaxAttempts <= 0 {
		return fmt.Errorf("config: retry_max_attempts must be positive, got %d", e.RetryMaxAttempts)
	}
	if e.RetryBaseBackoff <= 0 {
		return fmt.Errorf("config: retry_base_backoff must be positive, got %s", e.RetryBaseBackoff)
	}
	if e.NotifyMinScore < 0 || e.NotifyMinScore > 100 {
		return fmt.Errorf("config: notify_min_score must be within [0, 100], got %d", e.NotifyMinScore)
	}
	for _, asin := range e.OwnASINs {
		if strings.TrimSpace(asin) == "" {
			return fmt.Errorf("config: own_asins contains an empty entry")
		}
	}

	r := c.Rules
	if r.PriceGapMultiple <= 0 {
		return fmt.Errorf("config: price_gap_multiple must be positive, got %g", r.PriceGapMultiple)
	}
	if r.PriceGapBand <= 0 || r.PriceGapBand >= 1 {
		return fmt.Errorf("config: price_gap_band must be within (0, 1), got %g", r.PriceGapBand)
	}
	if r.QualityRatingMax <= 0 || r.QualityRatingMax > 5 {
		return fmt.Errorf("config: quality_rating_max must be within (0, 5], got %g", r.QualityRatingMax)
	}
	if r.QualityReviewFloor < 0 {
		return fmt.Errorf("config: quality_review_floor must not be negative, got %d", r.QualityReviewFloor)
	}
	if r.QualityMaxIncumbents < 0 {
		return fmt.Errorf("config: quality_max_incumbents must not be negative, got %d", r.QualityMaxIncumbents)
	}
	if r.EntrantSurgeFraction <= 0 || r.EntrantSurgeFraction > 1 {
		return fmt.Errorf("config: entrant_surge_fraction must be within (0, 1], got %g", r.EntrantSurgeFraction)
	}
	if r.LowCompSponsoredMax < 0 || r.LowCompSponsoredMax > 1 {
		return fmt.Errorf("config: low_comp_sponsored_max must be within [0, 1], got %g", r.LowCompSponsoredMax)
	}
	return nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:      "local",
			LogLevel: "info",
			HTTPAddr: ":8082",
		},
		Engine: EngineConfig{
			TopN:             20,
			LookbackDays:     90,
			MinLookbackDays:  7,
			WorkerPoolSize:   8,
			QueueCapacity:    256,
			RetryMaxAttempts: 3,
			RetryBaseBackoff: 200 * time.Millisecond,
			PublishLockTTL:   2 * time.Minute,
			NotifyMinScore:   70,
		},
		Rules: RulesConfig{
			PriceGapMultiple:     0.5,
			PriceGapBand:         0.1,
			QualityRatingMax:     4.0,
			QualityReviewFloor:   500,
			QualityMaxIncumbents: 3,
			EntrantSurgeFraction: 0.25,
			LowCompSponsoredMax:  0.15,
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/marketlens?parseTime=true&loc=UTC",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
		},
		Email: EmailConfig{
			SMTPHost:  "",
			SMTPPort:  587,
			SMTPUser:  "",
			SMTPPass:  "",
			FromEmail: "",
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

	if cfg.Engine.TopN == 0 {
		cfg.Engine.TopN = defaults.Engine.TopN
	}
	if cfg.Engine.LookbackDays == 0 {
		cfg.Engine.LookbackDays = defaults.Engine.LookbackDays
	}
	if cfg.Engine.MinLookbackDays == 0 {
		cfg.Engine.MinLookbackDays = defaults.Engine.MinLookbackDays
	}
	if cfg.Engine.WorkerPoolSize == 0 {
		cfg.Engine.WorkerPoolSize = defaults.Engine.WorkerPoolSize
	}
	if cfg.Engine.QueueCapacity == 0 {
		cfg.Engine.QueueCapacity = defaults.Engine.QueueCapacity
	}
	if cfg.Engine.RetryMaxAttempts == 0 {
		cfg.Engine.RetryMaxAttempts = defaults.Engine.RetryMaxAttempts
	}
	if cfg.Engine.RetryBaseBackoff == 0 {
		cfg.Engine.RetryBaseBackoff = defaults.Engine.RetryBaseBackoff
	}
	if cfg.Engine.PublishLockTTL == 0 {
		cfg.Engine.PublishLockTTL = defaults.Engine.PublishLockTTL
	}
	if cfg.Engine.NotifyMinScore == 0 {
		cfg.Engine.NotifyMinScore = defaults.Engine.NotifyMinScore
	}

	if cfg.Rules.PriceGapMultiple == 0 {
		cfg.Rules.PriceGapMultiple = defaults.Rules.PriceGapMultiple
	}
	if cfg.Rules.PriceGapBand == 0 {
		cfg.Rules.PriceGapBand = defaults.Rules.PriceGapBand
	}
	if cfg.Rules.QualityRatingMax == 0 {
		cfg.Rules.QualityRatingMax = defaults.Rules.QualityRatingMax
	}
	if cfg.Rules.QualityReviewFloor == 0 {
		cfg.Rules.QualityReviewFloor = defaults.Rules.QualityReviewFloor
	}
	if cfg.Rules.QualityMaxIncumbents == 0 {
		cfg.Rules.QualityMaxIncumbents = defaults.Rules.QualityMaxIncumbents
	}
	if cfg.Rules.EntrantSurgeFraction == 0 {
		cfg.Rules.EntrantSurgeFraction = defaults.Rules.EntrantSurgeFraction
	}
	if cfg.Rules.LowCompSponsoredMax == 0 {
		cfg.Rules.LowCompSponsoredMax = defaults.Rules.LowCompSponsoredMax
	}

	if cfg.MySQL.DSN == "" {
		cfg.MySQL.DSN = defaults.MySQL.DSN
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
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

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}

	if v := os.Getenv("ENGINE_TOP_N"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Engine.TopN = i
		}
	}
	if v := os.Getenv("ENGINE_LOOKBACK_DAYS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Engine.LookbackDays = i
		}
	}
	if v := os.Getenv("ENGINE_MIN_LOOKBACK_DAYS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MinLookbackDays = i
		}
	}
	if v := os.Getenv("ENGINE_OWN_ASINS"); v != "" {
		parts := strings.Split(v, ",")
		asins := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				asins = append(asins, trimmed)
			}
		}
		cfg.Engine.OwnASINs = asins
	}
	if v := os.Getenv("ENGINE_WORKER_POOL_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Engine.WorkerPoolSize = i
		}
	}
	if v := os.Getenv("ENGINE_QUEUE_CAPACITY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Engine.QueueCapacity = i
		}
	}
	if v := os.Getenv("ENGINE_RETRY_MAX_ATTEMPTS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Engine.RetryMaxAttempts = i
		}
	}
	if v := os.Getenv("ENGINE_RETRY_BASE_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.RetryBaseBackoff = d
		}
	}
	if v := os.Getenv("ENGINE_PUBLISH_LOCK_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.PublishLockTTL = d
		}
	}
	if v := os.Getenv("ENGINE_NOTIFY_MIN_SCORE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Engine.NotifyMinScore = i
		}
	}

	if v := viper.GetString("jwt_secret"); v != "" {
		cfg.Security.JWTSecret = v
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			host := v
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = host + ":" + port
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
		cfg.MySQL.DSN = parsed.FormatDSN()
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
		Passwd: "",
		Net:    "tcp",
		Addr:   "localhost:3306",
		DBName: "marketlens",
		Params: map[string]string{
			"parseTime": "true",
			"loc":       "UTC",
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

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串（如 "200ms"）。
func (e *EngineConfig) UnmarshalJSON(data []byte) error {
	type Alias EngineConfig
	aux := &struct {
		RetryBaseBackoff string `json:"retry_base_backoff"`
		PublishLockTTL   string `json:"publish_lock_ttl"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.RetryBaseBackoff != "" {
		duration, err := time.ParseDuration(aux.RetryBaseBackoff)
		if err != nil {
			return fmt.Errorf("invalid retry_base_backoff format: %w", err)
		}
		e.RetryBaseBackoff = duration
	}
	if aux.PublishLockTTL != "" {
		duration, err := time.ParseDuration(aux.PublishLockTTL)
		if err != nil {
			return fmt.Errorf("invalid publish_lock_ttl format: %w", err)
		}
		e.PublishLockTTL = duration
	}

	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (e EngineConfig) MarshalJSON() ([]byte, error) {
	type Alias EngineConfig
	return json.Marshal(&struct {
		RetryBaseBackoff string `json:"retry_base_backoff"`
		PublishLockTTL   string `json:"publish_lock_ttl"`
		*Alias
	}{
		RetryBaseBackoff: e.RetryBaseBackoff.String(),
		PublishLockTTL:   e.PublishLockTTL.String(),
		Alias:            (*Alias)(&e),
	})
}
