package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location, overridable with CHAT_CONFIG.
var ConfigPath = envOr("CHAT_CONFIG", "config.yaml")

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	RealtimeRedis    = "redis"
	RealtimePostgres = "postgres"
	RealtimeMemory   = "memory"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	StoreDriver string `yaml:"storeDriver"`
	DatabaseURL string `yaml:"databaseURL"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	RealtimeBackend string `yaml:"realtimeBackend"`
	RealtimeChannel string `yaml:"realtimeChannel"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	AuthJWKSURL string `yaml:"authJwksURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	PageSize         int    `yaml:"pageSize"`
	MaxUploadBytes   int64  `yaml:"maxUploadBytes"`
	OperationTimeout string `yaml:"operationTimeout"`
	PresignExpiry    string `yaml:"presignExpiry"`

	AnalysisStream     string `yaml:"analysisStream"`
	AnalysisGroup      string `yaml:"analysisGroup"`
	AnalysisWorkers    int    `yaml:"analysisWorkers"`
	AnalysisMaxRetries int    `yaml:"analysisMaxRetries"`

	SendRateLimitPerMinute   int `yaml:"sendRateLimitPerMinute"`
	UploadRateLimitPerMinute int `yaml:"uploadRateLimitPerMinute"`

	CORSAllowedOrigins []string `yaml:"corsAllowedOrigins"`
}

// Load reads config from path (defaults to ConfigPath).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("CHAT_PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.TrimSpace(v)
	}
	if v := os.Getenv("CHAT_STORE_DRIVER"); v != "" {
		cfg.StoreDriver = strings.TrimSpace(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("CHAT_REALTIME_BACKEND"); v != "" {
		cfg.RealtimeBackend = strings.TrimSpace(v)
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if v := os.Getenv("AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("CHAT_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("CHAT_ANALYSIS_WORKERS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.AnalysisWorkers = n
		}
	}
	if v := os.Getenv("CHAT_SEND_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.SendRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("CHAT_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("CHAT_UPLOAD_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.UploadRateLimitPerMinute = n
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = StoreDriverPostgres
	}
	cfg.RealtimeBackend = strings.ToLower(strings.TrimSpace(cfg.RealtimeBackend))
	if cfg.RealtimeBackend == "" {
		if strings.TrimSpace(cfg.RedisAddr) != "" {
			cfg.RealtimeBackend = RealtimeRedis
		} else {
			cfg.RealtimeBackend = RealtimeMemory
		}
	}
	if strings.TrimSpace(cfg.AnalysisStream) == "" {
		cfg.AnalysisStream = "mamahealth:analysis"
	}
	if strings.TrimSpace(cfg.AnalysisGroup) == "" {
		cfg.AnalysisGroup = "analysis-workers"
	}
	if cfg.AnalysisWorkers == 0 {
		cfg.AnalysisWorkers = 2
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("config: storeDriver must be %s or %s, got %q", StoreDriverPostgres, StoreDriverMemory, cfg.StoreDriver)
	}
	switch cfg.RealtimeBackend {
	case RealtimeRedis:
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redisAddr is required for the redis realtime backend")
		}
	case RealtimePostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return errors.New("config: databaseURL is required for the postgres realtime backend")
		}
	case RealtimeMemory:
	default:
		return fmt.Errorf("config: realtimeBackend must be redis, postgres or memory, got %q", cfg.RealtimeBackend)
	}
	if strings.TrimSpace(cfg.MinioEndpoint) == "" {
		return errors.New("config: minioEndpoint is required (set in config.yaml or MINIO_ENDPOINT)")
	}
	if strings.TrimSpace(cfg.MinioBucket) == "" {
		return errors.New("config: minioBucket is required (set in config.yaml or MINIO_BUCKET)")
	}
	if strings.TrimSpace(cfg.AuthJWKSURL) == "" {
		return errors.New("config: authJwksURL is required (set in config.yaml or AUTH_JWKS_URL)")
	}
	if cfg.PageSize < 0 || cfg.MaxUploadBytes < 0 {
		return errors.New("config: pageSize and maxUploadBytes must be >= 0")
	}
	if cfg.AnalysisWorkers < 0 || cfg.AnalysisMaxRetries < 0 {
		return errors.New("config: analysis workers and retries must be >= 0")
	}
	if cfg.SendRateLimitPerMinute < 0 || cfg.UploadRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	for name, raw := range map[string]string{
		"jwtLeeway":        cfg.JWTLeeway,
		"operationTimeout": cfg.OperationTimeout,
		"presignExpiry":    cfg.PresignExpiry,
	} {
		if _, err := ParseDuration(name, raw); err != nil {
			return err
		}
	}
	return nil
}

// ParseDuration parses an optional duration field; empty means zero.
func ParseDuration(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s duration: %w", field, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("config: %s must not be negative", field)
	}
	return dur, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
