package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const baseYAML = `
port: "8083"
databaseURL: postgres://chat@localhost/mama
minioEndpoint: localhost:9000
minioBucket: medical-files
authJwksURL: http://identity/.well-known/jwks.json
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	cfg, err := Load(writeConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreDriver != StoreDriverPostgres {
		t.Fatalf("store driver = %q", cfg.StoreDriver)
	}
	if cfg.RealtimeBackend != RealtimeMemory {
		t.Fatalf("realtime backend without redis = %q", cfg.RealtimeBackend)
	}
	if cfg.AnalysisWorkers != 2 {
		t.Fatalf("analysis workers = %d", cfg.AnalysisWorkers)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("DATABASE_URL", "postgres://override")
	t.Setenv("CHAT_MAX_UPLOAD_BYTES", "2048")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("CHAT_CORS_ALLOWED_ORIGINS", "https://app.mama.health, ,https://admin.mama.health")

	cfg, err := Load(writeConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://override" || cfg.MaxUploadBytes != 2048 || !cfg.MinioUseSSL {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://admin.mama.health" {
		t.Fatalf("cors origins = %v", cfg.CORSAllowedOrigins)
	}
	if cfg.RealtimeBackend != RealtimeRedis {
		t.Fatalf("redis address should select the redis backend, got %q", cfg.RealtimeBackend)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	cases := map[string]string{
		"storeDriver": baseYAML + "storeDriver: sqlite\n",
		"redisAddr":   baseYAML + "realtimeBackend: redis\n",
		"jwtLeeway":   baseYAML + "jwtLeeway: soon\n",
		"rate limits": baseYAML + "sendRateLimitPerMinute: -1\n",
		"authJwksURL": strings.Replace(baseYAML, "authJwksURL", "otherURL", 1),
		"minioBucket": strings.Replace(baseYAML, "minioBucket", "bucket", 1),
	}
	for want, body := range cases {
		_, err := Load(writeConfig(t, body))
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("%s: expected error mentioning it, got %v", want, err)
		}
	}
}

func TestMemoryDriverNeedsNoDatabase(t *testing.T) {
	body := strings.Replace(baseYAML, "databaseURL: postgres://chat@localhost/mama\n", "storeDriver: memory\n", 1)
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreDriver != StoreDriverMemory {
		t.Fatalf("store driver = %q", cfg.StoreDriver)
	}
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("presignExpiry", "10m")
	if err != nil || d != 10*time.Minute {
		t.Fatalf("parse: %v %v", d, err)
	}
	if d, err := ParseDuration("presignExpiry", ""); err != nil || d != 0 {
		t.Fatalf("empty should be zero: %v %v", d, err)
	}
	if _, err := ParseDuration("presignExpiry", "-1s"); err == nil {
		t.Fatalf("expected negative duration error")
	}
}
