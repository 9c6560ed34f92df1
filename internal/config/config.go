package config

import (
	"os"
	"strconv"
	"time"

	"aliquot-sync/internal/database"
)

// Config aliquot-sync 配置（环境变量）
type Config struct {
	HTTP struct {
		Addr string
	}
	DBEnabled bool
	// AutoMigrate 启动时执行内置 schema
	AutoMigrate bool
	Database    database.Config
	Redis     struct {
		Enabled  bool
		Addr     string
		Password string
		DB       int
	}
	Log struct {
		Level  string
		Format string
	}
	ECRF struct {
		BaseURL  string
		Token    string
		Timeout  time.Duration
		CacheTTL time.Duration
	}
	// LocationsFile Location 参考数据（YAML）
	LocationsFile string
	Import        struct {
		BaseDir  string
		LabsFile string // 可选：覆盖内置实验室布局
		Interval time.Duration
		Enabled  bool
	}
	Tracking struct {
		ShipmentsInterval  time.Duration
		ReceptionsInterval time.Duration
	}
}

func Load() *Config {
	cfg := &Config{}
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	// DB 未启用时使用内存存储（仅用于本地联调）
	cfg.DBEnabled = getEnv("DB_ENABLED", "true") == "true"
	cfg.AutoMigrate = getEnv("DB_AUTO_MIGRATE", "true") == "true"
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = parseInt(getEnv("DB_PORT", "5432"), 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "aliquots")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = parseInt(getEnv("DB_MAX_CONNS", "10"), 10)
	cfg.Database.MaxIdle = parseInt(getEnv("DB_MAX_IDLE", "5"), 5)

	cfg.Redis.Enabled = getEnv("REDIS_ENABLED", "true") == "true"
	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = parseInt(getEnv("REDIS_DB", "0"), 0)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	cfg.ECRF.BaseURL = getEnv("ECRF_BASE_URL", "http://localhost:9000")
	cfg.ECRF.Token = getEnv("ECRF_TOKEN", "")
	cfg.ECRF.Timeout = seconds(getEnv("ECRF_TIMEOUT_SECONDS", "15"), 15)
	cfg.ECRF.CacheTTL = seconds(getEnv("ECRF_CACHE_TTL_SECONDS", "600"), 600)

	cfg.LocationsFile = getEnv("LOCATIONS_FILE", "config/locations.yaml")

	cfg.Import.BaseDir = getEnv("IMPORT_BASE_DIR", "/var/lib/aliquot-sync/import")
	cfg.Import.LabsFile = getEnv("IMPORT_LABS_FILE", "")
	cfg.Import.Interval = seconds(getEnv("IMPORT_INTERVAL", "3600"), 3600)
	cfg.Import.Enabled = getEnv("IMPORT_ENABLED", "true") == "true"

	cfg.Tracking.ShipmentsInterval = seconds(getEnv("TRACK_SHIPMENTS_INTERVAL", "300"), 300)
	cfg.Tracking.ReceptionsInterval = seconds(getEnv("TRACK_RECEPTIONS_INTERVAL", "300"), 300)

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

// seconds 非正数回退到默认值
func seconds(s string, def int) time.Duration {
	n := parseInt(s, def)
	if n <= 0 {
		n = def
	}
	return time.Duration(n) * time.Second
}
