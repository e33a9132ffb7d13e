package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port           string `yaml:"port"`
	LogLevel       string `yaml:"logLevel"`
	DatabaseURL    string `yaml:"databaseURL"`
	StorageBackend string `yaml:"storageBackend"`
	StorageRoot    string `yaml:"storageRoot"`
	Namespace      string `yaml:"namespace"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	PresignExpiry  string `yaml:"presignExpiry"`
	ReadTimeout    string `yaml:"readTimeout"`
	WriteTimeout   string `yaml:"writeTimeout"`

	AuthEnabled                 bool     `yaml:"authEnabled"`
	InternalJWTPublicKeyPath    string   `yaml:"internalJwtPublicKeyPath"`
	InternalJWTKeyID            string   `yaml:"internalJwtKeyId"`
	InternalJWTVerifyPublicKeys string   `yaml:"internalJwtVerifyPublicKeys"`
	TrustedProxies              []string `yaml:"trustedProxies"`

	RedisAddr       string `yaml:"redisAddr"`
	RedisPassword   string `yaml:"redisPassword"`
	ClaimRateLimit  int    `yaml:"claimRateLimit"`
	ClaimRateWindow string `yaml:"claimRateWindow"`

	MaxChapterSize       string `yaml:"maxChapterSize"`
	FFprobeBinary        string `yaml:"ffprobeBinary"`
	MigrationConcurrency int    `yaml:"migrationConcurrency"`
}

// Load reads config from path (defaults to config.yaml).
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
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = StorageLocal
	}
	if cfg.FFprobeBinary == "" {
		cfg.FFprobeBinary = "ffprobe"
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Override with environment variables
func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("AUDIOBOOK_STORAGE_BACKEND"); v != "" {
		cfg.StorageBackend = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("AUDIOBOOK_STORAGE_ROOT"); v != "" {
		cfg.StorageRoot = v
	}
	if v := os.Getenv("AUDIOBOOK_NAMESPACE"); v != "" {
		cfg.Namespace = v
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
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	if v := os.Getenv("AUDIOBOOK_AUTH_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AuthEnabled = b
		}
	}
	if v := os.Getenv("INTERNAL_JWT_VERIFY_PUBLIC_KEYS"); v != "" {
		cfg.InternalJWTVerifyPublicKeys = v
	}
	if v := os.Getenv("AUDIOBOOK_TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitCSV(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("AUDIOBOOK_CLAIM_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ClaimRateLimit = n
		}
	}
	if v := os.Getenv("AUDIOBOOK_READ_TIMEOUT"); v != "" {
		cfg.ReadTimeout = v
	}
	if v := os.Getenv("AUDIOBOOK_WRITE_TIMEOUT"); v != "" {
		cfg.WriteTimeout = v
	}
	if v := os.Getenv("AUDIOBOOK_MAX_CHAPTER_SIZE"); v != "" {
		cfg.MaxChapterSize = v
	}
	if v := os.Getenv("FFPROBE_BINARY"); v != "" {
		cfg.FFprobeBinary = v
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml)")
	}
	if cfg.StorageRoot == "" {
		return errors.New("config: storageRoot is required (set in config.yaml)")
	}
	switch cfg.StorageBackend {
	case StorageLocal:
	case StorageS3:
		if err := ValidateMinio(cfg); err != nil {
			return err
		}
	default:
		return fmt.Errorf("config: storageBackend must be %q or %q", StorageLocal, StorageS3)
	}
	if cfg.AuthEnabled && cfg.InternalJWTPublicKeyPath == "" && cfg.InternalJWTVerifyPublicKeys == "" {
		return errors.New("config: internalJwtPublicKeyPath is required when authEnabled (set in config.yaml)")
	}
	if cfg.ClaimRateLimit > 0 && cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required when claimRateLimit is set (set in config.yaml)")
	}
	if _, err := ParsePresignExpiry(cfg.PresignExpiry); err != nil {
		return err
	}
	if _, err := ParseClaimRateWindow(cfg.ClaimRateWindow); err != nil {
		return err
	}
	if _, err := ParseReadTimeout(cfg.ReadTimeout); err != nil {
		return err
	}
	if _, err := ParseWriteTimeout(cfg.WriteTimeout); err != nil {
		return err
	}
	if _, err := ParseMaxChapterSize(cfg.MaxChapterSize); err != nil {
		return err
	}
	return nil
}

// ValidateMinio checks the object storage settings. The object storage
// migration needs them even when the service itself runs on local storage.
func ValidateMinio(cfg FileConfig) error {
	if cfg.MinioEndpoint == "" {
		return errors.New("config: minioEndpoint is required (set in config.yaml)")
	}
	if cfg.MinioAccessKey == "" {
		return errors.New("config: minioAccessKey is required (set in config.yaml)")
	}
	if cfg.MinioSecretKey == "" {
		return errors.New("config: minioSecretKey is required (set in config.yaml)")
	}
	if cfg.MinioBucket == "" {
		return errors.New("config: minioBucket is required (set in config.yaml)")
	}
	return nil
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

// ParsePresignExpiry parses the presigned URL lifetime. Empty means 15 minutes.
func ParsePresignExpiry(value string) (time.Duration, error) {
	return parseDuration("presignExpiry", value, 15*time.Minute)
}

// ParseClaimRateWindow parses the claim rate limit window. Empty means one minute.
func ParseClaimRateWindow(value string) (time.Duration, error) {
	return parseDuration("claimRateWindow", value, time.Minute)
}

// ParseReadTimeout parses the HTTP read timeout. Empty means 10 minutes.
func ParseReadTimeout(value string) (time.Duration, error) {
	return parseDuration("readTimeout", value, 10*time.Minute)
}

// ParseWriteTimeout parses the HTTP write timeout. Empty means 30 minutes.
func ParseWriteTimeout(value string) (time.Duration, error) {
	return parseDuration("writeTimeout", value, 30*time.Minute)
}

func parseDuration(field, value string, def time.Duration) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return def, nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", field, err)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("invalid %s duration: must be positive", field)
	}
	return dur, nil
}

// ParseMaxChapterSize parses a human size such as "512MB" (binary units).
// Empty means 512MiB.
func ParseMaxChapterSize(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 512 * units.MiB, nil
	}
	n, err := units.RAMInBytes(value)
	if err != nil {
		return 0, fmt.Errorf("invalid maxChapterSize: %w", err)
	}
	if n <= 0 {
		return 0, errors.New("invalid maxChapterSize: must be positive")
	}
	return n, nil
}
