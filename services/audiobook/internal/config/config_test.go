package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

const baseConfig = `
port: "8086"
logLevel: "info"
databaseURL: "sqlite:/tmp/openreader.db"
storageRoot: "/var/lib/openreader"
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.StorageBackend != StorageLocal {
		t.Fatalf("storageBackend = %q, want %q", cfg.StorageBackend, StorageLocal)
	}
	if cfg.FFprobeBinary != "ffprobe" {
		t.Fatalf("ffprobeBinary = %q, want ffprobe", cfg.FFprobeBinary)
	}
	if size, _ := ParseMaxChapterSize(cfg.MaxChapterSize); size != 512*1024*1024 {
		t.Fatalf("maxChapterSize = %d", size)
	}
	if exp, _ := ParsePresignExpiry(cfg.PresignExpiry); exp != 15*time.Minute {
		t.Fatalf("presignExpiry = %v", exp)
	}
	if d, _ := ParseReadTimeout(cfg.ReadTimeout); d != 10*time.Minute {
		t.Fatalf("readTimeout = %v", d)
	}
	if d, _ := ParseWriteTimeout(cfg.WriteTimeout); d != 30*time.Minute {
		t.Fatalf("writeTimeout = %v", d)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("AUDIOBOOK_STORAGE_BACKEND", "S3")
	t.Setenv("MINIO_ENDPOINT", "localhost:9000")
	t.Setenv("MINIO_ACCESS_KEY", "minio")
	t.Setenv("MINIO_SECRET_KEY", "minio123")
	t.Setenv("MINIO_BUCKET", "openreader")
	t.Setenv("AUDIOBOOK_NAMESPACE", "tenant-a")
	t.Setenv("AUDIOBOOK_MAX_CHAPTER_SIZE", "64MB")
	t.Setenv("AUDIOBOOK_TRUSTED_PROXIES", "10.0.0.0/8, 127.0.0.1")
	t.Setenv("AUDIOBOOK_READ_TIMEOUT", "90s")
	t.Setenv("AUDIOBOOK_WRITE_TIMEOUT", "1h")

	cfg, err := Load(writeConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.StorageBackend != StorageS3 {
		t.Fatalf("storageBackend = %q, want %q", cfg.StorageBackend, StorageS3)
	}
	if cfg.Namespace != "tenant-a" {
		t.Fatalf("namespace = %q", cfg.Namespace)
	}
	size, err := ParseMaxChapterSize(cfg.MaxChapterSize)
	if err != nil || size != 64*1024*1024 {
		t.Fatalf("maxChapterSize = %d, %v", size, err)
	}
	if len(cfg.TrustedProxies) != 2 || cfg.TrustedProxies[1] != "127.0.0.1" {
		t.Fatalf("trustedProxies = %v", cfg.TrustedProxies)
	}
	if d, err := ParseReadTimeout(cfg.ReadTimeout); err != nil || d != 90*time.Second {
		t.Fatalf("readTimeout = %v, %v", d, err)
	}
	if d, err := ParseWriteTimeout(cfg.WriteTimeout); err != nil || d != time.Hour {
		t.Fatalf("writeTimeout = %v, %v", d, err)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name    string
		extra   string
		wantErr string
	}{
		{"s3 without minio", "storageBackend: s3\n", "minioEndpoint is required"},
		{"unknown backend", "storageBackend: ftp\n", "storageBackend must be"},
		{"auth without keys", "authEnabled: true\n", "internalJwtPublicKeyPath is required"},
		{"rate limit without redis", "claimRateLimit: 5\n", "redisAddr is required"},
		{"bad size", "maxChapterSize: lots\n", "invalid maxChapterSize"},
		{"bad expiry", "presignExpiry: soon\n", "invalid presignExpiry"},
		{"bad read timeout", "readTimeout: later\n", "invalid readTimeout"},
		{"negative write timeout", "writeTimeout: -5s\n", "invalid writeTimeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, baseConfig+tc.extra))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadRequiresStorageRoot(t *testing.T) {
	_, err := Load(writeConfig(t, "port: \"1\"\ndatabaseURL: x\n"))
	if err == nil || !strings.Contains(err.Error(), "storageRoot is required") {
		t.Fatalf("err = %v", err)
	}
}
