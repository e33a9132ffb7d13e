package main

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"openreader/internal/servicetoken"
	"openreader/internal/util"
	"openreader/pkg/storage"
	"openreader/services/audiobook/internal/app"
	"openreader/services/audiobook/internal/config"
	"openreader/services/audiobook/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	presignExpiry, err := config.ParsePresignExpiry(cfg.PresignExpiry)
	if err != nil {
		log.Fatalf("failed to parse presign expiry: %v", err)
	}
	claimWindow, err := config.ParseClaimRateWindow(cfg.ClaimRateWindow)
	if err != nil {
		log.Fatalf("failed to parse claim rate window: %v", err)
	}
	readTimeout, err := config.ParseReadTimeout(cfg.ReadTimeout)
	if err != nil {
		log.Fatalf("failed to parse read timeout: %v", err)
	}
	writeTimeout, err := config.ParseWriteTimeout(cfg.WriteTimeout)
	if err != nil {
		log.Fatalf("failed to parse write timeout: %v", err)
	}
	maxChapterSize, err := config.ParseMaxChapterSize(cfg.MaxChapterSize)
	if err != nil {
		log.Fatalf("failed to parse max chapter size: %v", err)
	}
	internalVerifyKeys, err := servicetoken.ParseVerifyPublicKeys(cfg.InternalJWTVerifyPublicKeys)
	if err != nil {
		log.Fatalf("failed to parse internal jwt verify public keys: %v", err)
	}

	appCore, err := app.New(app.Config{
		DatabaseURL:    cfg.DatabaseURL,
		StorageBackend: cfg.StorageBackend,
		StorageRoot:    cfg.StorageRoot,
		Namespace:      cfg.Namespace,
		Minio: storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		},
		PresignExpiry:  presignExpiry,
		MaxChapterSize: maxChapterSize,
		FFprobeBinary:  cfg.FFprobeBinary,
		Logger:         logger,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer appCore.Close()

	httpServer, err := server.New(server.Config{
		App:                         appCore,
		AuthEnabled:                 cfg.AuthEnabled,
		InternalJWTKeyID:            cfg.InternalJWTKeyID,
		InternalJWTPublicKeyPath:    cfg.InternalJWTPublicKeyPath,
		InternalJWTVerifyPublicKeys: internalVerifyKeys,
		TrustedProxies:              cfg.TrustedProxies,
		RedisAddr:                   cfg.RedisAddr,
		RedisPassword:               cfg.RedisPassword,
		ClaimRateLimit:              cfg.ClaimRateLimit,
		ClaimRateWindow:             claimWindow,
		MaxChapterSize:              maxChapterSize,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}
	defer httpServer.Close()

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("audiobook server listening", "addr", addr, "backend", appCore.BackendKind())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
