package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"cytolab.org/internal/auth"
	"cytolab.org/internal/config"
	"cytolab.org/internal/lab"
	"cytolab.org/internal/notify"
	"cytolab.org/internal/storage"
	"cytolab.org/internal/store/pg"
)

func openStore(cfg *config.Config) (*pg.Store, error) {
	store, err := pg.Open(cfg.DatabaseURL, pg.PoolConfig{
		MaxOpenConns:    cfg.DBMaxConns,
		MaxIdleConns:    cfg.DBIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return store, nil
}

func newTokens(cfg *config.Config) (*auth.TokenService, error) {
	return auth.NewTokenService(
		auth.WithIssuer(cfg.AuthIssuer),
		auth.WithSecret(auth.KindAccess, cfg.AuthAccessSecret),
		auth.WithSecret(auth.KindRefresh, cfg.AuthRefreshSecret),
		auth.WithSecret(auth.KindEmailVerify, cfg.AuthVerifySecret),
		auth.WithSecret(auth.KindPasswordReset, cfg.AuthResetSecret),
		auth.WithTTL(auth.KindAccess, cfg.AuthAccessTTL),
		auth.WithTTL(auth.KindRefresh, cfg.AuthRefreshTTL),
		auth.WithTTL(auth.KindEmailVerify, cfg.AuthVerifyTTL),
		auth.WithTTL(auth.KindPasswordReset, cfg.AuthResetTTL),
	)
}

// newAuthService builds the credential store, token service and notifier
// wiring. mailer may be nil when no mail is ever sent.
func newAuthService(cfg *config.Config, store *pg.Store, mailer auth.Mailer, log zerolog.Logger) (*auth.Service, error) {
	tokens, err := newTokens(cfg)
	if err != nil {
		return nil, fmt.Errorf("token service: %w", err)
	}
	opts := []auth.ServiceOption{
		auth.WithHasher(auth.NewPasswordHasher(cfg.BcryptCost)),
		auth.WithTenantDirectory(lab.TenantDirectory{Store: store}),
		auth.WithPublicBaseURL(cfg.PublicBaseURL),
		auth.WithLogger(log),
	}
	if mailer != nil {
		opts = append(opts, auth.WithMailer(mailer))
	}
	return auth.NewService(store.Identities(), tokens, opts...)
}

// mailProvider delivers through RabbitMQ when AMQP_URL is set and only logs
// messages otherwise.
func mailProvider(cfg *config.Config, log zerolog.Logger) (notify.Provider, io.Closer, error) {
	if cfg.AMQPURL == "" {
		log.Warn().Msg("AMQP_URL not set; notification mail is logged, not sent")
		return notify.LogProvider{Log: log}, nil, nil
	}
	p, err := notify.NewAMQPProvider(cfg.AMQPURL, cfg.MailQueue)
	if err != nil {
		return nil, nil, fmt.Errorf("amqp: %w", err)
	}
	return p, p, nil
}

// imageResolver prefers presigned MinIO URLs and falls back to a public base
// URL.
func imageResolver(ctx context.Context, cfg *config.Config, log zerolog.Logger) (storage.Resolver, error) {
	if !cfg.MinioEnabled() {
		return storage.NewBaseURLResolver(cfg.ImageBaseURL)
	}
	r, err := storage.NewMinioResolver(storage.MinioConfig{
		Endpoint:   cfg.MinioEndpoint,
		AccessKey:  cfg.MinioAccessKey,
		SecretKey:  cfg.MinioSecretKey,
		Bucket:     cfg.MinioBucket,
		UseSSL:     cfg.MinioUseSSL,
		PresignTTL: cfg.MinioPresignTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio: %w", err)
	}
	if err := r.EnsureBucket(ctx); err != nil {
		// Бакет может появиться позже; presign не ходит в сеть.
		log.Warn().Err(err).Str("bucket", r.Bucket()).Msg("minio bucket check failed")
	}
	return r, nil
}
