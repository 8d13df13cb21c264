// Package bootstrap provides dependency initialization for the media store.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/maauso/mediastore/internal/account"
	"github.com/maauso/mediastore/internal/classify"
	"github.com/maauso/mediastore/internal/config"
	"github.com/maauso/mediastore/internal/media"
	"github.com/maauso/mediastore/internal/policy"
	"github.com/maauso/mediastore/internal/staging"
	"github.com/maauso/mediastore/internal/storage"
	"github.com/maauso/mediastore/internal/upload"
	"github.com/maauso/mediastore/internal/verify"
)

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	Media    *upload.Service
	Accounts *account.Service
	Verifier *verify.Service
	Janitor  *staging.Janitor

	closers []func() error
}

// Close releases databases and connections. It is safe to call once.
func (d *Dependencies) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i]())
	}
	return errors.Join(errs...)
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{}
	if err := deps.init(ctx, cfg, logger); err != nil {
		_ = deps.Close()
		return nil, err
	}
	return deps, nil
}

func (d *Dependencies) init(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Storage roots
	area, err := staging.NewArea(cfg.TempRoot, cfg.SessionTTL, staging.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create staging area: %w", err)
	}
	store, err := storage.NewLocalStore(cfg.FinalRoot, logger)
	if err != nil {
		return fmt.Errorf("create final store: %w", err)
	}
	logger.Info("storage roots configured",
		slog.String("temp_root", area.Root()),
		slog.String("final_root", store.Root()),
	)

	mirror, err := initMirror(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// Classification, policy and media tooling
	rules := cfg.Rules()
	processor := media.NewFFmpegProcessor(cfg.FFmpegPath, media.WithFFprobePath(cfg.FFprobePath))
	enforcer := policy.NewEnforcer(rules, media.NewProber(processor, logger), policy.WithLogger(logger))

	opts := []upload.Option{
		upload.WithMirror(mirror),
		upload.WithURLBuilder(publicURLs(cfg, mirror)),
		upload.WithLogger(logger),
		upload.WithConcurrency(cfg.Workers),
	}
	if cfg.ImageFitWidth > 0 && cfg.ImageFitHeight > 0 {
		var hookOpts []media.ImageHookOption
		if strings.EqualFold(cfg.ImageFitMode, "pad") {
			hookOpts = append(hookOpts, media.WithPadding())
		}
		opts = append(opts, upload.WithHook(media.NewImageHook(processor, cfg.ImageFitWidth, cfg.ImageFitHeight, logger, hookOpts...)))
		logger.Info("image hook enabled",
			slog.Int("max_width", cfg.ImageFitWidth),
			slog.Int("max_height", cfg.ImageFitHeight),
			slog.String("mode", cfg.ImageFitMode),
		)
	}
	d.Media = upload.NewService(area, store, classify.NewClassifier(rules), enforcer, opts...)
	d.Janitor = staging.NewJanitor(area, cfg.SweepInterval, logger)

	// Accounts
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o750); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	repo, err := account.NewSQLiteRepository(ctx, cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open account database: %w", err)
	}
	d.closers = append(d.closers, repo.Close)
	d.Accounts = account.NewService(repo, cfg.APIKeyPepper,
		account.WithBcryptCost(cfg.BcryptCost),
		account.WithLogger(logger),
	)

	// Verification codes
	codes, err := initCodeStore(ctx, cfg, logger, d)
	if err != nil {
		return err
	}
	sender, err := initSender(cfg, logger)
	if err != nil {
		return err
	}
	d.Verifier = verify.NewService(codes, sender, cfg.VerifyCodeTTL, cfg.VerifyMaxAttempts, logger)

	return nil
}

// initMirror creates the S3 mirror when configured.
func initMirror(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Mirror, error) {
	if !cfg.S3Enabled() {
		return storage.NopMirror{}, nil
	}
	m, err := storage.NewS3Mirror(ctx, storage.S3Config{
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.AWSAccessKeyID,
		SecretAccessKey: cfg.AWSSecretAccessKey,
		Prefix:          cfg.S3Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 mirror: %w", err)
	}
	logger.Info("S3 mirror configured",
		slog.String("bucket", cfg.S3Bucket),
		slog.String("region", cfg.S3Region),
	)
	return m, nil
}

// publicURLs points records at the configured base URL, or at the S3
// mirror when no base URL is set.
func publicURLs(cfg *config.Config, mirror storage.Mirror) upload.URLBuilder {
	if s3m, ok := mirror.(*storage.S3Mirror); ok && cfg.PublicBaseURL == "" {
		return s3m.URL
	}
	return upload.NewURLBuilder(cfg.PublicBaseURL)
}

func initCodeStore(ctx context.Context, cfg *config.Config, logger *slog.Logger, deps *Dependencies) (verify.Store, error) {
	if !cfg.RedisEnabled() {
		logger.Warn("REDIS_URL not set, verification codes are kept in memory")
		return verify.NewMemoryStore(), nil
	}
	rs, err := verify.NewRedisStore(ctx, cfg.RedisURL, cfg.RedisTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	deps.closers = append(deps.closers, rs.Close)
	logger.Info("redis code store configured")
	return rs, nil
}

func initSender(cfg *config.Config, logger *slog.Logger) (verify.Sender, error) {
	if cfg.VerifyWebhookURL == "" {
		if cfg.Production() {
			logger.Warn("VERIFY_WEBHOOK_URL not set, verification codes are only logged")
		}
		return verify.LogSender{Logger: logger}, nil
	}
	s, err := verify.NewWebhookSender(cfg.VerifyWebhookURL, verify.WithToken(cfg.VerifyWebhookToken))
	if err != nil {
		return nil, fmt.Errorf("create webhook sender: %w", err)
	}
	return s, nil
}
