package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cdss-reasoning-server/internal/api"
	"github.com/cdss-reasoning-server/internal/config"
	"github.com/cdss-reasoning-server/internal/database"
	"github.com/cdss-reasoning-server/internal/domain"
	"github.com/cdss-reasoning-server/internal/planstore"
	"github.com/cdss-reasoning-server/internal/repository"
	"github.com/cdss-reasoning-server/internal/service"
	"github.com/cdss-reasoning-server/pkg/corpus"
)

func main() {
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}
	cfg := configManager.GetConfig()

	logger := newLogger(cfg.Logging)
	logger.WithFields(logrus.Fields{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Starting CDSS reasoning server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down")
		cancel()
	}()

	dbConfig := database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		Database:    cfg.Database.Database,
		Username:    cfg.Database.Username,
		Password:    cfg.Database.Password,
		MaxConns:    int32(cfg.Database.MaxOpenConns),
		MinConns:    int32(cfg.Database.MaxIdleConns),
		MaxConnLife: cfg.Database.ConnMaxLifetime,
		MaxConnIdle: cfg.Database.ConnMaxLifetime,
		SSLMode:     cfg.Database.SSLMode,
	}

	if cfg.Database.MigrationsPath != "" {
		runMigrations(cfg, logger)
	}

	db, err := database.NewConnection(ctx, dbConfig, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to fact base")
	}
	defer db.Close()

	sqlDB, err := database.OpenSQL(ctx, dbConfig, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open guideline database handle")
	}
	defer sqlDB.Close()

	planStore, err := planstore.NewSQLiteStore(cfg.PlanStore.Path)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open plan store")
	}
	defer planStore.Close()

	patientRepo := repository.NewPatientRepository(db.Pool, logger)
	guidelineRepo := repository.NewGuidelineRepository(sqlDB, logger)

	normalizer := service.NewTermNormalizer(logger, cfg.Terms.ExtraMappings)
	assembler := service.NewProfileAssembler(normalizer, logger)
	stratifier := service.NewRiskStratifier(logger)
	guard := service.NewSafetyGuard(logger)

	parser, err := service.NewPredicateParser()
	if err != nil {
		logger.WithError(err).Fatal("Failed to build predicate parser")
	}
	matcher := service.NewGuidelineMatcher(parser, logger)
	if err := matcher.Reload(ctx, guidelineRepo); err != nil {
		logger.WithError(err).Fatal("Initial rule corpus load failed")
	}
	go reloadLoop(ctx, matcher, guidelineRepo, cfg.Matcher.ReloadInterval, logger)

	var searcher *corpus.Client
	if cfg.Corpus.Enabled {
		var cache *corpus.Cache
		if cfg.Cache.Enabled {
			cache, err = corpus.NewCache(corpus.CacheConfig{
				RedisURL:   cfg.Cache.RedisURL,
				PoolSize:   cfg.Cache.PoolSize,
				MaxRetries: cfg.Cache.MaxRetries,
				DefaultTTL: cfg.Cache.DefaultTTL,
			})
			if err != nil {
				logger.WithError(err).Warn("Corpus cache unavailable, continuing without it")
				cache = nil
			} else {
				defer cache.Close()
			}
		}
		searcher = corpus.NewClient(corpus.Config{
			BaseURL:   cfg.Corpus.BaseURL,
			APIKey:    cfg.Corpus.APIKey,
			Timeout:   cfg.Corpus.Timeout,
			RateLimit: cfg.Corpus.RateLimit,
		}, cache, logger)
	}

	composer := service.NewRecommendationComposer(
		patientRepo,
		corpusSearcher(searcher),
		assembler,
		stratifier,
		matcher,
		guard,
		service.ComposerConfig{
			SourceTimeout: cfg.Composer.SourceTimeout,
			RetryBackoff:  cfg.Composer.RetryBackoff,
			CorpusTopK:    cfg.Composer.CorpusTopK,
		},
		logger,
	)

	server := api.NewServer(cfg.Server, api.Services{
		Facts:      patientRepo,
		Assembler:  assembler,
		Stratifier: stratifier,
		Normalizer: normalizer,
		Composer:   composer,
		Reviewer:   service.NewPlanReviewer(planStore, composer, logger),
		Store:      planStore,
	}, !configManager.IsProduction(), logger)

	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}
	logger.Info("Server stopped")
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

// corpusSearcher avoids handing the composer a typed nil when the
// corpus client is disabled.
func corpusSearcher(c *corpus.Client) domain.CorpusSearcher {
	if c == nil {
		return nil
	}
	return c
}

func runMigrations(cfg *config.Config, logger *logrus.Logger) {
	url := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password,
		cfg.Database.Host, cfg.Database.Port,
		cfg.Database.Database, cfg.Database.SSLMode)
	runner, err := database.NewMigrationRunner(url, cfg.Database.MigrationsPath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to prepare migrations")
	}
	defer runner.Close()
	if err := runner.Up(); err != nil {
		logger.WithError(err).Fatal("Migrations failed")
	}
}

// reloadLoop refreshes the rule snapshot on a fixed interval. A failed
// reload keeps the previous snapshot; the error is already logged by
// the matcher.
func reloadLoop(ctx context.Context, matcher *service.GuidelineMatcher, source *repository.GuidelineRepository, interval time.Duration, logger *logrus.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := matcher.Reload(ctx, source); err != nil {
				logger.WithError(err).Warn("Periodic rule corpus reload failed")
			}
		}
	}
}
