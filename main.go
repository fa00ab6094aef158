package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"petition-rewards/config"
	"petition-rewards/handlers"
	"petition-rewards/middleware"
	"petition-rewards/services"
	"petition-rewards/storage"
	"petition-rewards/utils"
	"petition-rewards/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	log "github.com/sirupsen/logrus"
)

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		store, err := storage.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendRedis:
		store, err := storage.OpenRedis(ctx, cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to upgrade coupons: %w", err)
		}
		return store, nil
	default:
		log.Warn("Using the in-memory store, data is lost on restart")
		return storage.NewMemoryStore(), nil
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("invalid configuration: ", err)
	}
	cfg.SetupLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop, cfg); err != nil {
		stop()
		log.Fatal(err)
	}
}

// run serves until ctx is done. Resources it opens are closed before it returns.
func run(ctx context.Context, stop context.CancelFunc, cfg *config.Config) error {
	rules, err := config.LoadScoringRules(cfg.ScoringConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load scoring rules: %w", err)
	}

	analyzer, err := services.NewSentimentAnalyzer(ctx, cfg.Sentiment)
	if err != nil {
		return fmt.Errorf("failed to initialize sentiment analyzer: %w", err)
	}

	var r2 *utils.R2Client
	if cfg.R2.Enabled() {
		r2, err = utils.NewR2Client(ctx, utils.R2Options{
			AccountID:       cfg.R2.AccountID,
			AccessKeyID:     cfg.R2.AccessKeyID,
			AccessKeySecret: cfg.R2.AccessKeySecret,
			Bucket:          cfg.R2.Bucket,
			CDNBaseURL:      cfg.R2.CDNBaseURL,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize R2 client: %w", err)
		}
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	couponService := services.NewCouponService(store, rules, services.NewCouponNotifier(cfg.SMTP))
	referralService := services.NewReferralService(store)
	leaderboardService := services.NewLeaderboardService(referralService)
	engine := services.NewEngine(services.NewEngagementScorer(analyzer, rules), couponService, referralService, rules.ReferralBonus)

	var publisher *workers.LeaderboardPublisher
	if r2 != nil {
		publisher = workers.NewLeaderboardPublisher(leaderboardService, r2, cfg.SnapshotInterval)
		if err := publisher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start leaderboard publisher: %w", err)
		}
		defer func() {
			if err := publisher.Stop(); err != nil {
				log.WithError(err).Warn("leaderboard publisher did not stop cleanly")
			}
		}()
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 64 * 1024,
	})

	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.Origins(),
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		MaxAge:       86400,
	}))

	// Only the petition front end may call the API.
	app.Use(middleware.GatewayAuthMiddleware(cfg.APIToken))

	handlers.SetupSignatureRoutes(app, engine, analyzer)
	handlers.SetupReferralRoutes(app, referralService, leaderboardService)
	handlers.SetupCouponRoutes(app, couponService)
	if cfg.AllowReset {
		log.Warn("ALLOW_RESET is on, /admin/reset can wipe the store")
		handlers.SetupAdminRoutes(app, store)
	}

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Errorf("Server error: %v", err)
			stop()
		}
	}()

	log.WithFields(log.Fields{
		"port":      cfg.Port,
		"store":     cfg.StoreBackend,
		"sentiment": cfg.Sentiment.Mode,
		"snapshots": publisher != nil,
	}).Info("Server running")

	<-ctx.Done()
	log.Info("Shutting down server...")

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.WithError(err).Warn("server did not shut down cleanly")
	}
	return nil
}
