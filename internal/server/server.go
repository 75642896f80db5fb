package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"crashout/internal/cache"
	"crashout/internal/database"
	"crashout/internal/game"
	"crashout/internal/price"
	"crashout/internal/wallet"
)

type FiberServer struct {
	*fiber.App

	db        database.Service
	store     *database.Store
	cache     cache.Service
	hub       *game.Hub
	scheduler *game.Scheduler
	wallets   *wallet.Service
	oracle    *price.Oracle
}

func New() *FiberServer {
	db := database.New()
	store := database.NewStore(db.Pool())

	cacheService := cache.New()
	var rdb *redis.Client
	if cacheService != nil {
		rdb = cacheService.GetClient()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// A round left active by an unclean shutdown would violate the
	// single-active-round invariant for the new scheduler.
	if cleared, err := store.DeactivateStaleRounds(ctx); err != nil {
		logrus.WithError(err).Fatal("stale round cleanup failed")
	} else if cleared > 0 {
		logrus.WithField("rounds", cleared).Warn("deactivated stale rounds from previous run")
	}

	wallets := wallet.New(store)
	loaded, err := store.ListWallets(ctx)
	if err != nil {
		logrus.WithError(err).Fatal("wallet load failed")
	}
	for username, balances := range loaded {
		wallets.LoadPlayer(username, balances)
	}
	logrus.WithField("players", len(loaded)).Info("wallets loaded")

	hub := game.NewHub()
	scheduler := game.NewScheduler(hub, wallets, store, rdb)
	oracle := price.New(rdb)

	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "crashout",
			AppName:       "crashout",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
		}),

		db:        db,
		store:     store,
		cache:     cacheService,
		hub:       hub,
		scheduler: scheduler,
		wallets:   wallets,
		oracle:    oracle,
	}

	server.App.Use(recover.New())
	server.App.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
	}))

	go hub.Run()
	scheduler.Start()

	logrus.Info("hub and round scheduler started")

	return server
}

// Shutdown stops the scheduler and closes all connections.
func (s *FiberServer) Shutdown() error {
	logrus.Info("shutting down")

	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.wallets != nil {
		s.wallets.Close()
	}
	if s.cache != nil {
		s.cache.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	return nil
}
