package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"lucky-packet-engine/chain"
	"lucky-packet-engine/handlers"
	"lucky-packet-engine/models"
	"lucky-packet-engine/services"
	"lucky-packet-engine/utils"
	"lucky-packet-engine/workers"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}
	cfg := utils.LoadConfig()

	app := fiber.New(fiber.Config{})

	allowedOriginsList := strings.Split(cfg.AllowedOrigins, ",")
	for i, origin := range allowedOriginsList {
		allowedOriginsList[i] = strings.TrimSpace(origin)
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(allowedOriginsList, ","),
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.Packet{},
		&models.Claim{},
		&models.VRFRequest{},
		&models.EventLedgerEntry{},
		&models.ChainCursor{},
		&models.AchievementDefinition{},
		&models.UserAchievementUnlock{},
		&models.Referral{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	statsCache := services.NewStatsCache(db, cfg.CacheTTL)
	achievementService := services.NewAchievementService(db, statsCache)
	if err := achievementService.SeedDefinitions(); err != nil {
		log.Fatal("failed to seed achievement definitions:", err)
	}
	broadcaster := services.NewBroadcaster()
	ledger := services.NewLedgerService(db)
	reconciler := services.NewReconciler(db, ledger, statsCache, achievementService, broadcaster, chain.DefaultSplit)

	sweeper := services.NewSweeper(db, statsCache, broadcaster, cfg.VRFWaitTimeout)
	if err := sweeper.Start(); err != nil {
		log.Fatal("failed to start sweeper:", err)
	}
	defer sweeper.Stop()

	client, err := ethclient.Dial(cfg.ChainRPCURL)
	if err != nil {
		log.Fatal("failed to connect to chain RPC:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	consumer := workers.NewChainConsumer(db, reconciler, cfg.ChainID, func(cursor models.ChainCursor) workers.EventFeed {
		return chain.NewEventSource(client, chain.SourceConfig{
			ChainID:           cfg.ChainID,
			Contract:          common.HexToAddress(cfg.ContractAddress),
			ConfirmationDepth: cfg.ConfirmationDepth,
			StartBlock:        cursor.BlockNumber,
			StartLogIndex:     cursor.LogIndex,
		})
	})
	go consumer.Run(ctx)

	handlers.SetupStatsRoutes(app, statsCache)
	handlers.SetupAchievementRoutes(app, achievementService, cfg.AuthSecret)
	handlers.SetupPacketRoutes(app, db)
	handlers.SetupWebSocketRoutes(app, broadcaster, cfg.AuthSecret)

	go func() {
		if err := app.Listen(cfg.ListenAddr); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Server running on %s", cfg.ListenAddr)
	log.Printf("✅ Chain consumer running (chain %s, contract %s)", cfg.ChainID, cfg.ContractAddress)
	log.Println("✅ Expiry and VRF-delay sweeps scheduled")

	<-ctx.Done()
	log.Println("Shutting down server...")
	_ = app.Shutdown()
}
