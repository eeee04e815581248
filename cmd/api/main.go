package main

import (
	"log"
	"time"

	config "github.com/anjiri1684/settlement_core/configs"
	"github.com/anjiri1684/settlement_core/database"
	"github.com/anjiri1684/settlement_core/handlers"
	"github.com/anjiri1684/settlement_core/jobs"
	"github.com/anjiri1684/settlement_core/ledger"
	"github.com/anjiri1684/settlement_core/payments"
	"github.com/anjiri1684/settlement_core/routes"
	"github.com/anjiri1684/settlement_core/services"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/robfig/cron/v3"
)

func main() {
	db, err := database.ConnectDB(config.Config("DATABASE_URL"))
	if err != nil {
		log.Fatalf("🔥 %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("🔥 %v", err)
	}

	chargeTimeout := config.ConfigDuration("PROVIDER_CHARGE_TIMEOUT", 10*time.Second)

	cardTokens := payments.NewTokenSource(
		config.Config("CARDNET_TOKEN_URL"),
		config.Config("CARDNET_API_KEY"),
		config.Config("CARDNET_API_SECRET"),
	)
	cardNetwork := payments.NewCardNetwork(
		config.Config("CARDNET_BASE_URL"),
		config.Config("CARDNET_WEBHOOK_SECRET"),
		cardTokens,
		chargeTimeout,
	)
	bankTransfer := payments.NewBankTransfer(
		config.Config("BANKWIRE_BASE_URL"),
		config.Config("BANKWIRE_ACCOUNT_NUMBER"),
		config.Config("BANKWIRE_API_KEY"),
		config.Config("BANKWIRE_WEBHOOK_SECRET"),
		config.ConfigDuration("BANKWIRE_SETTLE_WINDOW", 30*time.Minute),
		chargeTimeout,
	)
	providers := []payments.Provider{cardNetwork, bankTransfer}

	store := ledger.NewStore(db)
	audit := services.NewDBAuditSink(db)
	transitions := services.NewTransitions(store, audit)

	settlements := services.NewSettlementService(store, providers, audit,
		config.ConfigFloat("MAX_PAYMENT_AMOUNT", 10000.00), chargeTimeout)
	ingestor := services.NewWebhookService(store, providers, transitions, audit)
	refunds := services.NewRefundService(store, providers, audit, chargeTimeout)
	reconciler := services.NewReconcileService(store, providers, transitions, audit, services.LogAlerter{},
		map[string]time.Duration{
			payments.ProviderCardNetwork:  config.ConfigDuration("CARDNET_GRACE_PERIOD", 2*time.Minute),
			payments.ProviderBankTransfer: config.ConfigDuration("BANKWIRE_GRACE_PERIOD", 30*time.Minute),
		},
		config.ConfigDuration("MAX_PENDING_AGE", 24*time.Hour),
		config.ConfigDuration("WEBHOOK_EVENT_RETENTION", 72*time.Hour),
		config.ConfigDuration("PROVIDER_QUERY_TIMEOUT", 10*time.Second),
	)

	c := cron.New()
	if err := jobs.RegisterReconciliationJob(c, reconciler, config.ConfigOr("RECONCILE_CRON", "*/5 * * * *")); err != nil {
		log.Fatalf("🔥 Failed to schedule reconciliation job: %v", err)
	}
	go c.Start()
	log.Println("✅ Cron job for reconciliation scheduled successfully.")

	app := fiber.New(fiber.Config{
		AppName:       "Settlement Core",
		CaseSensitive: true,
		StrictRouting: false,
		ReadTimeout:   15 * time.Second,
		WriteTimeout:  15 * time.Second,
		IdleTimeout:   60 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}

			log.Printf("[ERROR] %v | Path: %s | Method: %s", err, c.Path(), c.Method())
			return c.Status(code).JSON(fiber.Map{
				"status":  "error",
				"code":    code,
				"message": err.Error(),
			})
		},
	})

	app.Use(cors.New(cors.Config{
		AllowOrigins:  "*",
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization, X-Signature, X-Operator-Key",
		AllowMethods:  "GET, POST, OPTIONS",
		ExposeHeaders: "Content-Length",
		MaxAge:        86400,
	}))

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		TimeFormat: "2006-01-02 15:04:05",
		Format:     "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	paymentHandler := handlers.NewPaymentHandler(settlements, refunds, reconciler, store)
	webhookHandler := handlers.NewWebhookHandler(ingestor)

	routes.PaymentRoutes(app, paymentHandler)
	routes.WebhookRoutes(app, webhookHandler)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
		})
	})

	addr := ":" + config.ConfigOr("PORT", "8080")
	log.Printf("✅ Server is running on port %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("🔥 Server failed to start: %v", err)
	}
}
