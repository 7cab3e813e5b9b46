package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/nbelthan/whstudio-settlement/internal"
	"github.com/nbelthan/whstudio-settlement/internal/core/events"
	"github.com/nbelthan/whstudio-settlement/internal/fees"
	"github.com/nbelthan/whstudio-settlement/internal/gateway"
	ledgerpg "github.com/nbelthan/whstudio-settlement/internal/ledger/postgres"
	"github.com/nbelthan/whstudio-settlement/internal/ratelimit"
	ratelimitpg "github.com/nbelthan/whstudio-settlement/internal/ratelimit/postgres"
	"github.com/nbelthan/whstudio-settlement/internal/settlement"
	"github.com/nbelthan/whstudio-settlement/internal/submission"
	submissionpg "github.com/nbelthan/whstudio-settlement/internal/submission/postgres"
	"github.com/nbelthan/whstudio-settlement/internal/transport"
	"github.com/nbelthan/whstudio-settlement/internal/transport/rest"
	"github.com/nbelthan/whstudio-settlement/internal/user"
	userpg "github.com/nbelthan/whstudio-settlement/internal/user/postgres"
	"github.com/nbelthan/whstudio-settlement/pkg/logger"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server to handle settlement API requests`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

type Dependencies struct {
	Config *internal.Config
	DB     *sqlx.DB
	GormDB *gorm.DB
	Router *chi.Mux
	Logger *slog.Logger
}

func startHTTPServer() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	setupRoutes(deps)

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	deps.Logger.Info("starting HTTP server", "address", addr)

	server := &http.Server{
		Addr:         addr,
		Handler:      deps.Router,
		ReadTimeout:  deps.Config.Server.ReadTimeout,
		WriteTimeout: deps.Config.Server.WriteTimeout,
		IdleTimeout:  deps.Config.Server.IdleTimeout,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		deps.Logger.Info("received signal, shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			deps.Logger.Error("server shutdown error", "error", err)
		}
		if err := deps.DB.Close(); err != nil {
			deps.Logger.Error("database close error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			deps.Logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}

	deps.Logger.Info("server stopped")
}

func setupRoutes(deps *Dependencies) {
	lg := deps.Logger
	cfg := deps.Config

	bus := events.NewEventBus(lg)
	for _, eventType := range []string{events.EventTypePaymentCompleted, events.EventTypePaymentFailed, events.EventTypePaymentExpired} {
		bus.Subscribe(eventType, func(ctx context.Context, event events.Event) error {
			lg.Info("settlement event", "event_type", event.EventType(), "event_id", event.EventID(), "payload", event.Payload())
			return nil
		})
	}

	paymentRepo := ledgerpg.NewPaymentRepository(deps.GormDB)
	counterRepo := ratelimitpg.NewCounterRepository(deps.GormDB)
	userRepo := userpg.NewUserRepository(deps.GormDB)
	submissionRepo := submissionpg.NewSubmissionRepository(deps.GormDB)

	limiter := ratelimit.NewLimiter(counterRepo, cfg.Settlement.DailyTxCap, lg)
	feeCalc := fees.NewCalculator(cfg.Settlement.FeePercent, cfg.Settlement.MinFee)
	gatewayClient := gateway.NewClient(cfg.Gateway, cfg.Settlement.TokenDecimals, lg)

	directory := user.NewService(userRepo, lg)
	submissions := submission.NewService(submissionRepo, lg)

	service := settlement.NewService(paymentRepo, gatewayClient, directory, submissions, limiter, feeCalc, cfg.Settlement, cfg.Gateway, bus, lg)
	reconciler := settlement.NewReconciler(paymentRepo, submissions, directory, bus, lg)

	base := transport.NewBaseHandler(lg)
	paymentHandler := settlement.NewHandler(base, service, reconciler)
	webhookHandler := settlement.NewWebhookHandler(base, paymentRepo, reconciler)

	rest.RegisterAllRoutes(deps.Router, deps.DB.DB, paymentHandler, webhookHandler, cfg.Security.TokenSecret, lg)
}

func initializeDependencies() (*Dependencies, error) {
	config, err := loadConfig(".")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.Init(os.Getenv("APP_ENV"))
	lg := logger.LoggerWrapper()

	db, err := initDB(config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	gormDB, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: db.DB}), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize orm: %w", err)
	}

	return &Dependencies{
		Config: config,
		Logger: lg,
		DB:     db,
		GormDB: gormDB,
		Router: chi.NewRouter(),
	}, nil
}

// initDB initializes the database connection
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)

	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}
