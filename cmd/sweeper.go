package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/nbelthan/whstudio-settlement/internal/core/events"
	"github.com/nbelthan/whstudio-settlement/internal/gateway"
	ledgerpg "github.com/nbelthan/whstudio-settlement/internal/ledger/postgres"
	"github.com/nbelthan/whstudio-settlement/internal/ratelimit"
	ratelimitpg "github.com/nbelthan/whstudio-settlement/internal/ratelimit/postgres"
	"github.com/nbelthan/whstudio-settlement/internal/settlement"
	"github.com/nbelthan/whstudio-settlement/internal/submission"
	submissionpg "github.com/nbelthan/whstudio-settlement/internal/submission/postgres"
	"github.com/nbelthan/whstudio-settlement/internal/user"
	userpg "github.com/nbelthan/whstudio-settlement/internal/user/postgres"
	"github.com/nbelthan/whstudio-settlement/pkg/logger"
)

var sweeperCmd = &cobra.Command{
	Use:   "sweeper",
	Short: "Start the settlement sweeper",
	Long:  `Run the background loop that expires overdue payments, polls the gateway for stale transfers and prunes rate-limit counters.`,
	Run: func(cmd *cobra.Command, args []string) {
		startSweeper()
	},
}

func startSweeper() {
	config, err := loadConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(os.Getenv("APP_ENV"))
	lg := logger.LoggerWrapper()

	db, err := initDB(config.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	gormDB, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: db.DB}), &gorm.Config{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize orm: %v\n", err)
		os.Exit(1)
	}

	bus := events.NewEventBus(lg)

	paymentRepo := ledgerpg.NewPaymentRepository(gormDB)
	counterRepo := ratelimitpg.NewCounterRepository(gormDB)
	userRepo := userpg.NewUserRepository(gormDB)
	submissionRepo := submissionpg.NewSubmissionRepository(gormDB)

	limiter := ratelimit.NewLimiter(counterRepo, config.Settlement.DailyTxCap, lg)
	gatewayClient := gateway.NewClient(config.Gateway, config.Settlement.TokenDecimals, lg)

	directory := user.NewService(userRepo, lg)
	submissions := submission.NewService(submissionRepo, lg)

	reconciler := settlement.NewReconciler(paymentRepo, submissions, directory, bus, lg)
	sweeper := settlement.NewSweeper(paymentRepo, reconciler, gatewayClient, limiter, config.Settlement, bus, lg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sweeper.Run(ctx); err != nil && err != context.Canceled {
		lg.Error("sweeper exited", "error", err)
		os.Exit(1)
	}
}
