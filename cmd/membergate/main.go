package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/membergate/membergate/pkg/access"
	"github.com/membergate/membergate/pkg/api"
	"github.com/membergate/membergate/pkg/enforcer"
	"github.com/membergate/membergate/pkg/membergate"
	zerologadapter "github.com/membergate/membergate/pkg/membergate/logger/zerolog"
	prommetrics "github.com/membergate/membergate/pkg/membergate/metrics/prometheus"
	"github.com/membergate/membergate/pkg/notify"
	"github.com/membergate/membergate/pkg/payments"
	"github.com/membergate/membergate/pkg/payments/paypal"
	"github.com/membergate/membergate/pkg/platform/telegram"
	memorystore "github.com/membergate/membergate/storage/memory"
	postgresstore "github.com/membergate/membergate/storage/postgres"
)

func main() {
	_ = godotenv.Load()

	zl := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("LOG_PRETTY") == "true" {
		zl = zl.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	if err := run(zl); err != nil && err != context.Canceled {
		zl.Fatal().Err(err).Msg("membergate exited")
	}
}

func run(zl zerolog.Logger) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := zerologadapter.NewLogger(zl)
	metrics := prommetrics.NewMetrics(prometheus.DefaultRegisterer, "membergate")
	payMetrics := prommetrics.NewPaymentsMetrics(prometheus.DefaultRegisterer, "membergate")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store membergate.Store
	if cfg.DatabaseURL != "" {
		pgConfig := postgresstore.DefaultConfig()
		pgConfig.ConnectionString = cfg.DatabaseURL
		pgConfig.Grace = cfg.Grace
		pg, err := postgresstore.New(ctx, pgConfig)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.InitSchema(ctx); err != nil {
			return err
		}
		store = pg
		zl.Info().Msg("using postgres store")
	} else {
		memConfig := memorystore.DefaultConfig()
		memConfig.Grace = cfg.Grace
		store = memorystore.NewWithConfig(memConfig)
		zl.Warn().Msg("using in-memory store, state is lost on restart")
	}

	manager, err := membergate.NewManager(store, membergate.Config{
		Plans:            cfg.Plans,
		Grace:            cfg.Grace,
		RecurringDefault: cfg.RecurringDefault,
		Logger:           logger,
		Metrics:          metrics,
	})
	if err != nil {
		return err
	}

	group, err := telegram.New(telegram.Config{
		Token:  cfg.BotToken,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	if cfg.PublicURL != "" {
		if err := group.SetWebhook(ctx, cfg.PublicURL+"/webhook/"+cfg.BotToken); err != nil {
			return err
		}
		zl.Info().Msg("platform webhook registered")
	}

	payClient, err := paypal.NewClient(paypal.ClientConfig{
		ClientID: cfg.PayPalClientID,
		Secret:   cfg.PayPalSecret,
		Sandbox:  cfg.PayPalSandbox,
		Logger:   logger,
		Metrics:  payMetrics,
	})
	if err != nil {
		return err
	}

	planCache, err := paypal.NewPlanCache(cfg.PlanCacheFile)
	if err != nil {
		return err
	}
	if err := planCache.EnsurePlans(ctx, payClient, "Private group membership", cfg.Plans); err != nil {
		return err
	}

	enf, err := enforcer.New(manager, group, enforcer.Config{
		GroupID:  cfg.GroupID,
		AdminIDs: cfg.AdminIDs,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}

	provider, err := paypal.NewProvider(payments.Config{
		Manager: manager,
		Logger:  logger,
		Metrics: payMetrics,
		Callback: func(cctx context.Context, event *payments.Event) {
			switch event.Kind {
			case payments.KindSubscriptionCancelled:
				if event.UserID != 0 {
					_ = group.SendMessage(cctx, event.UserID,
						"Your subscription was cancelled and your group access ends now. Resubscribe any time for a fresh invite.")
					// Removal runs on the process context: the webhook
					// request finishes before the ban round-trips.
					go func() {
						if _, err := enf.ExpelUser(ctx, event.UserID, event.SubscriptionID, "subscription cancelled"); err != nil {
							zl.Error().Err(err).Int64("user_id", event.UserID).Msg("cancellation removal failed")
						}
					}()
				}
			case payments.KindSubscriptionSuspended:
				if event.UserID != 0 {
					_ = group.SendMessage(cctx, event.UserID,
						"Your subscription was suspended by PayPal. Group access is paused until billing resumes.")
				}
			case payments.KindPaymentFailed:
				if event.UserID != 0 {
					_ = group.SendMessage(cctx, event.UserID,
						"A subscription charge failed. PayPal will retry on its own; check your payment method to keep your access.")
				}
			default:
				return
			}
			text := fmt.Sprintf("PayPal reported %s for subscription %s.", event.Type, event.ExternalID)
			for _, id := range cfg.AdminIDs {
				_ = group.SendMessage(cctx, id, text)
			}
		},
	}, payClient)
	if err != nil {
		return err
	}

	issuer, err := access.New(manager, group, access.Config{
		GroupID:     cfg.GroupID,
		LinkTTL:     cfg.InviteTTL,
		MemberLimit: cfg.InviteMemberLimit,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	notifier, err := notify.New(manager, group, notify.Config{
		Logger: logger,
	})
	if err != nil {
		return err
	}

	adminAPI, err := api.NewHandler(api.Config{
		Manager:  manager,
		Enforcer: enf,
		Issuer:   issuer,
		AdminIDs: cfg.AdminIDs,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	srv := &server{
		cfg:       cfg,
		manager:   manager,
		provider:  provider,
		pay:       payClient,
		planCache: planCache,
		issuer:    issuer,
		enf:       enf,
		group:     group,
		admin:     adminAPI,
		logger:    logger,
		inflight:  newInflightSet(2 * time.Minute),
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		zl.Info().Str("addr", cfg.ListenAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return enf.Run(gctx)
	})

	g.Go(func() error {
		return notifier.Run(gctx)
	})

	zl.Info().
		Int64("group_id", cfg.GroupID).
		Int("plans", len(cfg.Plans)).
		Msg("membergate started")

	return g.Wait()
}
