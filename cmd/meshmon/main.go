package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/meshmon-dev/meshmon/db"
	"github.com/meshmon-dev/meshmon/internal/alerts"
	"github.com/meshmon-dev/meshmon/internal/config"
	"github.com/meshmon-dev/meshmon/internal/handlers"
	"github.com/meshmon-dev/meshmon/internal/ingest"
	"github.com/meshmon-dev/meshmon/internal/metrics"
	"github.com/meshmon-dev/meshmon/internal/monitor"
	"github.com/meshmon-dev/meshmon/internal/monitors"
	"github.com/meshmon-dev/meshmon/internal/radiusdesk"
	"github.com/meshmon-dev/meshmon/internal/registry"
	"github.com/meshmon-dev/meshmon/internal/router"
	"github.com/meshmon-dev/meshmon/internal/scheduler"
	"github.com/meshmon-dev/meshmon/internal/services"
	"github.com/meshmon-dev/meshmon/internal/types"
	"github.com/meshmon-dev/meshmon/internal/unifi"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	config.SetupLogging(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.ConnectDatabase(cfg.DatabaseURL); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	if err := db.MigrateDatabase(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	store, err := metrics.Open(cfg.MetricsDBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open metric store")
	}
	defer store.Close()
	if err := store.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise metric store")
	}

	reg := registry.New(db.DB, cfg.File.MeshDefaults)
	alertStore := alerts.NewGormStore(db.DB)
	hub := handlers.NewHub(cfg.IsAllowedOrigin)
	defer hub.Close()

	var phone services.Dispatcher
	if cfg.TwilioAccountSID != "" {
		phone = services.NewTwilioDispatcher(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFrom, cfg.TwilioChannel)
	}
	notifier := services.NewNotifier(reg, phone, services.NewWebhookDispatcher(cfg.NotifyTimeout), cfg.NotifyTimeout)

	svc := monitor.NewService(
		monitor.Config{Workers: cfg.EvaluationWorkers, StoreTimeout: cfg.StoreTimeout},
		reg, store, alerts.NewEngine(alertStore), notifier, hub,
		monitors.NewICMPPinger(cfg.Ping),
	)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := scheduleJobs(ctx, cfg, sched, svc, reg, store); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule jobs")
	}

	if cfg.MQTTBroker != "" {
		client, sub, err := startIngest(ctx, cfg, svc)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start MQTT ingest")
		}
		defer sub.Wait()
		defer client.Disconnect(250)
	} else {
		log.Info().Msg("MQTT_BROKER not set, report ingest over MQTT disabled")
	}

	r := router.NewRouter(&handlers.Handler{
		Pipeline:  svc,
		Devices:   reg,
		Alerts:    alertStore,
		Metrics:   store,
		Scheduler: sched,
		Hub:       hub,
	}, cfg.AllowedOrigins)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
}

func scheduleJobs(ctx context.Context, cfg *config.Config, sched *scheduler.Scheduler, svc *monitor.Service, reg *registry.Registry, store *metrics.Store) error {
	in := cfg.File.Intervals

	if err := sched.Add("ping", in.Ping, true, func(ctx context.Context) error {
		summary, err := svc.PingSweep(ctx)
		log.Info().Int("devices", summary.Devices).Int("changed", summary.Changed).Int("failed", summary.Failed).Msg("Ping sweep done")
		return err
	}); err != nil {
		return err
	}

	if err := sched.Add("alerts", in.Alerts, false, func(ctx context.Context) error {
		summary, err := svc.RegenerateAll(ctx)
		log.Info().Int("devices", summary.Devices).Int("alerts", summary.Alerts).Int("failed", summary.Failed).Msg("Alert regeneration done")
		return err
	}); err != nil {
		return err
	}

	aggregator := metrics.NewAggregator(store)
	tiers := []struct {
		name     string
		interval time.Duration
		gran     types.Granularity
	}{
		{"hourly", in.Hourly, types.GranularityHourly},
		{"daily", in.Daily, types.GranularityDaily},
		{"monthly", in.Monthly, types.GranularityMonthly},
	}
	for _, tier := range tiers {
		gran := tier.gran
		if err := sched.Add(tier.name, tier.interval, false, func(ctx context.Context) error {
			reports, err := aggregator.Run(ctx, gran)
			for _, r := range reports {
				log.Debug().Str("kind", r.Kind).Str("granularity", gran.String()).Int("read", r.Read).Int("created", r.Created).Int("failed", r.Failed).Msg("Aggregated kind")
			}
			return err
		}); err != nil {
			return err
		}
	}

	type syncFunc func(ctx context.Context) error
	var syncs []syncFunc

	if cfg.RadiusDesk.DSN == "" {
		log.Info().Msg("RADIUSDESK_DSN not set, RadiusDesk sync disabled")
	} else {
		loc, err := time.LoadLocation(cfg.RadiusDeskTimezone)
		if err != nil {
			return err
		}
		conn, err := radiusdesk.Open(ctx, &cfg.RadiusDesk)
		if err != nil {
			return err
		}
		syncer := radiusdesk.NewSyncer(radiusdesk.NewSource(conn, loc), reg, store)
		syncs = append(syncs, func(ctx context.Context) error {
			summary, err := syncer.Run(ctx)
			log.Info().Int("meshes", summary.Meshes).Int("devices", summary.Devices).Int("unknown", summary.Unknown).Int("usage", summary.Usage).Int("rates", summary.Rates).Int("failures", summary.Failures).Msg("RadiusDesk sync done")
			return err
		})
	}

	if cfg.UniFiMongoURI == "" {
		log.Info().Msg("UNIFI_MONGO_URI not set, UniFi sync disabled")
	} else {
		source, err := unifi.Open(ctx, cfg.UniFiMongoURI, cfg.StoreTimeout)
		if err != nil {
			return err
		}
		syncer := unifi.NewSyncer(source, reg, store)
		syncs = append(syncs, func(ctx context.Context) error {
			summary, err := syncer.Run(ctx)
			log.Info().Int("meshes", summary.Meshes).Int("devices", summary.Devices).Int("usage", summary.Usage).Int("rates", summary.Rates).Int("failures", summary.Failures).Int("resources", summary.Resources).Msg("UniFi sync done")
			return err
		})
	}

	if len(syncs) == 0 {
		return nil
	}
	return sched.Add("sync", in.Sync, true, func(ctx context.Context) error {
		var errs []error
		for _, run := range syncs {
			if err := run(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		n, err := svc.BroadcastFleet(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		log.Debug().Int("devices", n).Msg("Broadcast device fleet")
		return errors.Join(errs...)
	})
}

func startIngest(ctx context.Context, cfg *config.Config, svc *monitor.Service) (mqtt.Client, *ingest.Subscriber, error) {
	sub := ingest.NewSubscriber(svc, cfg.MQTTReportTopic, cfg.StoreTimeout*3, cfg.EvaluationWorkers)
	sub.Start(ctx)
	client, err := ingest.Connect(ingest.ClientConfig{
		Broker:   cfg.MQTTBroker,
		ClientID: cfg.MQTTClientID,
		Username: cfg.MQTTUsername,
		Password: cfg.MQTTPassword,
	}, func(c mqtt.Client) {
		if err := sub.Subscribe(c); err != nil {
			log.Error().Err(err).Msg("Failed to subscribe to device reports")
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return client, sub, nil
}
