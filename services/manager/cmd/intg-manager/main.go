package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"filippo.io/age"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"intgmgr/pkg/bus"
	"intgmgr/pkg/db"
	"intgmgr/pkg/s3"
	"intgmgr/pkg/telemetry"
	"intgmgr/pkg/version"
	"intgmgr/services/api"
	"intgmgr/services/backup"
	"intgmgr/services/device"
	"intgmgr/services/manager/internal/config"
	"intgmgr/services/notify"
	"intgmgr/services/orchestrator"
	"intgmgr/services/registry"
	"intgmgr/services/scheduler"
	"intgmgr/services/settings"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(ctx, ".env")
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	logger := telemetry.NewLogger(telemetry.LogConfig{
		Service: version.Name,
		Version: version.Version,
		Level:   cfg.LogLevel,
		Console: cfg.LogConsole,
	})

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("intg-manager stopped")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	cleanup, err := telemetry.Init(ctx, version.Name, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cleanup(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown otel")
		}
	}()

	orm, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer func() {
		if err := db.Close(orm); err != nil {
			logger.Error().Err(err).Msg("close database")
		}
	}()
	if err := db.Migrate(ctx, orm); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	settingsStore, err := settings.NewStore(orm)
	if err != nil {
		return err
	}
	if _, err := settingsStore.Load(ctx); err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second, Transport: telemetry.Transport(nil)}
	catalog := registry.NewCatalog(cfg.Registry.CatalogURL, httpClient, cfg.Registry.CatalogTTL)
	releases := registry.NewClient(registry.Config{
		BaseURL:       cfg.Registry.BaseURL,
		Token:         cfg.Registry.Token,
		UserAgent:     version.Name + "/" + version.Version,
		HTTPClient:    httpClient,
		DownloadLimit: cfg.Registry.DownloadLimit,
	})

	dev, err := device.NewClient(device.Config{
		BaseURL: cfg.Device.URL,
		APIKey:  cfg.Device.APIKey,
		PIN:     cfg.Device.PIN,
		// installs upload the whole archive and the device unpacks it before answering
		HTTPClient:   &http.Client{Timeout: 2 * time.Minute, Transport: telemetry.Transport(nil)},
		Capabilities: catalog,
		SetupDelay:   cfg.Device.SetupDelay,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("device client: %w", err)
	}

	store, err := newBackupStore(cfg.Backup, orm, dev, settingsStore, logger)
	if err != nil {
		return err
	}

	channels, closeChannels, err := buildChannels(cfg, httpClient, logger)
	if err != nil {
		return err
	}
	defer closeChannels()

	dispatcher, err := notify.NewDispatcher(notify.Config{
		Channels:    channels,
		Settings:    settingsStore,
		ORM:         orm,
		SendTimeout: cfg.Notify.SendTimeout,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("notification dispatcher: %w", err)
	}
	dispatcher.Start(ctx)
	defer dispatcher.Close()

	orch, err := orchestrator.New(orchestrator.Config{
		Device:       dev,
		Releases:     releases,
		Snapshots:    store,
		Settings:     settingsStore,
		Notifier:     dispatcher,
		Catalog:      catalog,
		ORM:          orm,
		Workers:      cfg.Jobs.Workers,
		PhaseTimeout: cfg.Jobs.PhaseTimeout,
		RetryBase:    cfg.Jobs.RetryBase,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	sched, err := scheduler.New(scheduler.Config{
		Jobs:              orch,
		Retention:         store,
		Power:             dev,
		Catalog:           catalog,
		Notifier:          dispatcher,
		Settings:          settingsStore,
		CheckInterval:     cfg.Jobs.CheckInterval,
		PowerPollInterval: cfg.Device.PowerPollInterval,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	sched.OnChange(func(running bool) {
		logger.Info().Bool("running", running).Msg("server state changed")
	})

	offload, err := newOffload(ctx, cfg.Backup, store)
	if err != nil {
		return err
	}

	handler, err := api.New(api.Deps{
		Orchestrator: orch,
		Snapshots:    store,
		Settings:     settingsStore,
		Status:       sched,
		Power:        sched,
		Ready: func(ctx context.Context) error {
			if err := db.Ping(ctx, orm); err != nil {
				return err
			}
			return dev.Ping(ctx)
		},
		SettingsChanged: func(settings.Settings) error {
			return sched.Reschedule()
		},
		Offload: offload,
	}, api.Config{
		AllowedOrigins:    cfg.AllowedOrigins,
		RequestsPerMinute: cfg.RequestsPerMinute,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 2)
	go func() {
		if err := sched.Start(ctx); err != nil {
			errs <- fmt.Errorf("scheduler: %w", err)
		}
	}()
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("version", version.Version).Msg("starting intg-manager")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown server")
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Jobs.DrainTimeout)
	defer cancelDrain()
	if err := orch.Close(drainCtx); err != nil {
		logger.Warn().Err(err).Msg("jobs still running at shutdown")
	}
	return runErr
}

func newBackupStore(cfg config.Backup, orm *gorm.DB, dev *device.Client, st *settings.Store, logger zerolog.Logger) (*backup.Store, error) {
	var (
		signer     *backup.Signer
		recipients []age.Recipient
		identities []age.Identity
	)
	if cfg.AgeSecretKey != "" || cfg.AgePublicKey != "" {
		s, err := backup.NewSigner(cfg.AgeSecretKey, cfg.AgePublicKey)
		if err != nil {
			return nil, fmt.Errorf("backup signer: %w", err)
		}
		signer = s
		if s.CanSign() {
			identities = append(identities, s.Identity())
		}
	}
	for _, raw := range cfg.Recipients {
		r, err := age.ParseX25519Recipient(raw)
		if err != nil {
			return nil, fmt.Errorf("parse backup recipient %q: %w", raw, err)
		}
		recipients = append(recipients, r)
	}

	store, err := backup.NewStore(backup.Config{
		ORM:                orm,
		Device:             dev,
		Settings:           st,
		Signer:             signer,
		Recipients:         recipients,
		Identities:         identities,
		CaptureConcurrency: cfg.CaptureConcurrency,
		Logger:             logger,
	})
	if err != nil {
		return nil, fmt.Errorf("backup store: %w", err)
	}
	return store, nil
}

func newOffload(ctx context.Context, cfg config.Backup, store *backup.Store) (func(context.Context) (backup.OffloadResult, error), error) {
	if cfg.S3Bucket == "" {
		return nil, nil
	}
	objects, err := s3.NewClient(ctx, s3.ConfigFromEnv())
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	target := backup.OffloadTarget{Bucket: cfg.S3Bucket, Prefix: cfg.S3Prefix, URLTTL: cfg.S3URLTTL}
	return func(ctx context.Context) (backup.OffloadResult, error) {
		return store.Offload(ctx, objects, target)
	}, nil
}

// buildChannels returns the configured notification channels and a func closing
// the broker connections behind them.
func buildChannels(cfg config.Config, client *http.Client, logger zerolog.Logger) ([]notify.Channel, func(), error) {
	var (
		channels []notify.Channel
		closers  []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	n := cfg.Notify
	if n.WebhookURL != "" {
		channels = append(channels, &notify.Webhook{URL: n.WebhookURL, Headers: n.WebhookHeaders, Client: client})
	}
	if n.HomeAssistantURL != "" {
		channels = append(channels, &notify.HomeAssistant{URL: n.HomeAssistantURL, Token: n.HomeAssistantToken, Service: n.HomeAssistantService, Client: client})
	}
	if n.NtfyTopic != "" {
		channels = append(channels, &notify.Ntfy{Server: n.NtfyServer, Topic: n.NtfyTopic, Token: n.NtfyToken, Client: client})
	}
	if n.DiscordWebhookURL != "" {
		channels = append(channels, &notify.Discord{WebhookURL: n.DiscordWebhookURL, Client: client})
	}
	if n.PushoverAppToken != "" {
		channels = append(channels, &notify.Pushover{AppToken: n.PushoverAppToken, UserKey: n.PushoverUserKey, Client: client})
	}

	ev := cfg.Events
	if ev.NATSURL != "" {
		b, err := bus.New(ev.NATSURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		closers = append(closers, b.Close)
		if err := b.EnsureStream(ev.NATSStreamAge); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("ensure event stream: %w", err)
		}
		channels = append(channels, &notify.BusChannel{Bus: b})
	}
	if ev.MQTTBroker != "" {
		m, err := notify.DialMQTT(notify.MQTTConfig{
			BrokerURL:   ev.MQTTBroker,
			ClientID:    ev.MQTTClientID,
			Username:    ev.MQTTUsername,
			Password:    ev.MQTTPassword,
			TopicPrefix: ev.MQTTPrefix,
			QoS:         byte(ev.MQTTQoS),
		})
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("connect mqtt: %w", err)
		}
		closers = append(closers, m.Close)
		channels = append(channels, m)
	}

	names := make([]string, 0, len(channels))
	for _, ch := range channels {
		names = append(names, ch.Name())
	}
	logger.Info().Strs("channels", names).Msg("notification channels configured")
	return channels, closeAll, nil
}
