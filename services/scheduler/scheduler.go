package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron"
	"github.com/rs/zerolog"

	"intgmgr/services/backup"
	"intgmgr/services/device"
	"intgmgr/services/notify"
	"intgmgr/services/registry"
	"intgmgr/services/settings"
)

const (
	defaultCheckInterval = 30 * time.Minute
	defaultPollInterval  = time.Minute
	powerCallTimeout     = 10 * time.Second
	allIntegrations      = "all"
)

var (
	serverRunningGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "intgmgr_server_running",
		Help: "1 while the manager accepts work, 0 while suspended on battery",
	})
	scheduledRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intgmgr_scheduled_runs_total",
		Help: "Scheduled passes by kind and result",
	}, []string{"kind", "result"})
)

// Jobs is the orchestrator surface the scheduler drives.
type Jobs interface {
	CheckAll(ctx context.Context) ([]string, error)
	RequestBackup(ctx context.Context, integrationID string, source backup.Source) (backup.CaptureResult, error)
	Drain()
	Resume()
}

// Retention prunes old snapshots.
type Retention interface {
	ApplyRetention(ctx context.Context, keep int) (int, error)
}

// PowerSource reads the device power supply.
type PowerSource interface {
	PowerStatus(ctx context.Context) (device.PowerState, error)
}

// Catalog reports integrations added to the community list since the last refresh.
type Catalog interface {
	Refresh(ctx context.Context) ([]registry.CatalogItem, error)
}

// Notifier receives new integration events.
type Notifier interface {
	Notify(ev notify.Event)
}

// SettingsSource returns the current manager settings.
type SettingsSource interface {
	Current() settings.Settings
}

// Config wires a Scheduler. Power, Catalog, Notifier and Retention are optional.
type Config struct {
	Jobs      Jobs
	Retention Retention
	Power     PowerSource
	Catalog   Catalog
	Notifier  Notifier
	Settings  SettingsSource

	CheckInterval     time.Duration
	PowerPollInterval time.Duration
	Logger            zerolog.Logger
	Now               func() time.Time
}

// Scheduler runs periodic version checks and backups and reacts to power changes.
type Scheduler struct {
	jobs      Jobs
	retention Retention
	power     PowerSource
	catalog   Catalog
	notifier  Notifier
	settings  SettingsSource

	checkInterval time.Duration
	pollInterval  time.Duration
	log           zerolog.Logger
	now           func() time.Time

	ctx context.Context
	wg  sync.WaitGroup

	// transitionMu serializes power transitions together with the Drain and
	// Resume calls they make, so the orchestrator sees them in decision order.
	transitionMu sync.Mutex

	mu         sync.Mutex
	running    bool
	powerState PowerEvent
	lastBackup time.Time
	lastCheck  time.Time
	cron       *cron.Cron
	backupAt   cron.Schedule
	listeners  []func(running bool)

	catchingUp atomic.Bool
}

// New validates cfg and returns a Scheduler that considers the server running.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Jobs == nil {
		return nil, errors.New("orchestrator is required")
	}
	if cfg.Settings == nil {
		return nil, errors.New("settings are required")
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.PowerPollInterval <= 0 {
		cfg.PowerPollInterval = defaultPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	serverRunningGauge.Set(1)
	return &Scheduler{
		jobs:          cfg.Jobs,
		retention:     cfg.Retention,
		power:         cfg.Power,
		catalog:       cfg.Catalog,
		notifier:      cfg.Notifier,
		settings:      cfg.Settings,
		checkInterval: cfg.CheckInterval,
		pollInterval:  cfg.PowerPollInterval,
		log:           cfg.Logger.With().Str("component", "scheduler").Logger(),
		now:           cfg.Now,
		ctx:           context.Background(),
		running:       true,
		powerState:    PowerEvent{Docked: true},
	}, nil
}

// OnChange registers fn to be called when the server is suspended or resumed.
// fn runs inside the transition and must not call Transition or Push.
func (s *Scheduler) OnChange(fn func(running bool)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Start schedules backups and checks and polls power until ctx ends. It blocks.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if err := s.Reschedule(); err != nil {
		return err
	}
	defer s.stopCron()

	checks := time.NewTicker(s.checkInterval)
	defer checks.Stop()

	var poll <-chan time.Time
	if s.power != nil {
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		poll = ticker.C
		s.PollPower(ctx)
	}

	s.log.Info().Dur("check_interval", s.checkInterval).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return nil
		case <-checks.C:
			if s.Running() {
				s.RunChecks(ctx)
			}
		case <-poll:
			s.PollPower(ctx)
		}
	}
}

// Reschedule rebuilds the backup schedule from the current settings.
func (s *Scheduler) Reschedule() error {
	spec, err := s.settings.Current().CronSpec()
	if err != nil {
		return err
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("parse backup schedule %q: %w", spec, err)
	}

	next := cron.New()
	next.Schedule(sched, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if s.Running() {
			s.RunBackups(ctx)
		}
	}))

	s.mu.Lock()
	old := s.cron
	s.cron = next
	s.backupAt = sched
	s.mu.Unlock()
	if old != nil {
		old.Stop()
	}
	next.Start()
	s.log.Info().Str("cron", spec).Msg("backup schedule set")
	return nil
}

func (s *Scheduler) stopCron() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		c.Stop()
	}
}

// Running reports whether requests and scheduled work are accepted.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status returns a copy of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		ServerRunning:         s.running,
		Docked:                s.powerState.Docked,
		Charging:              s.powerState.Charging,
		BatteryLevel:          s.powerState.BatteryLevel,
		PowerUpdatedAt:        timePtr(s.powerState.At),
		LastScheduledBackupAt: timePtr(s.lastBackup),
		LastScheduledCheckAt:  timePtr(s.lastCheck),
	}
	if s.backupAt != nil {
		st.NextBackupAt = timePtr(s.backupAt.Next(s.now()))
	}
	return st
}

// Push delivers a power reading from a subscription.
func (s *Scheduler) Push(state device.PowerState) Status {
	return s.Transition(EventFromState(state, s.now()))
}

// PollPower reads the power state from the device. Failures keep the last state.
func (s *Scheduler) PollPower(ctx context.Context) {
	if s.power == nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, powerCallTimeout)
	defer cancel()
	state, err := s.power.PowerStatus(callCtx)
	if err != nil {
		s.log.Debug().Err(err).Msg("power status unavailable")
		return
	}
	s.Push(state)
}

// Transition applies a power event. Going on battery with shutdown_on_battery set
// drains the orchestrator; docking again resumes it and runs one catch-up pass.
func (s *Scheduler) Transition(ev PowerEvent) Status {
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	shutdown := s.settings.Current().ShutdownOnBattery

	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	s.mu.Lock()
	act := decide(s.running, shutdown, ev)
	s.powerState = ev
	switch act {
	case actionSuspend:
		s.running = false
	case actionResume:
		s.running = true
	}
	listeners := append([]func(bool){}, s.listeners...)
	ctx := s.ctx
	s.mu.Unlock()

	switch act {
	case actionSuspend:
		serverRunningGauge.Set(0)
		s.jobs.Drain()
		s.log.Warn().Int("battery_level", ev.BatteryLevel).Msg("undocked: suspending manager")
		for _, fn := range listeners {
			fn(false)
		}
	case actionResume:
		serverRunningGauge.Set(1)
		s.jobs.Resume()
		s.log.Info().Msg("docked: resuming manager")
		for _, fn := range listeners {
			fn(true)
		}
		s.catchUp(ctx)
	}
	return s.Status()
}

// catchUp runs missed work once. A pass already in progress absorbs further docks.
func (s *Scheduler) catchUp(ctx context.Context) {
	if !s.catchingUp.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.catchingUp.Store(false)
		if s.backupDue() {
			s.RunBackups(ctx)
		}
		if s.checkDue() {
			s.RunChecks(ctx)
		}
	}()
}

// backupDue reports whether a scheduled backup time passed since the last backup.
func (s *Scheduler) backupDue() bool {
	if !s.settings.Current().AutomaticBackups {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backupAt == nil {
		return false
	}
	now := s.now()
	since := s.lastBackup
	if since.IsZero() {
		since = now.Add(-24 * time.Hour)
	}
	return !s.backupAt.Next(since).After(now)
}

func (s *Scheduler) checkDue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCheck.IsZero() || s.now().Sub(s.lastCheck) >= s.checkInterval
}

// RunBackups captures every capable integration and applies retention. It does
// nothing when automatic backups are disabled.
func (s *Scheduler) RunBackups(ctx context.Context) {
	cur := s.settings.Current()
	if !cur.AutomaticBackups {
		return
	}
	s.mu.Lock()
	s.lastBackup = s.now()
	s.mu.Unlock()

	result, err := s.jobs.RequestBackup(ctx, allIntegrations, backup.SourceScheduled)
	if err != nil {
		scheduledRuns.WithLabelValues("backup", "error").Inc()
		s.log.Error().Err(err).Msg("scheduled backup failed")
		return
	}
	scheduledRuns.WithLabelValues("backup", "ok").Inc()
	if s.retention != nil && cur.BackupRetention > 0 {
		removed, err := s.retention.ApplyRetention(ctx, cur.BackupRetention)
		if err != nil {
			s.log.Warn().Err(err).Msg("apply backup retention")
		} else if removed > 0 {
			s.log.Info().Int("removed", removed).Int("keep", cur.BackupRetention).Msg("old snapshots removed")
		}
	}
	s.log.Info().Int("captured", len(result.Captured)).Int("failed", len(result.Failed)).Strs("busy", result.Busy).Msg("scheduled backup finished")
}

// RunChecks queues a version check for every managed integration and reports
// integrations new to the community catalog.
func (s *Scheduler) RunChecks(ctx context.Context) {
	s.mu.Lock()
	s.lastCheck = s.now()
	s.mu.Unlock()

	queued, err := s.jobs.CheckAll(ctx)
	if err != nil {
		scheduledRuns.WithLabelValues("check", "error").Inc()
		s.log.Warn().Err(err).Msg("scheduled check failed")
	} else {
		scheduledRuns.WithLabelValues("check", "ok").Inc()
		s.log.Debug().Strs("integrations", queued).Msg("scheduled checks queued")
	}

	if s.catalog == nil || s.notifier == nil {
		return
	}
	added, err := s.catalog.Refresh(ctx)
	if err != nil {
		s.log.Debug().Err(err).Msg("catalog refresh failed")
		return
	}
	for _, item := range added {
		s.notifier.Notify(notify.Event{
			Kind:            notify.KindNewIntegration,
			IntegrationID:   item.DriverID,
			IntegrationName: item.Name,
			Message:         item.Description,
			At:              s.now().UTC(),
		})
	}
}
