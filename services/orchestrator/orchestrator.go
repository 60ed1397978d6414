package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"

	"intgmgr/pkg/telemetry"
	"intgmgr/services/backup"
	"intgmgr/services/device"
	"intgmgr/services/notify"
	"intgmgr/services/registry"
	"intgmgr/services/settings"
)

const (
	defaultWorkers         = 2
	defaultPhaseTimeout    = 5 * time.Minute
	defaultRetryBase       = time.Second
	defaultPollInterval    = 2 * time.Second
	defaultPollAttempts    = 15
	defaultIntegrationsTTL = 30 * time.Second
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intgmgr_jobs_total",
		Help: "Finished orchestration jobs by trigger and outcome",
	}, []string{"trigger", "outcome"})
	phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "intgmgr_job_phase_duration_seconds",
		Help:    "Time spent in each orchestration phase",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"phase"})
	activeJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "intgmgr_jobs_active",
		Help: "Orchestration jobs queued or running",
	})
)

// Device is the part of the device API the orchestrator drives.
type Device interface {
	ListInstalled(ctx context.Context) ([]device.Integration, error)
	Install(ctx context.Context, filename string, archive []byte) error
	Uninstall(ctx context.Context, id string) error
}

// Releases resolves and fetches published versions.
type Releases interface {
	ResolveLatest(ctx context.Context, repo registry.Repo, includePrerelease bool) (registry.Release, error)
	GetByTag(ctx context.Context, repo registry.Repo, tag string) (registry.Release, error)
	Download(ctx context.Context, rel registry.Release) ([]byte, error)
}

// Snapshots is the backup store as seen by jobs and the backup operations.
type Snapshots interface {
	Capture(ctx context.Context, integrationID string, source backup.Source) (backup.Snapshot, error)
	CaptureAll(ctx context.Context, source backup.Source, claim backup.Claim) (backup.CaptureResult, error)
	Get(ctx context.Context, id uuid.UUID) (backup.Snapshot, error)
	Latest(ctx context.Context, integrationID string) (backup.Snapshot, error)
	// ApplySnapshot restores without re-checking backup support; the update plan
	// already decided it.
	ApplySnapshot(ctx context.Context, integrationID string, snapshotID uuid.UUID) error
	Export(ctx context.Context, w io.Writer) (*backup.Manifest, error)
	Import(ctx context.Context, r io.Reader) (backup.ImportResult, error)
}

// Notifier receives lifecycle events. Implementations must not block.
type Notifier interface {
	Notify(ev notify.Event)
}

// SettingsSource returns the current manager settings.
type SettingsSource interface {
	Current() settings.Settings
}

// Catalog finds the registry entry of an integration that is not installed yet.
type Catalog interface {
	Lookup(ctx context.Context, driverID, name string) (registry.CatalogItem, bool)
}

type markClearer interface {
	ClearUpdateAvailable(ctx context.Context, integrationID string) error
}

// Config wires an Orchestrator.
type Config struct {
	Device    Device
	Releases  Releases
	Snapshots Snapshots
	Settings  SettingsSource
	Notifier  Notifier
	// Catalog resolves repositories for RequestInstall. Optional.
	Catalog Catalog
	// ORM records finished jobs. Optional.
	ORM *gorm.DB

	// Workers bounds concurrently running jobs.
	Workers int
	// PhaseTimeout bounds every device and registry call.
	PhaseTimeout time.Duration
	// RetryBase is the first backoff of the check and download retry budget.
	RetryBase time.Duration
	// PollInterval and PollAttempts bound the post install wait for the driver
	// to reappear.
	PollInterval    time.Duration
	PollAttempts    int
	IntegrationsTTL time.Duration

	Logger zerolog.Logger
	Now    func() time.Time
}

// Orchestrator runs update jobs, at most one per integration.
type Orchestrator struct {
	dev       Device
	releases  Releases
	snapshots Snapshots
	settings  SettingsSource
	notifier  Notifier
	catalog   Catalog
	orm       *gorm.DB

	phaseTimeout time.Duration
	retryBase    time.Duration
	pollInterval time.Duration
	pollAttempts int
	cacheTTL     time.Duration

	log    zerolog.Logger
	tracer trace.Tracer
	now    func() time.Time

	sem     *semaphore.Weighted
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	jobs      map[string]*job
	backingUp map[string]struct{}
	draining  bool
	importing bool

	cacheMu  sync.Mutex
	cached   []device.Integration
	cachedAt time.Time
	// cacheGen advances on every store and invalidation; a fetch only lands
	// if nothing changed the cache while it was in flight.
	cacheGen uint64
}

// New validates cfg and returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Device == nil {
		return nil, errors.New("device client is required")
	}
	if cfg.Releases == nil {
		return nil, errors.New("release resolver is required")
	}
	if cfg.Snapshots == nil {
		return nil, errors.New("backup store is required")
	}
	if cfg.Settings == nil {
		return nil, errors.New("settings are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = defaultPhaseTimeout
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = defaultPollAttempts
	}
	if cfg.IntegrationsTTL <= 0 {
		cfg.IntegrationsTTL = defaultIntegrationsTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		dev:          cfg.Device,
		releases:     cfg.Releases,
		snapshots:    cfg.Snapshots,
		settings:     cfg.Settings,
		notifier:     cfg.Notifier,
		catalog:      cfg.Catalog,
		orm:          cfg.ORM,
		phaseTimeout: cfg.PhaseTimeout,
		retryBase:    cfg.RetryBase,
		pollInterval: cfg.PollInterval,
		pollAttempts: cfg.PollAttempts,
		cacheTTL:     cfg.IntegrationsTTL,
		log:          cfg.Logger.With().Str("component", "orchestrator").Logger(),
		tracer:       telemetry.Tracer("intgmgr/orchestrator"),
		now:          cfg.Now,
		sem:          semaphore.NewWeighted(int64(cfg.Workers)),
		baseCtx:      ctx,
		stop:         stop,
		jobs:         make(map[string]*job),
		backingUp:    make(map[string]struct{}),
	}, nil
}

// RequestUpdate starts a confirmed update job for integrationID and returns its
// initial status. selector is "latest", "latest_including_prerelease" or a tag.
func (o *Orchestrator) RequestUpdate(integrationID, selector string) (JobStatus, error) {
	return o.submit(integrationID, selector, TriggerManual, true, false)
}

// RequestInstall starts a job that installs driverID from its catalog repository.
// The integration must not be installed yet. Nothing is uninstalled or restored.
func (o *Orchestrator) RequestInstall(driverID, selector string) (JobStatus, error) {
	if o.catalog == nil {
		return JobStatus{}, fmt.Errorf("%w: no integration catalog configured", ErrPrecondition)
	}
	return o.submit(driverID, selector, TriggerManual, true, true)
}

// RequestCheck starts a check job. An available update is only applied when
// automatic updates are enabled; otherwise the job stops at UpdateAvailable.
func (o *Orchestrator) RequestCheck(integrationID string, trigger Trigger) (JobStatus, error) {
	return o.submit(integrationID, SelectorLatest, trigger, o.settings.Current().AutomaticUpdates, false)
}

// CheckAll starts a scheduled check for every managed integration without an
// active job. It returns the ids it queued.
func (o *Orchestrator) CheckAll(ctx context.Context) ([]string, error) {
	installed, err := o.Integrations(ctx, true)
	if err != nil {
		return nil, err
	}
	var queued []string
	for _, integ := range installed {
		if !integ.Custom() {
			continue
		}
		if _, err := o.RequestCheck(integ.ID, TriggerScheduled); err != nil {
			if errors.Is(err, ErrDraining) {
				return queued, err
			}
			o.log.Debug().Err(err).Str("integration_id", integ.ID).Msg("skip scheduled check")
			continue
		}
		queued = append(queued, integ.ID)
	}
	return queued, nil
}

func (o *Orchestrator) submit(integrationID, selector string, trigger Trigger, confirmed, fresh bool) (JobStatus, error) {
	integrationID = strings.TrimSpace(integrationID)
	if integrationID == "" {
		return JobStatus{}, fmt.Errorf("%w: integration id is required", ErrPrecondition)
	}
	selector = strings.TrimSpace(selector)
	if selector == "" {
		selector = SelectorLatest
	}

	known, isKnown := o.cachedIntegration(integrationID)
	if fresh && isKnown {
		return JobStatus{}, fmt.Errorf("%w: %s", ErrAlreadyInstalled, integrationID)
	}

	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return JobStatus{}, ErrDraining
	}
	if j, ok := o.jobs[integrationID]; ok && j.active() {
		o.mu.Unlock()
		return JobStatus{}, ErrJobActive
	}
	if o.isBackingUp(integrationID) {
		o.mu.Unlock()
		return JobStatus{}, fmt.Errorf("%w: a backup is running for this integration", ErrPrecondition)
	}
	if o.importing {
		o.mu.Unlock()
		return JobStatus{}, ErrImporting
	}

	ctx, cancel := context.WithCancel(o.baseCtx)
	j := &job{
		status: JobStatus{
			ID:            uuid.New(),
			IntegrationID: integrationID,
			Trigger:       trigger,
			Selector:      selector,
			Phase:         PhaseIdle,
			Active:        true,
			StartedAt:     o.now().UTC(),
		},
		settings:  o.settings.Current(),
		confirmed: confirmed,
		fresh:     fresh,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	if fresh {
		j.status.Method = MethodFreshInstall
	} else if isKnown {
		j.status.IntegrationName = known.Name
		j.status.FromVersion = known.InstalledVersion
	}
	o.jobs[integrationID] = j
	o.wg.Add(1)
	o.mu.Unlock()

	activeJobs.Inc()
	go o.execute(ctx, j)
	return j.snapshot(), nil
}

// GetJobStatus returns the active or most recent job for integrationID.
func (o *Orchestrator) GetJobStatus(integrationID string) (JobStatus, error) {
	o.mu.Lock()
	j, ok := o.jobs[integrationID]
	o.mu.Unlock()
	if !ok {
		return JobStatus{}, ErrNoJob
	}
	return j.snapshot(), nil
}

// Jobs returns the latest job of every integration sorted by id.
func (o *Orchestrator) Jobs() []JobStatus {
	o.mu.Lock()
	out := make([]JobStatus, 0, len(o.jobs))
	for _, j := range o.jobs {
		out = append(out, j.snapshot())
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].IntegrationID < out[k].IntegrationID })
	return out
}

// CancelJob cancels the active job of integrationID. Cancellation is immediate
// before Downloading and deferred to the end of the download during it. Once the
// installed integration is touched the job cannot be cancelled.
func (o *Orchestrator) CancelJob(integrationID string) (JobStatus, error) {
	o.mu.Lock()
	j, ok := o.jobs[integrationID]
	o.mu.Unlock()
	if !ok || !j.active() {
		return JobStatus{}, ErrNoActiveJob
	}
	if err := j.requestCancel(); err != nil {
		return j.snapshot(), err
	}
	o.log.Info().Str("integration_id", integrationID).Str("job_id", j.id().String()).Msg("job cancellation requested")
	return j.snapshot(), nil
}

// WaitJob blocks until integrationID has no active job or ctx ends.
func (o *Orchestrator) WaitJob(ctx context.Context, integrationID string) (JobStatus, error) {
	o.mu.Lock()
	j, ok := o.jobs[integrationID]
	o.mu.Unlock()
	if !ok {
		return JobStatus{}, ErrNoJob
	}
	select {
	case <-j.done:
		return j.snapshot(), nil
	case <-ctx.Done():
		return j.snapshot(), ctx.Err()
	}
}

// Drain rejects new work and makes running jobs stop at the next phase boundary
// that is still safe. Jobs past that point run to completion.
func (o *Orchestrator) Drain() {
	o.mu.Lock()
	o.draining = true
	jobs := make([]*job, 0, len(o.jobs))
	for _, j := range o.jobs {
		jobs = append(jobs, j)
	}
	o.mu.Unlock()
	for _, j := range jobs {
		j.halt()
	}
	o.log.Info().Msg("draining: new jobs rejected")
}

// Resume accepts new work again after Drain.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	o.draining = false
	o.mu.Unlock()
	o.log.Info().Msg("resumed: accepting jobs")
}

// Draining reports whether new work is rejected.
func (o *Orchestrator) Draining() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.draining
}

// Wait blocks until every job has finished or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains, waits for running jobs up to ctx and releases resources.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.Drain()
	err := o.Wait(ctx)
	o.stop()
	return err
}

// Integrations returns the cached installed view, refreshed when older than the
// TTL or when refresh is set. The device is queried without holding the cache
// lock.
func (o *Orchestrator) Integrations(ctx context.Context, refresh bool) ([]device.Integration, error) {
	o.cacheMu.Lock()
	if !refresh && o.cached != nil && o.now().Sub(o.cachedAt) < o.cacheTTL {
		list := append([]device.Integration(nil), o.cached...)
		o.cacheMu.Unlock()
		return list, nil
	}
	gen := o.cacheGen
	o.cacheMu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, o.phaseTimeout)
	defer cancel()
	list, err := o.dev.ListInstalled(callCtx)
	if err != nil {
		return nil, fmt.Errorf("list installed integrations: %w", err)
	}

	o.cacheMu.Lock()
	if o.cacheGen == gen {
		o.cached = list
		o.cachedAt = o.now()
		o.cacheGen++
	}
	o.cacheMu.Unlock()
	return append([]device.Integration(nil), list...), nil
}

func (o *Orchestrator) cachedIntegration(id string) (device.Integration, bool) {
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()
	for _, integ := range o.cached {
		if integ.ID == id {
			return integ, true
		}
	}
	return device.Integration{}, false
}

func (o *Orchestrator) invalidate() {
	o.cacheMu.Lock()
	o.cached = nil
	o.cacheGen++
	o.cacheMu.Unlock()
}

func (o *Orchestrator) notify(ev notify.Event) {
	if o.notifier == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = o.now().UTC()
	}
	o.notifier.Notify(ev)
}

func (o *Orchestrator) clearUpdateMarks(ctx context.Context, integrationID string) {
	clearer, ok := o.notifier.(markClearer)
	if !ok {
		return
	}
	if err := clearer.ClearUpdateAvailable(ctx, integrationID); err != nil {
		o.log.Warn().Err(err).Str("integration_id", integrationID).Msg("clear update notification marks")
	}
}
