package orchestrator

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"intgmgr/services/backup"
	"intgmgr/services/device"
	"intgmgr/services/notify"
	"intgmgr/services/registry"
)

// maxRetries is the retry budget of CheckingUpdate and Downloading, three attempts
// in total.
const maxRetries = 2

// plan is the update decided during CheckingUpdate. It is never persisted.
type plan struct {
	integ   device.Integration
	release registry.Release
	method  Method
}

// stopped ends a job early without touching the installed integration.
type stopped struct {
	outcome Outcome
	reason  string
}

func (s *stopped) Error() string { return s.reason }

func (o *Orchestrator) execute(ctx context.Context, j *job) {
	defer o.wg.Done()
	defer activeJobs.Dec()
	defer j.cancel()

	log := o.log.With().
		Str("job_id", j.id().String()).
		Str("integration_id", j.snapshot().IntegrationID).
		Logger()

	err := o.sem.Acquire(ctx, 1)
	if err == nil {
		defer o.sem.Release(1)
		err = o.run(ctx, j)
	} else {
		err = &stopped{outcome: OutcomeCancelled, reason: j.stopReason()}
	}

	now := o.now().UTC()
	var (
		stop   *stopped
		jobErr *JobError
	)
	j.update(func(st *JobStatus) {
		st.Active = false
		st.FinishedAt = &now
		switch {
		case err == nil:
			if st.Phase != PhaseCompletedNoBackup {
				st.Phase = PhaseIdle
			}
		case errors.As(err, &stop):
			st.Phase = PhaseIdle
			st.Outcome = stop.outcome
			st.InstalledState = StateUntouched
			if stop.reason != "" {
				st.Notes = append(st.Notes, stop.reason)
			}
		case errors.As(err, &jobErr):
			st.Outcome = OutcomeFailed
			st.LastError = jobErr.Error()
			st.ErrorPhase = jobErr.Phase
			st.Degraded = jobErr.Degraded
			st.InstalledState = jobErr.InstalledState
			// A failed check never touched the device and returns to Idle.
			if jobErr.Phase == PhaseCheckingUpdate {
				st.Phase = PhaseIdle
			} else {
				st.Phase = PhaseError
			}
		default:
			st.Outcome = OutcomeFailed
			st.LastError = err.Error()
			st.ErrorPhase = st.Phase
			st.Phase = PhaseError
		}
	})

	final := j.snapshot()
	jobsTotal.WithLabelValues(string(final.Trigger), string(final.Outcome)).Inc()
	o.recordHistory(context.WithoutCancel(ctx), final)

	ev := log.Info()
	if final.Outcome == OutcomeFailed {
		ev = log.Error().Str("error_phase", string(final.ErrorPhase)).Bool("degraded", final.Degraded)
	}
	ev.Str("outcome", string(final.Outcome)).
		Str("phase", string(final.Phase)).
		Str("installed_state", final.InstalledState).
		Str("target_version", final.TargetVersion).
		Msg("job finished")

	if final.Outcome == OutcomeFailed {
		o.notifyFailure(final)
	}
	close(j.done)
}

// run walks the state machine. A nil return means the job finished normally with
// its outcome already set.
func (o *Orchestrator) run(ctx context.Context, j *job) error {
	st := j.snapshot()
	ctx, span := o.tracer.Start(ctx, "orchestrator.job")
	span.SetAttributes(
		attribute.String("integration.id", st.IntegrationID),
		attribute.String("job.id", st.ID.String()),
		attribute.String("job.trigger", string(st.Trigger)),
	)
	defer span.End()

	if j.fresh {
		return o.finish(ctx, j, span, o.installNew(ctx, j))
	}

	p, err := o.check(ctx, j)
	if err != nil {
		return o.finish(ctx, j, span, err)
	}
	if p == nil {
		return nil
	}
	if !j.confirmed {
		o.notify(notify.Event{
			Kind:            notify.KindUpdateAvailable,
			IntegrationID:   p.integ.ID,
			IntegrationName: p.integ.Name,
			Version:         p.release.Version,
			FromVersion:     p.integ.InstalledVersion,
			JobID:           st.ID.String(),
		})
		j.update(func(st *JobStatus) {
			st.Outcome = OutcomeUpdateAvailable
			st.InstalledState = StateUntouched
		})
		return nil
	}
	return o.finish(ctx, j, span, o.apply(ctx, j, p))
}

func (o *Orchestrator) finish(ctx context.Context, j *job, span trace.Span, err error) error {
	if err == nil {
		return nil
	}
	var stop *stopped
	if errors.As(err, &stop) {
		return err
	}
	if stop := o.asStop(ctx, j, err); stop != nil {
		return stop
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// asStop turns a context cancellation caused by CancelJob or Drain into a clean
// stop instead of a failure.
func (o *Orchestrator) asStop(ctx context.Context, j *job, err error) *stopped {
	if ctx.Err() == nil {
		return nil
	}
	var jobErr *JobError
	if errors.As(err, &jobErr) && jobErr.Phase.Committed() {
		return nil
	}
	if reason := j.stopReason(); reason != "" {
		return &stopped{outcome: OutcomeCancelled, reason: reason}
	}
	return nil
}

// check is CheckingUpdate. It returns a nil plan when the integration is up to date.
func (o *Orchestrator) check(ctx context.Context, j *job) (*plan, error) {
	if !j.enter(PhaseCheckingUpdate) {
		return nil, &stopped{outcome: OutcomeCancelled, reason: j.stopReason()}
	}
	st := j.snapshot()
	defer o.observe(PhaseCheckingUpdate, o.now())
	ctx, span := o.tracer.Start(ctx, "orchestrator.check")
	defer span.End()

	fail := func(err error) error {
		return &JobError{Phase: PhaseCheckingUpdate, Cause: err, InstalledState: StateUntouched}
	}

	installed, err := o.Integrations(ctx, true)
	if err != nil {
		return nil, fail(err)
	}
	var integ device.Integration
	found := false
	for _, candidate := range installed {
		if candidate.ID == st.IntegrationID {
			integ, found = candidate, true
			break
		}
	}
	if !found {
		return nil, &JobError{
			Phase:          PhaseCheckingUpdate,
			Cause:          fmt.Errorf("%w: integration %s", device.ErrNotFound, st.IntegrationID),
			InstalledState: StateMissing,
		}
	}
	j.update(func(st *JobStatus) {
		st.IntegrationName = integ.Name
		st.FromVersion = integ.InstalledVersion
	})
	if !integ.Custom() {
		return nil, fail(ErrNotManaged)
	}
	repo, err := registry.ParseRepoURL(integ.HomePage)
	if err != nil {
		return nil, fail(fmt.Errorf("%w: %v", ErrNoRepository, err))
	}

	var rel registry.Release
	err = o.retry(ctx, func(ctx context.Context) error {
		var err error
		rel, err = o.resolve(ctx, repo, st.Selector, j.settings.IncludePrerelease)
		return err
	})
	if err != nil {
		return nil, fail(err)
	}
	span.SetAttributes(attribute.String("release.tag", rel.Tag))

	j.update(func(st *JobStatus) { st.TargetVersion = rel.Version })
	explicit := st.Selector != SelectorLatest && st.Selector != SelectorLatestIncludePrerelease
	if !needsUpdate(j, rel.Version, integ.InstalledVersion, explicit) {
		j.update(func(st *JobStatus) {
			st.Outcome = OutcomeUpToDate
			st.InstalledState = StateUntouched
		})
		return nil, nil
	}

	p := &plan{integ: integ, release: rel, method: MethodBackupRestore}
	if !integ.SupportsBackupRestore {
		p.method = MethodReinstallOnly
	}
	if !j.enter(PhaseUpdateAvailable) {
		return nil, &stopped{outcome: OutcomeCancelled, reason: j.stopReason()}
	}
	j.update(func(st *JobStatus) { st.Method = p.method })
	return p, nil
}

// needsUpdate decides whether the resolved version replaces the installed one. An
// explicit tag installs whenever it differs. Latest selections only move forward
// and never act on versions that are not semantic.
func needsUpdate(j *job, candidate, installed string, explicit bool) bool {
	if registry.CompareVersions(candidate, installed) == 0 {
		return false
	}
	if explicit {
		return true
	}
	if !registry.Comparable(candidate, installed) {
		j.note(fmt.Sprintf("release %q and installed %q are not both semantic versions; request the tag explicitly to install it", candidate, installed))
		return false
	}
	return registry.IsNewer(candidate, installed)
}

func (o *Orchestrator) resolve(ctx context.Context, repo registry.Repo, selector string, includePrerelease bool) (registry.Release, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.phaseTimeout)
	defer cancel()
	switch selector {
	case SelectorLatest:
		return o.releases.ResolveLatest(callCtx, repo, includePrerelease)
	case SelectorLatestIncludePrerelease:
		return o.releases.ResolveLatest(callCtx, repo, true)
	default:
		return o.releases.GetByTag(callCtx, repo, selector)
	}
}

// apply runs BackingUp through Restoring for a confirmed plan.
func (o *Orchestrator) apply(ctx context.Context, j *job, p *plan) error {
	st := j.snapshot()
	o.notify(notify.Event{
		Kind:            notify.KindUpdateStarted,
		IntegrationID:   p.integ.ID,
		IntegrationName: p.integ.Name,
		Version:         p.release.Version,
		FromVersion:     p.integ.InstalledVersion,
		JobID:           st.ID.String(),
	})

	var snapID uuid.UUID
	if p.method == MethodBackupRestore {
		if !j.enter(PhaseBackingUp) {
			return &stopped{outcome: OutcomeCancelled, reason: j.stopReason()}
		}
		snap, err := o.backup(ctx, p.integ.ID)
		if err != nil {
			return &JobError{Phase: PhaseBackingUp, Cause: err, InstalledState: StateUntouched}
		}
		snapID = snap.ID
		j.update(func(st *JobStatus) { st.SnapshotID = snap.ID.String() })
	} else {
		j.note("integration does not support configuration backup; it will need to be reconfigured")
		o.notify(notify.Event{
			Kind:            notify.KindReconfigureRequired,
			IntegrationID:   p.integ.ID,
			IntegrationName: p.integ.Name,
			Version:         p.release.Version,
			JobID:           st.ID.String(),
			Message:         "configuration backup is not supported, the integration must be set up again after the update",
		})
	}

	if !j.enter(PhaseDownloading) {
		return &stopped{outcome: OutcomeCancelled, reason: j.stopReason()}
	}
	archive, err := o.download(ctx, p.release)
	if err != nil {
		if stop := o.asStop(ctx, j, err); stop != nil {
			return stop
		}
		return &JobError{Phase: PhaseDownloading, Cause: err, InstalledState: StateUntouched}
	}

	// Last point at which a cancel or a drain is honoured.
	if !j.enter(PhaseUninstalling) {
		return &stopped{outcome: OutcomeCancelled, reason: j.stopReason()}
	}
	// The remaining phases run to completion even when the job context ends.
	ctx = context.WithoutCancel(ctx)
	o.invalidate()

	if err := o.uninstall(ctx, p.integ.ID); err != nil {
		present, qerr := o.present(ctx, p.integ.ID)
		state := StatePartiallyRemoved
		degraded := false
		if qerr == nil && !present {
			state = StateMissing
			degraded = true
		}
		return &JobError{Phase: PhaseUninstalling, Cause: err, Degraded: degraded, InstalledState: state}
	}

	j.setPhase(PhaseInstalling)
	if err := o.install(ctx, p, archive); err != nil {
		return &JobError{Phase: PhaseInstalling, Cause: err, Degraded: true, InstalledState: StateMissing}
	}
	if !o.waitInstalled(ctx, p.integ.ID) {
		j.note("driver was not listed by the device after installation")
	}

	if p.method == MethodReinstallOnly {
		o.completeNoBackup(j, p, "updated without configuration backup")
		return nil
	}

	j.setPhase(PhaseRestoring)
	restored, err := o.restore(ctx, j, p.integ.ID, snapID)
	if err != nil {
		return &JobError{Phase: PhaseRestoring, Cause: err, InstalledState: StateUnconfigured}
	}
	if !restored {
		o.completeNoBackup(j, p, "no configuration snapshot was available to restore")
		return nil
	}

	j.update(func(st *JobStatus) {
		st.Phase = PhaseIdle
		st.Outcome = OutcomeUpdated
		st.InstalledState = StateInstalledRestored
	})
	o.clearUpdateMarks(ctx, p.integ.ID)
	o.notify(notify.Event{
		Kind:            notify.KindUpdateCompleted,
		IntegrationID:   p.integ.ID,
		IntegrationName: p.integ.Name,
		Version:         p.release.Version,
		FromVersion:     p.integ.InstalledVersion,
		JobID:           st.ID.String(),
	})
	return nil
}

func (o *Orchestrator) completeNoBackup(j *job, p *plan, reason string) {
	st := j.snapshot()
	j.update(func(st *JobStatus) {
		st.Phase = PhaseCompletedNoBackup
		st.Outcome = OutcomeCompletedNoBackup
		st.InstalledState = StateUnconfigured
		st.Notes = append(st.Notes, reason)
	})
	o.clearUpdateMarks(context.Background(), p.integ.ID)
	o.notify(notify.Event{
		Kind:            notify.KindUpdateCompleted,
		IntegrationID:   p.integ.ID,
		IntegrationName: p.integ.Name,
		Version:         p.release.Version,
		FromVersion:     p.integ.InstalledVersion,
		JobID:           st.ID.String(),
		Message:         reason,
	})
	if p.method == MethodBackupRestore {
		o.notify(notify.Event{
			Kind:            notify.KindReconfigureRequired,
			IntegrationID:   p.integ.ID,
			IntegrationName: p.integ.Name,
			Version:         p.release.Version,
			JobID:           st.ID.String(),
			Message:         reason,
		})
	}
}

func (o *Orchestrator) notifyFailure(st JobStatus) {
	// A failed scheduled check is retried on the next tick.
	if st.ErrorPhase == PhaseCheckingUpdate && st.Trigger == TriggerScheduled {
		return
	}
	o.notify(notify.Event{
		Kind:            notify.KindUpdateFailed,
		IntegrationID:   st.IntegrationID,
		IntegrationName: st.IntegrationName,
		Version:         st.TargetVersion,
		FromVersion:     st.FromVersion,
		JobID:           st.ID.String(),
		Phase:           string(st.ErrorPhase),
		Message:         st.LastError,
		Degraded:        st.Degraded,
	})
	if st.Degraded {
		o.notify(notify.Event{
			Kind:            notify.KindDegraded,
			IntegrationID:   st.IntegrationID,
			IntegrationName: st.IntegrationName,
			Version:         st.TargetVersion,
			JobID:           st.ID.String(),
			Phase:           string(st.ErrorPhase),
			Message:         "integration is " + st.InstalledState + ": " + st.LastError,
			Degraded:        true,
		})
	}
}

func (o *Orchestrator) backup(ctx context.Context, id string) (backup.Snapshot, error) {
	defer o.observe(PhaseBackingUp, o.now())
	ctx, span := o.tracer.Start(ctx, "orchestrator.backup")
	defer span.End()
	callCtx, cancel := context.WithTimeout(ctx, o.phaseTimeout)
	defer cancel()
	return o.snapshots.Capture(callCtx, id, backup.SourcePreUpdate)
}

func (o *Orchestrator) download(ctx context.Context, rel registry.Release) ([]byte, error) {
	defer o.observe(PhaseDownloading, o.now())
	ctx, span := o.tracer.Start(ctx, "orchestrator.download")
	defer span.End()
	span.SetAttributes(attribute.String("release.artifact", rel.ArtifactName))

	var data []byte
	err := o.retry(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, o.phaseTimeout)
		defer cancel()
		var err error
		data, err = o.releases.Download(callCtx, rel)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := verifyArchive(data); err != nil {
		return nil, err
	}
	return data, nil
}

func (o *Orchestrator) uninstall(ctx context.Context, id string) error {
	defer o.observe(PhaseUninstalling, o.now())
	ctx, span := o.tracer.Start(ctx, "orchestrator.uninstall")
	defer span.End()
	callCtx, cancel := context.WithTimeout(ctx, o.phaseTimeout)
	defer cancel()
	err := o.dev.Uninstall(callCtx, id)
	if errors.Is(err, device.ErrNotFound) {
		// Already gone counts as uninstalled.
		return nil
	}
	return err
}

func (o *Orchestrator) install(ctx context.Context, p *plan, archive []byte) error {
	defer o.observe(PhaseInstalling, o.now())
	ctx, span := o.tracer.Start(ctx, "orchestrator.install")
	defer span.End()
	callCtx, cancel := context.WithTimeout(ctx, o.phaseTimeout)
	defer cancel()
	name := p.release.ArtifactName
	if name == "" {
		name = p.integ.ID + ".tar.gz"
	}
	return o.dev.Install(callCtx, name, archive)
}

// restore applies the pre-update snapshot, falling back to the latest snapshot of
// the integration. It reports false when neither exists.
func (o *Orchestrator) restore(ctx context.Context, j *job, id string, preUpdate uuid.UUID) (bool, error) {
	defer o.observe(PhaseRestoring, o.now())
	ctx, span := o.tracer.Start(ctx, "orchestrator.restore")
	defer span.End()
	callCtx, cancel := context.WithTimeout(ctx, o.phaseTimeout)
	defer cancel()

	target := uuid.Nil
	if preUpdate != uuid.Nil {
		snap, err := o.snapshots.Get(callCtx, preUpdate)
		switch {
		case err == nil:
			target = snap.ID
		case !errors.Is(err, backup.ErrNotFound):
			return false, err
		}
	}
	if target == uuid.Nil {
		snap, err := o.snapshots.Latest(callCtx, id)
		switch {
		case err == nil:
			target = snap.ID
			j.note("pre-update snapshot unavailable, restored snapshot " + snap.ID.String())
		case errors.Is(err, backup.ErrNotFound):
			return false, nil
		default:
			return false, err
		}
	}
	span.SetAttributes(attribute.String("snapshot.id", target.String()))
	if err := o.snapshots.ApplySnapshot(callCtx, id, target); err != nil {
		return false, err
	}
	j.update(func(st *JobStatus) { st.SnapshotID = target.String() })
	return true, nil
}

func (o *Orchestrator) present(ctx context.Context, id string) (bool, error) {
	installed, err := o.Integrations(ctx, true)
	if err != nil {
		return false, err
	}
	for _, integ := range installed {
		if integ.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// waitInstalled polls the device until id is listed again, a bounded number of times.
func (o *Orchestrator) waitInstalled(ctx context.Context, id string) bool {
	for attempt := 0; attempt < o.pollAttempts; attempt++ {
		if ok, err := o.present(ctx, id); err == nil && ok {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(o.pollInterval):
		}
	}
	return false
}

func (o *Orchestrator) retry(ctx context.Context, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(maxRetries, retry.NewExponential(o.retryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && transient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (o *Orchestrator) observe(phase Phase, started time.Time) {
	phaseDuration.WithLabelValues(string(phase)).Observe(o.now().Sub(started).Seconds())
}

// verifyArchive checks that data is a gzip compressed tar stream with at least one
// entry.
func verifyArchive(data []byte) error {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return fmt.Errorf("%w: missing gzip header", ErrBadArtifact)
	}
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadArtifact, err)
	}
	defer gz.Close()
	if _, err := tar.NewReader(gz).Next(); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty tar stream", ErrBadArtifact)
		}
		return fmt.Errorf("%w: %v", ErrBadArtifact, err)
	}
	return nil
}
