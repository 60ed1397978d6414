package orchestrator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"intgmgr/services/device"
	"intgmgr/services/notify"
	"intgmgr/services/registry"
)

// installNew is the fresh install path: CheckingUpdate finds the catalog entry and
// resolves the release, then Downloading and Installing run as in an update.
func (o *Orchestrator) installNew(ctx context.Context, j *job) error {
	p, err := o.planInstall(ctx, j)
	if err != nil {
		return err
	}
	st := j.snapshot()
	o.notify(notify.Event{
		Kind:            notify.KindUpdateStarted,
		IntegrationID:   p.integ.ID,
		IntegrationName: p.integ.Name,
		Version:         p.release.Version,
		JobID:           st.ID.String(),
		Message:         "installing",
	})

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

	if !j.enter(PhaseInstalling) {
		return &stopped{outcome: OutcomeCancelled, reason: j.stopReason()}
	}
	ctx = context.WithoutCancel(ctx)
	o.invalidate()
	if err := o.install(ctx, p, archive); err != nil {
		state := StateMissing
		if present, qerr := o.present(ctx, p.integ.ID); qerr == nil && present {
			state = StateUnconfigured
		}
		return &JobError{Phase: PhaseInstalling, Cause: err, InstalledState: state}
	}
	if !o.waitInstalled(ctx, p.integ.ID) {
		j.note("driver was not listed by the device after installation")
	}

	j.update(func(st *JobStatus) {
		st.Phase = PhaseIdle
		st.Outcome = OutcomeInstalled
		st.InstalledState = StateInstalled
		st.Notes = append(st.Notes, "installed, the integration must be set up on the device")
	})
	o.notify(notify.Event{
		Kind:            notify.KindUpdateCompleted,
		IntegrationID:   p.integ.ID,
		IntegrationName: p.integ.Name,
		Version:         p.release.Version,
		JobID:           st.ID.String(),
		Message:         "installed",
	})
	return nil
}

func (o *Orchestrator) planInstall(ctx context.Context, j *job) (*plan, error) {
	if !j.enter(PhaseCheckingUpdate) {
		return nil, &stopped{outcome: OutcomeCancelled, reason: j.stopReason()}
	}
	st := j.snapshot()
	defer o.observe(PhaseCheckingUpdate, o.now())
	ctx, span := o.tracer.Start(ctx, "orchestrator.plan_install")
	defer span.End()

	fail := func(err error) error {
		return &JobError{Phase: PhaseCheckingUpdate, Cause: err, InstalledState: StateUntouched}
	}

	installed, err := o.Integrations(ctx, true)
	if err != nil {
		return nil, fail(err)
	}
	for _, integ := range installed {
		if integ.ID == st.IntegrationID {
			return nil, fail(fmt.Errorf("%w: %s %s", ErrAlreadyInstalled, integ.ID, integ.InstalledVersion))
		}
	}

	item, ok := o.catalog.Lookup(ctx, st.IntegrationID, "")
	if !ok {
		return nil, fail(fmt.Errorf("%w: %s is not listed in the integration catalog", registry.ErrNotFound, st.IntegrationID))
	}
	repo, err := registry.ParseRepoURL(item.Repository)
	if err != nil {
		return nil, fail(fmt.Errorf("%w: %v", ErrNoRepository, err))
	}
	name := item.Name
	if name == "" {
		name = st.IntegrationID
	}
	j.update(func(st *JobStatus) { st.IntegrationName = name })

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

	return &plan{
		integ: device.Integration{
			ID:         st.IntegrationID,
			Name:       name,
			HomePage:   item.Repository,
			DriverType: device.DriverTypeCustom,
		},
		release: rel,
		method:  MethodFreshInstall,
	}, nil
}
