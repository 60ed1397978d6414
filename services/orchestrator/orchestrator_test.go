package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intgmgr/pkg/db"
	"intgmgr/services/backup"
	"intgmgr/services/device"
	"intgmgr/services/notify"
	"intgmgr/services/registry"
)

func TestNewValidation(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorContains(t, err, "device client is required")
	_, err = New(Config{Device: newFakeDevice()})
	assert.ErrorContains(t, err, "release resolver is required")
}

func TestUpdateWithBackupAndRestore(t *testing.T) {
	f := newFixture(t)

	st, err := f.orch.RequestUpdate("demo", SelectorLatest)
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.Equal(t, TriggerManual, st.Trigger)

	st = f.wait(t, "demo")
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Equal(t, OutcomeUpdated, st.Outcome)
	assert.Equal(t, MethodBackupRestore, st.Method)
	assert.Equal(t, "1.0.0", st.FromVersion)
	assert.Equal(t, "1.1.0", st.TargetVersion)
	assert.Equal(t, StateInstalledRestored, st.InstalledState)
	require.NotEmpty(t, st.SnapshotID)

	restored := f.snapshots.restoredIDs()
	require.Len(t, restored, 1)
	assert.Equal(t, st.SnapshotID, restored[0].String())

	uninstalls, installs := f.dev.calls()
	assert.Equal(t, []string{"demo"}, uninstalls)
	assert.Equal(t, []string{"demo-1.1.0.tar.gz"}, installs)
	v, ok := f.dev.version("demo")
	require.True(t, ok)
	assert.Equal(t, "1.1.0", v)

	assert.Equal(t, []notify.Kind{notify.KindUpdateStarted, notify.KindUpdateCompleted}, f.notes.kinds())
}

func TestReinstallOnlySkipsBackup(t *testing.T) {
	f := newFixture(t)
	integ := demoIntegration()
	integ.SupportsBackupRestore = false
	f.dev.installed["demo"] = integ

	_, err := f.orch.RequestUpdate("demo", SelectorLatest)
	require.NoError(t, err)
	st := f.wait(t, "demo")

	assert.Equal(t, MethodReinstallOnly, st.Method)
	assert.Equal(t, PhaseCompletedNoBackup, st.Phase)
	assert.Equal(t, OutcomeCompletedNoBackup, st.Outcome)
	assert.Equal(t, StateUnconfigured, st.InstalledState)
	assert.Zero(t, f.snapshots.captureCount())
	assert.Empty(t, f.snapshots.restoredIDs())
	assert.Contains(t, f.notes.kinds(), notify.KindReconfigureRequired)
	assert.Equal(t, 1, f.releases.downloadCount())
}

func TestOneJobPerIntegration(t *testing.T) {
	f := newFixture(t)
	f.releases.downloadStarted = make(chan struct{})
	f.releases.downloadRelease = make(chan struct{})
	started := f.releases.downloadStarted

	_, err := f.orch.RequestUpdate("demo", SelectorLatest)
	require.NoError(t, err)
	<-started

	_, err = f.orch.RequestUpdate("demo", SelectorLatest)
	assert.ErrorIs(t, err, ErrJobActive)
	assert.ErrorIs(t, err, ErrPrecondition)
	_, err = f.orch.RequestBackup(context.Background(), "demo", backup.SourceManual)
	assert.ErrorIs(t, err, ErrJobActive)

	_, err = f.orch.RequestCheck("other", TriggerManual)
	assert.NoError(t, err)

	close(f.releases.downloadRelease)
	assert.Equal(t, OutcomeUpdated, f.wait(t, "demo").Outcome)
	f.wait(t, "other")

	_, err = f.orch.RequestUpdate("demo", SelectorLatest)
	assert.NoError(t, err)
	f.wait(t, "demo")
}

func TestFailedDownloadKeepsInstalledVersion(t *testing.T) {
	f := newFixture(t)
	unavailable := fmt.Errorf("%w: status 502", registry.ErrUnavailable)
	f.releases.downloadErrs = []error{unavailable, unavailable, unavailable}

	_, err := f.orch.RequestUpdate("demo", SelectorLatest)
	require.NoError(t, err)
	st := f.wait(t, "demo")

	assert.Equal(t, PhaseError, st.Phase)
	assert.Equal(t, PhaseDownloading, st.ErrorPhase)
	assert.Equal(t, OutcomeFailed, st.Outcome)
	assert.Equal(t, StateUntouched, st.InstalledState)
	assert.False(t, st.Degraded)
	assert.Equal(t, 3, f.releases.downloadCount())

	uninstalls, installs := f.dev.calls()
	assert.Empty(t, uninstalls)
	assert.Empty(t, installs)
	v, _ := f.dev.version("demo")
	assert.Equal(t, "1.0.0", v)
	assert.Contains(t, f.notes.kinds(), notify.KindUpdateFailed)
}

func TestTransientDownloadIsRetried(t *testing.T) {
	f := newFixture(t)
	unavailable := fmt.Errorf("%w: reset", registry.ErrUnavailable)
	f.releases.downloadErrs = []error{unavailable, unavailable}

	_, err := f.orch.RequestUpdate("demo", SelectorLatest)
	require.NoError(t, err)
	st := f.wait(t, "demo")
	assert.Equal(t, OutcomeUpdated, st.Outcome)
	assert.Equal(t, 3, f.releases.downloadCount())
}

func TestInvalidArtifactIsNotInstalled(t *testing.T) {
	f := newFixture(t)
	f.releases.artifact = []byte("<html>not found</html>")

	_, err := f.orch.RequestUpdate("demo", SelectorLatest)
	require.NoError(t, err)
	st := f.wait(t, "demo")
	assert.Equal(t, PhaseDownloading, st.ErrorPhase)
	assert.Contains(t, st.LastError, ErrBadArtifact.Error())
	assert.Equal(t, 1, f.releases.downloadCount())
	uninstalls, _ := f.dev.calls()
	assert.Empty(t, uninstalls)
}

func TestInstallFailureIsDegraded(t *testing.T) {
	f := newFixture(t)
	f.dev.installErr = fmt.Errorf("%w: status 500", device.ErrTransient)

	_, err := f.orch.RequestUpdate("demo", SelectorLatest)
	require.NoError(t, err)
	st := f.wait(t, "demo")

	assert.Equal(t, PhaseError, st.Phase)
	assert.Equal(t, PhaseInstalling, st.ErrorPhase)
	assert.True(t, st.Degraded)
	assert.Equal(t, StateMissing, st.InstalledState)
	assert.Contains(t, st.LastError, "missing")

	_, installs := f.dev.calls()
	assert.Len(t, installs, 1, "install is attempted once")
	_, present := f.dev.version("demo")
	assert.False(t, present)

	snapID := st.SnapshotID
	require.NotEmpty(t, snapID)
	snap, err := f.snapshots.Latest(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, snapID, snap.ID.String(), "pre-update snapshot is kept")

	kinds := f.notes.kinds()
	assert.Contains(t, kinds, notify.KindUpdateFailed)
	assert.Contains(t, kinds, notify.KindDegraded)

	_, err = f.orch.RequestCheck("demo", TriggerManual)
	assert.NoError(t, err, "a fresh check may be requested after an error")
	f.wait(t, "demo")
}

func TestUninstallFailureReportsInstalledState(t *testing.T) {
	cases := []struct {
		name     string
		removed  bool
		state    string
		degraded bool
	}{
		{name: "integration gone", removed: true, state: StateMissing, degraded: true},
		{name: "integration still listed", removed: false, state: StatePartiallyRemoved},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.dev.uninstallErr = fmt.Errorf("%w: status 500", device.ErrTransient)
			f.dev.removeOnError = tc.removed

			_, err := f.orch.RequestUpdate("demo", SelectorLatest)
			require.NoError(t, err)
			st := f.wait(t, "demo")

			assert.Equal(t, PhaseError, st.Phase)
			assert.Equal(t, PhaseUninstalling, st.ErrorPhase)
			assert.Equal(t, OutcomeFailed, st.Outcome)
			assert.Equal(t, tc.state, st.InstalledState)
			assert.Equal(t, tc.degraded, st.Degraded)
			assert.NotEmpty(t, st.SnapshotID, "pre-update snapshot is kept")

			uninstalls, installs := f.dev.calls()
			assert.Equal(t, []string{"demo"}, uninstalls)
			assert.Empty(t, installs)
			assert.Empty(t, f.snapshots.restoredIDs())
			_, present := f.dev.version("demo")
			assert.Equal(t, !tc.removed, present)
			if tc.degraded {
				assert.Contains(t, f.notes.kinds(), notify.KindDegraded)
			} else {
				assert.NotContains(t, f.notes.kinds(), notify.KindDegraded)
			}
		})
	}
}

func TestBackupFailureStopsBeforeDownload(t *testing.T) {
	f := newFixture(t)
	f.snapshots.captureErr = errors.New("setup flow rejected the backup request")

	_, err := f.orch.RequestUpdate("demo", SelectorLatest)
	require.NoError(t, err)
	st := f.wait(t, "demo")

	assert.Equal(t, PhaseError, st.Phase)
	assert.Equal(t, PhaseBackingUp, st.ErrorPhase)
	assert.Equal(t, OutcomeFailed, st.Outcome)
	assert.Equal(t, StateUntouched, st.InstalledState)
	assert.False(t, st.Degraded)
	assert.Empty(t, st.SnapshotID)
	assert.Contains(t, st.LastError, "setup flow rejected")

	assert.Equal(t, 1, f.snapshots.captureCount())
	assert.Zero(t, f.releases.downloadCount())
	uninstalls, installs := f.dev.calls()
	assert.Empty(t, uninstalls)
	assert.Empty(t, installs)
	v, _ := f.dev.version("demo")
	assert.Equal(t, "1.0.0", v)
	assert.Contains(t, f.notes.kinds(), notify.KindUpdateFailed)
}

func TestRequestsDoNotWaitForDeviceListing(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	started := make(chan struct{})
	f.dev.listBlock = release
	f.dev.listStarted = started

	listed := make(chan error, 1)
	go func() {
		_, err := f.orch.Integrations(context.Background(), true)
		listed <- err
	}()
	<-started

	accepted := make(chan error, 1)
	go func() {
		_, err := f.orch.RequestUpdate("other", SelectorLatest)
		if err == nil {
			_, err = f.orch.GetJobStatus("other")
		}
		f.orch.Jobs()
		accepted <- err
	}()
	select {
	case err := <-accepted:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("job request waited for an in-flight device listing")
	}

	close(release)
	require.NoError(t, <-listed)
	assert.Equal(t, OutcomeUpToDate, f.wait(t, "other").Outcome)
}

func TestStaleListingDoesNotOverwriteInvalidation(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	started := make(chan struct{})
	f.dev.listBlock = release
	f.dev.listStarted = started

	listed := make(chan error, 1)
	go func() {
		_, err := f.orch.Integrations(context.Background(), true)
		listed <- err
	}()
	<-started
	f.orch.invalidate()
	close(release)
	require.NoError(t, <-listed)

	_, known := f.orch.cachedIntegration("demo")
	assert.False(t, known, "a listing started before invalidation is not cached")

	_, err := f.orch.Integrations(context.Background(), false)
	require.NoError(t, err)
	_, known = f.orch.cachedIntegration("demo")
	assert.True(t, known)
}

func withCatalog(cfg *Config) {
	cfg.Catalog = staticCatalog{
		"fresh":  {DriverID: "fresh", Name: "Fresh", Repository: "https://github.com/acme/uc-intg-fresh"},
		"norepo": {DriverID: "norepo", Name: "No Repo"},
	}
}

func TestInstallNewIntegration(t *testing.T) {
	f := newFixture(t, withCatalog)
	f.dev.arriving = []device.Integration{{
		ID:               "fresh",
		Name:             "Fresh",
		InstalledVersion: "1.1.0",
		HomePage:         "https://github.com/acme/uc-intg-fresh",
		DriverType:       device.DriverTypeCustom,
	}}

	st, err := f.orch.RequestInstall("fresh", SelectorLatest)
	require.NoError(t, err)
	assert.Equal(t, MethodFreshInstall, st.Method)
	st = f.wait(t, "fresh")

	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Equal(t, OutcomeInstalled, st.Outcome)
	assert.Equal(t, StateInstalled, st.InstalledState)
	assert.Equal(t, "Fresh", st.IntegrationName)
	assert.Equal(t, "1.1.0", st.TargetVersion)
	assert.Empty(t, st.FromVersion)
	assert.Empty(t, st.SnapshotID)

	uninstalls, installs := f.dev.calls()
	assert.Empty(t, uninstalls)
	assert.Equal(t, []string{"demo-1.1.0.tar.gz"}, installs)
	assert.Zero(t, f.snapshots.captureCount())
	assert.Empty(t, f.snapshots.restoredIDs())
	v, ok := f.dev.version("fresh")
	require.True(t, ok)
	assert.Equal(t, "1.1.0", v)
	assert.Equal(t, []notify.Kind{notify.KindUpdateStarted, notify.KindUpdateCompleted}, f.notes.kinds())
}

func TestInstallRejections(t *testing.T) {
	t.Run("no catalog", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.orch.RequestInstall("fresh", SelectorLatest)
		assert.ErrorIs(t, err, ErrPrecondition)
	})

	t.Run("installed integration known from the cache", func(t *testing.T) {
		f := newFixture(t, withCatalog)
		_, err := f.orch.Integrations(context.Background(), true)
		require.NoError(t, err)
		_, err = f.orch.RequestInstall("demo", SelectorLatest)
		assert.ErrorIs(t, err, ErrAlreadyInstalled)
		assert.Equal(t, KindPrecondition, Classify(err))
	})

	t.Run("installed integration found by the job", func(t *testing.T) {
		f := newFixture(t, withCatalog)
		_, err := f.orch.RequestInstall("demo", SelectorLatest)
		require.NoError(t, err)
		st := f.wait(t, "demo")
		assert.Equal(t, PhaseIdle, st.Phase)
		assert.Equal(t, PhaseCheckingUpdate, st.ErrorPhase)
		assert.Contains(t, st.LastError, "already installed")
		_, installs := f.dev.calls()
		assert.Empty(t, installs)
	})

	t.Run("not in the catalog", func(t *testing.T) {
		f := newFixture(t, withCatalog)
		_, err := f.orch.RequestInstall("unknown", SelectorLatest)
		require.NoError(t, err)
		st := f.wait(t, "unknown")
		assert.Equal(t, OutcomeFailed, st.Outcome)
		assert.Equal(t, PhaseCheckingUpdate, st.ErrorPhase)
		assert.Contains(t, st.LastError, "not listed")
		assert.Zero(t, f.releases.downloadCount())
	})

	t.Run("catalog entry without repository", func(t *testing.T) {
		f := newFixture(t, withCatalog)
		_, err := f.orch.RequestInstall("norepo", SelectorLatest)
		require.NoError(t, err)
		st := f.wait(t, "norepo")
		assert.Equal(t, PhaseCheckingUpdate, st.ErrorPhase)
		assert.Contains(t, st.LastError, ErrNoRepository.Error())
	})
}

func TestInstallFailureLeavesNothingBehind(t *testing.T) {
	f := newFixture(t, withCatalog)
	f.dev.installErr = fmt.Errorf("%w: status 500", device.ErrTransient)

	_, err := f.orch.RequestInstall("fresh", SelectorLatest)
	require.NoError(t, err)
	st := f.wait(t, "fresh")
	assert.Equal(t, PhaseError, st.Phase)
	assert.Equal(t, PhaseInstalling, st.ErrorPhase)
	assert.Equal(t, StateMissing, st.InstalledState)
	assert.False(t, st.Degraded)
}

func TestJobErrorDegraded(t *testing.T) {
	err := error(&JobError{Phase: PhaseInstalling, Cause: device.ErrTransient, Degraded: true, InstalledState: StateMissing})
	assert.ErrorIs(t, err, ErrDegraded)
	assert.ErrorIs(t, err, device.ErrTransient)
	assert.Equal(t, KindDegraded, Classify(err))

	notDegraded := &JobError{Phase: PhaseDownloading, Cause: registry.ErrUnavailable}
	assert.NotErrorIs(t, notDegraded, ErrDegraded)
	assert.Equal(t, KindUnavailable, Classify(notDegraded))
}

func TestRestoreFallsBackToLatestSnapshot(t *testing.T) {
	f := newFixture(t)
	older := f.snapshots.add("demo", backup.SourceManual)
	f.snapshots.dropOnCapture = true

	_, err := f.orch.RequestUpdate("demo", SelectorLatest)
	require.NoError(t, err)
	st := f.wait(t, "demo")

	assert.Equal(t, OutcomeUpdated, st.Outcome)
	assert.Equal(t, []string{older.ID.String()}, idsToStrings(f.snapshots.restoredIDs()))
	assert.Equal(t, older.ID.String(), st.SnapshotID)
	assert.NotEmpty(t, st.Notes)
}

func TestRestoreSkippedWithoutSnapshot(t *testing.T) {
	f := newFixture(t)
	f.snapshots.dropOnCapture = true

	_, err := f.orch.RequestUpdate("demo", SelectorLatest)
	require.NoError(t, err)
	st := f.wait(t, "demo")

	assert.Equal(t, PhaseCompletedNoBackup, st.Phase)
	assert.Equal(t, OutcomeCompletedNoBackup, st.Outcome)
	assert.Equal(t, StateUnconfigured, st.InstalledState)
	assert.Empty(t, f.snapshots.restoredIDs())
	assert.Contains(t, f.notes.kinds(), notify.KindReconfigureRequired)
}

func TestRestoreFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	f.snapshots.restoreErr = errors.New("setup flow rejected restore_data")

	_, err := f.orch.RequestUpdate("demo", SelectorLatest)
	require.NoError(t, err)
	st := f.wait(t, "demo")

	assert.Equal(t, PhaseError, st.Phase)
	assert.Equal(t, PhaseRestoring, st.ErrorPhase)
	assert.False(t, st.Degraded)
	assert.Equal(t, StateUnconfigured, st.InstalledState)
	v, _ := f.dev.version("demo")
	assert.Equal(t, "1.1.0", v)
}

func TestUpToDate(t *testing.T) {
	tests := []struct {
		name   string
		latest string
	}{
		{"equal", "1.0.0"},
		{"older", "0.9.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.releases.latest = registry.Release{Tag: "v" + tt.latest, Version: tt.latest, ArtifactURL: "x"}

			_, err := f.orch.RequestUpdate("demo", SelectorLatest)
			require.NoError(t, err)
			st := f.wait(t, "demo")
			assert.Equal(t, PhaseIdle, st.Phase)
			assert.Equal(t, OutcomeUpToDate, st.Outcome)
			assert.Zero(t, f.releases.downloadCount())
			assert.Zero(t, f.snapshots.captureCount())
		})
	}
}

func TestNonSemanticLatestIsNotInstalled(t *testing.T) {
	f := newFixture(t)
	f.releases.latest = registry.Release{Tag: "nightly-2025-03-01", Version: "nightly-2025-03-01", ArtifactURL: "x"}

	_, err := f.orch.RequestUpdate("demo", SelectorLatest)
	require.NoError(t, err)
	st := f.wait(t, "demo")
	assert.Equal(t, OutcomeUpToDate, st.Outcome)
	require.Len(t, st.Notes, 1)
	assert.Contains(t, st.Notes[0], "not both semantic versions")
	assert.Zero(t, f.releases.downloadCount())

	f.releases.tags["nightly-2025-03-01"] = f.releases.latest
	f.dev.nextVersion = "nightly-2025-03-01"
	_, err = f.orch.RequestUpdate("demo", "nightly-2025-03-01")
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, f.wait(t, "demo").Outcome, "an explicit tag still installs")
}

func TestExplicitTagMayDowngrade(t *testing.T) {
	f := newFixture(t)
	f.releases.tags["v0.9.0"] = registry.Release{Tag: "v0.9.0", Version: "0.9.0", ArtifactURL: "x", ArtifactName: "demo-0.9.0.tar.gz"}
	f.dev.nextVersion = "0.9.0"

	_, err := f.orch.RequestUpdate("demo", "v0.9.0")
	require.NoError(t, err)
	st := f.wait(t, "demo")
	assert.Equal(t, OutcomeUpdated, st.Outcome)
	assert.Equal(t, "0.9.0", st.TargetVersion)

	_, err = f.orch.RequestUpdate("demo", "v9.9.9")
	require.NoError(t, err)
	st = f.wait(t, "demo")
	assert.Equal(t, OutcomeFailed, st.Outcome)
	assert.Equal(t, PhaseIdle, st.Phase, "failed check returns to idle")
	assert.Equal(t, PhaseCheckingUpdate, st.ErrorPhase)
}

func TestPrereleaseSelector(t *testing.T) {
	f := newFixture(t)
	f.releases.prerelease = registry.Release{Tag: "v1.2.0-beta.1", Version: "1.2.0-beta.1", Prerelease: true, ArtifactURL: "x"}
	f.dev.nextVersion = "1.2.0-beta.1"

	_, err := f.orch.RequestUpdate("demo", SelectorLatest)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", f.wait(t, "demo").TargetVersion)

	f.dev.mu.Lock()
	integ := f.dev.installed["demo"]
	integ.InstalledVersion = "1.0.0"
	f.dev.installed["demo"] = integ
	f.dev.mu.Unlock()

	_, err = f.orch.RequestUpdate("demo", SelectorLatestIncludePrerelease)
	require.NoError(t, err)
	assert.Equal(t, "1.2.0-beta.1", f.wait(t, "demo").TargetVersion)
}

func TestResolverUnavailableReturnsToIdle(t *testing.T) {
	f := newFixture(t)
	f.releases.resolveErr = fmt.Errorf("%w: rate limited", registry.ErrUnavailable)

	_, err := f.orch.RequestCheck("demo", TriggerScheduled)
	require.NoError(t, err)
	st := f.wait(t, "demo")

	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Equal(t, OutcomeFailed, st.Outcome)
	assert.Equal(t, PhaseCheckingUpdate, st.ErrorPhase)
	assert.Equal(t, StateUntouched, st.InstalledState)
	assert.Equal(t, 3, f.releases.resolves)
	assert.Empty(t, f.notes.kinds(), "scheduled check failures are not notified")
}

func TestScheduledCheckStopsAtUpdateAvailable(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.RequestCheck("demo", TriggerScheduled)
	require.NoError(t, err)
	st := f.wait(t, "demo")

	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Equal(t, OutcomeUpdateAvailable, st.Outcome)
	assert.Equal(t, "1.1.0", st.TargetVersion)
	assert.Zero(t, f.snapshots.captureCount())
	assert.Zero(t, f.releases.downloadCount())
	assert.Equal(t, []notify.Kind{notify.KindUpdateAvailable}, f.notes.kinds())
}

func TestScheduledCheckAppliesWithAutomaticUpdates(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		s := cfg.Settings.Current()
		s.AutomaticUpdates = true
		cfg.Settings = staticSettings{s: s}
	})

	_, err := f.orch.RequestCheck("demo", TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, f.wait(t, "demo").Outcome)
}

func TestFirmwareIntegrationIsNotManaged(t *testing.T) {
	f := newFixture(t)
	integ := demoIntegration()
	integ.DriverType = device.DriverTypeLocal
	f.dev.installed["demo"] = integ

	_, err := f.orch.RequestUpdate("demo", SelectorLatest)
	require.NoError(t, err)
	st := f.wait(t, "demo")
	assert.Equal(t, OutcomeFailed, st.Outcome)
	assert.Contains(t, st.LastError, "firmware")
	assert.Zero(t, f.releases.resolves)
}

func TestCheckAllSkipsUnmanaged(t *testing.T) {
	f := newFixture(t)
	f.dev.installed["fw"] = device.Integration{ID: "fw", DriverType: device.DriverTypeLocal}

	queued, err := f.orch.CheckAll(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"demo", "other"}, queued)
	f.wait(t, "demo")
	f.wait(t, "other")
}

func TestCancelDuringBackingUpIsImmediate(t *testing.T) {
	f := newFixture(t)
	f.snapshots.blockCapture = true
	f.snapshots.captureStarted = make(chan struct{})
	started := f.snapshots.captureStarted

	_, err := f.orch.RequestUpdate("demo", SelectorLatest)
	require.NoError(t, err)
	<-started

	st, err := f.orch.CancelJob("demo")
	require.NoError(t, err)
	assert.True(t, st.CancelRequested)

	st = f.wait(t, "demo")
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Equal(t, OutcomeCancelled, st.Outcome)
	assert.Equal(t, StateUntouched, st.InstalledState)
	assert.Zero(t, f.releases.downloadCount())
}

func TestCancelDuringDownloadIsDeferred(t *testing.T) {
	f := newFixture(t)
	f.releases.downloadStarted = make(chan struct{})
	f.releases.downloadRelease = make(chan struct{})
	started := f.releases.downloadStarted

	_, err := f.orch.RequestUpdate("demo", SelectorLatest)
	require.NoError(t, err)
	<-started

	_, err = f.orch.CancelJob("demo")
	require.NoError(t, err)
	st, err := f.orch.GetJobStatus("demo")
	require.NoError(t, err)
	assert.True(t, st.Active, "download keeps running")
	assert.Equal(t, PhaseDownloading, st.Phase)

	close(f.releases.downloadRelease)
	st = f.wait(t, "demo")
	assert.Equal(t, OutcomeCancelled, st.Outcome)
	assert.Equal(t, 1, f.releases.downloadCount())
	uninstalls, _ := f.dev.calls()
	assert.Empty(t, uninstalls)
	v, _ := f.dev.version("demo")
	assert.Equal(t, "1.0.0", v)
}

func TestCancelRejectedOnceUninstallStarted(t *testing.T) {
	f := newFixture(t)
	f.dev.uninstallStarted = make(chan struct{})
	f.dev.uninstallRelease = make(chan struct{})
	started := f.dev.uninstallStarted

	_, err := f.orch.RequestUpdate("demo", SelectorLatest)
	require.NoError(t, err)
	<-started

	_, err = f.orch.CancelJob("demo")
	assert.ErrorIs(t, err, ErrNotCancellable)
	assert.Equal(t, KindPrecondition, Classify(err))

	close(f.dev.uninstallRelease)
	assert.Equal(t, OutcomeUpdated, f.wait(t, "demo").Outcome)
}

func TestCancelQueuedJob(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.Workers = 1 })
	f.releases.downloadStarted = make(chan struct{})
	f.releases.downloadRelease = make(chan struct{})
	started := f.releases.downloadStarted

	_, err := f.orch.RequestUpdate("demo", SelectorLatest)
	require.NoError(t, err)
	<-started

	st, err := f.orch.RequestCheck("other", TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, PhaseIdle, st.Phase)
	_, err = f.orch.CancelJob("other")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, f.wait(t, "other").Outcome)

	close(f.releases.downloadRelease)
	f.wait(t, "demo")
}

func TestCancelWithoutJob(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.CancelJob("demo")
	assert.ErrorIs(t, err, ErrNoActiveJob)
	_, err = f.orch.GetJobStatus("demo")
	assert.ErrorIs(t, err, ErrNoJob)
}

func TestDrainStopsBeforeUninstall(t *testing.T) {
	f := newFixture(t)
	f.releases.downloadStarted = make(chan struct{})
	f.releases.downloadRelease = make(chan struct{})
	started := f.releases.downloadStarted

	_, err := f.orch.RequestUpdate("demo", SelectorLatest)
	require.NoError(t, err)
	<-started

	f.orch.Drain()
	assert.True(t, f.orch.Draining())
	_, err = f.orch.RequestUpdate("other", SelectorLatest)
	assert.ErrorIs(t, err, ErrDraining)

	close(f.releases.downloadRelease)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.orch.Wait(ctx))

	st, err := f.orch.GetJobStatus("demo")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, st.Outcome)
	assert.Contains(t, st.Notes, "stopped for shutdown")
	uninstalls, _ := f.dev.calls()
	assert.Empty(t, uninstalls)

	f.orch.Resume()
	_, err = f.orch.RequestUpdate("other", SelectorLatest)
	assert.NoError(t, err)
	f.wait(t, "other")
}

func TestRequestBackup(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.RequestBackup(context.Background(), "demo", backup.SourceManual)
	require.NoError(t, err)
	require.Len(t, res.Captured, 1)
	assert.Equal(t, backup.SourceManual, res.Captured[0].Source)
	assert.Equal(t, []notify.Kind{notify.KindBackupCompleted}, f.notes.kinds())

	f.snapshots.captureErr = device.ErrUnsupported
	_, err = f.orch.RequestBackup(context.Background(), "demo", backup.SourceManual)
	assert.ErrorIs(t, err, device.ErrUnsupported)
	assert.Equal(t, KindUnsupported, Classify(err))
	assert.Contains(t, f.notes.kinds(), notify.KindBackupFailed)

	_, err = f.orch.RequestBackup(context.Background(), "demo", backup.Source("bogus"))
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestBackupPassLeavesJobIntegrationsAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.snapshots.passIDs = []string{"demo", "other"}
	var startErr error
	f.snapshots.duringPass = func(id string) {
		if id == "other" {
			_, startErr = f.orch.RequestUpdate("other", SelectorLatest)
		}
	}
	f.releases.downloadStarted = make(chan struct{})
	f.releases.downloadRelease = make(chan struct{})
	started := f.releases.downloadStarted

	_, err := f.orch.RequestUpdate("demo", SelectorLatest)
	require.NoError(t, err)
	<-started

	res, err := f.orch.RequestBackup(ctx, AllIntegrations, backup.SourceScheduled)
	require.NoError(t, err)
	assert.Equal(t, []string{"demo"}, res.Busy)
	require.Len(t, res.Captured, 1)
	assert.Equal(t, "other", res.Captured[0].IntegrationID)
	assert.ErrorIs(t, startErr, ErrPrecondition, "no job starts while its integration is captured")

	close(f.releases.downloadRelease)
	assert.Equal(t, OutcomeUpdated, f.wait(t, "demo").Outcome)

	_, err = f.orch.RequestUpdate("other", SelectorLatest)
	assert.NoError(t, err, "claims are released after the pass")
	f.wait(t, "other")
}

func TestImportIsExclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.releases.downloadStarted = make(chan struct{})
	f.releases.downloadRelease = make(chan struct{})
	started := f.releases.downloadStarted

	_, err := f.orch.RequestUpdate("demo", SelectorLatest)
	require.NoError(t, err)
	<-started
	_, err = f.orch.ImportAll(ctx, strings.NewReader("archive"))
	assert.ErrorIs(t, err, ErrBusy)
	close(f.releases.downloadRelease)
	f.wait(t, "demo")

	var updateErr, backupErr, passErr error
	f.snapshots.importHook = func() {
		_, updateErr = f.orch.RequestUpdate("other", SelectorLatest)
		_, backupErr = f.orch.RequestBackup(ctx, "other", backup.SourceManual)
		_, passErr = f.orch.RequestBackup(ctx, AllIntegrations, backup.SourceScheduled)
	}
	res, err := f.orch.ImportAll(ctx, strings.NewReader("archive"))
	require.NoError(t, err)
	assert.Equal(t, "archive", res.Format)
	assert.ErrorIs(t, updateErr, ErrImporting)
	assert.ErrorIs(t, backupErr, ErrImporting)
	assert.ErrorIs(t, passErr, ErrImporting)

	_, err = f.orch.RequestUpdate("other", SelectorLatest)
	assert.NoError(t, err)
	f.wait(t, "other")
}

func TestHistoryIsRecorded(t *testing.T) {
	ctx := context.Background()
	orm, err := db.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(orm) })
	require.NoError(t, db.Migrate(ctx, orm))

	f := newFixture(t, func(cfg *Config) { cfg.ORM = orm })
	_, err = f.orch.RequestUpdate("demo", SelectorLatest)
	require.NoError(t, err)
	want := f.wait(t, "demo")

	history, err := f.orch.History(ctx, "demo", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	got := history[0]
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, OutcomeUpdated, got.Outcome)
	assert.Equal(t, want.SnapshotID, got.SnapshotID)
	assert.Equal(t, SelectorLatest, got.Selector)

	none, err := f.orch.History(ctx, "other", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("wrap: %w", device.ErrTransient), KindTransientNetwork},
		{registry.ErrUnavailable, KindUnavailable},
		{registry.ErrNotFound, KindNotFound},
		{backup.ErrNotFound, KindNotFound},
		{backup.ErrCaptureInProgress, KindPrecondition},
		{ErrDraining, KindPrecondition},
		{backup.ErrInvalidArchive, KindInvalid},
		{errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}
}

func TestVerifyArchive(t *testing.T) {
	assert.NoError(t, verifyArchive(testArtifact(t)))
	assert.ErrorIs(t, verifyArchive(nil), ErrBadArtifact)
	assert.ErrorIs(t, verifyArchive([]byte{0x1f, 0x8b, 0x00}), ErrBadArtifact)
}

func idsToStrings[T fmt.Stringer](ids []T) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}
