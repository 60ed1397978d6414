package orchestrator

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"intgmgr/services/backup"
	"intgmgr/services/device"
	"intgmgr/services/notify"
	"intgmgr/services/registry"
	"intgmgr/services/settings"
)

func testArtifact(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	body := []byte(`{"driver_id":"demo"}`)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "driver.json", Mode: 0o644, Size: int64(len(body))}))
	_, err := tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

type fakeDevice struct {
	mu         sync.Mutex
	installed  map[string]device.Integration
	removed    map[string]device.Integration
	listErr    error
	installErr error
	// uninstallErr fails Uninstall; removeOnError still drops the
	// integration first, as a device that half-finished would.
	uninstallErr  error
	removeOnError bool
	uninstalls    []string
	installs      []string
	nextVersion   string

	uninstallStarted chan struct{}
	uninstallRelease chan struct{}

	// arriving integrations appear on the next Install.
	arriving []device.Integration

	// listBlock holds every ListInstalled call until it is closed.
	listBlock   chan struct{}
	listStarted chan struct{}
}

func newFakeDevice(integs ...device.Integration) *fakeDevice {
	d := &fakeDevice{installed: map[string]device.Integration{}, removed: map[string]device.Integration{}}
	for _, integ := range integs {
		d.installed[integ.ID] = integ
	}
	return d
}

func (d *fakeDevice) ListInstalled(ctx context.Context) ([]device.Integration, error) {
	d.mu.Lock()
	block, started := d.listBlock, d.listStarted
	d.listStarted = nil
	d.mu.Unlock()
	if block != nil {
		if started != nil {
			close(started)
		}
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listErr != nil {
		return nil, d.listErr
	}
	out := make([]device.Integration, 0, len(d.installed))
	for _, integ := range d.installed {
		out = append(out, integ)
	}
	return out, nil
}

func (d *fakeDevice) Uninstall(ctx context.Context, id string) error {
	d.mu.Lock()
	started := d.uninstallStarted
	d.uninstallStarted = nil
	d.mu.Unlock()
	if started != nil {
		close(started)
		<-d.uninstallRelease
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.uninstalls = append(d.uninstalls, id)
	if _, ok := d.installed[id]; !ok {
		return device.ErrNotFound
	}
	if d.uninstallErr != nil {
		if d.removeOnError {
			delete(d.installed, id)
		}
		return d.uninstallErr
	}
	d.removed[id] = d.installed[id]
	delete(d.installed, id)
	return nil
}

func (d *fakeDevice) Install(_ context.Context, filename string, archive []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.installs = append(d.installs, filename)
	if d.installErr != nil {
		return d.installErr
	}
	for id, integ := range d.removed {
		integ.InstalledVersion = d.nextVersion
		d.installed[id] = integ
		delete(d.removed, id)
	}
	for _, integ := range d.arriving {
		d.installed[integ.ID] = integ
	}
	d.arriving = nil
	return nil
}

func (d *fakeDevice) calls() (uninstalls, installs []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.uninstalls...), append([]string(nil), d.installs...)
}

func (d *fakeDevice) version(id string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	integ, ok := d.installed[id]
	return integ.InstalledVersion, ok
}

type fakeReleases struct {
	mu         sync.Mutex
	latest     registry.Release
	prerelease registry.Release
	tags       map[string]registry.Release
	resolveErr error
	resolves   int

	artifact     []byte
	downloadErrs []error
	downloads    int

	downloadStarted chan struct{}
	downloadRelease chan struct{}
}

func (r *fakeReleases) ResolveLatest(_ context.Context, repo registry.Repo, includePrerelease bool) (registry.Release, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolves++
	if r.resolveErr != nil {
		return registry.Release{}, r.resolveErr
	}
	if includePrerelease && r.prerelease.Tag != "" {
		return r.prerelease, nil
	}
	return r.latest, nil
}

func (r *fakeReleases) GetByTag(_ context.Context, _ registry.Repo, tag string) (registry.Release, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rel, ok := r.tags[tag]
	if !ok {
		return registry.Release{}, fmt.Errorf("%w: %s", registry.ErrNotFound, tag)
	}
	return rel, nil
}

func (r *fakeReleases) Download(ctx context.Context, _ registry.Release) ([]byte, error) {
	r.mu.Lock()
	started := r.downloadStarted
	r.downloadStarted = nil
	r.mu.Unlock()
	if started != nil {
		close(started)
		<-r.downloadRelease
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downloads++
	if len(r.downloadErrs) > 0 {
		err := r.downloadErrs[0]
		r.downloadErrs = r.downloadErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return r.artifact, nil
}

func (r *fakeReleases) downloadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.downloads
}

type fakeSnapshots struct {
	mu         sync.Mutex
	snaps      map[uuid.UUID]backup.Snapshot
	captureErr error
	// blockCapture makes Capture wait for its context.
	blockCapture   bool
	captureStarted chan struct{}
	dropOnCapture  bool
	restored       []uuid.UUID
	restoreErr     error
	captures       int
	now            time.Time

	// passIDs are the integrations a CaptureAll pass visits; duringPass runs
	// while each one is claimed.
	passIDs    []string
	duringPass func(id string)
	importHook func()
}

func newFakeSnapshots() *fakeSnapshots {
	return &fakeSnapshots{snaps: map[uuid.UUID]backup.Snapshot{}, now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (s *fakeSnapshots) add(id string, source backup.Source) backup.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(time.Second)
	snap := backup.Snapshot{ID: uuid.New(), IntegrationID: id, Source: source, Payload: []byte(`{}`), CreatedAt: s.now}
	s.snaps[snap.ID] = snap
	return snap
}

func (s *fakeSnapshots) Capture(ctx context.Context, id string, source backup.Source) (backup.Snapshot, error) {
	s.mu.Lock()
	s.captures++
	block, started := s.blockCapture, s.captureStarted
	err := s.captureErr
	s.mu.Unlock()
	if block {
		if started != nil {
			close(started)
		}
		<-ctx.Done()
		return backup.Snapshot{}, ctx.Err()
	}
	if err != nil {
		return backup.Snapshot{}, err
	}
	snap := s.add(id, source)
	if s.dropOnCapture {
		s.mu.Lock()
		delete(s.snaps, snap.ID)
		s.mu.Unlock()
	}
	return snap, nil
}

func (s *fakeSnapshots) CaptureAll(_ context.Context, source backup.Source, claim backup.Claim) (backup.CaptureResult, error) {
	s.mu.Lock()
	ids := append([]string(nil), s.passIDs...)
	during := s.duringPass
	s.mu.Unlock()

	result := backup.CaptureResult{Failed: map[string]error{}}
	for _, id := range ids {
		release := func() {}
		if claim != nil {
			var ok bool
			if release, ok = claim(id); !ok {
				result.Busy = append(result.Busy, id)
				continue
			}
		}
		if during != nil {
			during(id)
		}
		result.Captured = append(result.Captured, s.add(id, source))
		release()
	}
	return result, nil
}

func (s *fakeSnapshots) Get(_ context.Context, id uuid.UUID) (backup.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[id]
	if !ok {
		return backup.Snapshot{}, backup.ErrNotFound
	}
	return snap, nil
}

func (s *fakeSnapshots) Latest(_ context.Context, integrationID string) (backup.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best backup.Snapshot
	found := false
	for _, snap := range s.snaps {
		if snap.IntegrationID == integrationID && (!found || snap.CreatedAt.After(best.CreatedAt)) {
			best, found = snap, true
		}
	}
	if !found {
		return backup.Snapshot{}, backup.ErrNotFound
	}
	return best, nil
}

func (s *fakeSnapshots) ApplySnapshot(_ context.Context, _ string, snapshotID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.restoreErr != nil {
		return s.restoreErr
	}
	s.restored = append(s.restored, snapshotID)
	return nil
}

func (s *fakeSnapshots) Export(context.Context, io.Writer) (*backup.Manifest, error) {
	return &backup.Manifest{Version: "1"}, nil
}

func (s *fakeSnapshots) Import(context.Context, io.Reader) (backup.ImportResult, error) {
	if s.importHook != nil {
		s.importHook()
	}
	return backup.ImportResult{Format: "archive"}, nil
}

func (s *fakeSnapshots) restoredIDs() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID(nil), s.restored...)
}

func (s *fakeSnapshots) captureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captures
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(ev notify.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Kind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

type staticCatalog map[string]registry.CatalogItem

func (c staticCatalog) Lookup(_ context.Context, driverID, _ string) (registry.CatalogItem, bool) {
	item, ok := c[driverID]
	return item, ok
}

type staticSettings struct{ s settings.Settings }

func (s staticSettings) Current() settings.Settings { return s.s }

type fixture struct {
	dev       *fakeDevice
	releases  *fakeReleases
	snapshots *fakeSnapshots
	notes     *recorder
	orch      *Orchestrator
}

func demoIntegration() device.Integration {
	return device.Integration{
		ID:                    "demo",
		Name:                  "Demo",
		InstalledVersion:      "1.0.0",
		HomePage:              "https://github.com/acme/demo-integration",
		DriverType:            device.DriverTypeCustom,
		SupportsBackupRestore: true,
	}
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		dev: newFakeDevice(demoIntegration(), device.Integration{
			ID:               "other",
			Name:             "Other",
			InstalledVersion: "2.0.0",
			HomePage:         "https://github.com/acme/other",
			DriverType:       device.DriverTypeCustom,
		}),
		releases: &fakeReleases{
			latest: registry.Release{Tag: "v1.1.0", Version: "1.1.0", ArtifactURL: "https://example.test/demo.tar.gz", ArtifactName: "demo-1.1.0.tar.gz"},
			tags:   map[string]registry.Release{},
		},
		snapshots: newFakeSnapshots(),
		notes:     &recorder{},
	}
	f.releases.artifact = testArtifact(t)
	f.dev.nextVersion = "1.1.0"

	cfg := Config{
		Device:       f.dev,
		Releases:     f.releases,
		Snapshots:    f.snapshots,
		Settings:     staticSettings{s: settings.Default()},
		Notifier:     f.notes,
		RetryBase:    time.Millisecond,
		PollInterval: time.Millisecond,
		PollAttempts: 3,
		Logger:       zerolog.Nop(),
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	orch, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Close(ctx)
	})
	f.orch = orch
	return f
}

func (f *fixture) wait(t *testing.T, id string) JobStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := f.orch.WaitJob(ctx, id)
	require.NoError(t, err)
	require.False(t, st.Active)
	return st
}

func (f *fixture) waitPhase(t *testing.T, id string, phase Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := f.orch.GetJobStatus(id)
		return err == nil && st.Phase == phase
	}, 5*time.Second, time.Millisecond)
}
