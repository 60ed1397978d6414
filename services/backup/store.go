package backup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"filippo.io/age"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"intgmgr/services/device"
	"intgmgr/services/settings"
)

const defaultCaptureConcurrency = 3

var capturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "intgmgr_backup_captures_total",
	Help: "Configuration captures by source and result",
}, []string{"source", "result"})

// Device is the part of the device API the store needs.
type Device interface {
	ListInstalled(ctx context.Context) ([]device.Integration, error)
	BackupConfig(ctx context.Context, id string) ([]byte, error)
	RestoreConfig(ctx context.Context, id string, payload []byte) error
	ApplyConfig(ctx context.Context, id string, payload []byte) error
}

// Config wires a Store.
type Config struct {
	ORM      *gorm.DB
	Device   Device
	Settings *settings.Store
	// Signer signs exported manifests and is required to match on import when set.
	Signer *Signer
	// Recipients encrypt exports with age. Identities decrypt encrypted imports.
	Recipients []age.Recipient
	Identities []age.Identity
	// CaptureConcurrency bounds CaptureAll.
	CaptureConcurrency int
	Logger             zerolog.Logger
	Now                func() time.Time
}

// Store persists configuration snapshots and moves them to and from the device.
type Store struct {
	orm        *gorm.DB
	dev        Device
	settings   *settings.Store
	signer     *Signer
	recipients []age.Recipient
	identities []age.Identity
	limit      int
	log        zerolog.Logger
	now        func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewStore validates cfg and returns a Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.ORM == nil {
		return nil, errors.New("orm is required")
	}
	if cfg.Device == nil {
		return nil, errors.New("device client is required")
	}
	if cfg.Settings == nil {
		return nil, errors.New("settings store is required")
	}
	if cfg.CaptureConcurrency <= 0 {
		cfg.CaptureConcurrency = defaultCaptureConcurrency
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		orm:        cfg.ORM,
		dev:        cfg.Device,
		settings:   cfg.Settings,
		signer:     cfg.Signer,
		recipients: cfg.Recipients,
		identities: cfg.Identities,
		limit:      cfg.CaptureConcurrency,
		log:        cfg.Logger.With().Str("component", "backup").Logger(),
		now:        cfg.Now,
		inflight:   make(map[string]struct{}),
	}, nil
}

func (s *Store) tryLock(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Store) unlock(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// Capture reads the current configuration of integrationID from the device and
// stores it as a new snapshot.
func (s *Store) Capture(ctx context.Context, integrationID string, source Source) (Snapshot, error) {
	if integrationID == "" {
		return Snapshot{}, errors.New("integration id is required")
	}
	if !source.Valid() {
		return Snapshot{}, fmt.Errorf("unknown snapshot source %q", source)
	}
	if !s.tryLock(integrationID) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrCaptureInProgress, integrationID)
	}
	defer s.unlock(integrationID)

	snap, err := s.capture(ctx, integrationID, source)
	if err != nil {
		capturesTotal.WithLabelValues(string(source), "error").Inc()
		return Snapshot{}, err
	}
	capturesTotal.WithLabelValues(string(source), "ok").Inc()
	s.log.Info().
		Str("integration_id", integrationID).
		Str("snapshot_id", snap.ID.String()).
		Str("source", string(source)).
		Int("size", snap.Size).
		Msg("configuration captured")
	return snap, nil
}

func (s *Store) capture(ctx context.Context, integrationID string, source Source) (Snapshot, error) {
	raw, err := s.dev.BackupConfig(ctx, integrationID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("capture %s: %w", integrationID, err)
	}
	payload := CleanPayload(raw)
	if len(payload) == 0 {
		return Snapshot{}, fmt.Errorf("capture %s: device returned an empty configuration", integrationID)
	}

	row := snapshotModel{
		ID:            uuid.New(),
		IntegrationID: integrationID,
		Source:        string(source),
		Payload:       payload,
		SHA256:        checksum(payload),
		CreatedAt:     s.now().UTC(),
	}
	err = s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last int64
		if err := tx.Model(&snapshotModel{}).
			Where("integration_id = ?", integrationID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&last).Error; err != nil {
			return err
		}
		row.Seq = last + 1
		return tx.Create(&row).Error
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("store snapshot for %s: %w", integrationID, err)
	}
	return row.toSnapshot(), nil
}

// CaptureResult summarises a CaptureAll run.
type CaptureResult struct {
	Captured []Snapshot `json:"captured"`
	Skipped  []string   `json:"skipped,omitempty"`
	// Busy lists integrations a Claim refused, typically because a job owns them.
	Busy   []string         `json:"busy,omitempty"`
	Failed map[string]error `json:"-"`
}

// Claim reserves an integration for one capture of CaptureAll. It reports false
// when the integration is busy; release runs once the capture has ended.
type Claim func(integrationID string) (release func(), ok bool)

// Errors returns the failures keyed by integration id as strings.
func (r CaptureResult) Errors() map[string]string {
	out := make(map[string]string, len(r.Failed))
	for id, err := range r.Failed {
		out[id] = err.Error()
	}
	return out
}

// CaptureAll captures every installed custom integration that supports backup.
// Individual failures are collected, not returned. A nil claim captures everything.
func (s *Store) CaptureAll(ctx context.Context, source Source, claim Claim) (CaptureResult, error) {
	installed, err := s.dev.ListInstalled(ctx)
	if err != nil {
		return CaptureResult{}, fmt.Errorf("list installed: %w", err)
	}

	result := CaptureResult{Failed: map[string]error{}}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.limit)
	for _, integ := range installed {
		if !integ.Custom() || !integ.SupportsBackupRestore {
			result.Skipped = append(result.Skipped, integ.ID)
			continue
		}
		id := integ.ID
		g.Go(func() error {
			if claim != nil {
				release, ok := claim(id)
				if !ok {
					mu.Lock()
					result.Busy = append(result.Busy, id)
					mu.Unlock()
					return nil
				}
				defer release()
			}
			snap, err := s.Capture(gctx, id, source)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[id] = err
				return nil
			}
			result.Captured = append(result.Captured, snap)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(result.Captured, func(i, j int) bool {
		return result.Captured[i].IntegrationID < result.Captured[j].IntegrationID
	})
	sort.Strings(result.Skipped)
	sort.Strings(result.Busy)
	return result, ctx.Err()
}

// List returns the snapshots of integrationID, newest first.
func (s *Store) List(ctx context.Context, integrationID string) ([]Snapshot, error) {
	var rows []snapshotModel
	err := s.orm.WithContext(ctx).
		Where("integration_id = ?", integrationID).
		Order("created_at DESC").Order("seq DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	out := make([]Snapshot, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toSnapshot())
	}
	return out, nil
}

// Latest returns the newest snapshot of integrationID.
func (s *Store) Latest(ctx context.Context, integrationID string) (Snapshot, error) {
	var row snapshotModel
	err := s.orm.WithContext(ctx).
		Where("integration_id = ?", integrationID).
		Order("created_at DESC").Order("seq DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, fmt.Errorf("%w: no snapshot for %s", ErrNotFound, integrationID)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("latest snapshot: %w", err)
	}
	return row.toSnapshot(), nil
}

// Get loads one snapshot by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	var row snapshotModel
	err := s.orm.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	return row.toSnapshot(), nil
}

// Restore pushes a stored snapshot back to the device once the device confirms the
// integration supports restore.
func (s *Store) Restore(ctx context.Context, integrationID string, snapshotID uuid.UUID) error {
	return s.restore(ctx, integrationID, snapshotID, s.dev.RestoreConfig)
}

// ApplySnapshot pushes a stored snapshot back without re-checking backup support.
// Update jobs use it after deciding on backup and restore for the whole update.
func (s *Store) ApplySnapshot(ctx context.Context, integrationID string, snapshotID uuid.UUID) error {
	return s.restore(ctx, integrationID, snapshotID, s.dev.ApplyConfig)
}

func (s *Store) restore(ctx context.Context, integrationID string, snapshotID uuid.UUID, apply func(context.Context, string, []byte) error) error {
	snap, err := s.Get(ctx, snapshotID)
	if err != nil {
		return err
	}
	if snap.IntegrationID != integrationID {
		return fmt.Errorf("%w: %s does not belong to %s", ErrNotFound, snapshotID, integrationID)
	}
	if err := apply(ctx, integrationID, snap.Payload); err != nil {
		return fmt.Errorf("restore %s: %w", integrationID, err)
	}
	s.log.Info().
		Str("integration_id", integrationID).
		Str("snapshot_id", snapshotID.String()).
		Msg("configuration restored")
	return nil
}

// Delete removes one snapshot.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	res := s.orm.WithContext(ctx).Where("id = ?", id).Delete(&snapshotModel{})
	if res.Error != nil {
		return fmt.Errorf("delete snapshot: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// IntegrationIDs lists every integration that has at least one snapshot.
func (s *Store) IntegrationIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.orm.WithContext(ctx).Model(&snapshotModel{}).
		Distinct("integration_id").
		Order("integration_id").
		Pluck("integration_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list snapshot integrations: %w", err)
	}
	return ids, nil
}

// ApplyRetention keeps the newest keep snapshots per integration and deletes the
// rest. It returns the number of deleted snapshots. keep <= 0 disables retention.
func (s *Store) ApplyRetention(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	ids, err := s.IntegrationIDs(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, id := range ids {
		var ordered []uuid.UUID
		err := s.orm.WithContext(ctx).Model(&snapshotModel{}).
			Where("integration_id = ?", id).
			Order("created_at DESC").Order("seq DESC").
			Pluck("id", &ordered).Error
		if err != nil {
			return deleted, fmt.Errorf("find expired snapshots for %s: %w", id, err)
		}
		if len(ordered) <= keep {
			continue
		}
		stale := ordered[keep:]
		res := s.orm.WithContext(ctx).Where("id IN ?", stale).Delete(&snapshotModel{})
		if res.Error != nil {
			return deleted, fmt.Errorf("delete expired snapshots for %s: %w", id, res.Error)
		}
		deleted += int(res.RowsAffected)
	}
	if deleted > 0 {
		s.log.Info().Int("deleted", deleted).Int("keep", keep).Msg("snapshot retention applied")
	}
	return deleted, nil
}
