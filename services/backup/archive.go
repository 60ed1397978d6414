package backup

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"intgmgr/pkg/version"
	"intgmgr/services/settings"
)

// MaxArchiveSize caps the archive size accepted by Import.
const MaxArchiveSize = 64 << 20

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	ageMagic  = []byte("age-encryption.org/")
)

// ImportResult reports what an import applied.
type ImportResult struct {
	Format          string `json:"format"`
	Imported        int    `json:"imported"`
	Skipped         int    `json:"skipped"`
	SettingsApplied bool   `json:"settings_applied"`
}

type archiveFile struct {
	name string
	data []byte
}

// Export writes every snapshot plus the current settings as a tar.zst archive,
// age-encrypted when recipients are configured.
func (s *Store) Export(ctx context.Context, w io.Writer) (*Manifest, error) {
	var rows []snapshotModel
	if err := s.orm.WithContext(ctx).
		Order("integration_id").Order("created_at").Order("seq").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}

	settingsYAML, err := yaml.Marshal(s.settings.Current())
	if err != nil {
		return nil, fmt.Errorf("marshal settings: %w", err)
	}

	files := []archiveFile{{name: settingsFileName, data: settingsYAML}}
	manifest := &Manifest{
		Version:       manifestVersion,
		Generator:     version.Name + "/" + version.Version,
		CreatedAt:     s.now().UTC().Truncate(time.Second),
		SnapshotCount: len(rows),
		Entries: []ManifestEntry{{
			Path:   settingsFileName,
			Kind:   EntrySettings,
			Size:   int64(len(settingsYAML)),
			SHA256: checksum(settingsYAML),
		}},
	}
	for _, row := range rows {
		name := path.Join(snapshotsPrefix, safeName(row.IntegrationID), row.ID.String()+".json")
		files = append(files, archiveFile{name: name, data: row.Payload})
		manifest.Entries = append(manifest.Entries, ManifestEntry{
			Path:          name,
			Kind:          EntrySnapshot,
			Size:          int64(len(row.Payload)),
			SHA256:        checksum(row.Payload),
			IntegrationID: row.IntegrationID,
			SnapshotID:    row.ID.String(),
			Source:        row.Source,
			Seq:           row.Seq,
			CreatedAt:     row.CreatedAt.UTC(),
		})
	}

	recipients := s.recipients
	if len(recipients) == 0 {
		if r := s.signer.Recipient(); r != nil {
			recipients = []age.Recipient{r}
		}
	}
	if len(recipients) > 0 {
		manifest.Recipient = recipientList(recipients)
	}

	if s.signer.CanSign() {
		manifest.SigningPublicKey = s.signer.PublicKeyBase64()
		payload, err := manifest.SigningBytes()
		if err != nil {
			return nil, fmt.Errorf("marshal manifest for signing: %w", err)
		}
		if manifest.Signature, err = s.signer.Sign(payload); err != nil {
			return nil, fmt.Errorf("sign manifest: %w", err)
		}
	}

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	files = append([]archiveFile{{name: manifestFileName, data: manifestBytes}}, files...)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := writeArchive(w, recipients, files, manifest.CreatedAt); err != nil {
		return nil, err
	}

	s.log.Info().Int("snapshots", len(rows)).Bool("encrypted", len(recipients) > 0).Msg("backup archive exported")
	return manifest, nil
}

func recipientList(recipients []age.Recipient) string {
	names := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if st, ok := r.(fmt.Stringer); ok {
			names = append(names, st.String())
		}
	}
	return strings.Join(names, ",")
}

func writeArchive(w io.Writer, recipients []age.Recipient, files []archiveFile, modTime time.Time) error {
	out := w
	var encrypted io.WriteCloser
	if len(recipients) > 0 {
		var err error
		encrypted, err = age.Encrypt(w, recipients...)
		if err != nil {
			return fmt.Errorf("age encrypt: %w", err)
		}
		out = encrypted
	}

	encoder, err := zstd.NewWriter(out)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)
	for _, f := range files {
		header := &tar.Header{
			Name:     f.name,
			Mode:     0o600,
			Size:     int64(len(f.data)),
			ModTime:  modTime,
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write header for %q: %w", f.name, err)
		}
		if _, err := tw.Write(f.data); err != nil {
			return fmt.Errorf("write %q: %w", f.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	if encrypted != nil {
		if err := encrypted.Close(); err != nil {
			return fmt.Errorf("close age stream: %w", err)
		}
	}
	return nil
}

// Import validates a whole archive and then applies it in one transaction.
// It accepts archives written by Export and the legacy JSON export format.
func (s *Store) Import(ctx context.Context, r io.Reader) (ImportResult, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxArchiveSize+1))
	if err != nil {
		return ImportResult{}, fmt.Errorf("read archive: %w", err)
	}
	if len(data) > MaxArchiveSize {
		return ImportResult{}, fmt.Errorf("%w: larger than %d bytes", ErrInvalidArchive, MaxArchiveSize)
	}

	if bytes.HasPrefix(data, ageMagic) {
		data, err = s.decrypt(data)
		if err != nil {
			return ImportResult{}, err
		}
	}

	var plan *importPlan
	switch {
	case bytes.HasPrefix(data, zstdMagic):
		plan, err = s.planArchive(data)
	case bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")):
		plan, err = s.planLegacy(data)
	default:
		err = fmt.Errorf("%w: unrecognised format", ErrInvalidArchive)
	}
	if err != nil {
		return ImportResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return ImportResult{}, err
	}

	result, err := s.apply(ctx, plan)
	if err != nil {
		return ImportResult{}, err
	}
	s.log.Info().
		Str("format", result.Format).
		Int("imported", result.Imported).
		Int("skipped", result.Skipped).
		Bool("settings", result.SettingsApplied).
		Msg("backup archive imported")
	return result, nil
}

func (s *Store) decrypt(data []byte) ([]byte, error) {
	identities := s.identities
	if id := s.signer.Identity(); id != nil {
		identities = append(append([]age.Identity{}, identities...), id)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("%w: archive is encrypted and no age identity is configured", ErrInvalidArchive)
	}
	plain, err := age.Decrypt(bytes.NewReader(data), identities...)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %w", ErrInvalidArchive, err)
	}
	out, err := io.ReadAll(io.LimitReader(plain, MaxArchiveSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %w", ErrInvalidArchive, err)
	}
	if len(out) > MaxArchiveSize {
		return nil, fmt.Errorf("%w: decrypted archive too large", ErrInvalidArchive)
	}
	return out, nil
}

type importPlan struct {
	format    string
	settings  *settings.Settings
	snapshots []snapshotModel
}

func (s *Store) planArchive(data []byte) (*importPlan, error) {
	decoder, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %w", ErrInvalidArchive, err)
	}
	defer decoder.Close()

	files := map[string][]byte{}
	var manifestBytes []byte
	tr := tar.NewReader(decoder)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read tar entry: %w", ErrInvalidArchive, err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(header.Name)
		if strings.HasPrefix(name, "..") || path.IsAbs(name) {
			return nil, fmt.Errorf("%w: entry path %q", ErrInvalidArchive, header.Name)
		}
		body, err := io.ReadAll(io.LimitReader(tr, MaxArchiveSize))
		if err != nil {
			return nil, fmt.Errorf("%w: read %q: %w", ErrInvalidArchive, name, err)
		}
		if name == manifestFileName {
			manifestBytes = body
			continue
		}
		files[name] = body
	}

	if len(manifestBytes) == 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidArchive, manifestFileName)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("%w: manifest: %w", ErrInvalidArchive, err)
	}
	if manifest.Version != manifestVersion {
		return nil, fmt.Errorf("%w: unsupported manifest version %q", ErrInvalidArchive, manifest.Version)
	}
	if err := s.verifyManifest(manifest); err != nil {
		return nil, err
	}

	plan := &importPlan{format: "archive"}
	seen := map[uuid.UUID]struct{}{}
	for _, entry := range manifest.Entries {
		body, ok := files[path.Clean(entry.Path)]
		if !ok {
			return nil, fmt.Errorf("%w: %q missing from archive", ErrInvalidArchive, entry.Path)
		}
		if int64(len(body)) != entry.Size {
			return nil, fmt.Errorf("%w: size mismatch for %q", ErrInvalidArchive, entry.Path)
		}
		if !strings.EqualFold(checksum(body), entry.SHA256) {
			return nil, fmt.Errorf("%w: sha256 mismatch for %q", ErrInvalidArchive, entry.Path)
		}

		switch entry.Kind {
		case EntrySettings:
			next := settings.Default()
			if err := yaml.Unmarshal(body, &next); err != nil {
				return nil, fmt.Errorf("%w: settings: %w", ErrInvalidArchive, err)
			}
			if err := next.Validate(); err != nil {
				return nil, fmt.Errorf("%w: settings: %w", ErrInvalidArchive, err)
			}
			plan.settings = &next
		case EntrySnapshot:
			row, err := entryToModel(entry, body)
			if err != nil {
				return nil, err
			}
			if _, dup := seen[row.ID]; dup {
				return nil, fmt.Errorf("%w: duplicate snapshot %s", ErrInvalidArchive, row.ID)
			}
			seen[row.ID] = struct{}{}
			plan.snapshots = append(plan.snapshots, row)
		default:
			return nil, fmt.Errorf("%w: unknown entry kind %q", ErrInvalidArchive, entry.Kind)
		}
	}
	if len(plan.snapshots) != manifest.SnapshotCount {
		return nil, fmt.Errorf("%w: manifest lists %d snapshots, found %d", ErrInvalidArchive, manifest.SnapshotCount, len(plan.snapshots))
	}
	return plan, nil
}

func (s *Store) verifyManifest(m Manifest) error {
	if m.Signature == "" {
		if s.signer != nil {
			return fmt.Errorf("%w: manifest is not signed", ErrInvalidArchive)
		}
		return nil
	}
	payload, err := m.SigningBytes()
	if err != nil {
		return fmt.Errorf("%w: manifest: %w", ErrInvalidArchive, err)
	}
	if err := s.signer.Verify(payload, m.Signature, m.SigningPublicKey); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArchive, err)
	}
	return nil
}

func entryToModel(entry ManifestEntry, body []byte) (snapshotModel, error) {
	id, err := uuid.Parse(entry.SnapshotID)
	if err != nil {
		return snapshotModel{}, fmt.Errorf("%w: snapshot id %q", ErrInvalidArchive, entry.SnapshotID)
	}
	if entry.IntegrationID == "" {
		return snapshotModel{}, fmt.Errorf("%w: snapshot %s has no integration", ErrInvalidArchive, id)
	}
	if !Source(entry.Source).Valid() {
		return snapshotModel{}, fmt.Errorf("%w: snapshot %s has source %q", ErrInvalidArchive, id, entry.Source)
	}
	if entry.CreatedAt.IsZero() {
		return snapshotModel{}, fmt.Errorf("%w: snapshot %s has no timestamp", ErrInvalidArchive, id)
	}
	if len(body) == 0 {
		return snapshotModel{}, fmt.Errorf("%w: snapshot %s is empty", ErrInvalidArchive, id)
	}
	return snapshotModel{
		ID:            id,
		IntegrationID: entry.IntegrationID,
		Seq:           entry.Seq,
		Source:        entry.Source,
		Payload:       body,
		SHA256:        entry.SHA256,
		CreatedAt:     entry.CreatedAt.UTC(),
	}, nil
}

type legacyExport struct {
	Version      string                    `json:"version"`
	Settings     legacySettings            `json:"settings"`
	Integrations map[string]legacySnapshot `json:"integrations"`
	Backups      map[string]legacySnapshot `json:"backups"`
}

type legacySettings struct {
	ShutdownOnBattery *bool   `json:"shutdown_on_battery"`
	AutoUpdate        *bool   `json:"auto_update"`
	BackupConfigs     *bool   `json:"backup_configs"`
	BackupTime        *string `json:"backup_time"`
	ShowBetaReleases  *bool   `json:"show_beta_releases"`
}

func (l legacySettings) empty() bool {
	return l.ShutdownOnBattery == nil && l.AutoUpdate == nil && l.BackupConfigs == nil &&
		l.BackupTime == nil && l.ShowBetaReleases == nil
}

type legacySnapshot struct {
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

var legacyTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func (s *Store) planLegacy(data []byte) (*importPlan, error) {
	var legacy legacyExport
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("%w: legacy json: %w", ErrInvalidArchive, err)
	}
	if legacy.Version == "" {
		return nil, fmt.Errorf("%w: legacy export is missing its version field", ErrInvalidArchive)
	}
	entries := legacy.Integrations
	if len(entries) == 0 {
		entries = legacy.Backups
	}

	plan := &importPlan{format: "legacy"}
	if !legacy.Settings.empty() {
		next := s.settings.Current()
		ls := legacy.Settings
		if ls.ShutdownOnBattery != nil {
			next.ShutdownOnBattery = *ls.ShutdownOnBattery
		}
		if ls.AutoUpdate != nil {
			next.AutomaticUpdates = *ls.AutoUpdate
		}
		if ls.BackupConfigs != nil {
			next.AutomaticBackups = *ls.BackupConfigs
		}
		if ls.BackupTime != nil {
			next.BackupTime = *ls.BackupTime
		}
		if ls.ShowBetaReleases != nil {
			next.IncludePrerelease = *ls.ShowBetaReleases
		}
		if err := next.Validate(); err != nil {
			return nil, fmt.Errorf("%w: legacy settings: %w", ErrInvalidArchive, err)
		}
		plan.settings = &next
	}

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		entry := entries[id]
		payload, err := legacyPayload(entry.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidArchive, id, err)
		}
		created, err := parseLegacyTime(entry.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidArchive, id, err)
		}
		payload = CleanPayload(payload)
		plan.snapshots = append(plan.snapshots, snapshotModel{
			// a stable id keeps a repeated legacy import idempotent
			ID:            uuid.NewSHA1(uuid.NameSpaceOID, []byte(id+"|"+entry.Timestamp)),
			IntegrationID: id,
			Seq:           1,
			Source:        string(SourceManual),
			Payload:       payload,
			SHA256:        checksum(payload),
			CreatedAt:     created,
		})
	}
	return plan, nil
}

func legacyPayload(raw json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, errors.New("no data")
	}
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return nil, err
		}
		if strings.TrimSpace(text) == "" {
			return nil, errors.New("no data")
		}
		return []byte(text), nil
	}
	return trimmed, nil
}

func parseLegacyTime(value string) (time.Time, error) {
	for _, layout := range legacyTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", value)
}

func (s *Store) apply(ctx context.Context, plan *importPlan) (ImportResult, error) {
	result := ImportResult{Format: plan.format}
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range plan.snapshots {
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&plan.snapshots[i])
			if res.Error != nil {
				return fmt.Errorf("insert snapshot %s: %w", plan.snapshots[i].ID, res.Error)
			}
			if res.RowsAffected == 0 {
				result.Skipped++
				continue
			}
			result.Imported++
		}
		if plan.settings != nil {
			if err := s.settings.Apply(ctx, tx, *plan.settings); err != nil {
				return err
			}
			result.SettingsApplied = true
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, fmt.Errorf("apply archive: %w", err)
	}
	if result.SettingsApplied {
		if _, err := s.settings.Load(ctx); err != nil {
			return result, err
		}
	}
	return result, nil
}

func safeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, id)
}
