package backup

import (
	"time"

	"gopkg.in/yaml.v3"
)

const (
	manifestVersion  = "1"
	manifestFileName = "manifest.yaml"
	settingsFileName = "settings.yaml"
	snapshotsPrefix  = "snapshots"
)

// Entry kinds inside an archive.
const (
	EntrySettings = "settings"
	EntrySnapshot = "snapshot"
)

// Manifest describes the contents of an exported archive.
type Manifest struct {
	Version          string          `yaml:"version"`
	Generator        string          `yaml:"generator,omitempty"`
	CreatedAt        time.Time       `yaml:"created_at"`
	SnapshotCount    int             `yaml:"snapshot_count"`
	Recipient        string          `yaml:"recipient,omitempty"`
	SigningPublicKey string          `yaml:"signing_public_key,omitempty"`
	Signature        string          `yaml:"signature,omitempty"`
	Entries          []ManifestEntry `yaml:"entries"`
}

// ManifestEntry is one file of the archive plus the snapshot metadata it carries.
type ManifestEntry struct {
	Path          string    `yaml:"path"`
	Kind          string    `yaml:"kind"`
	Size          int64     `yaml:"size"`
	SHA256        string    `yaml:"sha256"`
	IntegrationID string    `yaml:"integration_id,omitempty"`
	SnapshotID    string    `yaml:"snapshot_id,omitempty"`
	Source        string    `yaml:"source,omitempty"`
	Seq           int64     `yaml:"seq,omitempty"`
	CreatedAt     time.Time `yaml:"created_at,omitempty"`
}

// SigningBytes is the manifest without its signature.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}
