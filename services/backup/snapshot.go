package backup

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a snapshot does not exist.
	ErrNotFound = errors.New("snapshot not found")
	// ErrCaptureInProgress rejects a capture while another one for the same
	// integration is running.
	ErrCaptureInProgress = errors.New("capture already in progress")
	// ErrInvalidArchive covers every validation failure during import.
	ErrInvalidArchive = errors.New("invalid backup archive")
)

// Source records why a snapshot was taken.
type Source string

const (
	SourceManual    Source = "manual"
	SourceScheduled Source = "scheduled"
	SourcePreUpdate Source = "pre-update"
)

// Valid reports whether s is a known snapshot source.
func (s Source) Valid() bool {
	switch s {
	case SourceManual, SourceScheduled, SourcePreUpdate:
		return true
	}
	return false
}

// Snapshot is one immutable configuration capture of an integration.
type Snapshot struct {
	ID            uuid.UUID `json:"id"`
	IntegrationID string    `json:"integration_id"`
	Seq           int64     `json:"seq"`
	Source        Source    `json:"source"`
	Payload       []byte    `json:"-"`
	SHA256        string    `json:"sha256"`
	Size          int       `json:"size"`
	CreatedAt     time.Time `json:"created_at"`
}

// Newer orders snapshots of one integration: created_at first, then sequence.
func (s Snapshot) Newer(other Snapshot) bool {
	if !s.CreatedAt.Equal(other.CreatedAt) {
		return s.CreatedAt.After(other.CreatedAt)
	}
	return s.Seq > other.Seq
}

type snapshotModel struct {
	ID            uuid.UUID `gorm:"type:text;primaryKey"`
	IntegrationID string    `gorm:"type:text;not null"`
	Seq           int64     `gorm:"not null"`
	Source        string    `gorm:"type:text;not null"`
	Payload       []byte    `gorm:"not null"`
	SHA256        string    `gorm:"type:text;not null"`
	CreatedAt     time.Time `gorm:"not null"`
}

func (snapshotModel) TableName() string { return "backup_snapshots" }

func (m snapshotModel) toSnapshot() Snapshot {
	return Snapshot{
		ID:            m.ID,
		IntegrationID: m.IntegrationID,
		Seq:           m.Seq,
		Source:        Source(m.Source),
		Payload:       m.Payload,
		SHA256:        m.SHA256,
		Size:          len(m.Payload),
		CreatedAt:     m.CreatedAt.UTC(),
	}
}

func checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// CleanPayload re-indents JSON payloads and keeps anything else byte for byte.
// Payloads that only parse after unescaping are stored unescaped.
func CleanPayload(raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if out, ok := indentJSON(trimmed); ok {
		return out
	}
	unescaped := strings.NewReplacer(`\n`, "\n", `\"`, `"`, `\\`, `\`).Replace(string(trimmed))
	if out, ok := indentJSON([]byte(unescaped)); ok {
		return out
	}
	return raw
}

func indentJSON(data []byte) ([]byte, bool) {
	if !json.Valid(data) {
		return nil, false
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}
