package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"
)

// ObjectStore is the S3-compatible subset Offload needs.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, sha256 string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// OffloadTarget says where archives are uploaded.
type OffloadTarget struct {
	Bucket string
	Prefix string
	URLTTL time.Duration
}

// OffloadResult describes an uploaded archive.
type OffloadResult struct {
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	SHA256    string    `json:"sha256"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
	Snapshots int       `json:"snapshots"`
}

// Offload exports an archive and uploads it to objects, returning a presigned
// download URL.
func (s *Store) Offload(ctx context.Context, objects ObjectStore, target OffloadTarget) (OffloadResult, error) {
	if objects == nil {
		return OffloadResult{}, errors.New("object store is required")
	}
	if target.Bucket == "" {
		return OffloadResult{}, errors.New("bucket is required")
	}
	if target.URLTTL <= 0 {
		target.URLTTL = 24 * time.Hour
	}

	var buf bytes.Buffer
	manifest, err := s.Export(ctx, &buf)
	if err != nil {
		return OffloadResult{}, err
	}

	data := buf.Bytes()
	sum := checksum(data)
	key := path.Join(target.Prefix, ArchiveName(manifest.CreatedAt))
	if manifest.Recipient != "" {
		key += ".age"
	}
	if err := objects.PutObject(ctx, target.Bucket, key, bytes.NewReader(data), int64(len(data)), sum); err != nil {
		return OffloadResult{}, fmt.Errorf("upload %s: %w", key, err)
	}
	url, err := objects.PresignGet(ctx, target.Bucket, key, target.URLTTL)
	if err != nil {
		return OffloadResult{}, fmt.Errorf("presign %s: %w", key, err)
	}

	s.log.Info().Str("bucket", target.Bucket).Str("key", key).Int("size", len(data)).Msg("backup archive offloaded")
	return OffloadResult{
		Bucket:    target.Bucket,
		Key:       key,
		Size:      int64(len(data)),
		SHA256:    sum,
		URL:       url,
		ExpiresAt: s.now().UTC().Add(target.URLTTL),
		Snapshots: manifest.SnapshotCount,
	}, nil
}

// ArchiveName is the file name used for an archive created at t.
func ArchiveName(t time.Time) string {
	return "intg-manager-backup-" + t.UTC().Format("20060102T150405Z") + ".tar.zst"
}
