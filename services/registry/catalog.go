package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// DefaultCatalogURL is the community list of known integrations.
const DefaultCatalogURL = "https://raw.githubusercontent.com/JackJPowell/uc-intg-list/refs/heads/main/registry.json"

// CatalogItem is one entry of the community integration list.
type CatalogItem struct {
	ID               string `json:"id"`
	DriverID         string `json:"driver_id"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	Repository       string `json:"repository"`
	SupportsBackup   bool   `json:"supports_backup"`
	BackupMinVersion string `json:"backup_min_version"`
}

// Catalog loads the integration list from a URL or local file and caches it for ttl.
type Catalog struct {
	source string
	http   *http.Client
	ttl    time.Duration
	now    func() time.Time

	mu        sync.RWMutex
	items     []CatalogItem
	fetchedAt time.Time
	known     map[string]struct{}
}

// NewCatalog creates a Catalog reading from source.
func NewCatalog(source string, client *http.Client, ttl time.Duration) *Catalog {
	if source == "" {
		source = DefaultCatalogURL
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Catalog{source: source, http: client, ttl: ttl, now: time.Now}
}

// Items returns the cached list, reloading it once the ttl has expired. A failed
// reload keeps serving the previous list.
func (c *Catalog) Items(ctx context.Context) ([]CatalogItem, error) {
	c.mu.RLock()
	fresh := c.items != nil && c.now().Sub(c.fetchedAt) < c.ttl
	items := c.items
	c.mu.RUnlock()
	if fresh {
		return items, nil
	}

	if _, err := c.Refresh(ctx); err != nil {
		if items != nil {
			return items, nil
		}
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.items, nil
}

// Refresh reloads the list and returns entries not seen by a previous load. The first
// load reports nothing as new.
func (c *Catalog) Refresh(ctx context.Context) ([]CatalogItem, error) {
	items, err := c.load(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var added []CatalogItem
	next := make(map[string]struct{}, len(items))
	for _, item := range items {
		key := item.key()
		next[key] = struct{}{}
		if c.known != nil {
			if _, ok := c.known[key]; !ok {
				added = append(added, item)
			}
		}
	}
	c.items = items
	c.known = next
	c.fetchedAt = c.now()
	return added, nil
}

func (c *Catalog) load(ctx context.Context) ([]CatalogItem, error) {
	var data []byte
	if strings.HasPrefix(c.source, "http://") || strings.HasPrefix(c.source, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.source, nil)
		if err != nil {
			return nil, fmt.Errorf("create catalog request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: fetch catalog: %w", ErrUnavailable, err)
		}
		defer resp.Body.Close()
		if err := classify(resp, "fetch catalog"); err != nil {
			return nil, err
		}
		data, err = io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return nil, fmt.Errorf("read catalog: %w", err)
		}
	} else {
		var err error
		data, err = os.ReadFile(c.source)
		if err != nil {
			return nil, fmt.Errorf("read catalog: %w", err)
		}
	}
	return parseCatalog(data)
}

// parseCatalog accepts either a bare list or an object with an "integrations" list.
func parseCatalog(data []byte) ([]CatalogItem, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var items []CatalogItem
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("decode catalog: %w", err)
		}
		return items, nil
	}
	var wrapped struct {
		Integrations []CatalogItem `json:"integrations"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if wrapped.Integrations == nil {
		return nil, errors.New("catalog has no integrations list")
	}
	return wrapped.Integrations, nil
}

// Lookup finds the entry for a driver by driver_id, then registry id, then a loose
// name match.
func (c *Catalog) Lookup(ctx context.Context, driverID, name string) (CatalogItem, bool) {
	items, err := c.Items(ctx)
	if err != nil {
		return CatalogItem{}, false
	}
	for _, item := range items {
		if item.DriverID != "" && item.DriverID == driverID {
			return item, true
		}
	}
	for _, item := range items {
		if item.ID != "" && item.ID == driverID {
			return item, true
		}
	}
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "" {
		return CatalogItem{}, false
	}
	for _, item := range items {
		reg := strings.ToLower(item.Name)
		if reg == "" {
			continue
		}
		if reg == lower || strings.Contains(reg, lower) || strings.Contains(lower, reg) {
			return item, true
		}
	}
	return CatalogItem{}, false
}

// SupportsBackup reports whether the catalog marks the driver as backup capable at the
// installed version, with a reason when it is not.
func (c *Catalog) SupportsBackup(ctx context.Context, driverID, name, installedVersion string) (bool, string) {
	item, ok := c.Lookup(ctx, driverID, name)
	if !ok {
		return false, "integration is not listed in the registry"
	}
	return item.CanBackup(installedVersion)
}

// Repository returns the repository URL listed for the driver, if any.
func (c *Catalog) Repository(ctx context.Context, driverID, name string) string {
	item, ok := c.Lookup(ctx, driverID, name)
	if !ok {
		return ""
	}
	return item.Repository
}

// CanBackup applies supports_backup and backup_min_version.
func (item CatalogItem) CanBackup(installedVersion string) (bool, string) {
	if !item.SupportsBackup {
		return false, "integration does not support backup"
	}
	if item.BackupMinVersion == "" {
		return true, ""
	}
	if !ValidVersion(installedVersion) || !ValidVersion(item.BackupMinVersion) {
		return true, ""
	}
	if CompareVersions(installedVersion, item.BackupMinVersion) < 0 {
		return false, fmt.Sprintf("requires version %s or higher (current: %s)", item.BackupMinVersion, installedVersion)
	}
	return true, ""
}

func (item CatalogItem) key() string {
	if item.DriverID != "" {
		return item.DriverID
	}
	if item.ID != "" {
		return item.ID
	}
	return strings.ToLower(item.Name)
}
