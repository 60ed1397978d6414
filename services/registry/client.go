package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"intgmgr/pkg/telemetry"
)

const (
	defaultBaseURL       = "https://api.github.com"
	defaultDownloadLimit = 64 << 20
	releasesPerPage      = 100
)

// Config configures a registry Client.
type Config struct {
	BaseURL    string
	Token      string
	UserAgent  string
	HTTPClient *http.Client
	// DownloadLimit caps artifact size in bytes.
	DownloadLimit int64
}

type cacheKey struct {
	owner string
	repo  string
	tag   string
}

// Client resolves releases from a GitHub compatible REST API. Releases are cached per
// (owner, repo, tag) for the lifetime of the Client.
type Client struct {
	baseURL       string
	token         string
	userAgent     string
	http          *http.Client
	downloadLimit int64

	mu    sync.RWMutex
	cache map[cacheKey]Release
	group singleflight.Group
}

// NewClient builds a Client, filling defaults for unset fields.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "intg-manager"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Timeout:   30 * time.Second,
			Transport: telemetry.Transport(nil),
		}
	}
	if cfg.DownloadLimit <= 0 {
		cfg.DownloadLimit = defaultDownloadLimit
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		token:         cfg.Token,
		userAgent:     cfg.UserAgent,
		http:          cfg.HTTPClient,
		downloadLimit: cfg.DownloadLimit,
		cache:         make(map[cacheKey]Release),
	}
}

// ResolveLatest returns the newest release, skipping prereleases unless includePrerelease
// is set. ErrNotFound means the repository has no eligible release.
func (c *Client) ResolveLatest(ctx context.Context, repo Repo, includePrerelease bool) (Release, error) {
	releases, err := c.ListVersions(ctx, repo, includePrerelease)
	if err != nil {
		return Release{}, err
	}
	if len(releases) == 0 {
		return Release{}, fmt.Errorf("%w: no eligible release for %s", ErrNotFound, repo)
	}
	return releases[0], nil
}

// GetByTag returns the release published under tag.
func (c *Client) GetByTag(ctx context.Context, repo Repo, tag string) (Release, error) {
	if !repo.Valid() {
		return Release{}, errors.New("repository owner and name are required")
	}
	key := newCacheKey(repo, tag)
	if rel, ok := c.cached(key); ok {
		return rel, nil
	}

	v, err, _ := c.group.Do("tag:"+key.owner+"/"+key.repo+"/"+key.tag, func() (any, error) {
		if rel, ok := c.cached(key); ok {
			return rel, nil
		}
		var gh ghRelease
		path := fmt.Sprintf("/repos/%s/%s/releases/tags/%s", url.PathEscape(repo.Owner), url.PathEscape(repo.Name), url.PathEscape(tag))
		if err := c.getJSON(ctx, path, &gh); err != nil {
			return Release{}, err
		}
		rel := gh.toRelease()
		c.store(repo, rel)
		return rel, nil
	})
	if err != nil {
		return Release{}, err
	}
	return v.(Release), nil
}

// ListVersions returns published releases newest first. Repositories without GitHub
// releases fall back to their git tags, which carry no artifact.
func (c *Client) ListVersions(ctx context.Context, repo Repo, includePrerelease bool) ([]Release, error) {
	if !repo.Valid() {
		return nil, errors.New("repository owner and name are required")
	}

	v, err, _ := c.group.Do("list:"+strings.ToLower(repo.String()), func() (any, error) {
		return c.fetchAll(ctx, repo)
	})
	if err != nil {
		return nil, err
	}
	all := v.([]Release)

	out := make([]Release, 0, len(all))
	for _, rel := range all {
		if rel.Prerelease && !includePrerelease {
			continue
		}
		out = append(out, rel)
	}
	return out, nil
}

func (c *Client) fetchAll(ctx context.Context, repo Repo) ([]Release, error) {
	var ghReleases []ghRelease
	path := fmt.Sprintf("/repos/%s/%s/releases?per_page=%d", url.PathEscape(repo.Owner), url.PathEscape(repo.Name), releasesPerPage)
	if err := c.getJSON(ctx, path, &ghReleases); err != nil {
		return nil, err
	}

	releases := make([]Release, 0, len(ghReleases))
	for _, gh := range ghReleases {
		if gh.Draft {
			continue
		}
		rel := gh.toRelease()
		c.store(repo, rel)
		releases = append(releases, rel)
	}

	if len(releases) == 0 {
		var tags []ghTag
		path := fmt.Sprintf("/repos/%s/%s/tags?per_page=%d", url.PathEscape(repo.Owner), url.PathEscape(repo.Name), releasesPerPage)
		if err := c.getJSON(ctx, path, &tags); err != nil {
			return nil, err
		}
		for _, tag := range tags {
			releases = append(releases, Release{
				Tag:        tag.Name,
				Version:    NormalizeVersion(tag.Name),
				Prerelease: IsPrereleaseVersion(tag.Name),
			})
		}
	}

	sortNewestFirst(releases)
	return releases, nil
}

// Download fetches the release artifact, bounded by the configured size limit.
func (c *Client) Download(ctx context.Context, rel Release) ([]byte, error) {
	if !rel.HasArtifact() {
		return nil, fmt.Errorf("%w: release %s has no installable archive", ErrNotFound, rel.Tag)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rel.ArtifactURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	req.Header.Set("Accept", "application/octet-stream")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: download %s: %w", ErrUnavailable, rel.ArtifactName, err)
	}
	defer resp.Body.Close()

	if err := classify(resp, "download "+rel.ArtifactName); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.downloadLimit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrUnavailable, rel.ArtifactName, err)
	}
	if int64(len(data)) > c.downloadLimit {
		return nil, fmt.Errorf("artifact %s exceeds %d bytes", rel.ArtifactName, c.downloadLimit)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("artifact %s is empty", rel.ArtifactName)
	}
	return data, nil
}

func (c *Client) getJSON(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: get %s: %w", ErrUnavailable, path, err)
	}
	defer resp.Body.Close()

	if err := classify(resp, "get "+path); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// classify maps a registry response status onto the package error taxonomy.
func classify(resp *http.Response, op string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, op)
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		return fmt.Errorf("%w: %s: rate limited%s", ErrUnavailable, op, resetHint(resp.Header.Get("X-RateLimit-Reset")))
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s: status %d", ErrUnavailable, op, resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s unexpected status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

func resetHint(reset string) string {
	if reset == "" {
		return ""
	}
	var epoch int64
	if _, err := fmt.Sscan(reset, &epoch); err != nil || epoch <= 0 {
		return ""
	}
	return " until " + time.Unix(epoch, 0).UTC().Format(time.RFC3339)
}

func newCacheKey(repo Repo, tag string) cacheKey {
	return cacheKey{owner: strings.ToLower(repo.Owner), repo: strings.ToLower(repo.Name), tag: tag}
}

func (c *Client) cached(key cacheKey) (Release, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rel, ok := c.cache[key]
	return rel, ok
}

// store keeps the first fetched copy of a release; published releases do not change.
func (c *Client) store(repo Repo, rel Release) {
	key := newCacheKey(repo, rel.Tag)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cache[key]; !ok {
		c.cache[key] = rel
	}
}

// sortNewestFirst puts semantic versions first, highest precedence first, followed
// by every other tag newest publish date first. Ties fall back to publish date and
// then the tag itself so the order never depends on the input order.
func sortNewestFirst(releases []Release) {
	sort.SliceStable(releases, func(i, j int) bool {
		return newerRelease(releases[i], releases[j])
	})
}

func newerRelease(a, b Release) bool {
	semA, semB := ValidVersion(a.Tag), ValidVersion(b.Tag)
	if semA != semB {
		return semA
	}
	if semA {
		if cmp := CompareVersions(a.Tag, b.Tag); cmp != 0 {
			return cmp > 0
		}
	}
	if !a.PublishedAt.Equal(b.PublishedAt) {
		return a.PublishedAt.After(b.PublishedAt)
	}
	return a.Tag > b.Tag
}

type ghRelease struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	Body        string    `json:"body"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
	PublishedAt time.Time `json:"published_at"`
	Assets      []ghAsset `json:"assets"`
}

type ghAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}

type ghTag struct {
	Name string `json:"name"`
}

func (gh ghRelease) toRelease() Release {
	rel := Release{
		Tag:         gh.TagName,
		Version:     NormalizeVersion(gh.TagName),
		Prerelease:  gh.Prerelease || IsPrereleaseVersion(gh.TagName),
		PublishedAt: gh.PublishedAt,
		Notes:       gh.Body,
	}
	for _, asset := range gh.Assets {
		if strings.HasSuffix(strings.ToLower(asset.Name), ".tar.gz") {
			rel.ArtifactURL = asset.BrowserDownloadURL
			rel.ArtifactName = asset.Name
			rel.ArtifactSize = asset.Size
			break
		}
	}
	return rel
}
