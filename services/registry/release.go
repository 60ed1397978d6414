package registry

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrNotFound means the repository or release does not exist.
	ErrNotFound = errors.New("release not found")
	// ErrUnavailable means the registry could not answer: rate limited, unreachable
	// or failing. It never means "no release exists".
	ErrUnavailable = errors.New("registry unavailable")
)

// Release is an immutable published version of an integration.
type Release struct {
	Tag          string    `json:"tag"`
	Version      string    `json:"version"`
	Prerelease   bool      `json:"is_prerelease"`
	PublishedAt  time.Time `json:"published_at"`
	Notes        string    `json:"notes,omitempty"`
	ArtifactURL  string    `json:"artifact_url,omitempty"`
	ArtifactName string    `json:"artifact_name,omitempty"`
	ArtifactSize int64     `json:"artifact_size,omitempty"`
}

// HasArtifact reports whether the release carries an installable archive.
func (r Release) HasArtifact() bool {
	return r.ArtifactURL != ""
}

// Repo identifies a repository on the registry.
type Repo struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

func (r Repo) String() string {
	return r.Owner + "/" + r.Name
}

// Valid reports whether both parts are set.
func (r Repo) Valid() bool {
	return r.Owner != "" && r.Name != ""
}

// ParseRepoURL extracts owner and repository from a github.com URL such as an
// integration's home page.
func ParseRepoURL(raw string) (Repo, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Repo{}, errors.New("empty repository url")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return Repo{}, fmt.Errorf("parse repository url: %w", err)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	if host != "github.com" {
		return Repo{}, fmt.Errorf("repository url %q is not a github.com url", raw)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Repo{}, fmt.Errorf("repository url %q has no owner/name", raw)
	}
	return Repo{Owner: parts[0], Name: strings.TrimSuffix(parts[1], ".git")}, nil
}
