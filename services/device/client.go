package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"intgmgr/pkg/telemetry"
)

const (
	defaultSetupDelay = 500 * time.Millisecond
	pageLimit         = 100
	webConfigUser     = "web-configurator"
)

// Config configures the device API client.
type Config struct {
	// BaseURL is the device API root, e.g. http://192.168.1.20/api. A bare host or
	// host:port is expanded to http://host/api.
	BaseURL      string
	APIKey       string
	PIN          string
	HTTPClient   *http.Client
	Capabilities Capabilities
	// SetupDelay is the pause between setup flow steps the device needs to settle.
	SetupDelay time.Duration
	Logger     zerolog.Logger
}

// Client talks to the device's integration management API.
type Client struct {
	baseURL    string
	apiKey     string
	pin        string
	http       *http.Client
	caps       Capabilities
	setupDelay time.Duration
	log        zerolog.Logger
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	base, err := normalizeBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.APIKey == "" && cfg.PIN == "" {
		return nil, errors.New("device api key or pin is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Timeout:   2 * time.Minute,
			Transport: telemetry.Transport(nil),
		}
	}
	if cfg.SetupDelay < 0 {
		cfg.SetupDelay = 0
	} else if cfg.SetupDelay == 0 {
		cfg.SetupDelay = defaultSetupDelay
	}

	return &Client{
		baseURL:    base,
		apiKey:     cfg.APIKey,
		pin:        cfg.PIN,
		http:       cfg.HTTPClient,
		caps:       cfg.Capabilities,
		setupDelay: cfg.SetupDelay,
		log:        cfg.Logger.With().Str("component", "device").Logger(),
	}, nil
}

func normalizeBaseURL(raw string) (string, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return "", errors.New("device base url is required")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid device base url %q", raw)
	}
	if u.Path == "" {
		u.Path = "/api"
	}
	return strings.TrimRight(u.String(), "/"), nil
}

type localized map[string]string

func (l localized) text(fallback string) string {
	if v := l["en"]; v != "" {
		return v
	}
	for _, v := range l {
		if v != "" {
			return v
		}
	}
	return fallback
}

type driverDTO struct {
	DriverID   string    `json:"driver_id"`
	Name       localized `json:"name"`
	Version    string    `json:"version"`
	DriverType string    `json:"driver_type"`
	Developer  struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"developer"`
}

type instanceDTO struct {
	IntegrationID string `json:"integration_id"`
	DriverID      string `json:"driver_id"`
	Enabled       bool   `json:"enabled"`
	DeviceState   string `json:"device_state"`
}

// ListInstalled merges drivers and configured instances. Firmware drivers are only
// listed when they have an instance.
func (c *Client) ListInstalled(ctx context.Context) ([]Integration, error) {
	var drivers []driverDTO
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/intg/drivers?limit=%d", pageLimit), nil, &drivers); err != nil {
		return nil, fmt.Errorf("list drivers: %w", err)
	}
	var instances []instanceDTO
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/intg/instances?limit=%d", pageLimit), nil, &instances); err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	byDriver := make(map[string]instanceDTO, len(instances))
	for _, inst := range instances {
		if _, ok := byDriver[inst.DriverID]; !ok {
			byDriver[inst.DriverID] = inst
		}
	}

	out := make([]Integration, 0, len(drivers))
	for _, d := range drivers {
		inst, configured := byDriver[d.DriverID]
		driverType := d.DriverType
		if driverType == "" {
			driverType = DriverTypeCustom
		}
		if driverType == DriverTypeLocal && !configured {
			continue
		}

		integ := Integration{
			ID:               d.DriverID,
			Name:             d.Name.text(d.DriverID),
			InstalledVersion: d.Version,
			HomePage:         d.Developer.URL,
			DriverType:       driverType,
			Status:           "NOT_CONFIGURED",
			Enabled:          true,
		}
		if configured {
			integ.InstanceID = inst.IntegrationID
			integ.Status = inst.DeviceState
			integ.Enabled = inst.Enabled
		}
		c.applyCapabilities(ctx, &integ)
		out = append(out, integ)
	}
	return out, nil
}

func (c *Client) applyCapabilities(ctx context.Context, integ *Integration) {
	if c.caps == nil {
		integ.BackupNote = "no capability source configured"
		return
	}
	if !strings.Contains(integ.HomePage, "github.com") {
		if repo := c.caps.Repository(ctx, integ.ID, integ.Name); repo != "" {
			integ.HomePage = repo
		}
	}
	if !integ.Custom() {
		integ.BackupNote = "only custom integrations can be backed up"
		return
	}
	integ.SupportsBackupRestore, integ.BackupNote = c.caps.SupportsBackup(ctx, integ.ID, integ.Name, integ.InstalledVersion)
}

// Get returns one installed integration.
func (c *Client) Get(ctx context.Context, id string) (Integration, error) {
	all, err := c.ListInstalled(ctx)
	if err != nil {
		return Integration{}, err
	}
	for _, integ := range all {
		if integ.ID == id {
			return integ, nil
		}
	}
	return Integration{}, fmt.Errorf("%w: integration %q", ErrNotFound, id)
}

// SupportsBackupRestore reports whether id can have its configuration backed up and
// restored.
func (c *Client) SupportsBackupRestore(ctx context.Context, id string) (bool, error) {
	integ, err := c.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return integ.SupportsBackupRestore, nil
}

// Install uploads a driver archive. The device unpacks and registers it.
func (c *Client) Install(ctx context.Context, filename string, archive []byte) error {
	if len(archive) == 0 {
		return errors.New("install archive is empty")
	}
	if filename == "" {
		filename = "integration.tar.gz"
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", "application/x-gzip")
	part, err := mw.CreatePart(header)
	if err != nil {
		return fmt.Errorf("create multipart part: %w", err)
	}
	if _, err := part.Write(archive); err != nil {
		return fmt.Errorf("write multipart part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/intg/install", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	if err := c.send(req, nil); err != nil {
		return fmt.Errorf("install %s: %w", filename, err)
	}
	return nil
}

// Uninstall removes a driver and its instances from the device.
func (c *Client) Uninstall(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/intg/drivers/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("uninstall %s: %w", id, err)
	}
	return nil
}

// PowerStatus reads the device power supply state.
func (c *Client) PowerStatus(ctx context.Context) (PowerState, error) {
	var dto struct {
		PowerSupply bool   `json:"power_supply"`
		Capacity    int    `json:"capacity"`
		Status      string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/system/power", nil, &dto); err != nil {
		return PowerState{}, fmt.Errorf("power status: %w", err)
	}
	return PowerState{
		ExternalPower: dto.PowerSupply,
		Charging:      strings.EqualFold(dto.Status, "CHARGING"),
		BatteryLevel:  dto.Capacity,
		Status:        dto.Status,
	}, nil
}

// Ping checks the device answers on the public version endpoint.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/pub/version", nil, nil); err != nil {
		return fmt.Errorf("ping device: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, dest any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, dest)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	} else {
		req.SetBasicAuth(webConfigUser, c.pin)
	}
	return req, nil
}

func (c *Client) send(req *http.Request, dest any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrTransient, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrNotFound, req.Method, req.URL.Path)
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%w: %s %s status %d: %s", ErrTransient, req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s %s unexpected status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if dest == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}

func (c *Client) pause(ctx context.Context) error {
	if c.setupDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(c.setupDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
