package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// setupPage is the subset of the device setup response carrying user-action input.
type setupPage struct {
	DriverID          string `json:"driver_id"`
	State             string `json:"state"`
	RequireUserAction *struct {
		Input *struct {
			Settings []setupSetting `json:"settings"`
		} `json:"input"`
	} `json:"require_user_action"`
}

type setupSetting struct {
	ID    string `json:"id"`
	Field struct {
		Dropdown *struct {
			Value string `json:"value"`
		} `json:"dropdown"`
		Textarea *struct {
			Value string `json:"value"`
		} `json:"textarea"`
		Text *struct {
			Value string `json:"value"`
		} `json:"text"`
	} `json:"field"`
}

func (p setupPage) setting(id string) (setupSetting, bool) {
	if p.RequireUserAction == nil || p.RequireUserAction.Input == nil {
		return setupSetting{}, false
	}
	for _, s := range p.RequireUserAction.Input.Settings {
		if s.ID == id {
			return s, true
		}
	}
	return setupSetting{}, false
}

func (p setupPage) choice() string {
	s, ok := p.setting("choice")
	if !ok || s.Field.Dropdown == nil {
		return ""
	}
	return s.Field.Dropdown.Value
}

func (p setupPage) backupData() string {
	s, ok := p.setting("backup_data")
	if !ok {
		return ""
	}
	switch {
	case s.Field.Textarea != nil:
		return s.Field.Textarea.Value
	case s.Field.Text != nil:
		return s.Field.Text.Value
	}
	return ""
}

func setupPath(id string) string {
	return "/intg/setup/" + url.PathEscape(id)
}

// BackupConfig runs the driver's reconfigure flow with the backup action and returns
// the exported configuration. The setup session is always closed afterwards.
func (c *Client) BackupConfig(ctx context.Context, id string) ([]byte, error) {
	if err := c.requireBackupSupport(ctx, id); err != nil {
		return nil, err
	}

	var started setupPage
	start := map[string]any{"driver_id": id, "reconfigure": true, "setup_data": map[string]any{}}
	if err := c.do(ctx, http.MethodPost, "/intg/setup", start, &started); err != nil {
		return nil, fmt.Errorf("start setup for %s: %w", id, err)
	}
	defer c.closeSetup(id)

	if err := c.pause(ctx); err != nil {
		return nil, err
	}
	var page setupPage
	if err := c.do(ctx, http.MethodGet, setupPath(id), nil, &page); err != nil {
		return nil, fmt.Errorf("read setup for %s: %w", id, err)
	}
	choice := page.choice()
	if choice == "" {
		choice = started.choice()
	}
	if choice == "" {
		return nil, fmt.Errorf("%s has no configured instance to back up", id)
	}

	input := map[string]any{"input_values": map[string]string{
		"choice":      choice,
		"action":      "backup",
		"backup_data": "[]",
	}}
	var submitted setupPage
	if err := c.do(ctx, http.MethodPut, setupPath(id), input, &submitted); err != nil {
		return nil, fmt.Errorf("request backup for %s: %w", id, err)
	}

	if err := c.pause(ctx); err != nil {
		return nil, err
	}
	var result setupPage
	if err := c.do(ctx, http.MethodGet, setupPath(id), nil, &result); err != nil {
		return nil, fmt.Errorf("read backup for %s: %w", id, err)
	}
	data := result.backupData()
	if data == "" {
		data = submitted.backupData()
	}
	if data == "" {
		return nil, fmt.Errorf("%s returned no backup data", id)
	}
	return []byte(data), nil
}

// RestoreConfig checks that id supports backup and restore, then feeds payload
// back to the driver through the restore step of its setup flow.
func (c *Client) RestoreConfig(ctx context.Context, id string, payload []byte) error {
	if len(payload) == 0 {
		return errors.New("restore payload is empty")
	}
	if err := c.requireBackupSupport(ctx, id); err != nil {
		return err
	}
	return c.ApplyConfig(ctx, id, payload)
}

// ApplyConfig runs the restore step without asking the capability source again.
// Update jobs decide backup support once, before the old version is removed, and
// the freshly installed version may be listed differently.
func (c *Client) ApplyConfig(ctx context.Context, id string, payload []byte) error {
	if len(payload) == 0 {
		return errors.New("restore payload is empty")
	}

	start := map[string]any{"driver_id": id, "reconfigure": false, "setup_data": map[string]any{}}
	if err := c.do(ctx, http.MethodPost, "/intg/setup", start, nil); err != nil {
		return fmt.Errorf("start restore for %s: %w", id, err)
	}
	if err := c.pause(ctx); err != nil {
		return err
	}

	step := map[string]any{"input_values": map[string]string{"restore_from_backup": "true"}}
	if err := c.do(ctx, http.MethodPut, setupPath(id), step, nil); err != nil {
		return fmt.Errorf("select restore for %s: %w", id, err)
	}
	if err := c.pause(ctx); err != nil {
		return err
	}

	data := map[string]any{"input_values": map[string]string{
		"restore_from_backup": "true",
		"restore_data":        compactJSON(payload),
	}}
	if err := c.do(ctx, http.MethodPut, setupPath(id), data, nil); err != nil {
		return fmt.Errorf("submit restore for %s: %w", id, err)
	}
	return nil
}

func (c *Client) requireBackupSupport(ctx context.Context, id string) error {
	integ, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	if !integ.SupportsBackupRestore {
		if integ.BackupNote != "" {
			return fmt.Errorf("%w: %s: %s", ErrUnsupported, id, integ.BackupNote)
		}
		return fmt.Errorf("%w: %s", ErrUnsupported, id)
	}
	return nil
}

func (c *Client) closeSetup(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.do(ctx, http.MethodDelete, setupPath(id), nil, nil); err != nil {
		c.log.Warn().Err(err).Str("integration_id", id).Msg("close setup session")
	}
}

func compactJSON(payload []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return string(payload)
	}
	return buf.String()
}
