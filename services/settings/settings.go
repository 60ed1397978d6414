package settings

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Settings is the user-facing manager configuration. Values are copied into every job
// at creation time, so a change never alters a job that has already started.
type Settings struct {
	AutomaticUpdates  bool     `json:"automatic_updates" yaml:"automatic_updates"`
	IncludePrerelease bool     `json:"include_prerelease" yaml:"include_prerelease"`
	AutomaticBackups  bool     `json:"automatic_backups" yaml:"automatic_backups"`
	BackupTime        string   `json:"backup_time" yaml:"backup_time"`
	ShutdownOnBattery bool     `json:"shutdown_on_battery" yaml:"shutdown_on_battery"`
	BackupRetention   int      `json:"backup_retention" yaml:"backup_retention"`
	Triggers          Triggers `json:"triggers" yaml:"triggers"`
}

// Triggers selects which lifecycle events reach notification channels.
type Triggers struct {
	UpdateAvailable bool `json:"update_available" yaml:"update_available"`
	UpdateResult    bool `json:"update_result" yaml:"update_result"`
	BackupResult    bool `json:"backup_result" yaml:"backup_result"`
	NewIntegration  bool `json:"new_integration" yaml:"new_integration"`
}

// Default returns the settings used before anything has been saved.
func Default() Settings {
	return Settings{
		BackupTime:        "02:00",
		ShutdownOnBattery: true,
		BackupRetention:   10,
		Triggers: Triggers{
			UpdateAvailable: true,
			UpdateResult:    true,
			BackupResult:    false,
			NewIntegration:  false,
		},
	}
}

// Validate checks field formats.
func (s Settings) Validate() error {
	if _, _, err := ParseBackupTime(s.BackupTime); err != nil {
		return err
	}
	if s.BackupRetention < 0 {
		return errors.New("backup_retention must not be negative")
	}
	return nil
}

// ParseBackupTime parses an HH:MM wall clock time.
func ParseBackupTime(v string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("backup_time %q must be HH:MM", v)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("backup_time %q has invalid hour", v)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("backup_time %q has invalid minute", v)
	}
	return hour, minute, nil
}

// CronSpec converts the backup time to a standard five field cron expression.
func (s Settings) CronSpec() (string, error) {
	hour, minute, err := ParseBackupTime(s.BackupTime)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}
