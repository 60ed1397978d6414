package device

import (
	"context"
	"errors"
)

var (
	// ErrNotFound means the device does not know the driver or setup session.
	ErrNotFound = errors.New("not found on device")
	// ErrTransient covers an unreachable device and 5xx responses.
	ErrTransient = errors.New("device unavailable")
	// ErrUnsupported means the integration offers no configuration backup.
	ErrUnsupported = errors.New("backup not supported")
)

// Driver types reported by the device.
const (
	DriverTypeCustom   = "CUSTOM"
	DriverTypeExternal = "EXTERNAL"
	DriverTypeLocal    = "LOCAL"
)

// Integration is the device's view of one installed driver.
type Integration struct {
	ID                    string `json:"id"`
	Name                  string `json:"name"`
	InstalledVersion      string `json:"installed_version"`
	HomePage              string `json:"home_page"`
	DriverType            string `json:"driver_type"`
	InstanceID            string `json:"instance_id,omitempty"`
	Status                string `json:"status"`
	Enabled               bool   `json:"enabled"`
	SupportsBackupRestore bool   `json:"supports_backup_restore"`
	BackupNote            string `json:"backup_note,omitempty"`
}

// Custom reports whether the driver was installed from an archive and can be managed.
func (i Integration) Custom() bool {
	return i.DriverType == DriverTypeCustom
}

// Official reports whether the driver ships with the firmware.
func (i Integration) Official() bool {
	return i.DriverType == DriverTypeLocal
}

// PowerState is the device's power supply status.
type PowerState struct {
	ExternalPower bool   `json:"external_power"`
	Charging      bool   `json:"charging"`
	BatteryLevel  int    `json:"battery_level"`
	Status        string `json:"status,omitempty"`
}

// Capabilities answers backup support and repository questions the device itself
// cannot.
type Capabilities interface {
	SupportsBackup(ctx context.Context, driverID, name, installedVersion string) (bool, string)
	Repository(ctx context.Context, driverID, name string) string
}
