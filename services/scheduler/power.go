package scheduler

import (
	"time"

	"intgmgr/services/device"
)

// PowerEvent is a change of the device power supply.
type PowerEvent struct {
	Docked       bool      `json:"docked"`
	Charging     bool      `json:"charging"`
	BatteryLevel int       `json:"battery_level"`
	At           time.Time `json:"at"`
}

// EventFromState converts a device power reading.
func EventFromState(st device.PowerState, at time.Time) PowerEvent {
	return PowerEvent{
		Docked:       st.ExternalPower || st.Charging,
		Charging:     st.Charging,
		BatteryLevel: st.BatteryLevel,
		At:           at,
	}
}

// Status is the process wide scheduler state.
type Status struct {
	ServerRunning         bool       `json:"server_running"`
	Docked                bool       `json:"docked"`
	Charging              bool       `json:"charging"`
	BatteryLevel          int        `json:"battery_level"`
	PowerUpdatedAt        *time.Time `json:"power_updated_at,omitempty"`
	LastScheduledBackupAt *time.Time `json:"last_scheduled_backup_at,omitempty"`
	LastScheduledCheckAt  *time.Time `json:"last_scheduled_check_at,omitempty"`
	NextBackupAt          *time.Time `json:"next_backup_at,omitempty"`
}

type action int

const (
	actionNone action = iota
	actionSuspend
	actionResume
)

// decide is the pure transition table of the power controller.
func decide(running, shutdownOnBattery bool, ev PowerEvent) action {
	switch {
	case running && !ev.Docked && shutdownOnBattery:
		return actionSuspend
	case !running && ev.Docked:
		return actionResume
	case !running && !shutdownOnBattery:
		// The setting was turned off while suspended.
		return actionResume
	}
	return actionNone
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}
