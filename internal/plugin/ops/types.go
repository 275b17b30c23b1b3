// Package ops holds data-only plugin status types shared by the router, the
// plugin manager and the HTTP server without import cycles.
package ops

import "time"

type PluginsSnapshot struct {
	Time    time.Time      `json:"time"`
	Plugins []PluginStatus `json:"plugins"`
}

type PluginStatus struct {
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	Running   bool   `json:"running"`
	HasConfig bool   `json:"has_config"`

	Quarantined     bool      `json:"quarantined"`
	QuarantineErr   string    `json:"quarantine_err,omitempty"`
	QuarantineSince time.Time `json:"quarantine_since,omitzero"`

	HasHealthChecker bool               `json:"has_health_checker"`
	HealthLoopActive bool               `json:"health_loop_active"`
	LastHealth       PluginHealthResult `json:"last_health,omitzero"`
}

type PluginHealthResult struct {
	Plugin string    `json:"plugin"`
	At     time.Time `json:"at"`
	Status string    `json:"status,omitempty"`
	Err    string    `json:"err,omitempty"`
	Fails  int       `json:"fails,omitempty"`
}

// Healthy is true when no running plugin is quarantined or failing its last health check.
func (s PluginsSnapshot) Healthy() bool {
	for _, p := range s.Plugins {
		if p.Enabled && (p.Quarantined || p.LastHealth.Err != "") {
			return false
		}
	}
	return true
}
