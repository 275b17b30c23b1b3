package plugin

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimeoutsConfig is the shared "timeouts" block of a plugin config:
//
//	"timeouts": {"command": "30s", "task": "15s", "operation": "20s"}
//
// command bounds a chat command, task one unit of background work, operation a
// single IO call inside either.
type TimeoutsConfig struct {
	Command   string `json:"command,omitempty"`
	Task      string `json:"task,omitempty"`
	Operation string `json:"operation,omitempty"`
}

func (t *TimeoutsConfig) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*t = TimeoutsConfig{}
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("timeouts must be an object of duration strings: %w", err)
	}
	var out TimeoutsConfig
	for k, v := range m {
		switch k {
		case "command":
			out.Command = v
		case "task":
			out.Task = v
		case "operation":
			out.Operation = v
		case "job":
			return fmt.Errorf("timeouts.job is not supported; use timeouts.task")
		case "request":
			return fmt.Errorf("timeouts.request is not supported; use timeouts.operation")
		default:
			return fmt.Errorf("unknown timeouts field %q (supported: command, task, operation)", k)
		}
	}
	*t = out
	return nil
}

// Validate checks non-empty fields; prefix is the dotted path, e.g. "epicfree.timeouts".
func (t TimeoutsConfig) Validate(prefix string) error {
	for _, f := range []struct{ name, v string }{{"command", t.Command}, {"task", t.Task}, {"operation", t.Operation}} {
		if f.v == "" {
			continue
		}
		d, err := time.ParseDuration(f.v)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", prefix, f.name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s.%s: must be positive", prefix, f.name)
		}
	}
	return nil
}

func (t TimeoutsConfig) CommandOr(def time.Duration) time.Duration   { return durOr(t.Command, def) }
func (t TimeoutsConfig) TaskOr(def time.Duration) time.Duration      { return durOr(t.Task, def) }
func (t TimeoutsConfig) OperationOr(def time.Duration) time.Duration { return durOr(t.Operation, def) }

func durOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// commandTimeout reads timeouts.command from a raw plugin config.
func commandTimeout(raw json.RawMessage) (time.Duration, bool) {
	var w struct {
		Timeouts TimeoutsConfig `json:"timeouts"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &w) != nil {
		return 0, false
	}
	d := w.Timeouts.CommandOr(0)
	return d, d > 0
}

// validateStandardTimeouts checks the timeouts block, if any, before a plugin sees its config.
func validateStandardTimeouts(plugin string, raw json.RawMessage) error {
	var top map[string]json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &top) != nil {
		return nil
	}
	b, ok := top["timeouts"]
	if !ok {
		return nil
	}
	var t TimeoutsConfig
	if err := json.Unmarshal(b, &t); err != nil {
		return fmt.Errorf("%s.timeouts: %w", plugin, err)
	}
	return t.Validate(plugin + ".timeouts")
}
