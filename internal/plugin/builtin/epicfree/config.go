package epicfree

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"epicbot/internal/config"
	"epicbot/internal/plugin"
	kit "epicbot/internal/transport"
	"epicbot/pkg/pushschedule"
)

const (
	defaultPushTime       = "08:00"
	defaultPushWay        = "fri_sat_sun"
	defaultDeliveryGap    = 2 * time.Second
	defaultSettle         = 60 * time.Second
	defaultFailureBackoff = 300 * time.Second

	defaultCommandTimeout   = 30 * time.Second
	defaultOperationTimeout = 20 * time.Second
	defaultTaskTimeout      = 15 * time.Second
)

// Config is plugins.epicfree.config.
type Config struct {
	PushTime string     `json:"push_time,omitempty"`
	PushWay  string     `json:"push_way,omitempty"`
	Timezone string     `json:"timezone,omitempty"`
	Groups   []groupRef `json:"groups,omitempty"`

	Endpoint string `json:"endpoint,omitempty"`
	Locale   string `json:"locale,omitempty"`
	Country  string `json:"country,omitempty"`

	DeliveryGap    string `json:"delivery_gap,omitempty"`
	Settle         string `json:"settle,omitempty"`
	FailureBackoff string `json:"failure_backoff,omitempty"`

	Timeouts plugin.TimeoutsConfig `json:"timeouts"`
}

// groupRef accepts a bare number as well as "<chat_id>[:<thread_id>]".
type groupRef string

func (g *groupRef) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*g = groupRef(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("group must be a chat id string or number: %s", b)
	}
	*g = groupRef(n.String())
	return nil
}

// settings is the parsed, defaulted form of Config.
type settings struct {
	plan      pushschedule.Plan
	ruleRaw   string
	ruleKnown bool
	loc       *time.Location
	targets   []kit.ChatTarget

	endpoint, locale, country string

	gap, settle, backoff time.Duration

	commandTimeout, operationTimeout, taskTimeout time.Duration
}

// parseSettings decodes and validates raw. An unknown push_way is not an
// error: it falls back to daily and ruleKnown is false.
func parseSettings(raw json.RawMessage) (settings, error) {
	c, err := plugin.DecodePluginConfig[Config](raw)
	if err != nil {
		return settings{}, fmt.Errorf("%s: %w", PluginName, err)
	}

	var errs []error
	s := settings{
		endpoint: strings.TrimSpace(c.Endpoint),
		locale:   strings.TrimSpace(c.Locale),
		country:  strings.TrimSpace(c.Country),
	}

	pt := c.PushTime
	if strings.TrimSpace(pt) == "" {
		pt = defaultPushTime
	}
	at, err := pushschedule.ParseFireTime(pt)
	if err != nil {
		errs = append(errs, fmt.Errorf("%s.push_time: %w", PluginName, err))
	}

	s.ruleRaw = c.PushWay
	if strings.TrimSpace(s.ruleRaw) == "" {
		s.ruleRaw = defaultPushWay
	}
	rule, ok := pushschedule.ParseRule(s.ruleRaw)
	s.ruleKnown = ok
	s.plan = pushschedule.Plan{At: at, Rule: rule}

	if s.loc, err = config.ParseLocation(PluginName+".timezone", c.Timezone); err != nil {
		errs = append(errs, err)
	}

	seen := map[kit.ChatTarget]bool{}
	for i, g := range c.Groups {
		chatID, threadID, err := config.ParseChatRef(PluginName+".groups["+strconv.Itoa(i)+"]", string(g))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		t := kit.ChatTarget{ChatID: chatID, ThreadID: threadID}
		if seen[t] {
			continue
		}
		seen[t] = true
		s.targets = append(s.targets, t)
	}

	durs := []struct {
		key string
		raw string
		def time.Duration
		dst *time.Duration
	}{
		{"delivery_gap", c.DeliveryGap, defaultDeliveryGap, &s.gap},
		{"settle", c.Settle, defaultSettle, &s.settle},
		{"failure_backoff", c.FailureBackoff, defaultFailureBackoff, &s.backoff},
	}
	for _, d := range durs {
		v, err := config.ParseDurationOrDefault(PluginName+"."+d.key, d.raw, d.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*d.dst = v
	}

	if err := c.Timeouts.Validate(PluginName + ".timeouts"); err != nil {
		errs = append(errs, err)
	}
	s.commandTimeout = c.Timeouts.CommandOr(defaultCommandTimeout)
	s.operationTimeout = c.Timeouts.OperationOr(defaultOperationTimeout)
	s.taskTimeout = c.Timeouts.TaskOr(defaultTaskTimeout)

	if err := errors.Join(errs...); err != nil {
		return settings{}, err
	}
	return s, nil
}

// location is never nil.
func (s settings) location() *time.Location {
	if s.loc == nil {
		return time.Local
	}
	return s.loc
}
