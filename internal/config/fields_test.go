package config

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 5 * time.Second, false},
		{"0s", 5 * time.Second, false},
		{"2s", 2 * time.Second, false},
		{" 1m ", time.Minute, false},
		{"-1s", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			got, err := ParseDurationOrDefault("x.y", tt.raw, 5*time.Second)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseChatRef(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		chat    int64
		thread  int
		wantErr bool
	}{
		{"-100123", -100123, 0, false},
		{"-100123:7", -100123, 7, false},
		{" 42 : 3 ", 42, 3, false},
		{"", 0, 0, true},
		{"0", 0, 0, true},
		{"abc", 0, 0, true},
		{"42:x", 0, 0, true},
		{"42:-1", 0, 0, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			chat, thread, err := ParseChatRef("groups[0]", tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if chat != tt.chat || thread != tt.thread {
				t.Fatalf("got (%d, %d), want (%d, %d)", chat, thread, tt.chat, tt.thread)
			}
		})
	}
}

func TestParseLocation(t *testing.T) {
	t.Parallel()

	if loc, err := ParseLocation("tz", ""); err != nil || loc != time.Local {
		t.Fatalf("empty: %v %v", loc, err)
	}
	if loc, err := ParseLocation("tz", "UTC"); err != nil || loc.String() != "UTC" {
		t.Fatalf("UTC: %v %v", loc, err)
	}
	if _, err := ParseLocation("tz", "Mars/Olympus"); err == nil {
		t.Fatal("expected error for unknown zone")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{
		Telegram: TelegramConfig{Token: "a"},
		HTTP:     HTTPConfig{Enabled: true, Token: "secret"},
		Plugins: map[string]PluginConfigRaw{
			"epicfree": {Enabled: true, Config: json.RawMessage(`{"push_time":"18:00","push_way":"daily"}`)},
			"other":    {Enabled: true},
		},
	}
	newCfg := &Config{
		Telegram: TelegramConfig{Token: "a"},
		HTTP:     HTTPConfig{Enabled: true, Token: "rotated"},
		Logging:  LoggingConfig{Level: "debug"},
		Plugins: map[string]PluginConfigRaw{
			// Same content, different key order and whitespace.
			"epicfree": {Enabled: true, Config: json.RawMessage(`{ "push_way":"daily", "push_time":"18:00" }`)},
			"other":    {Enabled: false},
		},
	}

	changed, attrs, plugins := SummarizeConfigChange(oldCfg, newCfg)
	if want := []string{"logging", "plugins"}; !reflect.DeepEqual(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if want := []string{"other"}; !reflect.DeepEqual(plugins, want) {
		t.Fatalf("plugins = %v, want %v", plugins, want)
	}
	if len(attrs) == 0 {
		t.Fatal("expected log attrs")
	}

	changed, _, _ = SummarizeConfigChange(nil, &Config{Storage: &StorageConfig{Driver: "file", Path: "x"}})
	if want := []string{"storage"}; !reflect.DeepEqual(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{EnvTelegramToken: " 123:abc ", EnvHTTPToken: ""}
	cfg := &Config{Telegram: TelegramConfig{Token: "from-file"}, HTTP: HTTPConfig{Token: "keep"}}
	applyEnv(cfg, func(k string) string { return env[k] })
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("telegram token = %q", cfg.Telegram.Token)
	}
	if cfg.HTTP.Token != "keep" {
		t.Fatalf("empty env must not clear http token, got %q", cfg.HTTP.Token)
	}
}
