package logx

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFormatTelegramJSON(t *testing.T) {
	t.Parallel()

	line := `{"level":"warn","time":"x","message":"epic fetch failed","plugin":"epicfree","err":"boom"}`
	got := formatTelegramJSON([]byte(line + "\n"))
	want := "[WARN] epic fetch failed\n- err=boom\n- plugin=epicfree"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	if got := formatTelegramJSON([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("non-JSON: got %q", got)
	}

	long := `{"level":"error","message":"` + strings.Repeat("x", 5000) + `"}`
	if got := formatTelegramJSON([]byte(long)); len(got) != maxChatLog || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncation: len=%d", len(got))
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"Error", zerolog.ErrorLevel},
		{"trace", zerolog.TraceLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			if got := ParseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
				t.Fatalf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestZeroAndNopLoggersAreSafe(t *testing.T) {
	t.Parallel()

	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	zero.Info("dropped", String("k", "v"))
	Nop().With(Int("n", 1)).Error("dropped", Err(errors.New("x")))
}

func TestEnabledFollowsLevel(t *testing.T) {
	t.Parallel()

	if Nop().Enabled(LevelDebug) {
		t.Fatal("nop logger should not enable debug")
	}
	if NewConsole("warn").Enabled(LevelDebug) {
		t.Fatal("warn logger should not enable debug")
	}
	if !NewConsole("debug").With(String("k", "v")).Enabled(LevelDebug) {
		t.Fatal("debug logger should enable debug")
	}
}

type captureSender struct{ got chan string }

func (c captureSender) SendLog(_ context.Context, chatID int64, threadID int, text string) error {
	c.got <- text
	return nil
}

func TestServiceTelegramSink(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sender := captureSender{got: make(chan string, 4)}
	svc, log := New(Config{
		Level:    "debug",
		File:     FileConfig{Enabled: true, Path: filepath.Join(dir, "bot.log")},
		Telegram: TelegramConfig{Enabled: true, MinLevel: "warn", RatePerSec: 5},
	}, sender)
	t.Cleanup(func() { _ = svc.Close() })
	svc.SetTelegramTarget(-100123, 7)

	log = log.With(String("comp", "test"))
	log.Info("below the chat threshold")
	log.Warn("delivery failed", Int64("chat_id", 42))

	select {
	case text := <-sender.got:
		if !strings.HasPrefix(text, "[WARN] delivery failed") || !strings.Contains(text, "- chat_id=42") {
			t.Fatalf("chat text = %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("warn line was not forwarded")
	}
	select {
	case text := <-sender.got:
		t.Fatalf("unexpected extra chat line %q", text)
	default:
	}

	b, err := os.ReadFile(filepath.Join(dir, "bot.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(b), "below the chat threshold") || !strings.Contains(string(b), `"comp":"test"`) {
		t.Fatalf("file sink missing lines: %s", b)
	}
}
