package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"epicbot/internal/transport"
	logx "epicbot/pkg/logx"
)

func TestSplitText(t *testing.T) {
	t.Parallel()

	digest := "【EPIC 喜加一】\n" + strings.Repeat("【游戏】\n原价: ¥90.00 | 现价: 0\n\n", 20)

	tests := []struct {
		name      string
		in        string
		limit     int
		parseMode string
		wantN     int
	}{
		{"short", "hello", 10, "", 1},
		{"empty", "", 10, "", 1},
		{"exact", strings.Repeat("a", 10), 10, "", 1},
		{"hard cut", strings.Repeat("a", 25), 10, "", 3},
		{"cjk runes", digest, 100, "", 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := splitText(tt.in, tt.limit, tt.parseMode)
			if tt.wantN > 0 && len(got) != tt.wantN {
				t.Fatalf("chunks = %d, want %d: %q", len(got), tt.wantN, got)
			}
			for _, c := range got {
				if n := utf8.RuneCountInString(c); n > tt.limit {
					t.Fatalf("chunk has %d runes > %d", n, tt.limit)
				}
				if !utf8.ValidString(c) {
					t.Fatalf("chunk is not valid UTF-8: %q", c)
				}
			}
			if strings.ReplaceAll(strings.Join(got, ""), "\n", "") != strings.ReplaceAll(tt.in, "\n", "") {
				t.Fatal("split lost content")
			}
		})
	}
}

func TestSplitTextPrefersNewline(t *testing.T) {
	t.Parallel()

	in := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitText(in, 12, "")
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTextAvoidsHTMLTag(t *testing.T) {
	t.Parallel()

	in := "abcdefg<b>bold</b>"
	got := splitText(in, 9, "HTML")
	if got[0] != "abcdefg" {
		t.Fatalf("first chunk = %q, want tag moved to the next chunk", got[0])
	}
}

func TestMenuPayload(t *testing.T) {
	t.Parallel()

	got := menuPayload([]transport.BotCommand{
		{Command: "epic", Description: "free games"},
		{Command: ""},
		{Command: "help"},
		{Command: "long", Description: strings.Repeat("字", 300)},
	})
	if len(got) != 3 {
		t.Fatalf("len = %d", len(got))
	}
	if got[1].Description != "help" {
		t.Fatalf("default description = %q", got[1].Description)
	}
	if n := utf8.RuneCountInString(got[2].Description); n != maxMenuDesc {
		t.Fatalf("description runes = %d", n)
	}
}

func TestUpdateMenuCommandsSkipsUnchanged(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/setMyCommands") {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		var body struct {
			Commands []menuCommand `json:"commands"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Commands) != 1 {
			http.Error(w, `{"ok":false,"description":"bad body"}`, http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	}))
	t.Cleanup(srv.Close)

	a, err := New(Config{Token: "123:abc", APIURL: srv.URL, Offline: true}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cmds := []transport.BotCommand{{Command: "epic", Description: "free games"}}
	for i := 0; i < 3; i++ {
		if err := a.UpdateMenuCommands(context.Background(), cmds); err != nil {
			t.Fatalf("UpdateMenuCommands: %v", err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("setMyCommands calls = %d, want 1", got)
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}
