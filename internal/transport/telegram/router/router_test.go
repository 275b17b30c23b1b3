package router

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	kit "epicbot/internal/transport"
	logx "epicbot/pkg/logx"
)

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"/epic", []string{"/epic"}},
		{"/epic  next   5", []string{"/epic", "next", "5"}},
		{`/say "hello world" 'a b'`, []string{"/say", "hello world", "a b"}},
		{`/say a\ b`, []string{"/say", "a b"}},
		{`/say ""`, []string{"/say", ""}},
		{"/喜加一 现在", []string{"/喜加一", "现在"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			if got := tokenizeCommandLine(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("tokenize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	pos, flags, bools := parseFlags([]string{"5", "--limit=3", "--chat", "-100", "--raw", "-v", "x", "-ab", "-"})
	if !reflect.DeepEqual(pos, []string{"5", "-"}) {
		t.Fatalf("pos = %q", pos)
	}
	if flags["limit"] != "3" || flags["chat"] != "-100" || flags["v"] != "x" {
		t.Fatalf("flags = %v", flags)
	}
	for _, k := range []string{"raw", "a", "b"} {
		if !bools[k] {
			t.Fatalf("bool flag %q missing: %v", k, bools)
		}
	}
}

func TestSanitizeTelegramCommand(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"epic", "epic"},
		{"Free-Games", "free_games"},
		{"epic next", "epic_next"},
		{"喜加一", ""},
		{"1st", "cmd_1st"},
		{"__a__b__", "a_b"},
		{strings.Repeat("x", 40), strings.Repeat("x", 32)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			if got := sanitizeTelegramCommand(tt.in); got != tt.want {
				t.Fatalf("sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return kit.MessageRef{MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                    { return nil }

func (f *fakeAdapter) waitFor(t *testing.T, substr string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for _, s := range f.sent {
			if strings.Contains(s, substr) {
				f.mu.Unlock()
				return
			}
		}
		f.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no message containing %q", substr)
}

func msg(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ID: 1, ChatID: 7, FromID: from, Text: text}}
}

func TestDispatchRoutesCommands(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), fa, nil, &Services{RuntimeSupervisors: NewSupervisorRegistry()}, []int64{42})

	got := make(chan *Request, 8)
	record := func(ctx context.Context, req *Request) error {
		got <- req
		return nil
	}
	m.SetRegistry([]Command{
		{Route: "epic", Aliases: []string{"喜加一", "free-games"}, Description: "free games now", Handle: record},
		{Route: "epic push", Access: AccessOwnerOnly, Description: "push now", Handle: record},
		{Route: "epic next", Description: "next fire times", Handle: record},
	})

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 8)
	done := make(chan struct{})
	go func() {
		_ = m.DispatchLoop(ctx, updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	next := func() *Request {
		t.Helper()
		select {
		case r := <-got:
			return r
		case <-time.After(3 * time.Second):
			t.Fatal("handler not called")
			return nil
		}
	}

	updates <- msg(1, "/喜加一")
	if r := next(); r.Command != "epic" {
		t.Fatalf("alias routed to %q", r.Command)
	}

	updates <- msg(1, "/free_games")
	if r := next(); r.Command != "epic" {
		t.Fatalf("sanitized alias routed to %q", r.Command)
	}

	updates <- msg(1, "/epic@epicbot next 5 --raw")
	r := next()
	if r.Command != "epic next" || !reflect.DeepEqual(r.Args, []string{"5"}) || !r.BoolFlags["raw"] {
		t.Fatalf("subcommand request = %+v", r)
	}

	updates <- msg(1, "/epic_next")
	if r := next(); r.Command != "epic next" {
		t.Fatalf("menu shortcut routed to %q", r.Command)
	}

	updates <- msg(1, "/epic push")
	fa.waitFor(t, replyDenied)

	updates <- msg(42, "/epic push")
	if r := next(); r.Command != "epic push" || !r.IsOwner() {
		t.Fatalf("owner request = %+v", r)
	}

	updates <- msg(1, "/nope")
	fa.waitFor(t, replyUnknown)

	updates <- msg(1, "/help epic")
	fa.waitFor(t, "<b>Subcommands</b>")

	if m.Supervisor() == nil {
		t.Fatal("supervisor should be visible while running")
	}
}

func TestHelpTopListsOwnerCommandsLast(t *testing.T) {
	t.Parallel()

	m := NewCommandManager(logx.Nop(), &fakeAdapter{}, nil, nil, nil)
	noop := func(context.Context, *Request) error { return nil }
	m.SetRegistry([]Command{
		{Route: "admin", Access: AccessOwnerOnly, Description: "owner thing", Handle: noop},
		{Route: "epic", Description: "free games", Handle: noop},
	})

	text := m.helpText(nil)
	admin := strings.Index(text, "/admin")
	epic := strings.Index(text, "/epic")
	if admin < 0 || epic < 0 || admin < epic {
		t.Fatalf("unexpected order:\n%s", text)
	}
	if !strings.Contains(text, lockMark+"<code>/admin") {
		t.Fatalf("owner command not marked:\n%s", text)
	}
}

func TestBuildTelegramMenuCommands(t *testing.T) {
	t.Parallel()

	root := newRoot()
	noop := func(context.Context, *Request) error { return nil }
	cmds := []Command{
		{Route: "epic", Description: "free games", Handle: noop},
		{Route: "epic history", Description: "audit", Access: AccessOwnerOnly, Handle: noop},
	}
	for _, c := range cmds {
		root.add(splitRoute(c.Route), c)
	}
	got := buildTelegramMenuCommands(root, cmds)
	want := []kit.BotCommand{
		{Command: "epic", Description: "free games"},
		{Command: "epic_history", Description: lockMark + "audit"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("menu = %+v", got)
	}
}
