package router

import (
	"sort"
	"strings"
	"unicode"

	kit "epicbot/internal/transport"
)

const (
	maxMenuName     = 32
	maxMenuDescLen  = 256
	maxMenuCommands = 100
)

// sanitizeTelegramCommand maps a route or alias onto Telegram's [a-z0-9_]{1,32}.
// Separators become one underscore; other runes (including CJK) are dropped.
func sanitizeTelegramCommand(s string) string {
	var b strings.Builder
	lastSep := true
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastSep = false
		case r == '_' || r == '-' || r == '/' || unicode.IsSpace(r):
			if !lastSep {
				b.WriteByte('_')
				lastSep = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return ""
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > maxMenuName {
		out = strings.TrimRight(out[:maxMenuName], "_")
	}
	return out
}

// telegramCommandNameFromRoute joins route tokens with '_': ["epic","next"] -> "epic_next".
func telegramCommandNameFromRoute(route []string) (string, bool) {
	out := sanitizeTelegramCommand(strings.Join(route, "_"))
	return out, out != ""
}

// buildTelegramMenuCommands lists top-level commands first, then multi-token shortcuts.
func buildTelegramMenuCommands(root *cmdNode, leafCmds []Command) []kit.BotCommand {
	type entry struct {
		desc string
		prio int
	}
	byCmd := map[string]entry{}
	add := func(name, desc string, prio int, lock bool) {
		name = sanitizeTelegramCommand(name)
		if name == "" {
			return
		}
		desc = strings.ReplaceAll(strings.TrimSpace(desc), "\n", " ")
		if desc == "" {
			desc = name
		}
		if lock {
			desc = lockMark + desc
		}
		if r := []rune(desc); len(r) > maxMenuDescLen {
			desc = string(r[:maxMenuDescLen])
		}
		if cur, ok := byCmd[name]; ok && cur.prio <= prio {
			return
		}
		byCmd[name] = entry{desc: desc, prio: prio}
	}

	for _, name := range root.childNames() {
		n, _ := root.child(name)
		add(name, summarizeNodeDesc(n), 0, nodeIsOwnerOnly(n))
	}
	for _, c := range leafCmds {
		route := splitRoute(c.Route)
		if len(route) < 2 {
			continue
		}
		desc := c.Description
		if strings.TrimSpace(desc) == "" {
			desc = strings.Join(route, " ")
		}
		add(strings.Join(route, "_"), desc, 1, c.Access == AccessOwnerOnly)
	}

	names := make([]string, 0, len(byCmd))
	for k := range byCmd {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := byCmd[names[i]], byCmd[names[j]]
		if a.prio != b.prio {
			return a.prio < b.prio
		}
		return names[i] < names[j]
	})
	if len(names) > maxMenuCommands {
		names = names[:maxMenuCommands]
	}
	out := make([]kit.BotCommand, 0, len(names))
	for _, n := range names {
		out = append(out, kit.BotCommand{Command: n, Description: byCmd[n].desc})
	}
	return out
}
