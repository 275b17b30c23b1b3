package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"

	"epicbot/internal/transport"
	logx "epicbot/pkg/logx"
)

const (
	defaultAPIURL   = "https://api.telegram.org"
	maxMenuCommands = 100
	maxMenuDesc     = 256
)

type menuCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// menuPayload drops empty commands, defaults descriptions and applies Telegram's limits.
func menuPayload(cmds []transport.BotCommand) []menuCommand {
	out := make([]menuCommand, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if r := []rune(d); len(r) > maxMenuDesc {
			d = string(r[:maxMenuDesc])
		}
		out = append(out, menuCommand{Command: c.Command, Description: d})
		if len(out) >= maxMenuCommands {
			break
		}
	}
	return out
}

func menuHash(cmds []menuCommand) uint64 {
	h := fnv.New64a()
	for _, c := range cmds {
		_, _ = h.Write([]byte(c.Command))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(c.Description))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// UpdateMenuCommands calls setMyCommands, skipping the request when the list is unchanged.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []transport.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	payload := menuPayload(cmds)
	sum := menuHash(payload)
	if sum == a.menuHash {
		return nil
	}

	b, err := json.Marshal(struct {
		Commands []menuCommand `json:"commands"`
	}{payload})
	if err != nil {
		return err
	}

	base := strings.TrimRight(strings.TrimSpace(a.cfg.APIURL), "/")
	if base == "" {
		base = defaultAPIURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/bot"+strings.TrimSpace(a.cfg.Token)+"/setMyCommands", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out struct {
		OK          bool   `json:"ok"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode/100 != 2 || !out.OK {
		if out.Description != "" {
			return fmt.Errorf("telegram setMyCommands failed: %s (code=%d http=%d)", out.Description, out.ErrorCode, resp.StatusCode)
		}
		return fmt.Errorf("telegram setMyCommands failed: http=%d", resp.StatusCode)
	}

	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(payload)))
	return nil
}
