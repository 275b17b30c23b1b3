// Package storage persists the delivery audit trail.
//
// Drivers:
//   - "file":   append-only JSON Lines at <path without ext>.audit.jsonl
//   - "sqlite": a SQLite database (pure Go, WAL mode)
//
// An empty driver or "none" disables storage; Open then returns (nil, nil).
package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only
}

// AuditEntry records one action (a push to a chat, an operator command).
type AuditEntry struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id,omitempty"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id,omitempty"`
	ThreadID      int       `json:"thread_id,omitempty"`
	Plugin        string    `json:"plugin"`
	Action        string    `json:"action"`
	Target        string    `json:"target,omitempty"`
	OK            int       `json:"ok"`
	Fail          int       `json:"fail"`
	Error         string    `json:"err,omitempty"`
	TookMS        int64     `json:"took_ms"`
	MetaJSON      string    `json:"meta,omitempty"`
}

type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	// RecentAudit returns up to n entries for plugin, newest first. An empty plugin matches all.
	RecentAudit(ctx context.Context, plugin string, n int) ([]AuditEntry, error)
	Close() error
}
