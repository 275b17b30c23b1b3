// Package systemd speaks the sd_notify protocol: readiness, shutdown, status
// lines and watchdog keep-alives. Outside systemd every call is a no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "epicbot/pkg/logx"
)

type Notifier struct {
	log logx.Logger

	notify   func(unsetEnv bool, state string) (bool, error)
	watchdog func(unsetEnv bool) (time.Duration, error)
}

func NewNotifier(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		log:      log.With(logx.String("comp", "systemd")),
		notify:   daemon.SdNotify,
		watchdog: daemon.SdWatchdogEnabled,
	}
}

func (n *Notifier) Ready() bool    { return n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() bool { return n.send(daemon.SdNotifyStopping) }

// Status sets the free-form line shown by `systemctl status`.
func (n *Notifier) Status(msg string) bool { return n.send("STATUS=" + msg) }

// send reports whether the message was delivered to a listening manager.
func (n *Notifier) send(state string) bool {
	ok, err := n.notify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return ok
}

// WatchdogLoop pings WATCHDOG=1 at half the configured WatchdogSec until ctx
// ends. alive may veto a ping so systemd restarts a wedged process. It returns
// immediately when the watchdog is not enabled for this unit.
func (n *Notifier) WatchdogLoop(ctx context.Context, alive func() bool) error {
	interval, err := n.watchdog(false)
	if err != nil {
		return err
	}
	if interval <= 0 {
		return nil
	}
	every := interval / 2
	n.log.Info("watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if alive != nil && !alive() {
				n.log.Warn("watchdog ping skipped: process reported unhealthy")
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
