package epicfree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"epicbot/internal/storage"
	kit "epicbot/internal/transport"
	logx "epicbot/pkg/logx"
)

var errNoTransport = errors.New("no transport configured")

type DeliveryResult struct {
	Target    kit.ChatTarget
	MessageID int
	Err       error
	Took      time.Duration
}

// DeliveryReport lists one result per destination, in configuration order.
type DeliveryReport struct {
	RunID   string
	Results []DeliveryResult
}

func (r DeliveryReport) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

// Summary renders one line per destination for a chat reply.
func (r DeliveryReport) Summary() string {
	if len(r.Results) == 0 {
		return "no groups configured"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "pushed to %d/%d groups\n", len(r.Results)-r.Failed(), len(r.Results))
	for _, res := range r.Results {
		if res.Err != nil {
			fmt.Fprintf(&b, "❌ %s: %v\n", targetString(res.Target), res.Err)
			continue
		}
		fmt.Fprintf(&b, "✅ %s (%s)\n", targetString(res.Target), res.Took.Round(time.Millisecond))
	}
	return strings.TrimRight(b.String(), "\n")
}

type pushOrigin struct {
	runID         string
	trigger       string // schedule | command
	actorID       int64
	actorUsername string
}

// deliverAll sends text to every configured group, pausing delivery_gap after
// each attempt. A failed send never stops the remaining ones.
func (p *Plugin) deliverAll(ctx context.Context, s settings, text string, o pushOrigin) DeliveryReport {
	report := DeliveryReport{RunID: o.runID, Results: make([]DeliveryResult, 0, len(s.targets))}
	log := p.Log.With(logx.String("run_id", o.runID))
	sender := p.Deps.Adapter

	for _, t := range s.targets {
		if ctx.Err() != nil {
			break
		}
		res := DeliveryResult{Target: t, Err: errNoTransport}
		if sender != nil {
			tctx, cancel := context.WithTimeout(ctx, s.taskTimeout)
			start := time.Now()
			ref, err := sender.SendText(tctx, t, text, &kit.SendOptions{DisablePreview: true})
			cancel()
			res = DeliveryResult{Target: t, MessageID: ref.MessageID, Err: err, Took: time.Since(start)}
		}
		report.Results = append(report.Results, res)
		p.Deps.Metrics.ObserveDelivery(res.Err)
		p.auditDelivery(ctx, res, o, log)

		if res.Err != nil {
			log.Warn("delivery failed",
				logx.Int64("chat_id", t.ChatID),
				logx.Int("thread_id", t.ThreadID),
				logx.Err(res.Err),
			)
			p.PublishEvent("delivery.failed", DeliveryEvent{
				RunID:    o.runID,
				ChatID:   t.ChatID,
				ThreadID: t.ThreadID,
				Err:      res.Err.Error(),
			})
		} else {
			log.Debug("delivered",
				logx.Int64("chat_id", t.ChatID),
				logx.Int("message_id", res.MessageID),
				logx.Duration("took", res.Took),
			)
		}

		if err := p.wait(ctx, s.gap); err != nil {
			break
		}
	}
	return report
}

// DeliveryEvent is the payload of epicfree.delivery.failed.
type DeliveryEvent struct {
	RunID    string `json:"run_id"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	Err      string `json:"err"`
}

func (p *Plugin) auditDelivery(ctx context.Context, res DeliveryResult, o pushOrigin, log logx.Logger) {
	meta, _ := json.Marshal(map[string]string{"run_id": o.runID, "trigger": o.trigger})
	e := storage.AuditEntry{
		At:            p.now(),
		ActorID:       o.actorID,
		ActorUsername: o.actorUsername,
		ChatID:        res.Target.ChatID,
		ThreadID:      res.Target.ThreadID,
		Action:        "push",
		Target:        targetString(res.Target),
		TookMS:        res.Took.Milliseconds(),
		MetaJSON:      string(meta),
	}
	if res.Err != nil {
		e.Fail = 1
		e.Error = res.Err.Error()
	} else {
		e.OK = 1
	}
	// Shutdown must not drop the row of a send that already happened.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.AppendAudit(actx, e); err != nil && !errors.Is(err, storage.ErrDisabled) {
		log.Warn("audit append failed", logx.Err(err))
	}
}

func targetString(t kit.ChatTarget) string {
	s := strconv.FormatInt(t.ChatID, 10)
	if t.ThreadID != 0 {
		s += ":" + strconv.Itoa(t.ThreadID)
	}
	return s
}
