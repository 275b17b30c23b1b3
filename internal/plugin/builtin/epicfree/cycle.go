package epicfree

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"epicbot/pkg/epicstore"
	logx "epicbot/pkg/logx"
)

const previewRunes = 50

// CycleEvent is the payload of the epicfree.cycle.* events.
type CycleEvent struct {
	RunID   string    `json:"run_id"`
	Plan    string    `json:"plan,omitempty"`
	At      time.Time `json:"at,omitzero"`
	Targets int       `json:"targets,omitempty"`
	Failed  int       `json:"failed,omitempty"`
	Err     string    `json:"err,omitempty"`
}

type cycleStatus struct {
	next    time.Time
	lastRun time.Time
	lastErr error
	report  *DeliveryReport
}

type cycleState struct {
	mu sync.Mutex
	st cycleStatus
}

func (c *cycleState) load() cycleStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

func (c *cycleState) update(fn func(*cycleStatus)) {
	c.mu.Lock()
	fn(&c.st)
	c.mu.Unlock()
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

// runCycle sleeps until the next fire time, pushes the digest to every group
// and repeats until ctx is cancelled.
func (p *Plugin) runCycle(ctx context.Context) error {
	for ctx.Err() == nil {
		err := p.iterate(ctx)
		if err == nil || errors.Is(err, errRescheduled) {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		s, _, _ := p.snapshot()
		p.fail(err, s.backoff)
		if p.wait(ctx, s.backoff) != nil {
			return nil
		}
	}
	return nil
}

func (p *Plugin) iterate(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()

	s, src, gen := p.snapshot()
	runID := uuid.NewString()
	log := p.Log.With(logx.String("run_id", runID))

	now := p.now().In(s.location())
	delay := s.plan.Until(now)
	at := now.Add(delay)
	log.Info(fmt.Sprintf("next push in %.2f hours", delay.Hours()),
		logx.Time("at", at),
		logx.String("plan", s.plan.String()),
	)
	p.Deps.Metrics.SetNextFire(at)
	p.state.update(func(st *cycleStatus) { st.next = at })
	p.PublishEvent("cycle.scheduled", CycleEvent{RunID: runID, Plan: s.plan.String(), At: at, Targets: len(s.targets)})

	if err := p.nap(ctx, delay, gen); err != nil {
		if errors.Is(err, errRescheduled) {
			log.Info("schedule changed; recomputing next push")
		}
		return err
	}

	text, _, err := p.fetchText(ctx, s, src, log)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.skip(runID, at, s, err, log)
		return p.wait(ctx, s.settle)
	}
	log.Info("pushing digest",
		logx.String("preview", preview(text, previewRunes)),
		logx.Int("groups", len(s.targets)),
	)
	report := p.deliverAll(ctx, s, text, pushOrigin{runID: runID, trigger: "schedule"})
	if err := ctx.Err(); err != nil {
		return err
	}

	p.Deps.Metrics.ObserveCycle(nil)
	p.state.update(func(st *cycleStatus) {
		st.lastRun = p.now()
		st.lastErr = nil
		st.report = &report
	})
	p.PublishEvent("cycle.delivered", CycleEvent{
		RunID:   runID,
		At:      at,
		Targets: len(report.Results),
		Failed:  report.Failed(),
	})
	log.Info("push finished", logx.Int("delivered", len(report.Results)-report.Failed()), logx.Int("failed", report.Failed()))

	return p.wait(ctx, s.settle)
}

// skip records a scheduled push dropped because the digest could not be
// fetched. Groups get nothing; the apology is only for on-demand commands.
func (p *Plugin) skip(runID string, at time.Time, s settings, err error, log logx.Logger) {
	log.Warn("scheduled push skipped", logx.Err(err), logx.Int("groups", len(s.targets)))
	p.Deps.Metrics.ObserveCycle(err)
	p.state.update(func(st *cycleStatus) {
		st.lastRun = p.now()
		st.lastErr = err
	})
	p.PublishEvent("cycle.skipped", CycleEvent{RunID: runID, At: at, Targets: len(s.targets), Err: err.Error()})
}

// fail records an iteration fault before the loop backs off.
func (p *Plugin) fail(err error, backoff time.Duration) {
	stack := debug.Stack()
	var pe *panicError
	if errors.As(err, &pe) {
		stack = pe.stack
	}
	p.Log.Error("push iteration failed",
		logx.Err(err),
		logx.Duration("backoff", backoff),
		logx.Stack(string(stack)),
	)
	p.Deps.Metrics.ObserveCycle(err)
	p.state.update(func(st *cycleStatus) {
		st.lastRun = p.now()
		st.lastErr = err
	})
	p.PublishEvent("cycle.failed", CycleEvent{Err: err.Error()})
}

// nap waits d. It returns errRescheduled when the config changes meanwhile.
func (p *Plugin) nap(ctx context.Context, d time.Duration, gen uint64) error {
	nctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return errRescheduled
	}
	p.cancelNap = cancel
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.cancelNap = nil
		p.mu.Unlock()
	}()

	err := p.wait(nctx, d)
	if err != nil && ctx.Err() == nil {
		return errRescheduled
	}
	return err
}

// fetchText never returns an empty text: on error it is the apology.
func (p *Plugin) fetchText(ctx context.Context, s settings, src digestSource, log logx.Logger) (string, *epicstore.Digest, error) {
	fctx, cancel := context.WithTimeout(ctx, s.operationTimeout)
	defer cancel()

	start := time.Now()
	d, err := src.Fetch(fctx)
	p.Deps.Metrics.ObserveFetch(time.Since(start), err)
	if err != nil {
		log.Warn("epic fetch failed", logx.Err(err))
		return epicstore.FailureText, nil, err
	}
	for _, e := range d.Skipped {
		log.Warn("epic item skipped", logx.Err(e))
	}
	p.digest.Store(d)
	return d.Text(), d, nil
}

func preview(s string, n int) string {
	for i := range s {
		if n == 0 {
			return s[:i]
		}
		n--
	}
	return s
}
