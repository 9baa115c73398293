package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bepresent/presentd/internal/clock"
	"github.com/bepresent/presentd/internal/intention"
	"github.com/bepresent/presentd/internal/metrics"
	"github.com/bepresent/presentd/internal/session"
	"github.com/bepresent/presentd/internal/storage"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// Foreground event kinds.
const (
	EventOpen  = "open"
	EventClose = "close"
)

// ForegroundEvent reports a change of the device's foreground app.
type ForegroundEvent struct {
	Package string `json:"package"`
	Event   string `json:"event"`
}

// Presenter receives the user-visible consequences of verdicts. The shipped
// implementation only logs; a device agent would overlay a shield screen.
type Presenter interface {
	Shield(v Verdict)
	Unshield(pkg string)
	Warn(pkg string, remaining time.Duration)
}

// LogPresenter writes verdict consequences to the log.
type LogPresenter struct {
	logger zerolog.Logger
}

// NewLogPresenter creates a presenter that logs shield transitions.
func NewLogPresenter(logger zerolog.Logger) *LogPresenter {
	return &LogPresenter{logger: logger.With().Str("component", "presenter").Logger()}
}

func (p *LogPresenter) Shield(v Verdict) {
	p.logger.Info().
		Str("package", v.Package).
		Str("reason", v.Reason).
		Time("until", v.Until).
		Msg("Shield raised")
}

func (p *LogPresenter) Unshield(pkg string) {
	p.logger.Info().Str("package", pkg).Msg("Shield lowered")
}

func (p *LogPresenter) Warn(pkg string, remaining time.Duration) {
	p.logger.Info().
		Str("package", pkg).
		Dur("remaining", remaining).
		Msg("Open window expiring soon")
}

type taskKind int

const (
	taskTick taskKind = iota
	taskWarn
	taskReevaluate
)

type task struct {
	at   time.Time
	kind taskKind
	pkg  string
}

// Options tune the monitor loop.
type Options struct {
	// Debounce bounds how long a cached verdict may answer repeat events
	// for the same package.
	Debounce time.Duration
	// CacheSize is the verdict cache capacity.
	CacheSize int
	// WarningLead is how long before an open window expires the presenter
	// is warned.
	WarningLead time.Duration
	// FaultRetry is the delay before re-evaluating after a failed-open
	// decision.
	FaultRetry time.Duration
}

// Monitor drives arbitration: it feeds foreground events to the arbiter,
// applies verdicts through the presenter, and owns the timers that make
// time-based transitions happen without an event (goal deadlines, open
// window expiries, quota-block re-checks). Evaluation failures never block
// the device: the monitor fails open and retries.
type Monitor struct {
	arbiter   *Arbiter
	engine    *session.Engine
	tracker   *intention.Tracker
	presenter Presenter
	clock     clock.Clock
	opts      Options
	logger    zerolog.Logger

	cache  *lru.Cache[string, Verdict]
	taskCh chan task
	stopCh chan struct{}
	unsub  func()

	mu         sync.Mutex
	foreground string
}

// New creates a monitor wired to the store's commit notifications so that
// out-of-band writes (control API, reset scheduler) invalidate cached
// verdicts.
func New(arbiter *Arbiter, engine *session.Engine, tracker *intention.Tracker, store storage.Store, presenter Presenter, clk clock.Clock, opts Options, logger zerolog.Logger) (*Monitor, error) {
	cache, err := lru.New[string, Verdict](opts.CacheSize)
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		arbiter:   arbiter,
		engine:    engine,
		tracker:   tracker,
		presenter: presenter,
		clock:     clk,
		opts:      opts,
		logger:    logger.With().Str("component", "monitor").Logger(),
		cache:     cache,
		taskCh:    make(chan task, 64),
		stopCh:    make(chan struct{}),
	}

	m.unsub = store.Events().Subscribe(m.onStoreEvent)
	return m, nil
}

// Start launches the timer loop.
func (m *Monitor) Start() {
	go m.run()
	m.logger.Info().
		Dur("debounce", m.opts.Debounce).
		Dur("warning_lead", m.opts.WarningLead).
		Msg("Monitor started")

	// A session surviving a restart still needs its goal timer.
	if active, err := m.engine.Active(context.Background()); err == nil && active.State == storage.SessionActive {
		m.schedule(task{at: active.GoalDeadline(), kind: taskTick})
	}
}

// Stop tears the monitor down.
func (m *Monitor) Stop() {
	m.unsub()
	close(m.stopCh)
	m.logger.Info().Msg("Monitor stopped")
}

// Process handles one foreground event synchronously and returns the
// verdict applied. Close events return a nil verdict.
func (m *Monitor) Process(ctx context.Context, ev ForegroundEvent) (*Verdict, error) {
	switch ev.Event {
	case EventClose:
		return nil, m.processClose(ctx, ev.Package)
	case EventOpen:
		v := m.processOpen(ctx, ev.Package)
		return &v, nil
	default:
		return nil, errors.New("monitor: unknown foreground event")
	}
}

func (m *Monitor) processClose(ctx context.Context, pkg string) error {
	m.mu.Lock()
	if m.foreground == pkg {
		m.foreground = ""
	}
	m.mu.Unlock()
	m.cache.Remove(pkg)

	if err := m.tracker.NoteClosed(ctx, pkg); err != nil {
		m.logger.Error().Err(err).Str("package", pkg).Msg("Failed to close open window")
		return err
	}
	return nil
}

func (m *Monitor) processOpen(ctx context.Context, pkg string) Verdict {
	now := m.clock.Now()

	m.mu.Lock()
	m.foreground = pkg
	m.mu.Unlock()

	if v, ok := m.cache.Get(pkg); ok {
		if now.Sub(v.EvaluatedAt) < m.opts.Debounce && (v.Until.IsZero() || now.Before(v.Until)) {
			metrics.VerdictCacheHits.Inc()
			m.apply(v)
			return v
		}
		m.cache.Remove(pkg)
	}
	metrics.VerdictCacheMisses.Inc()

	v, err := m.arbiter.Evaluate(ctx, pkg)
	if err != nil {
		// Never hold the device hostage to an internal fault.
		metrics.EvaluationFaults.Inc()
		m.logger.Error().Err(err).Str("package", pkg).Msg("Evaluation failed, allowing")
		v = Verdict{Package: pkg, Action: ActionAllow, EvaluatedAt: now}
		m.schedule(task{at: now.Add(m.opts.FaultRetry), kind: taskReevaluate, pkg: pkg})
		return v
	}

	m.cache.Add(pkg, v)
	m.apply(v)

	if !v.Until.IsZero() {
		if v.Allowed() && m.opts.WarningLead > 0 {
			if warnAt := v.Until.Add(-m.opts.WarningLead); warnAt.After(now) {
				m.schedule(task{at: warnAt, kind: taskWarn, pkg: pkg})
			}
		}
		m.schedule(task{at: v.Until, kind: taskReevaluate, pkg: pkg})
	}
	return v
}

func (m *Monitor) apply(v Verdict) {
	if v.Allowed() {
		return
	}
	m.presenter.Shield(v)
}

// onStoreEvent runs on every committed write. Cached verdicts may now be
// stale, so they are dropped; a new session also gets its goal timer here.
func (m *Monitor) onStoreEvent(ev storage.Event) {
	m.cache.Purge()

	if ev.Kind == storage.KindSession && ev.Op == storage.OpPut {
		if active, err := m.engine.Active(context.Background()); err == nil &&
			active.ID == ev.ID && active.State == storage.SessionActive {
			m.schedule(task{at: active.GoalDeadline(), kind: taskTick})
		}
	}
}

func (m *Monitor) schedule(t task) {
	select {
	case m.taskCh <- t:
	default:
		m.logger.Warn().Str("package", t.pkg).Msg("Task queue full, dropping scheduled check")
	}
}

// run owns all pending timers in one loop: it keeps the pending task list
// and a single timer armed for the earliest one.
func (m *Monitor) run() {
	var pending []task
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	rearm := func() {
		timer.Stop()
		if len(pending) == 0 {
			return
		}
		next := pending[0].at
		for _, t := range pending[1:] {
			if t.at.Before(next) {
				next = t.at
			}
		}
		d := next.Sub(m.clock.Now())
		if d < 0 {
			d = 0
		}
		timer.Reset(d)
	}

	for {
		select {
		case t := <-m.taskCh:
			pending = append(pending, t)
			rearm()
		case <-timer.C:
			now := m.clock.Now()
			var due, rest []task
			for _, t := range pending {
				if !t.at.After(now) {
					due = append(due, t)
				} else {
					rest = append(rest, t)
				}
			}
			pending = rest
			for _, t := range due {
				m.execute(t)
			}
			rearm()
		case <-m.stopCh:
			timer.Stop()
			return
		}
	}
}

func (m *Monitor) execute(t task) {
	ctx := context.Background()
	switch t.kind {
	case taskTick:
		if _, _, err := m.engine.Tick(ctx, m.clock.Now()); err != nil {
			m.logger.Error().Err(err).Msg("Scheduled session tick failed")
		}
	case taskWarn:
		m.mu.Lock()
		fg := m.foreground
		m.mu.Unlock()
		if fg != t.pkg {
			return
		}
		m.presenter.Warn(t.pkg, m.opts.WarningLead)
	case taskReevaluate:
		m.mu.Lock()
		fg := m.foreground
		m.mu.Unlock()
		if fg != t.pkg {
			return
		}
		m.cache.Remove(t.pkg)
		m.processOpen(ctx, t.pkg)
	}
}
