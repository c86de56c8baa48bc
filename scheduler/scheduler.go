// Package scheduler dispatches background agents on cron or interval
// schedules, wrapping every run in an execution log so history is never
// silently lost. One agent's failure never prevents another's scheduled run.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/scoutline/pipeline/metrics"
	"github.com/scoutline/pipeline/store"
)

// Skip reasons recorded on skipped execution logs.
const (
	ReasonAgentDisabled = "agent_disabled"
	ReasonCostLimit     = "cost_limit_exceeded"
	ReasonRateLimit     = "rate_limit_exceeded"
)

// Result is what an agent reports back from one run.
type Result struct {
	ItemsProcessed int
	ItemsFailed    int
	CostUSD        float64
	Metadata       store.Metadata
}

// Agent is one schedulable unit of background work.
type Agent interface {
	// Name is the agent's stable identifier, keying its configuration row.
	Name() string

	// Defaults seeds the agent's configuration row on first reference.
	Defaults() store.AgentConfig

	// Run performs the agent's work. The advisory rate and cost ceilings
	// have already been checked when Run is called.
	Run(ctx context.Context, cfg *store.AgentConfig) (Result, error)
}

// Scheduler drives registered agents from their stored configurations.
type Scheduler struct {
	store  *store.Store
	sink   metrics.Sink
	logger *slog.Logger
	tick   time.Duration
	now    func() time.Time

	mu      sync.Mutex
	agents  map[string]Agent
	order   []string
	running map[string]bool
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTick overrides the dispatch poll interval.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		s.tick = d
	}
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithSink sets the metrics sink.
func WithSink(sink metrics.Sink) Option {
	return func(s *Scheduler) {
		s.sink = sink
	}
}

// New creates a scheduler over the store.
func New(st *store.Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:   st,
		sink:    metrics.Nop{},
		logger:  slog.Default(),
		tick:    30 * time.Second,
		now:     time.Now,
		agents:  make(map[string]Agent),
		running: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds an agent. Must be called before Start.
func (s *Scheduler) Register(agent Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[agent.Name()]; !exists {
		s.order = append(s.order, agent.Name())
	}
	s.agents[agent.Name()] = agent
}

// Start runs the dispatch loop until the context is cancelled, then waits
// for in-flight runs to finish. Disabling an agent mid-run never cancels the
// run; it only prevents the next one from starting.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "agents", len(s.agents), "tick", s.tick)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Dispatch(ctx)
		}
	}
}

// Dispatch runs one due-check pass over all registered agents. Each due
// agent runs on its own goroutine; a panicking or failing agent never stops
// the others.
func (s *Scheduler) Dispatch(ctx context.Context) {
	s.mu.Lock()
	names := append([]string(nil), s.order...)
	s.mu.Unlock()

	for _, name := range names {
		s.mu.Lock()
		agent := s.agents[name]
		alreadyRunning := s.running[name]
		s.mu.Unlock()

		cfg, err := s.store.GetOrCreateAgentConfig(ctx, agent.Defaults())
		if err != nil {
			s.logger.Error("agent config load failed", "agent", name, "error", err)
			continue
		}

		due, next := s.due(cfg)
		if !due {
			if next != nil && (cfg.NextRunAt == nil || !next.Equal(*cfg.NextRunAt)) {
				if err := s.store.UpdateAgentRunTimes(ctx, name, valueOrZero(cfg.LastRunAt), next); err != nil {
					s.logger.Warn("next run update failed", "agent", name, "error", err)
				}
			}
			continue
		}

		if alreadyRunning {
			s.logger.Debug("agent still running, not re-dispatching", "agent", name)
			continue
		}

		s.advanceRunTimes(ctx, cfg)

		s.mu.Lock()
		s.running[name] = true
		s.mu.Unlock()

		s.wg.Add(1)
		go func(agent Agent, cfg *store.AgentConfig) {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				s.running[agent.Name()] = false
				s.mu.Unlock()
			}()
			s.execute(ctx, agent, cfg, "scheduled")
		}(agent, cfg)
	}
}

// TriggerNow dispatches one agent immediately, regardless of schedule. The
// enable flag and advisory ceilings still apply, and an agent already
// mid-run is refused rather than overlapped.
func (s *Scheduler) TriggerNow(ctx context.Context, name string) error {
	s.mu.Lock()
	agent, ok := s.agents[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown agent %s", name)
	}
	if s.running[name] {
		s.mu.Unlock()
		return fmt.Errorf("agent %s is already running", name)
	}
	s.running[name] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running[name] = false
		s.mu.Unlock()
	}()

	cfg, err := s.store.GetOrCreateAgentConfig(ctx, agent.Defaults())
	if err != nil {
		return err
	}
	s.execute(ctx, agent, cfg, "manual")
	return nil
}

// due decides whether cfg should run now, and what the next run time is.
// Manual agents never self-trigger.
func (s *Scheduler) due(cfg *store.AgentConfig) (bool, *time.Time) {
	now := s.now().UTC()

	switch cfg.ScheduleType {
	case store.ScheduleCron:
		if cfg.CronExpression == "" {
			return false, nil
		}
		schedule, err := cron.ParseStandard(cfg.CronExpression)
		if err != nil {
			s.logger.Warn("invalid cron expression", "agent", cfg.Name, "expr", cfg.CronExpression, "error", err)
			return false, nil
		}
		if cfg.NextRunAt == nil {
			next := schedule.Next(now)
			return false, &next
		}
		return !now.Before(*cfg.NextRunAt), cfg.NextRunAt

	case store.ScheduleInterval:
		if cfg.IntervalHours <= 0 {
			return false, nil
		}
		if cfg.LastRunAt == nil {
			// Never ran: due immediately.
			return true, nil
		}
		next := cfg.LastRunAt.Add(time.Duration(cfg.IntervalHours) * time.Hour)
		return !now.Before(next), &next

	case store.ScheduleManual:
		return false, nil

	default:
		return false, nil
	}
}

// advanceRunTimes moves last/next run forward at dispatch so the next tick
// does not re-dispatch the same slot.
func (s *Scheduler) advanceRunTimes(ctx context.Context, cfg *store.AgentConfig) {
	now := s.now().UTC()
	var next *time.Time

	switch cfg.ScheduleType {
	case store.ScheduleCron:
		if schedule, err := cron.ParseStandard(cfg.CronExpression); err == nil {
			n := schedule.Next(now)
			next = &n
		}
	case store.ScheduleInterval:
		n := now.Add(time.Duration(cfg.IntervalHours) * time.Hour)
		next = &n
	}

	if err := s.store.UpdateAgentRunTimes(ctx, cfg.Name, now, next); err != nil {
		s.logger.Warn("run time update failed", "agent", cfg.Name, "error", err)
	}
}

// execute wraps one run in its execution log. The log row is created before
// the work starts and finished exactly once afterwards, panics included, so
// execution history survives any handler outcome.
func (s *Scheduler) execute(ctx context.Context, agent Agent, cfg *store.AgentConfig, trigger string) {
	name := agent.Name()

	if skip, reason := s.shouldSkip(ctx, cfg); skip {
		s.logSkip(ctx, name, trigger, reason)
		return
	}

	logRow := &store.ExecutionLog{
		RunID:     uuid.NewString(),
		AgentName: name,
		StartedAt: s.now().UTC(),
		Metadata:  store.Metadata{"trigger": trigger},
	}
	if err := s.store.StartExecutionLog(ctx, logRow); err != nil {
		s.logger.Error("execution log create failed", "agent", name, "error", err)
		return
	}

	start := s.now()
	var res Result
	var runErr error

	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("agent panic: %v", r)
			}
		}()
		res, runErr = agent.Run(ctx, cfg)
	}()

	logRow.ItemsProcessed = res.ItemsProcessed
	logRow.ItemsFailed = res.ItemsFailed
	logRow.CostUSD = res.CostUSD
	for k, v := range res.Metadata {
		logRow.Metadata[k] = v
	}

	if runErr != nil {
		logRow.Status = store.RunFailed
		logRow.Error = runErr.Error()
		s.logger.Error("agent run failed", "agent", name, "run_id", logRow.RunID, "error", runErr)
	} else {
		logRow.Status = store.RunCompleted
		s.logger.Info("agent run completed",
			"agent", name,
			"run_id", logRow.RunID,
			"items_processed", res.ItemsProcessed,
			"items_failed", res.ItemsFailed)
	}

	if err := s.store.FinishExecutionLog(ctx, logRow); err != nil {
		s.logger.Error("execution log finish failed", "agent", name, "run_id", logRow.RunID, "error", err)
	}
	s.sink.RunFinished(name, string(logRow.Status), s.now().Sub(start))
}

// shouldSkip evaluates the enable flag and the advisory ceilings.
func (s *Scheduler) shouldSkip(ctx context.Context, cfg *store.AgentConfig) (bool, string) {
	if !cfg.Enabled {
		return true, ReasonAgentDisabled
	}

	now := s.now().UTC()
	if cfg.CostLimitDailyUSD > 0 {
		spent, err := s.store.DailyCostUSD(ctx, cfg.Name, now)
		if err != nil {
			s.logger.Warn("daily cost lookup failed", "agent", cfg.Name, "error", err)
		} else if spent >= cfg.CostLimitDailyUSD {
			return true, ReasonCostLimit
		}
	}
	if cfg.RateLimitPerHour > 0 {
		items, err := s.store.ItemsProcessedSince(ctx, cfg.Name, now.Add(-time.Hour))
		if err != nil {
			s.logger.Warn("hourly rate lookup failed", "agent", cfg.Name, "error", err)
		} else if items >= int64(cfg.RateLimitPerHour) {
			return true, ReasonRateLimit
		}
	}
	return false, ""
}

// logSkip records a skipped run. Skips are audit events, not errors.
func (s *Scheduler) logSkip(ctx context.Context, name, trigger, reason string) {
	logRow := &store.ExecutionLog{
		RunID:     uuid.NewString(),
		AgentName: name,
		StartedAt: s.now().UTC(),
		Metadata:  store.Metadata{"trigger": trigger, "reason": reason},
	}
	if err := s.store.StartExecutionLog(ctx, logRow); err != nil {
		s.logger.Error("execution log create failed", "agent", name, "error", err)
		return
	}
	logRow.Status = store.RunSkipped
	if err := s.store.FinishExecutionLog(ctx, logRow); err != nil {
		s.logger.Error("execution log finish failed", "agent", name, "error", err)
	}

	s.logger.Info("agent run skipped", "agent", name, "reason", reason)
	s.sink.RunFinished(name, string(store.RunSkipped), 0)
}

func valueOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
