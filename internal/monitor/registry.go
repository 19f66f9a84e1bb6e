package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oddsworks/vigil/internal/feed"
	"github.com/oddsworks/vigil/internal/reasoning"
	"github.com/oddsworks/vigil/internal/rules"
)

// Monitoring plans can name more accounts than are worth paying feed fees
// for; only the first few are registered at creation.
const maxInitialAccounts = 5

// Planner generates the initial monitoring plan for a new event.
type Planner interface {
	GenerateRuleset(ctx context.Context, req reasoning.RulesetRequest) (*rules.Ruleset, error)
}

// ContextFetcher seeds plan generation with market context, best-effort.
type ContextFetcher interface {
	FetchContext(ctx context.Context, eventKey string) (string, error)
}

// StateLoader reads persisted monitor state at startup.
type StateLoader interface {
	LoadMonitors(ctx context.Context) (map[string]json.RawMessage, error)
	LoadIntelligence(ctx context.Context, eventKey string) (json.RawMessage, error)
}

// Registry owns the monitor collection and routes incoming posts to the
// monitors watching their author.
type Registry struct {
	deps    Deps
	planner Planner
	market  ContextFetcher
	sched   *Scheduler
	logger  *slog.Logger

	mu       sync.Mutex
	monitors map[string]*Monitor
	creating map[string]bool
}

func NewRegistry(deps Deps, planner Planner, market ContextFetcher, sched *Scheduler) *Registry {
	return &Registry{
		deps:     deps,
		planner:  planner,
		market:   market,
		sched:    sched,
		logger:   deps.Logger,
		monitors: make(map[string]*Monitor),
		creating: make(map[string]bool),
	}
}

// Get returns the monitor for an event, if one exists.
func (r *Registry) Get(eventKey string) (*Monitor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.monitors[eventKey]
	return m, ok
}

// Create builds a new monitor in setup state: fetch market context
// (best-effort), generate the initial ruleset (fatal on failure or zero
// accounts), register accounts with the feed source (fatal if none
// succeed), and persist.
func (r *Registry) Create(ctx context.Context, eventKey, question, description, category, subscriber string) (*Monitor, error) {
	// Reserve the key before the slow plan/registration calls so a
	// concurrent create of the same event fails instead of overwriting.
	r.mu.Lock()
	_, exists := r.monitors[eventKey]
	if exists || r.creating[eventKey] {
		r.mu.Unlock()
		return nil, fmt.Errorf("event %s is already monitored", eventKey)
	}
	r.creating[eventKey] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.creating, eventKey)
		r.mu.Unlock()
	}()

	marketContext, err := r.market.FetchContext(ctx, eventKey)
	if err != nil {
		r.logger.Warn("market context unavailable", "event", eventKey, "error", err)
		marketContext = ""
	}

	rs, err := r.planner.GenerateRuleset(ctx, reasoning.RulesetRequest{
		EventKey:      eventKey,
		Question:      question,
		Description:   description,
		Category:      category,
		MarketContext: marketContext,
	})
	if err != nil {
		return nil, fmt.Errorf("generate monitoring plan: %w", err)
	}
	if len(rs.Accounts) > maxInitialAccounts {
		rs.Accounts = rs.Accounts[:maxInitialAccounts]
	}

	registered, err := r.deps.Feed.AddUsers(ctx, rs.Accounts)
	if err != nil {
		return nil, fmt.Errorf("register feed accounts: %w", err)
	}
	if len(registered) == 0 {
		return nil, fmt.Errorf("no feed accounts could be registered for %s", eventKey)
	}
	rs.Accounts = registered

	m := newMonitor(eventKey, question, description, category, rs, r.deps)
	m.subscribers[subscriber] = true
	r.deps.Ledger.InitTracking(ctx, subscriber, eventKey)

	r.mu.Lock()
	r.monitors[eventKey] = m
	r.mu.Unlock()

	m.persist(ctx)
	r.logger.Info("created monitor",
		"event", eventKey, "accounts", len(registered), "subscriber", subscriber)
	return m, nil
}

// Start activates a monitor once at least one subscriber's initial
// affordability is confirmed, then schedules its periodic cycles.
func (r *Registry) Start(ctx context.Context, eventKey string) error {
	m, ok := r.Get(eventKey)
	if !ok {
		return fmt.Errorf("no monitor for event %s", eventKey)
	}

	solvent := 0
	for _, sub := range m.Subscribers() {
		check, err := r.deps.Ledger.CanAfford(ctx, sub)
		if err != nil {
			r.logger.Error("affordability check failed", "subscriber", sub, "error", err)
			continue
		}
		if check.OK {
			solvent++
		}
	}
	if solvent == 0 {
		m.Stop(ctx)
		return fmt.Errorf("no subscriber of %s can cover monitoring costs", eventKey)
	}

	m.activate()
	if err := r.sched.Schedule(m); err != nil {
		return fmt.Errorf("schedule monitor cycles: %w", err)
	}
	m.persist(ctx)
	r.logger.Info("monitor active", "event", eventKey)
	return nil
}

// Dispatch routes one incoming post to every active monitor watching its
// author. A single post may fan out to multiple monitors.
func (r *Registry) Dispatch(post feed.Post) {
	r.mu.Lock()
	candidates := make([]*Monitor, 0, len(r.monitors))
	for _, m := range r.monitors {
		candidates = append(candidates, m)
	}
	r.mu.Unlock()

	for _, m := range candidates {
		if m.Status() != StatusActive {
			continue
		}
		if m.Ruleset().WatchesAccount(post.Author.Handle) {
			m.Enqueue(post)
		}
	}
}

// HandleBatch adapts Dispatch to the feed client's batch callback.
func (r *Registry) HandleBatch(posts []feed.Post) {
	for _, post := range posts {
		r.Dispatch(post)
	}
}

// AddSubscriber joins a subscriber to an existing monitor after confirming
// they can cover the costs.
func (r *Registry) AddSubscriber(ctx context.Context, eventKey, subscriber string) error {
	m, ok := r.Get(eventKey)
	if !ok {
		return fmt.Errorf("no monitor for event %s", eventKey)
	}
	if m.Status() == StatusStopped {
		return fmt.Errorf("monitoring for %s has stopped", eventKey)
	}

	check, err := r.deps.Ledger.CanAfford(ctx, subscriber)
	if err != nil {
		return fmt.Errorf("affordability check: %w", err)
	}
	if !check.OK {
		return fmt.Errorf("cannot subscribe: %s", check.Reason)
	}

	m.addSubscriber(ctx, subscriber)
	r.logger.Info("subscriber added", "event", eventKey, "subscriber", subscriber)
	return nil
}

// RemoveSubscriber drops a voluntarily unsubscribing subscriber. No
// notification is sent. Emptying the set stops the monitor.
func (r *Registry) RemoveSubscriber(ctx context.Context, eventKey, subscriber string) error {
	m, ok := r.Get(eventKey)
	if !ok {
		return fmt.Errorf("no monitor for event %s", eventKey)
	}
	if stopped := m.removeSubscriber(ctx, subscriber); stopped {
		r.logger.Info("monitor stopped on empty subscriber set", "event", eventKey)
	}
	return nil
}

// Purge removes a stopped monitor from the registry and deletes its
// persisted state and intelligence log. Active monitors must be stopped
// first.
func (r *Registry) Purge(ctx context.Context, eventKey string) error {
	m, ok := r.Get(eventKey)
	if !ok {
		return fmt.Errorf("no monitor for event %s", eventKey)
	}
	if m.Status() != StatusStopped {
		return fmt.Errorf("monitor %s is %s, not stopped", eventKey, m.Status())
	}

	r.mu.Lock()
	delete(r.monitors, eventKey)
	r.mu.Unlock()

	if r.deps.Store != nil {
		if err := r.deps.Store.DeleteMonitor(ctx, eventKey); err != nil {
			return fmt.Errorf("purge monitor state: %w", err)
		}
	}
	r.logger.Info("purged monitor", "event", eventKey)
	return nil
}

// StopMonitor stops a monitor explicitly. Idempotent.
func (r *Registry) StopMonitor(ctx context.Context, eventKey string) error {
	m, ok := r.Get(eventKey)
	if !ok {
		return fmt.Errorf("no monitor for event %s", eventKey)
	}
	m.Stop(ctx)
	return nil
}

// LoadAll restores persisted monitors at startup. Active monitors are
// re-registered with the feed source, reattached to workers, and
// rescheduled.
func (r *Registry) LoadAll(ctx context.Context, loader StateLoader) error {
	states, err := loader.LoadMonitors(ctx)
	if err != nil {
		return fmt.Errorf("load monitors: %w", err)
	}

	for eventKey, raw := range states {
		m, err := restore(raw, r.deps)
		if err != nil {
			r.logger.Error("skipping unrecoverable monitor", "event", eventKey, "error", err)
			continue
		}

		if items, err := loader.LoadIntelligence(ctx, eventKey); err != nil {
			r.logger.Error("failed to load intelligence log", "event", eventKey, "error", err)
		} else if items != nil {
			var log []Item
			if err := json.Unmarshal(items, &log); err != nil {
				r.logger.Error("failed to decode intelligence log", "event", eventKey, "error", err)
			} else {
				m.restoreItems(log)
			}
		}

		r.mu.Lock()
		r.monitors[eventKey] = m
		r.mu.Unlock()

		if m.Status() != StatusActive {
			continue
		}

		accounts := m.Ruleset().Accounts
		if _, err := r.deps.Feed.AddUsers(ctx, accounts); err != nil {
			r.logger.Error("failed to re-register feed accounts", "event", eventKey, "error", err)
		}
		m.activate()
		if err := r.sched.Schedule(m); err != nil {
			r.logger.Error("failed to reschedule monitor", "event", eventKey, "error", err)
		}
		r.logger.Info("reactivated monitor", "event", eventKey, "subscribers", len(m.Subscribers()))
	}

	r.logger.Info("restored monitors", "count", len(states))
	return nil
}

// MonitorInfo is a status summary for one monitor.
type MonitorInfo struct {
	EventKey    string  `json:"event_key"`
	Question    string  `json:"question"`
	Status      string  `json:"status"`
	Subscribers int     `json:"subscribers"`
	Accounts    int     `json:"accounts"`
	Metrics     Metrics `json:"metrics"`
}

// Overview summarizes every monitor for the operations surface.
func (r *Registry) Overview() []MonitorInfo {
	r.mu.Lock()
	monitors := make([]*Monitor, 0, len(r.monitors))
	for _, m := range r.monitors {
		monitors = append(monitors, m)
	}
	r.mu.Unlock()

	out := make([]MonitorInfo, 0, len(monitors))
	for _, m := range monitors {
		out = append(out, MonitorInfo{
			EventKey:    m.EventKey,
			Question:    m.Question,
			Status:      m.Status(),
			Subscribers: len(m.Subscribers()),
			Accounts:    len(m.Ruleset().Accounts),
			Metrics:     m.MetricsSnapshot(),
		})
	}
	return out
}

// StopAll stops every monitor, used during shutdown. Feed deregistration is
// skipped; the process is exiting and registrations persist server-side.
func (r *Registry) StopAll() {
	r.mu.Lock()
	monitors := make([]*Monitor, 0, len(r.monitors))
	for _, m := range r.monitors {
		monitors = append(monitors, m)
	}
	r.mu.Unlock()

	for _, m := range monitors {
		m.mu.Lock()
		if m.status == StatusActive && m.queue != nil {
			close(m.queue)
			m.queue = nil
		}
		m.mu.Unlock()
	}
}
