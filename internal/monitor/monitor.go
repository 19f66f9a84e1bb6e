package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oddsworks/vigil/internal/billing"
	"github.com/oddsworks/vigil/internal/delivery"
	"github.com/oddsworks/vigil/internal/feed"
	"github.com/oddsworks/vigil/internal/reasoning"
	"github.com/oddsworks/vigil/internal/rules"
)

// Monitor status values. Stopped is terminal.
const (
	StatusSetup   = "setup"
	StatusActive  = "active"
	StatusPaused  = "paused"
	StatusStopped = "stopped"
)

const (
	// Intelligence log retention per event.
	intelligenceCap = 1000

	// Bounded ingestion queue per monitor: bursty feed traffic drops posts
	// rather than growing unbounded.
	queueSize  = 256
	numWorkers = 4
)

// Reasoner is the slice of the reasoning engine a monitor drives.
type Reasoner interface {
	AnalyzePost(ctx context.Context, question string, rs *rules.Ruleset, post feed.Post) (*reasoning.Analysis, error)
	SynthesizeDigest(ctx context.Context, question string, entries []reasoning.DigestEntry) (string, error)
	RefineRuleset(ctx context.Context, eventKey string, current *rules.Ruleset, metrics any) (*rules.Ruleset, error)
}

// Biller gates and records every billable action.
type Biller interface {
	CanAfford(ctx context.Context, subscriber string) (billing.CheckResult, error)
	ChargeCall(ctx context.Context, subscriber, eventKey, callType string) (billing.CallResult, error)
	ChargeDailyFee(ctx context.Context, subscriber, eventKey string) (billing.FeeResult, error)
	InitTracking(ctx context.Context, subscriber, eventKey string)
}

// Notifier pushes finished output and balance notices to subscribers.
type Notifier interface {
	DeliverImmediate(ctx context.Context, msg delivery.Immediate)
	DeliverDigest(ctx context.Context, msg delivery.Digest)
	NotifyLowBalance(ctx context.Context, msg delivery.BalanceNotice)
}

// Registrar manages watched handles on the shared feed subscription.
type Registrar interface {
	AddUsers(ctx context.Context, handles []string) ([]string, error)
	RemoveUsers(ctx context.Context, handles []string)
}

// StateStore persists monitor state and intelligence logs; nil disables
// persistence.
type StateStore interface {
	SaveMonitor(ctx context.Context, eventKey string, state any) error
	SaveIntelligence(ctx context.Context, eventKey string, items any) error
	DeleteMonitor(ctx context.Context, eventKey string) error
}

// Deps bundles the collaborators every monitor shares.
type Deps struct {
	Reasoner Reasoner
	Ledger   Biller
	Delivery Notifier
	Feed     Registrar
	Store    StateStore
	Logger   *slog.Logger
}

// Item is one classified post: the raw post fields plus the classifier
// output, appended to the monitor's intelligence log.
type Item struct {
	ID               string    `json:"id"`
	PostID           string    `json:"post_id"`
	Author           string    `json:"author"`
	Followers        int       `json:"followers"`
	Text             string    `json:"text"`
	Relevant         bool      `json:"relevant"`
	RelevanceScore   float64   `json:"relevance_score"`
	Sentiment        string    `json:"sentiment"`
	CredibilityScore float64   `json:"credibility_score"`
	Insights         string    `json:"insights"`
	Priority         string    `json:"priority"`
	Confidence       float64   `json:"confidence"`
	IsPriorityNode   bool      `json:"is_priority_node"`
	PriorityReason   string    `json:"priority_reason,omitempty"`
	AnalyzedAt       time.Time `json:"analyzed_at"`
}

// state is the serialized form persisted per monitor.
type state struct {
	EventKey       string         `json:"event_key"`
	Question       string         `json:"question"`
	Description    string         `json:"description"`
	Category       string         `json:"category"`
	Status         string         `json:"status"`
	Ruleset        *rules.Ruleset `json:"ruleset"`
	Subscribers    []string       `json:"subscribers"`
	Paused         []string       `json:"paused,omitempty"`
	Metrics        Metrics        `json:"metrics"`
	LastRefinement time.Time      `json:"last_refinement,omitzero"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Monitor owns one event's ruleset, subscriber set, metrics, and
// intelligence log, and runs the ingestion pipeline for posts routed to it.
// The mutex guards all mutable state; it is never held across I/O. Each post
// is classified against the ruleset snapshot taken when its processing
// starts, so a concurrent refinement never affects an in-flight post.
type Monitor struct {
	EventKey    string
	Question    string
	Description string
	Category    string

	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	mu             sync.Mutex
	status         string
	ruleset        *rules.Ruleset
	subscribers    map[string]bool
	paused         map[string]bool
	metrics        Metrics
	items          []Item
	lastRefinement time.Time
	createdAt      time.Time

	queue      chan feed.Post
	unschedule func()
}

func newMonitor(eventKey, question, description, category string, rs *rules.Ruleset, deps Deps) *Monitor {
	return &Monitor{
		EventKey:    eventKey,
		Question:    question,
		Description: description,
		Category:    category,
		deps:        deps,
		logger:      deps.Logger.With("event", eventKey),
		now:         time.Now,
		status:      StatusSetup,
		ruleset:     rs,
		subscribers: make(map[string]bool),
		paused:      make(map[string]bool),
		metrics:     newMetrics(),
		createdAt:   time.Now(),
	}
}

// Status returns the current lifecycle state.
func (m *Monitor) Status() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Ruleset returns the current ruleset reference.
func (m *Monitor) Ruleset() *rules.Ruleset {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ruleset
}

// Subscribers returns a copy of the subscriber set.
func (m *Monitor) Subscribers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscriberList()
}

func (m *Monitor) subscriberList() []string {
	out := make([]string, 0, len(m.subscribers))
	for s := range m.subscribers {
		out = append(out, s)
	}
	return out
}

// recipients returns subscribers eligible for delivery: the subscriber set
// minus paused subscribers.
func (m *Monitor) recipients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subscribers))
	for s := range m.subscribers {
		if !m.paused[s] {
			out = append(out, s)
		}
	}
	return out
}

// activate moves the monitor to active and starts the ingestion workers.
// Also used to reattach workers to a restored monitor. No-op once stopped or
// already running.
func (m *Monitor) activate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == StatusStopped || m.queue != nil {
		return
	}
	m.status = StatusActive
	m.queue = make(chan feed.Post, queueSize)
	for i := 0; i < numWorkers; i++ {
		go m.worker(m.queue)
	}
}

func (m *Monitor) worker(queue chan feed.Post) {
	for post := range queue {
		m.handlePost(context.Background(), post)
	}
}

// Enqueue hands one routed post to the ingestion workers. Posts are dropped
// when the queue is full or the monitor is not active.
func (m *Monitor) Enqueue(post feed.Post) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != StatusActive {
		return
	}
	select {
	case m.queue <- post:
	default:
		m.logger.Warn("post queue full, dropping post", "post_id", post.ID, "author", post.Author.Handle)
	}
}

// handlePost runs the ingestion pipeline for one post.
func (m *Monitor) handlePost(ctx context.Context, post feed.Post) {
	m.mu.Lock()
	if m.status != StatusActive {
		m.mu.Unlock()
		return
	}
	rs := m.ruleset
	m.metrics.Total++
	m.mu.Unlock()

	if isPriority, reason := rules.CheckPriority(post, rs); isPriority {
		m.handlePriorityPost(ctx, rs, post, reason)
		return
	}

	if rules.ShouldSkip(post, rs) {
		return
	}

	if !m.gateSubscribers(ctx, billing.CallAnalyze) {
		return
	}

	analysis, err := m.deps.Reasoner.AnalyzePost(ctx, m.Question, rs, post)
	if err != nil {
		m.logger.Warn("classification failed", "post_id", post.ID, "error", err)
		return
	}

	if !analysis.Relevant ||
		analysis.RelevanceScore < rs.Filters.RelevanceThreshold ||
		analysis.CredibilityScore < rs.Filters.CredibilityThreshold {
		m.logger.Debug("post below thresholds",
			"post_id", post.ID,
			"relevance", analysis.RelevanceScore,
			"credibility", analysis.CredibilityScore,
		)
		return
	}

	item := m.buildItem(post, analysis, false, "")
	m.appendItem(ctx, item)

	author := rules.NormalizeHandle(post.Author.Handle)
	m.mu.Lock()
	m.metrics.recordRelevant(author, analysis.RelevanceScore, analysis.CredibilityScore, analysis.Priority == "high")
	m.mu.Unlock()

	if analysis.Priority == "high" {
		m.deliverImmediate(ctx, item)
	}
}

// handlePriorityPost runs the priority path: billing gate, classify, force
// high priority, deliver immediately. Pre-filter and threshold filters are
// bypassed; the billing gate is not.
func (m *Monitor) handlePriorityPost(ctx context.Context, rs *rules.Ruleset, post feed.Post, reason string) {
	if !m.gateSubscribers(ctx, billing.CallPriority) {
		return
	}

	analysis, err := m.deps.Reasoner.AnalyzePost(ctx, m.Question, rs, post)
	if err != nil {
		m.logger.Warn("priority classification failed", "post_id", post.ID, "error", err)
		return
	}
	analysis.Priority = "high"

	item := m.buildItem(post, analysis, true, reason)
	m.appendItem(ctx, item)

	// Priority items always count as high priority, but only fold into the
	// relevant count and running averages when the classifier agreed; a
	// trigger match alone must not skew refinement metrics.
	author := rules.NormalizeHandle(post.Author.Handle)
	m.mu.Lock()
	if analysis.Relevant {
		m.metrics.recordRelevant(author, analysis.RelevanceScore, analysis.CredibilityScore, true)
	} else {
		m.metrics.HighPriority++
	}
	m.mu.Unlock()

	m.deliverImmediate(ctx, item)
	m.logger.Info("priority item delivered", "post_id", post.ID, "reason", reason)
}

// gateSubscribers charges every current subscriber one classification call.
// A subscriber who cannot afford it is notified and removed. Returns false
// when no charged subscriber remains, in which case the caller must not
// invoke the reasoning model.
func (m *Monitor) gateSubscribers(ctx context.Context, callType string) bool {
	charged := 0
	for _, sub := range m.Subscribers() {
		result, err := m.deps.Ledger.ChargeCall(ctx, sub, m.EventKey, callType)
		if err != nil {
			// Backend failure, not insolvency. Keep the subscriber and skip
			// them for this post only.
			m.logger.Error("call charge failed", "subscriber", sub, "error", err)
			continue
		}
		if result.ShouldPause {
			m.removeInsolvent(ctx, sub, result.Balance, result.Reason)
			continue
		}
		if result.OK {
			charged++
		}
	}
	return charged > 0
}

// removeInsolvent notifies a subscriber their monitoring is suspended for
// insufficient balance, then removes them. Emptying the set stops the
// monitor.
func (m *Monitor) removeInsolvent(ctx context.Context, subscriber string, balance float64, reason string) {
	m.deps.Delivery.NotifyLowBalance(ctx, delivery.BalanceNotice{
		EventKey:   m.EventKey,
		Subscriber: subscriber,
		Balance:    balance,
		Message:    fmt.Sprintf("Monitoring suspended: %s. Deposit funds and re-subscribe to resume.", reason),
		Suspended:  true,
	})

	m.mu.Lock()
	delete(m.subscribers, subscriber)
	delete(m.paused, subscriber)
	empty := len(m.subscribers) == 0
	m.mu.Unlock()

	m.logger.Warn("removed insolvent subscriber", "subscriber", subscriber, "balance", balance)
	m.persist(ctx)

	if empty {
		m.Stop(ctx)
	}
}

func (m *Monitor) buildItem(post feed.Post, analysis *reasoning.Analysis, priorityNode bool, reason string) Item {
	return Item{
		ID:               uuid.NewString(),
		PostID:           post.ID,
		Author:           post.Author.Handle,
		Followers:        post.Author.Followers,
		Text:             post.Text,
		Relevant:         analysis.Relevant,
		RelevanceScore:   analysis.RelevanceScore,
		Sentiment:        analysis.Sentiment,
		CredibilityScore: analysis.CredibilityScore,
		Insights:         analysis.Insights,
		Priority:         analysis.Priority,
		Confidence:       analysis.Confidence,
		IsPriorityNode:   priorityNode,
		PriorityReason:   reason,
		AnalyzedAt:       m.now(),
	}
}

// appendItem adds an item to the intelligence log, trimming to the retention
// cap, and persists the log.
func (m *Monitor) appendItem(ctx context.Context, item Item) {
	m.mu.Lock()
	m.items = append(m.items, item)
	if len(m.items) > intelligenceCap {
		m.items = m.items[len(m.items)-intelligenceCap:]
	}
	snapshot := make([]Item, len(m.items))
	copy(snapshot, m.items)
	m.mu.Unlock()

	if m.deps.Store != nil {
		if err := m.deps.Store.SaveIntelligence(ctx, m.EventKey, snapshot); err != nil {
			m.logger.Error("failed to persist intelligence log", "error", err)
		}
	}
}

func (m *Monitor) deliverImmediate(ctx context.Context, item Item) {
	recipients := m.recipients()
	if len(recipients) == 0 {
		return
	}
	m.deps.Delivery.DeliverImmediate(ctx, delivery.Immediate{
		EventKey:    m.EventKey,
		Subscribers: recipients,
		Author:      item.Author,
		PostID:      item.PostID,
		Insights:    item.Insights,
		Sentiment:   item.Sentiment,
		Priority:    item.Priority,
		Reason:      item.PriorityReason,
	})
}

// RunDigest synthesizes and delivers a digest of the past hour's items.
// An empty window skips the cycle entirely, with no billing.
func (m *Monitor) RunDigest(ctx context.Context) {
	m.mu.Lock()
	if m.status != StatusActive {
		m.mu.Unlock()
		return
	}
	cutoff := m.now().Add(-time.Hour)
	var entries []reasoning.DigestEntry
	for _, item := range m.items {
		if item.AnalyzedAt.After(cutoff) {
			entries = append(entries, reasoning.DigestEntry{
				Author:    item.Author,
				Insights:  item.Insights,
				Priority:  item.Priority,
				Sentiment: item.Sentiment,
			})
		}
	}
	m.mu.Unlock()

	if len(entries) == 0 {
		return
	}

	if !m.gateSubscribers(ctx, billing.CallDigest) {
		return
	}

	digest, err := m.deps.Reasoner.SynthesizeDigest(ctx, m.Question, entries)
	if err != nil {
		m.logger.Warn("digest synthesis failed", "error", err)
		return
	}

	recipients := m.recipients()
	if len(recipients) == 0 {
		return
	}
	m.deps.Delivery.DeliverDigest(ctx, delivery.Digest{
		EventKey:    m.EventKey,
		Subscribers: recipients,
		Summary:     digest,
		ItemCount:   len(entries),
	})
	m.logger.Info("digest delivered", "items", len(entries), "subscribers", len(recipients))
}

// RunRefinement asks the model to revise the ruleset from accumulated
// metrics. On success the feed registration is diffed, the new ruleset is
// installed atomically, and metrics reset. Any failure keeps the prior
// ruleset authoritative.
func (m *Monitor) RunRefinement(ctx context.Context) {
	m.mu.Lock()
	if m.status != StatusActive {
		m.mu.Unlock()
		return
	}
	current := m.ruleset
	metrics := m.metrics.snapshot()
	m.mu.Unlock()

	if !m.gateSubscribers(ctx, billing.CallRefine) {
		return
	}

	refined, err := m.deps.Reasoner.RefineRuleset(ctx, m.EventKey, current, metrics)
	if err != nil {
		m.logger.Warn("refinement failed, keeping current ruleset", "error", err)
		return
	}

	removed, added := diffAccounts(current.Accounts, refined.Accounts)
	if len(removed) > 0 {
		m.deps.Feed.RemoveUsers(ctx, removed)
	}
	if len(added) > 0 {
		if _, err := m.deps.Feed.AddUsers(ctx, added); err != nil {
			m.logger.Warn("failed to register refined accounts", "error", err)
		}
	}

	m.mu.Lock()
	if m.status != StatusActive {
		m.mu.Unlock()
		return
	}
	m.ruleset = refined
	m.metrics = newMetrics()
	m.lastRefinement = m.now()
	m.mu.Unlock()

	m.persist(ctx)
	m.logger.Info("ruleset refined",
		"accounts", len(refined.Accounts), "added", len(added), "removed", len(removed))
}

// RunFeeCycle assesses the daily feed fee for every subscriber. Subscribers
// who cannot cover it are notified and removed; low-balance warnings from
// successful charges are forwarded.
func (m *Monitor) RunFeeCycle(ctx context.Context) {
	if m.Status() != StatusActive {
		return
	}

	for _, sub := range m.Subscribers() {
		result, err := m.deps.Ledger.ChargeDailyFee(ctx, sub, m.EventKey)
		if err != nil {
			m.logger.Error("daily fee charge failed", "subscriber", sub, "error", err)
			continue
		}
		if result.ShouldStop {
			m.removeInsolvent(ctx, sub, result.NewBalance, result.Reason)
			continue
		}
		if result.Charged && result.Warning != "" {
			m.deps.Delivery.NotifyLowBalance(ctx, delivery.BalanceNotice{
				EventKey:   m.EventKey,
				Subscriber: sub,
				Balance:    result.NewBalance,
				Message:    result.Warning,
			})
		}
	}
}

// Stop transitions the monitor to stopped: ingestion halts, scheduled cycles
// are cancelled, and the watched accounts are deregistered. Idempotent.
func (m *Monitor) Stop(ctx context.Context) {
	m.mu.Lock()
	if m.status == StatusStopped {
		m.mu.Unlock()
		return
	}
	m.status = StatusStopped
	if m.queue != nil {
		close(m.queue)
		m.queue = nil
	}
	accounts := append([]string(nil), m.ruleset.Accounts...)
	unschedule := m.unschedule
	m.unschedule = nil
	m.mu.Unlock()

	if unschedule != nil {
		unschedule()
	}
	if len(accounts) > 0 {
		m.deps.Feed.RemoveUsers(ctx, accounts)
	}
	m.persist(ctx)
	m.logger.Info("monitor stopped")
}

// addSubscriber registers one more subscriber on a live monitor.
func (m *Monitor) addSubscriber(ctx context.Context, subscriber string) {
	m.mu.Lock()
	already := m.subscribers[subscriber]
	m.subscribers[subscriber] = true
	delete(m.paused, subscriber)
	m.mu.Unlock()

	if !already {
		m.deps.Ledger.InitTracking(ctx, subscriber, m.EventKey)
	}
	m.persist(ctx)
}

// removeSubscriber drops a voluntarily unsubscribing subscriber (no
// notification). Returns true when the set emptied and the monitor stopped.
func (m *Monitor) removeSubscriber(ctx context.Context, subscriber string) bool {
	m.mu.Lock()
	delete(m.subscribers, subscriber)
	delete(m.paused, subscriber)
	empty := len(m.subscribers) == 0
	m.mu.Unlock()

	m.persist(ctx)
	if empty {
		m.Stop(ctx)
	}
	return empty
}

// PauseSubscriber excludes a subscriber from delivery without removing them.
func (m *Monitor) PauseSubscriber(ctx context.Context, subscriber string) {
	m.mu.Lock()
	if m.subscribers[subscriber] {
		m.paused[subscriber] = true
	}
	m.mu.Unlock()
	m.persist(ctx)
}

// ResumeSubscriber restores delivery for a paused subscriber.
func (m *Monitor) ResumeSubscriber(ctx context.Context, subscriber string) {
	m.mu.Lock()
	delete(m.paused, subscriber)
	m.mu.Unlock()
	m.persist(ctx)
}

func (m *Monitor) setUnschedule(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unschedule = fn
}

// MetricsSnapshot returns a copy of the rolling metrics.
func (m *Monitor) MetricsSnapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics.snapshot()
}

// Items returns a copy of the intelligence log.
func (m *Monitor) Items() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Item, len(m.items))
	copy(out, m.items)
	return out
}

func (m *Monitor) persist(ctx context.Context) {
	if m.deps.Store == nil {
		return
	}

	m.mu.Lock()
	st := state{
		EventKey:       m.EventKey,
		Question:       m.Question,
		Description:    m.Description,
		Category:       m.Category,
		Status:         m.status,
		Ruleset:        m.ruleset,
		Subscribers:    m.subscriberList(),
		Metrics:        m.metrics.snapshot(),
		LastRefinement: m.lastRefinement,
		CreatedAt:      m.createdAt,
	}
	for s := range m.paused {
		st.Paused = append(st.Paused, s)
	}
	m.mu.Unlock()

	if err := m.deps.Store.SaveMonitor(ctx, m.EventKey, st); err != nil {
		m.logger.Error("failed to persist monitor", "error", err)
	}
}

// restore rebuilds a monitor from its persisted state.
func restore(raw json.RawMessage, deps Deps) (*Monitor, error) {
	var st state
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode monitor state: %w", err)
	}
	if st.Ruleset == nil {
		return nil, fmt.Errorf("monitor %s has no ruleset", st.EventKey)
	}

	m := newMonitor(st.EventKey, st.Question, st.Description, st.Category, st.Ruleset, deps)
	m.status = st.Status
	m.lastRefinement = st.LastRefinement
	if !st.CreatedAt.IsZero() {
		m.createdAt = st.CreatedAt
	}
	if st.Metrics.Accounts != nil {
		m.metrics = st.Metrics
	}
	for _, s := range st.Subscribers {
		m.subscribers[s] = true
	}
	for _, s := range st.Paused {
		m.paused[s] = true
	}
	return m, nil
}

func (m *Monitor) restoreItems(items []Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = items
}

// diffAccounts returns the handles present only in old and only in new.
func diffAccounts(old, new []string) (removed, added []string) {
	oldSet := make(map[string]bool, len(old))
	for _, a := range old {
		oldSet[rules.NormalizeHandle(a)] = true
	}
	newSet := make(map[string]bool, len(new))
	for _, a := range new {
		newSet[rules.NormalizeHandle(a)] = true
	}
	for a := range oldSet {
		if !newSet[a] {
			removed = append(removed, a)
		}
	}
	for a := range newSet {
		if !oldSet[a] {
			added = append(added, a)
		}
	}
	return removed, added
}
