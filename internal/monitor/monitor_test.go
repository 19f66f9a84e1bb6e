package monitor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/oddsworks/vigil/internal/billing"
	"github.com/oddsworks/vigil/internal/delivery"
	"github.com/oddsworks/vigil/internal/feed"
	"github.com/oddsworks/vigil/internal/reasoning"
	"github.com/oddsworks/vigil/internal/rules"
)

type fakeReasoner struct {
	mu           sync.Mutex
	analysis     reasoning.Analysis
	analyzeErr   error
	analyzeCalls int
	started      chan struct{}
	block        chan struct{}

	digest      string
	digestErr   error
	digestCalls int

	refined   *rules.Ruleset
	refineErr error
}

func (f *fakeReasoner) AnalyzePost(ctx context.Context, question string, rs *rules.Ruleset, post feed.Post) (*reasoning.Analysis, error) {
	f.mu.Lock()
	f.analyzeCalls++
	started, block := f.started, f.block
	analysis, err := f.analysis, f.analyzeErr
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	out := analysis
	return &out, nil
}

func (f *fakeReasoner) SynthesizeDigest(ctx context.Context, question string, entries []reasoning.DigestEntry) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.digestCalls++
	if f.digestErr != nil {
		return "", f.digestErr
	}
	return f.digest, nil
}

func (f *fakeReasoner) RefineRuleset(ctx context.Context, eventKey string, current *rules.Ruleset, metrics any) (*rules.Ruleset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refineErr != nil {
		return nil, f.refineErr
	}
	return f.refined, nil
}

func (f *fakeReasoner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.analyzeCalls
}

type fakeBiller struct {
	mu         sync.Mutex
	balances   map[string]float64
	feeResults map[string]billing.FeeResult
}

func newFakeBiller(balances map[string]float64) *fakeBiller {
	return &fakeBiller{balances: balances, feeResults: make(map[string]billing.FeeResult)}
}

func (f *fakeBiller) CanAfford(ctx context.Context, subscriber string) (billing.CheckResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bal := f.balances[subscriber]
	if bal < billing.CostPerCall+billing.DailyFee {
		return billing.CheckResult{Balance: bal, Reason: "insufficient balance"}, nil
	}
	return billing.CheckResult{OK: true, Balance: bal}, nil
}

func (f *fakeBiller) ChargeCall(ctx context.Context, subscriber, eventKey, callType string) (billing.CallResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bal := f.balances[subscriber]
	if bal < billing.CostPerCall+billing.DailyFee {
		return billing.CallResult{Balance: bal, Reason: "insufficient balance", ShouldPause: true}, nil
	}
	f.balances[subscriber] = bal - billing.CostPerCall
	return billing.CallResult{OK: true, Balance: f.balances[subscriber]}, nil
}

func (f *fakeBiller) ChargeDailyFee(ctx context.Context, subscriber, eventKey string) (billing.FeeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if result, ok := f.feeResults[subscriber]; ok {
		return result, nil
	}
	return billing.FeeResult{Reason: "not yet due"}, nil
}

func (f *fakeBiller) InitTracking(ctx context.Context, subscriber, eventKey string) {}

type fakeNotifier struct {
	mu         sync.Mutex
	immediates []delivery.Immediate
	digests    []delivery.Digest
	notices    []delivery.BalanceNotice
}

func (f *fakeNotifier) DeliverImmediate(ctx context.Context, msg delivery.Immediate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.immediates = append(f.immediates, msg)
}

func (f *fakeNotifier) DeliverDigest(ctx context.Context, msg delivery.Digest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.digests = append(f.digests, msg)
}

func (f *fakeNotifier) NotifyLowBalance(ctx context.Context, msg delivery.BalanceNotice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, msg)
}

func (f *fakeNotifier) immediateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.immediates)
}

type fakeFeed struct {
	mu          sync.Mutex
	added       [][]string
	removed     [][]string
	removeCalls int
}

func (f *fakeFeed) AddUsers(ctx context.Context, handles []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, handles)
	return handles, nil
}

func (f *fakeFeed) RemoveUsers(ctx context.Context, handles []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, handles)
	f.removeCalls++
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRuleset() *rules.Ruleset {
	return &rules.Ruleset{
		Accounts: []string{"alice", "bob"},
		Filters: rules.Filters{
			RelevanceThreshold:   0.5,
			CredibilityThreshold: 0.4,
		},
	}
}

func testPost(handle string, followers int) feed.Post {
	return feed.Post{
		ID:     "p1",
		Author: feed.Author{Handle: handle, Followers: followers},
		Text:   "markets are moving",
		Likes:  5,
	}
}

type testEnv struct {
	reasoner *fakeReasoner
	biller   *fakeBiller
	notifier *fakeNotifier
	feed     *fakeFeed
}

func newTestMonitor(rs *rules.Ruleset, subscribers []string, balances map[string]float64) (*Monitor, *testEnv) {
	env := &testEnv{
		reasoner: &fakeReasoner{
			analysis: reasoning.Analysis{
				Relevant:         true,
				RelevanceScore:   0.8,
				Sentiment:        "bullish",
				CredibilityScore: 0.7,
				Insights:         "notable movement",
				Priority:         "medium",
				Confidence:       0.9,
			},
		},
		biller:   newFakeBiller(balances),
		notifier: &fakeNotifier{},
		feed:     &fakeFeed{},
	}
	deps := Deps{
		Reasoner: env.reasoner,
		Ledger:   env.biller,
		Delivery: env.notifier,
		Feed:     env.feed,
		Logger:   discardLogger(),
	}
	m := newMonitor("fed-decision", "Will the Fed cut rates?", "desc", "economics", rs, deps)
	for _, s := range subscribers {
		m.subscribers[s] = true
	}
	m.status = StatusActive
	return m, env
}

func TestPriorityPostBypassesThresholds(t *testing.T) {
	rs := testRuleset()
	rs.Filters.RelevanceThreshold = 0.99
	rs.Filters.CredibilityThreshold = 0.99
	rs.PriorityNodes = []rules.PriorityNode{
		{Kind: rules.NodeAccountAny, Account: "alice", Reason: "key source"},
	}

	m, env := newTestMonitor(rs, []string{"sub1"}, map[string]float64{"sub1": 50})
	env.reasoner.analysis.RelevanceScore = 0.1
	env.reasoner.analysis.CredibilityScore = 0.1
	env.reasoner.analysis.Priority = "low"

	m.handlePost(context.Background(), testPost("alice", 500))

	items := m.Items()
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].Priority != "high" {
		t.Errorf("priority = %q, want high", items[0].Priority)
	}
	if !items[0].IsPriorityNode {
		t.Error("expected is_priority_node to be set")
	}
	if items[0].PriorityReason != "key source" {
		t.Errorf("reason = %q, want %q", items[0].PriorityReason, "key source")
	}
	if env.notifier.immediateCount() != 1 {
		t.Errorf("expected 1 immediate delivery, got %d", env.notifier.immediateCount())
	}
}

func TestPriorityItemNotRelevantSkewsNoAverages(t *testing.T) {
	rs := testRuleset()
	rs.PriorityNodes = []rules.PriorityNode{
		{Kind: rules.NodeAccountAny, Account: "alice"},
	}

	m, env := newTestMonitor(rs, []string{"sub1"}, map[string]float64{"sub1": 50})
	env.reasoner.analysis.Relevant = false
	env.reasoner.analysis.RelevanceScore = 0.05
	env.reasoner.analysis.CredibilityScore = 0.05

	m.handlePost(context.Background(), testPost("alice", 500))

	// The item is still forced high and delivered, but the refinement
	// metrics only count it as high priority.
	if env.notifier.immediateCount() != 1 {
		t.Fatalf("expected 1 immediate delivery, got %d", env.notifier.immediateCount())
	}
	got := m.MetricsSnapshot()
	if got.HighPriority != 1 {
		t.Errorf("high priority = %d, want 1", got.HighPriority)
	}
	if got.Relevant != 0 {
		t.Errorf("relevant = %d, want 0", got.Relevant)
	}
	if got.AvgRelevance != 0 || got.AvgCredibility != 0 {
		t.Errorf("averages = %v/%v, want untouched", got.AvgRelevance, got.AvgCredibility)
	}
}

func TestBelowThresholdDiscardedSilently(t *testing.T) {
	m, env := newTestMonitor(testRuleset(), []string{"sub1"}, map[string]float64{"sub1": 50})
	env.reasoner.analysis.RelevanceScore = 0.2 // below 0.5 threshold

	m.handlePost(context.Background(), testPost("alice", 5000))

	if len(m.Items()) != 0 {
		t.Fatalf("expected no items, got %d", len(m.Items()))
	}
	if env.notifier.immediateCount() != 0 {
		t.Errorf("expected no deliveries, got %d", env.notifier.immediateCount())
	}
	if got := m.MetricsSnapshot(); got.Total != 1 || got.Relevant != 0 {
		t.Errorf("metrics = total %d relevant %d, want 1/0", got.Total, got.Relevant)
	}
}

func TestSkippedPostCostsNothing(t *testing.T) {
	m, env := newTestMonitor(testRuleset(), []string{"sub1"}, map[string]float64{"sub1": 50})

	// Below the 100-follower floor: pre-filter skips before any billing.
	m.handlePost(context.Background(), testPost("alice", 50))

	if env.reasoner.calls() != 0 {
		t.Errorf("expected no reasoning calls, got %d", env.reasoner.calls())
	}
	if env.biller.balances["sub1"] != 50 {
		t.Errorf("balance changed to %v, want untouched", env.biller.balances["sub1"])
	}
}

func TestInsolventSubscriberRemovedAndNotified(t *testing.T) {
	m, env := newTestMonitor(testRuleset(),
		[]string{"rich", "poor"},
		map[string]float64{"rich": 50, "poor": 1.50})

	m.handlePost(context.Background(), testPost("alice", 5000))

	subs := m.Subscribers()
	if len(subs) != 1 || subs[0] != "rich" {
		t.Fatalf("subscribers = %v, want [rich]", subs)
	}
	env.notifier.mu.Lock()
	notices := append([]delivery.BalanceNotice(nil), env.notifier.notices...)
	env.notifier.mu.Unlock()
	if len(notices) != 1 {
		t.Fatalf("expected 1 balance notice, got %d", len(notices))
	}
	if notices[0].Subscriber != "poor" || !notices[0].Suspended {
		t.Errorf("notice = %+v, want suspension notice for poor", notices[0])
	}
	// The solvent subscriber still got the item.
	if len(m.Items()) != 1 {
		t.Errorf("expected 1 item for remaining subscriber, got %d", len(m.Items()))
	}
}

func TestEmptySubscriberSetAbortsBeforeClassification(t *testing.T) {
	m, env := newTestMonitor(testRuleset(), []string{"poor"}, map[string]float64{"poor": 1.50})

	m.handlePost(context.Background(), testPost("alice", 5000))

	if env.reasoner.calls() != 0 {
		t.Errorf("expected no reasoning calls after last subscriber removed, got %d", env.reasoner.calls())
	}
	if m.Status() != StatusStopped {
		t.Errorf("status = %q, want stopped", m.Status())
	}
}

func TestClassificationFailureStoresNothing(t *testing.T) {
	m, env := newTestMonitor(testRuleset(), []string{"sub1"}, map[string]float64{"sub1": 50})
	env.reasoner.analyzeErr = context.DeadlineExceeded

	m.handlePost(context.Background(), testPost("alice", 5000))

	if len(m.Items()) != 0 {
		t.Errorf("expected no items from failed classification, got %d", len(m.Items()))
	}
}

func TestStopIsIdempotent(t *testing.T) {
	m, env := newTestMonitor(testRuleset(), []string{"sub1"}, map[string]float64{"sub1": 50})

	unscheduled := 0
	m.setUnschedule(func() { unscheduled++ })

	m.Stop(context.Background())
	m.Stop(context.Background())

	if m.Status() != StatusStopped {
		t.Fatalf("status = %q, want stopped", m.Status())
	}
	if unscheduled != 1 {
		t.Errorf("unschedule called %d times, want 1", unscheduled)
	}
	env.feed.mu.Lock()
	removeCalls := env.feed.removeCalls
	env.feed.mu.Unlock()
	if removeCalls != 1 {
		t.Errorf("feed deregistration called %d times, want 1", removeCalls)
	}
}

func TestInFlightPostUsesRulesetSnapshot(t *testing.T) {
	rs := testRuleset() // relevance threshold 0.5
	m, env := newTestMonitor(rs, []string{"sub1"}, map[string]float64{"sub1": 50})
	env.reasoner.analysis.RelevanceScore = 0.6 // passes 0.5, would fail 0.99
	env.reasoner.started = make(chan struct{}, 2)
	env.reasoner.block = make(chan struct{})

	done := make(chan struct{})
	go func() {
		m.handlePost(context.Background(), testPost("alice", 5000))
		close(done)
	}()

	// Wait until the in-flight post has taken its snapshot and is blocked on
	// the model call, then install a stricter ruleset.
	<-env.reasoner.started
	strict := testRuleset()
	strict.Filters.RelevanceThreshold = 0.99
	m.mu.Lock()
	m.ruleset = strict
	m.mu.Unlock()

	close(env.reasoner.block)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("post processing did not finish")
	}

	if len(m.Items()) != 1 {
		t.Fatalf("expected item classified against original thresholds, got %d items", len(m.Items()))
	}
}

func TestRefinementSwapsRulesetAndResetsMetrics(t *testing.T) {
	m, env := newTestMonitor(testRuleset(), []string{"sub1"}, map[string]float64{"sub1": 50})

	// Accumulate some metrics first.
	m.handlePost(context.Background(), testPost("alice", 5000))
	if got := m.MetricsSnapshot(); got.Relevant != 1 {
		t.Fatalf("setup: relevant = %d, want 1", got.Relevant)
	}

	refined := &rules.Ruleset{
		Accounts: []string{"alice", "carol"},
		Filters:  rules.Filters{RelevanceThreshold: 0.6, CredibilityThreshold: 0.5},
	}
	env.reasoner.refined = refined

	m.RunRefinement(context.Background())

	if m.Ruleset() != refined {
		t.Error("ruleset was not replaced")
	}
	if got := m.MetricsSnapshot(); got.Total != 0 || got.Relevant != 0 {
		t.Errorf("metrics not reset: %+v", got)
	}

	env.feed.mu.Lock()
	defer env.feed.mu.Unlock()
	if len(env.feed.removed) != 1 || env.feed.removed[0][0] != "bob" {
		t.Errorf("removed = %v, want [[bob]]", env.feed.removed)
	}
	if len(env.feed.added) != 1 || env.feed.added[0][0] != "carol" {
		t.Errorf("added = %v, want [[carol]]", env.feed.added)
	}
}

func TestRefinementFailureKeepsCurrentRuleset(t *testing.T) {
	rs := testRuleset()
	m, env := newTestMonitor(rs, []string{"sub1"}, map[string]float64{"sub1": 50})
	env.reasoner.refineErr = context.DeadlineExceeded

	m.RunRefinement(context.Background())

	if m.Ruleset() != rs {
		t.Error("ruleset changed despite refinement failure")
	}
}

func TestDigestSkipsEmptyWindow(t *testing.T) {
	m, env := newTestMonitor(testRuleset(), []string{"sub1"}, map[string]float64{"sub1": 50})

	m.RunDigest(context.Background())

	if env.reasoner.digestCalls != 0 {
		t.Errorf("digest synthesized with no items, calls = %d", env.reasoner.digestCalls)
	}
	if env.biller.balances["sub1"] != 50 {
		t.Errorf("empty digest cycle billed the subscriber: %v", env.biller.balances["sub1"])
	}
}

func TestDigestDeliversRecentItems(t *testing.T) {
	m, env := newTestMonitor(testRuleset(), []string{"sub1"}, map[string]float64{"sub1": 50})
	env.reasoner.digest = "summary of the hour"

	now := time.Now()
	m.items = []Item{
		{Author: "alice", Insights: "old", AnalyzedAt: now.Add(-2 * time.Hour)},
		{Author: "bob", Insights: "fresh", AnalyzedAt: now.Add(-10 * time.Minute)},
	}

	m.RunDigest(context.Background())

	env.notifier.mu.Lock()
	defer env.notifier.mu.Unlock()
	if len(env.notifier.digests) != 1 {
		t.Fatalf("expected 1 digest, got %d", len(env.notifier.digests))
	}
	d := env.notifier.digests[0]
	if d.Summary != "summary of the hour" {
		t.Errorf("summary = %q", d.Summary)
	}
	if d.ItemCount != 1 {
		t.Errorf("item count = %d, want 1 (only the last hour)", d.ItemCount)
	}
}

func TestFeeCycleStopsInsolventSubscribers(t *testing.T) {
	m, env := newTestMonitor(testRuleset(),
		[]string{"ok", "broke"},
		map[string]float64{"ok": 50, "broke": 1})
	env.biller.feeResults["ok"] = billing.FeeResult{Charged: true, Amount: billing.DailyFee, NewBalance: 48}
	env.biller.feeResults["broke"] = billing.FeeResult{ShouldStop: true, NewBalance: 1, Reason: "insufficient balance"}

	m.RunFeeCycle(context.Background())

	subs := m.Subscribers()
	if len(subs) != 1 || subs[0] != "ok" {
		t.Fatalf("subscribers = %v, want [ok]", subs)
	}
	if m.Status() != StatusActive {
		t.Errorf("status = %q, want still active", m.Status())
	}
}

func TestFeeCycleForwardsWarnings(t *testing.T) {
	m, env := newTestMonitor(testRuleset(), []string{"sub1"}, map[string]float64{"sub1": 6.50})
	env.biller.feeResults["sub1"] = billing.FeeResult{
		Charged:    true,
		Amount:     billing.DailyFee,
		NewBalance: 4.50,
		Warning:    "LOW BALANCE WARNING",
	}

	m.RunFeeCycle(context.Background())

	env.notifier.mu.Lock()
	defer env.notifier.mu.Unlock()
	if len(env.notifier.notices) != 1 {
		t.Fatalf("expected 1 warning notice, got %d", len(env.notifier.notices))
	}
	if env.notifier.notices[0].Suspended {
		t.Error("warning notice marked as suspension")
	}
}

func TestPausedSubscriberExcludedFromDelivery(t *testing.T) {
	m, env := newTestMonitor(testRuleset(),
		[]string{"active", "napping"},
		map[string]float64{"active": 50, "napping": 50})
	env.reasoner.analysis.Priority = "high"

	m.PauseSubscriber(context.Background(), "napping")
	m.handlePost(context.Background(), testPost("alice", 5000))

	env.notifier.mu.Lock()
	defer env.notifier.mu.Unlock()
	if len(env.notifier.immediates) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(env.notifier.immediates))
	}
	got := env.notifier.immediates[0].Subscribers
	if len(got) != 1 || got[0] != "active" {
		t.Errorf("recipients = %v, want [active]", got)
	}
}

func TestOnlineMeanMatchesBatchMean(t *testing.T) {
	samples := []float64{0.9, 0.5, 0.7, 0.3}
	var avg float64
	for i, x := range samples {
		avg = onlineMean(avg, x, float64(i+1))
	}
	want := (0.9 + 0.5 + 0.7 + 0.3) / 4
	if diff := avg - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("online mean = %v, want %v", avg, want)
	}
}
