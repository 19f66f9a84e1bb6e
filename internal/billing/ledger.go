package billing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Pricing. Per-call charges cover reasoning-model usage; the daily fee covers
// feed access per active event.
const (
	CostPerCall = 0.01
	DailyFee    = 2.00
)

// Low-balance warning tiers, checked after a successful daily-fee charge.
// Both thresholds are exclusive: a balance of exactly 10.00 gets no warning.
const (
	noticeBalance   = 10.0
	criticalBalance = 5.0
)

// Call types tracked per (subscriber, event).
const (
	CallAnalyze  = "analyze_post"
	CallPriority = "analyze_post_priority"
	CallDigest   = "synthesize_digest"
	CallRefine   = "refine_ruleset"
)

// Usage is the billing record for one (subscriber, event) pair.
type Usage struct {
	StartedAt        time.Time      `json:"started_at"`
	LastBillingCycle time.Time      `json:"last_billing_cycle"`
	Calls            map[string]int `json:"calls"`
	TotalCalls       int            `json:"total_calls"`
	TotalCallCost    float64        `json:"total_call_cost"`
	FeedDays         int            `json:"feed_days"`
	FeedCost         float64        `json:"feed_cost"`
	TotalCost        float64        `json:"total_cost"`
	LastCharge       time.Time      `json:"last_charge"`
}

// CheckResult reports an affordability gate-check.
type CheckResult struct {
	OK      bool
	Balance float64
	Reason  string
}

// CallResult reports a per-call charge attempt.
type CallResult struct {
	OK          bool
	Balance     float64
	Reason      string
	ShouldPause bool
}

// FeeResult reports a daily-fee charge attempt.
type FeeResult struct {
	Charged    bool
	Amount     float64
	NewBalance float64
	ShouldStop bool
	Warning    string
	Reference  string
	Reason     string
}

// UsageStore persists billing records; nil disables persistence.
type UsageStore interface {
	SaveUsage(ctx context.Context, subscriber, eventKey string, u Usage) error
}

// Ledger tracks per-(subscriber, event) usage and gates every billable action
// on affordability. Check-then-debit is serialized per subscriber so two
// concurrent charges can never both pass against the same stale balance.
type Ledger struct {
	backend Backend
	store   UsageStore
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	usage    map[string]map[string]*Usage
	subLocks map[string]*sync.Mutex
}

func NewLedger(backend Backend, store UsageStore, logger *slog.Logger) *Ledger {
	return &Ledger{
		backend:  backend,
		store:    store,
		logger:   logger,
		now:      time.Now,
		usage:    make(map[string]map[string]*Usage),
		subLocks: make(map[string]*sync.Mutex),
	}
}

// subLock returns the mutex serializing all charges for one subscriber.
func (l *Ledger) subLock(subscriber string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.subLocks[subscriber]
	if !ok {
		lock = &sync.Mutex{}
		l.subLocks[subscriber] = lock
	}
	return lock
}

func (l *Ledger) record(subscriber, eventKey string) *Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	events, ok := l.usage[subscriber]
	if !ok {
		return nil
	}
	return events[eventKey]
}

// InitTracking starts a billing record for a new (subscriber, event) pair.
// The first feed day is charged up front at creation time.
func (l *Ledger) InitTracking(ctx context.Context, subscriber, eventKey string) {
	now := l.now()
	u := &Usage{
		StartedAt:        now,
		LastBillingCycle: now,
		Calls:            make(map[string]int),
		FeedDays:         1,
		FeedCost:         DailyFee,
		TotalCost:        DailyFee,
		LastCharge:       now,
	}

	l.mu.Lock()
	if l.usage[subscriber] == nil {
		l.usage[subscriber] = make(map[string]*Usage)
	}
	l.usage[subscriber][eventKey] = u
	l.mu.Unlock()

	l.persist(ctx, subscriber, eventKey, u)
	l.logger.Info("initialized usage tracking", "subscriber", subscriber, "event", eventKey)
}

// Restore loads a persisted billing record, used at startup.
func (l *Ledger) Restore(subscriber, eventKey string, u Usage) {
	if u.Calls == nil {
		u.Calls = make(map[string]int)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.usage[subscriber] == nil {
		l.usage[subscriber] = make(map[string]*Usage)
	}
	l.usage[subscriber][eventKey] = &u
}

// CanAfford reports whether the subscriber can cover one reasoning call plus
// the next day's feed fee. The conservative floor guarantees a passing
// subscriber will also survive the next periodic charge.
func (l *Ledger) CanAfford(ctx context.Context, subscriber string) (CheckResult, error) {
	balance, err := l.backend.Balance(ctx, subscriber)
	if err != nil {
		return CheckResult{}, fmt.Errorf("check balance: %w", err)
	}

	minRequired := CostPerCall + DailyFee
	if balance < minRequired {
		return CheckResult{
			OK:      false,
			Balance: balance,
			Reason: fmt.Sprintf("insufficient balance: need $%.2f ($%.2f per call + $%.2f daily fee), have $%.2f",
				minRequired, CostPerCall, DailyFee, balance),
		}, nil
	}

	return CheckResult{OK: true, Balance: balance, Reason: fmt.Sprintf("balance ok: $%.2f", balance)}, nil
}

// ChargeCall debits one reasoning-call charge for the subscriber. The
// affordability check and the debit happen under the subscriber's lock, so
// the balance read for the check is the balance debited. Insufficient
// balance is a normal outcome (ShouldPause), not an error; a backend failure
// is an error and performs no debit.
func (l *Ledger) ChargeCall(ctx context.Context, subscriber, eventKey, callType string) (CallResult, error) {
	lock := l.subLock(subscriber)
	lock.Lock()
	defer lock.Unlock()

	check, err := l.CanAfford(ctx, subscriber)
	if err != nil {
		return CallResult{}, err
	}
	if !check.OK {
		l.logger.Warn("call charge blocked", "subscriber", subscriber, "event", eventKey, "balance", check.Balance)
		return CallResult{OK: false, Balance: check.Balance, Reason: check.Reason, ShouldPause: true}, nil
	}

	u := l.record(subscriber, eventKey)
	if u == nil {
		return CallResult{OK: false, Reason: "no usage tracking for event"}, nil
	}

	if _, err := l.backend.Transfer(ctx, subscriber, CostPerCall); err != nil {
		return CallResult{}, fmt.Errorf("transfer call charge: %w", err)
	}

	u.Calls[callType]++
	u.TotalCalls++
	u.TotalCallCost += CostPerCall
	u.TotalCost += CostPerCall
	u.LastCharge = l.now()

	l.persist(ctx, subscriber, eventKey, u)

	newBalance := check.Balance - CostPerCall
	l.logger.Debug("recorded call charge",
		"subscriber", subscriber, "event", eventKey, "type", callType, "balance", newBalance)

	return CallResult{OK: true, Balance: newBalance, Reason: fmt.Sprintf("new balance: $%.2f", newBalance)}, nil
}

// ChargeDailyFee charges the flat feed-access fee if a full day has elapsed
// since the last billing cycle. Not-due is a quiet no-op. Insufficient
// balance sets ShouldStop without debiting; a transfer failure is an error,
// never silently treated as insufficiency.
func (l *Ledger) ChargeDailyFee(ctx context.Context, subscriber, eventKey string) (FeeResult, error) {
	lock := l.subLock(subscriber)
	lock.Lock()
	defer lock.Unlock()

	u := l.record(subscriber, eventKey)
	if u == nil {
		return FeeResult{Reason: "no usage tracking for event"}, nil
	}

	now := l.now()
	if now.Sub(u.LastBillingCycle) < 24*time.Hour {
		return FeeResult{Reason: "not yet due"}, nil
	}

	balance, err := l.backend.Balance(ctx, subscriber)
	if err != nil {
		return FeeResult{}, fmt.Errorf("check balance: %w", err)
	}
	if balance < DailyFee {
		l.logger.Warn("daily fee blocked", "subscriber", subscriber, "event", eventKey, "balance", balance)
		return FeeResult{
			ShouldStop: true,
			NewBalance: balance,
			Reason:     fmt.Sprintf("insufficient balance: need $%.2f for next 24h, have $%.2f", DailyFee, balance),
		}, nil
	}

	ref, err := l.backend.Transfer(ctx, subscriber, DailyFee)
	if err != nil {
		return FeeResult{}, fmt.Errorf("transfer daily fee: %w", err)
	}

	u.LastBillingCycle = now
	u.FeedDays++
	u.FeedCost += DailyFee
	u.TotalCost += DailyFee
	u.LastCharge = now

	l.persist(ctx, subscriber, eventKey, u)

	newBalance := balance - DailyFee
	l.logger.Info("charged daily fee",
		"subscriber", subscriber, "event", eventKey, "amount", DailyFee, "balance", newBalance)

	return FeeResult{
		Charged:    true,
		Amount:     DailyFee,
		NewBalance: newBalance,
		Reference:  ref,
		Warning:    lowBalanceWarning(newBalance),
	}, nil
}

// UsageSummary returns a copy of the billing record for one event.
func (l *Ledger) UsageSummary(subscriber, eventKey string) (Usage, bool) {
	lock := l.subLock(subscriber)
	lock.Lock()
	defer lock.Unlock()

	u := l.record(subscriber, eventKey)
	if u == nil {
		return Usage{}, false
	}
	out := *u
	out.Calls = make(map[string]int, len(u.Calls))
	for k, v := range u.Calls {
		out.Calls[k] = v
	}
	return out, true
}

// UserTotals aggregates a subscriber's usage across all events.
func (l *Ledger) UserTotals(subscriber string) (totalEvents int, totalCalls int, totalCost float64) {
	lock := l.subLock(subscriber)
	lock.Lock()
	defer lock.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, u := range l.usage[subscriber] {
		totalEvents++
		totalCalls += u.TotalCalls
		totalCost += u.TotalCost
	}
	return
}

func (l *Ledger) persist(ctx context.Context, subscriber, eventKey string, u *Usage) {
	if l.store == nil {
		return
	}
	if err := l.store.SaveUsage(ctx, subscriber, eventKey, *u); err != nil {
		l.logger.Error("failed to persist usage", "subscriber", subscriber, "event", eventKey, "error", err)
	}
}

func lowBalanceWarning(balance float64) string {
	switch {
	case balance < criticalBalance:
		return fmt.Sprintf("LOW BALANCE WARNING: your balance is $%.2f. You have less than 2 days of monitoring remaining. Deposit funds to avoid service interruption.", balance)
	case balance < noticeBalance:
		return fmt.Sprintf("Balance notice: your balance is $%.2f, roughly %d days of monitoring remaining. Consider depositing soon.", balance, int(balance/(DailyFee+0.5)))
	default:
		return ""
	}
}
