package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"
)

// memBackend is an in-memory funds backend. Transfer fails loudly if it
// would overdraw, so any ledger bug that lets a debit through without a
// passing check shows up as a test failure.
type memBackend struct {
	mu          sync.Mutex
	balances    map[string]float64
	transferErr error
	balanceErr  error
	transfers   int
}

func newMemBackend(balances map[string]float64) *memBackend {
	return &memBackend{balances: balances}
}

func (m *memBackend) Balance(ctx context.Context, subscriber string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balanceErr != nil {
		return 0, m.balanceErr
	}
	return m.balances[subscriber], nil
}

func (m *memBackend) Transfer(ctx context.Context, subscriber string, amount float64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transferErr != nil {
		return "", m.transferErr
	}
	if m.balances[subscriber] < amount {
		return "", fmt.Errorf("overdraft attempted: balance %.2f, amount %.2f", m.balances[subscriber], amount)
	}
	m.balances[subscriber] -= amount
	m.transfers++
	return fmt.Sprintf("xfer-%d", m.transfers), nil
}

func (m *memBackend) balance(subscriber string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[subscriber]
}

func testLedger(t *testing.T, backend Backend) *Ledger {
	t.Helper()
	return NewLedger(backend, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCanAfford(t *testing.T) {
	tests := []struct {
		name    string
		balance float64
		wantOK  bool
	}{
		{"five dollars covers call plus fee", 5.00, true},
		{"exactly at the floor", 2.01, true},
		{"just under the floor", 2.00, false},
		{"dollar fifty", 1.50, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newMemBackend(map[string]float64{"u1": tt.balance})
			ledger := testLedger(t, backend)

			check, err := ledger.CanAfford(context.Background(), "u1")
			if err != nil {
				t.Fatalf("CanAfford() error: %v", err)
			}
			if check.OK != tt.wantOK {
				t.Errorf("CanAfford() = %v, want %v", check.OK, tt.wantOK)
			}
			if check.Balance != tt.balance {
				t.Errorf("reported balance = %.2f, want %.2f", check.Balance, tt.balance)
			}
		})
	}
}

func TestChargeCall_DebitsAndCounts(t *testing.T) {
	backend := newMemBackend(map[string]float64{"u1": 5.00})
	ledger := testLedger(t, backend)
	ctx := context.Background()

	ledger.InitTracking(ctx, "u1", "ev")

	res, err := ledger.ChargeCall(ctx, "u1", "ev", CallAnalyze)
	if err != nil {
		t.Fatalf("ChargeCall() error: %v", err)
	}
	if !res.OK {
		t.Fatalf("ChargeCall() blocked: %s", res.Reason)
	}
	if math.Abs(res.Balance-4.99) > 1e-9 {
		t.Errorf("new balance = %.2f, want 4.99", res.Balance)
	}

	u, ok := ledger.UsageSummary("u1", "ev")
	if !ok {
		t.Fatal("expected usage record")
	}
	if u.Calls[CallAnalyze] != 1 || u.TotalCalls != 1 {
		t.Errorf("call counters = %v / %d, want 1 / 1", u.Calls, u.TotalCalls)
	}
	if math.Abs(u.TotalCallCost-CostPerCall) > 1e-9 {
		t.Errorf("total call cost = %f, want %f", u.TotalCallCost, CostPerCall)
	}
}

func TestChargeCall_BlockedWithoutDebit(t *testing.T) {
	backend := newMemBackend(map[string]float64{"u1": 1.50})
	ledger := testLedger(t, backend)
	ctx := context.Background()

	ledger.InitTracking(ctx, "u1", "ev")

	res, err := ledger.ChargeCall(ctx, "u1", "ev", CallAnalyze)
	if err != nil {
		t.Fatalf("ChargeCall() error: %v", err)
	}
	if res.OK {
		t.Fatal("expected charge to be blocked")
	}
	if !res.ShouldPause {
		t.Error("expected should_pause signal")
	}
	if res.Balance != 1.50 {
		t.Errorf("reported balance = %.2f, want 1.50", res.Balance)
	}
	if backend.balance("u1") != 1.50 {
		t.Errorf("balance changed on blocked charge: %.2f", backend.balance("u1"))
	}

	u, _ := ledger.UsageSummary("u1", "ev")
	if u.TotalCalls != 0 {
		t.Errorf("counters advanced on blocked charge: %d", u.TotalCalls)
	}
}

func TestChargeCall_TransferFailureIsError(t *testing.T) {
	backend := newMemBackend(map[string]float64{"u1": 100.00})
	backend.transferErr = errors.New("custody service unavailable")
	ledger := testLedger(t, backend)
	ctx := context.Background()

	ledger.InitTracking(ctx, "u1", "ev")

	res, err := ledger.ChargeCall(ctx, "u1", "ev", CallAnalyze)
	if err == nil {
		t.Fatal("expected error for transfer failure")
	}
	if res.ShouldPause {
		t.Error("transfer failure must not be reported as insufficiency")
	}

	u, _ := ledger.UsageSummary("u1", "ev")
	if u.TotalCalls != 0 {
		t.Errorf("counters advanced on failed transfer: %d", u.TotalCalls)
	}
}

func TestChargeCall_NoOverdraftUnderConcurrency(t *testing.T) {
	// 2.05 covers exactly 5 call charges before the affordability floor
	// (call cost + daily fee) kicks in.
	backend := newMemBackend(map[string]float64{"u1": 2.05})
	ledger := testLedger(t, backend)
	ctx := context.Background()

	ledger.InitTracking(ctx, "u1", "ev")

	const attempts = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := ledger.ChargeCall(ctx, "u1", "ev", CallAnalyze)
			if err != nil {
				t.Errorf("ChargeCall() error: %v", err)
				return
			}
			if res.OK {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 5 {
		t.Errorf("successful charges = %d, want 5", successes)
	}
	final := backend.balance("u1")
	if final < 0 {
		t.Fatalf("balance went negative: %.4f", final)
	}
	if math.Abs(final-2.00) > 1e-9 {
		t.Errorf("final balance = %.4f, want 2.00", final)
	}
}

func TestChargeDailyFee_NotDue(t *testing.T) {
	backend := newMemBackend(map[string]float64{"u1": 50.00})
	ledger := testLedger(t, backend)
	ctx := context.Background()

	ledger.InitTracking(ctx, "u1", "ev")

	res, err := ledger.ChargeDailyFee(ctx, "u1", "ev")
	if err != nil {
		t.Fatalf("ChargeDailyFee() error: %v", err)
	}
	if res.Charged || res.ShouldStop {
		t.Errorf("expected quiet no-op before 24h, got %+v", res)
	}
	if backend.balance("u1") != 50.00 {
		t.Errorf("balance changed on not-due check: %.2f", backend.balance("u1"))
	}
}

func TestChargeDailyFee_ChargesWithCriticalWarning(t *testing.T) {
	backend := newMemBackend(map[string]float64{"u1": 4.50})
	ledger := testLedger(t, backend)
	ctx := context.Background()

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return start }
	ledger.InitTracking(ctx, "u1", "ev")

	ledger.now = func() time.Time { return start.Add(25 * time.Hour) }
	res, err := ledger.ChargeDailyFee(ctx, "u1", "ev")
	if err != nil {
		t.Fatalf("ChargeDailyFee() error: %v", err)
	}
	if !res.Charged {
		t.Fatalf("expected charge, got %+v", res)
	}
	if math.Abs(res.NewBalance-2.50) > 1e-9 {
		t.Errorf("new balance = %.2f, want 2.50", res.NewBalance)
	}
	if res.Warning == "" {
		t.Error("expected critical low-balance warning below $5")
	}

	u, _ := ledger.UsageSummary("u1", "ev")
	if u.FeedDays != 2 {
		t.Errorf("feed days = %d, want 2", u.FeedDays)
	}
}

func TestChargeDailyFee_NoWarningAtExactThreshold(t *testing.T) {
	backend := newMemBackend(map[string]float64{"u1": 12.00})
	ledger := testLedger(t, backend)
	ctx := context.Background()

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return start }
	ledger.InitTracking(ctx, "u1", "ev")

	ledger.now = func() time.Time { return start.Add(24 * time.Hour) }
	res, err := ledger.ChargeDailyFee(ctx, "u1", "ev")
	if err != nil {
		t.Fatalf("ChargeDailyFee() error: %v", err)
	}
	if !res.Charged {
		t.Fatalf("expected charge, got %+v", res)
	}
	if math.Abs(res.NewBalance-10.00) > 1e-9 {
		t.Errorf("new balance = %.2f, want 10.00", res.NewBalance)
	}
	if res.Warning != "" {
		t.Errorf("threshold is exclusive; expected no warning at exactly $10, got %q", res.Warning)
	}
}

func TestChargeDailyFee_InsufficientSignalsStop(t *testing.T) {
	backend := newMemBackend(map[string]float64{"u1": 1.50})
	ledger := testLedger(t, backend)
	ctx := context.Background()

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return start }
	ledger.InitTracking(ctx, "u1", "ev")

	ledger.now = func() time.Time { return start.Add(25 * time.Hour) }
	res, err := ledger.ChargeDailyFee(ctx, "u1", "ev")
	if err != nil {
		t.Fatalf("ChargeDailyFee() error: %v", err)
	}
	if res.Charged {
		t.Error("expected no charge")
	}
	if !res.ShouldStop {
		t.Error("expected should_stop signal")
	}
	if backend.balance("u1") != 1.50 {
		t.Errorf("balance changed on blocked fee: %.2f", backend.balance("u1"))
	}
}

func TestChargeDailyFee_TransferFailureIsError(t *testing.T) {
	backend := newMemBackend(map[string]float64{"u1": 50.00})
	ledger := testLedger(t, backend)
	ctx := context.Background()

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return start }
	ledger.InitTracking(ctx, "u1", "ev")

	backend.transferErr = errors.New("custody service unavailable")
	ledger.now = func() time.Time { return start.Add(25 * time.Hour) }

	res, err := ledger.ChargeDailyFee(ctx, "u1", "ev")
	if err == nil {
		t.Fatal("expected error for transfer failure")
	}
	if res.ShouldStop {
		t.Error("transfer failure must not be reported as insufficiency")
	}

	// Cycle must not advance on a failed transfer.
	u, _ := ledger.UsageSummary("u1", "ev")
	if !u.LastBillingCycle.Equal(start) {
		t.Errorf("billing cycle advanced on failed transfer: %v", u.LastBillingCycle)
	}
}

func TestUserTotals(t *testing.T) {
	backend := newMemBackend(map[string]float64{"u1": 100.00})
	ledger := testLedger(t, backend)
	ctx := context.Background()

	ledger.InitTracking(ctx, "u1", "ev1")
	ledger.InitTracking(ctx, "u1", "ev2")
	if _, err := ledger.ChargeCall(ctx, "u1", "ev1", CallAnalyze); err != nil {
		t.Fatalf("ChargeCall() error: %v", err)
	}

	events, calls, cost := ledger.UserTotals("u1")
	if events != 2 {
		t.Errorf("events = %d, want 2", events)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	want := 2*DailyFee + CostPerCall
	if math.Abs(cost-want) > 1e-9 {
		t.Errorf("cost = %.2f, want %.2f", cost, want)
	}
}
