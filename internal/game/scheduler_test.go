package game

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"crashout/internal/wallet"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingBroadcaster) Broadcast(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingBroadcaster) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recordingBroadcaster) waitFor(t *testing.T, eventType string, timeout time.Duration) Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, e := range r.snapshot() {
			if e.Type == eventType {
				return e
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s event", eventType)
	return Event{}
}

type recordingStore struct {
	mu      sync.Mutex
	records []RoundRecord
}

func (r *recordingStore) SaveRound(_ context.Context, rec RoundRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recordingStore) waitForRecord(t *testing.T, timeout time.Duration) RoundRecord {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.records) > 0 {
			rec := r.records[0]
			r.mu.Unlock()
			return rec
		}
		r.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timed out waiting for persisted round")
	return RoundRecord{}
}

var testOpening = map[string]map[string]decimal.Decimal{
	"test": {
		"BTC": decimal.NewFromInt(1),
		"ETH": decimal.NewFromInt(5),
	},
	"demo": {
		"BTC": decimal.RequireFromString("0.001"),
	},
}

func newTestScheduler(crashPoint float64, store RoundStore) (*Scheduler, *recordingBroadcaster, *wallet.Service) {
	w := wallet.New(nil)
	for username, balances := range testOpening {
		w.LoadPlayer(username, balances)
	}

	b := &recordingBroadcaster{}
	s := NewScheduler(nil, w, store, nil)
	s.hub = b
	s.bettingTime = 300 * time.Millisecond
	s.cooldownTime = 300 * time.Millisecond
	s.tickInterval = 5 * time.Millisecond
	s.crashPointFn = func(_, _ string, _ int64) float64 { return crashPoint }
	return s, b, w
}

func waitForPhase(t *testing.T, s *Scheduler, phase Phase, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if snap := s.CurrentRound(); snap != nil && snap.Phase == phase {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for phase %s", phase)
}

func placeTestBet(s *Scheduler, username string, usd int64) BetResult {
	return s.PlaceBet(BetRequest{
		Username:  username,
		USDAmount: decimal.NewFromInt(usd),
		Currency:  "BTC",
		Price:     decimal.NewFromInt(50000),
	})
}

func TestScheduler_EventOrdering(t *testing.T) {
	s, b, _ := newTestScheduler(1.05, nil)
	s.Start()
	defer s.Stop()

	b.waitFor(t, EventRoundCrash, 5*time.Second)

	// Only judge the first round; the loop keeps going after the crash.
	all := b.snapshot()
	crashIdx := -1
	for i, e := range all {
		if e.Type == EventRoundCrash {
			crashIdx = i
			break
		}
	}
	if crashIdx == -1 {
		t.Fatal("no round_crash event recorded")
	}
	events := all[:crashIdx+1]

	startIdx := -1
	lastMult := 0.0
	for i, e := range events {
		switch e.Type {
		case EventRoundStart:
			if startIdx == -1 {
				startIdx = i
			}
		case EventMultiplierUpdate:
			if startIdx == -1 {
				t.Fatalf("multiplier_update at %d before round_start", i)
			}
			payload := e.Data.(MultiplierUpdatePayload)
			if payload.Multiplier <= lastMult {
				t.Fatalf("multiplier_update %v not strictly greater than previous %v", payload.Multiplier, lastMult)
			}
			lastMult = payload.Multiplier
		}
	}
	if startIdx == -1 {
		t.Fatal("no round_start before the crash")
	}

	crash := events[crashIdx].Data.(RoundCrashPayload)
	if crash.Multiplier != 1.05 {
		t.Errorf("crash multiplier = %v, want 1.05", crash.Multiplier)
	}
	if crash.ServerSeed == "" {
		t.Error("round_crash did not reveal the server seed")
	}
}

func TestScheduler_CommitmentMatchesRevealedSeed(t *testing.T) {
	s, b, _ := newTestScheduler(1.02, nil)
	s.Start()
	defer s.Stop()

	start := b.waitFor(t, EventRoundStart, 5*time.Second).Data.(RoundStartPayload)
	crash := b.waitFor(t, EventRoundCrash, 5*time.Second).Data.(RoundCrashPayload)

	if !VerifyCommitment(crash.ServerSeed, start.Commitment) {
		t.Error("revealed server seed does not match the published commitment")
	}
}

// A player bets and never cashes out; the round crashes. The bet is lost,
// the wallet keeps only the original debit, and no credit is recorded.
func TestScheduler_BetLostOnCrash(t *testing.T) {
	store := &recordingStore{}
	s, _, w := newTestScheduler(1.05, store)
	s.Start()
	defer s.Stop()

	waitForPhase(t, s, PhaseBetting, 2*time.Second)
	res := placeTestBet(s, "test", 50)
	if res.Err != nil {
		t.Fatalf("PlaceBet() error = %v", res.Err)
	}
	if res.CryptoAmount.StringFixed(8) != "0.00100000" {
		t.Errorf("crypto amount = %s, want 0.00100000", res.CryptoAmount.StringFixed(8))
	}

	rec := store.waitForRecord(t, 5*time.Second)
	if len(rec.Bets) != 1 {
		t.Fatalf("persisted round has %d bets, want 1", len(rec.Bets))
	}
	if rec.Bets[0].Status != BetLost {
		t.Errorf("persisted bet status = %v, want %v", rec.Bets[0].Status, BetLost)
	}
	if rec.IsActive {
		t.Error("persisted round still flagged active")
	}

	balance, _ := w.Balance("test", "BTC")
	if balance.StringFixed(8) != "0.99900000" {
		t.Errorf("balance = %s, want 0.99900000", balance.StringFixed(8))
	}

	ledger := w.Ledger()
	if len(ledger) != 1 {
		t.Fatalf("ledger has %d transactions, want 1 (bet only)", len(ledger))
	}
	if ledger[0].Type != wallet.TxnBet {
		t.Errorf("ledger entry type = %v, want %v", ledger[0].Type, wallet.TxnBet)
	}

	if mismatches := w.Reconcile(testOpening); len(mismatches) != 0 {
		t.Errorf("ledger replay mismatches: %v", mismatches)
	}
}

// A player cashes out mid-flight: the payout uses the scheduler's own
// multiplier and the price pinned at bet time.
func TestScheduler_CashoutWin(t *testing.T) {
	s, b, w := newTestScheduler(1000.0, nil)
	s.Start()
	defer s.Stop()

	waitForPhase(t, s, PhaseBetting, 2*time.Second)
	if res := placeTestBet(s, "test", 50); res.Err != nil {
		t.Fatalf("PlaceBet() error = %v", res.Err)
	}

	waitForPhase(t, s, PhaseFlying, 2*time.Second)
	res := s.Cashout(CashoutRequest{Username: "test"})
	if res.Err != nil {
		t.Fatalf("Cashout() error = %v", res.Err)
	}
	if res.Multiplier < 1.00 {
		t.Errorf("cashout multiplier = %v, want >= 1.00", res.Multiplier)
	}

	stake := decimal.RequireFromString("0.001")
	wantPayout := stake.Mul(decimal.NewFromFloat(res.Multiplier)).Round(8)
	if !res.PayoutCrypto.Equal(wantPayout) {
		t.Errorf("payout = %s, want %s", res.PayoutCrypto, wantPayout)
	}
	wantUSD := wantPayout.Mul(decimal.NewFromInt(50000)).Round(2)
	if !res.USDEquivalent.Equal(wantUSD) {
		t.Errorf("usd equivalent = %s, want %s", res.USDEquivalent, wantUSD)
	}

	balance, _ := w.Balance("test", "BTC")
	want := decimal.NewFromInt(1).Sub(stake).Add(wantPayout)
	if !balance.Equal(want) {
		t.Errorf("balance = %s, want %s", balance, want)
	}

	b.waitFor(t, EventPlayerCashout, 2*time.Second)

	// Second cashout must observe the settled status.
	res2 := s.Cashout(CashoutRequest{Username: "test"})
	if !IsConflict(res2.Err) {
		t.Errorf("double cashout error = %v, want ConflictError", res2.Err)
	}

	if mismatches := w.Reconcile(testOpening); len(mismatches) != 0 {
		t.Errorf("ledger replay mismatches: %v", mismatches)
	}
}

// A cashout processed after the crash is committed is rejected as too
// late, no matter what the client believed.
func TestScheduler_CashoutAfterCrash(t *testing.T) {
	s, b, w := newTestScheduler(1.01, nil)
	s.cooldownTime = 2 * time.Second
	s.Start()
	defer s.Stop()

	waitForPhase(t, s, PhaseBetting, 2*time.Second)
	if res := placeTestBet(s, "test", 50); res.Err != nil {
		t.Fatalf("PlaceBet() error = %v", res.Err)
	}

	b.waitFor(t, EventRoundCrash, 5*time.Second)

	res := s.Cashout(CashoutRequest{Username: "test"})
	if !IsConflict(res.Err) {
		t.Fatalf("post-crash cashout error = %v, want ConflictError", res.Err)
	}
	if !strings.Contains(res.Err.Error(), "too late") {
		t.Errorf("post-crash cashout message = %q, want it to say too late", res.Err.Error())
	}

	// No credit was produced by the rejected cashout.
	balance, _ := w.Balance("test", "BTC")
	if balance.StringFixed(8) != "0.99900000" {
		t.Errorf("balance = %s, want 0.99900000", balance.StringFixed(8))
	}
}

func TestScheduler_ConcurrentDoubleBet(t *testing.T) {
	s, _, _ := newTestScheduler(1.05, nil)
	s.bettingTime = time.Second
	s.Start()
	defer s.Stop()

	waitForPhase(t, s, PhaseBetting, 2*time.Second)

	var wg sync.WaitGroup
	results := make(chan BetResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- placeTestBet(s, "test", 10)
		}()
	}
	wg.Wait()
	close(results)

	var oks, conflicts int
	for res := range results {
		switch {
		case res.Err == nil:
			oks++
		case IsConflict(res.Err):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", res.Err)
		}
	}
	if oks != 1 || conflicts != 1 {
		t.Errorf("got %d successes and %d conflicts, want exactly 1 of each", oks, conflicts)
	}
}

func TestScheduler_BetOutsideBettingWindow(t *testing.T) {
	s, _, _ := newTestScheduler(1000.0, nil)
	s.Start()
	defer s.Stop()

	waitForPhase(t, s, PhaseFlying, 2*time.Second)
	res := placeTestBet(s, "test", 50)
	if !IsConflict(res.Err) {
		t.Errorf("bet during flight error = %v, want ConflictError", res.Err)
	}
}

func TestScheduler_BetValidation(t *testing.T) {
	s, _, w := newTestScheduler(1.05, nil)
	s.bettingTime = 2 * time.Second
	s.Start()
	defer s.Stop()

	waitForPhase(t, s, PhaseBetting, 2*time.Second)

	tests := []struct {
		name    string
		req     BetRequest
		wantErr func(error) bool
	}{
		{
			name: "unsupported currency",
			req: BetRequest{
				Username:  "test",
				USDAmount: decimal.NewFromInt(50),
				Currency:  "DOGE",
				Price:     decimal.NewFromInt(1),
			},
			wantErr: IsValidation,
		},
		{
			name: "zero amount",
			req: BetRequest{
				Username:  "test",
				USDAmount: decimal.Zero,
				Currency:  "BTC",
				Price:     decimal.NewFromInt(50000),
			},
			wantErr: IsValidation,
		},
		{
			name: "unknown player",
			req: BetRequest{
				Username:  "nobody",
				USDAmount: decimal.NewFromInt(50),
				Currency:  "BTC",
				Price:     decimal.NewFromInt(50000),
			},
			wantErr: IsValidation,
		},
		{
			name: "insufficient balance",
			req: BetRequest{
				Username:  "demo",
				USDAmount: decimal.NewFromInt(100),
				Currency:  "BTC",
				Price:     decimal.NewFromInt(50000),
			},
			wantErr: func(err error) bool { return errors.Is(err, wallet.ErrInsufficientBalance) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.PlaceBet(tt.req)
			if res.Err == nil || !tt.wantErr(res.Err) {
				t.Errorf("PlaceBet() error = %v, want matching taxonomy", res.Err)
			}
		})
	}

	// None of the rejected bets may have touched a wallet.
	if mismatches := w.Reconcile(testOpening); len(mismatches) != 0 {
		t.Errorf("ledger replay mismatches after rejections: %v", mismatches)
	}
	balance, _ := w.Balance("demo", "BTC")
	if balance.StringFixed(8) != "0.00100000" {
		t.Errorf("demo balance = %s, want untouched 0.00100000", balance.StringFixed(8))
	}
}

// Scenario: $50 in BTC at $50,000/BTC is 0.00100000 BTC; cashing out at
// 2.00x pays 0.00200000 BTC ($100.00).
func TestCashoutPayoutMath(t *testing.T) {
	stake := cryptoStake(decimal.NewFromInt(50), decimal.NewFromInt(50000))
	if stake.StringFixed(8) != "0.00100000" {
		t.Fatalf("cryptoStake() = %s, want 0.00100000", stake.StringFixed(8))
	}

	bet := Bet{
		Username:     "test",
		USDAmount:    decimal.NewFromInt(50),
		CryptoAmount: stake,
		Currency:     "BTC",
		PriceAtTime:  decimal.NewFromInt(50000),
		Status:       BetActive,
	}
	payout, usd := cashoutPayout(bet, 2.00)
	if payout.StringFixed(8) != "0.00200000" {
		t.Errorf("payout = %s, want 0.00200000", payout.StringFixed(8))
	}
	if usd.StringFixed(2) != "100.00" {
		t.Errorf("usd equivalent = %s, want 100.00", usd.StringFixed(2))
	}
}

// A stale active round gets aborted: every still-active bet is refunded
// with a refund-typed transaction, the record is flagged aborted, and the
// ledger still replays clean.
func TestScheduler_AbortRefundsActiveBets(t *testing.T) {
	s, _, w := newTestScheduler(1.05, nil)

	usd := decimal.NewFromInt(50)
	price := decimal.NewFromInt(50000)
	stake := cryptoStake(usd, price)
	if _, err := w.Debit("test", "BTC", stake, usd, price); err != nil {
		t.Fatalf("Debit() error = %v", err)
	}

	led := NewBetLedger()
	if err := led.Place(Bet{
		Username:     "test",
		USDAmount:    usd,
		CryptoAmount: stake,
		Currency:     "BTC",
		PriceAtTime:  price,
		Status:       BetActive,
		PlacedAt:     time.Now(),
	}); err != nil {
		t.Fatalf("Place() error = %v", err)
	}

	stale := &roundState{
		id:         "R0-1",
		nonce:      1,
		serverSeed: "s",
		clientSeed: "c",
		phase:      PhaseFlying,
		startedAt:  time.Now(),
		active:     true,
		ledger:     led,
	}
	s.abortRound(stale)

	balance, err := w.Balance("test", "BTC")
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if balance.StringFixed(8) != "1.00000000" {
		t.Errorf("balance after refund = %s, want 1.00000000", balance.StringFixed(8))
	}

	txns := w.Transactions("test")
	if len(txns) != 2 {
		t.Fatalf("got %d transactions, want bet + refund", len(txns))
	}
	if txns[0].Type != wallet.TxnBet || txns[1].Type != wallet.TxnRefund {
		t.Errorf("transaction types = %v, %v; want bet, refund", txns[0].Type, txns[1].Type)
	}

	if mismatches := w.Reconcile(testOpening); len(mismatches) != 0 {
		t.Errorf("ledger replay mismatches: %v", mismatches)
	}

	select {
	case req := <-s.persistCh:
		if !req.rec.Aborted {
			t.Error("persisted record not flagged aborted")
		}
		if req.rec.IsActive {
			t.Error("aborted round persisted as still active")
		}
		if req.history {
			t.Error("aborted round must not enter the crash history")
		}
		if len(req.rec.Bets) != 1 || req.rec.Bets[0].Status != BetLost {
			t.Errorf("aborted round bets = %+v, want one settled bet", req.rec.Bets)
		}
	default:
		t.Fatal("no persist request queued for the aborted round")
	}
}

// Crash settlement hands storage and redis work to the persist worker;
// nothing but the broadcast happens on the round loop.
func TestScheduler_SettleCrashQueuesPersist(t *testing.T) {
	s, b, _ := newTestScheduler(1.05, nil)

	led := NewBetLedger()
	if err := led.Place(Bet{
		Username:     "test",
		USDAmount:    decimal.NewFromInt(50),
		CryptoAmount: decimal.RequireFromString("0.001"),
		Currency:     "BTC",
		PriceAtTime:  decimal.NewFromInt(50000),
		Status:       BetActive,
		PlacedAt:     time.Now(),
	}); err != nil {
		t.Fatalf("Place() error = %v", err)
	}

	r := &roundState{
		id:         "R0-2",
		nonce:      2,
		serverSeed: "s",
		clientSeed: "c",
		crashPoint: 1.05,
		phase:      PhaseCrashed,
		startedAt:  time.Now(),
		crashedAt:  time.Now(),
		ledger:     led,
	}
	s.settleCrash(r)

	b.waitFor(t, EventRoundCrash, time.Second)

	select {
	case req := <-s.persistCh:
		if !req.history {
			t.Error("crashed round should be queued for the crash history")
		}
		if req.rec.Aborted {
			t.Error("crashed round wrongly flagged aborted")
		}
		if len(req.rec.Bets) != 1 || req.rec.Bets[0].Status != BetLost {
			t.Errorf("crashed round bets = %+v, want one lost bet", req.rec.Bets)
		}
	default:
		t.Fatal("no persist request queued for the crashed round")
	}
}

func TestScheduler_CurrentRoundSnapshot(t *testing.T) {
	s, _, _ := newTestScheduler(1000.0, nil)
	if s.CurrentRound() != nil {
		t.Error("CurrentRound() before start should be nil")
	}
	s.Start()
	defer s.Stop()

	waitForPhase(t, s, PhaseBetting, 2*time.Second)
	snap := s.CurrentRound()
	if snap.Commitment == "" || snap.ClientSeed == "" {
		t.Error("snapshot missing commitment or client seed")
	}
	if snap.CurrentMultiplier != MIN_MULTIPLIER {
		t.Errorf("betting-phase multiplier = %v, want %v", snap.CurrentMultiplier, MIN_MULTIPLIER)
	}
}
