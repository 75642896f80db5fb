package game

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"crashout/internal/wallet"
)

const (
	TICK_INTERVAL   = 100 * time.Millisecond
	BETTING_TIME    = 5 * time.Second
	COOLDOWN_TIME   = 3 * time.Second
	BET_TIMEOUT     = 5 * time.Second
	CASHOUT_TIMEOUT = 2 * time.Second

	MIN_BET_USD = 1.0
	MAX_BET_USD = 10000.0

	HISTORY_LIMIT = 50

	REDIS_KEY_CURRENT_ROUND = "crash:round:current"
	REDIS_KEY_HISTORY       = "crash:history"
)

// RoundStore is the persistence contract the scheduler needs: one atomic
// upsert of a round together with its bets.
type RoundStore interface {
	SaveRound(ctx context.Context, rec RoundRecord) error
}

// broadcaster is what the scheduler needs from the gateway.
type broadcaster interface {
	Broadcast(Event)
}

type roundState struct {
	id                string
	nonce             int64
	serverSeed        string
	clientSeed        string
	commitment        string
	crashPoint        float64
	phase             Phase
	currentMultiplier float64
	startedAt         time.Time
	flightStart       time.Time
	crashedAt         time.Time
	active            bool
	ledger            *BetLedger
}

// Scheduler drives the round lifecycle WAITING -> BETTING -> FLYING ->
// CRASHED and back. It is the single owner of the round phase and the live
// multiplier: bet and cashout requests are funneled through channels into
// the one goroutine that also advances the clock, so a cashout and the
// crash transition can never interleave.
type Scheduler struct {
	hub     broadcaster
	wallets *wallet.Service
	store   RoundStore    // nil disables round persistence
	rdb     *redis.Client // nil disables snapshots and history
	log     *logrus.Entry

	// Timings default to the package constants; tests shorten them.
	bettingTime  time.Duration
	cooldownTime time.Duration
	tickInterval time.Duration
	crashPointFn func(serverSeed, clientSeed string, nonce int64) float64

	stateMu sync.RWMutex
	round   *roundState

	betCh     chan BetRequest
	cashoutCh chan CashoutRequest
	persistCh chan persistRequest
	stopCh    chan struct{}
	nonce     int64
}

// persistRequest hands a settled round to the persistence worker. Crashed
// rounds also enter the public history; aborted ones do not.
type persistRequest struct {
	rec     RoundRecord
	history bool
}

func NewScheduler(hub *Hub, wallets *wallet.Service, store RoundStore, rdb *redis.Client) *Scheduler {
	return &Scheduler{
		hub:          hub,
		wallets:      wallets,
		store:        store,
		rdb:          rdb,
		log:          logrus.WithField("component", "scheduler"),
		bettingTime:  BETTING_TIME,
		cooldownTime: COOLDOWN_TIME,
		tickInterval: TICK_INTERVAL,
		crashPointFn: CrashPoint,
		betCh:        make(chan BetRequest, 1000),
		cashoutCh:    make(chan CashoutRequest, 1000),
		persistCh:    make(chan persistRequest, 64),
		stopCh:       make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	go s.persistLoop()
	go s.run()
}

func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// CurrentRound returns a copy of the live round, or nil between rounds.
func (s *Scheduler) CurrentRound() *RoundSnapshot {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.round == nil {
		return nil
	}
	return &RoundSnapshot{
		RoundID:           s.round.id,
		Nonce:             s.round.nonce,
		Commitment:        s.round.commitment,
		ClientSeed:        s.round.clientSeed,
		Phase:             s.round.phase,
		CurrentMultiplier: s.round.currentMultiplier,
		StartedAt:         s.round.startedAt,
		Bets:              s.round.ledger.Snapshot(),
	}
}

// PlaceBet submits a bet request and waits for the round loop's verdict.
// Both the enqueue and the wait are bounded; expiry yields a retryable
// TransientError, never a stalled caller or a half-applied bet.
func (s *Scheduler) PlaceBet(req BetRequest) BetResult {
	respChan := make(chan BetResult, 1)
	req.ResponseChan = respChan

	select {
	case s.betCh <- req:
	default:
		return BetResult{Err: &TransientError{Op: "bet queue full, try again"}}
	}

	select {
	case res := <-respChan:
		return res
	case <-time.After(BET_TIMEOUT):
		return BetResult{Err: &TransientError{Op: "bet request timed out"}}
	}
}

// Cashout submits a cashout request and waits for the round loop's verdict.
func (s *Scheduler) Cashout(req CashoutRequest) CashoutResult {
	respChan := make(chan CashoutResult, 1)
	req.ResponseChan = respChan

	select {
	case s.cashoutCh <- req:
	default:
		return CashoutResult{Err: &TransientError{Op: "cashout queue full, try again"}}
	}

	select {
	case res := <-respChan:
		return res
	case <-time.After(CASHOUT_TIMEOUT):
		return CashoutResult{Err: &TransientError{Op: "cashout request timed out"}}
	}
}

func (s *Scheduler) run() {
	for {
		select {
		case <-s.stopCh:
			s.log.Info("round loop stopped")
			return
		default:
			s.runRound()
		}
	}
}

func (s *Scheduler) runRound() {
	s.nonce++
	serverSeed := GenerateSeed()
	clientSeed := GenerateSeed()
	commitment := HashCommitment(serverSeed)
	crashPoint := s.crashPointFn(serverSeed, clientSeed, s.nonce)
	roundID := fmt.Sprintf("R%d-%d", time.Now().Unix(), s.nonce)

	s.stateMu.Lock()
	if s.round != nil && s.round.active {
		// Two active rounds would break everything downstream. Abort the
		// stale one and refund its bets before opening a new round.
		stale := s.round
		s.round = nil
		s.stateMu.Unlock()
		s.abortRound(stale)
		s.stateMu.Lock()
	}
	s.round = &roundState{
		id:                roundID,
		nonce:             s.nonce,
		serverSeed:        serverSeed,
		clientSeed:        clientSeed,
		commitment:        commitment,
		crashPoint:        crashPoint,
		phase:             PhaseWaiting,
		currentMultiplier: MIN_MULTIPLIER,
		startedAt:         time.Now(),
		active:            true,
		ledger:            NewBetLedger(),
	}
	s.stateMu.Unlock()

	s.log.WithFields(logrus.Fields{
		"round_id":   roundID,
		"nonce":      s.nonce,
		"commitment": commitment[:16] + "...",
	}).Info("round created")

	// WAITING -> BETTING
	s.stateMu.Lock()
	s.round.phase = PhaseBetting
	s.stateMu.Unlock()
	s.snapshotToRedis()

	s.hub.Broadcast(Event{Type: EventRoundStart, Data: RoundStartPayload{
		RoundID:    roundID,
		Commitment: commitment,
		ClientSeed: clientSeed,
		Nonce:      s.nonce,
		TimeLeft:   s.bettingTime.Seconds(),
	}})

	bettingTimer := time.NewTimer(s.bettingTime)
	for betting := true; betting; {
		select {
		case <-bettingTimer.C:
			betting = false
		case req := <-s.betCh:
			s.handleBet(req)
		case req := <-s.cashoutCh:
			respondCashout(req, CashoutResult{Err: &ConflictError{Msg: "no flight in progress"}})
		case <-s.stopCh:
			bettingTimer.Stop()
			return
		}
	}

	// BETTING -> FLYING
	s.stateMu.Lock()
	s.round.phase = PhaseFlying
	s.round.flightStart = time.Now()
	s.stateMu.Unlock()
	s.snapshotToRedis()

	ticker := time.NewTicker(s.tickInterval)
	lastBroadcast := 0.0
	for flying := true; flying; {
		select {
		case <-ticker.C:
			if s.tick(&lastBroadcast) {
				flying = false
			}
		case req := <-s.betCh:
			respondBet(req, BetResult{Err: &ConflictError{Msg: "betting is closed"}})
		case req := <-s.cashoutCh:
			s.handleCashout(req)
		case <-s.stopCh:
			ticker.Stop()
			return
		}
	}
	ticker.Stop()

	s.log.WithFields(logrus.Fields{
		"round_id":    roundID,
		"crash_point": crashPoint,
	}).Info("round ended")

	// Cooldown: requests arriving now get definitive answers instead of
	// waiting for the next round to drain them.
	cooldown := time.NewTimer(s.cooldownTime)
	for waiting := true; waiting; {
		select {
		case <-cooldown.C:
			waiting = false
		case req := <-s.betCh:
			respondBet(req, BetResult{Err: &ConflictError{Msg: "betting is closed"}})
		case req := <-s.cashoutCh:
			respondCashout(req, CashoutResult{Err: &ConflictError{Msg: "too late, round already crashed"}})
		case <-s.stopCh:
			cooldown.Stop()
			return
		}
	}
}

// tick advances the multiplier one step and fires the crash when the curve
// reaches the round's crash point. Returns true once crashed.
func (s *Scheduler) tick(lastBroadcast *float64) bool {
	s.stateMu.Lock()
	elapsed := time.Since(s.round.flightStart).Seconds()
	mult := DisplayMultiplier(elapsed)

	if mult >= s.round.crashPoint {
		s.round.phase = PhaseCrashed
		s.round.currentMultiplier = s.round.crashPoint
		s.round.crashedAt = time.Now()
		s.round.active = false
		crashed := s.round
		s.stateMu.Unlock()
		s.settleCrash(crashed)
		return true
	}

	s.round.currentMultiplier = mult
	roundID := s.round.id
	s.stateMu.Unlock()

	// Only emit when the displayed value actually moved, keeping the
	// update stream strictly increasing.
	if mult > *lastBroadcast {
		*lastBroadcast = mult
		s.hub.Broadcast(Event{Type: EventMultiplierUpdate, Data: MultiplierUpdatePayload{
			RoundID:    roundID,
			Multiplier: mult,
		}})
	}
	return false
}

// settleCrash marks every still-active bet as lost (the stake was debited
// at bet time, so no wallet change), reveals the seed, and hands the round
// to the persistence worker. All storage and redis I/O happens on the
// worker; the round loop moves straight on to the cooldown.
func (s *Scheduler) settleCrash(r *roundState) {
	lost := r.ledger.SettleAllActive(BetLost)

	s.hub.Broadcast(Event{Type: EventRoundCrash, Data: RoundCrashPayload{
		RoundID:    r.id,
		Multiplier: r.crashPoint,
		ServerSeed: r.serverSeed,
	}})

	s.log.WithFields(logrus.Fields{
		"round_id":    r.id,
		"crash_point": r.crashPoint,
		"lost_bets":   len(lost),
	}).Info("round crashed")

	s.enqueuePersist(s.roundRecord(r), true)
}

// abortRound refunds every still-active bet and deactivates the round.
// Only reachable when the single-active-round invariant is broken.
func (s *Scheduler) abortRound(r *roundState) {
	s.log.WithField("round_id", r.id).
		Error((&FatalError{Msg: "two active rounds detected, aborting stale round"}).Error())

	refunded := r.ledger.SettleAllActive(BetLost)
	for _, bet := range refunded {
		// The refund cancels the bet debit in the ledger, so replay still
		// reconciles; its own transaction type keeps it distinct from a win.
		if _, err := s.wallets.Refund(bet.Username, bet.Currency, bet.CryptoAmount, bet.USDAmount, bet.PriceAtTime); err != nil {
			s.log.WithError(err).WithField("username", bet.Username).Error("refund failed")
		}
	}

	r.active = false
	r.crashedAt = time.Now()
	rec := s.roundRecord(r)
	rec.Aborted = true
	s.enqueuePersist(rec, false)
}

func (s *Scheduler) handleBet(req BetRequest) {
	res := BetResult{Username: req.Username}
	defer func() { respondBet(req, res) }()

	if !IsSupportedCurrency(req.Currency) {
		res.Err = &ValidationError{Msg: "unsupported currency"}
		return
	}
	usd, _ := req.USDAmount.Float64()
	if usd < MIN_BET_USD || usd > MAX_BET_USD {
		res.Err = &ValidationError{Msg: fmt.Sprintf("bet must be between $%.2f and $%.2f", MIN_BET_USD, MAX_BET_USD)}
		return
	}
	if !req.Price.IsPositive() {
		res.Err = &ValidationError{Msg: "invalid crypto price"}
		return
	}
	if !s.wallets.HasPlayer(req.Username) {
		res.Err = &ValidationError{Msg: "player not found"}
		return
	}

	s.stateMu.RLock()
	phase := s.round.phase
	roundID := s.round.id
	ledger := s.round.ledger
	s.stateMu.RUnlock()

	if phase != PhaseBetting {
		res.Err = &ConflictError{Msg: "betting is closed"}
		return
	}
	if _, exists := ledger.Get(req.Username); exists {
		res.Err = &ConflictError{Msg: "you already have a bet in this round"}
		return
	}

	crypto := cryptoStake(req.USDAmount, req.Price)
	if !crypto.IsPositive() {
		res.Err = &ValidationError{Msg: "bet amount too small for current price"}
		return
	}

	if _, err := s.wallets.Debit(req.Username, req.Currency, crypto, req.USDAmount, req.Price); err != nil {
		switch err {
		case wallet.ErrInsufficientBalance:
			res.Err = err
		case wallet.ErrUnknownPlayer:
			res.Err = &ValidationError{Msg: "player not found"}
		default:
			res.Err = &TransientError{Op: "debit failed", Err: err}
		}
		return
	}

	bet := Bet{
		Username:     req.Username,
		USDAmount:    req.USDAmount,
		CryptoAmount: crypto,
		Currency:     req.Currency,
		PriceAtTime:  req.Price,
		Status:       BetActive,
		PlacedAt:     time.Now(),
	}
	if err := ledger.Place(bet); err != nil {
		// Roll the debit back; the refund cancels it in the ledger.
		s.wallets.Refund(req.Username, req.Currency, crypto, req.USDAmount, req.Price)
		res.Err = err
		return
	}

	res.USDAmount = req.USDAmount
	res.CryptoAmount = crypto
	res.Currency = req.Currency
	res.RoundID = roundID

	s.hub.Broadcast(Event{Type: EventPlayerBet, Data: PlayerBetPayload{
		Username:  req.Username,
		Currency:  req.Currency,
		USDAmount: req.USDAmount,
		RoundID:   roundID,
	}})

	s.log.WithFields(logrus.Fields{
		"round_id": roundID,
		"username": req.Username,
		"usd":      req.USDAmount,
		"currency": req.Currency,
	}).Info("bet placed")
}

// handleCashout settles a bet at the multiplier the scheduler itself holds,
// never one supplied by the client. Runs on the round loop goroutine, so
// the crash transition cannot slip in between the read and the settle.
func (s *Scheduler) handleCashout(req CashoutRequest) {
	res := CashoutResult{Username: req.Username}
	defer func() { respondCashout(req, res) }()

	s.stateMu.RLock()
	phase := s.round.phase
	mult := s.round.currentMultiplier
	ledger := s.round.ledger
	s.stateMu.RUnlock()

	if phase != PhaseFlying {
		if phase == PhaseCrashed {
			res.Err = &ConflictError{Msg: "too late, round already crashed"}
		} else {
			res.Err = &ConflictError{Msg: "no flight in progress"}
		}
		return
	}

	bet, err := ledger.Settle(req.Username, BetCashedOut, &mult)
	if err != nil {
		res.Err = err
		return
	}

	payout, usdEquivalent := cashoutPayout(bet, mult)

	if _, err := s.wallets.Credit(req.Username, bet.Currency, payout, usdEquivalent, bet.PriceAtTime); err != nil {
		// Settle already flipped the bet; a missing account here means the
		// wallet and ledger disagree, which is operator territory.
		s.log.WithError(err).WithField("username", req.Username).Error("cashout credit failed")
		res.Err = &TransientError{Op: "credit failed", Err: err}
		return
	}

	res.Currency = bet.Currency
	res.PayoutCrypto = payout
	res.USDEquivalent = usdEquivalent
	res.Multiplier = mult

	s.hub.Broadcast(Event{Type: EventPlayerCashout, Data: PlayerCashoutPayload{
		Username:      req.Username,
		Currency:      bet.Currency,
		PayoutCrypto:  payout,
		USDEquivalent: usdEquivalent,
		Multiplier:    mult,
	}})

	s.log.WithFields(logrus.Fields{
		"username":   req.Username,
		"multiplier": mult,
		"payout":     payout,
	}).Info("cashout")
}

// cryptoStake converts a USD bet into crypto at the pinned price, fixed to
// 8 decimals. Reproducible later from the stored price_at_time.
func cryptoStake(usd, price decimal.Decimal) decimal.Decimal {
	return usd.Div(price).Round(wallet.CryptoPrecision)
}

// cashoutPayout computes the crypto payout and its USD equivalent at the
// bet's pinned price.
func cashoutPayout(bet Bet, multiplier float64) (payout, usdEquivalent decimal.Decimal) {
	payout = bet.CryptoAmount.Mul(decimal.NewFromFloat(multiplier)).Round(wallet.CryptoPrecision)
	usdEquivalent = payout.Mul(bet.PriceAtTime).Round(2)
	return payout, usdEquivalent
}

func respondBet(req BetRequest, res BetResult) {
	if req.ResponseChan == nil {
		return
	}
	select {
	case req.ResponseChan <- res:
	default:
	}
}

func respondCashout(req CashoutRequest, res CashoutResult) {
	if req.ResponseChan == nil {
		return
	}
	select {
	case req.ResponseChan <- res:
	default:
	}
}

func (s *Scheduler) roundRecord(r *roundState) RoundRecord {
	return RoundRecord{
		RoundID:    r.id,
		Nonce:      r.nonce,
		ServerSeed: r.serverSeed,
		ClientSeed: r.clientSeed,
		Commitment: r.commitment,
		CrashPoint: r.crashPoint,
		StartedAt:  r.startedAt,
		CrashedAt:  r.crashedAt,
		IsActive:   r.active,
		Bets:       r.ledger.Snapshot(),
	}
}

func (s *Scheduler) enqueuePersist(rec RoundRecord, history bool) {
	select {
	case s.persistCh <- persistRequest{rec: rec, history: history}:
	default:
		s.log.WithField("round_id", rec.RoundID).Error("round persist queue full")
	}
}

// persistLoop writes settled rounds out-of-band so the round loop never
// blocks on storage or redis. Failures retry with bounded backoff;
// exhaustion costs durability, not liveness.
func (s *Scheduler) persistLoop() {
	for {
		select {
		case req := <-s.persistCh:
			s.persistRound(req)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) persistRound(req persistRequest) {
	if s.store != nil {
		op := func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return s.store.SaveRound(ctx, req.rec)
		}
		policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
		if err := backoff.Retry(op, policy); err != nil {
			s.log.WithError(err).WithField("round_id", req.rec.RoundID).
				Error("round persistence failed after retries")
		}
	}

	if req.history {
		s.pushHistory(req.rec)
	}
	s.clearRedisSnapshot()
}

// History returns the most recent settled rounds, newest first.
func (s *Scheduler) History(ctx context.Context, limit int) ([]CrashHistoryEntry, error) {
	if s.rdb == nil {
		return nil, nil
	}
	if limit <= 0 || limit > HISTORY_LIMIT {
		limit = HISTORY_LIMIT
	}
	raw, err := s.rdb.LRange(ctx, REDIS_KEY_HISTORY, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, &TransientError{Op: "history lookup failed", Err: err}
	}
	entries := make([]CrashHistoryEntry, 0, len(raw))
	for _, item := range raw {
		var entry CrashHistoryEntry
		if json.Unmarshal([]byte(item), &entry) == nil {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (s *Scheduler) pushHistory(rec RoundRecord) {
	if s.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := json.Marshal(CrashHistoryEntry{
		RoundID:    rec.RoundID,
		CrashPoint: rec.CrashPoint,
		ServerSeed: rec.ServerSeed,
		ClientSeed: rec.ClientSeed,
		Nonce:      rec.Nonce,
		CrashedAt:  rec.CrashedAt,
	})
	if err != nil {
		return
	}
	pipe := s.rdb.Pipeline()
	pipe.LPush(ctx, REDIS_KEY_HISTORY, data)
	pipe.LTrim(ctx, REDIS_KEY_HISTORY, 0, HISTORY_LIMIT-1)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.WithError(err).Warn("history push failed")
	}
}

func (s *Scheduler) snapshotToRedis() {
	if s.rdb == nil {
		return
	}
	snap := s.CurrentRound()
	if snap == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, REDIS_KEY_CURRENT_ROUND, data, time.Hour).Err(); err != nil {
		s.log.WithError(err).Warn("round snapshot failed")
	}
}

func (s *Scheduler) clearRedisSnapshot() {
	if s.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.rdb.Del(ctx, REDIS_KEY_CURRENT_ROUND)
}
