package game

import (
	"time"

	"github.com/shopspring/decimal"
)

// Phase is the round lifecycle state.
type Phase string

const (
	PhaseWaiting Phase = "WAITING"
	PhaseBetting Phase = "BETTING"
	PhaseFlying  Phase = "FLYING"
	PhaseCrashed Phase = "CRASHED"
)

// BetStatus transitions only active -> cashed_out | lost, never back.
type BetStatus string

const (
	BetActive    BetStatus = "active"
	BetCashedOut BetStatus = "cashed_out"
	BetLost      BetStatus = "lost"
)

// SupportedCurrencies are the stakes the house accepts.
var SupportedCurrencies = []string{"BTC", "ETH"}

func IsSupportedCurrency(currency string) bool {
	for _, c := range SupportedCurrencies {
		if c == currency {
			return true
		}
	}
	return false
}

// Bet is one player's stake in one round. CryptoAmount is pinned to the
// price recorded at bet time and carries 8 decimal places.
type Bet struct {
	Username            string          `json:"username"`
	USDAmount           decimal.Decimal `json:"usd_amount"`
	CryptoAmount        decimal.Decimal `json:"crypto_amount"`
	Currency            string          `json:"currency"`
	PriceAtTime         decimal.Decimal `json:"price_at_time"`
	Status              BetStatus       `json:"status"`
	MultiplierAtCashout *float64        `json:"multiplier_at_cashout,omitempty"`
	PlacedAt            time.Time       `json:"placed_at"`
}

// RoundSnapshot is the externally visible view of the scheduler's round.
// The server seed and crash point stay hidden until the crash.
type RoundSnapshot struct {
	RoundID           string    `json:"round_id"`
	Nonce             int64     `json:"nonce"`
	Commitment        string    `json:"commitment"`
	ClientSeed        string    `json:"client_seed"`
	Phase             Phase     `json:"phase"`
	CurrentMultiplier float64   `json:"current_multiplier"`
	StartedAt         time.Time `json:"started_at"`
	Bets              []Bet     `json:"bets"`
}

// RoundRecord is what gets persisted once a round crashes, seed included.
type RoundRecord struct {
	RoundID    string
	Nonce      int64
	ServerSeed string
	ClientSeed string
	Commitment string
	CrashPoint float64
	StartedAt  time.Time
	CrashedAt  time.Time
	IsActive   bool
	Aborted    bool
	Bets       []Bet
}

// BetRequest enters the scheduler through its bet channel. The price is
// resolved by the caller before enqueueing so the round loop never waits
// on the oracle.
type BetRequest struct {
	Username     string
	USDAmount    decimal.Decimal
	Currency     string
	Price        decimal.Decimal
	ResponseChan chan BetResult `json:"-"`
}

// BetResult is the unicast answer for one bet request.
type BetResult struct {
	Username     string          `json:"username"`
	USDAmount    decimal.Decimal `json:"usd_amount"`
	CryptoAmount decimal.Decimal `json:"crypto_amount"`
	Currency     string          `json:"currency"`
	RoundID      string          `json:"round_id"`
	Err          error           `json:"-"`
}

// CashoutRequest enters the scheduler through its cashout channel.
type CashoutRequest struct {
	Username     string
	ResponseChan chan CashoutResult `json:"-"`
}

// CashoutResult is the unicast answer for one cashout request.
type CashoutResult struct {
	Username      string          `json:"username"`
	Currency      string          `json:"currency"`
	PayoutCrypto  decimal.Decimal `json:"payout_crypto"`
	USDEquivalent decimal.Decimal `json:"usd_equivalent"`
	Multiplier    float64         `json:"multiplier"`
	Err           error           `json:"-"`
}

// Event is one broadcast frame: a tagged union keyed by Type.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Broadcast event names. For a given round, round_start precedes every
// multiplier_update, which precede round_crash.
const (
	EventRoundStart       = "round_start"
	EventMultiplierUpdate = "multiplier_update"
	EventRoundCrash       = "round_crash"
	EventPlayerBet        = "player_bet"
	EventPlayerCashout    = "player_cashout"
)

// Unicast event names.
const (
	EventBetPlaced = "bet_placed"
	EventBetError  = "bet_error"
	EventError     = "error"
)

type RoundStartPayload struct {
	RoundID    string  `json:"round_id"`
	Commitment string  `json:"commitment"`
	ClientSeed string  `json:"client_seed"`
	Nonce      int64   `json:"nonce"`
	TimeLeft   float64 `json:"time_left"`
}

type MultiplierUpdatePayload struct {
	RoundID    string  `json:"round_id"`
	Multiplier float64 `json:"multiplier"`
}

type RoundCrashPayload struct {
	RoundID    string  `json:"round_id"`
	Multiplier float64 `json:"multiplier"`
	ServerSeed string  `json:"server_seed"`
}

type PlayerBetPayload struct {
	Username  string          `json:"username"`
	Currency  string          `json:"currency"`
	USDAmount decimal.Decimal `json:"usd_amount"`
	RoundID   string          `json:"round_id"`
}

type PlayerCashoutPayload struct {
	Username      string          `json:"username"`
	Currency      string          `json:"currency"`
	PayoutCrypto  decimal.Decimal `json:"payout_crypto"`
	USDEquivalent decimal.Decimal `json:"usd_equivalent"`
	Multiplier    float64         `json:"multiplier"`
}

type ErrorPayload struct {
	Msg string `json:"msg"`
}

// CrashHistoryEntry is one settled round in the recent-history list.
type CrashHistoryEntry struct {
	RoundID    string    `json:"round_id"`
	CrashPoint float64   `json:"crash_point"`
	ServerSeed string    `json:"server_seed"`
	ClientSeed string    `json:"client_seed"`
	Nonce      int64     `json:"nonce"`
	CrashedAt  time.Time `json:"crashed_at"`
}
