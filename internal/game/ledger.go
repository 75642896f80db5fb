package game

import (
	"fmt"
	"sync"
)

// BetLedger holds one round's bets in placement order. It enforces the two
// structural guarantees of the round: one bet per player, and a bet status
// that moves away from active exactly once. Settle is the single
// compare-and-swap every settlement path (cashout, crash, refund) goes
// through, so racing attempts can never both win.
type BetLedger struct {
	mu    sync.Mutex
	order []string
	bets  map[string]*Bet
}

func NewBetLedger() *BetLedger {
	return &BetLedger{
		bets: make(map[string]*Bet),
	}
}

// Place records a bet. Fails with a ConflictError if the player already has
// one this round.
func (l *BetLedger) Place(bet Bet) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.bets[bet.Username]; exists {
		return &ConflictError{Msg: "you already have a bet in this round"}
	}
	bet.Status = BetActive
	l.order = append(l.order, bet.Username)
	l.bets[bet.Username] = &bet
	return nil
}

// Get returns a copy of the player's bet, if any.
func (l *BetLedger) Get(username string) (Bet, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.bets[username]
	if !ok {
		return Bet{}, false
	}
	return *b, true
}

// Remove deletes a bet outright. Only used to unwind a placement whose
// composite write failed after the ledger insert.
func (l *BetLedger) Remove(username string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.bets[username]; !ok {
		return
	}
	delete(l.bets, username)
	for i, u := range l.order {
		if u == username {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// Settle transitions the player's bet from active to the given terminal
// status. Exactly one of any racing settlement attempts succeeds; the rest
// observe the post-transition status and get a ConflictError.
func (l *BetLedger) Settle(username string, to BetStatus, multiplier *float64) (Bet, error) {
	if to != BetCashedOut && to != BetLost {
		return Bet{}, &FatalError{Msg: fmt.Sprintf("illegal bet transition to %q", to)}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.bets[username]
	if !ok {
		return Bet{}, &ConflictError{Msg: "no active bet to cash out"}
	}
	if b.Status != BetActive {
		return Bet{}, &ConflictError{Msg: fmt.Sprintf("bet already settled as %s", b.Status)}
	}
	b.Status = to
	b.MultiplierAtCashout = multiplier
	return *b, nil
}

// SettleAllActive marks every still-active bet with the terminal status and
// returns the settled copies. Used at crash time and for fatal-abort refunds.
func (l *BetLedger) SettleAllActive(to BetStatus) []Bet {
	l.mu.Lock()
	defer l.mu.Unlock()

	var settled []Bet
	for _, username := range l.order {
		b := l.bets[username]
		if b.Status != BetActive {
			continue
		}
		b.Status = to
		settled = append(settled, *b)
	}
	return settled
}

// Snapshot returns copies of all bets in placement order.
func (l *BetLedger) Snapshot() []Bet {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Bet, 0, len(l.order))
	for _, username := range l.order {
		out = append(out, *l.bets[username])
	}
	return out
}

// Len reports the number of bets placed this round.
func (l *BetLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.bets)
}
