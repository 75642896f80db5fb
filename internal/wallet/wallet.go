// Package wallet holds the authoritative per-player, per-currency balances
// and the append-only transaction ledger. Balances live in memory so the
// game loop never waits on storage; every mutation is mirrored to the
// persistence store out-of-band with bounded retries.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// CryptoPrecision is the fixed decimal precision for crypto amounts.
const CryptoPrecision = 8

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnknownPlayer       = errors.New("player not found")
)

type TxnType string

const (
	TxnBet     TxnType = "bet"
	TxnCashout TxnType = "cashout"
	TxnRefund  TxnType = "refund"
)

// Transaction is one immutable ledger entry. The price pinned here at bet
// time is the one reused for that bet's settlement, never a live re-quote.
type Transaction struct {
	Hash         string          `json:"hash"`
	Username     string          `json:"username"`
	Type         TxnType         `json:"type"`
	USDAmount    decimal.Decimal `json:"usd_amount"`
	CryptoAmount decimal.Decimal `json:"crypto_amount"`
	Currency     string          `json:"currency"`
	PriceAtTime  decimal.Decimal `json:"price_at_time"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Store is the minimum persistence contract the wallet needs: atomic
// wallet update plus transaction append.
type Store interface {
	UpdateWallet(ctx context.Context, username, currency string, balance decimal.Decimal) error
	AppendTransaction(ctx context.Context, txn Transaction) error
}

type persistJob struct {
	username string
	currency string
	balance  decimal.Decimal
	txn      Transaction
}

type account struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
}

// Service keeps one account per player. A per-account mutex makes debit and
// credit atomic with their ledger append; distinct players never contend.
type Service struct {
	mu       sync.RWMutex
	accounts map[string]*account

	ledgerMu sync.Mutex
	ledger   []Transaction

	store     Store
	persistCh chan persistJob
	done      chan struct{}
	log       *logrus.Entry
}

// New builds a Service. A nil store disables persistence (used in tests);
// otherwise a background worker mirrors every mutation with bounded backoff.
func New(store Store) *Service {
	s := &Service{
		accounts:  make(map[string]*account),
		store:     store,
		persistCh: make(chan persistJob, 1024),
		done:      make(chan struct{}),
		log:       logrus.WithField("component", "wallet"),
	}
	go s.persistLoop()
	return s
}

// LoadPlayer seeds a player's balances, typically at startup from the store.
func (s *Service) LoadPlayer(username string, balances map[string]decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[username]
	if !ok {
		acct = &account{balances: make(map[string]decimal.Decimal)}
		s.accounts[username] = acct
	}
	acct.mu.Lock()
	for currency, balance := range balances {
		acct.balances[currency] = balance
	}
	acct.mu.Unlock()
}

func (s *Service) getAccount(username string) (*account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[username]
	return acct, ok
}

// HasPlayer reports whether the player is known to the wallet.
func (s *Service) HasPlayer(username string) bool {
	_, ok := s.getAccount(username)
	return ok
}

// Balance returns the player's balance in the given currency. Missing
// wallets read as zero.
func (s *Service) Balance(username, currency string) (decimal.Decimal, error) {
	acct, ok := s.getAccount(username)
	if !ok {
		return decimal.Zero, ErrUnknownPlayer
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.balances[currency], nil
}

// Balances returns a copy of all of the player's wallets.
func (s *Service) Balances(username string) (map[string]decimal.Decimal, error) {
	acct, ok := s.getAccount(username)
	if !ok {
		return nil, ErrUnknownPlayer
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(acct.balances))
	for currency, balance := range acct.balances {
		out[currency] = balance
	}
	return out, nil
}

// Debit takes crypto from the player's wallet and appends the matching bet
// transaction, as one atomic unit. Fails with ErrInsufficientBalance when
// the wallet cannot cover the amount; no state changes on failure.
func (s *Service) Debit(username, currency string, crypto, usd, price decimal.Decimal) (Transaction, error) {
	acct, ok := s.getAccount(username)
	if !ok {
		return Transaction{}, ErrUnknownPlayer
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	balance := acct.balances[currency]
	if balance.LessThan(crypto) {
		return Transaction{}, ErrInsufficientBalance
	}
	newBalance := balance.Sub(crypto)
	acct.balances[currency] = newBalance

	// Record and enqueue under the account lock so persist jobs reach the
	// worker in the order the balance actually changed.
	txn := s.record(username, TxnBet, usd, crypto, currency, price)
	s.enqueuePersist(username, currency, newBalance, txn)
	return txn, nil
}

// Credit adds crypto to the player's wallet and appends the matching
// cashout transaction. Pre-validated by the caller, so it only fails for an
// unknown player.
func (s *Service) Credit(username, currency string, crypto, usd, price decimal.Decimal) (Transaction, error) {
	return s.add(username, TxnCashout, currency, crypto, usd, price)
}

// Refund returns a stake after an aborted round. Same wallet effect as a
// credit, but the ledger keeps its own type so a refund can never be read
// as a win.
func (s *Service) Refund(username, currency string, crypto, usd, price decimal.Decimal) (Transaction, error) {
	return s.add(username, TxnRefund, currency, crypto, usd, price)
}

func (s *Service) add(username string, typ TxnType, currency string, crypto, usd, price decimal.Decimal) (Transaction, error) {
	acct, ok := s.getAccount(username)
	if !ok {
		return Transaction{}, ErrUnknownPlayer
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	newBalance := acct.balances[currency].Add(crypto)
	acct.balances[currency] = newBalance

	txn := s.record(username, typ, usd, crypto, currency, price)
	s.enqueuePersist(username, currency, newBalance, txn)
	return txn, nil
}

func (s *Service) record(username string, typ TxnType, usd, crypto decimal.Decimal, currency string, price decimal.Decimal) Transaction {
	txn := Transaction{
		Hash:         fmt.Sprintf("tx_%d_%s", time.Now().UnixNano(), uuid.NewString()[:8]),
		Username:     username,
		Type:         typ,
		USDAmount:    usd,
		CryptoAmount: crypto,
		Currency:     currency,
		PriceAtTime:  price,
		CreatedAt:    time.Now().UTC(),
	}
	s.ledgerMu.Lock()
	s.ledger = append(s.ledger, txn)
	s.ledgerMu.Unlock()
	return txn
}

// Ledger returns a copy of the full transaction log in append order.
func (s *Service) Ledger() []Transaction {
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()
	out := make([]Transaction, len(s.ledger))
	copy(out, s.ledger)
	return out
}

// Transactions returns the player's ledger entries in append order.
func (s *Service) Transactions(username string) []Transaction {
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()
	var out []Transaction
	for _, txn := range s.ledger {
		if txn.Username == username {
			out = append(out, txn)
		}
	}
	return out
}

// Replay rebuilds every balance from zero by walking the transaction log:
// bets subtract their crypto amount, cashouts and refunds add theirs. The
// result must match the live balances exactly; Reconcile checks that.
func Replay(ledger []Transaction, opening map[string]map[string]decimal.Decimal) map[string]map[string]decimal.Decimal {
	balances := make(map[string]map[string]decimal.Decimal)
	for username, wallets := range opening {
		balances[username] = make(map[string]decimal.Decimal, len(wallets))
		for currency, balance := range wallets {
			balances[username][currency] = balance
		}
	}
	for _, txn := range ledger {
		wallets, ok := balances[txn.Username]
		if !ok {
			wallets = make(map[string]decimal.Decimal)
			balances[txn.Username] = wallets
		}
		switch txn.Type {
		case TxnBet:
			wallets[txn.Currency] = wallets[txn.Currency].Sub(txn.CryptoAmount)
		case TxnCashout, TxnRefund:
			wallets[txn.Currency] = wallets[txn.Currency].Add(txn.CryptoAmount)
		}
	}
	return balances
}

// Reconcile replays the ledger over the opening balances and compares the
// result against the live balances, returning any mismatches.
func (s *Service) Reconcile(opening map[string]map[string]decimal.Decimal) []string {
	replayed := Replay(s.Ledger(), opening)

	var mismatches []string
	s.mu.RLock()
	defer s.mu.RUnlock()
	for username, acct := range s.accounts {
		acct.mu.Lock()
		for currency, live := range acct.balances {
			want := decimal.Zero
			if wallets, ok := replayed[username]; ok {
				want = wallets[currency]
			}
			if !live.Equal(want) {
				mismatches = append(mismatches,
					fmt.Sprintf("%s/%s: live %s, replay %s", username, currency, live, want))
			}
		}
		acct.mu.Unlock()
	}
	return mismatches
}

func (s *Service) enqueuePersist(username, currency string, balance decimal.Decimal, txn Transaction) {
	if s.store == nil {
		return
	}
	select {
	case s.persistCh <- persistJob{username: username, currency: currency, balance: balance, txn: txn}:
	default:
		s.log.WithField("hash", txn.Hash).Error("persist queue full, transaction not mirrored")
	}
}

// persistLoop mirrors mutations to the store. A failure degrades durability
// but never blocks debit/credit callers.
func (s *Service) persistLoop() {
	for {
		select {
		case job := <-s.persistCh:
			s.persistJob(job)
		case <-s.done:
			// Drain what is already queued before exiting.
			for {
				select {
				case job := <-s.persistCh:
					s.persistJob(job)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) persistJob(job persistJob) {
	op := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.AppendTransaction(ctx, job.txn); err != nil {
			return err
		}
		return s.store.UpdateWallet(ctx, job.username, job.currency, job.balance)
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(op, policy); err != nil {
		s.log.WithError(err).WithField("hash", job.txn.Hash).
			Error("transaction persistence failed after retries")
	}
}

// Close stops the persistence worker after draining queued jobs.
func (s *Service) Close() {
	close(s.done)
}
