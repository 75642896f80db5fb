package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"crashout/internal/game"
	"crashout/internal/wallet"
)

// ErrNoActiveRound is returned when no round is currently flagged active.
var ErrNoActiveRound = errors.New("no active round")

// Store implements the persistence contract the core needs: atomic find
// and update of the active round, atomic wallet updates, and append-only
// transactions.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CreatePlayer inserts a player if it does not exist yet.
func (s *Store) CreatePlayer(ctx context.Context, username string) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO players (username) VALUES ($1)
        ON CONFLICT (username) DO NOTHING
    `, username)
	return err
}

// ListWallets loads every player's balances, keyed by username then
// currency. Players without wallets appear with an empty map.
func (s *Store) ListWallets(ctx context.Context) (map[string]map[string]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT p.username, w.currency, w.balance
        FROM players p
        LEFT JOIN wallets w ON w.username = p.username
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]map[string]decimal.Decimal)
	for rows.Next() {
		var username string
		var currency *string
		var balance *decimal.Decimal
		if err := rows.Scan(&username, &currency, &balance); err != nil {
			return nil, err
		}
		if _, ok := out[username]; !ok {
			out[username] = make(map[string]decimal.Decimal)
		}
		if currency != nil && balance != nil {
			out[username][*currency] = *balance
		}
	}
	return out, rows.Err()
}

// UpdateWallet upserts one wallet's balance. Implements wallet.Store.
func (s *Store) UpdateWallet(ctx context.Context, username, currency string, balance decimal.Decimal) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO wallets (username, currency, balance, updated_at)
        VALUES ($1, $2, $3, now())
        ON CONFLICT (username, currency)
        DO UPDATE SET balance = EXCLUDED.balance, updated_at = now()
    `, username, currency, balance)
	return err
}

// AppendTransaction inserts one ledger entry. Idempotent on the hash so a
// retried append after a partial failure cannot double-record.
func (s *Store) AppendTransaction(ctx context.Context, txn wallet.Transaction) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO transactions (hash, username, type, usd_amount, crypto_amount, currency, price_at_time, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (hash) DO NOTHING
    `, txn.Hash, txn.Username, string(txn.Type), txn.USDAmount, txn.CryptoAmount,
		txn.Currency, txn.PriceAtTime, txn.CreatedAt)
	return err
}

// ListTransactions returns a player's ledger entries, oldest first.
func (s *Store) ListTransactions(ctx context.Context, username string) ([]wallet.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT hash, username, type, usd_amount, crypto_amount, currency, price_at_time, created_at
        FROM transactions
        WHERE username = $1
        ORDER BY created_at, id
    `, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []wallet.Transaction
	for rows.Next() {
		var txn wallet.Transaction
		var typ string
		if err := rows.Scan(&txn.Hash, &txn.Username, &typ, &txn.USDAmount,
			&txn.CryptoAmount, &txn.Currency, &txn.PriceAtTime, &txn.CreatedAt); err != nil {
			return nil, err
		}
		txn.Type = wallet.TxnType(typ)
		out = append(out, txn)
	}
	return out, rows.Err()
}

// FindActiveRound returns the id of the currently active round, or
// ErrNoActiveRound.
func (s *Store) FindActiveRound(ctx context.Context) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
        SELECT id FROM rounds WHERE is_active ORDER BY started_at DESC LIMIT 1
    `).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNoActiveRound
	}
	return id, err
}

// DeactivateStaleRounds clears any active flag left by an unclean
// shutdown, restoring the single-active-round invariant before the
// scheduler starts.
func (s *Store) DeactivateStaleRounds(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE rounds SET is_active = false WHERE is_active`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// SaveRound upserts a round together with its bets in one transaction, so
// a persisted round is never observed without its bets. Implements
// game.RoundStore.
func (s *Store) SaveRound(ctx context.Context, rec game.RoundRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var crashedAt interface{}
	if !rec.CrashedAt.IsZero() {
		crashedAt = rec.CrashedAt
	}

	_, err = tx.Exec(ctx, `
        INSERT INTO rounds (id, nonce, server_seed, client_seed, commitment, crash_point, started_at, crashed_at, is_active, aborted)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (id)
        DO UPDATE SET crashed_at = EXCLUDED.crashed_at, is_active = EXCLUDED.is_active, aborted = EXCLUDED.aborted
    `, rec.RoundID, rec.Nonce, rec.ServerSeed, rec.ClientSeed, rec.Commitment,
		rec.CrashPoint, rec.StartedAt, crashedAt, rec.IsActive, rec.Aborted)
	if err != nil {
		return fmt.Errorf("save round: %w", err)
	}

	for _, bet := range rec.Bets {
		_, err = tx.Exec(ctx, `
            INSERT INTO bets (round_id, username, usd_amount, crypto_amount, currency, status, multiplier_at_cashout, placed_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
            ON CONFLICT (round_id, username)
            DO UPDATE SET status = EXCLUDED.status, multiplier_at_cashout = EXCLUDED.multiplier_at_cashout
        `, rec.RoundID, bet.Username, bet.USDAmount, bet.CryptoAmount,
			bet.Currency, string(bet.Status), bet.MultiplierAtCashout, bet.PlacedAt)
		if err != nil {
			return fmt.Errorf("save bet for %s: %w", bet.Username, err)
		}
	}

	return tx.Commit(ctx)
}
