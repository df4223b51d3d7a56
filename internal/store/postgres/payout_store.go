package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

// PayoutStore implements domain.PayoutStore using PostgreSQL.
type PayoutStore struct {
	pool *pgxpool.Pool
}

// NewPayoutStore creates a new PayoutStore backed by the given connection pool.
func NewPayoutStore(pool *pgxpool.Pool) *PayoutStore {
	return &PayoutStore{pool: pool}
}

// Record stores a completed withdrawal.
func (s *PayoutStore) Record(ctx context.Context, p domain.Payout) error {
	const query = `
		INSERT INTO payouts (id, event_seq, account, amount, tx_hash, status, created_at)
		VALUES ($1, $2, $3, $4::numeric, NULLIF($5, ''), $6, $7)`

	status := p.Status
	if status == "" {
		status = domain.PayoutSettled
	}
	_, err := s.pool.Exec(ctx, query,
		p.ID, int64(p.EventSeq), p.Account.Hex(), domain.Amount(p.Amount).String(), p.TxHash, string(status), p.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: record payout %s: %w", p.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: record payout %s: %w", p.ID, err)
	}
	return nil
}

// ListByAccount returns payouts to account, newest first.
func (s *PayoutStore) ListByAccount(ctx context.Context, account domain.Address, opts domain.ListOpts) ([]domain.Payout, error) {
	query, args := listQuery(`SELECT id, event_seq, account, amount::text, COALESCE(tx_hash, ''), status, created_at
		FROM payouts WHERE account = $1`, []any{account.Hex()}, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list payouts: %w", err)
	}
	defer rows.Close()

	var out []domain.Payout
	for rows.Next() {
		var (
			p               domain.Payout
			seq             int64
			acct, amountStr string
			status          string
		)
		if err := rows.Scan(&p.ID, &seq, &acct, &amountStr, &p.TxHash, &status, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan payout: %w", err)
		}
		amount, ok := new(big.Int).SetString(amountStr, 10)
		if !ok {
			return nil, fmt.Errorf("postgres: payout %s: amount %q is not an integer", p.ID, amountStr)
		}
		p.EventSeq = uint64(seq)
		p.Account = common.HexToAddress(acct)
		p.Amount = amount
		p.Status = domain.PayoutStatus(status)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list payouts rows: %w", err)
	}
	return out, nil
}

var _ domain.PayoutStore = (*PayoutStore)(nil)
