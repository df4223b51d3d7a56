package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

// EventStore implements domain.EventStore using PostgreSQL.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

const eventSelectCols = `seq, id, type, tick, caller, COALESCE(recipient, ''),
	asset_id::text, COALESCE(amount::text, ''), duration, created_at`

// Append inserts ev. A second event with the same sequence number fails with
// domain.ErrAlreadyExists.
func (s *EventStore) Append(ctx context.Context, ev domain.MarketEvent) error {
	const query = `
		INSERT INTO market_events (
			seq, id, type, tick, caller, recipient, asset_id, amount, duration, created_at
		) VALUES (
			$1, $2, $3, $4, $5, NULLIF($6, ''), $7::numeric, NULLIF($8, '')::numeric, $9, $10
		)`

	var recipient, amount string
	if ev.To != domain.ZeroAddress {
		recipient = ev.To.Hex()
	}
	if ev.Amount != nil {
		amount = ev.Amount.String()
	}

	_, err := s.pool.Exec(ctx, query,
		int64(ev.Seq), ev.ID, string(ev.Type), ev.Tick, ev.Caller.Hex(), recipient,
		ev.AssetID.String(), amount, ev.Duration, ev.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: append event %d: %w", ev.Seq, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: append event %d: %w", ev.Seq, err)
	}
	return nil
}

// ListSince returns up to limit events with seq > afterSeq in sequence order.
func (s *EventStore) ListSince(ctx context.Context, afterSeq uint64, limit int) ([]domain.MarketEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `SELECT ` + eventSelectCols + ` FROM market_events WHERE seq > $1 ORDER BY seq LIMIT $2`

	rows, err := s.pool.Query(ctx, query, int64(afterSeq), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events after %d: %w", afterSeq, err)
	}
	events, err := scanEventRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan events: %w", err)
	}
	return events, nil
}

// LastSeq returns the highest journaled sequence number, or 0 when the
// journal is empty.
func (s *EventStore) LastSeq(ctx context.Context) (uint64, error) {
	var seq int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM market_events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("postgres: last event seq: %w", err)
	}
	return uint64(seq), nil
}

func scanEventRows(rows pgx.Rows) ([]domain.MarketEvent, error) {
	defer rows.Close()

	var events []domain.MarketEvent
	for rows.Next() {
		var (
			ev              domain.MarketEvent
			seq             int64
			typ, caller, to string
			assetID, amount string
		)
		if err := rows.Scan(
			&seq, &ev.ID, &typ, &ev.Tick, &caller, &to,
			&assetID, &amount, &ev.Duration, &ev.CreatedAt,
		); err != nil {
			return nil, err
		}
		ev.Seq = uint64(seq)
		ev.Type = domain.EventType(typ)
		ev.Caller = common.HexToAddress(caller)
		if to != "" {
			ev.To = common.HexToAddress(to)
		}

		id, err := domain.ParseTokenID(assetID)
		if err != nil {
			return nil, fmt.Errorf("event %d: asset id %q: %w", seq, assetID, err)
		}
		ev.AssetID = id

		if amount != "" {
			v, ok := new(big.Int).SetString(amount, 10)
			if !ok {
				return nil, fmt.Errorf("event %d: amount %q is not an integer", seq, amount)
			}
			ev.Amount = v
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

var _ domain.EventStore = (*EventStore)(nil)
