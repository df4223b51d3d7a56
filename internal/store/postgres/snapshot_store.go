package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

// SnapshotStore implements domain.SnapshotStore using PostgreSQL. The engine
// state is stored as a single JSONB document per snapshot.
type SnapshotStore struct {
	pool *pgxpool.Pool
	keep int
}

// NewSnapshotStore creates a SnapshotStore that retains the newest keep
// snapshots. keep <= 0 retains all of them.
func NewSnapshotStore(pool *pgxpool.Pool, keep int) *SnapshotStore {
	return &SnapshotStore{pool: pool, keep: keep}
}

// Save stores snap, replacing any snapshot with the same sequence number, and
// prunes old snapshots.
func (s *SnapshotStore) Save(ctx context.Context, snap domain.Snapshot) error {
	state, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("postgres: marshal snapshot %d: %w", snap.Seq, err)
	}

	const upsert = `
		INSERT INTO market_snapshots (seq, tick, state, taken_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (seq) DO UPDATE SET tick = EXCLUDED.tick, state = EXCLUDED.state, taken_at = EXCLUDED.taken_at`
	if _, err := s.pool.Exec(ctx, upsert, int64(snap.Seq), snap.Tick, state, snap.TakenAt); err != nil {
		return fmt.Errorf("postgres: save snapshot %d: %w", snap.Seq, err)
	}

	if s.keep > 0 {
		const prune = `
			DELETE FROM market_snapshots
			WHERE seq NOT IN (SELECT seq FROM market_snapshots ORDER BY seq DESC LIMIT $1)`
		if _, err := s.pool.Exec(ctx, prune, s.keep); err != nil {
			return fmt.Errorf("postgres: prune snapshots: %w", err)
		}
	}
	return nil
}

// Latest returns the snapshot with the highest sequence number.
func (s *SnapshotStore) Latest(ctx context.Context) (domain.Snapshot, error) {
	var state []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM market_snapshots ORDER BY seq DESC LIMIT 1`,
	).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Snapshot{}, fmt.Errorf("postgres: latest snapshot: %w", domain.ErrNotFound)
		}
		return domain.Snapshot{}, fmt.Errorf("postgres: latest snapshot: %w", err)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(state, &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("postgres: unmarshal snapshot: %w", err)
	}
	return snap, nil
}

var _ domain.SnapshotStore = (*SnapshotStore)(nil)
