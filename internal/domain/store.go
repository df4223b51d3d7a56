package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// EventStore persists the append-only journal of committed operations.
type EventStore interface {
	Append(ctx context.Context, ev MarketEvent) error
	ListSince(ctx context.Context, afterSeq uint64, limit int) ([]MarketEvent, error)
	LastSeq(ctx context.Context) (uint64, error)
}

// SnapshotStore persists engine snapshots.
type SnapshotStore interface {
	Save(ctx context.Context, snap Snapshot) error
	// Latest returns ErrNotFound when no snapshot has been taken yet.
	Latest(ctx context.Context) (Snapshot, error)
}

// PayoutStore persists completed withdrawals.
type PayoutStore interface {
	Record(ctx context.Context, p Payout) error
	ListByAccount(ctx context.Context, account Address, opts ListOpts) ([]Payout, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
