package market

import (
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

// Snapshot captures the full engine state. seq is the sequence number of the
// last journaled event reflected in the state.
func (m *Marketplace) Snapshot(seq uint64) domain.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.st
	active := make([]domain.TokenID, len(st.listings.active))
	copy(active, st.listings.active)

	return domain.Snapshot{
		Seq:         seq,
		Tick:        m.lastTick,
		Collection:  st.collection,
		Assets:      st.registry.assets(),
		Listings:    st.listings.snapshotLatest(),
		Auctions:    st.listings.snapshotAuctions(),
		ActiveOrder: active,
		ListingSeq:  st.listings.seq,
		Accounts:    st.ledger.accounts(),
		Locks:       st.ledger.lockList(),
		Deposited:   domain.Amount(st.ledger.deposited),
		Withdrawn:   domain.Amount(st.ledger.withdrawn),
		TakenAt:     time.Now().UTC(),
	}
}

// Restore builds a marketplace from a snapshot. The snapshot is validated
// against the conservation law before use.
func Restore(snap domain.Snapshot, clock domain.Clock, logger *slog.Logger) (*Marketplace, error) {
	st := newState(snap.Collection)

	for _, a := range snap.Assets {
		if err := st.registry.mint(a.Owner, a.ID); err != nil {
			return nil, fmt.Errorf("market: restore: asset %s: %w", a.ID, err)
		}
	}

	for _, l := range snap.Listings {
		lc := l.Clone()
		st.listings.latest[l.AssetID] = &lc
	}
	for _, l := range snap.Auctions {
		// The latest listing and the latest auction are the same object when
		// the auction is the most recent listing; keep them shared.
		if cur, ok := st.listings.latest[l.AssetID]; ok && cur.Seq == l.Seq && cur.Kind == domain.ListingAuction {
			st.listings.auctions[l.AssetID] = cur
			continue
		}
		lc := l.Clone()
		st.listings.auctions[l.AssetID] = &lc
	}
	for _, id := range snap.ActiveOrder {
		l, ok := st.listings.latest[id]
		if !ok || !l.Active() {
			return nil, fmt.Errorf("market: restore: active order names asset %s without an active listing", id)
		}
		st.listings.active = append(st.listings.active, id)
	}
	st.listings.seq = snap.ListingSeq

	for _, acc := range snap.Accounts {
		st.ledger.credit(acc.Owner, domain.Amount(acc.Withdrawable))
	}
	for _, lk := range snap.Locks {
		st.ledger.lockBid(lk.AssetID, lk.Bidder, lk.Amount)
	}
	st.ledger.deposited = domain.Amount(snap.Deposited)
	st.ledger.withdrawn = domain.Amount(snap.Withdrawn)

	stats := st.ledger.stats()
	held := new(big.Int).Sub(stats.Deposited, stats.Withdrawn)
	if stats.Balance().Cmp(held) != 0 {
		return nil, fmt.Errorf("market: restore: ledger holds %s but deposited-withdrawn is %s", stats.Balance(), held)
	}

	m := New(snap.Collection, clock, logger)
	m.st = st
	m.lastTick = snap.Tick
	return m, nil
}
