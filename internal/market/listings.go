package market

import (
	"math/big"
	"sort"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

// listingStore holds the sale state of every asset. latest keeps the most
// recent listing of each asset regardless of status; auctions keeps the most
// recent auction so end-time and bidder queries survive a later relisting.
type listingStore struct {
	latest   map[domain.TokenID]*domain.Listing
	auctions map[domain.TokenID]*domain.Listing
	active   []domain.TokenID // active listings in creation order
	seq      uint64
}

func newListingStore() *listingStore {
	return &listingStore{
		latest:   make(map[domain.TokenID]*domain.Listing),
		auctions: make(map[domain.TokenID]*domain.Listing),
	}
}

// activeFor returns the Active listing of id, if any.
func (s *listingStore) activeFor(id domain.TokenID) (*domain.Listing, bool) {
	l, ok := s.latest[id]
	if !ok || !l.Active() {
		return nil, false
	}
	return l, true
}

// checkCreate records the ownership and duplicate-listing violations shared
// by both listing kinds.
func (s *listingStore) checkCreate(c *check, reg *registry, id domain.TokenID, seller domain.Address) {
	owner, err := reg.ownerOf(id)
	if err != nil {
		c.fail(domain.ErrUnknownAsset, "asset %s does not exist", id)
		return
	}
	if owner != seller {
		c.fail(domain.ErrNotOwner, "%s does not own asset %s", seller.Hex(), id)
	}
	if _, ok := s.activeFor(id); ok {
		c.fail(domain.ErrAlreadyListed, "asset %s already has an active listing", id)
	}
}

func (s *listingStore) insert(l *domain.Listing) {
	s.seq++
	l.Seq = s.seq
	s.latest[l.AssetID] = l
	if l.Kind == domain.ListingAuction {
		s.auctions[l.AssetID] = l
	}
	s.active = append(s.active, l.AssetID)
}

func (s *listingStore) createFixedPrice(id domain.TokenID, seller domain.Address, price *big.Int, now int64) *domain.Listing {
	l := &domain.Listing{
		AssetID:    id,
		Kind:       domain.ListingFixedPrice,
		Seller:     seller,
		Status:     domain.ListingActive,
		CreatedAt:  now,
		FixedPrice: &domain.FixedPriceTerms{Price: domain.Amount(price)},
	}
	s.insert(l)
	return l
}

func (s *listingStore) createAuction(id domain.TokenID, seller domain.Address, reserve *big.Int, duration, now int64) *domain.Listing {
	l := &domain.Listing{
		AssetID:   id,
		Kind:      domain.ListingAuction,
		Seller:    seller,
		Status:    domain.ListingActive,
		CreatedAt: now,
		Auction: &domain.AuctionTerms{
			ReservePrice: domain.Amount(reserve),
			EndTime:      now + duration,
			HighestBid:   new(big.Int),
		},
	}
	s.insert(l)
	return l
}

// close moves an active listing to a terminal status.
func (s *listingStore) close(l *domain.Listing, status domain.ListingStatus) {
	l.Status = status
	for i, id := range s.active {
		if id == l.AssetID {
			s.active = append(s.active[:i], s.active[i+1:]...)
			break
		}
	}
}

// checkCancel records the cancellation violations for caller on id.
func (s *listingStore) checkCancel(c *check, id domain.TokenID, caller domain.Address) *domain.Listing {
	l, ok := s.latest[id]
	if !ok {
		c.fail(domain.ErrNotActive, "asset %s has no listing", id)
		return nil
	}
	if caller != l.Seller {
		c.fail(domain.ErrNotSeller, "%s is not the seller of asset %s", caller.Hex(), id)
	}
	if !l.Active() {
		c.fail(domain.ErrNotActive, "listing for asset %s is %s", id, l.Status)
	}
	if l.Kind == domain.ListingAuction && l.Auction.HasBids() {
		c.fail(domain.ErrAuctionHasBids, "auction for asset %s has bids", id)
	}
	return l
}

// byKind returns asset ids with an Active listing of kind, in listing order.
func (s *listingStore) byKind(kind domain.ListingKind) []domain.TokenID {
	out := make([]domain.TokenID, 0, len(s.active))
	for _, id := range s.active {
		if s.latest[id].Kind == kind {
			out = append(out, id)
		}
	}
	return out
}

func (s *listingStore) snapshotLatest() []domain.Listing {
	return cloneSorted(s.latest)
}

func (s *listingStore) snapshotAuctions() []domain.Listing {
	return cloneSorted(s.auctions)
}

func cloneSorted(m map[domain.TokenID]*domain.Listing) []domain.Listing {
	out := make([]domain.Listing, 0, len(m))
	for _, l := range m {
		out = append(out, l.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out
}
